package app

import (
	"github.com/spf13/cobra"

	"harvester/internal/geolite"
	"harvester/internal/support"
)

func newGeoLiteCmd(s *session) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "geolite",
		Short: "Manage the GeoLite2 databases used for IP geo details",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "update",
		Short: "Download the GeoLite2 Country and ASN databases",
		Args:  cobra.NoArgs,
		RunE: s.wrap(func(cmd *cobra.Command, args []string) error {
			httpClient, err := support.NewHTTPClient(0, s.cfg.Imperva.SOCKS5Proxy)
			if err != nil {
				return err
			}
			updater := &geolite.Updater{
				LicenseKey: s.cfg.GeoLite.LicenseKey,
				Dir:        s.cfg.GeoLiteDir(),
				HTTPClient: httpClient,
				Logger:     s.logger,
			}
			return updater.Update(cmd.Context())
		}),
	})

	return cmd
}
