package app

import (
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"harvester/internal/geolite"
	"harvester/internal/jobs/runtime"
	"harvester/internal/support"
)

func newWatchCmd(s *session) *cobra.Command {
	var schedule string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Run the sync on a schedule until interrupted",
		Args:  cobra.NoArgs,
		RunE: s.wrap(func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg := s.cfg
			if cmd.Flags().Changed("schedule") {
				cfg.Schedule.Spec = schedule
			}

			p, err := s.buildPipeline(ctx)
			if err != nil {
				return err
			}

			watcher := runtime.NewWatcher(p.job, runtime.WatchOptions{
				Schedule: cfg.Schedule.Spec,
				Redis:    p.redis,
				LockTTL:  cfg.Schedule.LockTTL,
			}, s.logger)

			if cfg.GeoLite.LicenseKey != "" {
				httpClient, err := support.NewHTTPClient(0, cfg.Imperva.SOCKS5Proxy)
				if err != nil {
					return err
				}
				updater := &geolite.Updater{
					LicenseKey: cfg.GeoLite.LicenseKey,
					Dir:        cfg.GeoLiteDir(),
					HTTPClient: httpClient,
					Logger:     s.logger,
				}
				watcher.AddTask(runtime.GeoLiteUpdateSchedule, "geolite-update", runtime.GeoLiteUpdateTask(updater, s.logger))
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return watcher.Start(gctx)
			})
			if addr := cfg.Metrics.ListenAddr; addr != "" {
				g.Go(func() error {
					return runtime.Serve(gctx, addr, runtime.NewRouter(watcher, p.recorder.Handler()), s.logger)
				})
			}
			return g.Wait()
		}),
	}

	cmd.Flags().StringVar(&schedule, "schedule", "", "Cron spec, overrides HARVESTER_SCHEDULE")
	return cmd
}
