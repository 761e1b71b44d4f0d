package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

const pushTimeout = 10 * time.Second

func newSyncCmd(s *session) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Fetch new incidents once and merge them into the datasets",
		Args:  cobra.NoArgs,
		RunE: s.wrap(func(cmd *cobra.Command, args []string) error {
			return runSync(cmd, s)
		}),
	}
}

func runSync(cmd *cobra.Command, s *session) error {
	ctx := cmd.Context()
	p, err := s.buildPipeline(ctx)
	if err != nil {
		return err
	}

	outcome, runErr := p.job.Run(ctx)

	if url := s.cfg.Metrics.PushgatewayURL; url != "" {
		pushCtx, cancel := context.WithTimeout(context.Background(), pushTimeout)
		if err := p.recorder.Push(pushCtx, url, hostname()); err != nil {
			s.logger.Warn("Could not push metrics", "error", err)
		}
		cancel()
	}

	if runErr != nil {
		return runErr
	}

	out := cmd.OutOrStdout()
	if outcome.Empty {
		fmt.Fprintln(out, "No incidents found.")
		return nil
	}
	fmt.Fprintf(out, "Processed %d incidents: %d unique IPs (%d new), %d unique domains (%d new)\n",
		outcome.Run.Incidents,
		outcome.Run.TotalIPs, outcome.Run.NewIPs,
		outcome.Run.TotalDomains, outcome.Run.NewDomains,
	)
	fmt.Fprintf(out, "Report: %s\n", outcome.ReportPath)
	if !outcome.WatermarkSaved {
		fmt.Fprintln(out, "Watermark not advanced: pagination stopped early.")
	}
	return nil
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return ""
	}
	return name
}
