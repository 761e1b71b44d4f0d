package app

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"harvester/internal/database"
	"harvester/internal/watermark"
)

func newWatermarkCmd(s *session) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watermark",
		Short: "Inspect or change the delta-query watermark",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Print the saved watermark",
			Args:  cobra.NoArgs,
			RunE: s.wrap(func(cmd *cobra.Command, args []string) error {
				store := watermark.NewStore(s.cfg.WatermarkPath())
				ts, ok, err := store.Load()
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(cmd.OutOrStdout(), "No watermark saved; the next run fetches all incidents.")
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d (%s)\n", ts, watermark.ToTime(ts).Format(time.DateTime))

				if s.cfg.Database.DSN == "" {
					return nil
				}
				mirror, err := s.openMirror(database.WithAutoMigrate(false))
				if err != nil {
					s.logger.Warn("SQL mirror unavailable", "error", err)
					return nil
				}
				s.closers = append(s.closers, mirror)
				printLastRun(cmd.Context(), cmd.OutOrStdout(), mirror, s.cfg.Imperva.AccountID, s.logger)
				return nil
			}),
		},
		&cobra.Command{
			Use:   "set <milliseconds|RFC3339>",
			Short: "Overwrite the watermark",
			Args:  cobra.ExactArgs(1),
			RunE: s.wrap(func(cmd *cobra.Command, args []string) error {
				ts, err := parseWatermark(args[0])
				if err != nil {
					return err
				}
				store := watermark.NewStore(s.cfg.WatermarkPath())
				if err := store.Save(ts); err != nil {
					return err
				}
				s.logger.Info("Watermark updated", "path", store.Path(), "timestamp", ts)
				fmt.Fprintf(cmd.OutOrStdout(), "%d\n", ts)
				return nil
			}),
		},
		&cobra.Command{
			Use:   "reset",
			Short: "Remove the watermark so the next run fetches everything",
			Args:  cobra.NoArgs,
			RunE: s.wrap(func(cmd *cobra.Command, args []string) error {
				store := watermark.NewStore(s.cfg.WatermarkPath())
				if err := store.Clear(); err != nil {
					return err
				}
				s.logger.Info("Watermark removed", "path", store.Path())
				return nil
			}),
		},
	)

	return cmd
}

func parseWatermark(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if ts, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if ts < 0 {
			return 0, fmt.Errorf("watermark must not be negative: %d", ts)
		}
		return ts, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return 0, fmt.Errorf("watermark %q is neither epoch milliseconds nor RFC3339", raw)
	}
	return watermark.FromTime(t), nil
}

// printLastRun adds the most recent mirrored run for the account, if any.
func printLastRun(ctx context.Context, out io.Writer, store *database.Store, accountID string, logger *log.Logger) {
	run, err := store.LatestRun(ctx, accountID)
	if err != nil {
		logger.Warn("Could not read last mirrored run", "error", err)
		return
	}
	if run == nil {
		fmt.Fprintln(out, "No mirrored runs for this account.")
		return
	}
	fmt.Fprintf(out, "Last run %s at %s: %d incidents, %d new IPs, %d new domains",
		run.ID, run.StartedAt.Format(time.DateTime), run.Incidents, run.NewIPs, run.NewDomains)
	if run.Truncated {
		fmt.Fprint(out, " (truncated)")
	}
	fmt.Fprintln(out)
}
