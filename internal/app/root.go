package app

import (
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"harvester/internal/app/version"
	"harvester/internal/config"
	"harvester/internal/support"
)

// overrides are the persistent flags; each one only applies when set.
type overrides struct {
	account    string
	dataDir    string
	reportsDir string
	stem       string
	pageSize   int
}

// session is the state shared by every subcommand of one invocation.
type session struct {
	cfg     *config.Config
	logger  *log.Logger
	closers []io.Closer
}

func (s *session) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		_ = s.closers[i].Close()
	}
	s.closers = nil
}

// wrap releases the session once the command body returns, including on error.
func (s *session) wrap(run func(cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		defer s.close()
		return run(cmd, args)
	}
}

func NewRootCommand() *cobra.Command {
	var flags overrides
	s := &session{}

	cmd := &cobra.Command{
		Use:           "harvester",
		Short:         "Harvest attacker IPs and attacked domains from Imperva incidents",
		Version:       version.Get().String(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return s.open(cmd, flags)
		},
		RunE: s.wrap(func(cmd *cobra.Command, args []string) error {
			return runSync(cmd, s)
		}),
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&flags.account, "account", "", "Imperva account id (overrides CLID)")
	pf.StringVar(&flags.dataDir, "data-dir", "", "Directory for the merged datasets and watermark")
	pf.StringVar(&flags.reportsDir, "reports-dir", "", "Directory for run summary reports")
	pf.StringVar(&flags.stem, "stem", "", "Fixed file name prefix for the datasets")
	pf.IntVar(&flags.pageSize, "page-size", 0, "Incidents requested per page")

	cmd.AddCommand(
		newSyncCmd(s),
		newWatchCmd(s),
		newWatermarkCmd(s),
		newGeoLiteCmd(s),
	)

	return cmd
}

func (s *session) open(cmd *cobra.Command, flags overrides) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	applyOverrides(cmd, cfg, flags)

	logger, closer, err := support.NewLogger(support.LogOptions{
		Dir:     cfg.Log.Dir,
		Level:   cfg.Log.Level,
		Format:  cfg.Log.Format,
		Console: cmd.ErrOrStderr(),
	}, time.Now())
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}

	s.cfg = cfg
	s.logger = logger
	s.closers = append(s.closers, closer)
	return nil
}

func applyOverrides(cmd *cobra.Command, cfg *config.Config, flags overrides) {
	changed := func(name string) bool {
		f := cmd.Flags().Lookup(name)
		return f != nil && f.Changed
	}

	if changed("account") {
		cfg.Imperva.AccountID = flags.account
	}
	if changed("data-dir") {
		cfg.Storage.DataDir = flags.dataDir
	}
	if changed("reports-dir") {
		cfg.Storage.ReportsDir = flags.reportsDir
	}
	if changed("stem") {
		cfg.Storage.FileStem = flags.stem
	}
	if changed("page-size") && flags.pageSize > 0 {
		cfg.Imperva.PageSize = flags.pageSize
	}
}
