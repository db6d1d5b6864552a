package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/xraph/billing/config"
)

type cli struct {
	open     opener
	cfgFile  string
	envFiles []string
	cfg      *config.Config
	logger   *slog.Logger
	started  time.Time
}

func newRootCmd(open opener) *cobra.Command {
	c := &cli{open: open}

	root := &cobra.Command{
		Use:           "billingd",
		Short:         "Run billing jobs against the configured store",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(c.cfgFile, c.envFiles...)
			if err != nil {
				return err
			}
			c.cfg = cfg
			c.logger = cfg.Logger().With("run_id", uuid.NewString())
			c.started = time.Now()
			c.logger.Debug("command start", "command", cmd.CommandPath())
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			c.logger.Debug("command end",
				"command", cmd.CommandPath(),
				"duration_ms", time.Since(c.started).Milliseconds(),
			)
		},
	}

	root.PersistentFlags().StringVarP(&c.cfgFile, "config", "c", "", "YAML config file")
	root.PersistentFlags().StringSliceVar(&c.envFiles, "env-file", nil, "dotenv files to load (default .env when present)")

	root.AddCommand(
		c.migrateCmd(),
		c.renewCmd(),
		c.sweepCmd(),
		c.balanceCmd(),
		c.writeOffCmd(),
		c.exportCmd(),
		c.scheduleCmd(),
	)
	return root
}

// withApp opens the app for the duration of fn.
func (c *cli) withApp(cmd *cobra.Command, fn func(a *app) error) (err error) {
	a, err := c.open(cmd.Context(), c.cfg, c.logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close: %w", cerr)
		}
	}()
	return fn(a)
}

// parseAt reads a --at flag: empty means now, otherwise RFC 3339 or a
// plain date at midnight UTC.
func parseAt(s string, now time.Time) (time.Time, error) {
	if s == "" {
		return now.UTC(), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: want RFC 3339 or YYYY-MM-DD", s)
	}
	return t, nil
}
