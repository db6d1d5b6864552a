package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/xraph/billing/scheduler"
	"github.com/xraph/billing/transaction"
	"github.com/xraph/billing/types"
)

func (c *cli) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the store schema and the system organizations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Opening the app starts the engine, which migrates.
			return c.withApp(cmd, func(a *app) error {
				fmt.Fprintf(cmd.OutOrStdout(), "migrated %s store\n", a.cfg.Store.Driver)
				return nil
			})
		},
	}
}

func (c *cli) renewCmd() *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "renew",
		Short: "Extend renewing subscriptions, charge balances and send notices",
		Long: `Runs one renewal cycle. Every step is idempotent, so running it twice
for the same day posts and charges nothing new.

Examples:
  billingd renew
  billingd renew --at 2026-02-01`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			when, err := parseAt(at, time.Now())
			if err != nil {
				return err
			}
			return c.withApp(cmd, func(a *app) error {
				report, err := a.engine.RunRenewals(cmd.Context(), when)
				if report != nil {
					fmt.Fprintf(cmd.OutOrStdout(),
						"renewals at %s: extended=%d subscriptions=%d charged=%d pending=%d declined=%d locked_out=%d skipped=%d notices=%d\n",
						report.At.Format(time.RFC3339), report.Extended, report.Subscriptions, report.Charged,
						report.Pending, report.Declined, report.LockedOut, report.Skipped, report.Notices)
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "run as of this time (RFC 3339 or YYYY-MM-DD)")
	return cmd
}

func (c *cli) sweepCmd() *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Resolve charges stuck in PROCESSING past the grace period",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			when, err := parseAt(at, time.Now())
			if err != nil {
				return err
			}
			return c.withApp(cmd, func(a *app) error {
				report, err := a.engine.SweepStuckCharges(cmd.Context(), when)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "sweep: checked=%d settled=%d failed=%d pending=%d\n",
					report.Checked, report.Settled, report.Failed, report.Pending)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "run as of this time (RFC 3339 or YYYY-MM-DD)")
	return cmd
}

func (c *cli) balanceCmd() *cobra.Command {
	var (
		org     string
		account string
		unit    string
		at      string
	)
	cmd := &cobra.Command{
		Use:   "balance",
		Short: "Print an organization's balance on one account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			acct := transaction.Account(account)
			if !acct.Valid() {
				return fmt.Errorf("unknown account %q", account)
			}
			var asOf time.Time
			if at != "" {
				t, err := parseAt(at, time.Now())
				if err != nil {
					return err
				}
				asOf = t
			}
			return c.withApp(cmd, func(a *app) error {
				o, err := a.engine.GetOrganizationBySlug(cmd.Context(), org)
				if err != nil {
					return err
				}
				if unit == "" {
					unit = o.DefaultCurrency
				}
				m, err := a.engine.BalanceIn(cmd.Context(), o.ID, acct, unit, asOf)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s:%s %s %s\n", o.Slug, acct, m.FormatMajor(), m.Currency)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&org, "org", "", "organization slug")
	cmd.Flags().StringVar(&account, "account", string(transaction.Payable), "ledger account")
	cmd.Flags().StringVar(&unit, "unit", "", "currency (default: the organization's)")
	cmd.Flags().StringVar(&at, "at", "", "balance as of this time")
	_ = cmd.MarkFlagRequired("org")
	return cmd
}

func (c *cli) writeOffCmd() *cobra.Command {
	var org, reason string
	cmd := &cobra.Command{
		Use:   "write-off",
		Short: "Write off an organization's unpaid balance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd, func(a *app) error {
				o, err := a.engine.GetOrganizationBySlug(cmd.Context(), org)
				if err != nil {
					return err
				}
				txn, err := a.engine.WriteOff(cmd.Context(), o.ID, reason)
				if err != nil {
					return err
				}
				if txn == nil {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: nothing to write off\n", o.Slug)
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: wrote off %s (%s)\n", o.Slug, types.New(txn.DestAmount, txn.DestUnit), txn.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&org, "org", "", "organization slug")
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in the entry")
	_ = cmd.MarkFlagRequired("org")
	return cmd
}

func (c *cli) exportCmd() *cobra.Command {
	var org, at, out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export an organization's ledger in plain text accounting format",
		Long: `Writes every entry touching the organization, oldest first, to the
configured export sink: a local directory or an S3 bucket.

Examples:
  billingd export --org acme              # exports/acme-2026-02-01.ledger
  billingd export --org acme -o -         # stdout
  billingd export --org acme --at 2026-01-31`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var asOf time.Time
			if at != "" {
				t, err := parseAt(at, time.Now())
				if err != nil {
					return err
				}
				asOf = t
			}
			return c.withApp(cmd, func(a *app) error {
				o, err := a.engine.GetOrganizationBySlug(cmd.Context(), org)
				if err != nil {
					return err
				}
				if out == "-" {
					_, err := a.engine.WriteLedger(cmd.Context(), cmd.OutOrStdout(), o.ID, asOf)
					return err
				}

				var buf bytes.Buffer
				n, err := a.engine.WriteLedger(cmd.Context(), &buf, o.ID, asOf)
				if err != nil {
					return err
				}
				name := out
				if name == "" {
					stamp := asOf
					if stamp.IsZero() {
						stamp = time.Now().UTC()
					}
					name = fmt.Sprintf("%s-%s.ledger", o.Slug, stamp.Format(time.DateOnly))
				}
				if err := a.sink.Put(cmd.Context(), name, &buf); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "exported %d entries to %s\n", n, name)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&org, "org", "", "organization slug")
	cmd.Flags().StringVar(&at, "at", "", "only entries created up to this time")
	cmd.Flags().StringVarP(&out, "output", "o", "", "object name in the sink, or - for stdout")
	_ = cmd.MarkFlagRequired("org")
	return cmd
}

func (c *cli) scheduleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schedule",
		Short: "Run renewals and sweeps on their cron schedules until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd, func(a *app) error {
				s, err := scheduler.New(a.engine, a.cfg.Scheduler, scheduler.WithLogger(a.logger))
				if err != nil {
					return err
				}

				var srv *http.Server
				serveErr := make(chan error, 1)
				if a.cfg.MetricsAddr != "" {
					mux := http.NewServeMux()
					mux.Handle("/metrics", promhttp.HandlerFor(a.metrics, promhttp.HandlerOpts{}))
					srv = &http.Server{Addr: a.cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
					go func() {
						if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
							serveErr <- err
						}
					}()
					a.logger.Info("serving metrics", "addr", a.cfg.MetricsAddr)
				}

				s.Start()
				select {
				case <-cmd.Context().Done():
				case err = <-serveErr:
				}

				shutdown, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				if srv != nil {
					_ = srv.Shutdown(shutdown)
				}
				return errors.Join(err, s.Stop(shutdown))
			})
		},
	}
}
