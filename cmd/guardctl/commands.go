package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/BradenHooton/loginguard/internal/auth"
	"github.com/BradenHooton/loginguard/internal/models"
	"github.com/BradenHooton/loginguard/internal/services"
	"github.com/spf13/cobra"
)

// app holds what the commands need so tests can swap the store and clock
type app struct {
	out        io.Writer
	openLedger func(ctx context.Context) (*services.AttemptLedger, func(), error)
	newTokens  func() (*auth.TokenManager, time.Duration, error)
	now        func() time.Time
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "guardctl",
		Short: "Inspect and maintain the login attempt ledger",
		Long: `guardctl operates on the same attempt store as the API server,
selected through STORE_DRIVER and the usual connection variables.`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.SetOut(a.out)
	root.SetErr(a.out)

	blocks := &cobra.Command{
		Use:   "blocks",
		Short: "List, reset and purge blocks",
	}
	blocks.AddCommand(a.blocksListCmd(), a.blocksResetCmd(), a.blocksPurgeCmd())

	token := &cobra.Command{
		Use:   "token",
		Short: "Manage service tokens",
	}
	token.AddCommand(a.tokenIssueCmd())

	root.AddCommand(blocks, a.cleanupCmd(), a.simulateCmd(), token)
	return root
}

// withLedger opens the ledger for the duration of fn
func (a *app) withLedger(cmd *cobra.Command, fn func(ctx context.Context, ledger *services.AttemptLedger) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ledger, closeFn, err := a.openLedger(ctx)
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(ctx, ledger)
}

func (a *app) blocksListCmd() *cobra.Command {
	var typeFlag string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "Print active blocks, soonest expiry first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var filter models.IdentifierType
			if typeFlag != "" {
				typ, err := models.ParseIdentifierType(typeFlag)
				if err != nil {
					return err
				}
				filter = typ
			}

			return a.withLedger(cmd, func(ctx context.Context, ledger *services.AttemptLedger) error {
				records, err := ledger.ListBlocked(ctx)
				if err != nil {
					return err
				}

				tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "TYPE\tIDENTIFIER\tCONSECUTIVE\tBLOCKED UNTIL\tREMAINING")
				shown := 0
				for _, rec := range records {
					if filter != 0 && rec.Type != filter {
						continue
					}
					shown++
					fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
						rec.Type, rec.Identifier, rec.ConsecutiveFailures,
						rec.BlockedUntil.UTC().Format(time.RFC3339),
						rec.BlockedUntil.Sub(a.now()).Round(time.Second))
				}
				if err := tw.Flush(); err != nil {
					return err
				}
				fmt.Fprintf(a.out, "%d active block(s)\n", shown)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&typeFlag, "type", "", "Only show blocks of this type (ip or email)")
	return cmd
}

func (a *app) blocksResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <type> <identifier>",
		Short: "Clear consecutive failures and any block for one identifier",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			typ, err := models.ParseIdentifierType(args[0])
			if err != nil {
				return err
			}
			return a.withLedger(cmd, func(ctx context.Context, ledger *services.AttemptLedger) error {
				if err := ledger.ResetAttempts(ctx, args[1], typ); err != nil {
					return err
				}
				fmt.Fprintf(a.out, "reset %s %s\n", typ, args[1])
				return nil
			})
		},
	}
}

func (a *app) blocksPurgeCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete every attempt record, lifting all blocks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("refusing to purge without --yes")
			}
			return a.withLedger(cmd, func(ctx context.Context, ledger *services.AttemptLedger) error {
				deleted, err := ledger.PurgeAll(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(a.out, "purged %d record(s)\n", deleted)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm deletion of all records")
	return cmd
}

func (a *app) cleanupCmd() *cobra.Command {
	var retentionDays int

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete idle records that are not currently blocked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if retentionDays < 0 {
				return fmt.Errorf("--retention-days must not be negative")
			}
			return a.withLedger(cmd, func(ctx context.Context, ledger *services.AttemptLedger) error {
				deleted, err := ledger.Cleanup(ctx, retentionDays)
				if err != nil {
					return err
				}
				fmt.Fprintf(a.out, "deleted %d record(s)\n", deleted)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&retentionDays, "retention-days", 0, "Idle days before a record is removed (0 uses GUARD_RETENTION_DAYS)")
	return cmd
}

func (a *app) simulateCmd() *cobra.Command {
	var failures int

	cmd := &cobra.Command{
		Use:   "simulate <type> <identifier>",
		Short: "Record failures for an identifier and print how blocking escalates",
		Long: `simulate records real failures in the configured store. Run
"guardctl blocks reset" afterwards to lift the resulting block.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			typ, err := models.ParseIdentifierType(args[0])
			if err != nil {
				return err
			}
			if failures < 1 {
				return fmt.Errorf("--failures must be at least 1")
			}

			return a.withLedger(cmd, func(ctx context.Context, ledger *services.AttemptLedger) error {
				tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "FAILURE\tCONSECUTIVE\tREMAINING\tTIER\tBLOCKED UNTIL")
				for i := 1; i <= failures; i++ {
					res, err := ledger.RecordFailure(ctx, args[1], typ)
					if err != nil {
						return err
					}
					until := "-"
					if res.BlockedUntil != nil {
						until = res.BlockedUntil.UTC().Format(time.RFC3339)
					}
					fmt.Fprintf(tw, "%d\t%d\t%d\t%d\t%s\n", i, res.ConsecutiveFailures, res.DisplayRemaining(), res.Tier, until)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().IntVar(&failures, "failures", 10, "Number of failures to record")
	return cmd
}

func (a *app) tokenIssueCmd() *cobra.Command {
	var (
		subject string
		roleStr string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Mint a service token for a host application or operator",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			role, err := models.ParseRole(roleStr)
			if err != nil {
				return err
			}

			tm, defaultTTL, err := a.newTokens()
			if err != nil {
				return err
			}
			if ttl <= 0 {
				ttl = defaultTTL
			}

			token, err := tm.Issue(subject, role, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(a.out, token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "Token subject, usually the application name (required)")
	cmd.Flags().StringVar(&roleStr, "role", string(models.RoleHost), "Token role: host or admin")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (0 uses TOKEN_DEFAULT_TTL)")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
