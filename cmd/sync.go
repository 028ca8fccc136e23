package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/dkruthoff/membership-billing/internal/reconcile"
	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Reconciliation sweeps",
	Long:  `Pull authoritative state from the payment processor for records that may have missed a webhook. Every subcommand prints a JSON summary.`,
}

var (
	syncOrganisationID int64
	syncMemberID       int64
	syncIncludeRecent  bool
	syncTimeout        time.Duration
)

var syncIncompleteCmd = &cobra.Command{
	Use:   "incomplete",
	Short: "Re-check subscriptions stuck in incomplete",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSweepers(func(ctx context.Context, deps *Dependencies) (*reconcile.Summary, error) {
			if syncOrganisationID > 0 {
				return deps.IncompleteSweeper.RunOrganisation(ctx, syncOrganisationID)
			}
			if syncMemberID > 0 {
				return deps.IncompleteSweeper.RunMember(ctx, syncMemberID)
			}
			return deps.IncompleteSweeper.Run(ctx)
		})
	},
}

var syncSubscriptionsCmd = &cobra.Command{
	Use:   "subscriptions",
	Short: "Sync member autopay subscriptions from the processor",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSweepers(func(ctx context.Context, deps *Dependencies) (*reconcile.Summary, error) {
			if syncMemberID > 0 {
				return deps.MemberSweeper.RunOne(ctx, syncMemberID)
			}
			return deps.MemberSweeper.RunAll(ctx)
		})
	},
}

var syncPaymentsCmd = &cobra.Command{
	Use:   "payments [identifier]",
	Short: "Re-query unsettled transactions, or one payment by id",
	Long:  `With an identifier (payment intent id, checkout session id or numeric transaction id) reconciles that single payment; without one sweeps all processing transactions. --recent widens the sweep to recently created unsettled rows.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSweepers(func(ctx context.Context, deps *Dependencies) (*reconcile.Summary, error) {
			if len(args) == 1 {
				return deps.TransactionSweeper.SyncPayment(ctx, args[0])
			}
			return deps.TransactionSweeper.Run(ctx, syncIncludeRecent)
		})
	},
}

var syncAccountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Sweep recent payments on all active connected accounts",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSweepers(func(ctx context.Context, deps *Dependencies) (*reconcile.Summary, error) {
			return deps.AccountSweeper.Run(ctx)
		})
	},
}

func withSweepers(run func(ctx context.Context, deps *Dependencies) (*reconcile.Summary, error)) error {
	deps, err := initializeDependencies()
	if err != nil {
		return fmt.Errorf("failed to initialize dependencies: %w", err)
	}
	defer deps.DB.Close()

	ctx, cancel := context.WithTimeout(context.Background(), syncTimeout)
	defer cancel()

	summary, err := run(ctx, deps)
	if summary != nil {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(summary)
	}
	return err
}

func init() {
	syncCmd.PersistentFlags().DurationVar(&syncTimeout, "timeout", 10*time.Minute, "Overall sweep timeout")

	syncIncompleteCmd.Flags().Int64Var(&syncOrganisationID, "organisation-id", 0, "Check a single organisation")
	syncIncompleteCmd.Flags().Int64Var(&syncMemberID, "member-id", 0, "Check a single member")
	syncSubscriptionsCmd.Flags().Int64Var(&syncMemberID, "member-id", 0, "Sync a single member")
	syncPaymentsCmd.Flags().BoolVar(&syncIncludeRecent, "recent", false, "Also sweep recently created unsettled transactions")

	syncCmd.AddCommand(syncIncompleteCmd)
	syncCmd.AddCommand(syncSubscriptionsCmd)
	syncCmd.AddCommand(syncPaymentsCmd)
	syncCmd.AddCommand(syncAccountsCmd)

	rootCmd.AddCommand(syncCmd)
}
