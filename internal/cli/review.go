package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ppiankov/lexledger/internal/store"
)

var (
	conflictsTopic string
	conflictsAll   bool

	resolveWinner   string
	resolveReviewer string
	resolveNote     string

	deadLimit int

	staleLimit   int
	staleRefetch bool

	tombstoneReason string
)

// conflictsCmd represents the conflicts command
var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "Review conflicts between sources",
}

var conflictsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conflicts awaiting a decision",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		conflicts, err := a.p.Store.ListConflicts(ctx, store.ConflictFilter{TopicKey: conflictsTopic, OpenOnly: !conflictsAll})
		if err != nil {
			return err
		}
		return printJSON(conflicts)
	},
}

var conflictsHistoryCmd = &cobra.Command{
	Use:   "history <conflict-id>",
	Short: "Show the resolution trail of a conflict",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		history, err := a.p.Arbiter.History(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(history)
	},
}

var conflictsResolveCmd = &cobra.Command{
	Use:   "resolve <conflict-id>",
	Short: "Record a reviewer's decision on a conflict",
	Long: `Resolve appends a HUMAN_RESOLVED resolution naming the winning side. The
losing pointer is marked rejected, or the losing rule is moved to REJECTED,
and the topic is queued for recomposition.

Example:
  lexledger conflicts resolve 3f2a... --winner 9c1e... --reviewer alice --note "statute prevails"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if resolveWinner == "" || resolveReviewer == "" {
			return fmt.Errorf("--winner and --reviewer are required")
		}
		ctx := context.Background()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.p.ResolveConflict(ctx, args[0], resolveWinner, resolveReviewer, resolveNote)
		if err != nil {
			return err
		}
		return printJSON(res)
	},
}

// deadLetterCmd represents the deadletter command
var deadLetterCmd = &cobra.Command{
	Use:   "deadletter",
	Short: "Inspect and requeue jobs that exhausted their retries",
}

var deadLetterListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		jobs, err := a.p.Queue.ListDead(ctx, deadLimit)
		if err != nil {
			return err
		}
		return printJSON(jobs)
	},
}

var deadLetterRequeueCmd = &cobra.Command{
	Use:   "requeue <job-id>...",
	Short: "Give dead-lettered jobs a fresh attempt budget",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		for _, id := range args {
			if err := a.p.Queue.Requeue(ctx, id); err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "✓ requeued %s\n", id)
		}
		return nil
	},
}

// staleCmd represents the stale command
var staleCmd = &cobra.Command{
	Use:   "stale",
	Short: "Re-verify evidence against its source",
	Long: `Stale checks the latest live record of each URL with a conditional
request. Unchanged sources get their verification time reset; changed or
over-age sources are reported. With --refetch stale URLs are ingested again.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		reports, err := a.p.Reverify(ctx, staleLimit, staleRefetch)
		if err != nil {
			return err
		}
		return printJSON(reports)
	},
}

// tombstoneCmd represents the tombstone command
var tombstoneCmd = &cobra.Command{
	Use:   "tombstone <evidence-id>",
	Short: "Withdraw a piece of evidence",
	Long: `Tombstone marks evidence as withdrawn. The content is kept for audit but no
new pointers may cite it, and every topic it supports is recomposed.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if tombstoneReason == "" {
			return fmt.Errorf("--reason is required")
		}
		ctx := context.Background()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.p.Tombstone(ctx, args[0], tombstoneReason); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "✓ tombstoned %s\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(conflictsCmd)
	conflictsCmd.AddCommand(conflictsListCmd, conflictsHistoryCmd, conflictsResolveCmd)
	conflictsListCmd.Flags().StringVar(&conflictsTopic, "topic", "", "limit to one topic")
	conflictsListCmd.Flags().BoolVar(&conflictsAll, "all", false, "include decided conflicts")
	conflictsResolveCmd.Flags().StringVar(&resolveWinner, "winner", "", "pointer or rule id of the winning side")
	conflictsResolveCmd.Flags().StringVar(&resolveReviewer, "reviewer", "", "who made the decision")
	conflictsResolveCmd.Flags().StringVar(&resolveNote, "note", "", "reason recorded with the decision")

	rootCmd.AddCommand(deadLetterCmd)
	deadLetterCmd.AddCommand(deadLetterListCmd, deadLetterRequeueCmd)
	deadLetterListCmd.Flags().IntVar(&deadLimit, "limit", 100, "maximum jobs to list")

	rootCmd.AddCommand(tombstoneCmd)
	tombstoneCmd.Flags().StringVar(&tombstoneReason, "reason", "", "why the evidence is withdrawn")

	rootCmd.AddCommand(staleCmd)
	staleCmd.Flags().IntVar(&staleLimit, "limit", 500, "maximum records to check")
	staleCmd.Flags().BoolVar(&staleRefetch, "refetch", false, "ingest stale URLs again")
}
