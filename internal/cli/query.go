package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/lexledger/internal/api"
)

var answerAsOf string

// ErrRefused is returned when the gateway refused to answer
var ErrRefused = errors.New("answer refused")

// answerCmd represents the answer command
var answerCmd = &cobra.Command{
	Use:   "answer <topic>",
	Short: "Answer which rule applies to a topic on a date",
	Long: `Answer selects the published rule in force for the topic and returns its
value with citations. It refuses with NO_RULE_FOUND, CONFLICT_UNRESOLVED or
GRAPH_INCONSISTENT_RETRY instead of guessing; refusals exit non-zero.

Example:
  lexledger answer VAT_STANDARD_RATE
  lexledger answer VAT_STANDARD_RATE --as-of 2011-01-04`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		asOf, err := api.ParseAsOf(answerAsOf, time.Now())
		if err != nil {
			return err
		}
		ans, err := a.p.Gateway.Answer(ctx, args[0], asOf)
		if err != nil {
			return err
		}
		if err := printJSON(ans); err != nil {
			return err
		}
		if !ans.Success {
			return fmt.Errorf("%w: %s", ErrRefused, ans.RefusalReason)
		}
		return nil
	},
}

// provenanceCmd represents the provenance command
var provenanceCmd = &cobra.Command{
	Use:   "provenance <rule-id>",
	Short: "Show the rule → pointer → evidence chain behind a rule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		chain, err := a.p.Gateway.Provenance(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(chain)
	},
}

func init() {
	rootCmd.AddCommand(answerCmd)
	rootCmd.AddCommand(provenanceCmd)

	answerCmd.Flags().StringVar(&answerAsOf, "as-of", "", "date (YYYY-MM-DD or RFC 3339); default now")
}
