package cli

import (
	"fmt"
	"os/user"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/lucasnoah/argus/internal/action"
	"github.com/lucasnoah/argus/internal/pipeline"
)

var fixCmd = &cobra.Command{
	Use:   "fix <run-id>",
	Short: "Request fixes for findings of a run",
	Long: `Records a request-for-fix action for the given run. Select findings
explicitly with --finding, or by --min-score and --severity filters.

The request is idempotent: asking again for the same run and selection
returns the existing action, whoever asked. The fix worker picks it up on
the next tick; pass --tick to run one right away.`,
	Example: `  argus fix run:acme/web:3f2a... --min-score 80
  argus fix run:acme/web:3f2a... --finding f:1a2b... --finding f:9c8d... --tick`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, _ := cmd.Flags().GetStringArray("finding")
		severity, _ := cmd.Flags().GetString("severity")

		filters := map[string]any{}
		if cmd.Flags().Changed("min-score") {
			minScore, _ := cmd.Flags().GetFloat64("min-score")
			filters["minScore"] = minScore
		}
		if severity != "" {
			filters["severity"] = severity
		}

		a, cleanup, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		res, err := a.submitter.Submit(cmd.Context(), action.Request{
			ActionType:  pipeline.ActionRequestForFix,
			RunID:       args[0],
			FindingIDs:  ids,
			Filters:     filters,
			Source:      "cli",
			Attribution: currentUser(),
			RequestID:   uuid.NewString(),
			RequestedAt: a.store.Now(),
		})
		if err != nil {
			return err
		}

		if tick, _ := cmd.Flags().GetBool("tick"); tick && !res.Duplicate {
			if _, err := a.orch.CheckIn(cmd.Context()); err != nil {
				a.logger.Error("tick failed", "err", err)
			}
			rec, err := a.store.GetAction(cmd.Context(), res.ActionID)
			if err != nil {
				return err
			}
			res.Status, res.Outcome = rec.Status, rec.Outcome
		}

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			return writeJSON(cmd, res)
		}
		if res.Duplicate {
			fmt.Fprintf(cmd.OutOrStdout(), "Fix already requested: %s\n", res.ActionID)
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "Fix requested: %s\n", res.ActionID)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "  status: %s\n", res.Status)
		if res.Outcome != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "  outcome: %s\n", res.Outcome)
		}
		return nil
	},
}

func currentUser() string {
	u, err := user.Current()
	if err != nil {
		return ""
	}
	return u.Username
}

var actionCmd = &cobra.Command{
	Use:   "action",
	Short: "Inspect action records",
}

var actionShowCmd = &cobra.Command{
	Use:   "show <action-id>",
	Short: "Show one action record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, store, cleanup, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer cleanup()

		rec, err := store.GetAction(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			return writeJSON(cmd, rec)
		}
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Action:   %s\n", rec.ActionID)
		fmt.Fprintf(w, "Type:     %s\n", rec.ActionType)
		fmt.Fprintf(w, "Scope:    %s\n", rec.Scope)
		fmt.Fprintf(w, "Status:   %s\n", rec.Status)
		if rec.Outcome != "" {
			fmt.Fprintf(w, "Outcome:  %s\n", rec.Outcome)
		}
		if rec.ErrorCode != "" {
			fmt.Fprintf(w, "Error:    %s %s\n", rec.ErrorCode, rec.Error)
		}
		if rec.Attempts > 0 {
			fmt.Fprintf(w, "Attempts: %d\n", rec.Attempts)
		}
		fmt.Fprintf(w, "Updated:  %s\n", rec.UpdatedAt)
		if rec.Result != "" {
			fmt.Fprintf(w, "\n%s\n", rec.Result)
		}
		return nil
	},
}

func init() {
	fixCmd.Flags().StringArray("finding", nil, "finding id to fix (repeatable)")
	fixCmd.Flags().Float64("min-score", 0, "fix findings with at least this priority score")
	fixCmd.Flags().String("severity", "", "fix findings of this severity")
	fixCmd.Flags().Bool("tick", false, "run one tick after requesting")
	fixCmd.Flags().String("format", "text", "Output format: text or json")

	actionShowCmd.Flags().String("format", "text", "Output format: text or json")
	actionCmd.AddCommand(actionShowCmd)
}
