package cli

import (
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/argus/internal/ledger"
	"github.com/lucasnoah/argus/internal/pipeline"
	"github.com/lucasnoah/argus/internal/scoring"
	"github.com/lucasnoah/argus/internal/stage"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Inspect pipeline runs",
}

var runListCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, store, cleanup, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer cleanup()

		var f ledger.Filter
		if status, _ := cmd.Flags().GetString("status"); status != "" {
			f.Statuses = []string{strings.ToUpper(status)}
		}
		if repo, _ := cmd.Flags().GetString("repo"); repo != "" {
			f.Fields = map[string]string{"repo": repo}
		}
		limit, _ := cmd.Flags().GetInt("limit")

		runs, err := store.ListRuns(cmd.Context(), f, limit)
		if err != nil {
			return err
		}

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			return writeJSON(cmd, runs)
		}
		if len(runs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No runs found.")
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "RUN\tREPO\tBUILD\tSTATUS\tATT\tUPDATED")
		for _, r := range runs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n", r.RunID, r.Repo, r.Build, r.Status, r.Attempt, r.UpdatedAt)
		}
		return w.Flush()
	},
}

var runStatusCmd = &cobra.Command{
	Use:   "status <run-id>",
	Short: "Show a run and its per-stage status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, store, cleanup, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer cleanup()

		run, err := store.GetRun(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			return writeJSON(cmd, run)
		}
		printRun(cmd, run)
		return nil
	},
}

func printRun(cmd *cobra.Command, run *pipeline.Run) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Run:     %s\n", run.RunID)
	fmt.Fprintf(out, "Repo:    %s  build %s  bundle %s\n", run.Repo, run.Build, run.Bundle)
	fmt.Fprintf(out, "Status:  %s (attempt %d)\n", run.Status, run.Attempt)
	if run.ErrorCode != "" {
		fmt.Fprintf(out, "Error:   %s: %s\n", run.ErrorCode, run.Error)
	}
	if run.IntelVersion != "" {
		fmt.Fprintf(out, "Intel:   %s\n", run.IntelVersion)
	}
	fmt.Fprintln(out)

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STAGE\tSTATUS\tSTARTED\tENDED\tSTATS")
	for _, name := range stage.Order {
		st, ok := run.StageSummary[name]
		if !ok {
			st = pipeline.StageState{Status: pipeline.StageNotStarted}
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", name, st.Status, st.StartedAt, st.EndedAt, formatStats(st.Stats))
	}
	w.Flush()
}

var runTraceCmd = &cobra.Command{
	Use:   "trace <run-id>",
	Short: "Show the stage traces of a run in write order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, store, cleanup, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer cleanup()

		if _, err := store.GetRun(cmd.Context(), args[0]); err != nil {
			return err
		}
		traces, err := store.ListTraces(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			return writeJSON(cmd, traces)
		}
		if len(traces) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No traces yet.")
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SEQ\tSTAGE\tATT\tSTATUS\tCODE\tCOUNTS")
		for _, t := range traces {
			fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\t%s\n", t.Seq, t.Stage, t.Attempt, t.Status, t.ErrorCode, formatStats(t.Counts))
		}
		return w.Flush()
	},
}

var runExportCmd = &cobra.Command{
	Use:   "export <run-id>",
	Short: "Write a run, its traces and its findings as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, store, cleanup, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer cleanup()

		out, _ := cmd.Flags().GetString("out")
		if out == "" {
			report, err := store.Report(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd, report)
		}
		if err := store.ExportReport(cmd.Context(), args[0], out); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Exported %s to %s\n", args[0], out)
		return nil
	},
}

var findingsCmd = &cobra.Command{
	Use:   "findings <run-id>",
	Short: "List the findings of a run by priority",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, store, cleanup, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer cleanup()

		findings, err := store.ListFindings(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		severity, _ := cmd.Flags().GetString("severity")
		minScore, _ := cmd.Flags().GetFloat64("min-score")
		shown := []pipeline.Finding{}
		for _, f := range scoring.Rank(findings, minScore, 0) {
			if severity == "" || strings.EqualFold(f.Severity, severity) {
				shown = append(shown, f)
			}
		}

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			return writeJSON(cmd, shown)
		}
		if len(shown) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No findings.")
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SCORE\tSEVERITY\tCVE\tPACKAGE\tTRIAGE\tREASONS\tID")
		for _, f := range shown {
			var reasons string
			if f.PriorityExplanation != nil {
				reasons = strings.Join(f.PriorityExplanation.ReasonCodes, ",")
			}
			pkg := f.Package
			if f.PackageVersion != "" {
				pkg += "@" + f.PackageVersion
			}
			fmt.Fprintf(w, "%.0f\t%s\t%s\t%s\t%s\t%s\t%s\n",
				f.PriorityScore, f.Severity, f.CVE, truncate(pkg, 40), f.TriageStatus, reasons, f.FindingID)
		}
		return w.Flush()
	},
}

func formatStats(stats map[string]int) string {
	if len(stats) == 0 {
		return ""
	}
	keys := make([]string, 0, len(stats))
	for k := range stats {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, stats[k]))
	}
	return strings.Join(parts, " ")
}

func init() {
	runListCmd.Flags().String("status", "", "only runs with this status")
	runListCmd.Flags().String("repo", "", "only runs of this repository")
	runListCmd.Flags().Int("limit", 20, "maximum runs to show (0 = all)")

	runExportCmd.Flags().StringP("out", "o", "", "write to this file instead of stdout")

	for _, c := range []*cobra.Command{runListCmd, runStatusCmd, runTraceCmd} {
		c.Flags().String("format", "text", "Output format: text or json")
	}
	runCmd.AddCommand(runListCmd)
	runCmd.AddCommand(runStatusCmd)
	runCmd.AddCommand(runTraceCmd)
	runCmd.AddCommand(runExportCmd)

	findingsCmd.Flags().String("severity", "", "only findings of this severity")
	findingsCmd.Flags().Float64("min-score", 0, "only findings with at least this priority score")
	findingsCmd.Flags().String("format", "text", "Output format: text or json")
}
