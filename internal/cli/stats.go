package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/argus/internal/analytics"
	"github.com/lucasnoah/argus/internal/pipeline"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show pipeline health: stage outcomes, throughput and fixes",
	RunE: func(cmd *cobra.Command, args []string) error {
		sinceFlag, _ := cmd.Flags().GetString("since")
		since, err := parseSince(sinceFlag, time.Now())
		if err != nil {
			return err
		}

		_, store, cleanup, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer cleanup()

		report, err := analytics.Collect(cmd.Context(), store, since)
		if err != nil {
			return err
		}

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			return writeJSON(cmd, report)
		}

		out := cmd.OutOrStdout()
		if report.Runs == 0 {
			fmt.Fprintln(out, "No runs found.")
			return nil
		}
		fmt.Fprintf(out, "Runs: %d", report.Runs)
		for _, st := range []string{pipeline.RunSucceeded, pipeline.RunFailed, pipeline.RunRunning} {
			if n := report.RunsByStatus[st]; n > 0 {
				fmt.Fprintf(out, "  %s=%d", strings.ToLower(st), n)
			}
		}
		fmt.Fprintln(out)
		fmt.Fprintf(out, "Fixes: requests=%d succeeded=%d failed=%d pending=%d generated=%d\n\n",
			report.Fixes.Requests, report.Fixes.Succeeded, report.Fixes.Failed, report.Fixes.Pending, report.Fixes.Generated)

		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "STAGE\tCOUNT\tOK%\tFAIL%\tSKIP%\tP50s\tP95s\tTOP ERROR")
		for _, s := range report.Stages {
			top := ""
			if len(s.Errors) > 0 {
				top = fmt.Sprintf("%s (%d)", s.Errors[0].Code, s.Errors[0].Count)
			}
			fmt.Fprintf(w, "%s\t%d\t%.1f\t%.1f\t%.1f\t%.1f\t%.1f\t%s\n",
				s.Stage, s.Count, s.Succeeded, s.Failed, s.Skipped, s.P50, s.P95, top)
		}
		w.Flush()

		fmt.Fprintln(out)
		w = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "WEEK\tCREATED\tSUCCEEDED\tFAILED\tAVG s")
		for _, tp := range report.Throughput {
			fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%.1f\n", tp.Period, tp.Created, tp.Succeeded, tp.Failed, tp.AvgDuration)
		}
		return w.Flush()
	},
}

// parseSince accepts a duration ("168h") counted back from now, or an
// RFC 3339 timestamp, and returns the RFC 3339 cutoff.
func parseSince(v string, now time.Time) (string, error) {
	if v == "" {
		return "", nil
	}
	if d, err := time.ParseDuration(v); err == nil {
		return pipeline.Timestamp(now.Add(-d)), nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return "", fmt.Errorf("invalid --since %q: want a duration like 168h or an RFC 3339 time", v)
	}
	return pipeline.Timestamp(t), nil
}

func init() {
	statsCmd.Flags().String("since", "", "only runs created since this duration ago or RFC 3339 time")
	statsCmd.Flags().String("format", "text", "Output format: text or json")
}
