package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/argus/internal/orchestrator"
)

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Run every worker once",
	Long: `Claims pending bundles and runs them through the Acquire, Enrich, Score and
Act stages, re-enriches runs scored with older intel, then processes queued
fix requests and notification retries.

Designed to be called on a cron schedule (e.g. every minute). Concurrent
ticks are safe: each record is claimed by exactly one of them.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, cleanup, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		format, _ := cmd.Flags().GetString("format")
		if format != "json" {
			a.engine.SetProgress(cmd.OutOrStdout())
		}

		result, tickErr := a.orch.CheckIn(cmd.Context())
		if format == "json" {
			if err := writeJSON(cmd, result); err != nil {
				return err
			}
			return tickErr
		}
		if err := printCheckIn(cmd, result); err != nil {
			return err
		}
		return tickErr
	},
}

func printCheckIn(cmd *cobra.Command, result *orchestrator.CheckInResult) error {
	if len(result.Actions) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "Nothing to do.")
		return nil
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "WORKER\tACTION\tID\tMESSAGE")
	for _, act := range result.Actions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", act.Worker, act.Action, act.ID, truncate(act.Message, 70))
	}
	return w.Flush()
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run ticks in a loop until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, cleanup, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		interval, _ := cmd.Flags().GetDuration("interval")
		if interval <= 0 {
			interval = a.cfg.Worker.IntervalDuration()
		}
		return runWorker(ctx, a.orch, interval, a.logger)
	},
}

// runWorker ticks immediately and then every interval. Tick errors are
// logged and the loop continues; it returns nil once ctx is cancelled.
func runWorker(ctx context.Context, orch *orchestrator.Orchestrator, interval time.Duration, logger *slog.Logger) error {
	logger.Info("worker started", "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		result, err := orch.CheckIn(ctx)
		if err != nil && ctx.Err() == nil {
			logger.Error("tick failed", "err", err)
		}
		if result != nil && len(result.Actions) > 0 {
			logger.Info("tick", "actions", len(result.Actions), "bundles", result.Bundles, "conflicts", result.Conflicts)
		}
		select {
		case <-ctx.Done():
			logger.Info("worker stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func init() {
	tickCmd.Flags().String("format", "text", "Output format: text or json")
	workerCmd.Flags().Duration("interval", 0, "time between ticks (default from config)")
}
