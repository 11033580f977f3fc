package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/lucasnoah/argus/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Long: `Start the JSON API for bundle ingestion, fix requests and run read paths.

With --with-worker the same process also runs the tick loop, which is
convenient for single-node deployments. Otherwise run "argus worker" or a
cron "argus tick" next to it against the same ledger.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, cleanup, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		addr, _ := cmd.Flags().GetString("addr")
		if addr == "" {
			addr = a.cfg.Server.Addr
		}
		withWorker, _ := cmd.Flags().GetBool("with-worker")

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		srv := web.NewServer(a.store, a.orch, a.submitter, addr)
		srv.SetLogger(a.logger)

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error { return srv.Start(ctx) })
		if withWorker {
			g.Go(func() error { return runWorker(ctx, a.orch, a.cfg.Worker.IntervalDuration(), a.logger) })
		}
		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().String("addr", "", "listen address (default from config)")
	serveCmd.Flags().Bool("with-worker", false, "also run the tick loop in this process")
}
