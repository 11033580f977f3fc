package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/lucasnoah/argus/internal/action"
	"github.com/lucasnoah/argus/internal/claim"
	"github.com/lucasnoah/argus/internal/config"
	"github.com/lucasnoah/argus/internal/generate"
	"github.com/lucasnoah/argus/internal/github"
	"github.com/lucasnoah/argus/internal/intel"
	"github.com/lucasnoah/argus/internal/ledger"
	"github.com/lucasnoah/argus/internal/notify"
	"github.com/lucasnoah/argus/internal/orchestrator"
	"github.com/lucasnoah/argus/internal/pipeline"
	"github.com/lucasnoah/argus/internal/scanner"
	"github.com/lucasnoah/argus/internal/scoring"
	"github.com/lucasnoah/argus/internal/stage"
)

// app holds the components one command invocation needs.
type app struct {
	cfg       *config.Config
	store     *pipeline.Store
	orch      *orchestrator.Orchestrator
	engine    *stage.Engine
	submitter *action.Submitter
	logger    *slog.Logger
}

// loadConfig reads --config, or the first config found in the standard
// locations, and rejects invalid configurations.
func loadConfig() (*config.Config, error) {
	cfg, _, err := readConfig()
	if err != nil {
		return nil, err
	}
	if errs := config.Validate(cfg); len(errs) > 0 {
		return nil, fmt.Errorf("invalid config: %s (run \"argus config validate\" for all %d error(s))", errs[0], len(errs))
	}
	return cfg, nil
}

// openStore loads the config and opens the ledger. Read-only commands use
// it directly; the returned cleanup closes the ledger.
func openStore(ctx context.Context) (*config.Config, *pipeline.Store, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	l, err := ledger.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open ledger: %w", err)
	}
	return cfg, pipeline.NewStore(l), func() { l.Close() }, nil
}

// newApp wires every worker on top of the configured ledger.
func newApp(cmd *cobra.Command) (*app, func(), error) {
	cfg, store, cleanup, err := openStore(cmd.Context())
	if err != nil {
		return nil, nil, err
	}
	a, err := wire(cfg, store, slog.Default())
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return a, cleanup, nil
}

func wire(cfg *config.Config, store *pipeline.Store, logger *slog.Logger) (*app, error) {
	owner, err := workerOwner(cfg.Worker.Owner)
	if err != nil {
		return nil, err
	}
	lease := cfg.Worker.LeaseDuration()

	sink, err := newSink(cfg.Notify, logger)
	if err != nil {
		return nil, err
	}
	dispatcher := notify.NewDispatcher(store, sink, owner, cfg.Worker.MaxNotifyAttempts)
	dispatcher.SetLogger(logger)

	gen, err := generate.New(generate.Options{
		Kind:         cfg.Generator.Kind,
		Model:        cfg.Generator.Model,
		TemplatePath: cfg.Generator.TemplatePath,
	}, nil)
	if err != nil {
		return nil, err
	}

	enricher := scoring.NewEnricher(store, newIntelSource(cfg.Intel), cfg.Scoring.Weights, cfg.Worker.BundleBatch)
	enricher.SetLogger(logger)
	submitter := action.NewSubmitter(store)

	engine, err := stage.NewEngine(store, stage.Stages(scanner.NewRegistry(), enricher, submitter, store, stage.Options{
		Threshold: cfg.Scoring.Threshold,
		TopN:      cfg.Scoring.TopN,
		AutoFix:   cfg.Scoring.AutoFix,
	}), dispatcher)
	if err != nil {
		return nil, err
	}
	engine.SetLogger(logger)

	claimer := claim.New(store.Ledger(), owner)
	claimer.SetLogger(logger)

	fixes := action.NewFixWorker(store, claimer, gen, dispatcher, cfg.Worker.ActionBatch, lease)
	fixes.SetLogger(logger)
	notifies := action.NewNotifyWorker(claimer, dispatcher, cfg.Worker.ActionBatch, lease)
	notifies.SetLogger(logger)

	orch := orchestrator.NewOrchestrator(store, claimer, engine, enricher, fixes, notifies, orchestrator.Options{
		BundleBatch: cfg.Worker.BundleBatch,
		Lease:       lease,
	})
	orch.SetLogger(logger)

	logger.Debug("wired workers", "owner", owner, "sink", sink.Name(), "generator", gen.EngineVersion())
	return &app{cfg: cfg, store: store, orch: orch, engine: engine, submitter: submitter, logger: logger}, nil
}

// workerOwner returns the configured owner or hostname-<uuidv7>.
func workerOwner(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	host, err := os.Hostname()
	if err != nil {
		host = "argus"
	}
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate worker id: %w", err)
	}
	return host + "-" + id.String(), nil
}

func newSink(cfg config.Notify, logger *slog.Logger) (notify.Sink, error) {
	switch cfg.Sink {
	case "", "dry-run":
		return notify.DryRun{Logger: logger}, nil
	case "slack":
		return &notify.Slack{WebhookURL: cfg.SlackWebhook}, nil
	case "github":
		return &notify.GitHubIssues{
			Client:      github.NewClient(&github.ExecRunner{Token: cfg.GitHubToken}),
			DefaultRepo: cfg.GitHubRepo,
			Labels:      cfg.Labels,
		}, nil
	default:
		return nil, fmt.Errorf("unknown notification sink %q", cfg.Sink)
	}
}

func newIntelSource(cfg config.Intel) intel.Source {
	if cfg.KEVURL != "" || cfg.EPSSURL != "" {
		kev, epss := cfg.KEVURL, cfg.EPSSURL
		if kev == "" {
			kev = cfg.KEVPath
		}
		if epss == "" {
			epss = cfg.EPSSPath
		}
		return intel.NewCached(intel.HTTPSource{KEVURL: kev, EPSSURL: epss}, cfg.RefreshDuration())
	}
	return intel.FileSource{KEVPath: cfg.KEVPath, EPSSPath: cfg.EPSSPath}
}

func writeJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

// truncate shortens s to at most n runes, marking the cut with "...".
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:max(n, 0)])
	}
	return string(r[:n-3]) + "..."
}
