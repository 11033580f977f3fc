package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/lucasnoah/argus/internal/ledger"
	"github.com/lucasnoah/argus/internal/scoring"
)

// Default returns the configuration used when no file sets a value.
func Default() *Config {
	return &Config{
		Database: Database{Driver: ledger.DriverSQLite},
		Worker: Worker{
			Interval:          "30s",
			BundleBatch:       5,
			ActionBatch:       10,
			Lease:             "15m",
			MaxNotifyAttempts: 3,
		},
		Intel: Intel{Refresh: "1h"},
		Scoring: Scoring{
			Threshold: 70,
			TopN:      20,
			AutoFix:   true,
			Weights:   scoring.DefaultWeights(),
		},
		Generator: Generator{Kind: "stub"},
		Notify:    Notify{Sink: "dry-run"},
		Server:    Server{Addr: ":8080"},
	}
}

// Load reads a configuration file, YAML or TOML by extension, on top of the
// defaults, then applies environment overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("parsing config TOML: %w", err)
		}
	case ".yaml", ".yml", "":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config YAML: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)
	return cfg, nil
}

// LoadDefault searches for a config in standard locations and loads the
// first one found. Search order: ./argus.yaml, ./argus.toml,
// ~/.argus/config.yaml. With no file the defaults apply.
func LoadDefault() (*Config, string, error) {
	candidates := []string{"argus.yaml", "argus.toml"}

	home, err := os.UserHomeDir()
	if err == nil {
		candidates = append(candidates, filepath.Join(home, ".argus", "config.yaml"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			cfg, err := Load(path)
			return cfg, path, err
		}
	}

	cfg := Default()
	applyEnvOverrides(cfg)
	return cfg, "", nil
}

// applyDefaults fills values a file cleared explicitly.
func applyDefaults(cfg *Config) {
	def := Default()
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = def.Database.Driver
	}
	if cfg.Generator.Kind == "" {
		cfg.Generator.Kind = def.Generator.Kind
	}
	if cfg.Notify.Sink == "" {
		cfg.Notify.Sink = def.Notify.Sink
	}
	if cfg.Worker.Interval == "" {
		cfg.Worker.Interval = def.Worker.Interval
	}
	if cfg.Worker.Lease == "" {
		cfg.Worker.Lease = def.Worker.Lease
	}
	if cfg.Intel.Refresh == "" {
		cfg.Intel.Refresh = def.Intel.Refresh
	}
	if cfg.Scoring.Weights.Max == 0 {
		cfg.Scoring.Weights.Max = def.Scoring.Weights.Max
	}
}

// applyEnvOverrides lets the environment win over file values:
//   - ARGUS_DB_DSN        overrides database.dsn
//   - ARGUS_DB_DRIVER     overrides database.driver
//   - ARGUS_SLACK_WEBHOOK overrides notify.slack_webhook
//   - GITHUB_TOKEN        overrides notify.github_token
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ARGUS_DB_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("ARGUS_DB_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("ARGUS_SLACK_WEBHOOK"); v != "" {
		cfg.Notify.SlackWebhook = v
	}
	if v := os.Getenv("GITHUB_TOKEN"); v != "" {
		cfg.Notify.GitHubToken = v
	}
}
