package config

import (
	"time"

	"github.com/lucasnoah/argus/internal/scanner"
	"github.com/lucasnoah/argus/internal/scoring"
)

// Config is the top-level argus configuration, read from YAML or TOML.
type Config struct {
	Database  Database        `json:"database" yaml:"database" toml:"database"`
	Worker    Worker          `json:"worker" yaml:"worker" toml:"worker"`
	Intel     Intel           `json:"intel" yaml:"intel" toml:"intel"`
	Scoring   Scoring         `json:"scoring" yaml:"scoring" toml:"scoring"`
	Generator Generator       `json:"generator" yaml:"generator" toml:"generator"`
	Notify    Notify          `json:"notify" yaml:"notify" toml:"notify"`
	Server    Server          `json:"server" yaml:"server" toml:"server"`
	Scanners  []ScannerConfig `json:"scanners,omitempty" yaml:"scanners" toml:"scanners"`
}

// Database selects the ledger backend.
type Database struct {
	Driver string `json:"driver" yaml:"driver" toml:"driver"` // "sqlite" or "postgres"
	DSN    string `json:"dsn,omitempty" yaml:"dsn" toml:"dsn"`
}

// Worker holds polling and claim settings.
type Worker struct {
	Owner             string `json:"owner,omitempty" yaml:"owner" toml:"owner"`
	Interval          string `json:"interval" yaml:"interval" toml:"interval"`
	BundleBatch       int    `json:"bundle_batch" yaml:"bundle_batch" toml:"bundle_batch"`
	ActionBatch       int    `json:"action_batch" yaml:"action_batch" toml:"action_batch"`
	Lease             string `json:"lease" yaml:"lease" toml:"lease"`
	MaxNotifyAttempts int    `json:"max_notify_attempts" yaml:"max_notify_attempts" toml:"max_notify_attempts"`
}

// IntervalDuration parses Interval. Validation guarantees it parses.
func (w Worker) IntervalDuration() time.Duration {
	d, _ := time.ParseDuration(w.Interval)
	return d
}

// LeaseDuration parses Lease.
func (w Worker) LeaseDuration() time.Duration {
	d, _ := time.ParseDuration(w.Lease)
	return d
}

// Intel locates the KEV and EPSS feeds. URLs win over paths.
type Intel struct {
	KEVPath  string `json:"kev_path,omitempty" yaml:"kev_path" toml:"kev_path"`
	EPSSPath string `json:"epss_path,omitempty" yaml:"epss_path" toml:"epss_path"`
	KEVURL   string `json:"kev_url,omitempty" yaml:"kev_url" toml:"kev_url"`
	EPSSURL  string `json:"epss_url,omitempty" yaml:"epss_url" toml:"epss_url"`
	// Refresh is how long downloaded feeds are reused before fetching again.
	Refresh string `json:"refresh" yaml:"refresh" toml:"refresh"`
}

// RefreshDuration parses Refresh.
func (i Intel) RefreshDuration() time.Duration {
	d, _ := time.ParseDuration(i.Refresh)
	return d
}

// Scoring tunes ranking and automatic fix requests.
type Scoring struct {
	Threshold float64         `json:"threshold" yaml:"threshold" toml:"threshold"`
	TopN      int             `json:"top_n" yaml:"top_n" toml:"top_n"`
	AutoFix   bool            `json:"auto_fix" yaml:"auto_fix" toml:"auto_fix"`
	Weights   scoring.Weights `json:"weights" yaml:"weights" toml:"weights"`
}

// Generator selects the fix generator.
type Generator struct {
	Kind         string `json:"kind" yaml:"kind" toml:"kind"` // "stub" or "completion"
	Model        string `json:"model,omitempty" yaml:"model" toml:"model"`
	TemplatePath string `json:"template_path,omitempty" yaml:"template_path" toml:"template_path"`
}

// Notify selects the notification sink.
type Notify struct {
	Sink         string   `json:"sink" yaml:"sink" toml:"sink"` // "dry-run", "slack" or "github"
	SlackWebhook string   `json:"slack_webhook,omitempty" yaml:"slack_webhook" toml:"slack_webhook"`
	GitHubRepo   string   `json:"github_repo,omitempty" yaml:"github_repo" toml:"github_repo"`
	GitHubToken  string   `json:"github_token,omitempty" yaml:"github_token" toml:"github_token"`
	Labels       []string `json:"labels,omitempty" yaml:"labels" toml:"labels"`
}

// Server configures the HTTP API.
type Server struct {
	Addr string `json:"addr" yaml:"addr" toml:"addr"`
}

// ScannerConfig is a scanner command run by `argus scan`.
type ScannerConfig struct {
	Name        string `json:"name" yaml:"name" toml:"name"`
	Command     string `json:"command" yaml:"command" toml:"command"`
	Format      string `json:"format" yaml:"format" toml:"format"`
	Timeout     string `json:"timeout,omitempty" yaml:"timeout" toml:"timeout"`
	OKExitCodes []int  `json:"ok_exit_codes,omitempty" yaml:"ok_exit_codes" toml:"ok_exit_codes"`
}

// Commands converts the scanner configs for the collector.
func (c *Config) Commands() []scanner.Command {
	cmds := make([]scanner.Command, 0, len(c.Scanners))
	for _, s := range c.Scanners {
		timeout := 5 * time.Minute
		if s.Timeout != "" {
			if d, err := time.ParseDuration(s.Timeout); err == nil {
				timeout = d
			}
		}
		cmds = append(cmds, scanner.Command{
			Name:        s.Name,
			Command:     s.Command,
			Format:      s.Format,
			Timeout:     timeout,
			OKExitCodes: s.OKExitCodes,
		})
	}
	return cmds
}
