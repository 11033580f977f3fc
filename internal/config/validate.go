package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

//go:embed schema.cue
var schemaSource string

// ValidationError represents a single validation issue with a config.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks a Config against the schema and for cross-field
// requirements. It returns all errors found (empty if valid).
func Validate(cfg *Config) []ValidationError {
	errs := validateSchema(cfg)

	switch cfg.Notify.Sink {
	case "slack":
		if cfg.Notify.SlackWebhook == "" {
			errs = append(errs, ValidationError{Field: "notify.slack_webhook", Message: "is required for the slack sink"})
		}
	case "github":
		if cfg.Notify.GitHubRepo == "" {
			errs = append(errs, ValidationError{Field: "notify.github_repo", Message: "is required for the github sink"})
		}
	}

	// A zero lease would turn off stale-claim recovery.
	for _, d := range []struct{ field, value string }{
		{"worker.interval", cfg.Worker.Interval},
		{"worker.lease", cfg.Worker.Lease},
	} {
		if v, err := time.ParseDuration(d.value); err == nil && v <= 0 {
			errs = append(errs, ValidationError{Field: d.field, Message: "must be positive"})
		}
	}

	if cfg.Database.Driver == "postgres" && cfg.Database.DSN == "" {
		errs = append(errs, ValidationError{Field: "database.dsn", Message: "is required for postgres"})
	}

	if p := cfg.Generator.TemplatePath; p != "" {
		if _, err := os.Stat(p); err != nil {
			errs = append(errs, ValidationError{Field: "generator.template_path", Message: fmt.Sprintf("cannot read %s", p)})
		}
	}

	names := make(map[string]bool)
	for i, s := range cfg.Scanners {
		if s.Name != "" && names[s.Name] {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("scanners[%d].name", i),
				Message: fmt.Sprintf("duplicate scanner %q", s.Name),
			})
		}
		names[s.Name] = true
	}
	return errs
}

// validateSchema unifies the config, in its JSON form, with #Config.
func validateSchema(cfg *Config) []ValidationError {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return []ValidationError{{Field: "schema", Message: err.Error()}}
	}

	data, err := json.Marshal(cfg)
	if err != nil {
		return []ValidationError{{Field: "config", Message: err.Error()}}
	}
	value := ctx.CompileBytes(data, cue.Filename("config.json"))
	if err := value.Err(); err != nil {
		return []ValidationError{{Field: "config", Message: err.Error()}}
	}

	unified := schema.LookupPath(cue.ParsePath("#Config")).Unify(value)
	err = unified.Validate(cue.Concrete(true))
	if err == nil {
		return nil
	}

	var errs []ValidationError
	seen := make(map[string]bool)
	for _, e := range cueerrors.Errors(err) {
		field := strings.TrimPrefix(strings.Join(e.Path(), "."), "#Config.")
		if field == "" {
			field = "config"
		}
		format, args := e.Msg()
		msg := fmt.Sprintf(format, args...)
		if seen[field+msg] {
			continue
		}
		seen[field+msg] = true
		errs = append(errs, ValidationError{Field: field, Message: msg})
	}
	return errs
}
