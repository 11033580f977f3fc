// Package generate produces suggested fixes for findings. The orchestration
// code only sees the Generator interface; configuration picks the
// deterministic stub or a real completion backend.
package generate

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/lucasnoah/argus/internal/pipeline"
)

// Generator turns a finding into fix text.
type Generator interface {
	Generate(ctx context.Context, f *pipeline.Finding) (string, error)
	// EngineVersion is folded into fix idempotency keys so that switching
	// engines produces new fixes instead of reusing old ones.
	EngineVersion() string
}

// CompletionFunc sends a prompt to a text-completion backend.
type CompletionFunc func(ctx context.Context, prompt string) (string, error)

// Stub returns a deterministic placeholder fix without calling anything.
type Stub struct{}

func (Stub) EngineVersion() string { return "stub-v1" }

func (Stub) Generate(_ context.Context, f *pipeline.Finding) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Suggested fix for %s", f.RuleID)
	if f.CVE != "" {
		fmt.Fprintf(&b, " (%s)", f.CVE)
	}
	b.WriteString("\n")
	if f.Package != "" {
		fmt.Fprintf(&b, "Upgrade %s from %s to a patched release.\n", f.Package, orUnknown(f.PackageVersion))
	} else {
		fmt.Fprintf(&b, "Review %s and remove the vulnerable pattern.\n", orUnknown(f.Location))
	}
	return b.String(), nil
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

// Completion renders a prompt template for the finding and asks a completion
// backend for the fix.
type Completion struct {
	complete CompletionFunc
	template string
	engine   string
}

// NewCompletion creates a Completion generator. An empty template uses the
// built-in fix prompt.
func NewCompletion(complete CompletionFunc, engine, template string) *Completion {
	if template == "" {
		template = fixTemplate
	}
	return &Completion{complete: complete, template: template, engine: engine}
}

func (c *Completion) EngineVersion() string { return c.engine }

func (c *Completion) Generate(ctx context.Context, f *pipeline.Finding) (string, error) {
	prompt, err := Render(c.template, findingVars(f))
	if err != nil {
		return "", fmt.Errorf("render fix prompt: %w", err)
	}
	out, err := c.complete(ctx, prompt)
	if err != nil {
		return "", fmt.Errorf("complete fix for %s: %w", f.FindingID, err)
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", fmt.Errorf("complete fix for %s: empty response", f.FindingID)
	}
	return out, nil
}

func findingVars(f *pipeline.Finding) Vars {
	v := Vars{
		"rule_id":  f.RuleID,
		"title":    f.Title,
		"severity": f.Severity,
		"score":    strconv.FormatFloat(f.PriorityScore, 'f', -1, 64),
		"cve":      f.CVE,
		"package":  f.Package,
		"version":  f.PackageVersion,
		"location": f.Location,
		"kev":      "",
	}
	if t := f.Context.Threat; t != nil && t.KEV {
		v["kev"] = "yes"
	}
	return v
}

// Options selects and configures a generator.
type Options struct {
	Kind         string // "stub" or "completion"
	Model        string
	TemplatePath string
}

// New builds the generator named by opts.Kind. complete may be nil, in
// which case the claude CLI is used.
func New(opts Options, complete CompletionFunc) (Generator, error) {
	switch opts.Kind {
	case "", "stub":
		return Stub{}, nil
	case "completion":
		if complete == nil {
			complete = ClaudeCLI(opts.Model)
		}
		tmpl := ""
		if opts.TemplatePath != "" {
			data, err := os.ReadFile(opts.TemplatePath)
			if err != nil {
				return nil, fmt.Errorf("read fix template: %w", err)
			}
			tmpl = string(data)
		}
		engine := "completion-v1"
		if opts.Model != "" {
			engine += "/" + opts.Model
		}
		return NewCompletion(complete, engine, tmpl), nil
	default:
		return nil, fmt.Errorf("unknown generator %q: must be stub or completion", opts.Kind)
	}
}
