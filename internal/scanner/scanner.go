// Package scanner turns security-scan artifacts into normalized findings.
package scanner

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/lucasnoah/argus/internal/pipeline"
)

// Parser converts one artifact's raw bytes into findings. Parsers fill the
// identity and severity fields; Registry.Parse assigns run and finding ids.
type Parser interface {
	Parse(data []byte) ([]pipeline.Finding, error)
}

// Registry maps artifact formats to parsers.
type Registry struct {
	parsers map[string]Parser
}

// NewRegistry returns a registry with every built-in format.
func NewRegistry() *Registry {
	r := &Registry{parsers: make(map[string]Parser)}
	r.parsers["npm-audit"] = &NPMAuditParser{}
	r.parsers["sarif"] = &SARIFParser{}
	r.parsers["generic"] = &GenericParser{}
	return r
}

// Register adds or replaces the parser for format.
func (r *Registry) Register(format string, p Parser) {
	r.parsers[format] = p
}

// Formats lists the registered formats.
func (r *Registry) Formats() []string {
	out := make([]string, 0, len(r.parsers))
	for f := range r.parsers {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Parse loads and parses one artifact for runID. Findings come back with
// their deterministic ids and OPEN triage status, deduplicated by id.
func (r *Registry) Parse(runID string, a pipeline.Artifact) ([]pipeline.Finding, error) {
	parser, ok := r.parsers[a.Format]
	if !ok {
		return nil, fmt.Errorf("artifact %q: unknown format %q", a.Name, a.Format)
	}
	data, err := Load(a)
	if err != nil {
		return nil, err
	}
	parsed, err := parser.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse artifact %q: %w", a.Name, err)
	}

	seen := make(map[string]bool, len(parsed))
	findings := make([]pipeline.Finding, 0, len(parsed))
	for _, f := range parsed {
		f.RunID = runID
		f.Severity = NormalizeSeverity(f.Severity)
		f.TriageStatus = pipeline.TriageOpen
		if f.Scanner == "" {
			f.Scanner = a.Format
		}
		id, err := pipeline.FindingID(&f)
		if err != nil {
			return nil, fmt.Errorf("derive finding id: %w", err)
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		f.FindingID = id
		findings = append(findings, f)
	}
	return findings, nil
}

// Load returns the artifact content: inline data when present, else the file at Path.
func Load(a pipeline.Artifact) ([]byte, error) {
	if a.Data != "" {
		return []byte(a.Data), nil
	}
	if a.Path == "" {
		return nil, fmt.Errorf("artifact %q has neither data nor path", a.Name)
	}
	data, err := os.ReadFile(a.Path)
	if err != nil {
		return nil, fmt.Errorf("read artifact %q: %w", a.Name, err)
	}
	return data, nil
}

// NormalizeSeverity maps scanner severities onto CRITICAL, HIGH, MEDIUM, LOW and INFO.
func NormalizeSeverity(s string) string {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CRITICAL":
		return "CRITICAL"
	case "HIGH", "ERROR":
		return "HIGH"
	case "MEDIUM", "MODERATE", "WARNING":
		return "MEDIUM"
	case "LOW", "NOTE":
		return "LOW"
	default:
		return "INFO"
	}
}

var cveRe = regexp.MustCompile(`CVE-\d{4}-\d{4,}`)

// FirstCVE returns the first CVE id found in any of texts, or "".
func FirstCVE(texts ...string) string {
	for _, t := range texts {
		if m := cveRe.FindString(strings.ToUpper(t)); m != "" {
			return m
		}
	}
	return ""
}
