package generate

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lucasnoah/argus/internal/pipeline"
)

func TestRender_VarsAndConditionals(t *testing.T) {
	tmpl := "Rule {{rule}}{{#if cve}} ({{cve}}){{/if}}.{{#if a}}[{{#if b}}B{{/if}}]{{/if}}"

	got, err := Render(tmpl, Vars{"rule": "R1", "cve": "CVE-1", "a": "x", "b": ""})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := "Rule R1 (CVE-1).[]"; got != want {
		t.Errorf("expected %q, got %q", want, got)
	}

	got, err = Render(tmpl, Vars{"rule": "R1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := "Rule R1."; got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestRender_Errors(t *testing.T) {
	if _, err := Render("{{a}} {{b}}", Vars{"a": "1"}); err == nil || !strings.Contains(err.Error(), "b") {
		t.Errorf("expected missing variable error naming b, got %v", err)
	}
	if _, err := Render("x{{/if}}", Vars{}); err == nil {
		t.Error("expected dangling error")
	}
	if _, err := Render("{{#if a}}x", Vars{"a": "1"}); err == nil {
		t.Error("expected unclosed error")
	}
}

func TestStub_Deterministic(t *testing.T) {
	f := &pipeline.Finding{RuleID: "GHSA-1", CVE: "CVE-2020-8203", Package: "lodash", PackageVersion: "4.17.15"}
	a, err := Stub{}.Generate(context.Background(), f)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	b, _ := Stub{}.Generate(context.Background(), f)
	if a != b {
		t.Error("stub output is not deterministic")
	}
	if !strings.Contains(a, "Upgrade lodash from 4.17.15") || !strings.Contains(a, "CVE-2020-8203") {
		t.Errorf("unexpected stub output: %q", a)
	}
}

func TestCompletion_RendersPromptAndTrims(t *testing.T) {
	var seen string
	fake := func(_ context.Context, prompt string) (string, error) {
		seen = prompt
		return "  bump lodash to 4.17.21\n", nil
	}
	g := NewCompletion(fake, "completion-v1/test", "")
	f := &pipeline.Finding{
		FindingID: "F1", RuleID: "GHSA-1", CVE: "CVE-2020-8203", Severity: "CRITICAL", PriorityScore: 95,
		Context: pipeline.FindingContext{Threat: &pipeline.Threat{KEV: true}},
	}

	out, err := g.Generate(context.Background(), f)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if out != "bump lodash to 4.17.21" {
		t.Errorf("out = %q", out)
	}
	for _, want := range []string{"Rule: GHSA-1", "CVE: CVE-2020-8203", "priority 95", "Known Exploited"} {
		if !strings.Contains(seen, want) {
			t.Errorf("prompt missing %q:\n%s", want, seen)
		}
	}
	if strings.Contains(seen, "Package:") {
		t.Errorf("prompt should omit empty package block:\n%s", seen)
	}
	if g.EngineVersion() != "completion-v1/test" {
		t.Errorf("EngineVersion = %q", g.EngineVersion())
	}
}

func TestCompletion_Errors(t *testing.T) {
	failing := NewCompletion(func(context.Context, string) (string, error) { return "", errors.New("rate limited") }, "e", "")
	if _, err := failing.Generate(context.Background(), &pipeline.Finding{FindingID: "F1"}); err == nil || !strings.Contains(err.Error(), "rate limited") {
		t.Errorf("expected backend error, got %v", err)
	}
	empty := NewCompletion(func(context.Context, string) (string, error) { return "  ", nil }, "e", "")
	if _, err := empty.Generate(context.Background(), &pipeline.Finding{FindingID: "F1"}); err == nil {
		t.Error("expected error for empty response")
	}
}

func TestNew(t *testing.T) {
	g, err := New(Options{}, nil)
	if err != nil {
		t.Fatalf("New default: %v", err)
	}
	if g.EngineVersion() != "stub-v1" {
		t.Errorf("default engine = %q", g.EngineVersion())
	}

	path := filepath.Join(t.TempDir(), "fix.md")
	if err := os.WriteFile(path, []byte("fix {{rule_id}}"), 0o644); err != nil {
		t.Fatal(err)
	}
	var seen string
	g, err = New(Options{Kind: "completion", Model: "sonnet", TemplatePath: path}, func(_ context.Context, p string) (string, error) {
		seen = p
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("New completion: %v", err)
	}
	if g.EngineVersion() != "completion-v1/sonnet" {
		t.Errorf("engine = %q", g.EngineVersion())
	}
	if _, err := g.Generate(context.Background(), &pipeline.Finding{RuleID: "R9"}); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if seen != "fix R9" {
		t.Errorf("custom template not used: %q", seen)
	}

	if _, err := New(Options{Kind: "gpt"}, nil); err == nil {
		t.Error("expected error for unknown kind")
	}
}
