package pipeline

import (
	"fmt"

	"github.com/lucasnoah/argus/internal/idempotency"
)

// RunID derives the deterministic run id for a repo/build/bundle triple, so
// re-submitting the same bundle always maps to the same run.
func RunID(repo, build, bundle string) (string, error) {
	return idempotency.DeriveKey("run", repo, map[string]string{
		"repo":   repo,
		"build":  build,
		"bundle": bundle,
	})
}

// FindingID derives the id of a finding from its identity fields within a run.
func FindingID(f *Finding) (string, error) {
	return idempotency.DeriveKey("finding", f.RunID, map[string]string{
		"runId":    f.RunID,
		"ruleId":   f.RuleID,
		"cve":      f.CVE,
		"package":  f.Package,
		"version":  f.PackageVersion,
		"location": f.Location,
	})
}

// TraceID is the id of the trace for one stage attempt.
func TraceID(runID, stage string, attempt int) string {
	return fmt.Sprintf("%s:%s:%d", runID, stage, attempt)
}
