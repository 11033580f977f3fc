package scanner

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/lucasnoah/argus/internal/pipeline"
)

// GenericParser accepts a JSON array of findings, or an object with a
// "findings" array, using argus's own field names.
type GenericParser struct{}

type genericFinding struct {
	RuleID    string `json:"ruleId"`
	CVE       string `json:"cve"`
	Package   string `json:"package"`
	Version   string `json:"version"`
	Location  string `json:"location"`
	Severity  string `json:"severity"`
	Title     string `json:"title"`
	Reachable *bool  `json:"reachable"`
}

func (p *GenericParser) Parse(data []byte) ([]pipeline.Finding, error) {
	var items []genericFinding
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var wrapper struct {
			Findings []genericFinding `json:"findings"`
		}
		if err := json.Unmarshal(trimmed, &wrapper); err != nil {
			return nil, fmt.Errorf("could not parse findings JSON: %w", err)
		}
		items = wrapper.Findings
	} else if err := json.Unmarshal(trimmed, &items); err != nil {
		return nil, fmt.Errorf("could not parse findings JSON: %w", err)
	}

	findings := make([]pipeline.Finding, 0, len(items))
	for i, it := range items {
		if it.RuleID == "" && it.CVE == "" {
			return nil, fmt.Errorf("finding %d: ruleId or cve is required", i)
		}
		ruleID := it.RuleID
		if ruleID == "" {
			ruleID = it.CVE
		}
		f := pipeline.Finding{
			RuleID:         ruleID,
			CVE:            it.CVE,
			Package:        it.Package,
			PackageVersion: it.Version,
			Location:       it.Location,
			Severity:       it.Severity,
			Title:          it.Title,
		}
		if f.CVE == "" {
			f.CVE = FirstCVE(it.RuleID)
		}
		if it.Reachable != nil {
			f.Context.Reachability = &pipeline.Reachability{Reachable: it.Reachable, Source: "scanner"}
		}
		findings = append(findings, f)
	}
	return findings, nil
}
