package scanner

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/lucasnoah/argus/internal/pipeline"
)

// SARIFParser parses SARIF 2.1 logs as produced by code and container scanners.
type SARIFParser struct{}

type sarifLog struct {
	Runs []struct {
		Tool struct {
			Driver struct {
				Name  string      `json:"name"`
				Rules []sarifRule `json:"rules"`
			} `json:"driver"`
		} `json:"tool"`
		Results []sarifResult `json:"results"`
	} `json:"runs"`
}

type sarifRule struct {
	ID               string `json:"id"`
	ShortDescription struct {
		Text string `json:"text"`
	} `json:"shortDescription"`
	Properties map[string]any `json:"properties"`
}

type sarifResult struct {
	RuleID  string `json:"ruleId"`
	Level   string `json:"level"`
	Message struct {
		Text string `json:"text"`
	} `json:"message"`
	Locations []struct {
		PhysicalLocation struct {
			ArtifactLocation struct {
				URI string `json:"uri"`
			} `json:"artifactLocation"`
			Region struct {
				StartLine int `json:"startLine"`
			} `json:"region"`
		} `json:"physicalLocation"`
	} `json:"locations"`
	Properties map[string]any `json:"properties"`
}

func (p *SARIFParser) Parse(data []byte) ([]pipeline.Finding, error) {
	var log sarifLog
	if err := json.Unmarshal(data, &log); err != nil {
		return nil, fmt.Errorf("could not parse SARIF: %w", err)
	}

	var findings []pipeline.Finding
	for _, run := range log.Runs {
		rules := make(map[string]sarifRule, len(run.Tool.Driver.Rules))
		for _, r := range run.Tool.Driver.Rules {
			rules[r.ID] = r
		}
		for _, res := range run.Results {
			rule := rules[res.RuleID]
			f := pipeline.Finding{
				RuleID:   res.RuleID,
				CVE:      FirstCVE(res.RuleID, res.Message.Text, rule.ShortDescription.Text),
				Severity: sarifSeverity(rule.Properties, res.Level),
				Title:    res.Message.Text,
				Scanner:  run.Tool.Driver.Name,
			}
			if f.Title == "" {
				f.Title = rule.ShortDescription.Text
			}
			if len(res.Locations) > 0 {
				loc := res.Locations[0].PhysicalLocation
				f.Location = loc.ArtifactLocation.URI
				if loc.Region.StartLine > 0 {
					f.Location += ":" + strconv.Itoa(loc.Region.StartLine)
				}
			}
			f.Package, _ = res.Properties["package"].(string)
			f.PackageVersion, _ = res.Properties["version"].(string)
			if reachable, ok := res.Properties["reachable"].(bool); ok {
				f.Context.Reachability = &pipeline.Reachability{Reachable: &reachable, Source: "sarif"}
			}
			findings = append(findings, f)
		}
	}
	return findings, nil
}

// sarifSeverity prefers the numeric security-severity rule property (CVSS
// scale) and falls back to the result level.
func sarifSeverity(props map[string]any, level string) string {
	var score float64
	switch v := props["security-severity"].(type) {
	case string:
		score, _ = strconv.ParseFloat(v, 64)
	case float64:
		score = v
	}
	switch {
	case score >= 9:
		return "CRITICAL"
	case score >= 7:
		return "HIGH"
	case score >= 4:
		return "MEDIUM"
	case score > 0:
		return "LOW"
	}
	return level
}
