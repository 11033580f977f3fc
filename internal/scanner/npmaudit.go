package scanner

import (
	"encoding/json"
	"fmt"
	"path"
	"sort"

	"github.com/lucasnoah/argus/internal/pipeline"
)

// NPMAuditParser parses npm audit --json output. Both the v2 report
// (vulnerabilities keyed by package) and the legacy v1 report (advisories
// keyed by id) are accepted.
type NPMAuditParser struct{}

type npmAuditOutput struct {
	AuditReportVersion int                         `json:"auditReportVersion"`
	Vulnerabilities    map[string]npmVulnerability `json:"vulnerabilities"`
	Advisories         map[string]npmAdvisoryV1    `json:"advisories"`
}

type npmVulnerability struct {
	Name     string            `json:"name"`
	Severity string            `json:"severity"`
	Range    string            `json:"range"`
	Via      []json.RawMessage `json:"via"`
	Nodes    []string          `json:"nodes"`
}

// npmVia is an advisory entry of a v2 "via" list. Entries that are plain
// strings point at another vulnerable package and carry no advisory.
type npmVia struct {
	Source   int    `json:"source"`
	Name     string `json:"name"`
	Title    string `json:"title"`
	URL      string `json:"url"`
	Severity string `json:"severity"`
	Range    string `json:"range"`
}

type npmAdvisoryV1 struct {
	ID               int      `json:"id"`
	ModuleName       string   `json:"module_name"`
	Severity         string   `json:"severity"`
	Title            string   `json:"title"`
	URL              string   `json:"url"`
	CVEs             []string `json:"cves"`
	GitHubAdvisoryID string   `json:"github_advisory_id"`
	Findings         []struct {
		Version string   `json:"version"`
		Paths   []string `json:"paths"`
	} `json:"findings"`
}

func (p *NPMAuditParser) Parse(data []byte) ([]pipeline.Finding, error) {
	var raw npmAuditOutput
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("could not parse npm audit JSON: %w", err)
	}
	if len(raw.Advisories) > 0 {
		return p.parseV1(raw.Advisories), nil
	}

	names := make([]string, 0, len(raw.Vulnerabilities))
	for name := range raw.Vulnerabilities {
		names = append(names, name)
	}
	sort.Strings(names)

	var findings []pipeline.Finding
	for _, name := range names {
		vuln := raw.Vulnerabilities[name]
		location := ""
		if len(vuln.Nodes) > 0 {
			location = vuln.Nodes[0]
		}
		for _, rawVia := range vuln.Via {
			var via npmVia
			if err := json.Unmarshal(rawVia, &via); err != nil {
				continue // transitive reference by package name
			}
			ruleID := path.Base(via.URL)
			if via.URL == "" {
				ruleID = fmt.Sprintf("npm-%d", via.Source)
			}
			sev := via.Severity
			if sev == "" {
				sev = vuln.Severity
			}
			findings = append(findings, pipeline.Finding{
				RuleID:         ruleID,
				CVE:            FirstCVE(via.Title, via.URL),
				Package:        name,
				PackageVersion: via.Range,
				Location:       location,
				Severity:       sev,
				Title:          via.Title,
			})
		}
	}
	return findings, nil
}

func (p *NPMAuditParser) parseV1(advisories map[string]npmAdvisoryV1) []pipeline.Finding {
	ids := make([]string, 0, len(advisories))
	for id := range advisories {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var findings []pipeline.Finding
	for _, id := range ids {
		adv := advisories[id]
		ruleID := adv.GitHubAdvisoryID
		if ruleID == "" {
			ruleID = fmt.Sprintf("npm-%d", adv.ID)
		}
		cve := ""
		if len(adv.CVEs) > 0 {
			cve = adv.CVEs[0]
		}
		versions := adv.Findings
		if len(versions) == 0 {
			versions = append(versions, struct {
				Version string   `json:"version"`
				Paths   []string `json:"paths"`
			}{})
		}
		for _, v := range versions {
			location := ""
			if len(v.Paths) > 0 {
				location = v.Paths[0]
			}
			findings = append(findings, pipeline.Finding{
				RuleID:         ruleID,
				CVE:            cve,
				Package:        adv.ModuleName,
				PackageVersion: v.Version,
				Location:       location,
				Severity:       adv.Severity,
				Title:          adv.Title,
			})
		}
	}
	return findings
}
