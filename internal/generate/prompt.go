package generate

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	varRe      = regexp.MustCompile(`\{\{([a-zA-Z_][a-zA-Z0-9_]*)\}\}`)
	ifOpenRe   = regexp.MustCompile(`\{\{#if\s+([a-zA-Z_][a-zA-Z0-9_]*)\s*\}\}`)
	ifCloseStr = "{{/if}}"
)

// Vars maps template variable names to values.
type Vars map[string]string

// Render expands {{variable}} placeholders and keeps {{#if variable}}...{{/if}}
// blocks only when the variable is non-empty. Unknown variables are an error.
func Render(tmpl string, vars Vars) (string, error) {
	result, err := processConditionals(tmpl, vars)
	if err != nil {
		return "", err
	}

	var missing []string
	expanded := varRe.ReplaceAllStringFunc(result, func(match string) string {
		name := varRe.FindStringSubmatch(match)[1]
		if val, ok := vars[name]; ok {
			return val
		}
		missing = append(missing, name)
		return match
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("missing template variables: %s", strings.Join(missing, ", "))
	}
	return expanded, nil
}

// processConditionals resolves {{#if}} blocks innermost first.
func processConditionals(tmpl string, vars Vars) (string, error) {
	result := tmpl
	for {
		closeIdx := strings.Index(result, ifCloseStr)
		if closeIdx == -1 {
			break
		}
		openLocs := ifOpenRe.FindAllStringSubmatchIndex(result[:closeIdx], -1)
		if openLocs == nil {
			return "", fmt.Errorf("dangling {{/if}} without matching {{#if}}")
		}
		last := openLocs[len(openLocs)-1]
		openStart, openEnd := last[0], last[1]
		name := result[last[2]:last[3]]

		var body string
		if vars[name] != "" {
			body = result[openEnd:closeIdx]
		}
		result = result[:openStart] + body + result[closeIdx+len(ifCloseStr):]
	}
	if loc := ifOpenRe.FindString(result); loc != "" {
		return "", fmt.Errorf("unclosed conditional block: %s", loc)
	}
	return result, nil
}

const fixTemplate = `You are a security engineer. Propose a minimal, safe fix for this finding.

Rule: {{rule_id}}
Title: {{title}}
Severity: {{severity}} (priority {{score}})
{{#if cve}}CVE: {{cve}}
{{/if}}{{#if kev}}This CVE is on the CISA Known Exploited Vulnerabilities list.
{{/if}}{{#if package}}Package: {{package}} {{version}}
{{/if}}{{#if location}}Location: {{location}}
{{/if}}
Respond with ONLY the fix: a short explanation followed by the change (a dependency bump or a code diff). No preamble.
`
