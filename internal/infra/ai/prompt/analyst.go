package prompt

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bryanwahyu/armoureye/internal/domain/ai"
)

// GetSystemPrompt provides strict directions and schema for JSON output.
func GetSystemPrompt() string {
	return `You are a senior application security engineer. You must produce one valid JSON object only (no markdown, no commentary) that follows the schema below. Do not include code fences.

Requirements:
- Output must be a single JSON object.
- status is VULNERABLE when the package version has known CVEs, CLEAN when it is known to be safe, UNKNOWN otherwise.
- Use uppercase severity values in severities_found: CRITICAL, HIGH, MEDIUM, LOW.
- unique_vuln_count counts distinct CVEs; use 0 when unsure.
- summary is 4-5 sentences: realistic impact, why it matters and 2-3 concrete mitigations. Do not restate the CVE text.

Schema (example with empty values):
{
  "package": "<string>",
  "version": "<string>",
  "status": "<VULNERABLE|CLEAN|UNKNOWN>",
  "unique_vuln_count": 0,
  "severities_found": [],
  "summary": "<string>"
}`
}

// GetUserPrompt builds a compact user message for one package.
func GetUserPrompt(name, version string) string {
	return fmt.Sprintf("Assess the package %s at version %s and respond with the JSON per schema.", name, version)
}

// Verdict matches the schema used by the system prompt.
type Verdict struct {
	Package         string   `json:"package"`
	Version         string   `json:"version"`
	Status          string   `json:"status"`
	UniqueVulnCount int      `json:"unique_vuln_count"`
	SeveritiesFound []string `json:"severities_found"`
	Summary         string   `json:"summary"`
}

// ParseVerdict decodes the model reply into an Analysis for name@version.
func ParseVerdict(name, version, content string) (ai.Analysis, error) {
	content = strings.TrimSpace(content)
	// some models still wrap the object in a fence
	if i := strings.IndexByte(content, '{'); i > 0 {
		content = content[i:]
	}
	if j := strings.LastIndexByte(content, '}'); j >= 0 && j < len(content)-1 {
		content = content[:j+1]
	}
	var v Verdict
	if err := json.Unmarshal([]byte(content), &v); err != nil {
		return ai.Analysis{}, fmt.Errorf("decode verdict: %w", err)
	}
	status := strings.ToUpper(strings.TrimSpace(v.Status))
	switch status {
	case ai.StatusVulnerable, ai.StatusClean:
	default:
		status = ai.StatusUnknown
	}
	sev := make([]string, 0, len(v.SeveritiesFound))
	for _, s := range v.SeveritiesFound {
		sev = append(sev, strings.ToUpper(s))
	}
	return ai.Analysis{
		StructuredReport: ai.StructuredReport{
			Package:         name,
			Version:         version,
			Status:          status,
			UniqueVulnCount: v.UniqueVulnCount,
			SeveritiesFound: sev,
			// model knowledge, not a retrieval hit
			FoundInDatabase: false,
			SummaryText:     v.Summary,
		},
		LLMSummary: v.Summary,
	}, nil
}
