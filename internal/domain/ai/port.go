package ai

import "context"

// Package verdicts reported by the enrichment service.
const (
	StatusVulnerable = "VULNERABLE"
	StatusClean      = "CLEAN"
	StatusUnknown    = "UNKNOWN"
)

// AnalyzeOptions for one package lookup.
type AnalyzeOptions struct {
	SummarizeWithLLM bool
}

// StructuredReport is the retrieval verdict for one package.
type StructuredReport struct {
	Package            string   `json:"package"`
	Version            string   `json:"version"`
	Status             string   `json:"status"`
	UniqueVulnCount    int      `json:"unique_vuln_count"`
	SeveritiesFound    []string `json:"severities_found"`
	FoundInDatabase    bool     `json:"found_in_database"`
	RetrievedDocsCount int      `json:"retrieved_docs_count"`
	SummaryText        string   `json:"report_summary_text,omitempty"`
}

// Analysis hasil analisa satu package
type Analysis struct {
	StructuredReport StructuredReport `json:"structured_report"`
	LLMSummary       string           `json:"llm_summary"`
}

// EndpointStatus is the result of probing an enrichment endpoint.
type EndpointStatus struct {
	Reachable bool           `json:"reachable"`
	Info      map[string]any `json:"info,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// PackageAnalyzer is the enrichment collaborator.
type PackageAnalyzer interface {
	AnalyzePackage(ctx context.Context, name, version string, opts AnalyzeOptions) (Analysis, error)
	CheckEndpoint(ctx context.Context) EndpointStatus
}
