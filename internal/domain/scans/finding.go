package scans

import "time"

// Finding types with a dedicated remediation.
const (
	FindingSQLInjection         = "sql_injection"
	FindingWeakAuthentication   = "weak_authentication"
	FindingExposedService       = "exposed_service"
	FindingExposedDirectory     = "exposed_directory"
	FindingWebVulnerability     = "web_vulnerability"
	FindingVulnerablePackage    = "vulnerable_package"
	FindingInformationDisclosed = "information_disclosure"
)

// Finding is one normalized vulnerability/misconfiguration record from a single tool.
type Finding struct {
	Tool        Tool     `json:"tool"`
	Type        string   `json:"type"`
	Severity    Severity `json:"severity"`
	Description string   `json:"description"`
	Package     string   `json:"package,omitempty"`
	Version     string   `json:"version,omitempty"`
	CVE         string   `json:"cve,omitempty"`
	Port        int      `json:"port,omitempty"`
	Path        string   `json:"path,omitempty"`
	Service     string   `json:"service,omitempty"`
	// Sensitive marks exposed directories that count toward the risk bonus.
	Sensitive bool `json:"sensitive,omitempty"`
}

// PackageRecord is unique per report by Key.
type PackageRecord struct {
	Name    string   `json:"name"`
	Version string   `json:"version"`
	Sources []string `json:"sources,omitempty"`
}

// Key returns name@version.
func (p PackageRecord) Key() string { return p.Name + "@" + p.Version }

// Service is one network service discovered on the target.
type Service struct {
	Port     int    `json:"port"`
	Protocol string `json:"protocol"`
	State    string `json:"state"`
	Name     string `json:"name"`
	Product  string `json:"product,omitempty"`
	Version  string `json:"version,omitempty"`
}

// Open reports whether the service should be considered reachable.
func (s Service) Open() bool { return s.State == "" || s.State == "open" }

// SeverityCounts value object
type SeverityCounts struct {
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
	Total    int `json:"total"`
}

// Add counts one finding of the given severity.
func (c *SeverityCounts) Add(s Severity) {
	switch s {
	case SeverityCritical:
		c.Critical++
	case SeverityHigh:
		c.High++
	case SeverityMedium:
		c.Medium++
	default:
		c.Low++
	}
	c.Total++
}

// RiskLevel buckets a risk score.
type RiskLevel string

const (
	RiskCritical RiskLevel = "critical"
	RiskHigh     RiskLevel = "high"
	RiskMedium   RiskLevel = "medium"
	RiskLow      RiskLevel = "low"
	RiskMinimal  RiskLevel = "minimal"
)

// Recommendation pairs a finding with its fixed remediation text.
type Recommendation struct {
	Severity    Severity `json:"severity"`
	Type        string   `json:"type"`
	Tool        Tool     `json:"tool"`
	Finding     string   `json:"finding"`
	Remediation string   `json:"remediation"`
}

// PackageAnalysis is the enrichment collaborator's verdict on one package.
type PackageAnalysis struct {
	Package          string   `json:"package"`
	Version          string   `json:"version"`
	Status           string   `json:"status"`
	UniqueVulnCount  int      `json:"unique_vuln_count"`
	SeveritiesFound  []string `json:"severities_found"`
	FoundInDatabase  bool     `json:"found_in_database"`
	RetrievedDocs    int      `json:"retrieved_docs_count"`
	LLMSummary       string   `json:"llm_summary,omitempty"`
	EnrichmentSource string   `json:"source,omitempty"`
}

// Report is the AggregatedReport.
type Report struct {
	Findings        []Finding         `json:"findings"`
	Packages        []PackageRecord   `json:"packages"`
	RiskScore       int               `json:"risk_score"`
	RiskLevel       RiskLevel         `json:"risk_level"`
	Counts          SeverityCounts    `json:"counts"`
	Recommendations []Recommendation  `json:"recommendations"`
	ToolsExecuted   []Tool            `json:"tools_executed"`
	ToolErrors      map[Tool]string   `json:"tool_errors,omitempty"`
	Enrichment      []PackageAnalysis `json:"enrichment,omitempty"`
	GeneratedAt     time.Time         `json:"generated_at"`
}

// ToolResult is what one tool invocation contributes to a job.
type ToolResult struct {
	Tool        Tool            `json:"tool"`
	Success     bool            `json:"success"`
	Error       string          `json:"error,omitempty"`
	ErrorKind   string          `json:"error_kind,omitempty"`
	ParseMode   string          `json:"parse_mode,omitempty"`
	Findings    []Finding       `json:"findings,omitempty"`
	Packages    []PackageRecord `json:"packages,omitempty"`
	Services    []Service       `json:"services,omitempty"`
	Raw         []byte          `json:"-"`
	OutputPath  string          `json:"output_path,omitempty"`
	ExitCode    int             `json:"exit_code"`
	DurationMS  int64           `json:"duration_ms"`
	ArtifactURL string          `json:"artifact_url,omitempty"`
}
