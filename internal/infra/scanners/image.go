package scanners

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	domain "github.com/bryanwahyu/armoureye/internal/domain/scans"
)

// imageEntry is either a bare package (CVE empty) or a vulnerability in one.
type imageEntry struct {
	Name     string
	Version  string
	CVE      string
	Severity domain.Severity
	Title    string
}

func applyImageEntries(tool domain.Tool) func(*domain.ToolResult, []imageEntry) {
	return func(r *domain.ToolResult, items []imageEntry) {
		seenPkg := map[string]bool{}
		seenVuln := map[string]bool{}
		for _, e := range items {
			if e.Name != "" {
				rec := domain.PackageRecord{Name: e.Name, Version: e.Version, Sources: []string{string(tool)}}
				if !seenPkg[rec.Key()] {
					seenPkg[rec.Key()] = true
					r.Packages = append(r.Packages, rec)
				}
			}
			if e.CVE == "" {
				continue
			}
			key := e.CVE + "|" + e.Name + "@" + e.Version
			if seenVuln[key] {
				continue
			}
			seenVuln[key] = true
			desc := e.CVE
			if e.Name != "" {
				desc = fmt.Sprintf("%s in %s %s", e.CVE, e.Name, e.Version)
			}
			if e.Title != "" {
				desc += ": " + e.Title
			}
			r.Findings = append(r.Findings, domain.Finding{
				Tool:        tool,
				Type:        domain.FindingVulnerablePackage,
				Severity:    e.Severity,
				Description: desc,
				Package:     e.Name,
				Version:     e.Version,
				CVE:         e.CVE,
			})
		}
	}
}

func imageRef(t domain.Target) string {
	if t.Image != "" {
		return t.Image
	}
	return t.Metadata.Image
}

// ---- trivy ----

type trivyReport struct {
	SchemaVersion int    `json:"SchemaVersion"`
	ArtifactName  string `json:"ArtifactName"`
	Results       []struct {
		Target   string `json:"Target"`
		Packages []struct {
			Name    string `json:"Name"`
			Version string `json:"Version"`
		} `json:"Packages"`
		Vulnerabilities []struct {
			VulnerabilityID  string `json:"VulnerabilityID"`
			PkgName          string `json:"PkgName"`
			InstalledVersion string `json:"InstalledVersion"`
			Severity         string `json:"Severity"`
			Title            string `json:"Title"`
		} `json:"Vulnerabilities"`
	} `json:"Results"`
}

// ParseTrivyJSON reads `trivy image --format json` output.
func ParseTrivyJSON(raw []byte) Outcome[imageEntry] {
	clean := CleanJSON(raw)
	var rep trivyReport
	if err := json.Unmarshal(clean, &rep); err != nil {
		return ParseError[imageEntry](fmt.Errorf("decode trivy json: %w", err))
	}
	var out []imageEntry
	for _, res := range rep.Results {
		for _, p := range res.Packages {
			out = append(out, imageEntry{Name: p.Name, Version: p.Version})
		}
		for _, v := range res.Vulnerabilities {
			out = append(out, imageEntry{
				Name:     v.PkgName,
				Version:  v.InstalledVersion,
				CVE:      v.VulnerabilityID,
				Severity: domain.MapSeverity(v.Severity),
				Title:    v.Title,
			})
		}
	}
	if len(out) == 0 && (rep.SchemaVersion > 0 || rep.ArtifactName != "") {
		// scratch and distroless images report no packages at all
		return Clean[imageEntry]("json")
	}
	return Ok("json", out)
}

var (
	trivyFragment = regexp.MustCompile(`(?s)"VulnerabilityID"\s*:\s*"([^"]+)".*?"PkgName"\s*:\s*"([^"]+)".*?"InstalledVersion"\s*:\s*"([^"]*)".*?"Severity"\s*:\s*"([A-Za-z]+)"`)
	trivyTableRow = regexp.MustCompile(`(?m)^[│|]\s*([^\s│|]+)\s*[│|]\s*((?:CVE|GHSA)-[\w-]+)\s*[│|]\s*(CRITICAL|HIGH|MEDIUM|LOW|UNKNOWN)\s*[│|](?:\s*[a-z_]+\s*[│|])?\s*([^\s│|]+)`)
	bareCVE       = regexp.MustCompile(`((?:CVE-\d{4}-\d{4,})|(?:GHSA(?:-[a-z0-9]{4}){3}))[^\n]{0,80}?\b(CRITICAL|HIGH|MEDIUM|LOW|UNKNOWN)\b`)
)

var trivyFallbacks = []Matcher[imageEntry]{
	{Name: "json-fragment", Match: func(text string) []imageEntry {
		var out []imageEntry
		for _, m := range trivyFragment.FindAllStringSubmatch(text, -1) {
			out = append(out, imageEntry{Name: m[2], Version: m[3], CVE: m[1], Severity: domain.MapSeverity(m[4])})
		}
		return out
	}},
	{Name: "table", Match: func(text string) []imageEntry {
		var out []imageEntry
		for _, m := range trivyTableRow.FindAllStringSubmatch(text, -1) {
			out = append(out, imageEntry{Name: m[1], CVE: m[2], Severity: domain.MapSeverity(m[3]), Version: m[4]})
		}
		return out
	}},
	{Name: "cve", Match: matchBareCVEs},
}

func matchBareCVEs(text string) []imageEntry {
	var out []imageEntry
	for _, m := range bareCVE.FindAllStringSubmatch(text, -1) {
		out = append(out, imageEntry{CVE: m[1], Severity: domain.MapSeverity(m[2])})
	}
	return out
}

// Trivy is the authoritative image vulnerability scanner.
type Trivy struct{ base }

func NewTrivy(exec domain.Executor, opts Options, log *zap.Logger) *Trivy {
	return &Trivy{newBase(domain.ToolTrivy, exec, opts, log, false)}
}

func (s *Trivy) Args(image, out string) []string {
	return []string{"trivy", "image", "--format", "json", "--list-all-pkgs",
		"--scanners", "vuln", "--quiet", "--output", out, "--", image}
}

func (s *Trivy) Run(ctx context.Context, req domain.ScanRequest) (domain.ToolResult, error) {
	image := imageRef(req.Target)
	if image == "" {
		return fail(s.tool, fmt.Errorf("%w: no image reference", domain.ErrToolExecutionFailed))
	}
	out := s.outputPath(req.ScanID, string(s.tool), "json")
	inv := domain.ToolInvocation{Tool: s.tool, Argv: s.Args(image, out), Timeout: s.opts.DefaultTimeout, OutputPath: out}
	return execute(ctx, s.base, req, inv,
		func(c capture) Outcome[imageEntry] { return ParseTrivyJSON(c.primary()) },
		trivyFallbacks,
		applyImageEntries(s.tool))
}

// ---- docker scout ----

type sarifDoc struct {
	Runs []struct {
		Tool struct {
			Driver struct {
				Rules []sarifRule `json:"rules"`
			} `json:"driver"`
		} `json:"tool"`
		Results []struct {
			RuleID  string `json:"ruleId"`
			Level   string `json:"level"`
			Message struct {
				Text string `json:"text"`
			} `json:"message"`
			Properties map[string]any `json:"properties"`
		} `json:"results"`
	} `json:"runs"`
}

type sarifRule struct {
	ID               string `json:"id"`
	ShortDescription struct {
		Text string `json:"text"`
	} `json:"shortDescription"`
	Properties map[string]any `json:"properties"`
}

// ParseScoutSARIF reads `docker scout cves --format sarif` output. Severity
// comes from a severity property when present, then the CVSS score, then the
// SARIF level.
func ParseScoutSARIF(raw []byte) Outcome[imageEntry] {
	var doc sarifDoc
	if err := json.Unmarshal(CleanJSON(raw), &doc); err != nil {
		return ParseError[imageEntry](fmt.Errorf("decode sarif: %w", err))
	}
	var out []imageEntry
	for _, run := range doc.Runs {
		rules := make(map[string]sarifRule, len(run.Tool.Driver.Rules))
		for _, r := range run.Tool.Driver.Rules {
			rules[r.ID] = r
		}
		for _, res := range run.Results {
			rule := rules[res.RuleID]
			sev := sarifSeverity(res.Properties, rule.Properties, res.Level)
			name, version := "", ""
			for _, purl := range purls(rule.Properties, res.Properties) {
				name, version = parsePurl(purl)
				if name != "" {
					break
				}
			}
			if name == "" {
				name, version = purlFromText(res.Message.Text)
			}
			out = append(out, imageEntry{
				Name:     name,
				Version:  version,
				CVE:      res.RuleID,
				Severity: sev,
				Title:    rule.ShortDescription.Text,
			})
		}
	}
	return Ok("sarif", out)
}

func sarifSeverity(props ...any) domain.Severity {
	var level string
	for _, p := range props {
		switch v := p.(type) {
		case map[string]any:
			for _, k := range []string{"severity", "Severity", "cvssV3_severity"} {
				if s, ok := v[k].(string); ok && s != "" {
					return domain.MapSeverity(s)
				}
			}
			if score, ok := cvssScore(v["security-severity"]); ok {
				return severityFromScore(score)
			}
		case string:
			level = v
		}
	}
	switch strings.ToLower(level) {
	case "error":
		return domain.SeverityHigh
	case "warning":
		return domain.SeverityMedium
	default:
		return domain.SeverityLow
	}
}

func cvssScore(v any) (float64, bool) {
	switch s := v.(type) {
	case float64:
		return s, true
	case string:
		f, err := strconv.ParseFloat(s, 64)
		return f, err == nil
	}
	return 0, false
}

func severityFromScore(score float64) domain.Severity {
	switch {
	case score >= 9:
		return domain.SeverityCritical
	case score >= 7:
		return domain.SeverityHigh
	case score >= 4:
		return domain.SeverityMedium
	default:
		return domain.SeverityLow
	}
}

func purls(props ...map[string]any) []string {
	var out []string
	for _, p := range props {
		switch v := p["purls"].(type) {
		case []any:
			for _, x := range v {
				if s, ok := x.(string); ok {
					out = append(out, s)
				}
			}
		case string:
			out = append(out, v)
		}
		if s, ok := p["purl"].(string); ok {
			out = append(out, s)
		}
	}
	return out
}

var purlRe = regexp.MustCompile(`pkg:[a-z]+/[^\s"'<>]+@[^\s"'<>?#]+`)

func purlFromText(s string) (string, string) {
	if m := purlRe.FindString(s); m != "" {
		return parsePurl(m)
	}
	return "", ""
}

// parsePurl extracts name and version from pkg:type/namespace/name@version?qualifiers.
func parsePurl(p string) (string, string) {
	if !strings.HasPrefix(p, "pkg:") {
		return "", ""
	}
	p = strings.TrimPrefix(p, "pkg:")
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	at := strings.LastIndex(p, "@")
	if at < 0 {
		return "", ""
	}
	pathPart, version := p[:at], p[at+1:]
	name := pathPart
	if i := strings.LastIndex(pathPart, "/"); i >= 0 {
		name = pathPart[i+1:]
	}
	if u, err := url.PathUnescape(name); err == nil {
		name = u
	}
	if u, err := url.PathUnescape(version); err == nil {
		version = u
	}
	return name, version
}

var scoutLine = regexp.MustCompile(`(?i)\b(CRITICAL|HIGH|MEDIUM|LOW|UNSPECIFIED)\s+((?:CVE-\d{4}-\d{4,})|(?:GHSA(?:-[a-z0-9]{4}){3}))`)

var scoutFallbacks = []Matcher[imageEntry]{
	{Name: "cves-text", Match: func(text string) []imageEntry {
		// "pkg:..." header lines precede the CVE lines of that package.
		var out []imageEntry
		name, version := "", ""
		sc := bufio.NewScanner(strings.NewReader(text))
		sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for sc.Scan() {
			line := sc.Text()
			if n, v := purlFromText(line); n != "" {
				name, version = n, v
			}
			if m := scoutLine.FindStringSubmatch(line); m != nil {
				out = append(out, imageEntry{Name: name, Version: version, CVE: m[2], Severity: domain.MapSeverity(m[1])})
			}
		}
		return out
	}},
	{Name: "cve", Match: matchBareCVEs},
}

// Scout is the supply-chain scanner, run only when Trivy did not succeed.
type Scout struct{ base }

func NewScout(exec domain.Executor, opts Options, log *zap.Logger) *Scout {
	return &Scout{newBase(domain.ToolScout, exec, opts, log, false)}
}

func (s *Scout) Args(image, out string) []string {
	return []string{"docker", "scout", "cves", "--format", "sarif", "--output", out, "--", image}
}

func (s *Scout) Run(ctx context.Context, req domain.ScanRequest) (domain.ToolResult, error) {
	image := imageRef(req.Target)
	if image == "" {
		return fail(s.tool, fmt.Errorf("%w: no image reference", domain.ErrToolExecutionFailed))
	}
	out := s.outputPath(req.ScanID, "docker-scout", "sarif")
	inv := domain.ToolInvocation{Tool: s.tool, Argv: s.Args(image, out), Timeout: s.opts.SupplyChainTimeout, OutputPath: out}
	return execute(ctx, s.base, req, inv,
		func(c capture) Outcome[imageEntry] { return ParseScoutSARIF(c.primary()) },
		scoutFallbacks,
		applyImageEntries(s.tool))
}
