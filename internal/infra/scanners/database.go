package scanners

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/bryanwahyu/armoureye/internal/domain/decision"
	domain "github.com/bryanwahyu/armoureye/internal/domain/scans"
)

// ---- database port scan ----

var (
	dbNoAuth   = regexp.MustCompile(`(?i)empty password|no authentication|authentication disabled|without auth|anonymous access`)
	dbInfoKeys = regexp.MustCompile(`(?i)\bversion\b|databases|server info`)
)

// dbScriptFindings inspects the NSE scripts run by the database port scan.
func dbScriptFindings(tool domain.Tool, r PortRecord) []domain.Finding {
	var out []domain.Finding
	for _, sc := range r.Scripts {
		switch {
		case dbNoAuth.MatchString(sc.Output):
			out = append(out, domain.Finding{
				Tool:        tool,
				Type:        domain.FindingWeakAuthentication,
				Severity:    domain.SeverityCritical,
				Description: fmt.Sprintf("%s on port %d: %s", sc.ID, r.Service.Port, summarize(sc.Output)),
				Port:        r.Service.Port,
				Service:     r.Service.Name,
			})
		case sc.ID != "banner" && dbInfoKeys.MatchString(sc.Output) && !strings.Contains(strings.ToLower(sc.Output), "authentication"):
			out = append(out, domain.Finding{
				Tool:        tool,
				Type:        domain.FindingInformationDisclosed,
				Severity:    domain.SeverityMedium,
				Description: fmt.Sprintf("%s on port %d disclosed server details without credentials", sc.ID, r.Service.Port),
				Port:        r.Service.Port,
				Service:     r.Service.Name,
			})
		}
	}
	return out
}

// DBPortScan checks database ports with nmap service detection and auth scripts.
type DBPortScan struct{ base }

func NewDBPortScan(exec domain.Executor, opts Options, log *zap.Logger) *DBPortScan {
	return &DBPortScan{newBase(domain.ToolDBPortScan, exec, opts, log, true)}
}

// Ports returns the database ports discovered in recon, or every known one.
func (s *DBPortScan) Ports(services []domain.Service) []int {
	ports := decision.Ports(decision.Classify(services).Database)
	if len(ports) == 0 {
		for p := range domain.DatabasePorts {
			ports = append(ports, p)
		}
	}
	sort.Ints(ports)
	return ports
}

func (s *DBPortScan) Args(ports []int, ip, out string) []string {
	list := make([]string, 0, len(ports))
	for _, p := range ports {
		list = append(list, strconv.Itoa(p))
	}
	return []string{"nmap", "-Pn", "-sV", "-p", strings.Join(list, ","),
		"--script", "banner,mysql-empty-password,mongodb-info,redis-info", "-oX", out, ip}
}

func (s *DBPortScan) Run(ctx context.Context, req domain.ScanRequest) (domain.ToolResult, error) {
	if err := requireAddress(s.tool, req); err != nil {
		return fail(s.tool, err)
	}
	out := s.outputPath(req.ScanID, string(s.tool), "xml")
	inv := domain.ToolInvocation{Tool: s.tool, Argv: s.Args(s.Ports(req.Services), req.Target.IP, out), Timeout: s.opts.DefaultTimeout, OutputPath: out}
	return execute(ctx, s.base, req, inv,
		func(c capture) Outcome[PortRecord] { return ParseNmapXML(c.file) },
		nmapFallbacks,
		func(r *domain.ToolResult, items []PortRecord) {
			for _, it := range items {
				if !domain.IsDatabaseService(it.Service.Port, it.Service.Name) {
					continue
				}
				r.Services = append(r.Services, it.Service)
				r.Findings = append(r.Findings, serviceFinding(s.tool, it.Service))
				r.Findings = append(r.Findings, dbScriptFindings(s.tool, it)...)
			}
		})
}

// ---- sqlmap ----

type injection struct {
	Parameter string
	Place     string
	Technique string
}

var (
	sqlmapParamBlock = regexp.MustCompile(`(?m)^Parameter:\s+(\S+)\s+\(([^)]+)\)\s*$`)
	sqlmapType       = regexp.MustCompile(`(?m)^\s+Type:\s+(.+?)\s*$`)
	sqlmapInjectable = regexp.MustCompile(`(?i)(GET|POST|URI|Cookie|Header|User-Agent|Referer)?\s*parameter '([^']+)' (?:is|appears to be) '([^']*)' injectable`)
	sqlmapVulnerable = regexp.MustCompile(`(?i)parameter '([^']+)'[^\n]*?\b(?:injectable|vulnerable)\b`)
)

// ParseSQLMapLog reads the "Parameter: x (GET)" blocks sqlmap writes to its
// session log once an injection point is confirmed.
func ParseSQLMapLog(raw []byte) Outcome[injection] {
	text := string(raw)
	locs := sqlmapParamBlock.FindAllStringSubmatchIndex(text, -1)
	var out []injection
	for i, loc := range locs {
		end := len(text)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		inj := injection{Parameter: text[loc[2]:loc[3]], Place: text[loc[4]:loc[5]]}
		var techniques []string
		for _, m := range sqlmapType.FindAllStringSubmatch(text[loc[1]:end], -1) {
			techniques = append(techniques, m[1])
		}
		inj.Technique = strings.Join(techniques, ", ")
		out = append(out, inj)
	}
	return Ok("log", dedupInjections(out))
}

func dedupInjections(in []injection) []injection {
	var out []injection
	seen := map[string]bool{}
	for _, inj := range in {
		key := strings.ToUpper(inj.Place) + "|" + inj.Parameter
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, inj)
	}
	return out
}

var sqlmapFallbacks = []Matcher[injection]{
	{Name: "param-block", Match: func(text string) []injection { return ParseSQLMapLog([]byte(text)).Items }},
	{Name: "injectable", Match: func(text string) []injection {
		var out []injection
		for _, m := range sqlmapInjectable.FindAllStringSubmatch(text, -1) {
			out = append(out, injection{Place: m[1], Parameter: m[2], Technique: m[3]})
		}
		return dedupInjections(out)
	}},
	{Name: "vulnerable", Match: func(text string) []injection {
		var out []injection
		for _, m := range sqlmapVulnerable.FindAllStringSubmatch(text, -1) {
			out = append(out, injection{Parameter: m[1]})
		}
		return dedupInjections(out)
	}},
}

// SQLMap tests web forms for SQL injection.
type SQLMap struct{ base }

func NewSQLMap(exec domain.Executor, opts Options, log *zap.Logger) *SQLMap {
	return &SQLMap{newBase(domain.ToolSQLMap, exec, opts, log, true)}
}

func (s *SQLMap) Args(target, outDir string) []string {
	return []string{"sqlmap", "-u", target, "--batch", "--crawl=2", "--forms",
		"--level=2", "--risk=1", "--output-dir=" + outDir}
}

func (s *SQLMap) Run(ctx context.Context, req domain.ScanRequest) (domain.ToolResult, error) {
	if err := requireAddress(s.tool, req); err != nil {
		return fail(s.tool, err)
	}
	dir := path.Join(s.opts.WorkDir, string(req.ScanID), string(s.tool))
	inv := domain.ToolInvocation{
		Tool:    s.tool,
		Argv:    s.Args(webURL(req), dir),
		Timeout: s.opts.BruteForceTimeout,
		// sqlmap names its session directory after the host
		OutputPath: path.Join(dir, req.Target.IP, "log"),
	}
	return execute(ctx, s.base, req, inv,
		func(c capture) Outcome[injection] { return ParseSQLMapLog(c.file) },
		sqlmapFallbacks,
		func(r *domain.ToolResult, items []injection) {
			for _, inj := range items {
				desc := fmt.Sprintf("SQL injection in parameter '%s'", inj.Parameter)
				if inj.Place != "" {
					desc = fmt.Sprintf("SQL injection in %s parameter '%s'", inj.Place, inj.Parameter)
				}
				if inj.Technique != "" {
					desc += " (" + inj.Technique + ")"
				}
				r.Findings = append(r.Findings, domain.Finding{
					Tool:        s.tool,
					Type:        domain.FindingSQLInjection,
					Severity:    domain.SeverityCritical,
					Description: desc,
				})
			}
		})
}
