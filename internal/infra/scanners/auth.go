package scanners

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/bryanwahyu/armoureye/internal/domain/decision"
	domain "github.com/bryanwahyu/armoureye/internal/domain/scans"
)

type credential struct {
	Host    string `json:"host"`
	Port    int    `json:"port"`
	Service string `json:"service"`
	Login   string `json:"login"`
	// Password is never copied into findings.
	Password string `json:"password"`
}

// ParseHydraJSON reads `hydra -b json` output.
func ParseHydraJSON(raw []byte) Outcome[credential] {
	var doc struct {
		Results []credential `json:"results"`
	}
	if err := json.Unmarshal(CleanJSON(raw), &doc); err != nil {
		return ParseError[credential](fmt.Errorf("decode hydra json: %w", err))
	}
	return Ok("json", doc.Results)
}

var (
	hydraFound = regexp.MustCompile(`\[(\d+)\]\[([\w-]+)\]\s+host:\s+(\S+)\s+login:\s+(\S+)\s+password:\s*(\S*)`)
	hydraLoose = regexp.MustCompile(`login:\s+(\S+)\s+password:\s*(\S*)`)
)

var hydraFallbacks = []Matcher[credential]{
	{Name: "found-line", Match: func(text string) []credential {
		var out []credential
		for _, m := range hydraFound.FindAllStringSubmatch(text, -1) {
			port, _ := strconv.Atoi(m[1])
			out = append(out, credential{Port: port, Service: m[2], Host: m[3], Login: m[4], Password: m[5]})
		}
		return out
	}},
	{Name: "login-password", Match: func(text string) []credential {
		var out []credential
		for _, m := range hydraLoose.FindAllStringSubmatch(text, -1) {
			out = append(out, credential{Login: m[1], Password: m[2]})
		}
		return out
	}},
}

// hydraService maps a classified service to hydra's module name.
func hydraService(s decision.ClassifiedService) string {
	name := strings.ToLower(s.Name)
	switch {
	case s.Port == 22 || strings.Contains(name, "ssh"):
		return "ssh"
	case s.Port == 21 || strings.Contains(name, "ftp"):
		return "ftp"
	case s.Port == 23 || strings.Contains(name, "telnet"):
		return "telnet"
	case s.Port == 3306 || strings.Contains(name, "mysql") || strings.Contains(name, "mariadb"):
		return "mysql"
	case s.Port == 5432 || strings.Contains(name, "postgres"):
		return "postgres"
	case s.Port == 1433 || strings.Contains(name, "ms-sql") || strings.Contains(name, "mssql"):
		return "mssql"
	case s.Port == 6379 || strings.Contains(name, "redis"):
		return "redis"
	case s.Port == 27017 || strings.Contains(name, "mongo"):
		return "mongodb"
	}
	return ""
}

// Hydra tests services for weak credentials, one invocation per service.
type Hydra struct{ base }

func NewHydra(exec domain.Executor, opts Options, log *zap.Logger) *Hydra {
	return &Hydra{newBase(domain.ToolHydra, exec, opts, log, true)}
}

func (s *Hydra) Args(service, ip string, port int, out string) []string {
	return []string{"hydra", "-L", s.opts.UserList, "-P", s.opts.PasswordList, "-t", "4", "-f",
		"-b", "json", "-o", out, fmt.Sprintf("%s://%s:%d", service, ip, port)}
}

func (s *Hydra) Run(ctx context.Context, req domain.ScanRequest) (domain.ToolResult, error) {
	if err := requireAddress(s.tool, req); err != nil {
		return fail(s.tool, err)
	}
	var targets []decision.ClassifiedService
	for _, t := range decision.Classify(req.Services).AuthTargets() {
		if hydraService(t) != "" {
			targets = append(targets, t)
		}
	}
	if len(targets) == 0 {
		return finish(s.tool, domain.ToolResult{Tool: s.tool, ParseMode: "empty"}, nil)
	}

	// targets run sequentially; the first failure is reported but the rest still run
	merged := domain.ToolResult{Tool: s.tool}
	var firstErr error
	for _, t := range targets {
		svc := hydraService(t)
		out := s.outputPath(req.ScanID, fmt.Sprintf("%s-%s-%d", s.tool, svc, t.Port), "json")
		inv := domain.ToolInvocation{Tool: s.tool, Argv: s.Args(svc, req.Target.IP, t.Port, out), Timeout: s.opts.BruteForceTimeout, OutputPath: out}
		res, err := execute(ctx, s.base, req, inv,
			func(c capture) Outcome[credential] { return ParseHydraJSON(c.file) },
			hydraFallbacks,
			func(r *domain.ToolResult, items []credential) {
				for _, c := range items {
					port, service := c.Port, c.Service
					if port == 0 {
						port = t.Port
					}
					if service == "" {
						service = svc
					}
					r.Findings = append(r.Findings, domain.Finding{
						Tool:        s.tool,
						Type:        domain.FindingWeakAuthentication,
						Severity:    domain.SeverityCritical,
						Description: fmt.Sprintf("Weak credentials accepted by %s on port %d for login '%s'", service, port, c.Login),
						Port:        port,
						Service:     service,
					})
				}
			})
		merged.Findings = append(merged.Findings, res.Findings...)
		merged.Raw = append(merged.Raw, res.Raw...)
		merged.OutputPath = res.OutputPath
		merged.DurationMS += res.DurationMS
		merged.ParseMode = res.ParseMode
		if res.ExitCode != 0 {
			merged.ExitCode = res.ExitCode
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		merged.Success = false
		merged.Error = firstErr.Error()
		merged.ErrorKind = domain.Classify(firstErr)
		return merged, firstErr
	}
	merged.Success = true
	return merged, nil
}
