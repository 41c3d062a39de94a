package scanners

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	domain "github.com/bryanwahyu/armoureye/internal/domain/scans"
)

// PortRecord is one open port with the NSE scripts that ran against it.
type PortRecord struct {
	Service domain.Service
	Scripts []nseScript
}

type nseScript struct {
	ID     string `xml:"id,attr"`
	Output string `xml:"output,attr"`
}

type nmapRun struct {
	XMLName xml.Name   `xml:"nmaprun"`
	Hosts   []nmapHost `xml:"host"`
}

type nmapHost struct {
	Ports []nmapPort `xml:"ports>port"`
}

type nmapPort struct {
	Protocol string `xml:"protocol,attr"`
	PortID   int    `xml:"portid,attr"`
	State    struct {
		State string `xml:"state,attr"`
	} `xml:"state"`
	Service struct {
		Name    string `xml:"name,attr"`
		Product string `xml:"product,attr"`
		Version string `xml:"version,attr"`
	} `xml:"service"`
	Scripts []nseScript `xml:"script"`
}

// ParseNmapXML decodes nmap -oX output into open ports. Garbage before the
// document and malformed comments are tolerated.
func ParseNmapXML(raw []byte) Outcome[PortRecord] {
	clean := CleanXML(raw)
	if len(bytes.TrimSpace(clean)) == 0 {
		return Empty[PortRecord]()
	}
	var run nmapRun
	dec := xml.NewDecoder(bytes.NewReader(clean))
	dec.Strict = false
	if err := dec.Decode(&run); err != nil {
		return ParseError[PortRecord](fmt.Errorf("decode nmap xml: %w", err))
	}

	var out []PortRecord
	seen := map[string]bool{}
	for _, h := range run.Hosts {
		for _, p := range h.Ports {
			if p.State.State != "open" {
				continue
			}
			key := fmt.Sprintf("%d/%s", p.PortID, p.Protocol)
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, PortRecord{
				Service: domain.Service{
					Port:     p.PortID,
					Protocol: p.Protocol,
					State:    p.State.State,
					Name:     p.Service.Name,
					Product:  p.Service.Product,
					Version:  p.Service.Version,
				},
				Scripts: p.Scripts,
			})
		}
	}
	return Ok("xml", out)
}

var (
	nmapFullLine   = regexp.MustCompile(`(?m)^(\d+)/(tcp|udp)[ \t]+(open)[ \t]+(\S+)(?:[ \t]+(.*?))?[ \t\r]*$`)
	nmapOpenSvc    = regexp.MustCompile(`(\d+)/(tcp|udp)[ \t]+open[ \t]+([A-Za-z0-9_\-/.?]+)`)
	nmapOpenBare   = regexp.MustCompile(`(\d+)/(tcp|udp)\s+open\b`)
	nmapDiscovered = regexp.MustCompile(`Discovered open port (\d+)/(tcp|udp)`)
	versionToken   = regexp.MustCompile(`\d+(?:\.\d+)+[\w.\-]*`)
)

// nmapFallbacks are tried in order, most specific first.
var nmapFallbacks = []Matcher[PortRecord]{
	{Name: "port-line", Match: func(text string) []PortRecord {
		return matchPorts(nmapFullLine, text, func(m []string, s *domain.Service) {
			s.Name = m[4]
			if rest := strings.TrimSpace(m[5]); rest != "" {
				s.Product = rest
				s.Version = versionToken.FindString(rest)
			}
		})
	}},
	{Name: "open-service", Match: func(text string) []PortRecord {
		return matchPorts(nmapOpenSvc, text, func(m []string, s *domain.Service) { s.Name = m[3] })
	}},
	{Name: "open-port", Match: func(text string) []PortRecord {
		return matchPorts(nmapOpenBare, text, nil)
	}},
	{Name: "discovered", Match: func(text string) []PortRecord {
		return matchPorts(nmapDiscovered, text, nil)
	}},
}

func matchPorts(re *regexp.Regexp, text string, fill func([]string, *domain.Service)) []PortRecord {
	var out []PortRecord
	seen := map[string]bool{}
	for _, m := range re.FindAllStringSubmatch(text, -1) {
		port, err := strconv.Atoi(m[1])
		if err != nil || port <= 0 || port > 65535 {
			continue
		}
		key := m[1] + "/" + m[2]
		if seen[key] {
			continue
		}
		seen[key] = true
		s := domain.Service{Port: port, Protocol: m[2], State: "open"}
		if fill != nil {
			fill(m, &s)
		}
		out = append(out, PortRecord{Service: s})
	}
	return out
}

var cveRe = regexp.MustCompile(`CVE-\d{4}-\d{4,}`)

// scriptFindings turns "VULNERABLE" NSE output into findings.
func scriptFindings(tool domain.Tool, r PortRecord) []domain.Finding {
	var out []domain.Finding
	for _, sc := range r.Scripts {
		if !strings.Contains(sc.Output, "VULNERABLE") {
			continue
		}
		out = append(out, domain.Finding{
			Tool:        tool,
			Type:        domain.FindingWebVulnerability,
			Severity:    domain.SeverityHigh,
			Description: fmt.Sprintf("%s reports port %d/%s vulnerable: %s", sc.ID, r.Service.Port, r.Service.Protocol, summarize(sc.Output)),
			CVE:         cveRe.FindString(sc.Output),
			Port:        r.Service.Port,
			Service:     r.Service.Name,
		})
	}
	return out
}

func summarize(s string) string {
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && line != "VULNERABLE:" {
			if len(line) > 160 {
				line = line[:160]
			}
			return line
		}
	}
	return "vulnerable"
}

func serviceFinding(tool domain.Tool, s domain.Service) domain.Finding {
	desc := fmt.Sprintf("Open port %d/%s", s.Port, s.Protocol)
	if label := strings.TrimSpace(strings.Join([]string{s.Name, s.Product, s.Version}, " ")); label != "" {
		desc += " (" + label + ")"
	}
	return domain.Finding{
		Tool:        tool,
		Type:        domain.FindingExposedService,
		Severity:    domain.ServiceSeverity(s.Port, s.Name),
		Description: desc,
		Port:        s.Port,
		Service:     s.Name,
	}
}

// Nmap is the network scanner used for reconnaissance.
type Nmap struct{ base }

func NewNmap(exec domain.Executor, opts Options, log *zap.Logger) *Nmap {
	return &Nmap{newBase(domain.ToolNmap, exec, opts, log, false)}
}

// Args returns the profile dependent argv for target ip writing XML to out.
func (s *Nmap) Args(profile domain.Profile, ip, out string) []string {
	argv := []string{"nmap", "-Pn"}
	switch profile.Normalize() {
	case domain.ProfileQuick:
		argv = append(argv, "-sV", "-T4", "--top-ports", "100")
	case domain.ProfileDeeper:
		argv = append(argv, "-sV", "-sC", "-T4", "-p-", "--script", "vuln")
	default:
		argv = append(argv, "-sV", "-sC", "-T4", "--top-ports", "1000")
	}
	return append(argv, "-oX", out, ip)
}

func (s *Nmap) Run(ctx context.Context, req domain.ScanRequest) (domain.ToolResult, error) {
	if !req.Target.HasAddress() {
		return fail(s.tool, fmt.Errorf("%w: target has no address", domain.ErrToolExecutionFailed))
	}
	out := s.outputPath(req.ScanID, string(s.tool), "xml")
	inv := domain.ToolInvocation{
		Tool:       s.tool,
		Argv:       s.Args(req.Profile, req.Target.IP, out),
		Timeout:    s.opts.DefaultTimeout,
		OutputPath: out,
	}
	return execute(ctx, s.base, req, inv,
		func(c capture) Outcome[PortRecord] { return ParseNmapXML(c.file) },
		nmapFallbacks,
		func(r *domain.ToolResult, items []PortRecord) {
			for _, it := range items {
				r.Services = append(r.Services, it.Service)
				r.Findings = append(r.Findings, serviceFinding(s.tool, it.Service))
				r.Findings = append(r.Findings, scriptFindings(s.tool, it)...)
			}
		})
}
