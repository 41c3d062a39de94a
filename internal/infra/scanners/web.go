package scanners

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/bryanwahyu/armoureye/internal/domain/decision"
	domain "github.com/bryanwahyu/armoureye/internal/domain/scans"
)

// webURL picks the first web service of the target; port 80 when recon found none.
func webURL(req domain.ScanRequest) string {
	web := decision.Classify(req.Services).Web
	if len(web) == 0 {
		return "http://" + req.Target.IP
	}
	s := web[0]
	scheme := "http"
	name := strings.ToLower(s.Name)
	if s.Port == 443 || s.Port == 8443 || strings.Contains(name, "https") || strings.Contains(name, "ssl") {
		scheme = "https"
	}
	if (scheme == "http" && s.Port == 80) || (scheme == "https" && s.Port == 443) {
		return fmt.Sprintf("%s://%s", scheme, req.Target.IP)
	}
	return fmt.Sprintf("%s://%s:%d", scheme, req.Target.IP, s.Port)
}

func requireAddress(tool domain.Tool, req domain.ScanRequest) error {
	if !req.Target.HasAddress() {
		return fmt.Errorf("%w: %s needs a target address", domain.ErrToolExecutionFailed, tool)
	}
	return nil
}

// ---- nikto ----

type niktoItem struct {
	ID  string `json:"id"`
	URL string `json:"url"`
	Msg string `json:"msg"`
}

type niktoHost struct {
	Host            string      `json:"host"`
	Port            any         `json:"port"`
	Vulnerabilities []niktoItem `json:"vulnerabilities"`
}

// ParseNiktoJSON accepts both the single-object and the array form.
func ParseNiktoJSON(raw []byte) Outcome[niktoItem] {
	clean := SanitizeJSON(TrimToJSONArray(raw))
	var hosts []niktoHost
	if len(clean) > 0 && clean[0] == '[' {
		if err := json.Unmarshal(clean, &hosts); err != nil {
			return ParseError[niktoItem](fmt.Errorf("decode nikto json: %w", err))
		}
	} else {
		var h niktoHost
		if err := json.Unmarshal(clean, &h); err != nil {
			return ParseError[niktoItem](fmt.Errorf("decode nikto json: %w", err))
		}
		hosts = append(hosts, h)
	}
	var out []niktoItem
	for _, h := range hosts {
		out = append(out, h.Vulnerabilities...)
	}
	return Ok("json", out)
}

var (
	niktoLine  = regexp.MustCompile(`(?m)^\+[ \t]+(?:\[(\d+)\][ \t]+)?(?:(/[^\s:]*):[ \t]+)?(.+?)[ \t\r]*$`)
	niktoNoise = []string{
		"Target IP:", "Target Hostname:", "Target Port:", "Start Time:", "End Time:",
		"host(s) tested", "requests:", "No CGI Directories found", "SSL Info:",
	}
)

var niktoFallbacks = []Matcher[niktoItem]{
	{Name: "plus-lines", Match: func(text string) []niktoItem {
		var out []niktoItem
		for _, m := range niktoLine.FindAllStringSubmatch(text, -1) {
			if isNiktoNoise(m[3]) {
				continue
			}
			out = append(out, niktoItem{ID: m[1], URL: m[2], Msg: m[3]})
		}
		return out
	}},
}

func isNiktoNoise(msg string) bool {
	for _, n := range niktoNoise {
		if strings.Contains(msg, n) {
			return true
		}
	}
	return strings.HasPrefix(msg, "-")
}

var (
	niktoHigh = regexp.MustCompile(`(?i)sql injection|remote code|command execution|code execution|shellshock|file inclusion|directory traversal|arbitrary file`)
	niktoLow  = regexp.MustCompile(`(?i)header|banner|server:|x-powered-by|retrieved|etag|cookie .* without`)
)

func niktoSeverity(msg string) domain.Severity {
	switch {
	case niktoHigh.MatchString(msg):
		return domain.SeverityHigh
	case niktoLow.MatchString(msg):
		return domain.SeverityLow
	default:
		return domain.SeverityMedium
	}
}

// Nikto checks web servers for misconfigurations.
type Nikto struct{ base }

func NewNikto(exec domain.Executor, opts Options, log *zap.Logger) *Nikto {
	return &Nikto{newBase(domain.ToolNikto, exec, opts, log, true)}
}

func (s *Nikto) Args(profile domain.Profile, target, out string) []string {
	argv := []string{"nikto", "-h", target, "-Format", "json", "-output", out, "-nointeractive"}
	if profile.Normalize() != domain.ProfileDeeper {
		argv = append(argv, "-Tuning", "123b")
	}
	return argv
}

func (s *Nikto) Run(ctx context.Context, req domain.ScanRequest) (domain.ToolResult, error) {
	if err := requireAddress(s.tool, req); err != nil {
		return fail(s.tool, err)
	}
	out := s.outputPath(req.ScanID, string(s.tool), "json")
	inv := domain.ToolInvocation{Tool: s.tool, Argv: s.Args(req.Profile, webURL(req), out), Timeout: s.opts.DefaultTimeout, OutputPath: out}
	return execute(ctx, s.base, req, inv,
		func(c capture) Outcome[niktoItem] { return ParseNiktoJSON(c.file) },
		niktoFallbacks,
		func(r *domain.ToolResult, items []niktoItem) {
			for _, it := range items {
				desc := it.Msg
				if it.URL != "" && !strings.Contains(desc, it.URL) {
					desc = it.URL + ": " + desc
				}
				r.Findings = append(r.Findings, domain.Finding{
					Tool:        s.tool,
					Type:        domain.FindingWebVulnerability,
					Severity:    niktoSeverity(it.Msg),
					Description: desc,
					Path:        it.URL,
					CVE:         cveRe.FindString(it.Msg),
				})
			}
		})
}

// ---- whatweb ----

type technology struct {
	Name    string
	Version string
}

type whatwebEntry struct {
	Plugins map[string]struct {
		Version []string `json:"version"`
	} `json:"plugins"`
}

// ParseWhatWebJSON reads --log-json output: an array with one object per line.
func ParseWhatWebJSON(raw []byte) Outcome[technology] {
	clean := SanitizeJSON(TrimToJSONArray(raw))
	var entries []whatwebEntry
	if err := json.Unmarshal(clean, &entries); err != nil {
		// a run cut short leaves the array unterminated; decode line by line
		entries = entries[:0]
		for _, line := range strings.Split(string(clean), "\n") {
			line = strings.TrimSuffix(strings.TrimSpace(line), ",")
			if !strings.HasPrefix(line, "{") {
				continue
			}
			var e whatwebEntry
			if json.Unmarshal([]byte(line), &e) == nil {
				entries = append(entries, e)
			}
		}
		if len(entries) == 0 {
			return ParseError[technology](fmt.Errorf("decode whatweb json: %w", err))
		}
	}

	var out []technology
	seen := map[string]bool{}
	for _, e := range entries {
		names := make([]string, 0, len(e.Plugins))
		for name := range e.Plugins {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			version := ""
			if v := e.Plugins[name].Version; len(v) > 0 {
				version = v[0]
			}
			t := technology{Name: name, Version: version}
			if seen[t.Name+"@"+t.Version] {
				continue
			}
			seen[t.Name+"@"+t.Version] = true
			out = append(out, t)
		}
	}
	return Ok("json", out)
}

var (
	whatwebToken = regexp.MustCompile(`([A-Z][\w\-]*(?:\s[A-Z][\w\-]*)?)\[([^\]]+)\]`)
	numericVer   = regexp.MustCompile(`^\d+(?:\.\d+)+`)
	serverBanner = regexp.MustCompile(`(?i)\b(apache|nginx|microsoft-iis|php|express|tomcat|jetty|openssl|lighttpd|caddy)[/ ]v?(\d+(?:\.\d+)+)`)
)

var whatwebFallbacks = []Matcher[technology]{
	{Name: "plugin-tokens", Match: func(text string) []technology {
		var out []technology
		seen := map[string]bool{}
		for _, m := range whatwebToken.FindAllStringSubmatch(text, -1) {
			t := technology{Name: m[1]}
			if v := numericVer.FindString(m[2]); v != "" {
				t.Version = v
			}
			if seen[t.Name+"@"+t.Version] {
				continue
			}
			seen[t.Name+"@"+t.Version] = true
			out = append(out, t)
		}
		return out
	}},
	{Name: "server-banner", Match: func(text string) []technology {
		var out []technology
		seen := map[string]bool{}
		for _, m := range serverBanner.FindAllStringSubmatch(text, -1) {
			t := technology{Name: m[1], Version: m[2]}
			if !seen[t.Name+"@"+t.Version] {
				seen[t.Name+"@"+t.Version] = true
				out = append(out, t)
			}
		}
		return out
	}},
}

// WhatWeb fingerprints web technologies.
type WhatWeb struct{ base }

func NewWhatWeb(exec domain.Executor, opts Options, log *zap.Logger) *WhatWeb {
	return &WhatWeb{newBase(domain.ToolWhatWeb, exec, opts, log, true)}
}

func (s *WhatWeb) Args(profile domain.Profile, target, out string) []string {
	aggr := "1"
	if profile.Normalize() == domain.ProfileDeeper {
		aggr = "3"
	}
	return []string{"whatweb", "--log-json=" + out, "-a", aggr, target}
}

func (s *WhatWeb) Run(ctx context.Context, req domain.ScanRequest) (domain.ToolResult, error) {
	if err := requireAddress(s.tool, req); err != nil {
		return fail(s.tool, err)
	}
	out := s.outputPath(req.ScanID, string(s.tool), "json")
	inv := domain.ToolInvocation{Tool: s.tool, Argv: s.Args(req.Profile, webURL(req), out), Timeout: s.opts.DefaultTimeout, OutputPath: out}
	return execute(ctx, s.base, req, inv,
		func(c capture) Outcome[technology] { return ParseWhatWebJSON(c.file) },
		whatwebFallbacks,
		func(r *domain.ToolResult, items []technology) {
			for _, t := range items {
				if t.Version == "" {
					continue
				}
				r.Packages = append(r.Packages, domain.PackageRecord{Name: t.Name, Version: t.Version, Sources: []string{string(s.tool)}})
				r.Findings = append(r.Findings, domain.Finding{
					Tool:        s.tool,
					Type:        domain.FindingInformationDisclosed,
					Severity:    domain.SeverityLow,
					Description: fmt.Sprintf("%s %s version disclosed", t.Name, t.Version),
					Package:     t.Name,
					Version:     t.Version,
				})
			}
		})
}

// ---- gobuster ----

type dirHit struct {
	Path   string
	Status int
}

var (
	gobusterLine = regexp.MustCompile(`(?m)^(/\S*)\s+\(Status:\s*(\d{3})\)`)
	gobusterBare = regexp.MustCompile(`(?m)^(/\S+)\s*$`)
)

// ParseGobuster reads the -o file; each line is a hit with its status.
func ParseGobuster(raw []byte) Outcome[dirHit] {
	return Ok("lines", matchDirHits(string(raw)))
}

func matchDirHits(text string) []dirHit {
	var out []dirHit
	seen := map[string]bool{}
	for _, m := range gobusterLine.FindAllStringSubmatch(text, -1) {
		status, _ := strconv.Atoi(m[2])
		if status == 404 || seen[m[1]] {
			continue
		}
		seen[m[1]] = true
		out = append(out, dirHit{Path: m[1], Status: status})
	}
	return out
}

var gobusterFallbacks = []Matcher[dirHit]{
	{Name: "status-lines", Match: matchDirHits},
	{Name: "bare-paths", Match: func(text string) []dirHit {
		var out []dirHit
		seen := map[string]bool{}
		for _, m := range gobusterBare.FindAllStringSubmatch(text, -1) {
			if !seen[m[1]] {
				seen[m[1]] = true
				out = append(out, dirHit{Path: m[1]})
			}
		}
		return out
	}},
}

var sensitivePaths = []string{
	".git", ".svn", ".env", ".htpasswd", ".htaccess", ".ds_store", "admin", "backup",
	"config", "phpmyadmin", "wp-admin", "server-status", "dump", ".sql", "private", "console",
}

// IsSensitivePath reports whether a discovered path likely exposes secrets or admin surfaces.
func IsSensitivePath(p string) bool {
	l := strings.ToLower(p)
	for _, s := range sensitivePaths {
		if strings.Contains(l, s) {
			return true
		}
	}
	return false
}

// Gobuster brute-forces hidden directories.
type Gobuster struct{ base }

func NewGobuster(exec domain.Executor, opts Options, log *zap.Logger) *Gobuster {
	return &Gobuster{newBase(domain.ToolGobuster, exec, opts, log, true)}
}

func (s *Gobuster) Args(target, out string) []string {
	return []string{"gobuster", "dir", "-u", target, "-w", s.opts.DirWordlist, "-q", "-t", "20", "--no-error", "-o", out}
}

func (s *Gobuster) Run(ctx context.Context, req domain.ScanRequest) (domain.ToolResult, error) {
	if err := requireAddress(s.tool, req); err != nil {
		return fail(s.tool, err)
	}
	out := s.outputPath(req.ScanID, string(s.tool), "txt")
	inv := domain.ToolInvocation{Tool: s.tool, Argv: s.Args(webURL(req), out), Timeout: s.opts.BruteForceTimeout, OutputPath: out}
	return execute(ctx, s.base, req, inv,
		func(c capture) Outcome[dirHit] { return ParseGobuster(c.file) },
		gobusterFallbacks,
		func(r *domain.ToolResult, items []dirHit) {
			for _, h := range items {
				f := domain.Finding{
					Tool:     s.tool,
					Type:     domain.FindingExposedDirectory,
					Severity: domain.SeverityLow,
					Path:     h.Path,
				}
				if IsSensitivePath(h.Path) {
					f.Severity = domain.SeverityMedium
					f.Sensitive = true
				}
				f.Description = "Discovered path " + h.Path
				if h.Status != 0 {
					f.Description += fmt.Sprintf(" (status %d)", h.Status)
				}
				r.Findings = append(r.Findings, f)
			}
		})
}
