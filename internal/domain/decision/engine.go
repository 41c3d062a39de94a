// Package decision maps discovered services and a scan profile to an ordered
// tool plan. Everything here is pure: identical input yields identical output.
package decision

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	version "github.com/hashicorp/go-version"

	domain "github.com/bryanwahyu/armoureye/internal/domain/scans"
)

// Input to the engine.
type Input struct {
	Services []domain.Service
	Profile  domain.Profile
}

// ClassifiedService is a service with the severity of its exposure.
type ClassifiedService struct {
	domain.Service
	Severity domain.Severity `json:"severity"`
	Reason   string          `json:"reason"`
}

// Classification buckets services by kind.
type Classification struct {
	Web      []ClassifiedService `json:"web_services"`
	Database []ClassifiedService `json:"database_services"`
	SSH      []ClassifiedService `json:"ssh_services"`
	Other    []ClassifiedService `json:"other_services"`
}

// ToolPlan is one planned tool with its rationale.
type ToolPlan struct {
	Tool     domain.Tool `json:"tool"`
	Priority int         `json:"priority"`
	Reason   string      `json:"reason"`
}

// Decision is the engine output.
type Decision struct {
	Classification Classification `json:"classification"`
	Plan           []ToolPlan     `json:"plan"`
}

// Tools returns the planned tool names in order.
func (d Decision) Tools() []domain.Tool {
	out := make([]domain.Tool, 0, len(d.Plan))
	for _, p := range d.Plan {
		out = append(out, p.Tool)
	}
	return out
}

var webPorts = map[int]bool{
	80: true, 443: true, 3000: true, 5000: true, 8000: true,
	8008: true, 8080: true, 8443: true, 8888: true, 9000: true,
}

// outdatedSSH is the first OpenSSH release not considered outdated.
var outdatedSSH = version.Must(version.NewVersion("8.0"))

var versionRe = regexp.MustCompile(`(\d+(?:\.\d+)+)`)

// Ports lists the ports of the given services.
func Ports(svcs []ClassifiedService) []int {
	out := make([]int, 0, len(svcs))
	for _, s := range svcs {
		out = append(out, s.Port)
	}
	return out
}

// Classify applies the fixed port/name heuristics to open services.
func Classify(services []domain.Service) Classification {
	sorted := append([]domain.Service(nil), services...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Port != sorted[j].Port {
			return sorted[i].Port < sorted[j].Port
		}
		return sorted[i].Protocol < sorted[j].Protocol
	})

	var c Classification
	seen := map[string]bool{}
	for _, s := range sorted {
		if !s.Open() {
			continue
		}
		key := fmt.Sprintf("%d/%s", s.Port, s.Protocol)
		if seen[key] {
			continue
		}
		seen[key] = true

		name := strings.ToLower(s.Name)
		switch {
		case domain.IsDatabaseService(s.Port, name):
			cs := ClassifiedService{Service: s, Severity: domain.SeverityHigh, Reason: "database service by name"}
			if _, ok := domain.DatabasePorts[s.Port]; ok {
				cs.Severity = domain.SeverityCritical
				cs.Reason = fmt.Sprintf("database port %d exposed", s.Port)
			}
			c.Database = append(c.Database, cs)
		case s.Port == 22 || strings.Contains(name, "ssh"):
			cs := ClassifiedService{Service: s, Severity: domain.SeverityMedium, Reason: "ssh exposed"}
			if sshOutdated(s) {
				cs.Severity = domain.SeverityHigh
				cs.Reason = fmt.Sprintf("outdated ssh version %s", strings.TrimSpace(s.Version))
			}
			c.SSH = append(c.SSH, cs)
		case webPorts[s.Port] || strings.Contains(name, "http"):
			cs := ClassifiedService{Service: s, Severity: domain.SeverityLow, Reason: "web service"}
			if s.Port == 80 || s.Port == 443 {
				cs.Severity = domain.SeverityMedium
			}
			c.Web = append(c.Web, cs)
		default:
			c.Other = append(c.Other, ClassifiedService{Service: s, Severity: domain.SeverityLow, Reason: "other service"})
		}
	}
	return c
}

func sshOutdated(s domain.Service) bool {
	m := versionRe.FindString(s.Version + " " + s.Product)
	if m == "" {
		return false
	}
	v, err := version.NewVersion(m)
	if err != nil {
		return false
	}
	return v.LessThan(outdatedSSH)
}

// AuthTargets are services hydra can attack: ssh, ftp, telnet and databases.
func (c Classification) AuthTargets() []ClassifiedService {
	out := append([]ClassifiedService(nil), c.SSH...)
	for _, s := range c.Other {
		n := strings.ToLower(s.Name)
		if s.Port == 21 || s.Port == 23 || strings.Contains(n, "ftp") || strings.Contains(n, "telnet") {
			out = append(out, s)
		}
	}
	out = append(out, c.Database...)
	return out
}

// Decide classifies services and emits the ordered tool plan for the profile.
func Decide(in Input) Decision {
	profile := in.Profile.Normalize()
	c := Classify(in.Services)
	hasWeb := len(c.Web) > 0
	hasDB := len(c.Database) > 0
	deeper := profile == domain.ProfileDeeper

	plan := []ToolPlan{{Tool: domain.ToolNmap, Priority: 1, Reason: "service discovery and version detection"}}
	if hasWeb {
		plan = append(plan, ToolPlan{Tool: domain.ToolWhatWeb, Priority: 2,
			Reason: fmt.Sprintf("fingerprint web services on ports %v", Ports(c.Web))})
		if profile != domain.ProfileQuick {
			plan = append(plan, ToolPlan{Tool: domain.ToolNikto, Priority: 3,
				Reason: "check web servers for misconfigurations"})
		}
	}
	if hasDB {
		plan = append(plan, ToolPlan{Tool: domain.ToolDBPortScan, Priority: 4,
			Reason: fmt.Sprintf("probe database ports %v", Ports(c.Database))})
	}
	if deeper && hasWeb {
		plan = append(plan,
			ToolPlan{Tool: domain.ToolGobuster, Priority: 5, Reason: "brute-force hidden directories"},
			ToolPlan{Tool: domain.ToolSQLMap, Priority: 6, Reason: "probe web forms for SQL injection"},
		)
	}
	if deeper && len(c.AuthTargets()) > 0 {
		plan = append(plan, ToolPlan{Tool: domain.ToolHydra, Priority: 7,
			Reason: fmt.Sprintf("test weak credentials on ports %v", Ports(c.AuthTargets()))})
	}
	sort.SliceStable(plan, func(i, j int) bool { return plan[i].Priority < plan[j].Priority })

	return Decision{Classification: c, Plan: plan}
}

// MetadataServices turns declared container ports into services for the
// analysis phase, before live recon data exists.
func MetadataServices(ports []int) []domain.Service {
	out := make([]domain.Service, 0, len(ports))
	for _, p := range ports {
		name := ""
		if db, ok := domain.DatabasePorts[p]; ok {
			name = db
		} else if p == 22 {
			name = "ssh"
		} else if webPorts[p] {
			name = "http"
		}
		out = append(out, domain.Service{Port: p, Protocol: "tcp", State: "open", Name: name})
	}
	return out
}
