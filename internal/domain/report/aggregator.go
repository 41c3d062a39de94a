// Package report merges per-tool results into one risk-scored report.
package report

import (
	"math"
	"sort"
	"time"

	domain "github.com/bryanwahyu/armoureye/internal/domain/scans"
)

// MaxMinorRecommendations caps medium/low recommendations.
const MaxMinorRecommendations = 10

var baseWeight = map[domain.Severity]float64{
	domain.SeverityCritical: 10,
	domain.SeverityHigh:     5,
	domain.SeverityMedium:   2,
	domain.SeverityLow:      0.5,
}

// secondary weights for image and supply-chain findings, on top of the base weight.
var secondaryWeight = map[domain.Tool]map[domain.Severity]float64{
	domain.ToolTrivy: {
		domain.SeverityCritical: 5,
		domain.SeverityHigh:     2,
		domain.SeverityMedium:   0.5,
	},
	domain.ToolScout: {
		domain.SeverityCritical: 6,
		domain.SeverityHigh:     3,
		domain.SeverityMedium:   1,
	},
}

const (
	bonusSQLInjection   = 20
	bonusWeakAuth       = 25
	bonusSensitiveDir   = 2
	maxRiskScore        = 100
	thresholdCritical   = 80
	thresholdHigh       = 60
	thresholdMedium     = 40
	thresholdLow        = 20
	remediationFallback = "Review the finding and apply vendor guidance or configuration hardening."
)

var remediations = map[string]string{
	domain.FindingSQLInjection:       "Use parameterized queries or prepared statements, validate all user input and restrict database account privileges.",
	domain.FindingWeakAuthentication: "Change default and weak credentials immediately, enforce strong password policy and enable account lockout or MFA.",
	domain.FindingExposedService:     "Restrict network exposure with firewall rules, bind the service to internal interfaces and require authentication.",
	domain.FindingExposedDirectory:   "Remove or restrict access to sensitive paths, disable directory listing and move secrets out of the web root.",
	domain.FindingWebVulnerability:   "Patch the web server and application framework, remove default files and apply security headers.",
}

// Remediation returns the fixed remediation text for a finding type.
func Remediation(findingType string) string {
	if r, ok := remediations[findingType]; ok {
		return r
	}
	return remediationFallback
}

// Aggregate builds the report from tool results in execution order.
// Failed tools with partial findings still contribute.
func Aggregate(results []domain.ToolResult, now time.Time) domain.Report {
	rep := domain.Report{
		Findings:        []domain.Finding{},
		Packages:        []domain.PackageRecord{},
		Recommendations: []domain.Recommendation{},
		ToolsExecuted:   []domain.Tool{},
		GeneratedAt:     now,
	}

	pkgIndex := map[string]int{}
	for _, res := range results {
		rep.ToolsExecuted = append(rep.ToolsExecuted, res.Tool)
		if !res.Success && res.Error != "" {
			if rep.ToolErrors == nil {
				rep.ToolErrors = map[domain.Tool]string{}
			}
			rep.ToolErrors[res.Tool] = res.Error
		}
		for _, f := range res.Findings {
			if f.Tool == "" {
				f.Tool = res.Tool
			}
			rep.Findings = append(rep.Findings, f)
			rep.Counts.Add(f.Severity)
		}
		for _, p := range res.Packages {
			mergePackage(&rep, pkgIndex, p, res.Tool)
		}
	}
	sort.SliceStable(rep.Packages, func(i, j int) bool { return rep.Packages[i].Key() < rep.Packages[j].Key() })

	rep.RiskScore = Score(rep.Findings)
	rep.RiskLevel = Level(rep.RiskScore)
	rep.Recommendations = Recommend(rep.Findings)
	return rep
}

func mergePackage(rep *domain.Report, idx map[string]int, p domain.PackageRecord, tool domain.Tool) {
	sources := p.Sources
	if len(sources) == 0 {
		sources = []string{string(tool)}
	}
	if i, ok := idx[p.Key()]; ok {
		existing := &rep.Packages[i]
		for _, s := range sources {
			if !contains(existing.Sources, s) {
				existing.Sources = append(existing.Sources, s)
			}
		}
		return
	}
	idx[p.Key()] = len(rep.Packages)
	rep.Packages = append(rep.Packages, domain.PackageRecord{
		Name:    p.Name,
		Version: p.Version,
		Sources: append([]string(nil), sources...),
	})
}

func contains(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}

// Score computes the 0-100 risk score.
func Score(findings []domain.Finding) int {
	var raw float64
	var sqli, weakAuth bool
	for _, f := range findings {
		raw += baseWeight[normalize(f.Severity)]
		if w, ok := secondaryWeight[f.Tool]; ok {
			raw += w[normalize(f.Severity)]
		}
		switch f.Type {
		case domain.FindingSQLInjection:
			sqli = true
		case domain.FindingWeakAuthentication:
			if f.Tool == domain.ToolHydra {
				weakAuth = true
			}
		case domain.FindingExposedDirectory:
			if f.Sensitive {
				raw += bonusSensitiveDir
			}
		}
	}
	if sqli {
		raw += bonusSQLInjection
	}
	if weakAuth {
		raw += bonusWeakAuth
	}
	raw = math.Max(0, math.Min(maxRiskScore, raw))
	return int(math.Round(raw))
}

func normalize(s domain.Severity) domain.Severity {
	if _, ok := baseWeight[s]; ok {
		return s
	}
	return domain.MapSeverity(string(s))
}

// Level buckets a score.
func Level(score int) domain.RiskLevel {
	switch {
	case score >= thresholdCritical:
		return domain.RiskCritical
	case score >= thresholdHigh:
		return domain.RiskHigh
	case score >= thresholdMedium:
		return domain.RiskMedium
	case score >= thresholdLow:
		return domain.RiskLow
	default:
		return domain.RiskMinimal
	}
}

// Recommend lists every critical/high finding, then the first medium/low ones.
func Recommend(findings []domain.Finding) []domain.Recommendation {
	out := []domain.Recommendation{}
	var minor []domain.Recommendation
	for _, f := range findings {
		sev := normalize(f.Severity)
		r := domain.Recommendation{
			Severity:    sev,
			Type:        f.Type,
			Tool:        f.Tool,
			Finding:     f.Description,
			Remediation: Remediation(f.Type),
		}
		if sev == domain.SeverityCritical || sev == domain.SeverityHigh {
			out = append(out, r)
			continue
		}
		if len(minor) < MaxMinorRecommendations {
			minor = append(minor, r)
		}
	}
	return append(out, minor...)
}

// VulnerablePackages returns packages referenced by at least one finding,
// in report order. Used to pick enrichment candidates.
func VulnerablePackages(rep domain.Report) []domain.PackageRecord {
	hit := map[string]bool{}
	for _, f := range rep.Findings {
		if f.Package != "" {
			hit[f.Package+"@"+f.Version] = true
		}
	}
	var out []domain.PackageRecord
	for _, p := range rep.Packages {
		if hit[p.Key()] {
			out = append(out, p)
		}
	}
	return out
}
