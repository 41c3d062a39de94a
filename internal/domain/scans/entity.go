package scans

import (
	"time"
)

// ID tipe untuk Scan
type ScanID string

// Tool names, fixed catalog.
type Tool string

const (
	ToolNmap       Tool = "nmap"
	ToolTrivy      Tool = "trivy"
	ToolScout      Tool = "docker-scout"
	ToolNikto      Tool = "nikto"
	ToolWhatWeb    Tool = "whatweb"
	ToolGobuster   Tool = "gobuster"
	ToolDBPortScan Tool = "database-port-scan"
	ToolSQLMap     Tool = "sqlmap"
	ToolHydra      Tool = "hydra"
)

// Profile is a named preset controlling which tools run and how aggressively.
type Profile string

const (
	ProfileQuick      Profile = "quick"
	ProfileMisconfigs Profile = "misconfigs"
	ProfileDeeper     Profile = "deeper"
)

// Normalize maps unknown or empty profiles to misconfigs.
func (p Profile) Normalize() Profile {
	switch p {
	case ProfileQuick, ProfileMisconfigs, ProfileDeeper:
		return p
	}
	return ProfileMisconfigs
}

// Status enum
type Status string

const (
	StatusRunning             Status = "running"
	StatusPaused              Status = "paused"
	StatusCompleted           Status = "completed"
	StatusCompletedWithErrors Status = "completed_with_errors"
	StatusFailed              Status = "failed"
	StatusStopped             Status = "stopped"
)

// Terminal reports whether no further updates may happen to a job with this status.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCompletedWithErrors, StatusFailed, StatusStopped:
		return true
	}
	return false
}

// Phase of the scan state machine.
type Phase string

const (
	PhaseQueued                Phase = "queued"
	PhaseAnalysis              Phase = "analysis"
	PhaseReconnaissance        Phase = "reconnaissance"
	PhaseVulnerabilityScanning Phase = "vulnerability_scanning"
	PhaseFinalizing            Phase = "finalizing"
	PhaseDone                  Phase = "done"
)

// Metadata describes the target container as reported by the caller.
type Metadata struct {
	Name   string            `json:"name,omitempty"`
	Image  string            `json:"image,omitempty"`
	Ports  []int             `json:"ports,omitempty"`
	Labels map[string]string `json:"labels,omitempty"`
}

// Target of a scan: a running container (IP) and/or its image.
type Target struct {
	ID       string   `json:"id"`
	IP       string   `json:"ip,omitempty"`
	Image    string   `json:"image,omitempty"`
	Metadata Metadata `json:"metadata"`
}

// HasAddress reports whether runtime (network) scanners can reach the target.
func (t Target) HasAddress() bool { return t.IP != "" }

// Job is the ScanJob aggregate. Values handed out by the orchestrator are
// snapshots; they never carry goroutine or process handles.
type Job struct {
	ID        ScanID                `json:"id"`
	Target    Target                `json:"target"`
	Profile   Profile               `json:"profile"`
	Phase     Phase                 `json:"phase"`
	Progress  int                   `json:"progress"`
	Status    Status                `json:"status"`
	ImageOnly bool                  `json:"image_only"`
	StartedAt time.Time             `json:"started_at"`
	EndedAt   *time.Time            `json:"ended_at,omitempty"`
	Logs      []LogEntry            `json:"logs,omitempty"`
	Results   map[string]ToolResult `json:"results,omitempty"`
	Report    *Report               `json:"report,omitempty"`
	Error     string                `json:"error,omitempty"`
}

// Clone returns a deep enough copy for handing out of a lock.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	out := *j
	if j.EndedAt != nil {
		t := *j.EndedAt
		out.EndedAt = &t
	}
	if j.Logs != nil {
		out.Logs = append([]LogEntry(nil), j.Logs...)
	}
	if j.Results != nil {
		out.Results = make(map[string]ToolResult, len(j.Results))
		for k, v := range j.Results {
			out.Results[k] = v
		}
	}
	return &out
}

// Summary is the light view used in listings.
type Summary struct {
	ID        ScanID     `json:"id"`
	TargetID  string     `json:"target_id"`
	Profile   Profile    `json:"profile"`
	Phase     Phase      `json:"phase"`
	Status    Status     `json:"status"`
	Progress  int        `json:"progress"`
	RiskScore *int       `json:"risk_score,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// Summarize builds the listing view of a job.
func (j *Job) Summarize() Summary {
	s := Summary{
		ID:        j.ID,
		TargetID:  j.Target.ID,
		Profile:   j.Profile,
		Phase:     j.Phase,
		Status:    j.Status,
		Progress:  j.Progress,
		StartedAt: j.StartedAt,
		EndedAt:   j.EndedAt,
	}
	if j.Report != nil {
		score := j.Report.RiskScore
		s.RiskScore = &score
	}
	return s
}
