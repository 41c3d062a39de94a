package scans

import (
	"context"
	"time"
)

// Executor runs commands inside the shared sandbox.
type Executor interface {
	Execute(ctx context.Context, inv ToolInvocation, onLine LineFunc) (ExecResult, error)
	ReadFile(ctx context.Context, path string) ([]byte, error)
	FileExists(ctx context.Context, path string) (bool, error)
}

// Sandbox port: lifecycle + execution of the single tool container.
type Sandbox interface {
	Executor
	Acquire(ctx context.Context) (SandboxInfo, error)
	Remove(ctx context.Context) error
	Ping(ctx context.Context) error
}

// Scanner runs one catalog tool and normalizes its output.
type Scanner interface {
	Name() Tool
	Run(ctx context.Context, req ScanRequest) (ToolResult, error)
}

// HistoryRepository port (interface untuk persistence riwayat scan)
type HistoryRepository interface {
	Get(ctx context.Context, id ScanID) (*Job, error)
	Put(ctx context.Context, j *Job) error
	List(ctx context.Context) ([]*Job, error)
	Evict(ctx context.Context, id ScanID) error
	FindByTarget(ctx context.Context, targetID string) (*Job, error)
}

// ReportArchive is the optional SQL sink for finished reports.
type ReportArchive interface {
	Save(ctx context.Context, j *Job) error
	Get(ctx context.Context, id ScanID) (*ArchivedReport, error)
	Latest(ctx context.Context, limit int) ([]*ArchivedReport, error)
	Summary(ctx context.Context, sinceDays int) (ArchiveSummary, error)
	Paginate(ctx context.Context, page, pageSize int) (PaginatedResult, error)
}

// ArtifactStore port (interface untuk penyimpanan artefak)
type ArtifactStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

// ArchivedReport is one row of the report archive.
type ArchivedReport struct {
	ID         ScanID         `json:"id"`
	TargetID   string         `json:"target_id"`
	Image      string         `json:"image,omitempty"`
	Profile    Profile        `json:"profile"`
	Status     Status         `json:"status"`
	RiskScore  int            `json:"risk_score"`
	RiskLevel  RiskLevel      `json:"risk_level"`
	Counts     SeverityCounts `json:"counts"`
	Packages   int            `json:"packages_total"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Report     *Report        `json:"report,omitempty"`
}

// ArchiveSummary rekap hasil scan N hari terakhir
type ArchiveSummary struct {
	TotalScans int     `json:"total_scans"`
	Critical   int     `json:"critical"`
	High       int     `json:"high"`
	Medium     int     `json:"medium"`
	AvgRisk    float64 `json:"avg_risk_score"`
}
