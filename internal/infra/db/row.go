// Package db holds what the MySQL and Postgres report archives share.
package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	domain "github.com/bryanwahyu/armoureye/internal/domain/scans"
)

// ReportRow is one row of security_reports.
type ReportRow struct {
	ID         string
	TargetID   string
	Image      string
	Profile    string
	Status     string
	RiskScore  int
	RiskLevel  string
	Critical   int
	High       int
	Medium     int
	Low        int
	Total      int
	Packages   int
	StartedAt  time.Time
	FinishedAt time.Time
	ReportJSON string
}

// NewReportRow flattens a finished job. Jobs without a report are rejected.
func NewReportRow(j *domain.Job, now time.Time) (ReportRow, error) {
	if j == nil || j.Report == nil {
		return ReportRow{}, errors.New("archive: job has no report")
	}
	b, err := json.Marshal(j.Report)
	if err != nil {
		return ReportRow{}, fmt.Errorf("archive: encode report: %w", err)
	}
	finished := now
	if j.EndedAt != nil {
		finished = *j.EndedAt
	}
	started := j.StartedAt
	if started.IsZero() {
		started = finished
	}
	rep := j.Report
	return ReportRow{
		ID:         string(j.ID),
		TargetID:   StringOrDash(j.Target.ID),
		Image:      j.Target.Image,
		Profile:    StringOrDash(string(j.Profile)),
		Status:     StringOrDash(string(j.Status)),
		RiskScore:  rep.RiskScore,
		RiskLevel:  StringOrDash(string(rep.RiskLevel)),
		Critical:   rep.Counts.Critical,
		High:       rep.Counts.High,
		Medium:     rep.Counts.Medium,
		Low:        rep.Counts.Low,
		Total:      rep.Counts.Total,
		Packages:   len(rep.Packages),
		StartedAt:  started,
		FinishedAt: finished,
		ReportJSON: string(b),
	}, nil
}

// Args returns the columns in ReportColumns order.
func (r ReportRow) Args() []any {
	return []any{r.ID, r.TargetID, r.Image, r.Profile, r.Status, r.RiskScore, r.RiskLevel,
		r.Critical, r.High, r.Medium, r.Low, r.Total, r.Packages, r.StartedAt, r.FinishedAt, r.ReportJSON}
}

// ReportColumns is the column list shared by inserts and selects.
const ReportColumns = `id, target_id, image, profile, status, risk_score, risk_level,
 critical, high, medium, low, findings_total, packages_total, started_at, finished_at, report_json`

// Scanner is satisfied by *sql.Row and *sql.Rows.
type Scanner interface {
	Scan(dest ...any) error
}

// ScanReport reads one row selected with ReportColumns. withBody decodes the
// stored report JSON as well.
func ScanReport(s Scanner, withBody bool) (*domain.ArchivedReport, error) {
	var r ReportRow
	if err := s.Scan(&r.ID, &r.TargetID, &r.Image, &r.Profile, &r.Status, &r.RiskScore, &r.RiskLevel,
		&r.Critical, &r.High, &r.Medium, &r.Low, &r.Total, &r.Packages, &r.StartedAt, &r.FinishedAt, &r.ReportJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return r.Archived(withBody)
}

// Archived converts the row back into the domain view.
func (r ReportRow) Archived(withBody bool) (*domain.ArchivedReport, error) {
	out := &domain.ArchivedReport{
		ID:         domain.ScanID(r.ID),
		TargetID:   r.TargetID,
		Image:      r.Image,
		Profile:    domain.Profile(r.Profile),
		Status:     domain.Status(r.Status),
		RiskScore:  r.RiskScore,
		RiskLevel:  domain.RiskLevel(r.RiskLevel),
		Counts:     domain.SeverityCounts{Critical: r.Critical, High: r.High, Medium: r.Medium, Low: r.Low, Total: r.Total},
		Packages:   r.Packages,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
	}
	if withBody && strings.TrimSpace(r.ReportJSON) != "" {
		var rep domain.Report
		if err := json.Unmarshal([]byte(r.ReportJSON), &rep); err != nil {
			return nil, fmt.Errorf("archive: decode report %s: %w", r.ID, err)
		}
		out.Report = &rep
	}
	return out, nil
}

// Page normalizes page/pageSize and returns the offset.
func Page(page, pageSize int) (int, int, int) {
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	return page, pageSize, (page - 1) * pageSize
}

// Paginated builds the result envelope.
func Paginated(data []*domain.ArchivedReport, page, pageSize int, total int64) domain.PaginatedResult {
	return domain.PaginatedResult{
		Data:       data,
		Page:       page,
		PageSize:   pageSize,
		Total:      total,
		TotalPages: int(math.Ceil(float64(total) / float64(pageSize))),
	}
}

// StringOrDash returns "-" when the input is empty/whitespace
func StringOrDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
