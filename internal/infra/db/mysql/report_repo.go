package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	domain "github.com/bryanwahyu/armoureye/internal/domain/scans"
	"github.com/bryanwahyu/armoureye/internal/infra/db"
)

// ReportRepository archives finished scan reports in MySQL.
type ReportRepository struct {
	db *sql.DB
}

func NewReportRepository(db *sql.DB) *ReportRepository {
	return &ReportRepository{db: db}
}

var _ domain.ReportArchive = (*ReportRepository)(nil)

// Save insert/update report; a rerun with the same scan id overwrites it
func (r *ReportRepository) Save(ctx context.Context, j *domain.Job) error {
	row, err := db.NewReportRow(j, time.Now())
	if err != nil {
		return err
	}
	q := `
INSERT INTO security_reports (` + db.ReportColumns + `)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON DUPLICATE KEY UPDATE
 target_id=VALUES(target_id), image=VALUES(image), profile=VALUES(profile), status=VALUES(status),
 risk_score=VALUES(risk_score), risk_level=VALUES(risk_level),
 critical=VALUES(critical), high=VALUES(high), medium=VALUES(medium), low=VALUES(low),
 findings_total=VALUES(findings_total), packages_total=VALUES(packages_total),
 started_at=VALUES(started_at), finished_at=VALUES(finished_at), report_json=VALUES(report_json);`
	_, err = r.db.ExecContext(ctx, q, row.Args()...)
	return err
}

// Get by scan ID, with the full report body
func (r *ReportRepository) Get(ctx context.Context, id domain.ScanID) (*domain.ArchivedReport, error) {
	q := `SELECT ` + db.ReportColumns + ` FROM security_reports WHERE id=? LIMIT 1;`
	return db.ScanReport(r.db.QueryRowContext(ctx, q, string(id)), true)
}

// Latest reports, newest first, without bodies
func (r *ReportRepository) Latest(ctx context.Context, limit int) ([]*domain.ArchivedReport, error) {
	if limit <= 0 {
		limit = 20
	}
	q := `SELECT ` + db.ReportColumns + ` FROM security_reports ORDER BY finished_at DESC, id DESC LIMIT ?;`
	return r.list(ctx, q, limit)
}

func (r *ReportRepository) list(ctx context.Context, q string, args ...any) ([]*domain.ArchivedReport, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying reports: %w", err)
	}
	defer rows.Close()

	var out []*domain.ArchivedReport
	for rows.Next() {
		rep, err := db.ScanReport(rows, false)
		if err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		out = append(out, rep)
	}
	return out, rows.Err()
}

// Summary counts scan results since N days
func (r *ReportRepository) Summary(ctx context.Context, sinceDays int) (domain.ArchiveSummary, error) {
	if sinceDays <= 0 {
		sinceDays = 7
	}
	cut := time.Now().AddDate(0, 0, -sinceDays)

	const q = `
SELECT COUNT(*) AS total_scans,
       COALESCE(SUM(critical),0) AS critical,
       COALESCE(SUM(high),0)     AS high,
       COALESCE(SUM(medium),0)   AS medium,
       COALESCE(AVG(risk_score),0) AS avg_risk
FROM security_reports
WHERE finished_at >= ?;
`
	var s domain.ArchiveSummary
	if err := r.db.QueryRowContext(ctx, q, cut).Scan(&s.TotalScans, &s.Critical, &s.High, &s.Medium, &s.AvgRisk); err != nil {
		return domain.ArchiveSummary{}, err
	}
	return s, nil
}

// Paginate with offset + limit (classic pagination)
func (r *ReportRepository) Paginate(ctx context.Context, page, pageSize int) (domain.PaginatedResult, error) {
	page, pageSize, offset := db.Page(page, pageSize)
	q := `SELECT ` + db.ReportColumns + ` FROM security_reports ORDER BY finished_at DESC, id DESC LIMIT ? OFFSET ?;`
	data, err := r.list(ctx, q, pageSize, offset)
	if err != nil {
		return domain.PaginatedResult{}, err
	}
	var total int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM security_reports;`).Scan(&total); err != nil {
		return domain.PaginatedResult{}, fmt.Errorf("getting total count: %w", err)
	}
	return db.Paginated(data, page, pageSize, total), nil
}
