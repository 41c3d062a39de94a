package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	domain "github.com/bryanwahyu/armoureye/internal/domain/scans"
	"github.com/bryanwahyu/armoureye/internal/infra/db"
)

// ReportRepository implements ReportArchive for PostgreSQL
type ReportRepository struct {
	db *sql.DB
}

func NewReportRepository(db *sql.DB) *ReportRepository {
	return &ReportRepository{db: db}
}

var _ domain.ReportArchive = (*ReportRepository)(nil)

func (r *ReportRepository) Save(ctx context.Context, j *domain.Job) error {
	row, err := db.NewReportRow(j, time.Now())
	if err != nil {
		return err
	}
	q := `
INSERT INTO security_reports (` + db.ReportColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
ON CONFLICT (id) DO UPDATE SET
 target_id = EXCLUDED.target_id, image = EXCLUDED.image, profile = EXCLUDED.profile,
 status = EXCLUDED.status, risk_score = EXCLUDED.risk_score, risk_level = EXCLUDED.risk_level,
 critical = EXCLUDED.critical, high = EXCLUDED.high, medium = EXCLUDED.medium, low = EXCLUDED.low,
 findings_total = EXCLUDED.findings_total, packages_total = EXCLUDED.packages_total,
 started_at = EXCLUDED.started_at, finished_at = EXCLUDED.finished_at, report_json = EXCLUDED.report_json`
	_, err = r.db.ExecContext(ctx, q, row.Args()...)
	return err
}

func (r *ReportRepository) Get(ctx context.Context, id domain.ScanID) (*domain.ArchivedReport, error) {
	q := `SELECT ` + db.ReportColumns + ` FROM security_reports WHERE id = $1 LIMIT 1`
	return db.ScanReport(r.db.QueryRowContext(ctx, q, string(id)), true)
}

func (r *ReportRepository) Latest(ctx context.Context, limit int) ([]*domain.ArchivedReport, error) {
	if limit <= 0 {
		limit = 20
	}
	q := `SELECT ` + db.ReportColumns + ` FROM security_reports ORDER BY finished_at DESC, id DESC LIMIT $1`
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

func (r *ReportRepository) Summary(ctx context.Context, sinceDays int) (domain.ArchiveSummary, error) {
	if sinceDays <= 0 {
		sinceDays = 7
	}
	const q = `
SELECT COUNT(*),
       COALESCE(SUM(critical),0),
       COALESCE(SUM(high),0),
       COALESCE(SUM(medium),0),
       COALESCE(AVG(risk_score),0)::float8
FROM security_reports
WHERE finished_at >= $1`
	var s domain.ArchiveSummary
	cut := time.Now().AddDate(0, 0, -sinceDays)
	if err := r.db.QueryRowContext(ctx, q, cut).Scan(&s.TotalScans, &s.Critical, &s.High, &s.Medium, &s.AvgRisk); err != nil {
		return domain.ArchiveSummary{}, err
	}
	return s, nil
}

func (r *ReportRepository) Paginate(ctx context.Context, page, pageSize int) (domain.PaginatedResult, error) {
	page, pageSize, offset := db.Page(page, pageSize)
	q := `SELECT ` + db.ReportColumns + ` FROM security_reports ORDER BY finished_at DESC, id DESC LIMIT $1 OFFSET $2`
	data, err := r.list(ctx, q, pageSize, offset)
	if err != nil {
		return domain.PaginatedResult{}, err
	}
	var total int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM security_reports`).Scan(&total); err != nil {
		return domain.PaginatedResult{}, fmt.Errorf("getting total count: %w", err)
	}
	return db.Paginated(data, page, pageSize, total), nil
}
