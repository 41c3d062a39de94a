package mysql

import (
	"context"
	"database/sql"
	"strings"
	"time"

	domain "github.com/bryanwahyu/armoureye/internal/domain/scanerrors"
	"github.com/bryanwahyu/armoureye/internal/infra/db"
)

type ScanErrorRepository struct {
	db *sql.DB
}

func NewScanErrorRepository(db *sql.DB) *ScanErrorRepository { return &ScanErrorRepository{db: db} }

var _ domain.Repository = (*ScanErrorRepository)(nil)

func (r *ScanErrorRepository) Save(ctx context.Context, e *domain.ScanError) error {
	const q = `
INSERT INTO security_scan_errors
  (scan_id, target_id, tool, phase, kind, message, created_at)
VALUES (?,?,?,?,?,?,?)
`
	msg := e.Message
	if strings.TrimSpace(msg) == "" {
		msg = "-"
	}
	created := e.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	res, err := r.db.ExecContext(ctx, q, db.StringOrDash(e.ScanID), db.StringOrDash(e.TargetID),
		db.StringOrDash(e.Tool), db.StringOrDash(e.Phase), db.StringOrDash(e.Kind), msg, created)
	if err != nil {
		return err
	}
	if id, err := res.LastInsertId(); err == nil {
		e.ID = id
	}
	return nil
}

func (r *ScanErrorRepository) ListByScan(ctx context.Context, scanID string, limit int) ([]*domain.ScanError, error) {
	if limit <= 0 {
		limit = 20
	}
	const q = `
SELECT id, scan_id, target_id, tool, phase, kind, message, created_at
FROM security_scan_errors
WHERE scan_id = ?
ORDER BY created_at DESC, id DESC
LIMIT ?;`
	rows, err := r.db.QueryContext(ctx, q, scanID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.ScanError
	for rows.Next() {
		var e domain.ScanError
		if err := rows.Scan(&e.ID, &e.ScanID, &e.TargetID, &e.Tool, &e.Phase, &e.Kind, &e.Message, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
