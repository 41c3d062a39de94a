package mysql

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

func Connect(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	// test ping
	ctx2, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx2); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

var schema = []string{`
CREATE TABLE IF NOT EXISTS security_reports (
  id             VARCHAR(64)  NOT NULL PRIMARY KEY,
  target_id      VARCHAR(255) NOT NULL,
  image          VARCHAR(512) NOT NULL DEFAULT '',
  profile        VARCHAR(32)  NOT NULL,
  status         VARCHAR(32)  NOT NULL,
  risk_score     INT          NOT NULL DEFAULT 0,
  risk_level     VARCHAR(16)  NOT NULL,
  critical       INT          NOT NULL DEFAULT 0,
  high           INT          NOT NULL DEFAULT 0,
  medium         INT          NOT NULL DEFAULT 0,
  low            INT          NOT NULL DEFAULT 0,
  findings_total INT          NOT NULL DEFAULT 0,
  packages_total INT          NOT NULL DEFAULT 0,
  started_at     DATETIME(3)  NOT NULL,
  finished_at    DATETIME(3)  NOT NULL,
  report_json    LONGTEXT     NOT NULL,
  KEY idx_reports_finished (finished_at)
)`, `
CREATE TABLE IF NOT EXISTS security_scan_errors (
  id         BIGINT AUTO_INCREMENT PRIMARY KEY,
  scan_id    VARCHAR(64)  NOT NULL,
  target_id  VARCHAR(255) NOT NULL,
  tool       VARCHAR(64)  NOT NULL,
  phase      VARCHAR(32)  NOT NULL,
  kind       VARCHAR(32)  NOT NULL,
  message    TEXT         NOT NULL,
  created_at DATETIME(3)  NOT NULL,
  KEY idx_scan_errors_scan (scan_id, created_at)
)`}

// Migrate creates the archive tables when missing.
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, q := range schema {
		if _, err := db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}
