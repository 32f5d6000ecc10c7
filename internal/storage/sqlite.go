package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	logx "taskd/pkg/logx"
)

func init() {
	// modernc registers itself as "sqlite", which sqlx does not know.
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

var sqliteDialect = dialect{
	name: "sqlite",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS task_instance (
			id              TEXT PRIMARY KEY,
			task_name       TEXT NOT NULL,
			kind            TEXT NOT NULL,
			payload         BLOB,
			payload_type    TEXT NOT NULL DEFAULT '',
			correlation_id  TEXT NOT NULL DEFAULT '',
			repeat_count    INTEGER NOT NULL DEFAULT 0,
			failure_count   INTEGER NOT NULL DEFAULT 0,
			next_run_at     INTEGER NOT NULL,
			lock_owner      TEXT NOT NULL DEFAULT '',
			lock_expires_at INTEGER NOT NULL DEFAULT 0,
			created_at      INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_task_instance_due ON task_instance (next_run_at)`,
		`CREATE INDEX IF NOT EXISTS idx_task_instance_name ON task_instance (task_name)`,
	},
	insertPrefix: "INSERT INTO",
	insertSuffix: " ON CONFLICT (id) DO NOTHING",
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("sqlite dsn is required")
	}
	if !strings.HasPrefix(dsn, "file:") && dsn != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; one connection also keeps in-memory
	// databases alive between statements.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st, err := newSQLStore(context.Background(), db, sqliteDialect, log)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}
