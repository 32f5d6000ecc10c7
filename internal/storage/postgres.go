package storage

import (
	"context"
	"errors"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	logx "taskd/pkg/logx"
)

var postgresDialect = dialect{
	name: "postgres",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS task_instance (
			id              TEXT PRIMARY KEY,
			task_name       TEXT NOT NULL,
			kind            TEXT NOT NULL,
			payload         BYTEA,
			payload_type    TEXT NOT NULL DEFAULT '',
			correlation_id  TEXT NOT NULL DEFAULT '',
			repeat_count    INTEGER NOT NULL DEFAULT 0,
			failure_count   INTEGER NOT NULL DEFAULT 0,
			next_run_at     BIGINT NOT NULL,
			lock_owner      TEXT NOT NULL DEFAULT '',
			lock_expires_at BIGINT NOT NULL DEFAULT 0,
			created_at      BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_task_instance_due ON task_instance (next_run_at)`,
		`CREATE INDEX IF NOT EXISTS idx_task_instance_name ON task_instance (task_name)`,
	},
	insertPrefix: "INSERT INTO",
	insertSuffix: " ON CONFLICT (id) DO NOTHING",
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	st, err := newSQLStore(context.Background(), db, postgresDialect, log)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}
