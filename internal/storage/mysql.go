package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"

	logx "taskd/pkg/logx"
)

var mysqlDialect = dialect{
	name: "mysql",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS task_instance (
			id              VARCHAR(191) NOT NULL PRIMARY KEY,
			task_name       VARCHAR(191) NOT NULL,
			kind            VARCHAR(16) NOT NULL,
			payload         LONGBLOB,
			payload_type    VARCHAR(255) NOT NULL DEFAULT '',
			correlation_id  VARCHAR(191) NOT NULL DEFAULT '',
			repeat_count    INT NOT NULL DEFAULT 0,
			failure_count   INT NOT NULL DEFAULT 0,
			next_run_at     BIGINT NOT NULL,
			lock_owner      VARCHAR(191) NOT NULL DEFAULT '',
			lock_expires_at BIGINT NOT NULL DEFAULT 0,
			created_at      BIGINT NOT NULL,
			INDEX idx_task_instance_due (next_run_at),
			INDEX idx_task_instance_name (task_name)
		)`,
	},
	insertPrefix: "INSERT IGNORE INTO",
}

func openMySQL(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("mysql dsn is required")
	}
	mc, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("mysql dsn: %w", err)
	}
	// Owner-guarded writes count matched rows, not changed ones; a renew with
	// an unchanged expiry must not read as a lost lease.
	mc.ClientFoundRows = true

	db, err := sqlx.Open("mysql", mc.FormatDSN())
	if err != nil {
		return nil, err
	}
	st, err := newSQLStore(context.Background(), db, mysqlDialect, log)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}
