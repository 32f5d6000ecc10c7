package storage

import (
	"errors"
	"strings"

	logx "taskd/pkg/logx"
)

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "memory":
		log.Warn("memory storage is not durable; instances are lost on exit")
		return NewMemory(), nil
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "postgres", "postgresql":
		return openPostgres(cfg, log)
	case "mysql":
		return openMySQL(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
