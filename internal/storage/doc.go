// Package storage persists task instances: one row per in-flight unit of work.
//
// Backends:
//   - "sqlite": modernc.org/sqlite file or in-memory database
//   - "postgres": github.com/lib/pq
//   - "mysql": github.com/go-sql-driver/mysql
//   - "memory": process-local map, not durable
//
// Claims are leases. Every write-back names the lease owner and fails with
// ErrLeaseLost when another owner has since claimed the row.
package storage
