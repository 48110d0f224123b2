// Package pg is the optional Postgres audit mirror (config.DatabaseConfig):
// a write-through, best-effort copy of sender trust changes and delivery
// outcomes into durable, queryable storage, alongside (never instead of)
// the JSON/JSONL files internal/state writes on every host. Nothing in
// this daemon reads state back out of Postgres — it exists purely so an
// operator running a fleet of daemons can audit sender approvals and
// delivery history from one place.
package pg

import (
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// OpenDB opens a connection pool against dsn using the pgx stdlib driver,
// the same sql.Open("pgx", dsn) pattern the teacher's cmd/migrate.go and
// cmd/doctor.go use for their own Postgres connectivity checks.
func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}
