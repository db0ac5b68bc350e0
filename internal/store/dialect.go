package store

import (
	"fmt"
	"strings"
	"time"
)

// Dialect abstracts the SQL that differs between backends.
type Dialect interface {
	// DriverName returns the database/sql driver name.
	DriverName() string

	// DSN turns a configured path or connection string into a driver DSN.
	DSN(pathOrConnStr string, busyTimeout time.Duration) string

	// Rebind rewrites '?' placeholders into the dialect's syntax.
	Rebind(query string) string

	// ContainsSQL returns a predicate testing whether column contains the
	// next bound parameter as a substring, case-sensitively.
	ContainsSQL(column string) string

	// SchemaSQL returns the DDL statements creating tables and indexes.
	SchemaSQL() []string
}

// SQLiteDialect implements Dialect for modernc.org/sqlite.
type SQLiteDialect struct{}

func (d *SQLiteDialect) DriverName() string               { return "sqlite" }
func (d *SQLiteDialect) Rebind(query string) string       { return query }
func (d *SQLiteDialect) ContainsSQL(column string) string { return fmt.Sprintf("instr(%s, ?) > 0", column) }

// DSN enables foreign keys on every pooled connection so session deletes
// cascade, and sets WAL mode and the busy timeout.
func (d *SQLiteDialect) DSN(path string, busyTimeout time.Duration) string {
	return fmt.Sprintf(
		"file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(%d)",
		path, busyTimeout.Milliseconds())
}

func (d *SQLiteDialect) SchemaSQL() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			natural_key TEXT NOT NULL UNIQUE,
			beacon_id TEXT NOT NULL DEFAULT '',
			ip TEXT NOT NULL DEFAULT '',
			ip_ext TEXT NOT NULL DEFAULT '',
			hostname TEXT NOT NULL DEFAULT '',
			username TEXT NOT NULL DEFAULT '',
			process TEXT NOT NULL DEFAULT '',
			pid TEXT NOT NULL DEFAULT '',
			os TEXT NOT NULL DEFAULT '',
			version TEXT NOT NULL DEFAULT '',
			build TEXT NOT NULL DEFAULT '',
			arch TEXT NOT NULL DEFAULT '',
			timezone TEXT NOT NULL DEFAULT '',
			day_prefix TEXT NOT NULL DEFAULT '',
			tool TEXT NOT NULL DEFAULT '',
			joined TEXT NOT NULL DEFAULT '',
			exited TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id INTEGER NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			ts TEXT NOT NULL,
			timezone TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			operator TEXT NOT NULL DEFAULT '',
			technique TEXT NOT NULL DEFAULT '',
			UNIQUE (ts, timezone, type, session_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_entries_session ON entries (session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_entries_type ON entries (type)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_ip ON sessions (ip)`,
	}
}

// PostgresDialect implements Dialect for the pgx stdlib driver.
type PostgresDialect struct{}

func (d *PostgresDialect) DriverName() string { return "pgx" }

func (d *PostgresDialect) DSN(connStr string, _ time.Duration) string { return connStr }

func (d *PostgresDialect) ContainsSQL(column string) string {
	return fmt.Sprintf("strpos(%s, ?) > 0", column)
}

// Rebind numbers placeholders as $1, $2, ... in order of appearance.
func (d *PostgresDialect) Rebind(query string) string {
	var sb strings.Builder
	sb.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&sb, "$%d", n)
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func (d *PostgresDialect) SchemaSQL() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id BIGSERIAL PRIMARY KEY,
			natural_key TEXT NOT NULL UNIQUE,
			beacon_id TEXT NOT NULL DEFAULT '',
			ip TEXT NOT NULL DEFAULT '',
			ip_ext TEXT NOT NULL DEFAULT '',
			hostname TEXT NOT NULL DEFAULT '',
			username TEXT NOT NULL DEFAULT '',
			process TEXT NOT NULL DEFAULT '',
			pid TEXT NOT NULL DEFAULT '',
			os TEXT NOT NULL DEFAULT '',
			version TEXT NOT NULL DEFAULT '',
			build TEXT NOT NULL DEFAULT '',
			arch TEXT NOT NULL DEFAULT '',
			timezone TEXT NOT NULL DEFAULT '',
			day_prefix TEXT NOT NULL DEFAULT '',
			tool TEXT NOT NULL DEFAULT '',
			joined TEXT NOT NULL DEFAULT '',
			exited TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			id BIGSERIAL PRIMARY KEY,
			session_id BIGINT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			ts TEXT NOT NULL,
			timezone TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			operator TEXT NOT NULL DEFAULT '',
			technique TEXT NOT NULL DEFAULT '',
			UNIQUE (ts, timezone, type, session_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_entries_session ON entries (session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_entries_type ON entries (type)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_ip ON sessions (ip)`,
	}
}
