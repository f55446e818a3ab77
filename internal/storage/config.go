package storage

import (
	"fmt"
	"strings"
	"time"
)

// Dialect selects SQL placeholder style and driver.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// DBConfig describes the ledger database and its connection pool.
type DBConfig struct {
	Dialect Dialect

	// DSN is a file path (or "file:" URI) for SQLite and a connection URL
	// for PostgreSQL/CockroachDB.
	DSN string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultDBConfig returns an in-memory SQLite configuration.
func DefaultDBConfig() *DBConfig {
	return &DBConfig{
		Dialect: DialectSQLite,
		DSN:     "file::memory:?cache=shared",
	}
}

func (c *DBConfig) withDefaults() *DBConfig {
	out := *c
	if out.Dialect == "" {
		out.Dialect = DialectSQLite
	}
	if out.MaxOpenConns <= 0 {
		out.MaxOpenConns = 10
		if out.Dialect == DialectSQLite {
			// SQLite serializes writers; one connection avoids SQLITE_BUSY.
			out.MaxOpenConns = 1
		}
	}
	if out.MaxIdleConns <= 0 {
		out.MaxIdleConns = min(5, out.MaxOpenConns)
	}
	if out.ConnMaxLifetime <= 0 {
		out.ConnMaxLifetime = 5 * time.Minute
	}
	if out.ConnMaxIdleTime <= 0 {
		out.ConnMaxIdleTime = 2 * time.Minute
	}
	if out.ConnectTimeout <= 0 {
		out.ConnectTimeout = 10 * time.Second
	}
	return &out
}

func (c *DBConfig) driver() (string, string, error) {
	dsn := strings.TrimSpace(c.DSN)
	if dsn == "" {
		return "", "", fmt.Errorf("dsn is required")
	}
	switch c.Dialect {
	case DialectSQLite:
		return "sqlite", dsn, nil
	case DialectPostgres:
		return "postgres", dsn, nil
	default:
		return "", "", fmt.Errorf("unsupported database dialect %q", c.Dialect)
	}
}

// ParseDialect maps config spellings onto a Dialect.
func ParseDialect(name string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "sqlite", "sqlite3":
		return DialectSQLite, nil
	case "postgres", "postgresql", "cockroach", "cockroachdb":
		return DialectPostgres, nil
	default:
		return "", fmt.Errorf("unsupported database dialect %q", name)
	}
}
