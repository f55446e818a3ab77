package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/haasonsaas/parley/internal/agent"
)

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS tool_executions (
	call_id      TEXT PRIMARY KEY,
	tool_name    TEXT NOT NULL,
	result       TEXT,
	claimed_at   BIGINT NOT NULL,
	completed_at BIGINT
)`

const ledgerIndex = `CREATE INDEX IF NOT EXISTS tool_executions_claimed_at ON tool_executions (claimed_at)`

// SQLLedger is an agent.ExecutionLedger backed by SQLite or PostgreSQL
// (including CockroachDB). A call id is claimed by inserting its row, so the
// at-most-once guarantee holds across processes sharing the database.
type SQLLedger struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

// OpenLedger opens the database described by config, applies the schema and
// returns a ledger that owns the connection.
func OpenLedger(ctx context.Context, config *DBConfig) (*SQLLedger, error) {
	if config == nil {
		return nil, errors.New("database config is required")
	}
	config = config.withDefaults()

	driver, dsn, err := config.driver()
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	ledger := NewSQLLedger(db, config.Dialect)
	if err := ledger.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return ledger, nil
}

// NewSQLLedger wraps an open database. The caller owns schema setup; see
// Migrate.
func NewSQLLedger(db *sql.DB, dialect Dialect) *SQLLedger {
	return &SQLLedger{db: db, dialect: dialect, now: time.Now}
}

// Migrate creates the ledger table if it does not exist.
func (l *SQLLedger) Migrate(ctx context.Context) error {
	for _, stmt := range []string{ledgerSchema, ledgerIndex} {
		if _, err := l.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate ledger: %w", err)
		}
	}
	return nil
}

// Close releases database resources.
func (l *SQLLedger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

func (l *SQLLedger) Claim(ctx context.Context, callID, toolName string) (bool, *agent.LedgerEntry, error) {
	res, err := l.db.ExecContext(ctx, l.rebind(`
		INSERT INTO tool_executions (call_id, tool_name, claimed_at)
		VALUES (?, ?, ?)
		ON CONFLICT (call_id) DO NOTHING
	`), callID, toolName, l.now().UnixNano())
	if err != nil {
		return false, nil, fmt.Errorf("claim tool call: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, nil, fmt.Errorf("claim tool call: %w", err)
	}
	if n == 1 {
		return true, nil, nil
	}

	prior, err := l.get(ctx, callID)
	if err != nil {
		return false, nil, err
	}
	return false, prior, nil
}

func (l *SQLLedger) get(ctx context.Context, callID string) (*agent.LedgerEntry, error) {
	var (
		entry       agent.LedgerEntry
		result      sql.NullString
		claimedAt   int64
		completedAt sql.NullInt64
	)
	err := l.db.QueryRowContext(ctx, l.rebind(`
		SELECT call_id, tool_name, result, claimed_at, completed_at
		FROM tool_executions
		WHERE call_id = ?
	`), callID).Scan(&entry.CallID, &entry.ToolName, &result, &claimedAt, &completedAt)
	if err != nil {
		return nil, fmt.Errorf("load tool call: %w", err)
	}

	entry.ClaimedAt = time.Unix(0, claimedAt)
	if completedAt.Valid {
		entry.CompletedAt = time.Unix(0, completedAt.Int64)
	}
	if result.Valid && result.String != "" {
		var r agent.ToolResult
		if err := json.Unmarshal([]byte(result.String), &r); err != nil {
			return nil, fmt.Errorf("decode tool result: %w", err)
		}
		entry.Result = &r
	}
	return &entry, nil
}

func (l *SQLLedger) Complete(ctx context.Context, callID string, result *agent.ToolResult) error {
	var payload sql.NullString
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("encode tool result: %w", err)
		}
		payload = sql.NullString{String: string(data), Valid: true}
	}

	now := l.now().UnixNano()
	res, err := l.db.ExecContext(ctx, l.rebind(`
		UPDATE tool_executions
		SET result = ?, completed_at = ?
		WHERE call_id = ?
	`), payload, now, callID)
	if err != nil {
		return fmt.Errorf("complete tool call: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}

	// Completing an unclaimed call records it so it can never run again.
	_, err = l.db.ExecContext(ctx, l.rebind(`
		INSERT INTO tool_executions (call_id, tool_name, result, claimed_at, completed_at)
		VALUES (?, '', ?, ?, ?)
		ON CONFLICT (call_id) DO NOTHING
	`), callID, payload, now, now)
	if err != nil {
		return fmt.Errorf("complete tool call: %w", err)
	}
	return nil
}

func (l *SQLLedger) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx, l.rebind(`DELETE FROM tool_executions WHERE claimed_at < ?`), cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune ledger: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune ledger: %w", err)
	}
	return n, nil
}

// rebind converts ? placeholders to $n for PostgreSQL.
func (l *SQLLedger) rebind(query string) string {
	if l.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

var _ agent.ExecutionLedger = (*SQLLedger)(nil)
