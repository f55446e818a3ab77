package storage

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/haasonsaas/parley/internal/agent"
)

func openTestLedger(t *testing.T) *SQLLedger {
	t.Helper()
	ledger, err := OpenLedger(context.Background(), &DBConfig{
		Dialect: DialectSQLite,
		DSN:     filepath.Join(t.TempDir(), "ledger.db"),
	})
	if err != nil {
		t.Fatalf("OpenLedger: %v", err)
	}
	t.Cleanup(func() { _ = ledger.Close() })
	return ledger
}

func TestSQLLedger_ClaimOnce(t *testing.T) {
	ledger := openTestLedger(t)
	ctx := context.Background()

	claimed, prior, err := ledger.Claim(ctx, "c1", "write_file")
	if err != nil || !claimed || prior != nil {
		t.Fatalf("first Claim = %v, %+v, %v", claimed, prior, err)
	}

	claimed, prior, err = ledger.Claim(ctx, "c1", "write_file")
	if err != nil {
		t.Fatalf("second Claim: %v", err)
	}
	if claimed {
		t.Fatal("second claim must fail")
	}
	if prior == nil || prior.ToolName != "write_file" || prior.Result != nil {
		t.Errorf("unexpected prior entry %+v", prior)
	}
}

func TestSQLLedger_ConcurrentClaims(t *testing.T) {
	ledger := openTestLedger(t)
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, _, err := ledger.Claim(context.Background(), "shared", "run_command")
			if err != nil {
				t.Errorf("Claim: %v", err)
				return
			}
			if claimed {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if winners != 1 {
		t.Errorf("%d goroutines claimed the call, want 1", winners)
	}
}

func TestSQLLedger_CompleteAndReplay(t *testing.T) {
	ledger := openTestLedger(t)
	ctx := context.Background()

	if _, _, err := ledger.Claim(ctx, "c1", "read_file"); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := ledger.Complete(ctx, "c1", &agent.ToolResult{Content: "hello", IsError: true}); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	_, prior, err := ledger.Claim(ctx, "c1", "read_file")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if prior.Result == nil || prior.Result.Content != "hello" || !prior.Result.IsError {
		t.Errorf("unexpected replayed result %+v", prior.Result)
	}
	if prior.CompletedAt.IsZero() {
		t.Error("CompletedAt not recorded")
	}

	// Completing an unclaimed call still blocks future claims.
	if err := ledger.Complete(ctx, "orphan", &agent.ToolResult{Content: "x"}); err != nil {
		t.Fatalf("Complete orphan: %v", err)
	}
	if claimed, _, _ := ledger.Claim(ctx, "orphan", "x"); claimed {
		t.Error("orphan completion should block claims")
	}
}

func TestSQLLedger_Prune(t *testing.T) {
	ledger := openTestLedger(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	ledger.now = func() time.Time { return base }
	_, _, _ = ledger.Claim(ctx, "old", "t")
	ledger.now = func() time.Time { return base.Add(48 * time.Hour) }
	_, _, _ = ledger.Claim(ctx, "new", "t")

	removed, err := ledger.Prune(ctx, base.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed %d entries, want 1", removed)
	}
	if claimed, _, _ := ledger.Claim(ctx, "old", "t"); !claimed {
		t.Error("pruned call id should be claimable again")
	}
	if claimed, _, _ := ledger.Claim(ctx, "new", "t"); claimed {
		t.Error("recent entry should survive pruning")
	}
}

func setupMockLedger(t *testing.T, dialect Dialect) (*SQLLedger, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewSQLLedger(db, dialect), mock
}

func TestSQLLedger_Errors(t *testing.T) {
	tests := []struct {
		name        string
		setupMock   func(sqlmock.Sqlmock)
		run         func(*SQLLedger) error
		errContains string
	}{
		{
			name: "claim insert fails",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("INSERT INTO tool_executions").WillReturnError(errors.New("connection refused"))
			},
			run: func(l *SQLLedger) error {
				_, _, err := l.Claim(context.Background(), "c1", "t")
				return err
			},
			errContains: "claim tool call",
		},
		{
			name: "prior lookup fails",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("INSERT INTO tool_executions").WillReturnResult(sqlmock.NewResult(0, 0))
				mock.ExpectQuery("SELECT call_id").WillReturnError(sql.ErrConnDone)
			},
			run: func(l *SQLLedger) error {
				_, _, err := l.Claim(context.Background(), "c1", "t")
				return err
			},
			errContains: "load tool call",
		},
		{
			name: "corrupt stored result",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("INSERT INTO tool_executions").WillReturnResult(sqlmock.NewResult(0, 0))
				mock.ExpectQuery("SELECT call_id").WillReturnRows(
					sqlmock.NewRows([]string{"call_id", "tool_name", "result", "claimed_at", "completed_at"}).
						AddRow("c1", "t", "{not json", int64(1), int64(2)))
			},
			run: func(l *SQLLedger) error {
				_, _, err := l.Claim(context.Background(), "c1", "t")
				return err
			},
			errContains: "decode tool result",
		},
		{
			name: "complete fails",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("UPDATE tool_executions").WillReturnError(errors.New("disk full"))
			},
			run: func(l *SQLLedger) error {
				return l.Complete(context.Background(), "c1", &agent.ToolResult{Content: "x"})
			},
			errContains: "complete tool call",
		},
		{
			name: "prune fails",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("DELETE FROM tool_executions").WillReturnError(errors.New("locked"))
			},
			run: func(l *SQLLedger) error {
				_, err := l.Prune(context.Background(), time.Now())
				return err
			},
			errContains: "prune ledger",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ledger, mock := setupMockLedger(t, DialectSQLite)
			tt.setupMock(mock)
			err := tt.run(ledger)
			if err == nil || !strings.Contains(err.Error(), tt.errContains) {
				t.Errorf("error = %v, want containing %q", err, tt.errContains)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unmet expectations: %v", err)
			}
		})
	}
}

func TestSQLLedger_PostgresPlaceholders(t *testing.T) {
	ledger, mock := setupMockLedger(t, DialectPostgres)
	mock.ExpectExec(`DELETE FROM tool_executions WHERE claimed_at < \$1`).
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 3))

	removed, err := ledger.Prune(context.Background(), time.Now())
	if err != nil || removed != 3 {
		t.Fatalf("Prune = %d, %v", removed, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}

	if got := ledger.rebind("VALUES (?, ?, ?)"); got != "VALUES ($1, $2, $3)" {
		t.Errorf("rebind = %q", got)
	}
}

func TestParseDialect(t *testing.T) {
	for in, want := range map[string]Dialect{"": DialectSQLite, "SQLite3": DialectSQLite, "cockroachdb": DialectPostgres, "postgresql": DialectPostgres} {
		if got, err := ParseDialect(in); err != nil || got != want {
			t.Errorf("ParseDialect(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseDialect("mysql"); err == nil {
		t.Error("expected error for mysql")
	}
	if _, err := OpenLedger(context.Background(), &DBConfig{Dialect: DialectSQLite}); err == nil {
		t.Error("expected error for empty DSN")
	}
}
