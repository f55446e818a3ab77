package agent

import (
	"context"
	"sync"
	"time"
)

// LedgerEntry records one claimed tool call.
type LedgerEntry struct {
	CallID      string
	ToolName    string
	Result      *ToolResult // nil until Complete, or forever if the run died
	ClaimedAt   time.Time
	CompletedAt time.Time
}

// ExecutionLedger guarantees a tool call runs at most once, across turns and,
// for persistent implementations, across restarts.
type ExecutionLedger interface {
	// Claim marks callID as started. claimed is false when the id was
	// claimed before; prior then holds the earlier entry.
	Claim(ctx context.Context, callID, toolName string) (claimed bool, prior *LedgerEntry, err error)

	// Complete records the result of a claimed call.
	Complete(ctx context.Context, callID string, result *ToolResult) error

	// Prune removes entries claimed before cutoff and returns how many were
	// removed.
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// MemoryLedger is the in-process ExecutionLedger.
type MemoryLedger struct {
	mu      sync.Mutex
	entries map[string]*LedgerEntry
	now     func() time.Time
}

// NewMemoryLedger creates an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		entries: make(map[string]*LedgerEntry),
		now:     time.Now,
	}
}

func (l *MemoryLedger) Claim(ctx context.Context, callID, toolName string) (bool, *LedgerEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if existing, ok := l.entries[callID]; ok {
		entry := *existing
		return false, &entry, nil
	}
	l.entries[callID] = &LedgerEntry{
		CallID:    callID,
		ToolName:  toolName,
		ClaimedAt: l.now(),
	}
	return true, nil, nil
}

func (l *MemoryLedger) Complete(ctx context.Context, callID string, result *ToolResult) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[callID]
	if !ok {
		entry = &LedgerEntry{CallID: callID, ClaimedAt: l.now()}
		l.entries[callID] = entry
	}
	if result != nil {
		r := *result
		entry.Result = &r
	}
	entry.CompletedAt = l.now()
	return nil
}

func (l *MemoryLedger) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var removed int64
	for id, entry := range l.entries {
		if entry.ClaimedAt.Before(cutoff) {
			delete(l.entries, id)
			removed++
		}
	}
	return removed, nil
}
