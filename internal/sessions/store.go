package sessions

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/haasonsaas/parley/pkg/models"
)

var (
	// ErrNotFound is returned by Load when no record exists for the id.
	ErrNotFound = errors.New("session not found")

	// ErrInvalidID is returned for ids that cannot name a record.
	ErrInvalidID = errors.New("invalid session id")
)

// ScopeKind selects a partition of the store.
type ScopeKind string

const (
	// ScopeConversations holds sessions created from the local UI.
	ScopeConversations ScopeKind = "conversations"
	// ScopeGateway holds sessions keyed by external channel identity.
	ScopeGateway ScopeKind = "gateway"
)

// DefaultWorkspace is used when a scope names no workspace.
const DefaultWorkspace = "default"

// Scope addresses one partition: a kind within a workspace.
type Scope struct {
	Kind      ScopeKind
	Workspace string
}

// UIScope returns the conversation partition of a workspace.
func UIScope(workspace string) Scope {
	return Scope{Kind: ScopeConversations, Workspace: workspace}
}

// GatewayScope returns the gateway partition of a workspace.
func GatewayScope(workspace string) Scope {
	return Scope{Kind: ScopeGateway, Workspace: workspace}
}

// Normalized fills defaults and validates the kind.
func (s Scope) Normalized() (Scope, error) {
	switch s.Kind {
	case "":
		s.Kind = ScopeConversations
	case ScopeConversations, ScopeGateway:
	default:
		return s, fmt.Errorf("unknown scope kind %q", s.Kind)
	}
	s.Workspace = strings.TrimSpace(s.Workspace)
	if s.Workspace == "" {
		s.Workspace = DefaultWorkspace
	}
	return s, nil
}

// ParseScopeKind maps user input to a ScopeKind.
func ParseScopeKind(s string) (ScopeKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "ui", "conversations", "conversation":
		return ScopeConversations, nil
	case "gateway", "gw":
		return ScopeGateway, nil
	}
	return "", fmt.Errorf("unknown scope %q", s)
}

// Store is the interface for session persistence.
//
// Implementations hand out snapshots: sessions returned by Load are never
// shared with the store or with other callers.
type Store interface {
	// List returns the sessions of a scope, most recently updated first.
	// Unreadable records are skipped.
	List(ctx context.Context, scope Scope) ([]*models.SessionMeta, error)

	// Load returns the session or ErrNotFound.
	Load(ctx context.Context, scope Scope, id string) (*models.Session, error)

	// Save overwrites the full record atomically.
	Save(ctx context.Context, scope Scope, session *models.Session) error

	// Delete removes the record. removed is false when it was already
	// absent, which is not an error.
	Delete(ctx context.Context, scope Scope, id string) (removed bool, err error)
}

// sortMetas orders by UpdatedAt descending, then by id for stability.
func sortMetas(metas []*models.SessionMeta) {
	sort.Slice(metas, func(i, j int) bool {
		if !metas[i].UpdatedAt.Equal(metas[j].UpdatedAt) {
			return metas[i].UpdatedAt.After(metas[j].UpdatedAt)
		}
		return metas[i].ID < metas[j].ID
	})
}

func validateID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidID)
	}
	return nil
}
