package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/haasonsaas/parley/pkg/models"
)

// Registry holds the configured connectors, at most one per channel type.
type Registry struct {
	mu         sync.RWMutex
	connectors map[models.ChannelType]Connector
	started    []Connector
	logger     *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		connectors: make(map[models.ChannelType]Connector),
		logger:     logger.With("component", "channels"),
	}
}

// Register adds a connector, replacing any earlier one of the same type.
func (r *Registry) Register(c Connector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectors[c.Type()] = c
}

// Get returns the connector for a channel type.
func (r *Registry) Get(t models.ChannelType) (Connector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connectors[t]
	return c, ok
}

// All returns the connectors ordered by channel type.
func (r *Registry) All() []Connector {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Connector, 0, len(r.connectors))
	for _, c := range r.connectors {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type() < out[j].Type() })
	return out
}

// StartAll starts every connector. A connector that fails to start is
// logged and skipped; the joined errors are returned after the rest have
// been started.
func (r *Registry) StartAll(ctx context.Context) error {
	var errs []error
	for _, c := range r.All() {
		if err := c.Start(ctx); err != nil {
			r.logger.Error("connector failed to start", "channel", c.Type(), "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", c.Type(), err))
			continue
		}
		r.mu.Lock()
		r.started = append(r.started, c)
		r.mu.Unlock()
		r.logger.Info("connector started", "channel", c.Type())
	}
	return errors.Join(errs...)
}

// StopAll stops the connectors started by StartAll, in reverse order.
func (r *Registry) StopAll(ctx context.Context) error {
	r.mu.Lock()
	started := r.started
	r.started = nil
	r.mu.Unlock()

	var errs []error
	for i := len(started) - 1; i >= 0; i-- {
		if err := started[i].Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", started[i].Type(), err))
		}
	}
	return errors.Join(errs...)
}

// Statuses reports the status of every connector by channel type.
func (r *Registry) Statuses() map[models.ChannelType]Status {
	out := make(map[models.ChannelType]Status)
	for _, c := range r.All() {
		out[c.Type()] = c.Status()
	}
	return out
}
