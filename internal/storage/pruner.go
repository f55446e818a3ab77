package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts 5-field, 6-field (with seconds) and descriptor
// expressions such as "@hourly".
var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// Prunable is a ledger that can drop entries older than a cutoff. Both
// SQLLedger and agent.MemoryLedger implement it.
type Prunable interface {
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// PrunerConfig configures a Pruner.
type PrunerConfig struct {
	// Schedule is a cron expression. Default: @hourly
	Schedule string
	// Retention is how long entries are kept. Default: 7 days
	Retention time.Duration
	// Timeout bounds one prune run. Default: 1 minute
	Timeout time.Duration

	Logger *slog.Logger
}

// Pruner deletes expired ledger entries on a cron schedule.
type Pruner struct {
	ledger Prunable
	config PrunerConfig
	logger *slog.Logger
	now    func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
}

// NewPruner validates the schedule and returns a stopped pruner.
func NewPruner(ledger Prunable, config PrunerConfig) (*Pruner, error) {
	if ledger == nil {
		return nil, errors.New("ledger is required")
	}
	if strings.TrimSpace(config.Schedule) == "" {
		config.Schedule = "@hourly"
	}
	if _, err := cronParser.Parse(config.Schedule); err != nil {
		return nil, fmt.Errorf("invalid prune schedule %q: %w", config.Schedule, err)
	}
	if config.Retention <= 0 {
		config.Retention = 7 * 24 * time.Hour
	}
	if config.Timeout <= 0 {
		config.Timeout = time.Minute
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pruner{
		ledger: ledger,
		config: config,
		logger: logger.With("component", "ledger-pruner"),
		now:    time.Now,
	}, nil
}

// Start schedules pruning. It is a no-op when already started.
func (p *Pruner) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cron != nil {
		return nil
	}
	c := cron.New(cron.WithParser(cronParser))
	if _, err := c.AddFunc(p.config.Schedule, p.run); err != nil {
		return err
	}
	c.Start()
	p.cron = c
	p.logger.Info("ledger pruning scheduled", "schedule", p.config.Schedule, "retention", p.config.Retention)
	return nil
}

// Stop unschedules pruning and waits for a running prune, bounded by ctx.
func (p *Pruner) Stop(ctx context.Context) {
	p.mu.Lock()
	c := p.cron
	p.cron = nil
	p.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// PruneNow deletes entries older than the retention window.
func (p *Pruner) PruneNow(ctx context.Context) (int64, error) {
	cutoff := p.now().Add(-p.config.Retention)
	return p.ledger.Prune(ctx, cutoff)
}

func (p *Pruner) run() {
	ctx, cancel := context.WithTimeout(context.Background(), p.config.Timeout)
	defer cancel()
	removed, err := p.PruneNow(ctx)
	if err != nil {
		p.logger.Warn("ledger prune failed", "error", err)
		return
	}
	if removed > 0 {
		p.logger.Info("ledger pruned", "removed", removed)
	}
}
