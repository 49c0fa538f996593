// Package maintenance runs periodic housekeeping over the notification
// store on a cron schedule.
package maintenance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/zapr"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/solarwatch/flarealert/internal/controlplane/notifications"
)

const (
	defaultRecoverSchedule = "@every 1m"
	defaultPruneSchedule   = "30 3 * * *"
	defaultClaimLease      = 5 * time.Minute
	defaultRetention       = 30 * 24 * time.Hour
	sweepTimeout           = time.Minute
)

// Store is the subset of notifications.Store maintenance needs.
type Store interface {
	RecoverStale(ctx context.Context, claimedBefore, now time.Time) (notifications.RecoveryResult, error)
	PruneTerminal(ctx context.Context, before time.Time) (int, error)
}

// Options configures the sweeps. Zero values take defaults; a negative
// Retention disables pruning.
type Options struct {
	RecoverSchedule string        `yaml:"recover_schedule"`
	ClaimLease      time.Duration `yaml:"claim_lease"`
	PruneSchedule   string        `yaml:"prune_schedule"`
	Retention       time.Duration `yaml:"retention"`
}

// DefaultOptions recovers every minute and prunes nightly after 30 days.
func DefaultOptions() Options { return Options{}.withDefaults() }

func (o Options) withDefaults() Options {
	if o.RecoverSchedule == "" {
		o.RecoverSchedule = defaultRecoverSchedule
	}
	if o.ClaimLease <= 0 {
		o.ClaimLease = defaultClaimLease
	}
	if o.PruneSchedule == "" {
		o.PruneSchedule = defaultPruneSchedule
	}
	if o.Retention == 0 {
		o.Retention = defaultRetention
	}
	return o
}

// Runner owns the cron scheduler.
type Runner struct {
	store  Store
	opts   Options
	logger *zap.Logger
	cron   *cron.Cron
	now    func() time.Time

	mu      sync.Mutex
	started bool
}

// New validates the schedules and registers the sweeps. Nothing runs until
// Start.
func New(store Store, opts Options, logger *zap.Logger) (*Runner, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = opts.withDefaults()
	cronLog := zapr.NewLogger(logger.Named("cron"))
	r := &Runner{
		store:  store,
		opts:   opts,
		logger: logger.With(zap.String("component", "maintenance")),
		cron: cron.New(
			cron.WithLogger(cronLog),
			cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
		),
		now: func() time.Time { return time.Now().UTC() },
	}

	if _, err := r.cron.AddFunc(opts.RecoverSchedule, r.runRecover); err != nil {
		return nil, fmt.Errorf("recover schedule %q: %w", opts.RecoverSchedule, err)
	}
	if opts.Retention > 0 {
		if _, err := r.cron.AddFunc(opts.PruneSchedule, r.runPrune); err != nil {
			return nil, fmt.Errorf("prune schedule %q: %w", opts.PruneSchedule, err)
		}
	}
	return r, nil
}

// Start runs the scheduler in the background. Calling it twice is a no-op.
func (r *Runner) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true
	r.cron.Start()
	r.logger.Info("maintenance scheduler started",
		zap.String("recover_schedule", r.opts.RecoverSchedule),
		zap.Duration("claim_lease", r.opts.ClaimLease),
		zap.String("prune_schedule", r.opts.PruneSchedule),
		zap.Duration("retention", r.opts.Retention))
}

// Stop stops scheduling and waits for a running sweep or ctx.
func (r *Runner) Stop(ctx context.Context) {
	done := r.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

// RecoverStale releases claims older than the lease. Claims that still
// have budget return to pending; the rest fail as abandoned.
func (r *Runner) RecoverStale(ctx context.Context) (notifications.RecoveryResult, error) {
	now := r.now()
	res, err := r.store.RecoverStale(ctx, now.Add(-r.opts.ClaimLease), now)
	if err != nil {
		return res, fmt.Errorf("recover stale claims: %w", err)
	}
	if res.Requeued > 0 || res.Failed > 0 {
		r.logger.Warn("recovered abandoned claims",
			zap.Int("requeued", res.Requeued),
			zap.Int("failed", res.Failed))
	}
	return res, nil
}

// PruneTerminal deletes delivered and failed notifications past retention.
func (r *Runner) PruneTerminal(ctx context.Context) (int, error) {
	if r.opts.Retention <= 0 {
		return 0, nil
	}
	removed, err := r.store.PruneTerminal(ctx, r.now().Add(-r.opts.Retention))
	if err != nil {
		return 0, fmt.Errorf("prune terminal notifications: %w", err)
	}
	if removed > 0 {
		r.logger.Info("pruned terminal notifications", zap.Int("removed", removed))
	}
	return removed, nil
}

func (r *Runner) runRecover() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()
	if _, err := r.RecoverStale(ctx); err != nil {
		r.logger.Error("recovery sweep failed", zap.Error(err))
	}
}

func (r *Runner) runPrune() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()
	if _, err := r.PruneTerminal(ctx); err != nil {
		r.logger.Error("prune sweep failed", zap.Error(err))
	}
}
