// Package dispatch drives notifications from pending to a terminal state.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/solarwatch/flarealert/internal/controlplane/alerts"
	"github.com/solarwatch/flarealert/internal/controlplane/channels"
	"github.com/solarwatch/flarealert/internal/controlplane/notifications"
	"github.com/solarwatch/flarealert/internal/shared/security"
	"github.com/solarwatch/flarealert/internal/telemetry"
)

// ConfigDeletedReason is recorded when a notification outlives its config.
const ConfigDeletedReason = "alert config deleted"

const (
	defaultWorkers      = 16
	defaultPollInterval = time.Second
	defaultBatchSize    = 64
)

const (
	// DefaultAttemptTimeout bounds one delivery attempt when unset.
	DefaultAttemptTimeout = 15 * time.Second
	// PersistTimeout bounds recording an attempt's outcome.
	PersistTimeout = 5 * time.Second
)

// ConfigLookup resolves the config a notification was raised for.
type ConfigLookup interface {
	Get(ctx context.Context, id string) (alerts.AlertConfig, error)
}

// Observer receives attempt and terminal-state events.
type Observer interface {
	AttemptFinished(ch alerts.Channel, outcome channels.Outcome, elapsed time.Duration)
	NotificationTerminal(ch alerts.Channel, status notifications.Status)
}

type nopObserver struct{}

func (nopObserver) AttemptFinished(alerts.Channel, channels.Outcome, time.Duration) {}
func (nopObserver) NotificationTerminal(alerts.Channel, notifications.Status) {}

// Options tunes the dispatcher. Zero values take defaults.
type Options struct {
	Policy         Policy
	Workers        int
	PollInterval   time.Duration
	BatchSize      int
	AttemptTimeout time.Duration
	Observer       Observer
}

func (o Options) withDefaults() Options {
	if o.Policy == (Policy{}) {
		o.Policy = DefaultPolicy()
	}
	if o.Workers <= 0 {
		o.Workers = defaultWorkers
	}
	if o.PollInterval <= 0 {
		o.PollInterval = defaultPollInterval
	}
	if o.BatchSize <= 0 {
		o.BatchSize = defaultBatchSize
	}
	if o.AttemptTimeout <= 0 {
		o.AttemptTimeout = DefaultAttemptTimeout
	}
	if o.Observer == nil {
		o.Observer = nopObserver{}
	}
	return o
}

// Dispatcher creates notifications for fired candidates and runs delivery
// attempts on a bounded worker pool.
type Dispatcher struct {
	store    notifications.Store
	configs  ConfigLookup
	adapters *channels.Registry
	opts     Options
	logger   *zap.Logger

	now  func() time.Time
	rand func() float64

	sem    chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	stopped bool
	polling bool
	timers  map[string]*time.Timer
}

// New creates a dispatcher. Attempts triggered by Dispatch and Requeue run
// immediately; Start adds the poll loop that picks up everything else.
func New(store notifications.Store, configs ConfigLookup, adapters *channels.Registry, opts Options, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		store:    store,
		configs:  configs,
		adapters: adapters,
		opts:     opts,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		sem:      make(chan struct{}, opts.Workers),
		ctx:      ctx,
		cancel:   cancel,
		timers:   make(map[string]*time.Timer),
	}
}

// Policy returns the retry policy in effect.
func (d *Dispatcher) Policy() Policy { return d.opts.Policy }

// Dispatch records one pending notification per candidate and starts
// delivering them. It returns once the notifications are persisted.
func (d *Dispatcher) Dispatch(ctx context.Context, p alerts.Prediction, candidates []alerts.Candidate) ([]notifications.Notification, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	now := d.now()
	batch := make([]notifications.Notification, 0, len(candidates))
	for _, c := range candidates {
		batch = append(batch, notifications.Notification{
			PredictionID: p.ID,
			ConfigID:     c.Config.ID,
			UserID:       c.Config.OwnerID,
			Channel:      c.Channel,
			MaxAttempts:  d.opts.Policy.MaxAttempts,
			ScheduledAt:  now,
			CreatedAt:    now,
			Prediction:   p,
		})
	}
	created, err := d.store.Create(ctx, batch)
	if err != nil {
		return nil, fmt.Errorf("create notifications: %w", err)
	}
	for _, n := range created {
		d.kick(n.ID)
	}
	return created, nil
}

// Requeue gives a failed notification a fresh budget and schedules it now.
func (d *Dispatcher) Requeue(ctx context.Context, id string) (notifications.Notification, error) {
	n, err := d.store.Requeue(ctx, id, d.opts.Policy.MaxAttempts, d.now())
	if err != nil {
		return notifications.Notification{}, err
	}
	d.logger.Info("notification requeued", zap.String("notification_id", id))
	d.kick(n.ID)
	return n, nil
}

// Start runs the poll loop until Stop. Calling Start twice is a no-op.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	if d.polling || d.stopped {
		d.mu.Unlock()
		return
	}
	d.polling = true
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.opts.PollInterval)
		defer ticker.Stop()
		d.pollOnce()
		for {
			select {
			case <-d.ctx.Done():
				return
			case <-ticker.C:
				d.pollOnce()
			}
		}
	}()
}

// Stop cancels in-flight attempts and waits for workers to exit. An
// attempt interrupted here is released back to pending without using up
// its budget.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	for id, t := range d.timers {
		t.Stop()
		delete(d.timers, id)
	}
	d.mu.Unlock()

	d.cancel()
	d.wg.Wait()
}

// kick tries to run an attempt for id right away. A full pool leaves the
// notification for the next poll.
func (d *Dispatcher) kick(id string) {
	if !d.reserve(1) {
		d.logger.Debug("worker pool full, deferring to poll", zap.String("notification_id", id))
		return
	}
	if !d.track() {
		<-d.sem
		return
	}
	go func() {
		defer d.wg.Done()
		defer func() { <-d.sem }()
		n, err := d.store.Claim(d.ctx, id, d.now())
		if err != nil {
			if !errors.Is(err, notifications.ErrNotClaimable) && !errors.Is(err, notifications.ErrNotFound) && d.ctx.Err() == nil {
				d.logger.Warn("claim notification failed", zap.String("notification_id", id), zap.Error(err))
			}
			return
		}
		d.attempt(d.ctx, n)
	}()
}

func (d *Dispatcher) pollOnce() {
	slots := 0
	for slots < d.opts.BatchSize && d.reserve(1) {
		slots++
	}
	if slots == 0 {
		return
	}
	claimed, err := d.store.ClaimDue(d.ctx, d.now(), slots)
	if err != nil && d.ctx.Err() == nil {
		d.logger.Warn("claim due notifications failed", zap.Error(err))
	}
	for _, n := range claimed {
		if !d.track() {
			break
		}
		slots--
		go func(n notifications.Notification) {
			defer d.wg.Done()
			defer func() { <-d.sem }()
			d.attempt(d.ctx, n)
		}(n)
	}
	for ; slots > 0; slots-- {
		<-d.sem
	}
}

func (d *Dispatcher) reserve(n int) bool {
	for i := 0; i < n; i++ {
		select {
		case d.sem <- struct{}{}:
		default:
			for ; i > 0; i-- {
				<-d.sem
			}
			return false
		}
	}
	return true
}

// track registers a worker goroutine unless the dispatcher is stopped.
func (d *Dispatcher) track() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return false
	}
	d.wg.Add(1)
	return true
}

// attempt runs one claimed attempt and persists its outcome before
// returning, so the next attempt cannot be claimed first.
func (d *Dispatcher) attempt(ctx context.Context, n notifications.Notification) {
	ctx, span := telemetry.StartAttemptSpan(ctx, n.ID, string(n.Channel), n.AttemptCount)

	start := time.Now()
	res := d.deliver(ctx, n)
	d.opts.Observer.AttemptFinished(n.Channel, res.Outcome, time.Since(start))

	reason := ""
	if res.Outcome != channels.Delivered {
		reason = security.Sanitize(res.Reason)
	}
	telemetry.EndAttemptSpan(span, res.Outcome.String(), reason)
	d.record(ctx, n, res)
}

func (d *Dispatcher) deliver(ctx context.Context, n notifications.Notification) channels.Result {
	cfg, err := d.configs.Get(ctx, n.ConfigID)
	if errors.Is(err, alerts.ErrNotFound) {
		return channels.Fail(ConfigDeletedReason)
	}
	if err != nil {
		return channels.Retry("load alert config: %v", err)
	}
	adapter, ok := d.adapters.For(n.Channel)
	if !ok {
		return channels.Fail("no adapter for channel %q", n.Channel)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, d.opts.AttemptTimeout)
	defer cancel()

	done := make(chan channels.Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- channels.Retry("adapter panic: %v", r)
			}
		}()
		done <- adapter.Send(attemptCtx, channels.Delivery{
			Notification: n,
			Config:       cfg,
			TriggeredAt:  n.CreatedAt,
		})
	}()

	select {
	case res := <-done:
		return res
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return channels.Retry("dispatcher stopped")
		}
		return channels.Retry("attempt timed out after %s", d.opts.AttemptTimeout)
	}
}

func (d *Dispatcher) record(ctx context.Context, n notifications.Notification, res channels.Result) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), PersistTimeout)
	defer cancel()

	log := d.logger.With(
		zap.String("notification_id", n.ID),
		zap.String("channel", string(n.Channel)),
		zap.Int("attempt", n.AttemptCount),
		zap.Int("max_attempts", n.MaxAttempts),
	)

	now := d.now()
	reason := security.Reason(res.Reason, security.MaxReasonLen)
	var (
		updated notifications.Notification
		err     error
	)
	switch {
	case res.Outcome == channels.Delivered:
		updated, err = d.store.MarkDelivered(ctx, n.ID, now)
	case res.Outcome == channels.Retryable && d.ctx.Err() != nil:
		updated, err = d.store.Release(ctx, n.ID, now)
		if err == nil {
			log.Info("attempt interrupted by shutdown, released", zap.String("reason", reason))
		}
	case res.Outcome == channels.Retryable && n.AttemptCount < n.MaxAttempts:
		delay := d.opts.Policy.Delay(n.AttemptCount, d.rand)
		updated, err = d.store.MarkRetry(ctx, n.ID, now.Add(delay), reason)
		if err == nil {
			d.scheduleRetry(n.ID, delay)
			log.Info("delivery attempt failed, retry scheduled",
				zap.String("reason", reason),
				zap.Duration("backoff", delay))
		}
	default:
		updated, err = d.store.MarkFailed(ctx, n.ID, now, reason)
	}
	if err != nil {
		log.Error("persist attempt outcome failed", zap.Stringer("outcome", res.Outcome), zap.Error(err))
		return
	}

	if updated.Terminal() {
		d.opts.Observer.NotificationTerminal(updated.Channel, updated.Status)
		if updated.Status == notifications.StatusDelivered {
			log.Info("notification delivered")
		} else {
			log.Warn("notification failed", zap.String("reason", reason))
		}
	}
}

// scheduleRetry wakes the notification when its backoff expires instead of
// waiting for the next poll.
func (d *Dispatcher) scheduleRetry(id string, delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if t, ok := d.timers[id]; ok {
		t.Stop()
	}
	d.timers[id] = time.AfterFunc(delay, func() {
		d.mu.Lock()
		delete(d.timers, id)
		d.mu.Unlock()
		d.kick(id)
	})
}
