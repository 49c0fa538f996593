package notifications

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/solarwatch/flarealert/internal/controlplane/alerts"
)

// Store persists notifications and executes their state transitions
// atomically. Claim and ClaimDue are the only way into sending, so a store
// guarantees at most one in-flight attempt per notification.
type Store interface {
	// Create inserts new pending notifications. Entries whose (prediction,
	// config, channel) already exists are skipped; only inserted
	// notifications are returned.
	Create(ctx context.Context, batch []Notification) ([]Notification, error)
	Get(ctx context.Context, id string) (Notification, error)
	List(ctx context.Context, f Filter) ([]Notification, error)

	// Claim moves one due pending notification to sending and counts the
	// attempt. It returns ErrNotClaimable when someone else holds it.
	Claim(ctx context.Context, id string, now time.Time) (Notification, error)
	// ClaimDue claims up to limit due pending notifications.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]Notification, error)

	MarkDelivered(ctx context.Context, id string, at time.Time) (Notification, error)
	// MarkRetry returns a sending notification to pending for a later attempt.
	MarkRetry(ctx context.Context, id string, next time.Time, reason string) (Notification, error)
	// MarkFailed ends a sending notification. Unused budget is forfeited.
	MarkFailed(ctx context.Context, id string, at time.Time, reason string) (Notification, error)
	// Release returns an interrupted sending notification to pending, due
	// at now, and gives back the attempt it had counted.
	Release(ctx context.Context, id string, now time.Time) (Notification, error)

	// Requeue resets a failed notification for a fresh set of attempts.
	Requeue(ctx context.Context, id string, maxAttempts int, now time.Time) (Notification, error)
	// RecoverStale releases sending claims taken before claimedBefore.
	RecoverStale(ctx context.Context, claimedBefore, now time.Time) (RecoveryResult, error)
	// PruneTerminal deletes terminal notifications last updated before cutoff.
	PruneTerminal(ctx context.Context, before time.Time) (int, error)

	Close() error
}

func prepareNew(n Notification, now time.Time) (Notification, error) {
	if n.ConfigID == "" || n.UserID == "" || n.PredictionID == "" {
		return Notification{}, fmt.Errorf("notification requires prediction, config and user ids")
	}
	if n.Channel == "" {
		return Notification{}, fmt.Errorf("notification requires a channel")
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.MaxAttempts <= 0 {
		n.MaxAttempts = DefaultMaxAttempts
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	if n.ScheduledAt.IsZero() {
		n.ScheduledAt = n.CreatedAt
	}
	n.Status = StatusPending
	n.AttemptCount = 0
	n.SentAt, n.DeliveredAt, n.FailedAt = nil, nil, nil
	n.LastError = ""
	n.UpdatedAt = n.CreatedAt
	return n, nil
}

// tripleKey identifies the one notification allowed per prediction,
// config and channel.
type tripleKey struct {
	prediction, config string
	channel            alerts.Channel
}

func keyOf(n Notification) tripleKey { return tripleKey{n.PredictionID, n.ConfigID, n.Channel} }

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu      sync.Mutex
	items   map[string]Notification
	triples map[tripleKey]string
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory notification store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items:   make(map[string]Notification),
		triples: make(map[tripleKey]string),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Create(_ context.Context, batch []Notification) ([]Notification, error) {
	now := s.now()
	prepared := make([]Notification, 0, len(batch))
	for _, n := range batch {
		p, err := prepareNew(n, now)
		if err != nil {
			return nil, err
		}
		prepared = append(prepared, p)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range prepared {
		if _, exists := s.items[n.ID]; exists {
			return nil, fmt.Errorf("notification %s already exists", n.ID)
		}
	}
	inserted := make([]Notification, 0, len(prepared))
	for _, n := range prepared {
		if _, dup := s.triples[keyOf(n)]; dup {
			continue
		}
		s.items[n.ID] = clone(n)
		s.triples[keyOf(n)] = n.ID
		inserted = append(inserted, n)
	}
	return inserted, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.items[id]
	if !ok {
		return Notification{}, ErrNotFound
	}
	return clone(n), nil
}

func (s *MemoryStore) List(_ context.Context, f Filter) ([]Notification, error) {
	s.mu.Lock()
	out := make([]Notification, 0)
	for _, n := range s.items {
		if f.matches(n) {
			out = append(out, clone(n))
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > f.limit() {
		out = out[:f.limit()]
	}
	return out, nil
}

func (s *MemoryStore) Claim(_ context.Context, id string, now time.Time) (Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.items[id]
	if !ok {
		return Notification{}, ErrNotFound
	}
	if !n.Claimable(now) {
		return Notification{}, ErrNotClaimable
	}
	return s.claimLocked(n, now), nil
}

func (s *MemoryStore) ClaimDue(_ context.Context, now time.Time, limit int) ([]Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	due := make([]Notification, 0)
	for _, n := range s.items {
		if n.Claimable(now) {
			due = append(due, n)
		}
	}
	sortBySchedule(due)
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]Notification, 0, len(due))
	for _, n := range due {
		out = append(out, s.claimLocked(n, now))
	}
	return out, nil
}

func (s *MemoryStore) claimLocked(n Notification, now time.Time) Notification {
	n.Status = StatusSending
	n.AttemptCount++
	sent := now
	n.SentAt = &sent
	n.UpdatedAt = now
	s.items[n.ID] = n
	return clone(n)
}

func (s *MemoryStore) MarkDelivered(_ context.Context, id string, at time.Time) (Notification, error) {
	return s.complete(id, func(n *Notification) error {
		delivered := at
		n.Status = StatusDelivered
		n.DeliveredAt = &delivered
		n.UpdatedAt = at
		return nil
	})
}

func (s *MemoryStore) MarkRetry(_ context.Context, id string, next time.Time, reason string) (Notification, error) {
	return s.complete(id, func(n *Notification) error {
		if n.AttemptCount >= n.MaxAttempts {
			return fmt.Errorf("%w: retry budget exhausted", ErrInvalidTransition)
		}
		n.Status = StatusPending
		n.ScheduledAt = next
		n.LastError = reason
		n.UpdatedAt = s.now()
		return nil
	})
}

func (s *MemoryStore) MarkFailed(_ context.Context, id string, at time.Time, reason string) (Notification, error) {
	return s.complete(id, func(n *Notification) error {
		failed := at
		n.Status = StatusFailed
		n.FailedAt = &failed
		n.LastError = reason
		n.MaxAttempts = n.AttemptCount
		n.UpdatedAt = at
		return nil
	})
}

func (s *MemoryStore) Release(_ context.Context, id string, now time.Time) (Notification, error) {
	return s.complete(id, func(n *Notification) error {
		if n.AttemptCount > 0 {
			n.AttemptCount--
		}
		n.Status = StatusPending
		n.ScheduledAt = now
		n.UpdatedAt = now
		return nil
	})
}

// complete applies a transition out of sending.
func (s *MemoryStore) complete(id string, apply func(*Notification) error) (Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.items[id]
	if !ok {
		return Notification{}, ErrNotFound
	}
	if n.Status != StatusSending {
		return Notification{}, fmt.Errorf("%w: %s is %s", ErrInvalidTransition, id, n.Status)
	}
	if err := apply(&n); err != nil {
		return Notification{}, err
	}
	s.items[id] = n
	return clone(n), nil
}

func (s *MemoryStore) Requeue(_ context.Context, id string, maxAttempts int, now time.Time) (Notification, error) {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.items[id]
	if !ok {
		return Notification{}, ErrNotFound
	}
	if n.Status != StatusFailed {
		return Notification{}, fmt.Errorf("%w: only failed notifications can be requeued (%s is %s)", ErrInvalidTransition, id, n.Status)
	}
	n.Status = StatusPending
	n.AttemptCount = 0
	n.MaxAttempts = maxAttempts
	n.ScheduledAt = now
	n.FailedAt = nil
	n.UpdatedAt = now
	s.items[id] = n
	return clone(n), nil
}

func (s *MemoryStore) RecoverStale(_ context.Context, claimedBefore, now time.Time) (RecoveryResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res RecoveryResult
	for id, n := range s.items {
		if n.Status != StatusSending || n.SentAt == nil || !n.SentAt.Before(claimedBefore) {
			continue
		}
		n.LastError = AbandonedReason
		n.UpdatedAt = now
		if n.AttemptCount < n.MaxAttempts {
			n.Status = StatusPending
			n.ScheduledAt = now
			res.Requeued++
		} else {
			failed := now
			n.Status = StatusFailed
			n.FailedAt = &failed
			res.Failed++
		}
		s.items[id] = n
	}
	return res, nil
}

func (s *MemoryStore) PruneTerminal(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, n := range s.items {
		if n.Terminal() && n.UpdatedAt.Before(before) {
			delete(s.items, id)
			delete(s.triples, keyOf(n))
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) Close() error { return nil }

// sortBySchedule orders claims oldest-due first. RETURNING row order is
// unspecified, so SQL stores re-sort too.
func sortBySchedule(ns []Notification) {
	sort.SliceStable(ns, func(i, j int) bool { return ns[i].ScheduledAt.Before(ns[j].ScheduledAt) })
}

func clone(n Notification) Notification {
	n.SentAt = cloneTime(n.SentAt)
	n.DeliveredAt = cloneTime(n.DeliveredAt)
	n.FailedAt = cloneTime(n.FailedAt)
	return n
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
