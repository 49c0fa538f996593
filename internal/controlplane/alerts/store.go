package alerts

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a config does not exist or belongs to
// another owner.
var ErrNotFound = errors.New("alert config not found")

// ConfigStore persists alert configs.
type ConfigStore interface {
	Create(ctx context.Context, cfg AlertConfig) (AlertConfig, error)
	Update(ctx context.Context, cfg AlertConfig) (AlertConfig, error)
	Delete(ctx context.Context, ownerID, id string) error
	Get(ctx context.Context, id string) (AlertConfig, error)
	ListByOwner(ctx context.Context, ownerID string) ([]AlertConfig, error)
	ListActive(ctx context.Context) ([]AlertConfig, error)
	RecordTrigger(ctx context.Context, id string, at time.Time) error
	Close() error
}

// prepareCreate validates cfg and fills server-owned fields.
func prepareCreate(cfg AlertConfig, now time.Time) (AlertConfig, error) {
	cfg.DeliveryChannels = normalizeChannels(cfg.DeliveryChannels)
	if err := cfg.Validate(); err != nil {
		return AlertConfig{}, err
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	cfg.TriggeredCount = 0
	cfg.LastTriggeredAt = nil
	cfg.CreatedAt = now
	cfg.UpdatedAt = now
	return cfg, nil
}

// prepareUpdate merges a user update onto the stored config. Trigger
// bookkeeping and creation time are not user-writable.
func prepareUpdate(existing, update AlertConfig, now time.Time) (AlertConfig, error) {
	if existing.OwnerID != update.OwnerID {
		return AlertConfig{}, ErrNotFound
	}
	update.DeliveryChannels = normalizeChannels(update.DeliveryChannels)
	if err := update.Validate(); err != nil {
		return AlertConfig{}, err
	}
	update.TriggeredCount = existing.TriggeredCount
	update.LastTriggeredAt = existing.LastTriggeredAt
	update.CreatedAt = existing.CreatedAt
	update.UpdatedAt = now
	return update, nil
}

// MemoryStore is an in-process ConfigStore.
type MemoryStore struct {
	mu      sync.RWMutex
	configs map[string]AlertConfig
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory config store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		configs: make(map[string]AlertConfig),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Create(_ context.Context, cfg AlertConfig) (AlertConfig, error) {
	cfg, err := prepareCreate(cfg, s.now())
	if err != nil {
		return AlertConfig{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs[cfg.ID] = cloneConfig(cfg)
	return cloneConfig(cfg), nil
}

func (s *MemoryStore) Update(_ context.Context, cfg AlertConfig) (AlertConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.configs[cfg.ID]
	if !ok {
		return AlertConfig{}, ErrNotFound
	}
	updated, err := prepareUpdate(existing, cfg, s.now())
	if err != nil {
		return AlertConfig{}, err
	}
	s.configs[cfg.ID] = cloneConfig(updated)
	return cloneConfig(updated), nil
}

func (s *MemoryStore) Delete(_ context.Context, ownerID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.configs[id]
	if !ok || existing.OwnerID != ownerID {
		return ErrNotFound
	}
	delete(s.configs, id)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (AlertConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.configs[id]
	if !ok {
		return AlertConfig{}, ErrNotFound
	}
	return cloneConfig(cfg), nil
}

func (s *MemoryStore) ListByOwner(_ context.Context, ownerID string) ([]AlertConfig, error) {
	return s.list(func(c AlertConfig) bool { return c.OwnerID == ownerID }), nil
}

func (s *MemoryStore) ListActive(_ context.Context) ([]AlertConfig, error) {
	return s.list(func(c AlertConfig) bool { return c.IsActive }), nil
}

func (s *MemoryStore) RecordTrigger(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.configs[id]
	if !ok {
		return ErrNotFound
	}
	at = at.UTC()
	cfg.TriggeredCount++
	cfg.LastTriggeredAt = &at
	s.configs[id] = cfg
	return nil
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) list(keep func(AlertConfig) bool) []AlertConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]AlertConfig, 0, len(s.configs))
	for _, cfg := range s.configs {
		if keep(cfg) {
			out = append(out, cloneConfig(cfg))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func cloneConfig(cfg AlertConfig) AlertConfig {
	cfg.DeliveryChannels = append([]Channel(nil), cfg.DeliveryChannels...)
	if cfg.LastTriggeredAt != nil {
		t := *cfg.LastTriggeredAt
		cfg.LastTriggeredAt = &t
	}
	return cfg
}
