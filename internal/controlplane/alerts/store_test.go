package alerts

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func storeImplementations(t *testing.T) map[string]ConfigStore {
	t.Helper()
	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "alerts.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })

	return map[string]ConfigStore{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func TestConfigStoreCRUD(t *testing.T) {
	ctx := context.Background()
	for name, store := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			cfg := webhookConfig(0.7, ConditionGreaterThan)
			cfg.ID = ""
			cfg.DeliveryChannels = []Channel{ChannelWebhook, ChannelWebhook, ChannelLivePush}

			created, err := store.Create(ctx, cfg)
			require.NoError(t, err)
			assert.NotEmpty(t, created.ID)
			assert.Equal(t, []Channel{ChannelWebhook, ChannelLivePush}, created.DeliveryChannels)
			assert.False(t, created.CreatedAt.IsZero())

			got, err := store.Get(ctx, created.ID)
			require.NoError(t, err)
			assert.Equal(t, created.Name, got.Name)
			assert.Equal(t, created.WebhookURL, got.WebhookURL)
			assert.Equal(t, created.DeliveryChannels, got.DeliveryChannels)
			assert.True(t, got.IsActive)

			update := got
			update.Name = "renamed"
			update.Threshold = 0.9
			update.TriggeredCount = 99
			updated, err := store.Update(ctx, update)
			require.NoError(t, err)
			assert.Equal(t, "renamed", updated.Name)
			assert.Equal(t, 0, updated.TriggeredCount, "trigger count is not user-writable")

			owned, err := store.ListByOwner(ctx, "user-1")
			require.NoError(t, err)
			require.Len(t, owned, 1)
			assert.Equal(t, 0.9, owned[0].Threshold)

			none, err := store.ListByOwner(ctx, "user-2")
			require.NoError(t, err)
			assert.Empty(t, none)

			require.ErrorIs(t, store.Delete(ctx, "user-2", created.ID), ErrNotFound)
			require.NoError(t, store.Delete(ctx, "user-1", created.ID))
			_, err = store.Get(ctx, created.ID)
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestConfigStoreRejectsInvalid(t *testing.T) {
	ctx := context.Background()
	for name, store := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			cfg := webhookConfig(0.7, ConditionGreaterThan)
			cfg.WebhookURL = "not a url"
			_, err := store.Create(ctx, cfg)
			require.ErrorIs(t, err, ErrInvalidConfig)

			valid, err := store.Create(ctx, webhookConfig(0.7, ConditionGreaterThan))
			require.NoError(t, err)
			valid.DeliveryChannels = nil
			_, err = store.Update(ctx, valid)
			require.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestConfigStoreUpdateOwnerScoped(t *testing.T) {
	ctx := context.Background()
	for name, store := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			created, err := store.Create(ctx, webhookConfig(0.7, ConditionGreaterThan))
			require.NoError(t, err)

			hijack := created
			hijack.OwnerID = "intruder"
			_, err = store.Update(ctx, hijack)
			require.ErrorIs(t, err, ErrNotFound)

			_, err = store.Update(ctx, AlertConfig{ID: "missing", OwnerID: "user-1"})
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestConfigStoreListActiveAndRecordTrigger(t *testing.T) {
	ctx := context.Background()
	for name, store := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			active := webhookConfig(0.7, ConditionGreaterThan)
			active.ID = "cfg-active"
			_, err := store.Create(ctx, active)
			require.NoError(t, err)

			paused := webhookConfig(0.7, ConditionGreaterThan)
			paused.ID = "cfg-paused"
			paused.IsActive = false
			_, err = store.Create(ctx, paused)
			require.NoError(t, err)

			list, err := store.ListActive(ctx)
			require.NoError(t, err)
			require.Len(t, list, 1)
			assert.Equal(t, "cfg-active", list[0].ID)

			at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
			require.NoError(t, store.RecordTrigger(ctx, "cfg-active", at))
			require.NoError(t, store.RecordTrigger(ctx, "cfg-active", at.Add(time.Minute)))
			require.ErrorIs(t, store.RecordTrigger(ctx, "missing", at), ErrNotFound)

			got, err := store.Get(ctx, "cfg-active")
			require.NoError(t, err)
			assert.Equal(t, 2, got.TriggeredCount)
			require.NotNil(t, got.LastTriggeredAt)
			assert.True(t, got.LastTriggeredAt.Equal(at.Add(time.Minute)))
		})
	}
}

func TestSQLiteStorePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "alerts.db")

	store, err := NewSQLiteStore(path)
	require.NoError(t, err)
	created, err := store.Create(ctx, webhookConfig(0.7, ConditionGreaterThan))
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.Name, got.Name)
	assert.Equal(t, ConditionGreaterThan, got.Condition)
}
