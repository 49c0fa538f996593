package alerts

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists alert configs in SQLite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens (or creates) an alert config database.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open alerts db: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS alert_configs (
		id                TEXT PRIMARY KEY,
		owner_id          TEXT NOT NULL,
		name              TEXT NOT NULL,
		trigger_source    TEXT NOT NULL,
		condition         TEXT NOT NULL,
		threshold         REAL NOT NULL,
		delivery_channels TEXT NOT NULL DEFAULT '[]',
		webhook_url       TEXT NOT NULL DEFAULT '',
		email_address     TEXT NOT NULL DEFAULT '',
		is_active         INTEGER NOT NULL DEFAULT 1,
		triggered_count   INTEGER NOT NULL DEFAULT 0,
		last_triggered_at TEXT,
		created_at        TEXT NOT NULL,
		updated_at        TEXT NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create alert_configs: %w", err)
	}

	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_alert_configs_owner ON alert_configs(owner_id)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_alert_configs_active ON alert_configs(is_active)`)

	return &SQLiteStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const configColumns = `id, owner_id, name, trigger_source, condition, threshold, delivery_channels,
	webhook_url, email_address, is_active, triggered_count, last_triggered_at, created_at, updated_at`

func (s *SQLiteStore) Create(ctx context.Context, cfg AlertConfig) (AlertConfig, error) {
	cfg, err := prepareCreate(cfg, s.now())
	if err != nil {
		return AlertConfig{}, err
	}
	channelsJSON, err := json.Marshal(cfg.DeliveryChannels)
	if err != nil {
		return AlertConfig{}, fmt.Errorf("marshal channels: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO alert_configs (`+configColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, ?)`,
		cfg.ID, cfg.OwnerID, cfg.Name, string(cfg.TriggerSource), string(cfg.Condition), cfg.Threshold,
		string(channelsJSON), cfg.WebhookURL, cfg.EmailAddress, boolToInt(cfg.IsActive), 0,
		cfg.CreatedAt.Format(time.RFC3339Nano), cfg.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return AlertConfig{}, fmt.Errorf("insert alert config: %w", err)
	}
	return cfg, nil
}

func (s *SQLiteStore) Update(ctx context.Context, cfg AlertConfig) (AlertConfig, error) {
	existing, err := s.Get(ctx, cfg.ID)
	if err != nil {
		return AlertConfig{}, err
	}
	updated, err := prepareUpdate(existing, cfg, s.now())
	if err != nil {
		return AlertConfig{}, err
	}
	channelsJSON, err := json.Marshal(updated.DeliveryChannels)
	if err != nil {
		return AlertConfig{}, fmt.Errorf("marshal channels: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `UPDATE alert_configs SET
		name = ?, trigger_source = ?, condition = ?, threshold = ?, delivery_channels = ?,
		webhook_url = ?, email_address = ?, is_active = ?, updated_at = ?
		WHERE id = ? AND owner_id = ?`,
		updated.Name, string(updated.TriggerSource), string(updated.Condition), updated.Threshold,
		string(channelsJSON), updated.WebhookURL, updated.EmailAddress, boolToInt(updated.IsActive),
		updated.UpdatedAt.Format(time.RFC3339Nano), updated.ID, updated.OwnerID,
	)
	if err != nil {
		return AlertConfig{}, fmt.Errorf("update alert config: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return AlertConfig{}, ErrNotFound
	}
	return updated, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, ownerID, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM alert_configs WHERE id = ? AND owner_id = ?`, id, ownerID)
	if err != nil {
		return fmt.Errorf("delete alert config: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (AlertConfig, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+configColumns+` FROM alert_configs WHERE id = ?`, id)
	cfg, err := scanConfig(row)
	if errors.Is(err, sql.ErrNoRows) {
		return AlertConfig{}, ErrNotFound
	}
	if err != nil {
		return AlertConfig{}, err
	}
	return cfg, nil
}

func (s *SQLiteStore) ListByOwner(ctx context.Context, ownerID string) ([]AlertConfig, error) {
	return s.query(ctx, `SELECT `+configColumns+` FROM alert_configs WHERE owner_id = ? ORDER BY created_at, id`, ownerID)
}

func (s *SQLiteStore) ListActive(ctx context.Context) ([]AlertConfig, error) {
	return s.query(ctx, `SELECT `+configColumns+` FROM alert_configs WHERE is_active = 1 ORDER BY created_at, id`)
}

func (s *SQLiteStore) RecordTrigger(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE alert_configs
		SET triggered_count = triggered_count + 1, last_triggered_at = ?
		WHERE id = ?`, at.UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("record trigger: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) query(ctx context.Context, q string, args ...any) ([]AlertConfig, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query alert configs: %w", err)
	}
	defer rows.Close()

	out := make([]AlertConfig, 0)
	for rows.Next() {
		cfg, err := scanConfig(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConfig(row scanner) (AlertConfig, error) {
	var (
		cfg                         AlertConfig
		source, condition, channels string
		active                      int
		lastTriggered               sql.NullString
		createdAt, updatedAt        string
	)
	if err := row.Scan(&cfg.ID, &cfg.OwnerID, &cfg.Name, &source, &condition, &cfg.Threshold, &channels,
		&cfg.WebhookURL, &cfg.EmailAddress, &active, &cfg.TriggeredCount, &lastTriggered, &createdAt, &updatedAt); err != nil {
		return AlertConfig{}, err
	}
	cfg.TriggerSource = TriggerSource(source)
	cfg.Condition = Condition(condition)
	cfg.IsActive = active == 1
	if err := json.Unmarshal([]byte(channels), &cfg.DeliveryChannels); err != nil {
		return AlertConfig{}, fmt.Errorf("decode channels for %s: %w", cfg.ID, err)
	}
	if lastTriggered.Valid && lastTriggered.String != "" {
		t, err := time.Parse(time.RFC3339Nano, lastTriggered.String)
		if err == nil {
			cfg.LastTriggeredAt = &t
		}
	}
	cfg.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	cfg.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return cfg, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
