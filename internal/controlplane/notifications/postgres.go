package notifications

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/solarwatch/flarealert/internal/controlplane/alerts"
)

const postgresSchema = `CREATE TABLE IF NOT EXISTS alert_notifications (
	id            TEXT PRIMARY KEY,
	prediction_id TEXT NOT NULL,
	config_id     TEXT NOT NULL,
	user_id       TEXT NOT NULL,
	channel       TEXT NOT NULL,
	status        TEXT NOT NULL,
	attempt_count INTEGER NOT NULL DEFAULT 0,
	max_attempts  INTEGER NOT NULL,
	scheduled_at  TIMESTAMPTZ NOT NULL,
	sent_at       TIMESTAMPTZ,
	delivered_at  TIMESTAMPTZ,
	failed_at     TIMESTAMPTZ,
	last_error    TEXT NOT NULL DEFAULT '',
	prediction    JSONB NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL,
	CHECK (attempt_count <= max_attempts)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_notifications_triple ON alert_notifications (prediction_id, config_id, channel);
CREATE INDEX IF NOT EXISTS idx_notifications_due ON alert_notifications (status, scheduled_at);
CREATE INDEX IF NOT EXISTS idx_notifications_user ON alert_notifications (user_id, created_at DESC)`

// PostgresStore persists notifications in PostgreSQL. Batch claims lock
// rows with FOR UPDATE SKIP LOCKED so several dispatcher replicas can poll
// the same table.
type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenPostgres connects through the pgx stdlib driver and verifies the
// connection.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
	}
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Migrate creates the notification table if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, postgresSchema); err != nil {
		return fmt.Errorf("migrate alert_notifications: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) Create(ctx context.Context, batch []Notification) ([]Notification, error) {
	now := s.now()
	prepared := make([]Notification, 0, len(batch))
	for _, n := range batch {
		p, err := prepareNew(n, now)
		if err != nil {
			return nil, err
		}
		prepared = append(prepared, p)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	inserted := make([]Notification, 0, len(prepared))
	for _, n := range prepared {
		predictionJSON, err := json.Marshal(n.Prediction)
		if err != nil {
			return nil, fmt.Errorf("marshal prediction: %w", err)
		}
		res, err := tx.ExecContext(ctx, `INSERT INTO alert_notifications
			(id, prediction_id, config_id, user_id, channel, status, attempt_count, max_attempts,
			 scheduled_at, prediction, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8, $9, $10, $11)
			ON CONFLICT (prediction_id, config_id, channel) DO NOTHING`,
			n.ID, n.PredictionID, n.ConfigID, n.UserID, string(n.Channel), string(n.Status), n.MaxAttempts,
			n.ScheduledAt, predictionJSON, n.CreatedAt, n.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("insert notification: %w", err)
		}
		if affected, err := res.RowsAffected(); err == nil && affected == 0 {
			continue
		}
		inserted = append(inserted, n)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return inserted, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Notification, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+notificationColumns+` FROM alert_notifications WHERE id = $1`, id)
	n, err := scanPostgres(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Notification{}, ErrNotFound
	}
	return n, err
}

func (s *PostgresStore) List(ctx context.Context, f Filter) ([]Notification, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, clause+" = $"+strconv.Itoa(len(args)))
	}
	if f.UserID != "" {
		add("user_id", f.UserID)
	}
	if f.ConfigID != "" {
		add("config_id", f.ConfigID)
	}
	if f.Status != "" {
		add("status", string(f.Status))
	}
	q := `SELECT ` + notificationColumns + ` FROM alert_notifications`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, f.limit())
	q += " ORDER BY created_at DESC, id DESC LIMIT $" + strconv.Itoa(len(args))

	return s.queryAll(ctx, q, args...)
}

func (s *PostgresStore) Claim(ctx context.Context, id string, now time.Time) (Notification, error) {
	claimed, err := s.queryAll(ctx, `UPDATE alert_notifications
		SET status = 'sending', attempt_count = attempt_count + 1, sent_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'pending' AND attempt_count < max_attempts AND scheduled_at <= $2
		RETURNING `+notificationColumns, id, now)
	if err != nil {
		return Notification{}, fmt.Errorf("claim notification: %w", err)
	}
	if len(claimed) == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return Notification{}, err
		}
		return Notification{}, ErrNotClaimable
	}
	return claimed[0], nil
}

func (s *PostgresStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = 100
	}
	claimed, err := s.queryAll(ctx, `UPDATE alert_notifications
		SET status = 'sending', attempt_count = attempt_count + 1, sent_at = $1, updated_at = $1
		WHERE id IN (
			SELECT id FROM alert_notifications
			WHERE status = 'pending' AND attempt_count < max_attempts AND scheduled_at <= $1
			ORDER BY scheduled_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+notificationColumns, now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due notifications: %w", err)
	}
	sortBySchedule(claimed)
	return claimed, nil
}

func (s *PostgresStore) MarkDelivered(ctx context.Context, id string, at time.Time) (Notification, error) {
	return s.complete(ctx, id, `UPDATE alert_notifications
		SET status = 'delivered', delivered_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'sending'
		RETURNING `+notificationColumns, id, at)
}

func (s *PostgresStore) MarkRetry(ctx context.Context, id string, next time.Time, reason string) (Notification, error) {
	return s.complete(ctx, id, `UPDATE alert_notifications
		SET status = 'pending', scheduled_at = $2, last_error = $3, updated_at = $4
		WHERE id = $1 AND status = 'sending' AND attempt_count < max_attempts
		RETURNING `+notificationColumns, id, next, reason, s.now())
}

func (s *PostgresStore) MarkFailed(ctx context.Context, id string, at time.Time, reason string) (Notification, error) {
	return s.complete(ctx, id, `UPDATE alert_notifications
		SET status = 'failed', failed_at = $2, last_error = $3, max_attempts = attempt_count, updated_at = $2
		WHERE id = $1 AND status = 'sending'
		RETURNING `+notificationColumns, id, at, reason)
}

func (s *PostgresStore) Release(ctx context.Context, id string, now time.Time) (Notification, error) {
	return s.complete(ctx, id, `UPDATE alert_notifications
		SET status = 'pending', attempt_count = GREATEST(attempt_count - 1, 0), scheduled_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'sending'
		RETURNING `+notificationColumns, id, now)
}

func (s *PostgresStore) complete(ctx context.Context, id, q string, args ...any) (Notification, error) {
	out, err := s.queryAll(ctx, q, args...)
	if err != nil {
		return Notification{}, fmt.Errorf("update notification: %w", err)
	}
	if len(out) == 0 {
		current, err := s.Get(ctx, id)
		if err != nil {
			return Notification{}, err
		}
		return Notification{}, fmt.Errorf("%w: %s is %s", ErrInvalidTransition, id, current.Status)
	}
	return out[0], nil
}

func (s *PostgresStore) Requeue(ctx context.Context, id string, maxAttempts int, now time.Time) (Notification, error) {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	out, err := s.queryAll(ctx, `UPDATE alert_notifications
		SET status = 'pending', attempt_count = 0, max_attempts = $2, scheduled_at = $3, failed_at = NULL, updated_at = $3
		WHERE id = $1 AND status = 'failed'
		RETURNING `+notificationColumns, id, maxAttempts, now)
	if err != nil {
		return Notification{}, fmt.Errorf("requeue notification: %w", err)
	}
	if len(out) == 0 {
		current, err := s.Get(ctx, id)
		if err != nil {
			return Notification{}, err
		}
		return Notification{}, fmt.Errorf("%w: only failed notifications can be requeued (%s is %s)", ErrInvalidTransition, id, current.Status)
	}
	return out[0], nil
}

func (s *PostgresStore) RecoverStale(ctx context.Context, claimedBefore, now time.Time) (RecoveryResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return RecoveryResult{}, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	requeued, err := tx.ExecContext(ctx, `UPDATE alert_notifications
		SET status = 'pending', scheduled_at = $1, last_error = $2, updated_at = $1
		WHERE status = 'sending' AND sent_at < $3 AND attempt_count < max_attempts`,
		now, AbandonedReason, claimedBefore)
	if err != nil {
		return RecoveryResult{}, fmt.Errorf("requeue stale claims: %w", err)
	}
	failed, err := tx.ExecContext(ctx, `UPDATE alert_notifications
		SET status = 'failed', failed_at = $1, last_error = $2, updated_at = $1
		WHERE status = 'sending' AND sent_at < $3 AND attempt_count >= max_attempts`,
		now, AbandonedReason, claimedBefore)
	if err != nil {
		return RecoveryResult{}, fmt.Errorf("fail stale claims: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return RecoveryResult{}, fmt.Errorf("commit: %w", err)
	}

	r, _ := requeued.RowsAffected()
	f, _ := failed.RowsAffected()
	return RecoveryResult{Requeued: int(r), Failed: int(f)}, nil
}

func (s *PostgresStore) PruneTerminal(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM alert_notifications
		WHERE status IN ('delivered', 'failed') AND updated_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("prune notifications: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *PostgresStore) queryAll(ctx context.Context, q string, args ...any) ([]Notification, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Notification, 0)
	for rows.Next() {
		n, err := scanPostgres(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func scanPostgres(row rowScanner) (Notification, error) {
	var (
		n                             Notification
		channel, status               string
		predictionJSON                []byte
		sentAt, deliveredAt, failedAt sql.NullTime
	)
	if err := row.Scan(&n.ID, &n.PredictionID, &n.ConfigID, &n.UserID, &channel, &status,
		&n.AttemptCount, &n.MaxAttempts, &n.ScheduledAt, &sentAt, &deliveredAt, &failedAt,
		&n.LastError, &predictionJSON, &n.CreatedAt, &n.UpdatedAt); err != nil {
		return Notification{}, err
	}
	n.Channel = alerts.Channel(channel)
	n.Status = Status(status)
	if err := json.Unmarshal(predictionJSON, &n.Prediction); err != nil {
		return Notification{}, fmt.Errorf("decode prediction for %s: %w", n.ID, err)
	}
	n.SentAt = nullTime(sentAt)
	n.DeliveredAt = nullTime(deliveredAt)
	n.FailedAt = nullTime(failedAt)
	return n, nil
}

func nullTime(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time.UTC()
	return &t
}
