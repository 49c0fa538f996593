package notifications

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/solarwatch/flarealert/internal/controlplane/alerts"
	_ "modernc.org/sqlite"
)

// sqliteTime is fixed-width so text comparison orders chronologically.
const sqliteTime = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore persists notifications in SQLite. Writes go through a single
// connection, which makes each conditional UPDATE a serialized claim.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens (or creates) a notification database.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open notifications db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS alert_notifications (
		id            TEXT PRIMARY KEY,
		prediction_id TEXT NOT NULL,
		config_id     TEXT NOT NULL,
		user_id       TEXT NOT NULL,
		channel       TEXT NOT NULL,
		status        TEXT NOT NULL,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		max_attempts  INTEGER NOT NULL,
		scheduled_at  TEXT NOT NULL,
		sent_at       TEXT,
		delivered_at  TEXT,
		failed_at     TEXT,
		last_error    TEXT NOT NULL DEFAULT '',
		prediction    TEXT NOT NULL,
		created_at    TEXT NOT NULL,
		updated_at    TEXT NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create alert_notifications: %w", err)
	}

	if _, err := db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_notifications_triple
		ON alert_notifications(prediction_id, config_id, channel)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create notification uniqueness index: %w", err)
	}
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_notifications_due ON alert_notifications(status, scheduled_at)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_notifications_user ON alert_notifications(user_id, created_at)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_notifications_config ON alert_notifications(config_id)`)

	return &SQLiteStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const notificationColumns = `id, prediction_id, config_id, user_id, channel, status, attempt_count, max_attempts,
	scheduled_at, sent_at, delivered_at, failed_at, last_error, prediction, created_at, updated_at`

func (s *SQLiteStore) Create(ctx context.Context, batch []Notification) ([]Notification, error) {
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
		res, err := tx.ExecContext(ctx, `INSERT INTO alert_notifications (`+notificationColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, NULL, NULL, NULL, '', ?, ?, ?)
			ON CONFLICT(prediction_id, config_id, channel) DO NOTHING`,
			n.ID, n.PredictionID, n.ConfigID, n.UserID, string(n.Channel), string(n.Status), n.MaxAttempts,
			fmtTime(n.ScheduledAt), string(predictionJSON), fmtTime(n.CreatedAt), fmtTime(n.UpdatedAt),
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

func (s *SQLiteStore) Get(ctx context.Context, id string) (Notification, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+notificationColumns+` FROM alert_notifications WHERE id = ?`, id)
	n, err := scanSQLite(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Notification{}, ErrNotFound
	}
	return n, err
}

func (s *SQLiteStore) List(ctx context.Context, f Filter) ([]Notification, error) {
	var (
		where []string
		args  []any
	)
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.ConfigID != "" {
		where = append(where, "config_id = ?")
		args = append(args, f.ConfigID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	q := `SELECT ` + notificationColumns + ` FROM alert_notifications`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, f.limit())

	return s.queryAll(ctx, q, args...)
}

func (s *SQLiteStore) Claim(ctx context.Context, id string, now time.Time) (Notification, error) {
	claimed, err := s.queryAll(ctx, `UPDATE alert_notifications
		SET status = 'sending', attempt_count = attempt_count + 1, sent_at = ?, updated_at = ?
		WHERE id = ? AND status = 'pending' AND attempt_count < max_attempts AND scheduled_at <= ?
		RETURNING `+notificationColumns,
		fmtTime(now), fmtTime(now), id, fmtTime(now))
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

func (s *SQLiteStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = 100
	}
	claimed, err := s.queryAll(ctx, `UPDATE alert_notifications
		SET status = 'sending', attempt_count = attempt_count + 1, sent_at = ?, updated_at = ?
		WHERE id IN (
			SELECT id FROM alert_notifications
			WHERE status = 'pending' AND attempt_count < max_attempts AND scheduled_at <= ?
			ORDER BY scheduled_at
			LIMIT ?
		) AND status = 'pending'
		RETURNING `+notificationColumns,
		fmtTime(now), fmtTime(now), fmtTime(now), limit)
	if err != nil {
		return nil, fmt.Errorf("claim due notifications: %w", err)
	}
	sortBySchedule(claimed)
	return claimed, nil
}

func (s *SQLiteStore) MarkDelivered(ctx context.Context, id string, at time.Time) (Notification, error) {
	return s.complete(ctx, id, `UPDATE alert_notifications
		SET status = 'delivered', delivered_at = ?, updated_at = ?
		WHERE id = ? AND status = 'sending'
		RETURNING `+notificationColumns, fmtTime(at), fmtTime(at), id)
}

func (s *SQLiteStore) MarkRetry(ctx context.Context, id string, next time.Time, reason string) (Notification, error) {
	now := s.now()
	return s.complete(ctx, id, `UPDATE alert_notifications
		SET status = 'pending', scheduled_at = ?, last_error = ?, updated_at = ?
		WHERE id = ? AND status = 'sending' AND attempt_count < max_attempts
		RETURNING `+notificationColumns, fmtTime(next), reason, fmtTime(now), id)
}

func (s *SQLiteStore) MarkFailed(ctx context.Context, id string, at time.Time, reason string) (Notification, error) {
	return s.complete(ctx, id, `UPDATE alert_notifications
		SET status = 'failed', failed_at = ?, last_error = ?, max_attempts = attempt_count, updated_at = ?
		WHERE id = ? AND status = 'sending'
		RETURNING `+notificationColumns, fmtTime(at), reason, fmtTime(at), id)
}

func (s *SQLiteStore) Release(ctx context.Context, id string, now time.Time) (Notification, error) {
	return s.complete(ctx, id, `UPDATE alert_notifications
		SET status = 'pending', attempt_count = MAX(attempt_count - 1, 0), scheduled_at = ?, updated_at = ?
		WHERE id = ? AND status = 'sending'
		RETURNING `+notificationColumns, fmtTime(now), fmtTime(now), id)
}

func (s *SQLiteStore) complete(ctx context.Context, id, q string, args ...any) (Notification, error) {
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

func (s *SQLiteStore) Requeue(ctx context.Context, id string, maxAttempts int, now time.Time) (Notification, error) {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	out, err := s.queryAll(ctx, `UPDATE alert_notifications
		SET status = 'pending', attempt_count = 0, max_attempts = ?, scheduled_at = ?, failed_at = NULL, updated_at = ?
		WHERE id = ? AND status = 'failed'
		RETURNING `+notificationColumns, maxAttempts, fmtTime(now), fmtTime(now), id)
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

func (s *SQLiteStore) RecoverStale(ctx context.Context, claimedBefore, now time.Time) (RecoveryResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return RecoveryResult{}, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	requeued, err := tx.ExecContext(ctx, `UPDATE alert_notifications
		SET status = 'pending', scheduled_at = ?, last_error = ?, updated_at = ?
		WHERE status = 'sending' AND sent_at < ? AND attempt_count < max_attempts`,
		fmtTime(now), AbandonedReason, fmtTime(now), fmtTime(claimedBefore))
	if err != nil {
		return RecoveryResult{}, fmt.Errorf("requeue stale claims: %w", err)
	}
	failed, err := tx.ExecContext(ctx, `UPDATE alert_notifications
		SET status = 'failed', failed_at = ?, last_error = ?, updated_at = ?
		WHERE status = 'sending' AND sent_at < ? AND attempt_count >= max_attempts`,
		fmtTime(now), AbandonedReason, fmtTime(now), fmtTime(claimedBefore))
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

func (s *SQLiteStore) PruneTerminal(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM alert_notifications
		WHERE status IN ('delivered', 'failed') AND updated_at < ?`, fmtTime(before))
	if err != nil {
		return 0, fmt.Errorf("prune notifications: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) queryAll(ctx context.Context, q string, args ...any) ([]Notification, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Notification, 0)
	for rows.Next() {
		n, err := scanSQLite(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLite(row rowScanner) (Notification, error) {
	var (
		n                               Notification
		channel, status, predictionJSON string
		scheduledAt, createdAt, updated string
		sentAt, deliveredAt, failedAt   sql.NullString
	)
	if err := row.Scan(&n.ID, &n.PredictionID, &n.ConfigID, &n.UserID, &channel, &status,
		&n.AttemptCount, &n.MaxAttempts, &scheduledAt, &sentAt, &deliveredAt, &failedAt,
		&n.LastError, &predictionJSON, &createdAt, &updated); err != nil {
		return Notification{}, err
	}
	n.Channel = alerts.Channel(channel)
	n.Status = Status(status)
	if err := json.Unmarshal([]byte(predictionJSON), &n.Prediction); err != nil {
		return Notification{}, fmt.Errorf("decode prediction for %s: %w", n.ID, err)
	}
	n.ScheduledAt = parseTime(scheduledAt)
	n.CreatedAt = parseTime(createdAt)
	n.UpdatedAt = parseTime(updated)
	n.SentAt = parseNullTime(sentAt)
	n.DeliveredAt = parseNullTime(deliveredAt)
	n.FailedAt = parseNullTime(failedAt)
	return n, nil
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(sqliteTime)
}

func parseTime(v string) time.Time {
	t, _ := time.Parse(sqliteTime, v)
	return t
}

func parseNullTime(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	t := parseTime(v.String)
	return &t
}
