// Package notifications holds the notification record, its delivery state
// machine, and the stores that persist it.
package notifications

import (
	"errors"
	"time"

	"github.com/solarwatch/flarealert/internal/controlplane/alerts"
)

// Status is the delivery state of a notification.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSending   Status = "sending"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

// DefaultMaxAttempts is the policy default retry budget.
const DefaultMaxAttempts = 3

var (
	// ErrNotFound is returned when a notification does not exist.
	ErrNotFound = errors.New("notification not found")
	// ErrNotClaimable is returned when a claim finds the notification not
	// pending, not yet due, or out of budget. Callers treat it as a no-op.
	ErrNotClaimable = errors.New("notification not claimable")
	// ErrInvalidTransition is returned for a transition the state machine
	// does not allow, such as completing a notification that is not sending.
	ErrInvalidTransition = errors.New("invalid notification transition")
)

// Notification is one delivery obligation for a (prediction, config,
// channel) triple.
type Notification struct {
	ID           string            `json:"id"`
	PredictionID string            `json:"prediction_id"`
	ConfigID     string            `json:"config_id"`
	UserID       string            `json:"user_id"`
	Channel      alerts.Channel    `json:"channel"`
	Status       Status            `json:"status"`
	AttemptCount int               `json:"attempt_count"`
	MaxAttempts  int               `json:"max_attempts"`
	ScheduledAt  time.Time         `json:"scheduled_at"`
	SentAt       *time.Time        `json:"sent_at,omitempty"`
	DeliveredAt  *time.Time        `json:"delivered_at,omitempty"`
	FailedAt     *time.Time        `json:"failed_at,omitempty"`
	LastError    string            `json:"last_error,omitempty"`
	Prediction   alerts.Prediction `json:"prediction"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// Terminal reports whether no further transition is permitted.
func (n Notification) Terminal() bool {
	return n.Status == StatusDelivered || n.Status == StatusFailed
}

// Claimable reports whether n may move to sending at now.
func (n Notification) Claimable(now time.Time) bool {
	return n.Status == StatusPending && n.AttemptCount < n.MaxAttempts && !n.ScheduledAt.After(now)
}

// Filter selects notifications from history.
type Filter struct {
	UserID   string
	ConfigID string
	Status   Status
	Limit    int
}

func (f Filter) limit() int {
	if f.Limit <= 0 || f.Limit > 500 {
		return 100
	}
	return f.Limit
}

func (f Filter) matches(n Notification) bool {
	if f.UserID != "" && n.UserID != f.UserID {
		return false
	}
	if f.ConfigID != "" && n.ConfigID != f.ConfigID {
		return false
	}
	if f.Status != "" && n.Status != f.Status {
		return false
	}
	return true
}

// RecoveryResult counts what a stale-claim sweep did.
type RecoveryResult struct {
	Requeued int
	Failed   int
}

// AbandonedReason is recorded on an abandoned claim that has no budget
// left.
const AbandonedReason = "attempt abandoned"
