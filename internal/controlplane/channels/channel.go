// Package channels implements the delivery adapters behind each
// notification channel.
package channels

import (
	"context"
	"fmt"
	"time"

	"github.com/solarwatch/flarealert/internal/controlplane/alerts"
	"github.com/solarwatch/flarealert/internal/controlplane/notifications"
)

// Outcome classifies one delivery attempt.
type Outcome int

const (
	Delivered Outcome = iota
	Retryable
	Permanent
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case Retryable:
		return "retryable"
	case Permanent:
		return "permanent"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result is what an adapter reports for one attempt.
type Result struct {
	Outcome Outcome
	Reason  string
}

// Success reports a delivered attempt.
func Success() Result { return Result{Outcome: Delivered} }

// Retry reports a transient failure that should follow the backoff schedule.
func Retry(format string, args ...any) Result {
	return Result{Outcome: Retryable, Reason: fmt.Sprintf(format, args...)}
}

// Fail reports a failure that no retry can fix.
func Fail(format string, args ...any) Result {
	return Result{Outcome: Permanent, Reason: fmt.Sprintf(format, args...)}
}

// Delivery is everything an adapter needs for one attempt.
type Delivery struct {
	Notification notifications.Notification
	Config       alerts.AlertConfig
	TriggeredAt  time.Time
}

// Adapter delivers notifications over one channel. Send must honour ctx
// and must not panic on transport errors; every failure is a Result.
type Adapter interface {
	Channel() alerts.Channel
	Send(ctx context.Context, d Delivery) Result
}

// Registry maps channels to adapters.
type Registry struct {
	adapters map[alerts.Channel]Adapter
}

// NewRegistry builds a registry from adapters. A later adapter for the
// same channel replaces an earlier one.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[alerts.Channel]Adapter, len(adapters))}
	for _, a := range adapters {
		if a != nil {
			r.adapters[a.Channel()] = a
		}
	}
	return r
}

// For returns the adapter for ch.
func (r *Registry) For(ch alerts.Channel) (Adapter, bool) {
	if r == nil {
		return nil, false
	}
	a, ok := r.adapters[ch]
	return a, ok
}
