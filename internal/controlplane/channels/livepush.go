package channels

import (
	"context"
	"fmt"
	"time"

	"github.com/solarwatch/flarealert/internal/controlplane/alerts"
	"github.com/solarwatch/flarealert/internal/controlplane/notifications"
	"github.com/solarwatch/flarealert/internal/protocol"
)

// OfflineReason is recorded when no live connection could take an alert.
const OfflineReason = "subscriber offline"

// DefaultLiveStaleAfter is how long a live alert stays worth retrying.
const DefaultLiveStaleAfter = 30 * time.Second

// Pusher writes a message to every live connection of a subscriber and
// reports how many sockets accepted it.
type Pusher interface {
	SendToSubscriber(ctx context.Context, subscriberID string, msg protocol.ServerMessage) (int, error)
}

// LivePushAdapter delivers alerts over the live connection registry.
type LivePushAdapter struct {
	pusher     Pusher
	staleAfter time.Duration
	now        func() time.Time
}

// NewLivePushAdapter creates a live-push adapter. staleAfter <= 0 uses the
// default window.
func NewLivePushAdapter(pusher Pusher, staleAfter time.Duration) *LivePushAdapter {
	if staleAfter <= 0 {
		staleAfter = DefaultLiveStaleAfter
	}
	return &LivePushAdapter{pusher: pusher, staleAfter: staleAfter, now: time.Now}
}

func (l *LivePushAdapter) Channel() alerts.Channel { return alerts.ChannelLivePush }

func (l *LivePushAdapter) Send(ctx context.Context, d Delivery) Result {
	msg, err := protocol.NewMessage(protocol.MsgAlert, protocol.AlertData{
		Kind:           protocol.AlertKindNotification,
		NotificationID: d.Notification.ID,
		ConfigID:       d.Config.ID,
		ConfigName:     d.Config.Name,
		Prediction:     d.Notification.Prediction.Wire(),
	}, l.now())
	if err != nil {
		return Fail("%v", err)
	}

	sent, err := l.pusher.SendToSubscriber(ctx, d.Notification.UserID, msg)
	if sent > 0 {
		return Success()
	}
	reason := OfflineReason
	if err != nil {
		reason = fmt.Sprintf("live push write: %v", err)
	}
	if l.stale(d.Notification) {
		return Fail("%s", reason)
	}
	return Retry("%s", reason)
}

// stale reports whether a live alert has outlived its usefulness. Age is
// measured from creation so retries do not extend the window.
func (l *LivePushAdapter) stale(n notifications.Notification) bool {
	return l.now().Sub(n.CreatedAt) >= l.staleAfter
}
