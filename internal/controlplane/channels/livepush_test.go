package channels

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solarwatch/flarealert/internal/controlplane/alerts"
	"github.com/solarwatch/flarealert/internal/protocol"
)

type fakePusher struct {
	sent int
	err  error
	msgs []protocol.ServerMessage
	to   []string
}

func (f *fakePusher) SendToSubscriber(_ context.Context, subscriberID string, msg protocol.ServerMessage) (int, error) {
	f.to = append(f.to, subscriberID)
	f.msgs = append(f.msgs, msg)
	return f.sent, f.err
}

func livePush(p Pusher, now time.Time) *LivePushAdapter {
	a := NewLivePushAdapter(p, 0)
	a.now = func() time.Time { return now }
	return a
}

func TestLivePushDelivered(t *testing.T) {
	p := &fakePusher{sent: 2}
	res := livePush(p, t0.Add(time.Second)).Send(context.Background(), testDelivery(alerts.ChannelLivePush))
	require.Equal(t, Delivered, res.Outcome)
	require.Len(t, p.msgs, 1)
	assert.Equal(t, []string{"user-1"}, p.to)

	msg := p.msgs[0]
	assert.Equal(t, protocol.MsgAlert, msg.Type)
	var data protocol.AlertData
	require.NoError(t, msg.Decode(&data))
	assert.Equal(t, protocol.AlertKindNotification, data.Kind)
	assert.Equal(t, "notif-1", data.NotificationID)
	assert.Equal(t, "X-class watch", data.ConfigName)
	assert.Equal(t, "high", data.Prediction.Severity)
}

func TestLivePushPartialWriteCountsAsDelivered(t *testing.T) {
	p := &fakePusher{sent: 1, err: errors.New("one socket broke")}
	res := livePush(p, t0).Send(context.Background(), testDelivery(alerts.ChannelLivePush))
	assert.Equal(t, Delivered, res.Outcome)
}

func TestLivePushOfflineRetriesWhileFresh(t *testing.T) {
	p := &fakePusher{}
	res := livePush(p, t0.Add(10*time.Second)).Send(context.Background(), testDelivery(alerts.ChannelLivePush))
	assert.Equal(t, Retryable, res.Outcome)
	assert.Equal(t, OfflineReason, res.Reason)
}

func TestLivePushOfflineFailsWhenStale(t *testing.T) {
	p := &fakePusher{}
	res := livePush(p, t0.Add(DefaultLiveStaleAfter)).Send(context.Background(), testDelivery(alerts.ChannelLivePush))
	assert.Equal(t, Permanent, res.Outcome)
	assert.Equal(t, OfflineReason, res.Reason)
}

func TestLivePushWriteErrorRetries(t *testing.T) {
	p := &fakePusher{err: errors.New("broken pipe")}
	res := livePush(p, t0).Send(context.Background(), testDelivery(alerts.ChannelLivePush))
	assert.Equal(t, Retryable, res.Outcome)
	assert.Contains(t, res.Reason, "broken pipe")
}
