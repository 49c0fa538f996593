package channels

import (
	"time"

	"github.com/solarwatch/flarealert/internal/controlplane/alerts"
	"github.com/solarwatch/flarealert/internal/controlplane/notifications"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testDelivery(ch alerts.Channel) Delivery {
	pred := alerts.Prediction{
		ID:               "pred-1",
		Timestamp:        t0,
		FlareProbability: 0.82,
		Severity:         alerts.SeverityHigh,
		Confidence:       0.91,
	}
	return Delivery{
		Notification: notifications.Notification{
			ID:           "notif-1",
			PredictionID: pred.ID,
			ConfigID:     "cfg-1",
			UserID:       "user-1",
			Channel:      ch,
			Status:       notifications.StatusSending,
			AttemptCount: 1,
			MaxAttempts:  3,
			Prediction:   pred,
			CreatedAt:    t0,
		},
		Config: alerts.AlertConfig{
			ID:               "cfg-1",
			OwnerID:          "user-1",
			Name:             "X-class watch",
			TriggerSource:    alerts.SourceFlareIntensity,
			Condition:        alerts.ConditionGreaterThan,
			Threshold:        0.5,
			DeliveryChannels: []alerts.Channel{ch},
			EmailAddress:     "ops@example.com",
			IsActive:         true,
		},
		TriggeredAt: t0,
	}
}
