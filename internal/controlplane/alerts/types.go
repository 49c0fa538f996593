package alerts

import (
	"errors"
	"fmt"
	"math"
	"net/mail"
	"net/url"
	"strings"
	"time"
	"unicode"

	"github.com/solarwatch/flarealert/internal/protocol"
)

// Severity grades a flare prediction.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// TriggerSource names the prediction reading a config watches.
type TriggerSource string

const (
	SourceFlareIntensity TriggerSource = "flare_intensity"
	SourceKpIndex        TriggerSource = "kp_index"
	SourceSolarWind      TriggerSource = "solar_wind"
)

// Condition is the comparison applied between a reading and a threshold.
type Condition string

const (
	ConditionGreaterThan Condition = "greater_than"
	ConditionLessThan    Condition = "less_than"
	ConditionEquals      Condition = "equals"
)

// Channel is a delivery mechanism.
type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelWebhook  Channel = "webhook"
	ChannelLivePush Channel = "live_push"
)

// Prediction is one model inference result. Immutable once created.
type Prediction struct {
	ID               string    `json:"id"`
	Timestamp        time.Time `json:"timestamp"`
	FlareProbability float64   `json:"flare_probability"`
	Severity         Severity  `json:"severity"`
	Confidence       float64   `json:"confidence"`
	// Optional readings; nil when the inference cycle did not produce them.
	KpIndex        *float64 `json:"kp_index,omitempty"`
	SolarWindSpeed *float64 `json:"solar_wind_speed,omitempty"`
}

// AlertConfig is a user-owned trigger rule.
type AlertConfig struct {
	ID               string        `json:"id"`
	OwnerID          string        `json:"owner_id"`
	Name             string        `json:"name"`
	TriggerSource    TriggerSource `json:"trigger_source"`
	Condition        Condition     `json:"condition"`
	Threshold        float64       `json:"threshold"`
	DeliveryChannels []Channel     `json:"delivery_channels"`
	WebhookURL       string        `json:"webhook_url,omitempty"`
	EmailAddress     string        `json:"email_address,omitempty"`
	IsActive         bool          `json:"is_active"`
	TriggeredCount   int           `json:"triggered_count"`
	LastTriggeredAt  *time.Time    `json:"last_triggered_at,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// ErrInvalidConfig wraps every config validation failure.
var ErrInvalidConfig = errors.New("invalid alert config")

// Value extracts the reading a trigger source refers to. The second return
// is false when the prediction does not carry that reading.
func (p Prediction) Value(src TriggerSource) (float64, bool) {
	switch src {
	case SourceFlareIntensity:
		return p.FlareProbability, true
	case SourceKpIndex:
		if p.KpIndex == nil {
			return 0, false
		}
		return *p.KpIndex, true
	case SourceSolarWind:
		if p.SolarWindSpeed == nil {
			return 0, false
		}
		return *p.SolarWindSpeed, true
	default:
		return 0, false
	}
}

// Wire converts the prediction into its live-push form.
func (p Prediction) Wire() protocol.Prediction {
	return protocol.Prediction{
		ID:               p.ID,
		Timestamp:        p.Timestamp,
		FlareProbability: p.FlareProbability,
		Severity:         string(p.Severity),
		Confidence:       p.Confidence,
		KpIndex:          p.KpIndex,
		SolarWindSpeed:   p.SolarWindSpeed,
	}
}

// Validate checks the prediction's value domains.
func (p Prediction) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("prediction id required")
	}
	if !inUnit(p.FlareProbability) {
		return fmt.Errorf("flare_probability %v outside [0,1]", p.FlareProbability)
	}
	if !inUnit(p.Confidence) {
		return fmt.Errorf("confidence %v outside [0,1]", p.Confidence)
	}
	switch p.Severity {
	case SeverityLow, SeverityMedium, SeverityHigh:
	default:
		return fmt.Errorf("unknown severity %q", p.Severity)
	}
	return nil
}

func inUnit(v float64) bool {
	return !math.IsNaN(v) && v >= 0 && v <= 1
}

// HasChannel reports whether ch is among the enabled channels.
func (c AlertConfig) HasChannel(ch Channel) bool {
	for _, enabled := range c.DeliveryChannels {
		if enabled == ch {
			return true
		}
	}
	return false
}

// Inert reports whether the config can never produce a notification.
func (c AlertConfig) Inert() bool {
	return len(c.DeliveryChannels) == 0
}

// Validate rejects configuration errors before they can reach delivery.
func (c AlertConfig) Validate() error {
	if strings.TrimSpace(c.OwnerID) == "" {
		return fmt.Errorf("%w: owner required", ErrInvalidConfig)
	}
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("%w: name required", ErrInvalidConfig)
	}
	if strings.IndexFunc(c.Name, unicode.IsControl) >= 0 {
		return fmt.Errorf("%w: name must not contain control characters", ErrInvalidConfig)
	}
	switch c.TriggerSource {
	case SourceFlareIntensity, SourceKpIndex, SourceSolarWind:
	default:
		return fmt.Errorf("%w: unknown trigger_source %q", ErrInvalidConfig, c.TriggerSource)
	}
	switch c.Condition {
	case ConditionGreaterThan, ConditionLessThan, ConditionEquals:
	default:
		return fmt.Errorf("%w: unknown condition %q", ErrInvalidConfig, c.Condition)
	}
	if math.IsNaN(c.Threshold) || math.IsInf(c.Threshold, 0) {
		return fmt.Errorf("%w: threshold must be finite", ErrInvalidConfig)
	}
	if c.IsActive && len(c.DeliveryChannels) == 0 {
		return fmt.Errorf("%w: an active config needs at least one delivery channel", ErrInvalidConfig)
	}
	for _, ch := range c.DeliveryChannels {
		switch ch {
		case ChannelEmail, ChannelWebhook, ChannelLivePush:
		default:
			return fmt.Errorf("%w: unknown delivery channel %q", ErrInvalidConfig, ch)
		}
	}
	if c.HasChannel(ChannelWebhook) {
		if err := validateWebhookURL(c.WebhookURL); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}
	if c.HasChannel(ChannelEmail) {
		if _, err := mail.ParseAddress(c.EmailAddress); err != nil {
			return fmt.Errorf("%w: invalid email_address %q", ErrInvalidConfig, c.EmailAddress)
		}
	}
	return nil
}

func validateWebhookURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return fmt.Errorf("webhook_url required when webhook channel is enabled")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid webhook_url: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("webhook_url must use http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("webhook_url must include a host")
	}
	return nil
}

// normalizeChannels drops duplicate channels while keeping order.
func normalizeChannels(in []Channel) []Channel {
	out := make([]Channel, 0, len(in))
	seen := make(map[Channel]bool, len(in))
	for _, ch := range in {
		if seen[ch] {
			continue
		}
		seen[ch] = true
		out = append(out, ch)
	}
	return out
}
