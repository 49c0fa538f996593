package channels

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"text/template"
	"time"

	"go.uber.org/zap"

	"github.com/solarwatch/flarealert/internal/controlplane/alerts"
)

// EmailMessage is one rendered message handed to a mailer.
type EmailMessage struct {
	To      string
	Subject string
	Body    string
	// ID is stable across retries so mailers can deduplicate.
	ID string
}

// Mailer hands a message to an external mail system. Errors wrapped in
// TransientError are retried; every other error is permanent.
type Mailer interface {
	Send(ctx context.Context, msg EmailMessage) error
}

// TransientError marks a mailer failure worth retrying.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err is in the mailer's transient class.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

var (
	defaultSubject = template.Must(template.New("subject").Parse(
		`[FlareAlert {{.Severity}}] {{.ConfigName}}: flare probability {{printf "%.0f" .Percent}}%`))
	defaultBody = template.Must(template.New("body").Parse(`Your alert "{{.ConfigName}}" fired.

Prediction:   {{.PredictionID}}
Issued:       {{.PredictionTime}}
Probability:  {{printf "%.1f" .Percent}}%
Severity:     {{.Severity}}
Confidence:   {{printf "%.0f" .ConfidencePct}}%
Condition:    {{.Source}} {{.Condition}} {{.Threshold}}

Triggered at {{.TriggeredAt}}.
`))
)

type emailView struct {
	ConfigName     string
	PredictionID   string
	PredictionTime string
	Percent        float64
	ConfidencePct  float64
	Severity       string
	Source         string
	Condition      string
	Threshold      float64
	TriggeredAt    string
}

// EmailAdapter renders alerts and hands them to a Mailer.
type EmailAdapter struct {
	mailer  Mailer
	subject *template.Template
	body    *template.Template
	logger  *zap.Logger
}

// NewEmailAdapter creates an email adapter with the default templates.
func NewEmailAdapter(mailer Mailer, logger *zap.Logger) *EmailAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EmailAdapter{mailer: mailer, subject: defaultSubject, body: defaultBody, logger: logger}
}

func (e *EmailAdapter) Channel() alerts.Channel { return alerts.ChannelEmail }

func (e *EmailAdapter) Send(ctx context.Context, d Delivery) Result {
	to := strings.TrimSpace(d.Config.EmailAddress)
	if to == "" {
		return Fail("no recipient address")
	}

	msg, err := e.render(d)
	if err != nil {
		return Fail("render email: %v", err)
	}
	msg.To = to

	if err := e.mailer.Send(ctx, msg); err != nil {
		if IsTransient(err) || ctx.Err() != nil {
			return Retry("mailer: %v", err)
		}
		e.logger.Warn("mailer rejected message",
			zap.String("notification_id", d.Notification.ID),
			zap.Error(err))
		return Fail("mailer: %v", err)
	}
	return Success()
}

func (e *EmailAdapter) render(d Delivery) (EmailMessage, error) {
	p := d.Notification.Prediction
	view := emailView{
		ConfigName:     d.Config.Name,
		PredictionID:   p.ID,
		PredictionTime: p.Timestamp.UTC().Format(time.RFC1123),
		Percent:        p.FlareProbability * 100,
		ConfidencePct:  p.Confidence * 100,
		Severity:       strings.ToUpper(string(p.Severity)),
		Source:         string(d.Config.TriggerSource),
		Condition:      string(d.Config.Condition),
		Threshold:      d.Config.Threshold,
		TriggeredAt:    d.TriggeredAt.UTC().Format(time.RFC1123),
	}

	var subject, body bytes.Buffer
	if err := e.subject.Execute(&subject, view); err != nil {
		return EmailMessage{}, fmt.Errorf("subject: %w", err)
	}
	if err := e.body.Execute(&body, view); err != nil {
		return EmailMessage{}, fmt.Errorf("body: %w", err)
	}
	return EmailMessage{
		ID:      d.Notification.ID,
		Subject: subject.String(),
		Body:    body.String(),
	}, nil
}
