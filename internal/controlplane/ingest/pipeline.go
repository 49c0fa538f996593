// Package ingest turns incoming predictions into notifications and live
// broadcasts.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/solarwatch/flarealert/internal/controlplane/alerts"
	"github.com/solarwatch/flarealert/internal/controlplane/notifications"
	"github.com/solarwatch/flarealert/internal/protocol"
	"github.com/solarwatch/flarealert/internal/telemetry"
)

// ErrInvalidPrediction wraps decode and validation failures. Sources drop
// such predictions instead of redelivering them.
var ErrInvalidPrediction = errors.New("invalid prediction")

// Source names used in logs and metrics.
const (
	SourceHTTP  = "http"
	SourceRedis = "redis"
	SourceMQTT  = "mqtt"
)

// ConfigSource lists the configs to evaluate and records when they fire.
type ConfigSource interface {
	ListActive(ctx context.Context) ([]alerts.AlertConfig, error)
	RecordTrigger(ctx context.Context, id string, at time.Time) error
}

// Dispatcher persists and delivers notifications.
type Dispatcher interface {
	Dispatch(ctx context.Context, p alerts.Prediction, candidates []alerts.Candidate) ([]notifications.Notification, error)
}

// Broadcaster fans a prediction out to live subscribers.
type Broadcaster interface {
	Broadcast(p protocol.Prediction) int
}

// Observer receives per-prediction outcomes.
type Observer interface {
	PredictionHandled(source string, candidates, broadcast int)
	PredictionRejected(source string)
}

type nopObserver struct{}

func (nopObserver) PredictionHandled(string, int, int) {}
func (nopObserver) PredictionRejected(string) {}

// Result summarises what one prediction caused.
type Result struct {
	PredictionID  string   `json:"prediction_id"`
	Fired         []string `json:"fired_config_ids"`
	Notifications int      `json:"notifications"`
	Duplicates    int      `json:"duplicates"`
	Broadcast     int      `json:"broadcast"`
}

// Pipeline evaluates predictions against active configs.
type Pipeline struct {
	configs     ConfigSource
	dispatcher  Dispatcher
	broadcaster Broadcaster
	observer    Observer
	logger      *zap.Logger
	now         func() time.Time
}

// NewPipeline creates a pipeline. broadcaster and observer may be nil.
func NewPipeline(configs ConfigSource, dispatcher Dispatcher, broadcaster Broadcaster, observer Observer, logger *zap.Logger) *Pipeline {
	if observer == nil {
		observer = nopObserver{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		configs:     configs,
		dispatcher:  dispatcher,
		broadcaster: broadcaster,
		observer:    observer,
		logger:      logger.With(zap.String("component", "ingest")),
		now:         time.Now,
	}
}

// Handle validates p, dispatches a notification for every candidate it
// fires and broadcasts p to live subscribers. Triggers are recorded only
// for configs that got a new notification, so a replayed prediction
// neither notifies nor counts twice. The broadcast happens even when
// dispatch fails.
func (pl *Pipeline) Handle(ctx context.Context, source string, p alerts.Prediction) (res Result, err error) {
	ctx, span := telemetry.StartIngestSpan(ctx, source, p.ID)
	candidates := 0
	defer func() { telemetry.EndIngestSpan(span, candidates, res.Broadcast, err) }()

	if err := p.Validate(); err != nil {
		pl.observer.PredictionRejected(source)
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidPrediction, err)
	}
	res = Result{PredictionID: p.ID, Fired: []string{}}

	configs, err := pl.configs.ListActive(ctx)
	if err != nil {
		return res, fmt.Errorf("list active configs: %w", err)
	}
	fired := alerts.Evaluate(p, configs)
	candidates = len(fired)

	seen := make(map[string]bool)
	for _, c := range fired {
		if !seen[c.Config.ID] {
			seen[c.Config.ID] = true
			res.Fired = append(res.Fired, c.Config.ID)
		}
	}

	created, dispatchErr := pl.dispatcher.Dispatch(ctx, p, fired)
	res.Notifications = len(created)
	if dispatchErr == nil {
		res.Duplicates = candidates - len(created)
	}
	pl.recordTriggers(ctx, created)

	if pl.broadcaster != nil {
		res.Broadcast = pl.broadcaster.Broadcast(p.Wire())
	}
	pl.observer.PredictionHandled(source, candidates, res.Broadcast)

	pl.logger.Debug("prediction handled",
		zap.String("source", source),
		zap.String("prediction_id", p.ID),
		zap.Int("fired", len(res.Fired)),
		zap.Int("notifications", res.Notifications),
		zap.Int("duplicates", res.Duplicates),
		zap.Int("broadcast", res.Broadcast))

	if dispatchErr != nil {
		return res, fmt.Errorf("dispatch: %w", dispatchErr)
	}
	return res, nil
}

// recordTriggers counts one trigger per config among created.
func (pl *Pipeline) recordTriggers(ctx context.Context, created []notifications.Notification) {
	at := pl.now()
	recorded := make(map[string]bool)
	for _, n := range created {
		if recorded[n.ConfigID] {
			continue
		}
		recorded[n.ConfigID] = true
		if err := pl.configs.RecordTrigger(ctx, n.ConfigID, at); err != nil {
			pl.logger.Warn("record trigger failed",
				zap.String("config_id", n.ConfigID),
				zap.Error(err))
		}
	}
}

// HandleRaw decodes a JSON prediction and handles it.
func (pl *Pipeline) HandleRaw(ctx context.Context, source string, payload []byte) (Result, error) {
	var p alerts.Prediction
	if err := json.Unmarshal(payload, &p); err != nil {
		pl.observer.PredictionRejected(source)
		return Result{}, fmt.Errorf("%w: decode: %v", ErrInvalidPrediction, err)
	}
	return pl.Handle(ctx, source, p)
}
