package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// MQTTConfig configures the broker subscription.
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Topic    string
	QoS      byte
	// HandleTimeout bounds the handling of one message.
	HandleTimeout time.Duration
}

// MQTTSource subscribes to a topic carrying prediction JSON.
type MQTTSource struct {
	cfg     MQTTConfig
	client  mqtt.Client
	handler RawHandler
	logger  *zap.Logger
}

// NewMQTTSource creates an MQTT source. The broker is not contacted until
// Run.
func NewMQTTSource(cfg MQTTConfig, handler RawHandler, logger *zap.Logger) *MQTTSource {
	if cfg.ClientID == "" {
		cfg.ClientID = "flarealert-ingest"
	}
	if cfg.Topic == "" {
		cfg.Topic = "flarealert/predictions"
	}
	if cfg.HandleTimeout <= 0 {
		cfg.HandleTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &MQTTSource{
		cfg:     cfg,
		handler: handler,
		logger:  logger.With(zap.String("component", "ingest.mqtt")),
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetCleanSession(false).
		SetConnectTimeout(10 * time.Second).
		SetOnConnectHandler(s.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			s.logger.Warn("mqtt connection lost", zap.Error(err))
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	s.client = mqtt.NewClient(opts)
	return s
}

// Run connects and consumes until ctx is cancelled.
func (s *MQTTSource) Run(ctx context.Context) error {
	token := s.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return nil
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect to mqtt broker %s: %w", s.cfg.Broker, err)
	}
	s.logger.Info("mqtt consumer started", zap.String("topic", s.cfg.Topic))

	<-ctx.Done()
	s.client.Unsubscribe(s.cfg.Topic).WaitTimeout(time.Second)
	s.client.Disconnect(250)
	s.logger.Info("mqtt consumer stopped")
	return nil
}

// onConnect (re)subscribes after every successful connect.
func (s *MQTTSource) onConnect(c mqtt.Client) {
	token := c.Subscribe(s.cfg.Topic, s.cfg.QoS, s.onMessage)
	if !token.WaitTimeout(10*time.Second) || token.Error() != nil {
		s.logger.Error("mqtt subscribe failed", zap.String("topic", s.cfg.Topic), zap.Error(token.Error()))
	}
}

func (s *MQTTSource) onMessage(_ mqtt.Client, msg mqtt.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.HandleTimeout)
	defer cancel()
	if _, err := s.handler.HandleRaw(ctx, SourceMQTT, msg.Payload()); err != nil {
		if errors.Is(err, ErrInvalidPrediction) {
			s.logger.Warn("dropping invalid prediction", zap.String("topic", msg.Topic()), zap.Error(err))
			return
		}
		s.logger.Error("prediction handling failed", zap.String("topic", msg.Topic()), zap.Error(err))
	}
}
