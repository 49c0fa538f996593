package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// StreamField is the stream entry field carrying the prediction JSON.
const StreamField = "data"

// RawHandler is implemented by Pipeline.
type RawHandler interface {
	HandleRaw(ctx context.Context, source string, payload []byte) (Result, error)
}

// RedisStreamConfig configures a consumer group reader.
type RedisStreamConfig struct {
	Stream   string
	Group    string
	Consumer string
	Batch    int64
	Block    time.Duration
}

func (c RedisStreamConfig) withDefaults() RedisStreamConfig {
	if c.Stream == "" {
		c.Stream = "flarealert:predictions"
	}
	if c.Group == "" {
		c.Group = "flarealert"
	}
	if c.Consumer == "" {
		c.Consumer = "flarealert-1"
	}
	if c.Batch <= 0 {
		c.Batch = 16
	}
	if c.Block <= 0 {
		c.Block = 5 * time.Second
	}
	return c
}

// RedisStreamSource consumes predictions from a Redis stream through a
// consumer group. Entries are acknowledged once handled or found invalid;
// entries whose handling failed stay pending and are replayed on the next
// start.
type RedisStreamSource struct {
	client  *redis.Client
	cfg     RedisStreamConfig
	handler RawHandler
	logger  *zap.Logger
}

// NewRedisStreamSource creates a stream source.
func NewRedisStreamSource(client *redis.Client, cfg RedisStreamConfig, handler RawHandler, logger *zap.Logger) *RedisStreamSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStreamSource{
		client:  client,
		cfg:     cfg.withDefaults(),
		handler: handler,
		logger:  logger.With(zap.String("component", "ingest.redis")),
	}
}

// Run reads the stream until ctx is cancelled.
func (s *RedisStreamSource) Run(ctx context.Context) error {
	if err := s.ensureGroup(ctx); err != nil {
		return err
	}
	s.logger.Info("redis stream consumer started",
		zap.String("stream", s.cfg.Stream),
		zap.String("group", s.cfg.Group),
		zap.String("consumer", s.cfg.Consumer))

	// Replay entries left pending by a previous run before reading new ones.
	if err := s.drainPending(ctx); err != nil && ctx.Err() == nil {
		s.logger.Warn("replaying pending entries failed", zap.Error(err))
	}

	backoff := time.Second
	const maxBackoff = 30 * time.Second
	for ctx.Err() == nil {
		if _, err := s.readOnce(ctx, ">"); err != nil {
			if ctx.Err() != nil {
				break
			}
			s.logger.Warn("stream read failed", zap.Error(err), zap.Duration("backoff", backoff))
			select {
			case <-ctx.Done():
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = time.Second
	}
	s.logger.Info("redis stream consumer stopped")
	return nil
}

func (s *RedisStreamSource) ensureGroup(ctx context.Context) error {
	err := s.client.XGroupCreateMkStream(ctx, s.cfg.Stream, s.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s: %w", s.cfg.Group, err)
	}
	return nil
}

func (s *RedisStreamSource) drainPending(ctx context.Context) error {
	for ctx.Err() == nil {
		n, err := s.readOnce(ctx, "0")
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
	}
	return ctx.Err()
}

// readOnce reads one batch starting at id and reports how many entries
// were acknowledged.
func (s *RedisStreamSource) readOnce(ctx context.Context, id string) (int, error) {
	block := s.cfg.Block
	if id != ">" {
		block = -1 // pending reads never block
	}
	streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.cfg.Group,
		Consumer: s.cfg.Consumer,
		Streams:  []string{s.cfg.Stream, id},
		Count:    s.cfg.Batch,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	acked := 0
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			if s.handle(ctx, msg) {
				if err := s.client.XAck(ctx, s.cfg.Stream, s.cfg.Group, msg.ID).Err(); err != nil {
					return acked, fmt.Errorf("ack %s: %w", msg.ID, err)
				}
				acked++
			}
		}
	}
	return acked, nil
}

// handle reports whether msg should be acknowledged.
func (s *RedisStreamSource) handle(ctx context.Context, msg redis.XMessage) bool {
	raw, ok := msg.Values[StreamField].(string)
	if !ok {
		s.logger.Warn("stream entry without prediction payload", zap.String("entry_id", msg.ID))
		return true
	}
	if _, err := s.handler.HandleRaw(ctx, SourceRedis, []byte(raw)); err != nil {
		if errors.Is(err, ErrInvalidPrediction) {
			s.logger.Warn("dropping invalid prediction", zap.String("entry_id", msg.ID), zap.Error(err))
			return true
		}
		s.logger.Error("prediction handling failed", zap.String("entry_id", msg.ID), zap.Error(err))
		return false
	}
	return true
}
