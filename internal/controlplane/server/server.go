// Package server wires together the alert subsystems and exposes the HTTP
// server. main() builds a Server, calls Run, done.
package server

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/solarwatch/flarealert/internal/controlplane/alerts"
	"github.com/solarwatch/flarealert/internal/controlplane/auth"
	"github.com/solarwatch/flarealert/internal/controlplane/channels"
	"github.com/solarwatch/flarealert/internal/controlplane/config"
	"github.com/solarwatch/flarealert/internal/controlplane/dispatch"
	"github.com/solarwatch/flarealert/internal/controlplane/ingest"
	"github.com/solarwatch/flarealert/internal/controlplane/maintenance"
	"github.com/solarwatch/flarealert/internal/controlplane/metrics"
	"github.com/solarwatch/flarealert/internal/controlplane/notifications"
	cpws "github.com/solarwatch/flarealert/internal/controlplane/websocket"
	"github.com/solarwatch/flarealert/internal/telemetry"
)

// Version info injected at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// source is a background prediction feed.
type source interface {
	Run(ctx context.Context) error
}

type namedSource struct {
	name string
	source
}

// Server is the assembled alert service.
type Server struct {
	cfg    config.Config
	logger *zap.Logger

	// Persistence
	configStore alerts.ConfigStore
	notifyStore notifications.Store

	// Auth
	tokens  *auth.TokenService
	limiter *auth.RateLimiter

	// Delivery
	hub        *cpws.Hub
	secrets    channels.SecretFunc
	dispatcher *dispatch.Dispatcher
	pipeline   *ingest.Pipeline

	// Background work
	maintenance *maintenance.Runner
	redisClient *redis.Client
	sources     []namedSource
	wg          sync.WaitGroup

	metrics *metrics.Metrics

	// HTTP
	httpServer *http.Server
}

// New builds a fully-wired Server from config.
func New(cfg config.Config, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	s := &Server{
		cfg:    cfg,
		logger: logger,
	}

	if err := s.initStores(); err != nil {
		return nil, err
	}
	if err := s.initAuth(); err != nil {
		s.Close()
		return nil, err
	}
	s.initHub()
	s.metrics = metrics.New(s.hub)
	if err := s.initDelivery(); err != nil {
		s.Close()
		return nil, err
	}
	s.pipeline = ingest.NewPipeline(s.configStore, s.dispatcher, s.hub, s.metrics, s.logger.Named("ingest"))
	if err := s.initMaintenance(); err != nil {
		s.Close()
		return nil, err
	}
	s.initSources()

	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Run starts the server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	shutdownTracing, err := telemetry.InitTraceProvider(ctx, s.cfg.Tracing.OTLPEndpoint, Version, s.logger)
	if err != nil {
		s.logger.Warn("tracing disabled", zap.Error(err))
		shutdownTracing = func(context.Context) error { return nil }
	}

	s.dispatcher.Start()
	s.maintenance.Start()

	srcCtx, stopSources := context.WithCancel(ctx)
	defer stopSources()
	for _, src := range s.sources {
		s.wg.Add(1)
		go func(src namedSource) {
			defer s.wg.Done()
			if err := src.Run(srcCtx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("prediction source stopped", zap.String("source", src.name), zap.Error(err))
			}
		}(src)
	}

	s.logger.Info("starting alert service",
		zap.String("addr", s.cfg.ListenAddr),
		zap.String("version", Version),
		zap.String("notification_store", s.cfg.Storage.Driver),
		zap.Bool("email_enabled", s.cfg.Email.Driver != ""),
		zap.Bool("ingest_http", s.cfg.Auth.IngestKey != ""),
		zap.Int("ingest_streams", len(s.sources)),
		zap.Bool("tls", s.cfg.HasTLS()),
	)

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.cfg.HasTLS() {
			err = s.httpServer.ListenAndServeTLS(s.cfg.TLSCert, s.cfg.TLSKey)
		} else {
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case runErr = <-errCh:
	case <-ctx.Done():
	}

	s.logger.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}
	stopSources()
	s.wg.Wait()
	s.hub.Close()
	s.dispatcher.Stop()
	s.maintenance.Stop(shutdownCtx)
	if err := shutdownTracing(shutdownCtx); err != nil {
		s.logger.Warn("tracing shutdown", zap.Error(err))
	}
	return runErr
}

// Close releases all resources.
func (s *Server) Close() {
	if s.hub != nil {
		s.hub.Close()
	}
	if s.dispatcher != nil {
		s.dispatcher.Stop()
	}
	if s.configStore != nil {
		s.configStore.Close()
	}
	if s.notifyStore != nil {
		s.notifyStore.Close()
	}
	if s.redisClient != nil {
		s.redisClient.Close()
	}
}

// ── Init helpers ─────────────────────────────────────────────

func (s *Server) initStores() error {
	if err := os.MkdirAll(s.cfg.DataDir, 0750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	cs, err := alerts.NewSQLiteStore(filepath.Join(s.cfg.DataDir, "configs.db"))
	if err != nil {
		return fmt.Errorf("open config store: %w", err)
	}
	s.configStore = cs

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ns, err := notifications.Open(ctx, s.cfg.Storage.Driver, s.cfg.DataDir, s.cfg.Storage.PostgresDSN)
	if err != nil {
		cs.Close()
		return err
	}
	s.notifyStore = ns
	s.logger.Info("stores opened",
		zap.String("data_dir", s.cfg.DataDir),
		zap.String("notification_store", s.cfg.Storage.Driver))
	return nil
}

func (s *Server) initAuth() error {
	tokens, err := auth.NewTokenService(s.cfg.Auth.JWTSecret, s.cfg.Auth.Issuer)
	if err != nil {
		return fmt.Errorf("token service: %w", err)
	}
	s.tokens = tokens
	s.limiter = auth.NewRateLimiter(s.cfg.RateLimit)
	return nil
}

func (s *Server) initHub() {
	s.hub = cpws.NewHub(s.tokens, cpws.Options{
		HeartbeatInterval: s.cfg.LivePush.HeartbeatInterval,
		PongGrace:         s.cfg.LivePush.PongGrace,
		HandshakeTimeout:  s.cfg.LivePush.HandshakeTimeout,
		CheckOrigin:       s.checkOrigin,
	}, s.logger.Named("ws"))
}

// checkOrigin admits non-browser clients and the configured CORS origins.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.cfg.CORS.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.cfg.CORS.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) initDelivery() error {
	masterKey, err := hex.DecodeString(s.cfg.Webhook.MasterKey)
	if err != nil || len(masterKey) < 32 {
		return errors.New("webhook.master_key must be >= 64 hex chars (32 bytes)")
	}
	s.secrets = channels.MasterKeySecrets(masterKey)

	adapters := []channels.Adapter{
		channels.NewWebhookAdapter(s.secrets, s.logger.Named("webhook"),
			channels.WithWebhookTimeout(s.cfg.Webhook.Timeout)),
		channels.NewLivePushAdapter(s.hub, s.cfg.LivePush.StaleAfter),
	}
	if mailer := s.mailer(); mailer != nil {
		adapters = append(adapters, channels.NewEmailAdapter(mailer, s.logger.Named("email")))
	} else {
		s.logger.Warn("email channel disabled: no mail transport configured")
	}

	d := s.cfg.Dispatch
	s.dispatcher = dispatch.New(s.notifyStore, s.configStore, channels.NewRegistry(adapters...), dispatch.Options{
		Policy:         d.Policy,
		Workers:        d.Workers,
		PollInterval:   d.PollInterval,
		BatchSize:      d.BatchSize,
		AttemptTimeout: d.AttemptTimeout,
		Observer:       s.metrics,
	}, s.logger.Named("dispatch"))
	return nil
}

func (s *Server) mailer() channels.Mailer {
	e := s.cfg.Email
	switch e.Driver {
	case "smtp":
		return &channels.SMTPMailer{
			Host:     e.SMTPHost,
			Port:     e.SMTPPort,
			From:     e.From,
			Username: e.SMTPUsername,
			Password: e.SMTPPassword,
			Timeout:  e.Timeout,
		}
	case "http":
		return channels.NewHTTPMailer(e.HTTPEndpoint, e.HTTPAPIKey, e.From, e.Timeout)
	default:
		return nil
	}
}

func (s *Server) initMaintenance() error {
	runner, err := maintenance.New(s.notifyStore, s.cfg.Maintenance, s.logger.Named("maintenance"))
	if err != nil {
		return fmt.Errorf("maintenance: %w", err)
	}
	s.maintenance = runner
	return nil
}

func (s *Server) initSources() {
	if rc := s.cfg.Ingest.Redis; rc.Enabled {
		s.redisClient = redis.NewClient(&redis.Options{
			Addr:     rc.Addr,
			Password: rc.Password,
			DB:       rc.DB,
		})
		s.sources = append(s.sources, namedSource{
			name: ingest.SourceRedis,
			source: ingest.NewRedisStreamSource(s.redisClient, ingest.RedisStreamConfig{
				Stream:   rc.Stream,
				Group:    rc.Group,
				Consumer: rc.Consumer,
			}, s.pipeline, s.logger.Named("redis")),
		})
	}
	if mc := s.cfg.Ingest.MQTT; mc.Enabled {
		s.sources = append(s.sources, namedSource{
			name: ingest.SourceMQTT,
			source: ingest.NewMQTTSource(ingest.MQTTConfig{
				Broker:   mc.Broker,
				ClientID: mc.ClientID,
				Username: mc.Username,
				Password: mc.Password,
				Topic:    mc.Topic,
				QoS:      mc.QoS,
			}, s.pipeline, s.logger.Named("mqtt")),
		})
	}
}
