package server

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/solarwatch/flarealert/internal/controlplane/alerts"
	"github.com/solarwatch/flarealert/internal/controlplane/auth"
	"github.com/solarwatch/flarealert/internal/controlplane/channels"
	"github.com/solarwatch/flarealert/internal/controlplane/config"
	"github.com/solarwatch/flarealert/internal/controlplane/notifications"
)

const testIngestKey = "ingest-secret"

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.ListenAddr = ":0"
	cfg.DataDir = t.TempDir()
	cfg.Auth.JWTSecret = "test-jwt-secret"
	cfg.Auth.IngestKey = testIngestKey
	cfg.Webhook.MasterKey = strings.Repeat("a", 64)
	return cfg
}

func newTestServerWith(t *testing.T, cfg config.Config) *Server {
	t.Helper()
	srv, err := New(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	t.Cleanup(func() { srv.Close() })
	return srv
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	return newTestServerWith(t, testConfig(t))
}

func (s *Server) tokenFor(t *testing.T, subject string) string {
	t.Helper()
	token, _, err := s.tokens.Issue(subject, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

// do sends a request as subject; an empty subject sends no token.
func (s *Server) do(t *testing.T, method, path, subject string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if subject != "" {
		req.Header.Set("Authorization", "Bearer "+s.tokenFor(t, subject))
	}
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	return rr
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rr.Body).Decode(&v); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
	return v
}

func expectError(t *testing.T, rr *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if rr.Code != status {
		t.Fatalf("expected %d, got %d (body: %s)", status, rr.Code, rr.Body.String())
	}
	if got := decodeBody[APIError](t, rr); got.Code != code {
		t.Fatalf("expected code %q, got %q (%s)", code, got.Code, got.Error)
	}
}

func liveConfigBody() configRequest {
	return configRequest{
		Name:             "X-class watch",
		TriggerSource:    alerts.SourceFlareIntensity,
		Condition:        alerts.ConditionGreaterThan,
		Threshold:        0.5,
		DeliveryChannels: []alerts.Channel{alerts.ChannelLivePush},
	}
}

func createConfig(t *testing.T, s *Server, owner string, body configRequest) alerts.AlertConfig {
	t.Helper()
	rr := s.do(t, http.MethodPost, "/api/v1/configs", owner, body)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create config: %d %s", rr.Code, rr.Body.String())
	}
	return decodeBody[alerts.AlertConfig](t, rr)
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.JWTSecret = ""
	if _, err := New(cfg, zap.NewNop()); err == nil {
		t.Fatal("expected error for config without jwt secret")
	}
}

func TestHealthzAndVersion(t *testing.T) {
	srv := newTestServer(t)

	rr := srv.do(t, http.MethodGet, "/healthz", "", nil)
	if rr.Code != http.StatusOK || strings.TrimSpace(rr.Body.String()) != "ok" {
		t.Fatalf("healthz = %d %q", rr.Code, rr.Body.String())
	}

	rr = srv.do(t, http.MethodGet, "/version", "", nil)
	if got := decodeBody[map[string]string](t, rr); got["version"] != Version {
		t.Fatalf("unexpected version payload %v", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	rr := srv.do(t, http.MethodGet, "/metrics", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "flarealert_live_connections") {
		t.Fatal("expected live connection gauge in metrics output")
	}
}

func TestAPI_RequiresToken(t *testing.T) {
	srv := newTestServer(t)

	expectError(t, srv.do(t, http.MethodGet, "/api/v1/configs", "", nil), http.StatusUnauthorized, "unauthorized")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/configs", nil)
	req.Header.Set("Authorization", "Bearer forged")
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	expectError(t, rr, http.StatusUnauthorized, "unauthorized")
}

func TestConfigCRUD(t *testing.T) {
	srv := newTestServer(t)

	created := createConfig(t, srv, "alice", liveConfigBody())
	if created.ID == "" || created.OwnerID != "alice" || !created.IsActive {
		t.Fatalf("unexpected created config %+v", created)
	}

	list := decodeBody[[]alerts.AlertConfig](t, srv.do(t, http.MethodGet, "/api/v1/configs", "alice", nil))
	if len(list) != 1 || list[0].ID != created.ID {
		t.Fatalf("unexpected list %+v", list)
	}
	if other := decodeBody[[]alerts.AlertConfig](t, srv.do(t, http.MethodGet, "/api/v1/configs", "bob", nil)); len(other) != 0 {
		t.Fatalf("bob sees alice's configs: %+v", other)
	}

	update := liveConfigBody()
	update.Threshold = 0.8
	inactive := false
	update.IsActive = &inactive
	rr := srv.do(t, http.MethodPut, "/api/v1/configs/"+created.ID, "alice", update)
	if rr.Code != http.StatusOK {
		t.Fatalf("update: %d %s", rr.Code, rr.Body.String())
	}
	updated := decodeBody[alerts.AlertConfig](t, rr)
	if updated.Threshold != 0.8 || updated.IsActive || !updated.CreatedAt.Equal(created.CreatedAt) {
		t.Fatalf("unexpected updated config %+v", updated)
	}

	got := decodeBody[alerts.AlertConfig](t, srv.do(t, http.MethodGet, "/api/v1/configs/"+created.ID, "alice", nil))
	if got.Threshold != 0.8 {
		t.Fatalf("update not persisted: %+v", got)
	}

	rr = srv.do(t, http.MethodDelete, "/api/v1/configs/"+created.ID, "alice", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("delete: %d %s", rr.Code, rr.Body.String())
	}
	expectError(t, srv.do(t, http.MethodGet, "/api/v1/configs/"+created.ID, "alice", nil), http.StatusNotFound, "not_found")
}

func TestConfig_OtherOwnerReadsAsMissing(t *testing.T) {
	srv := newTestServer(t)
	created := createConfig(t, srv, "alice", liveConfigBody())
	path := "/api/v1/configs/" + created.ID

	expectError(t, srv.do(t, http.MethodGet, path, "bob", nil), http.StatusNotFound, "not_found")
	expectError(t, srv.do(t, http.MethodPut, path, "bob", liveConfigBody()), http.StatusNotFound, "not_found")
	expectError(t, srv.do(t, http.MethodDelete, path, "bob", nil), http.StatusNotFound, "not_found")
	expectError(t, srv.do(t, http.MethodGet, path+"/secret", "bob", nil), http.StatusNotFound, "not_found")

	if rr := srv.do(t, http.MethodGet, path, "alice", nil); rr.Code != http.StatusOK {
		t.Fatalf("owner lost access: %d", rr.Code)
	}
}

func TestConfig_ValidationErrors(t *testing.T) {
	srv := newTestServer(t)

	bad := liveConfigBody()
	bad.DeliveryChannels = []alerts.Channel{alerts.ChannelWebhook}
	bad.WebhookURL = "ftp://example.com/hook"
	expectError(t, srv.do(t, http.MethodPost, "/api/v1/configs", "alice", bad), http.StatusBadRequest, "invalid_config")

	noChannels := liveConfigBody()
	noChannels.DeliveryChannels = nil
	expectError(t, srv.do(t, http.MethodPost, "/api/v1/configs", "alice", noChannels), http.StatusBadRequest, "invalid_config")

	rr := srv.do(t, http.MethodPost, "/api/v1/configs", "alice", map[string]any{"name": "x", "owner_id": "mallory"})
	expectError(t, rr, http.StatusBadRequest, "invalid_request")
}

func TestConfigSecret_MatchesDerivedKey(t *testing.T) {
	srv := newTestServer(t)
	body := liveConfigBody()
	body.DeliveryChannels = []alerts.Channel{alerts.ChannelWebhook}
	body.WebhookURL = "https://hooks.example.com/flare"
	created := createConfig(t, srv, "alice", body)

	rr := srv.do(t, http.MethodGet, "/api/v1/configs/"+created.ID+"/secret", "alice", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("secret: %d %s", rr.Code, rr.Body.String())
	}
	got := decodeBody[map[string]string](t, rr)

	masterKey, _ := hex.DecodeString(strings.Repeat("a", 64))
	want, err := channels.MasterKeySecrets(masterKey)(created)
	if err != nil {
		t.Fatal(err)
	}
	if got["secret"] != hex.EncodeToString(want) {
		t.Fatalf("secret %q does not match derived key", got["secret"])
	}
}

func TestIngestPrediction(t *testing.T) {
	srv := newTestServer(t)
	cfg := createConfig(t, srv, "alice", liveConfigBody())
	pred := alerts.Prediction{
		ID:               "pred-1",
		Timestamp:        time.Now().UTC(),
		FlareProbability: 0.9,
		Severity:         alerts.SeverityHigh,
		Confidence:       0.8,
	}

	post := func(key string, body any) *httptest.ResponseRecorder {
		var buf bytes.Buffer
		_ = json.NewEncoder(&buf).Encode(body)
		req := httptest.NewRequest(http.MethodPost, "/api/v1/predictions", &buf)
		if key != "" {
			req.Header.Set(auth.IngestKeyHeader, key)
		}
		rr := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rr, req)
		return rr
	}

	expectError(t, post("", pred), http.StatusUnauthorized, "unauthorized")
	expectError(t, post("wrong", pred), http.StatusUnauthorized, "unauthorized")

	invalid := pred
	invalid.Severity = "apocalyptic"
	expectError(t, post(testIngestKey, invalid), http.StatusBadRequest, "invalid_prediction")

	rr := post(testIngestKey, pred)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("ingest: %d %s", rr.Code, rr.Body.String())
	}
	var res struct {
		PredictionID  string   `json:"prediction_id"`
		Fired         []string `json:"fired_config_ids"`
		Notifications int      `json:"notifications"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&res); err != nil {
		t.Fatal(err)
	}
	if res.PredictionID != "pred-1" || len(res.Fired) != 1 || res.Fired[0] != cfg.ID || res.Notifications != 1 {
		t.Fatalf("unexpected ingest result %+v", res)
	}

	history := decodeBody[[]notifications.Notification](t, srv.do(t, http.MethodGet, "/api/v1/notifications?config_id="+cfg.ID, "alice", nil))
	if len(history) != 1 || history[0].Channel != alerts.ChannelLivePush {
		t.Fatalf("unexpected history %+v", history)
	}
	if bob := decodeBody[[]notifications.Notification](t, srv.do(t, http.MethodGet, "/api/v1/notifications", "bob", nil)); len(bob) != 0 {
		t.Fatalf("bob sees alice's notifications: %+v", bob)
	}

	stored, err := srv.configStore.Get(context.Background(), cfg.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.TriggeredCount != 1 || stored.LastTriggeredAt == nil {
		t.Fatalf("trigger not recorded: %+v", stored)
	}
}

func TestIngestDisabledWithoutKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.IngestKey = ""
	srv := newTestServerWith(t, cfg)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/predictions", strings.NewReader(`{}`))
	req.Header.Set(auth.IngestKeyHeader, "")
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with ingest disabled, got %d", rr.Code)
	}
}

func TestListNotifications_RejectsBadFilters(t *testing.T) {
	srv := newTestServer(t)
	expectError(t, srv.do(t, http.MethodGet, "/api/v1/notifications?status=lost", "alice", nil), http.StatusBadRequest, "invalid_request")
	expectError(t, srv.do(t, http.MethodGet, "/api/v1/notifications?limit=-2", "alice", nil), http.StatusBadRequest, "invalid_request")
}

// storeNotification inserts a notification directly, bypassing dispatch.
func storeNotification(t *testing.T, s *Server, owner string, failed bool) notifications.Notification {
	t.Helper()
	ctx := context.Background()
	created, err := s.notifyStore.Create(ctx, []notifications.Notification{{
		PredictionID: uuid.NewString(),
		ConfigID:     "cfg-missing",
		UserID:       owner,
		Channel:      alerts.ChannelWebhook,
		MaxAttempts:  1,
		Prediction:   alerts.Prediction{ID: "pred-1", Severity: alerts.SeverityHigh},
	}})
	if err != nil {
		t.Fatal(err)
	}
	n := created[0]
	if failed {
		now := time.Now().UTC()
		if _, err := s.notifyStore.Claim(ctx, n.ID, now); err != nil {
			t.Fatal(err)
		}
		if n, err = s.notifyStore.MarkFailed(ctx, n.ID, now, "boom"); err != nil {
			t.Fatal(err)
		}
	}
	return n
}

func TestGetNotification(t *testing.T) {
	srv := newTestServer(t)
	n := storeNotification(t, srv, "alice", false)

	got := decodeBody[notifications.Notification](t, srv.do(t, http.MethodGet, "/api/v1/notifications/"+n.ID, "alice", nil))
	if got.ID != n.ID || got.Status != notifications.StatusPending {
		t.Fatalf("unexpected notification %+v", got)
	}
	expectError(t, srv.do(t, http.MethodGet, "/api/v1/notifications/"+n.ID, "bob", nil), http.StatusNotFound, "not_found")
	expectError(t, srv.do(t, http.MethodGet, "/api/v1/notifications/missing", "alice", nil), http.StatusNotFound, "not_found")
}

func TestRequeueNotification(t *testing.T) {
	srv := newTestServer(t)
	failed := storeNotification(t, srv, "alice", true)

	expectError(t, srv.do(t, http.MethodPost, "/api/v1/notifications/"+failed.ID+"/requeue", "bob", nil), http.StatusNotFound, "not_found")

	rr := srv.do(t, http.MethodPost, "/api/v1/notifications/"+failed.ID+"/requeue", "alice", nil)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("requeue: %d %s", rr.Code, rr.Body.String())
	}
	got := decodeBody[notifications.Notification](t, rr)
	if got.Status != notifications.StatusPending || got.AttemptCount != 0 || got.MaxAttempts != 3 {
		t.Fatalf("unexpected requeued notification %+v", got)
	}
}

func TestRequeueNotification_ConflictWhenNotFailed(t *testing.T) {
	srv := newTestServer(t)
	pending := storeNotification(t, srv, "alice", false)

	expectError(t, srv.do(t, http.MethodPost, "/api/v1/notifications/"+pending.ID+"/requeue", "alice", nil), http.StatusConflict, "not_failed")
}

func TestRateLimitPerSubject(t *testing.T) {
	cfg := testConfig(t)
	cfg.RateLimit = auth.RateLimitConfig{RequestsPerMinute: 1, Burst: 1, EntryTTL: time.Minute}
	srv := newTestServerWith(t, cfg)

	if rr := srv.do(t, http.MethodGet, "/api/v1/configs", "alice", nil); rr.Code != http.StatusOK {
		t.Fatalf("first request: %d", rr.Code)
	}
	expectError(t, srv.do(t, http.MethodGet, "/api/v1/configs", "alice", nil), http.StatusTooManyRequests, "rate_limited")
	if rr := srv.do(t, http.MethodGet, "/api/v1/configs", "bob", nil); rr.Code != http.StatusOK {
		t.Fatalf("bob throttled by alice's budget: %d", rr.Code)
	}
}

func TestLiveConnections_EmptyForNewSubscriber(t *testing.T) {
	srv := newTestServer(t)
	rr := srv.do(t, http.MethodGet, "/api/v1/live/connections", "alice", nil)
	if rr.Code != http.StatusOK || strings.TrimSpace(rr.Body.String()) != "[]" {
		t.Fatalf("unexpected connections response %d %s", rr.Code, rr.Body.String())
	}
}

func TestWriteJSONError_UsesStableJSONEnvelope(t *testing.T) {
	rr := httptest.NewRecorder()
	writeJSONError(rr, http.StatusBadRequest, "invalid_request", `bad input: "quoted" value`)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("expected application/json content type, got %q", ct)
	}
	payload := decodeBody[APIError](t, rr)
	if payload.Code != "invalid_request" || payload.Error != `bad input: "quoted" value` {
		t.Fatalf("unexpected error payload %+v", payload)
	}
}

func TestCORS_AllowsConfiguredOrigin(t *testing.T) {
	cfg := testConfig(t)
	cfg.CORS.AllowedOrigins = []string{"https://app.example.com"}
	srv := newTestServerWith(t, cfg)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/configs", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("expected allowed origin header, got %q", got)
	}
}
