package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-0123456789"

func newService(t *testing.T) *TokenService {
	t.Helper()
	s, err := NewTokenService(testSecret, "")
	require.NoError(t, err)
	return s
}

func TestIssueAndValidate(t *testing.T) {
	s := newService(t)
	token, exp, err := s.Issue("user-1", time.Hour)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), exp, 5*time.Second)

	subject, err := s.Validate(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", subject)
}

func TestValidateRejects(t *testing.T) {
	s := newService(t)

	expired := newService(t)
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	old, _, err := expired.Issue("user-1", time.Hour)
	require.NoError(t, err)

	other, err := NewTokenService("another-secret-abcdef", "")
	require.NoError(t, err)
	foreign, _, err := other.Issue("user-1", time.Hour)
	require.NoError(t, err)

	wrongIssuer, err := NewTokenService(testSecret, "someone-else")
	require.NoError(t, err)
	misissued, _, err := wrongIssuer.Issue("user-1", time.Hour)
	require.NoError(t, err)

	noExp, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject: "user-1",
		Issuer:  DefaultIssuer,
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	for name, token := range map[string]string{
		"empty":        "",
		"garbage":      "not-a-jwt",
		"expired":      old,
		"wrong secret": foreign,
		"wrong issuer": misissued,
		"no expiry":    noExp,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := s.Validate(context.Background(), token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestNewTokenServiceRejectsShortSecret(t *testing.T) {
	_, err := NewTokenService("short", "")
	assert.Error(t, err)
}

func TestIssueRequiresSubjectAndTTL(t *testing.T) {
	s := newService(t)
	_, _, err := s.Issue(" ", time.Hour)
	assert.Error(t, err)
	_, _, err = s.Issue("user-1", 0)
	assert.Error(t, err)
}

func TestMiddleware(t *testing.T) {
	s := newService(t)
	token, _, err := s.Issue("user-7", time.Hour)
	require.NoError(t, err)

	var seen string
	h := Middleware(s)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = SubjectFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/configs", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, "user-7", seen)

	for _, header := range []string{"", "Basic abc", "Bearer ", "Bearer junk"} {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/configs", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusUnauthorized, rr.Code, header)
		assert.Contains(t, rr.Body.String(), `"code":"unauthorized"`)
	}
}

func TestRequireIngestKey(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusAccepted) })

	h := RequireIngestKey("k-123")(ok)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/predictions", nil)
	req.Header.Set(IngestKeyHeader, "k-123")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusAccepted, rr.Code)

	req.Header.Set(IngestKeyHeader, "wrong")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	disabled := RequireIngestKey("")(ok)
	req.Header.Del(IngestKeyHeader)
	rr = httptest.NewRecorder()
	disabled.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}
