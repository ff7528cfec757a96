package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

const testMasterKey = "this-is-a-test-master-key-of-40-bytes!!"

func testConfig(t *testing.T) Config {
	t.Helper()
	v := viper.New()
	v.Set("master_key", testMasterKey)
	v.Set("internal_key", "internal-key-for-app-tests")
	cfg, err := loadConfig(v)
	require.NoError(t, err)
	return cfg
}

func newTestApp(t *testing.T) *App {
	t.Helper()
	a, err := New(context.Background(), testConfig(t), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(a.close)
	return a
}

func TestApp_ProbesAndMetrics(t *testing.T) {
	t.Parallel()
	a := newTestApp(t)

	for path, want := range map[string]string{"/healthz": "ok", "/readyz": "ready"} {
		rec := httptest.NewRecorder()
		a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, rec.Code, path)
		require.Equal(t, want, strings.TrimSpace(rec.Body.String()))
		require.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	}

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestApp_LoginThroughFullStack(t *testing.T) {
	t.Parallel()
	a := newTestApp(t)

	req := httptest.NewRequest(http.MethodPost, "/internal/auth/login-complete", strings.NewReader(`{"user_id":"u1","permissions":["signals:read"]}`))
	req.Header.Set("X-Internal-Key", "internal-key-for-app-tests")
	req.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64) Firefox/128.0")
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var out struct {
		SessionID   string `json:"session_id"`
		Credentials struct {
			AccessToken string `json:"access_token"`
		} `json:"credentials"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.NotEmpty(t, out.Credentials.AccessToken)

	req = httptest.NewRequest(http.MethodGet, "/api/account/sessions", nil)
	req.Header.Set("Authorization", "Bearer "+out.Credentials.AccessToken)
	rec = httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Contains(t, rec.Body.String(), out.SessionID)
	require.NotEmpty(t, rec.Header().Get("X-RateLimit-Limit"))

	rec = httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Contains(t, rec.Body.String(), "signalhub_auth_logins_total 1")
}

func TestApp_RunStopsOnCancel(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.HTTPAddr = "127.0.0.1:0"
	a, err := New(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	cancel()
	require.NoError(t, <-done)
}
