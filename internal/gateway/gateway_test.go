// ABOUTME: Tests for Gateway construction, lifecycle and operational endpoints
// ABOUTME: Covers Run/Shutdown, health, readiness, metrics and token auth wiring

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/studio-chat/internal/auth"
	"github.com/2389/studio-chat/internal/config"
)

const (
	customer = "customer-an"
	host     = "studio-host"

	testSecret = "0123456789abcdef0123456789abcdef"
)

// testConfig creates a minimal config with header identity and a temp database.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Server: config.ServerConfig{
			HTTPAddr:        "127.0.0.1:0",
			ShutdownTimeout: 2 * time.Second,
		},
		Database: config.DatabaseConfig{
			Path: filepath.Join(t.TempDir(), "chat.db"),
		},
		Auth: config.AuthConfig{Disabled: true},
		Delivery: config.DeliveryConfig{
			PingInterval: time.Second,
		},
		Typing: config.TypingConfig{
			SweepInterval: 10 * time.Millisecond,
		},
		Dedupe:  config.DedupeConfig{TTL: time.Minute, MaxEntries: 100},
		Metrics: config.MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newGatewayWithConfig(t *testing.T, cfg *config.Config) *Gateway {
	t.Helper()
	gw, err := New(cfg, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = gw.Shutdown(ctx)
	})
	return gw
}

func newTestGateway(t *testing.T) *Gateway {
	t.Helper()
	return newGatewayWithConfig(t, testConfig(t))
}

// doRequest runs one request through the gateway's handler. body may be nil,
// a raw string, or a value encoded as JSON.
func doRequest(t *testing.T, gw *Gateway, method, path, participant string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	if participant != "" {
		req.Header.Set(auth.ParticipantHeader, participant)
	}
	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), "body: %s", rec.Body.String())
	return v
}

func TestGatewayNew(t *testing.T) {
	gw := newTestGateway(t)

	assert.NotNil(t, gw.Service())
	assert.Nil(t, gw.verifier, "auth disabled means no verifier")
	assert.Equal(t, time.Second, gw.pingInterval)
}

func TestGatewayNew_BadDatabasePath(t *testing.T) {
	cfg := testConfig(t)
	// a file where the parent directory should be
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))
	cfg.Database.Path = filepath.Join(blocker, "chat.db")

	_, err := New(cfg, testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "initializing store")
}

func TestGatewayRunAndShutdown(t *testing.T) {
	gw, err := New(testConfig(t), testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gw.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestGatewayRun_ListenError(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.HTTPAddr = "127.0.0.1:99999"
	gw := newGatewayWithConfig(t, cfg)

	err := gw.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listening on HTTP address")
}

func TestHealthEndpoint(t *testing.T) {
	gw := newTestGateway(t)

	rec := doRequest(t, gw, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestReadyEndpoint(t *testing.T) {
	gw := newTestGateway(t)

	rec := doRequest(t, gw, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready (0 sessions)", rec.Body.String())

	require.NoError(t, gw.store.Close())
	rec = doRequest(t, gw, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	gw := newTestGateway(t)
	conv := startConversation(t, gw, customer, host)
	sendMessage(t, gw, customer, conv.ID, "Xin chào")

	rec := doRequest(t, gw, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "studio_chat_messages_appended_total 1")
	assert.Contains(t, body, "go_goroutines")
}

func TestMetricsEndpoint_Disabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Metrics.Enabled = false
	gw := newGatewayWithConfig(t, cfg)

	rec := doRequest(t, gw, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTokenAuth(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth = config.AuthConfig{JWTSecret: testSecret, Issuer: "studio-booking"}
	gw := newGatewayWithConfig(t, cfg)
	require.NotNil(t, gw.verifier)

	token, err := auth.NewJWTVerifier([]byte(testSecret), "studio-booking").Generate(customer, time.Hour)
	require.NoError(t, err)
	foreign, err := auth.NewJWTVerifier([]byte(testSecret), "someone-else").Generate(customer, time.Hour)
	require.NoError(t, err)

	// the trusted header is ignored when tokens are required
	rec := doRequest(t, gw, http.MethodGet, "/api/conversations", customer, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	for name, tc := range map[string]struct {
		token string
		want  int
	}{
		"valid":        {token, http.StatusOK},
		"wrong issuer": {foreign, http.StatusUnauthorized},
	} {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/conversations", nil)
			req.Header.Set("Authorization", "Bearer "+tc.token)
			rec := httptest.NewRecorder()
			gw.Handler().ServeHTTP(rec, req)
			assert.Equal(t, tc.want, rec.Code)
		})
	}

	// health stays open
	rec = doRequest(t, gw, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
