package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const initializeRequest = `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","capabilities":{},"clientInfo":{"name":"test","version":"1.0.0"}}}`

func newTestHTTPServer(t *testing.T, cfg HTTPServerConfig) (*HTTPServer, string) {
	t.Helper()
	sc, token := newTestServerContext(t)
	mcpSrv := mcpserver.NewMCPServer("unimail-test", "1.0.0")
	cfg.Logger = discardLogger
	return NewHTTPServer(mcpSrv, sc, NewHealthChecker(sc, "test"), cfg), token
}

func mcpRequest(token string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, MCPEndpoint, strings.NewReader(initializeRequest))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func TestHTTPServer_RequiresBearerToken(t *testing.T) {
	srv, token := newTestHTTPServer(t, HTTPServerConfig{DisableStreaming: true})
	handler := srv.Handler()

	tests := []struct {
		name       string
		token      string
		wantStatus int
	}{
		{"missing token", "", http.StatusUnauthorized},
		{"wrong token", "not-the-token", http.StatusUnauthorized},
		{"valid token", token, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, mcpRequest(tt.token))
			assert.Equal(t, tt.wantStatus, w.Code)

			if tt.wantStatus == http.StatusUnauthorized {
				assert.Contains(t, w.Header().Get("WWW-Authenticate"), "Bearer")
				var body struct {
					Error struct {
						Code string `json:"code"`
					} `json:"error"`
				}
				require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
				assert.NotEmpty(t, body.Error.Code)
			}
		})
	}
}

func TestHTTPServer_HealthIsPublic(t *testing.T) {
	srv, _ := newTestHTTPServer(t, HTTPServerConfig{})
	handler := srv.Handler()

	for _, path := range []string{"/healthz", "/readyz", "/healthz/detailed"} {
		t.Run(path, func(t *testing.T) {
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
			assert.Equal(t, http.StatusOK, w.Code)
		})
	}
}

func TestHTTPServer_UnknownPathNotServed(t *testing.T) {
	srv, _ := newTestHTTPServer(t, HTTPServerConfig{})

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/get-token", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHTTPServer_RateLimit(t *testing.T) {
	srv, token := newTestHTTPServer(t, HTTPServerConfig{RateLimit: 0.001, RateBurst: 1, DisableStreaming: true})
	handler := srv.Handler()

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, mcpRequest(token))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, mcpRequest(token))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestHTTPServer_RecordsMetrics(t *testing.T) {
	srv, token := newTestHTTPServer(t, HTTPServerConfig{DisableStreaming: true})
	provider := createTestProvider(t)
	srv.sc.SetMetrics(provider.Metrics())
	handler := srv.Handler()

	handler.ServeHTTP(httptest.NewRecorder(), mcpRequest(token))
	handler.ServeHTTP(httptest.NewRecorder(), mcpRequest(""))

	w := httptest.NewRecorder()
	provider.PrometheusHandler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	out := w.Body.String()
	assert.Contains(t, out, "http_requests_total")
	assert.Contains(t, out, "gateway_auth_total")
}

func TestRouteLabel(t *testing.T) {
	assert.Equal(t, "/mcp", routeLabel("/mcp"))
	assert.Equal(t, "/healthz", routeLabel("/healthz"))
	assert.Equal(t, "other", routeLabel("/mcp/../etc/passwd"))
	assert.Equal(t, "other", routeLabel("/favicon.ico"))
}

func TestHTTPServer_StartAndShutdown(t *testing.T) {
	srv, _ := newTestHTTPServer(t, HTTPServerConfig{Addr: "127.0.0.1:0"})

	ready := make(chan struct{})
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ready) }()

	select {
	case <-ready:
	case err := <-errCh:
		t.Fatalf("Start() error = %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not become ready")
	}

	resp, err := http.Get("http://" + srv.Addr() + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	assert.NoError(t, <-errCh)
	assert.False(t, srv.health.IsReady())
}

func TestHTTPServer_ShutdownBeforeStart(t *testing.T) {
	srv, _ := newTestHTTPServer(t, HTTPServerConfig{Addr: "127.0.0.1:0"})

	require.NoError(t, srv.Shutdown(context.Background()))
	assert.False(t, srv.health.IsReady())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(nil) }()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Start kept serving after Shutdown")
	}
}

func TestHTTPServer_ConcurrentShutdownAndStart(t *testing.T) {
	srv, _ := newTestHTTPServer(t, HTTPServerConfig{Addr: "127.0.0.1:0"})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(nil) }()
	go func() { _ = srv.Addr() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after Shutdown")
	}
}
