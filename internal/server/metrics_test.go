package server

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teemow/unimail/internal/instrumentation"
)

func newProvider(t *testing.T, cfg instrumentation.Config) *instrumentation.Provider {
	t.Helper()
	cfg.ServiceName = "unimail-test"
	cfg.ServiceVersion = "1.0.0"
	provider, err := instrumentation.NewProvider(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	return provider
}

func createTestProvider(t *testing.T) *instrumentation.Provider {
	return newProvider(t, instrumentation.Config{
		Enabled:         true,
		MetricsExporter: instrumentation.ExporterPrometheus,
		TracingExporter: instrumentation.ExporterNone,
	})
}

func TestNewMetricsServer(t *testing.T) {
	tests := []struct {
		name     string
		provider func(t *testing.T) *instrumentation.Provider
		addr     string
		wantAddr string
		wantErr  string
	}{
		{name: "explicit addr", provider: createTestProvider, addr: ":9091", wantAddr: ":9091"},
		{name: "default addr", provider: createTestProvider, wantAddr: DefaultMetricsAddr},
		{
			name:     "nil provider",
			provider: func(*testing.T) *instrumentation.Provider { return nil },
			wantErr:  "instrumentation provider is required",
		},
		{
			name: "disabled provider",
			provider: func(t *testing.T) *instrumentation.Provider {
				return newProvider(t, instrumentation.Config{})
			},
			wantErr: "instrumentation provider is not enabled",
		},
		{
			name: "stdout exporter",
			provider: func(t *testing.T) *instrumentation.Provider {
				return newProvider(t, instrumentation.Config{
					Enabled:         true,
					MetricsExporter: instrumentation.ExporterStdout,
					TracingExporter: instrumentation.ExporterNone,
				})
			},
			wantErr: "does not export prometheus metrics",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, err := NewMetricsServer(MetricsServerConfig{
				Addr:                    tt.addr,
				InstrumentationProvider: tt.provider(t),
				Logger:                  discardLogger,
			})
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantAddr, srv.Addr())
		})
	}
}

func TestMetricsServer_ServesMailAndGatewayMetrics(t *testing.T) {
	provider := createTestProvider(t)
	ctx := context.Background()
	provider.Metrics().RecordMailOperation(ctx, instrumentation.ProtocolIMAP, instrumentation.OperationListMessages, instrumentation.StatusSuccess, time.Millisecond)
	provider.Metrics().RecordAuth(ctx, "http", instrumentation.AuthResultInvalid)

	srv, err := NewMetricsServer(MetricsServerConfig{
		Addr:                    "127.0.0.1:0",
		InstrumentationProvider: provider,
		Logger:                  discardLogger,
	})
	require.NoError(t, err)

	ready := make(chan struct{})
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.StartWithReadySignal(ready) }()

	select {
	case <-ready:
	case err := <-serveErr:
		t.Fatalf("metrics server failed to start: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("metrics server did not become ready")
	}

	resp, err := http.Get("http://" + srv.Addr() + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "mail_operations_total")
	assert.Contains(t, string(body), `result="invalid"`)

	resp, err = http.Get("http://" + srv.Addr() + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(shutdownCtx))

	select {
	case err := <-serveErr:
		assert.ErrorIs(t, err, http.ErrServerClosed)
	case <-time.After(2 * time.Second):
		t.Error("metrics server did not stop")
	}
}

func TestMetricsServer_ShutdownWithoutStart(t *testing.T) {
	srv, err := NewMetricsServer(MetricsServerConfig{InstrumentationProvider: createTestProvider(t)})
	require.NoError(t, err)
	assert.NoError(t, srv.Shutdown(context.Background()))
}

func TestMetricsServer_ShutdownBeforeStart(t *testing.T) {
	srv, err := NewMetricsServer(MetricsServerConfig{Addr: "127.0.0.1:0", InstrumentationProvider: createTestProvider(t)})
	require.NoError(t, err)
	require.NoError(t, srv.Shutdown(context.Background()))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, http.ErrServerClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("Start kept serving after Shutdown")
	}
}
