package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/teemow/unimail/internal/auth"
)

const (
	// DefaultHTTPAddr is the default listen address of the MCP endpoint
	DefaultHTTPAddr = ":8080"

	// MCPEndpoint is the path of the streamable HTTP transport
	MCPEndpoint = "/mcp"

	DefaultRateLimit = 10
	DefaultRateBurst = 20

	httpReadHeaderTimeout = 10 * time.Second
	httpIdleTimeout       = 120 * time.Second

	// httpWriteTimeout outlasts the longest mail operation
	httpWriteTimeout = 3 * time.Minute
)

// HTTPServerConfig configures the MCP HTTP gateway
type HTTPServerConfig struct {
	Addr string

	// RateLimit is the sustained per-IP request rate; RateBurst the burst
	RateLimit  float64
	RateBurst  int
	TrustProxy bool

	// DisableStreaming answers every request with a single JSON response
	DisableStreaming bool

	Logger *slog.Logger
}

// HTTPServer serves the MCP streamable HTTP transport behind the rate
// limiter and bearer token middleware. Health endpoints are public.
type HTTPServer struct {
	mcpServer  *mcpserver.MCPServer
	sc         *ServerContext
	health     *HealthChecker
	config     HTTPServerConfig
	logger     *slog.Logger
	httpServer *http.Server

	mu   sync.Mutex
	addr string
}

// NewHTTPServer creates the gateway server
func NewHTTPServer(mcpServer *mcpserver.MCPServer, sc *ServerContext, health *HealthChecker, config HTTPServerConfig) *HTTPServer {
	if config.Addr == "" {
		config.Addr = DefaultHTTPAddr
	}
	if config.RateLimit <= 0 {
		config.RateLimit = DefaultRateLimit
	}
	if config.RateBurst <= 0 {
		config.RateBurst = DefaultRateBurst
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	s := &HTTPServer{
		mcpServer: mcpServer,
		sc:        sc,
		health:    health,
		config:    config,
		logger:    config.Logger,
		addr:      config.Addr,
	}
	// Shutdown may run before Start
	s.httpServer = &http.Server{
		Addr:              config.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: httpReadHeaderTimeout,
		WriteTimeout:      httpWriteTimeout,
		IdleTimeout:       httpIdleTimeout,
	}
	return s
}

// Handler builds the routing tree. Only the allow-listed health routes
// bypass authentication.
func (s *HTTPServer) Handler() http.Handler {
	mux := http.NewServeMux()
	s.health.RegisterHealthEndpoints(mux)

	opts := []mcpserver.StreamableHTTPOption{
		mcpserver.WithEndpointPath(MCPEndpoint),
		mcpserver.WithHTTPContextFunc(auth.HTTPContextFunc),
	}
	if s.config.DisableStreaming {
		opts = append(opts, mcpserver.WithDisableStreaming(true))
	}
	streamable := mcpserver.NewStreamableHTTPServer(s.mcpServer, opts...)

	var recorder auth.AuthRecorder
	if m := s.sc.Metrics(); m != nil {
		recorder = m
	}
	middleware := auth.NewMiddleware(s.sc.Tokens(), recorder, s.logger)
	limiter := auth.NewRateLimiter(s.config.RateLimit, s.config.RateBurst, s.config.TrustProxy)

	mux.Handle(MCPEndpoint, limiter.Wrap(middleware.Wrap(streamable)))

	return s.instrument(mux)
}

// instrument records request counts and latency per route
func (s *HTTPServer) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		metrics := s.sc.Metrics()
		if metrics == nil {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		metrics.RecordHTTPRequest(r.Context(), r.Method, routeLabel(r.URL.Path), sw.status, time.Since(start))
	})
}

// routeLabel bounds the path label to the known routes
func routeLabel(path string) string {
	if path == MCPEndpoint || auth.IsPublicPath(path) {
		return path
	}
	return "other"
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}

// Flush keeps server-sent event streams working through the wrapper
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Start listens and serves until Shutdown. ready, if not nil, is closed
// once the listener is bound. After Shutdown, Start returns nil at once.
func (s *HTTPServer) Start(ready chan<- struct{}) error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()

	s.logger.Info("starting MCP HTTP server",
		slog.String("addr", ln.Addr().String()),
		slog.String("endpoint", MCPEndpoint))
	if ready != nil {
		close(ready)
	}

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Addr returns the listen address. After the ready signal it is the bound
// address.
func (s *HTTPServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Shutdown gracefully shuts down the server. It is safe to call from
// another goroutine at any time, including before Start.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	s.health.SetReady(false)
	return s.httpServer.Shutdown(ctx)
}
