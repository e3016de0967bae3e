package auth

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/teemow/unimail/internal/logging"
)

// Realm is advertised in WWW-Authenticate challenges
const Realm = "unimail"

// PublicPaths are the only routes served without a token
var PublicPaths = []string{"/healthz", "/readyz", "/healthz/detailed"}

// IsPublicPath reports whether path is on the public allow-list
func IsPublicPath(path string) bool {
	return slices.Contains(PublicPaths, path)
}

// Validator checks presented credentials
type Validator interface {
	Validate(presented string) Result
}

// AuthRecorder receives gateway authentication outcomes
type AuthRecorder interface {
	RecordAuth(ctx context.Context, transport, result string)
}

type contextKey string

const credentialContextKey contextKey = "bearer_credential"

// WithCredential stores the credential presented by the caller
func WithCredential(ctx context.Context, credential string) context.Context {
	return context.WithValue(ctx, credentialContextKey, credential)
}

// CredentialFromContext returns the credential presented by the caller
func CredentialFromContext(ctx context.Context) string {
	v, _ := ctx.Value(credentialContextKey).(string)
	return v
}

// BearerFromHeader extracts the token of an "Authorization: Bearer" header
func BearerFromHeader(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}

// HTTPContextFunc copies the bearer credential of an HTTP request into the
// context handed to MCP handlers
func HTTPContextFunc(ctx context.Context, r *http.Request) context.Context {
	if token, ok := BearerFromHeader(r.Header.Get("Authorization")); ok {
		return WithCredential(ctx, token)
	}
	return ctx
}

// StdioContextFunc returns a context function for the stdio transport that
// attaches credential to every request. The credential is read once, from
// the environment of the server process.
func StdioContextFunc(credential string) func(context.Context) context.Context {
	return func(ctx context.Context) context.Context {
		if credential == "" {
			return ctx
		}
		return WithCredential(ctx, credential)
	}
}

// Middleware rejects requests without a valid bearer token. Paths on the
// public allow-list pass through.
type Middleware struct {
	validator Validator
	recorder  AuthRecorder
	logger    *slog.Logger
}

// NewMiddleware creates the gateway middleware. recorder may be nil.
func NewMiddleware(v Validator, recorder AuthRecorder, logger *slog.Logger) *Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return &Middleware{validator: v, recorder: recorder, logger: logging.WithService(logger, "gateway")}
}

// Wrap protects next
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if IsPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		if header == "" {
			m.reject(w, r, `Bearer realm="`+Realm+`"`, "missing Authorization header", "missing")
			return
		}

		token, ok := BearerFromHeader(header)
		if !ok {
			m.reject(w, r,
				`Bearer realm="`+Realm+`", error="invalid_request", error_description="expected Bearer token"`,
				"invalid Authorization header format", "malformed")
			return
		}

		if res := m.validator.Validate(token); !res.Authorized {
			m.reject(w, r,
				`Bearer realm="`+Realm+`", error="invalid_token"`,
				"invalid or expired token", "invalid")
			return
		}

		m.record(r.Context(), "success")
		next.ServeHTTP(w, r.WithContext(WithCredential(r.Context(), token)))
	})
}

func (m *Middleware) reject(w http.ResponseWriter, r *http.Request, challenge, message, result string) {
	m.record(r.Context(), result)
	m.logger.Warn("unauthorized request",
		slog.String("path", r.URL.Path),
		slog.String("remote_addr", extractIPFromAddr(r.RemoteAddr)),
		slog.String("reason", result))

	w.Header().Set("WWW-Authenticate", challenge)
	WriteError(w, http.StatusUnauthorized, "unauthorized", message)
}

func (m *Middleware) record(ctx context.Context, result string) {
	if m.recorder != nil {
		m.recorder.RecordAuth(ctx, "http", result)
	}
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// WriteError writes the gateway's JSON error envelope
func WriteError(w http.ResponseWriter, status int, code, message string) {
	var body errorBody
	body.Error.Code = code
	body.Error.Message = message

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
