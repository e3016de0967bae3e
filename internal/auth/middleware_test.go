package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

type staticValidator string

func (v staticValidator) Validate(presented string) Result {
	if presented == string(v) {
		return Authorized()
	}
	return Unauthorized("invalid token")
}

type authRecorder struct {
	mu      sync.Mutex
	results []string
}

func (r *authRecorder) RecordAuth(_ context.Context, _, result string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, result)
}

func protectedHandler(t *testing.T, called *bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*called = true
		if CredentialFromContext(r.Context()) == "" && !IsPublicPath(r.URL.Path) {
			t.Error("credential missing from request context")
		}
		w.WriteHeader(http.StatusOK)
	})
}

func TestMiddleware(t *testing.T) {
	const secret = "correct-horse-battery-staple"

	tests := []struct {
		name       string
		path       string
		header     string
		wantStatus int
		wantCalled bool
		wantResult string
	}{
		{"valid token", "/mcp", "Bearer " + secret, http.StatusOK, true, "success"},
		{"lowercase scheme", "/mcp", "bearer " + secret, http.StatusOK, true, "success"},
		{"missing header", "/mcp", "", http.StatusUnauthorized, false, "missing"},
		{"wrong scheme", "/mcp", "Basic " + secret, http.StatusUnauthorized, false, "malformed"},
		{"empty bearer", "/mcp", "Bearer ", http.StatusUnauthorized, false, "malformed"},
		{"wrong token", "/mcp", "Bearer nope", http.StatusUnauthorized, false, "invalid"},
		{"public healthz", "/healthz", "", http.StatusOK, true, ""},
		{"public readyz", "/readyz", "", http.StatusOK, true, ""},
		{"not public by prefix", "/healthzz", "", http.StatusUnauthorized, false, "missing"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &authRecorder{}
			called := false
			h := NewMiddleware(staticValidator(secret), rec, nil).Wrap(protectedHandler(t, &called))

			req := httptest.NewRequest(http.MethodPost, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if called != tt.wantCalled {
				t.Errorf("handler called = %v, want %v", called, tt.wantCalled)
			}

			if tt.wantStatus == http.StatusUnauthorized {
				if !strings.HasPrefix(w.Header().Get("WWW-Authenticate"), "Bearer realm=") {
					t.Errorf("missing WWW-Authenticate challenge, got %q", w.Header().Get("WWW-Authenticate"))
				}
				var body errorBody
				if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
					t.Fatalf("decoding error body: %v", err)
				}
				if body.Error.Code != "unauthorized" {
					t.Errorf("error code = %q, want unauthorized", body.Error.Code)
				}
				if strings.Contains(body.Error.Message, secret) {
					t.Error("error message must not echo the token")
				}
			}

			if tt.wantResult != "" && (len(rec.results) != 1 || rec.results[0] != tt.wantResult) {
				t.Errorf("recorded auth results = %v, want [%s]", rec.results, tt.wantResult)
			}
		})
	}
}

func TestBearerFromHeader(t *testing.T) {
	tests := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer abc", "abc", true},
		{"BEARER abc", "abc", true},
		{"Bearer  abc ", "abc", true},
		{"Bearer", "", false},
		{"Token abc", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			got, ok := BearerFromHeader(tt.header)
			if got != tt.want || ok != tt.ok {
				t.Errorf("BearerFromHeader(%q) = %q, %v; want %q, %v", tt.header, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestHTTPContextFunc(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req.Header.Set("Authorization", "Bearer abc")

	ctx := HTTPContextFunc(context.Background(), req)
	if got := CredentialFromContext(ctx); got != "abc" {
		t.Errorf("CredentialFromContext() = %q, want abc", got)
	}

	ctx = HTTPContextFunc(context.Background(), httptest.NewRequest(http.MethodPost, "/mcp", nil))
	if got := CredentialFromContext(ctx); got != "" {
		t.Errorf("CredentialFromContext() = %q, want empty", got)
	}
}

func TestStdioContextFunc(t *testing.T) {
	ctx := StdioContextFunc("secret")(context.Background())
	if got := CredentialFromContext(ctx); got != "secret" {
		t.Errorf("credential = %q, want secret", got)
	}

	ctx = StdioContextFunc("")(context.Background())
	if got := CredentialFromContext(ctx); got != "" {
		t.Errorf("credential = %q, want empty", got)
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(1, 2, false)

	if !rl.Allow("10.0.0.1") || !rl.Allow("10.0.0.1") {
		t.Fatal("burst of 2 should be allowed")
	}
	if rl.Allow("10.0.0.1") {
		t.Error("third immediate request should be limited")
	}
	if !rl.Allow("10.0.0.2") {
		t.Error("other IPs have their own bucket")
	}
}

func TestRateLimiter_Wrap(t *testing.T) {
	rl := NewRateLimiter(0.001, 1, false)
	h := rl.Wrap(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i, want := range []int{http.StatusOK, http.StatusTooManyRequests} {
		req := httptest.NewRequest(http.MethodGet, "/mcp", nil)
		req.RemoteAddr = "192.0.2.1:5555"
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		if w.Code != want {
			t.Errorf("request %d status = %d, want %d", i, w.Code, want)
		}
	}
}

func TestGetClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")

	if got := getClientIP(req, false); got != "192.0.2.1" {
		t.Errorf("untrusted proxy: got %q", got)
	}
	if got := getClientIP(req, true); got != "203.0.113.9" {
		t.Errorf("trusted proxy: got %q", got)
	}
}
