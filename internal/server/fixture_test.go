package server

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/teemow/unimail/internal/accounts"
	"github.com/teemow/unimail/internal/auth"
	"github.com/teemow/unimail/internal/mail"
	"github.com/teemow/unimail/internal/mailproto"
	"github.com/teemow/unimail/internal/session"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// newTestServerContext wires real components against an in-memory store.
// Nothing dials a mail server unless a mail tool runs.
func newTestServerContext(t *testing.T) (*ServerContext, string) {
	t.Helper()
	ctx := context.Background()

	key, err := accounts.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	cipher, err := accounts.NewCipher(key)
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	store, err := accounts.OpenStore(":memory:", cipher)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}

	pool := session.NewPool(mailproto.NewDialer(5*time.Second, discardLogger), session.Config{}, nil, discardLogger)
	registry := accounts.NewRegistry(store, pool, discardLogger)
	pool.ResolveAccountsWith(registry)
	svc := mail.NewService(registry, pool, nil, discardLogger)

	tokens, err := auth.NewManager(auth.Options{
		Deployment: auth.DeploymentLocal,
		Dir:        t.TempDir(),
		Logger:     discardLogger,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	tok, err := tokens.GetOrCreate(ctx)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	sc, err := NewServerContext(ctx, Options{
		Registry: registry,
		Pool:     pool,
		Mail:     svc,
		Tokens:   tokens,
		Logger:   discardLogger,
		Store:    store,
	})
	if err != nil {
		t.Fatalf("NewServerContext: %v", err)
	}
	t.Cleanup(func() {
		_ = sc.Shutdown(context.Background())
	})
	return sc, tok.Value
}
