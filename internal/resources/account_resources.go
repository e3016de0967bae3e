package resources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/teemow/unimail/internal/auth"
	"github.com/teemow/unimail/internal/logging"
	"github.com/teemow/unimail/internal/server"
)

const (
	AccountsURI = "unimail://accounts"
	SessionsURI = "unimail://sessions"
)

// ErrUnauthorized is returned when a read carries no valid credential
var ErrUnauthorized = errors.New("unauthorized: invalid or missing access token")

type resourceHandler = func(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error)

// Catalog describes the resources RegisterAccountResources adds
func Catalog() []mcp.Resource {
	return []mcp.Resource{
		mcp.NewResource(
			AccountsURI,
			"Accounts",
			mcp.WithResourceDescription("Registered email accounts with passwords redacted"),
			mcp.WithMIMEType("application/json"),
		),
		mcp.NewResource(
			SessionsURI,
			"Sessions",
			mcp.WithResourceDescription("State of the pooled IMAP and SMTP sessions per account"),
			mcp.WithMIMEType("application/json"),
		),
	}
}

// RegisterAccountResources registers the account and session resources
func RegisterAccountResources(s *mcpserver.MCPServer, sc *server.ServerContext) error {
	handlers := map[string]resourceHandler{
		AccountsURI: func(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
			return handleAccounts(ctx, request, sc)
		},
		SessionsURI: func(_ context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
			return handleSessions(request, sc)
		},
	}

	for _, res := range Catalog() {
		h, ok := handlers[res.URI]
		if !ok {
			return fmt.Errorf("no handler for resource %s", res.URI)
		}
		s.AddResource(res, authorized(sc, h))
	}
	return nil
}

// authorized rejects reads whose credential does not validate
func authorized(sc *server.ServerContext, h resourceHandler) resourceHandler {
	return func(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		presented := auth.CredentialFromContext(ctx)
		result := sc.Tokens().Validate(presented)
		if m := sc.Metrics(); m != nil {
			status := "success"
			if !result.Authorized {
				status = "invalid"
			}
			m.RecordAuth(ctx, "mcp", status)
		}
		if !result.Authorized {
			sc.Logger().Warn("unauthorized resource read",
				slog.String("uri", request.Params.URI),
				slog.String("credential", logging.SanitizeToken(presented)),
				slog.String("reason", result.Reason))
			return nil, ErrUnauthorized
		}
		return h(ctx, request)
	}
}

func handleAccounts(ctx context.Context, request mcp.ReadResourceRequest, sc *server.ServerContext) ([]mcp.ResourceContents, error) {
	list, err := sc.Registry().List(ctx)
	if err != nil {
		sc.Logger().Error("listing accounts failed", logging.Err(err))
		return nil, fmt.Errorf("failed to list accounts")
	}
	return jsonContents(request.Params.URI, list)
}

func handleSessions(request mcp.ReadResourceRequest, sc *server.ServerContext) ([]mcp.ResourceContents, error) {
	return jsonContents(request.Params.URI, sc.Pool().Stats())
}

func jsonContents(uri string, v interface{}) ([]mcp.ResourceContents, error) {
	jsonData, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal resource data: %w", err)
	}

	return []mcp.ResourceContents{
		&mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(jsonData),
		},
	}, nil
}
