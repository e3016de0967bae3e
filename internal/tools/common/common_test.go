package common

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/teemow/unimail/internal/auth"
	"github.com/teemow/unimail/internal/instrumentation"
	"github.com/teemow/unimail/internal/mailerr"
	"github.com/teemow/unimail/internal/tools/tooltest"
)

func okHandler(called *bool) ToolHandler {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		*called = true
		return mcp.NewToolResultText("ok"), nil
	}
}

func TestAuthorizedToolHandler(t *testing.T) {
	env := tooltest.NewEnv(t)

	tests := []struct {
		name       string
		ctx        context.Context
		wantCalled bool
	}{
		{"no credential", context.Background(), false},
		{"wrong credential", auth.WithCredential(context.Background(), "guess"), false},
		{"valid credential", env.Authorized(), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			h := AuthorizedToolHandler(env.SC, okHandler(&called))

			result, err := h(tt.ctx, tooltest.Request("list_accounts", nil))
			require.NoError(t, err)
			assert.Equal(t, tt.wantCalled, called)
			if tt.wantCalled {
				assert.False(t, result.IsError)
				return
			}
			assert.True(t, result.IsError)
			assert.Equal(t, "error [unauthorized]: invalid or missing access token", tooltest.Text(result))
		})
	}
}

func TestAuthorizedToolHandler_RotationRevokesOldCredential(t *testing.T) {
	env := tooltest.NewEnv(t)
	old := env.Authorized()

	_, err := env.SC.Tokens().Rotate(context.Background())
	require.NoError(t, err)

	called := false
	result, err := AuthorizedToolHandler(env.SC, okHandler(&called))(old, tooltest.Request("list_accounts", nil))
	require.NoError(t, err)
	assert.False(t, called)
	assert.Equal(t, mailerr.CodeUnauthorized, ResultCode(result))
}

func TestInstrumentedToolHandler(t *testing.T) {
	env := tooltest.NewEnv(t)
	env.AddAccount(t)

	metrics, err := instrumentation.NewMetrics(noop.NewMeterProvider().Meter("test"), false)
	require.NoError(t, err)
	env.SC.SetMetrics(metrics)

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	env.SC.SetAuditLogger(instrumentation.NewAuditLogger(logger, instrumentation.AuditLoggingConfig{Enabled: true}))

	t.Run("success", func(t *testing.T) {
		buf.Reset()
		called := false
		h := InstrumentedToolHandlerWithOperation("list_messages", "imap", "list_messages", env.SC, okHandler(&called))

		result, err := h(context.Background(), tooltest.Request("list_messages", map[string]interface{}{"account_name": "work"}))
		require.NoError(t, err)
		assert.True(t, called)
		assert.False(t, result.IsError)

		out := buf.String()
		assert.Contains(t, out, `"msg":"tool_executed"`)
		assert.Contains(t, out, `"tool":"list_messages"`)
		assert.Contains(t, out, `"account":"work"`)
		assert.Contains(t, out, `"user_hash"`)
		assert.NotContains(t, out, "ada@example.com")
	})

	t.Run("error result", func(t *testing.T) {
		buf.Reset()
		h := InstrumentedToolHandler("remove_account", env.SC, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return ErrorResult(nil, mailerr.NotFound("account %q not found", "nope")), nil
		})

		result, err := h(context.Background(), tooltest.Request("remove_account", map[string]interface{}{"account_name": "nope"}))
		require.NoError(t, err)
		assert.True(t, result.IsError)

		out := buf.String()
		assert.Contains(t, out, `"msg":"tool_failed"`)
		assert.Contains(t, out, `"error_code":"not_found"`)
	})

	t.Run("go error", func(t *testing.T) {
		buf.Reset()
		wantErr := errors.New("boom")
		h := InstrumentedToolHandler("list_accounts", env.SC, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return nil, wantErr
		})

		_, err := h(context.Background(), tooltest.Request("list_accounts", nil))
		assert.ErrorIs(t, err, wantErr)
		assert.Contains(t, buf.String(), `"error_code":"internal"`)
	})
}

func TestInstrumentedToolHandler_WithoutInstrumentation(t *testing.T) {
	env := tooltest.NewEnv(t)

	called := false
	result, err := InstrumentedToolHandler("list_accounts", env.SC, okHandler(&called))(context.Background(), tooltest.Request("list_accounts", nil))
	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, "ok", tooltest.Text(result))
}

func TestErrorResult(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{mailerr.InvalidArgument("page must be at least 1"), "error [invalid_argument]: page must be at least 1"},
		{mailerr.Conflict("account %q already exists", "work"), `error [conflict]: account "work" already exists`},
		{mailerr.NotFound("message 7 not found"), "error [not_found]: message 7 not found"},
		{mailerr.Wrap(mailerr.KindAuthentication, "connect", errors.New("535"), "login rejected"), "error [authentication_failed]: login rejected"},
		{mailerr.Wrap(mailerr.KindConnection, "imap", errors.New("reset"), "connection lost"), "error [connection_error]: connection lost"},
		{mailerr.New(mailerr.KindStaleReference, "mailbox changed"), "error [uid_validity_changed]: mailbox changed"},
		{fmt.Errorf("sql: %w", errors.New("disk I/O error at /var/lib/x")), "error [internal]: internal error"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			result := ErrorResult(tooltest.DiscardLogger, tt.err)
			assert.True(t, result.IsError)
			assert.Equal(t, tt.want, tooltest.Text(result))
		})
	}
}

func TestResultCode(t *testing.T) {
	assert.Equal(t, "", ResultCode(nil))
	assert.Equal(t, "", ResultCode(mcp.NewToolResultText("fine")))
	assert.Equal(t, "not_found", ResultCode(ErrorResult(nil, mailerr.NotFound("x"))))
	assert.Equal(t, "internal", ResultCode(mcp.NewToolResultError("something odd")))
}

func TestJSONResult(t *testing.T) {
	result, err := JSONResult(map[string]int{"total_count": 3})
	require.NoError(t, err)
	assert.JSONEq(t, `{"total_count":3}`, tooltest.Text(result))
}

func TestAccountFromArgs(t *testing.T) {
	assert.Equal(t, "work", AccountFromArgs(map[string]interface{}{"account_name": " work "}))
	assert.Equal(t, "", AccountFromArgs(map[string]interface{}{"account_name": 3}))
	assert.Equal(t, "", AccountFromArgs(nil))
}
