package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/teemow/unimail/internal/accounts"
	"github.com/teemow/unimail/internal/auth"
	"github.com/teemow/unimail/internal/mail"
	"github.com/teemow/unimail/internal/mailproto"
	"github.com/teemow/unimail/internal/resources"
	"github.com/teemow/unimail/internal/server"
	"github.com/teemow/unimail/internal/session"
)

// toolCategories orders the reference. Tools not listed end up in "Other".
var toolCategories = []struct {
	name  string
	tools []string
}{
	{"Account Tools", []string{"add_account", "list_accounts", "remove_account"}},
	{"Mail Tools", []string{"list_messages", "get_message", "send_message", "mark_message", "list_mailboxes"}},
}

const otherCategory = "Other"

func newGenerateDocsCmd() *cobra.Command {
	var outputFile string

	cmd := &cobra.Command{
		Use:   "generate-docs",
		Short: "Generate MCP tool and resource documentation",
		Long: `Generate a markdown reference of every MCP tool and resource.
The tools are registered against an in-memory account store and introspected,
so the reference always matches the server.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			markdown, err := renderDocs(cmd.Context())
			if err != nil {
				return err
			}
			if outputFile == "" {
				_, err = io.WriteString(cmd.OutOrStdout(), markdown)
				return err
			}
			if err := os.WriteFile(outputFile, []byte(markdown), 0o644); err != nil {
				return fmt.Errorf("failed to write output file: %w", err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Documentation written to: %s\n", outputFile)
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputFile, "output", "o", "", "Output file (default: stdout)")
	return cmd
}

func renderDocs(ctx context.Context) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	serverContext, err := newDocsServerContext(ctx)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = serverContext.Shutdown(context.Background())
	}()

	mcpSrv := mcpserver.NewMCPServer("unimail", version,
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithResourceCapabilities(false, false),
	)

	// Register with write tools so every tool is documented
	if err := registerAllTools(mcpSrv, serverContext, false); err != nil {
		return "", err
	}

	tools := make([]mcp.Tool, 0)
	for _, serverTool := range mcpSrv.ListTools() {
		tools = append(tools, serverTool.Tool)
	}
	return generateDocsMarkdown(tools, resources.Catalog()), nil
}

// newDocsServerContext wires a server context against an in-memory store.
// Tools are only introspected, never called.
func newDocsServerContext(ctx context.Context) (*server.ServerContext, error) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	key, err := accounts.GenerateKey()
	if err != nil {
		return nil, err
	}
	cipher, err := accounts.NewCipher(key)
	if err != nil {
		return nil, err
	}
	store, err := accounts.OpenStore(":memory:", cipher)
	if err != nil {
		return nil, err
	}

	pool := session.NewPool(mailproto.NewDialer(0, logger), session.DefaultConfig(), nil, logger)
	registry := accounts.NewRegistry(store, pool, logger)
	pool.ResolveAccountsWith(registry)

	// The manager only touches its directory on first use
	tokens, err := auth.NewManager(auth.Options{Dir: os.TempDir(), Logger: logger})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	serverContext, err := server.NewServerContext(ctx, server.Options{
		Registry: registry,
		Pool:     pool,
		Mail:     mail.NewService(registry, pool, nil, logger),
		Tokens:   tokens,
		Logger:   logger,
		Store:    store,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to create server context: %w", err)
	}
	return serverContext, nil
}

func generateDocsMarkdown(tools []mcp.Tool, resourceList []mcp.Resource) string {
	var sb strings.Builder

	sb.WriteString("# MCP Tools Reference\n\n")
	sb.WriteString("Every tool and resource the unimail MCP server exposes.\n\n")
	sb.WriteString("**Note:** This documentation is automatically generated from the tool definitions.\n\n")

	grouped := groupToolsByCategory(tools)
	sections := categoryOrder(grouped)
	if len(resourceList) > 0 {
		sections = append(sections, "Resources")
	}

	sb.WriteString("## Table of Contents\n\n")
	for _, section := range sections {
		fmt.Fprintf(&sb, "- [%s](#%s)\n", section, strings.ToLower(strings.ReplaceAll(section, " ", "-")))
	}
	sb.WriteString("\n")

	sb.WriteString("## Accounts and Authorization\n\n")
	sb.WriteString("Mail tools take a required `account_name` argument naming a registered account. ")
	sb.WriteString("Register accounts with `add_account` or `unimail account add`.\n\n")
	sb.WriteString("Every tool and resource requires the access token shown by `unimail token show`. ")
	sb.WriteString("Failed calls return `error [<code>]: <message>` with a stable code such as `not_found` or `unauthorized`.\n\n")

	for _, category := range categoryOrder(grouped) {
		categoryTools := grouped[category]
		sort.Slice(categoryTools, func(i, j int) bool {
			return categoryTools[i].Name < categoryTools[j].Name
		})

		fmt.Fprintf(&sb, "## %s\n\n", category)
		for _, tool := range categoryTools {
			sb.WriteString(generateToolMarkdown(tool))
			sb.WriteString("\n")
		}
	}

	if len(resourceList) > 0 {
		sb.WriteString("## Resources\n\n")
		sb.WriteString("| URI | Name | Type | Description |\n|---|---|---|---|\n")
		for _, res := range resourceList {
			fmt.Fprintf(&sb, "| `%s` | %s | %s | %s |\n", res.URI, res.Name, res.MIMEType, res.Description)
		}
		sb.WriteString("\n")
	}

	return sb.String()
}

// categoryOrder lists the categories present in grouped, known ones first
func categoryOrder(grouped map[string][]mcp.Tool) []string {
	var order []string
	for _, c := range toolCategories {
		if len(grouped[c.name]) > 0 {
			order = append(order, c.name)
		}
	}
	if len(grouped[otherCategory]) > 0 {
		order = append(order, otherCategory)
	}
	return order
}

func groupToolsByCategory(tools []mcp.Tool) map[string][]mcp.Tool {
	categories := make(map[string][]mcp.Tool)
	for _, tool := range tools {
		category := getCategoryFromToolName(tool.Name)
		categories[category] = append(categories[category], tool)
	}
	return categories
}

func getCategoryFromToolName(name string) string {
	for _, c := range toolCategories {
		if slices.Contains(c.tools, name) {
			return c.name
		}
	}
	return otherCategory
}

func generateToolMarkdown(tool mcp.Tool) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "### %s\n\n", tool.Name)
	if tool.Description != "" {
		fmt.Fprintf(&sb, "%s\n\n", tool.Description)
	}
	if len(tool.InputSchema.Properties) == 0 {
		return sb.String()
	}

	sb.WriteString("**Arguments:**\n")

	propNames := make([]string, 0, len(tool.InputSchema.Properties))
	for name := range tool.InputSchema.Properties {
		propNames = append(propNames, name)
	}
	sort.Strings(propNames)

	for _, name := range propNames {
		propMap, ok := tool.InputSchema.Properties[name].(map[string]interface{})
		if !ok {
			continue
		}

		requiredStr := "optional"
		if slices.Contains(tool.InputSchema.Required, name) {
			requiredStr = "required"
		}

		desc, ok := propMap["description"].(string)
		if !ok {
			desc = getPropertyType(propMap) + " parameter"
		}
		fmt.Fprintf(&sb, "- `%s` (%s): %s\n", name, requiredStr, desc)
	}
	sb.WriteString("\n")

	return sb.String()
}

func getPropertyType(prop map[string]interface{}) string {
	switch t := prop["type"].(type) {
	case string:
		return t
	case []interface{}:
		names := make([]string, 0, len(t))
		for _, v := range t {
			if s, ok := v.(string); ok {
				names = append(names, s)
			}
		}
		return strings.Join(names, " or ")
	}
	return "any"
}
