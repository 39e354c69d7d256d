// Package mcptool adapts external MCP (Model Context Protocol) servers
// into toolkits. The connection is established lazily on first use over
// the stdio transport; user-registered servers come from the Core
// service's /mcp/users catalog.
package mcptool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/cowork-ai/cowork/pkg/coreapi"
	"github.com/cowork-ai/cowork/pkg/toolkit"
)

const protocolVersion = "2024-11-05"

// Toolkit exposes one MCP server's tools through the toolkit contract.
type Toolkit struct {
	spec coreapi.MCPServerSpec

	mu        sync.Mutex
	client    *client.Client
	methods   []toolkit.MethodSpec
	connected bool
}

// New creates an MCP-backed toolkit from a server spec.
func New(spec coreapi.MCPServerSpec) (*Toolkit, error) {
	if spec.Command == "" {
		return nil, fmt.Errorf("mcp server %q: command is required for stdio transport", spec.Name)
	}
	return &Toolkit{spec: spec}, nil
}

// Name implements toolkit.Toolkit. MCP toolkits are namespaced to avoid
// colliding with builtins.
func (t *Toolkit) Name() string { return "mcp:" + t.spec.Name }

// Methods lists the server's tools, connecting lazily.
func (t *Toolkit) Methods() []toolkit.MethodSpec {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.connectLocked(context.Background()); err != nil {
		slog.Warn("MCP server unavailable", "server", t.spec.Name, "error", err)
		return nil
	}
	return t.methods
}

// Call implements toolkit.Toolkit.
func (t *Toolkit) Call(ctx context.Context, tc toolkit.ToolContext, method string, args map[string]any) (*toolkit.ToolResult, error) {
	t.mu.Lock()
	if err := t.connectLocked(ctx); err != nil {
		t.mu.Unlock()
		return nil, fmt.Errorf("connect to MCP server %q: %w", t.spec.Name, err)
	}
	mcpClient := t.client
	t.mu.Unlock()

	req := mcp.CallToolRequest{}
	req.Params.Name = method
	req.Params.Arguments = args

	resp, err := mcpClient.CallTool(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("MCP call %s.%s: %w", t.spec.Name, method, err)
	}

	var text string
	for _, content := range resp.Content {
		if tc, ok := content.(mcp.TextContent); ok {
			if text != "" {
				text += "\n"
			}
			text += tc.Text
		}
	}
	return &toolkit.ToolResult{Content: text, IsError: resp.IsError}, nil
}

// Close shuts the server subprocess down.
func (t *Toolkit) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client == nil {
		return nil
	}
	err := t.client.Close()
	t.client = nil
	t.connected = false
	t.methods = nil
	return err
}

// connectLocked establishes the stdio connection. Caller holds t.mu.
func (t *Toolkit) connectLocked(ctx context.Context) error {
	if t.connected {
		return nil
	}

	env := make([]string, 0, len(t.spec.Env))
	for k, v := range t.spec.Env {
		env = append(env, k+"="+v)
	}

	mcpClient, err := client.NewStdioMCPClient(t.spec.Command, env, t.spec.Args...)
	if err != nil {
		return fmt.Errorf("create MCP client: %w", err)
	}
	if err := mcpClient.Start(ctx); err != nil {
		return fmt.Errorf("start MCP client: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: "cowork", Version: "1.0.0"}
	initReq.Params.ProtocolVersion = protocolVersion
	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		mcpClient.Close()
		return fmt.Errorf("initialize MCP session: %w", err)
	}

	listResp, err := mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		mcpClient.Close()
		return fmt.Errorf("list MCP tools: %w", err)
	}

	methods := make([]toolkit.MethodSpec, 0, len(listResp.Tools))
	for _, tool := range listResp.Tools {
		methods = append(methods, toolkit.MethodSpec{
			Name:        tool.Name,
			Description: tool.Description,
		})
	}

	t.client = mcpClient
	t.methods = methods
	t.connected = true

	slog.Info("Connected to MCP server",
		"server", t.spec.Name, "command", t.spec.Command, "tools", len(methods))
	return nil
}

var _ toolkit.Toolkit = (*Toolkit)(nil)
