package source

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/hyperifyio/agentflow/internal/registry"
)

// MCPConfig describes one stdio MCP server process.
type MCPConfig struct {
	Command string
	Args    []string
	Env     []string
}

// MCP is a registry.Source backed by a stdio MCP server. The server process
// is started lazily on the first Discover and reused for tool calls.
type MCP struct {
	name   string
	cfg    MCPConfig
	logger *slog.Logger

	mu     sync.Mutex
	client *client.Client
}

var _ registry.Source = (*MCP)(nil)

// NewMCP builds an MCP source named name for the given server config.
func NewMCP(name string, cfg MCPConfig, logger *slog.Logger) *MCP {
	if logger == nil {
		logger = slog.Default()
	}
	return &MCP{name: name, cfg: cfg, logger: logger}
}

// Name implements registry.Source.
func (s *MCP) Name() string { return s.name }

// Discover implements registry.Source by listing the server's tools.
func (s *MCP) Discover(ctx context.Context) ([]registry.Descriptor, error) {
	c, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}
	listCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	res, err := c.ListTools(listCtx, mcp.ListToolsRequest{})
	if err != nil {
		s.disconnect()
		return nil, fmt.Errorf("list tools from %s: %w", s.name, err)
	}
	out := make([]registry.Descriptor, 0, len(res.Tools))
	for _, t := range res.Tools {
		schema, err := json.Marshal(t.InputSchema)
		if err != nil {
			schema = nil
		}
		out = append(out, registry.Descriptor{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		})
	}
	return out, nil
}

// Call implements registry.Source via the MCP tools/call method. Text
// content is joined; a structured content payload is decoded when present.
func (s *MCP) Call(ctx context.Context, tool string, args map[string]any) (any, error) {
	c, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}
	req := mcp.CallToolRequest{}
	req.Params.Name = tool
	req.Params.Arguments = args

	res, err := c.CallTool(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("call %s on %s: %w", tool, s.name, err)
	}
	text := joinTextContent(res.Content)
	if res.IsError {
		return nil, fmt.Errorf("tool %s failed: %s", tool, text)
	}
	// Prefer structured output when the text payload itself is JSON.
	var decoded any
	if err := json.Unmarshal([]byte(text), &decoded); err == nil {
		return decoded, nil
	}
	return text, nil
}

// Close shuts down the server process.
func (s *MCP) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		err := s.client.Close()
		s.client = nil
		return err
	}
	return nil
}

func (s *MCP) connect(ctx context.Context) (*client.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return s.client, nil
	}
	c, err := client.NewStdioMCPClient(s.cfg.Command, s.cfg.Env, s.cfg.Args...)
	if err != nil {
		return nil, fmt.Errorf("start mcp server %s: %w", s.name, err)
	}
	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = "2024-11-05"
	initReq.Params.Capabilities = mcp.ClientCapabilities{}
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "agentflow",
		Version: "1.0.0",
	}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("initialize mcp server %s: %w", s.name, err)
	}
	s.logger.Info("mcp server connected", "source", s.name, "command", s.cfg.Command)
	s.client = c
	return c, nil
}

func (s *MCP) disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		_ = s.client.Close()
		s.client = nil
	}
}

func joinTextContent(content []mcp.Content) string {
	var parts []string
	for _, c := range content {
		if tc, ok := mcp.AsTextContent(c); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}
