package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/sashabaranov/go-openai"

	"github.com/comigor/tripmate/internal/config"
	"github.com/comigor/tripmate/internal/logger"
)

// MCPClientInterface defines the methods our agent expects from an MCP client.
type MCPClientInterface interface {
	Initialize(ctx context.Context, req mcp.InitializeRequest) (*mcp.InitializeResult, error)
	ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	ListPrompts(ctx context.Context, req mcp.ListPromptsRequest) (*mcp.ListPromptsResult, error)
	GetPrompt(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error)
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

var emptyObjectSchema = json.RawMessage(`{"type": "object", "properties": {}}`)

// dialMCP creates and starts the client for one configured server.
func dialMCP(ctx context.Context, serverCfg config.MCPServerConfig) (*client.Client, error) {
	var (
		mcpC *client.Client
		err  error
	)
	switch serverCfg.Type {
	case config.ClientTypeSSE:
		var sseOpts []transport.ClientOption
		if len(serverCfg.Headers) > 0 {
			sseOpts = append(sseOpts, transport.WithHeaders(serverCfg.Headers))
		}
		mcpC, err = client.NewSSEMCPClient(serverCfg.URL, sseOpts...)
	case config.ClientTypeStreamableHTTP:
		var httpOpts []transport.StreamableHTTPCOption
		if len(serverCfg.Headers) > 0 {
			httpOpts = append(httpOpts, transport.WithHTTPHeaders(serverCfg.Headers))
		}
		mcpC, err = client.NewStreamableHttpClient(serverCfg.URL, httpOpts...)
	case config.ClientTypeStdio:
		var env []string
		for k, v := range serverCfg.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		// stdio clients start their transport on creation
		return client.NewStdioMCPClient(serverCfg.Command, env, serverCfg.Args...)
	case "":
		return nil, fmt.Errorf("mcp server %q: type not set (sse, streamable_http or stdio)", serverCfg.Name)
	default:
		return nil, fmt.Errorf("mcp server %q: unsupported type %q", serverCfg.Name, serverCfg.Type)
	}
	if err != nil {
		return nil, err
	}

	if err := mcpC.Start(ctx); err != nil {
		if cerr := mcpC.Close(); cerr != nil {
			logger.L.Warnw("MCP client close error after start failure", "error", cerr)
		}
		return nil, fmt.Errorf("start transport: %w", err)
	}
	return mcpC, nil
}

// ConnectMCPServers dials and initializes every configured tool server.
// Servers that fail are logged and skipped.
func ConnectMCPServers(ctx context.Context, servers []config.MCPServerConfig) []MCPClientInterface {
	clients := make([]MCPClientInterface, 0, len(servers))
	for _, serverCfg := range servers {
		mcpC, err := dialMCP(ctx, serverCfg)
		if err != nil {
			logger.L.Errorw("Failed to create MCP client", "name", serverCfg.Name, "error", err)
			continue
		}
		clients = append(clients, namedClient{MCPClientInterface: mcpC, name: serverCfg.Name})
	}
	if len(clients) == 0 && len(servers) > 0 {
		logger.L.Warnw("No MCP clients could be created despite servers configured.", "length", len(servers))
	}
	return clients
}

// namedClient carries the configured server name for logging.
type namedClient struct {
	MCPClientInterface
	name string
}

func clientName(c MCPClientInterface) string {
	if n, ok := c.(namedClient); ok {
		return n.name
	}
	return fmt.Sprintf("%T", c)
}

// registerServer initializes one client and records its prompt and tools.
func (a *Agent) registerServer(ctx context.Context, mcpC MCPClientInterface) error {
	name := clientName(mcpC)
	initResult, err := mcpC.Initialize(ctx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{Capabilities: mcp.ClientCapabilities{}},
	})
	if err != nil {
		return fmt.Errorf("initialize %s: %w", name, err)
	}
	logger.L.Infow("Server initialized", "name", name)

	if initResult != nil && initResult.Capabilities.Prompts != nil {
		if prompt := discoverPrompt(ctx, mcpC); prompt != "" {
			a.discoveredMCPPrompts = append(a.discoveredMCPPrompts, prompt)
			logger.L.Infow("Discovered system prompt from MCP server", "name", name)
		}
	}

	serverTools, err := mcpC.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil || serverTools == nil {
		// the server may still serve prompts
		logger.L.Warnw("Failed to list tools for MCP client", "name", name, "error", err)
		return nil
	}
	for _, mcpTool := range serverTools.Tools {
		if _, exists := a.toolNameSet[mcpTool.Name]; exists {
			logger.L.Warnw("Tool already registered from another server. Skipping.", "tool", mcpTool.Name, "name", name)
			continue
		}
		a.toolNameSet[mcpTool.Name] = mcpC
		a.availableLLMTools = append(a.availableLLMTools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        mcpTool.Name,
				Description: mcpTool.Description,
				Parameters:  toolSchema(mcpTool),
			},
		})
		logger.L.Infow("Registered tool from MCP server", "tool", mcpTool.Name, "name", name)
	}
	return nil
}

// discoverPrompt returns the assistant text of the first argument-less prompt.
func discoverPrompt(ctx context.Context, mcpC MCPClientInterface) string {
	prompts, err := mcpC.ListPrompts(ctx, mcp.ListPromptsRequest{})
	if err != nil || prompts == nil {
		logger.L.Warnw("Failed to list prompts", "error", err)
		return ""
	}
	idx := slices.IndexFunc(prompts.Prompts, func(p mcp.Prompt) bool { return len(p.Arguments) == 0 })
	if idx == -1 {
		return ""
	}
	prompt, err := mcpC.GetPrompt(ctx, mcp.GetPromptRequest{Params: mcp.GetPromptParams{Name: prompts.Prompts[idx].Name}})
	if err != nil || prompt == nil {
		logger.L.Warnw("Failed to get prompt", "prompt", prompts.Prompts[idx].Name, "error", err)
		return ""
	}
	for _, m := range prompt.Messages {
		if m.Role != "assistant" {
			continue
		}
		if content, ok := m.Content.(mcp.TextContent); ok {
			return content.Text
		}
	}
	return ""
}

func toolSchema(tool mcp.Tool) json.RawMessage {
	if len(tool.RawInputSchema) > 0 && string(tool.RawInputSchema) != "null" {
		return tool.RawInputSchema
	}
	if tool.InputSchema.Type == "" {
		return emptyObjectSchema
	}
	schemaBytes, err := json.Marshal(tool.InputSchema)
	if err != nil {
		logger.L.Errorw("Failed to marshal InputSchema for tool. Using empty schema.", "tool", tool.Name, "error", err)
		return emptyObjectSchema
	}
	if s := string(schemaBytes); s == "{}" || s == "null" {
		return emptyObjectSchema
	}
	return schemaBytes
}

// executeMCPTool calls a tool and flattens its result to text for the LLM.
func (a *Agent) executeMCPTool(ctx context.Context, toolName string, toolArgs map[string]any) string {
	mcpClient, ok := a.toolNameSet[toolName]
	if !ok {
		return "Error: tool " + toolName + " is not available."
	}

	logger.L.Debugw("Calling MCP tool", "tool", toolName, "arguments", toolArgs)
	result, err := mcpClient.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{Name: toolName, Arguments: toolArgs},
	})
	if err != nil || result == nil {
		logger.L.Warnw("MCP CallTool failed", "tool", toolName, "error", err)
		return "Error: tool " + toolName + " failed to execute."
	}

	text := firstText(result.Content)
	if result.IsError {
		logger.L.Warnw("MCP tool reported an error", "tool", toolName, "content", text)
		if text == "" {
			return "Tool execution resulted in an error without specific text."
		}
		return text
	}
	if text != "" {
		return text
	}
	resultBytes, err := json.Marshal(result)
	if err != nil {
		return "Tool executed successfully, but result could not be formatted."
	}
	return string(resultBytes)
}

func firstText(content []mcp.Content) string {
	for _, item := range content {
		if textContent, ok := item.(mcp.TextContent); ok {
			return textContent.Text
		}
	}
	return ""
}
