package agent

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/require"

	"github.com/comigor/tripmate/internal/config"
)

// This mirrors MCPClientInterface in tools.go
type mockMCPClient struct {
	InitializeFunc  func(ctx context.Context, req mcp.InitializeRequest) (*mcp.InitializeResult, error)
	ListToolsFunc   func(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	ListPromptsFunc func(ctx context.Context, req mcp.ListPromptsRequest) (*mcp.ListPromptsResult, error)
	GetPromptFunc   func(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error)
	CallToolFunc    func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
	closed          bool
}

func (m *mockMCPClient) Initialize(ctx context.Context, req mcp.InitializeRequest) (*mcp.InitializeResult, error) {
	if m.InitializeFunc != nil {
		return m.InitializeFunc(ctx, req)
	}
	return &mcp.InitializeResult{}, nil
}

func (m *mockMCPClient) ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error) {
	if m.ListToolsFunc != nil {
		return m.ListToolsFunc(ctx, req)
	}
	return &mcp.ListToolsResult{Tools: []mcp.Tool{}}, nil
}

func (m *mockMCPClient) ListPrompts(ctx context.Context, req mcp.ListPromptsRequest) (*mcp.ListPromptsResult, error) {
	if m.ListPromptsFunc != nil {
		return m.ListPromptsFunc(ctx, req)
	}
	return &mcp.ListPromptsResult{}, nil
}

func (m *mockMCPClient) GetPrompt(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	if m.GetPromptFunc != nil {
		return m.GetPromptFunc(ctx, req)
	}
	return &mcp.GetPromptResult{}, nil
}

func (m *mockMCPClient) CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if m.CallToolFunc != nil {
		return m.CallToolFunc(ctx, request)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: "mock default success for " + request.Params.Name}},
	}, nil
}

func (m *mockMCPClient) Close() error {
	m.closed = true
	return nil
}

type mockLLM struct {
	calls    []openai.ChatCompletionResponse
	requests []openai.ChatCompletionRequest
	err      error
}

func (m *mockLLM) CreateChatCompletion(ctx context.Context, r openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	m.requests = append(m.requests, r)
	if m.err != nil {
		return openai.ChatCompletionResponse{}, m.err
	}
	if len(m.calls) == 0 {
		panic("mockLLM: no more responses configured for request: " + r.Messages[len(r.Messages)-1].Content)
	}
	resp := m.calls[0]
	m.calls = m.calls[1:]
	return resp, nil
}

func contentResponse(content string, tokens int) openai.ChatCompletionResponse {
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: content}}},
		Usage:   openai.Usage{TotalTokens: tokens},
	}
}

func toolCallResponse(id, name, args string, tokens int) openai.ChatCompletionResponse {
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{
			Message: openai.ChatCompletionMessage{
				Role: openai.ChatMessageRoleAssistant,
				ToolCalls: []openai.ToolCall{{
					ID:       id,
					Type:     openai.ToolTypeFunction,
					Function: openai.FunctionCall{Name: name, Arguments: args},
				}},
			},
		}},
		Usage: openai.Usage{TotalTokens: tokens},
	}
}

func weatherServer(t *testing.T, toolName, result string) *mockMCPClient {
	return &mockMCPClient{
		ListToolsFunc: func(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error) {
			return &mcp.ListToolsResult{Tools: []mcp.Tool{
				{Name: toolName, Description: "Gets weather", RawInputSchema: json.RawMessage(`{"type":"object","properties":{"location":{"type":"string"}}}`)},
			}}, nil
		},
		CallToolFunc: func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			require.Equal(t, toolName, request.Params.Name)
			require.Equal(t, map[string]any{"location": "Lisbon"}, request.Params.Arguments)
			return &mcp.CallToolResult{Content: []mcp.Content{mcp.TextContent{Type: "text", Text: result}}}, nil
		},
	}
}

// TestAgentProcess_LLMRespondsDirectly tests the scenario where the LLM responds directly without tool usage.
func TestAgentProcess_LLMRespondsDirectly(t *testing.T) {
	mockLLMClient := &mockLLM{calls: []openai.ChatCompletionResponse{contentResponse("Try the Algarve in spring.", 31)}}
	a := New(context.Background(), mockLLMClient, config.LLMConfig{Model: "gpt"})
	require.Empty(t, a.availableLLMTools)

	history := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleUser, Content: "I like beaches"},
		{Role: openai.ChatMessageRoleAssistant, Content: "Noted!"},
	}
	out, err := a.Process(context.Background(), history, "Where should I go?")
	require.NoError(t, err)
	require.Equal(t, Answer{Content: "Try the Algarve in spring.", TokensUsed: 31}, out)

	require.Len(t, mockLLMClient.requests, 1)
	msgs := mockLLMClient.requests[0].Messages
	require.Len(t, msgs, 4)
	require.Equal(t, openai.ChatMessageRoleSystem, msgs[0].Role)
	require.Equal(t, defaultSystemPrompt, msgs[0].Content)
	require.Equal(t, "I like beaches", msgs[1].Content)
	require.Equal(t, "Where should I go?", msgs[3].Content)
	require.Equal(t, "gpt", mockLLMClient.requests[0].Model)
}

// TestAgentProcess_LLMRequestsMCPTool_Success tests full flow: LLM requests tool, MCP client executes, LLM gives final response.
func TestAgentProcess_LLMRequestsMCPTool_Success(t *testing.T) {
	mockLLMClient := &mockLLM{calls: []openai.ChatCompletionResponse{
		toolCallResponse("call_123", "get_weather", `{"location": "Lisbon"}`, 10),
		contentResponse("Sunny in Lisbon, pack light.", 15),
	}}
	a := New(context.Background(), mockLLMClient, config.LLMConfig{Model: "gpt"}, weatherServer(t, "get_weather", "Sunny, 24C"))
	require.Len(t, a.availableLLMTools, 1)

	out, err := a.Process(context.Background(), nil, "Weather in Lisbon?")
	require.NoError(t, err)
	require.Equal(t, "Sunny in Lisbon, pack light.", out.Content)
	require.Equal(t, 25, out.TokensUsed)

	second := mockLLMClient.requests[1].Messages
	toolMsg := second[len(second)-1]
	require.Equal(t, openai.ChatMessageRoleTool, toolMsg.Role)
	require.Equal(t, "Sunny, 24C", toolMsg.Content)
	require.Equal(t, "call_123", toolMsg.ToolCallID)
}

// TestAgentProcess_LLMRequestsMCPTool_MCPClientFails tests when MCP tool call fails.
func TestAgentProcess_LLMRequestsMCPTool_MCPClientFails(t *testing.T) {
	mockLLMClient := &mockLLM{calls: []openai.ChatCompletionResponse{
		toolCallResponse("call_456", "broken_tool", `{}`, 1),
		contentResponse("Sorry, the flight search is down.", 1),
	}}
	broken := &mockMCPClient{
		ListToolsFunc: func(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error) {
			return &mcp.ListToolsResult{Tools: []mcp.Tool{{Name: "broken_tool"}}}, nil
		},
		CallToolFunc: func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return nil, errors.New("MCP tool execution failed badly.")
		},
	}
	a := New(context.Background(), mockLLMClient, config.LLMConfig{Model: "gpt"}, broken)
	require.JSONEq(t, string(emptyObjectSchema), string(a.availableLLMTools[0].Function.Parameters.(json.RawMessage)))

	out, err := a.Process(context.Background(), nil, "Use the broken tool")
	require.NoError(t, err)
	require.Equal(t, "Sorry, the flight search is down.", out.Content)

	second := mockLLMClient.requests[1].Messages
	require.Equal(t, "Error: tool broken_tool failed to execute.", second[len(second)-1].Content)
}

func TestAgentProcess_LLMError(t *testing.T) {
	a := New(context.Background(), &mockLLM{err: context.DeadlineExceeded}, config.LLMConfig{Model: "gpt"})
	_, err := a.Process(context.Background(), nil, "hi")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAgentProcess_MaxTurns(t *testing.T) {
	var calls []openai.ChatCompletionResponse
	for i := 0; i < defaultMaxTurns; i++ {
		calls = append(calls, toolCallResponse("loop", "get_weather", `{"location": "Lisbon"}`, 1))
	}
	a := New(context.Background(), &mockLLM{calls: calls}, config.LLMConfig{Model: "gpt"}, weatherServer(t, "get_weather", "still sunny"))

	_, err := a.Process(context.Background(), nil, "loop forever")
	require.EqualError(t, err, "exceeded maximum interaction turns")
}

func TestNew_DiscoversPromptAndDropsFailingServers(t *testing.T) {
	withPrompt := &mockMCPClient{
		InitializeFunc: func(ctx context.Context, req mcp.InitializeRequest) (*mcp.InitializeResult, error) {
			res := &mcp.InitializeResult{}
			err := json.Unmarshal([]byte(`{"protocolVersion":"2025-03-26","capabilities":{"prompts":{}}}`), res)
			return res, err
		},
		ListPromptsFunc: func(ctx context.Context, req mcp.ListPromptsRequest) (*mcp.ListPromptsResult, error) {
			return &mcp.ListPromptsResult{Prompts: []mcp.Prompt{{Name: "visa-rules"}}}, nil
		},
		GetPromptFunc: func(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
			require.Equal(t, "visa-rules", req.Params.Name)
			return &mcp.GetPromptResult{Messages: []mcp.PromptMessage{
				{Role: "assistant", Content: mcp.TextContent{Type: "text", Text: "Always mention visa requirements."}},
			}}, nil
		},
	}
	failing := &mockMCPClient{
		InitializeFunc: func(ctx context.Context, req mcp.InitializeRequest) (*mcp.InitializeResult, error) {
			return nil, errors.New("handshake failed")
		},
	}

	a := New(context.Background(), &mockLLM{}, config.LLMConfig{SystemPrompt: "Custom travel prompt."}, withPrompt, failing)
	require.Len(t, a.mcpClients, 1)
	require.True(t, failing.closed)
	require.Equal(t, "Custom travel prompt.\n\nAlways mention visa requirements.", a.systemPrompt())

	require.NoError(t, a.Close())
	require.True(t, withPrompt.closed)
}
