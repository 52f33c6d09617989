package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/qmuntal/stateless"
	"github.com/sashabaranov/go-openai"

	"github.com/comigor/tripmate/internal/config"
	"github.com/comigor/tripmate/internal/llm"
	"github.com/comigor/tripmate/internal/logger"
)

// FSM States
type FSMState stateless.State

var (
	StateStart          FSMState = "Start"
	StateReadyToCallLLM FSMState = "ReadyToCallLLM"
	StateExecutingTools FSMState = "ExecutingTools"
	StateDone           FSMState = "Done"  // Terminal: successful completion
	StateError          FSMState = "Error" // Terminal: error state
)

// FSM Triggers
type FSMTrigger stateless.Trigger

var (
	TriggerProcessInput            FSMTrigger = "ProcessInput"
	TriggerLLMRespondedWithContent FSMTrigger = "LLMRespondedWithContent"
	TriggerLLMRequestedTools       FSMTrigger = "LLMRequestedTools"
	TriggerToolsExecutionCompleted FSMTrigger = "ToolsExecutionCompleted"
	TriggerErrorOccurred           FSMTrigger = "ErrorOccurred"
)

const (
	defaultSystemPrompt = "You are a friendly travel assistant. Help the user plan trips: destinations, itineraries, " +
		"transport, accommodation and budgets. Answer accurately and concisely, and say so when you are unsure."
	defaultMaxTurns = 5
)

// Answer is the outcome of one processed chat turn.
type Answer struct {
	Content    string
	TokensUsed int
}

// Agent runs one chat turn against the LLM, calling MCP tools on its behalf.
type Agent struct {
	llmClient            llm.Client
	cfg                  config.LLMConfig
	mcpClients           []MCPClientInterface
	availableLLMTools    []openai.Tool
	discoveredMCPPrompts []string
	toolNameSet          map[string]MCPClientInterface
	maxTurns             int
}

// New creates an agent and registers the tools and prompts of the given MCP
// clients. Clients that fail to initialize are closed and dropped.
func New(ctx context.Context, llmClient llm.Client, cfg config.LLMConfig, mcpClients ...MCPClientInterface) *Agent {
	a := &Agent{
		llmClient:   llmClient,
		cfg:         cfg,
		toolNameSet: make(map[string]MCPClientInterface),
		maxTurns:    defaultMaxTurns,
	}
	for _, c := range mcpClients {
		if err := a.registerServer(ctx, c); err != nil {
			logger.L.Errorw("Failed to initialize MCP client", "error", err)
			if cerr := c.Close(); cerr != nil {
				logger.L.Warnw("MCP client close error after init failure", "error", cerr)
			}
			continue
		}
		a.mcpClients = append(a.mcpClients, c)
	}
	if len(a.availableLLMTools) == 0 && len(a.mcpClients) > 0 {
		logger.L.Infow("MCP clients initialized, but no tools were registered.")
	}
	return a
}

// Close releases the MCP clients.
func (a *Agent) Close() error {
	var errs []error
	for _, c := range a.mcpClients {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

func (a *Agent) systemPrompt() string {
	var b strings.Builder
	if a.cfg.SystemPrompt != "" {
		b.WriteString(a.cfg.SystemPrompt)
	} else {
		b.WriteString(defaultSystemPrompt)
	}
	for _, p := range a.discoveredMCPPrompts {
		b.WriteString("\n\n")
		b.WriteString(p)
	}
	return b.String()
}

// Process answers request given the prior conversation. It drives a state
// machine: call the LLM, run any tools it asks for, and call it again until
// it answers with content or the turn budget runs out.
func (a *Agent) Process(ctx context.Context, history []openai.ChatCompletionMessage, request string) (Answer, error) {
	type fsmContext struct {
		messages    []openai.ChatCompletionMessage
		llmResponse *openai.ChatCompletionResponse
		answer      Answer
		lastError   error
		currentTurn int
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(history)+2)
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: a.systemPrompt()})
	messages = append(messages, history...)
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: request})
	fsmCtx := &fsmContext{messages: messages}

	fsm := stateless.NewStateMachine(StateStart)

	fsm.Configure(StateStart).
		Permit(TriggerProcessInput, StateReadyToCallLLM)

	// State: ReadyToCallLLM
	// Action: Call LLM with current messages.
	fsm.Configure(StateReadyToCallLLM).
		OnEntry(func(ctx context.Context, _ ...any) error {
			if fsmCtx.currentTurn >= a.maxTurns {
				logger.L.Warnw("Max interaction turns reached.", "maxTurns", a.maxTurns)
				fsmCtx.lastError = errors.New("exceeded maximum interaction turns")
				return fsm.FireCtx(ctx, TriggerErrorOccurred)
			}
			fsmCtx.currentTurn++
			logger.L.Debugw("FSM: Entering StateReadyToCallLLM", "turn", fsmCtx.currentTurn)

			llmResp, err := a.llmClient.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
				Model:    a.cfg.Model,
				Messages: fsmCtx.messages,
				Tools:    a.availableLLMTools,
			})
			if err != nil {
				logger.L.Errorw("LLM call failed", "error", err)
				fsmCtx.lastError = fmt.Errorf("llm call: %w", err)
				return fsm.FireCtx(ctx, TriggerErrorOccurred)
			}
			fsmCtx.llmResponse = &llmResp
			fsmCtx.answer.TokensUsed += llmResp.Usage.TotalTokens

			if len(llmResp.Choices) == 0 {
				fsmCtx.lastError = errors.New("llm returned no choices")
				return fsm.FireCtx(ctx, TriggerErrorOccurred)
			}
			if len(llmResp.Choices[0].Message.ToolCalls) > 0 {
				return fsm.FireCtx(ctx, TriggerLLMRequestedTools)
			}
			return fsm.FireCtx(ctx, TriggerLLMRespondedWithContent)
		}).
		Permit(TriggerLLMRequestedTools, StateExecutingTools).
		Permit(TriggerLLMRespondedWithContent, StateDone).
		Permit(TriggerErrorOccurred, StateError)

	// State: ExecutingTools
	// Action: Run the requested tools and append their results.
	fsm.Configure(StateExecutingTools).
		OnEntry(func(ctx context.Context, _ ...any) error {
			llmMessage := fsmCtx.llmResponse.Choices[0].Message
			fsmCtx.messages = append(fsmCtx.messages, llmMessage)

			for _, toolCall := range llmMessage.ToolCalls {
				fsmCtx.messages = append(fsmCtx.messages, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    a.runToolCall(ctx, toolCall),
					ToolCallID: toolCall.ID,
					Name:       toolCall.Function.Name,
				})
			}
			return fsm.FireCtx(ctx, TriggerToolsExecutionCompleted)
		}).
		Permit(TriggerToolsExecutionCompleted, StateReadyToCallLLM)

	// State: Done
	fsm.Configure(StateDone).
		OnEntry(func(context.Context, ...any) error {
			fsmCtx.answer.Content = fsmCtx.llmResponse.Choices[0].Message.Content
			return nil
		})

	// State: Error
	fsm.Configure(StateError).
		OnEntry(func(context.Context, ...any) error {
			if fsmCtx.lastError == nil {
				fsmCtx.lastError = errors.New("FSM: reached error state without a specific error")
			}
			return nil
		})

	if err := fsm.FireCtx(ctx, TriggerProcessInput); err != nil {
		logger.L.Errorw("FSM run failed", "error", err)
		if fsmCtx.lastError != nil {
			return Answer{}, fsmCtx.lastError
		}
		return Answer{}, fmt.Errorf("FSM error: %w", err)
	}

	switch state := fsm.MustState(); state {
	case StateDone:
		return fsmCtx.answer, nil
	case StateError:
		return Answer{}, fsmCtx.lastError
	default:
		return Answer{}, fmt.Errorf("FSM ended in an unexpected state: %v", state)
	}
}

func (a *Agent) runToolCall(ctx context.Context, toolCall openai.ToolCall) string {
	if len(a.mcpClients) == 0 {
		logger.L.Warnw("LLM requested a tool, but no MCP clients are available.", "tool", toolCall.Function.Name)
		return "Error: No MCP clients available to execute tool " + toolCall.Function.Name
	}
	var toolArgs map[string]any
	if toolCall.Function.Arguments != "" {
		if err := json.Unmarshal([]byte(toolCall.Function.Arguments), &toolArgs); err != nil {
			logger.L.Errorw("Failed to unmarshal tool arguments", "function", toolCall.Function.Name, "error", err)
			return "Error: Could not parse arguments for tool " + toolCall.Function.Name
		}
	}
	return a.executeMCPTool(ctx, toolCall.Function.Name, toolArgs)
}
