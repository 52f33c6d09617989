// Package assistant is the client side of the remote travel-assistant
// service: the POST /chat wire types and an HTTP transport that reports every
// outcome as a tagged Result.
package assistant

import (
	"context"
	"time"
)

// Wire roles of a conversation turn.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one prior message as sent in conversation_history.
type Turn struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Request is the body of POST /chat.
type Request struct {
	Message             string `json:"message"`
	ConversationHistory []Turn `json:"conversation_history"`
	// SessionID echoes the id the service handed out on a previous reply.
	SessionID string `json:"session_id,omitempty"`
}

// Reply is a successful (2xx) response of POST /chat.
type Reply struct {
	Reply      string    `json:"reply"`
	Timestamp  time.Time `json:"timestamp"`
	SessionID  string    `json:"session_id"`
	TokensUsed int       `json:"tokens_used"`
}

// Sender is the minimal surface the chat session needs; it is easy to mock in tests.
type Sender interface {
	Send(ctx context.Context, req Request) Result
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, req Request) Result

func (f SenderFunc) Send(ctx context.Context, req Request) Result { return f(ctx, req) }
