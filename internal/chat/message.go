package chat

import (
	"time"
)

// Sender says who authored a message.
type Sender int

const (
	SenderUser Sender = iota
	SenderAssistant
)

func (s Sender) String() string {
	if s == SenderAssistant {
		return "assistant"
	}
	return "user"
}

// DeliveryState tracks a user message through its request. Assistant
// messages are always StateDelivered.
type DeliveryState int

const (
	StatePending DeliveryState = iota
	StateDelivered
	StateFailed
)

func (d DeliveryState) String() string {
	switch d {
	case StatePending:
		return "pending"
	case StateDelivered:
		return "delivered"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Message is one entry of the conversation. Only State ever changes after creation.
type Message struct {
	ID        string
	Sender    Sender
	Content   string
	CreatedAt time.Time
	State     DeliveryState
}

// Snapshot is a read-only copy of the session state for rendering.
type Snapshot struct {
	Messages  []Message
	InFlight  bool
	LastError string
	// SessionID is the id the service assigned on its last reply.
	SessionID string
	// Version increases on every state transition.
	Version uint64
}

// Find returns the message with the given id.
func (s Snapshot) Find(id string) (Message, bool) {
	for _, m := range s.Messages {
		if m.ID == id {
			return m, true
		}
	}
	return Message{}, false
}

// LastFailed returns the most recent failed user message.
func (s Snapshot) LastFailed() (Message, bool) {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if m := s.Messages[i]; m.Sender == SenderUser && m.State == StateFailed {
			return m, true
		}
	}
	return Message{}, false
}
