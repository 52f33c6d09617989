package chat

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/comigor/tripmate/internal/assistant"
)

// ToWire maps messages to conversation_history turns, keeping their order.
func ToWire(messages []Message) []assistant.Turn {
	turns := make([]assistant.Turn, 0, len(messages))
	for _, m := range messages {
		role := assistant.RoleUser
		if m.Sender == SenderAssistant {
			role = assistant.RoleAssistant
		}
		turns = append(turns, assistant.Turn{Role: role, Content: m.Content, Timestamp: m.CreatedAt})
	}
	return turns
}

// FromWire rebuilds delivered messages from turns. Every message gets a fresh id.
func FromWire(turns []assistant.Turn) ([]Message, error) {
	messages := make([]Message, 0, len(turns))
	for i, t := range turns {
		var sender Sender
		switch t.Role {
		case assistant.RoleUser:
			sender = SenderUser
		case assistant.RoleAssistant:
			sender = SenderAssistant
		default:
			return nil, fmt.Errorf("turn %d: unknown role %q", i, t.Role)
		}
		messages = append(messages, Message{
			ID:        uuid.NewString(),
			Sender:    sender,
			Content:   t.Content,
			CreatedAt: t.Timestamp,
			State:     StateDelivered,
		})
	}
	return messages, nil
}
