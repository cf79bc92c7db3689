package bus

import (
	"time"

	"github.com/google/uuid"
)

// NewMessageID returns a correlation id linking a webhook request to the
// reply produced for it.
func NewMessageID() string {
	return uuid.NewString()
}

type InboundMessage struct {
	Channel   string
	SenderID  string
	ChatID    string
	Content   string
	Timestamp time.Time
	Metadata  map[string]any
}

func (m *InboundMessage) SessionKey() string {
	return m.Channel + ":" + m.ChatID
}

type OutboundMessage struct {
	Channel  string
	ChatID   string
	Content  string
	ReplyTo  string
	Metadata map[string]any
}
