package session

import (
	"time"

	"github.com/google/uuid"
)

const (
	chatLogLimit       = 128
	chatDisplayBase    = 3 * time.Second
	chatDisplayPerRune = 60 * time.Millisecond
	chatDisplayMaximum = 12 * time.Second
)

// ChatMessage is one fire-and-forget text message with a locally computed
// display lifetime.
type ChatMessage struct {
	ID        string
	From      string
	Text      string
	SentAt    time.Time
	ExpiresAt time.Time
}

// ChatDisplayDuration grows with message length so longer messages stay on
// screen longer, bounded above.
func ChatDisplayDuration(text string) time.Duration {
	d := chatDisplayBase + time.Duration(len([]rune(text)))*chatDisplayPerRune
	if d > chatDisplayMaximum {
		return chatDisplayMaximum
	}
	return d
}

type chatLog struct {
	messages []ChatMessage
}

func newChatLog() *chatLog {
	return &chatLog{messages: make([]ChatMessage, 0, 16)}
}

func (l *chatLog) append(from, text string, sentAt time.Time) ChatMessage {
	msg := ChatMessage{
		ID:        uuid.NewString(),
		From:      from,
		Text:      text,
		SentAt:    sentAt,
		ExpiresAt: sentAt.Add(ChatDisplayDuration(text)),
	}
	l.messages = append(l.messages, msg)
	if len(l.messages) > chatLogLimit {
		l.messages = l.messages[len(l.messages)-chatLogLimit:]
	}
	return msg
}

func (l *chatLog) snapshot() []ChatMessage {
	copied := make([]ChatMessage, len(l.messages))
	copy(copied, l.messages)
	return copied
}
