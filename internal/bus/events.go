package bus

import (
	"time"
)

type InboundMessage struct {
	Channel    string
	SenderID   string
	SenderName string
	ChatID     string
	MessageID  string
	Content    string
	Timestamp  time.Time
	// IsAdmin is set by the channel when the sender holds the platform's
	// administrator permission in ChatID.
	IsAdmin  bool
	Metadata map[string]any
}

func (m *InboundMessage) SessionKey() string {
	return m.Channel + ":" + m.ChatID
}

type OutboundMessage struct {
	Channel string
	ChatID  string
	// Content is sent as is, or as the plain-text fallback when Embed is set.
	Content string
	Embed   *Embed
	// ReplyTo is the message a reply or reaction refers to.
	ReplyTo   string
	Reactions []string
	Files     []File
	Metadata  map[string]any
}

// Embed is a platform-neutral rich message.
type Embed struct {
	Title       string
	Description string
	Color       int
	Fields      []EmbedField
	Footer      string
	Timestamp   time.Time
}

type EmbedField struct {
	Name   string
	Value  string
	Inline bool
}

type File struct {
	Name        string
	ContentType string
	Data        []byte
}
