// Package chat holds the conversation and message model and the
// in-memory conversation cache.
package chat

import "time"

// MaxTitleLength is the longest conversation title the service accepts,
// counted in characters.
const MaxTitleLength = 50

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry in a conversation. Channel records where the
// message originated ("web", "telegram") and is informational only.
type Message struct {
	ID        string    `json:"id" yaml:"id"`
	Role      Role      `json:"role" yaml:"role"`
	Content   string    `json:"content" yaml:"content"`
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
	Channel   string    `json:"channel,omitempty" yaml:"channel,omitempty"`
}

// Hydration tracks whether a conversation's full history has been fetched.
type Hydration int

const (
	NotLoaded Hydration = iota
	Loading
	Loaded
)

func (h Hydration) String() string {
	switch h {
	case NotLoaded:
		return "not_loaded"
	case Loading:
		return "loading"
	case Loaded:
		return "loaded"
	}

	return "unknown"
}

// MarshalYAML renders the hydration state by name.
func (h Hydration) MarshalYAML() (interface{}, error) {
	return h.String(), nil
}

// Conversation is a chat thread. Messages is empty until the history is
// hydrated, except for messages appended locally in the meantime.
// MessageCount is the server's count plus local appends and is valid
// whether or not Messages is hydrated.
type Conversation struct {
	ID              string    `yaml:"id"`
	Title           string    `yaml:"title"`
	Pinned          bool      `yaml:"pinned"`
	CreatedAt       time.Time `yaml:"created_at"`
	LastMessageTime time.Time `yaml:"last_message_time"`
	MessageCount    int       `yaml:"message_count"`
	Hydration       Hydration `yaml:"hydration"`
	Messages        []Message `yaml:"messages,omitempty"`
}

// clone returns a deep copy so callers never alias cache internals.
func (c *Conversation) clone() Conversation {
	out := *c
	if c.Messages != nil {
		out.Messages = make([]Message, len(c.Messages))
		copy(out.Messages, c.Messages)
	}

	return out
}

// Partition groups conversations for display. Both slices keep source order.
type Partition struct {
	Pinned []Conversation `yaml:"pinned"`
	Recent []Conversation `yaml:"recent"`
}

// Update carries a partial conversation change. Nil fields are untouched.
type Update struct {
	Title  *string
	Pinned *bool
}

// ParseTimestamp accepts RFC 3339 with or without fractional seconds, and
// the offset-less form the service writes, which is read as UTC. It
// returns the zero time for anything else.
func ParseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}

	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}

	return time.Time{}
}
