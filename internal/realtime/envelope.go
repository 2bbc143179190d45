package realtime

import (
	"fmt"
	"time"

	"github.com/alexjbarnes/chatsync/internal/chat"
	apperrors "github.com/alexjbarnes/chatsync/internal/errors"
	"github.com/tidwall/gjson"
)

// Kind tags an inbound envelope.
type Kind string

const (
	KindMessage      Kind = "message"
	KindError        Kind = "error"
	KindConnected    Kind = "connected"
	KindDisconnected Kind = "disconnected"
)

// Envelope is a decoded inbound frame. Timestamp is zero when the server
// omitted it or sent something unparseable; RawTimestamp keeps the
// original text. ConversationID is empty unless the server echoes it.
type Envelope struct {
	Kind           Kind
	Content        string
	Timestamp      time.Time
	RawTimestamp   string
	ConversationID string
}

// DecodeEnvelope parses a text frame of the form
// {"type": "...", "content": "...", "timestamp": "..."}. Unknown types,
// non-object payloads and invalid JSON return ErrMalformedFrame.
func DecodeEnvelope(data []byte) (Envelope, error) {
	if !gjson.ValidBytes(data) {
		return Envelope{}, fmt.Errorf("%w: invalid json", apperrors.ErrMalformedFrame)
	}

	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return Envelope{}, fmt.Errorf("%w: payload is not an object", apperrors.ErrMalformedFrame)
	}

	typ := root.Get("type")
	if typ.Type != gjson.String {
		return Envelope{}, fmt.Errorf("%w: missing type", apperrors.ErrMalformedFrame)
	}

	env := Envelope{Kind: Kind(typ.Str)}

	switch env.Kind {
	case KindMessage, KindError, KindConnected, KindDisconnected:
	default:
		return Envelope{}, fmt.Errorf("%w: unknown type %q", apperrors.ErrMalformedFrame, typ.Str)
	}

	content := root.Get("content")
	if content.Exists() && content.Type != gjson.String && content.Type != gjson.Null {
		return Envelope{}, fmt.Errorf("%w: content is not a string", apperrors.ErrMalformedFrame)
	}

	env.Content = content.Str
	env.RawTimestamp = root.Get("timestamp").Str
	env.Timestamp = chat.ParseTimestamp(env.RawTimestamp)

	if id := root.Get("conversationId"); id.Type == gjson.String {
		env.ConversationID = id.Str
	} else if id := root.Get("conversation_id"); id.Type == gjson.String {
		env.ConversationID = id.Str
	}

	return env, nil
}

// SendAction is the only outbound action the server routes.
const SendAction = "sendMessage"

// Frame is an outbound message written to the socket.
type Frame struct {
	Action         string `json:"action"`
	Message        string `json:"message"`
	ConversationID string `json:"conversationId,omitempty"`
}

// NewSendFrame builds a sendMessage frame.
func NewSendFrame(message, conversationID string) Frame {
	return Frame{
		Action:         SendAction,
		Message:        message,
		ConversationID: conversationID,
	}
}
