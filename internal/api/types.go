package api

import (
	"strings"

	"github.com/alexjbarnes/chatsync/internal/chat"
	"github.com/tidwall/gjson"
)

// User is the signed-in account.
type User struct {
	Email                 string `json:"email"`
	Role                  string `json:"role"`
	RequirePasswordChange bool   `json:"require_password_change"`
}

// LoginResponse is the reply to POST /auth/login.
type LoginResponse struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type createRequest struct {
	Title string `json:"title"`
}

type updateRequest struct {
	Title  *string `json:"title,omitempty"`
	Pinned *bool   `json:"is_pinned,omitempty"`
}

// conversationFromJSON maps a listing row. History is never included, so
// the result is NotLoaded.
func conversationFromJSON(row gjson.Result) chat.Conversation {
	return chat.Conversation{
		ID:              row.Get("conversation_id").String(),
		Title:           row.Get("title").String(),
		Pinned:          row.Get("is_pinned").Bool(),
		CreatedAt:       chat.ParseTimestamp(row.Get("created_at").String()),
		LastMessageTime: chat.ParseTimestamp(row.Get("last_message_time").String()),
		MessageCount:    int(row.Get("message_count").Int()),
	}
}

// messageFromJSON maps a history row. The row key is "<timestamp>#<id>".
// Content is either {"text": ...} or a bare string.
func messageFromJSON(row gjson.Result) chat.Message {
	ts, id, _ := strings.Cut(row.Get("timestamp_msgid").String(), "#")
	if id == "" {
		id = ts
	}

	content := row.Get("content")
	if content.IsObject() {
		content = content.Get("text")
	}

	role := chat.Role(row.Get("role").String())
	if role != chat.RoleAssistant {
		role = chat.RoleUser
	}

	return chat.Message{
		ID:        id,
		Role:      role,
		Content:   content.String(),
		Timestamp: chat.ParseTimestamp(ts),
		Channel:   row.Get("channel").String(),
	}
}
