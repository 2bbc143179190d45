// Package api is the REST client for the conversation service: listing,
// history reads, structural changes, and sign-in.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/alexjbarnes/chatsync/internal/chat"
	apperrors "github.com/alexjbarnes/chatsync/internal/errors"
	"github.com/tidwall/gjson"
)

const (
	// maxRedirects matches the default net/http limit.
	maxRedirects = 10

	// DefaultTimeout applies when NewClient is given no http.Client.
	DefaultTimeout = 30 * time.Second

	// maxResponseBytes caps response body reads. Replies are small JSON
	// documents; a full history page is well under this.
	maxResponseBytes = 4 * 1024 * 1024

	// maxPages bounds last_key pagination so a server that keeps
	// returning a cursor cannot loop forever.
	maxPages = 1000
)

// StatusError is a non-2xx reply. It unwraps to ErrRemoteCall.
type StatusError struct {
	Endpoint string
	Code     int
	Message  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("API %s returned status %d: %s", e.Endpoint, e.Code, e.Message)
}

func (e *StatusError) Unwrap() error { return apperrors.ErrRemoteCall }

// Client talks to the conversation REST API. It is safe for concurrent
// use; SetToken may be called at any time.
type Client struct {
	httpClient *http.Client
	baseURL    string

	mu    sync.RWMutex
	token string
}

// sameHostRedirectPolicy follows redirects only within the original host
// so the bearer token never leaves it.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewHTTPClient returns an http.Client with the given timeout that only
// follows redirects within the original host.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &http.Client{
		Timeout:       timeout,
		CheckRedirect: sameHostRedirectPolicy,
	}
}

// NewClient creates a client for baseURL. If httpClient is nil,
// NewHTTPClient(DefaultTimeout) is used.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = NewHTTPClient(DefaultTimeout)
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

// SetToken sets the bearer token sent with every request.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Token returns the current bearer token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.token
}

// sanitizeResponseBody truncates a body to 256 bytes and replaces invalid
// UTF-8 and control characters for inclusion in error messages.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}

// do sends one request and decodes a 2xx JSON reply into result.
func (c *Client) do(ctx context.Context, method, endpoint string, query url.Values, body, result interface{}) error {
	var reader io.Reader

	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshalling request body: %w", err)
		}

		reader = bytes.NewReader(payload)
	}

	target := c.baseURL + endpoint
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	req.Header.Set("Accept", "application/json")

	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: sending request to %s: %w", apperrors.ErrRemoteCall, endpoint, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%w: reading response from %s: %w", apperrors.ErrRemoteCall, endpoint, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := sanitizeResponseBody(respBody)
		if e := gjson.GetBytes(respBody, "error"); e.Type == gjson.String && e.Str != "" {
			msg = sanitizeResponseBody([]byte(e.Str))
		}

		return &StatusError{Endpoint: endpoint, Code: resp.StatusCode, Message: msg}
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("%w: decoding response from %s: %w", apperrors.ErrRemoteCall, endpoint, err)
		}
	}

	return nil
}

// ListConversations returns every conversation, pinned ones first, each
// group in server order. It follows last_key until the listing is
// exhausted.
func (c *Client) ListConversations(ctx context.Context) ([]chat.Conversation, error) {
	var pinned, recent []chat.Conversation

	err := c.paginate(ctx, "/conversations", func(page []byte) {
		for _, row := range gjson.GetBytes(page, "conversations.pinned").Array() {
			pinned = append(pinned, conversationFromJSON(row))
		}

		for _, row := range gjson.GetBytes(page, "conversations.recent").Array() {
			recent = append(recent, conversationFromJSON(row))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}

	return append(pinned, recent...), nil
}

// GetMessages returns a conversation's full history, oldest first.
func (c *Client) GetMessages(ctx context.Context, conversationID string) ([]chat.Message, error) {
	var msgs []chat.Message

	endpoint := "/conversations/" + url.PathEscape(conversationID) + "/messages"

	err := c.paginate(ctx, endpoint, func(page []byte) {
		for _, row := range gjson.GetBytes(page, "messages").Array() {
			msgs = append(msgs, messageFromJSON(row))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("fetching messages for %s: %w", conversationID, err)
	}

	return msgs, nil
}

// paginate GETs endpoint repeatedly, passing each raw page to fn, until
// the reply carries no last_key.
func (c *Client) paginate(ctx context.Context, endpoint string, fn func(page []byte)) error {
	var cursor string

	for range maxPages {
		query := url.Values{}
		if cursor != "" {
			query.Set("last_key", cursor)
		}

		var page json.RawMessage
		if err := c.do(ctx, http.MethodGet, endpoint, query, nil, &page); err != nil {
			return err
		}

		fn(page)

		next := gjson.GetBytes(page, "last_key").String()
		if next == "" || next == cursor {
			return nil
		}

		cursor = next
	}

	return fmt.Errorf("%w: %s: more than %d pages", apperrors.ErrRemoteCall, endpoint, maxPages)
}

// CreateConversation creates a conversation with title.
func (c *Client) CreateConversation(ctx context.Context, title string) (chat.Conversation, error) {
	var resp json.RawMessage
	if err := c.do(ctx, http.MethodPost, "/conversations", nil, createRequest{Title: title}, &resp); err != nil {
		return chat.Conversation{}, fmt.Errorf("creating conversation: %w", err)
	}

	conv := conversationFromJSON(gjson.ParseBytes(resp))
	if conv.ID == "" {
		return chat.Conversation{}, fmt.Errorf("creating conversation: %w: reply has no conversation_id", apperrors.ErrRemoteCall)
	}

	if conv.Title == "" {
		conv.Title = title
	}

	if conv.LastMessageTime.IsZero() {
		conv.LastMessageTime = conv.CreatedAt
	}

	return conv, nil
}

// UpdateConversation applies a partial change. Nil fields are not sent.
func (c *Client) UpdateConversation(ctx context.Context, id string, update chat.Update) error {
	req := updateRequest{Title: update.Title, Pinned: update.Pinned}

	if err := c.do(ctx, http.MethodPut, "/conversations/"+url.PathEscape(id), nil, req, nil); err != nil {
		return fmt.Errorf("updating conversation %s: %w", id, err)
	}

	return nil
}

// DeleteConversation deletes a conversation and its history.
func (c *Client) DeleteConversation(ctx context.Context, id string) error {
	if err := c.do(ctx, http.MethodDelete, "/conversations/"+url.PathEscape(id), nil, nil, nil); err != nil {
		return fmt.Errorf("deleting conversation %s: %w", id, err)
	}

	return nil
}

// Login exchanges credentials for a bearer token. It does not set the
// token on the client. A 400 or 401 reply is ErrInvalidCredentials.
func (c *Client) Login(ctx context.Context, email, password string) (*LoginResponse, error) {
	var resp LoginResponse

	err := c.do(ctx, http.MethodPost, "/auth/login", nil, loginRequest{Email: email, Password: password}, &resp)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && (se.Code == http.StatusUnauthorized || se.Code == http.StatusBadRequest) {
			return nil, fmt.Errorf("signing in: %w: %w", apperrors.ErrInvalidCredentials, err)
		}

		return nil, fmt.Errorf("signing in: %w", err)
	}

	if resp.Token == "" {
		return nil, fmt.Errorf("signing in: %w: reply has no token", apperrors.ErrRemoteCall)
	}

	return &resp, nil
}

// CurrentUser returns the account the current token belongs to. It is
// used to check a cached token before reusing it.
func (c *Client) CurrentUser(ctx context.Context) (*User, error) {
	var user User
	if err := c.do(ctx, http.MethodGet, "/auth/me", nil, nil, &user); err != nil {
		return nil, fmt.Errorf("fetching current user: %w", err)
	}

	return &user, nil
}

// IsUnauthorized reports whether err is a 401 or 403 reply.
func IsUnauthorized(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}

	return se.Code == http.StatusUnauthorized || se.Code == http.StatusForbidden
}
