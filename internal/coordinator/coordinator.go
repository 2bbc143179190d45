// Package coordinator binds the realtime connection to the conversation
// cache. It applies inbound pushes, forwards user sends, and gates every
// user action on connection and selection state.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/alexjbarnes/chatsync/internal/chat"
	apperrors "github.com/alexjbarnes/chatsync/internal/errors"
	"github.com/alexjbarnes/chatsync/internal/realtime"
	"github.com/google/uuid"
)

const (
	// DefaultTitle names conversations created without a title.
	DefaultTitle = "New Chat"

	// FirstTitle names the conversation created for an empty account.
	FirstTitle = "First Chat"

	defaultChannel          = "web"
	defaultMaxMessageLength = 4000

	// ReconnectingBanner is shown while the socket is not open.
	ReconnectingBanner = "Not connected to server, reconnecting..."
)

// Transport is the subset of the connection manager the coordinator uses.
type Transport interface {
	Send(ctx context.Context, frame realtime.Frame) error
	IsConnected() bool
	OnMessage(fn func(realtime.Envelope)) func()
	OnConnectionChange(fn func(bool)) func()
}

// Remote performs structural changes against the REST service.
type Remote interface {
	ListConversations(ctx context.Context) ([]chat.Conversation, error)
	CreateConversation(ctx context.Context, title string) (chat.Conversation, error)
	UpdateConversation(ctx context.Context, id string, update chat.Update) error
	DeleteConversation(ctx context.Context, id string) error
}

// SelectionStore persists the selected conversation across runs.
type SelectionStore interface {
	SelectedConversation() string
	SetSelectedConversation(id string) error
}

// Options tune a Coordinator. Zero values pick the defaults.
type Options struct {
	Channel          string
	MaxMessageLength int
	Selection        SelectionStore
	Now              func() time.Time
	NewID            func() string
}

// Coordinator is the only writer of the cache.
type Coordinator struct {
	transport Transport
	remote    Remote
	cache     *chat.Cache
	logger    *slog.Logger

	channel   string
	maxLen    int
	selection SelectionStore
	now       func() time.Time
	newID     func() string

	mu        sync.Mutex
	selected  string
	connected bool
	lastErr   string
}

// New creates a Coordinator. Call Start to subscribe to the transport.
func New(transport Transport, remote Remote, cache *chat.Cache, opts Options, logger *slog.Logger) *Coordinator {
	if opts.Channel == "" {
		opts.Channel = defaultChannel
	}

	if opts.MaxMessageLength <= 0 {
		opts.MaxMessageLength = defaultMaxMessageLength
	}

	if opts.Now == nil {
		opts.Now = time.Now
	}

	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}

	return &Coordinator{
		transport: transport,
		remote:    remote,
		cache:     cache,
		logger:    logger,
		channel:   opts.Channel,
		maxLen:    opts.MaxMessageLength,
		selection: opts.Selection,
		now:       opts.Now,
		newID:     opts.NewID,
	}
}

// Start subscribes to inbound envelopes and connection changes and
// samples the current connection state. The returned function
// unsubscribes both.
func (c *Coordinator) Start() func() {
	unsubMessages := c.transport.OnMessage(c.handleEnvelope)
	unsubConn := c.transport.OnConnectionChange(c.handleConnection)

	c.mu.Lock()
	c.connected = c.transport.IsConnected()
	c.mu.Unlock()

	return func() {
		unsubMessages()
		unsubConn()
	}
}

// LoadConversations fetches the conversation list into the cache,
// replacing what was there, so it doubles as a reload. An empty account
// gets a first conversation. A current selection that is still listed is
// kept and its history fetched again. Otherwise the persisted selection
// is restored if it still exists, or the first conversation is selected.
func (c *Coordinator) LoadConversations(ctx context.Context) error {
	convs, err := c.remote.ListConversations(ctx)
	if err != nil {
		c.setError("Failed to load conversations")
		return fmt.Errorf("loading conversations: %w", err)
	}

	c.cache.Load(convs)
	c.logger.Info("conversations loaded", slog.Int("count", len(convs)))

	if len(convs) == 0 {
		_, err := c.CreateConversation(ctx, FirstTitle)
		return err
	}

	if selected := c.Selected(); selected != "" {
		if _, ok := c.cache.Get(selected); ok {
			return c.SwitchConversation(ctx, selected)
		}
	}

	target := convs[0].ID

	if c.selection != nil {
		if saved := c.selection.SelectedConversation(); saved != "" {
			if _, ok := c.cache.Get(saved); ok {
				target = saved
			}
		}
	}

	return c.SwitchConversation(ctx, target)
}

// SendMessage appends the user's message to the selected conversation
// and writes it to the socket. It returns once the frame is written;
// the reply arrives later as an inbound push.
func (c *Coordinator) SendMessage(ctx context.Context, content string) error {
	if strings.TrimSpace(content) == "" {
		return apperrors.ErrEmptyMessage
	}

	if utf8.RuneCountInString(content) > c.maxLen {
		c.setError(fmt.Sprintf("Message is longer than %d characters", c.maxLen))
		return fmt.Errorf("%w: %d characters allowed", apperrors.ErrMessageTooLong, c.maxLen)
	}

	c.mu.Lock()
	connected := c.connected
	selected := c.selected
	c.mu.Unlock()

	if !connected || !c.transport.IsConnected() {
		c.setError("Not connected to server")
		return apperrors.ErrNotConnected
	}

	if selected == "" {
		c.setError("Select or create a conversation first")
		return apperrors.ErrNoConversationSelected
	}

	c.ClearError()

	c.cache.Append(selected, chat.Message{
		ID:        c.newID(),
		Role:      chat.RoleUser,
		Content:   content,
		Timestamp: c.now().UTC(),
		Channel:   c.channel,
	})

	if err := c.transport.Send(ctx, realtime.NewSendFrame(content, selected)); err != nil {
		c.setError("Failed to send message")
		return fmt.Errorf("sending message: %w", err)
	}

	return nil
}

// CreateConversation creates a conversation remotely, inserts it at the
// front of the cache and selects it. A blank title uses DefaultTitle.
func (c *Coordinator) CreateConversation(ctx context.Context, title string) (chat.Conversation, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = DefaultTitle
	}

	if err := validateTitle(title); err != nil {
		return chat.Conversation{}, err
	}

	conv, err := c.remote.CreateConversation(ctx, title)
	if err != nil {
		c.setError("Failed to create conversation")
		return chat.Conversation{}, fmt.Errorf("creating conversation: %w", err)
	}

	// A brand new conversation has no history to fetch.
	conv.Hydration = chat.Loaded
	c.cache.UpsertConversation(conv)
	c.setSelected(conv.ID)

	c.logger.Info("conversation created", slog.String("conversation_id", conv.ID))

	return conv, nil
}

// SwitchConversation selects id and hydrates its history if needed. The
// selection changes before the fetch; the call returns once hydration
// settles. A hydration failure leaves the selection in place.
func (c *Coordinator) SwitchConversation(ctx context.Context, id string) error {
	if _, ok := c.cache.Get(id); !ok {
		return fmt.Errorf("switching to %s: %w", id, apperrors.ErrConversationNotFound)
	}

	c.setSelected(id)

	if err := c.cache.Hydrate(ctx, id); err != nil {
		c.setError("Failed to load conversation messages")
		return fmt.Errorf("switching to %s: %w", id, err)
	}

	return nil
}

// DeleteConversation deletes id remotely, then locally. Deleting the
// selected conversation selects the first remaining one, if any.
func (c *Coordinator) DeleteConversation(ctx context.Context, id string) error {
	if _, ok := c.cache.Get(id); !ok {
		return fmt.Errorf("deleting %s: %w", id, apperrors.ErrConversationNotFound)
	}

	if err := c.remote.DeleteConversation(ctx, id); err != nil {
		c.setError("Failed to delete conversation")
		return fmt.Errorf("deleting conversation: %w", err)
	}

	c.cache.Remove(id)
	c.logger.Info("conversation deleted", slog.String("conversation_id", id))

	if c.Selected() != id {
		return nil
	}

	remaining := c.cache.IDs()
	if len(remaining) == 0 {
		c.setSelected("")
		return nil
	}

	if err := c.SwitchConversation(ctx, remaining[0]); err != nil {
		c.logger.Warn("hydrating next conversation", slog.String("error", err.Error()))
	}

	return nil
}

// RenameConversation sets a new title remotely, then locally.
func (c *Coordinator) RenameConversation(ctx context.Context, id, title string) error {
	title = strings.TrimSpace(title)
	if err := validateTitle(title); err != nil {
		return err
	}

	if _, ok := c.cache.Get(id); !ok {
		return fmt.Errorf("renaming %s: %w", id, apperrors.ErrConversationNotFound)
	}

	if err := c.remote.UpdateConversation(ctx, id, chat.Update{Title: &title}); err != nil {
		c.setError("Failed to rename conversation")
		return fmt.Errorf("renaming conversation: %w", err)
	}

	c.cache.Rename(id, title)

	return nil
}

// TogglePin flips the pin flag remotely, then locally, and returns the
// new value.
func (c *Coordinator) TogglePin(ctx context.Context, id string) (bool, error) {
	conv, ok := c.cache.Get(id)
	if !ok {
		return false, fmt.Errorf("pinning %s: %w", id, apperrors.ErrConversationNotFound)
	}

	pinned := !conv.Pinned

	if err := c.remote.UpdateConversation(ctx, id, chat.Update{Pinned: &pinned}); err != nil {
		c.setError("Failed to pin conversation")
		return conv.Pinned, fmt.Errorf("pinning conversation: %w", err)
	}

	c.cache.SetPinned(id, pinned)

	return pinned, nil
}

// SetSearch filters Conversations by query.
func (c *Coordinator) SetSearch(query string) {
	c.cache.SetSearch(query)
}

// Conversations returns the filtered pinned/recent partition.
func (c *Coordinator) Conversations() chat.Partition {
	return c.cache.List()
}

// CurrentMessages returns the selected conversation's messages.
func (c *Coordinator) CurrentMessages() []chat.Message {
	id := c.Selected()
	if id == "" {
		return nil
	}

	return c.cache.Messages(id)
}

// Selected returns the selected conversation ID, or "".
func (c *Coordinator) Selected() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.selected
}

// Connected reports the last connection state seen from the transport.
func (c *Coordinator) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.connected
}

// Banner returns the reconnecting notice while disconnected, else "".
func (c *Coordinator) Banner() string {
	if c.Connected() {
		return ""
	}

	return ReconnectingBanner
}

// LastError returns the most recent action failure, or "".
func (c *Coordinator) LastError() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.lastErr
}

// ClearError dismisses the inline error.
func (c *Coordinator) ClearError() {
	c.mu.Lock()
	c.lastErr = ""
	c.mu.Unlock()
}

// handleEnvelope applies one inbound push. Message envelopes are routed by
// the conversation ID they carry, falling back to the selected
// conversation when the server omits it.
func (c *Coordinator) handleEnvelope(env realtime.Envelope) {
	switch env.Kind {
	case realtime.KindMessage:
		target := env.ConversationID
		if target == "" {
			target = c.Selected()
		}

		if target == "" {
			c.logger.Warn("dropping message push, no conversation selected")
			return
		}

		ts := env.Timestamp
		if ts.IsZero() {
			ts = c.now().UTC()
		}

		ok := c.cache.Append(target, chat.Message{
			ID:        c.newID(),
			Role:      chat.RoleAssistant,
			Content:   env.Content,
			Timestamp: ts,
			Channel:   c.channel,
		})
		if !ok {
			c.logger.Warn("dropping message push for unknown conversation",
				slog.String("conversation_id", target),
			)
		}

	case realtime.KindError:
		msg := env.Content
		if msg == "" {
			msg = "Server error"
		}

		c.logger.Warn("server error notice", slog.String("content", env.Content))
		c.setError(msg)

	case realtime.KindConnected, realtime.KindDisconnected:
		c.logger.Debug("server ack", slog.String("type", string(env.Kind)))
	}
}

func (c *Coordinator) handleConnection(connected bool) {
	c.mu.Lock()
	changed := c.connected != connected
	c.connected = connected
	c.mu.Unlock()

	if changed {
		c.logger.Info("connection changed", slog.Bool("connected", connected))
	}
}

func (c *Coordinator) setSelected(id string) {
	c.mu.Lock()
	c.selected = id
	c.mu.Unlock()

	if c.selection == nil {
		return
	}

	if err := c.selection.SetSelectedConversation(id); err != nil {
		c.logger.Warn("failed to persist selection", slog.String("error", err.Error()))
	}
}

func (c *Coordinator) setError(msg string) {
	c.mu.Lock()
	c.lastErr = msg
	c.mu.Unlock()
}

func validateTitle(title string) error {
	if title == "" {
		return fmt.Errorf("%w: title is empty", apperrors.ErrInvalidTitle)
	}

	if n := utf8.RuneCountInString(title); n > chat.MaxTitleLength {
		return fmt.Errorf("%w: %d characters, at most %d allowed", apperrors.ErrInvalidTitle, n, chat.MaxTitleLength)
	}

	return nil
}

// Snapshot renders every cached conversation as YAML, ignoring the search.
func (c *Coordinator) Snapshot() ([]byte, error) {
	return c.cache.Snapshot()
}
