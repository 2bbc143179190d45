package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	apperrors "github.com/alexjbarnes/chatsync/internal/errors"
	"golang.org/x/text/cases"
	"gopkg.in/yaml.v3"
)

// HistoryReader fetches a conversation's full ordered message history.
type HistoryReader interface {
	GetMessages(ctx context.Context, conversationID string) ([]Message, error)
}

// Cache is the in-memory conversation store. A single mutex serialises
// every mutation. The cache never reorders: conversations keep the order
// they were loaded or inserted in, and messages keep append order.
type Cache struct {
	history HistoryReader
	logger  *slog.Logger
	fold    cases.Caser

	mu     sync.Mutex
	order  []string
	convs  map[string]*Conversation
	query  string
	folded string
}

// NewCache creates an empty cache that hydrates through history.
func NewCache(history HistoryReader, logger *slog.Logger) *Cache {
	return &Cache{
		history: history,
		logger:  logger,
		fold:    cases.Fold(),
		convs:   make(map[string]*Conversation),
	}
}

// Load replaces the cache contents with convs, in the given order.
// Duplicate IDs keep their first occurrence.
func (c *Cache) Load(convs []Conversation) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.order = c.order[:0]
	c.convs = make(map[string]*Conversation, len(convs))

	for i := range convs {
		if _, dup := c.convs[convs[i].ID]; dup {
			c.logger.Warn("duplicate conversation in listing", slog.String("conversation_id", convs[i].ID))
			continue
		}

		conv := convs[i].clone()
		c.convs[conv.ID] = &conv
		c.order = append(c.order, conv.ID)
	}
}

// SetSearch sets the case-insensitive filter applied by List. An empty
// query disables filtering.
func (c *Cache) SetSearch(query string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.query = query
	c.folded = c.fold.String(query)
}

// Search returns the active query.
func (c *Cache) Search() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.query
}

// List partitions conversations into pinned and recent, applying the
// active search. Only hydrated or locally appended messages are searched;
// conversations without messages in memory match on title alone.
func (c *Cache) List() Partition {
	c.mu.Lock()
	defer c.mu.Unlock()

	var p Partition

	for _, id := range c.order {
		conv := c.convs[id]
		if !c.matchesLocked(conv) {
			continue
		}

		if conv.Pinned {
			p.Pinned = append(p.Pinned, conv.clone())
		} else {
			p.Recent = append(p.Recent, conv.clone())
		}
	}

	return p
}

func (c *Cache) matchesLocked(conv *Conversation) bool {
	if c.folded == "" {
		return true
	}

	if strings.Contains(c.fold.String(conv.Title), c.folded) {
		return true
	}

	for _, m := range conv.Messages {
		if strings.Contains(c.fold.String(m.Content), c.folded) {
			return true
		}
	}

	return false
}

// Hydrate fetches the history of conversation id once. It is a no-op when
// the conversation is already loaded or loading, or has no messages on
// the server. On failure the conversation returns to NotLoaded so a later
// call can retry.
//
// The fetched history replaces whatever was in memory. Messages appended
// locally before it arrived are kept after it only when the server does
// not hold them yet; see unsynced.
func (c *Cache) Hydrate(ctx context.Context, id string) error {
	c.mu.Lock()
	conv, ok := c.convs[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("hydrating %s: %w", id, apperrors.ErrConversationNotFound)
	}

	if conv.Hydration != NotLoaded {
		c.mu.Unlock()
		return nil
	}

	if conv.MessageCount == 0 {
		conv.Hydration = Loaded
		c.mu.Unlock()

		return nil
	}

	conv.Hydration = Loading
	c.mu.Unlock()

	msgs, err := c.history.GetMessages(ctx, id)

	c.mu.Lock()
	defer c.mu.Unlock()

	conv, ok = c.convs[id]
	current := ok && conv.Hydration == Loading

	if err != nil {
		if current {
			conv.Hydration = NotLoaded
		}

		return fmt.Errorf("hydrating %s: %w", id, err)
	}

	// Deleted or reloaded while we were fetching.
	if !current {
		return nil
	}

	merged := make([]Message, 0, len(msgs)+len(conv.Messages))
	merged = append(merged, msgs...)
	merged = append(merged, unsynced(msgs, conv.Messages)...)

	conv.Messages = merged
	conv.Hydration = Loaded
	conv.MessageCount = len(merged)

	if n := len(merged); n > 0 && merged[n-1].Timestamp.After(conv.LastMessageTime) {
		conv.LastMessageTime = merged[n-1].Timestamp
	}

	c.logger.Debug("conversation hydrated",
		slog.String("conversation_id", id),
		slog.Int("messages", len(merged)),
	)

	return nil
}

// Append adds msg to the end of a conversation, advancing LastMessageTime
// and MessageCount. It reports false, changing nothing, when the
// conversation is not in the cache.
func (c *Cache) Append(conversationID string, msg Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	conv, ok := c.convs[conversationID]
	if !ok {
		return false
	}

	conv.Messages = append(conv.Messages, msg)
	conv.LastMessageTime = msg.Timestamp
	conv.MessageCount++

	return true
}

// UpsertConversation replaces the metadata of an existing conversation,
// keeping its messages and hydration state, or inserts a new one at the
// front of the list.
func (c *Cache) UpsertConversation(conv Conversation) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.convs[conv.ID]; ok {
		existing.Title = conv.Title
		existing.Pinned = conv.Pinned
		existing.CreatedAt = conv.CreatedAt
		existing.LastMessageTime = conv.LastMessageTime
		existing.MessageCount = max(conv.MessageCount, len(existing.Messages))

		return
	}

	inserted := conv.clone()
	c.convs[conv.ID] = &inserted
	c.order = append([]string{conv.ID}, c.order...)
}

// Remove deletes a conversation and its messages.
func (c *Cache) Remove(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.convs[id]; !ok {
		return false
	}

	delete(c.convs, id)

	for i, cid := range c.order {
		if cid == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}

	return true
}

// Rename sets a conversation's title.
func (c *Cache) Rename(id, title string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	conv, ok := c.convs[id]
	if ok {
		conv.Title = title
	}

	return ok
}

// SetPinned sets a conversation's pin flag. Its position in the source
// order does not change.
func (c *Cache) SetPinned(id string, pinned bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	conv, ok := c.convs[id]
	if ok {
		conv.Pinned = pinned
	}

	return ok
}

// Get returns a copy of one conversation.
func (c *Cache) Get(id string) (Conversation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	conv, ok := c.convs[id]
	if !ok {
		return Conversation{}, false
	}

	return conv.clone(), true
}

// Messages returns a copy of a conversation's messages, or nil.
func (c *Cache) Messages(id string) []Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	conv, ok := c.convs[id]
	if !ok || len(conv.Messages) == 0 {
		return nil
	}

	out := make([]Message, len(conv.Messages))
	copy(out, conv.Messages)

	return out
}

// IDs returns conversation IDs in source order.
func (c *Cache) IDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]string(nil), c.order...)
}

// Len returns the number of cached conversations.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.order)
}

// Snapshot renders the unfiltered cache as YAML, pinned first.
func (c *Cache) Snapshot() ([]byte, error) {
	c.mu.Lock()

	var p Partition

	for _, id := range c.order {
		conv := c.convs[id]
		if conv.Pinned {
			p.Pinned = append(p.Pinned, conv.clone())
		} else {
			p.Recent = append(p.Recent, conv.clone())
		}
	}
	c.mu.Unlock()

	out, err := yaml.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshalling snapshot: %w", err)
	}

	return out, nil
}

// syncWindow bounds the clock difference between a locally stamped
// message and the server's copy of it.
const syncWindow = 2 * time.Minute

// unsynced returns the local messages that have no counterpart in the
// server history. Local IDs are client generated and never match the
// server's, so a counterpart is a fetched message with the same role and
// content stamped within syncWindow. Each fetched message pairs with at
// most one local one, newest first.
func unsynced(fetched, local []Message) []Message {
	used := make([]bool, len(fetched))

	var out []Message

	for _, m := range local {
		matched := false

		for i := len(fetched) - 1; i >= 0; i-- {
			if used[i] || !sameMessage(fetched[i], m) {
				continue
			}

			used[i] = true
			matched = true

			break
		}

		if !matched {
			out = append(out, m)
		}
	}

	return out
}

func sameMessage(server, local Message) bool {
	if server.Role != local.Role || server.Content != local.Content {
		return false
	}

	if server.Timestamp.IsZero() || local.Timestamp.IsZero() {
		return true
	}

	d := server.Timestamp.Sub(local.Timestamp)

	return d <= syncWindow && d >= -syncWindow
}
