package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/chatsync/internal/chat"
	apperrors "github.com/alexjbarnes/chatsync/internal/errors"
	"github.com/alexjbarnes/chatsync/internal/events"
	"github.com/alexjbarnes/chatsync/internal/logging"
	"github.com/alexjbarnes/chatsync/internal/realtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- fakes ---

type fakeTransport struct {
	messages *events.Bus[realtime.Envelope]
	conn     *events.Bus[bool]

	mu        sync.Mutex
	connected bool
	sent      []realtime.Frame
	sendErr   error
	onSend    func()
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		messages: events.NewBus[realtime.Envelope]("messages", logging.Discard()),
		conn:     events.NewBus[bool]("connection", logging.Discard()),
	}
}

func (f *fakeTransport) Send(_ context.Context, frame realtime.Frame) error {
	f.mu.Lock()
	onSend := f.onSend
	f.mu.Unlock()

	if onSend != nil {
		onSend()
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.sendErr != nil {
		return f.sendErr
	}

	if !f.connected {
		return apperrors.ErrNotConnected
	}

	f.sent = append(f.sent, frame)

	return nil
}

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.connected
}

func (f *fakeTransport) OnMessage(fn func(realtime.Envelope)) func() { return f.messages.Subscribe(fn) }
func (f *fakeTransport) OnConnectionChange(fn func(bool)) func()     { return f.conn.Subscribe(fn) }

func (f *fakeTransport) setConnected(v bool) {
	f.mu.Lock()
	f.connected = v
	f.mu.Unlock()
	f.conn.Publish(v)
}

func (f *fakeTransport) frames() []realtime.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]realtime.Frame(nil), f.sent...)
}

type fakeRemote struct {
	mu       sync.Mutex
	list     []chat.Conversation
	history  map[string][]chat.Message
	fetches  map[string]int
	err      error
	nextID   int
	created  []string
	updates  map[string][]chat.Update
	deleted  []string
	listErr  error
	fetchErr error
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		history: make(map[string][]chat.Message),
		fetches: make(map[string]int),
		updates: make(map[string][]chat.Update),
	}
}

func (f *fakeRemote) ListConversations(context.Context) ([]chat.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.listErr != nil {
		return nil, f.listErr
	}

	return append([]chat.Conversation(nil), f.list...), nil
}

func (f *fakeRemote) GetMessages(_ context.Context, id string) ([]chat.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.fetches[id]++
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}

	return f.history[id], nil
}

func (f *fakeRemote) CreateConversation(_ context.Context, title string) (chat.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return chat.Conversation{}, f.err
	}

	f.nextID++
	id := fmt.Sprintf("new-%d", f.nextID)
	f.created = append(f.created, title)

	return chat.Conversation{ID: id, Title: title, CreatedAt: t0, LastMessageTime: t0}, nil
}

func (f *fakeRemote) UpdateConversation(_ context.Context, id string, u chat.Update) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return f.err
	}

	f.updates[id] = append(f.updates[id], u)

	return nil
}

func (f *fakeRemote) DeleteConversation(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return f.err
	}

	f.deleted = append(f.deleted, id)

	return nil
}

func (f *fakeRemote) fetchCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.fetches[id]
}

type memSelection struct {
	id  string
	err error
}

func (m *memSelection) SelectedConversation() string { return m.id }
func (m *memSelection) SetSelectedConversation(id string) error {
	if m.err != nil {
		return m.err
	}
	m.id = id
	return nil
}

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	c         *Coordinator
	transport *fakeTransport
	remote    *fakeRemote
	cache     *chat.Cache
	selection *memSelection
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	remote := newFakeRemote()
	remote.list = []chat.Conversation{
		{ID: "C1", Title: "Groceries", MessageCount: 2, CreatedAt: t0},
		{ID: "C2", Title: "Empty", MessageCount: 0, CreatedAt: t0},
		{ID: "P1", Title: "Pinned", Pinned: true, MessageCount: 1, CreatedAt: t0},
	}
	remote.history["C1"] = []chat.Message{
		{ID: "h1", Role: chat.RoleUser, Content: "milk?", Timestamp: t0},
		{ID: "h2", Role: chat.RoleAssistant, Content: "yes", Timestamp: t0.Add(time.Second)},
	}

	transport := newFakeTransport()
	cache := chat.NewCache(remote, logging.Discard())
	selection := &memSelection{}

	n := 0
	c := New(transport, remote, cache, Options{
		Selection: selection,
		Now:       func() time.Time { return t0.Add(time.Hour) },
		NewID: func() string {
			n++
			return fmt.Sprintf("id-%d", n)
		},
	}, logging.Discard())

	stop := c.Start()
	t.Cleanup(stop)

	return &fixture{c: c, transport: transport, remote: remote, cache: cache, selection: selection}
}

func (f *fixture) loaded(t *testing.T) *fixture {
	t.Helper()
	require.NoError(t, f.c.LoadConversations(context.Background()))
	return f
}

// --- load ---

func TestLoadConversations_SelectsFirstAndHydrates(t *testing.T) {
	f := newFixture(t).loaded(t)

	assert.Equal(t, "C1", f.c.Selected())
	assert.Equal(t, "C1", f.selection.id)
	assert.Len(t, f.c.CurrentMessages(), 2)
	assert.Equal(t, 3, f.cache.Len())
}

func TestLoadConversations_RestoresPersistedSelection(t *testing.T) {
	f := newFixture(t)
	f.selection.id = "P1"

	require.NoError(t, f.c.LoadConversations(context.Background()))
	assert.Equal(t, "P1", f.c.Selected())
}

func TestLoadConversations_IgnoresStalePersistedSelection(t *testing.T) {
	f := newFixture(t)
	f.selection.id = "deleted-elsewhere"

	require.NoError(t, f.c.LoadConversations(context.Background()))
	assert.Equal(t, "C1", f.c.Selected())
}

func TestLoadConversations_EmptyAccountCreatesFirst(t *testing.T) {
	f := newFixture(t)
	f.remote.list = nil

	require.NoError(t, f.c.LoadConversations(context.Background()))
	assert.Equal(t, []string{FirstTitle}, f.remote.created)
	assert.Equal(t, "new-1", f.c.Selected())
	assert.Equal(t, 1, f.cache.Len())
}

func TestLoadConversations_Failure(t *testing.T) {
	f := newFixture(t)
	f.remote.listErr = fmt.Errorf("%w: 500", apperrors.ErrRemoteCall)

	err := f.c.LoadConversations(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrRemoteCall)
	assert.NotEmpty(t, f.c.LastError())
	assert.Equal(t, 0, f.cache.Len())
}

// --- send ---

func TestSendMessage_OptimisticAppendBeforeTransport(t *testing.T) {
	f := newFixture(t).loaded(t)
	f.transport.setConnected(true)

	before, _ := f.cache.Get("C1")

	var seenDuringSend []chat.Message
	f.transport.onSend = func() { seenDuringSend = f.cache.Messages("C1") }

	require.NoError(t, f.c.SendMessage(context.Background(), "Hello"))

	require.Len(t, seenDuringSend, 3, "user message is in the cache before the transport write")
	last := seenDuringSend[2]
	assert.Equal(t, chat.RoleUser, last.Role)
	assert.Equal(t, "Hello", last.Content)
	assert.Equal(t, "web", last.Channel)
	assert.NotEmpty(t, last.ID)

	after, _ := f.cache.Get("C1")
	assert.Equal(t, before.MessageCount+1, after.MessageCount)
	assert.Equal(t, t0.Add(time.Hour), after.LastMessageTime)

	assert.Equal(t, []realtime.Frame{realtime.NewSendFrame("Hello", "C1")}, f.transport.frames())
}

func TestSendMessage_NoConversationSelected(t *testing.T) {
	f := newFixture(t)
	f.transport.setConnected(true)

	err := f.c.SendMessage(context.Background(), "Hello")
	assert.ErrorIs(t, err, apperrors.ErrNoConversationSelected)
	assert.Empty(t, f.transport.frames())
	assert.Equal(t, 0, f.cache.Len())
	assert.NotEmpty(t, f.c.LastError())
}

func TestSendMessage_NotConnected(t *testing.T) {
	f := newFixture(t).loaded(t)

	before := f.cache.Messages("C1")
	err := f.c.SendMessage(context.Background(), "Hello")
	assert.ErrorIs(t, err, apperrors.ErrNotConnected)
	assert.Equal(t, before, f.cache.Messages("C1"), "no optimistic append when disconnected")
	assert.Empty(t, f.transport.frames())
}

func TestSendMessage_InputBoundary(t *testing.T) {
	f := newFixture(t).loaded(t)
	f.transport.setConnected(true)

	assert.ErrorIs(t, f.c.SendMessage(context.Background(), "   "), apperrors.ErrEmptyMessage)
	assert.ErrorIs(t, f.c.SendMessage(context.Background(), strings.Repeat("é", 4001)), apperrors.ErrMessageTooLong)
	require.NoError(t, f.c.SendMessage(context.Background(), strings.Repeat("é", 4000)))
	assert.Len(t, f.transport.frames(), 1)
}

func TestSendMessage_TransportFailureSurfaces(t *testing.T) {
	f := newFixture(t).loaded(t)
	f.transport.setConnected(true)
	f.transport.sendErr = fmt.Errorf("%w: broken pipe", apperrors.ErrTransport)

	err := f.c.SendMessage(context.Background(), "Hello")
	assert.ErrorIs(t, err, apperrors.ErrTransport)
	assert.Equal(t, "Failed to send message", f.c.LastError())
}

func TestSendMessage_BackToBackOrder(t *testing.T) {
	f := newFixture(t).loaded(t)
	f.transport.setConnected(true)

	ctx := context.Background()
	require.NoError(t, f.c.SendMessage(ctx, "one"))
	require.NoError(t, f.c.SendMessage(ctx, "two"))

	frames := f.transport.frames()
	require.Len(t, frames, 2)
	assert.Equal(t, "one", frames[0].Message)
	assert.Equal(t, "two", frames[1].Message)

	msgs := f.c.CurrentMessages()
	assert.Equal(t, "one", msgs[len(msgs)-2].Content)
	assert.Equal(t, "two", msgs[len(msgs)-1].Content)
}

// --- inbound ---

func TestInbound_MessageAppendsToSelected(t *testing.T) {
	f := newFixture(t).loaded(t)

	ts := time.Date(2025, 3, 2, 8, 0, 0, 0, time.UTC)
	f.transport.messages.Publish(realtime.Envelope{Kind: realtime.KindMessage, Content: "Hi there", Timestamp: ts})

	msgs := f.c.CurrentMessages()
	require.Len(t, msgs, 3)
	assert.Equal(t, chat.RoleAssistant, msgs[2].Role)
	assert.Equal(t, "Hi there", msgs[2].Content)

	conv, _ := f.cache.Get("C1")
	assert.Equal(t, ts, conv.LastMessageTime)
	assert.Equal(t, 3, conv.MessageCount)
}

func TestInbound_RoutesByConversationID(t *testing.T) {
	f := newFixture(t).loaded(t)

	f.transport.messages.Publish(realtime.Envelope{Kind: realtime.KindMessage, Content: "for P1", ConversationID: "P1", Timestamp: t0})

	assert.Len(t, f.c.CurrentMessages(), 2, "selected conversation untouched")
	conv, _ := f.cache.Get("P1")
	assert.Equal(t, 2, conv.MessageCount)
	assert.Equal(t, "for P1", conv.Messages[0].Content)
}

func TestInbound_UnknownConversationIsDropped(t *testing.T) {
	f := newFixture(t).loaded(t)

	f.transport.messages.Publish(realtime.Envelope{Kind: realtime.KindMessage, Content: "x", ConversationID: "ghost"})
	assert.Equal(t, 3, f.cache.Len())
	assert.Len(t, f.c.CurrentMessages(), 2)
}

func TestInbound_NoSelectionIsDropped(t *testing.T) {
	f := newFixture(t)
	f.cache.Load([]chat.Conversation{{ID: "C1"}})

	f.transport.messages.Publish(realtime.Envelope{Kind: realtime.KindMessage, Content: "x"})
	assert.Nil(t, f.cache.Messages("C1"))
}

func TestInbound_MissingTimestampUsesNow(t *testing.T) {
	f := newFixture(t).loaded(t)

	f.transport.messages.Publish(realtime.Envelope{Kind: realtime.KindMessage, Content: "x"})
	msgs := f.c.CurrentMessages()
	assert.Equal(t, t0.Add(time.Hour), msgs[len(msgs)-1].Timestamp)
}

func TestInbound_ErrorNoticeSetsError(t *testing.T) {
	f := newFixture(t).loaded(t)

	f.transport.messages.Publish(realtime.Envelope{Kind: realtime.KindError, Content: "agent unavailable"})
	assert.Equal(t, "agent unavailable", f.c.LastError())
	assert.Len(t, f.c.CurrentMessages(), 2)

	f.c.ClearError()
	assert.Empty(t, f.c.LastError())
}

func TestInbound_AcksDoNotTouchCache(t *testing.T) {
	f := newFixture(t).loaded(t)

	f.transport.messages.Publish(realtime.Envelope{Kind: realtime.KindConnected})
	f.transport.messages.Publish(realtime.Envelope{Kind: realtime.KindDisconnected})
	assert.Len(t, f.c.CurrentMessages(), 2)
}

// --- connection flag ---

func TestConnectionFlagAndBanner(t *testing.T) {
	f := newFixture(t)

	assert.False(t, f.c.Connected())
	assert.Equal(t, ReconnectingBanner, f.c.Banner())

	f.transport.setConnected(true)
	assert.True(t, f.c.Connected())
	assert.Empty(t, f.c.Banner())

	f.transport.setConnected(false)
	assert.False(t, f.c.Connected())
	assert.Equal(t, ReconnectingBanner, f.c.Banner())
}

func TestStart_SamplesCurrentState(t *testing.T) {
	transport := newFakeTransport()
	transport.connected = true

	c := New(transport, newFakeRemote(), chat.NewCache(newFakeRemote(), logging.Discard()), Options{}, logging.Discard())
	stop := c.Start()
	defer stop()

	assert.True(t, c.Connected())
}

func TestStart_StopUnsubscribes(t *testing.T) {
	f := newFixture(t)
	f.transport.setConnected(true)

	stop := f.c.Start()
	stop()

	assert.Equal(t, 1, f.transport.messages.Len(), "only the fixture's subscription remains")
	assert.Equal(t, 1, f.transport.conn.Len())
}

// --- switch ---

func TestSwitch_EmptyConversationNeverFetches(t *testing.T) {
	f := newFixture(t).loaded(t)

	require.NoError(t, f.c.SwitchConversation(context.Background(), "C2"))
	assert.Equal(t, "C2", f.c.Selected())
	assert.Equal(t, 0, f.remote.fetchCount("C2"))
}

func TestSwitch_HydratesOnce(t *testing.T) {
	f := newFixture(t).loaded(t)

	require.NoError(t, f.c.SwitchConversation(context.Background(), "P1"))
	require.NoError(t, f.c.SwitchConversation(context.Background(), "C1"))
	require.NoError(t, f.c.SwitchConversation(context.Background(), "P1"))

	assert.Equal(t, 1, f.remote.fetchCount("C1"))
	assert.Equal(t, 1, f.remote.fetchCount("P1"))
}

func TestSwitch_UnknownConversation(t *testing.T) {
	f := newFixture(t).loaded(t)

	err := f.c.SwitchConversation(context.Background(), "nope")
	assert.ErrorIs(t, err, apperrors.ErrConversationNotFound)
	assert.Equal(t, "C1", f.c.Selected())
}

func TestSwitch_HydrationFailureKeepsSelection(t *testing.T) {
	f := newFixture(t).loaded(t)
	f.remote.fetchErr = errors.New("timeout")

	err := f.c.SwitchConversation(context.Background(), "P1")
	assert.Error(t, err)
	assert.Equal(t, "P1", f.c.Selected())
	assert.Equal(t, "Failed to load conversation messages", f.c.LastError())
}

func TestSwitch_PushBeforeHistoryIsNotDuplicated(t *testing.T) {
	f := newFixture(t).loaded(t)

	pushedAt := t0.Add(5 * time.Second)
	f.transport.messages.Publish(realtime.Envelope{
		Kind:           realtime.KindMessage,
		Content:        "pushed reply",
		ConversationID: "P1",
		Timestamp:      pushedAt,
	})

	// The server stored the push before delivering it.
	f.remote.history["P1"] = []chat.Message{
		{ID: "s1", Role: chat.RoleUser, Content: "old", Timestamp: t0},
		{ID: "s2", Role: chat.RoleAssistant, Content: "pushed reply", Timestamp: pushedAt},
	}

	require.NoError(t, f.c.SwitchConversation(context.Background(), "P1"))

	msgs := f.c.CurrentMessages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "s1", msgs[0].ID)
	assert.Equal(t, "s2", msgs[1].ID)

	conv, _ := f.cache.Get("P1")
	assert.Equal(t, 2, conv.MessageCount)
}

func TestSwitch_SendAfterFailedHydrationIsNotDuplicated(t *testing.T) {
	f := newFixture(t).loaded(t)
	f.transport.setConnected(true)
	f.remote.fetchErr = errors.New("timeout")

	require.Error(t, f.c.SwitchConversation(context.Background(), "P1"))
	require.NoError(t, f.c.SendMessage(context.Background(), "Hello"))

	f.remote.fetchErr = nil
	f.remote.history["P1"] = []chat.Message{
		{ID: "s1", Role: chat.RoleAssistant, Content: "earlier", Timestamp: t0},
		{ID: "s2", Role: chat.RoleUser, Content: "Hello", Timestamp: t0.Add(time.Hour + 2*time.Second)},
	}

	require.NoError(t, f.c.SwitchConversation(context.Background(), "C1"))
	require.NoError(t, f.c.SwitchConversation(context.Background(), "P1"))

	msgs := f.c.CurrentMessages()
	require.Len(t, msgs, 2)
	assert.Equal(t, []string{"s1", "s2"}, []string{msgs[0].ID, msgs[1].ID})
}

func TestSwitch_UnsyncedSendSurvivesHydration(t *testing.T) {
	f := newFixture(t).loaded(t)
	f.transport.setConnected(true)
	f.remote.fetchErr = errors.New("timeout")

	require.Error(t, f.c.SwitchConversation(context.Background(), "P1"))
	require.NoError(t, f.c.SendMessage(context.Background(), "still in flight"))

	f.remote.fetchErr = nil
	f.remote.history["P1"] = []chat.Message{
		{ID: "s1", Role: chat.RoleAssistant, Content: "earlier", Timestamp: t0},
	}

	require.NoError(t, f.c.SwitchConversation(context.Background(), "P1"))

	msgs := f.c.CurrentMessages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "s1", msgs[0].ID)
	assert.Equal(t, "still in flight", msgs[1].Content)
}

// --- reload ---

func TestLoadConversations_RecoversAfterFailedFirstLoad(t *testing.T) {
	f := newFixture(t)
	f.remote.listErr = fmt.Errorf("%w: 502", apperrors.ErrRemoteCall)

	require.Error(t, f.c.LoadConversations(context.Background()))
	assert.Equal(t, 0, f.cache.Len())
	assert.Empty(t, f.c.Selected())

	f.remote.listErr = nil

	require.NoError(t, f.c.LoadConversations(context.Background()))
	assert.Equal(t, 3, f.cache.Len())
	assert.Equal(t, "C1", f.c.Selected())
	assert.Len(t, f.c.CurrentMessages(), 2)
}

func TestLoadConversations_ReloadKeepsSelectionAndRefetches(t *testing.T) {
	f := newFixture(t).loaded(t)
	require.NoError(t, f.c.SwitchConversation(context.Background(), "P1"))

	require.NoError(t, f.c.LoadConversations(context.Background()))
	assert.Equal(t, "P1", f.c.Selected())
	assert.Equal(t, 2, f.remote.fetchCount("P1"))
	assert.Empty(t, f.remote.created)
}

func TestLoadConversations_ReloadDropsVanishedSelection(t *testing.T) {
	f := newFixture(t).loaded(t)
	require.NoError(t, f.c.SwitchConversation(context.Background(), "P1"))

	f.remote.list = f.remote.list[:2]

	require.NoError(t, f.c.LoadConversations(context.Background()))
	assert.Equal(t, "C1", f.c.Selected())
}

// --- structural ---

func TestCreate_InsertsAtFrontAndSelects(t *testing.T) {
	f := newFixture(t).loaded(t)

	conv, err := f.c.CreateConversation(context.Background(), "  ")
	require.NoError(t, err)

	assert.Equal(t, DefaultTitle, conv.Title)
	assert.Equal(t, conv.ID, f.c.Selected())
	assert.Equal(t, conv.ID, f.cache.IDs()[0])

	got, _ := f.cache.Get(conv.ID)
	assert.Equal(t, chat.Loaded, got.Hydration)
}

func TestCreate_RemoteFailureLeavesCache(t *testing.T) {
	f := newFixture(t).loaded(t)
	f.remote.err = fmt.Errorf("%w: 500", apperrors.ErrRemoteCall)

	_, err := f.c.CreateConversation(context.Background(), "Trip")
	assert.ErrorIs(t, err, apperrors.ErrRemoteCall)
	assert.Equal(t, 3, f.cache.Len())
	assert.Equal(t, "C1", f.c.Selected())
}

func TestCreate_TitleTooLong(t *testing.T) {
	f := newFixture(t).loaded(t)

	_, err := f.c.CreateConversation(context.Background(), strings.Repeat("x", 51))
	assert.ErrorIs(t, err, apperrors.ErrInvalidTitle)
	assert.Empty(t, f.remote.created)
}

func TestRename_RoundTripKeepsPartition(t *testing.T) {
	f := newFixture(t).loaded(t)

	require.NoError(t, f.c.RenameConversation(context.Background(), "P1", "New Title"))

	p := f.c.Conversations()
	require.Len(t, p.Pinned, 1)
	assert.Equal(t, "New Title", p.Pinned[0].Title)
	assert.True(t, p.Pinned[0].Pinned)

	require.Len(t, f.remote.updates["P1"], 1)
	assert.Equal(t, "New Title", *f.remote.updates["P1"][0].Title)
	assert.Nil(t, f.remote.updates["P1"][0].Pinned)
}

func TestRename_Validation(t *testing.T) {
	f := newFixture(t).loaded(t)

	assert.ErrorIs(t, f.c.RenameConversation(context.Background(), "C1", ""), apperrors.ErrInvalidTitle)
	assert.ErrorIs(t, f.c.RenameConversation(context.Background(), "C1", strings.Repeat("字", 51)), apperrors.ErrInvalidTitle)
	require.NoError(t, f.c.RenameConversation(context.Background(), "C1", strings.Repeat("字", 50)))
	assert.ErrorIs(t, f.c.RenameConversation(context.Background(), "ghost", "x"), apperrors.ErrConversationNotFound)
}

func TestRename_RemoteFailureLeavesTitle(t *testing.T) {
	f := newFixture(t).loaded(t)
	f.remote.err = fmt.Errorf("%w: 404", apperrors.ErrRemoteCall)

	err := f.c.RenameConversation(context.Background(), "C1", "Changed")
	assert.ErrorIs(t, err, apperrors.ErrRemoteCall)

	conv, _ := f.cache.Get("C1")
	assert.Equal(t, "Groceries", conv.Title)
	assert.Equal(t, "Failed to rename conversation", f.c.LastError())
}

func TestTogglePin(t *testing.T) {
	f := newFixture(t).loaded(t)

	pinned, err := f.c.TogglePin(context.Background(), "C1")
	require.NoError(t, err)
	assert.True(t, pinned)

	p := f.c.Conversations()
	assert.Len(t, p.Pinned, 2)
	assert.True(t, *f.remote.updates["C1"][0].Pinned)

	pinned, err = f.c.TogglePin(context.Background(), "C1")
	require.NoError(t, err)
	assert.False(t, pinned)
}

func TestTogglePin_RemoteFailure(t *testing.T) {
	f := newFixture(t).loaded(t)
	f.remote.err = fmt.Errorf("%w: 500", apperrors.ErrRemoteCall)

	pinned, err := f.c.TogglePin(context.Background(), "C1")
	assert.ErrorIs(t, err, apperrors.ErrRemoteCall)
	assert.False(t, pinned)
	assert.Len(t, f.c.Conversations().Pinned, 1)
}

func TestDelete_SelectedFallsBackToFirst(t *testing.T) {
	f := newFixture(t).loaded(t)

	require.NoError(t, f.c.DeleteConversation(context.Background(), "C1"))
	assert.Equal(t, []string{"C1"}, f.remote.deleted)
	assert.Equal(t, "C2", f.c.Selected())
	_, ok := f.cache.Get("C1")
	assert.False(t, ok)
}

func TestDelete_NonSelectedKeepsSelection(t *testing.T) {
	f := newFixture(t).loaded(t)

	require.NoError(t, f.c.DeleteConversation(context.Background(), "P1"))
	assert.Equal(t, "C1", f.c.Selected())
}

func TestDelete_LastConversationClearsSelection(t *testing.T) {
	f := newFixture(t)
	f.remote.list = []chat.Conversation{{ID: "only", Title: "Only"}}
	f.loaded(t)

	require.NoError(t, f.c.DeleteConversation(context.Background(), "only"))
	assert.Empty(t, f.c.Selected())
	assert.Empty(t, f.selection.id)
}

func TestDelete_RemoteFailureKeepsConversation(t *testing.T) {
	f := newFixture(t).loaded(t)
	f.remote.err = fmt.Errorf("%w: 500", apperrors.ErrRemoteCall)

	err := f.c.DeleteConversation(context.Background(), "C1")
	assert.ErrorIs(t, err, apperrors.ErrRemoteCall)
	assert.Equal(t, 3, f.cache.Len())
	assert.Equal(t, "C1", f.c.Selected())
}

func TestSelectionPersistFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	f.selection.err = errors.New("disk full")

	require.NoError(t, f.c.LoadConversations(context.Background()))
	assert.Equal(t, "C1", f.c.Selected())
}

func TestSearch(t *testing.T) {
	f := newFixture(t).loaded(t)

	f.c.SetSearch("MILK")
	p := f.c.Conversations()
	assert.Empty(t, p.Pinned)
	require.Len(t, p.Recent, 1)
	assert.Equal(t, "C1", p.Recent[0].ID)
}

func TestSnapshotIgnoresSearch(t *testing.T) {
	f := newFixture(t).loaded(t)
	f.c.SetSearch("no such conversation")

	out, err := f.c.Snapshot()
	require.NoError(t, err)
	assert.Contains(t, string(out), "Groceries")
	assert.Contains(t, string(out), "Pinned")
}
