// Package session wires one signed-in client: the REST client, the
// connection manager, the conversation cache and the coordinator that
// binds them. A process holds one Session.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alexjbarnes/chatsync/internal/api"
	"github.com/alexjbarnes/chatsync/internal/backoff"
	"github.com/alexjbarnes/chatsync/internal/chat"
	"github.com/alexjbarnes/chatsync/internal/coordinator"
	apperrors "github.com/alexjbarnes/chatsync/internal/errors"
	"github.com/alexjbarnes/chatsync/internal/realtime"
)

// Options configure a Session.
type Options struct {
	WSEndpoint  string
	Backoff     backoff.Policy
	DialTimeout time.Duration

	Channel          string
	MaxMessageLength int
	Selection        coordinator.SelectionStore
}

// Session owns the manager, cache and coordinator for one account.
type Session struct {
	client      *api.Client
	manager     *realtime.Manager
	cache       *chat.Cache
	coordinator *coordinator.Coordinator
	logger      *slog.Logger

	mu      sync.Mutex
	stop    func()
	started bool
	closed  bool
}

// New builds a Session around client. Nothing is dialed until Start.
func New(client *api.Client, opts Options, logger *slog.Logger) *Session {
	manager := realtime.NewManager(realtime.Config{
		Endpoint:    opts.WSEndpoint,
		Backoff:     opts.Backoff,
		DialTimeout: opts.DialTimeout,
	}, logger.With(slog.String("component", "realtime")))

	cache := chat.NewCache(client, logger.With(slog.String("component", "cache")))

	coord := coordinator.New(manager, client, cache, coordinator.Options{
		Channel:          opts.Channel,
		MaxMessageLength: opts.MaxMessageLength,
		Selection:        opts.Selection,
	}, logger.With(slog.String("component", "coordinator")))

	return &Session{
		client:      client,
		manager:     manager,
		cache:       cache,
		coordinator: coord,
		logger:      logger,
	}
}

// Coordinator returns the session's coordinator.
func (s *Session) Coordinator() *coordinator.Coordinator { return s.coordinator }

// Cache returns the session's conversation cache.
func (s *Session) Cache() *chat.Cache { return s.cache }

// Manager returns the session's connection manager.
func (s *Session) Manager() *realtime.Manager { return s.manager }

// Start binds token, subscribes the coordinator, opens the socket and
// loads the conversation list. The socket keeps reconnecting in the
// background even if the initial load fails.
func (s *Session) Start(ctx context.Context, token string) error {
	if token == "" {
		return apperrors.ErrNoToken
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("starting session: already closed")
	}

	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("starting session: already started")
	}

	s.started = true
	s.stop = s.coordinator.Start()
	s.mu.Unlock()

	s.client.SetToken(token)

	if err := s.manager.Connect(token); err != nil {
		return fmt.Errorf("connecting: %w", err)
	}

	if err := s.coordinator.LoadConversations(ctx); err != nil {
		return err
	}

	return nil
}

// Rebind switches both the REST client and the socket to a new token.
// The socket is replaced and its attempt counter reset. Rebinding the
// current token is a no-op.
func (s *Session) Rebind(token string) error {
	if token == "" {
		return apperrors.ErrNoToken
	}

	if token == s.client.Token() {
		return nil
	}

	s.client.SetToken(token)

	if err := s.manager.Connect(token); err != nil {
		return fmt.Errorf("rebinding token: %w", err)
	}

	s.logger.Info("token rebound")

	return nil
}

// Close unsubscribes the coordinator and shuts the manager down. It is
// safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}

	s.closed = true
	stop := s.stop
	s.mu.Unlock()

	if stop != nil {
		stop()
	}

	s.manager.Close()
}
