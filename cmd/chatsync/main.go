package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alexjbarnes/chatsync/internal/api"
	"github.com/alexjbarnes/chatsync/internal/config"
	"github.com/alexjbarnes/chatsync/internal/logging"
	"github.com/alexjbarnes/chatsync/internal/realtime"
	"github.com/alexjbarnes/chatsync/internal/session"
	"github.com/alexjbarnes/chatsync/internal/state"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("chatsync starting",
		slog.String("version", Version),
		slog.String("api", cfg.APIEndpoint),
		slog.String("ws", cfg.WSEndpoint),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appState, err := openState(cfg)
	if err != nil {
		return err
	}
	defer appState.Close()

	client := api.NewClient(cfg.APIEndpoint, api.NewHTTPClient(cfg.HTTPTimeout))

	token, err := authenticate(ctx, client, cfg, appState, logger)
	if err != nil {
		return err
	}

	sess := session.New(client, session.Options{
		WSEndpoint:       cfg.WSEndpoint,
		Backoff:          cfg.Backoff(),
		DialTimeout:      cfg.DialTimeout,
		Channel:          cfg.Channel,
		MaxMessageLength: cfg.MaxMessageLength,
		Selection:        appState,
	}, logger)
	defer sess.Close()

	out := &syncWriter{w: os.Stdout}
	printPushes(sess.Manager(), out)

	if err := sess.Start(ctx, token); err != nil {
		// The socket keeps retrying; /reload fetches the list again.
		logger.Warn("initial load failed", slog.String("error", err.Error()))
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		// Leaving the prompt ends the process.
		defer stop()
		return newREPL(sess.Coordinator(), out, cfg.HTTPTimeout).run(gctx, os.Stdin)
	})

	if cfg.TokenFile != "" {
		g.Go(func() error {
			err := sess.WatchToken(gctx, cfg.TokenFile)
			if errors.Is(err, context.Canceled) {
				return nil
			}

			return err
		})
	}

	return g.Wait()
}

func openState(cfg *config.Config) (*state.State, error) {
	var (
		appState *state.State
		err      error
	)

	if cfg.StatePath != "" {
		appState, err = state.LoadAt(cfg.StatePath)
	} else {
		appState, err = state.Load()
	}

	if err != nil {
		return nil, fmt.Errorf("loading state: %w", err)
	}

	return appState, nil
}

// authenticate picks the bearer token. An explicit token file or token
// wins. Otherwise a cached token is reused if the server still accepts
// it, and a fresh sign-in replaces it if not.
func authenticate(ctx context.Context, client *api.Client, cfg *config.Config, appState *state.State, logger *slog.Logger) (string, error) {
	if cfg.TokenFile != "" {
		token, err := session.ReadTokenFile(cfg.TokenFile)
		if err != nil {
			return "", err
		}

		logger.Info("using token file", slog.String("path", cfg.TokenFile))

		return token, nil
	}

	if cfg.Token != "" {
		return cfg.Token, nil
	}

	if token := appState.Token(); token != "" {
		logger.Debug("trying cached token")
		client.SetToken(token)

		user, err := client.CurrentUser(ctx)
		if err == nil {
			logger.Info("authenticated with cached token", slog.String("email", user.Email))
			return token, nil
		}

		if api.IsUnauthorized(err) {
			if err := appState.ClearToken(); err != nil {
				logger.Warn("failed to clear token", slog.String("error", err.Error()))
			}
		}

		client.SetToken("")
		logger.Debug("cached token rejected, signing in fresh", slog.String("error", err.Error()))
	}

	logger.Info("signing in", slog.String("email", cfg.Email))

	resp, err := client.Login(ctx, cfg.Email, cfg.Password)
	if err != nil {
		return "", err
	}

	logger.Info("signed in", slog.String("email", resp.User.Email))

	if resp.User.RequirePasswordChange {
		logger.Warn("account requires a password change; use the web client to set one")
	}

	if err := appState.SetToken(resp.Token); err != nil {
		logger.Warn("failed to save token", slog.String("error", err.Error()))
	}

	return resp.Token, nil
}

// printPushes echoes assistant replies and connection changes as they
// arrive, between prompts.
func printPushes(m *realtime.Manager, out *syncWriter) {
	m.OnMessage(func(env realtime.Envelope) {
		switch env.Kind {
		case realtime.KindMessage:
			fmt.Fprintf(out, "assistant: %s\n", env.Content)
		case realtime.KindError:
			fmt.Fprintf(out, "server error: %s\n", env.Content)
		}
	})

	m.OnConnectionChange(func(connected bool) {
		if connected {
			fmt.Fprintln(out, "connected")
		} else {
			fmt.Fprintln(out, "disconnected, reconnecting...")
		}
	})
}
