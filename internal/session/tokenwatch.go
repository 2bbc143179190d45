package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	apperrors "github.com/alexjbarnes/chatsync/internal/errors"
	"github.com/fsnotify/fsnotify"
)

// tokenDebounce batches the write/rename bursts editors and secret
// mounts produce into one re-read.
const tokenDebounce = 200 * time.Millisecond

// maxTokenFileBytes caps token file reads.
const maxTokenFileBytes = 64 * 1024

// ReadTokenFile returns the trimmed contents of a token file.
func ReadTokenFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening token file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxTokenFileBytes))
	if err != nil {
		return "", fmt.Errorf("reading token file: %w", err)
	}

	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", fmt.Errorf("reading token file %s: %w", path, apperrors.ErrNoToken)
	}

	return token, nil
}

// WatchToken re-binds the session whenever the token file at path
// changes. The parent directory is watched so atomic replaces (write to
// a temp file, then rename over) are seen. It blocks until ctx is
// cancelled.
func (s *Session) WatchToken(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	path = filepath.Clean(path)

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watching token dir: %w", err)
	}

	s.logger.Info("token watcher started", slog.String("path", path))

	var (
		debounce *time.Timer
		fire     <-chan time.Time
	)

	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}

			if filepath.Clean(event.Name) != path {
				continue
			}

			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}

			if debounce == nil {
				debounce = time.NewTimer(tokenDebounce)
			} else {
				debounce.Reset(tokenDebounce)
			}

			fire = debounce.C

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}

			s.logger.Warn("token watcher error", slog.String("error", err.Error()))

		case <-fire:
			fire = nil
			s.reloadToken(path)
		}
	}
}

func (s *Session) reloadToken(path string) {
	token, err := ReadTokenFile(path)
	if err != nil {
		s.logger.Warn("token file unreadable, keeping current token", slog.String("error", err.Error()))
		return
	}

	if err := s.Rebind(token); err != nil {
		s.logger.Warn("rebinding token failed", slog.String("error", err.Error()))
	}
}
