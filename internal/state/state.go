// Package state persists the bearer token and the last selected
// conversation in a bbolt database.
package state

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.chatsync/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	appBucket   = []byte("app")
	tokenKey    = []byte("token")
	selectedKey = []byte("selected_conversation")
)

// State wraps a bbolt database for all persistent application state.
type State struct {
	db *bolt.DB
}

// Load opens the state database at ~/.chatsync/state.db, creating it
// if it does not exist.
func Load() (*State, error) {
	path, err := DefaultPath()
	if err != nil {
		return nil, err
	}

	return LoadAt(path)
}

// DefaultPath returns ~/.chatsync/state.db.
func DefaultPath() (string, error) {
	dir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(dir, ".chatsync", "state.db"), nil
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. Useful for tests that need an isolated database.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(appBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

func (s *State) get(key []byte) string {
	var out string

	_ = s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(appBucket).Get(key); v != nil {
			out = string(v)
		}

		return nil
	})

	return out
}

func (s *State) put(key []byte, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(appBucket)
		if value == "" {
			return b.Delete(key)
		}

		return b.Put(key, []byte(value))
	})
}

// Token returns the cached authentication token, or empty string.
func (s *State) Token() string {
	return s.get(tokenKey)
}

// SetToken persists the authentication token.
func (s *State) SetToken(token string) error {
	if err := s.put(tokenKey, token); err != nil {
		return fmt.Errorf("saving token: %w", err)
	}

	return nil
}

// ClearToken removes a cached token that the server rejected.
func (s *State) ClearToken() error {
	return s.SetToken("")
}

// SelectedConversation returns the last selected conversation ID, or "".
func (s *State) SelectedConversation() string {
	return s.get(selectedKey)
}

// SetSelectedConversation persists the selected conversation. An empty
// id clears it.
func (s *State) SetSelectedConversation(id string) error {
	if err := s.put(selectedKey, id); err != nil {
		return fmt.Errorf("saving selected conversation: %w", err)
	}

	return nil
}
