// Package session persists the small key/value document that carries the
// login state shared by every agent on the machine.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fakeyudi/codepulse/internal/fsutil"
)

// FileName is the session file inside the data directory.
const FileName = "session.json"

// Store reads and writes the session file. Every mutation is a
// read-modify-write under the store lock, so writers of unrelated keys never
// clobber each other.
type Store struct {
	path   string
	lock   *fsutil.Locker
	logger *slog.Logger
}

// NewStore returns a Store backed by dir/session.json, creating dir.
func NewStore(dir string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	path := filepath.Join(dir, FileName)
	return &Store{
		path:   path,
		lock:   fsutil.NewLocker(path),
		logger: logger.With("component", "session"),
	}, nil
}

// Path returns the session file path.
func (s *Store) Path() string {
	return s.path
}

// Get returns the value stored under key.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	var (
		val string
		ok  bool
	)
	err := s.lock.Do(ctx, func() error {
		doc, err := s.read()
		if err != nil {
			return err
		}
		val, ok = stringValue(doc[key])
		return nil
	})
	return val, ok, err
}

// Set stores value under key, leaving every other key as it is on disk.
func (s *Store) Set(ctx context.Context, key, value string) error {
	return s.SetMany(ctx, map[string]string{key: value})
}

// SetMany stores several keys in one read-modify-write.
func (s *Store) SetMany(ctx context.Context, values map[string]string) error {
	return s.lock.Do(ctx, func() error {
		doc, err := s.read()
		if err != nil {
			return err
		}
		for k, v := range values {
			raw, err := json.Marshal(v)
			if err != nil {
				return fmt.Errorf("encoding session key %q: %w", k, err)
			}
			doc[k] = raw
		}
		data, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return fmt.Errorf("encoding session: %w", err)
		}
		return fsutil.WriteFile(s.path, data)
	})
}

// Load returns the typed session state.
func (s *Store) Load(ctx context.Context) (State, error) {
	values := make(map[string]string)
	err := s.lock.Do(ctx, func() error {
		doc, err := s.read()
		if err != nil {
			return err
		}
		for k, raw := range doc {
			if v, ok := stringValue(raw); ok {
				values[k] = v
			}
		}
		return nil
	})
	if err != nil {
		return State{}, err
	}
	return stateFrom(values), nil
}

// read returns the raw document. Missing and corrupt files read as empty;
// the next write replaces a corrupt file.
func (s *Store) read() (map[string]json.RawMessage, error) {
	data, err := fsutil.ReadFile(s.path)
	if err != nil {
		return nil, err
	}
	doc := make(map[string]json.RawMessage)
	if len(data) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		s.logger.Warn("session file is corrupt, treating as empty", "path", s.path, "error", err)
		return make(map[string]json.RawMessage), nil
	}
	return doc, nil
}

// stringValue decodes a stored value. Non-string scalars are returned in
// their JSON text form; null reads as absent.
func stringValue(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	return string(raw), true
}
