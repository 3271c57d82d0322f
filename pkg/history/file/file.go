// Package file implements history.Store on the local filesystem. Each
// conversation is one JSONL file (one turn per line) under the store
// directory.
//
// Writes are debounced: a burst of appended turns results in one rewrite of
// the conversation file once the configured interval has passed without
// further appends. Close flushes everything that is still pending.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/MrWong99/voxchat/pkg/history"
)

// Compile-time interface assertion.
var _ history.Store = (*Store)(nil)

// DefaultDebounce is the flush delay applied when none is configured.
const DefaultDebounce = 2 * time.Second

// Option configures a [Store].
type Option func(*Store)

// WithDebounce overrides the flush delay. Zero or negative flushes on every
// append.
func WithDebounce(d time.Duration) Option {
	return func(s *Store) { s.debounce = d }
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// Store is a JSONL-file-backed history.Store.
type Store struct {
	dir      string
	debounce time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	convos map[string]*conversation
	closed bool
}

// conversation is the in-memory state of one conversation file.
type conversation struct {
	turns []history.Turn
	dirty bool
	timer *time.Timer
}

// New creates the store directory if needed and loads nothing eagerly;
// conversations are read on first access.
func New(dir string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("history file store: create dir: %w", err)
	}
	s := &Store{
		dir:      dir,
		debounce: DefaultDebounce,
		logger:   slog.Default(),
		convos:   make(map[string]*conversation),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

func (s *Store) path(conversationID string) string {
	return filepath.Join(s.dir, conversationID+".jsonl")
}

// load pulls the conversation into memory. Caller holds s.mu.
func (s *Store) load(conversationID string) (*conversation, error) {
	if c, ok := s.convos[conversationID]; ok {
		return c, nil
	}

	c := &conversation{}
	f, err := os.Open(s.path(conversationID))
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("history file store: open: %w", err)
		}
	} else {
		defer f.Close()
		dec := json.NewDecoder(f)
		for dec.More() {
			var turn history.Turn
			if err := dec.Decode(&turn); err != nil {
				return nil, fmt.Errorf("history file store: decode %s: %w", conversationID, err)
			}
			c.turns = append(c.turns, turn)
		}
	}

	s.convos[conversationID] = c
	return c, nil
}

// Append implements [history.Store].
func (s *Store) Append(_ context.Context, conversationID string, turn history.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("history file store: closed")
	}

	c, err := s.load(conversationID)
	if err != nil {
		return err
	}
	c.turns = append(c.turns, turn)
	c.dirty = true

	if s.debounce <= 0 {
		return s.flushLocked(conversationID, c)
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(s.debounce, func() { s.flush(conversationID) })
	return nil
}

// Load implements [history.Store].
func (s *Store) Load(_ context.Context, conversationID string) ([]history.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.load(conversationID)
	if err != nil {
		return nil, err
	}
	out := make([]history.Turn, len(c.turns))
	copy(out, c.turns)
	return out, nil
}

// Delete implements [history.Store].
func (s *Store) Delete(_ context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.convos[conversationID]; ok {
		if c.timer != nil {
			c.timer.Stop()
		}
		delete(s.convos, conversationID)
	}
	if err := os.Remove(s.path(conversationID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("history file store: delete: %w", err)
	}
	return nil
}

// Close flushes all dirty conversations and rejects further appends.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	var firstErr error
	for id, c := range s.convos {
		if c.timer != nil {
			c.timer.Stop()
		}
		if c.dirty {
			if err := s.flushLocked(id, c); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// flush is the debounce timer callback.
func (s *Store) flush(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convos[conversationID]
	if !ok || !c.dirty {
		return
	}
	if err := s.flushLocked(conversationID, c); err != nil {
		s.logger.Error("flushing conversation failed", "conversation", conversationID, "error", err)
	}
}

// flushLocked rewrites the conversation file atomically. Caller holds s.mu.
func (s *Store) flushLocked(conversationID string, c *conversation) error {
	tmp := s.path(conversationID) + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("history file store: create temp: %w", err)
	}

	enc := json.NewEncoder(f)
	for _, turn := range c.turns {
		if err := enc.Encode(turn); err != nil {
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("history file store: encode: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("history file store: close temp: %w", err)
	}
	if err := os.Rename(tmp, s.path(conversationID)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("history file store: rename: %w", err)
	}

	c.dirty = false
	return nil
}
