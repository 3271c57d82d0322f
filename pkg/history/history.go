// Package history models a conversation as an ordered list of turns and
// defines the Store interface for persisting it.
//
// Transcript text arrives from the realtime session in small fragments, often
// mid-word. The [Log] assembles fragments into turns: consecutive fragments
// from the same speaker merge into one turn, and a speaker change (or an
// explicit turn end) starts a new one.
//
// Store implementations live in subpackages (history/file, history/postgres).
// Every implementation must be safe for concurrent use.
package history

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Speaker identifies who produced a turn.
type Speaker string

const (
	// SpeakerUser marks recognised user speech or typed user input.
	SpeakerUser Speaker = "user"

	// SpeakerModel marks assistant responses.
	SpeakerModel Speaker = "model"
)

// Turn is one contiguous utterance by a single speaker.
type Turn struct {
	// ID uniquely identifies the turn.
	ID string `json:"id"`

	// Speaker is who produced the turn.
	Speaker Speaker `json:"speaker"`

	// Text is the accumulated utterance text.
	Text string `json:"text"`

	// Timestamp is when the first fragment of the turn arrived.
	Timestamp time.Time `json:"timestamp"`
}

// Store persists conversation turns keyed by conversation ID.
type Store interface {
	// Append adds one turn to the end of the conversation, creating the
	// conversation if it does not exist.
	Append(ctx context.Context, conversationID string, turn Turn) error

	// Load returns all turns of the conversation in order. A missing
	// conversation yields an empty (non-nil) slice, not an error.
	Load(ctx context.Context, conversationID string) ([]Turn, error)

	// Delete removes the conversation. Deleting a missing conversation is
	// not an error.
	Delete(ctx context.Context, conversationID string) error

	// Close flushes pending writes and releases resources.
	Close() error
}

// Log accumulates transcript fragments into turns. Safe for concurrent use.
type Log struct {
	mu     sync.Mutex
	turns  []Turn
	sealed bool // next fragment starts a new turn regardless of speaker
	now    func() time.Time
}

// NewLog returns an empty Log.
func NewLog() *Log {
	return &Log{now: time.Now}
}

// Append merges the fragment into the last turn when the speaker matches and
// the turn is still open; otherwise it starts a new turn. It returns the turn
// the fragment landed in.
func (l *Log) Append(speaker Speaker, text string) Turn {
	l.mu.Lock()
	defer l.mu.Unlock()

	if n := len(l.turns); n > 0 && !l.sealed && l.turns[n-1].Speaker == speaker {
		l.turns[n-1].Text += text
		return l.turns[n-1]
	}

	l.sealed = false
	turn := Turn{
		ID:        uuid.NewString(),
		Speaker:   speaker,
		Text:      text,
		Timestamp: l.now(),
	}
	l.turns = append(l.turns, turn)
	return turn
}

// EndTurn closes the current turn: the next fragment starts a new turn even
// if the speaker is unchanged. Called when the model signals the end of a
// response.
func (l *Log) EndTurn() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sealed = true
}

// Turns returns a copy of the accumulated turns in order.
func (l *Log) Turns() []Turn {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Turn, len(l.turns))
	copy(out, l.turns)
	return out
}

// Len returns the number of turns.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.turns)
}
