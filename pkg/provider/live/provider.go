// Package live defines the Provider interface for realtime voice backends.
//
// A live provider wraps a speech-to-speech AI service that accepts raw audio
// input and returns synthesised audio output in a single, stateful session —
// bypassing the separate STT → LLM → TTS pipeline entirely.
//
// The central abstraction is SessionHandle: a bidirectional connection that
// carries audio, transcripts, and turn boundaries as one ordered event
// stream. Ordering matters to consumers: a transcript event and the audio it
// describes must be observed in the order the service produced them.
//
// All implementations must be safe for concurrent use.
package live

import (
	"context"
	"errors"
)

// ErrRemoteClosed reports that the service ended the session from its side,
// e.g. a server-imposed duration limit. Callers use it to distinguish remote
// closure from local network failures when deciding what to surface.
var ErrRemoteClosed = errors.New("live: session closed by remote")

// SessionConfig is the initial configuration for a new live session.
type SessionConfig struct {
	// Voice selects the provider voice for synthesised speech output. Empty
	// means the provider default.
	Voice string

	// Language is the BCP-47 tag the assistant should converse in, e.g.
	// "en-US". Empty means the provider default.
	Language string

	// Instructions is an optional system-level prompt prepended to the
	// session, defining the assistant's behaviour.
	Instructions string

	// InputTranscription requests text transcripts of recognised user speech.
	InputTranscription bool

	// OutputTranscription requests text transcripts of the model's spoken
	// responses.
	OutputTranscription bool
}

// Transcript is a text fragment recognised or generated during the session.
// Fragments of one logical turn arrive incrementally and are concatenated by
// the consumer.
type Transcript struct {
	// Text is the fragment content, possibly a partial word or sentence.
	Text string

	// IsUser is true for recognised user speech, false for model output.
	IsUser bool
}

// Event is one element of the session's ordered event stream. Exactly one
// field group is populated per event.
type Event struct {
	// Audio is a chunk of synthesised model speech as raw PCM bytes, or nil.
	Audio []byte

	// Transcript is a text fragment, or nil.
	Transcript *Transcript

	// TurnComplete marks the end of the model's current response turn.
	TurnComplete bool

	// Interrupted signals that the model's in-flight response was cut off
	// (the user spoke over it). Buffered audio for that response is stale.
	Interrupted bool
}

// SessionHandle represents an open live session. It is an interface so test
// code can supply mock implementations without a live connection.
//
// The session is the hot path of the voice pipeline — every method must
// return quickly. Consumers must drain Events promptly to prevent
// backpressure from stalling the provider's receive loop.
//
// Callers must call Close when the session is no longer needed.
type SessionHandle interface {
	// SendAudio delivers one raw PCM chunk (16 kHz, s16le, mono) to the
	// service. Returns an error if the session is closed or the transport
	// rejects the write.
	SendAudio(chunk []byte) error

	// Events returns the ordered stream of session events. The channel is
	// closed when the session ends, locally or remotely. After it closes,
	// call Err to learn whether the ending was clean.
	Events() <-chan Event

	// Err returns the error that ended the session: nil after a local Close,
	// [ErrRemoteClosed] (possibly wrapped) when the service hung up, or the
	// transport error otherwise. Only meaningful once Events has closed.
	Err() error

	// Close terminates the session, releases all resources, and closes the
	// Events channel. Calling Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any realtime voice backend.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Connect establishes a new live session with the given configuration
	// and blocks until the service has acknowledged it. The returned
	// SessionHandle is ready to accept audio.
	//
	// Returns an error if the session cannot be established (authentication
	// failure, invalid voice, ctx already cancelled). The caller owns the
	// SessionHandle and is responsible for calling Close.
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)
}
