// Package voice implements the realtime voice session client: it wires the
// capture pipeline, the live provider session, and the playback scheduler
// into one stateful conversation.
//
// A Client is single-use. It starts Idle, moves through Connecting to Open,
// and ends in Closed (or Error when establishment fails). There is no
// automatic reconnection; a dropped session is reported and the caller
// decides whether to build a new Client.
package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/voxchat/internal/capture"
	"github.com/MrWong99/voxchat/internal/observe"
	"github.com/MrWong99/voxchat/internal/playback"
	"github.com/MrWong99/voxchat/pkg/audio"
	"github.com/MrWong99/voxchat/pkg/audio/device"
	"github.com/MrWong99/voxchat/pkg/history"
	"github.com/MrWong99/voxchat/pkg/provider/live"
)

// ErrConnectionFailed reports that the session could not be established.
var ErrConnectionFailed = errors.New("voice: connection failed")

// ErrClosed reports that Disconnect was called while Connect was still in
// flight; whatever handles were acquired by then have been released.
var ErrClosed = errors.New("voice: client closed")

// State is the lifecycle phase of a Client.
type State int

const (
	// StateIdle is the initial state before Connect.
	StateIdle State = iota

	// StateConnecting covers dialing and waiting for the remote
	// acknowledgment.
	StateConnecting

	// StateOpen is an established session exchanging audio.
	StateOpen

	// StateClosed is the terminal state after a disconnect, local or remote.
	StateClosed

	// StateError is the terminal state when establishment failed or the
	// session was torn down by an error.
	StateError
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// maxTranscriptDelay caps how long a model transcript fragment may be held
// back to align with audio playback. A runaway playback queue must not make
// text lag unboundedly.
const maxTranscriptDelay = 10 * time.Second

// Callbacks are the observer hooks of a Client. All fields are optional.
// Callbacks are invoked from internal goroutines and must not block; calling
// back into [Client.Disconnect] from a callback deadlocks.
type Callbacks struct {
	// OnStateChange fires on every lifecycle transition.
	OnStateChange func(State)

	// OnVolume fires per capture frame with loudness in [0, 1]. Muted frames
	// report 0.
	OnVolume func(float64)

	// OnTurn fires whenever a conversation turn is created or grows by a
	// merged fragment. The turn carries its accumulated text.
	OnTurn func(history.Turn)

	// OnSessionError fires when the session ends for a reason other than a
	// local Disconnect.
	OnSessionError func(error)
}

// Option configures a [Client].
type Option func(*Client)

// WithCallbacks sets the observer hooks.
func WithCallbacks(cb Callbacks) Option {
	return func(c *Client) { c.cb = cb }
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithMetrics overrides the default metrics instance.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// Client is one realtime voice session. Safe for concurrent use.
type Client struct {
	provider live.Provider
	input    device.InputDevice
	player   device.Player
	cb       Callbacks
	logger   *slog.Logger
	metrics  *observe.Metrics

	open atomic.Bool // fast-path gate for the capture sink

	mu        sync.Mutex
	state     State
	session   live.SessionHandle
	pipeline  *capture.Pipeline
	scheduler *playback.Scheduler
	log       *history.Log
	closing   bool

	pendMu  sync.Mutex
	pending []*pendingFragment

	wg sync.WaitGroup
}

// pendingFragment is a model transcript fragment (or turn boundary) held back
// until its audio has played.
type pendingFragment struct {
	timer *time.Timer
	fired bool
	apply func()
}

// New creates an idle Client. The input device and player are owned by the
// caller; the Client stops the input and halts in-flight playback on
// disconnect but does not close the player.
func New(provider live.Provider, input device.InputDevice, player device.Player, opts ...Option) *Client {
	c := &Client{
		provider: provider,
		input:    input,
		player:   player,
		logger:   slog.Default(),
		metrics:  observe.DefaultMetrics(),
		state:    StateIdle,
		log:      history.NewLog(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// State returns the current lifecycle phase.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Turns returns a copy of the conversation accumulated so far.
func (c *Client) Turns() []history.Turn {
	return c.log.Turns()
}

// setState transitions and notifies. Caller must NOT hold c.mu.
func (c *Client) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()

	if c.cb.OnStateChange != nil {
		c.cb.OnStateChange(s)
	}
}

// Connect establishes the session for the given conversational language and
// voice, acquires the microphone, and starts streaming. It returns once the
// service has acknowledged the session.
//
// A provider failure leaves the client in StateError and returns an error
// wrapping [ErrConnectionFailed]; a microphone failure additionally wraps
// [capture.ErrCaptureUnavailable]. A Disconnect issued while Connect is
// still in flight wins: the session and device handles acquired so far are
// released, the client stays Closed, and the call returns an error wrapping
// [ErrClosed].
func (c *Client) Connect(ctx context.Context, language, voice string) error {
	c.mu.Lock()
	if c.state != StateIdle {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("voice: connect from state %s", state)
	}
	c.state = StateConnecting
	c.mu.Unlock()
	if c.cb.OnStateChange != nil {
		c.cb.OnStateChange(StateConnecting)
	}

	start := time.Now()
	session, err := c.provider.Connect(ctx, live.SessionConfig{
		Voice:               voice,
		Language:            language,
		InputTranscription:  true,
		OutputTranscription: true,
	})
	if err != nil {
		if c.aborted() {
			return fmt.Errorf("%w during connect", ErrClosed)
		}
		c.setState(StateError)
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	// Disconnect may have run while the dial was in flight. The session must
	// not survive it, and the microphone must not be opened at all.
	if c.aborted() {
		session.Close()
		return fmt.Errorf("%w during connect", ErrClosed)
	}

	pipeline := capture.New(c.input, c.sendChunk,
		capture.WithVolumeCallback(c.reportVolume),
		capture.WithLogger(c.logger),
	)
	if err := pipeline.Start(ctx); err != nil {
		session.Close()
		if c.aborted() {
			return fmt.Errorf("%w during connect", ErrClosed)
		}
		c.setState(StateError)
		return fmt.Errorf("voice: start capture: %w", err)
	}

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		if err := pipeline.Close(); err != nil {
			c.logger.Warn("closing capture pipeline", "error", err)
		}
		session.Close()
		return fmt.Errorf("%w during connect", ErrClosed)
	}
	c.session = session
	c.pipeline = pipeline
	c.scheduler = playback.New(c.player)
	// Publish the handles and the open state atomically so a concurrent
	// Disconnect either aborts above or tears down a fully stored session.
	c.open.Store(true)
	c.state = StateOpen
	c.mu.Unlock()
	if c.cb.OnStateChange != nil {
		c.cb.OnStateChange(StateOpen)
	}

	c.metrics.ConnectDuration.Record(ctx, time.Since(start).Seconds())
	c.metrics.ActiveSessions.Add(ctx, 1)
	c.logger.Info("voice session open",
		"language", language, "voice", voice,
		"connect_duration", time.Since(start))

	c.wg.Add(1)
	go c.eventLoop(session)
	go c.watchCapture(pipeline)

	return nil
}

// aborted reports whether Disconnect ran while Connect was still in flight.
func (c *Client) aborted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing
}

// watchCapture tears the session down when the input device dies mid-session.
// During a normal Disconnect the pipeline is closed after open flips to false,
// so this only fires on genuine device failure.
func (c *Client) watchCapture(pipeline *capture.Pipeline) {
	<-pipeline.Done()
	if !c.open.Load() {
		return
	}
	c.logger.Error("input device stopped delivering frames")
	c.teardown(fmt.Errorf("%w: input stream ended", capture.ErrCaptureUnavailable), true)
}

// SetMuted toggles the microphone gate. While muted no audio leaves the
// machine and the volume meter reports silence.
func (c *Client) SetMuted(muted bool) {
	c.mu.Lock()
	pipeline := c.pipeline
	c.mu.Unlock()
	if pipeline != nil {
		pipeline.SetMuted(muted)
	}
}

// Muted reports the microphone gate state.
func (c *Client) Muted() bool {
	c.mu.Lock()
	pipeline := c.pipeline
	c.mu.Unlock()
	return pipeline != nil && pipeline.Muted()
}

// Disconnect tears the session down: microphone released, playback halted,
// connection closed. Held-back transcript fragments are committed so the
// conversation log is complete. Safe to call repeatedly and from any state.
func (c *Client) Disconnect() {
	c.teardown(nil, true)
}

// teardown is the single shutdown path. wait controls whether it blocks for
// the event loop; the loop's own exit path must not wait on itself.
func (c *Client) teardown(cause error, wait bool) {
	c.mu.Lock()
	if c.closing || c.state == StateIdle {
		wasIdle := c.state == StateIdle
		c.mu.Unlock()
		if wasIdle {
			c.setState(StateClosed)
		}
		return
	}
	c.closing = true
	wasOpen := c.state == StateOpen
	session := c.session
	pipeline := c.pipeline
	scheduler := c.scheduler
	c.mu.Unlock()

	c.open.Store(false)

	if scheduler != nil {
		scheduler.StopAll()
	}
	c.flushPending(true)
	if pipeline != nil {
		if err := pipeline.Close(); err != nil {
			c.logger.Warn("closing capture pipeline", "error", err)
		}
	}
	if session != nil {
		if err := session.Close(); err != nil {
			c.logger.Warn("closing session", "error", err)
		}
	}
	if wait {
		c.wg.Wait()
	}

	if wasOpen {
		c.metrics.ActiveSessions.Add(context.Background(), -1)
	}
	if cause != nil {
		c.setState(StateError)
		if c.cb.OnSessionError != nil {
			c.cb.OnSessionError(cause)
		}
	} else {
		c.setState(StateClosed)
	}
}

// sendChunk is the capture sink: encoded, unmuted frames arrive here.
func (c *Client) sendChunk(chunk audio.Chunk) {
	if !c.open.Load() {
		c.metrics.RecordFrameDropped(context.Background(), "session_not_open")
		return
	}

	c.mu.Lock()
	session := c.session
	c.mu.Unlock()
	if session == nil {
		c.metrics.RecordFrameDropped(context.Background(), "session_not_open")
		return
	}

	if err := session.SendAudio(chunk.Data); err != nil {
		c.metrics.RecordFrameDropped(context.Background(), "send_failed")
		c.logger.Warn("sending capture frame failed", "error", err)
		return
	}
	c.metrics.FramesSent.Add(context.Background(), 1)
}

func (c *Client) reportVolume(v float64) {
	if c.cb.OnVolume != nil {
		c.cb.OnVolume(v)
	}
}

// eventLoop consumes the session's ordered event stream until it closes,
// then triggers teardown with the session's terminal error.
func (c *Client) eventLoop(session live.SessionHandle) {
	defer c.wg.Done()

	for ev := range session.Events() {
		c.handleEvent(ev)
	}

	err := session.Err()
	c.mu.Lock()
	closing := c.closing
	c.mu.Unlock()
	if closing {
		return // local disconnect already in progress
	}

	switch {
	case err == nil:
		c.logger.Info("voice session ended cleanly")
	case errors.Is(err, live.ErrRemoteClosed):
		c.logger.Info("voice session closed by remote", "error", err)
	default:
		c.logger.Error("voice session failed", "error", err)
	}

	// Teardown from a fresh goroutine: waiting on the event loop from
	// inside it would deadlock, and this goroutine is about to exit anyway.
	go c.teardown(err, true)
}

func (c *Client) handleEvent(ev live.Event) {
	switch {
	case ev.Audio != nil:
		c.handleAudio(ev.Audio)

	case ev.Transcript != nil:
		if ev.Transcript.IsUser {
			c.metrics.RecordTranscriptFragment(context.Background(), "user")
			// Recognised user speech shows up right away.
			c.applyFragment(history.SpeakerUser, ev.Transcript.Text)
		} else {
			c.metrics.RecordTranscriptFragment(context.Background(), "model")
			text := ev.Transcript.Text
			c.deferToPlayback(func() {
				c.applyFragment(history.SpeakerModel, text)
			})
		}

	case ev.TurnComplete:
		// The boundary rides the same delay as the text so the next model
		// response starts a fresh turn at the right moment.
		c.deferToPlayback(func() { c.log.EndTurn() })

	case ev.Interrupted:
		c.handleInterrupted()
	}
}

func (c *Client) handleAudio(data []byte) {
	buf, err := audio.Decode(data, audio.OutputSampleRate, 1)
	if err != nil {
		// Malformed chunks are dropped; playback continues with the next one.
		c.metrics.DecodeErrors.Add(context.Background(), 1)
		c.logger.Warn("dropping malformed audio chunk", "size", len(data), "error", err)
		return
	}

	c.mu.Lock()
	scheduler := c.scheduler
	c.mu.Unlock()
	if scheduler == nil {
		return
	}

	if _, err := scheduler.Enqueue(buf); err != nil {
		c.logger.Warn("scheduling playback failed", "error", err)
		return
	}
	c.metrics.PlaybackLatency.Record(context.Background(), scheduler.Latency().Seconds(),
		metric.WithAttributes(observe.Attr("direction", "output")))
}

// handleInterrupted halts stale model speech and discards transcript
// fragments for audio that will never play.
func (c *Client) handleInterrupted() {
	c.mu.Lock()
	scheduler := c.scheduler
	c.mu.Unlock()
	if scheduler != nil {
		scheduler.StopAll()
	}
	c.flushPending(false)
	c.log.EndTurn()
	c.logger.Debug("model response interrupted")
}

func (c *Client) applyFragment(speaker history.Speaker, text string) {
	turn := c.log.Append(speaker, text)
	if c.cb.OnTurn != nil {
		c.cb.OnTurn(turn)
	}
}

// deferToPlayback runs apply once the playback queue has caught up with the
// audio this fragment belongs to, capped at maxTranscriptDelay. With an empty
// queue it runs inline, preserving event order.
func (c *Client) deferToPlayback(apply func()) {
	c.mu.Lock()
	scheduler := c.scheduler
	c.mu.Unlock()

	var delay time.Duration
	if scheduler != nil {
		delay = scheduler.Latency()
	}
	if delay > maxTranscriptDelay {
		delay = maxTranscriptDelay
	}
	if delay <= 0 {
		apply()
		return
	}

	p := &pendingFragment{apply: apply}
	c.pendMu.Lock()
	c.pending = append(c.pending, p)
	c.pendMu.Unlock()

	p.timer = time.AfterFunc(delay, func() {
		c.pendMu.Lock()
		if p.fired {
			c.pendMu.Unlock()
			return
		}
		p.fired = true
		c.removePendingLocked(p)
		c.pendMu.Unlock()
		apply()
	})
}

// removePendingLocked drops p from the pending list. Caller holds pendMu.
func (c *Client) removePendingLocked(p *pendingFragment) {
	for i, q := range c.pending {
		if q == p {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return
		}
	}
}

// flushPending cancels all held-back fragments. When commit is true they are
// applied immediately in arrival order (disconnect: the log must be
// complete); when false they are discarded (interruption: the audio never
// played).
func (c *Client) flushPending(commit bool) {
	c.pendMu.Lock()
	var applies []func()
	for _, p := range c.pending {
		if p.fired {
			continue
		}
		p.fired = true
		if p.timer != nil {
			p.timer.Stop()
		}
		if commit {
			applies = append(applies, p.apply)
		}
	}
	c.pending = nil
	c.pendMu.Unlock()

	for _, apply := range applies {
		apply()
	}
}
