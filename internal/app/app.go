// Package app wires all voxchat subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the metrics endpoint until the context is cancelled,
// and Shutdown tears everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithStore, WithProvider, WithInputDevice, ...). When an option is not
// provided, New creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/MrWong99/voxchat/internal/chat"
	"github.com/MrWong99/voxchat/internal/config"
	"github.com/MrWong99/voxchat/internal/health"
	"github.com/MrWong99/voxchat/internal/observe"
	"github.com/MrWong99/voxchat/internal/voice"
	"github.com/MrWong99/voxchat/pkg/audio"
	"github.com/MrWong99/voxchat/pkg/audio/device"
	"github.com/MrWong99/voxchat/pkg/audio/device/beepdev"
	"github.com/MrWong99/voxchat/pkg/audio/device/rawio"
	"github.com/MrWong99/voxchat/pkg/history"
	"github.com/MrWong99/voxchat/pkg/history/file"
	"github.com/MrWong99/voxchat/pkg/history/postgres"
	"github.com/MrWong99/voxchat/pkg/provider/live"
	"github.com/MrWong99/voxchat/pkg/provider/live/gemini"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

// App owns all subsystem lifetimes: the history store, the text chat client,
// the live provider, and the audio devices. One voice session can be active
// at a time.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *observe.Metrics

	store          history.Store
	chat           *chat.Client
	provider       live.Provider
	input          device.InputDevice
	player         device.Player
	conversationID string

	// voiceMu guards the active voice session. Sessions are single-use, so
	// StartVoice replaces rather than reuses.
	voiceMu      sync.Mutex
	voice        *voice.Client
	voiceOnTurn  func(history.Turn)
	voiceOnState func(voice.State)

	// closers are called in order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a history store instead of creating one from config.
func WithStore(s history.Store) Option {
	return func(a *App) { a.store = s }
}

// WithProvider injects a live provider instead of creating the default one.
func WithProvider(p live.Provider) Option {
	return func(a *App) { a.provider = p }
}

// WithInputDevice injects a capture device instead of opening the configured
// raw PCM input.
func WithInputDevice(in device.InputDevice) Option {
	return func(a *App) { a.input = in }
}

// WithPlayer injects a playback device instead of the speaker-backed one.
func WithPlayer(p device.Player) Option {
	return func(a *App) { a.player = p }
}

// WithChatClient injects a text chat client instead of creating one.
func WithChatClient(c *chat.Client) Option {
	return func(a *App) { a.chat = c }
}

// WithConversationID pins the conversation identifier. The default is a fresh
// UUID per run.
func WithConversationID(id string) Option {
	return func(a *App) { a.conversationID = id }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(a *App) { a.logger = logger }
}

// OnTurn registers a callback invoked with every new or updated conversation
// turn, from both the voice and the text path. Must be called before
// StartVoice or SendText.
func (a *App) OnTurn(fn func(history.Turn)) { a.voiceOnTurn = fn }

// OnVoiceState registers a callback invoked on voice session state changes.
// Must be called before StartVoice.
func (a *App) OnVoiceState(fn func(voice.State)) { a.voiceOnState = fn }

// New creates an App by wiring all subsystems together. Use Option functions
// to inject test doubles for any subsystem.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg:     cfg,
		logger:  slog.Default(),
		metrics: observe.DefaultMetrics(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.conversationID == "" {
		a.conversationID = uuid.NewString()
	}

	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init history store: %w", err)
	}
	if err := a.initChat(ctx); err != nil {
		return nil, fmt.Errorf("app: init chat: %w", err)
	}
	if err := a.initDevices(); err != nil {
		return nil, fmt.Errorf("app: init audio devices: %w", err)
	}
	a.initProvider()

	return a, nil
}

// ConversationID returns the identifier used for history persistence.
func (a *App) ConversationID() string { return a.conversationID }

// initStore opens the configured history backend: PostgreSQL when a DSN is
// set, the file store otherwise.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}

	if dsn := a.cfg.History.PostgresDSN; dsn != "" {
		store, err := postgres.New(ctx, dsn)
		if err != nil {
			return err
		}
		a.store = store
		a.closers = append(a.closers, store.Close)
		a.logger.Info("history store ready", "backend", "postgres")
		return nil
	}

	var fileOpts []file.Option
	if a.cfg.History.SaveDebounce != 0 {
		fileOpts = append(fileOpts, file.WithDebounce(a.cfg.History.SaveDebounce.Std()))
	}
	store, err := file.New(a.cfg.History.Dir, fileOpts...)
	if err != nil {
		return err
	}
	a.store = store
	a.closers = append(a.closers, store.Close)
	a.logger.Info("history store ready", "backend", "file", "dir", a.cfg.History.Dir)
	return nil
}

// initChat creates the text chat client and resumes the stored conversation
// so the model keeps context across restarts.
func (a *App) initChat(ctx context.Context) error {
	if a.chat == nil {
		c, err := chat.New(ctx, a.cfg.APIKey,
			chat.WithModel(a.cfg.ChatModel),
			chat.WithLogger(a.logger),
			chat.WithMetrics(a.metrics),
		)
		if err != nil {
			return err
		}
		a.chat = c
		a.closers = append(a.closers, c.Close)
	}

	turns, err := a.store.Load(ctx, a.conversationID)
	if err != nil {
		return fmt.Errorf("load conversation %q: %w", a.conversationID, err)
	}
	if len(turns) > 0 {
		a.chat.Resume(a.conversationID, turns)
	}
	return nil
}

// initDevices opens the raw PCM input and the speaker player unless both were
// injected.
func (a *App) initDevices() error {
	if a.input == nil {
		var src io.Reader
		switch path := a.cfg.Audio.InputPath; path {
		case "", "-":
			src = os.Stdin
		default:
			f, err := os.Open(path)
			if err != nil {
				return fmt.Errorf("open audio input %q: %w", path, err)
			}
			a.closers = append(a.closers, f.Close)
			src = f
		}
		a.input = rawio.New(src, rawio.WithFrameSize(a.cfg.Audio.FrameSize))
	}

	if a.player == nil {
		p, err := beepdev.New(audio.OutputSampleRate)
		if err != nil {
			return fmt.Errorf("open speaker: %w", err)
		}
		a.player = p
		a.closers = append(a.closers, p.Close)
	}
	return nil
}

func (a *App) initProvider() {
	if a.provider != nil {
		return
	}
	var opts []gemini.Option
	if a.cfg.Voice.Model != "" {
		opts = append(opts, gemini.WithModel(a.cfg.Voice.Model))
	}
	if a.cfg.Voice.BaseURL != "" {
		opts = append(opts, gemini.WithBaseURL(a.cfg.Voice.BaseURL))
	}
	a.provider = gemini.New(a.cfg.APIKey, opts...)
}

// StartVoice opens a realtime voice session with the configured language and
// voice. Only one session may be active; a previous session must have ended.
func (a *App) StartVoice(ctx context.Context) error {
	a.voiceMu.Lock()
	defer a.voiceMu.Unlock()

	if a.voice != nil {
		switch a.voice.State() {
		case voice.StateConnecting, voice.StateOpen:
			return errors.New("app: voice session already active")
		}
	}

	persistOnce := &sync.Once{}
	vc := voice.New(a.provider, a.input, a.player,
		voice.WithLogger(a.logger),
		voice.WithMetrics(a.metrics),
		voice.WithCallbacks(voice.Callbacks{
			OnStateChange: a.onVoiceState(persistOnce),
			OnTurn:        a.voiceOnTurn,
			OnSessionError: func(err error) {
				a.logger.Error("voice session failed", "error", err)
			},
		}),
	)

	if err := vc.Connect(ctx, a.cfg.Voice.Language, a.cfg.Voice.Name); err != nil {
		return err
	}

	a.voice = vc
	return nil
}

// onVoiceState builds the state callback for one session: it forwards state
// changes and persists the session's turns once it reaches a terminal state.
func (a *App) onVoiceState(persistOnce *sync.Once) func(voice.State) {
	return func(s voice.State) {
		if a.voiceOnState != nil {
			a.voiceOnState(s)
		}
		if s != voice.StateClosed && s != voice.StateError {
			return
		}
		persistOnce.Do(func() {
			// Callbacks must not block the session; persist in the background.
			go a.persistVoiceTurns()
		})
	}
}

// persistVoiceTurns writes the finished session's conversation log to the
// history store.
func (a *App) persistVoiceTurns() {
	a.voiceMu.Lock()
	vc := a.voice
	a.voiceMu.Unlock()
	if vc == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	turns := vc.Turns()
	for _, turn := range turns {
		if err := a.store.Append(ctx, a.conversationID, turn); err != nil {
			a.logger.Error("persisting conversation turn", "error", err, "turn_id", turn.ID)
			return
		}
	}
	if len(turns) > 0 {
		a.logger.Info("voice session persisted",
			"conversation_id", a.conversationID, "turns", len(turns))
		// Keep the text path's context in sync with what was just spoken.
		a.chat.Resume(a.conversationID, turns)
	}
}

// StopVoice ends the active voice session, if any. The session's turns are
// persisted in the background once the terminal state is reached.
func (a *App) StopVoice() {
	a.voiceMu.Lock()
	vc := a.voice
	a.voiceMu.Unlock()
	if vc == nil {
		return
	}
	vc.Disconnect()
}

// SetMuted toggles the microphone gate of the active voice session.
func (a *App) SetMuted(muted bool) {
	a.voiceMu.Lock()
	vc := a.voice
	a.voiceMu.Unlock()
	if vc != nil {
		vc.SetMuted(muted)
	}
}

// VoiceState returns the state of the current voice session, or StateIdle
// when none was started yet.
func (a *App) VoiceState() voice.State {
	a.voiceMu.Lock()
	vc := a.voice
	a.voiceMu.Unlock()
	if vc == nil {
		return voice.StateIdle
	}
	return vc.State()
}

// SendText sends one text message (optionally with image attachments) through
// the chat path, persists both sides of the exchange, and returns the reply.
func (a *App) SendText(ctx context.Context, text string, attachments ...chat.Attachment) (string, error) {
	reply, err := a.chat.Send(ctx, a.conversationID, text, attachments...)
	if err != nil {
		return "", err
	}

	now := time.Now()
	exchange := []history.Turn{
		{ID: uuid.NewString(), Speaker: history.SpeakerUser, Text: text, Timestamp: now},
		{ID: uuid.NewString(), Speaker: history.SpeakerModel, Text: reply, Timestamp: time.Now()},
	}
	for _, turn := range exchange {
		if err := a.store.Append(ctx, a.conversationID, turn); err != nil {
			a.logger.Error("persisting chat turn", "error", err, "turn_id", turn.ID)
		}
		if a.voiceOnTurn != nil {
			a.voiceOnTurn(turn)
		}
	}
	return reply, nil
}

// Run blocks until ctx is cancelled, serving the Prometheus metrics endpoint
// when one is configured.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if addr := a.cfg.Metrics.ListenAddr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		health.New(
			health.Probe{
				Name: "history",
				Run: func(ctx context.Context) error {
					_, err := a.store.Load(ctx, a.conversationID)
					return err
				},
			},
			health.Probe{
				Name: "voice",
				Run: func(context.Context) error {
					if a.VoiceState() == voice.StateError {
						return errors.New("voice session in error state")
					}
					return nil
				},
			},
		).Register(mux)
		srv := &http.Server{
			Addr:              addr,
			Handler:           observe.Middleware(a.metrics)(mux),
			ReadHeaderTimeout: 5 * time.Second,
		}

		g.Go(func() error {
			a.logger.Info("metrics server listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	} else {
		g.Go(func() error {
			<-ctx.Done()
			return nil
		})
	}

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Shutdown ends any active voice session and tears down all subsystems in
// order. It respects the context deadline: if ctx expires before all closers
// finish, remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.logger.Info("shutting down", "closers", len(a.closers))

		a.StopVoice()

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.logger.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.logger.Warn("closer error", "index", i, "err", err)
			}
		}

		a.logger.Info("shutdown complete")
	})
	return shutdownErr
}
