package app_test

import (
	"context"
	"testing"
	"time"

	"github.com/MrWong99/voxchat/internal/app"
	"github.com/MrWong99/voxchat/internal/config"
	"github.com/MrWong99/voxchat/internal/voice"
	devmock "github.com/MrWong99/voxchat/pkg/audio/device/mock"
	"github.com/MrWong99/voxchat/pkg/history/file"
	"github.com/MrWong99/voxchat/pkg/provider/live"
	livemock "github.com/MrWong99/voxchat/pkg/provider/live/mock"
)

type fixture struct {
	app     *app.App
	store   *file.Store
	session *livemock.Session
	input   *devmock.Input
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.Config{
		APIKey:  "test-key",
		History: config.HistoryConfig{Dir: t.TempDir()},
	}.Defaulted()

	store, err := file.New(cfg.History.Dir, file.WithDebounce(-1))
	if err != nil {
		t.Fatalf("file.New: %v", err)
	}

	f := &fixture{
		store:   store,
		session: livemock.NewSession(),
		input:   &devmock.Input{},
	}

	a, err := app.New(context.Background(), &cfg,
		app.WithStore(store),
		app.WithProvider(&livemock.Provider{Session: f.session}),
		app.WithInputDevice(f.input),
		app.WithPlayer(&devmock.Player{}),
		app.WithConversationID("conv-1"),
	)
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	f.app = a
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})
	return f
}

func TestVoiceState_Idle(t *testing.T) {
	f := newFixture(t)
	if got := f.app.VoiceState(); got != voice.StateIdle {
		t.Errorf("state = %s; want idle before StartVoice", got)
	}
}

func TestStartVoice_SecondSessionRejected(t *testing.T) {
	f := newFixture(t)
	if err := f.app.StartVoice(context.Background()); err != nil {
		t.Fatalf("StartVoice: %v", err)
	}
	if err := f.app.StartVoice(context.Background()); err == nil {
		t.Fatal("second StartVoice should fail while a session is active")
	}
}

func TestVoiceSession_PersistsTurns(t *testing.T) {
	f := newFixture(t)
	if err := f.app.StartVoice(context.Background()); err != nil {
		t.Fatalf("StartVoice: %v", err)
	}

	f.session.Emit(live.Event{Transcript: &live.Transcript{Text: "Hello there", IsUser: true}})
	f.session.Emit(live.Event{Transcript: &live.Transcript{Text: "Hi! How can I help?"}})

	// Let the event loop consume the transcripts, then end the session.
	deadline := time.After(2 * time.Second)
	for f.app.VoiceState() != voice.StateOpen {
		<-time.After(time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	f.app.StopVoice()

	if got := f.app.VoiceState(); got != voice.StateClosed {
		t.Fatalf("state = %s; want closed", got)
	}

	// Persistence runs in the background after the terminal state.
	for {
		turns, err := f.store.Load(context.Background(), "conv-1")
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if len(turns) == 2 {
			if turns[0].Text != "Hello there" || turns[1].Text != "Hi! How can I help?" {
				t.Fatalf("persisted turns = %+v", turns)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatalf("turns never persisted, have %d", len(turns))
		case <-time.After(time.Millisecond):
		}
	}
}

func TestStopVoice_WithoutSession(t *testing.T) {
	f := newFixture(t)
	f.app.StopVoice() // no-op
	f.app.SetMuted(true)
}

func TestRun_StopsOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- f.app.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.app.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := f.app.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}
