// Command voxchat is a terminal client for conversing with a generative AI
// assistant, either over a realtime voice session or via plain text messages.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/MrWong99/voxchat/internal/app"
	"github.com/MrWong99/voxchat/internal/config"
	"github.com/MrWong99/voxchat/internal/observe"
	"github.com/MrWong99/voxchat/internal/voice"
	"github.com/MrWong99/voxchat/pkg/history"
)

var logLevel = new(slog.LevelVar)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	mode := flag.String("mode", "voice", "session mode: voice or chat")
	conversation := flag.String("conversation", "", "conversation ID to resume (default: a fresh one)")
	flag.Parse()

	if *mode != "voice" && *mode != "chat" {
		fmt.Fprintf(os.Stderr, "voxchat: unknown mode %q (want voice or chat)\n", *mode)
		return 2
	}

	// ── Environment + configuration ────────────────────────────────────────────
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "voxchat: loading .env: %v\n", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxchat: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxchat: %v\n", err)
		}
		return 1
	}

	// ── Logger ─────────────────────────────────────────────────────────────────
	logLevel.Set(cfg.LogLevel.SlogLevel())
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	slog.Info("voxchat starting",
		"config", *configPath,
		"mode", *mode,
		"log_level", cfg.LogLevel,
	)

	// ── Signal context ─────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ──────────────────────────────────────────────────────────────
	shutdownOtel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "voxchat"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOtel(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Config hot reload (log level only; the rest needs a restart) ───────────
	watcher, err := config.NewWatcher(*configPath, func(d config.ConfigDiff, _ *config.Config) {
		if d.LogLevelChanged {
			logLevel.Set(d.NewLogLevel.SlogLevel())
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		if d.VoiceChanged || d.ChatModelChanged {
			slog.Warn("model or voice changes take effect after a restart")
		}
	})
	if err != nil {
		slog.Warn("config watcher disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	// ── Application ────────────────────────────────────────────────────────────
	var opts []app.Option
	if *conversation != "" {
		opts = append(opts, app.WithConversationID(*conversation))
	}
	application, err := app.New(ctx, cfg, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}
	application.OnTurn(printTurn())

	slog.Info("ready — press Ctrl+C to quit", "conversation_id", application.ConversationID())

	switch *mode {
	case "voice":
		err = runVoice(ctx, application)
	case "chat":
		err = runChat(ctx, application)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ──────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// runVoice opens the voice session and blocks until the signal context ends
// or the session dies.
func runVoice(ctx context.Context, application *app.App) error {
	sessionEnded := make(chan struct{}, 1)
	application.OnVoiceState(func(s voice.State) {
		slog.Debug("voice session state", "state", s)
		if s == voice.StateClosed || s == voice.StateError {
			select {
			case sessionEnded <- struct{}{}:
			default:
			}
		}
	})

	if err := application.StartVoice(ctx); err != nil {
		return fmt.Errorf("start voice session: %w", err)
	}

	runErr := make(chan error, 1)
	go func() { runErr <- application.Run(ctx) }()

	select {
	case <-ctx.Done():
	case <-sessionEnded:
		slog.Info("voice session ended")
	case err := <-runErr:
		return err
	}

	application.StopVoice()
	return nil
}

// runChat reads messages from stdin line by line and prints the assistant's
// replies. EOF or the signal context ends the loop.
func runChat(ctx context.Context, application *app.App) error {
	go func() {
		if err := application.Run(ctx); err != nil {
			slog.Error("background run error", "err", err)
		}
	}()

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	fmt.Print("> ")
	for scanner.Scan() {
		text := scanner.Text()
		if text == "" {
			fmt.Print("> ")
			continue
		}
		if ctx.Err() != nil {
			break
		}

		reply, err := application.SendText(ctx, text)
		if err != nil {
			slog.Error("send failed", "err", err)
		} else {
			_ = reply // printed by the OnTurn callback
		}
		fmt.Print("> ")
	}
	return scanner.Err()
}

// printTurn returns a turn callback that renders the conversation to stdout.
// Growing turns overwrite their line in place; a new turn starts a new line.
func printTurn() func(history.Turn) {
	var mu sync.Mutex
	var lastID string
	return func(turn history.Turn) {
		mu.Lock()
		defer mu.Unlock()
		if lastID != "" && turn.ID != lastID {
			fmt.Println()
		}
		lastID = turn.ID
		fmt.Printf("\r%-5s │ %s", turn.Speaker, turn.Text)
	}
}
