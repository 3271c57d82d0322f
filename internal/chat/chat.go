// Package chat implements the text message path to the assistant. Unlike the
// realtime voice session it is plain request/response: the user sends text
// (optionally with image attachments) and receives the full reply at once.
//
// Conversations map 1:1 onto chat sessions; earlier turns loaded from a
// history store can be replayed into a session with [Client.Resume] so the
// model keeps context across restarts.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/voxchat/internal/observe"
	"github.com/MrWong99/voxchat/internal/resilience"
	"github.com/MrWong99/voxchat/pkg/history"
	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// DefaultModel is the generative model used when none is configured.
const DefaultModel = "gemini-2.0-flash"

// Attachment is an image sent along with a text message.
type Attachment struct {
	// Format is the image format suffix, e.g. "png" or "jpeg".
	Format string
	// Data is the raw encoded image.
	Data []byte
}

// Option configures a Client.
type Option func(*Client)

// WithModel overrides the generative model name.
func WithModel(model string) Option {
	return func(c *Client) {
		if model != "" {
			c.model = model
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink. Defaults to observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Client) {
		if m != nil {
			c.metrics = m
		}
	}
}

// Client sends text messages through the generative AI API and tracks one
// chat session per conversation. All methods are safe for concurrent use.
type Client struct {
	client  *genai.Client
	model   string
	logger  *slog.Logger
	metrics *observe.Metrics
	breaker *resilience.CircuitBreaker

	mu       sync.Mutex
	sessions map[string]*genai.ChatSession
}

// New creates a chat client authenticated with the given API key.
func New(ctx context.Context, apiKey string, opts ...Option) (*Client, error) {
	gc, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("chat: create client: %w", err)
	}

	c := &Client{
		client:   gc,
		model:    DefaultModel,
		logger:   slog.Default(),
		metrics:  observe.DefaultMetrics(),
		sessions: make(map[string]*genai.ChatSession),
	}
	for _, opt := range opts {
		opt(c)
	}
	// Trip fast: a user typing into a REPL should not wait out five full API
	// timeouts before being told the endpoint is down.
	c.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "chat",
		MaxFailures:  3,
		ResetTimeout: 15 * time.Second,
		HalfOpenMax:  2,
		Logger:       c.logger,
	})
	return c, nil
}

// Resume replaces the session for conversationID with one seeded from stored
// turns, so the model sees the prior conversation as its own history.
func (c *Client) Resume(conversationID string, turns []history.Turn) {
	cs := c.newSession()
	cs.History = seedHistory(turns)

	c.mu.Lock()
	c.sessions[conversationID] = cs
	c.mu.Unlock()
	c.logger.Debug("chat session resumed",
		"conversation_id", conversationID, "turns", len(turns))
}

// Forget drops the in-memory session for conversationID. The next Send starts
// from a blank history. Pairs with deleting the stored conversation.
func (c *Client) Forget(conversationID string) {
	c.mu.Lock()
	delete(c.sessions, conversationID)
	c.mu.Unlock()
}

// Send submits one user message, blocking until the full reply is available,
// and returns the reply text. The session accumulates both sides of the
// exchange for followup messages.
func (c *Client) Send(ctx context.Context, conversationID, text string, attachments ...Attachment) (string, error) {
	ctx, span := observe.StartSpan(ctx, "chat.send")
	defer span.End()

	parts := make([]genai.Part, 0, len(attachments)+1)
	parts = append(parts, genai.Text(text))
	for _, att := range attachments {
		parts = append(parts, genai.ImageData(att.Format, att.Data))
	}

	start := time.Now()
	var resp *genai.GenerateContentResponse
	err := c.breaker.Execute(func() error {
		var sendErr error
		resp, sendErr = c.session(conversationID).SendMessage(ctx, parts...)
		return sendErr
	})
	observe.SpanError(span, err)
	if err != nil {
		return "", fmt.Errorf("chat: send message: %w", err)
	}
	c.metrics.ChatDuration.Record(ctx, time.Since(start).Seconds())

	reply := collectText(resp)
	if reply == "" {
		return "", fmt.Errorf("chat: response contained no text")
	}
	c.logger.Debug("chat reply received",
		"conversation_id", conversationID,
		"reply_length", len(reply),
		"duration", time.Since(start))
	return reply, nil
}

// Close releases the underlying API client.
func (c *Client) Close() error {
	return c.client.Close()
}

func (c *Client) session(conversationID string) *genai.ChatSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	cs, ok := c.sessions[conversationID]
	if !ok {
		cs = c.newSession()
		c.sessions[conversationID] = cs
	}
	return cs
}

func (c *Client) newSession() *genai.ChatSession {
	return c.client.GenerativeModel(c.model).StartChat()
}

// seedHistory converts stored turns into chat session history. Speaker names
// already match the API's role names.
func seedHistory(turns []history.Turn) []*genai.Content {
	contents := make([]*genai.Content, 0, len(turns))
	for _, turn := range turns {
		contents = append(contents, &genai.Content{
			Role:  string(turn.Speaker),
			Parts: []genai.Part{genai.Text(turn.Text)},
		})
	}
	return contents
}

func collectText(resp *genai.GenerateContentResponse) string {
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			b.WriteString(string(text))
		}
	}
	return b.String()
}
