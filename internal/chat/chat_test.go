package chat

import (
	"testing"
	"time"

	"github.com/MrWong99/voxchat/pkg/history"
	"github.com/google/generative-ai-go/genai"
)

func TestSeedHistory(t *testing.T) {
	now := time.Now()
	turns := []history.Turn{
		{Speaker: history.SpeakerUser, Text: "Hi there", Timestamp: now},
		{Speaker: history.SpeakerModel, Text: "Hello! How can I help?", Timestamp: now},
	}

	contents := seedHistory(turns)
	if len(contents) != 2 {
		t.Fatalf("got %d contents; want 2", len(contents))
	}
	if contents[0].Role != "user" || contents[1].Role != "model" {
		t.Errorf("roles = %q, %q; want user, model", contents[0].Role, contents[1].Role)
	}
	if text, ok := contents[0].Parts[0].(genai.Text); !ok || string(text) != "Hi there" {
		t.Errorf("first part = %v; want text \"Hi there\"", contents[0].Parts[0])
	}
}

func TestSeedHistory_Empty(t *testing.T) {
	if got := seedHistory(nil); len(got) != 0 {
		t.Fatalf("got %d contents for empty history; want 0", len(got))
	}
}

func TestCollectText(t *testing.T) {
	resp := &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{
				Role:  "model",
				Parts: []genai.Part{genai.Text("part one, "), genai.Text("part two")},
			},
		}},
	}
	if got := collectText(resp); got != "part one, part two" {
		t.Errorf("collectText = %q", got)
	}
}

func TestCollectText_NoCandidates(t *testing.T) {
	if got := collectText(&genai.GenerateContentResponse{}); got != "" {
		t.Errorf("collectText = %q; want empty", got)
	}
	resp := &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{}}}
	if got := collectText(resp); got != "" {
		t.Errorf("collectText with nil content = %q; want empty", got)
	}
}
