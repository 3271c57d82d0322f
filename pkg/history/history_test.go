package history_test

import (
	"sync"
	"testing"

	"github.com/MrWong99/voxchat/pkg/history"
)

func TestLog_MergesSameSpeaker(t *testing.T) {
	log := history.NewLog()
	log.Append(history.SpeakerModel, "Hel")
	log.Append(history.SpeakerModel, "lo")
	log.Append(history.SpeakerUser, "Hi")

	turns := log.Turns()
	if len(turns) != 2 {
		t.Fatalf("got %d turns; want 2", len(turns))
	}
	if turns[0].Speaker != history.SpeakerModel || turns[0].Text != "Hello" {
		t.Errorf("turn 0 = %q by %s; want \"Hello\" by model", turns[0].Text, turns[0].Speaker)
	}
	if turns[1].Speaker != history.SpeakerUser || turns[1].Text != "Hi" {
		t.Errorf("turn 1 = %q by %s; want \"Hi\" by user", turns[1].Text, turns[1].Speaker)
	}
}

func TestLog_AlternatingSpeakers(t *testing.T) {
	log := history.NewLog()
	log.Append(history.SpeakerUser, "one")
	log.Append(history.SpeakerModel, "two")
	log.Append(history.SpeakerUser, "three")

	if got := log.Len(); got != 3 {
		t.Fatalf("len = %d; want 3", got)
	}
}

func TestLog_EndTurnSplitsSameSpeaker(t *testing.T) {
	log := history.NewLog()
	log.Append(history.SpeakerModel, "First answer.")
	log.EndTurn()
	log.Append(history.SpeakerModel, "Second answer.")

	turns := log.Turns()
	if len(turns) != 2 {
		t.Fatalf("got %d turns; want 2 after EndTurn", len(turns))
	}
	if turns[0].ID == turns[1].ID {
		t.Error("split turns should have distinct IDs")
	}
}

func TestLog_MergeKeepsFirstTimestampAndID(t *testing.T) {
	log := history.NewLog()
	first := log.Append(history.SpeakerModel, "a")
	merged := log.Append(history.SpeakerModel, "b")

	if merged.ID != first.ID {
		t.Errorf("merged fragment changed turn ID: %s -> %s", first.ID, merged.ID)
	}
	if !merged.Timestamp.Equal(first.Timestamp) {
		t.Errorf("merged fragment changed timestamp: %v -> %v", first.Timestamp, merged.Timestamp)
	}
}

func TestLog_ConcurrentAppend(t *testing.T) {
	log := history.NewLog()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				log.Append(history.SpeakerUser, "x")
			}
		}()
	}
	wg.Wait()

	// All fragments merge into a single user turn of 400 characters.
	turns := log.Turns()
	if len(turns) != 1 {
		t.Fatalf("got %d turns; want 1", len(turns))
	}
	if len(turns[0].Text) != 400 {
		t.Errorf("text length = %d; want 400", len(turns[0].Text))
	}
}
