// Package playback schedules decoded model speech onto an output device so
// consecutive chunks play gaplessly and never overlap.
package playback

import (
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/voxchat/pkg/audio"
	"github.com/MrWong99/voxchat/pkg/audio/device"
)

// Scheduler lines buffers up against the player's clock. Each buffer starts
// at the later of "now" and the end of the previously scheduled buffer, which
// keeps playback monotonic during bursts and gapless while audio keeps
// arriving faster than real time.
type Scheduler struct {
	player device.Player

	mu        sync.Mutex
	nextStart time.Duration
	inflight  map[device.Source]struct{}
}

// New creates a Scheduler playing through the given device.
func New(player device.Player) *Scheduler {
	return &Scheduler{
		player:   player,
		inflight: make(map[device.Source]struct{}),
	}
}

// Enqueue schedules buf for playback and returns its start position on the
// player clock. Zero-duration buffers are scheduled like any other and simply
// do not advance the queue.
func (s *Scheduler) Enqueue(buf audio.Buffer) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	startAt := s.player.Now()
	if s.nextStart > startAt {
		startAt = s.nextStart
	}

	src, err := s.player.Play(buf, startAt)
	if err != nil {
		return 0, fmt.Errorf("playback: enqueue: %w", err)
	}
	s.nextStart = startAt + buf.Duration()
	s.inflight[src] = struct{}{}

	go func() {
		<-src.Done()
		s.mu.Lock()
		delete(s.inflight, src)
		s.mu.Unlock()
	}()

	return startAt, nil
}

// Latency returns how far ahead of the player clock the queue currently
// extends: the time until a buffer enqueued right now would start playing.
// Zero when the queue has drained.
func (s *Scheduler) Latency() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.nextStart - s.player.Now()
	if d < 0 {
		return 0
	}
	return d
}

// StopAll halts every in-flight buffer and rewinds the queue so the next
// Enqueue starts immediately. Used when the model is interrupted and its
// pending speech becomes stale.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	sources := make([]device.Source, 0, len(s.inflight))
	for src := range s.inflight {
		sources = append(sources, src)
	}
	s.inflight = make(map[device.Source]struct{})
	s.nextStart = 0
	s.mu.Unlock()

	// Stop outside the lock: a source's Done reaper takes the same mutex.
	for _, src := range sources {
		src.Stop()
	}
}

// Active returns the number of buffers scheduled but not yet finished.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}
