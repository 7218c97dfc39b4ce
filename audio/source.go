package audio

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/gopxl/beep"
)

// Source is an exclusive audio input device.
type Source interface {
	// Name identifies the device in logs and errors.
	Name() string
	// Acquire takes the exclusive handle and returns the sample stream in the
	// device's native format.
	Acquire(ctx context.Context) (beep.Streamer, beep.Format, error)
	// Suspended reports whether the device stopped delivering samples.
	Suspended() bool
	// Resume asks a suspended device to deliver samples again.
	Resume() error
	// Release gives the exclusive handle back.
	Release() error
}

// StreamerSource exposes an arbitrary beep.Streamer as a Source.
type StreamerSource struct {
	name     string
	streamer beep.Streamer
	format   beep.Format

	mu        sync.Mutex
	acquired  bool
	suspended atomic.Bool
}

func NewStreamerSource(name string, s beep.Streamer, format beep.Format) *StreamerSource {
	return &StreamerSource{name: name, streamer: s, format: format}
}

func (s *StreamerSource) Name() string { return s.name }

func (s *StreamerSource) Acquire(context.Context) (beep.Streamer, beep.Format, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.acquired {
		return nil, beep.Format{}, ErrDeviceBusy
	}
	s.acquired = true
	return s.streamer, s.format, nil
}

// Suspend marks the source as suspended until Resume is called.
func (s *StreamerSource) Suspend() { s.suspended.Store(true) }

func (s *StreamerSource) Suspended() bool { return s.suspended.Load() }

func (s *StreamerSource) Resume() error {
	s.suspended.Store(false)
	return nil
}

func (s *StreamerSource) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acquired = false
	return nil
}

// Acquired reports whether the exclusive handle is currently held.
func (s *StreamerSource) Acquired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acquired
}
