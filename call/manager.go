package call

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/mrsingh-rishi/live-transcribe/metrics"
)

// Factory builds the session of a newly started call.
type Factory func(ctx context.Context, callID string) (*Session, error)

// Manager owns one Session per active call.
type Manager struct {
	factory Factory
	log     zerolog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewManager(factory Factory, log zerolog.Logger, m *metrics.Metrics) *Manager {
	return &Manager{
		factory:  factory,
		log:      log,
		metrics:  m,
		sessions: make(map[string]*Session),
	}
}

// CallStarted returns the session of callID, creating it on first use.
func (m *Manager) CallStarted(ctx context.Context, callID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[callID]; ok {
		return s, nil
	}
	s, err := m.factory(ctx, callID)
	if err != nil {
		m.log.Error().Err(err).Str("call", callID).Msg("Call session not created")
		return nil, err
	}
	m.sessions[callID] = s
	m.metrics.ActiveSessions.Inc()
	m.log.Info().Str("call", callID).Msg("Call started")
	return s, nil
}

// CallEnded tears down the session of callID. Unknown calls are ignored.
func (m *Manager) CallEnded(ctx context.Context, callID string) error {
	m.mu.Lock()
	s, ok := m.sessions[callID]
	delete(m.sessions, callID)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	m.metrics.ActiveSessions.Dec()
	m.log.Info().Str("call", callID).Msg("Call ended")
	return s.Close(ctx)
}

func (m *Manager) Get(callID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[callID]
	return s, ok
}

// Len returns the number of active calls.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Shutdown ends every active call.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		if err := m.CallEnded(ctx, id); err != nil {
			m.log.Warn().Err(err).Str("call", id).Msg("Call teardown failed")
		}
	}
}
