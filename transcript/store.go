// Package transcript holds the transcript log shared by a call's host and
// viewer consumers.
package transcript

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/mrsingh-rishi/live-transcribe/metrics"
	"github.com/mrsingh-rishi/live-transcribe/model"
)

// Role is the kind of writer a store accepts.
type Role string

const (
	RoleHost   Role = "host"
	RoleViewer Role = "viewer"
)

var ErrWriterBound = errors.New("transcript store already has a writer")

// Outcome is the effect of applying a segment.
type Outcome int

const (
	Applied Outcome = iota
	Discarded
	Duplicate
	Stale
	Cleared
	Empty
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Discarded:
		return "discarded"
	case Duplicate:
		return "duplicate"
	case Stale:
		return "stale"
	case Cleared:
		return "cleared"
	case Empty:
		return "empty"
	default:
		return "unknown"
	}
}

// Changed reports whether the outcome modified the log.
func (o Outcome) Changed() bool { return o == Applied || o == Discarded }

// UpdateKind tells subscribers what an Update carries.
type UpdateKind int

const (
	UpdateSnapshot UpdateKind = iota
	UpdateSegment
	UpdateClear
	UpdateStatus
)

// Update is pushed to subscribers after every change. The first update a
// subscriber sees is always a snapshot.
type Update struct {
	Kind     UpdateKind
	Segment  model.TranscriptSegment
	Snapshot Snapshot
}

// Snapshot is a point-in-time copy of the store.
type Snapshot struct {
	Segments             []model.TranscriptSegment `json:"segments"`
	HostTranscribing     bool                      `json:"isHostTranscribing"`
	TranscriptionEnabled bool                      `json:"hostTranscriptionEnabled"`
	Archive              string                    `json:"archive,omitempty"`
}

type turnRef struct {
	stream string
	order  int
}

// Store is the transcript log of one call. It accepts a single writer and
// any number of concurrent readers and subscribers.
type Store struct {
	log     zerolog.Logger
	metrics *metrics.Metrics

	mu           sync.RWMutex
	writer       Role
	segments     []model.TranscriptSegment
	finals       map[string]struct{}
	lastFinal    map[string]turnRef
	transcribing bool
	enabled      bool
	toggledAt    time.Time
	clearedAt    time.Time
	archive      string

	// notifyMu orders deliveries. It is always acquired after mu.
	notifyMu sync.Mutex
	subs     map[int]func(Update)
	nextSub  int
}

func NewStore(log zerolog.Logger, m *metrics.Metrics) *Store {
	return &Store{
		log:       log,
		metrics:   m,
		finals:    make(map[string]struct{}),
		lastFinal: make(map[string]turnRef),
		subs:      make(map[int]func(Update)),
	}
}

// Writer binds the store to role and returns its only writer. Host and
// viewer writers never coexist on one store.
func (s *Store) Writer(role Role) (*Writer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writer != "" {
		return nil, errors.Wrapf(ErrWriterBound, "bound to %s", s.writer)
	}
	s.writer = role
	return &Writer{store: s, role: role}, nil
}

// Subscribe registers fn for updates and immediately delivers a snapshot.
// Deliveries are sequential and in order; fn must not write to the store.
// The returned function removes the subscription.
func (s *Store) Subscribe(fn func(Update)) (cancel func()) {
	s.mu.RLock()
	snap := s.snapshotLocked()
	s.notifyMu.Lock()
	s.mu.RUnlock()

	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	fn(Update{Kind: UpdateSnapshot, Snapshot: snap})
	s.notifyMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.notifyMu.Lock()
			delete(s.subs, id)
			s.notifyMu.Unlock()
		})
	}
}

// Snapshot returns a copy of the store's state.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

// Segments returns a copy of the log.
func (s *Store) Segments() []model.TranscriptSegment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.TranscriptSegment(nil), s.segments...)
}

func (s *Store) HostTranscribing() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.transcribing
}

func (s *Store) TranscriptionEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.enabled
}

func (s *Store) snapshotLocked() Snapshot {
	return Snapshot{
		Segments:             append([]model.TranscriptSegment{}, s.segments...),
		HostTranscribing:     s.transcribing,
		TranscriptionEnabled: s.enabled,
		Archive:              s.archive,
	}
}

// publish delivers u to every subscriber. It must be called with mu held
// for writing and releases it.
func (s *Store) publish(u Update) {
	s.notifyMu.Lock()
	s.mu.Unlock()
	defer s.notifyMu.Unlock()
	for _, fn := range s.subs {
		fn(u)
	}
}

func (s *Store) tailPartial() (int, bool) {
	n := len(s.segments)
	if n == 0 || !s.segments[n-1].IsPartial {
		return -1, false
	}
	return n - 1, true
}

func (s *Store) apply(seg model.TranscriptSegment) Outcome {
	if !s.clearedAt.IsZero() && seg.Timestamp.Before(s.clearedAt) {
		return Cleared
	}
	if _, done := s.finals[seg.ID]; done {
		return Duplicate
	}

	if seg.IsPartial {
		if strings.TrimSpace(seg.Text) == "" {
			return Empty
		}
		if ref, ok := s.lastFinal[seg.SpeakerID]; ok && ref.stream == seg.StreamID && seg.TurnOrder <= ref.order {
			return Stale
		}
		i, ok := s.tailPartial()
		if !ok {
			s.segments = append(s.segments, seg)
			return Applied
		}
		tail := s.segments[i]
		if tail.ID == seg.ID {
			if seg.Revision < tail.Revision {
				return Stale
			}
			if seg.Revision == tail.Revision && seg.Text == tail.Text {
				return Duplicate
			}
		}
		s.segments[i] = seg
		return Applied
	}

	s.finals[seg.ID] = struct{}{}
	if ref, ok := s.lastFinal[seg.SpeakerID]; !ok || ref.stream != seg.StreamID || seg.TurnOrder > ref.order {
		s.lastFinal[seg.SpeakerID] = turnRef{stream: seg.StreamID, order: seg.TurnOrder}
	}

	i, pending := s.tailPartial()
	if pending && s.segments[i].ID == seg.ID {
		s.segments = s.segments[:i]
		pending = false
	}
	if seg.Discards() {
		return Discarded
	}
	if pending {
		partial := s.segments[i]
		s.segments[i] = seg
		s.segments = append(s.segments, partial)
	} else {
		s.segments = append(s.segments, seg)
	}
	return Applied
}

// Text joins every segment of the log, pending partial included.
func (s *Store) Text() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return joinText(s.segments, true)
}

// FinalText joins finalized segments only.
func (s *Store) FinalText() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return joinText(s.segments, false)
}

// Download renders the archived runs followed by the current log.
func (s *Store) Download() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	current := joinText(s.segments, true)
	if s.archive == "" {
		return current
	}
	return s.archive + "\n\n" + current
}

// DownloadName is the file name offered for Download.
func DownloadName(now time.Time) string {
	return fmt.Sprintf("webinar-transcript-%s.txt", now.UTC().Format(time.DateOnly))
}

func joinText(segments []model.TranscriptSegment, partials bool) string {
	parts := make([]string, 0, len(segments))
	for _, seg := range segments {
		if seg.IsPartial && !partials {
			continue
		}
		parts = append(parts, seg.Text)
	}
	return strings.Join(parts, " ")
}
