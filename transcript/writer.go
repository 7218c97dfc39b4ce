package transcript

import (
	"time"

	"github.com/mrsingh-rishi/live-transcribe/model"
)

// Writer is the single mutating handle of a Store.
type Writer struct {
	store *Store
	role  Role
}

func (w *Writer) Role() Role { return w.role }

// Apply merges seg into the log: a partial replaces the pending partial, a
// final replaces the partial of its turn or is appended before the pending
// partial. Duplicates, stale partials and segments older than the last
// clear leave the log untouched.
func (w *Writer) Apply(seg model.TranscriptSegment) Outcome {
	s := w.store
	s.mu.Lock()
	out := s.apply(seg)
	if !out.Changed() {
		s.mu.Unlock()
		s.metrics.SegmentsIgnored.WithLabelValues(string(w.role), out.String()).Inc()
		s.log.Debug().
			Str("segment", seg.ID).
			Int("revision", seg.Revision).
			Str("outcome", out.String()).
			Msg("Segment ignored")
		return out
	}
	kind := "final"
	if seg.IsPartial {
		kind = "partial"
	} else if out == Discarded {
		kind = "discard"
	}
	s.metrics.SegmentsApplied.WithLabelValues(string(w.role), kind).Inc()
	s.publish(Update{Kind: UpdateSegment, Segment: seg})
	return out
}

// Load applies a batch of segments, typically a snapshot received on
// resync, and returns how many changed the log.
func (w *Writer) Load(segments []model.TranscriptSegment) int {
	n := 0
	for _, seg := range segments {
		if w.Apply(seg).Changed() {
			n++
		}
	}
	return n
}

// SetStatus records whether host transcription is on. Toggles older than
// the last applied one are ignored. A host writer tracks both flags; a
// viewer writer tracks only whether the host has transcription enabled.
func (w *Writer) SetStatus(on bool, at time.Time) bool {
	s := w.store
	s.mu.Lock()
	if at.Before(s.toggledAt) {
		s.mu.Unlock()
		return false
	}
	s.toggledAt = at
	if w.role == RoleHost {
		s.transcribing = on
	}
	s.enabled = on
	s.publish(Update{Kind: UpdateStatus, Snapshot: s.snapshotLocked()})
	return true
}

// Archive appends the current text to the archive of earlier runs.
func (w *Writer) Archive() {
	s := w.store
	s.mu.Lock()
	text := joinText(s.segments, true)
	if text == "" {
		s.mu.Unlock()
		return
	}
	if s.archive != "" {
		s.archive += "\n\n"
	}
	s.archive += text
	s.publish(Update{Kind: UpdateStatus, Snapshot: s.snapshotLocked()})
}

// Clear empties the log and the archive and turns both flags off. Segments
// timestamped before at are rejected from then on, as are toggles older
// than at. A clear not newer than the last one is ignored.
func (w *Writer) Clear(at time.Time) bool {
	s := w.store
	s.mu.Lock()
	if !at.After(s.clearedAt) {
		s.mu.Unlock()
		return false
	}
	s.clearedAt = at
	s.segments = nil
	s.archive = ""
	s.finals = make(map[string]struct{})
	s.lastFinal = make(map[string]turnRef)
	s.transcribing = false
	s.enabled = false
	if at.After(s.toggledAt) {
		s.toggledAt = at
	}
	s.log.Info().Str("role", string(w.role)).Msg("Transcript cleared")
	s.publish(Update{Kind: UpdateClear, Snapshot: s.snapshotLocked()})
	return true
}

// Reset returns the store to its initial state, flags and watermarks
// included. It runs on call teardown.
func (w *Writer) Reset() {
	s := w.store
	s.mu.Lock()
	s.segments = nil
	s.archive = ""
	s.finals = make(map[string]struct{})
	s.lastFinal = make(map[string]turnRef)
	s.transcribing = false
	s.enabled = false
	s.toggledAt = time.Time{}
	s.clearedAt = time.Time{}
	s.publish(Update{Kind: UpdateClear, Snapshot: s.snapshotLocked()})
}
