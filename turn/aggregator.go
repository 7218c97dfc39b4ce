// Package turn folds provider transcript frames into transcript segments.
package turn

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mrsingh-rishi/live-transcribe/model"
)

// Kind says what an Emit does to the transcript.
type Kind int

const (
	// EmitNone means the frame produced nothing.
	EmitNone Kind = iota
	// EmitPartial replaces the pending partial of the current turn.
	EmitPartial
	// EmitFinal closes the current turn with an immutable segment.
	EmitFinal
	// EmitDiscard drops the current turn's pending partial. No terminal
	// segment results: the marker travels as an empty final carrying the
	// turn id so viewers drop the same partial, and no log or snapshot ever
	// keeps it.
	EmitDiscard
)

func (k Kind) String() string {
	switch k {
	case EmitNone:
		return "none"
	case EmitPartial:
		return "partial"
	case EmitFinal:
		return "final"
	case EmitDiscard:
		return "discard"
	default:
		return "unknown"
	}
}

// Emit is the result of applying one frame.
type Emit struct {
	Kind    Kind
	Segment model.TranscriptSegment
}

// Aggregator tracks the open turn of one speaker stream. It is driven from
// the provider's callback goroutine and is not safe for concurrent use.
type Aggregator struct {
	speakerID   string
	speakerName string

	streamID string
	turn     int
	revision int
	pending  bool
}

func New(speakerID, speakerName string) *Aggregator {
	a := &Aggregator{speakerID: speakerID, speakerName: speakerName}
	a.Reset()
	return a
}

// Reset starts a new stream: turn numbering restarts and previous turn ids
// are never reused.
func (a *Aggregator) Reset() {
	a.streamID = strings.SplitN(uuid.NewString(), "-", 2)[0]
	a.turn = 0
	a.revision = 0
	a.pending = false
}

// StreamID returns the id of the current stream.
func (a *Aggregator) StreamID() string { return a.streamID }

// TurnID returns the id shared by every segment of the open turn.
func (a *Aggregator) TurnID() string {
	return fmt.Sprintf("%s-%s-%d", a.speakerID, a.streamID, a.turn)
}

// Apply folds one frame into the open turn.
func (a *Aggregator) Apply(u model.TurnUpdate) Emit {
	text := strings.TrimSpace(u.Transcript)
	at := u.ReceivedAt
	if at.IsZero() {
		at = time.Now()
	}

	if !u.EndOfTurn {
		if text == "" {
			return Emit{Kind: EmitNone}
		}
		a.revision++
		a.pending = true
		return Emit{Kind: EmitPartial, Segment: a.segment(text, true, at)}
	}

	if text == "" {
		if !a.pending {
			return Emit{Kind: EmitNone}
		}
		seg := a.segment("", false, at)
		a.advance()
		return Emit{Kind: EmitDiscard, Segment: seg}
	}

	a.revision++
	seg := a.segment(text, false, at)
	a.advance()
	return Emit{Kind: EmitFinal, Segment: seg}
}

func (a *Aggregator) advance() {
	a.turn++
	a.revision = 0
	a.pending = false
}

func (a *Aggregator) segment(text string, partial bool, at time.Time) model.TranscriptSegment {
	return model.TranscriptSegment{
		ID:          a.TurnID(),
		Text:        text,
		Timestamp:   at,
		IsPartial:   partial,
		SpeakerID:   a.speakerID,
		SpeakerName: a.speakerName,
		StreamID:    a.streamID,
		TurnOrder:   a.turn,
		Revision:    a.revision,
	}
}
