package model

import (
	"encoding/json"
	"time"
)

// AudioFrame is a fixed-duration block of little-endian PCM16 mono samples.
type AudioFrame struct {
	Seq        uint64
	CapturedAt time.Time
	PCM        []byte
}

// TurnUpdate is a single transcript frame received from the speech provider.
type TurnUpdate struct {
	Transcript string
	EndOfTurn  bool
	TurnOrder  int
	Formatted  bool
	ReceivedAt time.Time
}

// TranscriptSegment is one entry of a transcript log. Partial segments of the
// same turn share the final segment's ID.
type TranscriptSegment struct {
	ID          string    `json:"id"`
	Text        string    `json:"text"`
	Timestamp   time.Time `json:"timestamp"`
	IsPartial   bool      `json:"isPartial"`
	SpeakerID   string    `json:"speakerId,omitempty"`
	SpeakerName string    `json:"speakerName,omitempty"`
	// StreamID identifies the host transcription run that produced the turn.
	StreamID    string    `json:"streamId,omitempty"`
	TurnOrder   int       `json:"turnOrder"`
	Revision    int       `json:"revision"`
}

// Discards reports whether the segment closes its turn without text.
func (s TranscriptSegment) Discards() bool {
	return !s.IsPartial && s.Text == ""
}

// EventType names a broadcast event.
type EventType string

const (
	EventStarted          EventType = "started"
	EventStopped          EventType = "stopped"
	EventTranscriptUpdate EventType = "transcript_update"
	EventTranscriptClear  EventType = "transcript_clear"
)

// BroadcastEvent is the envelope published on the messaging channel.
type BroadcastEvent struct {
	Type     EventType       `json:"type"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	OriginID string          `json:"originId"`
	SentAt   time.Time       `json:"sentAt"`
}

// TogglePayload accompanies started and stopped events.
type TogglePayload struct {
	Enabled bool `json:"enabled"`
}
