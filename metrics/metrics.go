// Package metrics defines the Prometheus collectors of the transcription pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the transcription pipeline
type Metrics struct {
	// Audio capture
	FramesCaptured prometheus.Counter
	CaptureDropped prometheus.Counter
	ResumeFailures prometheus.Counter

	// ASR session
	FramesSent       prometheus.Counter
	SendDropped      prometheus.Counter
	ASRTransitions   *prometheus.CounterVec
	TurnUpdates      prometheus.Counter
	ProviderWarnings prometheus.Counter

	// Transcript store
	SegmentsApplied   *prometheus.CounterVec
	SegmentsIgnored   *prometheus.CounterVec
	ActiveSessions    prometheus.Gauge
	EventsPublished   *prometheus.CounterVec
	EventsReceived    *prometheus.CounterVec
	MalformedEvents   prometheus.Counter
	ChannelDisconnect prometheus.Counter
}

// New creates all metrics and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		FramesCaptured: f.NewCounter(prometheus.CounterOpts{
			Name: "live_audio_frames_captured_total",
			Help: "Total number of PCM16 frames produced by audio capture",
		}),
		CaptureDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "live_audio_frames_dropped_total",
			Help: "Frames discarded by the drop-oldest capture queue",
		}),
		ResumeFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "live_audio_resume_failures_total",
			Help: "Failed attempts to resume a suspended input device",
		}),
		FramesSent: f.NewCounter(prometheus.CounterOpts{
			Name: "live_asr_frames_sent_total",
			Help: "Frames written to the speech provider socket",
		}),
		SendDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "live_asr_frames_dropped_total",
			Help: "Frames dropped because the send queue was saturated or the write failed",
		}),
		ASRTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "live_asr_state_transitions_total",
			Help: "ASR session state transitions by target state and cause",
		}, []string{"state", "cause"}),
		TurnUpdates: f.NewCounter(prometheus.CounterOpts{
			Name: "live_asr_turn_updates_total",
			Help: "Transcript frames received from the speech provider",
		}),
		ProviderWarnings: f.NewCounter(prometheus.CounterOpts{
			Name: "live_asr_transient_errors_total",
			Help: "Transient provider errors and unsolicited closes",
		}),
		SegmentsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "live_transcript_segments_applied_total",
			Help: "Segments that changed a transcript log",
		}, []string{"role", "kind"}),
		SegmentsIgnored: f.NewCounterVec(prometheus.CounterOpts{
			Name: "live_transcript_segments_ignored_total",
			Help: "Segments rejected as duplicates, stale or out of order",
		}, []string{"role", "reason"}),
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "live_call_sessions_active",
			Help: "Current number of call sessions with a live pipeline",
		}),
		EventsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "live_broadcast_events_published_total",
			Help: "Broadcast events published by the host relay",
		}, []string{"type"}),
		EventsReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "live_broadcast_events_received_total",
			Help: "Broadcast events received by the viewer relay",
		}, []string{"type"}),
		MalformedEvents: f.NewCounter(prometheus.CounterOpts{
			Name: "live_broadcast_malformed_events_total",
			Help: "Broadcast payloads dropped because they could not be decoded",
		}),
		ChannelDisconnect: f.NewCounter(prometheus.CounterOpts{
			Name: "live_broadcast_channel_disconnects_total",
			Help: "Messaging channel disconnects observed by subscribers",
		}),
	}
}

// NewUnregistered creates metrics that are not exported anywhere, for tests
// and tools.
func NewUnregistered() *Metrics {
	return New(prometheus.NewRegistry())
}
