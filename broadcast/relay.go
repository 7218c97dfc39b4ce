package broadcast

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/mrsingh-rishi/live-transcribe/metrics"
	"github.com/mrsingh-rishi/live-transcribe/model"
	"github.com/mrsingh-rishi/live-transcribe/transcript"
)

// RelayConfig configures a Relay for one call.
type RelayConfig struct {
	Channel Channel
	// Snapshots is optional. Without it late joiners rely on the channel
	// replaying history.
	Snapshots   SnapshotStore
	SnapshotTTL time.Duration
	// Name is the channel name of the call.
	Name string
	// OriginID identifies this process in published events. Defaults to a
	// random id.
	OriginID string
}

// snapshotRecord is the late-joiner state the host keeps next to the channel.
type snapshotRecord struct {
	Segments  []model.TranscriptSegment `json:"segments"`
	Enabled   bool                      `json:"enabled"`
	ToggledAt time.Time                 `json:"toggledAt"`
	ClearedAt time.Time                 `json:"clearedAt"`
}

// Relay publishes host events and applies them on viewers.
type Relay struct {
	cfg     RelayConfig
	log     zerolog.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	record snapshotRecord
	seen   map[string]struct{}
}

func NewRelay(cfg RelayConfig, log zerolog.Logger, m *metrics.Metrics) *Relay {
	if cfg.OriginID == "" {
		cfg.OriginID = uuid.NewString()
	}
	if cfg.SnapshotTTL <= 0 {
		cfg.SnapshotTTL = 6 * time.Hour
	}
	return &Relay{
		cfg:     cfg,
		log:     log.With().Str("channel", cfg.Name).Logger(),
		metrics: m,
		seen:    make(map[string]struct{}),
	}
}

// OriginID returns the id stamped on this relay's events.
func (r *Relay) OriginID() string { return r.cfg.OriginID }

// PublishSegment broadcasts a host segment. Finals are also added to the
// late-joiner snapshot.
func (r *Relay) PublishSegment(ctx context.Context, seg model.TranscriptSegment) error {
	if err := r.publish(ctx, model.EventTranscriptUpdate, seg, seg.Timestamp); err != nil {
		return err
	}
	if seg.IsPartial || seg.Discards() {
		return nil
	}
	r.mu.Lock()
	if _, dup := r.seen[seg.ID]; !dup && !seg.Timestamp.Before(r.record.ClearedAt) {
		r.seen[seg.ID] = struct{}{}
		r.record.Segments = append(r.record.Segments, seg)
	}
	r.mu.Unlock()
	return r.saveSnapshot(ctx)
}

// PublishStatus broadcasts that host transcription started or stopped.
func (r *Relay) PublishStatus(ctx context.Context, on bool, at time.Time) error {
	typ := model.EventStopped
	if on {
		typ = model.EventStarted
	}
	if err := r.publish(ctx, typ, model.TogglePayload{Enabled: on}, at); err != nil {
		return err
	}
	r.mu.Lock()
	if !at.Before(r.record.ToggledAt) {
		r.record.Enabled, r.record.ToggledAt = on, at
	}
	r.mu.Unlock()
	return r.saveSnapshot(ctx)
}

// PublishClear broadcasts a transcript clear stamped with at.
func (r *Relay) PublishClear(ctx context.Context, at time.Time) error {
	if err := r.publish(ctx, model.EventTranscriptClear, nil, at); err != nil {
		return err
	}
	r.mu.Lock()
	r.record.Segments = nil
	r.record.ClearedAt = at
	if at.After(r.record.ToggledAt) {
		r.record.Enabled, r.record.ToggledAt = false, at
	}
	r.seen = make(map[string]struct{})
	r.mu.Unlock()
	return r.saveSnapshot(ctx)
}

func (r *Relay) publish(ctx context.Context, typ model.EventType, payload any, at time.Time) error {
	ev := model.BroadcastEvent{Type: typ, OriginID: r.cfg.OriginID, SentAt: at}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return errors.Wrapf(err, "encode %s payload", typ)
		}
		ev.Payload = raw
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "encode event")
	}
	if err := r.cfg.Channel.Publish(ctx, r.cfg.Name, data); err != nil {
		r.log.Warn().Err(err).Str("type", string(typ)).Msg("Broadcast publish failed")
		return err
	}
	r.metrics.EventsPublished.WithLabelValues(string(typ)).Inc()
	r.log.Debug().Str("type", string(typ)).Msg("Event published")
	return nil
}

func (r *Relay) saveSnapshot(ctx context.Context) error {
	if r.cfg.Snapshots == nil {
		return nil
	}
	r.mu.Lock()
	data, err := json.Marshal(r.record)
	r.mu.Unlock()
	if err != nil {
		return errors.Wrap(err, "encode snapshot")
	}
	if err := r.cfg.Snapshots.SaveSnapshot(ctx, r.cfg.Name, data, r.cfg.SnapshotTTL); err != nil {
		r.log.Warn().Err(err).Msg("Snapshot not saved")
		return err
	}
	return nil
}

// Follow subscribes w to the channel. The stored snapshot is applied once
// subscribed and again after every reconnect.
func (r *Relay) Follow(ctx context.Context, w *transcript.Writer) (Subscription, error) {
	resync := func() {
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.Resync(rctx, w); err != nil {
			r.log.Warn().Err(err).Msg("Transcript resync failed")
		}
	}
	sub, err := r.cfg.Channel.Subscribe(ctx, r.cfg.Name, Handler{
		OnMessage: func(payload []byte) {
			if err := r.Receive(w, payload); err != nil {
				r.log.Warn().Err(err).Msg("Dropping broadcast event")
			}
		},
		OnReconnect: resync,
	})
	if err != nil {
		return nil, err
	}
	if err := r.Resync(ctx, w); err != nil {
		r.log.Warn().Err(err).Msg("Initial transcript resync failed")
	}
	r.log.Info().Msg("Following host transcript")
	return sub, nil
}

// Resync applies the stored snapshot, if any, to w.
func (r *Relay) Resync(ctx context.Context, w *transcript.Writer) error {
	if r.cfg.Snapshots == nil {
		return nil
	}
	data, err := r.cfg.Snapshots.LoadSnapshot(ctx, r.cfg.Name)
	if err != nil || data == nil {
		return err
	}
	var rec snapshotRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		r.metrics.MalformedEvents.Inc()
		return &MalformedEventError{Reason: "snapshot", Err: err}
	}
	if !rec.ClearedAt.IsZero() {
		w.Clear(rec.ClearedAt)
	}
	if !rec.ToggledAt.IsZero() {
		w.SetStatus(rec.Enabled, rec.ToggledAt)
	}
	n := w.Load(rec.Segments)
	r.log.Debug().Int("applied", n).Int("segments", len(rec.Segments)).Msg("Snapshot applied")
	return nil
}

// Receive decodes one channel payload and applies it to w. Events from this
// relay's own origin are ignored. Malformed payloads are dropped with a
// *MalformedEventError.
func (r *Relay) Receive(w *transcript.Writer, payload []byte) error {
	var ev model.BroadcastEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return r.malformed("envelope", err)
	}
	if ev.OriginID == r.cfg.OriginID {
		return nil
	}
	r.metrics.EventsReceived.WithLabelValues(string(ev.Type)).Inc()

	switch ev.Type {
	case model.EventTranscriptUpdate:
		var seg model.TranscriptSegment
		if err := json.Unmarshal(ev.Payload, &seg); err != nil {
			return r.malformed("segment", err)
		}
		if seg.ID == "" {
			return r.malformed("segment without id", nil)
		}
		w.Apply(seg)
	case model.EventStarted, model.EventStopped:
		on := ev.Type == model.EventStarted
		if len(ev.Payload) > 0 {
			var toggle model.TogglePayload
			if err := json.Unmarshal(ev.Payload, &toggle); err != nil {
				return r.malformed("toggle", err)
			}
			on = toggle.Enabled
		}
		w.SetStatus(on, ev.SentAt)
	case model.EventTranscriptClear:
		w.Clear(ev.SentAt)
	default:
		return r.malformed("unknown event type "+string(ev.Type), nil)
	}
	return nil
}

func (r *Relay) malformed(reason string, err error) error {
	r.metrics.MalformedEvents.Inc()
	return &MalformedEventError{Reason: reason, Err: err}
}
