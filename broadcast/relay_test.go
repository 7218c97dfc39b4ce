package broadcast

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrsingh-rishi/live-transcribe/metrics"
	"github.com/mrsingh-rishi/live-transcribe/model"
	"github.com/mrsingh-rishi/live-transcribe/transcript"
)

var t0 = time.Date(2025, 3, 14, 15, 0, 0, 0, time.UTC)

func hostSeg(order, rev int, text string, partial bool) model.TranscriptSegment {
	return model.TranscriptSegment{
		ID:        "host-s1-" + string(rune('0'+order)),
		Text:      text,
		Timestamp: t0.Add(time.Duration(order*10+rev) * time.Second),
		IsPartial: partial,
		SpeakerID: "host",
		StreamID:  "s1",
		TurnOrder: order,
		Revision:  rev,
	}
}

type viewer struct {
	store  *transcript.Store
	writer *transcript.Writer
	relay  *Relay
	sub    Subscription
}

func newViewer(t *testing.T, ch *MemoryChannel, m *metrics.Metrics) *viewer {
	t.Helper()
	store := transcript.NewStore(zerolog.Nop(), m)
	w, err := store.Writer(transcript.RoleViewer)
	require.NoError(t, err)
	relay := NewRelay(RelayConfig{Channel: ch, Snapshots: ch, Name: "transcription:call-1"}, zerolog.Nop(), m)
	sub, err := relay.Follow(context.Background(), w)
	require.NoError(t, err)
	t.Cleanup(func() { sub.Close() })
	return &viewer{store: store, writer: w, relay: relay, sub: sub}
}

func newHostRelay(ch *MemoryChannel, m *metrics.Metrics) *Relay {
	return NewRelay(RelayConfig{Channel: ch, Snapshots: ch, Name: "transcription:call-1"}, zerolog.Nop(), m)
}

func texts(s *transcript.Store) []string {
	var out []string
	for _, seg := range s.Segments() {
		out = append(out, seg.Text)
	}
	return out
}

func TestRelayDeliversHostTranscript(t *testing.T) {
	ch := NewMemoryChannel()
	m := metrics.NewUnregistered()
	host := newHostRelay(ch, m)
	v1 := newViewer(t, ch, m)
	v2 := newViewer(t, ch, m)
	ctx := context.Background()

	require.NoError(t, host.PublishStatus(ctx, true, t0))
	require.NoError(t, host.PublishSegment(ctx, hostSeg(0, 1, "hello", true)))
	require.NoError(t, host.PublishSegment(ctx, hostSeg(0, 2, "Hello there.", false)))
	require.NoError(t, host.PublishSegment(ctx, hostSeg(1, 1, "and", true)))

	for _, v := range []*viewer{v1, v2} {
		assert.Equal(t, []string{"Hello there.", "and"}, texts(v.store))
		assert.True(t, v.store.TranscriptionEnabled())
	}
	assert.Equal(t, 4.0, testutil.ToFloat64(m.EventsPublished.WithLabelValues("transcript_update"))+
		testutil.ToFloat64(m.EventsPublished.WithLabelValues("started")))
}

func TestRelayToleratesDuplicatesAndReordering(t *testing.T) {
	ch := NewMemoryChannel()
	m := metrics.NewUnregistered()
	host := newHostRelay(ch, m)
	v := newViewer(t, ch, m)
	ctx := context.Background()

	final := hostSeg(0, 3, "Final words.", false)
	require.NoError(t, host.PublishSegment(ctx, final))
	require.NoError(t, host.PublishSegment(ctx, final))
	// a partial of the closed turn arrives late
	require.NoError(t, host.PublishSegment(ctx, hostSeg(0, 2, "final wor", true)))

	assert.Equal(t, []string{"Final words."}, texts(v.store))
}

func TestRelayIgnoresOwnOrigin(t *testing.T) {
	ch := NewMemoryChannel()
	m := metrics.NewUnregistered()
	store := transcript.NewStore(zerolog.Nop(), m)
	w, err := store.Writer(transcript.RoleViewer)
	require.NoError(t, err)

	relay := NewRelay(RelayConfig{Channel: ch, Name: "c", OriginID: "me"}, zerolog.Nop(), m)
	sub, err := relay.Follow(context.Background(), w)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, relay.PublishSegment(context.Background(), hostSeg(0, 1, "echo", false)))
	assert.Empty(t, store.Segments())
}

func TestRelayDropsMalformedEvents(t *testing.T) {
	m := metrics.NewUnregistered()
	store := transcript.NewStore(zerolog.Nop(), m)
	w, err := store.Writer(transcript.RoleViewer)
	require.NoError(t, err)
	relay := NewRelay(RelayConfig{Channel: NewMemoryChannel(), Name: "c"}, zerolog.Nop(), m)

	var mal *MalformedEventError
	assert.ErrorAs(t, relay.Receive(w, []byte("{not json")), &mal)
	assert.ErrorAs(t, relay.Receive(w, []byte(`{"type":"transcript_update","payload":{"text":"no id"},"originId":"x"}`)), &mal)
	assert.ErrorAs(t, relay.Receive(w, []byte(`{"type":"bogus","originId":"x"}`)), &mal)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.MalformedEvents))
	assert.Empty(t, store.Segments())

	good, err := json.Marshal(model.BroadcastEvent{
		Type:     model.EventTranscriptUpdate,
		Payload:  mustJSON(t, hostSeg(0, 1, "ok", false)),
		OriginID: "x",
		SentAt:   t0,
	})
	require.NoError(t, err)
	require.NoError(t, relay.Receive(w, good))
	assert.Equal(t, []string{"ok"}, texts(store))
}

func TestRelayToggleOrdering(t *testing.T) {
	ch := NewMemoryChannel()
	m := metrics.NewUnregistered()
	host := newHostRelay(ch, m)
	v := newViewer(t, ch, m)
	ctx := context.Background()

	require.NoError(t, host.PublishStatus(ctx, false, t0.Add(2*time.Second)))
	// a started event that was delayed in transit
	require.NoError(t, host.PublishStatus(ctx, true, t0.Add(time.Second)))
	assert.False(t, v.store.TranscriptionEnabled())
}

func TestRelayClear(t *testing.T) {
	ch := NewMemoryChannel()
	m := metrics.NewUnregistered()
	host := newHostRelay(ch, m)
	v := newViewer(t, ch, m)
	ctx := context.Background()

	require.NoError(t, host.PublishStatus(ctx, true, t0))
	before := hostSeg(0, 1, "before", false)
	require.NoError(t, host.PublishSegment(ctx, before))
	require.True(t, v.store.TranscriptionEnabled())
	require.NoError(t, host.PublishClear(ctx, t0.Add(time.Minute)))
	assert.Empty(t, v.store.Segments())
	assert.False(t, v.store.TranscriptionEnabled())

	// redelivery of the pre-clear final and toggle
	require.NoError(t, host.PublishSegment(ctx, before))
	require.NoError(t, host.PublishStatus(ctx, true, t0))
	assert.Empty(t, v.store.Segments())
	assert.False(t, v.store.TranscriptionEnabled())

	late := newViewer(t, ch, m)
	assert.Empty(t, late.store.Segments())
	assert.False(t, late.store.TranscriptionEnabled())

	after := hostSeg(1, 1, "after.", false)
	after.Timestamp = t0.Add(2 * time.Minute)
	require.NoError(t, host.PublishSegment(ctx, after))
	assert.Equal(t, []string{"after."}, texts(v.store))
	assert.Equal(t, []string{"after."}, texts(late.store))
}

func TestLateJoinerResyncsFromSnapshot(t *testing.T) {
	ch := NewMemoryChannel()
	m := metrics.NewUnregistered()
	host := newHostRelay(ch, m)
	ctx := context.Background()

	require.NoError(t, host.PublishStatus(ctx, true, t0))
	require.NoError(t, host.PublishSegment(ctx, hostSeg(0, 1, "one.", false)))
	require.NoError(t, host.PublishSegment(ctx, hostSeg(1, 1, "two.", false)))
	require.NoError(t, host.PublishSegment(ctx, hostSeg(2, 1, "thr", true)))

	late := newViewer(t, ch, m)
	assert.Equal(t, []string{"one.", "two."}, texts(late.store))
	assert.True(t, late.store.TranscriptionEnabled())

	// events missed while disconnected are recovered on reconnect
	late.sub.Close()
	require.NoError(t, host.PublishSegment(ctx, hostSeg(2, 2, "three.", false)))
	sub, err := ch.Subscribe(ctx, "transcription:call-1", Handler{
		OnReconnect: func() { require.NoError(t, late.relay.Resync(ctx, late.writer)) },
	})
	require.NoError(t, err)
	defer sub.Close()
	ch.Reconnect("transcription:call-1")

	assert.Equal(t, []string{"one.", "two.", "three."}, texts(late.store))
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestDiscardMarkerLeavesNoSegment(t *testing.T) {
	ch := NewMemoryChannel()
	m := metrics.NewUnregistered()
	host := newHostRelay(ch, m)
	v := newViewer(t, ch, m)
	ctx := context.Background()

	require.NoError(t, host.PublishSegment(ctx, hostSeg(0, 1, "um", true)))
	require.Equal(t, []string{"um"}, texts(v.store))

	require.NoError(t, host.PublishSegment(ctx, hostSeg(0, 2, "", false)))
	assert.Empty(t, v.store.Segments())

	late := newViewer(t, ch, m)
	assert.Empty(t, late.store.Segments())
}
