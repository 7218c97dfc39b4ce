package workers

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrsingh-rishi/live-transcribe/metrics"
	"github.com/mrsingh-rishi/live-transcribe/model"
	"github.com/mrsingh-rishi/live-transcribe/transcript"
	"github.com/mrsingh-rishi/live-transcribe/turn"
)

type publisherFunc func(ctx context.Context, seg model.TranscriptSegment) error

func (f publisherFunc) PublishSegment(ctx context.Context, seg model.TranscriptSegment) error {
	return f(ctx, seg)
}

func TestTranscriptionWorkerRequiresDependencies(t *testing.T) {
	_, err := NewTranscriptionWorker(nil, turn.New("h", ""), nil, nil, zerolog.Nop())
	assert.Error(t, err)
}

func TestTranscriptionWorkerBuildsTranscript(t *testing.T) {
	store := transcript.NewStore(zerolog.Nop(), metrics.NewUnregistered())
	w, err := store.Writer(transcript.RoleHost)
	require.NoError(t, err)

	var mu sync.Mutex
	var published []model.TranscriptSegment
	pub := publisherFunc(func(_ context.Context, seg model.TranscriptSegment) error {
		mu.Lock()
		published = append(published, seg)
		mu.Unlock()
		return nil
	})

	input := make(chan model.TurnUpdate, 8)
	tw, err := NewTranscriptionWorker(input, turn.New("host", "Host"), w, pub, zerolog.Nop())
	require.NoError(t, err)
	tw.Start()

	input <- model.TurnUpdate{Transcript: "good"}
	input <- model.TurnUpdate{Transcript: "good morning"}
	input <- model.TurnUpdate{Transcript: "Good morning.", EndOfTurn: true}
	input <- model.TurnUpdate{Transcript: ""}
	input <- model.TurnUpdate{Transcript: "wel"}
	close(input)

	select {
	case <-tw.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not drain its input")
	}

	assert.Equal(t, "Good morning. wel", store.Text())
	assert.Equal(t, "Good morning.", store.FinalText())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, published, 4)
	assert.False(t, published[2].IsPartial)
	assert.Equal(t, published[0].ID, published[2].ID)
	assert.NotEqual(t, published[2].ID, published[3].ID)
}

type fakeSource struct {
	frames chan model.AudioFrame
}

func (s *fakeSource) Next(ctx context.Context) (model.AudioFrame, error) {
	select {
	case f := <-s.frames:
		return f, nil
	case <-ctx.Done():
		return model.AudioFrame{}, ctx.Err()
	}
}

type fakeSink struct {
	mu     sync.Mutex
	accept int
	got    []uint64
}

func (s *fakeSink) SendFrame(f model.AudioFrame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.got) >= s.accept {
		return false
	}
	s.got = append(s.got, f.Seq)
	return true
}

func TestAudioWorkerPumpsFrames(t *testing.T) {
	src := &fakeSource{frames: make(chan model.AudioFrame, 4)}
	sink := &fakeSink{accept: 2}
	aw, err := NewAudioWorker(src, sink, zerolog.Nop())
	require.NoError(t, err)
	aw.Start()

	for i := range 3 {
		src.frames <- model.AudioFrame{Seq: uint64(i)}
	}
	require.Eventually(t, func() bool { return aw.Sent()+aw.Dropped() == 3 }, time.Second, 5*time.Millisecond)
	aw.Stop()

	assert.Equal(t, uint64(2), aw.Sent())
	assert.Equal(t, uint64(1), aw.Dropped())
	assert.Equal(t, []uint64{0, 1}, sink.got)
}
