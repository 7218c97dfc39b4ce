package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gopxl/beep"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrsingh-rishi/live-transcribe/metrics"
	"github.com/mrsingh-rishi/live-transcribe/model"
)

func constant(v float64) beep.Streamer {
	return beep.StreamerFunc(func(samples [][2]float64) (int, bool) {
		for i := range samples {
			samples[i] = [2]float64{v, v}
		}
		return len(samples), true
	})
}

func testConfig() Config {
	return Config{
		SampleRate:     16000,
		FrameDuration:  10 * time.Millisecond,
		QueueSize:      4,
		ResumeInterval: 5 * time.Millisecond,
	}
}

func TestCaptureProducesFixedSizeFrames(t *testing.T) {
	src := NewStreamerSource("mic", constant(0.5), beep.Format{SampleRate: 16000, NumChannels: 1, Precision: 2})
	c := NewCapture(src, testConfig(), zerolog.Nop(), metrics.NewUnregistered())
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var frames []model.AudioFrame
	for f := range c.Frames(ctx) {
		frames = append(frames, f)
		if len(frames) == 3 {
			break
		}
	}
	require.Len(t, frames, 3)
	for i, f := range frames {
		assert.Equal(t, uint64(i), f.Seq)
		assert.Len(t, f.PCM, 2*160)
		assert.Equal(t, int16(16384), int16(binary.LittleEndian.Uint16(f.PCM)))
	}
}

func TestCaptureResamplesToTargetRate(t *testing.T) {
	src := NewStreamerSource("phone", constant(0.25), beep.Format{SampleRate: 8000, NumChannels: 1, Precision: 2})
	c := NewCapture(src, testConfig(), zerolog.Nop(), metrics.NewUnregistered())
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	f, err := c.Next(ctx)
	require.NoError(t, err)
	assert.Len(t, f.PCM, 2*160)
}

func TestCaptureDropsOldestUnderBackpressure(t *testing.T) {
	m := metrics.NewUnregistered()
	src := NewStreamerSource("mic", constant(0), beep.Format{SampleRate: 16000, NumChannels: 1, Precision: 2})
	cfg := testConfig()
	cfg.QueueSize = 2
	c := NewCapture(src, cfg, zerolog.Nop(), m)
	require.NoError(t, c.Start(context.Background()))

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.CaptureDropped) >= 3
	}, time.Second, 5*time.Millisecond)
	c.Stop()

	first, err := c.Next(context.Background())
	require.NoError(t, err)
	assert.Greater(t, first.Seq, uint64(2), "oldest frames should have been discarded")
}

func TestCaptureStopReleasesDevice(t *testing.T) {
	src := NewStreamerSource("mic", constant(0), beep.Format{SampleRate: 16000, NumChannels: 1, Precision: 2})
	c := NewCapture(src, testConfig(), zerolog.Nop(), metrics.NewUnregistered())

	require.NoError(t, c.Start(context.Background()))
	assert.True(t, src.Acquired())
	assert.ErrorIs(t, c.Start(context.Background()), ErrAlreadyRunning)

	c.Stop()
	assert.False(t, src.Acquired())
	assert.False(t, c.Active())

	require.NoError(t, c.Start(context.Background()), "capture should be restartable")
	c.Stop()
	assert.False(t, src.Acquired())
}

type failingSource struct{ *StreamerSource }

func (failingSource) Acquire(context.Context) (beep.Streamer, beep.Format, error) {
	return nil, beep.Format{}, errors.New("permission denied")
}

func TestCaptureAcquisitionError(t *testing.T) {
	src := failingSource{NewStreamerSource("mic", nil, beep.Format{})}
	c := NewCapture(src, testConfig(), zerolog.Nop(), metrics.NewUnregistered())

	err := c.Start(context.Background())
	var acqErr *AcquisitionError
	require.ErrorAs(t, err, &acqErr)
	assert.Equal(t, "mic", acqErr.Device)
	assert.False(t, c.Active())
}

type flakySource struct {
	*StreamerSource
	resumes   atomic.Int32
	resumeErr error
}

func (s *flakySource) Suspended() bool { return true }

func (s *flakySource) Resume() error {
	s.resumes.Add(1)
	return s.resumeErr
}

func TestCaptureReportsFailedResumeAndKeepsRunning(t *testing.T) {
	src := &flakySource{
		StreamerSource: NewStreamerSource("mic", constant(0), beep.Format{SampleRate: 16000, NumChannels: 1, Precision: 2}),
		resumeErr:      errors.New("context suspended"),
	}
	m := metrics.NewUnregistered()
	c := NewCapture(src, testConfig(), zerolog.Nop(), m)

	var mu sync.Mutex
	var reported []error
	c.OnError(func(err error) {
		mu.Lock()
		reported = append(reported, err)
		mu.Unlock()
	})
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	require.Eventually(t, func() bool { return src.resumes.Load() >= 2 }, time.Second, 5*time.Millisecond)
	assert.True(t, c.Active())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := c.Next(ctx)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, reported)
	var resumeErr *ResumeError
	assert.ErrorAs(t, reported[0], &resumeErr)
	assert.GreaterOrEqual(t, testutil.ToFloat64(m.ResumeFailures), 1.0)
}

func TestCaptureResumesSuspendedSource(t *testing.T) {
	src := NewStreamerSource("mic", constant(0), beep.Format{SampleRate: 16000, NumChannels: 1, Precision: 2})
	c := NewCapture(src, testConfig(), zerolog.Nop(), metrics.NewUnregistered())
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	src.Suspend()
	require.Eventually(t, func() bool { return !src.Suspended() }, time.Second, 5*time.Millisecond)
}

func TestCaptureContinuesWithSilenceAfterStreamEnds(t *testing.T) {
	src := NewStreamerSource("clip", beep.Take(10, constant(1)), beep.Format{SampleRate: 16000, NumChannels: 1, Precision: 2})
	c := NewCapture(src, testConfig(), zerolog.Nop(), metrics.NewUnregistered())
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	first, err := c.Next(ctx)
	require.NoError(t, err)
	second, err := c.Next(ctx)
	require.NoError(t, err)

	assert.Equal(t, int16(32767), int16(binary.LittleEndian.Uint16(first.PCM)))
	assert.Equal(t, int16(0), int16(binary.LittleEndian.Uint16(first.PCM[20:])))
	assert.Equal(t, make([]byte, len(second.PCM)), second.PCM)
}

func TestEncodePCM16(t *testing.T) {
	pcm := EncodePCM16([][2]float64{{1, 1}, {-1, -1}, {0.5, -0.5}, {2, 2}})
	got := make([]int16, 4)
	for i := range got {
		got[i] = int16(binary.LittleEndian.Uint16(pcm[2*i:]))
	}
	assert.Equal(t, []int16{32767, -32767, 0, 32767}, got)
}
