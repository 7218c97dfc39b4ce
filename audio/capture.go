// Package audio turns an input device into a steady stream of fixed-size
// PCM16 mono frames.
package audio

import (
	"context"
	"encoding/binary"
	"fmt"
	"iter"
	"math"
	"sync"
	"time"

	"github.com/gopxl/beep"
	"github.com/rs/zerolog"

	"github.com/mrsingh-rishi/live-transcribe/metrics"
	"github.com/mrsingh-rishi/live-transcribe/model"
	"github.com/mrsingh-rishi/live-transcribe/queue"
)

const resampleQuality = 4

// Config describes the normalized output of a Capture.
type Config struct {
	SampleRate     int
	FrameDuration  time.Duration
	QueueSize      int
	ResumeInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.FrameDuration <= 0 {
		c.FrameDuration = 50 * time.Millisecond
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 32
	}
	if c.ResumeInterval <= 0 {
		c.ResumeInterval = time.Second
	}
}

// SamplesPerFrame returns the number of mono samples in one frame.
func (c Config) SamplesPerFrame() int {
	return beep.SampleRate(c.SampleRate).N(c.FrameDuration)
}

// Capture reads a Source on a fixed cadence and queues PCM16 frames. Frames
// are produced whether or not anyone consumes them; when the queue is full
// the oldest frame is dropped.
type Capture struct {
	src     Source
	cfg     Config
	log     zerolog.Logger
	metrics *metrics.Metrics
	frames  *queue.Queue[model.AudioFrame]
	onError func(error)

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

func NewCapture(src Source, cfg Config, log zerolog.Logger, m *metrics.Metrics) *Capture {
	cfg.applyDefaults()
	return &Capture{
		src:     src,
		cfg:     cfg,
		log:     log.With().Str("device", src.Name()).Logger(),
		metrics: m,
		frames:  queue.New[model.AudioFrame](cfg.QueueSize),
		onError: func(error) {},
	}
}

// OnError registers a callback for non-fatal capture problems such as a
// failed resume. It must be set before Start.
func (c *Capture) OnError(fn func(error)) {
	if fn != nil {
		c.onError = fn
	}
}

// Start acquires the device and begins producing frames. A Capture can be
// started again after Stop; the frame sequence then restarts at zero.
func (c *Capture) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return ErrAlreadyRunning
	}

	stream, format, err := c.src.Acquire(ctx)
	if err != nil {
		c.log.Error().Err(err).Msg("Audio device acquisition failed")
		return &AcquisitionError{Device: c.src.Name(), Err: err}
	}
	if format.SampleRate <= 0 {
		_ = c.src.Release()
		return &AcquisitionError{Device: c.src.Name(), Err: fmt.Errorf("invalid sample rate %d", format.SampleRate)}
	}

	target := beep.SampleRate(c.cfg.SampleRate)
	if format.SampleRate != target {
		stream = beep.Resample(resampleQuality, format.SampleRate, target, stream)
	}

	c.frames.Reset()
	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	c.running = true
	go c.run(runCtx, stream, c.done)

	c.log.Info().
		Int("native_rate", int(format.SampleRate)).
		Int("native_channels", format.NumChannels).
		Int("rate", c.cfg.SampleRate).
		Dur("frame", c.cfg.FrameDuration).
		Msg("Audio capture started")
	return nil
}

// Stop halts capture and waits until the device has been released.
func (c *Capture) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Active reports whether the capture loop is running.
func (c *Capture) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Next blocks until a frame is available or ctx is done.
func (c *Capture) Next(ctx context.Context) (model.AudioFrame, error) {
	return c.frames.Wait(ctx)
}

// Frames returns a lazy sequence of frames that ends when ctx is done.
func (c *Capture) Frames(ctx context.Context) iter.Seq[model.AudioFrame] {
	return func(yield func(model.AudioFrame) bool) {
		for {
			frame, err := c.frames.Wait(ctx)
			if err != nil {
				return
			}
			if !yield(frame) {
				return
			}
		}
	}
}

func (c *Capture) run(ctx context.Context, stream beep.Streamer, done chan struct{}) {
	defer close(done)
	defer c.release()
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("capture loop panic: %v", r)
			c.log.Error().Err(err).Msg("Audio capture aborted")
			c.onError(err)
		}
	}()

	ticker := time.NewTicker(c.cfg.FrameDuration)
	defer ticker.Stop()
	watchdog := time.NewTicker(c.cfg.ResumeInterval)
	defer watchdog.Stop()

	buf := make([][2]float64, c.cfg.SamplesPerFrame())
	var seq uint64
	exhausted := false

	for {
		select {
		case <-ctx.Done():
			return
		case <-watchdog.C:
			c.resumeIfSuspended()
		case now := <-ticker.C:
			c.resumeIfSuspended()

			n := 0
			if !exhausted {
				var ok bool
				n, ok = stream.Stream(buf)
				if !ok {
					exhausted = true
					if err := stream.Err(); err != nil {
						c.log.Warn().Err(err).Msg("Audio stream failed, continuing with silence")
						c.onError(err)
					} else {
						c.log.Debug().Msg("Audio stream ended, continuing with silence")
					}
				}
			}
			for i := n; i < len(buf); i++ {
				buf[i] = [2]float64{}
			}

			frame := model.AudioFrame{Seq: seq, CapturedAt: now, PCM: EncodePCM16(buf)}
			seq++
			c.metrics.FramesCaptured.Inc()
			if c.frames.Enqueue(frame) {
				c.metrics.CaptureDropped.Inc()
			}
		}
	}
}

func (c *Capture) resumeIfSuspended() {
	if !c.src.Suspended() {
		return
	}
	c.log.Debug().Msg("Audio device suspended, resuming")
	if err := c.src.Resume(); err != nil {
		c.metrics.ResumeFailures.Inc()
		c.log.Warn().Err(err).Msg("Audio device resume failed")
		c.onError(&ResumeError{Device: c.src.Name(), Err: err})
	}
}

func (c *Capture) release() {
	if err := c.src.Release(); err != nil {
		c.log.Warn().Err(err).Msg("Audio device release failed")
	}
	c.mu.Lock()
	c.running = false
	c.cancel = nil
	c.mu.Unlock()
	c.log.Info().Msg("Audio capture stopped")
}

// EncodePCM16 downmixes stereo samples to mono and encodes them as
// little-endian signed 16-bit PCM.
func EncodePCM16(samples [][2]float64) []byte {
	out := make([]byte, 2*len(samples))
	for i, s := range samples {
		v := (s[0] + s[1]) / 2
		v = math.Max(-1, math.Min(1, v))
		binary.LittleEndian.PutUint16(out[2*i:], uint16(int16(math.Round(v*math.MaxInt16))))
	}
	return out
}
