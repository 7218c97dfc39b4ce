package audio

import (
	"context"
	"encoding/base64"
	"sync"
	"time"

	"github.com/gopxl/beep"
	"github.com/pkg/errors"
)

// TwilioSampleRate is the rate of Twilio media stream payloads (8 kHz μ-law).
const TwilioSampleRate = beep.SampleRate(8000)

// TwilioSource buffers μ-law audio pushed from a Twilio media stream. Reads
// never block: missing audio is rendered as silence and audio older than the
// buffer limit is discarded.
type TwilioSource struct {
	streamSid string
	limit     int

	mu       sync.Mutex
	samples  []float64
	acquired bool
	closed   bool
}

// NewTwilioSource creates a source that keeps at most maxBuffered samples.
func NewTwilioSource(streamSid string, maxBuffered int) *TwilioSource {
	if maxBuffered <= 0 {
		maxBuffered = TwilioSampleRate.N(time.Second)
	}
	return &TwilioSource{streamSid: streamSid, limit: maxBuffered}
}

func (s *TwilioSource) Name() string { return "twilio:" + s.streamSid }

// WritePayload decodes a base64 media payload and appends it to the buffer.
func (s *TwilioSource) WritePayload(payload string) error {
	chunk, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return errors.Wrap(err, "decode media payload")
	}
	s.Write(chunk)
	return nil
}

// Write appends raw μ-law bytes.
func (s *TwilioSource) Write(ulaw []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for _, b := range ulaw {
		s.samples = append(s.samples, float64(DecodeULaw(b))/32768)
	}
	if over := len(s.samples) - s.limit; over > 0 {
		s.samples = append(s.samples[:0], s.samples[over:]...)
	}
}

// Close marks the media stream as finished; buffered audio is still served.
func (s *TwilioSource) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

// Buffered returns the number of samples waiting to be read.
func (s *TwilioSource) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.samples)
}

func (s *TwilioSource) Acquire(context.Context) (beep.Streamer, beep.Format, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, beep.Format{}, ErrDeviceClosed
	}
	if s.acquired {
		return nil, beep.Format{}, ErrDeviceBusy
	}
	s.acquired = true
	return beep.StreamerFunc(s.stream), beep.Format{SampleRate: TwilioSampleRate, NumChannels: 1, Precision: 2}, nil
}

func (s *TwilioSource) stream(out [][2]float64) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := copyMono(out, s.samples)
	s.samples = append(s.samples[:0], s.samples[n:]...)
	if s.closed && n == 0 {
		return 0, false
	}
	for i := n; i < len(out); i++ {
		out[i] = [2]float64{}
	}
	return len(out), true
}

func copyMono(out [][2]float64, mono []float64) int {
	n := min(len(out), len(mono))
	for i := 0; i < n; i++ {
		out[i] = [2]float64{mono[i], mono[i]}
	}
	return n
}

func (s *TwilioSource) Suspended() bool { return false }

func (s *TwilioSource) Resume() error { return nil }

func (s *TwilioSource) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acquired = false
	return nil
}

// DecodeULaw expands one G.711 μ-law byte to a linear 16-bit sample.
func DecodeULaw(u byte) int16 {
	u = ^u
	exponent := (u >> 4) & 0x07
	mantissa := int(u & 0x0f)
	sample := ((mantissa << 3) + 0x84) << exponent
	sample -= 0x84
	if u&0x80 != 0 {
		return int16(-sample)
	}
	return int16(sample)
}
