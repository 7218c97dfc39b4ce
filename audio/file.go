package audio

import (
	"context"
	"os"
	"sync"

	"github.com/gopxl/beep"
	"github.com/gopxl/beep/wav"
	"github.com/pkg/errors"
)

// FileSource plays a WAV file as if it were a microphone. When Loop is set the
// file restarts at its end; otherwise capture continues with silence.
type FileSource struct {
	Path string
	Loop bool

	mu      sync.Mutex
	decoder beep.StreamSeekCloser
}

func NewFileSource(path string, loop bool) *FileSource {
	return &FileSource{Path: path, Loop: loop}
}

func (s *FileSource) Name() string { return "file:" + s.Path }

func (s *FileSource) Acquire(context.Context) (beep.Streamer, beep.Format, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.decoder != nil {
		return nil, beep.Format{}, ErrDeviceBusy
	}
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, beep.Format{}, errors.Wrap(err, "open wav")
	}
	dec, format, err := wav.Decode(f)
	if err != nil {
		f.Close()
		return nil, beep.Format{}, errors.Wrap(err, "decode wav")
	}
	s.decoder = dec
	if !s.Loop {
		return dec, format, nil
	}
	return beep.StreamerFunc(func(samples [][2]float64) (int, bool) {
		n, ok := dec.Stream(samples)
		if ok && n == len(samples) {
			return n, true
		}
		if dec.Err() != nil {
			return n, n > 0
		}
		if err := dec.Seek(0); err != nil {
			return n, n > 0
		}
		m, _ := dec.Stream(samples[n:])
		return n + m, n+m > 0
	}), format, nil
}

func (s *FileSource) Suspended() bool { return false }

func (s *FileSource) Resume() error { return nil }

func (s *FileSource) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.decoder == nil {
		return nil
	}
	err := s.decoder.Close()
	s.decoder = nil
	return err
}
