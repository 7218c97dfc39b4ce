package call

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mrsingh-rishi/live-transcribe/audio"
	"github.com/mrsingh-rishi/live-transcribe/broadcast"
	"github.com/mrsingh-rishi/live-transcribe/metrics"
	"github.com/mrsingh-rishi/live-transcribe/model"
	"github.com/mrsingh-rishi/live-transcribe/stt"
	"github.com/mrsingh-rishi/live-transcribe/transcript"
	"github.com/mrsingh-rishi/live-transcribe/turn"
	"github.com/mrsingh-rishi/live-transcribe/workers"
)

var (
	ErrNotHost        = errors.New("operation requires the host role")
	ErrNoSource       = errors.New("no audio source attached")
	ErrAlreadyRunning = errors.New("transcription already running")
)

// Deps are the shared services a Session is built from.
type Deps struct {
	Role        transcript.Role
	SpeakerID   string
	SpeakerName string
	Audio       audio.Config
	ASR         *stt.Client
	Channel     broadcast.Channel
	Snapshots   broadcast.SnapshotStore
	SnapshotTTL time.Duration
	// ChannelName maps a call id to its broadcast channel name.
	ChannelName func(callID string) string
	Log         zerolog.Logger
	Metrics     *metrics.Metrics
	Now         func() time.Time
}

func (d *Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// Session is the transcription pipeline of one call. A host session owns
// capture, the speech session and the publishing side of the relay; a
// viewer session follows the host's channel. Pipeline errors never end the
// call; they are logged and reported on Errors.
type Session struct {
	id    string
	deps  Deps
	log   zerolog.Logger
	store *transcript.Store
	write *transcript.Writer
	relay *broadcast.Relay
	errs  chan error

	// host
	aggregator *turn.Aggregator

	mu          sync.Mutex
	source      audio.Source
	capture     *audio.Capture
	asr         *stt.Session
	updates     chan model.TurnUpdate
	audioWorker *workers.AudioWorker
	transcriber *workers.TranscriptionWorker
	running     bool

	// viewer
	sub broadcast.Subscription
}

func newSession(id string, deps Deps) (*Session, error) {
	log := deps.Log.With().Str("call", id).Str("role", string(deps.Role)).Logger()
	store := transcript.NewStore(log, deps.Metrics)
	w, err := store.Writer(deps.Role)
	if err != nil {
		return nil, err
	}
	name := id
	if deps.ChannelName != nil {
		name = deps.ChannelName(id)
	}
	var relay *broadcast.Relay
	if deps.Channel != nil {
		relay = broadcast.NewRelay(broadcast.RelayConfig{
			Channel:     deps.Channel,
			Snapshots:   deps.Snapshots,
			SnapshotTTL: deps.SnapshotTTL,
			Name:        name,
		}, log, deps.Metrics)
	}
	return &Session{
		id:    id,
		deps:  deps,
		log:   log,
		store: store,
		write: w,
		relay: relay,
		errs:  make(chan error, 16),
	}, nil
}

// NewHostSession creates the host pipeline of a call. Audio starts flowing
// only after a source is attached and StartHost is called.
func NewHostSession(id string, deps Deps) (*Session, error) {
	deps.Role = transcript.RoleHost
	if deps.ASR == nil {
		return nil, errors.New("host session requires a speech client")
	}
	s, err := newSession(id, deps)
	if err != nil {
		return nil, err
	}
	s.aggregator = turn.New(deps.SpeakerID, deps.SpeakerName)
	return s, nil
}

// NewViewerSession creates a viewer pipeline and subscribes it to the
// host's channel.
func NewViewerSession(ctx context.Context, id string, deps Deps) (*Session, error) {
	deps.Role = transcript.RoleViewer
	if deps.Channel == nil {
		return nil, errors.New("viewer session requires a broadcast channel")
	}
	s, err := newSession(id, deps)
	if err != nil {
		return nil, err
	}
	sub, err := s.relay.Follow(ctx, s.write)
	if err != nil {
		return nil, err
	}
	s.sub = sub
	return s, nil
}

func (s *Session) ID() string { return s.id }

func (s *Session) Role() transcript.Role { return s.deps.Role }

// Store exposes the session's transcript for read-only consumers.
func (s *Session) Store() *transcript.Store { return s.store }

// Errors reports non-fatal pipeline problems. Notices are dropped when
// nobody reads them.
func (s *Session) Errors() <-chan error { return s.errs }

func (s *Session) report(err error) {
	select {
	case s.errs <- err:
	default:
	}
}

// SetSource attaches the audio input used by the next StartHost.
func (s *Session) SetSource(src audio.Source) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.source = src
}

// Running reports whether host transcription is active.
func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// StartHost acquires the audio source, opens a speech session and starts
// publishing segments. Acquisition and connect failures are returned and
// leave nothing running.
func (s *Session) StartHost(ctx context.Context) error {
	if s.deps.Role != transcript.RoleHost {
		return ErrNotHost
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}
	if s.source == nil {
		return ErrNoSource
	}

	capture := audio.NewCapture(s.source, s.deps.Audio, s.log, s.deps.Metrics)
	capture.OnError(func(err error) {
		s.log.Warn().Err(err).Msg("Audio capture problem")
		s.report(err)
	})
	if err := capture.Start(ctx); err != nil {
		return err
	}

	s.aggregator.Reset()
	updates := make(chan model.TurnUpdate, 64)
	asr, err := s.deps.ASR.Connect(ctx, stt.Handler{
		OnOpen: func(id string) {
			s.log.Info().Str("asr_session", id).Msg("Speech session open")
		},
		OnTranscript: func(u model.TurnUpdate) {
			updates <- u
		},
		OnError: func(err error) {
			if stt.IsTransient(err) {
				s.log.Warn().Err(err).Msg("Speech session degraded; recording continues")
			}
			s.report(err)
		},
		OnClose: func(code int, reason string) {
			s.log.Info().Int("code", code).Str("reason", reason).Msg("Speech socket closed")
		},
	})
	if err != nil {
		capture.Stop()
		return err
	}

	var publisher workers.SegmentPublisher
	if s.relay != nil {
		publisher = s.relay
	}
	transcriber, err := workers.NewTranscriptionWorker(updates, s.aggregator, s.write, publisher, s.log)
	if err != nil {
		asr.Stop(ctx)
		capture.Stop()
		return err
	}
	audioWorker, err := workers.NewAudioWorker(capture, asr, s.log)
	if err != nil {
		asr.Stop(ctx)
		capture.Stop()
		return err
	}
	transcriber.Start()
	audioWorker.Start()

	s.capture, s.asr, s.updates = capture, asr, updates
	s.transcriber, s.audioWorker = transcriber, audioWorker
	s.running = true

	at := s.deps.now()
	s.write.SetStatus(true, at)
	if s.relay != nil {
		if err := s.relay.PublishStatus(ctx, true, at); err != nil {
			s.report(err)
		}
	}
	s.log.Info().Msg("Host transcription started")
	return nil
}

// Stop ends host transcription. The provider is asked to flush pending
// turns before the socket closes, and the current text is archived.
func (s *Session) Stop(ctx context.Context) error {
	if s.deps.Role != transcript.RoleHost {
		return ErrNotHost
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked(ctx)
}

func (s *Session) stopLocked(ctx context.Context) error {
	if !s.running {
		return nil
	}

	s.audioWorker.Stop()
	err := s.asr.Stop(ctx)
	// no more transcript callbacks after the speech session stopped
	close(s.updates)
	<-s.transcriber.Done()
	s.capture.Stop()

	s.running = false
	s.capture, s.asr, s.updates, s.audioWorker, s.transcriber = nil, nil, nil, nil, nil

	s.write.Archive()
	at := s.deps.now()
	s.write.SetStatus(false, at)
	if s.relay != nil {
		if perr := s.relay.PublishStatus(ctx, false, at); perr != nil {
			s.report(perr)
		}
	}
	s.log.Info().Msg("Host transcription stopped")
	return err
}

// Clear wipes the transcript everywhere and turns transcription off. A
// running host pipeline is stopped first. Only the host may clear.
func (s *Session) Clear(ctx context.Context) error {
	if s.deps.Role != transcript.RoleHost {
		return ErrNotHost
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.stopLocked(ctx); err != nil {
		s.report(err)
	}
	at := s.deps.now()
	s.write.Clear(at)
	if s.relay != nil {
		return s.relay.PublishClear(ctx, at)
	}
	return nil
}

// Subscribe delivers a snapshot followed by every change to fn.
func (s *Session) Subscribe(fn func(transcript.Update)) (cancel func()) {
	return s.store.Subscribe(fn)
}

func (s *Session) Snapshot() transcript.Snapshot { return s.store.Snapshot() }

// Download returns the downloadable transcript and its file name.
func (s *Session) Download(now time.Time) (name, body string) {
	return transcript.DownloadName(now), s.store.Download()
}

// Close tears the session down: host transcription is stopped, a viewer
// leaves the channel and the transcript is reset.
func (s *Session) Close(ctx context.Context) error {
	var err error
	if s.deps.Role == transcript.RoleHost {
		err = s.Stop(ctx)
	}
	if s.sub != nil {
		if cerr := s.sub.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	s.write.Reset()
	return err
}
