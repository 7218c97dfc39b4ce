package workers

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/mrsingh-rishi/live-transcribe/model"
)

// FrameSource yields captured audio frames.
type FrameSource interface {
	Next(ctx context.Context) (model.AudioFrame, error)
}

// FrameSink accepts frames without blocking.
type FrameSink interface {
	SendFrame(frame model.AudioFrame) bool
}

// AudioWorker pumps frames from capture to the speech session.
type AudioWorker struct {
	ctx     context.Context
	cancel  context.CancelFunc
	source  FrameSource
	sink    FrameSink
	log     zerolog.Logger
	done    chan struct{}
	sent    atomic.Uint64
	dropped atomic.Uint64
}

func NewAudioWorker(source FrameSource, sink FrameSink, log zerolog.Logger) (*AudioWorker, error) {
	if source == nil {
		return nil, fmt.Errorf("frame source is required")
	}
	if sink == nil {
		return nil, fmt.Errorf("frame sink is required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &AudioWorker{
		ctx:    ctx,
		cancel: cancel,
		source: source,
		sink:   sink,
		log:    log,
		done:   make(chan struct{}),
	}, nil
}

func (aw *AudioWorker) Start() {
	go aw.process()
}

func (aw *AudioWorker) process() {
	defer close(aw.done)
	for {
		frame, err := aw.source.Next(aw.ctx)
		if err != nil {
			aw.log.Debug().
				Uint64("sent", aw.sent.Load()).
				Uint64("dropped", aw.dropped.Load()).
				Msg("AudioWorker: Shutting down")
			return
		}
		if aw.sink.SendFrame(frame) {
			aw.sent.Add(1)
		} else {
			aw.dropped.Add(1)
		}
	}
}

// Sent returns how many frames the sink accepted.
func (aw *AudioWorker) Sent() uint64 { return aw.sent.Load() }

// Dropped returns how many frames the sink refused.
func (aw *AudioWorker) Dropped() uint64 { return aw.dropped.Load() }

func (aw *AudioWorker) Stop() {
	aw.cancel()
	<-aw.done
}
