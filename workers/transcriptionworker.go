package workers

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/mrsingh-rishi/live-transcribe/model"
	"github.com/mrsingh-rishi/live-transcribe/transcript"
	"github.com/mrsingh-rishi/live-transcribe/turn"
)

// SegmentPublisher forwards host segments to viewers.
type SegmentPublisher interface {
	PublishSegment(ctx context.Context, seg model.TranscriptSegment) error
}

// TranscriptionWorker turns provider updates into transcript segments: it
// folds them into turns, applies the result to the local store and
// publishes it. Updates are processed one at a time in arrival order.
type TranscriptionWorker struct {
	ctx        context.Context
	cancel     context.CancelFunc
	input      <-chan model.TurnUpdate
	aggregator *turn.Aggregator
	writer     *transcript.Writer
	publisher  SegmentPublisher
	log        zerolog.Logger
	done       chan struct{}
}

func NewTranscriptionWorker(
	input <-chan model.TurnUpdate,
	aggregator *turn.Aggregator,
	writer *transcript.Writer,
	publisher SegmentPublisher,
	log zerolog.Logger,
) (*TranscriptionWorker, error) {
	if input == nil {
		return nil, fmt.Errorf("transcription input channel is required")
	}
	if aggregator == nil {
		return nil, fmt.Errorf("turn aggregator is required")
	}
	if writer == nil {
		return nil, fmt.Errorf("transcript writer is required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &TranscriptionWorker{
		ctx:        ctx,
		cancel:     cancel,
		input:      input,
		aggregator: aggregator,
		writer:     writer,
		publisher:  publisher,
		log:        log,
		done:       make(chan struct{}),
	}, nil
}

// Start processes updates until the input channel is closed or Stop is called.
func (tw *TranscriptionWorker) Start() {
	go func() {
		defer close(tw.done)
		defer tw.cancel()
		for {
			select {
			case <-tw.ctx.Done():
				return
			case update, ok := <-tw.input:
				if !ok {
					return
				}
				tw.Handle(update)
			}
		}
	}()
}

// Handle processes a single update synchronously.
func (tw *TranscriptionWorker) Handle(update model.TurnUpdate) turn.Emit {
	emit := tw.aggregator.Apply(update)
	if emit.Kind == turn.EmitNone {
		return emit
	}
	seg := emit.Segment

	if emit.Kind == turn.EmitPartial {
		tw.log.Debug().Str("segment", seg.ID).Int("revision", seg.Revision).Msgf("Got Partial Transcription: %s", seg.Text)
	} else {
		tw.log.Info().Str("segment", seg.ID).Str("kind", emit.Kind.String()).Msgf("Got Final Transcription: %s", seg.Text)
	}

	tw.writer.Apply(seg)
	if tw.publisher != nil {
		if err := tw.publisher.PublishSegment(tw.ctx, seg); err != nil {
			tw.log.Warn().Err(err).Str("segment", seg.ID).Msg("Segment not broadcast")
		}
	}
	return emit
}

// Done is closed when the worker has exited.
func (tw *TranscriptionWorker) Done() <-chan struct{} { return tw.done }

// Stop aborts processing without draining the input.
func (tw *TranscriptionWorker) Stop() {
	tw.cancel()
	<-tw.done
}
