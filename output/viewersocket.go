package output

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/mrsingh-rishi/live-transcribe/model"
	"github.com/mrsingh-rishi/live-transcribe/transcript"
)

// Conn is the part of a websocket connection ViewerSocket uses.
type Conn interface {
	WriteJSON(v interface{}) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// Message is what a consumer receives over the socket.
type Message struct {
	Type     string                   `json:"type"`
	Segment  *model.TranscriptSegment `json:"segment,omitempty"`
	Snapshot *transcript.Snapshot     `json:"snapshot,omitempty"`
}

const (
	MessageSnapshot = "snapshot"
	MessageSegment  = "segment"
	MessageClear    = "clear"
	MessageStatus   = "status"
)

// ViewerSocket pushes transcript updates to one websocket consumer. Push
// never blocks; when the consumer falls behind, queued updates are dropped
// and a fresh snapshot is sent instead.
type ViewerSocket struct {
	ctx      context.Context
	cancel   context.CancelFunc
	updates  chan transcript.Update
	ws       Conn
	snapshot func() transcript.Snapshot
	log      zerolog.Logger
	resync   atomic.Bool
	done     chan struct{}
}

func NewViewerSocket(ws Conn, snapshot func() transcript.Snapshot, buffer int, log zerolog.Logger) (*ViewerSocket, error) {
	if ws == nil {
		return nil, fmt.Errorf("websocket connection is required")
	}
	if snapshot == nil {
		return nil, fmt.Errorf("snapshot function is required")
	}
	if buffer <= 0 {
		buffer = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ViewerSocket{
		ctx:      ctx,
		cancel:   cancel,
		updates:  make(chan transcript.Update, buffer),
		ws:       ws,
		snapshot: snapshot,
		log:      log,
		done:     make(chan struct{}),
	}, nil
}

// Push queues u for delivery. It is meant to be a store subscriber.
func (o *ViewerSocket) Push(u transcript.Update) {
	select {
	case o.updates <- u:
	default:
		o.resync.Store(true)
	}
}

// Start begins delivering queued updates.
func (o *ViewerSocket) Start() {
	go func() {
		defer close(o.done)
		for {
			select {
			case <-o.ctx.Done():
				return
			case u := <-o.updates:
				if err := o.send(u); err != nil {
					o.log.Debug().Err(err).Msg("ViewerSocket write error")
					o.cancel()
					return
				}
				if o.resync.CompareAndSwap(true, false) {
					o.drain()
					snap := o.snapshot()
					if err := o.ws.WriteJSON(Message{Type: MessageSnapshot, Snapshot: &snap}); err != nil {
						o.cancel()
						return
					}
				}
			}
		}
	}()
}

// Run starts delivery and blocks until the consumer disconnects or Stop is
// called. Incoming messages are discarded.
func (o *ViewerSocket) Run() {
	o.Start()
	go func() {
		for {
			if _, _, err := o.ws.ReadMessage(); err != nil {
				o.cancel()
				return
			}
		}
	}()
	<-o.done
}

func (o *ViewerSocket) drain() {
	for {
		select {
		case <-o.updates:
		default:
			return
		}
	}
}

func (o *ViewerSocket) send(u transcript.Update) error {
	msg := Message{}
	switch u.Kind {
	case transcript.UpdateSegment:
		seg := u.Segment
		msg.Type, msg.Segment = MessageSegment, &seg
	case transcript.UpdateSnapshot:
		msg.Type = MessageSnapshot
	case transcript.UpdateClear:
		msg.Type = MessageClear
	case transcript.UpdateStatus:
		msg.Type = MessageStatus
	}
	if msg.Segment == nil {
		snap := u.Snapshot
		msg.Snapshot = &snap
	}
	return o.ws.WriteJSON(msg)
}

func (o *ViewerSocket) Stop() {
	o.cancel()
	if o.ws != nil {
		o.ws.Close()
	}
	<-o.done
}
