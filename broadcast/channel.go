// Package broadcast relays a host's transcript events to viewers over a
// pub/sub channel with at-least-once delivery.
package broadcast

import (
	"context"
	"time"
)

// Handler receives the events of a subscription. OnMessage is called
// sequentially from the subscription goroutine. OnReconnect is called after
// the subscription recovers from a disconnect, before further messages.
type Handler struct {
	OnMessage    func(payload []byte)
	OnReconnect  func()
	OnDisconnect func(err error)
}

func (h Handler) message(payload []byte) {
	if h.OnMessage != nil {
		h.OnMessage(payload)
	}
}

func (h Handler) reconnect() {
	if h.OnReconnect != nil {
		h.OnReconnect()
	}
}

func (h Handler) disconnect(err error) {
	if h.OnDisconnect != nil {
		h.OnDisconnect(err)
	}
}

// Subscription is an active subscription to a named channel.
type Subscription interface {
	Close() error
}

// Channel is a named pub/sub transport.
type Channel interface {
	Publish(ctx context.Context, name string, payload []byte) error
	Subscribe(ctx context.Context, name string, h Handler) (Subscription, error)
	Close() error
}

// SnapshotStore keeps the latest state of a channel for late joiners.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, name string, data []byte, ttl time.Duration) error
	// LoadSnapshot returns nil data when no snapshot exists.
	LoadSnapshot(ctx context.Context, name string) ([]byte, error)
}

func snapshotKey(name string) string { return name + ":snapshot" }
