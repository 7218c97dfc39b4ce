package broadcast

import (
	"context"
	"sync"
	"time"
)

// MemoryChannel delivers messages in process, synchronously on the
// publisher's goroutine. It also implements SnapshotStore.
type MemoryChannel struct {
	mu        sync.Mutex
	subs      map[string]map[int]Handler
	next      int
	snapshots map[string][]byte
}

func NewMemoryChannel() *MemoryChannel {
	return &MemoryChannel{
		subs:      make(map[string]map[int]Handler),
		snapshots: make(map[string][]byte),
	}
}

func (c *MemoryChannel) Publish(_ context.Context, name string, payload []byte) error {
	c.mu.Lock()
	handlers := make([]Handler, 0, len(c.subs[name]))
	for _, h := range c.subs[name] {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()

	for _, h := range handlers {
		h.message(append([]byte(nil), payload...))
	}
	return nil
}

func (c *MemoryChannel) Subscribe(_ context.Context, name string, h Handler) (Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subs[name] == nil {
		c.subs[name] = make(map[int]Handler)
	}
	id := c.next
	c.next++
	c.subs[name][id] = h
	return &memorySubscription{ch: c, name: name, id: id}, nil
}

// Reconnect simulates a transport recovery on every subscription of name.
func (c *MemoryChannel) Reconnect(name string) {
	c.mu.Lock()
	handlers := make([]Handler, 0, len(c.subs[name]))
	for _, h := range c.subs[name] {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()
	for _, h := range handlers {
		h.reconnect()
	}
}

func (c *MemoryChannel) SaveSnapshot(_ context.Context, name string, data []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshots[snapshotKey(name)] = append([]byte(nil), data...)
	return nil
}

func (c *MemoryChannel) LoadSnapshot(_ context.Context, name string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshots[snapshotKey(name)], nil
}

func (c *MemoryChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = make(map[string]map[int]Handler)
	return nil
}

type memorySubscription struct {
	ch   *MemoryChannel
	name string
	id   int
}

func (s *memorySubscription) Close() error {
	s.ch.mu.Lock()
	defer s.ch.mu.Unlock()
	delete(s.ch.subs[s.name], s.id)
	return nil
}
