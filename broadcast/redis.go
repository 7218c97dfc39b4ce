package broadcast

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mrsingh-rishi/live-transcribe/metrics"
)

// RedisConfig configures the Redis connection.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisClient connects to Redis and verifies the connection.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, errors.Wrapf(err, "redis ping %s", cfg.Addr)
	}
	return rdb, nil
}

// RedisChannel is a Channel over Redis pub/sub. Snapshots are stored as
// plain keys next to the channel.
type RedisChannel struct {
	rdb        *redis.Client
	log        zerolog.Logger
	metrics    *metrics.Metrics
	NewBackOff func() backoff.BackOff
}

func NewRedisChannel(rdb *redis.Client, log zerolog.Logger, m *metrics.Metrics) *RedisChannel {
	return &RedisChannel{
		rdb:     rdb,
		log:     log,
		metrics: m,
		NewBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 250 * time.Millisecond
			b.MaxInterval = 10 * time.Second
			return b
		},
	}
}

func (c *RedisChannel) Publish(ctx context.Context, name string, payload []byte) error {
	if err := c.rdb.Publish(ctx, name, payload).Err(); err != nil {
		return errors.Wrapf(err, "publish to %s", name)
	}
	return nil
}

// Subscribe confirms the subscription with the server before returning.
// After a disconnect the subscription is retried with backoff until it is
// closed; the handler's OnReconnect runs once it is back.
func (c *RedisChannel) Subscribe(ctx context.Context, name string, h Handler) (Subscription, error) {
	ps := c.rdb.Subscribe(ctx, name)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, errors.Wrapf(ErrChannelDisconnect, "subscribe to %s: %v", name, err)
	}

	subCtx, cancel := context.WithCancel(context.Background())
	sub := &redisSubscription{ps: ps, cancel: cancel, done: make(chan struct{})}
	go c.receive(subCtx, name, ps, h, sub.done)
	return sub, nil
}

func (c *RedisChannel) receive(ctx context.Context, name string, ps *redis.PubSub, h Handler, done chan struct{}) {
	defer close(done)
	log := c.log.With().Str("channel", name).Logger()
	b := c.NewBackOff()
	down := false

	recovered := func() {
		if !down {
			return
		}
		down = false
		b.Reset()
		log.Info().Msg("Messaging channel reconnected")
		h.reconnect()
	}

	for {
		msg, err := ps.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !down {
				down = true
				c.metrics.ChannelDisconnect.Inc()
				log.Warn().Err(err).Msg("Messaging channel disconnected, retrying")
				h.disconnect(errors.Wrap(ErrChannelDisconnect, err.Error()))
			}
			timer := time.NewTimer(b.NextBackOff())
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			continue
		}

		switch m := msg.(type) {
		case *redis.Subscription:
			recovered()
		case *redis.Message:
			recovered()
			h.message([]byte(m.Payload))
		}
	}
}

func (c *RedisChannel) SaveSnapshot(ctx context.Context, name string, data []byte, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, snapshotKey(name), data, ttl).Err(); err != nil {
		return errors.Wrapf(err, "save snapshot of %s", name)
	}
	return nil
}

func (c *RedisChannel) LoadSnapshot(ctx context.Context, name string) ([]byte, error) {
	data, err := c.rdb.Get(ctx, snapshotKey(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load snapshot of %s", name)
	}
	return data, nil
}

func (c *RedisChannel) Close() error {
	return c.rdb.Close()
}

type redisSubscription struct {
	ps     *redis.PubSub
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *redisSubscription) Close() error {
	s.cancel()
	err := s.ps.Close()
	<-s.done
	return err
}
