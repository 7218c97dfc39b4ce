package broadcast

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/mrsingh-rishi/live-transcribe/metrics"
)

// KafkaConfig configures the Kafka transport. Every channel shares one
// topic; the channel name is the message key.
type KafkaConfig struct {
	Brokers     []string
	Topic       string
	GroupPrefix string
}

// KafkaChannel is a Channel over a Kafka topic. Each subscription uses its
// own consumer group starting at the earliest offset, so a late joiner
// replays the channel's history instead of reading a snapshot.
type KafkaChannel struct {
	cfg        KafkaConfig
	writer     *kafka.Writer
	log        zerolog.Logger
	metrics    *metrics.Metrics
	NewBackOff func() backoff.BackOff
}

func NewKafkaChannel(cfg KafkaConfig, log zerolog.Logger, m *metrics.Metrics) *KafkaChannel {
	if cfg.GroupPrefix == "" {
		cfg.GroupPrefix = "live-transcribe"
	}
	return &KafkaChannel{
		cfg: cfg,
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Topic:                  cfg.Topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireOne,
			BatchTimeout:           10 * time.Millisecond,
			AllowAutoTopicCreation: true,
		},
		log:     log,
		metrics: m,
		NewBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxInterval = 30 * time.Second
			return b
		},
	}
}

func (c *KafkaChannel) Publish(ctx context.Context, name string, payload []byte) error {
	err := c.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(name),
		Value: payload,
		Time:  time.Now(),
	})
	if err != nil {
		return errors.Wrapf(err, "publish to %s", name)
	}
	return nil
}

func (c *KafkaChannel) Subscribe(_ context.Context, name string, h Handler) (Subscription, error) {
	groupID := fmt.Sprintf("%s-%s", c.cfg.GroupPrefix, uuid.NewString())
	log := c.log.With().Str("channel", name).Str("group", groupID).Logger()

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     c.cfg.Brokers,
		Topic:       c.cfg.Topic,
		GroupID:     groupID,
		StartOffset: kafka.FirstOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     500 * time.Millisecond,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			log.Error().Msgf("reader: "+msg, args...)
		}),
	})

	ctx, cancel := context.WithCancel(context.Background())
	sub := &kafkaSubscription{reader: reader, cancel: cancel, done: make(chan struct{})}
	go c.consume(ctx, name, reader, h, log, sub.done)
	log.Info().Msg("Kafka subscription started")
	return sub, nil
}

// messageReader is the part of *kafka.Reader a subscription consumes.
type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

func (c *KafkaChannel) consume(ctx context.Context, name string, reader messageReader, h Handler, log zerolog.Logger, done chan struct{}) {
	defer close(done)
	b := c.NewBackOff()
	down := false

	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !down {
				down = true
				c.metrics.ChannelDisconnect.Inc()
				log.Warn().Err(err).Msg("Kafka read failed, retrying")
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
		if down {
			down = false
			b.Reset()
			log.Info().Msg("Kafka subscription recovered")
			h.reconnect()
		}
		if string(msg.Key) != name {
			continue
		}
		h.message(msg.Value)
	}
}

func (c *KafkaChannel) Close() error {
	return c.writer.Close()
}

type kafkaSubscription struct {
	reader *kafka.Reader
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *kafkaSubscription) Close() error {
	s.cancel()
	<-s.done
	return s.reader.Close()
}
