package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/mrsingh-rishi/live-transcribe/audio"
	"github.com/mrsingh-rishi/live-transcribe/broadcast"
	"github.com/mrsingh-rishi/live-transcribe/call"
	"github.com/mrsingh-rishi/live-transcribe/config"
	"github.com/mrsingh-rishi/live-transcribe/logger"
	"github.com/mrsingh-rishi/live-transcribe/metrics"
	"github.com/mrsingh-rishi/live-transcribe/server"
	"github.com/mrsingh-rishi/live-transcribe/stt"
)

func main() {
	configFile := flag.String("config", "", "path to a config file (yaml, json or toml)")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("Service stopped")
	}
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	ch, snapshots, err := newTransport(ctx, cfg, log, m)
	if err != nil {
		return err
	}
	defer ch.Close()

	var tokens stt.TokenSource
	if cfg.ASR.APIKey != "" {
		tokens = &stt.AssemblyAITokens{
			URL:    cfg.ASR.TokenURL,
			APIKey: cfg.ASR.APIKey,
			TTL:    cfg.ASR.TokenTTL,
		}
	}

	deps := call.Deps{
		SpeakerID:   cfg.Speaker.ID,
		SpeakerName: cfg.Speaker.Name,
		Audio: audio.Config{
			SampleRate:     cfg.Audio.SampleRate,
			FrameDuration:  cfg.Audio.FrameDuration,
			QueueSize:      cfg.Audio.QueueSize,
			ResumeInterval: cfg.Audio.ResumeInterval,
		},
		Channel:     ch,
		Snapshots:   snapshots,
		SnapshotTTL: cfg.Broadcast.SnapshotTTL,
		ChannelName: func(callID string) string { return cfg.Broadcast.ChannelPrefix + ":" + callID },
		Log:         log,
		Metrics:     m,
	}
	if cfg.Role == config.RoleHost {
		deps.ASR = stt.NewClient(stt.Config{
			URL:         cfg.ASR.URL,
			SampleRate:  cfg.Audio.SampleRate,
			FormatTurns: cfg.ASR.FormatTurns,
			SendQueue:   cfg.ASR.SendQueue,
			Reconnect:   cfg.ASR.Reconnect,
			Tokens:      tokens,
		}, logger.Component(log, "stt"), m)
	}

	manager := call.NewManager(newFactory(cfg, deps), logger.Component(log, "calls"), m)

	srv := server.New(server.Options{
		Role:         cfg.Role,
		Manager:      manager,
		Tokens:       tokens,
		TokenTTL:     cfg.ASR.TokenTTL,
		Gatherer:     reg,
		TwilioBuffer: cfg.Audio.SampleRate * 2,
		SocketBuffer: 64,
		Log:          logger.Component(log, "server"),
	})

	errc := make(chan error, 1)
	go func() {
		errc <- srv.Listen(cfg.Server.Addr)
	}()
	log.Info().Str("role", cfg.Role).Str("backend", cfg.Broadcast.Backend).Msg("Service started")

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	manager.Shutdown(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Server shutdown failed")
	}
	return nil
}

// newFactory builds host or viewer sessions depending on the configured role.
func newFactory(cfg *config.Config, deps call.Deps) call.Factory {
	if cfg.Role == config.RoleViewer {
		return func(ctx context.Context, callID string) (*call.Session, error) {
			return call.NewViewerSession(ctx, callID, deps)
		}
	}
	return func(_ context.Context, callID string) (*call.Session, error) {
		s, err := call.NewHostSession(callID, deps)
		if err != nil {
			return nil, err
		}
		if cfg.Audio.File != "" {
			s.SetSource(audio.NewFileSource(cfg.Audio.File, cfg.Audio.Loop))
		}
		return s, nil
	}
}

func newTransport(ctx context.Context, cfg *config.Config, log zerolog.Logger, m *metrics.Metrics) (broadcast.Channel, broadcast.SnapshotStore, error) {
	log = logger.Component(log, "broadcast")
	switch cfg.Broadcast.Backend {
	case "redis":
		rdb, err := broadcast.NewRedisClient(ctx, broadcast.RedisConfig{
			Addr:     cfg.Broadcast.Redis.Addr,
			Password: cfg.Broadcast.Redis.Password,
			DB:       cfg.Broadcast.Redis.DB,
		})
		if err != nil {
			return nil, nil, err
		}
		ch := broadcast.NewRedisChannel(rdb, log, m)
		return ch, ch, nil
	case "kafka":
		ch := broadcast.NewKafkaChannel(broadcast.KafkaConfig{
			Brokers:     cfg.Broadcast.Kafka.Brokers,
			Topic:       cfg.Broadcast.Kafka.Topic,
			GroupPrefix: cfg.Broadcast.Kafka.GroupPrefix,
		}, log, m)
		return ch, nil, nil
	default:
		ch := broadcast.NewMemoryChannel()
		return ch, ch, nil
	}
}
