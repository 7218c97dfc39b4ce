// Package server exposes call control, transcript access and audio ingress
// over HTTP and websockets.
package server

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/websocket/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/mrsingh-rishi/live-transcribe/audio"
	"github.com/mrsingh-rishi/live-transcribe/call"
	"github.com/mrsingh-rishi/live-transcribe/stt"
)

// Options configures a Server.
type Options struct {
	Role     string
	Manager  *call.Manager
	Tokens   stt.TokenSource
	TokenTTL time.Duration
	Gatherer prometheus.Gatherer
	// TwilioBuffer bounds buffered Twilio audio, in samples.
	TwilioBuffer int
	// SocketBuffer bounds queued updates per websocket consumer.
	SocketBuffer int
	Log          zerolog.Logger
}

type Server struct {
	opts Options
	app  *fiber.App
	log  zerolog.Logger
}

func New(opts Options) *Server {
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		opts: opts,
		app: fiber.New(fiber.Config{
			DisableStartupMessage: true,
			ErrorHandler:          errorHandler,
		}),
		log: opts.Log,
	}
	s.routes()
	return s
}

// App returns the underlying fiber application.
func (s *Server) App() *fiber.App { return s.app }

func (s *Server) Listen(addr string) error {
	s.log.Info().Str("addr", addr).Msg("Fiber server listening")
	return s.app.Listen(addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) routes() {
	s.app.Get("/healthz", s.health)
	s.app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{})))
	s.app.Get("/api/asr-token", s.asrToken)

	calls := s.app.Group("/calls/:id")
	calls.Post("/events", s.callEvent)
	calls.Post("/transcription/start", s.startTranscription)
	calls.Post("/transcription/stop", s.stopTranscription)
	calls.Post("/transcription/clear", s.clearTranscription)
	calls.Get("/transcript", s.transcript)
	calls.Get("/transcript.txt", s.download)
	calls.Get("/ws", requireUpgrade, websocket.New(s.viewerSocket))

	// Twilio media stream ingress
	s.app.Get("/stream", requireUpgrade, websocket.New(s.twilioStream))
}

func requireUpgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		c.Locals("allowed", true)
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// errorHandler maps pipeline errors onto HTTP statuses.
func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	var acq *audio.AcquisitionError
	var conn *stt.ConnectionError
	switch {
	case errors.As(err, &fe):
		code = fe.Code
	case errors.Is(err, call.ErrNotHost):
		code = fiber.StatusForbidden
	case errors.Is(err, call.ErrNoSource), errors.Is(err, call.ErrAlreadyRunning):
		code = fiber.StatusConflict
	case errors.As(err, &acq):
		code = fiber.StatusServiceUnavailable
	case errors.As(err, &conn):
		code = fiber.StatusBadGateway
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}
