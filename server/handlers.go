package server

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/mrsingh-rishi/live-transcribe/call"
	"github.com/mrsingh-rishi/live-transcribe/output"
)

type callEventRequest struct {
	Type string `json:"type"`
}

const (
	eventCallStarted = "call.started"
	eventCallEnded   = "call.ended"
)

func (s *Server) health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status": "ok",
		"role":   s.opts.Role,
		"calls":  s.opts.Manager.Len(),
	})
}

func (s *Server) asrToken(c *fiber.Ctx) error {
	if s.opts.Tokens == nil {
		return fiber.NewError(fiber.StatusNotFound, "token issuance is not configured")
	}
	token, err := s.opts.Tokens.Token(c.UserContext())
	if err != nil {
		s.log.Error().Err(err).Msg("Token issuance failed")
		return fiber.NewError(fiber.StatusBadGateway, "failed to issue token")
	}
	return c.JSON(fiber.Map{
		"token":     token,
		"expiresIn": int(s.opts.TokenTTL / time.Second),
	})
}

func (s *Server) callEvent(c *fiber.Ctx) error {
	var req callEventRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid JSON")
	}
	id := c.Params("id")
	switch req.Type {
	case eventCallStarted:
		if _, err := s.opts.Manager.CallStarted(c.UserContext(), id); err != nil {
			return err
		}
		return c.Status(fiber.StatusCreated).JSON(fiber.Map{"call": id, "status": "started"})
	case eventCallEnded:
		if err := s.opts.Manager.CallEnded(c.UserContext(), id); err != nil {
			s.log.Warn().Err(err).Str("call", id).Msg("Call teardown reported an error")
		}
		return c.JSON(fiber.Map{"call": id, "status": "ended"})
	default:
		return fiber.NewError(fiber.StatusBadRequest, fmt.Sprintf("unknown event type %q", req.Type))
	}
}

func (s *Server) session(c *fiber.Ctx) (*call.Session, error) {
	sess, ok := s.opts.Manager.Get(c.Params("id"))
	if !ok {
		return nil, fiber.NewError(fiber.StatusNotFound, "call not found")
	}
	return sess, nil
}

func (s *Server) startTranscription(c *fiber.Ctx) error {
	sess, err := s.session(c)
	if err != nil {
		return err
	}
	if err := sess.StartHost(c.UserContext()); err != nil {
		return err
	}
	return c.JSON(sess.Snapshot())
}

func (s *Server) stopTranscription(c *fiber.Ctx) error {
	sess, err := s.session(c)
	if err != nil {
		return err
	}
	if err := sess.Stop(c.UserContext()); err != nil {
		s.log.Warn().Err(err).Str("call", sess.ID()).Msg("Transcription stop reported an error")
	}
	return c.JSON(sess.Snapshot())
}

func (s *Server) clearTranscription(c *fiber.Ctx) error {
	sess, err := s.session(c)
	if err != nil {
		return err
	}
	if err := sess.Clear(c.UserContext()); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) transcript(c *fiber.Ctx) error {
	sess, err := s.session(c)
	if err != nil {
		return err
	}
	return c.JSON(sess.Snapshot())
}

func (s *Server) download(c *fiber.Ctx) error {
	sess, err := s.session(c)
	if err != nil {
		return err
	}
	name, body := sess.Download(time.Now())
	c.Attachment(name)
	c.Type("txt", "utf-8")
	return c.SendString(body)
}

func (s *Server) viewerSocket(ws *websocket.Conn) {
	defer ws.Close()
	id := ws.Params("id")
	sess, ok := s.opts.Manager.Get(id)
	if !ok {
		ws.WriteJSON(fiber.Map{"error": "call not found"})
		return
	}

	log := s.log.With().Str("call", id).Logger()
	vs, err := output.NewViewerSocket(ws, sess.Snapshot, s.opts.SocketBuffer, log)
	if err != nil {
		log.Error().Err(err).Msg("Viewer socket not created")
		return
	}
	cancel := sess.Subscribe(vs.Push)
	defer cancel()
	log.Debug().Msg("Viewer socket connected")
	vs.Run()
	log.Debug().Msg("Viewer socket disconnected")
}
