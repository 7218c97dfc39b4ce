package server

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gofiber/websocket/v2"

	"github.com/mrsingh-rishi/live-transcribe/audio"
	"github.com/mrsingh-rishi/live-transcribe/call"
)

// twilioEvent is a Twilio media stream message.
type twilioEvent struct {
	Event string `json:"event"` // "start", "media", "stop"
	Media struct {
		Payload string `json:"payload"` // base64 μ-law audio
	} `json:"media"`
	Start struct {
		CallSid   string `json:"callSid"`
		StreamSid string `json:"streamSid"`
	} `json:"start"`
}

// twilioStream feeds a phone call's audio into the host pipeline of the
// call. The stream's start and stop double as call start and end.
func (s *Server) twilioStream(ws *websocket.Conn) {
	defer ws.Close()
	callID := ws.Query("CallSid")
	log := s.log.With().Str("call", callID).Logger()
	log.Info().Msg("WebSocket /stream connected")

	var (
		src  *audio.TwilioSource
		sess *call.Session
	)
	defer func() {
		if src != nil {
			src.Close()
		}
		if sess != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := s.opts.Manager.CallEnded(ctx, sess.ID()); err != nil {
				log.Warn().Err(err).Msg("Call teardown reported an error")
			}
		}
	}()

	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Info().Msg("WebSocket closed normally")
			} else {
				log.Warn().Err(err).Msg("WebSocket read error")
			}
			return
		}

		var ev twilioEvent
		if err := json.Unmarshal(msg, &ev); err != nil {
			log.Warn().Err(err).Msg("JSON unmarshal error")
			continue
		}

		switch ev.Event {
		case "start":
			if callID == "" {
				callID = ev.Start.CallSid
			}
			log.Info().Str("stream_sid", ev.Start.StreamSid).Msg("Stream started")
			if sess != nil {
				continue
			}
			src = audio.NewTwilioSource(ev.Start.StreamSid, s.opts.TwilioBuffer)
			sess, err = s.opts.Manager.CallStarted(context.Background(), callID)
			if err != nil {
				log.Error().Err(err).Msg("Call session not created")
				return
			}
			sess.SetSource(src)
			if err := sess.StartHost(context.Background()); err != nil {
				log.Error().Err(err).Msg("Transcription not started")
			}

		case "media":
			if src == nil {
				continue
			}
			if err := src.WritePayload(ev.Media.Payload); err != nil {
				log.Debug().Err(err).Msg("Base64 decode error")
			}

		case "stop":
			log.Info().Msg("Stream stopped")
			return

		default:
			log.Debug().Str("event", ev.Event).Msg("Unknown event")
		}
	}
}
