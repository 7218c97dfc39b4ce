// Package stt streams PCM16 audio to a real-time speech recognition provider
// and reports transcript frames and connection lifecycle events.
package stt

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/mrsingh-rishi/live-transcribe/metrics"
	"github.com/mrsingh-rishi/live-transcribe/model"
)

// Config configures the streaming client.
type Config struct {
	URL         string
	SampleRate  int
	FormatTurns bool
	// SendQueue bounds the frames waiting to be written; further frames are dropped.
	SendQueue int
	// Reconnect re-establishes a session after an unsolicited close. When off,
	// the session stays degraded until the caller stops it.
	Reconnect    bool
	WriteTimeout time.Duration
	StopTimeout  time.Duration
	Tokens       TokenSource
	Dialer       *websocket.Dialer
	NewBackOff   func() backoff.BackOff
}

func (c *Config) applyDefaults() {
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.SendQueue <= 0 {
		c.SendQueue = 64
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 3 * time.Second
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
	if c.NewBackOff == nil {
		c.NewBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 15 * time.Second
			return b
		}
	}
}

// Handler receives session events. Callbacks run on the session's reader
// goroutine, one at a time, in arrival order.
type Handler struct {
	OnOpen       func(sessionID string)
	OnTranscript func(model.TurnUpdate)
	OnError      func(error)
	OnClose      func(code int, reason string)
	OnTransition func(Transition)
}

// providerMessage is the union of the server messages of the v3 streaming API.
type providerMessage struct {
	Type            string `json:"type"`
	ID              string `json:"id"`
	ExpiresAt       int64  `json:"expires_at"`
	TurnOrder       int    `json:"turn_order"`
	Transcript      string `json:"transcript"`
	EndOfTurn       bool   `json:"end_of_turn"`
	TurnIsFormatted bool   `json:"turn_is_formatted"`
	Error           string `json:"error"`
}

var terminateMessage = []byte(`{"type":"Terminate"}`)

// Client opens streaming sessions with the speech provider.
type Client struct {
	cfg     Config
	log     zerolog.Logger
	metrics *metrics.Metrics
}

func NewClient(cfg Config, log zerolog.Logger, m *metrics.Metrics) *Client {
	cfg.applyDefaults()
	return &Client{cfg: cfg, log: log, metrics: m}
}

// Connect opens a session and waits for the provider to acknowledge it.
// Failures are returned as *ConnectionError and are not retried.
func (c *Client) Connect(ctx context.Context, h Handler) (*Session, error) {
	s := &Session{
		client:  c,
		handler: h,
		log:     c.log,
		frames:  make(chan []byte, c.cfg.SendQueue),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.transition(StateConnecting, CauseConnect, 0, "")
	conn, id, err := c.dial(ctx)
	if err != nil {
		s.cancel()
		s.transition(StateClosed, CauseConnectFailed, 0, err.Error())
		c.log.Error().Err(err).Str("url", c.cfg.URL).Msg("Speech provider connection failed")
		return nil, &ConnectionError{URL: c.cfg.URL, Err: err}
	}
	s.attach(conn, id, CauseOpened)

	s.wg.Add(1)
	go s.writeLoop()
	return s, nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, string, error) {
	if c.cfg.Tokens == nil {
		return nil, "", errors.New("no token source configured")
	}
	token, err := c.cfg.Tokens.Token(ctx)
	if err != nil {
		return nil, "", errors.Wrap(err, "issue streaming token")
	}

	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, "", errors.Wrap(err, "parse provider url")
	}
	q := u.Query()
	q.Set("sample_rate", strconv.Itoa(c.cfg.SampleRate))
	q.Set("encoding", "pcm_s16le")
	q.Set("format_turns", strconv.FormatBool(c.cfg.FormatTurns))
	q.Set("token", token)
	u.RawQuery = q.Encode()

	conn, resp, err := c.cfg.Dialer.DialContext(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, "", errors.Wrap(err, "dial")
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(10 * time.Second)
	}
	conn.SetReadDeadline(deadline)
	_, data, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, "", errors.Wrap(err, "await session begin")
	}
	var msg providerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		conn.Close()
		return nil, "", errors.Wrap(err, "decode session begin")
	}
	if msg.Type != "Begin" {
		conn.Close()
		if msg.Error != "" {
			return nil, "", errors.Errorf("provider refused session: %s", msg.Error)
		}
		return nil, "", errors.Errorf("unexpected first message %q", msg.Type)
	}
	conn.SetReadDeadline(time.Time{})
	return conn, msg.ID, nil
}

// Session is one logical streaming session. Its connection may be replaced
// by a reconnect, but the session itself ends only through Stop.
type Session struct {
	client  *Client
	handler Handler

	ctx    context.Context
	cancel context.CancelFunc
	frames chan []byte
	wg     sync.WaitGroup

	// stopRequested is set by Stop and nowhere else.
	stopRequested atomic.Bool

	mu         sync.Mutex
	log        zerolog.Logger
	state      State
	conn       *websocket.Conn
	id         string
	readerDone chan struct{}

	writeMu sync.Mutex
}

// logger returns the logger tagged with the current provider session id.
func (s *Session) logger() *zerolog.Logger {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.log
	return &l
}

// ID returns the provider's session id.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SendFrame queues a frame for the provider. It never blocks: when the send
// queue is full, or after Stop, the frame is dropped and false is returned.
func (s *Session) SendFrame(frame model.AudioFrame) bool {
	if s.stopRequested.Load() {
		return false
	}
	select {
	case s.frames <- frame.PCM:
		return true
	default:
		s.client.metrics.SendDropped.Inc()
		return false
	}
}

// Stop ends the session: it asks the provider to flush and terminate, waits
// briefly for the final transcript frames, then closes the connection and
// releases every goroutine of the session.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopRequested.Load() {
		s.mu.Unlock()
		s.wg.Wait()
		return nil
	}
	s.stopRequested.Store(true)
	conn, readerDone, state := s.conn, s.readerDone, s.state
	s.mu.Unlock()

	if conn != nil && state == StateOpen {
		s.writeMu.Lock()
		conn.SetWriteDeadline(time.Now().Add(s.client.cfg.WriteTimeout))
		err := conn.WriteMessage(websocket.TextMessage, terminateMessage)
		s.writeMu.Unlock()
		if err != nil {
			s.logger().Debug().Err(err).Msg("Terminate message not delivered")
		} else {
			timer := time.NewTimer(s.client.cfg.StopTimeout)
			select {
			case <-readerDone:
			case <-ctx.Done():
			case <-timer.C:
			}
			timer.Stop()
		}
	}

	s.cancel()
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stop requested"),
			time.Now().Add(time.Second))
		conn.Close()
	}
	s.wg.Wait()
	s.transition(StateClosed, CauseStopRequested, websocket.CloseNormalClosure, "stop requested")
	s.logger().Info().Msg("Speech session stopped")
	return nil
}

func (s *Session) attach(conn *websocket.Conn, id string, cause Cause) bool {
	s.mu.Lock()
	if s.stopRequested.Load() {
		s.mu.Unlock()
		conn.Close()
		return false
	}
	prev := s.conn
	done := make(chan struct{})
	s.conn, s.id, s.readerDone = conn, id, done
	s.log = s.client.log.With().Str("asr_session", id).Logger()
	s.mu.Unlock()
	if prev != nil {
		prev.Close()
	}

	s.transition(StateOpen, cause, 0, "")
	if s.handler.OnOpen != nil {
		s.handler.OnOpen(id)
	}

	s.wg.Add(1)
	go s.readLoop(conn, done)
	return true
}

func (s *Session) transition(to State, cause Cause, code int, reason string) bool {
	s.mu.Lock()
	from := s.state
	if !canTransition(from, to) {
		s.mu.Unlock()
		return false
	}
	s.state = to
	s.mu.Unlock()

	s.client.metrics.ASRTransitions.WithLabelValues(to.String(), string(cause)).Inc()
	s.logger().Debug().
		Stringer("from", from).
		Stringer("to", to).
		Str("cause", string(cause)).
		Int("code", code).
		Str("reason", reason).
		Msg("Speech session state changed")
	if s.handler.OnTransition != nil {
		s.handler.OnTransition(Transition{From: from, To: to, Cause: cause, Code: code, Reason: reason, At: time.Now()})
	}
	return true
}

func (s *Session) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer s.wg.Done()
	defer close(done)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.handleClose(conn, err)
			return
		}
		s.handleMessage(data)
	}
}

func (s *Session) handleMessage(data []byte) {
	var msg providerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger().Warn().Err(err).Msg("Ignoring undecodable provider message")
		return
	}

	switch msg.Type {
	case "Turn":
		if s.client.cfg.FormatTurns && msg.EndOfTurn && !msg.TurnIsFormatted {
			// the formatted copy of this turn follows
			return
		}
		if s.State() == StateDegraded {
			s.transition(StateOpen, CauseRecovered, 0, "")
		}
		s.client.metrics.TurnUpdates.Inc()
		if s.handler.OnTranscript != nil {
			s.handler.OnTranscript(model.TurnUpdate{
				Transcript: msg.Transcript,
				EndOfTurn:  msg.EndOfTurn,
				TurnOrder:  msg.TurnOrder,
				Formatted:  msg.TurnIsFormatted,
				ReceivedAt: time.Now(),
			})
		}
	case "Begin":
	case "Termination":
		s.logger().Info().Msg("Speech provider terminated the session")
	default:
		if msg.Error == "" {
			s.logger().Debug().Str("type", msg.Type).Msg("Ignoring provider message")
			return
		}
		err := &StreamError{Err: errors.New(msg.Error)}
		s.client.metrics.ProviderWarnings.Inc()
		s.logger().Warn().Err(err).Msg("Speech provider reported an error")
		s.transition(StateDegraded, CauseStreamError, 0, msg.Error)
		if s.handler.OnError != nil {
			s.handler.OnError(err)
		}
	}
}

func (s *Session) handleClose(conn *websocket.Conn, err error) {
	code, reason := websocket.CloseAbnormalClosure, err.Error()
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		code, reason = ce.Code, ce.Text
	}

	s.mu.Lock()
	current := s.conn == conn
	s.mu.Unlock()
	if !current {
		return
	}

	if s.handler.OnClose != nil {
		s.handler.OnClose(code, reason)
	}
	if s.stopRequested.Load() {
		s.transition(StateClosed, CauseStopRequested, code, reason)
		return
	}

	s.client.metrics.ProviderWarnings.Inc()
	s.logger().Warn().Int("code", code).Str("reason", reason).Msg("Speech provider closed the socket; capture continues")
	s.transition(StateDegraded, CauseRemoteClose, code, reason)
	if s.handler.OnError != nil {
		s.handler.OnError(&RemoteCloseError{Code: code, Reason: reason})
	}
	if s.client.cfg.Reconnect {
		s.wg.Add(1)
		go s.reconnect()
	}
}

func (s *Session) reconnect() {
	defer s.wg.Done()
	op := func() (struct{}, error) {
		if s.stopRequested.Load() {
			return struct{}{}, backoff.Permanent(ErrSessionClosed)
		}
		conn, id, err := s.client.dial(s.ctx)
		if err != nil {
			return struct{}{}, err
		}
		if !s.attach(conn, id, CauseReconnected) {
			return struct{}{}, backoff.Permanent(ErrSessionClosed)
		}
		return struct{}{}, nil
	}
	_, err := backoff.Retry(s.ctx, op,
		backoff.WithBackOff(s.client.cfg.NewBackOff()),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.logger().Warn().Err(err).Dur("retry_in", next).Msg("Speech provider reconnect failed")
		}),
	)
	if err != nil && !errors.Is(err, ErrSessionClosed) && s.ctx.Err() == nil {
		s.logger().Error().Err(err).Msg("Speech provider reconnect abandoned")
	}
}

func (s *Session) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case pcm := <-s.frames:
			s.write(pcm)
		}
	}
}

func (s *Session) write(pcm []byte) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil || s.stopRequested.Load() {
		s.client.metrics.SendDropped.Inc()
		return
	}

	s.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(s.client.cfg.WriteTimeout))
	err := conn.WriteMessage(websocket.BinaryMessage, pcm)
	s.writeMu.Unlock()
	if err != nil {
		s.client.metrics.SendDropped.Inc()
		s.logger().Debug().Err(err).Msg("Audio frame dropped")
		return
	}
	s.client.metrics.FramesSent.Inc()
}
