// Package ws bridges one physical websocket to the owning lobby: it
// translates inbound frames into typed lobby messages, writes lobby
// fan-out to the wire and runs heartbeat/timeout detection.
package ws

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/StealthOrc/cult-pardy-sub000/internal/domain"
	"github.com/StealthOrc/cult-pardy-sub000/internal/lobby"
	"github.com/StealthOrc/cult-pardy-sub000/internal/protocol"
)

var (
	ErrBackpressure = errors.New("send buffer full")
	ErrClosed       = errors.New("session closed")
)

const (
	writeWait      = 5 * time.Second
	connectTimeout = 5 * time.Second
)

// Config is the subset of server configuration a session needs.
type Config struct {
	PingInterval time.Duration
	PongTimeout  time.Duration
	SendBuffer   int
	ReadLimit    int64
}

func (c Config) withDefaults() Config {
	if c.PingInterval <= 0 {
		c.PingInterval = 5 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 10 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 32
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 32768
	}
	return c
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Session is the per-socket handler. It implements lobby.Outbound.
type Session struct {
	lb   *lobby.Lobby
	user *domain.UserSession
	cfg  Config

	id   domain.WebsocketSessionID
	conn *websocket.Conn
	send chan protocol.ServerFrame
	done chan struct{}
	once sync.Once
}

// Serve upgrades the request and runs the session until the socket
// dies. The caller has already resolved the user and checked that the
// lobby admits them.
func Serve(ctx context.Context, w http.ResponseWriter, r *http.Request, lb *lobby.Lobby, user *domain.UserSession, cfg Config) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("module", "ws").Msg("upgrade failed")
		return
	}
	s := &Session{
		lb:   lb,
		user: user,
		cfg:  cfg.withDefaults(),
		conn: conn,
		send: make(chan protocol.ServerFrame, cfg.withDefaults().SendBuffer),
		done: make(chan struct{}),
	}
	s.run(ctx)
}

// TrySend queues a frame for the write pump without blocking.
func (s *Session) TrySend(frame protocol.ServerFrame) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	select {
	case s.send <- frame:
		return nil
	default:
		return ErrBackpressure
	}
}

// Close stops the pumps and the socket. The send channel is never
// closed so a late TrySend can't panic; frames left in it are dropped.
func (s *Session) Close() {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

func (s *Session) run(ctx context.Context) {
	reply := make(chan lobby.ConnectAck, 1)
	select {
	case s.lb.Inbox() <- lobby.Connect{Session: s.user, Out: s, Reply: reply}:
	case <-ctx.Done():
		_ = s.conn.Close()
		return
	}

	var ack lobby.ConnectAck
	select {
	case ack = <-reply:
	case <-time.After(connectTimeout):
	case <-ctx.Done():
	}
	if !ack.Granted {
		log.Info().Str("module", "ws").Str("user", string(s.user.ID)).
			Str("lobby", string(s.lb.ID())).Msg("connect refused")
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "connect refused"),
			time.Now().Add(writeWait))
		_ = s.conn.Close()
		return
	}
	s.id = ack.ID
	log.Info().Str("module", "ws").Str("ws", string(s.id)).
		Str("user", string(s.user.ID)).Msg("session started")

	go s.writePump(ctx)
	s.readPump(ctx)
}

func (s *Session) writePump(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case frame := <-s.send:
			data, err := protocol.EncodeServer(frame)
			if err != nil {
				log.Error().Err(err).Str("module", "ws").Str("ws", string(s.id)).Msg("encode frame")
				continue
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				log.Debug().Err(err).Str("module", "ws").Str("ws", string(s.id)).Msg("write failed")
				return
			}
		case <-ticker.C:
			// Ping payload carries the send time so the pong handler can
			// compute the round trip.
			payload := strconv.FormatInt(time.Now().UnixMilli(), 10)
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, []byte(payload)); err != nil {
				return
			}
		}
	}
}

func (s *Session) readPump(ctx context.Context) {
	defer func() {
		select {
		case s.lb.Inbox() <- lobby.Disconnect{ID: s.id}:
		case <-ctx.Done():
		}
		s.Close()
		log.Info().Str("module", "ws").Str("ws", string(s.id)).Msg("session closed")
	}()

	s.conn.SetReadLimit(s.cfg.ReadLimit)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	s.conn.SetPongHandler(func(appData string) error {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
		if sent, err := strconv.ParseInt(appData, 10, 64); err == nil {
			rtt := time.Now().UnixMilli() - sent
			if rtt < 0 {
				rtt = 0
			}
			select {
			case s.lb.Inbox() <- lobby.UpdatePing{ID: s.id, Sample: rtt}:
			default:
			}
		}
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Str("module", "ws").Str("ws", string(s.id)).Msg("read failed")
			}
			return
		}
		s.handleFrame(ctx, data)
	}
}

// handleFrame translates one inbound frame into a lobby message.
// Malformed frames are logged and the connection continues.
func (s *Session) handleFrame(ctx context.Context, data []byte) {
	frame, err := protocol.DecodeClient(data)
	if err != nil {
		log.Warn().Err(err).Str("module", "ws").Str("ws", string(s.id)).Msg("malformed frame")
		_ = s.TrySend(protocol.ServerFrame{Type: protocol.ServerError, Error: &protocol.ErrorFrame{
			Code:    "bad_frame",
			Message: "frame could not be decoded",
		}})
		return
	}

	var msg lobby.Msg
	switch frame.Type {
	case protocol.ClientClick:
		if frame.Click == nil {
			break
		}
		msg = lobby.Click{User: s.user.ID, ID: s.id, Coord: frame.Click.Coord}
	case protocol.ClientBack:
		msg = lobby.Back{User: s.user.ID}
	case protocol.ClientAddScore:
		if frame.Score == nil {
			break
		}
		msg = lobby.AwardScore{User: s.user.ID, Target: frame.Score.Target, Coord: frame.Score.Coord}
	case protocol.ClientVideo:
		if frame.Video == nil {
			break
		}
		msg = lobby.VideoEvent{User: s.user.ID, ID: s.id, Event: *frame.Video}
	case protocol.ClientBuzzer:
		if frame.Buzzer == nil {
			break
		}
		switch frame.Buzzer.Kind {
		case protocol.BuzzerEventOpen:
			msg = lobby.BuzzerOpen{}
		case protocol.BuzzerEventBuzz:
			msg = lobby.Buzz{User: s.user.ID}
		case protocol.BuzzerEventClose:
			msg = lobby.BuzzerClose{}
		case protocol.BuzzerEventReset:
			msg = lobby.BuzzerReset{}
		}
	case protocol.ClientGameState:
		if frame.Game == nil {
			break
		}
		msg = lobby.UpdateGameState{User: s.user.ID, State: frame.Game.State}
	}

	if msg == nil {
		log.Warn().Str("module", "ws").Str("ws", string(s.id)).
			Str("type", frame.Type).Msg("unknown or incomplete frame")
		_ = s.TrySend(protocol.ServerFrame{Type: protocol.ServerError, Error: &protocol.ErrorFrame{
			Code:    "unknown_frame",
			Message: "unknown frame type " + frame.Type,
		}})
		return
	}
	select {
	case s.lb.Inbox() <- msg:
	case <-ctx.Done():
	}
}
