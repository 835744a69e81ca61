// Package protocol defines the binary wire frames exchanged with the
// browser client. Frames are tagged unions: an envelope with a type
// discriminator and one optional payload per variant, encoded as CBOR.
package protocol

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/StealthOrc/cult-pardy-sub000/internal/domain"
)

var ErrUnknownFrame = errors.New("unknown frame type")

// Client -> server frame types.
const (
	ClientClick     = "click"
	ClientBack      = "back"
	ClientAddScore  = "add_score"
	ClientVideo     = "video"
	ClientBuzzer    = "buzzer"
	ClientGameState = "game_state"
)

// Video event kinds.
const (
	VideoChangeState  = "change_state"
	VideoPlay         = "play"
	VideoPause        = "pause"
	VideoResume       = "resume"
	VideoNext         = "next"
	VideoPrevious     = "previous"
	VideoSyncBackward = "sync_backward"
	VideoSyncForward  = "sync_forward"
)

// Buzzer event kinds.
const (
	BuzzerEventOpen  = "open"
	BuzzerEventBuzz  = "buzz"
	BuzzerEventClose = "close"
	BuzzerEventReset = "reset"
)

type Click struct {
	Coord domain.Coord `json:"coord"`
}

type AddScore struct {
	Target domain.UserSessionID `json:"target"`
	Coord  domain.Coord         `json:"coord"`
}

type VideoEvent struct {
	Kind       string              `json:"kind"`
	Status     *domain.MediaStatus `json:"status,omitempty"`
	ClientTime int64               `json:"client_time,omitempty"`
}

type BuzzerEvent struct {
	Kind string `json:"kind"`
}

type GameStateChange struct {
	State domain.GameState `json:"state"`
}

// ClientFrame is the inbound envelope.
type ClientFrame struct {
	Type   string           `json:"type"`
	Click  *Click           `json:"click,omitempty"`
	Score  *AddScore        `json:"score,omitempty"`
	Video  *VideoEvent      `json:"video,omitempty"`
	Buzzer *BuzzerEvent     `json:"buzzer,omitempty"`
	Game   *GameStateChange `json:"game,omitempty"`
}

// Server -> client frame types.
const (
	ServerBoard     = "board"
	ServerWebsocket = "websocket"
	ServerSession   = "session"
	ServerAction    = "action"
	ServerError     = "error"
	ServerText      = "text"
)

// Board frame kinds.
const (
	BoardCurrent          = "current_board"
	BoardCurrentQuestion  = "current_question"
	BoardBuzzeringStarted = "buzzering_starting"
	BoardBuzzeringClosed  = "buzzering_closed"
)

type BoardFrame struct {
	Kind     string                 `json:"kind"`
	Board    *domain.DTOBoard       `json:"board,omitempty"`
	Question *domain.DTOQuestion    `json:"question,omitempty"`
	Action   *domain.ActionState    `json:"action,omitempty"`
	Ranking  []domain.UserSessionID `json:"ranking,omitempty"`
}

// Websocket frame kinds.
const (
	WebsocketJoined       = "joined"
	WebsocketDisconnected = "disconnected"
)

type WebsocketFrame struct {
	Kind string                    `json:"kind"`
	ID   domain.WebsocketSessionID `json:"id"`
	User domain.UserSessionID      `json:"user"`
}

// Session frame kinds.
const (
	SessionCurrent      = "current_sessions"
	SessionJoined       = "session_joined"
	SessionDisconnected = "session_disconnected"
	SessionPing         = "session_ping"
	SessionsPing        = "sessions_ping"
)

type SessionFrame struct {
	Kind     string                         `json:"kind"`
	Sessions []domain.DTOUserSession        `json:"sessions,omitempty"`
	Session  *domain.DTOUserSession         `json:"session,omitempty"`
	User     domain.UserSessionID           `json:"user,omitempty"`
	Ping     int64                          `json:"ping,omitempty"`
	Pings    map[domain.UserSessionID]int64 `json:"pings,omitempty"`
}

// Action frame kinds.
const (
	ActionMedia        = "media"
	ActionSyncBackward = "sync_backward"
	ActionSyncForward  = "sync_forward"
)

type MediaAction struct {
	Kind   string              `json:"kind"`
	Status *domain.MediaStatus `json:"status,omitempty"`
}

type ActionFrame struct {
	Kind       string       `json:"kind"`
	Media      *MediaAction `json:"media,omitempty"`
	ServerTime int64        `json:"server_time,omitempty"`
	Offset     int64        `json:"offset,omitempty"`
}

type ErrorFrame struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ServerFrame is the outbound envelope.
type ServerFrame struct {
	Type      string          `json:"type"`
	Board     *BoardFrame     `json:"board,omitempty"`
	Websocket *WebsocketFrame `json:"websocket,omitempty"`
	Session   *SessionFrame   `json:"session,omitempty"`
	Action    *ActionFrame    `json:"action,omitempty"`
	Error     *ErrorFrame     `json:"error,omitempty"`
	Text      string          `json:"text,omitempty"`
}

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
}

func EncodeServer(f ServerFrame) ([]byte, error) {
	return encMode.Marshal(f)
}

func DecodeServer(data []byte) (ServerFrame, error) {
	var f ServerFrame
	if err := cbor.Unmarshal(data, &f); err != nil {
		return ServerFrame{}, fmt.Errorf("decode server frame: %w", err)
	}
	return f, nil
}

func EncodeClient(f ClientFrame) ([]byte, error) {
	return encMode.Marshal(f)
}

func DecodeClient(data []byte) (ClientFrame, error) {
	var f ClientFrame
	if err := cbor.Unmarshal(data, &f); err != nil {
		return ClientFrame{}, fmt.Errorf("decode client frame: %w", err)
	}
	return f, nil
}
