package lobby

import (
	"github.com/StealthOrc/cult-pardy-sub000/internal/domain"
	"github.com/StealthOrc/cult-pardy-sub000/internal/protocol"
)

// Outbound is the handle a connection session registers into the lobby.
// The lobby fans out through it and never touches the socket itself.
// TrySend must not block; a backpressure error drops the connection.
type Outbound interface {
	TrySend(frame protocol.ServerFrame) error
	Close()
}

// Msg is the lobby mailbox message set. Every mutation of lobby state
// travels as one of these and is applied one at a time.
type Msg interface{ isLobbyMsg() }

// ConnectAck is the lobby's reply to a Connect. A zero ack means the
// connection was refused and the caller must close the socket.
type ConnectAck struct {
	ID      domain.WebsocketSessionID
	Granted bool
}

// Connect registers a new physical connection for an already resolved
// user session. Ping carries the connection's initial round-trip sample
// in milliseconds, zero if none was measured yet.
type Connect struct {
	Session *domain.UserSession
	Out     Outbound
	Ping    int64
	Reply   chan ConnectAck
}

type Disconnect struct {
	ID domain.WebsocketSessionID
}

// Click opens the question at Coord. Privileged.
type Click struct {
	User  domain.UserSessionID
	ID    domain.WebsocketSessionID
	Coord domain.Coord
}

// Back closes the open question. Privileged.
type Back struct {
	User domain.UserSessionID
}

// AwardScore credits the open question's value to Target. Coord must
// match the open question. Privileged.
type AwardScore struct {
	User   domain.UserSessionID
	Target domain.UserSessionID
	Coord  domain.Coord
}

// VideoEvent carries one media sub-machine event. State changes are
// privileged, sync requests are not.
type VideoEvent struct {
	User  domain.UserSessionID
	ID    domain.WebsocketSessionID
	Event protocol.VideoEvent
}

type BuzzerOpen struct{}

type Buzz struct {
	User domain.UserSessionID
}

type BuzzerClose struct{}

type BuzzerReset struct{}

// UpdatePing pushes one round-trip sample into the connection's rolling
// window.
type UpdatePing struct {
	ID     domain.WebsocketSessionID
	Sample int64
}

// UpdateGameState moves the lobby between phases. Privileged. Entering
// Starting snapshots the connected users into the allowed set.
type UpdateGameState struct {
	User  domain.UserSessionID
	State domain.GameState
}

// GetView reflects lobby internals without data races.
type GetView struct {
	Reply chan View
}

type Shutdown struct{}

// task re-enters the apply phase of a privileged handler on the lobby's
// own execution context after the async admin check passed.
type task struct {
	fn func()
}

func (Connect) isLobbyMsg()         {}
func (Disconnect) isLobbyMsg()      {}
func (Click) isLobbyMsg()           {}
func (Back) isLobbyMsg()            {}
func (AwardScore) isLobbyMsg()      {}
func (VideoEvent) isLobbyMsg()      {}
func (BuzzerOpen) isLobbyMsg()      {}
func (Buzz) isLobbyMsg()            {}
func (BuzzerClose) isLobbyMsg()     {}
func (BuzzerReset) isLobbyMsg()     {}
func (UpdatePing) isLobbyMsg()      {}
func (UpdateGameState) isLobbyMsg() {}
func (GetView) isLobbyMsg()         {}
func (Shutdown) isLobbyMsg()        {}
func (task) isLobbyMsg()            {}

// View is a copy of the lobby's bookkeeping at one point in time.
type View struct {
	Connected []domain.UserSessionID
	Allowed   []domain.UserSessionID
	Scores    map[domain.UserSessionID]int
	State     domain.GameState
	NumConns  int
}
