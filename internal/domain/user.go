// Package domain contains the game entities; no transport or lifecycle logic here.
package domain

import "errors"

const MaxUsernameLen = 36

var (
	ErrUsernameTooLong = errors.New("username too long")
	ErrUsernameEmpty   = errors.New("username empty")
)

// UserSession is what the identity store hands back for a session id.
// AccountID links to the external account the admin check runs against;
// it is empty for guests.
type UserSession struct {
	ID        UserSessionID `json:"id"`
	Username  string        `json:"username"`
	AvatarURL string        `json:"avatar_url,omitempty"`
	AccountID string        `json:"account_id,omitempty"`
}

func NewUserSession(username string) (*UserSession, error) {
	if len(username) == 0 {
		return nil, ErrUsernameEmpty
	}
	if len(username) > MaxUsernameLen {
		return nil, ErrUsernameTooLong
	}
	return &UserSession{ID: NewUserSessionID(), Username: username}, nil
}

// DTOUserSession is the per-player view a lobby broadcasts: identity plus
// accumulated score and how many sockets the player currently holds.
type DTOUserSession struct {
	ID          UserSessionID `json:"id"`
	Username    string        `json:"username"`
	Score       int           `json:"score"`
	Connections int           `json:"connections"`
}

// GameState gates who may (re)join. Waiting and End are "open": anyone
// may join. Starting and Playing restrict joins to the allowed set.
type GameState string

const (
	GameWaiting  GameState = "waiting"
	GameStarting GameState = "starting"
	GamePlaying  GameState = "playing"
	GameEnd      GameState = "end"
)

// Open reports whether the lobby accepts joins from anyone.
func (s GameState) Open() bool { return s == GameWaiting || s == GameEnd }
