package domain

import "github.com/google/uuid"

type (
	// LobbyID names one game session for its whole lifetime.
	LobbyID string

	// UserSessionID identifies a person across reconnects and tabs.
	UserSessionID string

	// WebsocketSessionID identifies one physical connection. It is
	// minted when the lobby grants a connect and dies with the socket.
	WebsocketSessionID string
)

func NewLobbyID() LobbyID                       { return LobbyID(uuid.NewString()) }
func NewUserSessionID() UserSessionID           { return UserSessionID(uuid.NewString()) }
func NewWebsocketSessionID() WebsocketSessionID { return WebsocketSessionID(uuid.NewString()) }
