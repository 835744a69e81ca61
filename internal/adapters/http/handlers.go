package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/StealthOrc/cult-pardy-sub000/internal/adapters/ws"
	"github.com/StealthOrc/cult-pardy-sub000/internal/config"
	"github.com/StealthOrc/cult-pardy-sub000/internal/domain"
	"github.com/StealthOrc/cult-pardy-sub000/internal/identity"
	"github.com/StealthOrc/cult-pardy-sub000/internal/lobby"
)

type handlers struct {
	cfg   *config.Config
	dir   *lobby.Directory
	store SessionResolver
	ctx   context.Context
}

func currentUser(c *gin.Context) domain.UserSessionID {
	return domain.UserSessionID(c.GetString(userSessionKey))
}

type createLobbyRequest struct {
	Categories []domain.Category `json:"categories" binding:"required"`
}

type createLobbyResponse struct {
	LobbyID domain.LobbyID `json:"lobby_id"`
}

func (h *handlers) createLobby(c *gin.Context) {
	var req createLobbyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid board"})
		return
	}
	id, err := h.dir.Create(currentUser(c), domain.NewBoard(req.Categories))
	if err != nil {
		if errors.Is(err, lobby.ErrEmptyBoard) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not create lobby"})
		return
	}
	c.JSON(http.StatusCreated, createLobbyResponse{LobbyID: id})
}

func (h *handlers) lobbyExists(c *gin.Context) {
	id := domain.LobbyID(c.Param("id"))
	if !h.dir.Exists(id) {
		c.JSON(http.StatusNotFound, gin.H{"exists": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"exists": true})
}

func (h *handlers) canJoin(c *gin.Context) {
	id := domain.LobbyID(c.Param("id"))
	if !h.dir.Exists(id) {
		c.JSON(http.StatusNotFound, gin.H{"error": "lobby not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"can_join": h.dir.CanJoin(id, currentUser(c))})
}

// serveWebsocket is the connection handshake: resolve (lobby, user),
// refuse anything unresolvable, then hand the socket to a session.
func (h *handlers) serveWebsocket(c *gin.Context) {
	lobbyID := domain.LobbyID(c.Param("id"))
	user, err := h.store.FindSession(c.Request.Context(), currentUser(c))
	if err != nil {
		if errors.Is(err, identity.ErrSessionNotFound) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unknown user session"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "identity lookup failed"})
		return
	}
	lb, ok := h.dir.Handle(lobbyID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "lobby not found"})
		return
	}
	if !lb.CanJoin(user.ID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "not permitted to join"})
		return
	}

	log.Info().Str("module", "adapters.http").Str("lobby", string(lobbyID)).
		Str("user", string(user.ID)).Msg("websocket handshake")
	ws.Serve(h.ctx, c.Writer, c.Request, lb, user, ws.Config{
		PingInterval: h.cfg.PingInterval,
		PongTimeout:  h.cfg.PongTimeout,
		SendBuffer:   h.cfg.SendBuffer,
		ReadLimit:    h.cfg.ReadLimit,
	})
}
