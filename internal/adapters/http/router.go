// Package http is the front door: it issues the session cookie,
// exposes the lobby management surface and performs the websocket
// handshake before handing the socket to a connection session.
package http

import (
	"context"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/StealthOrc/cult-pardy-sub000/internal/config"
	"github.com/StealthOrc/cult-pardy-sub000/internal/domain"
	"github.com/StealthOrc/cult-pardy-sub000/internal/identity"
	"github.com/StealthOrc/cult-pardy-sub000/internal/lobby"
)

const userSessionKey = "usid"

// SessionResolver is what the front door needs from the identity store:
// the async lookup plus guest creation for fresh cookies.
type SessionResolver interface {
	identity.Store
	GetOrCreate(id domain.UserSessionID) *domain.UserSession
}

// UserSessionMiddleware guarantees every request carries a user session
// id in its cookie and a matching record in the store.
func UserSessionMiddleware(store SessionResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		sess := sessions.Default(c)
		id, _ := sess.Get(userSessionKey).(string)
		if id == "" {
			id = string(domain.NewUserSessionID())
			sess.Set(userSessionKey, id)
			if err := sess.Save(); err != nil {
				log.Warn().Err(err).Str("module", "adapters.http").Msg("could not save session cookie")
			}
		}
		store.GetOrCreate(domain.UserSessionID(id))
		c.Set(userSessionKey, id)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, dir *lobby.Directory, store SessionResolver) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	cookieStore := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("CultPardySessions", cookieStore))
	r.Use(UserSessionMiddleware(store))

	r.Static("/static", cfg.StaticPath)
	r.GET("/", func(c *gin.Context) {
		c.File(cfg.StaticPath + "/index.html")
	})

	h := &handlers{cfg: cfg, dir: dir, store: store, ctx: ctx}

	api := r.Group("/api")
	api.POST("/lobby", h.createLobby)
	api.GET("/lobby/:id", h.lobbyExists)
	api.GET("/lobby/:id/can-join", h.canJoin)

	r.GET("/ws/:id", h.serveWebsocket)

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")
	return r
}
