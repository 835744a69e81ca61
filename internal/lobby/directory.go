package lobby

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/StealthOrc/cult-pardy-sub000/internal/domain"
	"github.com/StealthOrc/cult-pardy-sub000/internal/identity"
)

var ErrEmptyBoard = errors.New("board has no categories")

const gcInterval = time.Minute

// Directory is the process-wide registry of live lobbies. It is a
// capability registry, not shared game state: populated on create,
// read-mostly thereafter.
type Directory struct {
	mu      sync.RWMutex
	lobbies map[domain.LobbyID]*Lobby

	cfg     Config
	admins  identity.AdminChecker
	idleTTL time.Duration
	ctx     context.Context
}

// NewDirectory starts the idle scan when idleTTL is positive; zero
// disables reclamation.
func NewDirectory(ctx context.Context, cfg Config, admins identity.AdminChecker, idleTTL time.Duration) *Directory {
	d := &Directory{
		lobbies: make(map[domain.LobbyID]*Lobby),
		cfg:     cfg,
		admins:  admins,
		idleTTL: idleTTL,
		ctx:     ctx,
	}
	if idleTTL > 0 {
		go d.gcLoop()
	}
	return d
}

// Create builds and starts a lobby seeded with the creator in the
// allowed set. Boards without categories are refused.
func (d *Directory) Create(creator domain.UserSessionID, board *domain.Board) (domain.LobbyID, error) {
	if board == nil || board.CategoryCount() == 0 {
		return "", ErrEmptyBoard
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	id := domain.NewLobbyID()
	for d.lobbies[id] != nil {
		id = domain.NewLobbyID()
	}
	d.lobbies[id] = New(d.ctx, id, creator, board, d.cfg, d.admins)
	log.Info().Str("module", "lobby.directory").Str("lobby", string(id)).
		Str("creator", string(creator)).Msg("lobby created")
	return id, nil
}

func (d *Directory) Exists(id domain.LobbyID) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lobbies[id] != nil
}

func (d *Directory) Handle(id domain.LobbyID) (*Lobby, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	l, ok := d.lobbies[id]
	return l, ok
}

// CanJoin answers the handshake check without touching lobby internals.
func (d *Directory) CanJoin(id domain.LobbyID, user domain.UserSessionID) bool {
	l, ok := d.Handle(id)
	return ok && l.CanJoin(user)
}

// Shutdown stops every lobby; used in tests and process teardown.
func (d *Directory) Shutdown() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, l := range d.lobbies {
		l.Inbox() <- Shutdown{}
		delete(d.lobbies, id)
	}
}

func (d *Directory) gcLoop() {
	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.reap(time.Now())
		}
	}
}

// reap shuts down lobbies whose last connection went away longer than
// idleTTL ago. A lobby that was never joined counts as idle from
// creation.
func (d *Directory) reap(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, l := range d.lobbies {
		since, idle := l.IdleSince()
		if !idle || now.Sub(since) < d.idleTTL {
			continue
		}
		select {
		case l.inbox <- Shutdown{}:
		default:
			l.cancel()
		}
		delete(d.lobbies, id)
		log.Info().Str("module", "lobby.directory").Str("lobby", string(id)).
			Dur("idle", now.Sub(since)).Msg("reaped idle lobby")
	}
}
