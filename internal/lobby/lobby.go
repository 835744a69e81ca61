// Package lobby implements the per-game coordination actor. One
// goroutine per lobby owns all game bookkeeping and drains a single
// mailbox, so no two client actions ever interleave destructively. The
// board keeps its own narrow mutex because the deferred buzzer-close
// timer touches it from outside the mailbox.
package lobby

import (
	"context"
	"slices"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/StealthOrc/cult-pardy-sub000/internal/domain"
	"github.com/StealthOrc/cult-pardy-sub000/internal/identity"
	"github.com/StealthOrc/cult-pardy-sub000/internal/protocol"
)

const (
	inboxSize         = 64
	pingWindow        = 5
	adminCheckTimeout = 3 * time.Second
	viewTimeout       = time.Second
)

// Config carries the tunables a lobby needs; zero values fall back to
// the defaults below.
type Config struct {
	MaxUserConnections int
	BuzzerGrace        time.Duration
	MediaDebounce      time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxUserConnections <= 0 {
		c.MaxUserConnections = 2
	}
	if c.BuzzerGrace <= 0 {
		c.BuzzerGrace = 2 * time.Second
	}
	if c.MediaDebounce <= 0 {
		c.MediaDebounce = 250 * time.Millisecond
	}
	return c
}

// connRecord is the lobby-side bookkeeping for one physical socket.
type connRecord struct {
	id      domain.WebsocketSessionID
	user    domain.UserSessionID
	out     Outbound
	samples []int64
	lastAvg int64
}

// push adds a round-trip sample to the rolling window and returns the
// new average in milliseconds.
func (c *connRecord) push(sample int64) int64 {
	if len(c.samples) == pingWindow {
		copy(c.samples, c.samples[1:])
		c.samples = c.samples[:pingWindow-1]
	}
	c.samples = append(c.samples, sample)
	var sum int64
	for _, s := range c.samples {
		sum += s
	}
	return sum / int64(len(c.samples))
}

type Lobby struct {
	id      domain.LobbyID
	creator domain.UserSessionID
	cfg     Config
	admins  identity.AdminChecker
	board   *domain.Board

	inbox chan Msg

	// Everything below is owned by the loop goroutine.
	connected []domain.UserSessionID
	allowed   map[domain.UserSessionID]struct{}
	users     map[domain.UserSessionID]domain.UserSession
	scores    map[domain.UserSessionID]int
	conns     map[domain.WebsocketSessionID]*connRecord
	state     domain.GameState

	// emptySince is unix nanos of the moment the last socket went away,
	// zero while any socket is live. Read by the directory's idle scan.
	emptySince atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
}

func New(parent context.Context, id domain.LobbyID, creator domain.UserSessionID, board *domain.Board, cfg Config, admins identity.AdminChecker) *Lobby {
	ctx, cancel := context.WithCancel(parent)
	l := &Lobby{
		id:      id,
		creator: creator,
		cfg:     cfg.withDefaults(),
		admins:  admins,
		board:   board,
		inbox:   make(chan Msg, inboxSize),
		allowed: map[domain.UserSessionID]struct{}{creator: {}},
		users:   make(map[domain.UserSessionID]domain.UserSession),
		scores:  make(map[domain.UserSessionID]int),
		conns:   make(map[domain.WebsocketSessionID]*connRecord),
		state:   domain.GameWaiting,
		ctx:     ctx,
		cancel:  cancel,
	}
	l.emptySince.Store(time.Now().UnixNano())
	go l.loop()
	return l
}

func (l *Lobby) ID() domain.LobbyID { return l.id }

func (l *Lobby) Creator() domain.UserSessionID { return l.creator }

func (l *Lobby) Inbox() chan<- Msg { return l.inbox }

// IdleSince reports when the lobby lost its last connection; ok is
// false while any socket is live.
func (l *Lobby) IdleSince() (time.Time, bool) {
	ns := l.emptySince.Load()
	if ns == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, ns), true
}

// CanJoin answers the handshake question: open phase, or user still in
// the allowed set.
func (l *Lobby) CanJoin(user domain.UserSessionID) bool {
	reply := make(chan View, 1)
	select {
	case l.inbox <- GetView{Reply: reply}:
	case <-l.ctx.Done():
		return false
	}
	select {
	case v := <-reply:
		return v.State.Open() || slices.Contains(v.Allowed, user)
	case <-time.After(viewTimeout):
		return false
	case <-l.ctx.Done():
		return false
	}
}

func (l *Lobby) loop() {
	for {
		select {
		case <-l.ctx.Done():
			l.shutdown()
			return
		case m := <-l.inbox:
			switch msg := m.(type) {
			case Connect:
				l.handleConnect(msg)
			case Disconnect:
				l.handleDisconnect(msg.ID)
			case Click:
				l.requirePrivilege(msg.User, func() { l.applyClick(msg) })
			case Back:
				l.requirePrivilege(msg.User, func() { l.applyBack() })
			case AwardScore:
				l.requirePrivilege(msg.User, func() { l.applyAward(msg) })
			case VideoEvent:
				l.handleVideo(msg)
			case BuzzerOpen:
				l.handleBuzzerOpen()
			case Buzz:
				l.handleBuzz(msg.User)
			case BuzzerClose:
				l.handleBuzzerClose()
			case BuzzerReset:
				l.handleBuzzerReset()
			case UpdatePing:
				l.handleUpdatePing(msg)
			case UpdateGameState:
				l.requirePrivilege(msg.User, func() { l.applyGameState(msg.State) })
			case GetView:
				msg.Reply <- l.view()
			case task:
				msg.fn()
			case Shutdown:
				l.shutdown()
				return
			default:
				log.Warn().Str("module", "lobby").Str("lobby", string(l.id)).
					Type("msg", m).Msg("unexpected mailbox message")
			}
		}
	}
}

// requirePrivilege runs apply immediately for the creator; for anyone
// else it queries the external admin check off the loop goroutine and
// re-enters apply through the mailbox, so apply phases never interleave.
// Denied actions are dropped without a reply.
func (l *Lobby) requirePrivilege(user domain.UserSessionID, apply func()) {
	if user == l.creator {
		apply()
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(l.ctx, adminCheckTimeout)
		defer cancel()
		ok, err := l.admins.IsAdmin(ctx, user)
		if err != nil {
			log.Warn().Err(err).Str("module", "lobby").Str("lobby", string(l.id)).
				Str("user", string(user)).Msg("admin check failed")
			return
		}
		if !ok {
			log.Debug().Str("module", "lobby").Str("lobby", string(l.id)).
				Str("user", string(user)).Msg("privileged action dropped")
			return
		}
		select {
		case l.inbox <- task{fn: apply}:
		case <-l.ctx.Done():
		}
	}()
}

func (l *Lobby) connCount(user domain.UserSessionID) int {
	n := 0
	for _, rec := range l.conns {
		if rec.user == user {
			n++
		}
	}
	return n
}

func (l *Lobby) handleConnect(msg Connect) {
	user := msg.Session.ID
	if !l.state.Open() {
		if _, ok := l.allowed[user]; !ok {
			msg.Reply <- ConnectAck{}
			return
		}
	}
	if l.connCount(user) >= l.cfg.MaxUserConnections {
		msg.Reply <- ConnectAck{}
		return
	}

	id := domain.NewWebsocketSessionID()
	rec := &connRecord{id: id, user: user, out: msg.Out}
	if msg.Ping > 0 {
		rec.lastAvg = rec.push(msg.Ping)
	}
	l.conns[id] = rec
	l.emptySince.Store(0)

	newJoin := !slices.Contains(l.connected, user)
	if newJoin {
		l.connected = append(l.connected, user)
	}
	l.users[user] = *msg.Session
	if _, ok := l.scores[user]; !ok {
		l.scores[user] = 0
	}
	msg.Reply <- ConnectAck{ID: id, Granted: true}

	// Snapshot goes to the new socket only; everyone else already has it.
	l.send(rec, boardSnapshotFrame(l.board))
	l.send(rec, sessionsFrame(l.sessionsDTO()))
	l.send(rec, pingsFrame(l.pingsDTO()))

	l.broadcast(websocketFrame(protocol.WebsocketJoined, id, user))
	if newJoin {
		dto := l.sessionDTO(user)
		l.broadcast(protocol.ServerFrame{Type: protocol.ServerSession, Session: &protocol.SessionFrame{
			Kind:    protocol.SessionJoined,
			Session: &dto,
		}})
		l.broadcast(sessionsFrame(l.sessionsDTO()))
	}
	log.Info().Str("module", "lobby").Str("lobby", string(l.id)).
		Str("user", string(user)).Str("ws", string(id)).Bool("new_join", newJoin).
		Msg("connection registered")
}

func (l *Lobby) handleDisconnect(id domain.WebsocketSessionID) {
	rec, ok := l.conns[id]
	if !ok {
		return
	}
	delete(l.conns, id)
	rec.out.Close()
	l.broadcast(websocketFrame(protocol.WebsocketDisconnected, id, rec.user))

	if l.connCount(rec.user) == 0 {
		if i := slices.Index(l.connected, rec.user); i >= 0 {
			l.connected = slices.Delete(l.connected, i, i+1)
		}
		// Dropping out mid-round forfeits the right to silently rejoin.
		if !l.state.Open() {
			delete(l.allowed, rec.user)
		}
		l.broadcast(protocol.ServerFrame{Type: protocol.ServerSession, Session: &protocol.SessionFrame{
			Kind: protocol.SessionDisconnected,
			User: rec.user,
		}})
	}
	if len(l.conns) == 0 {
		l.emptySince.Store(time.Now().UnixNano())
	}
	log.Info().Str("module", "lobby").Str("lobby", string(l.id)).
		Str("user", string(rec.user)).Str("ws", string(id)).Msg("connection removed")
}

func (l *Lobby) applyClick(msg Click) {
	_, action, ok := l.board.SetCurrent(msg.Coord, msg.ID, time.Now())
	if !ok {
		log.Warn().Str("module", "lobby").Str("lobby", string(l.id)).
			Int("category", msg.Coord.Category).Int("question", msg.Coord.Question).
			Msg("click outside board")
		return
	}
	dto, _ := l.board.DTOCurrentQuestion()
	l.broadcast(protocol.ServerFrame{Type: protocol.ServerBoard, Board: &protocol.BoardFrame{
		Kind:     protocol.BoardCurrentQuestion,
		Question: &dto,
		Action:   &action,
	}})
}

func (l *Lobby) applyBack() {
	l.board.ClearCurrent()
	l.broadcast(boardSnapshotFrame(l.board))
}

func (l *Lobby) applyAward(msg AwardScore) {
	cur, ok := l.board.Current()
	if !ok || cur != msg.Coord {
		return
	}
	value, ok := l.board.AwardCurrent(msg.Target)
	if !ok {
		return
	}
	l.scores[msg.Target] += value
	l.broadcast(boardSnapshotFrame(l.board))
	l.broadcast(sessionsFrame(l.sessionsDTO()))
}

func (l *Lobby) handleVideo(msg VideoEvent) {
	switch msg.Event.Kind {
	case protocol.VideoSyncBackward:
		l.unicast(msg.ID, protocol.ServerFrame{Type: protocol.ServerAction, Action: &protocol.ActionFrame{
			Kind:       protocol.ActionSyncBackward,
			ServerTime: time.Now().UnixMilli(),
		}})
	case protocol.VideoSyncForward:
		l.unicast(msg.ID, protocol.ServerFrame{Type: protocol.ServerAction, Action: &protocol.ActionFrame{
			Kind:   protocol.ActionSyncForward,
			Offset: time.Now().UnixMilli() - msg.Event.ClientTime,
		}})
	case protocol.VideoChangeState:
		if msg.Event.Status == nil {
			log.Warn().Str("module", "lobby").Str("lobby", string(l.id)).Msg("change_state without status")
			return
		}
		status := *msg.Event.Status
		// The origin is the socket that sent the event, whatever the
		// payload claims.
		status.Origin = msg.ID
		l.requirePrivilege(msg.User, func() {
			if l.board.ApplyMediaState(status, l.cfg.MediaDebounce, time.Now()) {
				l.broadcast(mediaFrame(protocol.VideoChangeState, &status))
			}
		})
	case protocol.VideoPlay, protocol.VideoPause, protocol.VideoResume:
		kind := msg.Event.Kind
		l.requirePrivilege(msg.User, func() {
			l.broadcast(mediaFrame(kind, nil))
		})
	case protocol.VideoNext, protocol.VideoPrevious:
		delta := 1
		if msg.Event.Kind == protocol.VideoPrevious {
			delta = -1
		}
		l.requirePrivilege(msg.User, func() {
			if player, ok := l.board.StepMedia(delta, msg.ID, time.Now()); ok {
				l.broadcast(mediaFrame(protocol.VideoChangeState, &player.Status))
			}
		})
	default:
		log.Warn().Str("module", "lobby").Str("lobby", string(l.id)).
			Str("kind", msg.Event.Kind).Msg("unknown video event")
	}
}

func (l *Lobby) handleBuzzerOpen() {
	if l.board.OpenBuzzer() {
		l.broadcast(protocol.ServerFrame{Type: protocol.ServerBoard, Board: &protocol.BoardFrame{
			Kind: protocol.BoardBuzzeringStarted,
		}})
	}
}

func (l *Lobby) handleBuzz(user domain.UserSessionID) {
	res := l.board.RecordBuzz(user, time.Now(), l.cfg.BuzzerGrace)
	if !res.First {
		return
	}
	// One deferred close per window, tied to the first arrival. The
	// close handler re-validates, so a reset in between makes it a no-op.
	time.AfterFunc(l.cfg.BuzzerGrace, func() {
		select {
		case l.inbox <- BuzzerClose{}:
		case <-l.ctx.Done():
		}
	})
}

func (l *Lobby) handleBuzzerClose() {
	ranking, ok := l.board.CloseBuzzer()
	if !ok {
		return
	}
	l.broadcast(protocol.ServerFrame{Type: protocol.ServerBoard, Board: &protocol.BoardFrame{
		Kind:    protocol.BoardBuzzeringClosed,
		Ranking: ranking,
	}})
}

func (l *Lobby) handleBuzzerReset() {
	if l.board.ResetBuzzer() {
		l.broadcast(boardSnapshotFrame(l.board))
	}
}

func (l *Lobby) handleUpdatePing(msg UpdatePing) {
	rec, ok := l.conns[msg.ID]
	if !ok {
		return
	}
	avg := rec.push(msg.Sample)
	if avg == rec.lastAvg {
		return
	}
	rec.lastAvg = avg
	l.broadcast(protocol.ServerFrame{Type: protocol.ServerSession, Session: &protocol.SessionFrame{
		Kind: protocol.SessionPing,
		User: rec.user,
		Ping: avg,
	}})
}

func (l *Lobby) applyGameState(state domain.GameState) {
	switch state {
	case domain.GameWaiting, domain.GameStarting, domain.GamePlaying, domain.GameEnd:
	default:
		return
	}
	l.state = state
	if state == domain.GameStarting {
		l.allowed = map[domain.UserSessionID]struct{}{l.creator: {}}
		for _, user := range l.connected {
			l.allowed[user] = struct{}{}
		}
	}
	l.broadcast(sessionsFrame(l.sessionsDTO()))
	log.Info().Str("module", "lobby").Str("lobby", string(l.id)).
		Str("state", string(state)).Msg("game state changed")
}

func (l *Lobby) sessionDTO(user domain.UserSessionID) domain.DTOUserSession {
	return domain.DTOUserSession{
		ID:          user,
		Username:    l.users[user].Username,
		Score:       l.scores[user],
		Connections: l.connCount(user),
	}
}

func (l *Lobby) sessionsDTO() []domain.DTOUserSession {
	out := make([]domain.DTOUserSession, 0, len(l.connected))
	for _, user := range l.connected {
		out = append(out, l.sessionDTO(user))
	}
	return out
}

func (l *Lobby) pingsDTO() map[domain.UserSessionID]int64 {
	out := make(map[domain.UserSessionID]int64)
	for _, rec := range l.conns {
		if cur, ok := out[rec.user]; !ok || rec.lastAvg > cur {
			out[rec.user] = rec.lastAvg
		}
	}
	return out
}

func (l *Lobby) view() View {
	allowed := make([]domain.UserSessionID, 0, len(l.allowed))
	for user := range l.allowed {
		allowed = append(allowed, user)
	}
	scores := make(map[domain.UserSessionID]int, len(l.scores))
	for user, s := range l.scores {
		scores[user] = s
	}
	return View{
		Connected: append([]domain.UserSessionID(nil), l.connected...),
		Allowed:   allowed,
		Scores:    scores,
		State:     l.state,
		NumConns:  len(l.conns),
	}
}

func (l *Lobby) send(rec *connRecord, frame protocol.ServerFrame) {
	if err := rec.out.TrySend(frame); err != nil {
		l.handleDisconnect(rec.id)
	}
}

func (l *Lobby) unicast(id domain.WebsocketSessionID, frame protocol.ServerFrame) {
	if rec, ok := l.conns[id]; ok {
		l.send(rec, frame)
	}
}

// broadcast fans out in apply order. A connection whose send buffer is
// full gets dropped the same way a disconnect would.
func (l *Lobby) broadcast(frame protocol.ServerFrame) {
	var dropped []domain.WebsocketSessionID
	for id, rec := range l.conns {
		if err := rec.out.TrySend(frame); err != nil {
			dropped = append(dropped, id)
		}
	}
	for _, id := range dropped {
		log.Warn().Str("module", "lobby").Str("lobby", string(l.id)).
			Str("ws", string(id)).Msg("dropping slow connection")
		l.handleDisconnect(id)
	}
}

func (l *Lobby) shutdown() {
	for id, rec := range l.conns {
		rec.out.Close()
		delete(l.conns, id)
	}
	l.cancel()
}

func boardSnapshotFrame(b *domain.Board) protocol.ServerFrame {
	dto := b.DTO()
	return protocol.ServerFrame{Type: protocol.ServerBoard, Board: &protocol.BoardFrame{
		Kind:  protocol.BoardCurrent,
		Board: &dto,
	}}
}

func sessionsFrame(sessions []domain.DTOUserSession) protocol.ServerFrame {
	return protocol.ServerFrame{Type: protocol.ServerSession, Session: &protocol.SessionFrame{
		Kind:     protocol.SessionCurrent,
		Sessions: sessions,
	}}
}

func pingsFrame(pings map[domain.UserSessionID]int64) protocol.ServerFrame {
	return protocol.ServerFrame{Type: protocol.ServerSession, Session: &protocol.SessionFrame{
		Kind:  protocol.SessionsPing,
		Pings: pings,
	}}
}

func websocketFrame(kind string, id domain.WebsocketSessionID, user domain.UserSessionID) protocol.ServerFrame {
	return protocol.ServerFrame{Type: protocol.ServerWebsocket, Websocket: &protocol.WebsocketFrame{
		Kind: kind,
		ID:   id,
		User: user,
	}}
}

func mediaFrame(kind string, status *domain.MediaStatus) protocol.ServerFrame {
	return protocol.ServerFrame{Type: protocol.ServerAction, Action: &protocol.ActionFrame{
		Kind:  protocol.ActionMedia,
		Media: &protocol.MediaAction{Kind: kind, Status: status},
	}}
}
