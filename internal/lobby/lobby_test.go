package lobby

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StealthOrc/cult-pardy-sub000/internal/domain"
	"github.com/StealthOrc/cult-pardy-sub000/internal/protocol"
)

type fakeOutbound struct {
	frames chan protocol.ServerFrame
}

func newFakeOutbound(buffer int) *fakeOutbound {
	return &fakeOutbound{frames: make(chan protocol.ServerFrame, buffer)}
}

func (f *fakeOutbound) TrySend(frame protocol.ServerFrame) error {
	select {
	case f.frames <- frame:
		return nil
	default:
		return errors.New("outbox full")
	}
}

func (f *fakeOutbound) Close() {}

type fakeAdmins map[domain.UserSessionID]bool

func (f fakeAdmins) IsAdmin(_ context.Context, id domain.UserSessionID) (bool, error) {
	return f[id], nil
}

func testBoard() *domain.Board {
	return domain.NewBoard([]domain.Category{
		{
			Title: "History",
			Questions: []domain.Question{
				{Value: 100, Prompt: "First question", Answer: "First answer"},
				{Value: 200, Prompt: "Second question", Answer: "Second answer"},
			},
		},
		{
			Title: "Music",
			Questions: []domain.Question{
				{Value: 100, Prompt: "Listen", Answer: "A song", Media: []string{"a.mp4", "b.mp4"}},
			},
		},
	})
}

func newTestLobby(t *testing.T, cfg Config, admins fakeAdmins) *Lobby {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return New(ctx, "lobby-1", "host", testBoard(), cfg, admins)
}

// connect registers a fresh socket for user and waits for the ack.
func connect(t *testing.T, l *Lobby, user domain.UserSessionID) (*fakeOutbound, ConnectAck) {
	t.Helper()
	out := newFakeOutbound(64)
	reply := make(chan ConnectAck, 1)
	l.Inbox() <- Connect{
		Session: &domain.UserSession{ID: user, Username: string(user)},
		Out:     out,
		Reply:   reply,
	}
	select {
	case ack := <-reply:
		return out, ack
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for connect ack")
		return nil, ConnectAck{}
	}
}

// view doubles as a barrier: once it returns, every message sent to the
// mailbox before it has been fully applied.
func view(t *testing.T, l *Lobby) View {
	t.Helper()
	reply := make(chan View, 1)
	l.Inbox() <- GetView{Reply: reply}
	select {
	case v := <-reply:
		return v
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for view")
		return View{}
	}
}

func drain(out *fakeOutbound) {
	for {
		select {
		case <-out.frames:
		default:
			return
		}
	}
}

// waitFor reads frames until one matches pred, failing on timeout.
func waitFor(t *testing.T, out *fakeOutbound, within time.Duration, pred func(protocol.ServerFrame) bool) protocol.ServerFrame {
	t.Helper()
	deadline := time.After(within)
	for {
		select {
		case f := <-out.frames:
			if pred(f) {
				return f
			}
		case <-deadline:
			t.Fatalf("timed out waiting for frame")
			return protocol.ServerFrame{}
		}
	}
}

// expectNone asserts no matching frame arrives within the window.
func expectNone(t *testing.T, out *fakeOutbound, within time.Duration, pred func(protocol.ServerFrame) bool) {
	t.Helper()
	deadline := time.After(within)
	for {
		select {
		case f := <-out.frames:
			if pred(f) {
				t.Fatalf("expected no matching frame, got %+v", f)
			}
		case <-deadline:
			return
		}
	}
}

func boardKind(kind string) func(protocol.ServerFrame) bool {
	return func(f protocol.ServerFrame) bool {
		return f.Type == protocol.ServerBoard && f.Board != nil && f.Board.Kind == kind
	}
}

func sessionKind(kind string) func(protocol.ServerFrame) bool {
	return func(f protocol.ServerFrame) bool {
		return f.Type == protocol.ServerSession && f.Session != nil && f.Session.Kind == kind
	}
}

func actionKind(kind string) func(protocol.ServerFrame) bool {
	return func(f protocol.ServerFrame) bool {
		return f.Type == protocol.ServerAction && f.Action != nil && f.Action.Kind == kind
	}
}

func websocketKind(kind string) func(protocol.ServerFrame) bool {
	return func(f protocol.ServerFrame) bool {
		return f.Type == protocol.ServerWebsocket && f.Websocket != nil && f.Websocket.Kind == kind
	}
}

func TestConnectCapPerUser(t *testing.T) {
	l := newTestLobby(t, Config{MaxUserConnections: 2}, nil)

	_, ack1 := connect(t, l, "alice")
	assert.True(t, ack1.Granted)
	_, ack2 := connect(t, l, "alice")
	assert.True(t, ack2.Granted)
	_, ack3 := connect(t, l, "alice")
	assert.False(t, ack3.Granted, "third concurrent socket must be refused")

	assert.Equal(t, 2, view(t, l).NumConns)
}

func TestConnectSnapshotOrder(t *testing.T) {
	l := newTestLobby(t, Config{}, nil)
	out, ack := connect(t, l, "host")
	require.True(t, ack.Granted)

	// The new socket gets board, session list and ping table first.
	f := waitFor(t, out, time.Second, func(protocol.ServerFrame) bool { return true })
	require.True(t, boardKind(protocol.BoardCurrent)(f), "first frame should be the board snapshot, got %+v", f)
	f = waitFor(t, out, time.Second, func(protocol.ServerFrame) bool { return true })
	require.True(t, sessionKind(protocol.SessionCurrent)(f), "second frame should be the session list, got %+v", f)
	f = waitFor(t, out, time.Second, func(protocol.ServerFrame) bool { return true })
	require.True(t, sessionKind(protocol.SessionsPing)(f), "third frame should be the ping table, got %+v", f)

	waitFor(t, out, time.Second, websocketKind(protocol.WebsocketJoined))
	waitFor(t, out, time.Second, sessionKind(protocol.SessionJoined))
}

func TestDisconnectLastConnectionOnly(t *testing.T) {
	l := newTestLobby(t, Config{}, nil)
	hostOut, _ := connect(t, l, "host")
	_, ack1 := connect(t, l, "alice")
	_, ack2 := connect(t, l, "alice")
	view(t, l)
	drain(hostOut)

	l.Inbox() <- Disconnect{ID: ack1.ID}
	waitFor(t, hostOut, time.Second, websocketKind(protocol.WebsocketDisconnected))
	expectNone(t, hostOut, 150*time.Millisecond, sessionKind(protocol.SessionDisconnected))

	l.Inbox() <- Disconnect{ID: ack2.ID}
	waitFor(t, hostOut, time.Second, websocketKind(protocol.WebsocketDisconnected))
	waitFor(t, hostOut, time.Second, sessionKind(protocol.SessionDisconnected))

	v := view(t, l)
	assert.NotContains(t, v.Connected, domain.UserSessionID("alice"))
	assert.Equal(t, 1, v.NumConns)
}

func TestReconnectRefusedMidRound(t *testing.T) {
	l := newTestLobby(t, Config{}, nil)
	connect(t, l, "host")
	_, aliceAck := connect(t, l, "alice")

	l.Inbox() <- UpdateGameState{User: "host", State: domain.GameStarting}
	l.Inbox() <- UpdateGameState{User: "host", State: domain.GamePlaying}
	v := view(t, l)
	assert.Contains(t, v.Allowed, domain.UserSessionID("alice"), "starting snapshots connected users")

	// Dropping the last socket mid-round forfeits the allowed slot.
	l.Inbox() <- Disconnect{ID: aliceAck.ID}
	v = view(t, l)
	assert.NotContains(t, v.Allowed, domain.UserSessionID("alice"))

	_, ack := connect(t, l, "alice")
	assert.False(t, ack.Granted, "reconnect mid-round without an allowed slot")

	_, ack = connect(t, l, "carol")
	assert.False(t, ack.Granted, "fresh user cannot join mid-round")

	_, ack = connect(t, l, "host")
	assert.True(t, ack.Granted, "creator keeps an allowed slot")
}

func TestClickRequiresPrivilege(t *testing.T) {
	l := newTestLobby(t, Config{}, fakeAdmins{"bob": true})
	hostOut, hostAck := connect(t, l, "host")
	_, aliceAck := connect(t, l, "alice")
	_, bobAck := connect(t, l, "bob")
	view(t, l)
	drain(hostOut)

	l.Inbox() <- Click{User: "alice", ID: aliceAck.ID, Coord: domain.Coord{Category: 0, Question: 0}}
	expectNone(t, hostOut, 200*time.Millisecond, boardKind(protocol.BoardCurrentQuestion))

	l.Inbox() <- Click{User: "bob", ID: bobAck.ID, Coord: domain.Coord{Category: 0, Question: 0}}
	waitFor(t, hostOut, time.Second, boardKind(protocol.BoardCurrentQuestion))

	l.Inbox() <- Click{User: "host", ID: hostAck.ID, Coord: domain.Coord{Category: 0, Question: 1}}
	f := waitFor(t, hostOut, time.Second, boardKind(protocol.BoardCurrentQuestion))
	require.NotNil(t, f.Board.Question)
	assert.Equal(t, "Second question", f.Board.Question.Prompt)
}

func TestAwardScore(t *testing.T) {
	l := newTestLobby(t, Config{}, nil)
	hostOut, hostAck := connect(t, l, "host")
	connect(t, l, "alice")
	view(t, l)

	coord := domain.Coord{Category: 0, Question: 0}
	l.Inbox() <- Click{User: "host", ID: hostAck.ID, Coord: coord}

	// Coord mismatch leaves everything untouched.
	l.Inbox() <- AwardScore{User: "host", Target: "alice", Coord: domain.Coord{Category: 0, Question: 1}}
	v := view(t, l)
	assert.Equal(t, 0, v.Scores["alice"])

	drain(hostOut)
	l.Inbox() <- AwardScore{User: "host", Target: "alice", Coord: coord}
	waitFor(t, hostOut, time.Second, boardKind(protocol.BoardCurrent))
	waitFor(t, hostOut, time.Second, sessionKind(protocol.SessionCurrent))

	v = view(t, l)
	assert.Equal(t, 100, v.Scores["alice"])
	_, open := l.board.Current()
	assert.False(t, open, "award closes the question")
}

func TestBuzzerRound(t *testing.T) {
	l := newTestLobby(t, Config{BuzzerGrace: 150 * time.Millisecond}, nil)
	hostOut, _ := connect(t, l, "host")
	connect(t, l, "alice")
	connect(t, l, "bob")
	view(t, l)
	drain(hostOut)

	l.Inbox() <- BuzzerOpen{}
	waitFor(t, hostOut, time.Second, boardKind(protocol.BoardBuzzeringStarted))

	l.Inbox() <- Buzz{User: "alice"}
	time.Sleep(30 * time.Millisecond)
	l.Inbox() <- Buzz{User: "bob"}

	f := waitFor(t, hostOut, time.Second, boardKind(protocol.BoardBuzzeringClosed))
	assert.Equal(t, []domain.UserSessionID{"alice", "bob"}, f.Board.Ranking)
}

func TestBuzzerResetBroadcastsOnlyOnChange(t *testing.T) {
	l := newTestLobby(t, Config{}, nil)
	hostOut, _ := connect(t, l, "host")
	view(t, l)
	drain(hostOut)

	l.Inbox() <- BuzzerReset{}
	expectNone(t, hostOut, 150*time.Millisecond, boardKind(protocol.BoardCurrent))

	l.Inbox() <- BuzzerOpen{}
	waitFor(t, hostOut, time.Second, boardKind(protocol.BoardBuzzeringStarted))
	l.Inbox() <- BuzzerReset{}
	waitFor(t, hostOut, time.Second, boardKind(protocol.BoardCurrent))
}

func TestPingBroadcastOnChange(t *testing.T) {
	l := newTestLobby(t, Config{}, nil)
	hostOut, hostAck := connect(t, l, "host")
	view(t, l)
	drain(hostOut)

	l.Inbox() <- UpdatePing{ID: hostAck.ID, Sample: 100}
	f := waitFor(t, hostOut, time.Second, sessionKind(protocol.SessionPing))
	assert.Equal(t, int64(100), f.Session.Ping)

	// Same rolling average: nothing to say.
	l.Inbox() <- UpdatePing{ID: hostAck.ID, Sample: 100}
	expectNone(t, hostOut, 150*time.Millisecond, sessionKind(protocol.SessionPing))

	l.Inbox() <- UpdatePing{ID: hostAck.ID, Sample: 130}
	f = waitFor(t, hostOut, time.Second, sessionKind(protocol.SessionPing))
	assert.Equal(t, int64(110), f.Session.Ping)
}

func TestSyncRepliesAreUnicast(t *testing.T) {
	l := newTestLobby(t, Config{}, nil)
	hostOut, _ := connect(t, l, "host")
	aliceOut, aliceAck := connect(t, l, "alice")
	view(t, l)
	drain(hostOut)
	drain(aliceOut)

	before := time.Now().UnixMilli()
	l.Inbox() <- VideoEvent{User: "alice", ID: aliceAck.ID, Event: protocol.VideoEvent{
		Kind:       protocol.VideoSyncForward,
		ClientTime: before - 40,
	}}
	f := waitFor(t, aliceOut, time.Second, actionKind(protocol.ActionSyncForward))
	assert.GreaterOrEqual(t, f.Action.Offset, int64(40))
	expectNone(t, hostOut, 150*time.Millisecond, actionKind(protocol.ActionSyncForward))

	l.Inbox() <- VideoEvent{User: "alice", ID: aliceAck.ID, Event: protocol.VideoEvent{
		Kind: protocol.VideoSyncBackward,
	}}
	f = waitFor(t, aliceOut, time.Second, actionKind(protocol.ActionSyncBackward))
	assert.GreaterOrEqual(t, f.Action.ServerTime, before)
	expectNone(t, hostOut, 150*time.Millisecond, actionKind(protocol.ActionSyncBackward))
}

func TestMediaChangeStateDebounce(t *testing.T) {
	l := newTestLobby(t, Config{MediaDebounce: 250 * time.Millisecond}, fakeAdmins{"bob": true})
	hostOut, hostAck := connect(t, l, "host")
	aliceOut, _ := connect(t, l, "alice")
	_, bobAck := connect(t, l, "bob")
	view(t, l)

	l.Inbox() <- Click{User: "host", ID: hostAck.ID, Coord: domain.Coord{Category: 1, Question: 0}}
	view(t, l)
	drain(hostOut)
	drain(aliceOut)

	base := time.Now().UnixMilli()
	l.Inbox() <- VideoEvent{User: "host", ID: hostAck.ID, Event: protocol.VideoEvent{
		Kind:   protocol.VideoChangeState,
		Status: &domain.MediaStatus{Position: 1, LastUpdated: base + 10},
	}}
	waitFor(t, aliceOut, time.Second, actionKind(protocol.ActionMedia))

	// Rapid duplicate from the same socket is suppressed.
	l.Inbox() <- VideoEvent{User: "host", ID: hostAck.ID, Event: protocol.VideoEvent{
		Kind:   protocol.VideoChangeState,
		Status: &domain.MediaStatus{Position: 2, LastUpdated: base + 20},
	}}
	expectNone(t, aliceOut, 150*time.Millisecond, actionKind(protocol.ActionMedia))

	// A different socket with a newer timestamp corrects through.
	l.Inbox() <- VideoEvent{User: "bob", ID: bobAck.ID, Event: protocol.VideoEvent{
		Kind:   protocol.VideoChangeState,
		Status: &domain.MediaStatus{Position: 3, LastUpdated: base + 30},
	}}
	waitFor(t, aliceOut, time.Second, actionKind(protocol.ActionMedia))
}

func TestSlowConnectionIsDropped(t *testing.T) {
	l := newTestLobby(t, Config{}, nil)
	out := newFakeOutbound(0)
	reply := make(chan ConnectAck, 1)
	l.Inbox() <- Connect{
		Session: &domain.UserSession{ID: "alice", Username: "alice"},
		Out:     out,
		Reply:   reply,
	}
	select {
	case ack := <-reply:
		require.True(t, ack.Granted)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for connect ack")
	}

	// The snapshot cannot be delivered, so the lobby gives up on the
	// connection immediately.
	assert.Equal(t, 0, view(t, l).NumConns)
}
