package lobby

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StealthOrc/cult-pardy-sub000/internal/domain"
)

func newTestDirectory(t *testing.T, idleTTL time.Duration) *Directory {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return NewDirectory(ctx, Config{}, fakeAdmins{}, idleTTL)
}

func TestCreateRejectsEmptyBoard(t *testing.T) {
	d := newTestDirectory(t, 0)

	_, err := d.Create("host", nil)
	assert.ErrorIs(t, err, ErrEmptyBoard)

	_, err = d.Create("host", domain.NewBoard(nil))
	assert.ErrorIs(t, err, ErrEmptyBoard)
}

func TestDirectoryLookup(t *testing.T) {
	d := newTestDirectory(t, 0)

	id, err := d.Create("host", testBoard())
	require.NoError(t, err)

	assert.True(t, d.Exists(id))
	assert.False(t, d.Exists("nope"))

	l, ok := d.Handle(id)
	require.True(t, ok)
	assert.Equal(t, id, l.ID())
	assert.Equal(t, domain.UserSessionID("host"), l.Creator())

	_, ok = d.Handle("nope")
	assert.False(t, ok)

	// Waiting lobbies are open to anyone.
	assert.True(t, d.CanJoin(id, "alice"))
	assert.False(t, d.CanJoin("nope", "alice"))
}

func TestReapIdleLobbies(t *testing.T) {
	d := newTestDirectory(t, 30*time.Minute)

	idle, err := d.Create("host", testBoard())
	require.NoError(t, err)
	busy, err := d.Create("host", testBoard())
	require.NoError(t, err)

	l, ok := d.Handle(busy)
	require.True(t, ok)
	_, ack := connect(t, l, "host")
	require.True(t, ack.Granted)

	// A lobby that was never joined counts as idle from creation.
	d.reap(time.Now().Add(time.Hour))

	assert.False(t, d.Exists(idle))
	assert.True(t, d.Exists(busy), "a lobby with a live connection is never reaped")
}
