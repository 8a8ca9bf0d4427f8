package connection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	id     string
	done   chan struct{}
	reason error
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id, done: make(chan struct{})}
}

func (c *fakeConn) ID() string            { return c.id }
func (c *fakeConn) Remote() string        { return "127.0.0.1:1" }
func (c *fakeConn) Done() <-chan struct{} { return c.done }
func (c *fakeConn) Close(reason error) {
	c.reason = reason
	close(c.done)
}

func TestConnectionManager(t *testing.T) {
	cm := NewConnectionManager()
	a, b := newFakeConn("a"), newFakeConn("b")
	cm.AddConnection(a)
	cm.AddConnection(a)
	cm.AddConnection(b)
	assert.Equal(t, 2, cm.Count())

	got, ok := cm.GetConnection("a")
	require.True(t, ok)
	assert.Equal(t, "a", got.ID())

	cm.RemoveConnection("a")
	cm.RemoveConnection("a")
	assert.Equal(t, 1, cm.Count())
	_, ok = cm.GetConnection("a")
	assert.False(t, ok)

	reason := errors.New("bye")
	require.NoError(t, cm.CloseAll(context.Background(), reason))
	assert.Equal(t, reason, b.reason)
}

type stuckConn struct{ *fakeConn }

func (c stuckConn) Close(error) {}

func TestCloseAllTimeout(t *testing.T) {
	cm := NewConnectionManager()
	cm.AddConnection(stuckConn{newFakeConn("stuck")})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, cm.CloseAll(ctx, nil), context.DeadlineExceeded)
}

func TestIsNetClosedError(t *testing.T) {
	assert.True(t, IsNetClosedError(net.ErrClosed))
	assert.True(t, IsNetClosedError(fmt.Errorf("write: %w", net.ErrClosed)))
	assert.True(t, IsNetClosedError(&net.OpError{Op: "read", Err: os.ErrDeadlineExceeded}))
	assert.False(t, IsNetClosedError(io.EOF))
}
