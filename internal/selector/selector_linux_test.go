//go:build linux

package selector

import (
	"aiocore/internal/buffer"
	"aiocore/internal/channel"

	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newSelector(t *testing.T) *Selector {
	s, err := New()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func nonBlockingPair(t *testing.T) (*channel.Channel, *channel.Channel) {
	a, b, err := channel.SocketPair()
	require.NoError(t, err)
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	require.NoError(t, a.SetMode(channel.NonBlocking))
	require.NoError(t, b.SetMode(channel.NonBlocking))
	return a, b
}

func Test_Selector_ReadReadiness(t *testing.T) {
	s := newSelector(t)
	a, b := nonBlockingPair(t)

	k, err := s.Register(a, OpRead, "a")
	require.NoError(t, err)
	assert.Equal(t, "a", k.Attachment())
	assert.Same(t, a, k.Channel())

	keys, err := s.Poll()
	require.NoError(t, err)
	assert.Empty(t, keys)

	_, err = b.Write(buffer.Wrap([]byte("ping")))
	require.NoError(t, err)

	keys, err = s.Wait(time.Second)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Same(t, k, keys[0])
	assert.Equal(t, OpRead, k.Ready())

	dst := buffer.Wrap(make([]byte, 8))
	n, err := a.Read(dst)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func Test_Selector_ReadyMaskedByInterest(t *testing.T) {
	s := newSelector(t)
	a, b := nonBlockingPair(t)

	// a socket is writable straight away, but only read was asked for
	k, err := s.Register(a, OpRead, nil)
	require.NoError(t, err)
	keys, err := s.Wait(20 * time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, keys)

	require.NoError(t, k.SetInterest(OpRead|OpWrite))
	assert.Equal(t, OpRead|OpWrite, k.Interest())
	keys, err = s.Poll()
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, OpWrite, keys[0].Ready())

	_, err = b.Write(buffer.Wrap([]byte("x")))
	require.NoError(t, err)
	require.NoError(t, k.SetInterest(OpRead))
	keys, err = s.Wait(time.Second)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, OpRead, keys[0].Ready())
}

func Test_Selector_ReregisterKeepsKey(t *testing.T) {
	s := newSelector(t)
	a, _ := nonBlockingPair(t)

	k1, err := s.Register(a, OpRead, 1)
	require.NoError(t, err)
	k2, err := s.Register(a, OpWrite, 2)
	require.NoError(t, err)
	assert.Same(t, k1, k2)
	assert.Equal(t, OpWrite, k1.Interest())
	assert.Equal(t, 2, k1.Attachment())
	assert.Len(t, s.Keys(), 1)
}

func Test_Selector_ClosedChannelNeverReported(t *testing.T) {
	s := newSelector(t)
	a, b := nonBlockingPair(t)

	k, err := s.Register(a, OpRead|OpWrite, nil)
	require.NoError(t, err)
	_, err = b.Write(buffer.Wrap([]byte("pending")))
	require.NoError(t, err)

	require.NoError(t, a.Close())
	assert.False(t, k.IsValid())

	keys, err := s.Wait(20 * time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, keys)
	assert.Empty(t, s.Keys())
}

func Test_Selector_Cancel(t *testing.T) {
	s := newSelector(t)
	a, b := nonBlockingPair(t)

	k, err := s.Register(a, OpRead, nil)
	require.NoError(t, err)
	k.Cancel()
	k.Cancel()
	assert.False(t, k.IsValid())
	assert.True(t, a.IsOpen())
	assert.ErrorIs(t, k.SetInterest(OpWrite), ErrCancelled)

	_, err = b.Write(buffer.Wrap([]byte("x")))
	require.NoError(t, err)
	keys, err := s.Poll()
	require.NoError(t, err)
	assert.Empty(t, keys)

	// a fresh registration works after cancel
	k2, err := s.Register(a, OpRead, nil)
	require.NoError(t, err)
	assert.NotSame(t, k, k2)
	keys, err = s.Wait(time.Second)
	require.NoError(t, err)
	assert.Len(t, keys, 1)
}

func Test_Selector_WakeupAndClose(t *testing.T) {
	s, err := New()
	require.NoError(t, err)
	a, _ := nonBlockingPair(t)
	k, err := s.Register(a, OpRead, nil)
	require.NoError(t, err)

	require.NoError(t, s.Wakeup())
	keys, err := s.Wait(0)
	require.NoError(t, err)
	assert.Empty(t, keys)

	done := make(chan error, 1)
	go func() {
		_, err := s.Wait(0)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("Wait stayed blocked after Close")
	}
	assert.False(t, k.IsValid())
	assert.True(t, a.IsOpen())
	_, err = s.Register(a, OpRead, nil)
	assert.ErrorIs(t, err, ErrClosed)
}

func Test_Selector_RegisterRules(t *testing.T) {
	s := newSelector(t)

	a, b, err := channel.SocketPair()
	require.NoError(t, err)
	defer a.Close()
	defer b.Close()
	_, err = s.Register(a, OpRead, nil)
	assert.ErrorIs(t, err, ErrBlocking)

	fp := filepath.Join(t.TempDir(), "plain")
	require.NoError(t, os.WriteFile(fp, nil, 0o644))
	f, err := channel.OpenFile(fp, unix.O_RDONLY, 0)
	require.NoError(t, err)
	defer f.Close()
	_, err = s.Register(f, OpRead, nil)
	assert.ErrorIs(t, err, ErrNotSelectable)

	r, w, err := channel.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()
	require.NoError(t, r.SetMode(channel.NonBlocking))
	_, err = s.Register(r, OpWrite, nil)
	assert.ErrorIs(t, err, channel.ErrUnsupportedDirection)

	require.NoError(t, b.Close())
	_, err = s.Register(b, OpRead, nil)
	assert.ErrorIs(t, err, channel.ErrClosed)

	_, err = s.Wait(-time.Second)
	assert.ErrorIs(t, err, channel.ErrInvalidArg)
}
