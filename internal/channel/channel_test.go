//go:build linux

package channel_test

import (
	"aiocore/internal/buffer"
	"aiocore/internal/channel"

	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func tempfile(t *testing.T, content []byte) string {
	fp := filepath.Join(t.TempDir(), "chan.test")
	require.NoError(t, os.WriteFile(fp, content, 0o644))
	return fp
}

func Test_Channel_CloseIdempotent(t *testing.T) {
	r, w, err := channel.Pipe()
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
	assert.False(t, r.IsOpen())

	_, err = r.Read(buffer.Wrap(make([]byte, 4)))
	assert.ErrorIs(t, err, channel.ErrClosed)
	assert.ErrorIs(t, r.SetMode(channel.NonBlocking), channel.ErrClosed)
}

func Test_Channel_Direction(t *testing.T) {
	r, w, err := channel.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	_, err = r.Write(buffer.Wrap([]byte("x")))
	assert.ErrorIs(t, err, channel.ErrUnsupportedDirection)
	_, err = w.Read(buffer.Wrap(make([]byte, 1)))
	assert.ErrorIs(t, err, channel.ErrUnsupportedDirection)

	// closed wins over direction
	require.NoError(t, w.Close())
	_, err = w.Read(buffer.Wrap(make([]byte, 1)))
	assert.ErrorIs(t, err, channel.ErrClosed)
}

func Test_Channel_PipeRoundTrip_EOF(t *testing.T) {
	r, w, err := channel.Pipe()
	require.NoError(t, err)
	defer r.Close()

	src := buffer.Wrap([]byte("hello pipe"))
	n, err := w.Write(src)
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.False(t, src.HasRemaining())
	require.NoError(t, w.Close())

	dst, err := buffer.Allocate(64, buffer.Heap)
	require.NoError(t, err)
	n, err = r.Read(dst)
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.Equal(t, 10, dst.Position())

	_, err = r.Read(dst)
	assert.ErrorIs(t, err, io.EOF)

	require.NoError(t, dst.Flip())
	got := make([]byte, dst.Remaining())
	require.NoError(t, dst.GetBytes(got))
	assert.Equal(t, "hello pipe", string(got))
}

func Test_Channel_NonBlocking_ZeroCount(t *testing.T) {
	a, b, err := channel.SocketPair()
	require.NoError(t, err)
	defer a.Close()
	defer b.Close()

	require.NoError(t, a.SetMode(channel.NonBlocking))
	assert.Equal(t, channel.NonBlocking, a.Mode())

	dst := buffer.Wrap(make([]byte, 8))
	n, err := a.Read(dst)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 0, dst.Position())

	_, err = b.Write(buffer.Wrap([]byte("ok")))
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		n, err := a.Read(dst)
		return err == nil && n == 2
	}, time.Second, time.Millisecond)
}

func Test_Channel_PositionalFile(t *testing.T) {
	fp := tempfile(t, []byte("0123456789"))
	ch, err := channel.OpenFile(fp, unix.O_RDWR, 0)
	require.NoError(t, err)
	defer ch.Close()

	dst := buffer.Wrap(make([]byte, 4))
	n, err := ch.ReadAt(dst, 3)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	v, _ := dst.ByteAt(0)
	assert.Equal(t, byte('3'), v)

	n, err = ch.WriteAt(buffer.Wrap([]byte("AB")), 8)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	size, err := ch.Size()
	require.NoError(t, err)
	assert.Equal(t, int64(10), size)
	require.NoError(t, ch.Sync())

	_, err = ch.ReadAt(buffer.Wrap(make([]byte, 4)), 10)
	assert.ErrorIs(t, err, io.EOF)
	_, err = ch.ReadAt(dst, -1)
	assert.ErrorIs(t, err, channel.ErrInvalidArg)

	data, err := os.ReadFile(fp)
	require.NoError(t, err)
	assert.Equal(t, "01234567AB", string(data))
}

func Test_Channel_ReadAt_ShortAtEnd(t *testing.T) {
	ch, err := channel.OpenFile(tempfile(t, []byte("0123456789")), unix.O_RDONLY, 0)
	require.NoError(t, err)
	defer ch.Close()

	dst := buffer.Wrap(make([]byte, 4))
	n, err := ch.ReadAt(dst, 8)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, dst.Position())
	assert.Equal(t, 2, dst.Remaining())
}

func Test_Channel_PositionalOnStream(t *testing.T) {
	r, w, err := channel.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()
	_, err = r.ReadAt(buffer.Wrap(make([]byte, 1)), 0)
	assert.ErrorIs(t, err, channel.ErrNotPositional)
	_, err = r.Map(channel.MapReadOnly, 0, 1)
	assert.ErrorIs(t, err, channel.ErrNotPositional)
}

func Test_Channel_Map_InvalidatedOnClose(t *testing.T) {
	fp := tempfile(t, []byte("mapped file contents"))
	ch, err := channel.OpenFile(fp, unix.O_RDWR, 0)
	require.NoError(t, err)

	m, err := ch.Map(channel.MapReadWrite, 7, 4)
	require.NoError(t, err)
	assert.Equal(t, buffer.Mapped, m.Kind())
	assert.Equal(t, 4, m.Capacity())

	got := make([]byte, 4)
	require.NoError(t, m.GetBytes(got))
	assert.Equal(t, "file", string(got))

	require.NoError(t, m.PutBytesAt(0, []byte("FILE")))
	require.NoError(t, m.Sync())

	require.NoError(t, ch.Close())
	_, err = m.ByteAt(0)
	assert.ErrorIs(t, err, buffer.ErrInvalidMapping)

	data, err := os.ReadFile(fp)
	require.NoError(t, err)
	assert.Equal(t, "mapped FILE contents", string(data))
}

func Test_Channel_Map_Release(t *testing.T) {
	fp := tempfile(t, []byte("abc"))
	ch, err := channel.OpenFile(fp, unix.O_RDONLY, 0)
	require.NoError(t, err)
	defer ch.Close()

	m, err := ch.Map(channel.MapReadOnly, 0, 3)
	require.NoError(t, err)
	assert.ErrorIs(t, m.Put('z'), buffer.ErrReadOnly)

	require.NoError(t, m.Release())
	_, err = m.Get()
	assert.ErrorIs(t, err, buffer.ErrInvalidMapping)

	// read-only mappings can't grow the file, read-write needs a writable channel
	_, err = ch.Map(channel.MapReadOnly, 0, 10)
	assert.ErrorIs(t, err, channel.ErrInvalidArg)
	_, err = ch.Map(channel.MapReadWrite, 0, 1)
	assert.ErrorIs(t, err, channel.ErrUnsupportedDirection)
}

func Test_Channel_Map_GrowsFile(t *testing.T) {
	fp := tempfile(t, nil)
	ch, err := channel.OpenFile(fp, unix.O_RDWR, 0)
	require.NoError(t, err)
	defer ch.Close()

	m, err := ch.Map(channel.MapReadWrite, 5000, 16)
	require.NoError(t, err)
	require.NoError(t, m.PutUint64(0x1122334455667788))

	size, err := ch.Size()
	require.NoError(t, err)
	assert.Equal(t, int64(5016), size)
}

func Test_Channel_OnClose_BeforeRelease(t *testing.T) {
	a, b, err := channel.SocketPair()
	require.NoError(t, err)
	defer b.Close()

	fd := a.Fd()
	var sawOpenFd atomic.Bool
	_, err = a.OnClose(func() {
		// descriptor is still ours while hooks run
		_, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
		sawOpenFd.Store(err == nil)
	})
	require.NoError(t, err)

	removed := 0
	cancel, err := a.OnClose(func() { removed++ })
	require.NoError(t, err)
	cancel()

	require.NoError(t, a.Close())
	assert.True(t, sawOpenFd.Load())
	assert.Equal(t, 0, removed)

	_, err = a.OnClose(func() {})
	assert.ErrorIs(t, err, channel.ErrClosed)
}

type countingRing struct {
	reads, writes, syncs atomic.Int32
}

func (r *countingRing) ReadAt(fd int, p []byte, off int64) (int, error) {
	r.reads.Add(1)
	return unix.Pread(fd, p, off)
}

func (r *countingRing) WriteAt(fd int, p []byte, off int64) (int, error) {
	r.writes.Add(1)
	return unix.Pwrite(fd, p, off)
}

func (r *countingRing) Fsync(fd int) error {
	r.syncs.Add(1)
	return unix.Fsync(fd)
}

func Test_Channel_WithRing(t *testing.T) {
	ring := &countingRing{}
	ch, err := channel.OpenFile(tempfile(t, nil), unix.O_RDWR, 0, channel.WithRing(ring))
	require.NoError(t, err)
	defer ch.Close()

	_, err = ch.WriteAt(buffer.Wrap([]byte("ring")), 0)
	require.NoError(t, err)
	require.NoError(t, ch.Sync())
	dst := buffer.Wrap(make([]byte, 4))
	_, err = ch.ReadAt(dst, 0)
	require.NoError(t, err)

	assert.Equal(t, int32(1), ring.writes.Load())
	assert.Equal(t, int32(1), ring.syncs.Load())
	assert.Equal(t, int32(1), ring.reads.Load())
}

func Test_Channel_New_Validation(t *testing.T) {
	_, err := channel.New(-1, channel.File, channel.Readable)
	assert.ErrorIs(t, err, channel.ErrInvalidArg)
	_, err = channel.New(0, channel.File, 0)
	assert.ErrorIs(t, err, channel.ErrInvalidArg)
}
