package channel

import (
	c "aiocore/internal"
	"aiocore/internal/buffer"

	"fmt"
	"io"

	"golang.org/x/sys/unix"
)

type MapMode uint8

const (
	MapReadOnly MapMode = iota
	MapReadWrite
	// copy-on-write, changes never reach the file
	MapPrivate
)

type mapping struct {
	buf *buffer.Buffer
}

func (ch *Channel) positional(want Direction, off int64) error {
	if ch.kind != File {
		return ErrNotPositional
	}
	if off < 0 {
		return fmt.Errorf("%w: offset %d", ErrInvalidArg, off)
	}
	return ch.begin(want)
}

// ReadAt fills [position, limit) from file offset off without touching the
// descriptor's own offset.
func (ch *Channel) ReadAt(r Region, off int64) (int, error) {
	if err := ch.positional(Readable, off); err != nil {
		return 0, err
	}
	defer ch.end()

	p, err := r.Space()
	if err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}
	var n int
	if ch.ring != nil {
		n, err = ch.ring.ReadAt(ch.fd, p, off)
	} else {
		n, err = pread(ch.fd, p, off)
	}
	if err != nil {
		return 0, &IOError{Op: "pread", Fd: ch.fd, Err: err}
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, r.Advance(n)
}

// pread retries on EINTR only. A short count near the end of the file is
// returned as is.
func pread(fd int, p []byte, off int64) (int, error) {
	for {
		n, err := unix.Pread(fd, p, off)
		if err == unix.EINTR {
			continue
		}
		return n, err
	}
}

// WriteAt writes [position, limit) at file offset off.
func (ch *Channel) WriteAt(r Region, off int64) (int, error) {
	if err := ch.positional(Writable, off); err != nil {
		return 0, err
	}
	defer ch.end()

	p, err := r.View()
	if err != nil {
		return 0, err
	}
	total := 0
	for total < len(p) {
		var n int
		if ch.ring != nil {
			n, err = ch.ring.WriteAt(ch.fd, p[total:], off+int64(total))
		} else {
			n, err = unix.Pwrite(ch.fd, p[total:], off+int64(total))
		}
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			_ = r.Advance(total)
			return total, &IOError{Op: "pwrite", Fd: ch.fd, Err: err}
		}
		if n == 0 {
			break
		}
		total += n
	}
	return total, r.Advance(total)
}

func (ch *Channel) Size() (int64, error) {
	if ch.kind != File {
		return 0, ErrNotPositional
	}
	if err := ch.begin(0); err != nil {
		return 0, err
	}
	defer ch.end()
	var st unix.Stat_t
	if err := unix.Fstat(ch.fd, &st); err != nil {
		return 0, &IOError{Op: "fstat", Fd: ch.fd, Err: err}
	}
	return st.Size, nil
}

// Sync flushes file contents to the device.
func (ch *Channel) Sync() error {
	if ch.kind != File {
		return ErrNotPositional
	}
	if err := ch.begin(Writable); err != nil {
		return err
	}
	defer ch.end()
	var err error
	if ch.ring != nil {
		err = ch.ring.Fsync(ch.fd)
	} else {
		err = unix.Fsync(ch.fd)
	}
	if err != nil {
		return &IOError{Op: "fsync", Fd: ch.fd, Err: err}
	}
	return nil
}

func (ch *Channel) Truncate(size int64) error {
	if err := ch.positional(Writable, size); err != nil {
		return err
	}
	defer ch.end()
	if err := unix.Ftruncate(ch.fd, size); err != nil {
		return &IOError{Op: "ftruncate", Fd: ch.fd, Err: err}
	}
	return nil
}

// Map maps [off, off+size) of the file into memory. The buffer stays valid
// until it is released or the channel closes, whichever comes first. A
// read-write mapping past the end of the file grows the file first.
func (ch *Channel) Map(mode MapMode, off int64, size int) (*buffer.Buffer, error) {
	want := Readable
	prot := unix.PROT_READ
	flags := unix.MAP_SHARED
	switch mode {
	case MapReadOnly:
	case MapReadWrite:
		want = Duplex
		prot |= unix.PROT_WRITE
	case MapPrivate:
		prot |= unix.PROT_WRITE
		flags = unix.MAP_PRIVATE
	default:
		return nil, fmt.Errorf("%w: map mode %d", ErrInvalidArg, mode)
	}
	if size < 0 {
		return nil, fmt.Errorf("%w: size %d", ErrInvalidArg, size)
	}
	if err := ch.positional(want, off); err != nil {
		return nil, err
	}
	defer ch.end()

	var st unix.Stat_t
	if err := unix.Fstat(ch.fd, &st); err != nil {
		return nil, &IOError{Op: "fstat", Fd: ch.fd, Err: err}
	}
	if st.Size < off+int64(size) {
		if mode != MapReadWrite {
			return nil, fmt.Errorf("%w: region [%d, +%d) past end of file (%d)", ErrInvalidArg, off, size, st.Size)
		}
		if err := unix.Ftruncate(ch.fd, off+int64(size)); err != nil {
			return nil, &IOError{Op: "ftruncate", Fd: ch.fd, Err: err}
		}
	}
	if size == 0 {
		return buffer.Wrap(nil), nil
	}

	start := c.AlignDown(off, int64(unix.Getpagesize()))
	delta := int(off - start)
	mem, err := unix.Mmap(ch.fd, start, size+delta, prot, flags)
	if err != nil {
		return nil, &IOError{Op: "mmap", Fd: ch.fd, Err: err}
	}
	b := buffer.NewMapped(mem, mem[delta:delta+size], mode == MapReadOnly, unix.Munmap)

	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		_ = b.Release()
		return nil, ErrClosed
	}
	live := ch.maps[:0]
	for _, m := range ch.maps {
		if m.buf.Valid() {
			live = append(live, m)
		}
	}
	ch.maps = append(live, mapping{buf: b})
	ch.mu.Unlock()

	ch.log.Debug("mapped", "off", off, "size", size, "mode", mode)
	return b, nil
}
