// Package channel wraps an opened native descriptor as a readable and/or
// writable endpoint that moves bytes through buffers.
//
// The core never opens paths itself beyond the small constructors kept for
// tools and tests; anything that yields a descriptor can be handed to New.
package channel

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

var (
	ErrClosed               = errors.New("channel is closed")
	ErrUnsupportedDirection = errors.New("operation not supported by channel direction")
	ErrNotPositional        = errors.New("channel does not support positional access")
	ErrInvalidArg           = errors.New("invalid argument")
)

// IOError is a native failure during a read, write or control call.
type IOError struct {
	Op  string
	Fd  int
	Err error
}

func (e *IOError) Error() string { return fmt.Sprintf("%s fd=%d: %v", e.Op, e.Fd, e.Err) }
func (e *IOError) Unwrap() error { return e.Err }

type Direction uint8

const (
	Readable Direction = 1 << iota
	Writable
	Duplex = Readable | Writable
)

func (d Direction) String() string {
	switch d {
	case Readable:
		return "readable"
	case Writable:
		return "writable"
	case Duplex:
		return "duplex"
	}
	return fmt.Sprintf("direction(%d)", uint8(d))
}

type Mode uint8

const (
	Blocking Mode = iota
	NonBlocking
)

// Kind tells files, which support positional access and mapping, from
// streams (pipes, sockets), which support readiness selection.
type Kind uint8

const (
	File Kind = iota
	Stream
)

// Region is the window an operation moves bytes through. *buffer.Buffer is
// one, and so is the *buffer.Loan a pending async operation holds.
type Region interface {
	View() ([]byte, error)
	Space() ([]byte, error)
	Advance(n int) error
}

// Ring performs positional file I/O on behalf of the channel, for example
// through io_uring.
type Ring interface {
	ReadAt(fd int, p []byte, off int64) (int, error)
	WriteAt(fd int, p []byte, off int64) (int, error)
	Fsync(fd int) error
}

type Option func(*Channel)

func WithRing(r Ring) Option {
	return func(ch *Channel) { ch.ring = r }
}

func WithLogger(l *slog.Logger) Option {
	return func(ch *Channel) { ch.log = l }
}

var nextID atomic.Uint64

type Channel struct {
	log  *slog.Logger
	id   uint64
	fd   int
	kind Kind
	dir  Direction
	ring Ring
	mode atomic.Uint32

	mu       sync.Mutex
	closed   bool
	refs     int // calls currently using fd
	fdClosed bool
	hooks    map[uint64]func()
	hookSeq  uint64
	maps     []mapping
}

// New adopts fd. From here on the channel owns the descriptor and releases
// it on Close.
func New(fd int, kind Kind, dir Direction, opts ...Option) (*Channel, error) {
	if fd < 0 {
		return nil, fmt.Errorf("%w: fd %d", ErrInvalidArg, fd)
	}
	if dir == 0 || dir&^Duplex != 0 {
		return nil, fmt.Errorf("%w: direction %d", ErrInvalidArg, dir)
	}
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if err != nil {
		return nil, &IOError{Op: "fcntl", Fd: fd, Err: err}
	}

	ch := &Channel{
		id:    nextID.Add(1),
		fd:    fd,
		kind:  kind,
		dir:   dir,
		hooks: make(map[uint64]func()),
	}
	if flags&unix.O_NONBLOCK != 0 {
		ch.mode.Store(uint32(NonBlocking))
	}
	for _, opt := range opts {
		opt(ch)
	}
	if ch.log == nil {
		ch.log = slog.With("src", "Channel")
	}
	ch.log = ch.log.With("id", ch.id, "fd", fd)
	return ch, nil
}

func (ch *Channel) ID() uint64 { return ch.id }
func (ch *Channel) Fd() int { return ch.fd }
func (ch *Channel) Kind() Kind { return ch.kind }
func (ch *Channel) Direction() Direction { return ch.dir }
func (ch *Channel) Mode() Mode { return Mode(ch.mode.Load()) }

func (ch *Channel) IsOpen() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return !ch.closed
}

func (ch *Channel) String() string {
	return fmt.Sprintf("Channel[id=%d fd=%d %s]", ch.id, ch.fd, ch.dir)
}

// begin pins the descriptor for the duration of one call. want == 0 skips the
// direction check.
func (ch *Channel) begin(want Direction) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return ErrClosed
	}
	if ch.dir&want != want {
		return ErrUnsupportedDirection
	}
	ch.refs++
	return nil
}

// end unpins. The last call out after Close releases the descriptor.
func (ch *Channel) end() error {
	ch.mu.Lock()
	ch.refs--
	release := ch.closed && ch.refs == 0 && !ch.fdClosed
	if release {
		ch.fdClosed = true
	}
	ch.mu.Unlock()
	if !release {
		return nil
	}
	err := unix.Close(ch.fd)
	if err != nil {
		ch.log.Warn("close descriptor", "err", err)
		return &IOError{Op: "close", Fd: ch.fd, Err: err}
	}
	ch.log.Debug("descriptor released")
	return nil
}

// SetMode switches blocking behaviour. In NonBlocking mode reads and writes
// that find no data or space return 0 instead of waiting.
func (ch *Channel) SetMode(m Mode) error {
	if err := ch.begin(0); err != nil {
		return err
	}
	defer ch.end()
	if err := unix.SetNonblock(ch.fd, m == NonBlocking); err != nil {
		return &IOError{Op: "setnonblock", Fd: ch.fd, Err: err}
	}
	ch.mode.Store(uint32(m))
	return nil
}

// OnClose registers fn to run when the channel closes, before the
// descriptor is released. The returned func removes the hook.
func (ch *Channel) OnClose(fn func()) (func(), error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return nil, ErrClosed
	}
	ch.hookSeq++
	id := ch.hookSeq
	ch.hooks[id] = fn
	return func() {
		ch.mu.Lock()
		delete(ch.hooks, id)
		ch.mu.Unlock()
	}, nil
}

// Close is idempotent. Hooks run and mappings are invalidated first; the
// descriptor is released once no call is using it any more. Blocked stream
// calls are woken by shutting the socket down.
func (ch *Channel) Close() error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return nil
	}
	ch.closed = true
	ch.refs++ // hold fd while hooks run
	hooks := ch.hooks
	ch.hooks = nil
	maps := ch.maps
	ch.maps = nil
	ch.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
	var errs []error
	for _, m := range maps {
		if err := m.buf.Release(); err != nil {
			errs = append(errs, err)
		}
	}
	if ch.kind == Stream {
		// not every stream is a socket, ENOTSOCK is fine
		_ = unix.Shutdown(ch.fd, unix.SHUT_RDWR)
	}
	errs = append(errs, ch.end())
	return errors.Join(errs...)
}

func (ch *Channel) Read(r Region) (int, error) {
	if err := ch.begin(Readable); err != nil {
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
	n, err := ch.read(p)
	if err != nil {
		if errors.Is(err, io.EOF) && ch.closing() {
			return 0, ErrClosed
		}
		return 0, err
	}
	return n, r.Advance(n)
}

func (ch *Channel) read(p []byte) (int, error) {
	for {
		n, err := unix.Read(ch.fd, p)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return 0, nil
		case err != nil:
			return 0, &IOError{Op: "read", Fd: ch.fd, Err: err}
		case n == 0:
			return 0, io.EOF
		}
		return n, nil
	}
}

// Write drains [position, limit). Blocking channels keep writing until the
// window is empty, non-blocking ones return after the first attempt.
func (ch *Channel) Write(r Region) (int, error) {
	if err := ch.begin(Writable); err != nil {
		return 0, err
	}
	defer ch.end()

	p, err := r.View()
	if err != nil {
		return 0, err
	}
	total := 0
	for total < len(p) {
		n, err := unix.Write(ch.fd, p[total:])
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			break
		}
		if err != nil {
			if total > 0 {
				_ = r.Advance(total)
			}
			return total, &IOError{Op: "write", Fd: ch.fd, Err: err}
		}
		total += n
		if ch.Mode() == NonBlocking {
			break
		}
	}
	return total, r.Advance(total)
}

func (ch *Channel) closing() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closed
}
