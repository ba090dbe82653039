//go:build linux

package selector

import (
	"aiocore/internal/channel"

	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

func (i Interest) epoll() uint32 {
	var ev uint32
	if i&OpRead != 0 {
		ev |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if i&OpWrite != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

// readiness maps epoll events back. Error and hangup wake every interest so
// the following call sees the failure.
func readiness(ev uint32) Interest {
	var r Interest
	if ev&(unix.EPOLLIN|unix.EPOLLRDHUP|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		r |= OpRead
	}
	if ev&(unix.EPOLLOUT|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		r |= OpWrite
	}
	return r
}

const MAX_EVENTS = 0x100

type Key struct {
	s          *Selector
	ch         *channel.Channel
	fd         int
	seq        int32
	attachment atomic.Value
	interest   atomic.Uint32
	ready      atomic.Uint32
	valid      atomic.Bool
	unhook     func() // guarded by s.mu
}

func (k *Key) Channel() *channel.Channel { return k.ch }
func (k *Key) Interest() Interest        { return Interest(k.interest.Load()) }
func (k *Key) IsValid() bool             { return k.valid.Load() }

// Ready is the interest set that was satisfied at the last Wait that
// returned this key.
func (k *Key) Ready() Interest { return Interest(k.ready.Load()) }

func (k *Key) Attachment() any {
	if p, ok := k.attachment.Load().(*any); ok {
		return *p
	}
	return nil
}

func (k *Key) Attach(v any) {
	k.attachment.Store(&v)
}

func (k *Key) SetInterest(i Interest) error {
	s := k.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if !k.valid.Load() {
		return ErrCancelled
	}
	if err := allowed(k.ch, i); err != nil {
		return err
	}
	if err := s.ctl(unix.EPOLL_CTL_MOD, k, i); err != nil {
		return err
	}
	k.interest.Store(uint32(i))
	return nil
}

// Cancel deregisters the key. The channel stays open.
func (k *Key) Cancel() {
	k.s.deregister(k)
	k.s.mu.Lock()
	unhook := k.unhook
	k.unhook = nil
	k.s.mu.Unlock()
	if unhook != nil {
		unhook()
	}
}

type Selector struct {
	log  *slog.Logger
	epfd int
	evfd int

	mu     sync.Mutex
	closed bool
	broken error
	keys   map[int]*Key
	seq    int32

	waitMu sync.Mutex
	events []unix.EpollEvent
}

func New() (*Selector, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	evfd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(evfd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, evfd, &ev); err != nil {
		_ = unix.Close(evfd)
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("epoll_ctl wakeup: %w", err)
	}
	return &Selector{
		log:    slog.With("src", "Selector"),
		epfd:   epfd,
		evfd:   evfd,
		keys:   make(map[int]*Key),
		events: make([]unix.EpollEvent, MAX_EVENTS),
	}, nil
}

func allowed(ch *channel.Channel, i Interest) error {
	if i&^(OpRead|OpWrite) != 0 {
		return fmt.Errorf("%w: interest %d", channel.ErrInvalidArg, uint32(i))
	}
	var need channel.Direction
	if i&OpRead != 0 {
		need |= channel.Readable
	}
	if i&OpWrite != 0 {
		need |= channel.Writable
	}
	if ch.Direction()&need != need {
		return channel.ErrUnsupportedDirection
	}
	return nil
}

func (s *Selector) ctl(op int, k *Key, i Interest) error {
	ev := unix.EpollEvent{Events: i.epoll(), Fd: int32(k.fd), Pad: k.seq}
	if err := unix.EpollCtl(s.epfd, op, k.fd, &ev); err != nil {
		return &channel.IOError{Op: "epoll_ctl", Fd: k.fd, Err: err}
	}
	return nil
}

// Register adds ch with the given interest. Registering a channel again
// updates its interest and attachment and returns the existing key.
func (s *Selector) Register(ch *channel.Channel, interest Interest, attachment any) (*Key, error) {
	if !ch.IsOpen() {
		return nil, channel.ErrClosed
	}
	if ch.Kind() != channel.Stream {
		return nil, ErrNotSelectable
	}
	if ch.Mode() != channel.NonBlocking {
		return nil, ErrBlocking
	}
	if err := allowed(ch, interest); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if s.broken != nil {
		s.mu.Unlock()
		return nil, ErrBroken
	}
	if k, ok := s.keys[ch.Fd()]; ok && k.ch == ch {
		defer s.mu.Unlock()
		if err := s.ctl(unix.EPOLL_CTL_MOD, k, interest); err != nil {
			return nil, err
		}
		k.interest.Store(uint32(interest))
		k.Attach(attachment)
		return k, nil
	}

	s.seq++
	k := &Key{s: s, ch: ch, fd: ch.Fd(), seq: s.seq}
	k.interest.Store(uint32(interest))
	k.Attach(attachment)
	if err := s.ctl(unix.EPOLL_CTL_ADD, k, interest); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	k.valid.Store(true)
	s.keys[k.fd] = k
	s.mu.Unlock()

	// runs before the descriptor goes away so a reused fd can't be confused
	// with this registration
	unhook, err := ch.OnClose(func() { s.deregister(k) })
	if err != nil {
		s.deregister(k)
		return nil, err
	}
	s.mu.Lock()
	k.unhook = unhook
	s.mu.Unlock()
	s.log.Debug("registered", "channel", ch, "interest", interest)
	return k, nil
}

func (s *Selector) deregister(k *Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !k.valid.Swap(false) {
		return
	}
	if cur, ok := s.keys[k.fd]; ok && cur == k {
		delete(s.keys, k.fd)
	}
	if s.closed {
		return
	}
	if err := unix.EpollCtl(s.epfd, unix.EPOLL_CTL_DEL, k.fd, nil); err != nil {
		s.log.Warn("deregister", "fd", k.fd, "err", err)
	}
}

// Keys returns the valid registrations.
func (s *Selector) Keys() []*Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]*Key, 0, len(s.keys))
	for _, k := range s.keys {
		keys = append(keys, k)
	}
	return keys
}

// Wait blocks until a registered channel is ready, the timeout passes, or
// Wakeup is called. A zero timeout waits forever. The result may be empty.
// Only one goroutine may wait at a time.
func (s *Selector) Wait(timeout time.Duration) ([]*Key, error) {
	if timeout < 0 {
		return nil, fmt.Errorf("%w: timeout %v", channel.ErrInvalidArg, timeout)
	}
	ms := -1
	if timeout > 0 {
		ms = int(max(timeout.Milliseconds(), 1))
	}
	return s.wait(ms)
}

// Poll is Wait without blocking.
func (s *Selector) Poll() ([]*Key, error) {
	return s.wait(0)
}

func (s *Selector) wait(ms int) ([]*Key, error) {
	s.waitMu.Lock()
	defer s.waitMu.Unlock()

	s.mu.Lock()
	closed, broken := s.closed, s.broken
	s.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if broken != nil {
		return nil, ErrBroken
	}

	n, err := unix.EpollWait(s.epfd, s.events, ms)
	if err == unix.EINTR {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if err != nil {
		s.broken = err
		s.log.Error("epoll_wait", "err", err)
		return nil, fmt.Errorf("%w: %w", ErrBroken, err)
	}

	var ready []*Key
	for _, ev := range s.events[:n] {
		fd := int(ev.Fd)
		if fd == s.evfd {
			s.drainWakeup()
			continue
		}
		k, ok := s.keys[fd]
		if !ok || k.seq != ev.Pad || !k.valid.Load() {
			continue
		}
		r := readiness(ev.Events) & k.Interest()
		if r == 0 {
			continue
		}
		k.ready.Store(uint32(r))
		ready = append(ready, k)
	}
	return ready, nil
}

func (s *Selector) drainWakeup() {
	var b [8]byte
	for {
		if _, err := unix.Read(s.evfd, b[:]); err != nil {
			return
		}
	}
}

// Wakeup makes a blocked Wait return. If nobody is waiting the next Wait
// returns straight away.
func (s *Selector) Wakeup() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.wakeup()
}

func (s *Selector) wakeup() error {
	var one [8]byte
	one[0] = 1 // eventfd counters are host order, every linux target we build is little endian
	if _, err := unix.Write(s.evfd, one[:]); err != nil && err != unix.EAGAIN {
		return &channel.IOError{Op: "eventfd write", Fd: s.evfd, Err: err}
	}
	return nil
}

// Close invalidates every key and wakes a blocked Wait. Registered channels
// stay open.
func (s *Selector) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	werr := s.wakeup()
	s.closed = true
	var unhooks []func()
	for _, k := range s.keys {
		k.valid.Store(false)
		if k.unhook != nil {
			unhooks = append(unhooks, k.unhook)
			k.unhook = nil
		}
	}
	s.keys = nil
	s.mu.Unlock()

	for _, fn := range unhooks {
		fn()
	}

	// the waiter has left epoll_wait once we hold waitMu
	s.waitMu.Lock()
	defer s.waitMu.Unlock()
	return errors.Join(werr, unix.Close(s.epfd), unix.Close(s.evfd))
}
