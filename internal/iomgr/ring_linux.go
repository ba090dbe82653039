//go:build linux

// Package iomgr drives positional file I/O through an io_uring. A single
// goroutine owns the ring; callers hand it ops and block until the
// completion comes back.
package iomgr

import (
	c "aiocore/internal"

	"errors"
	"log/slog"
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/aethne0/giouring"
	"golang.org/x/sys/unix"
)

// Past this many SQEs in flight we wait for completions before taking more.
const RING_DPTHTRG = c.RING_ENTRIES / 2
const OP_Q_SIZE = 0x100

var ErrClosed = errors.New("ring is closed")

type opcode uint8

const (
	opNop opcode = iota
	opRead
	opWrite
	opFsync
)

type op struct {
	code opcode
	fd   int
	buf  []byte // keeps the memory alive while the kernel holds its address
	off  uint64
	sync bool // fsync linked behind a write

	sqes uint16
	seen uint16
	res  int32
	sent bool
	done chan int32
}

type Stats struct {
	Submitted uint64
	Completed uint64
	Failed    uint64
}

type Option func(*Ring)

// WithCPU pins the ring goroutine's thread to cpu.
func WithCPU(cpu int) Option {
	return func(r *Ring) { r.cpu = cpu }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Ring) { r.log = l }
}

type Ring struct {
	log  *slog.Logger
	ring *giouring.Ring
	cpu  int

	mu      sync.RWMutex
	closed  bool
	opQueue chan *op
	opSem   chan struct{}
	quit    chan struct{}
	exited  chan struct{}

	// owned by ringlord
	ops map[uint64]*op
	seq uint64

	submitted atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
}

func New(opts ...Option) (*Ring, error) {
	ring, err := giouring.CreateRing(c.RING_ENTRIES)
	if err != nil {
		return nil, err
	}
	r := &Ring{
		ring:    ring,
		cpu:     -1,
		opQueue: make(chan *op, OP_Q_SIZE),
		opSem:   make(chan struct{}, c.RING_ENTRIES),
		quit:    make(chan struct{}),
		exited:  make(chan struct{}),
		ops:     make(map[uint64]*op),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		r.log = slog.With("src", "Ring")
	}
	go r.ringlord()
	return r, nil
}

// Close lets everything already submitted finish, then tears the ring down.
func (r *Ring) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.quit)
	r.mu.Unlock()
	<-r.exited
	return nil
}

func (r *Ring) Stats() Stats {
	return Stats{
		Submitted: r.submitted.Load(),
		Completed: r.completed.Load(),
		Failed:    r.failed.Load(),
	}
}

func (r *Ring) submit(o *op) (int, error) {
	o.sqes = 1
	if o.sync {
		o.sqes++
	}
	o.done = make(chan int32, 1)

	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return 0, ErrClosed
	}
	for range o.sqes {
		r.opSem <- struct{}{}
	}
	r.opQueue <- o
	r.mu.RUnlock()

	res := <-o.done
	if res < 0 {
		r.failed.Add(1)
		return 0, unix.Errno(-res)
	}
	r.completed.Add(1)
	return int(res), nil
}

func clamp(p []byte) []byte {
	if len(p) > math.MaxUint32 {
		return p[:math.MaxUint32]
	}
	return p
}

func (r *Ring) ReadAt(fd int, p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	return r.submit(&op{code: opRead, fd: fd, buf: clamp(p), off: uint64(off)})
}

func (r *Ring) WriteAt(fd int, p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	return r.submit(&op{code: opWrite, fd: fd, buf: clamp(p), off: uint64(off)})
}

// WriteSyncAt is WriteAt with an fsync linked behind it; the count is the
// write's.
func (r *Ring) WriteSyncAt(fd int, p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, r.Fsync(fd)
	}
	return r.submit(&op{code: opWrite, fd: fd, buf: clamp(p), off: uint64(off), sync: true})
}

func (r *Ring) Fsync(fd int) error {
	_, err := r.submit(&op{code: opFsync, fd: fd})
	return err
}

// Nop round-trips an empty op through the ring.
func (r *Ring) Nop() error {
	_, err := r.submit(&op{code: opNop})
	return err
}

func (r *Ring) prepSQEs(o *op) uint {
	r.seq++
	id := r.seq
	r.ops[id] = o

	var base uintptr
	if len(o.buf) > 0 {
		base = uintptr(unsafe.Pointer(&o.buf[0]))
	}

	sqe := r.ring.GetSQE()
	switch o.code {
	case opNop:
		sqe.PrepareNop()
	case opRead:
		sqe.PrepareRead(o.fd, base, uint32(len(o.buf)), o.off)
	case opWrite:
		sqe.PrepareWrite(o.fd, base, uint32(len(o.buf)), o.off)
	case opFsync:
		sqe.PrepareFsync(o.fd, 0)
	}
	sqe.UserData = id
	if o.sync {
		sqe.Flags |= giouring.SqeIOLink
		sqe = r.ring.GetSQE()
		sqe.PrepareFsync(o.fd, 0)
		sqe.UserData = id
	}
	return uint(o.sqes)
}

func (r *Ring) complete(cqe *giouring.CompletionQueueEvent) {
	o, ok := r.ops[cqe.UserData]
	if !ok {
		r.log.Warn("completion for unknown op", "id", cqe.UserData)
		return
	}
	o.seen++
	if o.seen == 1 || cqe.Res < 0 && o.res >= 0 {
		o.res = cqe.Res
	}
	// a failed link cancels the rest of the chain, the first error answers
	if !o.sent && (cqe.Res < 0 || o.seen == o.sqes) {
		o.sent = true
		o.done <- o.res
	}
	if o.seen == o.sqes {
		delete(r.ops, cqe.UserData)
	}
}

func (r *Ring) pin() {
	if r.cpu < 0 {
		return
	}
	var set unix.CPUSet
	set.Zero()
	set.Set(r.cpu)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		r.log.Warn("couldn't set core affinity", "cpu", r.cpu, "err", err)
	}
}

func (r *Ring) ringlord() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	r.pin()

	var queued uint   // SQEs prepared but not yet submitted
	var inflight uint // SQEs submitted but not yet reaped

	for {
		if inflight == 0 && queued == 0 {
			select {
			case o := <-r.opQueue:
				queued += r.prepSQEs(o)
			case <-r.quit:
				if len(r.opQueue) == 0 {
					r.ring.QueueExit()
					r.log.Debug("ring exited", "completed", r.completed.Load())
					close(r.exited)
					return
				}
			}
		}
	COLLECT:
		for {
			select {
			case o := <-r.opQueue:
				queued += r.prepSQEs(o)
			default:
				break COLLECT
			}
		}

		if queued > 0 || inflight > 0 {
			var submitted uint
			var err error
			if inflight+queued > RING_DPTHTRG || (queued == 0 && len(r.opQueue) == 0) {
				// nothing else to do until something completes
				submitted, err = r.ring.SubmitAndWait(1)
			} else {
				submitted, err = r.ring.Submit()
			}
			if err != nil && err != unix.ETIME && err != unix.EINTR {
				r.log.Error("submit", "err", err)
			}
			queued -= submitted
			inflight += submitted
			r.submitted.Add(uint64(submitted))
		}

		for inflight > 0 {
			cqe, err := r.ring.PeekCQE()
			if err == unix.EAGAIN || err == unix.EINTR || err == unix.ETIME {
				break
			} else if err != nil {
				r.log.Error("peek cqe", "err", err)
				panic("io_uring completion queue is broken")
			}
			if cqe == nil {
				break
			}
			inflight--
			r.complete(cqe)
			r.ring.CQESeen(cqe)
			<-r.opSem
		}
	}
}
