// Package dispatch runs read, write and sync requests against channels on a
// worker pool. Results come back through an Operation handle or a Handler.
//
// Requests against one channel run one after another in submission order,
// each lane is drained by a single worker at a time. Different channels
// proceed in parallel, at most one runner per pool worker.
//
// Lanes with work wait in a ready queue. Runners are started with TrySubmit
// and pick ready lanes until none are left, so submitting from a completion
// handler never waits on the pool.
package dispatch

import (
	"aiocore/internal/buffer"
	"aiocore/internal/channel"
	"aiocore/internal/workpool"

	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"
)

var (
	ErrCancelled = errors.New("operation was cancelled")
	ErrClosed    = errors.New("dispatcher is closed")
	ErrInvalid   = errors.New("invalid request")
)

type Kind uint8

const (
	Read Kind = iota
	Write
	Sync
)

func (k Kind) String() string {
	switch k {
	case Read:
		return "READ"
	case Write:
		return "WRITE"
	case Sync:
		return "SYNC"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// NoOffset targets the channel's own position, as streams require.
const NoOffset int64 = -1

type Request struct {
	Kind    Kind
	Channel *channel.Channel
	Buffer  *buffer.Buffer
	Offset  int64
}

func (r Request) String() string {
	if r.Offset == NoOffset {
		return fmt.Sprintf("%s %v", r.Kind, r.Channel)
	}
	return fmt.Sprintf("%s %v @%d", r.Kind, r.Channel, r.Offset)
}

type Stats struct {
	Submitted uint64
	Completed uint64
	Failed    uint64
	Cancelled uint64
	Lanes     int
}

type Option func(*Dispatcher)

// WithPool runs operations on p instead of the shared default pool. The
// caller keeps ownership of p.
func WithPool(p *workpool.Pool) Option {
	return func(d *Dispatcher) { d.pool = p }
}

func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.log = l }
}

// ops a runner takes from one lane before letting the next ready lane go
const LANE_BATCH = 0x10

type lane struct {
	id uint64
	q  *queue.Queue
}

type Dispatcher struct {
	log  *slog.Logger
	pool *workpool.Pool

	mu      sync.Mutex
	closed  bool
	lanes   map[uint64]*lane // lanes with queued or running ops
	ready   *queue.Queue     // lanes waiting for a runner, each at most once
	runners int

	submitted atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	cancelled atomic.Uint64
}

func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		lanes: make(map[uint64]*lane),
		ready: queue.New(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.log == nil {
		d.log = slog.With("src", "Dispatcher")
	}
	if d.pool == nil {
		d.pool = workpool.Default()
	}
	return d
}

func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	lanes := len(d.lanes)
	d.mu.Unlock()
	return Stats{
		Submitted: d.submitted.Load(),
		Completed: d.completed.Load(),
		Failed:    d.failed.Load(),
		Cancelled: d.cancelled.Load(),
		Lanes:     lanes,
	}
}

// Submit queues req and returns a handle to poll or wait on.
func (d *Dispatcher) Submit(req Request) (*Operation, error) {
	return d.submit(req, toFuture, Handler{})
}

// SubmitFunc queues req and reports the outcome to h instead. A cancelled
// operation reports nothing.
func (d *Dispatcher) SubmitFunc(req Request, h Handler) (*Operation, error) {
	return d.submit(req, toHandler, h)
}

func (d *Dispatcher) Read(ch *channel.Channel, buf *buffer.Buffer, off int64) (*Operation, error) {
	return d.Submit(Request{Kind: Read, Channel: ch, Buffer: buf, Offset: off})
}

func (d *Dispatcher) Write(ch *channel.Channel, buf *buffer.Buffer, off int64) (*Operation, error) {
	return d.Submit(Request{Kind: Write, Channel: ch, Buffer: buf, Offset: off})
}

func (d *Dispatcher) Sync(ch *channel.Channel) (*Operation, error) {
	return d.Submit(Request{Kind: Sync, Channel: ch, Offset: NoOffset})
}

// Cancel is op.Cancel.
func (d *Dispatcher) Cancel(op *Operation) bool {
	return op.Cancel()
}

func validate(req Request) error {
	ch := req.Channel
	if ch == nil {
		return fmt.Errorf("%w: no channel", ErrInvalid)
	}
	if !ch.IsOpen() {
		return channel.ErrClosed
	}
	if req.Offset < NoOffset {
		return fmt.Errorf("%w: offset %d", ErrInvalid, req.Offset)
	}
	if req.Offset != NoOffset && ch.Kind() != channel.File {
		return channel.ErrNotPositional
	}
	var want channel.Direction
	switch req.Kind {
	case Read:
		want = channel.Readable
	case Write, Sync:
		want = channel.Writable
	default:
		return fmt.Errorf("%w: kind %v", ErrInvalid, req.Kind)
	}
	if ch.Direction()&want != want {
		return channel.ErrUnsupportedDirection
	}
	switch {
	case req.Kind == Sync && ch.Kind() != channel.File:
		return channel.ErrNotPositional
	case req.Kind != Sync && req.Buffer == nil:
		return fmt.Errorf("%w: no buffer", ErrInvalid)
	case req.Kind == Read && req.Buffer.ReadOnly():
		return buffer.ErrReadOnly
	}
	return nil
}

func (d *Dispatcher) submit(req Request, via consumer, h Handler) (*Operation, error) {
	if err := validate(req); err != nil {
		return nil, err
	}
	op := &Operation{
		d:       d,
		req:     req,
		via:     via,
		handler: h,
		done:    make(chan struct{}),
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrClosed
	}
	if req.Buffer != nil {
		loan, err := req.Buffer.Lend()
		if err != nil {
			d.mu.Unlock()
			return nil, err
		}
		op.loan = loan
	}
	id := req.Channel.ID()
	l, busy := d.lanes[id]
	if !busy {
		l = &lane{id: id, q: queue.New()}
		d.lanes[id] = l
		d.ready.Add(l)
	}
	l.q.Add(op)
	d.submitted.Add(1)
	spawn := !busy && d.runners < d.pool.Size()
	if spawn {
		d.runners++
	}
	d.mu.Unlock()

	if spawn {
		if err := d.spawn(); err != nil && d.abandon(op, err) {
			return nil, err
		}
	}
	return op, nil
}

// spawn starts the runner reserved by the caller. If the pool won't take it
// right away but another runner is alive, that one reaches the ready lane.
func (d *Dispatcher) spawn() error {
	err := d.pool.TrySubmit(d.run)
	if err == nil {
		return nil
	}
	d.mu.Lock()
	if d.runners > 1 {
		d.runners--
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()
	// Only the reservation is left, so the caller is not running on one of
	// our runners and may wait for room.
	if errors.Is(err, workpool.ErrFull) {
		if err = d.pool.Submit(d.run); err == nil {
			return nil
		}
	}
	d.mu.Lock()
	d.runners--
	d.mu.Unlock()
	return err
}

// abandon fails the ready lanes once the pool refused a runner and no other
// runner is left to reach them. first is the caller's op and gets the error
// directly. It reports false if a runner is still alive.
func (d *Dispatcher) abandon(first *Operation, cause error) bool {
	d.mu.Lock()
	if d.runners > 0 {
		d.mu.Unlock()
		return false
	}
	var ops []*Operation
	for d.ready.Length() > 0 {
		l := d.ready.Remove().(*lane)
		for l.q.Length() > 0 {
			ops = append(ops, l.q.Remove().(*Operation))
		}
		delete(d.lanes, l.id)
	}
	d.mu.Unlock()

	d.log.Error("couldn't schedule lanes", "ops", len(ops), "err", cause)
	for _, op := range ops {
		if op == first {
			if op.start() {
				op.returnLoan()
				op.state.Store(stateCancelled)
				close(op.done)
			}
			d.submitted.Add(^uint64(0))
			continue
		}
		if op.start() {
			op.finish(0, fmt.Errorf("%w: %w", ErrClosed, cause))
		}
	}
	return true
}

// run takes ready lanes until there are none.
func (d *Dispatcher) run() {
	for {
		d.mu.Lock()
		if d.ready.Length() == 0 {
			d.runners--
			d.mu.Unlock()
			return
		}
		l := d.ready.Remove().(*lane)
		d.mu.Unlock()
		d.drain(l)
	}
}

// drain runs up to LANE_BATCH ops of l, then puts l back behind the other
// ready lanes if it still has work. l is never in the ready queue while
// being drained, so its ops stay in order.
func (d *Dispatcher) drain(l *lane) {
	for range LANE_BATCH {
		d.mu.Lock()
		if l.q.Length() == 0 {
			delete(d.lanes, l.id)
			d.mu.Unlock()
			return
		}
		op := l.q.Remove().(*Operation)
		d.mu.Unlock()

		if op.start() {
			n, err := d.perform(op)
			if err != nil {
				d.log.Debug("operation failed", "op", op.req, "n", n, "err", err)
			}
			op.finish(n, err)
		}
	}
	d.mu.Lock()
	if l.q.Length() == 0 {
		delete(d.lanes, l.id)
	} else {
		d.ready.Add(l)
	}
	d.mu.Unlock()
}

func (d *Dispatcher) perform(op *Operation) (int, error) {
	req := op.req
	switch req.Kind {
	case Read:
		if req.Offset == NoOffset {
			return req.Channel.Read(op.loan)
		}
		return req.Channel.ReadAt(op.loan, req.Offset)
	case Write:
		if req.Offset == NoOffset {
			return req.Channel.Write(op.loan)
		}
		return req.Channel.WriteAt(op.loan, req.Offset)
	case Sync:
		return 0, req.Channel.Sync()
	}
	return 0, fmt.Errorf("%w: kind %v", ErrInvalid, req.Kind)
}

// Close rejects further submissions and cancels everything that has not
// started. Running operations finish normally. A caller supplied pool is left
// running.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	var pending []*Operation
	for _, l := range d.lanes {
		for l.q.Length() > 0 {
			pending = append(pending, l.q.Remove().(*Operation))
		}
	}
	d.mu.Unlock()

	cancelled := 0
	for _, op := range pending {
		if op.Cancel() {
			cancelled++
		}
	}
	d.log.Debug("closed", "cancelled", cancelled)
}
