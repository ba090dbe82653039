// Package buffer implements bounded, position-tracked memory regions.
//
// A Buffer keeps 0 <= mark <= position <= limit <= capacity at every
// observation point. Relative accessors work at position and advance it,
// absolute accessors take an index and leave position alone. Accesses that
// would cross limit fail with ErrBounds and leave the buffer untouched.
//
// A Buffer is owned by one goroutine at a time. Handing it to a pending
// operation goes through Lend, which tags the storage borrowed until the Loan
// is returned. Every accessor of the buffer and of its slices and duplicates
// fails with ErrBorrowed in the meantime.
package buffer

import (
	c "aiocore/internal"

	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cespare/xxhash"
	"github.com/negrel/assert"
)

var (
	ErrBounds         = errors.New("buffer access out of bounds")
	ErrBorrowed       = errors.New("buffer is borrowed by a pending operation")
	ErrInvalidMapping = errors.New("buffer memory has been released")
	ErrInvalidMark    = errors.New("buffer mark is not set")
	ErrReadOnly       = errors.New("buffer is read-only")
	ErrInvalidArg     = errors.New("invalid argument")
	ErrLoanReturned   = errors.New("loan already returned")
)

// Kind classifies where the storage lives. It affects lifetime, never the
// position/limit semantics.
type Kind uint8

const (
	Heap Kind = iota
	Native
	Mapped
)

func (k Kind) String() string {
	switch k {
	case Heap:
		return "heap"
	case Native:
		return "native"
	case Mapped:
		return "mapped"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

type Buffer struct {
	data     []byte // len(data) is the capacity
	pos      int
	lim      int
	mark     int // -1 when unset
	order    binary.ByteOrder
	kind     Kind
	readOnly bool

	// nil for heap buffers. Shared by slices and duplicates so a release
	// invalidates every view at once.
	reg *region
	st  *storage
}

func newBuffer(data []byte, kind Kind, reg *region) *Buffer {
	return &Buffer{
		data:  data,
		lim:   len(data),
		mark:  -1,
		order: c.Bin,
		kind:  kind,
		reg:   reg,
		st:    &storage{},
	}
}

// Allocate returns a cleared buffer of the given capacity. Native buffers
// live in page-aligned anonymous memory outside the Go heap and must be
// released with Release.
func Allocate(capacity int, kind Kind) (*Buffer, error) {
	if capacity < 0 {
		return nil, fmt.Errorf("%w: capacity %d", ErrInvalidArg, capacity)
	}
	switch kind {
	case Heap:
		return newBuffer(make([]byte, capacity), Heap, nil), nil
	case Native:
		reg, err := allocNative(capacity)
		if err != nil {
			return nil, err
		}
		return newBuffer(reg.mem[:capacity:capacity], Native, reg), nil
	}
	return nil, fmt.Errorf("%w: cannot allocate %s buffer", ErrInvalidArg, kind)
}

// Wrap adopts p without copying. Writes through the buffer are visible in p
// and the other way around.
func Wrap(p []byte) *Buffer {
	return newBuffer(p[:len(p):len(p)], Heap, nil)
}

func (b *Buffer) Capacity() int { return len(b.data) }
func (b *Buffer) Position() int { return b.pos }
func (b *Buffer) Limit() int { return b.lim }
func (b *Buffer) Remaining() int { return b.lim - b.pos }
func (b *Buffer) HasRemaining() bool { return b.pos < b.lim }
func (b *Buffer) Kind() Kind { return b.kind }
func (b *Buffer) ReadOnly() bool { return b.readOnly }
func (b *Buffer) Order() binary.ByteOrder { return b.order }
func (b *Buffer) Borrowed() bool { return b.st.lent.Load() }

// SetOrder changes how multi-byte values are laid out from now on.
// Indices are not affected.
func (b *Buffer) SetOrder(order binary.ByteOrder) error {
	if err := b.check(); err != nil {
		return err
	}
	if order == nil {
		return fmt.Errorf("%w: nil byte order", ErrInvalidArg)
	}
	b.order = order
	return nil
}

func (b *Buffer) SetPosition(pos int) error {
	if err := b.check(); err != nil {
		return err
	}
	if pos < 0 || pos > b.lim {
		return fmt.Errorf("%w: position %d outside [0, %d]", ErrBounds, pos, b.lim)
	}
	b.pos = pos
	if b.mark > pos {
		b.mark = -1
	}
	b.invariant()
	return nil
}

func (b *Buffer) SetLimit(lim int) error {
	if err := b.check(); err != nil {
		return err
	}
	if lim < 0 || lim > len(b.data) {
		return fmt.Errorf("%w: limit %d outside [0, %d]", ErrBounds, lim, len(b.data))
	}
	b.lim = lim
	if b.pos > lim {
		b.pos = lim
	}
	if b.mark > lim {
		b.mark = -1
	}
	b.invariant()
	return nil
}

// Flip prepares a just-filled buffer for draining.
func (b *Buffer) Flip() error {
	if err := b.check(); err != nil {
		return err
	}
	b.lim = b.pos
	b.pos = 0
	b.mark = -1
	return nil
}

// Clear prepares the buffer for filling. Contents are left as they are.
func (b *Buffer) Clear() error {
	if err := b.check(); err != nil {
		return err
	}
	b.pos = 0
	b.lim = len(b.data)
	b.mark = -1
	return nil
}

func (b *Buffer) Rewind() error {
	if err := b.check(); err != nil {
		return err
	}
	b.pos = 0
	b.mark = -1
	return nil
}

// Compact moves the unread bytes to the front and positions the buffer right
// after them, with the rest of the capacity open for filling.
func (b *Buffer) Compact() error {
	if err := b.checkWrite(); err != nil {
		return err
	}
	unpin, err := b.pin()
	if err != nil {
		return err
	}
	defer unpin()
	n := copy(b.data, b.data[b.pos:b.lim])
	b.pos = n
	b.lim = len(b.data)
	b.mark = -1
	b.invariant()
	return nil
}

func (b *Buffer) Mark() error {
	if err := b.check(); err != nil {
		return err
	}
	b.mark = b.pos
	return nil
}

func (b *Buffer) Reset() error {
	if err := b.check(); err != nil {
		return err
	}
	if b.mark < 0 {
		return ErrInvalidMark
	}
	b.pos = b.mark
	return nil
}

// Slice returns a buffer over [position, limit) sharing this storage. The new
// buffer has its own indices starting at zero and inherits order, kind and
// read-only state.
func (b *Buffer) Slice() (*Buffer, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	return b.derive(b.data[b.pos:b.lim:b.lim]), nil
}

// SliceAt returns a buffer over [index, index+length) of the storage, checked
// against limit.
func (b *Buffer) SliceAt(index, length int) (*Buffer, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	if index < 0 || length < 0 || length > b.lim-index {
		return nil, fmt.Errorf("%w: slice [%d, +%d) past limit %d", ErrBounds, index, length, b.lim)
	}
	return b.derive(b.data[index : index+length : index+length]), nil
}

// Duplicate shares storage and copies the indices.
func (b *Buffer) Duplicate() (*Buffer, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	d := b.derive(b.data)
	d.pos, d.lim, d.mark = b.pos, b.lim, b.mark
	return d, nil
}

// AsReadOnly is a duplicate that refuses every write.
func (b *Buffer) AsReadOnly() (*Buffer, error) {
	d, err := b.Duplicate()
	if err != nil {
		return nil, err
	}
	d.readOnly = true
	return d, nil
}

func (b *Buffer) derive(data []byte) *Buffer {
	d := newBuffer(data, b.kind, b.reg)
	d.st = b.st
	d.order = b.order
	d.readOnly = b.readOnly
	return d
}

// View returns [position, limit) without consuming it.
func (b *Buffer) View() ([]byte, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	return b.data[b.pos:b.lim], nil
}

// Space returns [position, limit) for filling. Bytes written into it only
// count once Advance moves position past them.
func (b *Buffer) Space() ([]byte, error) {
	if err := b.checkWrite(); err != nil {
		return nil, err
	}
	return b.data[b.pos:b.lim], nil
}

func (b *Buffer) Advance(n int) error {
	if err := b.check(); err != nil {
		return err
	}
	return b.advance(n)
}

func (b *Buffer) advance(n int) error {
	if n < 0 || n > b.lim-b.pos {
		return fmt.Errorf("%w: advance %d with %d remaining", ErrBounds, n, b.lim-b.pos)
	}
	b.pos += n
	b.invariant()
	return nil
}

// Hash digests the remaining bytes, so two buffers with equal remaining
// content hash equal regardless of their positions.
func (b *Buffer) Hash() (uint64, error) {
	if err := b.check(); err != nil {
		return 0, err
	}
	unpin, err := b.pin()
	if err != nil {
		return 0, err
	}
	defer unpin()
	return xxhash.Sum64(b.data[b.pos:b.lim]), nil
}

// Equal compares the remaining bytes of both buffers.
func (b *Buffer) Equal(other *Buffer) bool {
	if b.check() != nil || other.check() != nil {
		return false
	}
	unpin, err := b.pin()
	if err != nil {
		return false
	}
	defer unpin()
	unpinOther, err := other.pin()
	if err != nil {
		return false
	}
	defer unpinOther()
	return bytes.Equal(b.data[b.pos:b.lim], other.data[other.pos:other.lim])
}

func (b *Buffer) String() string {
	return fmt.Sprintf("Buffer[%s pos=%d lim=%d cap=%d]", b.kind, b.pos, b.lim, len(b.data))
}

func (b *Buffer) check() error {
	if b.st.lent.Load() {
		return ErrBorrowed
	}
	return b.checkRegion()
}

func (b *Buffer) checkRegion() error {
	if b.reg != nil && !b.reg.valid.Load() {
		return ErrInvalidMapping
	}
	return nil
}

func (b *Buffer) checkWrite() error {
	if err := b.check(); err != nil {
		return err
	}
	if b.readOnly {
		return ErrReadOnly
	}
	return nil
}

// compiled in with -tags assert
func (b *Buffer) invariant() {
	assert.LessOrEqual(b.pos, b.lim, "position past limit")
	assert.LessOrEqual(b.lim, len(b.data), "limit past capacity")
	assert.LessOrEqual(b.mark, b.pos, "mark past position")
}
