package buffer

import (
	c "aiocore/internal"

	"fmt"
	"math"
)

// next hands out the n bytes at position and moves past them.
func (b *Buffer) next(n int) ([]byte, error) {
	if b.lim-b.pos < n {
		return nil, fmt.Errorf("%w: %d bytes at position %d, limit %d", ErrBounds, n, b.pos, b.lim)
	}
	p := b.data[b.pos : b.pos+n]
	b.pos += n
	return p, nil
}

func (b *Buffer) at(i, n int) ([]byte, error) {
	if i < 0 || n > b.lim-i {
		return nil, fmt.Errorf("%w: %d bytes at index %d, limit %d", ErrBounds, n, i, b.lim)
	}
	return b.data[i : i+n], nil
}

// hold runs pick with the memory pinned. On success the pin stays until the
// caller runs the returned func.
func (b *Buffer) hold(pick func() ([]byte, error)) ([]byte, func(), error) {
	unpin, err := b.pin()
	if err != nil {
		return nil, nil, err
	}
	p, err := pick()
	if err != nil {
		unpin()
		return nil, nil, err
	}
	return p, unpin, nil
}

func (b *Buffer) getNext(n int) ([]byte, func(), error) {
	if err := b.check(); err != nil {
		return nil, nil, err
	}
	return b.hold(func() ([]byte, error) { return b.next(n) })
}

func (b *Buffer) putNext(n int) ([]byte, func(), error) {
	if err := b.checkWrite(); err != nil {
		return nil, nil, err
	}
	return b.hold(func() ([]byte, error) { return b.next(n) })
}

func (b *Buffer) getAt(i, n int) ([]byte, func(), error) {
	if err := b.check(); err != nil {
		return nil, nil, err
	}
	return b.hold(func() ([]byte, error) { return b.at(i, n) })
}

func (b *Buffer) putAt(i, n int) ([]byte, func(), error) {
	if err := b.checkWrite(); err != nil {
		return nil, nil, err
	}
	return b.hold(func() ([]byte, error) { return b.at(i, n) })
}

func (b *Buffer) Get() (byte, error) {
	p, unpin, err := b.getNext(c.LEN_U8)
	if err != nil {
		return 0, err
	}
	defer unpin()
	return p[0], nil
}

func (b *Buffer) Put(v byte) error {
	p, unpin, err := b.putNext(c.LEN_U8)
	if err != nil {
		return err
	}
	defer unpin()
	p[0] = v
	return nil
}

func (b *Buffer) GetUint16() (uint16, error) {
	p, unpin, err := b.getNext(c.LEN_U16)
	if err != nil {
		return 0, err
	}
	defer unpin()
	return b.order.Uint16(p), nil
}

func (b *Buffer) PutUint16(v uint16) error {
	p, unpin, err := b.putNext(c.LEN_U16)
	if err != nil {
		return err
	}
	defer unpin()
	b.order.PutUint16(p, v)
	return nil
}

func (b *Buffer) GetUint32() (uint32, error) {
	p, unpin, err := b.getNext(c.LEN_U32)
	if err != nil {
		return 0, err
	}
	defer unpin()
	return b.order.Uint32(p), nil
}

func (b *Buffer) PutUint32(v uint32) error {
	p, unpin, err := b.putNext(c.LEN_U32)
	if err != nil {
		return err
	}
	defer unpin()
	b.order.PutUint32(p, v)
	return nil
}

func (b *Buffer) GetUint64() (uint64, error) {
	p, unpin, err := b.getNext(c.LEN_U64)
	if err != nil {
		return 0, err
	}
	defer unpin()
	return b.order.Uint64(p), nil
}

func (b *Buffer) PutUint64(v uint64) error {
	p, unpin, err := b.putNext(c.LEN_U64)
	if err != nil {
		return err
	}
	defer unpin()
	b.order.PutUint64(p, v)
	return nil
}

func (b *Buffer) GetInt32() (int32, error) {
	v, err := b.GetUint32()
	return int32(v), err
}

func (b *Buffer) PutInt32(v int32) error { return b.PutUint32(uint32(v)) }

func (b *Buffer) GetInt64() (int64, error) {
	v, err := b.GetUint64()
	return int64(v), err
}

func (b *Buffer) PutInt64(v int64) error { return b.PutUint64(uint64(v)) }

func (b *Buffer) GetFloat64() (float64, error) {
	v, err := b.GetUint64()
	return math.Float64frombits(v), err
}

func (b *Buffer) PutFloat64(v float64) error { return b.PutUint64(math.Float64bits(v)) }

// Absolute accessors. Position does not move.

func (b *Buffer) ByteAt(i int) (byte, error) {
	p, unpin, err := b.getAt(i, c.LEN_U8)
	if err != nil {
		return 0, err
	}
	defer unpin()
	return p[0], nil
}

func (b *Buffer) PutByteAt(i int, v byte) error {
	p, unpin, err := b.putAt(i, c.LEN_U8)
	if err != nil {
		return err
	}
	defer unpin()
	p[0] = v
	return nil
}

func (b *Buffer) Uint16At(i int) (uint16, error) {
	p, unpin, err := b.getAt(i, c.LEN_U16)
	if err != nil {
		return 0, err
	}
	defer unpin()
	return b.order.Uint16(p), nil
}

func (b *Buffer) PutUint16At(i int, v uint16) error {
	p, unpin, err := b.putAt(i, c.LEN_U16)
	if err != nil {
		return err
	}
	defer unpin()
	b.order.PutUint16(p, v)
	return nil
}

func (b *Buffer) Uint32At(i int) (uint32, error) {
	p, unpin, err := b.getAt(i, c.LEN_U32)
	if err != nil {
		return 0, err
	}
	defer unpin()
	return b.order.Uint32(p), nil
}

func (b *Buffer) PutUint32At(i int, v uint32) error {
	p, unpin, err := b.putAt(i, c.LEN_U32)
	if err != nil {
		return err
	}
	defer unpin()
	b.order.PutUint32(p, v)
	return nil
}

func (b *Buffer) Uint64At(i int) (uint64, error) {
	p, unpin, err := b.getAt(i, c.LEN_U64)
	if err != nil {
		return 0, err
	}
	defer unpin()
	return b.order.Uint64(p), nil
}

func (b *Buffer) PutUint64At(i int, v uint64) error {
	p, unpin, err := b.putAt(i, c.LEN_U64)
	if err != nil {
		return err
	}
	defer unpin()
	b.order.PutUint64(p, v)
	return nil
}

// Bulk transfers are all-or-nothing: a short buffer fails without moving
// position.

// GetBytes fills dst from position.
func (b *Buffer) GetBytes(dst []byte) error {
	p, unpin, err := b.getNext(len(dst))
	if err != nil {
		return err
	}
	defer unpin()
	copy(dst, p)
	return nil
}

// GetBytesAt fills dst from index i.
func (b *Buffer) GetBytesAt(i int, dst []byte) error {
	p, unpin, err := b.getAt(i, len(dst))
	if err != nil {
		return err
	}
	defer unpin()
	copy(dst, p)
	return nil
}

func (b *Buffer) PutBytes(src []byte) error {
	p, unpin, err := b.putNext(len(src))
	if err != nil {
		return err
	}
	defer unpin()
	copy(p, src)
	return nil
}

func (b *Buffer) PutBytesAt(i int, src []byte) error {
	p, unpin, err := b.putAt(i, len(src))
	if err != nil {
		return err
	}
	defer unpin()
	copy(p, src)
	return nil
}

// PutBuffer drains src into b. Both positions advance by src.Remaining().
func (b *Buffer) PutBuffer(src *Buffer) error {
	if src == b {
		return fmt.Errorf("%w: source is the destination", ErrInvalidArg)
	}
	if err := src.check(); err != nil {
		return err
	}
	unpinSrc, err := src.pin()
	if err != nil {
		return err
	}
	defer unpinSrc()
	p, unpin, err := b.putNext(src.Remaining())
	if err != nil {
		return err
	}
	defer unpin()
	copy(p, src.data[src.pos:src.lim])
	src.pos = src.lim
	return nil
}
