package buffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Loan_BlocksOwner(t *testing.T) {
	b, err := Allocate(16, Heap)
	require.NoError(t, err)

	loan, err := b.Lend()
	require.NoError(t, err)
	assert.True(t, b.Borrowed())

	assert.ErrorIs(t, b.Put(1), ErrBorrowed)
	assert.ErrorIs(t, b.Flip(), ErrBorrowed)
	_, err = b.Slice()
	assert.ErrorIs(t, err, ErrBorrowed)
	_, err = b.Lend()
	assert.ErrorIs(t, err, ErrBorrowed)

	// the operation fills through the loan
	space, err := loan.Space()
	require.NoError(t, err)
	n := copy(space, "abcd")
	require.NoError(t, loan.Advance(n))

	loan.Return()
	loan.Return()
	assert.False(t, b.Borrowed())
	assert.Equal(t, 4, b.Position())

	_, err = loan.View()
	assert.ErrorIs(t, err, ErrLoanReturned)
	require.NoError(t, b.Put(5))
}

func Test_Loan_BlocksEveryView(t *testing.T) {
	b, err := Allocate(16, Heap)
	require.NoError(t, err)
	s, err := b.Slice()
	require.NoError(t, err)
	d, err := b.Duplicate()
	require.NoError(t, err)
	ro, err := b.AsReadOnly()
	require.NoError(t, err)

	loan, err := b.Lend()
	require.NoError(t, err)
	for _, v := range []*Buffer{s, d, ro} {
		assert.True(t, v.Borrowed())
		_, err = v.Get()
		assert.ErrorIs(t, err, ErrBorrowed)
		_, err = v.Lend()
		assert.ErrorIs(t, err, ErrBorrowed)
	}
	assert.ErrorIs(t, s.Put(1), ErrBorrowed)
	assert.ErrorIs(t, d.PutUint32At(0, 7), ErrBorrowed)
	loan.Return()

	require.NoError(t, s.Put(1))
	require.NoError(t, d.Put(2))

	// a loan taken through a slice holds the parent too
	sl, err := s.Lend()
	require.NoError(t, err)
	assert.ErrorIs(t, b.Put(3), ErrBorrowed)
	sl.Return()
	require.NoError(t, b.Put(3))

	// separately wrapped memory is not shared storage
	other := Wrap(make([]byte, 4))
	ol, err := other.Lend()
	require.NoError(t, err)
	defer ol.Return()
	require.NoError(t, b.Put(4))
}

func Test_Loan_AdvanceBounds(t *testing.T) {
	b := Wrap(make([]byte, 4))
	loan, err := b.Lend()
	require.NoError(t, err)
	defer loan.Return()

	assert.ErrorIs(t, loan.Advance(5), ErrBounds)
	assert.ErrorIs(t, loan.Advance(-1), ErrBounds)
	require.NoError(t, loan.Advance(4))
}

func Test_Native_ReleaseInvalidates(t *testing.T) {
	b, err := Allocate(100, Native)
	require.NoError(t, err)
	assert.Equal(t, Native, b.Kind())
	assert.Equal(t, 100, b.Capacity())

	require.NoError(t, b.PutUint64(42))
	s, err := b.Slice()
	require.NoError(t, err)

	require.NoError(t, b.Release())
	require.NoError(t, b.Release())
	assert.False(t, b.Valid())

	_, err = b.GetUint64()
	assert.ErrorIs(t, err, ErrInvalidMapping)
	assert.ErrorIs(t, s.Put(1), ErrInvalidMapping)
	_, err = b.Lend()
	assert.ErrorIs(t, err, ErrInvalidMapping)
}

func Test_Native_ReleaseWhileLent(t *testing.T) {
	b, err := Allocate(64, Native)
	require.NoError(t, err)

	loan, err := b.Lend()
	require.NoError(t, err)
	require.NoError(t, b.Release())

	// the loan sees the invalidation but the pages stay mapped until it returns
	_, err = loan.Space()
	assert.ErrorIs(t, err, ErrInvalidMapping)
	assert.False(t, b.reg.freed)

	loan.Return()
	assert.True(t, b.reg.freed)
}

func Test_Native_AccessPinsMemory(t *testing.T) {
	b, err := Allocate(32, Native)
	require.NoError(t, err)

	unpin, err := b.pin()
	require.NoError(t, err)
	require.NoError(t, b.Release())

	// an access in progress keeps the pages until it is done
	assert.False(t, b.reg.freed)
	_, err = b.pin()
	assert.ErrorIs(t, err, ErrInvalidMapping)
	_, err = b.GetUint32()
	assert.ErrorIs(t, err, ErrInvalidMapping)

	unpin()
	assert.True(t, b.reg.freed)
	assert.Equal(t, 0, b.reg.loans)

	h := Wrap(make([]byte, 4))
	unpin, err = h.pin()
	require.NoError(t, err)
	unpin()
	require.NoError(t, h.PutUint32(1))
}

func Test_Native_ZeroCapacity(t *testing.T) {
	b, err := Allocate(0, Native)
	require.NoError(t, err)
	assert.Equal(t, 0, b.Capacity())
	assert.ErrorIs(t, b.Put(1), ErrBounds)
	require.NoError(t, b.Release())
}
