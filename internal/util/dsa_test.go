package util_test

import (
	"aiocore/internal/util"
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_Queue(t *testing.T) {
	q := util.CreateQueue[int](8)
	assert.Equal(t, q.Cnt(), 0)

	for range 3 {
		for i := range 5 {
			q.Push(i)
		}
		assert.Equal(t, q.Cnt(), 5)
		for i := range 5 {
			res := q.Pop()
			assert.Equal(t, res, i)
		}
		assert.Equal(t, q.Cnt(), 0)
	}

	for range 8 {
		q.Push(0)
	}
	assert.True(t, q.Full())
	assert.False(t, q.TryPush(1))
	assert.Panics(t, func() { q.Push(1) })
	for range 8 {
		q.Pop()
	}
	assert.Panics(t, func() { q.Pop() })
}

func Test_Queue_LastAndDrain(t *testing.T) {
	q := util.CreateQueue[string](3)
	assert.Nil(t, q.Last())

	// wrap the head around the end of the backing array
	q.Push("a")
	q.Push("b")
	q.Pop()
	q.Push("c")
	q.Push("d")
	assert.Equal(t, "d", *q.Last())

	*q.Last() = "D"
	assert.Equal(t, []string{"b", "c", "D"}, q.Drain())
	assert.Equal(t, 0, q.Cnt())
	assert.Empty(t, q.Drain())
}

func Test_HexDump(t *testing.T) {
	out := util.HexDump([]byte{0xde, 0xad, 0xbe, 0xef, 0x01}, 0x1000, -1)
	assert.Contains(t, out, "0x00001000")
	assert.Contains(t, out, "dead beef 01")
	assert.Contains(t, out, "5 bytes")

	// 40 bytes take two rows
	out = util.HexDump(make([]byte, 40), 0, 40)
	assert.Contains(t, out, "0x00000020")
}
