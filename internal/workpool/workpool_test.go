package workpool

import (
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Workpool_RunsEverything(t *testing.T) {
	p := New(4, 8)
	var n atomic.Int32
	var wg sync.WaitGroup
	for range 100 {
		wg.Add(1)
		require.NoError(t, p.Submit(func() {
			defer wg.Done()
			n.Add(1)
		}))
	}
	wg.Wait()
	p.Close()

	assert.Equal(t, int32(100), n.Load())
	st := p.Stats()
	assert.Equal(t, uint64(100), st.Submitted)
	assert.Equal(t, uint64(100), st.Completed)
	assert.Equal(t, 4, st.Workers)
}

func Test_Workpool_SurvivesPanic(t *testing.T) {
	p := New(1, 1)
	defer p.Close()

	require.NoError(t, p.Submit(func() { panic("boom") }))
	done := make(chan struct{})
	require.NoError(t, p.Submit(func() { close(done) }))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker died with the panicking task")
	}
	assert.Eventually(t, func() bool { return p.Stats().Panicked == 1 }, time.Second, time.Millisecond)
}

func Test_Workpool_CloseDrainsAndRejects(t *testing.T) {
	p := New(1, 4)
	gate := make(chan struct{})
	var ran atomic.Int32
	require.NoError(t, p.Submit(func() { <-gate; ran.Add(1) }))
	for range 3 {
		require.NoError(t, p.Submit(func() { ran.Add(1) }))
	}
	close(gate)
	p.Close()
	p.Close()

	assert.Equal(t, int32(4), ran.Load())
	assert.ErrorIs(t, p.Submit(func() {}), ErrClosed)
	assert.ErrorIs(t, p.TrySubmit(func() {}), ErrClosed)
}

func Test_Workpool_TrySubmitFull(t *testing.T) {
	p := New(1, 1)
	gate := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, p.Submit(func() { close(started); <-gate }))
	<-started
	require.NoError(t, p.TrySubmit(func() {}))
	assert.ErrorIs(t, p.TrySubmit(func() {}), ErrFull)
	close(gate)
	p.Close()
}

func Test_Workpool_Default(t *testing.T) {
	assert.Same(t, Default(), Default())
	assert.Equal(t, runtime.GOMAXPROCS(0), Default().Size())
	assert.Error(t, Default().Submit(nil))
}
