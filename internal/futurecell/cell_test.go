package futurecell

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCell_resolveThenWaitReturnsImmediately(t *testing.T) {
	c := New[int]()
	c.Resolve(42)
	require.True(t, c.IsDone())

	v, ok := c.Wait(nil)
	require.True(t, ok)
	require.Equal(t, 42, v)
}

func TestCell_waitBlocksUntilResolved(t *testing.T) {
	c := New[string]()
	require.False(t, c.IsDone())

	done := make(chan struct{})
	go func() {
		time.Sleep(5 * time.Millisecond)
		c.Resolve("done")
		close(done)
	}()

	v, ok := c.Wait(nil)
	require.True(t, ok)
	require.Equal(t, "done", v)
	<-done
}

func TestCell_waitUnblocksOnCancel(t *testing.T) {
	c := New[int]()
	cancel := make(chan struct{})
	close(cancel)

	_, ok := c.Wait(cancel)
	require.False(t, ok)
}

func TestCell_resolveIsIdempotent(t *testing.T) {
	c := New[int]()
	c.Resolve(1)
	c.Resolve(2)
	require.Equal(t, 1, c.Value())
}

func TestCell_onResolveRunsSynchronouslyIfAlreadyDone(t *testing.T) {
	c := New[int]()
	c.Resolve(7)

	var got int
	c.OnResolve(func(v int) { got = v })
	require.Equal(t, 7, got)
}

func TestCell_onResolveRunsOnceResolveHappens(t *testing.T) {
	c := New[int]()
	called := make(chan int, 1)
	c.OnResolve(func(v int) { called <- v })

	select {
	case <-called:
		t.Fatal("continuation ran before resolution")
	default:
	}

	c.Resolve(9)
	require.Equal(t, 9, <-called)
}

func TestCell_lockUnlockGuardsCheckThenRegister(t *testing.T) {
	c := New[int]()
	c.Lock()
	done := c.IsDone()
	c.Unlock()
	require.False(t, done)
}
