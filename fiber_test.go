package corev

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFiberResumeYieldRoundTrip(t *testing.T) {
	var trace []string
	f := NewFiber(func() {
		trace = append(trace, "a")
		CurrentFiber().Yield()
		trace = append(trace, "b")
		CurrentFiber().Yield()
		trace = append(trace, "c")
	}, 0, false)

	require.Equal(t, FiberReady, f.State())
	f.Resume()
	require.Equal(t, []string{"a"}, trace)
	require.Equal(t, FiberReady, f.State())

	f.Resume()
	require.Equal(t, []string{"a", "b"}, trace)

	f.Resume()
	require.Equal(t, []string{"a", "b", "c"}, trace)
	require.Equal(t, FiberTerm, f.State())
}

func TestFiberResumeOnNonReadyPanics(t *testing.T) {
	f := NewFiber(func() {
		CurrentFiber().Yield()
	}, 0, false)
	f.Resume()
	require.Equal(t, FiberReady, f.State())

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.Resume() // consumes the yield, ends in TERM
	}()
	<-done
	require.Equal(t, FiberTerm, f.State())
	require.Panics(t, func() { f.Resume() })
}

func TestFiberResetReusesStack(t *testing.T) {
	f := NewFiber(func() {}, 0, true)
	f.Resume()
	require.Equal(t, FiberTerm, f.State())
	stack := &f.stackBuf[0]

	ran := false
	f.Reset(func() { ran = true })
	require.Equal(t, FiberReady, f.State())
	require.Same(t, stack, &f.stackBuf[0])
	f.Resume()
	require.True(t, ran)
	require.Equal(t, FiberTerm, f.State())
}

func TestCurrentFiberIsPerGoroutine(t *testing.T) {
	var insideID uint64
	f := NewFiber(func() {
		insideID = CurrentFiberID()
	}, 0, false)
	f.Resume()
	require.Equal(t, f.ID(), insideID)

	// The test goroutine itself has never been registered against a real
	// fiber, so CurrentFiberID (no lazy creation) is 0 until Current is
	// called, at which point it initializes a main fiber.
	require.Equal(t, uint64(0), CurrentFiberID())
	main := CurrentFiber()
	require.True(t, main.isMain)
	require.Equal(t, main.ID(), CurrentFiberID())
}

func TestFiberPanicInEntryIsContained(t *testing.T) {
	f := NewFiber(func() {
		panic("boom")
	}, 0, false)
	require.NotPanics(t, func() { f.Resume() })
	require.Equal(t, FiberTerm, f.State())
}

func TestFiberStackPoolLeaseAndRelease(t *testing.T) {
	EnableFiberStackPool(true)
	defer EnableFiberStackPool(false)

	f := NewFiber(func() {}, DefaultFiberStackSize, false)
	require.True(t, f.pooled)
	require.Len(t, f.stackBuf, DefaultFiberStackSize)
	f.Resume()
	f.Free()
	require.Nil(t, f.stackBuf)
}

func TestFiberYieldSleepLikeHandoff(t *testing.T) {
	start := time.Now()
	f := NewFiber(func() {
		CurrentFiber().Yield()
	}, 0, false)
	f.Resume()
	go func() {
		time.Sleep(10 * time.Millisecond)
		f.Resume()
	}()
	// Busy-poll for TERM instead of blocking so the test itself doesn't
	// need a second synchronization primitive.
	for f.State() != FiberTerm {
		time.Sleep(time.Millisecond)
	}
	require.GreaterOrEqual(t, time.Since(start), 9*time.Millisecond)
}
