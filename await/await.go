// Package await demonstrates the "transparent I/O hook" usage pattern
// spec.md §9 describes as outside the core's own scope: a blocking-
// looking Read/Write/Sleep assembled from IOManager.AddEvent,
// IOManager.CancelEvent, Fiber.Yield, and AddConditionTimer (Read/Write),
// plus TimerManager.AddTimer and IOManager.Schedule (Sleep).
//
// It is documentation-by-code, not a sockets/HTTP layer: callers pass in
// fds they already opened (a pipe, a pre-dialed net.Conn's fd via
// SyscallConn, a pre-accepted connection) and get back these three
// blocking-looking operations.
package await

import (
	"context"
	"errors"
	"syscall"
	"time"
	"weak"

	"github.com/goevio/corev"
	"github.com/goevio/corev/internal/rawio"
)

// waitOutcome is the shared flag a blocking call inspects after it
// resumes (SPEC_FULL.md §3's waitState entity). Only the paired timeout
// callback sets it (to timedOut). pending is also the outcome of a plain
// readiness wake-up: nothing sets it explicitly, since the core resumes
// the captured fiber directly (callback=nil) rather than through a hook
// that could mark READY. Nothing in this package sets cancelled or
// cancelErr; a CancelEvent issued from outside wakes the waiter with
// outcome pending, and the call then retries the syscall once and
// returns its result.
type waitOutcome int32

const (
	pending waitOutcome = iota
	timedOut
	cancelled
)

type waiter struct {
	outcome waitOutcome
	cancelErr error
}

// ErrCancelled is what Read/Write return for a wait whose outcome is
// cancelled with no cancelErr; no code path in this package marks a wait
// cancelled, so Read and Write never return it.
var ErrCancelled = errors.New("await: cancelled")

// Read performs a non-blocking Read on fd, yielding the current fiber
// until it becomes readable (or the deadline elapses) if it would
// otherwise block.
func Read(io *corev.IOManager, fd int, buf []byte, timeout time.Duration) (int, error) {
	n, err := rawio.Read(fd, buf)
	if !isTryAgain(err) {
		return n, err
	}

	w := &waiter{}
	witness := weak.Make(w)

	var handle corev.TimerHandle
	hasTimer := timeout > 0
	if hasTimer {
		handle = corev.AddConditionTimer(io.Timers(), timeout.Milliseconds(), func() {
			w.outcome = timedOut
			io.CancelEvent(fd, corev.Read)
		}, witness, false)
	}

	if err := io.AddEvent(fd, corev.Read, nil); err != nil {
		if hasTimer {
			handle.Cancel()
		}
		return 0, err
	}
	corev.CurrentFiber().Yield()
	if hasTimer {
		handle.Cancel()
	}

	switch w.outcome {
	case timedOut:
		return 0, context.DeadlineExceeded
	case cancelled:
		if w.cancelErr != nil {
			return 0, w.cancelErr
		}
		return 0, ErrCancelled
	default:
		return rawio.Read(fd, buf)
	}
}

// Write performs a non-blocking Write on fd, yielding the current fiber
// until it becomes writable (or the deadline elapses) if it would
// otherwise block.
func Write(io *corev.IOManager, fd int, buf []byte, timeout time.Duration) (int, error) {
	n, err := rawio.Write(fd, buf)
	if !isTryAgain(err) {
		return n, err
	}

	w := &waiter{}
	witness := weak.Make(w)

	var handle corev.TimerHandle
	hasTimer := timeout > 0
	if hasTimer {
		handle = corev.AddConditionTimer(io.Timers(), timeout.Milliseconds(), func() {
			w.outcome = timedOut
			io.CancelEvent(fd, corev.Write)
		}, witness, false)
	}

	if err := io.AddEvent(fd, corev.Write, nil); err != nil {
		if hasTimer {
			handle.Cancel()
		}
		return 0, err
	}
	corev.CurrentFiber().Yield()
	if hasTimer {
		handle.Cancel()
	}

	switch w.outcome {
	case timedOut:
		return 0, context.DeadlineExceeded
	case cancelled:
		if w.cancelErr != nil {
			return 0, w.cancelErr
		}
		return 0, ErrCancelled
	default:
		return rawio.Write(fd, buf)
	}
}

// Sleep suspends the current fiber for d, via a plain (non-condition)
// timer that resumes it.
func Sleep(io *corev.IOManager, d time.Duration) {
	f := corev.CurrentFiber()
	io.Timers().AddTimer(d.Milliseconds(), func() {
		io.Schedule(corev.NewFiberTask(f, -1))
	}, false)
	f.Yield()
}

// isTryAgain reports whether err is the "would block" signal a
// non-blocking syscall uses to mean "nothing to do yet, wait for
// readiness" rather than a real failure.
func isTryAgain(err error) bool {
	return errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EWOULDBLOCK)
}
