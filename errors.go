package corev

import (
	"errors"
	"fmt"
)

// ErrProgramming marks a caller misuse the core treats as an assertion
// failure in debug builds (see SetDebugAssertions) and as a plain error
// otherwise: double-registering an fd event, an invalid fd or event bit,
// AddEvent with no running fiber to capture. Fiber misuse (Resume on a
// fiber that is not READY, Yield on one that is not RUNNING, Reset on one
// that is not TERM) is not reported through ErrProgramming: those calls
// return nothing and always panic, whatever SetDebugAssertions says.
var ErrProgramming = errors.New("corev: programming error")

// ErrClosed is returned by IOManager.Close when the IOManager has already
// been closed.
var ErrClosed = errors.New("corev: closed")

// debugAssertions gates whether ErrProgramming conditions panic (debug
// build behavior) or return an error (release behavior). Off by default
// so library consumers get the release behavior; tests that want to
// assert on programming errors flip it locally.
var debugAssertions = false

// SetDebugAssertions toggles the debug/release error-handling split spec.md
// §7 describes. Not safe to call concurrently with running schedulers.
func SetDebugAssertions(on bool) {
	debugAssertions = on
}

func programmingError(msg string) error {
	if debugAssertions {
		panic("corev: " + msg)
	}
	return fmt.Errorf("%w: %s", ErrProgramming, msg)
}
