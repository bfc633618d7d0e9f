package corev

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestProgrammingErrorReleaseMode(t *testing.T) {
	SetDebugAssertions(false)
	err := programmingError("bad state")
	require.ErrorIs(t, err, ErrProgramming)
	require.Contains(t, err.Error(), "bad state")
}

func TestProgrammingErrorDebugModePanics(t *testing.T) {
	SetDebugAssertions(true)
	defer SetDebugAssertions(false)
	require.Panics(t, func() { programmingError("bad state") })
}

func TestFdContextInvalidEventIsProgrammingError(t *testing.T) {
	SetDebugAssertions(false)
	fc := &FdContext{}
	_, err := fc.eventContext(Event(0))
	require.True(t, errors.Is(err, ErrProgramming))
}
