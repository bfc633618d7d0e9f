package corev

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRingBufferFIFOAcrossGrowth(t *testing.T) {
	rb := NewRingBuffer[int](4)

	for i := 0; i < 100; i++ {
		rb.PushBack(i)
	}
	require.Equal(t, 100, rb.Len())
	require.False(t, rb.IsEmpty())

	for i := 0; i < 100; i++ {
		v, ok := rb.PopFront()
		require.True(t, ok)
		require.Equal(t, i, v)
	}
	require.True(t, rb.IsEmpty())
	_, ok := rb.PopFront()
	require.False(t, ok)
}

func TestRingBufferGrowPreservesOrderAcrossWrap(t *testing.T) {
	rb := NewRingBuffer[int](4)
	// Push/pop enough to walk head past the end of the backing array
	// before growing, so grow()'s wrap-around copy branch is exercised.
	for i := 0; i < 3; i++ {
		rb.PushBack(i)
		v, _ := rb.PopFront()
		require.Equal(t, i, v)
	}
	for i := 0; i < 6; i++ {
		rb.PushBack(i)
	}
	for i := 0; i < 6; i++ {
		v, ok := rb.PopFront()
		require.True(t, ok)
		require.Equal(t, i, v)
	}
}
