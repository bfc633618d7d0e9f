package corev

// RingBuffer is a growable FIFO over a value array, sized for tiny
// structs (Task is three machine words). It backs the scheduler's shared
// task queue (scheduler.go): PushBack enqueues, PopFront dequeues, and
// pick's re-queue-and-keep-scanning loop round-trips a skipped task
// straight back through PushBack.
type RingBuffer[T any] struct {
	size   int
	head   int
	tail   int
	len    int
	zero   T
	buffer []T
}

// NewRingBuffer returns an instance with the given initial capacity.
func NewRingBuffer[T any](initCap int) *RingBuffer[T] {
	return &RingBuffer[T]{
		buffer: make([]T, initCap),
		size:   initCap,
		head:   0,
		tail:   0,
		len:    0,
	}
}

// IsEmpty reports whether the buffer holds no items.
func (rb *RingBuffer[T]) IsEmpty() bool {
	return rb.len == 0
}

// Len returns the current number of buffered items.
func (rb *RingBuffer[T]) Len() int {
	return rb.len
}

// PushBack appends an item, growing the backing array if full.
func (rb *RingBuffer[T]) PushBack(data T) {
	if rb.len == rb.size {
		rb.grow()
	}
	rb.buffer[rb.tail] = data
	rb.tail = (rb.tail + 1) % rb.size
	rb.len++
}

// PopFront removes and returns the oldest item, if any.
func (rb *RingBuffer[T]) PopFront() (data T, ok bool) {
	if rb.len == 0 {
		return
	}
	data = rb.buffer[rb.head]
	rb.buffer[rb.head] = rb.zero // release the reference promptly
	rb.head = (rb.head + 1) % rb.size
	rb.len--
	ok = true
	return
}

func (rb *RingBuffer[T]) grow() {
	newCapacity := rb.size * 2
	newBuffer := make([]T, newCapacity)

	var n int
	if rb.tail > rb.head {
		n = copy(newBuffer, rb.buffer[rb.head:rb.tail])
	} else {
		n = copy(newBuffer, rb.buffer[rb.head:])
		n += copy(newBuffer[n:], rb.buffer[:rb.tail])
	}

	rb.buffer = newBuffer
	rb.size = newCapacity
	rb.head = 0
	rb.tail = n
}
