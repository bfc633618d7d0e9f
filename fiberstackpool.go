package corev

import (
	"container/list"
	"fmt"
	"sync"
	"syscall"
	"unsafe"
)

// fiberStackPool is a size-classed mmap span allocator, adapted from the
// teacher's memPool/spanGroup/span machinery, repurposed to lease fiber
// stack buffers instead of generic byte buffers.
//
// Pooling is strictly opt-in (see EnableFiberStackPool in fiber.go and the
// FiberStackPool option in options.go):
// spec.md §5 says the core allocates/frees a stack per fiber by default
// and treats pooling as an optional optimization layered on top.
type fiberStackPool struct {
	mu      sync.Mutex
	groups  map[int]*stackSpanGroup // keyed by stack size
}

func newFiberStackPool() *fiberStackPool {
	return &fiberStackPool{groups: make(map[int]*stackSpanGroup, 4)}
}

func (p *fiberStackPool) lease(size int) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	sg, ok := p.groups[size]
	if !ok {
		sg = newStackSpanGroup(size, 16)
		p.groups[size] = sg
	}
	return sg.alloc()
}

func (p *fiberStackPool) release(size int, buf []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	sg, ok := p.groups[size]
	if !ok {
		return
	}
	sg.free(buf)
}

// stackSpanGroup holds every span for one stack-size class; n doubles each
// time the idle list is exhausted, matching the teacher's spanGroup.
type stackSpanGroup struct {
	size int
	n    int

	fullTimes  int
	allocTimes int

	idleL *list.List
	fullL *list.List
}

func newStackSpanGroup(size, n int) *stackSpanGroup {
	sg := &stackSpanGroup{
		size:  size,
		n:     n,
		idleL: list.New(),
		fullL: list.New(),
	}
	sg.addSpan()
	return sg
}

func (sg *stackSpanGroup) addSpan() *stackSpan {
	sp := newStackSpan(sg.size, sg.n)
	sg.idleL.PushFront(sp)
	sp.list = sg.idleL
	return sp
}

func (sg *stackSpanGroup) alloc() []byte {
	for {
		if sg.idleL.Len() == 0 {
			sg.n *= 2
			sg.fullTimes++
			sg.addSpan()
		}
		for e := sg.idleL.Front(); e != nil; e = e.Next() {
			sp := e.Value.(*stackSpan)
			buf := sp.alloc()
			if buf == nil { // this span is full, move it
				sg.idleL.Remove(e)
				sg.fullL.PushBack(sp)
				break
			}
			sg.allocTimes++
			return buf
		}
	}
}

func (sg *stackSpanGroup) free(buf []byte) {
	// Locate the span owning buf by address range. Stack-size classes are
	// few and spans are long-lived, so a linear scan over both lists is
	// cheap relative to the stack allocation it is avoiding.
	if sp := sg.findSpan(sg.idleL, buf); sp != nil {
		sp.freeBuf(buf)
		return
	}
	for e := sg.fullL.Front(); e != nil; e = e.Next() {
		sp := e.Value.(*stackSpan)
		if sp.owns(buf) {
			sp.freeBuf(buf)
			sg.fullL.Remove(e)
			sg.idleL.PushBack(sp)
			sp.list = sg.idleL
			return
		}
	}
}

func (sg *stackSpanGroup) findSpan(l *list.List, buf []byte) *stackSpan {
	for e := l.Front(); e != nil; e = e.Next() {
		sp := e.Value.(*stackSpan)
		if sp.owns(buf) {
			return sp
		}
	}
	return nil
}

// stackSpan is one mmap'd region sliced into sliceSize chunks, tracked by
// a Bitmap of leased slots.
type stackSpan struct {
	sliceSize int
	freeN     int
	mm        []byte
	list      *list.List
	bitmap    *Bitmap
}

func newStackSpan(sliceSize, n int) *stackSpan {
	s := &stackSpan{
		sliceSize: sliceSize,
		freeN:     n,
		bitmap:    NewBitMap(n),
	}
	s.newMemChunk(sliceSize * n)
	return s
}

func (s *stackSpan) alloc() []byte {
	if s.freeN < 1 {
		return nil
	}
	idx := s.bitmap.firstUnSet()
	if idx < 0 {
		return nil
	}
	s.bitmap.Set(idx)
	s.freeN--
	return s.mm[idx*s.sliceSize : (idx+1)*s.sliceSize : (idx+1)*s.sliceSize]
}

func (s *stackSpan) owns(buf []byte) bool {
	if len(s.mm) == 0 || len(buf) == 0 {
		return false
	}
	lo := uintptr(unsafe.Pointer(&s.mm[0]))
	hi := lo + uintptr(len(s.mm))
	b := uintptr(unsafe.Pointer(&buf[0]))
	return b >= lo && b < hi
}

func (s *stackSpan) freeBuf(buf []byte) {
	lo := uintptr(unsafe.Pointer(&s.mm[0]))
	b := uintptr(unsafe.Pointer(&buf[0]))
	idx := int(b-lo) / s.sliceSize
	s.freeN++
	s.bitmap.Unset(idx)
}

func (s *stackSpan) newMemChunk(n int) {
	pageSize := syscall.Getpagesize()
	length := (n + pageSize - 1) / pageSize * pageSize
	data, err := syscall.Mmap(-1, 0, length,
		syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_ANON|syscall.MAP_PRIVATE)
	if err != nil {
		panic(fmt.Errorf("corev: cannot allocate %d bytes via mmap: %s", length, err))
	}
	if len(data) != length {
		panic(fmt.Errorf("corev: cannot allocate %d bytes via mmap", length))
	}
	s.mm = data
}
