package corev

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
)

// FiberState is the lifecycle state of a Fiber (spec.md §3/§4.1).
type FiberState int32

const (
	FiberReady FiberState = iota
	FiberRunning
	FiberTerm
)

func (s FiberState) String() string {
	switch s {
	case FiberReady:
		return "READY"
	case FiberRunning:
		return "RUNNING"
	case FiberTerm:
		return "TERM"
	default:
		return "UNKNOWN"
	}
}

// DefaultFiberStackSize is fiber.stack_size's default (spec.md §6): 128 KiB.
const DefaultFiberStackSize = 128 * 1024

var (
	fiberIDGen  atomic.Uint64
	fiberStack  = newFiberStackPool()
	fiberPoolMu sync.RWMutex
	fiberPooled bool // fiber.stack_pool; off by default per spec.md §5
)

// EnableFiberStackPool turns on the optional mmap span allocator backing
// new fiber stacks (fiber.stack_pool). The default is disabled, matching
// spec.md §5: "There is no pooling in the core (pooling is an optional
// optimization)".
func EnableFiberStackPool(on bool) {
	fiberPoolMu.Lock()
	fiberPooled = on
	fiberPoolMu.Unlock()
}

func stackPoolEnabled() bool {
	fiberPoolMu.RLock()
	defer fiberPoolMu.RUnlock()
	return fiberPooled
}

// Fiber is a stackful, user-space coroutine. Because the host runtime
// (Go) exposes no ucontext/swapcontext-equivalent, the "stack + saved
// machine context" spec.md §4.1 asks for is realized as a dedicated
// goroutine parked on a pair of rendezvous channels — see DESIGN.md for
// why no cgo/asm primitive from the retrieval pack could stand in here.
// The observable state machine (READY/RUNNING/TERM, resume/yield,
// current()) matches spec.md exactly.
type Fiber struct {
	noCopy

	id                      uint64
	state                   atomic.Int32
	participatesInScheduler bool
	isMain                  bool

	stackSize int
	stackBuf  []byte // leased from the pool when pooled, else a plain make([]byte, stackSize); nil for the main fiber
	pooled    bool

	entry    func()
	resumeCh chan struct{}
	doneCh   chan struct{}
	started  bool
	panicVal any

	// boundWorker is set (once) by the Scheduler the first time this
	// fiber is resumed as a task, and pins all subsequent resumes to
	// that worker (spec.md §5: no migration after first resume).
	boundWorker atomic.Int32

	// schedOwner is the Scheduler (or IOManager, via its embedded
	// Scheduler) that last resumed this fiber as a task, letting
	// IOManager.Current() resolve "which IOManager is running me" from
	// arbitrary code inside the fiber's entry.
	schedOwner *Scheduler
}

// NewFiber allocates a fiber. stackSize == 0 uses DefaultFiberStackSize.
func NewFiber(entry func(), stackSize int, participatesInScheduler bool) *Fiber {
	if stackSize <= 0 {
		stackSize = DefaultFiberStackSize
	}
	f := &Fiber{
		id:                      fiberIDGen.Add(1),
		participatesInScheduler: participatesInScheduler,
		stackSize:               stackSize,
		entry:                   entry,
		resumeCh:                make(chan struct{}),
		doneCh:                  make(chan struct{}),
	}
	f.state.Store(int32(FiberReady))
	f.boundWorker.Store(-1)
	if stackPoolEnabled() {
		f.stackBuf = fiberStack.lease(stackSize)
		f.pooled = true
	} else {
		f.stackBuf = make([]byte, stackSize)
	}
	return f
}

// ID returns the fiber's unique identity.
func (f *Fiber) ID() uint64 { return f.id }

// State returns the current lifecycle state.
func (f *Fiber) State() FiberState { return FiberState(f.state.Load()) }

// StackSize returns the configured stack size (or 0 for the main fiber,
// which owns no stack buffer — spec.md §3).
func (f *Fiber) StackSize() int { return f.stackSize }

// ParticipatesInScheduler reports whether this fiber was constructed to
// swap with the thread's scheduling fiber (vs. its main fiber).
func (f *Fiber) ParticipatesInScheduler() bool { return f.participatesInScheduler }

// Resume runs (or continues) the fiber until it next yields or
// terminates. Precondition: state is READY; violating it is a programmer
// error and panics, matching the teacher's own idiom of panicking on
// impossible internal states (ev_handler.go's Event stubs, evData's fd
// reuse check) rather than threading an error return through a call the
// spec itself describes only as an assertion.
func (f *Fiber) Resume() {
	if FiberState(f.state.Load()) != FiberReady {
		panic("corev: fiber.Resume: not READY (state=" + f.State().String() + ")")
	}
	f.state.Store(int32(FiberRunning))
	if !f.started {
		f.started = true
		go f.run()
	}
	f.resumeCh <- struct{}{}
	<-f.doneCh
	if f.panicVal != nil {
		pv := f.panicVal
		f.panicVal = nil
		logErrorf("corev: fiber %d entry panicked: %v", f.id, pv)
	}
}

// Yield suspends the fiber at this point and hands control back to
// whichever goroutine called Resume — the scheduling fiber for a
// scheduler-participating fiber, the main fiber otherwise (spec.md
// §4.1). Because the underlying execution unit is a real goroutine
// blocked on a channel receive, "returning to the caller" and "resuming
// exactly where Yield was called" both fall out of Go's own semantics;
// no explicit two-target swap logic is needed here (see DESIGN.md).
func (f *Fiber) Yield() {
	if FiberState(f.state.Load()) != FiberRunning {
		panic("corev: fiber.Yield: not RUNNING (state=" + f.State().String() + ")")
	}
	f.state.Store(int32(FiberReady))
	f.doneCh <- struct{}{}
	<-f.resumeCh
	f.state.Store(int32(FiberRunning))
}

// Reset rebuilds a TERM fiber to run entry again, reusing its stack
// allocation. Precondition: state is TERM.
func (f *Fiber) Reset(entry func()) {
	if FiberState(f.state.Load()) != FiberTerm {
		panic("corev: fiber.Reset: not TERM (state=" + f.State().String() + ")")
	}
	f.entry = entry
	f.resumeCh = make(chan struct{})
	f.doneCh = make(chan struct{})
	f.started = false
	f.panicVal = nil
	f.boundWorker.Store(-1)
	f.state.Store(int32(FiberReady))
}

// Free releases the fiber's stack buffer back to the pool it was leased
// from, if any. Safe to call only once, after the fiber reaches TERM and
// nothing else references it (spec.md §3).
func (f *Fiber) Free() {
	if f.pooled && f.stackBuf != nil {
		fiberStack.release(f.stackSize, f.stackBuf)
		f.stackBuf = nil
	}
}

func (f *Fiber) run() {
	<-f.resumeCh
	gid := goroutineID()
	fiberRegistry.Store(gid, f)

	func() {
		defer func() {
			if r := recover(); r != nil {
				f.panicVal = r
			}
		}()
		f.entry()
	}()

	f.state.Store(int32(FiberTerm))
	f.doneCh <- struct{}{}
}

// bindWorker records which worker first resumed this fiber as a task,
// returning the winning worker id (idempotent under races: whichever
// resume happens first wins, and every later caller observes that id).
func (f *Fiber) bindWorker(workerID int) int {
	if f.boundWorker.CompareAndSwap(-1, int32(workerID)) {
		return workerID
	}
	return int(f.boundWorker.Load())
}

func (f *Fiber) boundWorkerID() (int, bool) {
	v := f.boundWorker.Load()
	if v < 0 {
		return 0, false
	}
	return int(v), true
}

// fiberRegistry maps a goroutine id to the *Fiber whose entry runs on it,
// giving CurrentFiber/CurrentFiberID goroutine-local semantics without a
// caller-supplied context. No library in the retrieval pack ships a
// working goroutine-local-storage implementation (the pack only carries
// an empty github.com/joeycumines/goroutineid module as a name-only
// placeholder for exactly this concern), so this is one of the few
// places the core reaches for a small stdlib-only technique instead —
// see DESIGN.md.
var fiberRegistry sync.Map // uint64 -> *Fiber

// CurrentFiber returns the fiber running on the calling goroutine,
// creating a synthetic main fiber on first access if none is registered
// (spec.md §4.1: "the accessor ... initializing the main fiber on first
// access").
func CurrentFiber() *Fiber {
	gid := goroutineID()
	if v, ok := fiberRegistry.Load(gid); ok {
		return v.(*Fiber)
	}
	main := &Fiber{
		id:     fiberIDGen.Add(1),
		isMain: true,
	}
	main.state.Store(int32(FiberRunning))
	main.boundWorker.Store(-1)
	actual, _ := fiberRegistry.LoadOrStore(gid, main)
	return actual.(*Fiber)
}

// CurrentFiberID returns 0 if the calling goroutine has never been
// associated with a Fiber (spec.md §4.1), without the lazy-creation side
// effect CurrentFiber has.
func CurrentFiberID() uint64 {
	gid := goroutineID()
	if v, ok := fiberRegistry.Load(gid); ok {
		return v.(*Fiber).id
	}
	return 0
}

// goroutineID parses the running goroutine's id out of runtime.Stack, the
// standard (if unglamorous) way to get goroutine-local identity in Go
// without cgo.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := buf[:n]
	const prefix = "goroutine "
	if bytes.HasPrefix(b, []byte(prefix)) {
		b = b[len(prefix):]
	}
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		b = b[:i]
	}
	id, _ := strconv.ParseUint(string(b), 10, 64)
	return id
}
