package corev

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
)

// ErrSchedulerStopped is returned by Schedule once the scheduler has been
// asked to stop.
var ErrSchedulerStopped = errors.New("corev: scheduler stopped")

// tickleHook lets a subtype (IOManager) be notified whenever a task is
// queued while a worker might be parked — in the core Scheduler this is
// a no-op, matching spec.md §4.2's "tickle() is virtual ... the base
// implementation does nothing" and the teacher's habit of leaving a
// narrow seam (EvHandler) for a subtype to override behavior.
type tickleHook interface {
	tickle()
}

// Scheduler is a fixed pool of worker threads cooperatively running
// Tasks, each either a Fiber to resume or a plain callback, drawn from a
// shared FIFO queue with optional per-task thread affinity (spec.md
// §4.2). It mirrors the teacher's Reactor/GoPool split: one goroutine
// per logical OS thread (reactor.go's Run), a shared work queue
// (gopool.go's GoPool), generalized here to carry fiber tasks and
// honor thread_hint.
type Scheduler struct {
	noCopy

	name       string
	threads    int
	useCaller  bool
	lockThread bool

	self  tickleHook // set by embedders (IOManager) to receive tickle()
	owner any        // set to the embedding *IOManager, if any; read by Current()

	fiberStackSize int // stack size for spare fibers wrapping callback tasks; 0 = DefaultFiberStackSize

	mu      sync.Mutex
	cond    *sync.Cond
	queue   *RingBuffer[Task]
	closing bool
	closed  bool

	activeThreads atomic.Int32
	idleThreads   atomic.Int32

	wg       sync.WaitGroup
	startErr error
	started  bool
}

// NewScheduler builds a Scheduler with the given worker count. useCaller,
// when true, runs worker 0 on the calling goroutine inside Start instead
// of spawning a new one (handy for "block main() as a worker" embeddings,
// mirroring reactor.go's Run blocking until all evPolls exit).
func NewScheduler(threads int, useCaller bool, name string) *Scheduler {
	if threads < 1 {
		threads = defaultThreadCount()
	}
	s := &Scheduler{
		name:      name,
		threads:   threads,
		useCaller: useCaller,
		queue:     NewRingBuffer[Task](256),
	}
	s.self = s
	s.cond = sync.NewCond(&s.mu)
	return s
}

// tickle is the base (no-op) hook; IOManager overrides it by embedding a
// Scheduler and reassigning self.
func (s *Scheduler) tickle() {}

// SetTickleHook lets an embedder (IOManager) install itself as the
// tickle target instead of the base no-op.
func (s *Scheduler) SetTickleHook(h tickleHook) { s.self = h }

// ActiveThreadCount returns how many workers are currently running a
// task (not idle, not stopped).
func (s *Scheduler) ActiveThreadCount() int { return int(s.activeThreads.Load()) }

// IdleThreadCount returns how many workers are currently parked in idle.
func (s *Scheduler) IdleThreadCount() int { return int(s.idleThreads.Load()) }

// Schedule enqueues a task. threadHint pins it to a specific worker (0..
// threads-1) or -1 for "any". If task wraps a fiber already bound to a
// worker (spec.md §5: no migration after first resume), that binding
// overrides threadHint.
func (s *Scheduler) Schedule(t Task) error {
	if t.fiber != nil {
		if wid, bound := t.fiber.boundWorkerID(); bound {
			t.threadHint = wid
		}
	}
	s.mu.Lock()
	if s.closing || s.closed {
		s.mu.Unlock()
		return ErrSchedulerStopped
	}
	s.queue.PushBack(t)
	s.mu.Unlock()
	s.cond.Broadcast()
	s.self.tickle()
	return nil
}

// Start launches the worker threads. When useCaller is true the calling
// goroutine stands in for worker 0, so Start blocks until worker 0 exits
// (on Stop); otherwise it returns immediately. Wait blocks until every
// worker has exited.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("corev: scheduler already started")
	}
	s.started = true
	s.mu.Unlock()

	first := 0
	if s.useCaller {
		first = 1
	}
	for i := first; i < s.threads; i++ {
		s.wg.Add(1)
		go s.runWorker(i)
	}
	if s.useCaller {
		s.wg.Add(1)
		s.runWorker(0)
	}
	return nil
}

// Wait blocks until every worker goroutine has exited.
func (s *Scheduler) Wait() { s.wg.Wait() }

// Stop asks every worker to drain and exit once the queue (and, for
// IOManager, pending events/timers) is empty, then tickles so every
// currently idle worker notices (not just one). It does not block; call
// Wait to block until drained.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.cond.Broadcast()
	s.self.tickle()
}

// stopping reports whether the scheduler's queue is empty and a stop was
// requested. IOManager overrides the emptiness test to additionally
// require zero pending I/O events and no live timers (spec.md §4.5).
func (s *Scheduler) stopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing && s.queue.IsEmpty()
}

func (s *Scheduler) runWorker(id int) {
	defer s.wg.Done()
	if s.lockThread {
		runtime.LockOSThread()
	}

	var spare *Fiber
	for !s.checkStopping() {
		t, ok := s.pick(id)
		if !ok {
			s.idleThreads.Add(1)
			s.idle(id)
			s.idleThreads.Add(-1)
			continue
		}
		s.activeThreads.Add(1)
		s.runTask(id, t, &spare)
		s.activeThreads.Add(-1)
	}

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// checkStopping calls through self so IOManager's stricter stopping()
// condition is honored even though runWorker lives on the base type.
func (s *Scheduler) checkStopping() bool {
	if sp, ok := s.self.(interface{ stopping() bool }); ok {
		return sp.stopping()
	}
	return s.stopping()
}

// idle is the base idle behavior: block until a task is queued or a stop
// is requested. IOManager overrides this to run one epoll_wait cycle
// instead (spec.md §4.5's idle loop). That loop does not need a dedicated
// fiber: each call already does exactly
// one wait+dispatch cycle and returns, which is externally
// indistinguishable from "yield after one cycle, resume on the next".
func (s *Scheduler) idle(id int) {
	if ih, ok := s.self.(interface{ idleOnce(int) bool }); ok {
		ih.idleOnce(id)
		return
	}
	s.mu.Lock()
	for s.queue.IsEmpty() && !s.closing {
		s.cond.Wait()
	}
	s.mu.Unlock()
}

// pick pops the first task bound to id (or unbound, thread_hint == -1)
// from the front of the queue, matching gopool.go's single shared-queue
// simplicity generalized with affinity. If it has to skip over a task
// hint-bound to some other worker to find (or fail to find) one for id,
// it re-tickles once released: that other worker may be the only one
// idle, and a shared wake-up primitive (IOManager's self-pipe) only
// reliably reaches workers idle at the moment it fires, not ones that
// went idle scanning past their own task a moment earlier.
func (s *Scheduler) pick(id int) (Task, bool) {
	s.mu.Lock()
	n := s.queue.Len()
	skippedForOther := false
	for i := 0; i < n; i++ {
		t, ok := s.queue.PopFront()
		if !ok {
			break
		}
		if t.threadHint == -1 || t.threadHint == id {
			s.mu.Unlock()
			if skippedForOther {
				s.self.tickle()
			}
			return t, true
		}
		skippedForOther = true
		s.queue.PushBack(t)
	}
	s.mu.Unlock()
	if skippedForOther {
		s.self.tickle()
	}
	return Task{}, false
}

func (s *Scheduler) runTask(id int, t Task, spare **Fiber) {
	if t.fiber != nil {
		t.fiber.bindWorker(id)
		t.fiber.schedOwner = s
		t.fiber.Resume()
		return
	}
	f := *spare
	if f == nil || f.State() != FiberTerm {
		f = NewFiber(t.callback, s.fiberStackSize, true)
		*spare = f
	} else {
		f.Reset(t.callback)
	}
	f.schedOwner = s
	f.Resume()
}
