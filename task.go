package corev

// Task is the schedulable unit a Scheduler queues and dispatches: either
// a Fiber to resume or a plain callback to run to completion, never both
// (spec.md §4.2).
type Task struct {
	fiber      *Fiber
	callback   func()
	threadHint int
}

// NewFiberTask wraps an existing fiber as a schedulable task. threadHint
// pins the task to a specific worker id, or -1 to let any idle worker
// pick it up (subject to the fiber's own binding once it has first run —
// see Fiber.bindWorker).
func NewFiberTask(f *Fiber, threadHint int) Task {
	return Task{fiber: f, threadHint: threadHint}
}

// NewCallbackTask wraps a plain function as a schedulable task.
func NewCallbackTask(cb func(), threadHint int) Task {
	return Task{callback: cb, threadHint: threadHint}
}

// ThreadHint returns the task's worker affinity, or -1 if unset.
func (t Task) ThreadHint() int { return t.threadHint }
