package corev

import (
	"runtime"
	"time"
)

// Config holds the sizing knobs for a Scheduler/IOManager pair. Built via
// functional Options, the same idiom the teacher used for its Reactor.
type Config struct {
	pollBatchSize    int // epoll_wait batch size (spec.md: 256)
	fdTableInitCap   int // FdContext table initial capacity (spec.md: 32)
	timerHeapInitCap int
	maxPollWaitMs    int64 // epoll_wait timeout ceiling (spec.md: 5000ms)

	fiberStackSize   int  // 0 means DefaultFiberStackSize
	fiberStackPool   bool // fiber.stack_pool; mirrors EnableFiberStackPool
	schedulerThreads int  // fallback worker count when the constructor's threads arg is <= 0

	// tcpConnectTimeoutMs is a documentation-only default: nothing in this
	// module dials, but a caller building a net.Conn-based await.Dial-shaped
	// helper on top of corev has a place to source a default timeout from.
	tcpConnectTimeoutMs int64
}

// Option configures a Config.
type Option func(*Config)

func defaultConfig() *Config {
	cfg := &Config{
		pollBatchSize:       256,
		fdTableInitCap:      32,
		timerHeapInitCap:    64,
		maxPollWaitMs:       5000,
		fiberStackSize:      DefaultFiberStackSize,
		tcpConnectTimeoutMs: 30_000,
	}
	return cfg
}

func buildConfig(opts ...Option) *Config {
	cfg := defaultConfig()
	for _, o := range opts {
		o(cfg)
	}
	return cfg
}

// PollBatchSize sets how many ready events epoll_wait retrieves per call.
func PollBatchSize(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.pollBatchSize = n
		}
	}
}

// FdTableInitCap sets the FdContext table's initial capacity; it grows by
// ×1.5 from there as higher fds are referenced.
func FdTableInitCap(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.fdTableInitCap = n
		}
	}
}

// TimerHeapInitCap sets the timer heap's initial backing-slice capacity.
func TimerHeapInitCap(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.timerHeapInitCap = n
		}
	}
}

// MaxPollWaitMs caps how long a single epoll_wait call may block even when
// no timer is pending sooner (spec.md: the 5-second ceiling).
func MaxPollWaitMs(ms int64) Option {
	return func(c *Config) {
		if ms > 0 {
			c.maxPollWaitMs = ms
		}
	}
}

// FiberStackSize sets the stack size new fibers get when the scheduler
// allocates one on the caller's behalf (the spare fiber wrapping a plain
// callback task). Fibers created directly via NewFiber pass their own size
// and are unaffected.
func FiberStackSize(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.fiberStackSize = n
		}
	}
}

// FiberStackPool toggles the optional mmap span allocator for new fiber
// stacks (spec.md §5: pooling is opt-in and off by default).
// FiberStackPool(true) makes NewIOManager call EnableFiberStackPool(true)
// globally at construction time; FiberStackPool(false) leaves the global
// setting unchanged.
func FiberStackPool(on bool) Option {
	return func(c *Config) {
		c.fiberStackPool = on
	}
}

// SchedulerThreads sets the worker count to fall back to when a
// NewIOManager caller passes threads <= 0 (NewScheduler takes no options
// and falls back to defaultThreadCount instead), mirroring the
// teacher's EvPollThreadNum option sitting alongside an explicit
// constructor argument.
func SchedulerThreads(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.schedulerThreads = n
		}
	}
}

// TCPConnectTimeout sets the documentation-only default connect timeout
// this module's own await package does not consume (it never dials) but
// records for a caller layering a dialer on top of corev.
func TCPConnectTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.tcpConnectTimeoutMs = d.Milliseconds()
		}
	}
}

// defaultThreadCount mirrors the teacher's options.go heuristic for
// leaving headroom for the rest of the process.
func defaultThreadCount() int {
	n := runtime.NumCPU()
	switch {
	case n > 15:
		return n - 4
	case n > 3:
		return n - 2
	default:
		return 1
	}
}
