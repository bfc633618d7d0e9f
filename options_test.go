package corev

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBuildConfigDefaults(t *testing.T) {
	cfg := buildConfig()
	require.Equal(t, 256, cfg.pollBatchSize)
	require.Equal(t, 32, cfg.fdTableInitCap)
	require.Equal(t, 64, cfg.timerHeapInitCap)
	require.Equal(t, int64(5000), cfg.maxPollWaitMs)
	require.Equal(t, DefaultFiberStackSize, cfg.fiberStackSize)
	require.False(t, cfg.fiberStackPool)
	require.Equal(t, int64(30_000), cfg.tcpConnectTimeoutMs)
}

func TestBuildConfigAppliesOptions(t *testing.T) {
	cfg := buildConfig(
		PollBatchSize(64),
		FdTableInitCap(8),
		TimerHeapInitCap(16),
		MaxPollWaitMs(1000),
		FiberStackSize(4096),
		FiberStackPool(true),
		SchedulerThreads(3),
		TCPConnectTimeout(5*time.Second),
	)
	require.Equal(t, 64, cfg.pollBatchSize)
	require.Equal(t, 8, cfg.fdTableInitCap)
	require.Equal(t, 16, cfg.timerHeapInitCap)
	require.Equal(t, int64(1000), cfg.maxPollWaitMs)
	require.Equal(t, 4096, cfg.fiberStackSize)
	require.True(t, cfg.fiberStackPool)
	require.Equal(t, 3, cfg.schedulerThreads)
	require.Equal(t, int64(5000), cfg.tcpConnectTimeoutMs)
}

func TestOptionsIgnoreNonPositiveValues(t *testing.T) {
	cfg := buildConfig(PollBatchSize(0), FdTableInitCap(-1), MaxPollWaitMs(0), FiberStackSize(-5), SchedulerThreads(0))
	require.Equal(t, 256, cfg.pollBatchSize)
	require.Equal(t, 32, cfg.fdTableInitCap)
	require.Equal(t, int64(5000), cfg.maxPollWaitMs)
	require.Equal(t, DefaultFiberStackSize, cfg.fiberStackSize)
	require.Equal(t, 0, cfg.schedulerThreads)
}
