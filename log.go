package corev

import (
	"sync"

	"go.uber.org/zap"
)

// lastLog is the package default logger, mirroring the teacher's
// package-level Debug/Rinfo/Error/... helpers pointed at the last logger
// installed via SetLogger.
var (
	lastLog   *zap.SugaredLogger
	lastLogMu sync.RWMutex
)

func init() {
	l, err := zap.NewProduction()
	if err != nil {
		l = zap.NewNop()
	}
	lastLog = l.Sugar()
}

// SetLogger replaces the logger used by Fiber.Resume (panics in a fiber's
// entry) and by IOManager (warnings and syscall failures).
func SetLogger(l *zap.Logger) {
	lastLogMu.Lock()
	lastLog = l.Sugar()
	lastLogMu.Unlock()
}

func logger() *zap.SugaredLogger {
	lastLogMu.RLock()
	defer lastLogMu.RUnlock()
	return lastLog
}

func logDebugf(format string, args ...any) {
	logger().Debugf(format, args...)
}

func logWarnf(format string, args ...any) {
	logger().Warnf(format, args...)
}

func logErrorf(format string, args ...any) {
	logger().Errorf(format, args...)
}
