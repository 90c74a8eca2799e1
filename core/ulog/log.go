// Package ulog wraps zap behind the glog-flavored, verbosity-gated
// facade the teacher's weed/glog exposes (V(n).Infof, Warningf,
// Errorf), so call sites read the same way storage/store.go's do.
package ulog

import (
	"sync/atomic"

	"go.uber.org/zap"
)

var (
	logger  = mustBuild()
	sugar   = logger.Sugar()
	verbose int32
)

func mustBuild() *zap.Logger {
	l, err := zap.NewProduction()
	if err != nil {
		l = zap.NewNop()
	}
	return l
}

// SetVerbosity sets the process-wide verbosity threshold used by V().
func SetVerbosity(v int32) {
	atomic.StoreInt32(&verbose, v)
}

// Replace swaps the underlying zap logger, e.g. to install a
// *zap.Logger configured for development/test output.
func Replace(l *zap.Logger) {
	logger = l
	sugar = l.Sugar()
}

type level int32

// V returns a level gate analogous to glog.V(n): logging calls made
// through it are dropped if n exceeds the configured verbosity.
func V(n int32) level {
	return level(n)
}

func (lv level) enabled() bool {
	return int32(lv) <= atomic.LoadInt32(&verbose)
}

func (lv level) Infof(format string, args ...interface{}) {
	if lv.enabled() {
		sugar.Infof(format, args...)
	}
}

func (lv level) Infoln(args ...interface{}) {
	if lv.enabled() {
		sugar.Info(args...)
	}
}

func Warningf(format string, args ...interface{}) {
	sugar.Warnf(format, args...)
}

func Errorf(format string, args ...interface{}) {
	sugar.Errorf(format, args...)
}

func Fatalf(format string, args ...interface{}) {
	sugar.Fatalf(format, args...)
}

// Sync flushes any buffered log entries; call on gateway shutdown.
func Sync() error {
	return logger.Sync()
}
