package safe

import (
	"PPSync/logger"
	"runtime/debug"

	"go.uber.org/zap"
)

// SafeGo starts a new goroutine that recovers from panic,
// so that one misbehaving task never crashes the relay.
func SafeGo(name string, f func()) {
	go func() {
		defer Recover(name)
		f()
	}()
}

// Recover logs a recovered panic; use it as `defer safe.Recover("name")`.
func Recover(name string) {
	if r := recover(); r != nil {
		logger.Error("[SafeGo] panic recovered",
			zap.String("task", name),
			zap.Any("panic", r),
			zap.ByteString("stack", debug.Stack()),
		)
	}
}
