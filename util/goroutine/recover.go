// Package goroutine holds the panic guard deferred at the top of every
// long-lived pipeline goroutine (watcher, workers, reader, engine).
package goroutine

import (
	"fmt"
	"os"
	"runtime"

	"go.uber.org/zap"
)

// stackBufSize bounds the captured trace. 4 KiB holds the frames that
// matter without dragging the full goroutine dump into a log line.
const stackBufSize = 4 << 10

// Recover converts a panic into a structured error log so one misbehaving
// goroutine cannot take the process down. Must be called via defer. A nil
// logger falls back to stderr rather than losing the panic.
func Recover(name string, logger *zap.SugaredLogger) {
	r := recover()
	if r == nil {
		return
	}

	buf := make([]byte, stackBufSize)
	buf = buf[:runtime.Stack(buf, false)]

	if logger == nil {
		fmt.Fprintf(os.Stderr, "panic in goroutine %s: %v\n%s\n", name, r, buf)
		return
	}
	logger.Errorw("Goroutine panic recovered",
		"goroutine", name,
		"panic", fmt.Sprint(r),
		"stack", string(buf))
}
