package goroutine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestRecoverLogsPanicWithStack(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	logger := zap.New(core).Sugar()

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer Recover("exploding-worker", logger)
		panic("boom")
	}()
	<-done

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "exploding-worker", fields["goroutine"])
	assert.Equal(t, "boom", fields["panic"])
	assert.Contains(t, fields["stack"], "goroutine")
}

func TestRecoverNoPanicIsSilent(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	logger := zap.New(core).Sugar()

	func() {
		defer Recover("quiet-worker", logger)
	}()

	assert.Zero(t, logs.Len())
}

func TestRecoverNilLoggerDoesNotCrash(t *testing.T) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer Recover("unlogged-worker", nil)
		panic("boom")
	}()
	<-done
}
