package braid

import (
	"context"
	"runtime/debug"

	"go.uber.org/zap"
)

// PanicHandler is called with the recovered panic value and stack trace.
type PanicHandler func(panicVal interface{}, stack []byte)

// RecoveryConfig configures panic recovery for background goroutines.
type RecoveryConfig struct {
	// Handler is called when a panic is recovered. If nil, the panic is
	// logged and the goroutine terminates cleanly.
	Handler PanicHandler

	// Logger for recording recovered panics.
	Logger *zap.Logger

	// Rethrow re-raises the panic after handling.
	Rethrow bool
}

// GoWithRecovery starts a goroutine with panic recovery.
func GoWithRecovery(cfg RecoveryConfig, fn func()) {
	go func() {
		defer RecoverPanic(cfg)
		fn()
	}()
}

// GoWithRecoveryCtx starts a context-aware goroutine with panic recovery.
func GoWithRecoveryCtx(ctx context.Context, cfg RecoveryConfig, fn func(context.Context)) {
	go func() {
		defer RecoverPanic(cfg)
		fn(ctx)
	}()
}

// RecoverPanic recovers a panic per the config. Use as:
// defer RecoverPanic(cfg)
func RecoverPanic(cfg RecoveryConfig) {
	if r := recover(); r != nil {
		stack := debug.Stack()

		if cfg.Logger != nil {
			cfg.Logger.Error("recovered panic",
				zap.Any("panic", r),
				zap.ByteString("stack", stack))
		}

		if cfg.Handler != nil {
			cfg.Handler(r, stack)
		}

		if cfg.Rethrow {
			panic(r)
		}
	}
}

// SafeGo starts a goroutine that logs and swallows panics.
func SafeGo(logger *zap.Logger, fn func()) {
	GoWithRecovery(RecoveryConfig{Logger: logger}, fn)
}

// SafeGoCtx is SafeGo with a context-aware function.
func SafeGoCtx(ctx context.Context, logger *zap.Logger, fn func(context.Context)) {
	GoWithRecoveryCtx(ctx, RecoveryConfig{Logger: logger}, fn)
}
