package safego

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Go launches a goroutine with panic recovery.
// If the goroutine panics, the panic value is logged and the goroutine exits
// cleanly instead of crashing the process.
func Go(logger *zap.Logger, name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("Goroutine panicked",
					zap.String("goroutine", name),
					zap.Any("panic", r),
					zap.Stack("stack"),
				)
			}
		}()
		fn()
	}()
}

// Loop runs fn on a fixed interval until ctx is cancelled. Each tick is
// individually panic-protected so one bad iteration does not kill the loop.
func Loop(ctx context.Context, logger *zap.Logger, name string, interval time.Duration, fn func()) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				func() {
					defer func() {
						if r := recover(); r != nil {
							logger.Error("Loop iteration panicked",
								zap.String("goroutine", name),
								zap.Any("panic", r),
								zap.Stack("stack"),
							)
						}
					}()
					fn()
				}()
			}
		}
	}()
}
