package monitor

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// GracefulShutdown runs registered shutdown functions in reverse
// registration order under a caller-supplied timeout context.
type GracefulShutdown struct {
	mu         sync.Mutex
	shutdownFn []func() error
	log        *zap.Logger
}

// NewGracefulShutdown creates a shutdown manager.
func NewGracefulShutdown(log *zap.Logger) *GracefulShutdown {
	return &GracefulShutdown{log: log.Named("shutdown")}
}

// Register adds a shutdown function. Functions run LIFO so later
// subsystems stop before the ones they depend on.
func (g *GracefulShutdown) Register(fn func() error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.shutdownFn = append(g.shutdownFn, fn)
}

// Shutdown executes all registered functions, stopping early when ctx
// expires.
func (g *GracefulShutdown) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	fns := make([]func() error, len(g.shutdownFn))
	copy(fns, g.shutdownFn)
	g.mu.Unlock()

	g.log.Info("starting graceful shutdown", zap.Int("components", len(fns)))

	done := make(chan error, 1)
	go func() {
		var firstErr error
		for i := len(fns) - 1; i >= 0; i-- {
			if err := fns[i](); err != nil {
				g.log.Error("shutdown function failed", zap.Int("index", i), zap.Error(err))
				if firstErr == nil {
					firstErr = err
				}
			}
		}
		done <- firstErr
	}()

	select {
	case err := <-done:
		g.log.Info("graceful shutdown complete")
		return err
	case <-ctx.Done():
		g.log.Warn("graceful shutdown timed out")
		return errors.New("shutdown timeout")
	}
}
