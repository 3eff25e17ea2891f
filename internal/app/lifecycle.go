package app

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"fireline/internal/logger"
)

// ShutdownFunc describes a graceful shutdown callback.
type ShutdownFunc func(ctx context.Context) error

type hook struct {
	name string
	fn   ShutdownFunc
}

// Lifecycle runs shutdown hooks in reverse registration order.
type Lifecycle struct {
	timeout time.Duration
	logger  *zap.Logger

	mu    sync.Mutex
	hooks []hook
}

func NewLifecycle(timeout time.Duration, log *zap.Logger) *Lifecycle {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Lifecycle{timeout: timeout, logger: logger.OrNop(log)}
}

// Register adds a shutdown hook.
func (l *Lifecycle) Register(name string, fn ShutdownFunc) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hooks = append(l.hooks, hook{name: name, fn: fn})
}

// Shutdown executes all hooks within the configured timeout and joins
// their errors.
func (l *Lifecycle) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	l.mu.Lock()
	defer l.mu.Unlock()

	var result error
	for i := len(l.hooks) - 1; i >= 0; i-- {
		h := l.hooks[i]
		if err := h.fn(ctx); err != nil {
			l.logger.Error("shutdown hook failed", zap.String("component", h.name), zap.Error(err))
			result = errors.Join(result, err)
			continue
		}
		l.logger.Info("component stopped", zap.String("component", h.name))
	}
	return result
}

// Listen cancels when SIGINT or SIGTERM arrives.
func (l *Lifecycle) Listen(cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		defer signal.Stop(sigCh)
		sig := <-sigCh
		l.logger.Info("shutdown signal received", zap.String("signal", sig.String()))
		cancel()
	}()
}
