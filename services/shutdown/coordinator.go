package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"agent/logger"
)

// Coordinator runs registered shutdown handlers in LIFO order when an
// OS signal arrives or Shutdown is called directly, bounding the total
// time spent draining by timeout.
type Coordinator struct {
	handlers     []ShutdownHandler
	handlerNames []string
	mu           sync.Mutex
	shutdownOnce sync.Once
	shutdownChan chan struct{}
	timeout      time.Duration
}

type ShutdownHandler func(context.Context) error

func NewCoordinator(timeout time.Duration) *Coordinator {
	return &Coordinator{
		handlers:     make([]ShutdownHandler, 0),
		handlerNames: make([]string, 0),
		shutdownChan: make(chan struct{}),
		timeout:      timeout,
	}
}

// RegisterHandler registers a shutdown handler under a name used in logs.
func (c *Coordinator) RegisterHandler(name string, handler ShutdownHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.handlers = append(c.handlers, handler)
	c.handlerNames = append(c.handlerNames, name)

	logger.Info("registered shutdown handler", zap.String("name", name))
}

// Start listens for termination signals and triggers Shutdown.
func (c *Coordinator) Start() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGHUP,
		syscall.SIGQUIT)

	go func() {
		sig := <-sigChan
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		c.Shutdown()
	}()
}

// Shutdown initiates graceful shutdown. Safe to call more than once.
func (c *Coordinator) Shutdown() {
	c.shutdownOnce.Do(func() {
		logger.Info("starting graceful shutdown")
		close(c.shutdownChan)

		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()

		c.executeShutdown(ctx)
	})
}

func (c *Coordinator) executeShutdown(ctx context.Context) {
	errs := make(chan error, len(c.handlers))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for idx := len(c.handlers) - 1; idx >= 0; idx-- {
			name := c.handlerNames[idx]
			handler := c.handlers[idx]

			logger.Info("shutting down service", zap.String("name", name))

			handlerCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()

			if err := handler(handlerCtx); err != nil {
				logger.Error("shutdown handler failed",
					zap.String("name", name),
					zap.Error(err))
				errs <- err
			} else {
				logger.Info("service shutdown complete", zap.String("name", name))
			}
		}
	}()

	select {
	case <-done:
		logger.Info("all services shut down gracefully")
	case <-ctx.Done():
		logger.Warn("shutdown timeout exceeded, forcing exit")
	}

	close(errs)

	errorCount := 0
	for err := range errs {
		if err != nil {
			errorCount++
		}
	}
	if errorCount > 0 {
		logger.Warn("shutdown completed with errors", zap.Int("error_count", errorCount))
	}
}

// WaitForShutdown blocks until shutdown is initiated.
func (c *Coordinator) WaitForShutdown() {
	<-c.shutdownChan
}

// CreateBrowserPoolShutdown wraps a pool's Shutdown as a ShutdownHandler.
func CreateBrowserPoolShutdown(pool interface{ Shutdown(context.Context) }) ShutdownHandler {
	return func(ctx context.Context) error {
		logger.Info("shutting down browser pool")

		done := make(chan struct{})
		go func() {
			pool.Shutdown(ctx)
			close(done)
		}()

		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// CreateHTTPServerShutdown wraps a server's Shutdown as a ShutdownHandler.
func CreateHTTPServerShutdown(server interface{ Shutdown(context.Context) error }) ShutdownHandler {
	return func(ctx context.Context) error {
		logger.Info("shutting down HTTP server")
		return server.Shutdown(ctx)
	}
}
