package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"meshvault/pkg/logging"
)

// Manager handles graceful shutdown. Registered steps run in reverse order
// (LIFO) so dependencies come down after their dependents.
type Manager struct {
	steps   []step
	mu      sync.Mutex
	timeout time.Duration
	done    chan struct{}
	once    sync.Once
	log     *logging.Logger
}

type step struct {
	name string
	fn   func(context.Context) error
}

// New creates a new shutdown manager
func New(timeout time.Duration, log *logging.Logger) *Manager {
	return &Manager{
		steps:   make([]step, 0),
		timeout: timeout,
		done:    make(chan struct{}),
		log:     log,
	}
}

// Register adds a named shutdown step. Steps are called in reverse order.
func (m *Manager) Register(name string, fn func(context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps = append(m.steps, step{name: name, fn: fn})
}

// Done returns a channel that is closed when shutdown is initiated
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Shutdown executes all registered shutdown steps
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	for i := len(m.steps) - 1; i >= 0; i-- {
		s := m.steps[i]
		m.log.Info("shutdown step", logging.String("step", s.name))
		if err := s.fn(ctx); err != nil {
			m.log.Error("shutdown step failed", logging.String("step", s.name), logging.Error(err))
		}
	}

	m.log.Info("graceful shutdown complete")
}

// Wait blocks until SIGTERM/SIGINT or context cancellation, then runs the
// registered steps.
func (m *Manager) Wait(ctx context.Context) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigChan:
		m.log.Info("received signal, shutting down", logging.String("signal", sig.String()))
		m.once.Do(func() { close(m.done) })
		m.Shutdown()
		return nil
	case <-ctx.Done():
		m.once.Do(func() { close(m.done) })
		m.Shutdown()
		return ctx.Err()
	}
}

// StopHTTPServer wraps an http.Server-style Shutdown in a shutdown step
func StopHTTPServer(server interface{ Shutdown(context.Context) error }) func(context.Context) error {
	return func(ctx context.Context) error {
		return server.Shutdown(ctx)
	}
}

// CloseResource wraps an io.Closer in a shutdown step
func CloseResource(closer interface{ Close() error }) func(context.Context) error {
	return func(ctx context.Context) error {
		return closer.Close()
	}
}
