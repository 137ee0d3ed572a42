// Package shutdown cancels a running analysis on SIGINT/SIGTERM and runs
// cleanup callbacks such as closing the record store.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// Handler manages graceful shutdown.
type Handler struct {
	mu sync.Mutex

	// Callbacks
	callbacks     []Callback
	callbackNames []string

	// State
	isShuttingDown atomic.Bool
	done           chan struct{}
	timeout        time.Duration
	elapsed        time.Duration
	errs           []error

	// Context
	ctx    context.Context
	cancel context.CancelFunc

	// Signal handling
	sigChan chan os.Signal

	onShutdownStart func(sig os.Signal)
}

// Callback is a function called during shutdown.
type Callback func(ctx context.Context) error

// Config holds shutdown configuration.
type Config struct {
	Timeout         time.Duration
	Signals         []os.Signal
	OnShutdownStart func(sig os.Signal)
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		Timeout: 10 * time.Second,
		Signals: []os.Signal{syscall.SIGINT, syscall.SIGTERM},
	}
}

// New creates a handler whose context derives from parent.
func New(parent context.Context, cfg Config) *Handler {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if len(cfg.Signals) == 0 {
		cfg.Signals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	}

	ctx, cancel := context.WithCancel(parent)

	h := &Handler{
		done:            make(chan struct{}),
		timeout:         cfg.Timeout,
		ctx:             ctx,
		cancel:          cancel,
		sigChan:         make(chan os.Signal, 1),
		onShutdownStart: cfg.OnShutdownStart,
	}

	signal.Notify(h.sigChan, cfg.Signals...)
	go h.listen()

	return h
}

func (h *Handler) listen() {
	select {
	case sig := <-h.sigChan:
		if h.onShutdownStart != nil {
			h.onShutdownStart(sig)
		}
		h.cancel()
	case <-h.ctx.Done():
	}
}

// Register registers a shutdown callback with a name.
func (h *Handler) Register(name string, callback Callback) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.callbacks = append(h.callbacks, callback)
	h.callbackNames = append(h.callbackNames, name)
}

// RegisterFunc registers a cleanup function that cannot fail.
func (h *Handler) RegisterFunc(name string, fn func()) {
	h.Register(name, func(ctx context.Context) error {
		fn()
		return nil
	})
}

// Context returns the run context. It is cancelled on a signal or when
// Shutdown begins.
func (h *Handler) Context() context.Context {
	return h.ctx
}

// Interrupted reports whether the run context was cancelled before Shutdown.
func (h *Handler) Interrupted() bool {
	return h.ctx.Err() != nil && !h.isShuttingDown.Load()
}

// IsShuttingDown returns whether shutdown is in progress.
func (h *Handler) IsShuttingDown() bool {
	return h.isShuttingDown.Load()
}

// Done returns a channel that is closed when shutdown completes.
func (h *Handler) Done() <-chan struct{} {
	return h.done
}

// Trigger simulates a received signal.
func (h *Handler) Trigger() {
	select {
	case h.sigChan <- syscall.SIGTERM:
	default:
	}
}

// Shutdown cancels the context, runs callbacks in reverse registration order
// and stops signal delivery. It returns the callback errors. Later calls
// return the first call's errors.
func (h *Handler) Shutdown() []error {
	if !h.isShuttingDown.CompareAndSwap(false, true) {
		<-h.done
		return h.errs
	}

	start := time.Now()
	h.cancel()
	signal.Stop(h.sigChan)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), h.timeout)
	defer shutdownCancel()

	h.mu.Lock()
	callbacks := make([]Callback, len(h.callbacks))
	names := make([]string, len(h.callbackNames))
	copy(callbacks, h.callbacks)
	copy(names, h.callbackNames)
	h.mu.Unlock()

	var errs []error
	for i := len(callbacks) - 1; i >= 0; i-- {
		if err := h.executeCallback(shutdownCtx, names[i], callbacks[i]); err != nil {
			errs = append(errs, err)
		}
	}

	h.errs = errs
	h.elapsed = time.Since(start)
	close(h.done)
	return errs
}

// Elapsed returns how long Shutdown took.
func (h *Handler) Elapsed() time.Duration {
	<-h.done
	return h.elapsed
}

// executeCallback executes a shutdown callback with timeout handling.
func (h *Handler) executeCallback(ctx context.Context, name string, callback Callback) error {
	done := make(chan error, 1)

	go func() {
		done <- callback(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return &TimeoutError{CallbackName: name}
	}
}

// TimeoutError is returned when a callback times out.
type TimeoutError struct {
	CallbackName string
}

func (e *TimeoutError) Error() string {
	return "shutdown callback timed out: " + e.CallbackName
}
