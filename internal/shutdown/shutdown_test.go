package shutdown

import (
	"context"
	"errors"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"
)

func newTestHandler(t *testing.T, cfg Config) *Handler {
	t.Helper()
	h := New(context.Background(), cfg)
	t.Cleanup(func() { h.Shutdown() })
	return h
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Timeout != 10*time.Second {
		t.Errorf("Timeout = %v, want 10s", cfg.Timeout)
	}
	if len(cfg.Signals) != 2 {
		t.Errorf("Signals = %v, want SIGINT and SIGTERM", cfg.Signals)
	}
}

func TestHandler_ShutdownLIFO(t *testing.T) {
	h := newTestHandler(t, DefaultConfig())

	var mu sync.Mutex
	var order []string
	for _, name := range []string{"progress", "report", "store"} {
		name := name
		h.RegisterFunc(name, func() {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		})
	}

	if errs := h.Shutdown(); len(errs) != 0 {
		t.Fatalf("Shutdown() errors = %v", errs)
	}
	if len(order) != 3 || order[0] != "store" || order[2] != "progress" {
		t.Errorf("callback order = %v, want reverse registration", order)
	}
	if h.Context().Err() == nil {
		t.Error("context should be cancelled after Shutdown")
	}
	select {
	case <-h.Done():
	default:
		t.Error("Done() should be closed")
	}
}

func TestHandler_ShutdownErrors(t *testing.T) {
	h := newTestHandler(t, DefaultConfig())
	boom := errors.New("close failed")
	h.Register("store", func(ctx context.Context) error { return boom })

	errs := h.Shutdown()
	if len(errs) != 1 || !errors.Is(errs[0], boom) {
		t.Errorf("Shutdown() = %v, want [%v]", errs, boom)
	}
	if again := h.Shutdown(); len(again) != 1 {
		t.Errorf("second Shutdown() = %v, want same errors", again)
	}
}

func TestHandler_CallbackTimeout(t *testing.T) {
	h := newTestHandler(t, Config{Timeout: 20 * time.Millisecond})
	h.Register("slow", func(ctx context.Context) error {
		time.Sleep(200 * time.Millisecond)
		return nil
	})

	errs := h.Shutdown()
	var timeoutErr *TimeoutError
	if len(errs) != 1 || !errors.As(errs[0], &timeoutErr) || timeoutErr.CallbackName != "slow" {
		t.Errorf("Shutdown() = %v, want timeout for slow", errs)
	}
}

func TestHandler_TriggerCancelsContext(t *testing.T) {
	received := make(chan os.Signal, 1)
	h := newTestHandler(t, Config{OnShutdownStart: func(sig os.Signal) { received <- sig }})

	h.Trigger()

	select {
	case <-h.Context().Done():
	case <-time.After(time.Second):
		t.Fatal("context not cancelled after signal")
	}
	if sig := <-received; sig != syscall.SIGTERM {
		t.Errorf("OnShutdownStart signal = %v, want SIGTERM", sig)
	}
	if !h.Interrupted() {
		t.Error("Interrupted() = false after signal")
	}
	if h.IsShuttingDown() {
		t.Error("a signal alone should not run Shutdown")
	}
}

func TestHandler_ParentCancel(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	h := New(parent, DefaultConfig())
	defer h.Shutdown()

	cancel()
	if h.Context().Err() == nil {
		t.Error("handler context should follow its parent")
	}
}

func TestTimeoutError(t *testing.T) {
	err := &TimeoutError{CallbackName: "store"}
	if err.Error() != "shutdown callback timed out: store" {
		t.Errorf("Error() = %s", err.Error())
	}
}
