package observability

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestNewShutdownManager_DefaultTimeout(t *testing.T) {
	sm := NewShutdownManager(NewLogger(InfoLevel, &bytes.Buffer{}), 0)
	if sm.shutdownTimeout != 30*time.Second {
		t.Errorf("Expected 30s default, got %v", sm.shutdownTimeout)
	}
}

func TestShutdownManager_RunsHooks(t *testing.T) {
	sm := NewShutdownManager(NewLogger(InfoLevel, &bytes.Buffer{}), time.Second)

	var calls int32
	sm.RegisterShutdownFunc("first", func(context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	sm.RegisterShutdownFunc("second", func(context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})

	if err := sm.Shutdown(); err != nil {
		t.Fatalf("Shutdown returned %v", err)
	}
	if calls != 2 {
		t.Errorf("Expected 2 hooks to run, got %d", calls)
	}
}

func TestShutdownManager_CollectsErrors(t *testing.T) {
	sm := NewShutdownManager(NewLogger(InfoLevel, &bytes.Buffer{}), time.Second)
	sm.RegisterShutdownFunc("cache", func(context.Context) error {
		return errors.New("flush failed")
	})

	err := sm.Shutdown()
	if err == nil || !strings.Contains(err.Error(), "cache: flush failed") {
		t.Fatalf("Expected named hook error, got %v", err)
	}
}

func TestShutdownManager_Timeout(t *testing.T) {
	sm := NewShutdownManager(NewLogger(InfoLevel, &bytes.Buffer{}), 50*time.Millisecond)
	sm.RegisterShutdownFunc("slow", func(ctx context.Context) error {
		time.Sleep(500 * time.Millisecond)
		return nil
	})

	if err := sm.Shutdown(); err == nil {
		t.Fatal("Expected timeout error")
	}
}

func TestShutdownManager_WaitStopsServer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: http.NotFoundHandler()}
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ln) }()

	sm := NewShutdownManager(NewLogger(InfoLevel, &bytes.Buffer{}), time.Second, srv)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sm.Wait(ctx); err != nil {
		t.Fatalf("Wait returned %v", err)
	}

	select {
	case err := <-served:
		if !errors.Is(err, http.ErrServerClosed) {
			t.Errorf("Expected ErrServerClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("server did not stop")
	}
}

func TestRecoverPanic(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	func() {
		defer RecoverPanic(logger, "test job")
		panic("kaboom")
	}()

	if !strings.Contains(buf.String(), "kaboom") {
		t.Errorf("Expected panic to be logged, got %s", buf.String())
	}
}
