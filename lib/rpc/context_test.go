package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"
)

// echoService returns the request payload unchanged.
type echoService struct{}

func (echoService) Dispatch(method string, payload []byte) ([]byte, error) {
	if method != "echo" {
		return nil, fmt.Errorf("unknown method %q", method)
	}
	return payload, nil
}

// slowService sleeps before answering.
type slowService struct{ delay time.Duration }

func (s slowService) Dispatch(method string, payload []byte) ([]byte, error) {
	time.Sleep(s.delay)
	return payload, nil
}

// contextPair wires two contexts together over in-process pipes.
func contextPair(cfgA, cfgB Config) (*Context, *Context, func()) {
	aIn, bOut := io.Pipe()
	bIn, aOut := io.Pipe()

	a := NewContext(cfgA, aIn, aOut)
	b := NewContext(cfgB, bIn, bOut)

	cleanup := func() {
		a.Close()
		b.Close()
		aIn.Close()
		bIn.Close()
		aOut.Close()
		bOut.Close()
	}
	return a, b, cleanup
}

func TestCallRoundTrip(t *testing.T) {
	a, b, cleanup := contextPair(Config{Name: "a"}, Config{Name: "b"})
	defer cleanup()

	h := b.Register(echoService{})
	proxy := a.Import(h)

	out, err := proxy.Call(context.Background(), "echo", []byte("ping"))
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if string(out) != "ping" {
		t.Errorf("Expected %q, got %q", "ping", out)
	}
}

func TestRootService(t *testing.T) {
	aIn, bOut := io.Pipe()
	bIn, aOut := io.Pipe()

	a := NewContext(Config{Name: "a"}, aIn, aOut)
	b := NewContextWithRoot(Config{Name: "b"}, bIn, bOut, echoService{})
	defer func() {
		a.Close()
		b.Close()
		aIn.Close()
		bIn.Close()
	}()

	out, err := a.Import(RootHandle).Call(context.Background(), "echo", []byte("root"))
	if err != nil {
		t.Fatalf("Call to root service failed: %v", err)
	}
	if string(out) != "root" {
		t.Errorf("Expected %q, got %q", "root", out)
	}
}

func TestCallErrorFromService(t *testing.T) {
	a, b, cleanup := contextPair(Config{Name: "a"}, Config{Name: "b"})
	defer cleanup()

	h := b.Register(echoService{})
	_, err := a.Import(h).Call(context.Background(), "no_such_method", nil)

	var callErr *CallError
	if !errors.As(err, &callErr) {
		t.Fatalf("Expected *CallError, got %v", err)
	}
	if callErr.Timeout {
		t.Error("Service error should not be flagged as timeout")
	}
}

func TestCallTimeout(t *testing.T) {
	a, b, cleanup := contextPair(
		Config{Name: "a", CallTimeout: 50 * time.Millisecond},
		Config{Name: "b"},
	)
	defer cleanup()

	slow := b.Register(slowService{delay: 500 * time.Millisecond})
	fast := b.Register(echoService{})

	_, err := a.Import(slow).Call(context.Background(), "anything", nil)
	var callErr *CallError
	if !errors.As(err, &callErr) || !callErr.Timeout {
		t.Fatalf("Expected timeout CallError, got %v", err)
	}

	// A timeout is a per-call failure; the link stays usable.
	out, err := a.Import(fast).Call(context.Background(), "echo", []byte("still alive"))
	if err != nil {
		t.Fatalf("Call after timeout failed: %v", err)
	}
	if string(out) != "still alive" {
		t.Errorf("Expected %q, got %q", "still alive", out)
	}
}

func TestCallToUnknownHandle(t *testing.T) {
	a, _, cleanup := contextPair(Config{Name: "a"}, Config{Name: "b"})
	defer cleanup()

	_, err := a.Import(Handle(99)).Call(context.Background(), "echo", nil)
	var callErr *CallError
	if !errors.As(err, &callErr) {
		t.Fatalf("Expected *CallError, got %v", err)
	}
}

func TestClearRegistryFailsCalls(t *testing.T) {
	a, b, cleanup := contextPair(Config{Name: "a"}, Config{Name: "b"})
	defer cleanup()

	h := b.Register(echoService{})
	proxy := a.Import(h)

	if _, err := proxy.Call(context.Background(), "echo", nil); err != nil {
		t.Fatalf("Call before clear failed: %v", err)
	}

	b.ClearRegistry()

	_, err := proxy.Call(context.Background(), "echo", nil)
	var callErr *CallError
	if !errors.As(err, &callErr) {
		t.Fatalf("Expected *CallError after clear, got %v", err)
	}
}

func TestReleaseSweepDropsPeerRegistration(t *testing.T) {
	a, b, cleanup := contextPair(Config{Name: "a"}, Config{Name: "b"})
	defer cleanup()

	h := b.Register(echoService{})
	proxy := a.Import(h)
	proxy.Release()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		b.regMu.Lock()
		_, exists := b.registry[h]
		b.regMu.Unlock()
		if !exists {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("Peer registration was not dropped by the release sweep")
}

func TestDisableSweepSilencesReleases(t *testing.T) {
	a, b, cleanup := contextPair(Config{Name: "a"}, Config{Name: "b"})
	defer cleanup()

	h := b.Register(echoService{})
	proxy := a.Import(h)

	a.DisableSweep()
	proxy.Release()

	time.Sleep(4 * sweepInterval)

	b.regMu.Lock()
	_, exists := b.registry[h]
	b.regMu.Unlock()
	if !exists {
		t.Error("Release after DisableSweep must stay local")
	}
}

func TestReleasedProxyRefusesCalls(t *testing.T) {
	a, b, cleanup := contextPair(Config{Name: "a"}, Config{Name: "b"})
	defer cleanup()

	proxy := a.Import(b.Register(echoService{}))
	proxy.Release()

	if _, err := proxy.Call(context.Background(), "echo", nil); err == nil {
		t.Error("Expected call on released proxy to fail")
	}
}

func TestPeerDisconnectFailsPendingCalls(t *testing.T) {
	aIn, bOut := io.Pipe()
	bIn, aOut := io.Pipe()

	a := NewContext(Config{Name: "a", CallTimeout: 5 * time.Second}, aIn, aOut)
	b := NewContext(Config{Name: "b"}, bIn, bOut)
	defer func() {
		a.Close()
		b.Close()
	}()

	h := b.Register(slowService{delay: time.Hour})
	errCh := make(chan error, 1)
	go func() {
		_, err := a.Import(h).Call(context.Background(), "anything", nil)
		errCh <- err
	}()

	// Give the call time to reach the wire, then drop the link.
	time.Sleep(50 * time.Millisecond)
	aIn.Close()

	select {
	case err := <-errCh:
		if err == nil {
			t.Error("Expected pending call to fail when the link drops")
		}
	case <-time.After(2 * time.Second):
		t.Error("Pending call did not fail after link drop")
	}
}
