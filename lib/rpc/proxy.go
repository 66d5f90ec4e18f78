package rpc

import (
	"context"
	"fmt"
	"sync/atomic"
)

// Proxy is a callable reference to an object registered on the peer end of
// the link. It is bound to the context that imported it; a proxy is never
// valid on any other link.
type Proxy struct {
	ctx      *Context
	handle   Handle
	released atomic.Bool
}

// Handle returns the link-scoped handle this proxy addresses.
func (p *Proxy) Handle() Handle {
	return p.handle
}

// Call invokes a method on the remote object. A timeout or peer failure is
// returned as a *CallError and leaves both the proxy and the link usable.
func (p *Proxy) Call(ctx context.Context, method string, payload []byte) ([]byte, error) {
	if p.released.Load() {
		return nil, fmt.Errorf("proxy for handle %d already released", p.handle)
	}
	return p.ctx.call(ctx, p.handle, method, payload)
}

// Release hands the remote reference to the release sweep. The peer drops
// its registration once the sweep delivers the notification; after the
// sweep has been disabled the release is local and silent.
func (p *Proxy) Release() {
	if !p.released.CompareAndSwap(false, true) {
		return
	}
	p.ctx.queueRelease(p.handle)
}

// CallError is a recoverable per-call failure: a timeout, an unreachable
// peer, or an error the remote object reported. It never indicates a
// corrupted link.
type CallError struct {
	Method  string
	Message string
	Timeout bool
}

func (e *CallError) Error() string {
	return fmt.Sprintf("call %q failed: %s", e.Method, e.Message)
}
