// Package rpc provides the per-link call layer of the module runtime: a
// Context binds one duplex byte stream and carries method calls between the
// objects registered on one end and the proxies held by the other.
//
// A handle is meaningful only on the link that produced it. Teardown is a
// two-step primitive: DisableSweep stops the cross-reference release sweep,
// ClearRegistry drops every local registration. The module runtime invokes
// the two steps in that order across all of its links.
package rpc

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/snowmerak/module.go/lib/work"
)

// Handle identifies one remote-callable object within a single link.
type Handle uint32

// RootHandle addresses the initial service a context was created with.
const RootHandle Handle = 0

// Dispatch is a local object callable by method name with an opaque payload.
type Dispatch interface {
	Dispatch(method string, payload []byte) ([]byte, error)
}

// Config carries the per-link call parameters. Workers is the module-wide
// pool shared by every link; when nil, inbound calls run on plain goroutines.
type Config struct {
	Name        string
	CallSlots   int
	CallTimeout time.Duration
	Workers     *work.Pool
	Logger      *zap.Logger
}

const (
	defaultCallSlots   = 16
	defaultCallTimeout = 10 * time.Second
	maxFrameSize       = 16 << 20
	sweepInterval      = 50 * time.Millisecond
)

// Context is the call layer bound to one transport.
type Context struct {
	cfg    Config
	logger *zap.Logger

	writeMu sync.Mutex
	w       io.Writer

	seq atomic.Uint32

	regMu      sync.Mutex
	registry   map[Handle]Dispatch
	nextHandle Handle

	pendingMu sync.Mutex
	pending   map[uint32]chan *envelope

	slots chan struct{}

	releaseMu   sync.Mutex
	releases    []Handle
	sweepOff    atomic.Bool
	sweepStop   chan struct{}
	sweepDone   chan struct{}
	disableOnce sync.Once

	closed    atomic.Bool
	closeOnce sync.Once
	readDone  chan struct{}
}

// NewContext binds a context to the given stream halves.
func NewContext(cfg Config, r io.Reader, w io.Writer) *Context {
	return NewContextWithRoot(cfg, r, w, nil)
}

// NewContextWithRoot additionally registers root under RootHandle, so the
// peer can address it without any prior handle exchange. This is how a
// freshly spawned module exposes itself to its coordinator.
func NewContextWithRoot(cfg Config, r io.Reader, w io.Writer, root Dispatch) *Context {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.CallSlots <= 0 {
		cfg.CallSlots = defaultCallSlots
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}

	c := &Context{
		cfg:        cfg,
		logger:     cfg.Logger,
		w:          w,
		registry:   make(map[Handle]Dispatch),
		nextHandle: RootHandle + 1,
		pending:    make(map[uint32]chan *envelope),
		slots:      make(chan struct{}, cfg.CallSlots),
		sweepStop:  make(chan struct{}),
		sweepDone:  make(chan struct{}),
		readDone:   make(chan struct{}),
	}
	if root != nil {
		c.registry[RootHandle] = root
	}

	go c.readLoop(r)
	go c.sweepLoop()
	return c
}

// Register exports a local object and returns its link-scoped handle.
func (c *Context) Register(d Dispatch) Handle {
	c.regMu.Lock()
	defer c.regMu.Unlock()

	h := c.nextHandle
	c.nextHandle++
	c.registry[h] = d
	return h
}

// Import converts a handle received from the peer into a callable proxy.
func (c *Context) Import(h Handle) *Proxy {
	return &Proxy{ctx: c, handle: h}
}

func (c *Context) call(ctx context.Context, target Handle, method string, payload []byte) ([]byte, error) {
	if c.closed.Load() {
		return nil, fmt.Errorf("rpc context %q is closed", c.cfg.Name)
	}

	select {
	case c.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-c.slots }()

	seq := c.nextSeq()
	respCh := make(chan *envelope, 1)

	c.pendingMu.Lock()
	c.pending[seq] = respCh
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, seq)
		c.pendingMu.Unlock()
	}()

	env := envelope{kind: kindCall, seq: seq, target: target, method: method, payload: payload}
	if err := c.writeEnvelope(&env); err != nil {
		return nil, fmt.Errorf("failed to send call %q: %w", method, err)
	}

	timer := time.NewTimer(c.cfg.CallTimeout)
	defer timer.Stop()

	select {
	case resp, ok := <-respCh:
		if !ok {
			return nil, fmt.Errorf("rpc context %q shut down during call %q", c.cfg.Name, method)
		}
		if resp.kind == kindError {
			return nil, &CallError{Method: method, Message: string(resp.payload)}
		}
		return resp.payload, nil
	case <-timer.C:
		return nil, &CallError{Method: method, Message: "call timed out", Timeout: true}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Context) nextSeq() uint32 {
	for {
		if seq := c.seq.Add(1); seq != 0 {
			return seq
		}
	}
}

func (c *Context) writeEnvelope(env *envelope) error {
	body := env.marshal()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(body)))
	if _, err := c.w.Write(header[:]); err != nil {
		return fmt.Errorf("failed to write frame header: %w", err)
	}
	if _, err := c.w.Write(body); err != nil {
		return fmt.Errorf("failed to write frame body: %w", err)
	}
	return nil
}

func (c *Context) readLoop(r io.Reader) {
	defer close(c.readDone)
	defer c.failPending()

	var header [4]byte
	for {
		if _, err := io.ReadFull(r, header[:]); err != nil {
			if err != io.EOF {
				c.logger.Debug("read loop stopped",
					zap.String("context", c.cfg.Name),
					zap.Error(err))
			}
			return
		}

		length := binary.BigEndian.Uint32(header[:])
		if length > maxFrameSize {
			c.logger.Warn("oversized frame, dropping link",
				zap.String("context", c.cfg.Name),
				zap.Uint32("length", length))
			return
		}

		body := make([]byte, length)
		if _, err := io.ReadFull(r, body); err != nil {
			return
		}

		var env envelope
		if err := env.unmarshal(body); err != nil {
			// A malformed frame fails only itself, not the link.
			c.logger.Warn("malformed envelope",
				zap.String("context", c.cfg.Name),
				zap.Error(err))
			continue
		}

		switch env.kind {
		case kindCall:
			c.handleCall(env)
		case kindResult, kindError:
			c.pendingMu.Lock()
			ch, ok := c.pending[env.seq]
			if ok {
				delete(c.pending, env.seq)
			}
			c.pendingMu.Unlock()
			if ok {
				ch <- &env
			}
		case kindRelease:
			c.regMu.Lock()
			delete(c.registry, env.target)
			c.regMu.Unlock()
		default:
			c.logger.Warn("unknown envelope kind",
				zap.String("context", c.cfg.Name),
				zap.Uint8("kind", uint8(env.kind)))
		}
	}
}

func (c *Context) handleCall(env envelope) {
	task := func() {
		resp := envelope{seq: env.seq, target: env.target}

		c.regMu.Lock()
		d, ok := c.registry[env.target]
		c.regMu.Unlock()

		if !ok {
			resp.kind = kindError
			resp.payload = []byte(fmt.Sprintf("no such service: handle %d", env.target))
		} else if out, err := d.Dispatch(env.method, env.payload); err != nil {
			resp.kind = kindError
			resp.payload = []byte(err.Error())
		} else {
			resp.kind = kindResult
			resp.payload = out
		}

		if err := c.writeEnvelope(&resp); err != nil {
			c.logger.Warn("failed to write response",
				zap.String("context", c.cfg.Name),
				zap.String("method", env.method),
				zap.Error(err))
		}
	}

	if c.cfg.Workers == nil {
		go task()
		return
	}
	if err := c.cfg.Workers.Submit(task); err != nil {
		// Pool closed under us: the module is shutting down, the caller
		// will observe a per-call failure.
		c.logger.Debug("dropping inbound call",
			zap.String("context", c.cfg.Name),
			zap.String("method", env.method),
			zap.Error(err))
	}
}

// failPending closes every pending response channel so blocked callers fail
// instead of waiting out their timeouts.
func (c *Context) failPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for seq, ch := range c.pending {
		close(ch)
		delete(c.pending, seq)
	}
}

func (c *Context) queueRelease(h Handle) {
	if c.sweepOff.Load() {
		// Tracking disabled: the drop is purely local and silent.
		return
	}
	c.releaseMu.Lock()
	c.releases = append(c.releases, h)
	c.releaseMu.Unlock()
}

func (c *Context) sweepLoop() {
	defer close(c.sweepDone)

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.sweepStop:
			return
		case <-ticker.C:
			c.flushReleases()
		}
	}
}

func (c *Context) flushReleases() {
	c.releaseMu.Lock()
	batch := c.releases
	c.releases = nil
	c.releaseMu.Unlock()

	for _, h := range batch {
		env := envelope{kind: kindRelease, target: h}
		if err := c.writeEnvelope(&env); err != nil {
			c.logger.Debug("release notification failed",
				zap.String("context", c.cfg.Name),
				zap.Error(err))
			return
		}
	}
}

// DisableSweep stops the release sweep and waits for it to exit. Every
// release after this point stays local; nothing is sent to the peer.
func (c *Context) DisableSweep() {
	c.disableOnce.Do(func() {
		c.sweepOff.Store(true)
		close(c.sweepStop)
		<-c.sweepDone
	})
}

// ClearRegistry drops every local registration, the root service included.
// Inbound calls to cleared handles fail with a per-call error. The caller
// must have disabled the sweep on every sibling link first.
func (c *Context) ClearRegistry() {
	c.regMu.Lock()
	defer c.regMu.Unlock()
	clear(c.registry)
}

// Close marks the context closed and stops the sweep. The read loop exits
// when the owning transport is closed.
func (c *Context) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.DisableSweep()
		c.failPending()
	})
	return nil
}
