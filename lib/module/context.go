package module

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/snowmerak/module.go/lib/work"
)

type lifecycle uint8

const (
	stateUninitialized lifecycle = iota
	stateInitialized
	stateBootstrapFinished
	stateShutDown
)

func (s lifecycle) String() string {
	switch s {
	case stateUninitialized:
		return "uninitialized"
	case stateInitialized:
		return "initialized"
	case stateBootstrapFinished:
		return "bootstrap-finished"
	case stateShutDown:
		return "shut-down"
	default:
		return "unknown"
	}
}

const defaultWorkers = 8

// Options configures a module context.
type Options struct {
	// Workers is the size of the module-wide dispatch pool, fixed at
	// construction. Zero selects the default.
	Workers int
	Logger  *zap.Logger
}

// Context is the per-module state machine. It owns the user module instance,
// the export pool, the shared worker pool, and every port, and drives the
// lifecycle Uninitialized -> Initialized -> BootstrapFinished -> ShutDown.
//
// State-machine violations (double initialize, duplicate peer name, early
// finish_bootstrap) are coordinator programming errors; they panic and take
// the module down rather than continue on undefined state.
type Context struct {
	factory Factory
	cell    *userCell
	pool    *ExportPool
	workers *work.Pool
	logger  *zap.Logger

	mu    sync.Mutex
	state lifecycle
	ports map[string]*Port

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// New creates an empty module context around the given user-module factory.
func New(factory Factory, opts Options) *Context {
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	return &Context{
		factory:    factory,
		cell:       &userCell{},
		pool:       &ExportPool{},
		workers:    work.NewPool(opts.Workers),
		logger:     opts.Logger,
		ports:      make(map[string]*Port),
		shutdownCh: make(chan struct{}),
	}
}

// Initialize constructs the user module from arg and stages its exports.
// Exactly once; a repeat panics.
func (c *Context) Initialize(arg []byte, exports []ExportDesc) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != stateUninitialized {
		panic(fmt.Sprintf("module initialized twice (state %s)", c.state))
	}

	m, err := c.factory(arg)
	if err != nil {
		return fmt.Errorf("module construction failed: %w", err)
	}
	if err := c.pool.Load(exports, m); err != nil {
		return fmt.Errorf("failed to stage exports: %w", err)
	}

	c.cell.set(m)
	c.state = stateInitialized

	c.logger.Info("module initialized", zap.Int("staged", len(exports)))
	return nil
}

// CreatePort allocates the link to one peer and registers it under the peer
// name. Allowed only between Initialize and FinishBootstrap; a duplicate
// peer name panics.
func (c *Context) CreatePort(peer string) *Port {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != stateInitialized {
		panic(fmt.Sprintf("create_port %q in state %s", peer, c.state))
	}
	if _, exists := c.ports[peer]; exists {
		panic(fmt.Sprintf("port %q already exists", peer))
	}

	p := newPort(peer, c.cell, c.pool, c.workers, c.logger)
	c.ports[peer] = p

	c.logger.Debug("port created", zap.String("peer", peer))
	return p
}

// FinishBootstrap clears the export pool and freezes port creation. Exactly
// once; it panics when any staged service was never claimed, since that is a
// mis-wired coordinator configuration, not a recoverable condition.
func (c *Context) FinishBootstrap() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != stateInitialized {
		panic(fmt.Sprintf("finish_bootstrap in state %s", c.state))
	}
	if !c.pool.IsEmpty() {
		panic("finish_bootstrap with unclaimed staged services")
	}

	c.pool.Clear()
	c.state = stateBootstrapFinished

	c.logger.Info("bootstrap finished", zap.Int("ports", len(c.ports)))
}

// Debug passes arg through to the user module under the module lock.
func (c *Context) Debug(arg []byte) []byte {
	var out []byte
	err := c.cell.with(func(m UserModule) error {
		out = m.Debug(arg)
		return nil
	})
	if err != nil {
		panic(fmt.Sprintf("debug: %v", err))
	}
	return out
}

// Shutdown tears the module down. Safe to call more than once; only the
// first call acts, and it is terminal.
//
// The port sweep runs as two explicit passes in a fixed order: first every
// port's release sweep is disabled, only then is any registry cleared.
// Clearing one port's registry can drop the last reference to an object
// that a different port's sweep would otherwise try to notify its peer
// about; with every sweep already off, each drop is purely local. The
// ordering lives here, in one place, so no call-site discipline is needed.
func (c *Context) Shutdown() {
	c.shutdownOnce.Do(c.shutdown)
}

func (c *Context) shutdown() {
	c.mu.Lock()
	ports := make([]*Port, 0, len(c.ports))
	for _, p := range c.ports {
		ports = append(ports, p)
	}
	c.mu.Unlock()

	// First pass: stop cross-reference tracking on every port.
	for _, p := range ports {
		p.disableSweep()
	}
	// Second pass: now every registry clear is local and silent.
	for _, p := range ports {
		p.clearRegistry()
	}

	c.cell.drop()

	c.mu.Lock()
	for name, p := range c.ports {
		p.close()
		delete(c.ports, name)
	}
	c.state = stateShutDown
	c.mu.Unlock()

	// The pool drains on its own; a worker may be the one running this
	// shutdown, so closing synchronously here would deadlock.
	go c.workers.Close()

	c.logger.Info("module shut down", zap.Int("ports", len(ports)))
	close(c.shutdownCh)
}

// ShutdownSignal is closed once Shutdown has completed its sweep. The
// entry-point driver blocks on it.
func (c *Context) ShutdownSignal() <-chan struct{} {
	return c.shutdownCh
}

// Workers exposes the module-wide dispatch pool so the entry-point driver
// can run the coordinator link on the same concurrency budget.
func (c *Context) Workers() *work.Pool {
	return c.workers
}
