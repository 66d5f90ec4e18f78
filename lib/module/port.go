package module

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/snowmerak/module.go/lib/rpc"
	"github.com/snowmerak/module.go/lib/transport"
	"github.com/snowmerak/module.go/lib/work"
)

// Port is one bidirectional link to exactly one peer module. It owns the
// link's call context once Initialize has bound a transport, claims staged
// services from the shared export pool on behalf of the peer, and feeds
// imported handles to the user module.
//
// A port never owns the user module instance. It holds the module-wide cell
// and re-validates it on every use, so a message arriving after shutdown is
// rejected with ErrModuleUnavailable.
type Port struct {
	peer    string
	cell    *userCell
	pool    *ExportPool
	workers *work.Pool
	logger  *zap.Logger

	mu sync.Mutex
	tr transport.Transport
	rt *rpc.Context
}

func newPort(peer string, cell *userCell, pool *ExportPool, workers *work.Pool, logger *zap.Logger) *Port {
	return &Port{
		peer:    peer,
		cell:    cell,
		pool:    pool,
		workers: workers,
		logger:  logger,
	}
}

// Peer returns the connected module's name.
func (p *Port) Peer() string {
	return p.peer
}

// Initialize binds the port to its transport and builds the call context
// over it. Exactly once per port; a repeat is a protocol violation and
// panics. The worker pool is the module-wide one, so total dispatch
// concurrency stays bounded across all ports.
func (p *Port) Initialize(cfg rpc.Config, transportArg []byte, intra bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.rt != nil {
		panic(fmt.Sprintf("port %q initialized twice", p.peer))
	}

	var (
		tr  transport.Transport
		err error
	)
	if intra {
		tr, err = transport.NewIntra(transportArg)
	} else {
		tr, err = transport.NewDomainSocket(transportArg)
	}
	if err != nil {
		return fmt.Errorf("port %q: failed to open transport: %w", p.peer, err)
	}

	cfg.Workers = p.workers
	if cfg.Logger == nil {
		cfg.Logger = p.logger
	}
	if cfg.Name == "" {
		cfg.Name = p.peer
	}

	r, w := tr.Split()
	p.tr = tr
	p.rt = rpc.NewContext(cfg, r, w)

	p.logger.Debug("port initialized",
		zap.String("peer", p.peer),
		zap.Bool("intra", intra))
	return nil
}

// Export claims the staged services at ids from the shared pool and
// registers them on this port's call context. The returned handles match
// the order of ids. Pool faults (bad index, double export) propagate.
func (p *Port) Export(ids []int) []rpc.Handle {
	rt := p.context()

	handles := make([]rpc.Handle, 0, len(ids))
	for _, id := range ids {
		handles = append(handles, rt.Register(p.pool.Export(id)))
	}

	p.logger.Debug("exported services",
		zap.String("peer", p.peer),
		zap.Int("count", len(handles)))
	return handles
}

// Import hands each slot to the user module's import callback under the
// module lock. Imports arriving concurrently on different ports serialize
// on that lock; the user module never observes interleaved imports. If the
// instance is already gone the slot is rejected.
func (p *Port) Import(slots []ImportSlot) error {
	rt := p.context()

	for _, slot := range slots {
		err := p.cell.with(func(m UserModule) error {
			return m.ImportService(rt, p.peer, slot.Name, slot.Handle)
		})
		if err != nil {
			return fmt.Errorf("import %q from %q: %w", slot.Name, p.peer, err)
		}
	}
	return nil
}

func (p *Port) context() *rpc.Context {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.rt == nil {
		panic(fmt.Sprintf("port %q used before initialize", p.peer))
	}
	return p.rt
}

// disableSweep is the first teardown phase: stop this port's release sweep.
// Only Context.Shutdown calls it, across all ports, before any registry is
// touched.
func (p *Port) disableSweep() {
	p.mu.Lock()
	rt := p.rt
	p.mu.Unlock()

	if rt != nil {
		rt.DisableSweep()
	}
}

// clearRegistry is the second teardown phase. By the time it runs every
// sibling port's sweep is already off, so any reference dropped here stays
// local instead of racing a peer notification.
func (p *Port) clearRegistry() {
	p.mu.Lock()
	rt := p.rt
	p.mu.Unlock()

	if rt != nil {
		rt.ClearRegistry()
	}
}

func (p *Port) close() {
	p.mu.Lock()
	rt := p.rt
	tr := p.tr
	p.rt = nil
	p.tr = nil
	p.mu.Unlock()

	if rt != nil {
		rt.Close()
	}
	if tr != nil {
		tr.Close()
	}
}
