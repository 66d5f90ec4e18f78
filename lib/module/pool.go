package module

import (
	"fmt"
	"sync"

	"github.com/snowmerak/module.go/lib/rpc"
)

// ExportPool is the staging area for services a module intends to export,
// indexed by construction order. Each slot is claimed at most once; claiming
// an empty or out-of-range slot is a coordinator protocol violation and
// panics. The pool has its own lock so port bootstrap never serializes
// behind user-module contention.
type ExportPool struct {
	mu   sync.Mutex
	pool []rpc.Dispatch
}

// Load builds one service per descriptor via the user module's factory and
// fills the pool in input order. A factory failure propagates and leaves the
// pool unchanged.
func (p *ExportPool) Load(ctors []ExportDesc, m UserModule) error {
	services := make([]rpc.Dispatch, 0, len(ctors))
	for _, desc := range ctors {
		svc, err := m.PrepareServiceToExport(desc.Ctor, desc.Arg)
		if err != nil {
			return fmt.Errorf("constructor %q failed: %w", desc.Ctor, err)
		}
		services = append(services, svc)
	}

	p.mu.Lock()
	p.pool = services
	p.mu.Unlock()
	return nil
}

// Export removes and returns the service at index.
func (p *ExportPool) Export(index int) rpc.Dispatch {
	p.mu.Lock()
	defer p.mu.Unlock()

	if index < 0 || index >= len(p.pool) {
		panic(fmt.Sprintf("export index %d out of range, pool holds %d services", index, len(p.pool)))
	}
	svc := p.pool[index]
	if svc == nil {
		panic(fmt.Sprintf("service at index %d exported twice", index))
	}
	p.pool[index] = nil
	return svc
}

// IsEmpty reports whether every staged service has been claimed. It guards
// finish_bootstrap against silently dropping a staged-but-never-exported
// service.
func (p *ExportPool) IsEmpty() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, svc := range p.pool {
		if svc != nil {
			return false
		}
	}
	return true
}

// Clear empties the pool.
func (p *ExportPool) Clear() {
	p.mu.Lock()
	p.pool = nil
	p.mu.Unlock()
}
