package module

import (
	"context"

	"github.com/snowmerak/module.go/lib/rpc"
)

// ModuleClient is the coordinator-side view of one remote module: typed
// calls over the module's bootstrap link. The coordinator sequences the
// bootstrap itself; the runtime does not synchronize across two modules.
type ModuleClient struct {
	link  *rpc.Context
	proxy *rpc.Proxy
}

// NewModuleClient wraps the root service of a freshly started module.
func NewModuleClient(link *rpc.Context) *ModuleClient {
	return &ModuleClient{
		link:  link,
		proxy: link.Import(rpc.RootHandle),
	}
}

// Initialize constructs the remote user module and stages its exports.
func (m *ModuleClient) Initialize(ctx context.Context, arg []byte, exports []ExportDesc) error {
	_, err := m.proxy.Call(ctx, "initialize", encodeInitialize(arg, exports))
	return err
}

// CreatePort allocates the remote module's link to the named peer and
// returns a client for it.
func (m *ModuleClient) CreatePort(ctx context.Context, peer string) (*PortClient, error) {
	out, err := m.proxy.Call(ctx, "create_port", []byte(peer))
	if err != nil {
		return nil, err
	}
	h, err := decodeHandle(out)
	if err != nil {
		return nil, err
	}
	return &PortClient{proxy: m.link.Import(h)}, nil
}

// FinishBootstrap freezes the remote module's bootstrap phase.
func (m *ModuleClient) FinishBootstrap(ctx context.Context) error {
	_, err := m.proxy.Call(ctx, "finish_bootstrap", nil)
	return err
}

// Debug passes arg through to the remote user module.
func (m *ModuleClient) Debug(ctx context.Context, arg []byte) ([]byte, error) {
	return m.proxy.Call(ctx, "debug", arg)
}

// Shutdown tears the remote module down.
func (m *ModuleClient) Shutdown(ctx context.Context) error {
	_, err := m.proxy.Call(ctx, "shutdown", nil)
	return err
}

// PortClient drives one remote port through its bootstrap.
type PortClient struct {
	proxy *rpc.Proxy
}

// Initialize binds the remote port to its transport.
func (p *PortClient) Initialize(ctx context.Context, cfg rpc.Config, transportArg []byte, intra bool) error {
	_, err := p.proxy.Call(ctx, "initialize", encodePortInit(cfg, transportArg, intra))
	return err
}

// Export claims the staged services at ids on the remote port and returns
// their capability handles in matching order.
func (p *PortClient) Export(ctx context.Context, ids []int) ([]rpc.Handle, error) {
	out, err := p.proxy.Call(ctx, "export", encodeExportIDs(ids))
	if err != nil {
		return nil, err
	}
	return decodeHandles(out)
}

// Import hands the named handles to the remote module's import callback.
func (p *PortClient) Import(ctx context.Context, slots []ImportSlot) error {
	_, err := p.proxy.Call(ctx, "import", encodeImportSlots(slots))
	return err
}
