package module

import (
	"go.uber.org/zap"

	"github.com/snowmerak/module.go/lib/rpc"
	"github.com/snowmerak/module.go/lib/transport"
)

// Start runs a module behind the given coordinator transport until the
// coordinator calls shutdown.
//
// It builds a module context around factory, exposes it as the sole
// remotely-callable object of the transport, and blocks. On the shutdown
// signal it stops the coordinator link's release sweep, waits for the
// worker pool to drain so the in-flight shutdown response reaches the
// wire, and closes the link.
//
// The transport argument is whatever the spawning side handed this
// process or thread; module-as-a-process typically builds a DomainSocket
// end from its command-line argument, module-as-a-thread an Intra end.
func Start(factory Factory, tr transport.Transport, opts Options) error {
	c := New(factory, opts)

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	svc := &moduleService{ctx: c}
	r, w := tr.Split()
	link := rpc.NewContextWithRoot(rpc.Config{
		Name:    "coordinator",
		Workers: c.Workers(),
		Logger:  logger,
	}, r, w, svc)
	svc.bind(link)

	logger.Info("module started, waiting for coordinator")
	<-c.ShutdownSignal()

	link.DisableSweep()
	c.Workers().Close()
	link.Close()
	return tr.Close()
}
