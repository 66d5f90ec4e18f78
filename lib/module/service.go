package module

import (
	"fmt"
	"sync"

	"github.com/snowmerak/module.go/lib/rpc"
)

// moduleService exposes a Context as the root service of the coordinator
// link. Ports created through it are registered on the same link so the
// coordinator can address them directly.
type moduleService struct {
	ctx *Context

	mu   sync.Mutex
	link *rpc.Context
}

func (s *moduleService) bind(link *rpc.Context) {
	s.mu.Lock()
	s.link = link
	s.mu.Unlock()
}

func (s *moduleService) Dispatch(method string, payload []byte) ([]byte, error) {
	switch method {
	case "initialize":
		arg, exports, err := decodeInitialize(payload)
		if err != nil {
			return nil, err
		}
		return nil, s.ctx.Initialize(arg, exports)

	case "create_port":
		port := s.ctx.CreatePort(string(payload))

		s.mu.Lock()
		link := s.link
		s.mu.Unlock()
		if link == nil {
			return nil, fmt.Errorf("coordinator link not bound")
		}
		return encodeHandle(link.Register(&portService{port: port})), nil

	case "finish_bootstrap":
		s.ctx.FinishBootstrap()
		return nil, nil

	case "debug":
		return s.ctx.Debug(payload), nil

	case "shutdown":
		s.ctx.Shutdown()
		return nil, nil

	default:
		return nil, fmt.Errorf("unknown module method %q", method)
	}
}

// portService exposes one Port over the coordinator link.
type portService struct {
	port *Port
}

func (s *portService) Dispatch(method string, payload []byte) ([]byte, error) {
	switch method {
	case "initialize":
		cfg, transportArg, intra, err := decodePortInit(payload)
		if err != nil {
			return nil, err
		}
		return nil, s.port.Initialize(cfg, transportArg, intra)

	case "export":
		ids, err := decodeExportIDs(payload)
		if err != nil {
			return nil, err
		}
		return encodeHandles(s.port.Export(ids)), nil

	case "import":
		slots, err := decodeImportSlots(payload)
		if err != nil {
			return nil, err
		}
		return nil, s.port.Import(slots)

	default:
		return nil, fmt.Errorf("unknown port method %q", method)
	}
}
