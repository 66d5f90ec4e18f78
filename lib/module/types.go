// Package module implements the runtime that a sandboxed module lives in:
// the per-module lifecycle state machine, the staging pool for services
// awaiting export, the ports that link the module to its peers, and the
// entry-point driver that lets an external coordinator steer all of it over
// a transport.
package module

import (
	"github.com/snowmerak/module.go/lib/rpc"
)

// ExportDesc names one constructor of the user module together with its
// serialized argument. The encoding of Arg is a contract between the
// coordinator and the module author, versioned per constructor name; the
// runtime never inspects it.
type ExportDesc struct {
	Ctor string
	Arg  []byte
}

// ImportSlot pairs a slot name with the capability handle the peer exported
// for it.
type ImportSlot struct {
	Name   string
	Handle rpc.Handle
}

// Factory constructs the user module from the coordinator-supplied opaque
// argument.
type Factory func(arg []byte) (UserModule, error)

// UserModule is the capability set a module author supplies. Every method is
// invoked under the module lock, so implementations never need their own
// synchronization against the runtime.
type UserModule interface {
	// PrepareServiceToExport builds one service object for the staging
	// pool. The returned Dispatch is registered on whichever port later
	// claims it.
	PrepareServiceToExport(ctorName string, ctorArg []byte) (rpc.Dispatch, error)

	// ImportService registers a proxy imported from a peer. rto is the
	// importing port's call context; the handle is only valid on it.
	ImportService(rto *rpc.Context, exporterModule, name string, handle rpc.Handle) error

	// Debug is an opaque pass-through for operational introspection.
	Debug(arg []byte) []byte
}
