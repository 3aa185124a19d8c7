package plc

import "context"

// Endpoint is the automation node space the bridge talks to. Node ids are the
// textual OPC UA form, e.g. "ns=2;s=Device 1/ProductionRate".
type Endpoint interface {
	// Browse returns the node ids of the children of the Objects folder, in
	// the order the server enumerates them.
	Browse(ctx context.Context) ([]string, error)
	DisplayName(ctx context.Context, nodeID string) (string, error)
	Read(ctx context.Context, nodeID string) (interface{}, error)
	Write(ctx context.Context, nodeID string, value interface{}) error
	Call(ctx context.Context, objectID, methodID string) error
	Close(ctx context.Context) error
}

// EventEmitter receives accessor diagnostics. The engine package implements
// this via an adapter to avoid import cycles.
type EventEmitter interface {
	EmitAccessorFailure(op, nodeID string, err error)
}

type nopEmitter struct{}

func (nopEmitter) EmitAccessorFailure(string, string, error) {}
