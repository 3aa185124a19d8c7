package plc

import (
	"context"
	"fmt"
	"strconv"

	"github.com/sirupsen/logrus"
)

// Sentinel is what ReadAttribute yields when a read fails.
const Sentinel = "0"

// Accessor reads, writes and invokes machine nodes. Every failure is logged
// and degraded: reads yield Sentinel, writes and calls are dropped. Nothing is
// returned as an error so one bad node never stops the rest of a poll.
type Accessor struct {
	ep      Endpoint
	log     logrus.FieldLogger
	emitter EventEmitter
}

// NewAccessor wraps an endpoint. emitter may be nil.
func NewAccessor(ep Endpoint, log logrus.FieldLogger, emitter EventEmitter) *Accessor {
	if emitter == nil {
		emitter = nopEmitter{}
	}
	return &Accessor{ep: ep, log: log, emitter: emitter}
}

// ReadAttribute returns the node value formatted as a string. ok is false when
// the read failed and Sentinel was substituted.
func (a *Accessor) ReadAttribute(ctx context.Context, prefix, suffix string) (value string, ok bool) {
	nodeID := NodeID(prefix, suffix)
	v, err := a.ep.Read(ctx, nodeID)
	if err != nil {
		a.fail("read", nodeID, err)
		return Sentinel, false
	}
	return FormatValue(v), true
}

// WriteAttribute sets a node value.
func (a *Accessor) WriteAttribute(ctx context.Context, prefix, suffix string, value interface{}) {
	nodeID := NodeID(prefix, suffix)
	if err := a.ep.Write(ctx, nodeID, value); err != nil {
		a.fail("write", nodeID, err)
	}
}

// InvokeCommand calls a method that lives under the machine object.
func (a *Accessor) InvokeCommand(ctx context.Context, prefix, suffix string) {
	methodID := NodeID(prefix, suffix)
	if err := a.ep.Call(ctx, prefix, methodID); err != nil {
		a.fail("call", methodID, err)
	}
}

func (a *Accessor) fail(op, nodeID string, err error) {
	a.log.WithFields(logrus.Fields{"op": op, "node": nodeID}).Errorf("opcua %s failed: %v", op, err)
	a.emitter.EmitAccessorFailure(op, nodeID, err)
}

// FormatValue renders a node value the way the bridge parses it back.
func FormatValue(v interface{}) string {
	switch n := v.(type) {
	case string:
		return n
	case float32:
		return strconv.FormatFloat(float64(n), 'f', -1, 32)
	case float64:
		return strconv.FormatFloat(n, 'f', -1, 64)
	case bool:
		if n {
			return "1"
		}
		return "0"
	case fmt.Stringer:
		return n.String()
	default:
		return fmt.Sprint(v)
	}
}
