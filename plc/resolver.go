package plc

import "fmt"

// DefaultNamespace is the namespace index the simulated machines live in.
const DefaultNamespace = 2

// Resolver derives node id prefixes from machine display names.
type Resolver struct {
	Namespace uint16
}

// Prefix returns the string node id every attribute and command of the
// machine hangs off, e.g. "ns=2;s=Device 1".
func (r Resolver) Prefix(displayName string) string {
	return fmt.Sprintf("ns=%d;s=%s", r.Namespace, displayName)
}

// NodeID joins a prefix and an attribute or command suffix ("/Temperature").
func NodeID(prefix, suffix string) string {
	return prefix + suffix
}
