package plc

import (
	"context"
	"fmt"
	"regexp"

	"github.com/sirupsen/logrus"
)

var machineName = regexp.MustCompile(`^Device [0-9]+$`)

// Machine is a discovered machine node.
type Machine struct {
	DisplayName string `json:"display_name"`
	NodeID      string `json:"node_id"`
	Prefix      string `json:"prefix"`
}

// IsMachineName reports whether a display name follows the "Device <n>"
// convention.
func IsMachineName(name string) bool {
	return machineName.MatchString(name)
}

// Discover browses the Objects folder and returns the machine nodes in
// enumeration order. An empty result is not an error.
func Discover(ctx context.Context, ep Endpoint, r Resolver, log logrus.FieldLogger) ([]Machine, error) {
	ids, err := ep.Browse(ctx)
	if err != nil {
		return nil, fmt.Errorf("discover machines: %w", err)
	}

	machines := []Machine{}
	for _, nodeID := range ids {
		name, err := ep.DisplayName(ctx, nodeID)
		if err != nil {
			log.WithField("node", nodeID).Warnf("skipping node: %v", err)
			continue
		}
		if !IsMachineName(name) {
			log.WithField("node", nodeID).Debugf("skipping %q: not a machine", name)
			continue
		}
		machines = append(machines, Machine{
			DisplayName: name,
			NodeID:      nodeID,
			Prefix:      r.Prefix(name),
		})
	}
	return machines, nil
}
