package fleet

import (
	"errors"
	"fmt"

	"twinbridge/iothub"
	"twinbridge/plc"
)

// Startup failures. Run returns them wrapped; none are retried.
var (
	ErrEndpointUnavailable     = errors.New("automation endpoint unavailable")
	ErrNoMachines              = errors.New("no devices found")
	ErrInsufficientConnections = errors.New("insufficient connections")
	ErrInvalidBinding          = errors.New("invalid device binding")
	ErrNoBridges               = errors.New("no device bridge could connect")
)

// Pair binds one machine to one device identity.
type Pair struct {
	Machine  plc.Machine
	Identity iothub.ConnectionString
}

// PairMachines binds machines to identities. Without bindings the pairing is
// positional: the i-th machine gets the i-th identity and surplus identities
// stay unused. With bindings every machine must name a distinct device id
// that is present in identities.
func PairMachines(machines []plc.Machine, identities []iothub.ConnectionString, bindings map[string]string) ([]Pair, error) {
	if len(machines) > len(identities) {
		return nil, fmt.Errorf("%w: missing %d IoT Hub connections (%d devices, %d connection strings)",
			ErrInsufficientConnections, len(machines)-len(identities), len(machines), len(identities))
	}
	if len(bindings) == 0 {
		pairs := make([]Pair, len(machines))
		for i, m := range machines {
			pairs[i] = Pair{Machine: m, Identity: identities[i]}
		}
		return pairs, nil
	}

	byID := make(map[string]iothub.ConnectionString, len(identities))
	for _, id := range identities {
		byID[id.DeviceID] = id
	}
	used := make(map[string]string, len(machines))
	pairs := make([]Pair, 0, len(machines))
	for _, m := range machines {
		deviceID, ok := bindings[m.DisplayName]
		if !ok {
			return nil, fmt.Errorf("%w: no binding for %q", ErrInvalidBinding, m.DisplayName)
		}
		id, ok := byID[deviceID]
		if !ok {
			return nil, fmt.Errorf("%w: %q is bound to unknown device id %q", ErrInvalidBinding, m.DisplayName, deviceID)
		}
		if other, dup := used[deviceID]; dup {
			return nil, fmt.Errorf("%w: device id %q bound to both %q and %q", ErrInvalidBinding, deviceID, other, m.DisplayName)
		}
		used[deviceID] = m.DisplayName
		pairs = append(pairs, Pair{Machine: m, Identity: id})
	}
	return pairs, nil
}
