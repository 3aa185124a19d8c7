package iothub

import (
	"fmt"
	"strings"
)

// ConnectionString is a parsed IoT Hub device connection string.
type ConnectionString struct {
	HostName        string
	DeviceID        string
	SharedAccessKey string
	Raw             string
}

// ParseConnectionString parses "HostName=...;DeviceId=...;SharedAccessKey=...".
// Key names are case-insensitive and unknown keys are ignored.
func ParseConnectionString(s string) (ConnectionString, error) {
	cs := ConnectionString{Raw: s}
	for _, part := range strings.Split(strings.TrimSpace(s), ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		// keys never contain '=', base64 values may end with it
		eq := strings.IndexByte(part, '=')
		if eq <= 0 {
			return ConnectionString{}, fmt.Errorf("connection string: malformed segment %q", part)
		}
		key, val := part[:eq], part[eq+1:]
		switch strings.ToLower(key) {
		case "hostname":
			cs.HostName = val
		case "deviceid":
			cs.DeviceID = val
		case "sharedaccesskey":
			cs.SharedAccessKey = val
		}
	}
	switch {
	case cs.HostName == "":
		return ConnectionString{}, fmt.Errorf("connection string: HostName missing")
	case cs.DeviceID == "":
		return ConnectionString{}, fmt.Errorf("connection string: DeviceId missing")
	case cs.SharedAccessKey == "":
		return ConnectionString{}, fmt.Errorf("connection string: SharedAccessKey missing")
	}
	return cs, nil
}

// String returns the connection string with the key redacted.
func (c ConnectionString) String() string {
	return fmt.Sprintf("HostName=%s;DeviceId=%s;SharedAccessKey=***", c.HostName, c.DeviceID)
}
