package protocol

import "time"

var defaultTTLs = map[string]time.Duration{
	TypeHeartbeat: 3 * time.Minute,
	TypeTelemetry: 5 * time.Minute,
	TypeState:     30 * time.Minute,
	TypeProperty:  30 * time.Minute,
	TypeCommand:   30 * time.Minute,
}

// FallbackTTL is used for types without a configured TTL.
const FallbackTTL = 10 * time.Minute

// DefaultTTLFor returns the default TTL for a message type.
func DefaultTTLFor(msgType string) time.Duration {
	if ttl, ok := defaultTTLs[msgType]; ok {
		return ttl
	}
	return FallbackTTL
}

// IsExpired reports whether the envelope has passed its expiry time.
func IsExpired(env *Envelope) bool {
	if env.ExpiresAt.IsZero() {
		return false
	}
	return time.Now().UTC().After(env.ExpiresAt)
}
