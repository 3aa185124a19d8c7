package protocol

import (
	"encoding/json"
	"testing"
	"time"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	src := Address{Role: RoleDevice, Node: "edge-1", Device: "Device 1", DeviceID: "device-1"}
	sample := json.RawMessage(`{"deviceName":"Device 1","goodCount":3}`)

	env, err := NewEnvelope(TypeTelemetry, src, &Telemetry{Sample: sample})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	if env.Version != Version {
		t.Errorf("version = %d, want %d", env.Version, Version)
	}
	if env.ID == "" {
		t.Error("ID should not be empty")
	}
	if got := env.ExpiresAt.Sub(env.Timestamp); got != DefaultTTLFor(TypeTelemetry) {
		t.Errorf("ttl = %v", got)
	}

	data, err := env.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.ID != env.ID || decoded.Type != TypeTelemetry || decoded.Src != src {
		t.Errorf("decoded = %+v", decoded)
	}

	var tel Telemetry
	if err := decoded.DecodePayload(&tel); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if string(tel.Sample) != string(sample) {
		t.Errorf("sample = %s, want %s", tel.Sample, sample)
	}
}

func TestDecodeRejectsUnknownVersion(t *testing.T) {
	if _, err := Decode([]byte(`{"v":99,"type":"bridge.state"}`)); err == nil {
		t.Fatal("expected version error")
	}
	if _, err := Decode([]byte(`not json`)); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestDefaultTTLFor(t *testing.T) {
	if DefaultTTLFor(TypeHeartbeat) != 3*time.Minute {
		t.Errorf("heartbeat ttl = %v", DefaultTTLFor(TypeHeartbeat))
	}
	if DefaultTTLFor("unknown.type") != FallbackTTL {
		t.Errorf("fallback ttl = %v", DefaultTTLFor("unknown.type"))
	}
}

func TestIsExpired(t *testing.T) {
	env := &Envelope{}
	if IsExpired(env) {
		t.Error("zero expiry should never expire")
	}
	env.ExpiresAt = time.Now().UTC().Add(-time.Second)
	if !IsExpired(env) {
		t.Error("past expiry should be expired")
	}
	env.ExpiresAt = time.Now().UTC().Add(time.Minute)
	if IsExpired(env) {
		t.Error("future expiry should not be expired")
	}
}
