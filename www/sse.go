package www

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"twinbridge/engine"
)

const sseKeepalive = 30 * time.Second

// frame is one encoded SSE message, tagged with the device it concerns so
// streams can filter without decoding.
type frame struct {
	deviceID string
	data     []byte
}

type stream struct {
	deviceID string // empty: all devices
	frames   chan frame
}

// EventHub streams engine events to browsers as Server-Sent Events. Frames
// are encoded once per event and dropped for streams that fall behind.
type EventHub struct {
	mu      sync.RWMutex
	streams map[*stream]struct{}
	closed  chan struct{}
	once    sync.Once
}

// NewEventHub creates an empty hub.
func NewEventHub() *EventHub {
	return &EventHub{
		streams: make(map[*stream]struct{}),
		closed:  make(chan struct{}),
	}
}

// Close ends every open stream.
func (h *EventHub) Close() {
	h.once.Do(func() { close(h.closed) })
}

// Streams returns the number of connected clients.
func (h *EventHub) Streams() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.streams)
}

// Publish encodes one event and queues it on every matching stream.
func (h *EventHub) Publish(name, deviceID string, data interface{}) {
	body, err := json.Marshal(data)
	if err != nil {
		return
	}
	f := frame{deviceID: deviceID, data: []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", name, body))}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.streams {
		if s.deviceID != "" && s.deviceID != deviceID {
			continue
		}
		select {
		case s.frames <- f:
		default:
		}
	}
}

// HandleSSE serves /events. ?device_id= limits the stream to one bridge.
func (h *EventHub) HandleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	hdr := w.Header()
	hdr.Set("Content-Type", "text/event-stream")
	hdr.Set("Cache-Control", "no-cache")
	hdr.Set("Connection", "keep-alive")
	hdr.Set("X-Accel-Buffering", "no")

	s := &stream{deviceID: r.URL.Query().Get("device_id"), frames: make(chan frame, 64)}
	h.mu.Lock()
	h.streams[s] = struct{}{}
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.streams, s)
		h.mu.Unlock()
	}()

	w.Write([]byte("event: connected\ndata: {}\n\n"))
	flusher.Flush()

	ping := time.NewTicker(sseKeepalive)
	defer ping.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-h.closed:
			return
		case f := <-s.frames:
			w.Write(f.data)
			flusher.Flush()
		case <-ping.C:
			w.Write([]byte(": keepalive\n\n"))
			flusher.Flush()
		}
	}
}

// Attach forwards every bus event to the hub.
func (h *EventHub) Attach(bus *engine.EventBus) engine.SubscriberID {
	return bus.Subscribe(func(evt engine.Event) {
		name := evt.Type.String()
		switch p := evt.Payload.(type) {
		case engine.TelemetryEvent:
			data := map[string]interface{}{"device": p.Device, "device_id": p.DeviceID}
			if p.Error != "" {
				data["error"] = p.Error
			} else {
				data["sample"] = json.RawMessage(p.Payload)
			}
			h.Publish(name, p.DeviceID, data)
		case engine.BridgeStateChangedEvent:
			h.Publish(name, p.DeviceID, p)
		case engine.PropertyEvent:
			h.Publish(name, p.DeviceID, p)
		case engine.CommandInvokedEvent:
			h.Publish(name, p.DeviceID, p)
		default:
			h.Publish(name, "", evt.Payload)
		}
	})
}
