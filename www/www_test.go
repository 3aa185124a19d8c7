package www

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"twinbridge/bridge"
	"twinbridge/config"
	"twinbridge/engine"
	"twinbridge/store"
)

type fakeBackend struct {
	bridges []bridge.Status
	db      *store.DB
	bus     *engine.EventBus
}

func (f *fakeBackend) Bridges() []bridge.Status { return f.bridges }
func (f *fakeBackend) Endpoint() string         { return "opc.tcp://plc:4840" }
func (f *fakeBackend) DeviceIDs() []string      { return []string{"device-1", "device-2"} }
func (f *fakeBackend) ConfigPath() string       { return "/etc/twinbridge.yaml" }
func (f *fakeBackend) DB() *store.DB            { return f.db }
func (f *fakeBackend) Bus() *engine.EventBus    { return f.bus }

func (f *fakeBackend) AppConfig() *config.Config {
	cfg := config.Defaults()
	cfg.ServerConnectionString = f.Endpoint()
	cfg.DeviceConnectionStrings = []string{"HostName=h;DeviceId=device-1;SharedAccessKey=c2VjcmV0"}
	return cfg
}

func newTestRouter(t *testing.T, b *fakeBackend) http.Handler {
	t.Helper()
	if b.bus == nil {
		b.bus = engine.NewEventBus()
	}
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("twinbridge_bridges 1\n"))
	})
	router, stop := NewRouter(b, metrics)
	t.Cleanup(stop)
	return router
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
	return rec
}

func TestHealthAndBridges(t *testing.T) {
	b := &fakeBackend{bridges: []bridge.Status{
		{DeviceName: "Device 1", DeviceID: "device-1", State: "running", Reported: map[string]int{"ProductionRate": 40}},
		{DeviceName: "Device 2", DeviceID: "device-2", State: "read_error", Reported: map[string]int{}},
	}}
	r := newTestRouter(t, b)

	rec := get(t, r, "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", rec.Code)
	}
	var health struct {
		Status       string         `json:"status"`
		Bridges      int            `json:"bridges"`
		States       map[string]int `json:"states"`
		EventStreams int            `json:"event_streams"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatal(err)
	}
	if health.Status != "ok" || health.Bridges != 2 || health.States["read_error"] != 1 || health.EventStreams != 0 {
		t.Errorf("health = %+v", health)
	}

	rec = get(t, r, "/api/bridges")
	var list []bridge.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].Reported["ProductionRate"] != 40 {
		t.Errorf("bridges = %+v", list)
	}

	if rec := get(t, r, "/api/bridges/device-2"); rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "read_error") {
		t.Errorf("bridge by id = %d %s", rec.Code, rec.Body.String())
	}
	if rec := get(t, r, "/api/bridges/nope"); rec.Code != http.StatusNotFound {
		t.Errorf("missing bridge status = %d", rec.Code)
	}
	if rec := get(t, r, "/metrics"); !strings.Contains(rec.Body.String(), "twinbridge_bridges") {
		t.Errorf("metrics = %s", rec.Body.String())
	}
}

func TestEmptyBridgesIsArray(t *testing.T) {
	r := newTestRouter(t, &fakeBackend{})
	if body := strings.TrimSpace(get(t, r, "/api/bridges").Body.String()); body != "[]" {
		t.Errorf("body = %s", body)
	}
	if body := strings.TrimSpace(get(t, r, "/api/bindings").Body.String()); body != "[]" {
		t.Errorf("bindings without db = %s", body)
	}
}

func TestConfigHasNoSecrets(t *testing.T) {
	r := newTestRouter(t, &fakeBackend{})
	body := get(t, r, "/api/config").Body.String()
	if !strings.Contains(body, "device-1") || !strings.Contains(body, "opc.tcp://plc:4840") {
		t.Errorf("config = %s", body)
	}
	if !strings.Contains(body, `"config_path":"/etc/twinbridge.yaml"`) || !strings.Contains(body, `"poll_interval":"5s"`) {
		t.Errorf("config = %s", body)
	}
	if strings.Contains(body, "SharedAccessKey") || strings.Contains(body, "c2VjcmV0") {
		t.Errorf("config leaks keys: %s", body)
	}
}

func TestBindings(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "www.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	ctx := context.Background()
	db.RecordBinding(ctx, "Device 1", "device-1", "opc.tcp://plc:4840")
	db.RecordBinding(ctx, "Device 1", "device-2", "opc.tcp://plc:4840")

	r := newTestRouter(t, &fakeBackend{db: db})
	var bindings []store.Binding
	if err := json.Unmarshal(get(t, r, "/api/bindings").Body.Bytes(), &bindings); err != nil {
		t.Fatal(err)
	}
	if len(bindings) != 1 || bindings[0].DeviceID != "device-2" {
		t.Errorf("bindings = %+v", bindings)
	}
	var changes []store.BindingChange
	if err := json.Unmarshal(get(t, r, "/api/bindings/changes?limit=1").Body.Bytes(), &changes); err != nil {
		t.Fatal(err)
	}
	if len(changes) != 1 || changes[0].OldDeviceID != "device-1" {
		t.Errorf("changes = %+v", changes)
	}
	if rec := get(t, r, "/api/bindings/changes?limit=x"); rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d", rec.Code)
	}
}

func TestEventsStreamFiltersByDevice(t *testing.T) {
	b := &fakeBackend{bus: engine.NewEventBus()}
	srv := httptest.NewServer(newTestRouter(t, b))
	defer srv.Close()

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(srv.URL + "/events?device_id=device-2")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}
	reader := bufio.NewReader(resp.Body)

	line, err := reader.ReadString('\n')
	if err != nil || line != "event: connected\n" {
		t.Fatalf("first line = %q, %v", line, err)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		// the stream registers after the connected frame; repeat until read
		for i := 0; i < 100; i++ {
			select {
			case <-done:
				return
			default:
			}
			for _, id := range []string{"device-1", "device-2"} {
				b.bus.Emit(engine.Event{Type: engine.EventCommandInvoked, Payload: engine.CommandInvokedEvent{
					Device: "Device", DeviceID: id, Method: "EmergencyStop",
				}})
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatal(err)
		}
		if line != "event: command_invoked\n" {
			continue
		}
		data, _ := reader.ReadString('\n')
		if !strings.Contains(data, `"device_id":"device-2"`) || !strings.Contains(data, `"method":"EmergencyStop"`) {
			t.Fatalf("data = %s", data)
		}
		return
	}
}

func TestEventHubTelemetryFrame(t *testing.T) {
	h := NewEventHub()
	s := &stream{frames: make(chan frame, 1)}
	h.streams[s] = struct{}{}

	bus := engine.NewEventBus()
	h.Attach(bus)
	bus.Emit(engine.Event{Type: engine.EventTelemetrySent, Payload: engine.TelemetryEvent{
		Device: "Device 1", DeviceID: "device-1", Payload: []byte(`{"goodCount":3}`),
	}})

	f := <-s.frames
	want := "event: telemetry_sent\ndata: {\"device\":\"Device 1\",\"device_id\":\"device-1\",\"sample\":{\"goodCount\":3}}\n\n"
	if string(f.data) != want {
		t.Errorf("frame = %q", f.data)
	}
}
