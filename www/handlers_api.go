package www

import (
	"encoding/json"
	"net/http"
	"strconv"

	"twinbridge/bridge"
	"twinbridge/store"

	"github.com/go-chi/chi/v5"
)

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	bridges := h.backend.Bridges()
	states := make(map[string]int)
	for _, b := range bridges {
		states[b.State]++
	}
	writeJSON(w, map[string]interface{}{
		"status":        "ok",
		"bridges":       len(bridges),
		"states":        states,
		"event_streams": h.eventHub.Streams(),
	})
}

func (h *Handlers) apiListBridges(w http.ResponseWriter, r *http.Request) {
	bridges := h.backend.Bridges()
	if bridges == nil {
		bridges = []bridge.Status{}
	}
	writeJSON(w, bridges)
}

func (h *Handlers) apiGetBridge(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "deviceID")
	for _, b := range h.backend.Bridges() {
		if b.DeviceID == id {
			writeJSON(w, b)
			return
		}
	}
	writeError(w, http.StatusNotFound, "bridge not found")
}

// apiConfig exposes the bindable identities. Keys and passwords never leave
// the process.
func (h *Handlers) apiConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"config_path":   h.backend.ConfigPath(),
		"endpoint":      h.backend.Endpoint(),
		"device_ids":    h.backend.DeviceIDs(),
		"poll_interval": h.backend.AppConfig().PollInterval.String(),
	})
}

func (h *Handlers) apiListBindings(w http.ResponseWriter, r *http.Request) {
	db := h.backend.DB()
	if db == nil {
		writeJSON(w, []store.Binding{})
		return
	}
	bindings, err := db.ListBindings(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if bindings == nil {
		bindings = []store.Binding{}
	}
	writeJSON(w, bindings)
}

func (h *Handlers) apiListBindingChanges(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	db := h.backend.DB()
	if db == nil {
		writeJSON(w, []store.BindingChange{})
		return
	}
	changes, err := db.ListBindingChanges(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if changes == nil {
		changes = []store.BindingChange{}
	}
	writeJSON(w, changes)
}
