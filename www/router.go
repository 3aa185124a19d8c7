package www

import (
	"net/http"

	"twinbridge/bridge"
	"twinbridge/config"
	"twinbridge/engine"
	"twinbridge/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Backend is what the handlers read from. *engine.Engine implements it.
type Backend interface {
	Bridges() []bridge.Status
	Endpoint() string
	DeviceIDs() []string
	AppConfig() *config.Config
	ConfigPath() string
	DB() *store.DB
	Bus() *engine.EventBus
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	backend  Backend
	eventHub *EventHub
}

// NewRouter creates the chi router and returns it along with a stop function.
// metrics may be nil.
func NewRouter(backend Backend, metrics http.Handler) (http.Handler, func()) {
	h := &Handlers{
		backend:  backend,
		eventHub: NewEventHub(),
	}
	bus := backend.Bus()
	sub := h.eventHub.Attach(bus)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.handleHealth)
	if metrics != nil {
		r.Handle("/metrics", metrics)
	}
	r.Get("/events", h.eventHub.HandleSSE)

	r.Route("/api", func(r chi.Router) {
		r.Get("/bridges", h.apiListBridges)
		r.Get("/bridges/{deviceID}", h.apiGetBridge)
		r.Get("/config", h.apiConfig)
		r.Get("/bindings", h.apiListBindings)
		r.Get("/bindings/changes", h.apiListBindingChanges)
	})

	return r, func() {
		bus.Unsubscribe(sub)
		h.eventHub.Close()
	}
}
