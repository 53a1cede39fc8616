package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// MountRoutes registers the admin API on the given chi router. ws may be
// nil when no live feed is served.
func MountRoutes(r chi.Router, h *Handlers, ws http.HandlerFunc) {
	r.Get("/health", h.Health)
	if ws != nil {
		r.Get("/ws", ws)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/config/reload", h.ReloadConfig)

		r.Route("/dealerships/{id}", func(r chi.Router) {
			r.Get("/config", h.GetDealershipConfig)
			r.Put("/override", h.PutDealershipOverride)
		})

		r.Get("/features/{flag}/dealerships/{id}", h.GetFeature)

		if h.States != nil {
			r.Get("/conversations/{id}/handover-state", h.GetHandoverState)
		}

		r.Route("/abtests", func(r chi.Router) {
			r.Get("/", h.ListABTests)
			r.Post("/", h.CreateABTest)
			r.Post("/{name}/status", h.SetABTestStatus)
			r.Get("/{name}/dealerships/{id}", h.GetABTestVariant)
		})
	})
}
