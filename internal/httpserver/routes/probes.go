package routes

import (
	"github.com/go-chi/chi/v5"

	"github.com/MrSnakeDoc/ally-relay/internal/httpserver/deps"
	"github.com/MrSnakeDoc/ally-relay/internal/httpserver/handlers"
	"github.com/MrSnakeDoc/ally-relay/internal/httpserver/mw"
)

func init() { Register(registerProbes) }

// Liveness is open; readiness and component status are IP allow-listed.
func registerProbes(r chi.Router, d deps.Deps) {
	r.Get("/healthz", handlers.Healthz(d))

	r.Group(func(r chi.Router) {
		r.Use(mw.AllowOnlyCIDRS(d.AllowedCIDRS, d.TrustProxy, d.Logger))
		r.Get("/readyz", handlers.Readyz(d))
		r.Get("/infra", handlers.Infra(d))
	})
}
