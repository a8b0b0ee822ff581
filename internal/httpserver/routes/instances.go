package routes

import (
	"github.com/go-chi/chi/v5"

	"github.com/MrSnakeDoc/ally-relay/internal/httpserver/deps"
	"github.com/MrSnakeDoc/ally-relay/internal/httpserver/handlers"
	"github.com/MrSnakeDoc/ally-relay/internal/httpserver/mw"
)

func init() { Register(registerInstances) }

func registerInstances(r chi.Router, d deps.Deps) {
	r.With(mw.RateLimit(mw.RateLimitConfig{
		Burst:             d.RegisterLimit.Burst,
		RefillPerIPPerMin: d.RegisterLimit.RefillPerMin,
		MaxEntries:        10000,
		TrustProxy:        d.TrustProxy,
	})).Post("/register", handlers.Register(d))

	r.Route("/instances", func(r chi.Router) {
		r.Get("/", handlers.ListInstances(d))
		r.Get("/{id}", handlers.GetInstance(d))
		r.Put("/{id}", handlers.Heartbeat(d))
		r.Post("/{id}/heartbeat", handlers.Heartbeat(d))
		r.Delete("/{id}", handlers.DeleteInstance(d))
	})
}
