package handlers

import (
	"net/http"

	"github.com/go-chi/render"

	"github.com/MrSnakeDoc/ally-relay/internal/httpserver/deps"
)

type readyzResponse struct {
	Ready bool   `json:"ready"`
	Error string `json:"error,omitempty"`
}

// Readyz reports whether the relay accepts traffic. The Redis mirror is
// optional, so an unreachable Redis does not make the relay unready.
func Readyz(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Registry == nil || d.Broker == nil {
			render.Status(r, http.StatusServiceUnavailable)
			render.JSON(w, r, readyzResponse{Ready: false, Error: "not initialized"})
			return
		}
		render.Status(r, http.StatusOK)
		render.JSON(w, r, readyzResponse{Ready: true})
	}
}
