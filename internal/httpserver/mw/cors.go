package mw

import (
	"net/http"

	"github.com/go-chi/cors"

	"github.com/MrSnakeDoc/ally-relay/internal/utils"
)

// CORS lets browser dashboards on the allowed origins call the JSON API.
// An empty list allows any origin.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	match := utils.OriginMatcher(allowedOrigins)

	return cors.Handler(cors.Options{
		AllowOriginFunc: func(_ *http.Request, origin string) bool { return match(origin) },
		AllowedMethods:  []string{http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:  []string{"Content-Type", "X-Request-ID"},
		MaxAge:          600,
	})
}
