package handlers

import (
	"net/http"

	"github.com/MrSnakeDoc/ally-relay/internal/httpserver/deps"
)

// WS hands the request to the broker, which upgrades it.
func WS(d deps.Deps) http.HandlerFunc {
	return d.Broker.ServeHTTP
}
