package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/render"

	"github.com/MrSnakeDoc/ally-relay/internal/httpserver/deps"
)

type componentStatus struct {
	OK          bool   `json:"ok"`
	Instances   *int   `json:"instances,omitempty"`
	Online      *int   `json:"online,omitempty"`
	Connections *int   `json:"connections,omitempty"`
	Viewers     *int   `json:"viewers,omitempty"`
	Mode        string `json:"mode,omitempty"`
	Impact      string `json:"impact,omitempty"`
	Error       string `json:"error,omitempty"`
}

type infraResponse struct {
	Mode       string                     `json:"mode"`
	Components map[string]componentStatus `json:"components"`
}

// Infra reports the state of every component.
func Infra(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		total, online := d.Registry.Stats()
		conns, viewers := d.Broker.Stats()

		components := map[string]componentStatus{
			"registry": {
				OK:        true,
				Instances: &total,
				Online:    &online,
			},
			"broker": {
				OK:          true,
				Connections: &conns,
				Viewers:     &viewers,
			},
			"redis": checkRedis(r.Context(), d),
		}

		render.Status(r, http.StatusOK)
		render.JSON(w, r, infraResponse{
			Mode:       determineMode(components),
			Components: components,
		})
	}
}

func determineMode(components map[string]componentStatus) string {
	if redis, ok := components["redis"]; ok && !redis.OK && redis.Mode != "disabled" {
		return "degraded"
	}
	return "nominal"
}

func checkRedis(ctx context.Context, d deps.Deps) componentStatus {
	if d.RedisClient == nil {
		return componentStatus{
			OK:     true,
			Mode:   "disabled",
			Impact: "mirror-disabled",
		}
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := d.RedisClient.Ping(ctx).Err(); err != nil {
		return componentStatus{
			OK:     false,
			Mode:   "degraded",
			Impact: "mirror-lagging",
			Error:  err.Error(),
		}
	}
	return componentStatus{
		OK:     true,
		Mode:   "mirroring",
		Impact: "none",
	}
}
