package handlers

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/MrSnakeDoc/ally-relay/internal/domain"
	"github.com/MrSnakeDoc/ally-relay/internal/httpserver/deps"
	"github.com/MrSnakeDoc/ally-relay/internal/logger"
)

const maxBodyBytes = 1 << 20

type registerRequest struct {
	Name     string `json:"name"`
	Platform string `json:"platform"`
}

type registerResponse struct {
	ID    string `json:"id"`
	Token string `json:"token"`
}

type heartbeatRequest struct {
	Token string `json:"token"`
	domain.Patch
}

// Register issues a new instance id and token.
func Register(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req registerRequest
		if err := render.DecodeJSON(http.MaxBytesReader(w, r.Body, maxBodyBytes), &req); err != nil {
			writeError(w, r, d.Logger, fmt.Errorf("%w: invalid JSON body", domain.ErrInvalidInput))
			return
		}

		id, token, err := d.Registry.Register(req.Name, req.Platform)
		if err != nil {
			writeError(w, r, d.Logger, err)
			return
		}

		d.Logger.Info("instance registered",
			logger.String("instance_id", id),
			logger.String("platform", req.Platform))

		render.Status(r, http.StatusOK)
		render.JSON(w, r, registerResponse{ID: id, Token: token})
	}
}

// ListInstances returns every instance without tokens.
func ListInstances(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		render.Status(r, http.StatusOK)
		render.JSON(w, r, d.Registry.List())
	}
}

func GetInstance(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		inst, err := d.Registry.Get(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, d.Logger, err)
			return
		}
		render.Status(r, http.StatusOK)
		render.JSON(w, r, inst)
	}
}

// Heartbeat pushes state for clients without a live connection.
// Served on both PUT /instances/{id} and POST /instances/{id}/heartbeat.
func Heartbeat(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req heartbeatRequest
		if err := render.DecodeJSON(http.MaxBytesReader(w, r.Body, maxBodyBytes), &req); err != nil {
			writeError(w, r, d.Logger, fmt.Errorf("%w: invalid JSON body", domain.ErrInvalidInput))
			return
		}

		if err := d.Broker.Heartbeat(chi.URLParam(r, "id"), req.Token, req.Patch); err != nil {
			writeError(w, r, d.Logger, err)
			return
		}
		writeMessage(w, r, "instance updated")
	}
}

// DeleteInstance removes an instance; the token comes from the query string.
func DeleteInstance(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := d.Broker.Delete(chi.URLParam(r, "id"), r.URL.Query().Get("token"))
		if err != nil {
			writeError(w, r, d.Logger, err)
			return
		}
		writeMessage(w, r, "instance deleted")
	}
}
