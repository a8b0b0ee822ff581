package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/render"

	"github.com/MrSnakeDoc/ally-relay/internal/domain"
	"github.com/MrSnakeDoc/ally-relay/internal/logger"
)

type messageResponse struct {
	Message string `json:"message"`
}

// StatusFor maps a domain error to its HTTP status code.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInstanceOffline):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, log logger.Logger, err error) {
	status := StatusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		log.Error("request failed", logger.String("path", r.URL.Path), logger.Error(err))
		msg = http.StatusText(status)
	}
	render.Status(r, status)
	render.JSON(w, r, messageResponse{Message: msg})
}

func writeMessage(w http.ResponseWriter, r *http.Request, msg string) {
	render.Status(r, http.StatusOK)
	render.JSON(w, r, messageResponse{Message: msg})
}
