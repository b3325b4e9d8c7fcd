// Package internalapi provides HTTP handlers for operator and scheduler use.
// These routes are served on the internal port only.
package internalapi

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/scenarios/internal/service"
)

// Handler handles internal HTTP requests.
type Handler struct {
	service *service.Service
	batch   int
}

// NewHandler creates a new internal API handler. batch bounds how many suite
// runs one sweep visits.
func NewHandler(service *service.Service, batch int) *Handler {
	return &Handler{
		service: service,
		batch:   batch,
	}
}

// RegisterRoutes registers internal routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/internal/ready", h.Ready)

	// Suite scheduling
	e.POST("/internal/suite_runs/sweep", h.Sweep)
	e.POST("/internal/suite_runs/:suite_run_id/advance", h.Advance)

	// Run management
	e.POST("/internal/runs/:run_id/abort", h.AbortRun)
}

// Ready reports whether the store answers.
func (h *Handler) Ready(c echo.Context) error {
	if err := h.service.Ping(c.Request().Context()); err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]bool{"ready": true})
}
