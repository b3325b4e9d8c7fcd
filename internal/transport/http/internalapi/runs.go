package internalapi

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/scenarios/internal/domain"
)

// Sweep advances every active suite run once.
// POST /internal/suite_runs/sweep
func (h *Handler) Sweep(c echo.Context) error {
	visited, err := h.service.SweepSuiteRuns(c.Request().Context(), h.batch)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]int{"visited": visited})
}

// Advance runs one scheduling pass, ignoring a pass already in flight.
// POST /internal/suite_runs/:suite_run_id/advance
func (h *Handler) Advance(c echo.Context) error {
	suiteRunID := c.Param("suite_run_id")
	sr, err := h.service.Advance(c.Request().Context(), suiteRunID, domain.AdvanceOptions{})
	switch {
	case errors.Is(err, domain.ErrBusy):
		return c.JSON(http.StatusAccepted, map[string]string{"suite_run_id": suiteRunID, "message": "advance already in progress"})
	case domain.IsNotFound(err):
		return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
	case err != nil:
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, sr)
}

// AbortRun cancels a simulation run on behalf of an operator.
// POST /internal/runs/:run_id/abort
func (h *Handler) AbortRun(c echo.Context) error {
	runID := c.Param("run_id")
	ctx := c.Request().Context()

	var req domain.AbortRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.Actor == "" {
		req.Actor = "operator"
	}

	run, err := h.service.AbortRun(ctx, runID, req)
	if err != nil {
		var state *domain.InvalidStateError
		switch {
		case domain.IsNotFound(err):
			return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
		case errors.As(err, &state):
			return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"run_id":  runID,
		"status":  run.Status,
		"message": "run aborted",
	})
}
