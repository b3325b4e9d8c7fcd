package v1

import (
	"encoding/json"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/scenarios/internal/domain"
	"github.com/xiaot623/gogo/scenarios/internal/schema"
)

// StartRun starts a run of a simulation.
// POST /v1/simulations/:simulation_id/runs
func (h *Handler) StartRun(c echo.Context) error {
	var req domain.StartRunRequest
	if err := h.bind(c, schema.StartRun, &req); err != nil {
		return respondError(c, err)
	}
	req.SimulationID = c.Param("simulation_id")
	// Suite linkage is set only by the scheduler.
	req.SuiteRunItemID = ""
	run, err := h.service.StartRun(c.Request().Context(), req)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, run)
}

// GET /v1/simulations/:simulation_id/runs
func (h *Handler) ListRuns(c echo.Context) error {
	p, err := page(c)
	if err != nil {
		return respondError(c, err)
	}
	runs, err := h.service.ListRuns(c.Request().Context(), c.Param("simulation_id"), p)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"runs": runs})
}

// GET /v1/runs/:run_id
func (h *Handler) GetRun(c echo.Context) error {
	run, err := h.service.GetRun(c.Request().Context(), c.Param("run_id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, run)
}

// Step advances a run by one turn.
// POST /v1/runs/:run_id/step
func (h *Handler) Step(c echo.Context) error {
	var opts domain.StepOptions
	if err := h.bind(c, "", &opts); err != nil {
		return respondError(c, err)
	}
	run, err := h.service.Step(c.Request().Context(), c.Param("run_id"), opts)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, run)
}

// RunUntilConverged steps until convergence, the step budget or a pause.
// POST /v1/runs/:run_id/run-until-converged
func (h *Handler) RunUntilConverged(c echo.Context) error {
	var opts domain.RunUntilOptions
	if err := h.bind(c, "", &opts); err != nil {
		return respondError(c, err)
	}
	run, err := h.service.RunUntilConverged(c.Request().Context(), c.Param("run_id"), opts)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, run)
}

// PostFeedback stores reviewer guidance and optionally resumes the run.
// POST /v1/runs/:run_id/feedback
func (h *Handler) PostFeedback(c echo.Context) error {
	var fb domain.RunFeedback
	if err := h.bind(c, "", &fb); err != nil {
		return respondError(c, err)
	}
	run, err := h.service.PostFeedback(c.Request().Context(), c.Param("run_id"), fb)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, run)
}

// POST /v1/runs/:run_id/abort
func (h *Handler) AbortRun(c echo.Context) error {
	var req domain.AbortRequest
	if err := h.bind(c, "", &req); err != nil {
		return respondError(c, err)
	}
	run, err := h.service.AbortRun(c.Request().Context(), c.Param("run_id"), req)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, run)
}

type refreshContextRequest struct {
	SeedContext json.RawMessage `json:"seed_context"`
	Actor       string          `json:"actor,omitempty"`
}

// RefreshRunContext replaces the context snapshot of a run.
// POST /v1/runs/:run_id/context
func (h *Handler) RefreshRunContext(c echo.Context) error {
	var req refreshContextRequest
	if err := h.bind(c, "", &req); err != nil {
		return respondError(c, err)
	}
	run, err := h.service.RefreshRunContext(c.Request().Context(), c.Param("run_id"), req.SeedContext, req.Actor)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, run)
}

// GET /v1/runs/:run_id/turns
func (h *Handler) ListTurns(c echo.Context) error {
	p, err := page(c)
	if err != nil {
		return respondError(c, err)
	}
	turns, err := h.service.ListTurns(c.Request().Context(), c.Param("run_id"), p)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"turns": turns})
}

// GET /v1/runs/:run_id/outcomes
func (h *Handler) ListOutcomes(c echo.Context) error {
	outcomes, err := h.service.ListOutcomes(c.Request().Context(), c.Param("run_id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"outcomes": outcomes})
}

// GET /v1/runs/:run_id/outcomes/summary
func (h *Handler) SummarizeRunOutcomes(c echo.Context) error {
	summary, err := h.service.SummarizeRunOutcomes(c.Request().Context(), c.Param("run_id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, summary)
}

// GET /v1/runs/:run_id/metrics
func (h *Handler) ComputeRunMetrics(c echo.Context) error {
	m, err := h.service.ComputeRunMetrics(c.Request().Context(), c.Param("run_id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, m)
}

// POST /v1/runs/:run_id/narrative
func (h *Handler) GenerateRunNarrative(c echo.Context) error {
	narrative, err := h.service.GenerateRunNarrative(c.Request().Context(), c.Param("run_id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, narrative)
}
