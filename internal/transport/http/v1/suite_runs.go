package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/scenarios/internal/domain"
	"github.com/xiaot623/gogo/scenarios/internal/schema"
)

// StartSuiteRun starts a run of every item of a suite.
// POST /v1/suites/:suite_id/runs
func (h *Handler) StartSuiteRun(c echo.Context) error {
	var req domain.StartSuiteRunRequest
	if err := h.bind(c, schema.StartSuiteRun, &req); err != nil {
		return respondError(c, err)
	}
	sr, err := h.service.StartSuiteRun(c.Request().Context(), c.Param("suite_id"), req)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, sr)
}

// GET /v1/suites/:suite_id/runs
func (h *Handler) ListSuiteRuns(c echo.Context) error {
	p, err := page(c)
	if err != nil {
		return respondError(c, err)
	}
	runs, err := h.service.ListSuiteRuns(c.Request().Context(), c.Param("suite_id"), p)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"suite_runs": runs})
}

// GET /v1/suite_runs/:suite_run_id
func (h *Handler) GetSuiteRun(c echo.Context) error {
	sr, err := h.service.GetSuiteRun(c.Request().Context(), c.Param("suite_run_id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, sr)
}

// GET /v1/suite_runs/:suite_run_id/items
func (h *Handler) ListSuiteRunItems(c echo.Context) error {
	items, err := h.service.ListSuiteRunItems(c.Request().Context(), c.Param("suite_run_id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"items": items})
}

// Advance runs one scheduling pass over a suite run.
// POST /v1/suite_runs/:suite_run_id/advance
func (h *Handler) Advance(c echo.Context) error {
	var opts domain.AdvanceOptions
	if err := h.bind(c, "", &opts); err != nil {
		return respondError(c, err)
	}
	sr, err := h.service.Advance(c.Request().Context(), c.Param("suite_run_id"), opts)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, sr)
}

// POST /v1/suite_runs/:suite_run_id/abort
func (h *Handler) AbortSuiteRun(c echo.Context) error {
	var req domain.AbortRequest
	if err := h.bind(c, "", &req); err != nil {
		return respondError(c, err)
	}
	sr, err := h.service.AbortSuiteRun(c.Request().Context(), c.Param("suite_run_id"), req)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, sr)
}

// GET /v1/suite_runs/:suite_run_id/metrics
func (h *Handler) ComputeSuiteRunMetrics(c echo.Context) error {
	m, err := h.service.ComputeSuiteRunMetrics(c.Request().Context(), c.Param("suite_run_id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, m)
}

// GET /v1/suite_runs/:suite_run_id/outcomes/summary
func (h *Handler) SummarizeSuiteRunOutcomes(c echo.Context) error {
	summary, err := h.service.SummarizeSuiteRunOutcomes(c.Request().Context(), c.Param("suite_run_id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, summary)
}

// GET /v1/suite_runs/:suite_run_id/risk-map
func (h *Handler) GenerateRiskMap(c echo.Context) error {
	m, err := h.service.GenerateRiskMap(c.Request().Context(), c.Param("suite_run_id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, m)
}

type narrativeRequest struct {
	Model string `json:"model,omitempty"`
}

// POST /v1/suite_runs/:suite_run_id/narrative
func (h *Handler) GenerateSuiteRunNarrative(c echo.Context) error {
	var req narrativeRequest
	if err := h.bind(c, "", &req); err != nil {
		return respondError(c, err)
	}
	narrative, err := h.service.GenerateSuiteRunNarrative(c.Request().Context(), c.Param("suite_run_id"), req.Model)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, narrative)
}

// ListAuditLogs lists the audit trail of one entity, oldest first.
// GET /v1/audit_logs/:entity_type/:entity_id
func (h *Handler) ListAuditLogs(c echo.Context) error {
	p, err := page(c)
	if err != nil {
		return respondError(c, err)
	}
	entries, err := h.service.ListAuditLogs(c.Request().Context(), domain.EntityType(c.Param("entity_type")), c.Param("entity_id"), p)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"audit_logs": entries})
}
