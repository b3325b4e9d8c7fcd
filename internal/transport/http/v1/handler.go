// Package v1 provides the public HTTP handlers of the scenario engine.
package v1

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/scenarios/internal/adapter/generation"
	"github.com/xiaot623/gogo/scenarios/internal/domain"
	"github.com/xiaot623/gogo/scenarios/internal/schema"
	"github.com/xiaot623/gogo/scenarios/internal/service"
)

// Handler handles HTTP requests.
type Handler struct {
	service   *service.Service
	validator *schema.Validator
}

// NewHandler creates a new handler. A nil validator skips schema checks and
// leaves validation to the service.
func NewHandler(service *service.Service, validator *schema.Validator) *Handler {
	return &Handler{
		service:   service,
		validator: validator,
	}
}

// RegisterRoutes registers the public routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	v1 := e.Group("/v1")

	// Simulations and agents
	v1.POST("/simulations", h.CreateSimulation)
	v1.GET("/simulations", h.ListSimulations)
	v1.GET("/simulations/:simulation_id", h.GetSimulation)
	v1.PATCH("/simulations/:simulation_id", h.UpdateSimulation)
	v1.POST("/simulations/:simulation_id/archive", h.ArchiveSimulation)
	v1.POST("/simulations/:simulation_id/agents", h.DefineAgent)
	v1.GET("/simulations/:simulation_id/agents", h.ListAgents)
	v1.POST("/simulations/:simulation_id/agents/:agent_key/active", h.SetAgentActive)

	// Runs
	v1.POST("/simulations/:simulation_id/runs", h.StartRun)
	v1.GET("/simulations/:simulation_id/runs", h.ListRuns)
	v1.GET("/runs/:run_id", h.GetRun)
	v1.POST("/runs/:run_id/step", h.Step)
	v1.POST("/runs/:run_id/run-until-converged", h.RunUntilConverged)
	v1.POST("/runs/:run_id/feedback", h.PostFeedback)
	v1.POST("/runs/:run_id/abort", h.AbortRun)
	v1.POST("/runs/:run_id/context", h.RefreshRunContext)
	v1.GET("/runs/:run_id/turns", h.ListTurns)
	v1.GET("/runs/:run_id/outcomes", h.ListOutcomes)
	v1.GET("/runs/:run_id/outcomes/summary", h.SummarizeRunOutcomes)
	v1.GET("/runs/:run_id/metrics", h.ComputeRunMetrics)
	v1.POST("/runs/:run_id/narrative", h.GenerateRunNarrative)

	// Suites
	v1.POST("/suites", h.CreateSuite)
	v1.GET("/suites", h.ListSuites)
	v1.GET("/suites/:suite_id", h.GetSuite)
	v1.PATCH("/suites/:suite_id", h.UpdateSuite)
	v1.POST("/suites/:suite_id/archive", h.ArchiveSuite)
	v1.POST("/suites/:suite_id/items", h.AddSuiteItem)
	v1.GET("/suites/:suite_id/items", h.ListSuiteItems)
	v1.GET("/suites/:suite_id/stats", h.SuiteStats)

	// Suite runs
	v1.POST("/suites/:suite_id/runs", h.StartSuiteRun)
	v1.GET("/suites/:suite_id/runs", h.ListSuiteRuns)
	v1.GET("/suite_runs/:suite_run_id", h.GetSuiteRun)
	v1.GET("/suite_runs/:suite_run_id/items", h.ListSuiteRunItems)
	v1.POST("/suite_runs/:suite_run_id/advance", h.Advance)
	v1.POST("/suite_runs/:suite_run_id/abort", h.AbortSuiteRun)
	v1.GET("/suite_runs/:suite_run_id/metrics", h.ComputeSuiteRunMetrics)
	v1.GET("/suite_runs/:suite_run_id/outcomes/summary", h.SummarizeSuiteRunOutcomes)
	v1.GET("/suite_runs/:suite_run_id/risk-map", h.GenerateRiskMap)
	v1.POST("/suite_runs/:suite_run_id/narrative", h.GenerateSuiteRunNarrative)

	// Audit
	v1.GET("/audit_logs/:entity_type/:entity_id", h.ListAuditLogs)

	e.GET("/health", h.Health)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	if err := h.service.Ping(c.Request().Context()); err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  err.Error(),
		})
	}
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": "0.1.0",
	})
}

// bind validates the raw body against the named schema, then decodes it into
// dst. An empty body leaves dst untouched.
func (h *Handler) bind(c echo.Context, schemaName string, dst any) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return domain.NewValidationError("", "cannot read request body")
	}
	if h.validator != nil && schemaName != "" {
		if err := h.validator.Validate(schemaName, body); err != nil {
			return err
		}
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return domain.NewValidationError("", "invalid request body")
	}
	return nil
}

func page(c echo.Context) (domain.Page, error) {
	var p domain.Page
	err := echo.QueryParamsBinder(c).
		Int("limit", &p.Limit).
		Int("offset", &p.Offset).
		BindError()
	if err != nil {
		return p, domain.NewValidationError("limit", "limit and offset must be integers")
	}
	return p, nil
}

// respondError maps domain errors onto HTTP statuses.
func respondError(c echo.Context, err error) error {
	var (
		validation *domain.ValidationError
		condition  *domain.ConditionEvaluationError
		state      *domain.InvalidStateError
		cycle      *domain.DependencyCycleError
		gen        *generation.Error
	)
	switch {
	case errors.As(err, &validation):
		body := map[string]string{"error": validation.Error()}
		if validation.Field != "" {
			body["field"] = validation.Field
		}
		return c.JSON(http.StatusBadRequest, body)
	case errors.As(err, &condition):
		return c.JSON(http.StatusBadRequest, map[string]string{"error": condition.Error()})
	case domain.IsNotFound(err):
		return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.As(err, &state), errors.As(err, &cycle),
		errors.Is(err, domain.ErrBusy), errors.Is(err, domain.ErrVersionConflict), errors.Is(err, domain.ErrStale):
		return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.As(err, &gen):
		return c.JSON(http.StatusBadGateway, map[string]string{"error": gen.Error(), "kind": string(gen.Kind)})
	}
	slog.ErrorContext(c.Request().Context(), "request failed", "method", c.Request().Method, "path", c.Path(), "error", err)
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
}
