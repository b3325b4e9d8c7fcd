package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/scenarios/internal/domain"
	"github.com/xiaot623/gogo/scenarios/internal/schema"
)

// actorRequest carries the acting user for body-less state changes.
type actorRequest struct {
	Actor string `json:"actor,omitempty"`
}

// CreateSimulation authors a simulation.
// POST /v1/simulations
func (h *Handler) CreateSimulation(c echo.Context) error {
	var req domain.CreateSimulationRequest
	if err := h.bind(c, schema.CreateSimulation, &req); err != nil {
		return respondError(c, err)
	}
	sim, err := h.service.CreateSimulation(c.Request().Context(), req)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, sim)
}

// ListSimulations lists the simulations of an organization.
// GET /v1/simulations?org_id=
func (h *Handler) ListSimulations(c echo.Context) error {
	p, err := page(c)
	if err != nil {
		return respondError(c, err)
	}
	sims, err := h.service.ListSimulations(c.Request().Context(), c.QueryParam("org_id"), p)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"simulations": sims})
}

// GET /v1/simulations/:simulation_id
func (h *Handler) GetSimulation(c echo.Context) error {
	sim, err := h.service.GetSimulation(c.Request().Context(), c.Param("simulation_id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, sim)
}

// UpdateSimulation patches name, description or config.
// PATCH /v1/simulations/:simulation_id
func (h *Handler) UpdateSimulation(c echo.Context) error {
	var req domain.UpdateSimulationRequest
	if err := h.bind(c, "", &req); err != nil {
		return respondError(c, err)
	}
	if req.Config != nil && h.validator != nil {
		if err := h.validator.ValidateValue(schema.SimulationConfig, req.Config); err != nil {
			return respondError(c, err)
		}
	}
	sim, err := h.service.UpdateSimulation(c.Request().Context(), c.Param("simulation_id"), req)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, sim)
}

// POST /v1/simulations/:simulation_id/archive
func (h *Handler) ArchiveSimulation(c echo.Context) error {
	var req actorRequest
	if err := h.bind(c, "", &req); err != nil {
		return respondError(c, err)
	}
	sim, err := h.service.ArchiveSimulation(c.Request().Context(), c.Param("simulation_id"), req.Actor)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, sim)
}

// DefineAgent adds an agent to a simulation.
// POST /v1/simulations/:simulation_id/agents
func (h *Handler) DefineAgent(c echo.Context) error {
	var req domain.DefineAgentRequest
	if err := h.bind(c, schema.DefineAgent, &req); err != nil {
		return respondError(c, err)
	}
	agent, err := h.service.DefineAgent(c.Request().Context(), c.Param("simulation_id"), req)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, agent)
}

// GET /v1/simulations/:simulation_id/agents
func (h *Handler) ListAgents(c echo.Context) error {
	agents, err := h.service.ListAgents(c.Request().Context(), c.Param("simulation_id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"agents": agents})
}

// setActiveRequest toggles an agent.
type setActiveRequest struct {
	IsActive *bool  `json:"is_active"`
	Actor    string `json:"actor,omitempty"`
}

// SetAgentActive toggles an agent in or out of the rotation.
// POST /v1/simulations/:simulation_id/agents/:agent_key/active
func (h *Handler) SetAgentActive(c echo.Context) error {
	var req setActiveRequest
	if err := h.bind(c, "", &req); err != nil {
		return respondError(c, err)
	}
	if req.IsActive == nil {
		return respondError(c, domain.NewValidationError("is_active", "is required"))
	}
	agent, err := h.service.SetAgentActive(c.Request().Context(), c.Param("simulation_id"), c.Param("agent_key"), *req.IsActive, req.Actor)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, agent)
}
