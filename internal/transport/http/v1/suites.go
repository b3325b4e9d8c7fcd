package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/scenarios/internal/domain"
	"github.com/xiaot623/gogo/scenarios/internal/schema"
)

// CreateSuite authors a suite.
// POST /v1/suites
func (h *Handler) CreateSuite(c echo.Context) error {
	var req domain.CreateSuiteRequest
	if err := h.bind(c, schema.CreateSuite, &req); err != nil {
		return respondError(c, err)
	}
	suite, err := h.service.CreateSuite(c.Request().Context(), req)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, suite)
}

// GET /v1/suites?org_id=
func (h *Handler) ListSuites(c echo.Context) error {
	p, err := page(c)
	if err != nil {
		return respondError(c, err)
	}
	suites, err := h.service.ListSuites(c.Request().Context(), c.QueryParam("org_id"), p)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"suites": suites})
}

// GET /v1/suites/:suite_id
func (h *Handler) GetSuite(c echo.Context) error {
	suite, err := h.service.GetSuite(c.Request().Context(), c.Param("suite_id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, suite)
}

// PATCH /v1/suites/:suite_id
func (h *Handler) UpdateSuite(c echo.Context) error {
	var req domain.UpdateSuiteRequest
	if err := h.bind(c, "", &req); err != nil {
		return respondError(c, err)
	}
	if req.Config != nil && h.validator != nil {
		if err := h.validator.ValidateValue(schema.SuiteConfig, req.Config); err != nil {
			return respondError(c, err)
		}
	}
	suite, err := h.service.UpdateSuite(c.Request().Context(), c.Param("suite_id"), req)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, suite)
}

// POST /v1/suites/:suite_id/archive
func (h *Handler) ArchiveSuite(c echo.Context) error {
	var req actorRequest
	if err := h.bind(c, "", &req); err != nil {
		return respondError(c, err)
	}
	suite, err := h.service.ArchiveSuite(c.Request().Context(), c.Param("suite_id"), req.Actor)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, suite)
}

// AddSuiteItem appends an item to the suite graph.
// POST /v1/suites/:suite_id/items
func (h *Handler) AddSuiteItem(c echo.Context) error {
	var req domain.AddSuiteItemRequest
	if err := h.bind(c, schema.AddSuiteItem, &req); err != nil {
		return respondError(c, err)
	}
	item, err := h.service.AddSuiteItem(c.Request().Context(), c.Param("suite_id"), req)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, item)
}

// GET /v1/suites/:suite_id/items
func (h *Handler) ListSuiteItems(c echo.Context) error {
	items, err := h.service.ListSuiteItems(c.Request().Context(), c.Param("suite_id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"items": items})
}

// GET /v1/suites/:suite_id/stats
func (h *Handler) SuiteStats(c echo.Context) error {
	stats, err := h.service.SuiteStats(c.Request().Context(), c.Param("suite_id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, stats)
}
