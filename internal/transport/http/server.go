// Package http provides the HTTP servers of the scenario engine.
package http

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/xiaot623/gogo/scenarios/internal/schema"
	"github.com/xiaot623/gogo/scenarios/internal/service"
	"github.com/xiaot623/gogo/scenarios/internal/transport/http/internalapi"
	v1 "github.com/xiaot623/gogo/scenarios/internal/transport/http/v1"
)

// NewExternalServer creates and configures the public HTTP server.
// This server handles authoring, runs, suite runs and derived reads.
func NewExternalServer(svc *service.Service, validator *schema.Validator) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(middleware.BodyLimit("2M"))

	v1.NewHandler(svc, validator).RegisterRoutes(e)

	return e
}

// NewInternalServer creates and configures the internal HTTP server used by
// operators and external schedulers.
func NewInternalServer(svc *service.Service, sweepBatch int) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	internalapi.NewHandler(svc, sweepBatch).RegisterRoutes(e)

	return e
}
