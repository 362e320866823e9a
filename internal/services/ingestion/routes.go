package ingestion

import "github.com/labstack/echo/v4"

// RegisterRoutes registers the ingestion service routes.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", h.HandleHealth)

	api := e.Group("/api/v1")
	api.POST("/fhir/:resourceType", h.HandleSubmit)
	api.POST("/callbacks/upstream", h.HandleUpstreamCallback)
}
