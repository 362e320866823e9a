package query

import "github.com/labstack/echo/v4"

// RegisterRoutes registers query service routes.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", h.HandleHealth)

	api := e.Group("/api/v1")
	api.GET("/records/:resourceType/:id", h.HandleGetRecord)
	api.GET("/status-events/:transactionId", h.HandleGetStatusEvent)
	api.GET("/tenants/:clientId/status", h.HandleGetTenantStatus)
}
