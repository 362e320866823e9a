package query

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
)

// Handler handles HTTP requests for the query service.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new query HTTP handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{
		service: service,
		logger:  logger.With("handler", "query"),
	}
}

// HandleGetRecord handles GET /api/v1/records/:resourceType/:id
func (h *Handler) HandleGetRecord(c echo.Context) error {
	rec, err := h.service.GetRecord(c.Request().Context(), c.Param("resourceType"), c.Param("id"))
	if err != nil {
		return h.writeServiceError(c, err, "record not found")
	}
	return c.JSON(http.StatusOK, rec)
}

// HandleGetStatusEvent handles GET /api/v1/status-events/:transactionId
func (h *Handler) HandleGetStatusEvent(c echo.Context) error {
	ev, err := h.service.GetStatusEvent(c.Request().Context(), c.Param("transactionId"))
	if err != nil {
		return h.writeServiceError(c, err, "status event not found")
	}
	return c.JSON(http.StatusOK, ev)
}

// HandleGetTenantStatus handles GET /api/v1/tenants/:clientId/status
func (h *Handler) HandleGetTenantStatus(c echo.Context) error {
	status, err := h.service.GetTenantStatus(c.Request().Context(), c.Param("clientId"))
	if err != nil {
		return h.writeServiceError(c, err, "tenant status not found")
	}
	return c.JSON(http.StatusOK, status)
}

// HandleHealth handles GET /health
func (h *Handler) HandleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
}

func (h *Handler) writeServiceError(c echo.Context, err error, notFound string) error {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return h.writeError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound):
		return h.writeError(c, http.StatusNotFound, notFound)
	default:
		return h.writeError(c, http.StatusInternalServerError, "internal server error")
	}
}

func (h *Handler) writeError(c echo.Context, status int, message string) error {
	return c.JSON(status, map[string]string{"error": message})
}
