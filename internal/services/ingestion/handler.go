package ingestion

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/cornjacket/ses-transmitter/internal/shared/domain/events"
)

// Request headers set by the EMR.
const (
	HeaderClientID      = "X-Client-Id"
	HeaderFacilityID    = "X-Facility-Id"
	HeaderCallbackURL   = "X-Emr-Callback-Url"
	HeaderCorrelationID = "X-Correlation-Id"
)

// Handler handles HTTP requests for the ingestion service.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new ingestion HTTP handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{
		service: service,
		logger:  logger.With("handler", "ingestion"),
	}
}

// HandleSubmit handles POST /api/v1/fhir/:resourceType
func (h *Handler) HandleSubmit(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return h.writeError(c, http.StatusBadRequest, "failed to read body: "+err.Error())
	}

	header := c.Request().Header
	resp, err := h.service.Submit(c.Request().Context(), &SubmitRequest{
		ResourceType:  c.Param("resourceType"),
		ResourceID:    c.QueryParam("resourceId"),
		Operation:     c.QueryParam("operation"),
		ClientID:      header.Get(HeaderClientID),
		FacilityID:    header.Get(HeaderFacilityID),
		CallbackURL:   header.Get(HeaderCallbackURL),
		CorrelationID: header.Get(HeaderCorrelationID),
		Payload:       body,
	})
	if err != nil {
		if errors.Is(err, ErrInvalidRequest) {
			return h.writeError(c, http.StatusBadRequest, err.Error())
		}
		return h.writeError(c, http.StatusInternalServerError, "failed to stage record")
	}

	return c.JSON(http.StatusAccepted, resp)
}

// HandleUpstreamCallback handles POST /api/v1/callbacks/upstream
func (h *Handler) HandleUpstreamCallback(c echo.Context) error {
	var req CallbackRequest
	if err := c.Bind(&req); err != nil {
		return h.writeError(c, http.StatusBadRequest, "invalid JSON")
	}

	ev, err := h.service.ReceiveCallback(c.Request().Context(), &req)
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, map[string]string{
			"transactionId": ev.TransactionID,
			"status":        string(ev.Status),
		})
	case errors.Is(err, ErrInvalidRequest):
		return h.writeError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, events.ErrNotFound):
		return h.writeError(c, http.StatusNotFound, "unknown transaction")
	default:
		return h.writeError(c, http.StatusInternalServerError, "failed to record callback")
	}
}

// HandleHealth handles GET /health
func (h *Handler) HandleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
}

func (h *Handler) writeError(c echo.Context, status int, message string) error {
	return c.JSON(status, map[string]string{"error": message})
}
