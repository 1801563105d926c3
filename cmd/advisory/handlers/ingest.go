package handlers

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/meridian/advisory/cmd/advisory/middleware"
	"github.com/meridian/advisory/cmd/advisory/service"
	"github.com/meridian/advisory/common/bootstrap"
)

// IngestHandler handles run and tool-activity event submissions
type IngestHandler struct {
	components    *bootstrap.Components
	ingestService *service.IngestService
}

// NewIngestHandler creates a new ingest handler
func NewIngestHandler(components *bootstrap.Components, ingestService *service.IngestService) *IngestHandler {
	return &IngestHandler{
		components:    components,
		ingestService: ingestService,
	}
}

// StartRun registers a run
// POST /api/v1/runs
func (h *IngestHandler) StartRun(c echo.Context) error {
	ctx := c.Request().Context()

	userID, err := middleware.RequireUserID(c)
	if err != nil {
		return err
	}

	var req service.StartRunRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"success": false,
			"message": "invalid request body",
		})
	}
	req.UserID = userID

	result, err := h.ingestService.StartRun(ctx, &req)
	if err != nil {
		if errors.Is(err, service.ErrAccountMismatch) {
			return c.JSON(http.StatusForbidden, map[string]interface{}{
				"success": false,
				"message": "not authorized for this account",
			})
		}
		h.components.Logger.Error("start_run failed", "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]interface{}{
			"success": false,
			"message": "internal error",
		})
	}

	return c.JSON(http.StatusOK, result)
}

// FinalizeRun moves a run to a terminal status
// POST /api/v1/runs/:id/finalize
func (h *IngestHandler) FinalizeRun(c echo.Context) error {
	ctx := c.Request().Context()

	if _, err := middleware.RequireUserID(c); err != nil {
		return err
	}

	var req service.FinalizeRunRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"success": false,
			"message": "invalid request body",
		})
	}
	req.RunID = c.Param("id")

	result, err := h.ingestService.FinalizeRun(ctx, &req)
	if err != nil {
		h.components.Logger.Error("finalize_run failed", "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]interface{}{
			"success": false,
			"message": "internal error",
		})
	}

	return c.JSON(http.StatusOK, result)
}

// ToolStart records a tool-call start
// POST /api/v1/runs/:id/tools/:key/start
func (h *IngestHandler) ToolStart(c echo.Context) error {
	ctx := c.Request().Context()

	if _, err := middleware.RequireUserID(c); err != nil {
		return err
	}

	var req service.ToolStartRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"success": false,
			"message": "invalid request body",
		})
	}
	req.RunID = c.Param("id")
	req.ToolKey = c.Param("key")

	result, err := h.ingestService.UpsertToolStart(ctx, &req)
	if err != nil {
		h.components.Logger.Error("tool_start failed", "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]interface{}{
			"success": false,
			"message": "internal error",
		})
	}

	return c.JSON(http.StatusOK, result)
}

// ToolComplete records a tool-call completion
// POST /api/v1/runs/:id/tools/:key/complete
func (h *IngestHandler) ToolComplete(c echo.Context) error {
	ctx := c.Request().Context()

	if _, err := middleware.RequireUserID(c); err != nil {
		return err
	}

	var req service.ToolCompleteRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"success": false,
			"message": "invalid request body",
		})
	}
	req.RunID = c.Param("id")
	req.ToolKey = c.Param("key")

	result, err := h.ingestService.UpsertToolComplete(ctx, &req)
	if err != nil {
		h.components.Logger.Error("tool_complete failed", "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]interface{}{
			"success": false,
			"message": "internal error",
		})
	}

	return c.JSON(http.StatusOK, result)
}

// Cleanup triggers an orphan sweep
// POST /api/v1/admin/cleanup
func (h *IngestHandler) Cleanup(c echo.Context) error {
	ctx := c.Request().Context()

	result, err := h.ingestService.CleanupOrphaned(ctx)
	if err != nil {
		h.components.Logger.Error("cleanup failed", "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]interface{}{
			"success": false,
			"message": "internal error",
		})
	}

	return c.JSON(http.StatusOK, result)
}
