package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v5"

	"github.com/whoismuhd/S3NTRACS/internal/scan"
)

// HandleScanStart accepts a manual scan request. The scan itself runs in
// the background; the response only acknowledges the pending run.
func (h *Handlers) HandleScanStart(c *echo.Context) error {
	tenantID, ok := tenantIDParam(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, apiError{Error: "invalid tenant id"})
	}

	run, err := h.Scans.StartScanAsync(c.Request().Context(), tenantID, nil)
	switch {
	case errors.Is(err, scan.ErrTenantNotFound):
		return renderNotFound(c, "tenant")
	case errors.Is(err, scan.ErrScanConflict):
		return c.JSON(http.StatusConflict, apiError{Error: "a scan is already in progress for this tenant"})
	case err != nil:
		return h.RenderError(c, err)
	}

	return c.JSON(http.StatusAccepted, map[string]any{
		"scan_run_id": run.ID,
		"status":      run.Status,
	})
}

// HandleScanList returns the tenant's scan runs, newest first.
func (h *Handlers) HandleScanList(c *echo.Context) error {
	tenantID, ok := tenantIDParam(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, apiError{Error: "invalid tenant id"})
	}
	if _, err := h.Store.Tenant(c.Request().Context(), tenantID); err != nil {
		if errors.Is(err, scan.ErrTenantNotFound) {
			return renderNotFound(c, "tenant")
		}
		return h.RenderError(c, err)
	}

	limit := 0
	if raw := strings.TrimSpace(c.QueryParam("limit")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	runs, err := h.Store.ListRuns(c.Request().Context(), tenantID, limit)
	if err != nil {
		return h.RenderError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"scans": runs})
}

// HandleScanLatest returns the most recent finished run. The summary is
// recomputed from the findings the run last saw rather than trusting the
// stored copy, so status changes made after the run are reflected.
func (h *Handlers) HandleScanLatest(c *echo.Context) error {
	tenantID, ok := tenantIDParam(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, apiError{Error: "invalid tenant id"})
	}
	ctx := c.Request().Context()

	tenant, err := h.Store.Tenant(ctx, tenantID)
	if err != nil {
		if errors.Is(err, scan.ErrTenantNotFound) {
			return renderNotFound(c, "tenant")
		}
		return h.RenderError(c, err)
	}

	run, err := h.Store.LatestRun(ctx, tenantID)
	if err != nil {
		if errors.Is(err, scan.ErrRunNotFound) {
			return renderNotFound(c, "scan run")
		}
		return h.RenderError(c, err)
	}

	if run.Status == scan.RunCompleted {
		findings, err := h.Store.FindingsSeenByRun(ctx, run.ID)
		if err != nil {
			return h.RenderError(c, err)
		}
		summary := scan.Summarize(findings, h.enabledCategories(tenant))
		run.Summary = &summary
	}

	return c.JSON(http.StatusOK, run)
}

// HandleScanProgress streams run snapshots for the tenant as server-sent
// events until the client disconnects.
func (h *Handlers) HandleScanProgress(c *echo.Context) error {
	tenantID, ok := tenantIDParam(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, apiError{Error: "invalid tenant id"})
	}
	if _, err := h.Store.Tenant(c.Request().Context(), tenantID); err != nil {
		if errors.Is(err, scan.ErrTenantNotFound) {
			return renderNotFound(c, "tenant")
		}
		return h.RenderError(c, err)
	}

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	if err := rc.Flush(); err != nil {
		return err
	}

	snapshots, cancel := h.Progress.Subscribe(tenantID)
	defer cancel()

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case snap, open := <-snapshots:
			if !open {
				return nil
			}
			payload, err := json.Marshal(snap)
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintf(w, "event: scan-progress\ndata: %s\n\n", payload); err != nil {
				return nil
			}
			if err := rc.Flush(); err != nil {
				return nil
			}
		}
	}
}
