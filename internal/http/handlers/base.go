// Package handlers contains HTTP handler logic split by domain.
package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v5"

	"github.com/whoismuhd/S3NTRACS/internal/config"
	"github.com/whoismuhd/S3NTRACS/internal/scan"
	"github.com/whoismuhd/S3NTRACS/internal/store"
)

// InternalErrorCode is a stable error code safe to return to clients.
const InternalErrorCode = "INTERNAL_ERROR"

// Store is the persistence surface the handlers read from and write to.
type Store interface {
	Tenant(ctx context.Context, id uuid.UUID) (scan.Tenant, error)
	ListRuns(ctx context.Context, tenantID uuid.UUID, limit int) ([]scan.Run, error)
	LatestRun(ctx context.Context, tenantID uuid.UUID) (scan.Run, error)
	FindingsSeenByRun(ctx context.Context, runID uuid.UUID) ([]scan.Finding, error)
	ListFindings(ctx context.Context, tenantID uuid.UUID, filter store.FindingFilter) ([]scan.Finding, int, error)
	UpdateFindingStatus(ctx context.Context, tenantID, findingID uuid.UUID, status scan.RemediationStatus, actor *uuid.UUID) (scan.Finding, error)
}

// ScanStarter is the interface for triggering scans.
type ScanStarter interface {
	StartScanAsync(ctx context.Context, tenantID uuid.UUID, meta *scan.RunMetadata) (scan.Run, error)
}

// ProgressSource streams run snapshots for a tenant's live scan progress.
type ProgressSource interface {
	Subscribe(tenantID uuid.UUID) (<-chan scan.RunSnapshot, func())
}

// Handlers groups all HTTP handlers and shared dependencies.
type Handlers struct {
	Cfg      config.Config
	Store    Store
	Scans    ScanStarter
	Progress ProgressSource
	Checks   scan.CheckResolver
}

// enabledCategories resolves the tenant's enabled_checks through the same
// registry the scan itself uses, so the recomputed aggregate filters on
// the canonical category names a run would have produced. Without this, a
// lowercase or invalid enabled list would zero out the recomputed summary
// while the completion-time summary counted findings.
func (h *Handlers) enabledCategories(tenant scan.Tenant) []string {
	if h.Checks == nil {
		return tenant.EnabledChecks
	}
	resolved := h.Checks.Resolve(tenant.EnabledChecks)
	categories := make([]string, 0, len(resolved))
	for _, c := range resolved {
		categories = append(categories, c.Name())
	}
	return categories
}

type apiError struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// HandleHealthz responds to liveness probes.
func HandleHealthz(c *echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

// RenderError logs the error with request context and returns a generic
// response. Internal details never reach the client.
func (h *Handlers) RenderError(c *echo.Context, err error) error {
	requestID := c.Response().Header().Get(echo.HeaderXRequestID)
	path := ""
	if req := c.Request(); req != nil && req.URL != nil {
		path = req.URL.Path
	}
	method := ""
	if req := c.Request(); req != nil {
		method = req.Method
	}
	slog.Error("http error",
		"request_id", requestID,
		"method", method,
		"path", path,
		"ip", c.RealIP(),
		"error", err,
	)
	return c.JSON(http.StatusInternalServerError, apiError{
		Error: "internal server error",
		Code:  InternalErrorCode,
	})
}

func renderNotFound(c *echo.Context, what string) error {
	return c.JSON(http.StatusNotFound, apiError{Error: what + " not found"})
}

func tenantIDParam(c *echo.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("tenantID"))
	return id, err == nil
}
