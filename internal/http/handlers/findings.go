package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v5"

	"github.com/whoismuhd/S3NTRACS/internal/scan"
	"github.com/whoismuhd/S3NTRACS/internal/store"
)

// HandleFindingList returns one page of the tenant's findings, filtered by
// severity, category, and remediation status.
func (h *Handlers) HandleFindingList(c *echo.Context) error {
	tenantID, ok := tenantIDParam(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, apiError{Error: "invalid tenant id"})
	}
	ctx := c.Request().Context()
	if _, err := h.Store.Tenant(ctx, tenantID); err != nil {
		if errors.Is(err, scan.ErrTenantNotFound) {
			return renderNotFound(c, "tenant")
		}
		return h.RenderError(c, err)
	}

	filter, err := findingFilterFromQuery(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, apiError{Error: err.Error()})
	}

	findings, total, err := h.Store.ListFindings(ctx, tenantID, filter)
	if err != nil {
		return h.RenderError(c, err)
	}
	if findings == nil {
		findings = []scan.Finding{}
	}

	return c.JSON(http.StatusOK, map[string]any{
		"findings":    findings,
		"total_count": total,
		"page":        filter.Page,
		"page_size":   filter.PageSize,
	})
}

type findingStatusRequest struct {
	Status string     `json:"status"`
	Actor  *uuid.UUID `json:"actor,omitempty"`
}

// HandleFindingStatus applies a manual remediation status change. Only
// open, marked_fixed, and false_positive may be requested; verified_fixed
// is reserved for the reconciler.
func (h *Handlers) HandleFindingStatus(c *echo.Context) error {
	tenantID, ok := tenantIDParam(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, apiError{Error: "invalid tenant id"})
	}
	findingID, err := uuid.Parse(c.Param("findingID"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, apiError{Error: "invalid finding id"})
	}

	var req findingStatusRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, apiError{Error: "invalid request body"})
	}

	status := scan.RemediationStatus(strings.ToLower(strings.TrimSpace(req.Status)))
	switch status {
	case scan.RemediationOpen, scan.RemediationMarkedFixed, scan.RemediationFalsePositive:
	default:
		return c.JSON(http.StatusBadRequest, apiError{Error: "status must be one of open, marked_fixed, false_positive"})
	}

	finding, err := h.Store.UpdateFindingStatus(c.Request().Context(), tenantID, findingID, status, req.Actor)
	switch {
	case errors.Is(err, store.ErrFindingNotFound):
		return renderNotFound(c, "finding")
	case err != nil:
		return h.RenderError(c, err)
	}

	return c.JSON(http.StatusOK, finding)
}

func findingFilterFromQuery(c *echo.Context) (store.FindingFilter, error) {
	var filter store.FindingFilter

	if raw := strings.ToUpper(strings.TrimSpace(c.QueryParam("severity"))); raw != "" {
		severity := scan.Severity(raw)
		if !severity.Valid() {
			return filter, errors.New("unknown severity")
		}
		filter.Severity = severity
	}
	filter.Category = strings.ToUpper(strings.TrimSpace(c.QueryParam("category")))
	if raw := strings.ToLower(strings.TrimSpace(c.QueryParam("status"))); raw != "" {
		switch status := scan.RemediationStatus(raw); status {
		case scan.RemediationOpen, scan.RemediationMarkedFixed,
			scan.RemediationVerifiedFixed, scan.RemediationFalsePositive:
			filter.Status = status
		default:
			return filter, errors.New("unknown remediation status")
		}
	}

	filter.Page = 1
	if raw := strings.TrimSpace(c.QueryParam("page")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			filter.Page = parsed
		}
	}
	filter.PageSize = 50
	if raw := strings.TrimSpace(c.QueryParam("page_size")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 200 {
			filter.PageSize = parsed
		}
	}
	return filter, nil
}
