package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v5"

	"github.com/whoismuhd/S3NTRACS/internal/checks"
	"github.com/whoismuhd/S3NTRACS/internal/scan"
	"github.com/whoismuhd/S3NTRACS/internal/store"
)

type stubStore struct {
	tenant    scan.Tenant
	tenantErr error

	runs      []scan.Run
	lastLimit int

	latest    scan.Run
	latestErr error

	seen    []scan.Finding
	seenErr error

	findings   []scan.Finding
	total      int
	lastFilter store.FindingFilter

	updated    scan.Finding
	updateErr  error
	lastStatus scan.RemediationStatus
}

func (s *stubStore) Tenant(ctx context.Context, id uuid.UUID) (scan.Tenant, error) {
	if s.tenantErr != nil {
		return scan.Tenant{}, s.tenantErr
	}
	return s.tenant, nil
}

func (s *stubStore) ListRuns(ctx context.Context, tenantID uuid.UUID, limit int) ([]scan.Run, error) {
	s.lastLimit = limit
	return s.runs, nil
}

func (s *stubStore) LatestRun(ctx context.Context, tenantID uuid.UUID) (scan.Run, error) {
	if s.latestErr != nil {
		return scan.Run{}, s.latestErr
	}
	return s.latest, nil
}

func (s *stubStore) FindingsSeenByRun(ctx context.Context, runID uuid.UUID) ([]scan.Finding, error) {
	if s.seenErr != nil {
		return nil, s.seenErr
	}
	return s.seen, nil
}

func (s *stubStore) ListFindings(ctx context.Context, tenantID uuid.UUID, filter store.FindingFilter) ([]scan.Finding, int, error) {
	s.lastFilter = filter
	return s.findings, s.total, nil
}

func (s *stubStore) UpdateFindingStatus(ctx context.Context, tenantID, findingID uuid.UUID, status scan.RemediationStatus, actor *uuid.UUID) (scan.Finding, error) {
	s.lastStatus = status
	if s.updateErr != nil {
		return scan.Finding{}, s.updateErr
	}
	return s.updated, nil
}

type stubStarter struct {
	run scan.Run
	err error
}

func (s *stubStarter) StartScanAsync(ctx context.Context, tenantID uuid.UUID, meta *scan.RunMetadata) (scan.Run, error) {
	if s.err != nil {
		return scan.Run{}, s.err
	}
	return s.run, nil
}

type stubProgress struct {
	snapshots chan scan.RunSnapshot
}

func (s *stubProgress) Subscribe(tenantID uuid.UUID) (<-chan scan.RunSnapshot, func()) {
	return s.snapshots, func() {}
}

func newTestAPI(h *Handlers) *echo.Echo {
	e := echo.New()
	api := e.Group("/api")
	api.POST("/tenants/:tenantID/scans", h.HandleScanStart)
	api.GET("/tenants/:tenantID/scans", h.HandleScanList)
	api.GET("/tenants/:tenantID/scans/latest", h.HandleScanLatest)
	api.GET("/tenants/:tenantID/scan-progress", h.HandleScanProgress)
	api.GET("/tenants/:tenantID/findings", h.HandleFindingList)
	api.POST("/tenants/:tenantID/findings/:findingID/status", h.HandleFindingStatus)
	return e
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rec.Body.String())
	}
	return body
}

func TestHandleScanStart_Accepted(t *testing.T) {
	t.Parallel()

	tenantID := uuid.New()
	run := scan.Run{ID: uuid.New(), TenantID: tenantID, Status: scan.RunPending}
	h := &Handlers{Scans: &stubStarter{run: run}}
	e := newTestAPI(h)

	req := httptest.NewRequest(http.MethodPost, "/api/tenants/"+tenantID.String()+"/scans", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusAccepted)
	}
	body := decodeBody(t, rec)
	if body["scan_run_id"] != run.ID.String() {
		t.Fatalf("scan_run_id = %v, want %v", body["scan_run_id"], run.ID)
	}
	if body["status"] != string(scan.RunPending) {
		t.Fatalf("status = %v, want %v", body["status"], scan.RunPending)
	}
}

func TestHandleScanStart_Conflict(t *testing.T) {
	t.Parallel()

	h := &Handlers{Scans: &stubStarter{err: scan.ErrScanConflict}}
	e := newTestAPI(h)

	req := httptest.NewRequest(http.MethodPost, "/api/tenants/"+uuid.NewString()+"/scans", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusConflict)
	}
}

func TestHandleScanStart_UnknownTenant(t *testing.T) {
	t.Parallel()

	h := &Handlers{Scans: &stubStarter{err: scan.ErrTenantNotFound}}
	e := newTestAPI(h)

	req := httptest.NewRequest(http.MethodPost, "/api/tenants/"+uuid.NewString()+"/scans", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestHandleScanStart_MalformedTenantID(t *testing.T) {
	t.Parallel()

	h := &Handlers{Scans: &stubStarter{}}
	e := newTestAPI(h)

	req := httptest.NewRequest(http.MethodPost, "/api/tenants/not-a-uuid/scans", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestHandleScanList_PassesLimit(t *testing.T) {
	t.Parallel()

	st := &stubStore{runs: []scan.Run{{ID: uuid.New()}, {ID: uuid.New()}}}
	h := &Handlers{Store: st}
	e := newTestAPI(h)

	req := httptest.NewRequest(http.MethodGet, "/api/tenants/"+uuid.NewString()+"/scans?limit=5", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if st.lastLimit != 5 {
		t.Fatalf("limit = %d, want 5", st.lastLimit)
	}
	body := decodeBody(t, rec)
	scans, ok := body["scans"].([]any)
	if !ok || len(scans) != 2 {
		t.Fatalf("scans = %v, want 2 entries", body["scans"])
	}
}

func TestHandleScanLatest_RecomputesSummary(t *testing.T) {
	t.Parallel()

	tenantID := uuid.New()
	runID := uuid.New()
	stale := scan.NewSummary()
	stale.Total = 99

	st := &stubStore{
		tenant: scan.Tenant{ID: tenantID, EnabledChecks: []string{"IAM", "S3"}},
		latest: scan.Run{ID: runID, TenantID: tenantID, Status: scan.RunCompleted, Summary: &stale},
		seen: []scan.Finding{
			{Category: "IAM", Severity: scan.SeverityHigh, Status: scan.RemediationOpen},
			{Category: "S3", Severity: scan.SeverityMedium, Status: scan.RemediationVerifiedFixed, VerifiedFixedAt: timePtr(time.Now())},
		},
	}
	h := &Handlers{Store: st, Checks: checks.NewRegistry()}
	e := newTestAPI(h)

	req := httptest.NewRequest(http.MethodGet, "/api/tenants/"+tenantID.String()+"/scans/latest", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	body := decodeBody(t, rec)
	summary, ok := body["summary"].(map[string]any)
	if !ok {
		t.Fatalf("summary missing in response: %v", body)
	}
	if got := summary["total_findings"].(float64); got != 2 {
		t.Fatalf("total_findings = %v, want 2 (stored summary must be ignored)", got)
	}
}

func TestHandleScanLatest_EnabledChecksCaseInsensitive(t *testing.T) {
	t.Parallel()

	tenantID := uuid.New()
	runID := uuid.New()
	seen := []scan.Finding{
		{Category: "IAM", Severity: scan.SeverityHigh, Status: scan.RemediationOpen},
		{Category: "S3", Severity: scan.SeverityMedium, Status: scan.RemediationOpen},
	}

	tests := []struct {
		name    string
		enabled []string
		want    float64
	}{
		{name: "lowercase names", enabled: []string{"iam", "s3"}, want: 2},
		{name: "invalid list falls back to defaults", enabled: []string{"bogus"}, want: 2},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			st := &stubStore{
				tenant: scan.Tenant{ID: tenantID, EnabledChecks: tc.enabled},
				latest: scan.Run{ID: runID, TenantID: tenantID, Status: scan.RunCompleted},
				seen:   seen,
			}
			h := &Handlers{Store: st, Checks: checks.NewRegistry()}
			e := newTestAPI(h)

			req := httptest.NewRequest(http.MethodGet, "/api/tenants/"+tenantID.String()+"/scans/latest", nil)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
			}
			body := decodeBody(t, rec)
			summary, ok := body["summary"].(map[string]any)
			if !ok {
				t.Fatalf("summary missing in response: %v", body)
			}
			if got := summary["total_findings"].(float64); got != tc.want {
				t.Fatalf("total_findings = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestHandleScanLatest_NoRuns(t *testing.T) {
	t.Parallel()

	st := &stubStore{latestErr: scan.ErrRunNotFound}
	h := &Handlers{Store: st}
	e := newTestAPI(h)

	req := httptest.NewRequest(http.MethodGet, "/api/tenants/"+uuid.NewString()+"/scans/latest", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestHandleScanLatest_FailedRunKeepsFailure(t *testing.T) {
	t.Parallel()

	tenantID := uuid.New()
	st := &stubStore{
		tenant: scan.Tenant{ID: tenantID},
		latest: scan.Run{
			ID:       uuid.New(),
			TenantID: tenantID,
			Status:   scan.RunFailed,
			Failure:  &scan.RunFailure{Error: "assume role denied", ErrorKind: "credential"},
		},
	}
	h := &Handlers{Store: st}
	e := newTestAPI(h)

	req := httptest.NewRequest(http.MethodGet, "/api/tenants/"+tenantID.String()+"/scans/latest", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	body := decodeBody(t, rec)
	failure, ok := body["failure"].(map[string]any)
	if !ok {
		t.Fatalf("failure missing in response: %v", body)
	}
	if failure["error_kind"] != "credential" {
		t.Fatalf("error_kind = %v, want credential", failure["error_kind"])
	}
}

func TestHandleScanProgress_StreamsSnapshots(t *testing.T) {
	t.Parallel()

	tenantID := uuid.New()
	runID := uuid.New()

	snapshots := make(chan scan.RunSnapshot, 2)
	snapshots <- scan.RunSnapshot{RunID: runID, TenantID: tenantID, Status: scan.RunRunning}
	snapshots <- scan.RunSnapshot{RunID: runID, TenantID: tenantID, Status: scan.RunCompleted}
	close(snapshots)

	h := &Handlers{
		Store:    &stubStore{tenant: scan.Tenant{ID: tenantID}},
		Progress: &stubProgress{snapshots: snapshots},
	}
	e := newTestAPI(h)

	req := httptest.NewRequest(http.MethodGet, "/api/tenants/"+tenantID.String()+"/scan-progress", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if got := rec.Header().Get("Content-Type"); !strings.HasPrefix(got, "text/event-stream") {
		t.Fatalf("Content-Type = %q, want text/event-stream", got)
	}
	body := rec.Body.String()
	if count := strings.Count(body, "event: scan-progress"); count != 2 {
		t.Fatalf("event count = %d, want 2 (body %q)", count, body)
	}
	if !strings.Contains(body, runID.String()) {
		t.Fatalf("body missing run id: %q", body)
	}
	if !strings.Contains(body, string(scan.RunCompleted)) {
		t.Fatalf("body missing terminal status: %q", body)
	}
}

func timePtr(t time.Time) *time.Time { return &t }
