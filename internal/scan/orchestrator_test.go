package scan

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/whoismuhd/S3NTRACS/internal/credentials"
)

type memStore struct {
	mu      sync.Mutex
	tenants map[uuid.UUID]Tenant
	runs    map[uuid.UUID]Run

	completedRaw        []RawFinding
	completedCategories []string
}

func newMemStore(tenants ...Tenant) *memStore {
	s := &memStore{
		tenants: make(map[uuid.UUID]Tenant),
		runs:    make(map[uuid.UUID]Run),
	}
	for _, t := range tenants {
		s.tenants[t.ID] = t
	}
	return s
}

func (s *memStore) Tenant(ctx context.Context, id uuid.UUID) (Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[id]
	if !ok {
		return Tenant{}, ErrTenantNotFound
	}
	return t, nil
}

func (s *memStore) Run(ctx context.Context, id uuid.UUID) (Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return Run{}, ErrRunNotFound
	}
	return r, nil
}

func (s *memStore) CreatePendingRun(ctx context.Context, tenantID uuid.UUID, meta *RunMetadata) (Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.runs {
		if r.TenantID == tenantID && !r.Status.Terminal() {
			return Run{}, ErrScanConflict
		}
	}
	run := Run{ID: uuid.New(), TenantID: tenantID, Status: RunPending, Metadata: meta}
	s.runs[run.ID] = run
	return run, nil
}

func (s *memStore) MarkRunRunning(ctx context.Context, runID, tenantID uuid.UUID) (Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, r := range s.runs {
		if id != runID && r.TenantID == tenantID && r.Status == RunRunning {
			return Run{}, ErrScanConflict
		}
	}
	run, ok := s.runs[runID]
	if !ok {
		return Run{}, ErrRunNotFound
	}
	now := time.Now()
	run.Status = RunRunning
	run.StartedAt = &now
	s.runs[runID] = run
	return run, nil
}

func (s *memStore) CompleteRun(ctx context.Context, runID, tenantID uuid.UUID, raw []RawFinding, enabledCategories []string) (Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return Run{}, ErrRunNotFound
	}
	s.completedRaw = raw
	s.completedCategories = enabledCategories

	plan := Reconcile(nil, raw)
	summary := plan.Summary(enabledCategories)
	now := time.Now()
	run.Status = RunCompleted
	run.FinishedAt = &now
	run.Summary = &summary
	s.runs[runID] = run
	return run, nil
}

func (s *memStore) FailRun(ctx context.Context, runID uuid.UUID, failure RunFailure) (Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return Run{}, ErrRunNotFound
	}
	now := time.Now()
	run.Status = RunFailed
	run.FinishedAt = &now
	run.Failure = &failure
	s.runs[runID] = run
	return run, nil
}

type stubLocks struct {
	mu       sync.Mutex
	held     map[uuid.UUID]bool
	unlocked int
}

func newStubLocks() *stubLocks {
	return &stubLocks{held: make(map[uuid.UUID]bool)}
}

func (l *stubLocks) TryAcquire(ctx context.Context, tenantID uuid.UUID) (Unlock, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[tenantID] {
		return nil, false, nil
	}
	l.held[tenantID] = true
	return func(ctx context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, tenantID)
		l.unlocked++
		return nil
	}, true, nil
}

type stubCreds struct {
	err error
}

func (c *stubCreds) Assume(ctx context.Context, roleARN, externalID string) (credentials.ScopedAccess, error) {
	if c.err != nil {
		return credentials.ScopedAccess{}, c.err
	}
	return credentials.ScopedAccess{Expires: time.Now().Add(time.Hour)}, nil
}

type stubCheck struct {
	name     string
	findings []RawFinding
	err      error
}

func (c *stubCheck) Name() string { return c.name }

func (c *stubCheck) Run(ctx context.Context, access credentials.ScopedAccess) ([]RawFinding, error) {
	return c.findings, c.err
}

type stubResolver struct {
	checks []Check
}

func (r *stubResolver) Resolve(enabled []string) []Check { return r.checks }

type recordingBroadcaster struct {
	mu    sync.Mutex
	snaps []RunSnapshot
}

func (b *recordingBroadcaster) Publish(tenantID uuid.UUID, snap RunSnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snaps = append(b.snaps, snap)
}

func (b *recordingBroadcaster) statuses() []RunStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]RunStatus, len(b.snaps))
	for i, s := range b.snaps {
		out[i] = s.Status
	}
	return out
}

func testTenant() Tenant {
	return Tenant{
		ID:           uuid.New(),
		Name:         "acme",
		AWSAccountID: "123456789012",
		AWSRoleARN:   "arn:aws:iam::123456789012:role/audit",
	}
}

func newTestOrchestrator(t *testing.T, opts Options) *Orchestrator {
	t.Helper()
	if opts.Locks == nil {
		opts.Locks = newStubLocks()
	}
	if opts.Credentials == nil {
		opts.Credentials = &stubCreds{}
	}
	if opts.Checks == nil {
		opts.Checks = &stubResolver{}
	}
	o, err := NewOrchestrator(opts)
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	return o
}

func TestStartScan_UnknownTenant(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	o := newTestOrchestrator(t, Options{Store: store})

	if _, err := o.StartScan(context.Background(), uuid.New(), nil); !errors.Is(err, ErrTenantNotFound) {
		t.Fatalf("StartScan err = %v, want ErrTenantNotFound", err)
	}
}

func TestStartScan_ConflictWhileRunActive(t *testing.T) {
	t.Parallel()

	tenant := testTenant()
	store := newMemStore(tenant)
	o := newTestOrchestrator(t, Options{Store: store})

	if _, err := o.StartScan(context.Background(), tenant.ID, nil); err != nil {
		t.Fatalf("first StartScan: %v", err)
	}
	if _, err := o.StartScan(context.Background(), tenant.ID, nil); !errors.Is(err, ErrScanConflict) {
		t.Fatalf("second StartScan err = %v, want ErrScanConflict", err)
	}
}

func TestExecute_CompletesAndReleasesLock(t *testing.T) {
	t.Parallel()

	tenant := testTenant()
	store := newMemStore(tenant)
	locks := newStubLocks()
	caster := &recordingBroadcaster{}
	o := newTestOrchestrator(t, Options{
		Store:       store,
		Locks:       locks,
		Broadcaster: caster,
		Checks: &stubResolver{checks: []Check{
			&stubCheck{name: "S3", findings: []RawFinding{rawFinding("S3", "bucket-a", "Bucket is public")}},
			&stubCheck{name: "IAM", findings: []RawFinding{rawFinding("IAM", "user-1", "User has no MFA")}},
		}},
	})

	run, err := o.StartScan(context.Background(), tenant.ID, nil)
	if err != nil {
		t.Fatalf("StartScan: %v", err)
	}
	if err := o.Execute(context.Background(), run.ID, tenant.ID); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	got, _ := store.Run(context.Background(), run.ID)
	if got.Status != RunCompleted {
		t.Fatalf("run status = %s, want completed", got.Status)
	}
	if got.Summary == nil || got.Summary.Total != 2 {
		t.Fatalf("summary = %+v, want total 2", got.Summary)
	}
	if got.FinishedAt == nil {
		t.Fatal("FinishedAt not set on completed run")
	}
	if want := []string{"S3", "IAM"}; len(store.completedCategories) != 2 ||
		store.completedCategories[0] != want[0] || store.completedCategories[1] != want[1] {
		t.Fatalf("enabled categories = %v, want %v", store.completedCategories, want)
	}
	if locks.unlocked != 1 {
		t.Fatalf("unlocked = %d, want 1", locks.unlocked)
	}

	statuses := caster.statuses()
	if len(statuses) != 3 || statuses[0] != RunPending || statuses[1] != RunRunning || statuses[2] != RunCompleted {
		t.Fatalf("published statuses = %v, want [pending running completed]", statuses)
	}
}

func TestExecute_HeldLockIsConflict(t *testing.T) {
	t.Parallel()

	tenant := testTenant()
	store := newMemStore(tenant)
	locks := newStubLocks()
	o := newTestOrchestrator(t, Options{Store: store, Locks: locks})

	run, err := o.StartScan(context.Background(), tenant.ID, nil)
	if err != nil {
		t.Fatalf("StartScan: %v", err)
	}

	unlock, ok, err := locks.TryAcquire(context.Background(), tenant.ID)
	if err != nil || !ok {
		t.Fatalf("pre-acquire: ok=%v err=%v", ok, err)
	}
	defer unlock(context.Background())

	if err := o.Execute(context.Background(), run.ID, tenant.ID); !errors.Is(err, ErrScanConflict) {
		t.Fatalf("Execute err = %v, want ErrScanConflict", err)
	}

	// The refused run must not stay pending: an orphaned pending run
	// would block every later StartScan for the tenant.
	got, _ := store.Run(context.Background(), run.ID)
	if got.Status != RunFailed {
		t.Fatalf("run status = %s, want failed", got.Status)
	}
}

func TestExecute_LockConflictDoesNotWedgeTenant(t *testing.T) {
	t.Parallel()

	tenant := testTenant()
	store := newMemStore(tenant)
	locks := newStubLocks()
	o := newTestOrchestrator(t, Options{Store: store, Locks: locks})

	run, err := o.StartScan(context.Background(), tenant.ID, nil)
	if err != nil {
		t.Fatalf("StartScan: %v", err)
	}

	unlock, ok, err := locks.TryAcquire(context.Background(), tenant.ID)
	if err != nil || !ok {
		t.Fatalf("pre-acquire: ok=%v err=%v", ok, err)
	}
	if err := o.Execute(context.Background(), run.ID, tenant.ID); !errors.Is(err, ErrScanConflict) {
		t.Fatalf("Execute err = %v, want ErrScanConflict", err)
	}
	if err := unlock(context.Background()); err != nil {
		t.Fatalf("unlock: %v", err)
	}

	// The momentary conflict released: the tenant must be able to scan.
	next, err := o.StartScan(context.Background(), tenant.ID, nil)
	if err != nil {
		t.Fatalf("StartScan after released conflict: %v", err)
	}
	if err := o.Execute(context.Background(), next.ID, tenant.ID); err != nil {
		t.Fatalf("Execute after released conflict: %v", err)
	}
	got, _ := store.Run(context.Background(), next.ID)
	if got.Status != RunCompleted {
		t.Fatalf("run status = %s, want completed", got.Status)
	}
}

func TestExecute_TenantLoadFailureFailsPendingRun(t *testing.T) {
	t.Parallel()

	tenant := testTenant()
	store := newMemStore(tenant)
	o := newTestOrchestrator(t, Options{Store: store})

	run, err := o.StartScan(context.Background(), tenant.ID, nil)
	if err != nil {
		t.Fatalf("StartScan: %v", err)
	}

	store.mu.Lock()
	delete(store.tenants, tenant.ID)
	store.mu.Unlock()

	if err := o.Execute(context.Background(), run.ID, tenant.ID); !errors.Is(err, ErrTenantNotFound) {
		t.Fatalf("Execute err = %v, want ErrTenantNotFound", err)
	}
	got, _ := store.Run(context.Background(), run.ID)
	if got.Status != RunFailed {
		t.Fatalf("run status = %s, want failed", got.Status)
	}
	if got.Failure == nil || got.Failure.ErrorKind != ErrorKindInternal {
		t.Fatalf("failure = %+v, want internal error kind", got.Failure)
	}
}

func TestExecute_FailingCheckDegradesToSyntheticFinding(t *testing.T) {
	t.Parallel()

	tenant := testTenant()
	store := newMemStore(tenant)
	o := newTestOrchestrator(t, Options{
		Store: store,
		Checks: &stubResolver{checks: []Check{
			&stubCheck{name: "S3", findings: []RawFinding{rawFinding("S3", "bucket-a", "Bucket is public")}},
			&stubCheck{name: "IAM", err: errors.New("access denied listing users")},
		}},
	})

	run, err := o.StartScan(context.Background(), tenant.ID, nil)
	if err != nil {
		t.Fatalf("StartScan: %v", err)
	}
	if err := o.Execute(context.Background(), run.ID, tenant.ID); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	got, _ := store.Run(context.Background(), run.ID)
	if got.Status != RunCompleted {
		t.Fatalf("run status = %s, want completed despite check failure", got.Status)
	}

	var synthetic *RawFinding
	for i := range store.completedRaw {
		if store.completedRaw[i].Category == "IAM" {
			synthetic = &store.completedRaw[i]
		}
	}
	if synthetic == nil {
		t.Fatalf("raw findings = %v, want a synthetic IAM finding", store.completedRaw)
	}
	if synthetic.Title != "IAM check error" {
		t.Fatalf("synthetic title = %q, want %q", synthetic.Title, "IAM check error")
	}
	if synthetic.Severity != SeverityMedium {
		t.Fatalf("synthetic severity = %s, want MEDIUM", synthetic.Severity)
	}
	if synthetic.ResourceID != "IAM" {
		t.Fatalf("synthetic resource id = %q, want %q", synthetic.ResourceID, "IAM")
	}
	if !strings.Contains(synthetic.Description, "access denied listing users") {
		t.Fatalf("synthetic description = %q, want the check error inside", synthetic.Description)
	}
}

func TestExecute_CredentialFailureFailsRun(t *testing.T) {
	t.Parallel()

	tenant := testTenant()
	store := newMemStore(tenant)
	credErr := &credentials.Error{Kind: credentials.KindAccessDenied, Err: errors.New("AccessDenied")}
	o := newTestOrchestrator(t, Options{Store: store, Credentials: &stubCreds{err: credErr}})

	run, err := o.StartScan(context.Background(), tenant.ID, nil)
	if err != nil {
		t.Fatalf("StartScan: %v", err)
	}
	if err := o.Execute(context.Background(), run.ID, tenant.ID); !errors.Is(err, credErr) {
		t.Fatalf("Execute err = %v, want %v", err, credErr)
	}

	got, _ := store.Run(context.Background(), run.ID)
	if got.Status != RunFailed {
		t.Fatalf("run status = %s, want failed", got.Status)
	}
	if got.Failure == nil || got.Failure.ErrorKind != ErrorKindCredential {
		t.Fatalf("failure = %+v, want error_kind %q", got.Failure, ErrorKindCredential)
	}
	if got.FinishedAt == nil {
		t.Fatal("FinishedAt not set on failed run")
	}
}

type failingSecrets struct{}

func (failingSecrets) Resolve(ctx context.Context, ref string) (string, error) {
	return "", errors.New("vault sealed")
}

func TestExecute_SecretResolutionFailureIsCredentialKind(t *testing.T) {
	t.Parallel()

	tenant := testTenant()
	tenant.AWSExternalID = "vault:secret/tenants/acme#external_id"
	store := newMemStore(tenant)
	o := newTestOrchestrator(t, Options{Store: store, Secrets: failingSecrets{}})

	run, err := o.StartScan(context.Background(), tenant.ID, nil)
	if err != nil {
		t.Fatalf("StartScan: %v", err)
	}
	if err := o.Execute(context.Background(), run.ID, tenant.ID); err == nil {
		t.Fatal("Execute err = nil, want secret resolution failure")
	}

	got, _ := store.Run(context.Background(), run.ID)
	if got.Failure == nil || got.Failure.ErrorKind != ErrorKindCredential {
		t.Fatalf("failure = %+v, want error_kind %q", got.Failure, ErrorKindCredential)
	}
}

func TestErrorKind(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "credential",
			err:  &credentials.Error{Kind: credentials.KindAccessDenied, Err: errors.New("denied")},
			want: ErrorKindCredential,
		},
		{
			name: "wrapped credential",
			err:  errors.Join(errors.New("outer"), &credentials.Error{Kind: credentials.KindUnknown, Err: errors.New("x")}),
			want: ErrorKindCredential,
		},
		{
			name: "reconciliation",
			err:  &ReconciliationError{Err: errors.New("tx aborted")},
			want: ErrorKindReconciliation,
		},
		{
			name: "anything else",
			err:  errors.New("boom"),
			want: ErrorKindInternal,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := errorKind(tt.err); got != tt.want {
				t.Fatalf("errorKind = %q, want %q", got, tt.want)
			}
		})
	}
}
