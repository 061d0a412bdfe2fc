package scan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/whoismuhd/S3NTRACS/internal/credentials"
	"github.com/whoismuhd/S3NTRACS/internal/metrics"
)

// Check is one named audit function. A check must not fail for
// individual-resource errors; it degrades them into findings of its own
// category so partial permission gaps stay visible to the tenant.
type Check interface {
	Name() string
	Run(ctx context.Context, access credentials.ScopedAccess) ([]RawFinding, error)
}

// CheckResolver maps a tenant's enabled_checks configuration to the
// concrete check set, falling back to a default subset when the
// configuration is empty or entirely invalid.
type CheckResolver interface {
	Resolve(enabled []string) []Check
}

// CredentialSource exchanges a tenant role reference for scoped access.
type CredentialSource interface {
	Assume(ctx context.Context, roleARN, externalID string) (credentials.ScopedAccess, error)
}

// SecretResolver resolves tenant secret references before use.
type SecretResolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// Unlock releases a held tenant lock.
type Unlock func(ctx context.Context) error

// LockManager serializes scan executions per tenant.
type LockManager interface {
	TryAcquire(ctx context.Context, tenantID uuid.UUID) (Unlock, bool, error)
}

// Store is the persistence surface the orchestrator drives.
type Store interface {
	Tenant(ctx context.Context, id uuid.UUID) (Tenant, error)
	Run(ctx context.Context, id uuid.UUID) (Run, error)
	// CreatePendingRun inserts a pending run, returning ErrScanConflict
	// when the tenant already has a pending or running run. The check and
	// insert happen in one transaction.
	CreatePendingRun(ctx context.Context, tenantID uuid.UUID, meta *RunMetadata) (Run, error)
	// MarkRunRunning advances pending to running, returning
	// ErrScanConflict if another run for the tenant is already running.
	MarkRunRunning(ctx context.Context, runID, tenantID uuid.UUID) (Run, error)
	// CompleteRun applies the reconciliation plan, writes the summary,
	// and marks the run completed, all in one transaction.
	CompleteRun(ctx context.Context, runID, tenantID uuid.UUID, raw []RawFinding, enabledCategories []string) (Run, error)
	FailRun(ctx context.Context, runID uuid.UUID, failure RunFailure) (Run, error)
}

// Orchestrator drives one audit execution end to end and owns the ScanRun
// state machine.
type Orchestrator struct {
	store   Store
	checks  CheckResolver
	creds   CredentialSource
	locks   LockManager
	secrets SecretResolver
	caster  Broadcaster

	checkTimeout time.Duration
	checkWorkers int
	now          func() time.Time
}

// Options configure an Orchestrator.
type Options struct {
	Store        Store
	Checks       CheckResolver
	Credentials  CredentialSource
	Locks        LockManager
	Secrets      SecretResolver
	Broadcaster  Broadcaster
	CheckTimeout time.Duration
	CheckWorkers int
}

const defaultCheckTimeout = 5 * time.Minute

func NewOrchestrator(opts Options) (*Orchestrator, error) {
	if opts.Store == nil {
		return nil, errors.New("scan store is required")
	}
	if opts.Checks == nil {
		return nil, errors.New("check resolver is required")
	}
	if opts.Credentials == nil {
		return nil, errors.New("credential source is required")
	}
	if opts.Locks == nil {
		return nil, errors.New("lock manager is required")
	}

	timeout := opts.CheckTimeout
	if timeout <= 0 {
		timeout = defaultCheckTimeout
	}
	workers := opts.CheckWorkers
	if workers < 1 {
		workers = 1
	}

	return &Orchestrator{
		store:        opts.Store,
		checks:       opts.Checks,
		creds:        opts.Credentials,
		locks:        opts.Locks,
		secrets:      opts.Secrets,
		caster:       opts.Broadcaster,
		checkTimeout: timeout,
		checkWorkers: workers,
		now:          time.Now,
	}, nil
}

// StartScan creates a pending run for the tenant, or ErrScanConflict when
// one is already pending or running.
func (o *Orchestrator) StartScan(ctx context.Context, tenantID uuid.UUID, meta *RunMetadata) (Run, error) {
	if _, err := o.store.Tenant(ctx, tenantID); err != nil {
		return Run{}, err
	}
	run, err := o.store.CreatePendingRun(ctx, tenantID, meta)
	if err != nil {
		return Run{}, err
	}
	o.publish(run)
	return run, nil
}

// StartScanAsync creates the pending run and executes it in the
// background, detached from the caller's context.
func (o *Orchestrator) StartScanAsync(ctx context.Context, tenantID uuid.UUID, meta *RunMetadata) (Run, error) {
	run, err := o.StartScan(ctx, tenantID, meta)
	if err != nil {
		return Run{}, err
	}

	execCtx := context.WithoutCancel(ctx)
	go func() {
		if err := o.Execute(execCtx, run.ID, tenantID); err != nil && !errors.Is(err, ErrScanConflict) {
			slog.Error("background scan failed", "scan_run_id", run.ID, "tenant_id", tenantID, "err", err)
		}
	}()
	return run, nil
}

// Execute drives the run through pending -> running -> {completed|failed}.
// Errors before the run is marked running fail it rather than abandoning
// it: a run stuck in pending blocks every later StartScan for the tenant.
// Only a run that has left pending under a concurrent executor is spared.
func (o *Orchestrator) Execute(ctx context.Context, runID, tenantID uuid.UUID) error {
	tenant, err := o.store.Tenant(ctx, tenantID)
	if err != nil {
		o.failIfPending(ctx, runID, err)
		return err
	}

	unlock, ok, err := o.locks.TryAcquire(ctx, tenantID)
	if err != nil {
		o.failIfPending(ctx, runID, err)
		return err
	}
	if !ok {
		o.failIfPending(ctx, runID, ErrScanConflict)
		return ErrScanConflict
	}
	defer func() {
		unlockCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := unlock(unlockCtx); err != nil {
			slog.Warn("failed to release tenant scan lock", "tenant_id", tenantID, "err", err)
		}
	}()

	// Commit running before any check executes so concurrent triggers
	// observe it and refuse to start a second scan.
	run, err := o.store.MarkRunRunning(ctx, runID, tenantID)
	if err != nil {
		return err
	}
	o.publish(run)

	start := o.now()
	slog.Info("scan started", "scan_run_id", runID, "tenant_id", tenantID, "tenant", tenant.Name)

	run, execErr := o.execute(ctx, run, tenant)
	duration := o.now().Sub(start).Seconds()
	metrics.ScanDuration.WithLabelValues(tenant.Name).Observe(duration)

	if execErr != nil {
		metrics.ScanRunsTotal.WithLabelValues(tenant.Name, string(RunFailed)).Inc()
		failed, failErr := o.store.FailRun(ctx, runID, RunFailure{
			Error:     execErr.Error(),
			ErrorKind: errorKind(execErr),
		})
		if failErr != nil {
			return errors.Join(execErr, failErr)
		}
		o.publish(failed)
		slog.Error("scan failed", "scan_run_id", runID, "tenant_id", tenantID, "err", execErr)
		return execErr
	}

	metrics.ScanRunsTotal.WithLabelValues(tenant.Name, string(RunCompleted)).Inc()
	metrics.ScanLastSuccessTimestamp.WithLabelValues(tenant.Name).Set(float64(o.now().Unix()))
	o.publish(run)

	total := 0
	if run.Summary != nil {
		total = run.Summary.Total
	}
	slog.Info("scan completed", "scan_run_id", runID, "tenant_id", tenantID, "findings", total)
	return nil
}

// failIfPending closes out a run that errored before reaching running, so
// the tenant's one-active-run guard does not wedge on an orphaned pending
// row. A run already picked up by a concurrent executor is left alone.
func (o *Orchestrator) failIfPending(ctx context.Context, runID uuid.UUID, cause error) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	run, err := o.store.Run(cleanupCtx, runID)
	if err != nil || run.Status != RunPending {
		return
	}
	failed, err := o.store.FailRun(cleanupCtx, runID, RunFailure{
		Error:     cause.Error(),
		ErrorKind: errorKind(cause),
	})
	if err != nil {
		slog.Error("failed to close out pending run", "scan_run_id", runID, "err", err)
		return
	}
	o.publish(failed)
}

func (o *Orchestrator) execute(ctx context.Context, run Run, tenant Tenant) (Run, error) {
	externalID := tenant.AWSExternalID
	if o.secrets != nil {
		resolved, err := o.secrets.Resolve(ctx, externalID)
		if err != nil {
			return Run{}, &credentials.Error{Kind: credentials.KindMissingBaseCredentials, Err: fmt.Errorf("resolve external id: %w", err)}
		}
		externalID = resolved
	}

	access, err := o.creds.Assume(ctx, tenant.AWSRoleARN, externalID)
	if err != nil {
		return Run{}, err
	}

	checks := o.checks.Resolve(tenant.EnabledChecks)
	raw := o.runChecks(ctx, checks, access)

	categories := make([]string, 0, len(checks))
	for _, c := range checks {
		categories = append(categories, c.Name())
	}

	completed, err := o.store.CompleteRun(ctx, run.ID, tenant.ID, raw, categories)
	if err != nil {
		return Run{}, &ReconciliationError{Err: err}
	}
	return completed, nil
}

// runChecks invokes every resolved check, bounded by the per-check
// timeout, and merges outputs in check order. A failing check degrades to
// a synthetic finding instead of aborting the scan.
func (o *Orchestrator) runChecks(ctx context.Context, checks []Check, access credentials.ScopedAccess) []RawFinding {
	results := collectParallel(ctx, checks, o.checkWorkers, func(ctx context.Context, c Check) ([]RawFinding, error) {
		checkCtx, cancel := context.WithTimeout(ctx, o.checkTimeout)
		defer cancel()

		start := o.now()
		findings, err := c.Run(checkCtx, access)
		metrics.CheckDuration.WithLabelValues(c.Name()).Observe(o.now().Sub(start).Seconds())
		if err != nil {
			return nil, &CheckError{Check: c.Name(), Err: err}
		}
		return findings, nil
	})

	var merged []RawFinding
	for i, res := range results {
		if res.Err != nil {
			name := checks[i].Name()
			metrics.CheckFailuresTotal.WithLabelValues(name).Inc()
			slog.Warn("check degraded to synthetic finding", "check", name, "err", res.Err)
			merged = append(merged, syntheticFinding(name, res.Err))
			continue
		}
		merged = append(merged, res.Value...)
	}
	return merged
}

// syntheticFinding makes a degraded check visible as scan content so the
// operator can diagnose permission gaps without the run itself failing.
func syntheticFinding(check string, err error) RawFinding {
	return RawFinding{
		Category:    check,
		Title:       fmt.Sprintf("%s check error", check),
		Description: fmt.Sprintf("The %s check encountered an error: %v", check, err),
		Severity:    SeverityMedium,
		ResourceID:  check,
		Remediation: fmt.Sprintf("Check %s permissions and scanner logs.", check),
	}
}

func (o *Orchestrator) publish(run Run) {
	if o.caster == nil {
		return
	}
	o.caster.Publish(run.TenantID, SnapshotOf(run))
}
