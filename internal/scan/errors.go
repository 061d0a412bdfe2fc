package scan

import (
	"errors"
	"fmt"

	"github.com/whoismuhd/S3NTRACS/internal/credentials"
)

// ErrScanConflict is returned when a scan is requested for a tenant that
// already has a pending or running run. The caller surfaces it as a 409.
var ErrScanConflict = errors.New("a scan is already running for this tenant")

// ErrRunNotFound is returned when a scan run id does not exist.
var ErrRunNotFound = errors.New("scan run not found")

// ErrTenantNotFound is returned when a tenant id does not exist.
var ErrTenantNotFound = errors.New("tenant not found")

// CheckError wraps a failed check invocation. It is never scan-fatal: the
// orchestrator degrades it to a synthetic finding and continues.
type CheckError struct {
	Check string
	Err   error
}

func (e *CheckError) Error() string {
	return fmt.Sprintf("%s check: %v", e.Check, e.Err)
}

func (e *CheckError) Unwrap() error { return e.Err }

// ReconciliationError wraps a persistence or consistency failure during
// reconciliation. It is scan-fatal.
type ReconciliationError struct {
	Err error
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("reconciliation: %v", e.Err)
}

func (e *ReconciliationError) Unwrap() error { return e.Err }

// Error kinds recorded in a failed run's summary.
const (
	ErrorKindCredential     = "credential"
	ErrorKindReconciliation = "reconciliation"
	ErrorKindInternal       = "internal"
)

func errorKind(err error) string {
	var credErr *credentials.Error
	if errors.As(err, &credErr) {
		return ErrorKindCredential
	}
	var recErr *ReconciliationError
	if errors.As(err, &recErr) {
		return ErrorKindReconciliation
	}
	return ErrorKindInternal
}
