// Package checks holds the per-service audit checks a scan runs against a
// tenant's AWS account. Each check inspects one service surface through a
// narrow client interface and emits raw findings; the orchestrator owns
// timeouts and failure handling.
package checks

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/whoismuhd/S3NTRACS/internal/scan"
)

// DefaultChecks is the subset a tenant gets when its enabled_checks
// configuration is empty or names nothing known.
var DefaultChecks = []string{"IAM", "S3", "LOGGING"}

// Registry maps check names to implementations.
type Registry struct {
	byName map[string]scan.Check
	order  []string
}

// NewRegistry builds the registry with every supported check.
func NewRegistry() *Registry {
	r := &Registry{byName: make(map[string]scan.Check)}
	r.register(NewIAMCheck())
	r.register(NewS3Check())
	r.register(NewLoggingCheck())
	r.register(NewEC2Check())
	return r
}

func (r *Registry) register(c scan.Check) {
	r.byName[c.Name()] = c
	r.order = append(r.order, c.Name())
}

// Names lists every registered check in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Resolve maps a tenant's enabled check names to implementations. Unknown
// names are skipped with a warning; an empty or entirely unknown
// configuration falls back to DefaultChecks.
func (r *Registry) Resolve(enabled []string) []scan.Check {
	var out []scan.Check
	seen := make(map[string]struct{}, len(enabled))
	for _, name := range enabled {
		name = strings.ToUpper(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}

		c, ok := r.byName[name]
		if !ok {
			slog.Warn("unknown check in tenant configuration, skipping", "check", name)
			continue
		}
		out = append(out, c)
	}
	if len(out) == 0 {
		for _, name := range DefaultChecks {
			out = append(out, r.byName[name])
		}
	}
	return out
}

// degraded reports a resource the check could not fully inspect. A partial
// permission gap surfaces as scan content instead of silently shrinking
// the finding set.
func degraded(category, resourceID, what string, err error) scan.RawFinding {
	return scan.RawFinding{
		Category:    category,
		Title:       fmt.Sprintf("Unable to inspect %s: %s", what, resourceID),
		Description: fmt.Sprintf("The %s check could not inspect %s '%s': %v", category, what, resourceID, err),
		Severity:    scan.SeverityLow,
		ResourceID:  resourceID,
		Remediation: fmt.Sprintf("Grant the scan role permission to inspect %s, or exclude it.", what),
	}
}
