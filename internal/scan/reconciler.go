package scan

// Reconciliation diffs one run's raw output against the tenant's live
// findings and decides, per identity key, whether a condition is new,
// persisted, re-opened, or verified as fixed. The diff itself is pure; the
// store applies the resulting plan atomically with the run's completion.

// Match pairs a raw observation with the live finding it collides with.
type Match struct {
	Finding Finding
	// Reopen is set when the matched finding was marked_fixed: the
	// condition persists despite the claim, so it demotes back to open.
	Reopen bool
}

// Plan is the set of mutations one reconciliation produces.
type Plan struct {
	// New are raw findings with no live counterpart; inserted as open.
	New []RawFinding
	// Persisted are live findings observed again this run.
	Persisted []Match
	// Verified are marked_fixed findings whose key did not reappear.
	Verified []Finding
}

// Reconcile computes the reconciliation plan for one run.
//
// Rules, in identity-key terms:
//   - live key absent from raw: marked_fixed verifies as fixed; open is
//     left untouched (only marked-fixed findings are actively verified).
//   - raw key matching a live finding: bump its last-seen run; a
//     marked_fixed match additionally re-opens.
//   - raw key with no live match: insert as a new open finding.
//
// Duplicate keys within raw collapse to their first occurrence so the
// live-finding uniqueness invariant survives a noisy check.
func Reconcile(active []Finding, raw []RawFinding) Plan {
	newKeys := make(map[Key]struct{}, len(raw))
	for _, r := range raw {
		newKeys[r.Key()] = struct{}{}
	}

	activeByKey := make(map[Key]Finding, len(active))
	for _, f := range active {
		if _, ok := activeByKey[f.Key()]; ok {
			// Uniqueness invariant says this cannot happen; first wins.
			continue
		}
		activeByKey[f.Key()] = f
	}

	var plan Plan
	for _, f := range active {
		if _, observed := newKeys[f.Key()]; observed {
			continue
		}
		if f.Status == RemediationMarkedFixed {
			plan.Verified = append(plan.Verified, f)
		}
	}

	seen := make(map[Key]struct{}, len(raw))
	for _, r := range raw {
		k := r.Key()
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}

		if f, ok := activeByKey[k]; ok {
			plan.Persisted = append(plan.Persisted, Match{
				Finding: f,
				Reopen:  f.Status == RemediationMarkedFixed,
			})
			continue
		}
		plan.New = append(plan.New, r)
	}
	return plan
}

// Summary aggregates the plan's run finding set, filtered to the enabled
// check categories. Persisted findings count with their stored severity
// and category; new ones with the raw record's.
func (p Plan) Summary(enabledCategories []string) Summary {
	s := NewSummary()
	include := categoryFilter(enabledCategories)

	for _, r := range p.New {
		if !include(r.Category) {
			continue
		}
		s.Total++
		s.BySeverity[r.Severity]++
		s.ByCategory[r.Category]++
		s.New++
	}
	for _, m := range p.Persisted {
		if !include(m.Finding.Category) {
			continue
		}
		s.Total++
		s.BySeverity[m.Finding.Severity]++
		s.ByCategory[m.Finding.Category]++
		s.Updated++
	}
	for _, f := range p.Verified {
		if !include(f.Category) {
			continue
		}
		s.VerifiedFixed++
	}
	return s
}
