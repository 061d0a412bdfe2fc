package scan

// NewSummary returns a zeroed summary with every severity bucket present,
// so serialized output always carries all four keys.
func NewSummary() Summary {
	return Summary{
		BySeverity: map[Severity]int{
			SeverityCritical: 0,
			SeverityHigh:     0,
			SeverityMedium:   0,
			SeverityLow:      0,
		},
		ByCategory: map[string]int{},
	}
}

// Summarize recomputes a run's aggregate from its stored finding set,
// filtered to the enabled check categories. It is deliberately
// recomputable: findings can change after a run completes, and callers
// must be able to ask for a fresh aggregate rather than the snapshot
// cached at completion time. An empty category list means no filter.
func Summarize(findings []Finding, enabledCategories []string) Summary {
	s := NewSummary()
	include := categoryFilter(enabledCategories)

	for _, f := range findings {
		if !include(f.Category) {
			continue
		}
		s.Total++
		s.BySeverity[f.Severity]++
		s.ByCategory[f.Category]++
	}
	return s
}

func categoryFilter(enabled []string) func(string) bool {
	if len(enabled) == 0 {
		return func(string) bool { return true }
	}
	set := make(map[string]struct{}, len(enabled))
	for _, c := range enabled {
		set[c] = struct{}{}
	}
	return func(category string) bool {
		_, ok := set[category]
		return ok
	}
}
