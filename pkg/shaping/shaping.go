// Package shaping filters tool results down to the caller's detail level.
//
// Three tiers enable progressive disclosure:
//   - summary: identifying and aggregate fields only
//   - standard: summary plus the common analysis fields (default)
//   - full: everything the tool returned
//
// Field sets nest (summary ⊆ standard ⊆ full) and shaping a shaped value
// again at the same level returns it unchanged.
package shaping

import (
	"sort"

	"github.com/shaleyeah/toolkernel/pkg/contracts"
)

// FieldVisibility lists the top-level result fields visible at each tier.
// Standard fields are added on top of Summary; Full shows everything.
type FieldVisibility struct {
	Summary  []string `yaml:"summary,omitempty" json:"summary,omitempty"`
	Standard []string `yaml:"standard,omitempty" json:"standard,omitempty"`
}

// DefaultVisibility applies to tools that declare no rules of their own.
var DefaultVisibility = FieldVisibility{
	Summary: []string{
		"id", "name", "title", "status", "summary", "score", "total", "count",
		"recommendation", "decision", "verdict", "confidence",
	},
	Standard: []string{
		"findings", "metrics", "risks", "factors", "assumptions",
		"warnings", "results", "estimates", "notes",
	},
}

// IsZero reports whether no rules are declared.
func (v FieldVisibility) IsZero() bool {
	return len(v.Summary) == 0 && len(v.Standard) == 0
}

// orDefault returns v, or DefaultVisibility when v declares nothing.
func (v FieldVisibility) orDefault() FieldVisibility {
	if v.IsZero() {
		return DefaultVisibility
	}
	return v
}

// Allowed returns the visible field set for level. all is true for full.
func (v FieldVisibility) Allowed(level contracts.DetailLevel) (fields map[string]struct{}, all bool) {
	v = v.orDefault()
	switch level {
	case contracts.DetailFull:
		return nil, true
	case contracts.DetailSummary:
		fields = make(map[string]struct{}, len(v.Summary))
		for _, f := range v.Summary {
			fields[f] = struct{}{}
		}
		return fields, false
	default:
		fields = make(map[string]struct{}, len(v.Summary)+len(v.Standard))
		for _, f := range v.Summary {
			fields[f] = struct{}{}
		}
		for _, f := range v.Standard {
			fields[f] = struct{}{}
		}
		return fields, false
	}
}

// Shape filters value for level. Only map values are filtered; scalars and
// lists carry no field structure and pass through unchanged. The input is
// never mutated.
func Shape(value any, level contracts.DetailLevel, v FieldVisibility) any {
	m, ok := value.(map[string]any)
	if !ok {
		return value
	}
	allowed, all := v.Allowed(contracts.ParseDetailLevel(string(level)))
	out := make(map[string]any, len(m))
	for k, val := range m {
		if all {
			out[k] = val
			continue
		}
		if _, keep := allowed[k]; keep {
			out[k] = val
		}
	}
	return out
}

// Keys returns the sorted top-level keys of a shaped value, or nil for
// non-map values.
func Keys(value any) []string {
	m, ok := value.(map[string]any)
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
