package contracts

import "strings"

// DetailLevel is the caller-selected verbosity tier for returned data.
type DetailLevel string

// Detail level constants.
const (
	DetailSummary  DetailLevel = "summary"
	DetailStandard DetailLevel = "standard"
	DetailFull     DetailLevel = "full"
)

// DetailLevelValues returns the enum values for tool definitions.
func DetailLevelValues() []string {
	return []string{string(DetailSummary), string(DetailStandard), string(DetailFull)}
}

// ParseDetailLevel normalizes a detail level, defaulting to standard for
// empty or unrecognized values.
func ParseDetailLevel(s string) DetailLevel {
	switch d := DetailLevel(strings.ToLower(strings.TrimSpace(s))); d {
	case DetailSummary, DetailFull:
		return d
	default:
		return DetailStandard
	}
}
