package registry

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// normalize makes capability search insensitive to case and Unicode form.
// Casers are stateful, so each call builds its own.
func normalize(s string) string {
	return cases.Fold().String(norm.NFKC.String(strings.TrimSpace(s)))
}

func matches(t ToolDescriptor, needle string) bool {
	if needle == "" {
		return true
	}
	fields := make([]string, 0, 3+len(t.Capabilities))
	fields = append(fields, t.ToolID, t.Name, t.Description)
	fields = append(fields, t.Capabilities...)
	for _, f := range fields {
		if strings.Contains(normalize(f), needle) {
			return true
		}
	}
	return false
}
