package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/gowebpki/jcs"

	"github.com/shaleyeah/toolkernel/pkg/contracts"
)

// Redacted replaces every sensitive argument value.
const Redacted = "[REDACTED]"

// DefaultSensitiveKeys are matched as substrings of any argument name.
var DefaultSensitiveKeys = []string{
	"password", "secret", "token", "api_key", "apikey",
	"authorization", "credential", "private_key", "ssn",
}

// Redactor masks sensitive argument values.
type Redactor struct {
	keys []string
}

// NewRedactor creates a redactor for DefaultSensitiveKeys plus keys.
func NewRedactor(keys ...string) *Redactor {
	all := make([]string, 0, len(DefaultSensitiveKeys)+len(keys))
	for _, k := range append(append([]string{}, DefaultSensitiveKeys...), keys...) {
		all = append(all, strings.ToLower(k))
	}
	return &Redactor{keys: all}
}

func (r *Redactor) sensitive(key string, exact map[string]struct{}) bool {
	k := strings.ToLower(key)
	if _, ok := exact[k]; ok {
		return true
	}
	for _, s := range r.keys {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}

// Redact returns a deep copy of args with sensitive values replaced. extra
// names tool-specific sensitive arguments, matched exactly. Injected session
// context is reduced to the list of aliases it carried.
func (r *Redactor) Redact(args map[string]any, extra []string) map[string]any {
	if args == nil {
		return nil
	}
	exact := make(map[string]struct{}, len(extra))
	for _, k := range extra {
		exact[strings.ToLower(k)] = struct{}{}
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		if k == contracts.ContextArgKey {
			out[k] = contextAliases(v)
			continue
		}
		out[k] = r.redactValue(k, v, exact)
	}
	return out
}

func (r *Redactor) redactValue(key string, v any, exact map[string]struct{}) any {
	if r.sensitive(key, exact) {
		return Redacted
	}
	switch tv := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(tv))
		for k, nv := range tv {
			out[k] = r.redactValue(k, nv, exact)
		}
		return out
	case []any:
		out := make([]any, len(tv))
		for i, nv := range tv {
			out[i] = r.redactValue("", nv, exact)
		}
		return out
	default:
		return v
	}
}

func contextAliases(v any) []string {
	m, ok := v.(map[string]any)
	if !ok {
		return []string{}
	}
	aliases := make([]string, 0, len(m))
	for k := range m {
		aliases = append(aliases, k)
	}
	sort.Strings(aliases)
	return aliases
}

// Digest returns the SHA-256 of the RFC 8785 canonical JSON form of args.
func Digest(args map[string]any) (string, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("encode args: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize args: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}
