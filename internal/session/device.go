package session

import (
	"strings"
)

// normalizeDevice lowercases s and strips every non-alphanumeric rune,
// the identifier-matching scheme spec.md §4.6 step 3 requires.
func normalizeDevice(s string) string {
	s = strings.ToLower(s)
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// TargetMap resolves a normalized identifier to a WLED endpoint, built
// once from WLED_TARGET_<IDENT> configuration entries.
type TargetMap map[string]Endpoint

// Resolve finds the endpoint for device via normalized substring match:
// exact hit first, then containment in either direction, per spec.md
// §4.6 step 3.
func (m TargetMap) Resolve(device string) (Endpoint, bool) {
	norm := normalizeDevice(device)
	if norm == "" {
		return Endpoint{}, false
	}
	if ep, ok := m[norm]; ok {
		return ep, true
	}
	for ident, ep := range m {
		if strings.Contains(norm, ident) || strings.Contains(ident, norm) {
			return ep, true
		}
	}
	return Endpoint{}, false
}
