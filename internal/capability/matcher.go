// Package capability implements the structural pattern matcher that
// decides whether a participant may produce a given envelope (spec §4.2).
// The matcher is pure and side-effect-free: it never mutates its inputs
// and needs no locking.
package capability

import (
	"encoding/json"
	"strings"

	"github.com/mew-protocol/gateway/pkg/types"
)

// Allows reports whether any rule in ruleSet permits producing env. It is
// the logical OR over the rule set; ordering and duplicates don't matter.
func Allows(ruleSet []types.CapabilityRule, env *types.Envelope) bool {
	var payload any
	if len(env.Payload) > 0 {
		// A payload that fails to decode can never satisfy a payload
		// pattern, but still must not crash matching for payload-less rules.
		_ = json.Unmarshal(env.Payload, &payload)
	}

	for _, rule := range ruleSet {
		if ruleMatches(rule, env.Kind, env.To, payload) {
			return true
		}
	}
	return false
}

func ruleMatches(rule types.CapabilityRule, kind string, to []string, payload any) bool {
	if !matchKindPattern(rule.Kind, kind) {
		return false
	}
	if len(rule.To) > 0 && !sharesElement(rule.To, to) {
		return false
	}
	if len(rule.Payload) > 0 {
		if !matchValue(rule.Payload, payload) {
			return false
		}
	}
	return true
}

func sharesElement(a, b []string) bool {
	set := make(map[string]struct{}, len(a))
	for _, v := range a {
		set[v] = struct{}{}
	}
	for _, v := range b {
		if _, ok := set[v]; ok {
			return true
		}
	}
	return false
}

// matchKindPattern matches a dotted/slashed kind pattern against a
// concrete kind. `*` matches exactly one `/`-separated segment; `**`
// (only meaningful as the final pattern segment) matches any suffix of
// zero or more remaining segments; anything else is literal equality.
func matchKindPattern(pattern, kind string) bool {
	if pattern == "" {
		return kind == ""
	}
	pSegs := strings.Split(pattern, "/")
	kSegs := strings.Split(kind, "/")

	for i, p := range pSegs {
		if p == "**" {
			// must be the final pattern segment
			return i == len(pSegs)-1
		}
		if i >= len(kSegs) {
			return false
		}
		if p == "*" {
			continue
		}
		if p != kSegs[i] {
			return false
		}
	}
	return len(pSegs) == len(kSegs)
}

// matchGlob matches a plain-string glob where `*` and `**` both expand to
// "any run of characters" — payload-leaf globbing has no path-segment
// structure, unlike kind matching.
func matchGlob(pattern, s string) bool {
	if !strings.ContainsAny(pattern, "*") {
		return pattern == s
	}
	parts := splitGlob(pattern)
	return matchGlobParts(parts, s)
}

// splitGlob breaks a glob into literal and wildcard tokens; consecutive
// `*`/`**` collapse into a single wildcard token ("*").
func splitGlob(pattern string) []string {
	var tokens []string
	var lit strings.Builder
	runes := []rune(pattern)
	for i := 0; i < len(runes); i++ {
		if runes[i] == '*' {
			if lit.Len() > 0 {
				tokens = append(tokens, lit.String())
				lit.Reset()
			}
			if len(tokens) == 0 || tokens[len(tokens)-1] != "*" {
				tokens = append(tokens, "*")
			}
			continue
		}
		lit.WriteRune(runes[i])
	}
	if lit.Len() > 0 {
		tokens = append(tokens, lit.String())
	}
	return tokens
}

func matchGlobParts(parts []string, s string) bool {
	if len(parts) == 0 {
		return s == ""
	}
	if parts[0] == "*" {
		for i := 0; i <= len(s); i++ {
			if matchGlobParts(parts[1:], s[i:]) {
				return true
			}
		}
		return false
	}
	if !strings.HasPrefix(s, parts[0]) {
		return false
	}
	return matchGlobParts(parts[1:], s[len(parts[0]):])
}

// matchValue implements the deep-subset match: rule is a pattern, actual
// is the corresponding decoded JSON value from the envelope.
func matchValue(rule any, actual any) bool {
	switch r := rule.(type) {
	case map[string]any:
		a, ok := actual.(map[string]any)
		if !ok {
			return false
		}
		for k, rv := range r {
			av, present := a[k]
			if !present {
				return false
			}
			if !matchValue(rv, av) {
				return false
			}
		}
		return true

	case []any:
		a, ok := actual.([]any)
		if !ok {
			return false
		}
		if len(r) == 1 {
			if s, isStr := r[0].(string); isStr && strings.HasSuffix(s, "**") {
				for _, av := range a {
					if matchValue(r[0], av) {
						return true
					}
				}
				return false
			}
		}
		if len(r) != len(a) {
			return false
		}
		for i := range r {
			if !matchValue(r[i], a[i]) {
				return false
			}
		}
		return true

	case string:
		as, ok := actual.(string)
		if !ok {
			return false
		}
		if strings.Contains(r, "*") {
			return matchGlob(r, as)
		}
		return r == as

	default:
		return equalScalar(rule, actual)
	}
}

// equalScalar compares non-string, non-container leaf values (numbers,
// bools, nil) for equality, tolerating JSON's float64-for-everything
// numeric representation.
func equalScalar(rule, actual any) bool {
	rf, rok := asFloat(rule)
	af, aok := asFloat(actual)
	if rok && aok {
		return rf == af
	}
	return rule == actual
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// Conflicts reports whether rule b is subsumed by pattern a — i.e.
// anything b's fields concretely describe would also be matched by a.
// Used to decide whether a capability/revoke pattern should remove a
// previously granted rule.
func Conflicts(a, b types.CapabilityRule) bool {
	if !matchKindPattern(a.Kind, b.Kind) {
		return false
	}
	if len(a.To) > 0 && !sharesElement(a.To, b.To) {
		return false
	}
	if len(a.Payload) > 0 {
		if len(b.Payload) == 0 {
			return false
		}
		if !matchValue(toAny(a.Payload), toAny(b.Payload)) {
			return false
		}
	}
	return true
}

func toAny(m map[string]any) any {
	return any(m)
}
