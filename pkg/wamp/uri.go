package wamp

import "strings"

// URI is a WAMP URI: dot-separated lowercase components naming a topic,
// procedure, realm, or error.
type URI string

// Match policies for subscriptions and registrations.
const (
	MatchExact    = "exact"
	MatchPrefix   = "prefix"
	MatchWildcard = "wildcard"
)

// ValidURI reports whether the URI is well formed for the given match
// policy. Exact and prefix URIs require every component non-empty;
// wildcard URIs permit empty components, which match any single component.
// Under strict checking components are restricted to [0-9a-z_]+.
func (u URI) ValidURI(strict bool, policy string) bool {
	if u == "" {
		return false
	}
	comps := strings.Split(string(u), ".")
	sawNonEmpty := false
	for _, c := range comps {
		if c == "" {
			if policy != MatchWildcard {
				return false
			}
			continue
		}
		sawNonEmpty = true
		if strict && !strictComponent(c) {
			return false
		}
		if !strict && !looseComponent(c) {
			return false
		}
	}
	return sawNonEmpty
}

// Split returns the dot-separated components of the URI.
func (u URI) Split() []string {
	return strings.Split(string(u), ".")
}

// PrefixOf reports whether u is a component-aligned prefix of other.
// "a.b" prefixes "a.b" and "a.b.c" but not "a.bc".
func (u URI) PrefixOf(other URI) bool {
	if u == other {
		return true
	}
	return strings.HasPrefix(string(other), string(u)+".")
}

// WildcardMatch reports whether the wildcard pattern u matches the exact
// URI other: equal component count, and every pattern component either
// empty or equal to the corresponding URI component.
func (u URI) WildcardMatch(other URI) bool {
	pat := u.Split()
	got := other.Split()
	if len(pat) != len(got) {
		return false
	}
	for i, p := range pat {
		if p != "" && p != got[i] {
			return false
		}
	}
	return true
}

func strictComponent(c string) bool {
	for i := 0; i < len(c); i++ {
		b := c[i]
		if b == '_' || (b >= '0' && b <= '9') || (b >= 'a' && b <= 'z') {
			continue
		}
		return false
	}
	return true
}

// looseComponent rejects only characters that would break URI routing:
// whitespace and the '#' reserved by the WAMP spec.
func looseComponent(c string) bool {
	return !strings.ContainsAny(c, " \t\n\r#")
}

// ValidMatchPolicy reports whether s names a supported match policy.
func ValidMatchPolicy(s string) bool {
	switch s {
	case MatchExact, MatchPrefix, MatchWildcard:
		return true
	}
	return false
}
