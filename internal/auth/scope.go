package auth

import (
	"fmt"
	"sort"
	"strings"
)

// Scope is a capability granted to the application by the API
type Scope int

// Scopes in canonical order. The ordinal defines the sort order used when a
// scope set is serialized.
const (
	ScopeReadStation Scope = iota
	ScopeReadThermostat
	ScopeWriteThermostat
	ScopeReadCamera
	ScopeWriteCamera
	ScopeAccessCamera
	ScopeReadPresence
	ScopeAccessPresence
	ScopeReadHomecoach
)

var scopeNames = [...]string{
	ScopeReadStation:     "read_station",
	ScopeReadThermostat:  "read_thermostat",
	ScopeWriteThermostat: "write_thermostat",
	ScopeReadCamera:      "read_camera",
	ScopeWriteCamera:     "write_camera",
	ScopeAccessCamera:    "access_camera",
	ScopeReadPresence:    "read_presence",
	ScopeAccessPresence:  "access_presence",
	ScopeReadHomecoach:   "read_homecoach",
}

// DefaultScope is granted implicitly when no scope is requested
const DefaultScope = ScopeReadStation

// String returns the wire name of the scope
func (s Scope) String() string {
	if s < 0 || int(s) >= len(scopeNames) {
		return fmt.Sprintf("scope(%d)", int(s))
	}
	return scopeNames[s]
}

// ParseScope converts a wire name into a Scope
func ParseScope(name string) (Scope, error) {
	for i, n := range scopeNames {
		if n == name {
			return Scope(i), nil
		}
	}
	return 0, fmt.Errorf("unknown scope %q", name)
}

// ScopeSet is a canonical, de-duplicated list of scopes. The empty set means
// "default scope only".
type ScopeSet []Scope

// NewScopeSet sorts and de-duplicates scopes
func NewScopeSet(scopes ...Scope) ScopeSet {
	if len(scopes) == 0 {
		return nil
	}
	seen := make(map[Scope]bool, len(scopes))
	set := make(ScopeSet, 0, len(scopes))
	for _, s := range scopes {
		if seen[s] {
			continue
		}
		seen[s] = true
		set = append(set, s)
	}
	sort.Slice(set, func(i, j int) bool { return set[i] < set[j] })
	return set
}

// ParseScopeSet builds a canonical set from wire names
func ParseScopeSet(names []string) (ScopeSet, error) {
	scopes := make([]Scope, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		s, err := ParseScope(name)
		if err != nil {
			return nil, err
		}
		scopes = append(scopes, s)
	}
	return NewScopeSet(scopes...), nil
}

// Names returns the wire names in canonical order
func (s ScopeSet) Names() []string {
	if len(s) == 0 {
		return nil
	}
	names := make([]string, len(s))
	for i, scope := range s {
		names[i] = scope.String()
	}
	return names
}

// String returns the space-joined wire names as sent in the scope parameter
func (s ScopeSet) String() string {
	return strings.Join(s.Names(), " ")
}

// Equal reports whether both sets hold exactly the same scopes
func (s ScopeSet) Equal(other ScopeSet) bool {
	a, b := NewScopeSet(s...), NewScopeSet(other...)
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Includes reports whether scope is granted. An empty set grants only the
// default scope.
func (s ScopeSet) Includes(scope Scope) bool {
	if len(s) == 0 {
		return scope == DefaultScope
	}
	for _, granted := range s {
		if granted == scope {
			return true
		}
	}
	return false
}
