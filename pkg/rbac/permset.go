package rbac

import (
	"encoding/json"
	"sort"
)

// PermissionSet is a membership-only set of permission codes.
// A set containing Wildcard grants every code.
type PermissionSet map[string]struct{}

// NewPermissionSet builds a set from codes, ignoring empty strings
func NewPermissionSet(codes ...string) PermissionSet {
	s := make(PermissionSet, len(codes))
	for _, c := range codes {
		if c != "" {
			s[c] = struct{}{}
		}
	}
	return s
}

// AllPermissions returns the super admin's wildcard set
func AllPermissions() PermissionSet {
	return PermissionSet{Wildcard: {}}
}

// IsWildcard reports whether the set grants everything
func (s PermissionSet) IsWildcard() bool {
	_, ok := s[Wildcard]
	return ok
}

// Has reports whether code is granted
func (s PermissionSet) Has(code string) bool {
	if s.IsWildcard() {
		return true
	}
	_, ok := s[code]
	return ok
}

// HasAny reports whether at least one of codes is granted
func (s PermissionSet) HasAny(codes ...string) bool {
	for _, c := range codes {
		if s.Has(c) {
			return true
		}
	}
	return false
}

// HasAll reports whether every one of codes is granted
func (s PermissionSet) HasAll(codes ...string) bool {
	for _, c := range codes {
		if !s.Has(c) {
			return false
		}
	}
	return true
}

// Union returns a new set with the members of both sets
func (s PermissionSet) Union(other PermissionSet) PermissionSet {
	out := make(PermissionSet, len(s)+len(other))
	for c := range s {
		out[c] = struct{}{}
	}
	for c := range other {
		out[c] = struct{}{}
	}
	return out
}

// Clone returns an independent copy of the set
func (s PermissionSet) Clone() PermissionSet {
	if s == nil {
		return nil
	}
	return s.Union(nil)
}

// Subtract returns a new set without the members of other
func (s PermissionSet) Subtract(other PermissionSet) PermissionSet {
	out := make(PermissionSet, len(s))
	for c := range s {
		if _, drop := other[c]; !drop {
			out[c] = struct{}{}
		}
	}
	return out
}

// Codes returns the members in sorted order
func (s PermissionSet) Codes() []string {
	codes := make([]string, 0, len(s))
	for c := range s {
		codes = append(codes, c)
	}
	sort.Strings(codes)
	return codes
}

// MarshalJSON encodes the set as a sorted array of codes
func (s PermissionSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Codes())
}

// UnmarshalJSON decodes an array of codes
func (s *PermissionSet) UnmarshalJSON(data []byte) error {
	var codes []string
	if err := json.Unmarshal(data, &codes); err != nil {
		return err
	}
	*s = NewPermissionSet(codes...)
	return nil
}
