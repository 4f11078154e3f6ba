package auth

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Capability is a named permission granted through group membership.
type Capability uint8

const (
	Admin Capability = iota
	ManageSitzungen
	CreateAntrag
	ManageAntraege
	ManagePersons
	ViewHidden
	ViewProtected

	capabilityCount
)

var capabilityNames = [capabilityCount]string{
	Admin:           "Admin",
	ManageSitzungen: "ManageSitzungen",
	CreateAntrag:    "CreateAntrag",
	ManageAntraege:  "ManageAnträge",
	ManagePersons:   "ManagePersons",
	ViewHidden:      "ViewHidden",
	ViewProtected:   "ViewProtected",
}

// ASCII spellings accepted in configuration.
var capabilityAliases = map[string]Capability{
	"manageantraege": ManageAntraege,
	"manageantrage":  ManageAntraege,
}

func (c Capability) String() string {
	if c < capabilityCount {
		return capabilityNames[c]
	}
	return fmt.Sprintf("Capability(%d)", uint8(c))
}

// ParseCapability maps a configured capability name to its value. Matching is
// case-insensitive.
func ParseCapability(name string) (Capability, error) {
	trimmed := strings.TrimSpace(name)
	for i, n := range capabilityNames {
		if strings.EqualFold(n, trimmed) {
			return Capability(i), nil
		}
	}
	if c, ok := capabilityAliases[strings.ToLower(trimmed)]; ok {
		return c, nil
	}
	return 0, fmt.Errorf("unknown capability %q", name)
}

// AllCapabilities lists every capability in declaration order.
func AllCapabilities() []Capability {
	all := make([]Capability, 0, capabilityCount)
	for c := Capability(0); c < capabilityCount; c++ {
		all = append(all, c)
	}
	return all
}

// CapabilitySet is an immutable bit set of capabilities.
type CapabilitySet uint16

const fullSet = CapabilitySet(1<<capabilityCount - 1)

// NewCapabilitySet builds a set from the given capabilities without applying
// the Admin closure.
func NewCapabilitySet(caps ...Capability) CapabilitySet {
	var s CapabilitySet
	for _, c := range caps {
		s = s.With(c)
	}
	return s
}

func (s CapabilitySet) With(c Capability) CapabilitySet {
	if c >= capabilityCount {
		return s
	}
	return s | 1<<c
}

func (s CapabilitySet) Union(o CapabilitySet) CapabilitySet { return s | o }

func (s CapabilitySet) Has(c Capability) bool {
	return c < capabilityCount && s&(1<<c) != 0
}

func (s CapabilitySet) IsEmpty() bool { return s == 0 }

// Closure applies the implication rule: Admin grants every capability.
func (s CapabilitySet) Closure() CapabilitySet {
	if s.Has(Admin) {
		return fullSet
	}
	return s
}

// List returns the members in declaration order.
func (s CapabilitySet) List() []Capability {
	var out []Capability
	for c := Capability(0); c < capabilityCount; c++ {
		if s.Has(c) {
			out = append(out, c)
		}
	}
	return out
}

// Names returns the member names in declaration order.
func (s CapabilitySet) Names() []string {
	caps := s.List()
	names := make([]string, len(caps))
	for i, c := range caps {
		names[i] = c.String()
	}
	return names
}

func (s CapabilitySet) MarshalJSON() ([]byte, error) {
	names := s.Names()
	if names == nil {
		names = []string{}
	}
	return json.Marshal(names)
}

// Require is the single authorization check used by every guarded endpoint.
func Require(s CapabilitySet, c Capability) error {
	if s.Has(c) {
		return nil
	}
	return fmt.Errorf("%w: missing %s", ErrForbidden, c)
}

// Resolver maps identity-provider groups to capabilities. It is built once at
// startup and is safe for concurrent use.
type Resolver struct {
	groups map[string]CapabilitySet
}

// NewResolver validates the group mapping. Unknown capability names or empty
// group names are configuration errors.
func NewResolver(mapping map[string][]string) (*Resolver, error) {
	groups := make(map[string]CapabilitySet, len(mapping))
	for group, names := range mapping {
		if strings.TrimSpace(group) == "" {
			return nil, fmt.Errorf("group mapping contains an empty group name")
		}
		var set CapabilitySet
		for _, name := range names {
			c, err := ParseCapability(name)
			if err != nil {
				return nil, fmt.Errorf("group %q: %w", group, err)
			}
			set = set.With(c)
		}
		groups[group] = set
	}
	return &Resolver{groups: groups}, nil
}

// Resolve unions the capabilities of every known group and applies the Admin
// closure. Unknown groups contribute nothing.
func (r *Resolver) Resolve(groups []string) CapabilitySet {
	if r == nil {
		return 0
	}
	var set CapabilitySet
	for _, g := range groups {
		set = set.Union(r.groups[g])
	}
	return set.Closure()
}

// Known keeps the groups that appear in the mapping, deduplicated and in claim
// order. Resolve gives the same set for the result as for the full claim.
func (r *Resolver) Known(groups []string) []string {
	known := []string{}
	if r == nil {
		return known
	}
	seen := make(map[string]struct{}, len(groups))
	for _, g := range groups {
		if _, ok := r.groups[g]; !ok {
			continue
		}
		if _, dup := seen[g]; dup {
			continue
		}
		seen[g] = struct{}{}
		known = append(known, g)
	}
	return known
}

// Groups returns the configured group names, sorted.
func (r *Resolver) Groups() []string {
	names := make([]string, 0, len(r.groups))
	for g := range r.groups {
		names = append(names, g)
	}
	sort.Strings(names)
	return names
}
