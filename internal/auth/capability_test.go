package auth

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseCapability(t *testing.T) {
	tests := []struct {
		in   string
		want Capability
	}{
		{"Admin", Admin},
		{"viewhidden", ViewHidden},
		{" ViewProtected ", ViewProtected},
		{"ManageAnträge", ManageAntraege},
		{"ManageAntraege", ManageAntraege},
		{"manageantrage", ManageAntraege},
	}
	for _, tt := range tests {
		got, err := ParseCapability(tt.in)
		if err != nil {
			t.Fatalf("ParseCapability(%q) returned error: %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseCapability(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}

	if _, err := ParseCapability("Superuser"); err == nil {
		t.Error("expected error for unknown capability")
	}
}

func TestNewResolverRejectsUnknownCapability(t *testing.T) {
	_, err := NewResolver(map[string][]string{"fsr": {"ViewHidden", "Root"}})
	if err == nil {
		t.Fatal("expected unknown capability to fail")
	}
	if _, err := NewResolver(map[string][]string{" ": {"Admin"}}); err == nil {
		t.Fatal("expected empty group name to fail")
	}
}

func TestResolveUnionAndUnknownGroups(t *testing.T) {
	r, err := NewResolver(map[string][]string{
		"members": {"ViewHidden", "CreateAntrag"},
		"board":   {"ManageSitzungen", "ViewHidden"},
	})
	if err != nil {
		t.Fatalf("NewResolver returned error: %v", err)
	}

	got := r.Resolve([]string{"members", "board", "nobody"})
	want := NewCapabilitySet(ViewHidden, CreateAntrag, ManageSitzungen)
	if got != want {
		t.Errorf("Resolve = %v, want %v", got.Names(), want.Names())
	}

	if s := r.Resolve([]string{"strangers"}); !s.IsEmpty() {
		t.Errorf("unknown groups granted %v", s.Names())
	}
	if s := r.Resolve(nil); !s.IsEmpty() {
		t.Errorf("no groups granted %v", s.Names())
	}
}

// Every subset of capabilities mapped to one group must resolve to a superset
// of itself, and to the full set whenever Admin is present.
func TestResolveClosureProperty(t *testing.T) {
	all := AllCapabilities()
	for mask := 0; mask < 1<<len(all); mask++ {
		var names []string
		var raw CapabilitySet
		for i, c := range all {
			if mask&(1<<i) != 0 {
				names = append(names, c.String())
				raw = raw.With(c)
			}
		}
		r, err := NewResolver(map[string][]string{"g": names})
		if err != nil {
			t.Fatalf("NewResolver(%v) returned error: %v", names, err)
		}
		got := r.Resolve([]string{"g"})
		if got.Union(raw) != got {
			t.Fatalf("Resolve(%v) = %v is not a superset", names, got.Names())
		}
		if got.Has(Admin) {
			for _, c := range all {
				if !got.Has(c) {
					t.Fatalf("Admin set %v lacks %v", got.Names(), c)
				}
			}
		} else if got != raw {
			t.Fatalf("non-admin set changed: %v -> %v", raw.Names(), got.Names())
		}
	}
}

func TestRequire(t *testing.T) {
	set := NewCapabilitySet(ViewHidden)
	if err := Require(set, ViewHidden); err != nil {
		t.Fatalf("Require returned error: %v", err)
	}
	if err := Require(set, ManagePersons); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if err := Require(NewCapabilitySet(Admin).Closure(), ManagePersons); err != nil {
		t.Fatalf("admin should have ManagePersons: %v", err)
	}
}

func TestCapabilitySetJSON(t *testing.T) {
	data, err := json.Marshal(NewCapabilitySet(ViewProtected, CreateAntrag))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `["CreateAntrag","ViewProtected"]` {
		t.Errorf("unexpected JSON %s", data)
	}
	data, _ = json.Marshal(CapabilitySet(0))
	if string(data) != `[]` {
		t.Errorf("empty set JSON = %s", data)
	}
}

func TestResolverKnown(t *testing.T) {
	r, err := NewResolver(map[string][]string{"fsr": {"ViewHidden"}, "admins": {"Admin"}})
	if err != nil {
		t.Fatal(err)
	}
	claim := []string{"students", "admins", "fsr", "admins", "/org/other"}
	known := r.Known(claim)
	if len(known) != 2 || known[0] != "admins" || known[1] != "fsr" {
		t.Fatalf("Known = %v", known)
	}
	if r.Resolve(known) != r.Resolve(claim) {
		t.Errorf("Known changed the capability set")
	}
	if got := r.Known(nil); got == nil || len(got) != 0 {
		t.Errorf("Known(nil) = %#v, want empty slice", got)
	}
}
