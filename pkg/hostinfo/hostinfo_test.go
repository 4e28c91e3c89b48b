package hostinfo

import (
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestBuilderRejectsEmptyHost(t *testing.T) {
	if _, err := NewBuilder("").Build(); err == nil {
		t.Fatal("expected an error for an empty host")
	}
}

func TestBuilderDefaults(t *testing.T) {
	h, err := NewBuilder("db-1").Build()
	if err != nil {
		t.Fatal(err)
	}
	if h.Port() != -1 || h.Role() != RoleUnknown || h.Availability() != Available || h.Weight() != 1 {
		t.Fatalf("unexpected defaults: %s", h)
	}
}

func TestAllAliasesIncludesCanonicalHostPort(t *testing.T) {
	h, err := NewBuilder("db-1").WithPort(3306).WithAlias("db-1-alias").Build()
	if err != nil {
		t.Fatal(err)
	}
	got := h.AllAliases()
	sort.Strings(got)
	want := []string{"db-1-alias", "db-1:3306"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("AllAliases mismatch (-want +got):\n%s", diff)
	}
}

func TestHostInfoEqualIgnoresHostAndAliases(t *testing.T) {
	a, err := NewBuilder("a.example.com").WithPort(3306).WithRole(RoleReader).WithWeight(2).Build()
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewBuilder("b.example.com").WithPort(3306).WithRole(RoleReader).WithWeight(2).WithAlias("x").Build()
	if err != nil {
		t.Fatal(err)
	}
	if !a.Equal(b) {
		t.Fatal("expected a and b to be Equal (same port/role/availability/weight)")
	}

	b.SetRole(RoleWriter)
	if a.Equal(b) {
		t.Fatal("expected a and b to differ after b's role changed")
	}
}

func TestSetRoleAndAvailabilityAreVisibleThroughSharedPointer(t *testing.T) {
	h, err := NewBuilder("db-1").Build()
	if err != nil {
		t.Fatal(err)
	}
	shared := h
	h.SetRole(RoleWriter)
	h.SetAvailability(NotAvailable)
	if shared.Role() != RoleWriter || shared.Availability() != NotAvailable {
		t.Fatal("expected mutations through one pointer to be visible through any holder of it")
	}
	if shared.IsAvailable() {
		t.Fatal("expected IsAvailable to reflect NotAvailable")
	}
}
