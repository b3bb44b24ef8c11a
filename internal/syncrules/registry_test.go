package syncrules

import "testing"

func TestRegistrySetAndGet(t *testing.T) {
	r := NewRegistry()
	if got := r.Rules("g1"); got != nil {
		t.Fatalf("Rules(unset) = %v, want nil", got)
	}

	rules := &Rules{ID: 1, GroupID: "g1"}
	r.Set("g1", rules)
	if got := r.Rules("g1"); got != rules {
		t.Errorf("Rules(g1) = %v, want %v", got, rules)
	}
	if got := r.Rules("g2"); got != nil {
		t.Errorf("Rules(g2) = %v, want nil", got)
	}

	replacement := &Rules{ID: 2, GroupID: "g1"}
	r.Set("g1", replacement)
	if got := r.Rules("g1"); got != replacement {
		t.Errorf("Rules(g1) after replace = %v, want %v", got, replacement)
	}
}
