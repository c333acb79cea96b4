package goal

import (
	"reflect"
	"testing"
)

func TestIsSatisfied(t *testing.T) {
	g := Goal{ID: "c", Dependencies: []string{"a", "b"}}

	tests := []struct {
		name      string
		completed []string
		want      bool
	}{
		{"none", nil, false},
		{"partial", []string{"a"}, false},
		{"all", []string{"b", "a"}, true},
		{"superset", []string{"a", "x", "b"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsSatisfied(g, tt.completed); got != tt.want {
				t.Errorf("IsSatisfied() = %v, want %v", got, tt.want)
			}
		})
	}

	if !IsSatisfied(Goal{ID: "root"}, nil) {
		t.Error("goal without dependencies should always be satisfied")
	}
}

// TestIsSatisfied_Monotonic checks that adding completions never revokes
// readiness, over every subset of the standard goal ids.
func TestIsSatisfied_Monotonic(t *testing.T) {
	goals := buildStandard(t)
	ids := make([]string, len(goals))
	for i, g := range goals {
		ids[i] = g.ID
	}

	subset := func(mask int) []string {
		var s []string
		for i, id := range ids {
			if mask&(1<<i) != 0 {
				s = append(s, id)
			}
		}
		return s
	}

	n := 1 << len(ids)
	for _, g := range goals {
		for small := 0; small < n; small++ {
			if !IsSatisfied(g, subset(small)) {
				continue
			}
			for large := 0; large < n; large++ {
				if large&small != small {
					continue
				}
				if !IsSatisfied(g, subset(large)) {
					t.Fatalf("%s satisfied by %v but not by superset %v", g.Type, subset(small), subset(large))
				}
			}
		}
	}
}

func TestReadyGoals_InitialState(t *testing.T) {
	goals := buildStandard(t)

	ready := ReadyGoals(goals, nil)
	if len(ready) != 1 || ready[0].Type != TypeIdentifyProduct {
		t.Fatalf("ready = %v, want only IDENTIFY_PRODUCT", types(ready))
	}
}

func TestReadyGoals_AfterIdentification(t *testing.T) {
	goals := buildStandard(t)
	identify := mustFind(t, goals, TypeIdentifyProduct)
	goals = UpdateStatus(goals, identify.ID, WithStatus(StatusCompleted))

	ready := ReadyGoals(goals, []string{identify.ID})
	want := []Type{TypeValidateIdentification, TypeGatherMetadata, TypeResearchMarket}
	if got := types(ready); !reflect.DeepEqual(got, want) {
		t.Errorf("ready = %v, want %v", got, want)
	}
}

func TestReadyGoals_SkipsNonPending(t *testing.T) {
	goals := buildStandard(t)
	identify := mustFind(t, goals, TypeIdentifyProduct)
	meta := mustFind(t, goals, TypeGatherMetadata)
	market := mustFind(t, goals, TypeResearchMarket)

	goals = UpdateStatus(goals, identify.ID, WithStatus(StatusCompleted))
	goals = UpdateStatus(goals, meta.ID, WithStatus(StatusActive))
	goals = UpdateStatus(goals, market.ID, WithStatus(StatusFailed))

	completed := []string{identify.ID}
	for _, g := range ReadyGoals(goals, completed) {
		if g.Status != StatusPending {
			t.Errorf("ReadyGoals returned %s with status %s", g.Type, g.Status)
		}
		if !IsSatisfied(g, completed) {
			t.Errorf("ReadyGoals returned unsatisfied goal %s", g.Type)
		}
	}
	if got := types(ReadyGoals(goals, completed)); !reflect.DeepEqual(got, []Type{TypeValidateIdentification}) {
		t.Errorf("ready = %v, want [VALIDATE_IDENTIFICATION]", got)
	}
}

// TestReadyGoals_NeverUnsafe checks every status assignment for the
// assembly goal against every completion subset.
func TestReadyGoals_NeverUnsafe(t *testing.T) {
	goals := buildStandard(t)
	statuses := []Status{StatusPending, StatusActive, StatusCompleted, StatusSkipped, StatusFailed}
	ids := make([]string, len(goals))
	for i, g := range goals {
		ids[i] = g.ID
	}

	for _, s := range statuses {
		for mask := 0; mask < 1<<len(ids); mask++ {
			var completed []string
			for i, id := range ids {
				if mask&(1<<i) != 0 {
					completed = append(completed, id)
				}
			}
			gs := goals
			for _, g := range goals {
				gs = UpdateStatus(gs, g.ID, WithStatus(s))
			}
			for _, g := range ReadyGoals(gs, completed) {
				if g.Status != StatusPending || !IsSatisfied(g, completed) {
					t.Fatalf("unsafe ready goal %s (status %s, completed %v)", g.Type, g.Status, completed)
				}
			}
		}
	}
}

func TestBlocked(t *testing.T) {
	goals := buildStandard(t)
	identify := mustFind(t, goals, TypeIdentifyProduct)
	market := mustFind(t, goals, TypeResearchMarket)

	goals = UpdateStatus(goals, identify.ID, WithStatus(StatusCompleted))
	goals = UpdateStatus(goals, market.ID, WithStatus(StatusSkipped))

	if got := types(Blocked(goals)); !reflect.DeepEqual(got, []Type{TypeAssembleListing}) {
		t.Errorf("Blocked = %v, want [ASSEMBLE_LISTING]", got)
	}
}

func types(goals []Goal) []Type {
	var out []Type
	for _, g := range goals {
		out = append(out, g.Type)
	}
	return out
}
