package goal

import (
	"reflect"
	"testing"
	"time"
)

func TestDerivePhase_Transitions(t *testing.T) {
	goals := buildStandard(t)
	identify := mustFind(t, goals, TypeIdentifyProduct).ID
	meta := mustFind(t, goals, TypeGatherMetadata).ID
	market := mustFind(t, goals, TypeResearchMarket).ID

	tests := []struct {
		name      string
		completed []string
		want      Phase
	}{
		{"nothing complete", nil, PhaseIdentification},
		{"identified", []string{identify}, PhaseParallel},
		{"metadata only", []string{identify, meta}, PhaseParallel},
		{"market only", []string{identify, market}, PhaseParallel},
		{"both branches", []string{identify, meta, market}, PhaseAssembly},
		{"branches without identify", []string{meta, market}, PhaseIdentification},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DerivePhase(goals, tt.completed); got != tt.want {
				t.Errorf("DerivePhase() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDerivePhase_MissingIdentify(t *testing.T) {
	goals := []Goal{
		{ID: "m", Type: TypeGatherMetadata},
		{ID: "r", Type: TypeResearchMarket},
	}
	if got := DerivePhase(goals, nil); got != PhaseParallel {
		t.Errorf("DerivePhase() = %q, want parallel", got)
	}
	if got := DerivePhase(goals, []string{"m", "r"}); got != PhaseAssembly {
		t.Errorf("DerivePhase() = %q, want assembly", got)
	}
}

func TestDerivePhase_MissingBranch(t *testing.T) {
	goals := []Goal{
		{ID: "i", Type: TypeIdentifyProduct},
		{ID: "m", Type: TypeGatherMetadata},
	}
	if got := DerivePhase(goals, []string{"i", "m"}); got != PhaseParallel {
		t.Errorf("DerivePhase() = %q, want parallel", got)
	}
}

func TestUpdateStatus_UnknownID(t *testing.T) {
	goals := buildStandard(t)
	snapshot := append([]Goal(nil), goals...)

	got := UpdateStatus(goals, "does-not-exist", WithStatus(StatusCompleted))
	if !reflect.DeepEqual(got, snapshot) {
		t.Error("UpdateStatus with unknown id changed the goals")
	}
	if &got[0] != &goals[0] {
		t.Error("UpdateStatus with unknown id should return the input slice")
	}
}

func TestUpdateStatus_MergesPatch(t *testing.T) {
	goals := buildStandard(t)
	meta := mustFind(t, goals, TypeGatherMetadata)

	conf := 0.9
	attempts := 1
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	status := StatusCompleted
	got := UpdateStatus(goals, meta.ID, Patch{
		Status:      &status,
		Confidence:  &conf,
		Attempts:    &attempts,
		CompletedAt: &now,
	})

	updated, _ := ByID(got, meta.ID)
	if updated.Status != StatusCompleted || updated.Confidence != 0.9 || updated.Attempts != 1 {
		t.Errorf("patch not merged: %+v", updated)
	}
	if updated.CompletedAt == nil || !updated.CompletedAt.Equal(now) {
		t.Errorf("CompletedAt = %v, want %v", updated.CompletedAt, now)
	}
	if updated.Description != meta.Description || !reflect.DeepEqual(updated.Dependencies, meta.Dependencies) {
		t.Error("unpatched fields changed")
	}

	original, _ := ByID(goals, meta.ID)
	if original.Status != StatusPending {
		t.Error("UpdateStatus mutated the input slice")
	}
	for i := range goals {
		if goals[i].ID != meta.ID && !reflect.DeepEqual(goals[i], got[i]) {
			t.Errorf("goal %s changed", goals[i].Type)
		}
	}
}
