package goal

import "time"

// Patch carries the fields to merge into a goal. Nil fields are left as is.
type Patch struct {
	Status      *Status
	Confidence  *float64
	Attempts    *int
	Error       *string
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// UpdateStatus returns a copy of goals with patch merged into the goal
// matching id. When no goal matches, goals is returned unchanged.
func UpdateStatus(goals []Goal, id string, patch Patch) []Goal {
	idx := -1
	for i, g := range goals {
		if g.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return goals
	}

	out := make([]Goal, len(goals))
	copy(out, goals)

	g := out[idx]
	if patch.Status != nil {
		g.Status = *patch.Status
	}
	if patch.Confidence != nil {
		g.Confidence = *patch.Confidence
	}
	if patch.Attempts != nil {
		g.Attempts = *patch.Attempts
	}
	if patch.Error != nil {
		g.Error = *patch.Error
	}
	if patch.StartedAt != nil {
		t := *patch.StartedAt
		g.StartedAt = &t
	}
	if patch.CompletedAt != nil {
		t := *patch.CompletedAt
		g.CompletedAt = &t
	}
	out[idx] = g
	return out
}

// WithStatus is shorthand for a Patch that only sets the status.
func WithStatus(s Status) Patch {
	return Patch{Status: &s}
}
