package goal

import "slices"

// IsSatisfied reports whether every dependency of g appears in completed.
func IsSatisfied(g Goal, completed []string) bool {
	for _, dep := range g.Dependencies {
		if !slices.Contains(completed, dep) {
			return false
		}
	}
	return true
}

// ReadyGoals returns the pending goals whose dependencies are all completed,
// in input order. Callers needing priority must sort the result themselves.
func ReadyGoals(goals []Goal, completed []string) []Goal {
	var ready []Goal
	for _, g := range goals {
		if g.Status == StatusPending && IsSatisfied(g, completed) {
			ready = append(ready, g)
		}
	}
	return ready
}

// Blocked returns the pending goals that can never become ready because at
// least one dependency ended in a terminal state other than completed.
func Blocked(goals []Goal) []Goal {
	status := make(map[string]Status, len(goals))
	for _, g := range goals {
		status[g.ID] = g.Status
	}
	var blocked []Goal
	for _, g := range goals {
		if g.Status != StatusPending {
			continue
		}
		for _, dep := range g.Dependencies {
			if s := status[dep]; s == StatusFailed || s == StatusSkipped {
				blocked = append(blocked, g)
				break
			}
		}
	}
	return blocked
}
