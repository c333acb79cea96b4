package goal

import (
	"errors"
	"fmt"
)

// VerifyGoals checks that a goal set forms a valid DAG: ids are unique and
// non-empty, every dependency references a goal in the set, and there are
// no cycles. Persisted workflow state is checked with this before a run
// resumes.
func VerifyGoals(goals []Goal) error {
	edges := make(map[string][]string, len(goals))
	ids := make([]string, 0, len(goals))
	for _, g := range goals {
		if g.ID == "" {
			return errors.New("goal ID cannot be empty")
		}
		if _, dup := edges[g.ID]; dup {
			return fmt.Errorf("duplicate goal ID %s", g.ID)
		}
		edges[g.ID] = g.Dependencies
		ids = append(ids, g.ID)
	}
	for _, g := range goals {
		for _, dep := range g.Dependencies {
			if _, ok := edges[dep]; !ok {
				return fmt.Errorf("goal %s depends on unknown goal %s", g.ID, dep)
			}
		}
	}
	_, err := topologicalOrder(ids, edges)
	return err
}

// topologicalOrder returns ids in dependency order (dependencies first),
// visiting roots in the order given. Nodes missing from edges are treated
// as leaves.
func topologicalOrder(ids []string, edges map[string][]string) ([]string, error) {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(ids))
	sorted := make([]string, 0, len(ids))

	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("cycle detected involving %s", id)
		}
		state[id] = visiting
		for _, dep := range edges[id] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[id] = done
		if _, known := edges[id]; known {
			sorted = append(sorted, id)
		}
		return nil
	}

	for _, id := range ids {
		if err := visit(id); err != nil {
			return nil, err
		}
	}
	return sorted, nil
}
