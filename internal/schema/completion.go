package schema

import "strings"

const (
	requiredWeight    = 0.8
	recommendedWeight = 0.2
)

// ScoreFields counts which required and recommended fields have a
// non-empty value in attrs, matching names case-insensitively. An empty
// field group counts as fully satisfied in the readiness score.
func ScoreFields(attrs map[string]string, required, recommended []FieldRequirement) FieldCompletion {
	present := make(map[string]bool, len(attrs))
	for k, v := range attrs {
		if strings.TrimSpace(v) != "" {
			present[strings.ToLower(strings.TrimSpace(k))] = true
		}
	}

	req := scoreGroup(present, required)
	rec := scoreGroup(present, recommended)

	score := requiredWeight*ratio(req) + recommendedWeight*ratio(rec)
	return FieldCompletion{
		Required:       req,
		Recommended:    rec,
		ReadinessScore: score,
	}
}

func scoreGroup(present map[string]bool, fields []FieldRequirement) FieldGroup {
	g := FieldGroup{Total: len(fields), Missing: []string{}}
	for _, f := range fields {
		if present[strings.ToLower(strings.TrimSpace(f.Name))] {
			g.Filled++
		} else {
			g.Missing = append(g.Missing, f.Name)
		}
	}
	return g
}

func ratio(g FieldGroup) float64 {
	if g.Total == 0 {
		return 1
	}
	return float64(g.Filled) / float64(g.Total)
}
