package goal

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Config is the default configuration copied into every goal of a type.
type Config struct {
	Label               string  `json:"label" validate:"required"`
	Description         string  `json:"description" validate:"required"`
	ConfidenceThreshold float64 `json:"confidence_threshold" validate:"gte=0,lte=1"`
	MaxAttempts         int     `json:"max_attempts" validate:"gte=1,lte=10"`
	DependsOn           []Type  `json:"depends_on" validate:"dive,required"`
}

// Registry maps goal types to their configuration.
type Registry map[Type]Config

// DefaultConfigs returns a fresh copy of the standard five-goal table.
func DefaultConfigs() Registry {
	return Registry{
		TypeIdentifyProduct: {
			Label:               "Identify product",
			Description:         "Determine brand, model and identifiers from item data and images",
			ConfidenceThreshold: 0.7,
			MaxAttempts:         2,
		},
		TypeValidateIdentification: {
			Label:               "Validate identification",
			Description:         "Check that the identification is confident enough to build a listing on",
			ConfidenceThreshold: 0.8,
			MaxAttempts:         1,
			DependsOn:           []Type{TypeIdentifyProduct},
		},
		TypeGatherMetadata: {
			Label:               "Gather metadata",
			Description:         "Detect the marketplace category and its required and recommended fields",
			ConfidenceThreshold: 0.6,
			MaxAttempts:         1,
			DependsOn:           []Type{TypeIdentifyProduct},
		},
		TypeResearchMarket: {
			Label:               "Research market",
			Description:         "Collect comparable sold and active listings for pricing",
			ConfidenceThreshold: 0.6,
			MaxAttempts:         1,
			DependsOn:           []Type{TypeIdentifyProduct},
		},
		TypeAssembleListing: {
			Label:               "Assemble listing",
			Description:         "Combine identification, metadata and pricing into a listing draft",
			ConfidenceThreshold: 0.5,
			MaxAttempts:         1,
			DependsOn:           []Type{TypeGatherMetadata, TypeResearchMarket},
		},
	}
}

var validate = validator.New()

// Validate checks every config and rejects dangling or cyclic dependencies.
func (r Registry) Validate() error {
	if len(r) == 0 {
		return errors.New("goal registry is empty")
	}
	for t, c := range r {
		if strings.TrimSpace(string(t)) == "" {
			return errors.New("goal type cannot be empty")
		}
		if err := validate.Struct(c); err != nil {
			return fmt.Errorf("goal %s: %w", t, describeValidation(err))
		}
		for _, dep := range c.DependsOn {
			if dep == t {
				return fmt.Errorf("goal %s depends on itself", t)
			}
			if _, ok := r[dep]; !ok {
				return fmt.Errorf("goal %s depends on unknown goal %s", t, dep)
			}
		}
	}
	_, err := r.buildOrder()
	return err
}

// buildOrder returns the registry's types with StandardOrder first and any
// custom types after, rearranged so that dependencies precede dependents.
func (r Registry) buildOrder() ([]Type, error) {
	seeds := make([]Type, 0, len(r))
	seen := make(map[Type]bool, len(r))
	for _, t := range StandardOrder {
		if _, ok := r[t]; ok {
			seeds = append(seeds, t)
			seen[t] = true
		}
	}
	var extra []Type
	for t := range r {
		if !seen[t] {
			extra = append(extra, t)
		}
	}
	sort.Slice(extra, func(i, j int) bool { return extra[i] < extra[j] })
	seeds = append(seeds, extra...)

	edges := make(map[string][]string, len(r))
	for t, c := range r {
		deps := make([]string, len(c.DependsOn))
		for i, d := range c.DependsOn {
			deps[i] = string(d)
		}
		edges[string(t)] = deps
	}
	ids := make([]string, len(seeds))
	for i, t := range seeds {
		ids[i] = string(t)
	}

	sorted, err := topologicalOrder(ids, edges)
	if err != nil {
		return nil, err
	}
	out := make([]Type, len(sorted))
	for i, s := range sorted {
		out[i] = Type(s)
	}
	return out, nil
}

func describeValidation(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, e := range verrs {
		msgs = append(msgs, fmt.Sprintf("field %s failed %q (value: %v)", e.Field(), e.Tag(), e.Value()))
	}
	return errors.New(strings.Join(msgs, "; "))
}
