package goal

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/google/uuid"
)

// IDGenerator produces opaque unique goal identifiers.
type IDGenerator func() string

// UUIDGenerator returns random v4 UUID strings.
func UUIDGenerator() string {
	return uuid.New().String()
}

// Builder constructs goal DAGs from a validated registry.
type Builder struct {
	registry Registry
	order    []Type
	ids      IDGenerator
	logger   *slog.Logger
}

// NewBuilder validates reg once and returns a Builder for it. A nil ids
// falls back to UUIDGenerator.
func NewBuilder(reg Registry, ids IDGenerator) (*Builder, error) {
	if err := reg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid goal registry: %w", err)
	}
	order, err := reg.buildOrder()
	if err != nil {
		return nil, fmt.Errorf("ordering goal registry: %w", err)
	}
	if ids == nil {
		ids = UUIDGenerator
	}
	cp := make(Registry, len(reg))
	for t, c := range reg {
		c.DependsOn = slices.Clone(c.DependsOn)
		cp[t] = c
	}
	return &Builder{registry: cp, order: order, ids: ids, logger: slog.Default()}, nil
}

// Build creates one pending goal per registry entry. Dependencies always
// point at goals created earlier in the same call.
func (b *Builder) Build(rc RunContext) []Goal {
	idByType := make(map[Type]string, len(b.order))
	goals := make([]Goal, 0, len(b.order))

	for _, t := range b.order {
		cfg := b.registry[t]
		id := b.ids()
		idByType[t] = id

		deps := make([]string, 0, len(cfg.DependsOn))
		for _, dt := range cfg.DependsOn {
			deps = append(deps, idByType[dt])
		}

		goals = append(goals, Goal{
			ID:                  id,
			Type:                t,
			Status:              StatusPending,
			Confidence:          0,
			Dependencies:        deps,
			Label:               cfg.Label,
			Description:         cfg.Description,
			ConfidenceThreshold: cfg.ConfidenceThreshold,
			MaxAttempts:         cfg.MaxAttempts,
		})
	}

	depCounts := make([]any, 0, len(goals)*2)
	for _, g := range goals {
		depCounts = append(depCounts, string(g.Type), len(g.Dependencies))
	}
	b.logger.Debug("goals initialized",
		"run_id", rc.RunID,
		"item_id", rc.ItemID,
		"count", len(goals),
		slog.Group("dependencies", depCounts...),
	)

	return goals
}
