package schema

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const maxMissingInSummary = 5

// Outcome classifies how a detection attempt ended.
type Outcome string

const (
	OutcomeDetected    Outcome = "detected"
	OutcomeNoMatch     Outcome = "no_match"
	OutcomeUnavailable Outcome = "unavailable"
	OutcomeFailed      Outcome = "failed"
)

// Input is the slice of workflow state the node reads.
type Input struct {
	RunID          string
	Item           *Item
	Identification *ProductIdentification
	Media          *MediaAnalysis
}

// Option configures a Node.
type Option func(*Node)

// WithDefaultCondition overrides the condition used when item and media
// analysis are both silent.
func WithDefaultCondition(c string) Option {
	return func(n *Node) {
		if c != "" {
			n.defaultCondition = c
		}
	}
}

// WithObserver registers a callback invoked once per Detect call.
func WithObserver(fn func(Outcome, time.Duration)) Option {
	return func(n *Node) { n.observe = fn }
}

// WithLogger replaces the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(n *Node) {
		if l != nil {
			n.logger = l
		}
	}
}

// Node detects the marketplace category for an item and scores how many
// of the category's fields are already known. Detection is non-critical:
// Detect never returns an error and never panics, it returns an empty
// Delta instead.
type Node struct {
	caps             Capabilities
	defaultCondition string
	observe          func(Outcome, time.Duration)
	logger           *slog.Logger
}

// NewNode creates a Node over the given capabilities.
func NewNode(caps Capabilities, opts ...Option) *Node {
	n := &Node{
		caps:             caps,
		defaultCondition: DefaultCondition,
		logger:           slog.Default(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// result is the value-or-error of one collaborator call.
type result[T any] struct {
	val T
	err error
}

// attempt runs fn, converting a panic into an error.
func attempt[T any](fn func() (T, error)) (r result[T]) {
	defer func() {
		if p := recover(); p != nil {
			r = result[T]{err: fmt.Errorf("panic: %v", p)}
		}
	}()
	v, err := fn()
	return result[T]{val: v, err: err}
}

type detectionOutcome struct {
	delta     Delta
	detected  bool
	condition string
}

// Detect runs category detection for in. See Node.
func (n *Node) Detect(ctx context.Context, in Input) Delta {
	start := time.Now()

	if n.caps.Detector == nil {
		n.logger.Warn("schema detection: no category detector configured, skipping", "run_id", in.RunID)
		n.report(OutcomeUnavailable, start)
		return Delta{}
	}

	opID := n.startOperation(ctx, in.RunID)

	res := n.run(ctx, in)
	if res.err != nil {
		n.logger.Error("schema detection failed", "run_id", in.RunID, "error", res.err)
		n.failOperation(ctx, in.RunID, opID, res.err)
		n.report(OutcomeFailed, start)
		return Delta{}
	}

	n.completeOperation(ctx, in.RunID, opID, res.val)
	if !res.val.detected {
		n.logger.Info("schema detection: could not detect category", "run_id", in.RunID)
		n.report(OutcomeNoMatch, start)
		return Delta{}
	}

	cat := res.val.delta.MarketplaceCategory
	n.logger.Info("schema detection complete",
		"run_id", in.RunID,
		"category_id", cat.ID,
		"category", cat.Name,
		"readiness", res.val.delta.FieldCompletion.ReadinessScore,
	)
	n.report(OutcomeDetected, start)
	return res.val.delta
}

func (n *Node) run(ctx context.Context, in Input) result[detectionOutcome] {
	det := n.caps.Detector
	info := MergeProductInfo(in.Item, in.Identification, in.Media)

	detected := attempt(func() (*Detection, error) {
		return det.DetectCategory(ctx, info)
	})
	if detected.err != nil {
		return result[detectionOutcome]{err: fmt.Errorf("detecting category: %w", detected.err)}
	}
	if detected.val == nil {
		return result[detectionOutcome]{}
	}
	d := *detected.val

	condition := ResolveCondition(in.Item, in.Media, n.defaultCondition)
	category := attempt(func() (MarketplaceCategory, error) {
		return det.BuildMarketplaceCategory(ctx, d, condition)
	})
	if category.err != nil {
		return result[detectionOutcome]{err: fmt.Errorf("building marketplace category: %w", category.err)}
	}

	attrs := MergeItemAttributes(in.Item, in.Identification, in.Media)
	completion := attempt(func() (FieldCompletion, error) {
		return det.CalculateFieldCompletion(attrs, d.RequiredFields, d.RecommendedFields), nil
	})
	if completion.err != nil {
		return result[detectionOutcome]{err: fmt.Errorf("calculating field completion: %w", completion.err)}
	}

	cat := category.val
	fc := completion.val
	return result[detectionOutcome]{val: detectionOutcome{
		detected:  true,
		condition: condition,
		delta: Delta{
			MarketplaceCategory: &cat,
			RequiredFields:      nonNil(d.RequiredFields),
			RecommendedFields:   nonNil(d.RecommendedFields),
			FieldCompletion:     &fc,
		},
	}}
}

// startOperation opens an activity record. Ad-hoc detections have no run and
// are not recorded.
func (n *Node) startOperation(ctx context.Context, runID string) string {
	if n.caps.Activity == nil || runID == "" {
		return ""
	}
	res := attempt(func() (string, error) {
		return n.caps.Activity.StartOperation(ctx, OperationStart{
			RunID:   runID,
			Type:    "detect_marketplace_schema",
			Title:   "Detect marketplace category",
			Message: "Detecting marketplace category and required fields",
		})
	})
	if res.err != nil {
		n.logger.Warn("activity: start operation failed", "run_id", runID, "error", res.err)
		return ""
	}
	return res.val
}

func (n *Node) completeOperation(ctx context.Context, runID, opID string, out detectionOutcome) {
	if n.caps.Activity == nil || opID == "" {
		return
	}
	summary := map[string]any{"detected": out.detected}
	msg := "Could not detect a marketplace category"
	if out.detected {
		cat := out.delta.MarketplaceCategory
		fc := out.delta.FieldCompletion
		missing := fc.Required.Missing
		if len(missing) > maxMissingInSummary {
			missing = missing[:maxMissingInSummary]
		}
		summary["category_id"] = cat.ID
		summary["category_name"] = cat.Name
		summary["category_path"] = cat.Path
		summary["condition_id"] = cat.ConditionID
		summary["condition"] = out.condition
		summary["required_filled"] = fc.Required.Filled
		summary["required_total"] = fc.Required.Total
		summary["readiness_score"] = fc.ReadinessScore
		summary["missing_required"] = missing
		msg = fmt.Sprintf("Detected category %s", cat.Name)
	}
	res := attempt(func() (struct{}, error) {
		return struct{}{}, n.caps.Activity.CompleteOperation(ctx, OperationResult{
			OperationID: opID,
			RunID:       runID,
			Message:     msg,
			Summary:     summary,
		})
	})
	if res.err != nil {
		n.logger.Warn("activity: complete operation failed", "run_id", runID, "operation_id", opID, "error", res.err)
	}
}

func (n *Node) failOperation(ctx context.Context, runID, opID string, cause error) {
	if n.caps.Activity == nil || opID == "" {
		return
	}
	res := attempt(func() (struct{}, error) {
		return struct{}{}, n.caps.Activity.FailOperation(ctx, OperationFailure{
			OperationID: opID,
			RunID:       runID,
			Error:       cause.Error(),
		})
	})
	if res.err != nil {
		n.logger.Warn("activity: fail operation failed", "run_id", runID, "operation_id", opID, "error", res.err)
	}
}

func (n *Node) report(o Outcome, start time.Time) {
	if n.observe == nil {
		return
	}
	attempt(func() (struct{}, error) {
		n.observe(o, time.Since(start))
		return struct{}{}, nil
	})
}

func nonNil(f []FieldRequirement) []FieldRequirement {
	if f == nil {
		return []FieldRequirement{}
	}
	return f
}
