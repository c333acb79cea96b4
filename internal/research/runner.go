package research

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/listforge/internal/goal"
	"github.com/kalambet/listforge/internal/schema"
	"github.com/kalambet/listforge/internal/workflow"
)

const defaultParallelism = 4

// ErrBelowThreshold marks a goal whose result is not confident enough. Such
// goals fail without being retried.
var ErrBelowThreshold = errors.New("confidence below threshold")

// Result is what a goal handler contributes.
type Result struct {
	Delta      workflow.Delta
	Confidence float64
}

// Handler executes one goal against a snapshot of the run state.
type Handler func(ctx context.Context, s workflow.State, g goal.Goal) (Result, error)

// Observer is told how every goal attempt ended.
type Observer func(t goal.Type, status goal.Status, elapsed time.Duration)

// Option configures a Runner.
type Option func(*Runner)

// WithHandler registers or replaces the handler for t.
func WithHandler(t goal.Type, h Handler) Option {
	return func(r *Runner) { r.handlers[t] = h }
}

// WithActivity records one activity operation per goal attempt.
func WithActivity(a schema.ActivityLogger) Option {
	return func(r *Runner) { r.activity = a }
}

// WithObserver registers a goal outcome callback.
func WithObserver(o Observer) Option {
	return func(r *Runner) { r.observe = o }
}

// WithParallelism bounds how many ready goals run at once.
func WithParallelism(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.parallelism = n
		}
	}
}

// WithLogger replaces the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// Runner executes the goal DAG of a research run. Goals whose dependencies
// are complete run concurrently; a handler failure never aborts the run.
type Runner struct {
	builder     *goal.Builder
	handlers    map[goal.Type]Handler
	activity    schema.ActivityLogger
	observe     Observer
	parallelism int
	logger      *slog.Logger
}

// NewRunner creates a Runner building goals with b. Handlers are supplied
// through options; see Handlers for the standard set.
func NewRunner(b *goal.Builder, opts ...Option) *Runner {
	r := &Runner{
		builder:     b,
		handlers:    make(map[goal.Type]Handler),
		parallelism: defaultParallelism,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type outcome struct {
	result  Result
	err     error
	elapsed time.Duration
}

// Run drives s to completion. Goals are initialized when s has none. The
// returned state is valid even when err is non-nil; err is only returned
// for a malformed goal set or a cancelled context.
func (r *Runner) Run(ctx context.Context, s workflow.State) (workflow.State, error) {
	if len(s.Goals) == 0 {
		s = s.Apply(workflow.InitializeGoals(r.builder, goal.RunContext{ItemID: s.ItemID, RunID: s.RunID}))
	}
	if err := goal.VerifyGoals(s.Goals); err != nil {
		return s, fmt.Errorf("verifying goals: %w", err)
	}
	if s.CompletedGoals == nil {
		s.CompletedGoals = []string{}
	}

	for {
		if err := ctx.Err(); err != nil {
			return s, err
		}

		ready := goal.ReadyGoals(s.Goals, s.CompletedGoals)
		if len(ready) == 0 {
			break
		}

		s = r.start(s, ready)
		outcomes := r.execute(ctx, s, ready)
		if err := ctx.Err(); err != nil {
			return s, err
		}
		for i, g := range ready {
			s = r.finish(s, g.ID, outcomes[i])
		}

		phase := goal.DerivePhase(s.Goals, s.CompletedGoals)
		if phase != s.ResearchPhase {
			r.logger.Info("research phase changed", "run_id", s.RunID, "from", s.ResearchPhase, "to", phase)
		}
		s.ResearchPhase = phase
	}

	s = r.skipBlocked(s)
	s.ActiveGoal = ""
	s.ResearchPhase = goal.DerivePhase(s.Goals, s.CompletedGoals)
	r.logger.Info("research run finished",
		"run_id", s.RunID,
		"completed", len(s.CompletedGoals),
		"goals", len(s.Goals),
		"phase", s.ResearchPhase,
	)
	return s, nil
}

func (r *Runner) start(s workflow.State, ready []goal.Goal) workflow.State {
	now := time.Now().UTC()
	for _, g := range ready {
		attempts := g.Attempts + 1
		active := goal.StatusActive
		s.Goals = goal.UpdateStatus(s.Goals, g.ID, goal.Patch{
			Status:    &active,
			Attempts:  &attempts,
			StartedAt: &now,
		})
	}
	s.ActiveGoal = ready[0].ID
	return s
}

func (r *Runner) execute(ctx context.Context, s workflow.State, ready []goal.Goal) []outcome {
	outcomes := make([]outcome, len(ready))

	var eg errgroup.Group
	eg.SetLimit(r.parallelism)
	for i, g := range ready {
		current, _ := goal.ByID(s.Goals, g.ID)
		eg.Go(func() error {
			outcomes[i] = r.invoke(ctx, s, current)
			return nil
		})
	}
	_ = eg.Wait()
	return outcomes
}

func (r *Runner) invoke(ctx context.Context, s workflow.State, g goal.Goal) (out outcome) {
	start := time.Now()
	h, ok := r.handlers[g.Type]
	if !ok {
		return outcome{err: errNoHandler}
	}

	opID := r.startOperation(ctx, s.RunID, g)
	defer func() {
		if p := recover(); p != nil {
			out = outcome{err: fmt.Errorf("goal %s panicked: %v", g.Type, p)}
		}
		out.elapsed = time.Since(start)
		r.finishOperation(ctx, s.RunID, opID, g, out)
	}()

	res, err := h(ctx, s, g)
	return outcome{result: res, err: err}
}

var errNoHandler = errors.New("no handler registered")

func (r *Runner) finish(s workflow.State, id string, out outcome) workflow.State {
	g, _ := goal.ByID(s.Goals, id)
	now := time.Now().UTC()

	var status goal.Status
	var patch goal.Patch
	switch {
	case errors.Is(out.err, errNoHandler):
		status = goal.StatusSkipped
		r.logger.Warn("goal skipped, no handler", "run_id", s.RunID, "goal", g.Type)
	case out.err != nil:
		msg := out.err.Error()
		patch.Error = &msg
		if g.Attempts < g.MaxAttempts && !errors.Is(out.err, ErrBelowThreshold) {
			status = goal.StatusPending
			r.logger.Warn("goal attempt failed, retrying", "run_id", s.RunID, "goal", g.Type, "attempt", g.Attempts, "error", out.err)
		} else {
			status = goal.StatusFailed
			r.logger.Warn("goal failed", "run_id", s.RunID, "goal", g.Type, "attempts", g.Attempts, "error", out.err)
		}
	default:
		status = goal.StatusCompleted
		conf := out.result.Confidence
		patch.Confidence = &conf
		empty := ""
		patch.Error = &empty
		s = s.Apply(out.result.Delta)
		s.CompletedGoals = append(slices.Clone(s.CompletedGoals), id)
		r.logger.Debug("goal completed", "run_id", s.RunID, "goal", g.Type, "confidence", conf)
	}

	patch.Status = &status
	if status.Terminal() {
		patch.CompletedAt = &now
	}
	s.Goals = goal.UpdateStatus(s.Goals, id, patch)
	r.report(g.Type, status, out.elapsed)
	return s
}

// skipBlocked marks every goal that can no longer run as skipped. Skipping
// one goal can block its own dependents, so it repeats until stable.
func (r *Runner) skipBlocked(s workflow.State) workflow.State {
	for {
		blocked := goal.Blocked(s.Goals)
		if len(blocked) == 0 {
			return s
		}
		for _, g := range blocked {
			msg := "dependency did not complete"
			skipped := goal.StatusSkipped
			s.Goals = goal.UpdateStatus(s.Goals, g.ID, goal.Patch{Status: &skipped, Error: &msg})
			r.logger.Info("goal skipped", "run_id", s.RunID, "goal", g.Type, "reason", msg)
			r.report(g.Type, goal.StatusSkipped, 0)
		}
	}
}

func (r *Runner) startOperation(ctx context.Context, runID string, g goal.Goal) string {
	if r.activity == nil {
		return ""
	}
	id, err := r.activity.StartOperation(ctx, schema.OperationStart{
		RunID:    runID,
		Type:     "goal",
		Title:    g.Label,
		Message:  g.Description,
		Metadata: map[string]any{"goal_id": g.ID, "goal_type": string(g.Type), "attempt": g.Attempts},
	})
	if err != nil {
		r.logger.Warn("activity: start operation failed", "run_id", runID, "goal", g.Type, "error", err)
		return ""
	}
	return id
}

func (r *Runner) finishOperation(ctx context.Context, runID, opID string, g goal.Goal, out outcome) {
	if r.activity == nil || opID == "" {
		return
	}
	var err error
	if out.err != nil {
		err = r.activity.FailOperation(ctx, schema.OperationFailure{OperationID: opID, RunID: runID, Error: out.err.Error()})
	} else {
		err = r.activity.CompleteOperation(ctx, schema.OperationResult{
			OperationID: opID,
			RunID:       runID,
			Message:     g.Label + " completed",
			Summary: map[string]any{
				"goal_type":  string(g.Type),
				"confidence": out.result.Confidence,
				"elapsed_ms": out.elapsed.Milliseconds(),
			},
		})
	}
	if err != nil {
		r.logger.Warn("activity: finish operation failed", "run_id", runID, "goal", g.Type, "error", err)
	}
}

func (r *Runner) report(t goal.Type, status goal.Status, elapsed time.Duration) {
	if r.observe != nil {
		r.observe(t, status, elapsed)
	}
}
