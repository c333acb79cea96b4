package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/listforge/internal/goal"
	"github.com/kalambet/listforge/internal/schema"
	"github.com/kalambet/listforge/internal/storage"
	"github.com/kalambet/listforge/internal/workflow"
)

// JobType is the queue job type that drives one research run.
const JobType = "research_run"

// JobStore abstracts the job queue and run persistence.
type JobStore interface {
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
	GetItem(id string) (storage.Item, error)
	GetRun(id string) (storage.Run, error)
	UpdateRun(r storage.Run) error
}

// RunExecutor drives a workflow state to completion. *research.Runner
// implements it.
type RunExecutor interface {
	Run(ctx context.Context, s workflow.State) (workflow.State, error)
}

// RunObserver is told the final status and wall time of every run.
type RunObserver func(status string, elapsed time.Duration)

// Worker processes research_run jobs from the SQLite job queue.
type Worker struct {
	store   JobStore
	runner  RunExecutor
	poll    time.Duration
	observe RunObserver
	logger  *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, runner RunExecutor, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:  store,
		runner: runner,
		poll:   pollInterval,
		logger: slog.Default(),
	}
}

// SetObserver registers a callback invoked when a run reaches a final status.
func (w *Worker) SetObserver(o RunObserver) {
	w.observe = o
}

// Start runs the worker in a new goroutine. The returned channel is closed
// once the loop has returned and the job in flight, if any, has been saved.
func (w *Worker) Start(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()
	return done
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single research_run job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob([]string{JobType})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "error", err)
		if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
			return true, nil
		}
		if job.Attempts+1 >= job.MaxAttempts {
			w.abandonRun(job, err)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

type runPayload struct {
	RunID string `json:"run_id"`
}

// NewJob returns the queue job that executes the given run.
func NewJob(runID string, maxAttempts int) storage.Job {
	payload, _ := json.Marshal(runPayload{RunID: runID})
	return storage.Job{
		ID:          uuid.New().String(),
		Type:        JobType,
		PayloadJSON: string(payload),
		MaxAttempts: maxAttempts,
	}
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var payload runPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}

	run, err := w.store.GetRun(payload.RunID)
	if err != nil {
		return fmt.Errorf("loading run %s: %w", payload.RunID, err)
	}
	if run.Status == storage.RunCompleted || run.Status == storage.RunFailed {
		w.logger.Info("run already finished, dropping job", "job_id", job.ID, "run_id", run.ID, "status", run.Status)
		return nil
	}

	state, err := w.initialState(run)
	if err != nil {
		return err
	}

	run.Status = storage.RunRunning
	if err := w.store.UpdateRun(run); err != nil {
		return fmt.Errorf("marking run %s running: %w", run.ID, err)
	}

	start := time.Now()
	w.logger.Info("research run started", "run_id", run.ID, "item_id", run.ItemID, "resumed", len(state.Goals) > 0)
	final, runErr := w.runner.Run(ctx, state)

	snapshot, err := json.Marshal(final)
	if err != nil {
		return fmt.Errorf("encoding state for run %s: %w", run.ID, err)
	}
	run.StateJSON = string(snapshot)
	run.Phase = string(final.ResearchPhase)

	switch {
	case runErr != nil && ctx.Err() != nil:
		// Interrupted by shutdown: keep progress and let the job retry.
		run.Status = storage.RunQueued
		if err := w.store.UpdateRun(run); err != nil {
			w.logger.Error("failed to save interrupted run", "run_id", run.ID, "error", err)
		}
		return fmt.Errorf("run %s interrupted: %w", run.ID, runErr)
	case runErr != nil:
		run.Status = storage.RunFailed
		run.Error = runErr.Error()
	default:
		run.Status = storage.RunCompleted
		run.Error = ""
	}

	if err := w.store.UpdateRun(run); err != nil {
		return fmt.Errorf("saving run %s: %w", run.ID, err)
	}
	if w.observe != nil {
		w.observe(run.Status, time.Since(start))
	}
	w.logger.Info("research run saved", "run_id", run.ID, "status", run.Status, "phase", run.Phase)
	return nil
}

// abandonRun marks the run of a job that has used up its attempts as failed,
// so it does not stay queued with nothing left to execute it.
func (w *Worker) abandonRun(job *storage.Job, cause error) {
	var payload runPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return
	}
	run, err := w.store.GetRun(payload.RunID)
	if err != nil {
		w.logger.Error("failed to load abandoned run", "run_id", payload.RunID, "error", err)
		return
	}
	if run.Status == storage.RunCompleted || run.Status == storage.RunFailed {
		return
	}
	run.Status = storage.RunFailed
	run.Error = fmt.Sprintf("gave up after %d attempts: %v", job.Attempts+1, cause)
	if err := w.store.UpdateRun(run); err != nil {
		w.logger.Error("failed to mark abandoned run failed", "run_id", run.ID, "error", err)
		return
	}
	if w.observe != nil {
		w.observe(run.Status, 0)
	}
	w.logger.Warn("research run abandoned", "run_id", run.ID, "job_id", job.ID, "attempts", job.Attempts+1)
}

// initialState resumes from the stored snapshot when it carries goals,
// otherwise starts fresh from the item.
func (w *Worker) initialState(run storage.Run) (workflow.State, error) {
	var state workflow.State
	if run.StateJSON != "" {
		if err := json.Unmarshal([]byte(run.StateJSON), &state); err != nil {
			return workflow.State{}, fmt.Errorf("decoding state for run %s: %w", run.ID, err)
		}
	}
	state.RunID = run.ID
	state.ItemID = run.ItemID
	state.ActiveGoal = ""

	// Goals left active by an interrupted attempt run again.
	for _, g := range state.Goals {
		if g.Status == goal.StatusActive {
			state.Goals = goal.UpdateStatus(state.Goals, g.ID, goal.WithStatus(goal.StatusPending))
		}
	}

	if state.Item == nil {
		item, err := w.store.GetItem(run.ItemID)
		if err != nil {
			return workflow.State{}, fmt.Errorf("loading item %s: %w", run.ItemID, err)
		}
		snap, err := ItemSnapshot(item)
		if err != nil {
			return workflow.State{}, err
		}
		state.Item = &snap
		if state.Media, err = ItemMedia(item); err != nil {
			return workflow.State{}, err
		}
	}
	return state, nil
}

// ItemMedia decodes the media analysis stored with an item. It returns nil
// when none was supplied.
func ItemMedia(it storage.Item) (*schema.MediaAnalysis, error) {
	if it.MediaJSON == "" {
		return nil, nil
	}
	var m schema.MediaAnalysis
	if err := json.Unmarshal([]byte(it.MediaJSON), &m); err != nil {
		return nil, fmt.Errorf("decoding media for item %s: %w", it.ID, err)
	}
	return &m, nil
}

// ItemSnapshot converts a stored item into the schema item the research
// goals read.
func ItemSnapshot(it storage.Item) (schema.Item, error) {
	snap := schema.Item{ID: it.ID, Title: it.Title, Condition: it.Condition}
	if it.AttributesJSON != "" {
		if err := json.Unmarshal([]byte(it.AttributesJSON), &snap.Attributes); err != nil {
			return schema.Item{}, fmt.Errorf("decoding attributes for item %s: %w", it.ID, err)
		}
	}
	return snap, nil
}

