package worker

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/listforge/internal/activity"
	"github.com/kalambet/listforge/internal/category"
	"github.com/kalambet/listforge/internal/goal"
	"github.com/kalambet/listforge/internal/research"
	"github.com/kalambet/listforge/internal/schema"
	"github.com/kalambet/listforge/internal/storage"
	"github.com/kalambet/listforge/internal/workflow"
)

type mockRunner struct {
	runFn func(ctx context.Context, s workflow.State) (workflow.State, error)
	calls int
	got   workflow.State
}

func (m *mockRunner) Run(ctx context.Context, s workflow.State) (workflow.State, error) {
	m.calls++
	m.got = s
	return m.runFn(ctx, s)
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// enqueueTestRun saves an item, creates a queued run for it and enqueues the
// job. It returns the job id.
func enqueueTestRun(t *testing.T, store *storage.Store, runID string) string {
	t.Helper()
	attrs, _ := json.Marshal([]schema.Attribute{
		{Key: "brand", Value: "Nikon"},
		{Key: "model", Value: "F3"},
	})
	if err := store.SaveItem(storage.Item{
		ID:             "item-" + runID,
		Title:          "Nikon F3 35mm film camera",
		Condition:      "used_good",
		AttributesJSON: string(attrs),
	}); err != nil {
		t.Fatalf("SaveItem: %v", err)
	}
	if err := store.CreateRun(storage.Run{ID: runID, ItemID: "item-" + runID}); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	job := NewJob(runID, 3)
	if err := store.EnqueueJob(job); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	return job.ID
}

func jobStatus(t *testing.T, store *storage.Store, jobID string) (string, int) {
	t.Helper()
	var status string
	var attempts int
	if err := store.DB().QueryRow(`SELECT status, attempts FROM jobs WHERE id = ?`, jobID).Scan(&status, &attempts); err != nil {
		t.Fatalf("query job %s: %v", jobID, err)
	}
	return status, attempts
}

func TestWorker_ProcessesJob(t *testing.T) {
	store := openTestStore(t)
	jobID := enqueueTestRun(t, store, "run-1")

	runner := &mockRunner{runFn: func(_ context.Context, s workflow.State) (workflow.State, error) {
		s.ResearchPhase = goal.PhaseAssembly
		s.Listing = &workflow.ListingDraft{Title: s.Item.Title}
		return s, nil
	}}
	var observed []string
	w := NewWorker(store, runner, 0)
	w.SetObserver(func(status string, _ time.Duration) { observed = append(observed, status) })

	didWork, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if !didWork {
		t.Fatal("RunOnce returned false, expected true")
	}

	if runner.got.Item == nil || len(runner.got.Item.Attributes) != 2 {
		t.Fatalf("runner got item %+v, want snapshot with 2 attributes", runner.got.Item)
	}
	if runner.got.RunID != "run-1" || runner.got.ItemID != "item-run-1" {
		t.Errorf("runner got ids %q/%q", runner.got.RunID, runner.got.ItemID)
	}

	run, err := store.GetRun("run-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != storage.RunCompleted || run.CompletedAt == nil {
		t.Errorf("run status = %q completed_at = %v, want completed with timestamp", run.Status, run.CompletedAt)
	}
	if run.Phase != string(goal.PhaseAssembly) {
		t.Errorf("run phase = %q, want %q", run.Phase, goal.PhaseAssembly)
	}
	var saved workflow.State
	if err := json.Unmarshal([]byte(run.StateJSON), &saved); err != nil {
		t.Fatalf("decoding state: %v", err)
	}
	if saved.Listing == nil || saved.Listing.Title != "Nikon F3 35mm film camera" {
		t.Errorf("saved listing = %+v", saved.Listing)
	}

	if status, _ := jobStatus(t, store, jobID); status != "completed" {
		t.Errorf("job status = %q, want completed", status)
	}
	if len(observed) != 1 || observed[0] != storage.RunCompleted {
		t.Errorf("observed = %v, want [completed]", observed)
	}
}

func TestWorker_NoJobs(t *testing.T) {
	store := openTestStore(t)
	w := NewWorker(store, &mockRunner{}, 0)

	didWork, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if didWork {
		t.Error("RunOnce returned true with an empty queue")
	}
}

func TestWorker_RunnerErrorFailsRun(t *testing.T) {
	store := openTestStore(t)
	jobID := enqueueTestRun(t, store, "run-bad")

	runner := &mockRunner{runFn: func(_ context.Context, s workflow.State) (workflow.State, error) {
		return s, errors.New("verifying goals: cycle")
	}}
	w := NewWorker(store, runner, 0)

	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}

	run, err := store.GetRun("run-bad")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != storage.RunFailed || run.Error != "verifying goals: cycle" {
		t.Errorf("run = %q/%q, want failed with error", run.Status, run.Error)
	}
	// A malformed goal set will not fix itself, so the job is not retried.
	if status, _ := jobStatus(t, store, jobID); status != "completed" {
		t.Errorf("job status = %q, want completed", status)
	}
}

func TestWorker_InterruptedRunRequeues(t *testing.T) {
	store := openTestStore(t)
	jobID := enqueueTestRun(t, store, "run-int")

	ctx, cancel := context.WithCancel(context.Background())
	runner := &mockRunner{runFn: func(ctx context.Context, s workflow.State) (workflow.State, error) {
		s = s.Apply(workflow.Delta{Goals: []goal.Goal{
			{ID: "g1", Type: goal.TypeIdentifyProduct, Status: goal.StatusActive, MaxAttempts: 2, Attempts: 1},
		}})
		cancel()
		return s, ctx.Err()
	}}
	w := NewWorker(store, runner, 0)

	if _, err := w.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}

	run, err := store.GetRun("run-int")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != storage.RunQueued {
		t.Errorf("run status = %q, want queued", run.Status)
	}
	status, attempts := jobStatus(t, store, jobID)
	if status != "pending" || attempts != 1 {
		t.Errorf("job = %s/%d, want pending/1", status, attempts)
	}
}

func TestWorker_ResumesStoredState(t *testing.T) {
	store := openTestStore(t)
	enqueueTestRun(t, store, "run-res")

	stored := workflow.State{
		RunID:          "run-res",
		ItemID:         "item-run-res",
		Item:           &schema.Item{ID: "item-run-res", Title: "stored snapshot"},
		Goals:          []goal.Goal{{ID: "g1", Type: goal.TypeIdentifyProduct, Status: goal.StatusActive, Attempts: 1, MaxAttempts: 2}},
		ActiveGoal:     "g1",
		CompletedGoals: []string{},
	}
	raw, _ := json.Marshal(stored)
	if err := store.UpdateRun(storage.Run{ID: "run-res", Status: storage.RunQueued, StateJSON: string(raw)}); err != nil {
		t.Fatalf("UpdateRun: %v", err)
	}

	runner := &mockRunner{runFn: func(_ context.Context, s workflow.State) (workflow.State, error) {
		return s, nil
	}}
	w := NewWorker(store, runner, 0)
	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}

	got := runner.got
	if got.Item == nil || got.Item.Title != "stored snapshot" {
		t.Errorf("item = %+v, want stored snapshot", got.Item)
	}
	if got.ActiveGoal != "" {
		t.Errorf("ActiveGoal = %q, want cleared", got.ActiveGoal)
	}
	if len(got.Goals) != 1 || got.Goals[0].Status != goal.StatusPending || got.Goals[0].Attempts != 1 {
		t.Errorf("goals = %+v, want g1 pending with attempts kept", got.Goals)
	}
}

func TestWorker_FinishedRunDropsJob(t *testing.T) {
	store := openTestStore(t)
	jobID := enqueueTestRun(t, store, "run-done")
	if err := store.UpdateRun(storage.Run{ID: "run-done", Status: storage.RunCompleted, StateJSON: "{}"}); err != nil {
		t.Fatalf("UpdateRun: %v", err)
	}

	runner := &mockRunner{}
	w := NewWorker(store, runner, 0)
	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if runner.calls != 0 {
		t.Errorf("runner called %d times for a finished run", runner.calls)
	}
	if status, _ := jobStatus(t, store, jobID); status != "completed" {
		t.Errorf("job status = %q, want completed", status)
	}
}

func TestWorker_MissingRunRetries(t *testing.T) {
	store := openTestStore(t)
	job := NewJob("run-ghost", 3)
	if err := store.EnqueueJob(job); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	w := NewWorker(store, &mockRunner{}, 0)
	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}

	status, attempts := jobStatus(t, store, job.ID)
	if status != "pending" || attempts != 1 {
		t.Errorf("job = %s/%d, want pending/1", status, attempts)
	}
}

func TestWorker_EndToEnd(t *testing.T) {
	store := openTestStore(t)
	enqueueTestRun(t, store, "run-e2e")

	builder, err := goal.NewBuilder(goal.DefaultConfigs(), goal.UUIDGenerator)
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	categories, err := category.NewService(category.DefaultCatalog())
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	ops := activity.NewLogger(store)
	node := schema.NewNode(schema.Capabilities{Detector: categories, Activity: ops})

	opts := research.Handlers(research.Capabilities{
		Identifier: research.AttributeIdentifier{},
		Schema:     node,
	})
	opts = append(opts, research.WithActivity(ops))
	w := NewWorker(store, research.NewRunner(builder, opts...), 0)

	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}

	run, err := store.GetRun("run-e2e")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != storage.RunCompleted {
		t.Fatalf("run status = %q (%s), want completed", run.Status, run.Error)
	}
	var s workflow.State
	if err := json.Unmarshal([]byte(run.StateJSON), &s); err != nil {
		t.Fatalf("decoding state: %v", err)
	}
	if len(s.CompletedGoals) != len(goal.DefaultConfigs()) {
		t.Errorf("completed %d goals, want all %d: %+v", len(s.CompletedGoals), len(goal.DefaultConfigs()), s.Goals)
	}
	if s.Listing == nil {
		t.Fatal("listing draft missing")
	}
	if s.Listing.CategoryID == "" {
		t.Errorf("listing has no category: %+v", s.Listing)
	}

	records, err := ops.List("run-e2e")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) == 0 {
		t.Error("no activity recorded for the run")
	}
}

func TestWorker_StartWaitsForInterruptedRun(t *testing.T) {
	store := openTestStore(t)
	jobID := enqueueTestRun(t, store, "run-stop")

	started := make(chan struct{})
	runner := &mockRunner{runFn: func(ctx context.Context, s workflow.State) (workflow.State, error) {
		s = s.Apply(workflow.Delta{Goals: []goal.Goal{
			{ID: "g1", Type: goal.TypeIdentifyProduct, Status: goal.StatusCompleted, MaxAttempts: 2, Attempts: 1},
		}})
		close(started)
		<-ctx.Done()
		return s, ctx.Err()
	}}
	w := NewWorker(store, runner, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := w.Start(ctx)
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("worker never picked up the job")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop after cancel")
	}

	// Once done is closed the interrupted run has been saved, so closing the
	// store afterwards loses nothing.
	run, err := store.GetRun("run-stop")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != storage.RunQueued {
		t.Errorf("run status = %q, want queued", run.Status)
	}
	var saved workflow.State
	if err := json.Unmarshal([]byte(run.StateJSON), &saved); err != nil {
		t.Fatalf("decoding state: %v", err)
	}
	if len(saved.Goals) != 1 || saved.Goals[0].Status != goal.StatusCompleted {
		t.Errorf("saved goals = %+v, want the completed snapshot", saved.Goals)
	}
	if status, attempts := jobStatus(t, store, jobID); status != "pending" || attempts != 1 {
		t.Errorf("job = %s/%d, want pending/1", status, attempts)
	}
}

func TestWorker_ExhaustedAttemptsFailRun(t *testing.T) {
	store := openTestStore(t)
	jobID := enqueueTestRun(t, store, "run-last")
	if _, err := store.DB().Exec(`UPDATE jobs SET attempts = 2 WHERE id = ?`, jobID); err != nil {
		t.Fatalf("setting attempts: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runner := &mockRunner{runFn: func(ctx context.Context, s workflow.State) (workflow.State, error) {
		cancel()
		return s, ctx.Err()
	}}
	var observed []string
	w := NewWorker(store, runner, 0)
	w.SetObserver(func(status string, _ time.Duration) { observed = append(observed, status) })

	if _, err := w.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}

	if status, attempts := jobStatus(t, store, jobID); status != "failed" || attempts != 3 {
		t.Errorf("job = %s/%d, want failed/3", status, attempts)
	}
	run, err := store.GetRun("run-last")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != storage.RunFailed || !strings.Contains(run.Error, "gave up after 3 attempts") {
		t.Errorf("run = %q/%q, want failed after 3 attempts", run.Status, run.Error)
	}
	if len(observed) != 1 || observed[0] != storage.RunFailed {
		t.Errorf("observed = %v, want [failed]", observed)
	}
}

func TestWorker_LoadsItemMedia(t *testing.T) {
	store := openTestStore(t)
	enqueueTestRun(t, store, "run-media")
	it, err := store.GetItem("item-run-media")
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	it.MediaJSON = `{"color":"black","condition":"used_very_good"}`
	if err := store.SaveItem(it); err != nil {
		t.Fatalf("SaveItem: %v", err)
	}

	runner := &mockRunner{runFn: func(_ context.Context, s workflow.State) (workflow.State, error) {
		return s, nil
	}}
	w := NewWorker(store, runner, 0)
	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}

	media := runner.got.Media
	if media == nil || media.Color != "black" || media.Condition != "used_very_good" {
		t.Errorf("media = %+v, want stored analysis", media)
	}
}
