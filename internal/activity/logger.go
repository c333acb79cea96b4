package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/listforge/internal/schema"
	"github.com/kalambet/listforge/internal/storage"
)

// OperationStore persists activity operations.
type OperationStore interface {
	InsertOperation(op storage.Operation) error
	FinishOperation(id, status, message, summaryJSON, errMsg string) error
	ListOperations(runID string) ([]storage.Operation, error)
}

// Record is an operation as reported to API and CLI clients.
type Record struct {
	ID         string         `json:"id"`
	RunID      string         `json:"run_id"`
	Type       string         `json:"type"`
	Title      string         `json:"title"`
	Message    string         `json:"message,omitempty"`
	Status     string         `json:"status"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Summary    map[string]any `json:"summary,omitempty"`
	Error      string         `json:"error,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
}

// Logger records the operations of a research run. It implements
// schema.ActivityLogger.
type Logger struct {
	store  OperationStore
	logger *slog.Logger
}

// NewLogger creates a Logger backed by store.
func NewLogger(store OperationStore) *Logger {
	return &Logger{store: store, logger: slog.Default()}
}

var _ schema.ActivityLogger = (*Logger)(nil)

// StartOperation records a new started operation and returns its id.
func (l *Logger) StartOperation(_ context.Context, op schema.OperationStart) (string, error) {
	meta, err := encode(op.Metadata)
	if err != nil {
		return "", fmt.Errorf("encoding metadata: %w", err)
	}
	id := uuid.New().String()
	if err := l.store.InsertOperation(storage.Operation{
		ID:           id,
		RunID:        op.RunID,
		Type:         op.Type,
		Title:        op.Title,
		Message:      op.Message,
		Status:       storage.OperationStarted,
		MetadataJSON: meta,
		StartedAt:    time.Now().UTC(),
	}); err != nil {
		return "", fmt.Errorf("inserting operation: %w", err)
	}
	l.logger.Debug("activity started", "run_id", op.RunID, "operation_id", id, "type", op.Type)
	return id, nil
}

// CompleteOperation marks an operation completed with its summary.
func (l *Logger) CompleteOperation(_ context.Context, res schema.OperationResult) error {
	summary, err := encode(res.Summary)
	if err != nil {
		return fmt.Errorf("encoding summary: %w", err)
	}
	if err := l.store.FinishOperation(res.OperationID, storage.OperationCompleted, res.Message, summary, ""); err != nil {
		return fmt.Errorf("completing operation %s: %w", res.OperationID, err)
	}
	l.logger.Debug("activity completed", "run_id", res.RunID, "operation_id", res.OperationID)
	return nil
}

// FailOperation marks an operation failed.
func (l *Logger) FailOperation(_ context.Context, f schema.OperationFailure) error {
	if err := l.store.FinishOperation(f.OperationID, storage.OperationFailed, "", "", f.Error); err != nil {
		return fmt.Errorf("failing operation %s: %w", f.OperationID, err)
	}
	l.logger.Debug("activity failed", "run_id", f.RunID, "operation_id", f.OperationID, "error", f.Error)
	return nil
}

// List returns the operations of a run in the order they started.
func (l *Logger) List(runID string) ([]Record, error) {
	ops, err := l.store.ListOperations(runID)
	if err != nil {
		return nil, fmt.Errorf("listing operations: %w", err)
	}
	records := make([]Record, 0, len(ops))
	for _, op := range ops {
		rec := Record{
			ID:         op.ID,
			RunID:      op.RunID,
			Type:       op.Type,
			Title:      op.Title,
			Message:    op.Message,
			Status:     op.Status,
			Error:      op.Error,
			StartedAt:  op.StartedAt,
			FinishedAt: op.FinishedAt,
		}
		rec.Metadata = decode(op.MetadataJSON)
		rec.Summary = decode(op.SummaryJSON)
		records = append(records, rec)
	}
	return records, nil
}

func encode(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// decode returns nil for empty or unreadable JSON objects.
func decode(s string) map[string]any {
	if s == "" || s == "{}" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil
	}
	return m
}
