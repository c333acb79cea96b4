package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/kalambet/listforge/internal/activity"
	"github.com/kalambet/listforge/internal/category"
	"github.com/kalambet/listforge/internal/research"
	"github.com/kalambet/listforge/internal/schema"
	"github.com/kalambet/listforge/internal/storage"
	"github.com/kalambet/listforge/internal/worker"
)

// ActivityReader lists the recorded operations of a run.
type ActivityReader interface {
	List(runID string) ([]activity.Record, error)
}

type AppDeps struct {
	Store    *storage.Store
	Activity ActivityReader
	Detector research.SchemaDetector // optional; if nil, /detect answers 503
	Token    string

	// JobAttempts caps retries of each research job. Zero uses the store default.
	JobAttempts int

	// Optional instrumentation. Metrics is served unauthenticated.
	Metrics    http.Handler
	Middleware func(http.Handler) http.Handler
}

// NewAppHandler returns the REST surface. /health and /metrics are public;
// everything else requires the bearer token.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()
	if deps.Middleware != nil {
		r.Use(deps.Middleware)
	}

	r.Get("/health", handleHealth)
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/items", handleCreateItem(deps))
		r.Get("/items", handleListItems(deps))
		r.Get("/items/{id}", handleGetItem(deps))
		r.Post("/items/{id}/research", handleStartResearch(deps))
		r.Get("/items/{id}/runs", handleListItemRuns(deps))
		r.Get("/runs", handleListRuns(deps))
		r.Get("/runs/{id}", handleGetRun(deps))
		r.Get("/runs/{id}/activity", handleRunActivity(deps))
		r.Get("/jobs", handleJobCounts(deps))
		r.Post("/detect", handleDetect(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// --- Items ---

type AttributeRequest struct {
	Key   string `json:"key" validate:"required,max=100"`
	Value string `json:"value" validate:"max=1000"`
}

// MediaRequest is what an upstream image analysis inferred about the item.
type MediaRequest struct {
	Brand      string            `json:"brand" validate:"max=100"`
	Model      string            `json:"model" validate:"max=100"`
	Color      string            `json:"color" validate:"max=100"`
	Size       string            `json:"size" validate:"max=100"`
	Category   string            `json:"category" validate:"max=100"`
	Condition  string            `json:"condition" validate:"omitempty,condition"`
	Attributes map[string]string `json:"attributes" validate:"max=100,dive,keys,required,max=100,endkeys,max=1000"`
}

func (m *MediaRequest) analysis() *schema.MediaAnalysis {
	if m == nil {
		return nil
	}
	a := &schema.MediaAnalysis{
		Brand:     strings.TrimSpace(m.Brand),
		Model:     strings.TrimSpace(m.Model),
		Color:     strings.TrimSpace(m.Color),
		Size:      strings.TrimSpace(m.Size),
		Category:  strings.TrimSpace(m.Category),
		Condition: strings.ToLower(strings.TrimSpace(m.Condition)),
	}
	if len(m.Attributes) > 0 {
		a.Attributes = make(map[string]string, len(m.Attributes))
		for k, v := range m.Attributes {
			a.Attributes[k] = v
		}
	}
	return a
}

type ItemRequest struct {
	ID         string             `json:"id" validate:"omitempty,max=64"`
	Title      string             `json:"title" validate:"required,max=300"`
	Condition  string             `json:"condition" validate:"omitempty,condition"`
	Attributes []AttributeRequest `json:"attributes" validate:"max=100,dive"`
	Media      *MediaRequest      `json:"media,omitempty"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterValidation("condition", func(fl validator.FieldLevel) bool {
		return category.KnownCondition(fl.Field().String())
	})
	return v
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, e := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", e.Namespace(), e.Tag()))
	}
	return strings.Join(msgs, "; ")
}

// ItemView is the JSON shape of a stored item.
type ItemView struct {
	ID         string                `json:"id"`
	Title      string                `json:"title"`
	Condition  string                `json:"condition,omitempty"`
	Attributes []schema.Attribute     `json:"attributes"`
	Media      *schema.MediaAnalysis `json:"media,omitempty"`
	CreatedAt  time.Time             `json:"created_at"`
	UpdatedAt  time.Time             `json:"updated_at"`
}

func itemView(it storage.Item) (ItemView, error) {
	snap, err := worker.ItemSnapshot(it)
	if err != nil {
		return ItemView{}, err
	}
	if snap.Attributes == nil {
		snap.Attributes = []schema.Attribute{}
	}
	media, err := worker.ItemMedia(it)
	if err != nil {
		return ItemView{}, err
	}
	return ItemView{
		ID:         it.ID,
		Title:      it.Title,
		Condition:  it.Condition,
		Attributes: snap.Attributes,
		Media:      media,
		CreatedAt:  it.CreatedAt,
		UpdatedAt:  it.UpdatedAt,
	}, nil
}

// saveItem validates req and stores it, generating an id when none is given.
func saveItem(store *storage.Store, req ItemRequest) (storage.Item, error) {
	req.Title = strings.TrimSpace(req.Title)
	req.Condition = strings.ToLower(strings.TrimSpace(req.Condition))
	for i := range req.Attributes {
		req.Attributes[i].Key = strings.TrimSpace(req.Attributes[i].Key)
		req.Attributes[i].Value = strings.TrimSpace(req.Attributes[i].Value)
	}
	if err := validate.Struct(req); err != nil {
		return storage.Item{}, &validationError{msg: describeValidation(err)}
	}

	attrs := make([]schema.Attribute, len(req.Attributes))
	for i, a := range req.Attributes {
		attrs[i] = schema.Attribute{Key: a.Key, Value: a.Value}
	}
	b, err := json.Marshal(attrs)
	if err != nil {
		return storage.Item{}, fmt.Errorf("encoding attributes: %w", err)
	}

	it := storage.Item{
		ID:             req.ID,
		Title:          req.Title,
		Condition:      req.Condition,
		AttributesJSON: string(b),
	}
	if media := req.Media.analysis(); media != nil {
		mb, err := json.Marshal(media)
		if err != nil {
			return storage.Item{}, fmt.Errorf("encoding media: %w", err)
		}
		it.MediaJSON = string(mb)
	}
	if it.ID == "" {
		it.ID = uuid.New().String()
	}
	if err := store.SaveItem(it); err != nil {
		return storage.Item{}, fmt.Errorf("saving item: %w", err)
	}
	return store.GetItem(it.ID)
}

type validationError struct{ msg string }

func (e *validationError) Error() string { return e.msg }

func handleCreateItem(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req ItemRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		it, err := saveItem(deps.Store, req)
		var verr *validationError
		if errors.As(err, &verr) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%s", verr.msg)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save item: %v", err)
			return
		}

		view, err := itemView(it)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
			return
		}
		writeJSON(w, http.StatusCreated, view)
	}
}

func handleListItems(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		items, err := deps.Store.ListItems(parseIntParam(r, "limit", 20, 100))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list items: %v", err)
			return
		}
		views := make([]ItemView, 0, len(items))
		for _, it := range items {
			v, err := itemView(it)
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
				return
			}
			views = append(views, v)
		}
		writeJSON(w, http.StatusOK, views)
	}
}

func handleGetItem(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		it, err := deps.Store.GetItem(chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "item not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get item: %v", err)
			return
		}
		view, err := itemView(it)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

// --- Research runs ---

// startResearch creates a queued run for an existing item and enqueues the
// job that executes it.
func startResearch(store *storage.Store, itemID string, maxAttempts int) (storage.Run, error) {
	if _, err := store.GetItem(itemID); err != nil {
		return storage.Run{}, err
	}
	run := storage.Run{ID: uuid.New().String(), ItemID: itemID, Status: storage.RunQueued}
	if err := store.CreateRun(run); err != nil {
		return storage.Run{}, fmt.Errorf("creating run: %w", err)
	}
	if err := store.EnqueueJob(worker.NewJob(run.ID, maxAttempts)); err != nil {
		return storage.Run{}, fmt.Errorf("enqueueing run %s: %w", run.ID, err)
	}
	return store.GetRun(run.ID)
}

// RunView is the JSON shape of a research run.
type RunView struct {
	ID          string          `json:"id"`
	ItemID      string          `json:"item_id"`
	Status      string          `json:"status"`
	Phase       string          `json:"phase,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	State       json.RawMessage `json:"state,omitempty"`
}

func runView(r storage.Run, withState bool) RunView {
	v := RunView{
		ID:          r.ID,
		ItemID:      r.ItemID,
		Status:      r.Status,
		Phase:       r.Phase,
		Error:       r.Error,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
		CompletedAt: r.CompletedAt,
	}
	if withState && r.StateJSON != "" {
		v.State = json.RawMessage(r.StateJSON)
	}
	return v
}

func runViews(runs []storage.Run) []RunView {
	views := make([]RunView, len(runs))
	for i, r := range runs {
		views[i] = runView(r, false)
	}
	return views
}

func handleStartResearch(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run, err := startResearch(deps.Store, chi.URLParam(r, "id"), deps.JobAttempts)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "item not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to start research: %v", err)
			return
		}
		writeJSON(w, http.StatusAccepted, runView(run, false))
	}
}

func handleListItemRuns(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, err := deps.Store.GetItem(id); errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "item not found")
			return
		}
		runs, err := deps.Store.ListRunsByItem(id, parseIntParam(r, "limit", 20, 100))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list runs: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, runViews(runs))
	}
}

func handleListRuns(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runs, err := deps.Store.ListRecentRuns(parseIntParam(r, "limit", 20, 100))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list runs: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, runViews(runs))
	}
}

func handleGetRun(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run, err := deps.Store.GetRun(chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "run not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get run: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, runView(run, true))
	}
}

func handleRunActivity(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, err := deps.Store.GetRun(id); errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "run not found")
			return
		}
		records, err := deps.Activity.List(id)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list activity: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, records)
	}
}

func handleJobCounts(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counts, err := deps.Store.JobCounts()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to count jobs: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, counts)
	}
}

// --- Detection ---

type DetectRequest struct {
	Title      string             `json:"title" validate:"max=300"`
	Condition  string             `json:"condition" validate:"omitempty,condition"`
	Brand      string             `json:"brand" validate:"max=100"`
	Model      string             `json:"model" validate:"max=100"`
	Category   string             `json:"category" validate:"max=100"`
	Attributes []AttributeRequest `json:"attributes" validate:"max=100,dive"`
	Media      *MediaRequest      `json:"media,omitempty"`
}

// DetectResponse reports the schema detected for an ad-hoc snapshot.
type DetectResponse struct {
	Detected bool `json:"detected"`
	schema.Delta
}

// detectInput turns a detection request into the node's input. Brand, model
// and category are treated as an identification.
func detectInput(req DetectRequest) schema.Input {
	item := &schema.Item{
		Title:     strings.TrimSpace(req.Title),
		Condition: strings.ToLower(strings.TrimSpace(req.Condition)),
	}
	for _, a := range req.Attributes {
		item.Attributes = append(item.Attributes, schema.Attribute{Key: a.Key, Value: a.Value})
	}
	in := schema.Input{Item: item, Media: req.Media.analysis()}
	if req.Brand != "" || req.Model != "" || req.Category != "" {
		in.Identification = &schema.ProductIdentification{
			Brand:    strings.TrimSpace(req.Brand),
			Model:    strings.TrimSpace(req.Model),
			Category: strings.TrimSpace(req.Category),
		}
	}
	return in
}

func handleDetect(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Detector == nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "schema detection is not configured")
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req DetectRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if err := validate.Struct(req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%s", describeValidation(err))
			return
		}

		d := deps.Detector.Detect(r.Context(), detectInput(req))
		writeJSON(w, http.StatusOK, DetectResponse{Detected: !d.Empty(), Delta: d})
	}
}
