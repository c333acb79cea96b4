package schema

import "context"

// Attribute is a literal key/value pair entered on an item.
type Attribute struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Item is the snapshot of a catalogued item as the seller entered it.
type Item struct {
	ID         string      `json:"id"`
	Title      string      `json:"title"`
	Condition  string      `json:"condition,omitempty"`
	Attributes []Attribute `json:"attributes,omitempty"`
}

// ProductIdentification is the output of the identify-product goal.
type ProductIdentification struct {
	Brand      string            `json:"brand,omitempty"`
	Model      string            `json:"model,omitempty"`
	MPN        string            `json:"mpn,omitempty"`
	UPC        string            `json:"upc,omitempty"`
	Category   string            `json:"category,omitempty"`
	Condition  string            `json:"condition,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Confidence float64           `json:"confidence"`
}

// MediaAnalysis holds what was inferred from the item's images.
type MediaAnalysis struct {
	Brand      string            `json:"brand,omitempty"`
	Model      string            `json:"model,omitempty"`
	Color      string            `json:"color,omitempty"`
	Size       string            `json:"size,omitempty"`
	Category   string            `json:"category,omitempty"`
	Condition  string            `json:"condition,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// ProductInfo is the merged signal handed to category detection.
type ProductInfo struct {
	Title    string `json:"title,omitempty"`
	Brand    string `json:"brand,omitempty"`
	Model    string `json:"model,omitempty"`
	MPN      string `json:"mpn,omitempty"`
	UPC      string `json:"upc,omitempty"`
	Category string `json:"category,omitempty"`
	Color    string `json:"color,omitempty"`
	Size     string `json:"size,omitempty"`
}

// HasSignal reports whether there is anything to detect a category from.
func (p ProductInfo) HasSignal() bool {
	return p.Title != "" || p.Brand != "" || p.Model != "" || p.Category != "" || p.UPC != "" || p.MPN != ""
}

// FieldRequirement describes one listing attribute a category asks for.
type FieldRequirement struct {
	Name          string   `json:"name"`
	Description   string   `json:"description,omitempty"`
	AllowedValues []string `json:"allowed_values,omitempty"`
}

// Detection is the raw category match before it is materialized.
type Detection struct {
	CategoryID        string             `json:"category_id"`
	CategoryName      string             `json:"category_name"`
	CategoryPath      []string           `json:"category_path,omitempty"`
	Confidence        float64            `json:"confidence"`
	RequiredFields    []FieldRequirement `json:"required_fields"`
	RecommendedFields []FieldRequirement `json:"recommended_fields"`
}

// MarketplaceCategory is a fully resolved marketplace taxonomy node.
type MarketplaceCategory struct {
	Marketplace string   `json:"marketplace"`
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Path        []string `json:"path"`
	Confidence  float64  `json:"confidence"`
	ConditionID string   `json:"condition_id"`
}

// FieldGroup counts how many fields of one kind are already known.
type FieldGroup struct {
	Filled  int      `json:"filled"`
	Total   int      `json:"total"`
	Missing []string `json:"missing"`
}

// FieldCompletion summarizes how ready the item is for listing.
type FieldCompletion struct {
	Required       FieldGroup `json:"required"`
	Recommended    FieldGroup `json:"recommended"`
	ReadinessScore float64    `json:"readiness_score"`
}

// Delta is what the node contributes to workflow state. A zero Delta means
// no category was detected.
type Delta struct {
	MarketplaceCategory *MarketplaceCategory `json:"marketplace_category,omitempty"`
	RequiredFields      []FieldRequirement   `json:"required_fields,omitempty"`
	RecommendedFields   []FieldRequirement   `json:"recommended_fields,omitempty"`
	FieldCompletion     *FieldCompletion     `json:"field_completion,omitempty"`
}

// Empty reports whether the delta carries nothing.
func (d Delta) Empty() bool {
	return d.MarketplaceCategory == nil && d.RequiredFields == nil && d.RecommendedFields == nil && d.FieldCompletion == nil
}

// CategoryDetector maps product signals to a marketplace category.
type CategoryDetector interface {
	// DetectCategory returns nil, nil when there is not enough signal.
	DetectCategory(ctx context.Context, info ProductInfo) (*Detection, error)
	BuildMarketplaceCategory(ctx context.Context, d Detection, condition string) (MarketplaceCategory, error)
	CalculateFieldCompletion(attrs map[string]string, required, recommended []FieldRequirement) FieldCompletion
}

// OperationStart opens an activity record.
type OperationStart struct {
	RunID    string         `json:"run_id"`
	Type     string         `json:"type"`
	Title    string         `json:"title"`
	Message  string         `json:"message,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// OperationResult closes an activity record successfully.
type OperationResult struct {
	OperationID string         `json:"operation_id"`
	RunID       string         `json:"run_id"`
	Message     string         `json:"message,omitempty"`
	Summary     map[string]any `json:"summary,omitempty"`
}

// OperationFailure closes an activity record with an error.
type OperationFailure struct {
	OperationID string `json:"operation_id"`
	RunID       string `json:"run_id"`
	Error       string `json:"error"`
}

// ActivityLogger records start/complete/fail events for a run.
type ActivityLogger interface {
	StartOperation(ctx context.Context, op OperationStart) (string, error)
	CompleteOperation(ctx context.Context, res OperationResult) error
	FailOperation(ctx context.Context, f OperationFailure) error
}

// Capabilities is the set of optional collaborators the node can use.
// A nil Detector disables detection; a nil Activity disables activity
// records.
type Capabilities struct {
	Detector CategoryDetector
	Activity ActivityLogger
}
