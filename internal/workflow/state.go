package workflow

import (
	"slices"

	"github.com/kalambet/listforge/internal/goal"
	"github.com/kalambet/listforge/internal/schema"
)

// ListingDraft is the assembled result of a research run.
type ListingDraft struct {
	Title           string            `json:"title"`
	Condition       string            `json:"condition,omitempty"`
	CategoryID      string            `json:"category_id,omitempty"`
	CategoryName    string            `json:"category_name,omitempty"`
	ConditionID     string            `json:"condition_id,omitempty"`
	Attributes      map[string]string `json:"attributes"`
	MissingRequired []string          `json:"missing_required"`
	ReadinessScore  float64           `json:"readiness_score"`
	SuggestedPrice  float64           `json:"suggested_price,omitempty"`
	Ready           bool              `json:"ready"`
}

// MarketResearch summarizes comparable listings for pricing.
type MarketResearch struct {
	Source      string  `json:"source"`
	Comparables int     `json:"comparables"`
	Currency    string  `json:"currency,omitempty"`
	PriceLow    float64 `json:"price_low,omitempty"`
	PriceMedian float64 `json:"price_median,omitempty"`
	PriceHigh   float64 `json:"price_high,omitempty"`
}

// State is the full workflow state of one research run. It is what gets
// persisted as the run snapshot.
type State struct {
	ItemID string       `json:"item_id"`
	RunID  string       `json:"run_id"`
	Item   *schema.Item `json:"item,omitempty"`

	Goals          []goal.Goal `json:"goals"`
	ActiveGoal     string      `json:"active_goal,omitempty"`
	CompletedGoals []string    `json:"completed_goals"`
	ResearchPhase  goal.Phase  `json:"research_phase,omitempty"`

	Identification      *schema.ProductIdentification `json:"identification,omitempty"`
	Media               *schema.MediaAnalysis         `json:"media,omitempty"`
	MarketplaceCategory *schema.MarketplaceCategory   `json:"marketplace_category,omitempty"`
	RequiredFields      []schema.FieldRequirement     `json:"required_fields,omitempty"`
	RecommendedFields   []schema.FieldRequirement     `json:"recommended_fields,omitempty"`
	FieldCompletion     *schema.FieldCompletion       `json:"field_completion,omitempty"`
	Market              *MarketResearch               `json:"market,omitempty"`
	Listing             *ListingDraft                 `json:"listing,omitempty"`
}

// Delta is a partial state update. Nil fields leave the state untouched;
// set fields replace the state value wholesale.
type Delta struct {
	Goals          []goal.Goal
	ActiveGoal     *string
	CompletedGoals []string
	ResearchPhase  *goal.Phase

	Identification      *schema.ProductIdentification
	Media               *schema.MediaAnalysis
	MarketplaceCategory *schema.MarketplaceCategory
	RequiredFields      []schema.FieldRequirement
	RecommendedFields   []schema.FieldRequirement
	FieldCompletion     *schema.FieldCompletion
	Market              *MarketResearch
	Listing             *ListingDraft
}

// FromSchema converts the schema node output into a state delta.
func FromSchema(d schema.Delta) Delta {
	return Delta{
		MarketplaceCategory: d.MarketplaceCategory,
		RequiredFields:      d.RequiredFields,
		RecommendedFields:   d.RecommendedFields,
		FieldCompletion:     d.FieldCompletion,
	}
}

// Apply returns a copy of s with d merged in.
func (s State) Apply(d Delta) State {
	if d.Goals != nil {
		s.Goals = slices.Clone(d.Goals)
	}
	if d.ActiveGoal != nil {
		s.ActiveGoal = *d.ActiveGoal
	}
	if d.CompletedGoals != nil {
		s.CompletedGoals = slices.Clone(d.CompletedGoals)
	}
	if d.ResearchPhase != nil {
		s.ResearchPhase = *d.ResearchPhase
	}
	if d.Identification != nil {
		s.Identification = d.Identification
	}
	if d.Media != nil {
		s.Media = d.Media
	}
	if d.MarketplaceCategory != nil {
		s.MarketplaceCategory = d.MarketplaceCategory
	}
	if d.RequiredFields != nil {
		s.RequiredFields = d.RequiredFields
	}
	if d.RecommendedFields != nil {
		s.RecommendedFields = d.RecommendedFields
	}
	if d.FieldCompletion != nil {
		s.FieldCompletion = d.FieldCompletion
	}
	if d.Market != nil {
		s.Market = d.Market
	}
	if d.Listing != nil {
		s.Listing = d.Listing
	}
	return s
}

// SchemaInput extracts what the schema detection node reads.
func (s State) SchemaInput() schema.Input {
	return schema.Input{
		RunID:          s.RunID,
		Item:           s.Item,
		Identification: s.Identification,
		Media:          s.Media,
	}
}

// InitializeGoals builds the goal DAG for a run and returns the delta that
// installs it: every goal pending, the identify goal active, nothing
// completed, identification phase.
func InitializeGoals(b *goal.Builder, rc goal.RunContext) Delta {
	goals := b.Build(rc)

	active := ""
	if g, ok := goal.Find(goals, goal.TypeIdentifyProduct); ok {
		active = g.ID
	} else if ready := goal.ReadyGoals(goals, nil); len(ready) > 0 {
		active = ready[0].ID
	}
	phase := goal.PhaseIdentification

	return Delta{
		Goals:          goals,
		ActiveGoal:     &active,
		CompletedGoals: []string{},
		ResearchPhase:  &phase,
	}
}
