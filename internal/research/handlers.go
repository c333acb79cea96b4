package research

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kalambet/listforge/internal/category"
	"github.com/kalambet/listforge/internal/goal"
	"github.com/kalambet/listforge/internal/schema"
	"github.com/kalambet/listforge/internal/workflow"
)

// SchemaDetector is the metadata step. *schema.Node implements it.
type SchemaDetector interface {
	Detect(ctx context.Context, in schema.Input) schema.Delta
}

// MarketResearcher looks up comparable listings for pricing.
type MarketResearcher interface {
	Research(ctx context.Context, s workflow.State) (workflow.MarketResearch, error)
}

// Capabilities are the collaborators behind the standard goal handlers.
// Identifier and Schema are required; Researcher is optional.
type Capabilities struct {
	Identifier Identifier
	Schema     SchemaDetector
	Researcher MarketResearcher
}

// Handlers returns the options registering the standard handler for every
// standard goal type.
func Handlers(caps Capabilities) []Option {
	return []Option{
		WithHandler(goal.TypeIdentifyProduct, identifyHandler(caps.Identifier)),
		WithHandler(goal.TypeValidateIdentification, validateIdentification),
		WithHandler(goal.TypeGatherMetadata, gatherMetadataHandler(caps.Schema)),
		WithHandler(goal.TypeResearchMarket, researchMarketHandler(caps.Researcher)),
		WithHandler(goal.TypeAssembleListing, assembleListing),
	}
}

func identifyHandler(id Identifier) Handler {
	return func(ctx context.Context, s workflow.State, _ goal.Goal) (Result, error) {
		if s.Item == nil {
			return Result{}, errors.New("run has no item snapshot")
		}
		if id == nil {
			return Result{}, errors.New("no identifier configured")
		}
		ident, err := id.Identify(ctx, *s.Item)
		if err != nil {
			return Result{}, err
		}
		return Result{
			Delta:      workflow.Delta{Identification: &ident},
			Confidence: ident.Confidence,
		}, nil
	}
}

func validateIdentification(_ context.Context, s workflow.State, g goal.Goal) (Result, error) {
	if s.Identification == nil {
		return Result{}, fmt.Errorf("%w: no identification", ErrBelowThreshold)
	}
	conf := s.Identification.Confidence
	if conf < g.ConfidenceThreshold {
		return Result{}, fmt.Errorf("%w: %.2f < %.2f", ErrBelowThreshold, conf, g.ConfidenceThreshold)
	}
	return Result{Confidence: conf}, nil
}

func gatherMetadataHandler(d SchemaDetector) Handler {
	return func(ctx context.Context, s workflow.State, _ goal.Goal) (Result, error) {
		if d == nil {
			return Result{}, errors.New("no schema detector configured")
		}
		delta := d.Detect(ctx, s.SchemaInput())
		conf := 0.0
		if delta.MarketplaceCategory != nil {
			conf = delta.MarketplaceCategory.Confidence
		}
		return Result{Delta: workflow.FromSchema(delta), Confidence: conf}, nil
	}
}

func researchMarketHandler(m MarketResearcher) Handler {
	return func(ctx context.Context, s workflow.State, _ goal.Goal) (Result, error) {
		if m == nil {
			return Result{}, nil
		}
		mr, err := m.Research(ctx, s)
		if err != nil {
			return Result{}, err
		}
		conf := 0.0
		if mr.Comparables > 0 {
			conf = min(1, float64(mr.Comparables)/10)
		}
		return Result{Delta: workflow.Delta{Market: &mr}, Confidence: conf}, nil
	}
}

func assembleListing(_ context.Context, s workflow.State, _ goal.Goal) (Result, error) {
	draft := BuildListing(s)
	return Result{Delta: workflow.Delta{Listing: &draft}, Confidence: draft.ReadinessScore}, nil
}

// BuildListing assembles a listing draft from everything the run learned.
func BuildListing(s workflow.State) workflow.ListingDraft {
	draft := workflow.ListingDraft{
		Attributes:      schema.MergeItemAttributes(s.Item, s.Identification, s.Media),
		MissingRequired: []string{},
	}

	if s.Item != nil {
		draft.Title = strings.TrimSpace(s.Item.Title)
	}
	if draft.Title == "" && s.Identification != nil {
		draft.Title = strings.TrimSpace(s.Identification.Brand + " " + s.Identification.Model)
	}
	draft.Condition = schema.ResolveCondition(s.Item, s.Media, schema.DefaultCondition)

	if c := s.MarketplaceCategory; c != nil {
		draft.CategoryID = c.ID
		draft.CategoryName = c.Name
		draft.ConditionID = c.ConditionID
	} else {
		draft.ConditionID = category.ConditionID(draft.Condition)
	}

	if fc := s.FieldCompletion; fc != nil {
		draft.MissingRequired = append(draft.MissingRequired, fc.Required.Missing...)
		draft.ReadinessScore = fc.ReadinessScore
	}
	if s.Market != nil && s.Market.PriceMedian > 0 {
		draft.SuggestedPrice = s.Market.PriceMedian
	}

	draft.Ready = draft.Title != "" && draft.CategoryID != "" && len(draft.MissingRequired) == 0
	return draft
}
