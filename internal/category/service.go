package category

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/kalambet/listforge/internal/ollama"
	"github.com/kalambet/listforge/internal/schema"
)

const (
	defaultTimeout   = 10 * time.Second
	defaultCacheSize = 512

	// noneID is what the model answers when no category fits.
	noneID = "none"
)

// Chatter is the chat completion capability used to pick a category.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []ollama.Message, jsonSchema *ollama.Schema) (string, error)
}

// Option configures a Service.
type Option func(*Service)

// WithLLM makes the service ask a chat model to choose the category.
// Without it only keyword matching is used.
func WithLLM(client Chatter, model string) Option {
	return func(s *Service) {
		s.client = client
		s.model = model
	}
}

// WithTimeout bounds a single LLM category request.
func WithTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithCacheSize sets how many detections are remembered.
func WithCacheSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.cacheSize = n
		}
	}
}

// WithLogger replaces the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// Service detects marketplace categories from product info. It implements
// schema.CategoryDetector.
type Service struct {
	catalog   *Catalog
	client    Chatter
	model     string
	timeout   time.Duration
	cacheSize int
	cache     *lru.Cache[string, *schema.Detection]
	logger    *slog.Logger
}

// NewService creates a Service over catalog.
func NewService(catalog *Catalog, opts ...Option) (*Service, error) {
	s := &Service{
		catalog:   catalog,
		timeout:   defaultTimeout,
		cacheSize: defaultCacheSize,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	cache, err := lru.New[string, *schema.Detection](s.cacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating detection cache: %w", err)
	}
	s.cache = cache
	return s, nil
}

var _ schema.CategoryDetector = (*Service)(nil)

// DetectCategory returns the best matching category, or nil when the info
// carries no signal or nothing in the catalog fits.
func (s *Service) DetectCategory(ctx context.Context, info schema.ProductInfo) (*schema.Detection, error) {
	if !info.HasSignal() {
		return nil, nil
	}

	key := fingerprint(info)
	if d, ok := s.cache.Get(key); ok {
		return cloneDetection(d), nil
	}

	d, settled := s.detect(ctx, info)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if settled {
		s.cache.Add(key, d)
	}
	return cloneDetection(d), nil
}

// detect reports settled when the answer is final for this info: the model
// answered, or no model is configured. A keyword fallback after a model
// failure is not settled and must not be cached.
func (s *Service) detect(ctx context.Context, info schema.ProductInfo) (*schema.Detection, bool) {
	settled := true
	if s.client != nil {
		d, err := s.askModel(ctx, info)
		if err == nil {
			return d, true
		}
		s.logger.Warn("category: model selection failed, using keyword match", "error", err)
		settled = false
	}

	matches := s.catalog.Search(info)
	if len(matches) == 0 {
		return nil, settled
	}
	best := matches[0]
	return detectionFor(best.Entry, keywordConfidence(best.Score)), settled
}

type modelChoice struct {
	CategoryID string  `json:"category_id"`
	Confidence float64 `json:"confidence"`
}

func (s *Service) askModel(ctx context.Context, info schema.ProductInfo) (*schema.Detection, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	entries := s.catalog.Entries()
	raw, err := s.client.Chat(ctx, s.model, BuildPrompt(info, entries), choiceSchema(entries))
	if err != nil {
		return nil, fmt.Errorf("chat: %w", err)
	}

	var choice modelChoice
	if err := json.Unmarshal([]byte(raw), &choice); err != nil {
		return nil, fmt.Errorf("decoding model choice: %w", err)
	}
	id := strings.TrimSpace(choice.CategoryID)
	if id == noneID || id == "" {
		return nil, nil
	}
	entry, ok := s.catalog.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("model chose unknown category %q", id)
	}
	return detectionFor(entry, clamp(choice.Confidence)), nil
}

// BuildMarketplaceCategory resolves a detection into a category with the
// marketplace condition id for condition.
func (s *Service) BuildMarketplaceCategory(_ context.Context, d schema.Detection, condition string) (schema.MarketplaceCategory, error) {
	entry, ok := s.catalog.Lookup(d.CategoryID)
	if !ok {
		return schema.MarketplaceCategory{}, fmt.Errorf("unknown category %q", d.CategoryID)
	}
	return schema.MarketplaceCategory{
		Marketplace: Marketplace,
		ID:          entry.ID,
		Name:        entry.Name,
		Path:        append([]string(nil), entry.Path...),
		Confidence:  d.Confidence,
		ConditionID: ConditionID(condition),
	}, nil
}

// CalculateFieldCompletion scores attrs against the category fields.
func (s *Service) CalculateFieldCompletion(attrs map[string]string, required, recommended []schema.FieldRequirement) schema.FieldCompletion {
	return schema.ScoreFields(attrs, required, recommended)
}

func detectionFor(e Entry, confidence float64) *schema.Detection {
	return &schema.Detection{
		CategoryID:        e.ID,
		CategoryName:      e.Name,
		CategoryPath:      append([]string(nil), e.Path...),
		Confidence:        confidence,
		RequiredFields:    append([]schema.FieldRequirement{}, e.Required...),
		RecommendedFields: append([]schema.FieldRequirement{}, e.Recommended...),
	}
}

func cloneDetection(d *schema.Detection) *schema.Detection {
	if d == nil {
		return nil
	}
	c := *d
	c.CategoryPath = append([]string(nil), d.CategoryPath...)
	c.RequiredFields = append([]schema.FieldRequirement{}, d.RequiredFields...)
	c.RecommendedFields = append([]schema.FieldRequirement{}, d.RecommendedFields...)
	return &c
}

// keywordConfidence grows with the number of keyword hits, capped below
// what a model answer typically reports.
func keywordConfidence(score int) float64 {
	c := 0.4 + 0.1*float64(score)
	if c > 0.8 {
		c = 0.8
	}
	return c
}

func clamp(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}

func fingerprint(info schema.ProductInfo) string {
	parts := []string{info.Title, info.Brand, info.Model, info.MPN, info.UPC, info.Category, info.Color, info.Size}
	for i, p := range parts {
		parts[i] = normalize(p)
	}
	return strings.Join(parts, "|")
}
