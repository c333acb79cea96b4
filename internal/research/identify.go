package research

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/listforge/internal/ollama"
	"github.com/kalambet/listforge/internal/schema"
)

const identificationTimeout = 15 * time.Second

// OllamaChatter is the interface for chat completion via Ollama.
type OllamaChatter interface {
	Chat(ctx context.Context, model string, messages []ollama.Message, jsonSchema *ollama.Schema) (string, error)
}

// Identifier determines what product an item is.
type Identifier interface {
	Identify(ctx context.Context, item schema.Item) (schema.ProductIdentification, error)
}

// AttributeIdentifier identifies a product from the literal attributes the
// seller entered. It never calls a model.
type AttributeIdentifier struct{}

// Identify reads brand, model, mpn, upc, category and condition attributes.
// Confidence grows with the number of identifying fields found.
func (AttributeIdentifier) Identify(_ context.Context, item schema.Item) (schema.ProductIdentification, error) {
	id := schema.ProductIdentification{Condition: item.Condition}
	extra := map[string]string{}
	for _, a := range item.Attributes {
		v := strings.TrimSpace(a.Value)
		if v == "" {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(a.Key)) {
		case "brand":
			id.Brand = v
		case "model":
			id.Model = v
		case "mpn":
			id.MPN = v
		case "upc", "ean", "gtin":
			id.UPC = v
		case "category":
			id.Category = v
		case "color", "size":
			extra[strings.ToLower(strings.TrimSpace(a.Key))] = v
		}
	}
	if len(extra) > 0 {
		id.Attributes = extra
	}
	id.Confidence = attributeConfidence(id)
	return id, nil
}

func attributeConfidence(id schema.ProductIdentification) float64 {
	switch {
	case id.UPC != "" || id.MPN != "":
		return 0.9
	case id.Brand != "" && id.Model != "":
		return 0.8
	case id.Brand != "" || id.Model != "":
		return 0.5
	}
	return 0.2
}

// LLMIdentifier asks a local model to identify the product from the item
// title and attributes. When the model is unavailable or answers with
// malformed JSON it falls back to the item's own attributes, so
// identification never blocks a run.
type LLMIdentifier struct {
	client   OllamaChatter
	model    string
	fallback AttributeIdentifier
	logger   *slog.Logger
}

// NewLLMIdentifier creates an LLMIdentifier using the given client and model.
func NewLLMIdentifier(client OllamaChatter, model string) *LLMIdentifier {
	return &LLMIdentifier{client: client, model: model, logger: slog.Default()}
}

type identificationResponse struct {
	Brand      string  `json:"brand"`
	Model      string  `json:"model"`
	MPN        string  `json:"mpn"`
	UPC        string  `json:"upc"`
	Category   string  `json:"category"`
	Color      string  `json:"color"`
	Size       string  `json:"size"`
	Confidence float64 `json:"confidence"`
}

// Identify returns the model's identification merged over the attribute
// identification. Only a cancelled context is reported as an error.
func (l *LLMIdentifier) Identify(ctx context.Context, item schema.Item) (schema.ProductIdentification, error) {
	base, _ := l.fallback.Identify(ctx, item)
	if strings.TrimSpace(item.Title) == "" && len(item.Attributes) == 0 {
		return base, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, identificationTimeout)
	defer cancel()

	raw, err := l.client.Chat(callCtx, l.model, BuildIdentifyPrompt(item), identificationSchema())
	if err != nil {
		if ctx.Err() != nil {
			return schema.ProductIdentification{}, fmt.Errorf("identifying product: %w", ctx.Err())
		}
		l.logger.Warn("identification chat failed, using item attributes", "item_id", item.ID, "error", err)
		return base, nil
	}

	var resp identificationResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		l.logger.Warn("failed to unmarshal identification from LLM response", "item_id", item.ID, "error", err, "response", raw)
		return base, nil
	}

	// Seller-entered values win over what the model guessed.
	out := base
	out.Brand = firstSet(base.Brand, resp.Brand)
	out.Model = firstSet(base.Model, resp.Model)
	out.MPN = firstSet(base.MPN, resp.MPN)
	out.UPC = firstSet(base.UPC, resp.UPC)
	out.Category = firstSet(base.Category, resp.Category)
	for k, v := range map[string]string{"color": resp.Color, "size": resp.Size} {
		if strings.TrimSpace(v) == "" {
			continue
		}
		if out.Attributes == nil {
			out.Attributes = map[string]string{}
		}
		if _, ok := out.Attributes[k]; !ok {
			out.Attributes[k] = v
		}
	}
	if resp.Confidence > out.Confidence && resp.Confidence <= 1 {
		out.Confidence = resp.Confidence
	}
	return out, nil
}

func firstSet(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return a
	}
	return strings.TrimSpace(b)
}

func identificationSchema() *ollama.Schema {
	return &ollama.Schema{
		Type: "object",
		Properties: map[string]ollama.SchemaProperty{
			"brand":      {Type: "string", Description: "Manufacturer or brand, empty if unknown"},
			"model":      {Type: "string", Description: "Model name or number, empty if unknown"},
			"mpn":        {Type: "string", Description: "Manufacturer part number, empty if unknown"},
			"upc":        {Type: "string", Description: "UPC or EAN barcode, empty if unknown"},
			"category":   {Type: "string", Description: "Short product type, e.g. digital camera"},
			"color":      {Type: "string", Description: "Primary color, empty if unknown"},
			"size":       {Type: "string", Description: "Size, empty if not applicable"},
			"confidence": {Type: "number", Description: "Confidence between 0 and 1"},
		},
		Required: []string{"brand", "model", "category", "confidence"},
	}
}

const identifySystemPrompt = `You are a product identification engine for resale listings. Identify the exact product from the seller's title and attributes. Your output must be ONLY a single valid JSON object that conforms to the provided schema. Do not include any other text, prose, or markdown.

Rules:
- Leave a field empty rather than guessing.
- confidence reflects how sure you are of brand and model together.`

// BuildIdentifyPrompt constructs the chat messages for product identification.
func BuildIdentifyPrompt(item schema.Item) []ollama.Message {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Title: %s", strings.TrimSpace(item.Title))
	if item.Condition != "" {
		fmt.Fprintf(&sb, "\nCondition: %s", item.Condition)
	}
	for _, a := range item.Attributes {
		fmt.Fprintf(&sb, "\n%s: %s", a.Key, a.Value)
	}
	return []ollama.Message{
		{Role: "system", Content: identifySystemPrompt},
		{Role: "user", Content: sb.String()},
	}
}
