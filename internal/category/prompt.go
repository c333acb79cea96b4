package category

import (
	"fmt"
	"strings"

	"github.com/kalambet/listforge/internal/ollama"
	"github.com/kalambet/listforge/internal/schema"
)

const systemPrompt = `You are a marketplace categorization engine. Pick the single category from the list that best fits the product. Your output must be ONLY a single valid JSON object that conforms to the provided schema. Do not include any other text, prose, or markdown.

Rules:
- category_id must be one of the listed ids, or "none" if nothing fits.
- confidence is a number between 0 and 1.
- Prefer the most specific category.`

// BuildPrompt constructs the chat messages asking the model to pick one of
// entries for info.
func BuildPrompt(info schema.ProductInfo, entries []Entry) []ollama.Message {
	var sb strings.Builder
	sb.WriteString(systemPrompt)
	sb.WriteString("\n\n[Categories]")
	for _, e := range entries {
		fmt.Fprintf(&sb, "\n%s: %s", e.ID, strings.Join(e.Path, " > "))
	}

	return []ollama.Message{
		{Role: "system", Content: sb.String()},
		{Role: "user", Content: describe(info)},
	}
}

func describe(info schema.ProductInfo) string {
	var lines []string
	add := func(label, v string) {
		if strings.TrimSpace(v) != "" {
			lines = append(lines, label+": "+v)
		}
	}
	add("Title", info.Title)
	add("Brand", info.Brand)
	add("Model", info.Model)
	add("MPN", info.MPN)
	add("UPC", info.UPC)
	add("Category hint", info.Category)
	add("Color", info.Color)
	add("Size", info.Size)
	return strings.Join(lines, "\n")
}

func choiceSchema(entries []Entry) *ollama.Schema {
	ids := make([]string, 0, len(entries)+1)
	for _, e := range entries {
		ids = append(ids, e.ID)
	}
	ids = append(ids, noneID)
	return &ollama.Schema{
		Type: "object",
		Properties: map[string]ollama.SchemaProperty{
			"category_id": {Type: "string", Description: "Chosen category id", Enum: ids},
			"confidence":  {Type: "number", Description: "Confidence between 0 and 1"},
		},
		Required: []string{"category_id", "confidence"},
	}
}
