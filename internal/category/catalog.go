package category

import (
	"sort"
	"strings"

	"github.com/kalambet/listforge/internal/schema"
)

// Marketplace is the taxonomy the built-in catalog describes.
const Marketplace = "ebay"

// Entry is one leaf category in the marketplace taxonomy.
type Entry struct {
	ID          string
	Name        string
	Path        []string
	Keywords    []string
	Required    []schema.FieldRequirement
	Recommended []schema.FieldRequirement
}

// conditionIDs maps the internal condition vocabulary to marketplace
// condition ids.
var conditionIDs = map[string]string{
	"new":              "1000",
	"new_other":        "1500",
	"new_with_defects": "1750",
	"certified_refurb": "2000",
	"seller_refurb":    "2500",
	"used_like_new":    "2750",
	"used_good":        "3000",
	"used_very_good":   "4000",
	"used_acceptable":  "6000",
	"used_fair":        "6000",
	"for_parts":        "7000",
}

// ConditionID returns the marketplace condition id for condition. Unknown
// conditions map to the id of the default condition.
func ConditionID(condition string) string {
	if id, ok := conditionIDs[strings.ToLower(strings.TrimSpace(condition))]; ok {
		return id
	}
	return conditionIDs[schema.DefaultCondition]
}

// KnownCondition reports whether condition is part of the condition
// vocabulary.
func KnownCondition(condition string) bool {
	_, ok := conditionIDs[strings.ToLower(strings.TrimSpace(condition))]
	return ok
}

// Catalog is an immutable set of categories indexed by id.
type Catalog struct {
	entries []Entry
	byID    map[string]int
}

// NewCatalog indexes entries. Entries without an id or with an id already
// seen are ignored.
func NewCatalog(entries []Entry) *Catalog {
	c := &Catalog{byID: make(map[string]int, len(entries))}
	for _, e := range entries {
		if _, dup := c.byID[e.ID]; dup || e.ID == "" {
			continue
		}
		c.byID[e.ID] = len(c.entries)
		c.entries = append(c.entries, e)
	}
	return c
}

// Entries returns the categories in catalog order.
func (c *Catalog) Entries() []Entry {
	out := make([]Entry, len(c.entries))
	copy(out, c.entries)
	return out
}

// Lookup returns the entry with the given id.
func (c *Catalog) Lookup(id string) (Entry, bool) {
	i, ok := c.byID[id]
	if !ok {
		return Entry{}, false
	}
	return c.entries[i], true
}

// Match is a keyword hit against one catalog entry.
type Match struct {
	Entry Entry
	Score int
}

// Search scores every entry against the product info and returns the hits,
// best first. Ties keep catalog order.
func (c *Catalog) Search(info schema.ProductInfo) []Match {
	text := " " + normalize(strings.Join([]string{info.Title, info.Brand, info.Model, info.Category}, " ")) + " "
	hint := normalize(info.Category)

	var matches []Match
	for _, e := range c.entries {
		score := 0
		for _, kw := range e.Keywords {
			if strings.Contains(text, " "+normalize(kw)+" ") {
				score++
			}
		}
		if hint != "" && strings.Contains(normalize(e.Name), hint) {
			score += 2
		}
		if score > 0 {
			matches = append(matches, Match{Entry: e, Score: score})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	return matches
}

// normalize lower-cases s and turns punctuation into spaces so keywords
// match on word boundaries.
func normalize(s string) string {
	s = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return r
		}
		return ' '
	}, strings.ToLower(s))
	return strings.Join(strings.Fields(s), " ")
}

func fields(names ...string) []schema.FieldRequirement {
	out := make([]schema.FieldRequirement, len(names))
	for i, n := range names {
		out[i] = schema.FieldRequirement{Name: n}
	}
	return out
}

// DefaultCatalog returns the built-in taxonomy of common resale categories.
func DefaultCatalog() *Catalog {
	return NewCatalog([]Entry{
		{
			ID:          "9355",
			Name:        "Cell Phones & Smartphones",
			Path:        []string{"Cell Phones & Accessories", "Cell Phones & Smartphones"},
			Keywords:    []string{"iphone", "smartphone", "phone", "galaxy", "pixel", "android"},
			Required:    fields("Brand", "Model", "Storage Capacity"),
			Recommended: fields("Color", "Network", "Operating System", "Screen Size"),
		},
		{
			ID:          "31388",
			Name:        "Digital Cameras",
			Path:        []string{"Cameras & Photo", "Digital Cameras"},
			Keywords:    []string{"camera", "dslr", "mirrorless", "canon", "nikon", "fujifilm"},
			Required:    fields("Brand", "Model", "Type"),
			Recommended: fields("Color", "Megapixels", "Optical Zoom", "Series"),
		},
		{
			ID:          "177",
			Name:        "PC Laptops & Netbooks",
			Path:        []string{"Computers/Tablets & Networking", "Laptops & Netbooks", "PC Laptops & Netbooks"},
			Keywords:    []string{"laptop", "notebook", "thinkpad", "chromebook", "ultrabook"},
			Required:    fields("Brand", "Processor", "Screen Size"),
			Recommended: fields("Model", "RAM Size", "SSD Capacity", "Operating System"),
		},
		{
			ID:          "93427",
			Name:        "Athletic Shoes",
			Path:        []string{"Clothing, Shoes & Accessories", "Men", "Men's Shoes", "Athletic Shoes"},
			Keywords:    []string{"sneaker", "sneakers", "shoes", "running", "trainers", "jordan"},
			Required:    fields("Brand", "US Shoe Size", "Department"),
			Recommended: fields("Color", "Style", "Model", "Upper Material"),
		},
		{
			ID:          "169291",
			Name:        "Women's Bags & Handbags",
			Path:        []string{"Clothing, Shoes & Accessories", "Women", "Women's Bags & Handbags"},
			Keywords:    []string{"handbag", "purse", "tote", "satchel", "clutch", "crossbody"},
			Required:    fields("Brand", "Department"),
			Recommended: fields("Color", "Exterior Material", "Style", "Size"),
		},
		{
			ID:          "139973",
			Name:        "Video Games",
			Path:        []string{"Video Games & Consoles", "Video Games"},
			Keywords:    []string{"game", "nintendo", "playstation", "xbox", "switch", "ps5"},
			Required:    fields("Platform", "Game Name"),
			Recommended: fields("Genre", "Rating", "Region Code", "Publisher"),
		},
		{
			ID:          "31387",
			Name:        "Wristwatches",
			Path:        []string{"Jewelry & Watches", "Watches, Parts & Accessories", "Watches", "Wristwatches"},
			Keywords:    []string{"watch", "wristwatch", "chronograph", "seiko", "rolex", "casio"},
			Required:    fields("Brand", "Model", "Movement"),
			Recommended: fields("Case Size", "Band Material", "Display", "Department"),
		},
		{
			ID:          "33034",
			Name:        "Electric Guitars",
			Path:        []string{"Musical Instruments & Gear", "Guitars & Basses", "Electric Guitars"},
			Keywords:    []string{"guitar", "stratocaster", "telecaster", "les paul", "fender", "gibson"},
			Required:    fields("Brand", "Body Type"),
			Recommended: fields("Model", "Color", "Dexterity", "Number of Strings"),
		},
		{
			ID:          "261186",
			Name:        "Books",
			Path:        []string{"Books & Magazines", "Books"},
			Keywords:    []string{"book", "hardcover", "paperback", "novel", "isbn"},
			Required:    fields("Book Title", "Author", "Language"),
			Recommended: fields("Format", "Publisher", "Publication Year", "Genre"),
		},
	})
}
