package schema

import "strings"

// DefaultCondition is used when neither the item nor the images say
// anything about condition.
const DefaultCondition = "used_good"

// MergeProductInfo builds the detection signal. Identification fields win,
// media analysis fills the gaps, and item attributes keyed brand or model
// are used last for whatever is still unset.
func MergeProductInfo(item *Item, ident *ProductIdentification, media *MediaAnalysis) ProductInfo {
	var info ProductInfo

	if ident != nil {
		info.Brand = ident.Brand
		info.Model = ident.Model
		info.MPN = ident.MPN
		info.UPC = ident.UPC
		info.Category = ident.Category
		info.Color = ident.Attributes["color"]
		info.Size = ident.Attributes["size"]
	}

	if media != nil {
		info.Brand = firstNonEmpty(info.Brand, media.Brand)
		info.Model = firstNonEmpty(info.Model, media.Model)
		info.Category = firstNonEmpty(info.Category, media.Category)
		info.Color = firstNonEmpty(info.Color, media.Color)
		info.Size = firstNonEmpty(info.Size, media.Size)
	}

	if item != nil {
		info.Title = strings.TrimSpace(item.Title)
		for _, a := range item.Attributes {
			switch strings.ToLower(strings.TrimSpace(a.Key)) {
			case "brand":
				info.Brand = firstNonEmpty(info.Brand, a.Value)
			case "model":
				info.Model = firstNonEmpty(info.Model, a.Value)
			}
		}
	}

	return info
}

// ResolveCondition picks the item condition, then the media condition,
// then fallback.
func ResolveCondition(item *Item, media *MediaAnalysis, fallback string) string {
	if item != nil && strings.TrimSpace(item.Condition) != "" {
		return strings.TrimSpace(item.Condition)
	}
	if media != nil && strings.TrimSpace(media.Condition) != "" {
		return strings.TrimSpace(media.Condition)
	}
	if fallback == "" {
		return DefaultCondition
	}
	return fallback
}

// MergeItemAttributes builds the attribute map scored against a category's
// fields. Item attributes keep precedence, then identification values;
// media analysis only fills keys nobody else set. Keys and values are
// trimmed, empty entries dropped, and keys compared case-insensitively.
func MergeItemAttributes(item *Item, ident *ProductIdentification, media *MediaAnalysis) map[string]string {
	attrs := attributeSet{values: make(map[string]string), keys: make(map[string]string)}

	if item != nil {
		for _, a := range item.Attributes {
			attrs.put(a.Key, a.Value)
		}
	}

	if ident != nil {
		attrs.put("brand", ident.Brand)
		attrs.put("model", ident.Model)
		attrs.put("mpn", ident.MPN)
		attrs.put("upc", ident.UPC)
		for k, v := range ident.Attributes {
			attrs.put(k, v)
		}
	}

	if media != nil {
		attrs.put("brand", media.Brand)
		attrs.put("model", media.Model)
		attrs.put("color", media.Color)
		attrs.put("size", media.Size)
		for k, v := range media.Attributes {
			attrs.put(k, v)
		}
	}

	return attrs.values
}

type attributeSet struct {
	values map[string]string
	keys   map[string]string // lower-cased key -> key as stored
}

// put stores key unless a case-insensitive match is already present.
func (s attributeSet) put(key, value string) {
	key = strings.TrimSpace(key)
	value = strings.TrimSpace(value)
	if key == "" || value == "" {
		return
	}
	lk := strings.ToLower(key)
	if _, ok := s.keys[lk]; ok {
		return
	}
	s.keys[lk] = key
	s.values[key] = value
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
