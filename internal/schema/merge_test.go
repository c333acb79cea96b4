package schema

import (
	"math"
	"reflect"
	"testing"
)

func TestMergeProductInfo_Precedence(t *testing.T) {
	item := &Item{
		Title: "  Vintage camera  ",
		Attributes: []Attribute{
			{Key: "BRAND", Value: "ItemBrand"},
			{Key: "Model", Value: "ItemModel"},
		},
	}
	ident := &ProductIdentification{Brand: "IdentBrand", MPN: "X-100", Attributes: map[string]string{"color": "black"}}
	media := &MediaAnalysis{Brand: "MediaBrand", Model: "MediaModel", Color: "silver", Size: "small", Category: "Cameras"}

	got := MergeProductInfo(item, ident, media)
	want := ProductInfo{
		Title:    "Vintage camera",
		Brand:    "IdentBrand",
		Model:    "MediaModel",
		MPN:      "X-100",
		Category: "Cameras",
		Color:    "black",
		Size:     "small",
	}
	if got != want {
		t.Errorf("MergeProductInfo() = %+v, want %+v", got, want)
	}
}

func TestMergeProductInfo_ItemAttributesFillGaps(t *testing.T) {
	item := &Item{Attributes: []Attribute{{Key: " brand ", Value: "Acme"}, {Key: "MODEL", Value: "R2"}}}

	got := MergeProductInfo(item, nil, nil)
	if got.Brand != "Acme" || got.Model != "R2" {
		t.Errorf("MergeProductInfo() = %+v, want brand Acme model R2", got)
	}
}

func TestMergeProductInfo_AllNil(t *testing.T) {
	got := MergeProductInfo(nil, nil, nil)
	if got != (ProductInfo{}) {
		t.Errorf("MergeProductInfo(nil, nil, nil) = %+v, want zero", got)
	}
	if got.HasSignal() {
		t.Error("zero ProductInfo should have no signal")
	}
}

func TestResolveCondition(t *testing.T) {
	tests := []struct {
		name  string
		item  *Item
		media *MediaAnalysis
		want  string
	}{
		{"item wins", &Item{Condition: "new"}, &MediaAnalysis{Condition: "used_fair"}, "new"},
		{"media fallback", &Item{}, &MediaAnalysis{Condition: "used_fair"}, "used_fair"},
		{"default", nil, nil, DefaultCondition},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ResolveCondition(tt.item, tt.media, ""); got != tt.want {
				t.Errorf("ResolveCondition() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMergeItemAttributes(t *testing.T) {
	item := &Item{Attributes: []Attribute{{Key: "Brand", Value: "ItemBrand"}, {Key: "Material", Value: "Leather"}}}
	ident := &ProductIdentification{
		Brand: "IdentBrand", Model: "IdentModel", UPC: "0123",
		Attributes: map[string]string{"Style": "Tote"},
	}
	media := &MediaAnalysis{Model: "MediaModel", Color: "Brown", Attributes: map[string]string{"style": "Satchel", "Pattern": "Solid"}}

	got := MergeItemAttributes(item, ident, media)
	want := map[string]string{
		"Brand":    "ItemBrand",
		"Material": "Leather",
		"model":    "IdentModel",
		"upc":      "0123",
		"Style":    "Tote",
		"color":    "Brown",
		"Pattern":  "Solid",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("MergeItemAttributes() = %v, want %v", got, want)
	}
}

func TestMergeItemAttributes_NormalisesItemEntries(t *testing.T) {
	item := &Item{Attributes: []Attribute{
		{Key: " Brand ", Value: " Canon "},
		{Key: "brand", Value: "Nikon"},
		{Key: "", Value: "orphan"},
		{Key: "Color", Value: "  "},
	}}
	media := &MediaAnalysis{Color: "black"}

	got := MergeItemAttributes(item, nil, media)
	want := map[string]string{"Brand": "Canon", "color": "black"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("MergeItemAttributes() = %v, want %v", got, want)
	}
}

func TestScoreFields(t *testing.T) {
	attrs := map[string]string{"brand": "Acme", "Color": "Red", "Size": " "}
	required := []FieldRequirement{{Name: "Brand"}, {Name: "Size"}}
	recommended := []FieldRequirement{{Name: "color"}, {Name: "Material"}}

	got := ScoreFields(attrs, required, recommended)

	if got.Required.Filled != 1 || got.Required.Total != 2 || !reflect.DeepEqual(got.Required.Missing, []string{"Size"}) {
		t.Errorf("Required = %+v", got.Required)
	}
	if got.Recommended.Filled != 1 || got.Recommended.Total != 2 || !reflect.DeepEqual(got.Recommended.Missing, []string{"Material"}) {
		t.Errorf("Recommended = %+v", got.Recommended)
	}
	if want := 0.8*0.5 + 0.2*0.5; math.Abs(got.ReadinessScore-want) > 1e-9 {
		t.Errorf("ReadinessScore = %v, want %v", got.ReadinessScore, want)
	}
}

func TestScoreFields_EmptyGroups(t *testing.T) {
	got := ScoreFields(nil, nil, nil)
	if got.ReadinessScore != 1 {
		t.Errorf("ReadinessScore = %v, want 1", got.ReadinessScore)
	}
	if got.Required.Missing == nil {
		t.Error("Missing should be an empty slice, not nil")
	}
}
