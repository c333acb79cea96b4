package api

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/listforge/internal/schema"
	"github.com/kalambet/listforge/internal/storage"
	"github.com/kalambet/listforge/internal/worker"
)

// --- helpers ---

func newTestMCPDeps(t *testing.T) (MCPDeps, *storage.Store) {
	t.Helper()
	store := openTestStore(t)
	return MCPDeps{Store: store}, store
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

// --- tests ---

func TestMCPTool_AddItem(t *testing.T) {
	deps, store := newTestMCPDeps(t)
	handler := mcpAddItem(deps)

	req := makeCallToolRequest("add_item", map[string]interface{}{
		"title":      "Canon AE-1 Program",
		"condition":  "used_very_good",
		"attributes": map[string]interface{}{"model": "AE-1 Program", "brand": "Canon"},
	})

	result, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}

	items, err := store.ListItems(10)
	if err != nil {
		t.Fatalf("listing items: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(items))
	}
	if !strings.Contains(toolText(t, result), items[0].ID) {
		t.Errorf("response %q does not mention item id", toolText(t, result))
	}
	snap, err := worker.ItemSnapshot(items[0])
	if err != nil {
		t.Fatalf("ItemSnapshot: %v", err)
	}
	if len(snap.Attributes) != 2 || snap.Attributes[0].Key != "brand" {
		t.Errorf("attributes = %+v, want sorted brand, model", snap.Attributes)
	}
}

func TestMCPTool_AddItem_Media(t *testing.T) {
	deps, store := newTestMCPDeps(t)

	result, err := mcpAddItem(deps)(context.Background(), makeCallToolRequest("add_item", map[string]interface{}{
		"title": "leather handbag",
		"media": map[string]interface{}{"brand": "Coach", "condition": "used_very_good"},
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}

	items, err := store.ListItems(10)
	if err != nil || len(items) != 1 {
		t.Fatalf("ListItems = %v, %v; want 1 item", items, err)
	}
	media, err := worker.ItemMedia(items[0])
	if err != nil {
		t.Fatalf("ItemMedia: %v", err)
	}
	if media == nil || media.Brand != "Coach" || media.Condition != "used_very_good" {
		t.Errorf("media = %+v", media)
	}

	result, _ = mcpAddItem(deps)(context.Background(), makeCallToolRequest("add_item", map[string]interface{}{
		"title": "lamp",
		"media": "not an object",
	}))
	if !result.IsError {
		t.Errorf("expected tool error for malformed media, got %s", toolText(t, result))
	}
}

func TestMCPTool_AddItem_Invalid(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	handler := mcpAddItem(deps)

	for name, args := range map[string]map[string]interface{}{
		"missing title":     {},
		"unknown condition": {"title": "lamp", "condition": "pristine"},
	} {
		t.Run(name, func(t *testing.T) {
			result, err := handler(context.Background(), makeCallToolRequest("add_item", args))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !result.IsError {
				t.Fatalf("expected tool error, got %s", toolText(t, result))
			}
		})
	}
}

func TestMCPTool_StartResearchAndGetRun(t *testing.T) {
	deps, store := newTestMCPDeps(t)
	if err := store.SaveItem(storage.Item{ID: "item-1", Title: "Nikon F3"}); err != nil {
		t.Fatalf("SaveItem: %v", err)
	}

	result, err := mcpStartResearch(deps)(context.Background(), makeCallToolRequest("start_research", map[string]interface{}{
		"item_id": "item-1",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}

	runs, err := store.ListRunsByItem("item-1", 10)
	if err != nil || len(runs) != 1 {
		t.Fatalf("ListRunsByItem = %v, %v; want 1 run", runs, err)
	}
	runID := runs[0].ID
	if !strings.Contains(toolText(t, result), runID) {
		t.Errorf("response %q does not mention run id", toolText(t, result))
	}

	result, err = mcpGetRun(deps)(context.Background(), makeCallToolRequest("get_run", map[string]interface{}{
		"run_id": runID,
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var view RunView
	if err := json.Unmarshal([]byte(toolText(t, result)), &view); err != nil {
		t.Fatalf("decoding run: %v", err)
	}
	if view.Status != storage.RunQueued || view.ItemID != "item-1" {
		t.Errorf("run = %+v", view)
	}
}

func TestMCPTool_StartResearch_UnknownItem(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	result, err := mcpStartResearch(deps)(context.Background(), makeCallToolRequest("start_research", map[string]interface{}{
		"item_id": "ghost",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError || !strings.Contains(toolText(t, result), "not found") {
		t.Errorf("result = %+v, want not found error", result)
	}
}

func TestMCPTool_GetRun_Missing(t *testing.T) {
	deps, _ := newTestMCPDeps(t)

	result, err := mcpGetRun(deps)(context.Background(), makeCallToolRequest("get_run", map[string]interface{}{}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Error("expected error for missing run_id")
	}
}

func TestMCPTool_DetectCategory(t *testing.T) {
	deps, _ := newTestMCPDeps(t)

	result, err := mcpDetectCategory(deps)(context.Background(), makeCallToolRequest("detect_category", map[string]interface{}{
		"title": "Nikon F3",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Error("expected error without a detector")
	}

	det := &stubDetector{delta: schema.Delta{
		MarketplaceCategory: &schema.MarketplaceCategory{ID: "31388", Name: "Digital Cameras"},
	}}
	deps.Detector = det
	result, err = mcpDetectCategory(deps)(context.Background(), makeCallToolRequest("detect_category", map[string]interface{}{
		"title": "Nikon F3",
		"brand": "Nikon",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}
	if !strings.Contains(toolText(t, result), `"31388"`) {
		t.Errorf("response = %s, want category id", toolText(t, result))
	}

	result, err = mcpDetectCategory(deps)(context.Background(), makeCallToolRequest("detect_category", map[string]interface{}{
		"title": "Nikon F3",
		"media": map[string]interface{}{"brand": "Nikon", "condition": "for_parts"},
	}))
	if err != nil || result.IsError {
		t.Fatalf("detect with media = %+v, %v", result, err)
	}
	if det.got.Media == nil || det.got.Media.Brand != "Nikon" || det.got.Media.Condition != "for_parts" {
		t.Errorf("media = %+v, want brand and condition passed through", det.got.Media)
	}

	det.delta = schema.Delta{}
	result, _ = mcpDetectCategory(deps)(context.Background(), makeCallToolRequest("detect_category", map[string]interface{}{
		"title": "thing",
	}))
	if toolText(t, result) != "No category detected." {
		t.Errorf("response = %q", toolText(t, result))
	}
}

func TestMCPResource_RecentRuns(t *testing.T) {
	deps, store := newTestMCPDeps(t)
	if err := store.SaveItem(storage.Item{ID: "item-1", Title: "lamp"}); err != nil {
		t.Fatalf("SaveItem: %v", err)
	}
	for _, id := range []string{"run-a", "run-b"} {
		if err := store.CreateRun(storage.Run{ID: id, ItemID: "item-1", StateJSON: `{"big":"snapshot"}`}); err != nil {
			t.Fatalf("CreateRun: %v", err)
		}
	}

	contents, err := mcpResourceRecentRuns(deps)(context.Background(), mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{URI: "runs://recent"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(contents) != 1 {
		t.Fatalf("expected 1 content, got %d", len(contents))
	}
	tc, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("expected TextResourceContents, got %T", contents[0])
	}
	var runs []RunView
	if err := json.Unmarshal([]byte(tc.Text), &runs); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if strings.Contains(tc.Text, "snapshot") {
		t.Error("recent runs resource should omit state snapshots")
	}
}

func TestNewMCPServer(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	if s := NewMCPServer(deps); s == nil {
		t.Fatal("NewMCPServer returned nil")
	}
}
