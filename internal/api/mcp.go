package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/listforge/internal/research"
	"github.com/kalambet/listforge/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store    *storage.Store
	Detector research.SchemaDetector // optional; if nil, detect_category returns an error

	JobAttempts int
}

// NewMCPServer creates an MCP server with all listforge tools and resources registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"listforge",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("listforge researches resale items and drafts marketplace listings."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("add_item",
			mcp.WithDescription("Catalogue an item to research. Returns the item id."),
			mcp.WithString("title", mcp.Description("Item title as the seller would write it"), mcp.Required()),
			mcp.WithString("condition", mcp.Description("Condition, e.g. new, used_good, for_parts")),
			mcp.WithObject("attributes", mcp.Description("Literal attributes such as brand, model, color")),
			mcp.WithObject("media", mcp.Description("Image analysis: brand, model, color, size, category, condition, attributes")),
		),
		mcpAddItem(deps),
	)

	s.AddTool(
		mcp.NewTool("start_research",
			mcp.WithDescription("Start a research run for a catalogued item. The run executes in the background."),
			mcp.WithString("item_id", mcp.Description("Item id"), mcp.Required()),
		),
		mcpStartResearch(deps),
	)

	s.AddTool(
		mcp.NewTool("get_run",
			mcp.WithDescription("Return a research run with its goals, detected category and listing draft."),
			mcp.WithString("run_id", mcp.Description("Run id"), mcp.Required()),
		),
		mcpGetRun(deps),
	)

	s.AddTool(
		mcp.NewTool("detect_category",
			mcp.WithDescription("Detect the marketplace category and required fields for a product description."),
			mcp.WithString("title", mcp.Description("Product title")),
			mcp.WithString("brand", mcp.Description("Brand")),
			mcp.WithString("model", mcp.Description("Model")),
			mcp.WithString("condition", mcp.Description("Condition, e.g. new, used_good")),
			mcp.WithObject("media", mcp.Description("Image analysis: brand, model, color, size, category, condition, attributes")),
		),
		mcpDetectCategory(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"runs://recent",
			"Recent Research Runs",
			mcp.WithResourceDescription("Last 10 research runs without state snapshots"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecentRuns(deps),
	)

	return s
}

func mcpAddItem(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		title, err := req.RequireString("title")
		if err != nil {
			return mcpError("title is required"), nil
		}

		media, err := mediaArgument(req)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		item := ItemRequest{Title: title, Condition: req.GetString("condition", ""), Media: media}
		if raw, ok := req.GetArguments()["attributes"].(map[string]any); ok {
			keys := make([]string, 0, len(raw))
			for k := range raw {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				item.Attributes = append(item.Attributes, AttributeRequest{Key: k, Value: fmt.Sprint(raw[k])})
			}
		}

		it, err := saveItem(deps.Store, item)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to save item: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Stored item %s", it.ID)), nil
	}
}

func mcpStartResearch(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		itemID, err := req.RequireString("item_id")
		if err != nil {
			return mcpError("item_id is required"), nil
		}

		run, err := startResearch(deps.Store, itemID, deps.JobAttempts)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("item %s not found", itemID)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to start research: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Queued research run %s", run.ID)), nil
	}
}

func mcpGetRun(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		runID, err := req.RequireString("run_id")
		if err != nil {
			return mcpError("run_id is required"), nil
		}

		run, err := deps.Store.GetRun(runID)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("run %s not found", runID)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to get run: %v", err)), nil
		}

		b, err := json.Marshal(runView(run, true))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal run: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpDetectCategory(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.Detector == nil {
			return mcpError("schema detection is not configured"), nil
		}

		media, err := mediaArgument(req)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		dr := DetectRequest{
			Title:     req.GetString("title", ""),
			Brand:     req.GetString("brand", ""),
			Model:     req.GetString("model", ""),
			Condition: req.GetString("condition", ""),
			Media:     media,
		}
		if err := validate.Struct(dr); err != nil {
			return mcpError(describeValidation(err)), nil
		}

		d := deps.Detector.Detect(ctx, detectInput(dr))
		if d.Empty() {
			return mcpText("No category detected."), nil
		}
		b, err := json.Marshal(DetectResponse{Detected: true, Delta: d})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal detection: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

// mediaArgument decodes the optional media object of a tool call.
func mediaArgument(req mcp.CallToolRequest) (*MediaRequest, error) {
	raw, ok := req.GetArguments()["media"]
	if !ok || raw == nil {
		return nil, nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid media: %v", err)
	}
	var m MediaRequest
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("invalid media: %v", err)
	}
	return &m, nil
}

func mcpResourceRecentRuns(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		runs, err := deps.Store.ListRecentRuns(10)
		if err != nil {
			return nil, fmt.Errorf("failed to get recent runs: %w", err)
		}

		b, err := json.Marshal(runViews(runs))
		if err != nil {
			return nil, fmt.Errorf("failed to marshal runs: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
