package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/listforge/internal/activity"
	"github.com/kalambet/listforge/internal/api"
	"github.com/kalambet/listforge/internal/config"
	"github.com/kalambet/listforge/internal/storage"
	"github.com/kalambet/listforge/internal/workflow"
)

// --- item ---

var itemCmd = &cobra.Command{
	Use:   "item",
	Short: "Manage catalogued items",
}

var itemAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Catalogue an item for research",
	Long: `Catalogue an item for research.

Examples:
  listforge item add --title "Nikon F3 35mm film camera" --attr brand=Nikon --attr model=F3
  listforge item add --title "Desk lamp" --condition used_acceptable
  listforge item add --title "Film camera" --media brand=Canon --media condition=for_parts`,
	RunE: func(cmd *cobra.Command, args []string) error {
		title, _ := cmd.Flags().GetString("title")
		condition, _ := cmd.Flags().GetString("condition")
		attrs, _ := cmd.Flags().GetStringArray("attr")
		mediaPairs, _ := cmd.Flags().GetStringArray("media")

		req, err := buildItemRequest(title, condition, attrs)
		if err != nil {
			return err
		}
		if req.Media, err = parseMedia(mediaPairs); err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		item, err := addItem(cmd.Context(), client, req)
		if err != nil {
			return err
		}
		printSuccess("Stored item %s", item.ID)
		return nil
	},
}

var itemListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent items",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), fmt.Sprintf("/items?limit=%d", limit))
		if err != nil {
			return err
		}
		var items []api.ItemView
		if err := decodeJSON(resp, &items); err != nil {
			return err
		}
		if len(items) == 0 {
			fmt.Println("No items found.")
			return nil
		}
		for _, it := range items {
			fmt.Printf("%s  %s  %s\n", colorize(colorCyan, shortID(it.ID)), it.CreatedAt.Format(time.RFC3339), it.Title)
		}
		return nil
	},
}

func init() {
	itemAddCmd.Flags().String("title", "", "item title as a seller would write it")
	itemAddCmd.Flags().String("condition", "", "condition, e.g. new, used_good, for_parts")
	itemAddCmd.Flags().StringArray("attr", nil, "attribute as key=value (repeatable)")
	itemAddCmd.Flags().StringArray("media", nil, "image analysis value as key=value, e.g. brand=Canon (repeatable)")
	itemListCmd.Flags().Int("limit", 20, "maximum number of items to list")
	itemCmd.AddCommand(itemAddCmd)
	itemCmd.AddCommand(itemListCmd)
}

// buildItemRequest validates CLI input and turns key=value pairs into
// attributes.
func buildItemRequest(title, condition string, attrs []string) (api.ItemRequest, error) {
	if strings.TrimSpace(title) == "" {
		return api.ItemRequest{}, fmt.Errorf("--title is required")
	}
	req := api.ItemRequest{Title: title, Condition: condition}
	for _, a := range attrs {
		key, value, ok := strings.Cut(a, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return api.ItemRequest{}, fmt.Errorf("invalid attribute %q: want key=value", a)
		}
		req.Attributes = append(req.Attributes, api.AttributeRequest{Key: key, Value: strings.TrimSpace(value)})
	}
	return req, nil
}

// parseMedia turns key=value pairs into a media analysis. brand, model,
// color, size, category and condition set those fields; any other key
// becomes a media attribute. No pairs means no media.
func parseMedia(pairs []string) (*api.MediaRequest, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	m := &api.MediaRequest{}
	for _, p := range pairs {
		key, value, ok := strings.Cut(p, "=")
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid media value %q: want key=value", p)
		}
		switch strings.ToLower(key) {
		case "brand":
			m.Brand = value
		case "model":
			m.Model = value
		case "color":
			m.Color = value
		case "size":
			m.Size = value
		case "category":
			m.Category = value
		case "condition":
			m.Condition = value
		default:
			if m.Attributes == nil {
				m.Attributes = make(map[string]string)
			}
			m.Attributes[key] = value
		}
	}
	return m, nil
}

func addItem(ctx context.Context, client *apiClient, req api.ItemRequest) (api.ItemView, error) {
	resp, err := client.post(ctx, "/items", req)
	if err != nil {
		return api.ItemView{}, err
	}
	var item api.ItemView
	if err := decodeJSON(resp, &item); err != nil {
		return api.ItemView{}, err
	}
	return item, nil
}

// --- research ---

var researchCmd = &cobra.Command{
	Use:   "research <item-id>",
	Short: "Start a research run for an item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		wait, _ := cmd.Flags().GetBool("wait")
		timeout, _ := cmd.Flags().GetDuration("timeout")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		run, err := startRun(cmd.Context(), client, args[0])
		if err != nil {
			return err
		}
		printSuccess("Queued research run %s", run.ID)
		if !wait {
			return nil
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		printStep("Waiting for run %s...", shortID(run.ID))
		run, err = waitForRun(ctx, client, run.ID, time.Second)
		if err != nil {
			return err
		}
		return printRunSummary(os.Stdout, run)
	},
}

func init() {
	researchCmd.Flags().Bool("wait", false, "wait for the run to finish and print the listing")
	researchCmd.Flags().Duration("timeout", 5*time.Minute, "how long --wait waits")
}

func startRun(ctx context.Context, client *apiClient, itemID string) (api.RunView, error) {
	resp, err := client.post(ctx, "/items/"+url.PathEscape(itemID)+"/research", nil)
	if err != nil {
		return api.RunView{}, err
	}
	var run api.RunView
	if err := decodeJSON(resp, &run); err != nil {
		return api.RunView{}, err
	}
	return run, nil
}

func getRun(ctx context.Context, client *apiClient, runID string) (api.RunView, error) {
	resp, err := client.get(ctx, "/runs/"+url.PathEscape(runID))
	if err != nil {
		return api.RunView{}, err
	}
	var run api.RunView
	if err := decodeJSON(resp, &run); err != nil {
		return api.RunView{}, err
	}
	return run, nil
}

// waitForRun polls until the run is completed or failed.
func waitForRun(ctx context.Context, client *apiClient, runID string, every time.Duration) (api.RunView, error) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		run, err := getRun(ctx, client, runID)
		if err != nil {
			return api.RunView{}, err
		}
		if run.Status == storage.RunCompleted || run.Status == storage.RunFailed {
			return run, nil
		}
		select {
		case <-ctx.Done():
			return api.RunView{}, fmt.Errorf("waiting for run %s: %w", runID, ctx.Err())
		case <-ticker.C:
		}
	}
}

func printRunSummary(w io.Writer, run api.RunView) error {
	fmt.Fprintf(w, "%s %s\n", colorize(colorBold, "Run "+run.ID), colorize(statusColor(run.Status), run.Status))
	if run.Error != "" {
		fmt.Fprintf(w, "  Error: %s\n", run.Error)
	}
	if len(run.State) == 0 {
		return nil
	}

	var s workflow.State
	if err := json.Unmarshal(run.State, &s); err != nil {
		return fmt.Errorf("decoding run state: %w", err)
	}
	if s.ResearchPhase != "" {
		fmt.Fprintf(w, "  Phase: %s\n", s.ResearchPhase)
	}
	for _, g := range s.Goals {
		fmt.Fprintf(w, "  %-26s %s\n", g.Type, colorize(statusColor(string(g.Status)), string(g.Status)))
	}
	if l := s.Listing; l != nil {
		fmt.Fprintf(w, "\n%s\n", colorize(colorBold, "Listing draft"))
		fmt.Fprintf(w, "  Title:     %s\n", l.Title)
		if l.CategoryID != "" {
			fmt.Fprintf(w, "  Category:  %s (%s)\n", l.CategoryName, l.CategoryID)
		}
		if l.Condition != "" {
			fmt.Fprintf(w, "  Condition: %s (%s)\n", l.Condition, l.ConditionID)
		}
		fmt.Fprintf(w, "  Readiness: %.0f%%\n", l.ReadinessScore*100)
		if len(l.MissingRequired) > 0 {
			fmt.Fprintf(w, "  Missing:   %s\n", strings.Join(l.MissingRequired, ", "))
		}
	}
	return nil
}

// --- run ---

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Inspect research runs",
}

var runShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show a research run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		run, err := getRun(cmd.Context(), client, args[0])
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(os.Stdout, run)
		}
		return printRunSummary(os.Stdout, run)
	},
}

var runListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent research runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), fmt.Sprintf("/runs?limit=%d", limit))
		if err != nil {
			return err
		}
		var runs []api.RunView
		if err := decodeJSON(resp, &runs); err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Println("No runs found.")
			return nil
		}
		for _, r := range runs {
			fmt.Printf("%s  %s  item %s  %s\n",
				colorize(colorCyan, shortID(r.ID)),
				r.CreatedAt.Format(time.RFC3339),
				shortID(r.ItemID),
				colorize(statusColor(r.Status), r.Status),
			)
		}
		return nil
	},
}

var runActivityCmd = &cobra.Command{
	Use:   "activity <run-id>",
	Short: "Show the operations recorded for a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/runs/"+url.PathEscape(args[0])+"/activity")
		if err != nil {
			return err
		}
		var records []activity.Record
		if err := decodeJSON(resp, &records); err != nil {
			return err
		}
		printActivity(os.Stdout, records)
		return nil
	},
}

func init() {
	runShowCmd.Flags().Bool("json", false, "print the run with its full state as JSON")
	runListCmd.Flags().Int("limit", 20, "maximum number of runs to list")
	runCmd.AddCommand(runShowCmd)
	runCmd.AddCommand(runListCmd)
	runCmd.AddCommand(runActivityCmd)
}

func printActivity(w io.Writer, records []activity.Record) {
	if len(records) == 0 {
		fmt.Fprintln(w, "No activity recorded.")
		return
	}
	for _, r := range records {
		line := fmt.Sprintf("%s  %-10s %s", r.StartedAt.Format(time.TimeOnly), colorize(statusColor(r.Status), r.Status), r.Title)
		if r.FinishedAt != nil {
			line += fmt.Sprintf(" (%s)", r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
		}
		fmt.Fprintln(w, line)
		if r.Message != "" {
			fmt.Fprintf(w, "    %s\n", r.Message)
		}
		if r.Error != "" {
			fmt.Fprintf(w, "    error: %s\n", r.Error)
		}
	}
}

// --- detect ---

var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Detect the marketplace category for a product description",
	RunE: func(cmd *cobra.Command, args []string) error {
		var req api.DetectRequest
		req.Title, _ = cmd.Flags().GetString("title")
		req.Brand, _ = cmd.Flags().GetString("brand")
		req.Model, _ = cmd.Flags().GetString("model")
		req.Condition, _ = cmd.Flags().GetString("condition")
		mediaPairs, _ := cmd.Flags().GetStringArray("media")
		media, err := parseMedia(mediaPairs)
		if err != nil {
			return err
		}
		req.Media = media
		if req.Title == "" && req.Brand == "" && req.Model == "" && (media == nil || media.Brand == "" && media.Model == "") {
			return fmt.Errorf("one of --title, --brand, --model or a media brand or model is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/detect", req)
		if err != nil {
			return err
		}
		var out api.DetectResponse
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}
		if !out.Detected {
			printWarning("No category detected")
			return nil
		}
		return printJSON(os.Stdout, out)
	},
}

func init() {
	detectCmd.Flags().String("title", "", "product title")
	detectCmd.Flags().String("brand", "", "brand")
	detectCmd.Flags().String("model", "", "model")
	detectCmd.Flags().String("condition", "", "condition, e.g. new, used_good")
	detectCmd.Flags().StringArray("media", nil, "image analysis value as key=value (repeatable)")
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		fmt.Printf("\n  config file: %s\n", config.ConfigFilePath())
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: "Set a configuration value.\n\nValid keys:\n  " + strings.Join(config.ValidKeys(), "\n  "),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s", key)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
