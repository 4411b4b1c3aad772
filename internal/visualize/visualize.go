// Package visualize turns a free-text request into chart data over the
// stored product catalog.
package visualize

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"github.com/kaptinlin/jsonschema"

	"github.com/kalambet/kbchat/internal/composer"
	"github.com/kalambet/kbchat/internal/jsonscan"
	"github.com/kalambet/kbchat/internal/llm"
	"github.com/kalambet/kbchat/internal/storage"
)

// ChartTypes are the accepted values of Chart.ChartType.
var ChartTypes = []string{"bar", "pie", "line", "radar"}

type DataPoint struct {
	Category string  `json:"category"`
	Value    float64 `json:"value"`
}

type Chart struct {
	ChartType   string      `json:"chartType"`
	Title       string      `json:"title"`
	Description string      `json:"description"`
	DataPoints  []DataPoint `json:"dataPoints"`
}

// ProductLister reads the product catalog.
type ProductLister interface {
	ListProducts(ctx context.Context, limit int) ([]storage.Product, error)
}

var params = llm.Params{MaxTokens: 1000, Temperature: 0}

type Generator struct {
	provider llm.Provider
	products ProductLister
	schema   *jsonschema.Schema
}

func New(p llm.Provider, products ProductLister) (*Generator, error) {
	enum, _ := json.Marshal(ChartTypes)
	raw := fmt.Sprintf(`{
		"type": "object",
		"properties": {
			"chartType": {"type": "string", "enum": %s}
		},
		"required": ["chartType"]
	}`, enum)

	schema, err := jsonschema.NewCompiler().Compile([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("compiling chart schema: %w", err)
	}
	return &Generator{provider: p, products: products, schema: schema}, nil
}

type catalogEntry struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Features    string `json:"features,omitempty"`
	Pricing     string `json:"pricing,omitempty"`
}

// Generate asks the model for chart data about the stored products. The
// boolean is false when the reply holds no JSON object or names a chart
// type outside ChartTypes; the whole reply is discarded in that case.
func (g *Generator) Generate(ctx context.Context, question string) (Chart, bool, error) {
	products, err := g.products.ListProducts(ctx, 0)
	if err != nil {
		return Chart{}, false, fmt.Errorf("listing products: %w", err)
	}
	entries := make([]catalogEntry, len(products))
	for i, p := range products {
		entries[i] = catalogEntry{Name: p.Name, Description: p.Description, Features: p.Features, Pricing: p.Pricing}
	}
	catalog, err := json.Marshal(entries)
	if err != nil {
		return Chart{}, false, err
	}

	out, err := g.provider.Complete(ctx, llm.Prompt(composer.VisualizationPrompt(question, string(catalog)), params))
	if err != nil {
		return Chart{}, false, fmt.Errorf("chart generation: %w", err)
	}

	obj, ok := jsonscan.FirstObject(out)
	if !ok {
		slog.Warn("chart reply holds no JSON object")
		return Chart{}, false, nil
	}
	chart, ok := g.parse(obj)
	return chart, ok, nil
}

type rawChart struct {
	ChartType   string          `json:"chartType"`
	Title       any             `json:"title"`
	Description any             `json:"description"`
	DataPoints  json.RawMessage `json:"dataPoints"`
}

func (g *Generator) parse(obj json.RawMessage) (Chart, bool) {
	var rc rawChart
	if err := json.Unmarshal(obj, &rc); err != nil {
		slog.Warn("chart reply is not a chart object", "error", err)
		return Chart{}, false
	}

	rc.ChartType = strings.ToLower(strings.TrimSpace(rc.ChartType))
	check, _ := json.Marshal(map[string]string{"chartType": rc.ChartType})
	if res := g.schema.ValidateJSON(check); !res.IsValid() {
		slog.Warn("rejecting chart with unsupported type", "chart_type", rc.ChartType)
		return Chart{}, false
	}

	var points []map[string]any
	if len(rc.DataPoints) > 0 {
		if err := json.Unmarshal(rc.DataPoints, &points); err != nil {
			slog.Warn("chart data points are not a list", "error", err)
			points = nil
		}
	}

	chart := Chart{
		ChartType:   rc.ChartType,
		Title:       text(rc.Title),
		Description: text(rc.Description),
		DataPoints:  make([]DataPoint, 0, len(points)),
	}
	for _, p := range points {
		chart.DataPoints = append(chart.DataPoints, NormalizePoint(p))
	}
	return chart, true
}

// NormalizePoint fills in a missing category with "Unknown" and a missing
// or non-numeric value with 0. Numeric strings are parsed.
func NormalizePoint(p map[string]any) DataPoint {
	dp := DataPoint{Category: text(p["category"])}
	if dp.Category == "" {
		dp.Category = "Unknown"
	}
	switch v := p["value"].(type) {
	case float64:
		dp.Value = v
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
			dp.Value = f
		}
	}
	return dp
}

func text(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}
