package api

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/kbchat/internal/catalog"
	"github.com/kalambet/kbchat/internal/pipeline"
	"github.com/kalambet/kbchat/internal/retrieval"
	"github.com/kalambet/kbchat/internal/storage"
	"github.com/kalambet/kbchat/internal/stream"
	"github.com/kalambet/kbchat/internal/visualize"
)

// --- helpers ---

func newTestMCPDeps(t *testing.T) (MCPDeps, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return MCPDeps{
		Chat:      &mockChat{handleFn: func(context.Context, pipeline.ChatRequest, stream.Sink) error { return nil }},
		Retriever: &fakeRetriever{},
		Products:  store,
		Customer:  "Acme",
		Version:   "test",
	}, store
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

func makeCallToolRequest(name string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

// --- tests ---

func TestNewMCPServer(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	if s := NewMCPServer(deps); s == nil {
		t.Fatal("NewMCPServer returned nil")
	}
}

func TestMCPTool_Ask(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	chat := &mockChat{handleFn: func(_ context.Context, _ pipeline.ChatRequest, sink stream.Sink) error {
		sink.Send(stream.Metadata([]string{"https://acme.test/anvils"}))
		sink.Send(stream.Content("We sell "))
		sink.Send(stream.Content("anvils."))
		return nil
	}}
	deps.Chat = chat

	result, err := mcpAsk(deps)(context.Background(), makeCallToolRequest("ask", map[string]any{
		"question": "What do you sell?",
		"tone":     "Terse",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}

	want := "We sell anvils.\n\nSources:\n- https://acme.test/anvils"
	if got := toolText(t, result); got != want {
		t.Errorf("text = %q, want %q", got, want)
	}
	if chat.got.Question != "What do you sell?" || chat.got.Tone != "Terse" {
		t.Errorf("request = %+v", chat.got)
	}
}

func TestMCPTool_AskVisualization(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	deps.Chat = &mockChat{handleFn: func(_ context.Context, _ pipeline.ChatRequest, sink stream.Sink) error {
		return sink.Send(stream.Visualization(visualize.Chart{ChartType: "bar", Title: "Prices"}))
	}}

	result, _ := mcpAsk(deps)(context.Background(), makeCallToolRequest("ask", map[string]any{"question": "chart prices"}))
	var chart visualize.Chart
	if err := json.Unmarshal([]byte(toolText(t, result)), &chart); err != nil {
		t.Fatalf("tool text is not a chart: %v", err)
	}
	if chart.ChartType != "bar" || chart.Title != "Prices" {
		t.Errorf("chart = %+v", chart)
	}
}

func TestMCPTool_AskErrors(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	deps.Chat = &mockChat{handleFn: func(context.Context, pipeline.ChatRequest, stream.Sink) error {
		return errors.New("kb down")
	}}

	result, _ := mcpAsk(deps)(context.Background(), makeCallToolRequest("ask", map[string]any{}))
	if !result.IsError {
		t.Error("missing question accepted")
	}
	result, _ = mcpAsk(deps)(context.Background(), makeCallToolRequest("ask", map[string]any{"question": "q"}))
	if !result.IsError || !strings.Contains(toolText(t, result), "kb down") {
		t.Errorf("result = %+v", result)
	}
}

func TestMCPTool_SearchKnowledge(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	deps.Retriever = &fakeRetriever{passages: []retrieval.Passage{
		{Text: "Anvils are heavy.", SourceURL: "https://acme.test/anvils", Score: 0.9},
		{Text: "Skates are fast.", Score: 0.7},
	}}

	result, err := mcpSearchKnowledge(deps)(context.Background(), makeCallToolRequest("search_knowledge", map[string]any{
		"query": "anvils",
		"limit": 5,
	}))
	if err != nil || result.IsError {
		t.Fatalf("result = %+v, err = %v", result, err)
	}

	var passages []map[string]any
	if err := json.Unmarshal([]byte(toolText(t, result)), &passages); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(passages) != 2 || passages[0]["source_url"] != "https://acme.test/anvils" {
		t.Errorf("passages = %v", passages)
	}
	if _, ok := passages[1]["source_url"]; ok {
		t.Error("empty source_url not omitted")
	}
}

func TestMCPTool_SearchKnowledgeErrors(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	deps.Retriever = &fakeRetriever{err: errors.New("kb down")}

	result, _ := mcpSearchKnowledge(deps)(context.Background(), makeCallToolRequest("search_knowledge", map[string]any{}))
	if !result.IsError {
		t.Error("missing query accepted")
	}
	result, _ = mcpSearchKnowledge(deps)(context.Background(), makeCallToolRequest("search_knowledge", map[string]any{"query": "q"}))
	if !result.IsError {
		t.Error("retrieval error not reported")
	}
}

func TestMCPTool_AddAndListProducts(t *testing.T) {
	deps, store := newTestMCPDeps(t)
	ctx := context.Background()

	for _, name := range []string{"Rocket Skates", "Anvil"} {
		result, err := mcpAddProduct(deps)(ctx, makeCallToolRequest("add_product", map[string]any{
			"name":        name,
			"description": name + " for sale",
		}))
		if err != nil || result.IsError {
			t.Fatalf("add %s: result = %+v, err = %v", name, result, err)
		}
	}

	got, err := store.GetProduct(ctx, "rocket-skates")
	if err != nil {
		t.Fatalf("GetProduct: %v", err)
	}
	if got.InternalLink != "/product/rocket-skates" || got.Icon != catalog.DefaultIcon {
		t.Errorf("stored = %+v", got)
	}

	result, err := mcpListProducts(deps)(ctx, makeCallToolRequest("list_products", map[string]any{"limit": 1}))
	if err != nil || result.IsError {
		t.Fatalf("list: result = %+v, err = %v", result, err)
	}
	var products []catalog.Product
	if err := json.Unmarshal([]byte(toolText(t, result)), &products); err != nil {
		t.Fatal(err)
	}
	if len(products) != 1 || products[0].Key != "rocket-skates" {
		t.Errorf("products = %+v", products)
	}
}

func TestMCPTool_AddProductInvalidName(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	result, _ := mcpAddProduct(deps)(context.Background(), makeCallToolRequest("add_product", map[string]any{"name": " & "}))
	if !result.IsError {
		t.Error("invalid name accepted")
	}
}

func TestMCPResource_Products(t *testing.T) {
	deps, store := newTestMCPDeps(t)
	if err := store.PutProduct(context.Background(), catalog.Product{Name: "Anvil"}.Normalize().Record()); err != nil {
		t.Fatal(err)
	}

	contents, err := mcpResourceProducts(deps)(context.Background(), mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{URI: "catalog://products"},
	})
	if err != nil {
		t.Fatal(err)
	}
	tc, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("expected TextResourceContents, got %T", contents[0])
	}
	if !strings.Contains(tc.Text, `"key":"anvil"`) {
		t.Errorf("text = %s", tc.Text)
	}
}
