package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/kbchat/internal/catalog"
	"github.com/kalambet/kbchat/internal/pipeline"
	"github.com/kalambet/kbchat/internal/retrieval"
	"github.com/kalambet/kbchat/internal/stream"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Chat      Chat
	Retriever retrieval.Retriever
	Products  ProductStore
	Customer  string
	Version   string
}

// NewMCPServer creates an MCP server exposing the assistant and its catalog.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"kbchat",
		deps.Version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions(fmt.Sprintf("kbchat answers customer questions about %s from its knowledge base and keeps its product catalog.", deps.Customer)),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("ask",
			mcp.WithDescription("Ask the support assistant a question. Returns the answer and the source URLs it was grounded on."),
			mcp.WithString("question", mcp.Description("The question to answer"), mcp.Required()),
			mcp.WithString("tone", mcp.Description("Optional tone instruction for the answer")),
		),
		mcpAsk(deps),
	)

	s.AddTool(
		mcp.NewTool("search_knowledge",
			mcp.WithDescription("Search the knowledge base and return the most relevant passages."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of passages (default 5)")),
		),
		mcpSearchKnowledge(deps),
	)

	s.AddTool(
		mcp.NewTool("list_products",
			mcp.WithDescription("List the products in the catalog."),
			mcp.WithNumber("limit", mcp.Description("Maximum number of products (default all)")),
		),
		mcpListProducts(deps),
	)

	s.AddTool(
		mcp.NewTool("add_product",
			mcp.WithDescription("Add a product to the catalog or refresh an existing one with the same name."),
			mcp.WithString("name", mcp.Description("Product name"), mcp.Required()),
			mcp.WithString("description", mcp.Description("Short description")),
			mcp.WithString("link", mcp.Description("Product URL")),
			mcp.WithString("icon", mcp.Description("Icon name, e.g. cube")),
		),
		mcpAddProduct(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"catalog://products",
			"Product Catalog",
			mcp.WithResourceDescription("Every product in the catalog as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceProducts(deps),
	)

	return s
}

// answerCollector gathers a streamed answer into plain text.
type answerCollector struct {
	answer  strings.Builder
	sources []string
	charts  []json.RawMessage
}

func (c *answerCollector) Send(e stream.Event) error {
	switch e.Type {
	case stream.TypeMetadata:
		c.sources = e.Sources
	case stream.TypeContent:
		c.answer.WriteString(e.Content)
	case stream.TypeVisualization:
		b, err := json.Marshal(e.Data)
		if err != nil {
			return err
		}
		c.charts = append(c.charts, b)
	}
	return nil
}

func (c *answerCollector) String() string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(c.answer.String()))
	for _, chart := range c.charts {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.Write(chart)
	}
	if len(c.sources) > 0 {
		b.WriteString("\n\nSources:")
		for _, s := range c.sources {
			b.WriteString("\n- " + s)
		}
	}
	return b.String()
}

func mcpAsk(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		question, err := req.RequireString("question")
		if err != nil || strings.TrimSpace(question) == "" {
			return mcpError("question is required"), nil
		}

		var c answerCollector
		chatReq := pipeline.ChatRequest{Question: question, Tone: req.GetString("tone", "")}
		if err := deps.Chat.Handle(ctx, chatReq, &c); err != nil {
			return mcpError(fmt.Sprintf("answering failed: %v", err)), nil
		}
		return mcpText(c.String()), nil
	}
}

func mcpSearchKnowledge(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		limit := req.GetInt("limit", 5)
		if limit <= 0 {
			limit = 5
		}
		if limit > 50 {
			limit = 50
		}

		passages, err := deps.Retriever.Retrieve(ctx, query, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}

		type passageResult struct {
			Text      string  `json:"text"`
			SourceURL string  `json:"source_url,omitempty"`
			Score     float64 `json:"score"`
		}
		results := make([]passageResult, len(passages))
		for i, p := range passages {
			results[i] = passageResult{Text: p.Text, SourceURL: p.SourceURL, Score: p.Score}
		}
		return mcpJSON(results)
	}
}

func mcpListProducts(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		products, err := listProducts(ctx, deps.Products, req.GetInt("limit", 0))
		if err != nil {
			return mcpError(fmt.Sprintf("listing products failed: %v", err)), nil
		}
		return mcpJSON(products)
	}
}

func mcpAddProduct(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name, err := req.RequireString("name")
		if err != nil {
			return mcpError("name is required"), nil
		}
		p, err := addProduct(ctx, deps.Products, addProductBody{
			Name:        name,
			Description: req.GetString("description", ""),
			Link:        req.GetString("link", ""),
			Icon:        req.GetString("icon", ""),
		})
		if errors.Is(err, catalog.ErrInvalidName) {
			return mcpError("name must contain at least one letter or digit"), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to store product: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Stored product %s", p.Key)), nil
	}
}

func mcpResourceProducts(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		products, err := listProducts(ctx, deps.Products, 0)
		if err != nil {
			return nil, fmt.Errorf("listing products: %w", err)
		}
		b, err := json.Marshal(products)
		if err != nil {
			return nil, fmt.Errorf("marshaling products: %w", err)
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

func listProducts(ctx context.Context, store ProductStore, limit int) ([]catalog.Product, error) {
	records, err := store.ListProducts(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]catalog.Product, len(records))
	for i, r := range records {
		out[i] = catalog.FromRecord(r)
	}
	return out, nil
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
	}
	return mcpText(string(b)), nil
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
