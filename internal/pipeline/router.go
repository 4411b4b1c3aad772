package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kalambet/kbchat/internal/llm"
	"github.com/kalambet/kbchat/internal/stream"
	"github.com/kalambet/kbchat/internal/visualize"
)

const (
	ToolRetrieve  = "retrieve_information"
	ToolVisualize = "visualize_products"
)

var questionParam = llm.Param{Name: "question", Type: "string", Description: "The question to act on, rephrased to stand alone.", Required: true}

// Tools returns the routing catalog entries.
func Tools() []llm.Tool {
	return []llm.Tool{
		{
			Name:        ToolRetrieve,
			Description: "Answer a question about the company, its products, services or policies from the knowledge base.",
			Params:      []llm.Param{questionParam},
		},
		{
			Name:        ToolVisualize,
			Description: "Produce chart data that compares or summarizes the product catalog, for requests to chart, plot, graph or visualize products.",
			Params:      []llm.Param{questionParam},
		},
	}
}

var routeParams = llm.Params{MaxTokens: 256, Temperature: 0}

// Answer is the default branch of the router.
type Answer interface {
	Answer(ctx context.Context, req ChatRequest, sink stream.Sink) error
}

// Visualizer produces chart data for a question.
type Visualizer interface {
	Generate(ctx context.Context, question string) (visualize.Chart, bool, error)
}

// Router picks one branch per request with a tool-routing call.
type Router struct {
	provider   llm.Provider
	catalog    *llm.Catalog
	answer     Answer
	visualizer Visualizer
	persona    string
	enabled    bool
}

// NewRouter builds the tool catalog. With enabled false every request goes
// straight to the answer branch.
func NewRouter(p llm.Provider, a Answer, v Visualizer, persona string, enabled bool) (*Router, error) {
	catalog, err := llm.NewCatalog(Tools()...)
	if err != nil {
		return nil, fmt.Errorf("building tool catalog: %w", err)
	}
	return &Router{provider: p, catalog: catalog, answer: a, visualizer: v, persona: persona, enabled: enabled}, nil
}

type toolInput struct {
	Question string `json:"question"`
}

// Handle runs exactly one branch for req. Routing failures and invalid tool
// input fall through to answering the original question. It does not send
// the terminal event.
func (r *Router) Handle(ctx context.Context, req ChatRequest, sink stream.Sink) error {
	tool, question := r.route(ctx, req)

	switch tool {
	case ToolVisualize:
		slog.Info("routing to visualization", "question", question)
		chart, ok, err := r.visualizer.Generate(ctx, question)
		if err != nil {
			return fmt.Errorf("generating visualization: %w", err)
		}
		if !ok {
			return sink.Send(stream.Visualization(struct{}{}))
		}
		return sink.Send(stream.Visualization(chart))
	case ToolRetrieve:
		req.Question = question
	}
	return r.answer.Answer(ctx, req, sink)
}

// route returns the selected tool and its question, or "" and the original
// question when no valid tool was chosen.
func (r *Router) route(ctx context.Context, req ChatRequest) (string, string) {
	if !r.enabled {
		return "", req.Question
	}

	routing, err := r.provider.Route(ctx, llm.Request{
		System: fmt.Sprintf("You route questions sent to the %s support assistant. Call the tool that fits the question best.", r.persona),
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: req.Question},
		},
		Params: routeParams,
	}, r.catalog.Tools())
	if err != nil {
		slog.Warn("tool routing failed, answering directly", "error", err)
		return "", req.Question
	}
	if routing.Stop != llm.StopToolUse {
		return "", req.Question
	}

	if err := r.catalog.Validate(routing.Tool, routing.Input); err != nil {
		slog.Warn("ignoring invalid tool call", "tool", routing.Tool, "error", err)
		return "", req.Question
	}
	var in toolInput
	if err := json.Unmarshal(routing.Input, &in); err != nil || strings.TrimSpace(in.Question) == "" {
		slog.Warn("ignoring tool call without question", "tool", routing.Tool)
		return "", req.Question
	}
	return routing.Tool, strings.TrimSpace(in.Question)
}
