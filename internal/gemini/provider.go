// Package gemini implements llm.Provider on top of the eino Gemini chat
// model.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	einogemini "github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"

	"github.com/kalambet/kbchat/internal/llm"
)

var _ llm.Provider = (*Provider)(nil)

// chatModel is the part of the eino chat model contract the provider uses.
type chatModel interface {
	Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error)
	Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error)
}

type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	// Timeout bounds each call, including reading a stream. 0 means no limit.
	Timeout time.Duration
}

// Provider adapts a Gemini chat model to llm.Provider.
type Provider struct {
	cm      chatModel
	timeout time.Duration
}

// New creates a Gemini API client and chat model.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	clientCfg := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		clientCfg.HTTPOptions.BaseURL = cfg.BaseURL
	}

	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	cm, err := einogemini.NewChatModel(ctx, &einogemini.Config{
		Client: client,
		Model:  cfg.Model,
	})
	if err != nil {
		return nil, fmt.Errorf("creating gemini chat model: %w", err)
	}
	return &Provider{cm: cm, timeout: cfg.Timeout}, nil
}

func newWithModel(cm chatModel, timeout time.Duration) *Provider {
	return &Provider{cm: cm, timeout: timeout}
}

func (p *Provider) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.timeout)
}

func (p *Provider) Complete(ctx context.Context, req llm.Request) (string, error) {
	ctx, cancel := p.callContext(ctx)
	defer cancel()

	msg, err := p.cm.Generate(ctx, toMessages(req), callOptions(req.Params)...)
	if err != nil {
		return "", fmt.Errorf("gemini generate: %w", err)
	}
	return msg.Content, nil
}

func (p *Provider) Stream(ctx context.Context, req llm.Request) (llm.Stream, error) {
	ctx, cancel := p.callContext(ctx)
	sr, err := p.cm.Stream(ctx, toMessages(req), callOptions(req.Params)...)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("gemini stream: %w", err)
	}
	return &stream{sr: sr, cancel: cancel}, nil
}

func (p *Provider) Route(ctx context.Context, req llm.Request, tools []llm.Tool) (llm.Routing, error) {
	ctx, cancel := p.callContext(ctx)
	defer cancel()

	opts := callOptions(req.Params)
	if len(tools) > 0 {
		opts = append(opts, model.WithTools(toToolInfos(tools)))
	}

	msg, err := p.cm.Generate(ctx, toMessages(req), opts...)
	if err != nil {
		return llm.Routing{}, fmt.Errorf("gemini route: %w", err)
	}
	if len(msg.ToolCalls) > 0 {
		call := msg.ToolCalls[0]
		return llm.Routing{
			Stop:  llm.StopToolUse,
			Tool:  call.Function.Name,
			Input: []byte(call.Function.Arguments),
			Text:  msg.Content,
		}, nil
	}
	return llm.Routing{Stop: llm.StopEndTurn, Text: msg.Content}, nil
}

func callOptions(p llm.Params) []model.Option {
	opts := []model.Option{model.WithTemperature(float32(p.Temperature))}
	if p.MaxTokens > 0 {
		opts = append(opts, model.WithMaxTokens(p.MaxTokens))
	}
	if p.TopP > 0 {
		opts = append(opts, model.WithTopP(float32(p.TopP)))
	}
	return opts
}

func toMessages(req llm.Request) []*schema.Message {
	msgs := make([]*schema.Message, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, schema.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case llm.RoleAssistant:
			msgs = append(msgs, schema.AssistantMessage(m.Content, nil))
		case llm.RoleSystem:
			msgs = append(msgs, schema.SystemMessage(m.Content))
		default:
			msgs = append(msgs, schema.UserMessage(m.Content))
		}
	}
	return msgs
}

func toToolInfos(tools []llm.Tool) []*schema.ToolInfo {
	infos := make([]*schema.ToolInfo, 0, len(tools))
	for _, t := range tools {
		params := make(map[string]*schema.ParameterInfo, len(t.Params))
		for _, p := range t.Params {
			params[p.Name] = &schema.ParameterInfo{
				Type:     schema.DataType(p.Type),
				Desc:     p.Description,
				Required: p.Required,
				Enum:     p.Enum,
			}
		}
		infos = append(infos, &schema.ToolInfo{
			Name:        t.Name,
			Desc:        t.Description,
			ParamsOneOf: schema.NewParamsOneOfByParams(params),
		})
	}
	return infos
}

// stream adapts an eino message stream to llm.Stream.
type stream struct {
	sr     *schema.StreamReader[*schema.Message]
	cancel context.CancelFunc
}

func (s *stream) Recv() (string, error) {
	for {
		msg, err := s.sr.Recv()
		if errors.Is(err, io.EOF) {
			return "", io.EOF
		}
		if err != nil {
			return "", fmt.Errorf("gemini stream: %w", err)
		}
		if msg == nil || msg.Content == "" {
			continue
		}
		return msg.Content, nil
	}
}

func (s *stream) Close() error {
	s.sr.Close()
	s.cancel()
	return nil
}
