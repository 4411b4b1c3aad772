// Package pipeline runs a chat request end to end: tool routing, question
// condensation, retrieval, prompt assembly and the streamed answer.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/kbchat/internal/composer"
	"github.com/kalambet/kbchat/internal/conversation"
	"github.com/kalambet/kbchat/internal/llm"
	"github.com/kalambet/kbchat/internal/retrieval"
	"github.com/kalambet/kbchat/internal/stream"
)

const DefaultTone = "Informative, empathetic, and friendly"

// ChatRequest is one inbound question. An empty Tone selects the configured
// default.
type ChatRequest struct {
	Question string
	History  conversation.History
	Tone     string
}

// Condenser turns a follow-up into a standalone question.
type Condenser interface {
	Condense(ctx context.Context, h conversation.History, question string) string
}

type AnswerConfig struct {
	TopK         int
	HistoryTurns int
	MaxTokens    int
	Temperature  float64
	Timeout      time.Duration
	DefaultTone  string
}

// Answerer streams a grounded answer for a question.
type Answerer struct {
	condenser Condenser
	retriever retrieval.Retriever
	composer  *composer.Composer
	provider  llm.Provider
	cfg       AnswerConfig
}

func NewAnswerer(c Condenser, r retrieval.Retriever, comp *composer.Composer, p llm.Provider, cfg AnswerConfig) *Answerer {
	if cfg.TopK <= 0 {
		cfg.TopK = 4
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1000
	}
	if cfg.DefaultTone == "" {
		cfg.DefaultTone = DefaultTone
	}
	return &Answerer{condenser: c, retriever: r, composer: comp, provider: p, cfg: cfg}
}

// Answer emits one metadata event with the citations of the retrieved
// passages followed by the streamed content. It does not terminate the
// stream: the caller sends stop, or an error event when Answer fails.
// req.History is only read.
func (a *Answerer) Answer(ctx context.Context, req ChatRequest, sink stream.Sink) error {
	start := time.Now()
	tone := req.Tone
	if tone == "" {
		tone = a.cfg.DefaultTone
	}
	history := req.History.Recent(a.cfg.HistoryTurns)

	question := a.condenser.Condense(ctx, history, req.Question)

	passages, err := a.retriever.Retrieve(ctx, question, a.cfg.TopK)
	if err != nil {
		return fmt.Errorf("retrieving passages: %w", err)
	}
	if err := sink.Send(stream.Metadata(retrieval.Citations(passages))); err != nil {
		return err
	}

	msgs := make([]llm.Message, 0, 2*len(history)+1)
	for _, t := range history {
		if strings.TrimSpace(t.User) != "" {
			msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: t.User})
		}
		// A turn whose reply never arrived has no assistant message.
		if strings.TrimSpace(t.Assistant) != "" {
			msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, Content: t.Assistant})
		}
	}
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: a.composer.Answer(tone, passages, question)})

	if a.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.Timeout)
		defer cancel()
	}

	s, err := a.provider.Stream(ctx, llm.Request{
		System:   composer.AnswerSystem(a.composer.Persona, tone),
		Messages: msgs,
		Params:   llm.Params{MaxTokens: a.cfg.MaxTokens, Temperature: a.cfg.Temperature},
	})
	if err != nil {
		return fmt.Errorf("starting answer stream: %w", err)
	}
	defer s.Close()

	var chars int
	for {
		chunk, err := s.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("streaming answer: %w", err)
		}
		if chunk == "" {
			continue
		}
		if err := sink.Send(stream.Content(chunk)); err != nil {
			return err
		}
		chars += len(chunk)
	}

	slog.Info("answer streamed",
		"condensed", !strings.EqualFold(question, req.Question),
		"passages", len(passages),
		"chars", chars,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}
