// Package condenser rewrites a follow-up question into a standalone one
// using the conversation so far.
package condenser

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/kbchat/internal/composer"
	"github.com/kalambet/kbchat/internal/conversation"
	"github.com/kalambet/kbchat/internal/llm"
)

const (
	defaultTimeout = 10 * time.Second
	minTurns       = 2
)

var params = llm.Params{MaxTokens: 512, Temperature: 0, TopP: 1}

type Condenser struct {
	provider llm.Provider
	timeout  time.Duration
}

// New creates a Condenser. A non-positive timeout selects 10s.
func New(p llm.Provider, timeout time.Duration) *Condenser {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Condenser{provider: p, timeout: timeout}
}

// Condense returns a standalone version of question. With fewer than two
// prior turns the question is returned as is and no model call is made. Any
// model failure also yields the original question.
func (c *Condenser) Condense(ctx context.Context, h conversation.History, question string) string {
	if len(h) < minTurns {
		return question
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	out, err := c.provider.Complete(ctx, llm.Prompt(composer.CondensePrompt(h, question), params))
	if err != nil {
		slog.Warn("question condensation failed, using original question", "error", err)
		return question
	}
	out = strings.TrimSpace(out)
	if out == "" {
		slog.Warn("question condensation returned empty text, using original question")
		return question
	}
	slog.Debug("question condensed", "original", question, "standalone", out)
	return out
}
