// Package composer renders the prompts sent to the model: the grounded
// answer prompt and the auxiliary prompts used by condensation, catalog
// extraction and chart synthesis.
package composer

import (
	"strings"

	"github.com/kalambet/kbchat/internal/retrieval"
)

const defaultMaxContextTokens = 4000

// Composer fixes the persona and the context budget for answer prompts.
type Composer struct {
	Persona          string
	MaxContextTokens int
}

// New creates a Composer. A non-positive budget selects the default of 4000
// tokens.
func New(persona string, maxContextTokens int) *Composer {
	if maxContextTokens <= 0 {
		maxContextTokens = defaultMaxContextTokens
	}
	return &Composer{Persona: persona, MaxContextTokens: maxContextTokens}
}

// Context joins passages in retrieval order, dropping any passage that no
// longer fits the token budget.
func (c *Composer) Context(passages []retrieval.Passage) string {
	remaining := c.MaxContextTokens
	kept := make([]retrieval.Passage, 0, len(passages))
	for _, p := range passages {
		n := EstimateTokens(p.Text) + 1
		if n > remaining {
			continue
		}
		kept = append(kept, p)
		remaining -= n
	}
	return JoinContext(kept)
}

// Answer renders the answer prompt for passages and question.
func (c *Composer) Answer(tone string, passages []retrieval.Passage, question string) string {
	return AnswerPrompt(c.Persona, tone, c.Context(passages), question)
}

// JoinContext concatenates passage texts with a newline, preserving order.
func JoinContext(passages []retrieval.Passage) string {
	texts := make([]string, len(passages))
	for i, p := range passages {
		texts[i] = p.Text
	}
	return strings.Join(texts, "\n")
}

// EstimateTokens is a rough count at four bytes per token.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
