// Package llm defines the inference contract shared by the model providers:
// single-shot completion, token streaming and tool routing.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role
	Content string
}

// Params are the sampling controls sent with every call. A zero TopP leaves
// the provider default in place.
type Params struct {
	MaxTokens   int
	Temperature float64
	TopP        float64
}

type Request struct {
	System   string
	Messages []Message
	Params   Params
}

// Prompt builds a single-message request.
func Prompt(prompt string, p Params) Request {
	return Request{
		Messages: []Message{{Role: RoleUser, Content: prompt}},
		Params:   p,
	}
}

// Stream yields generated text fragments in order. Recv returns io.EOF after
// the last fragment. Close releases the upstream connection and may be called
// at any time, including before the stream is drained.
type Stream interface {
	Recv() (string, error)
	Close() error
}

type StopReason string

const (
	StopEndTurn StopReason = "end_turn"
	StopToolUse StopReason = "tool_use"
)

// Routing is the outcome of a tool-routing call. For StopToolUse, Tool and
// Input are set; otherwise Text carries whatever the model said.
type Routing struct {
	Stop  StopReason
	Tool  string
	Input json.RawMessage
	Text  string
}

// Provider is a backing inference API.
type Provider interface {
	Complete(ctx context.Context, req Request) (string, error)
	Stream(ctx context.Context, req Request) (Stream, error)
	Route(ctx context.Context, req Request, tools []Tool) (Routing, error)
}

// Collect drains s and returns the concatenated text. s is always closed.
func Collect(s Stream) (string, error) {
	defer s.Close()
	var b strings.Builder
	for {
		chunk, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return b.String(), nil
		}
		if err != nil {
			return b.String(), err
		}
		b.WriteString(chunk)
	}
}
