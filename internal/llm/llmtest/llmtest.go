// Package llmtest provides a scriptable llm.Provider for tests.
package llmtest

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/kalambet/kbchat/internal/llm"
)

// Provider dispatches to the function fields. A nil field fails the call.
// Every request is recorded.
type Provider struct {
	CompleteFn func(ctx context.Context, req llm.Request) (string, error)
	StreamFn   func(ctx context.Context, req llm.Request) (llm.Stream, error)
	RouteFn    func(ctx context.Context, req llm.Request, tools []llm.Tool) (llm.Routing, error)

	mu        sync.Mutex
	completes []llm.Request
	streams   []llm.Request
	routes    []llm.Request
}

var errNotScripted = errors.New("llmtest: call not scripted")

func (p *Provider) Complete(ctx context.Context, req llm.Request) (string, error) {
	p.mu.Lock()
	p.completes = append(p.completes, req)
	p.mu.Unlock()
	if p.CompleteFn == nil {
		return "", errNotScripted
	}
	return p.CompleteFn(ctx, req)
}

func (p *Provider) Stream(ctx context.Context, req llm.Request) (llm.Stream, error) {
	p.mu.Lock()
	p.streams = append(p.streams, req)
	p.mu.Unlock()
	if p.StreamFn == nil {
		return nil, errNotScripted
	}
	return p.StreamFn(ctx, req)
}

func (p *Provider) Route(ctx context.Context, req llm.Request, tools []llm.Tool) (llm.Routing, error) {
	p.mu.Lock()
	p.routes = append(p.routes, req)
	p.mu.Unlock()
	if p.RouteFn == nil {
		return llm.Routing{}, errNotScripted
	}
	return p.RouteFn(ctx, req, tools)
}

// Completes returns the requests seen by Complete.
func (p *Provider) Completes() []llm.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]llm.Request(nil), p.completes...)
}

func (p *Provider) Streams() []llm.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]llm.Request(nil), p.streams...)
}

func (p *Provider) Routes() []llm.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]llm.Request(nil), p.routes...)
}

// Calls is the total number of provider calls made.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.completes) + len(p.streams) + len(p.routes)
}

// Chunks returns a Stream yielding the given fragments.
func Chunks(parts ...string) *Stream {
	return &Stream{parts: parts}
}

// Failing returns a Stream yielding parts and then err.
func Failing(err error, parts ...string) *Stream {
	return &Stream{parts: parts, err: err}
}

type Stream struct {
	parts  []string
	err    error
	closed bool
}

func (s *Stream) Recv() (string, error) {
	if s.closed {
		return "", io.EOF
	}
	if len(s.parts) == 0 {
		if s.err != nil {
			return "", s.err
		}
		return "", io.EOF
	}
	p := s.parts[0]
	s.parts = s.parts[1:]
	return p, nil
}

func (s *Stream) Close() error {
	s.closed = true
	return nil
}

// Closed reports whether Close was called.
func (s *Stream) Closed() bool { return s.closed }
