package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

var (
	// ErrOrder is returned for an event that would break stream ordering.
	ErrOrder = errors.New("stream: event out of order")
	// ErrTerminated is returned for any event after stop or error.
	ErrTerminated = errors.New("stream: already terminated")
)

// Sink receives events in production order.
type Sink interface {
	Send(Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event) error

func (f SinkFunc) Send(e Event) error { return f(e) }

type phase int

const (
	phaseOpen phase = iota
	phaseBody
	phaseDone
)

// sequencer enforces the ordering rules: at most one metadata event and only
// first, sections opened and closed one at a time, exactly one terminal event
// and nothing after it.
type sequencer struct {
	phase   phase
	section string
	open    bool
}

func (s *sequencer) admit(e Event) error {
	if s.phase == phaseDone {
		return ErrTerminated
	}
	switch e.Type {
	case TypeMetadata:
		if s.phase != phaseOpen {
			return fmt.Errorf("%w: metadata after body", ErrOrder)
		}
	case TypeSectionStart:
		if s.open {
			return fmt.Errorf("%w: section %q started inside %q", ErrOrder, e.Section, s.section)
		}
		s.open, s.section = true, e.Section
	case TypeSectionEnd:
		if !s.open || s.section != e.Section {
			return fmt.Errorf("%w: section %q ended but not open", ErrOrder, e.Section)
		}
		s.open, s.section = false, ""
	case TypeStop:
		if s.open {
			return fmt.Errorf("%w: stop inside section %q", ErrOrder, s.section)
		}
	case TypeContent, TypeVisualization, TypeProduct, TypeError:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrOrder, e.Type)
	}

	if e.Terminal() {
		s.phase = phaseDone
	} else {
		s.phase = phaseBody
	}
	return nil
}

type flusher interface{ Flush() }

// Encoder writes events as "data: <json>\n\n" frames and flushes after each
// one when the writer supports it. It is safe for concurrent use, though the
// pipeline only ever has one producer.
type Encoder struct {
	mu  sync.Mutex
	w   io.Writer
	f   flusher
	seq sequencer
}

var _ Sink = (*Encoder)(nil)

func NewEncoder(w io.Writer) *Encoder {
	f, _ := w.(flusher)
	return &Encoder{w: w, f: f}
}

func (enc *Encoder) Send(e Event) error {
	enc.mu.Lock()
	defer enc.mu.Unlock()

	if err := enc.seq.admit(e); err != nil {
		return err
	}
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding %s event: %w", e.Type, err)
	}
	if _, err := fmt.Fprintf(enc.w, "data: %s\n\n", b); err != nil {
		return fmt.Errorf("writing %s event: %w", e.Type, err)
	}
	if enc.f != nil {
		enc.f.Flush()
	}
	return nil
}

// Terminated reports whether a stop or error event has been written.
func (enc *Encoder) Terminated() bool {
	enc.mu.Lock()
	defer enc.mu.Unlock()
	return enc.seq.phase == phaseDone
}

// Finish terminates the stream: an error event carrying err's message when
// err is non-nil, stop otherwise. It is a no-op on a terminated stream.
func (enc *Encoder) Finish(err error) error {
	if enc.Terminated() {
		return nil
	}
	if err != nil {
		return enc.Send(Error(err.Error()))
	}
	return enc.Send(Stop())
}

// Recorder is an in-memory Sink with the same ordering rules as Encoder.
type Recorder struct {
	mu     sync.Mutex
	seq    sequencer
	Events []Event
}

func (r *Recorder) Send(e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.seq.admit(e); err != nil {
		return err
	}
	r.Events = append(r.Events, e)
	return nil
}

// Types lists the recorded event types in order.
func (r *Recorder) Types() []Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Type, len(r.Events))
	for i, e := range r.Events {
		out[i] = e.Type
	}
	return out
}
