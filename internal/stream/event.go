// Package stream defines the events of a streamed answer and encodes them
// as server-sent events.
package stream

import (
	"encoding/json"
	"fmt"
)

type Type string

const (
	TypeMetadata      Type = "metadata"
	TypeContent       Type = "content"
	TypeSectionStart  Type = "section_start"
	TypeSectionEnd    Type = "section_end"
	TypeVisualization Type = "visualization"
	TypeProduct       Type = "product"
	TypeStop          Type = "stop"
	TypeError         Type = "error"
)

// Event is one unit of a response stream. Which fields are meaningful
// depends on Type. Data carries the visualization or product payload; after
// decoding it holds a json.RawMessage.
type Event struct {
	Type    Type
	Sources []string
	Content string
	Section string
	Data    any
	Message string
}

func Metadata(sources []string) Event { return Event{Type: TypeMetadata, Sources: sources} }
func Content(text string) Event       { return Event{Type: TypeContent, Content: text} }
func SectionStart(name string) Event  { return Event{Type: TypeSectionStart, Section: name} }
func SectionEnd(name string) Event    { return Event{Type: TypeSectionEnd, Section: name} }
func Visualization(chart any) Event   { return Event{Type: TypeVisualization, Data: chart} }
func Product(p any) Event             { return Event{Type: TypeProduct, Data: p} }
func Stop() Event                     { return Event{Type: TypeStop} }
func Error(message string) Event      { return Event{Type: TypeError, Message: message} }

// Terminal reports whether e ends a stream.
func (e Event) Terminal() bool {
	return e.Type == TypeStop || e.Type == TypeError
}

type wireEvent struct {
	Type    Type      `json:"type"`
	Sources *[]string `json:"sources,omitempty"`
	Content *string   `json:"content,omitempty"`
	Section string    `json:"section,omitempty"`
	Data    any       `json:"data,omitempty"`
	Product any       `json:"product,omitempty"`
	Message *string   `json:"message,omitempty"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	w := wireEvent{Type: e.Type}
	switch e.Type {
	case TypeMetadata:
		sources := e.Sources
		if sources == nil {
			sources = []string{}
		}
		w.Sources = &sources
	case TypeContent:
		w.Content = &e.Content
	case TypeSectionStart, TypeSectionEnd:
		w.Section = e.Section
	case TypeVisualization:
		w.Data = e.Data
	case TypeProduct:
		w.Product = e.Data
	case TypeError:
		w.Message = &e.Message
	case TypeStop:
	default:
		return nil, fmt.Errorf("unknown event type %q", e.Type)
	}
	return json.Marshal(w)
}

func (e *Event) UnmarshalJSON(b []byte) error {
	var w struct {
		Type    Type            `json:"type"`
		Sources []string        `json:"sources"`
		Content string          `json:"content"`
		Section string          `json:"section"`
		Data    json.RawMessage `json:"data"`
		Product json.RawMessage `json:"product"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*e = Event{Type: w.Type, Sources: w.Sources, Content: w.Content, Section: w.Section, Message: w.Message}
	switch {
	case w.Data != nil:
		e.Data = w.Data
	case w.Product != nil:
		e.Data = w.Product
	}
	return nil
}
