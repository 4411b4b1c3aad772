package llm

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kaptinlin/jsonschema"
)

// ErrUnknownTool is returned by Catalog.Validate for a name not in the catalog.
var ErrUnknownTool = errors.New("unknown tool")

// Param describes one argument of a tool. Type is a JSON schema type name.
type Param struct {
	Name        string
	Type        string
	Description string
	Required    bool
	Enum        []string
}

// Tool is a function the model may choose to call during routing.
type Tool struct {
	Name        string
	Description string
	Params      []Param
}

type schemaProp struct {
	Type        string   `json:"type"`
	Description string   `json:"description,omitempty"`
	Enum        []string `json:"enum,omitempty"`
}

type objectSchema struct {
	Type                 string                `json:"type"`
	Properties           map[string]schemaProp `json:"properties"`
	Required             []string              `json:"required,omitempty"`
	AdditionalProperties bool                  `json:"additionalProperties"`
}

// Schema returns the JSON schema of the tool's input object.
func (t Tool) Schema() json.RawMessage {
	s := objectSchema{
		Type:                 "object",
		Properties:           make(map[string]schemaProp, len(t.Params)),
		AdditionalProperties: true,
	}
	for _, p := range t.Params {
		s.Properties[p.Name] = schemaProp{Type: p.Type, Description: p.Description, Enum: p.Enum}
		if p.Required {
			s.Required = append(s.Required, p.Name)
		}
	}
	b, _ := json.Marshal(s)
	return b
}

// Catalog is a fixed set of tools with compiled input schemas.
type Catalog struct {
	tools   []Tool
	schemas map[string]*jsonschema.Schema
}

func NewCatalog(tools ...Tool) (*Catalog, error) {
	c := &Catalog{tools: tools, schemas: make(map[string]*jsonschema.Schema, len(tools))}
	compiler := jsonschema.NewCompiler()
	for _, t := range tools {
		s, err := compiler.Compile(t.Schema())
		if err != nil {
			return nil, fmt.Errorf("compiling schema for tool %s: %w", t.Name, err)
		}
		c.schemas[t.Name] = s
	}
	return c, nil
}

// Tools returns the catalog's tools in declaration order.
func (c *Catalog) Tools() []Tool {
	out := make([]Tool, len(c.tools))
	copy(out, c.tools)
	return out
}

// Validate checks input against the named tool's schema.
func (c *Catalog) Validate(name string, input json.RawMessage) error {
	s, ok := c.schemas[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}
	if len(input) == 0 {
		return fmt.Errorf("tool %s: missing input", name)
	}
	if !json.Valid(input) {
		return fmt.Errorf("tool %s: input is not valid JSON", name)
	}
	result := s.ValidateJSON(input)
	if !result.IsValid() {
		return fmt.Errorf("tool %s: input does not match schema: %v", name, result.Errors)
	}
	return nil
}
