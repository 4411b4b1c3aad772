// Package jsonscan pulls structured values out of free-form model output.
// Every function returns a result-or-none pair and never an error: text that
// holds no usable value is simply not a match.
package jsonscan

import (
	"encoding/json"
	"strings"
)

// FirstArray returns the elements of the first well-formed JSON array in
// text. Prose, code fences and trailing commentary around it are ignored.
func FirstArray(text string) ([]json.RawMessage, bool) {
	raw, ok := first(text, '[')
	if !ok {
		return nil, false
	}
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		return nil, false
	}
	return elems, true
}

// FirstObject returns the first well-formed JSON object in text.
func FirstObject(text string) (json.RawMessage, bool) {
	return first(text, '{')
}

// StringList extracts a list of strings. It accepts a JSON array of strings
// or a list literal using single quotes, e.g. ['a', 'b'].
func StringList(text string) ([]string, bool) {
	if elems, ok := FirstArray(text); ok {
		out := make([]string, 0, len(elems))
		for _, e := range elems {
			var s string
			if err := json.Unmarshal(e, &s); err != nil {
				out = nil
				break
			}
			out = append(out, s)
		}
		if out != nil {
			return out, true
		}
	}

	for i := 0; i < len(text); i++ {
		if text[i] != '[' {
			continue
		}
		if items, ok := parseQuotedList(text[i:]); ok {
			return items, true
		}
	}
	return nil, false
}

// first decodes the first complete JSON value that starts with open.
func first(text string, open byte) (json.RawMessage, bool) {
	for i := 0; i < len(text); i++ {
		if text[i] != open {
			continue
		}
		dec := json.NewDecoder(strings.NewReader(text[i:]))
		var raw json.RawMessage
		if err := dec.Decode(&raw); err == nil {
			return raw, true
		}
	}
	return nil, false
}

// parseQuotedList parses a bracketed list of quoted strings at the start of
// s. Either quote style is accepted per item.
func parseQuotedList(s string) ([]string, bool) {
	i := 1
	items := []string{}
	skip := func() {
		for i < len(s) && (s[i] == ' ' || s[i] == '\n' || s[i] == '\t' || s[i] == '\r') {
			i++
		}
	}

	skip()
	if i < len(s) && s[i] == ']' {
		return items, true
	}
	for i < len(s) {
		skip()
		if i >= len(s) || (s[i] != '\'' && s[i] != '"') {
			return nil, false
		}
		quote := s[i]
		i++
		var b strings.Builder
		closed := false
		for i < len(s) {
			c := s[i]
			if c == '\\' && i+1 < len(s) {
				b.WriteByte(s[i+1])
				i += 2
				continue
			}
			i++
			if c == quote {
				closed = true
				break
			}
			b.WriteByte(c)
		}
		if !closed {
			return nil, false
		}
		items = append(items, b.String())

		skip()
		if i >= len(s) {
			return nil, false
		}
		switch s[i] {
		case ',':
			i++
			skip()
			if i < len(s) && s[i] == ']' {
				return items, true
			}
		case ']':
			return items, true
		default:
			return nil, false
		}
	}
	return nil, false
}
