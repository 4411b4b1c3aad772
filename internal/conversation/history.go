// Package conversation holds the chat history value passed between pipeline
// stages.
package conversation

import (
	"encoding/json"
	"fmt"
)

// Turn is one exchange. Assistant is empty for a turn that has not been
// answered yet.
type Turn struct {
	User      string `json:"user"`
	Assistant string `json:"assistant"`
}

// History is ordered oldest first. Methods never modify the receiver.
type History []Turn

// Recent returns a copy holding at most the last n turns.
func (h History) Recent(n int) History {
	if n <= 0 || len(h) == 0 {
		return History{}
	}
	src := h
	if len(h) > n {
		src = h[len(h)-n:]
	}
	out := make(History, len(src))
	copy(out, src)
	return out
}

// Append returns a new history with t added and trimmed to the last max
// turns (max <= 0 keeps everything).
func (h History) Append(t Turn, max int) History {
	out := make(History, len(h), len(h)+1)
	copy(out, h)
	out = append(out, t)
	if max > 0 {
		return out.Recent(max)
	}
	return out
}

// UnmarshalJSON accepts three encodings: a list of [user, assistant] pairs,
// a flat list of alternating user/assistant strings, or a list of
// {"user": ..., "assistant": ...} objects.
func (h *History) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("chat history must be a list: %w", err)
	}
	if len(raw) == 0 {
		*h = History{}
		return nil
	}

	var flat []string
	if err := json.Unmarshal(data, &flat); err == nil {
		out := make(History, 0, (len(flat)+1)/2)
		for i := 0; i < len(flat); i += 2 {
			t := Turn{User: flat[i]}
			if i+1 < len(flat) {
				t.Assistant = flat[i+1]
			}
			out = append(out, t)
		}
		*h = out
		return nil
	}

	out := make(History, 0, len(raw))
	for i, item := range raw {
		var pair []string
		if err := json.Unmarshal(item, &pair); err == nil {
			if len(pair) == 0 || len(pair) > 2 {
				return fmt.Errorf("chat history entry %d: want [user, assistant], got %d elements", i, len(pair))
			}
			t := Turn{User: pair[0]}
			if len(pair) == 2 {
				t.Assistant = pair[1]
			}
			out = append(out, t)
			continue
		}
		var t Turn
		if err := json.Unmarshal(item, &t); err != nil {
			return fmt.Errorf("chat history entry %d: %w", i, err)
		}
		out = append(out, t)
	}
	*h = out
	return nil
}
