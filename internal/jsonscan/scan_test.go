package jsonscan

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestFirstArray(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		want  int
		found bool
	}{
		{"bare", `[{"name":"A"},{"name":"B"}]`, 2, true},
		{"with prose", "Here are the products:\n[{\"name\":\"A\"}]\nLet me know!", 1, true},
		{"code fence", "```json\n[1, 2, 3]\n```", 3, true},
		{"skips broken bracket", `see [note] then [{"name":"A"}]`, 1, true},
		{"empty array", `nothing here: []`, 0, true},
		{"no array", `I could not find any products.`, 0, false},
		{"unterminated", `[{"name":"A"},`, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := FirstArray(tt.text)
			if ok != tt.found {
				t.Fatalf("found = %v, want %v", ok, tt.found)
			}
			if len(got) != tt.want {
				t.Errorf("len = %d, want %d", len(got), tt.want)
			}
		})
	}
}

func TestFirstArray_ElementsDecodable(t *testing.T) {
	got, ok := FirstArray(`Result: [{"name":"Widget","icon":"box"}] done`)
	if !ok {
		t.Fatal("expected match")
	}
	var p struct {
		Name string `json:"name"`
		Icon string `json:"icon"`
	}
	if err := json.Unmarshal(got[0], &p); err != nil {
		t.Fatal(err)
	}
	if p.Name != "Widget" || p.Icon != "box" {
		t.Errorf("decoded = %+v", p)
	}
}

func TestFirstObject(t *testing.T) {
	raw, ok := FirstObject("Sure! {\"chartType\": \"bar\", \"dataPoints\": []} Hope that helps.")
	if !ok {
		t.Fatal("expected match")
	}
	var v map[string]any
	if err := json.Unmarshal(raw, &v); err != nil {
		t.Fatal(err)
	}
	if v["chartType"] != "bar" {
		t.Errorf("chartType = %v", v["chartType"])
	}

	if _, ok := FirstObject("no json at all"); ok {
		t.Error("expected no match")
	}
}

func TestStringList(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
		ok   bool
	}{
		{"json", `["What is X?", "How much is Y?"]`, []string{"What is X?", "How much is Y?"}, true},
		{"single quoted", `['What is X?', 'How much is Y?']`, []string{"What is X?", "How much is Y?"}, true},
		{"mixed quotes", `Questions: ['It\'s fine', "Why?"]`, []string{"It's fine", "Why?"}, true},
		{"trailing comma", "['a',\n 'b',\n]", []string{"a", "b"}, true},
		{"non-string json falls through", `[1, 2] then ['x']`, []string{"x"}, true},
		{"none", `No list here.`, nil, false},
		{"unquoted items", `[a, b]`, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := StringList(tt.text)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if tt.ok && !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}
