package retrieval

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"
)

func TestCitations(t *testing.T) {
	tests := []struct {
		name     string
		passages []Passage
		want     []string
	}{
		{"empty", nil, []string{}},
		{
			name: "dedupe keeps first occurrence order",
			passages: []Passage{
				{Text: "a", SourceURL: "https://acme.test/b"},
				{Text: "b", SourceURL: "https://acme.test/a"},
				{Text: "c", SourceURL: "https://acme.test/b"},
			},
			want: []string{"https://acme.test/b", "https://acme.test/a"},
		},
		{
			name: "passages without url are skipped",
			passages: []Passage{
				{Text: "a"},
				{Text: "b", SourceURL: "https://acme.test/x"},
				{Text: "c"},
			},
			want: []string{"https://acme.test/x"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Citations(tt.passages)
			if !slices.Equal(got, tt.want) {
				t.Errorf("Citations = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCitations_Idempotent(t *testing.T) {
	ps := []Passage{{SourceURL: "u1"}, {SourceURL: "u2"}, {SourceURL: "u1"}}
	once := Citations(ps)

	again := make([]Passage, len(once))
	for i, u := range once {
		again[i] = Passage{SourceURL: u}
	}
	if twice := Citations(again); !slices.Equal(once, twice) {
		t.Errorf("Citations not idempotent: %v vs %v", once, twice)
	}
}

func TestKBClient_Retrieve(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody kbRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"retrievalResults":[
			{"content":{"text":"Anvils ship in 2 days."},"location":{"webLocation":{"url":"https://acme.test/shipping"}},"score":0.91},
			{"content":{"text":"Catalog PDF."},"location":{"s3Location":{"uri":"s3://acme/catalog.pdf"}},"score":0.5},
			{"content":{"text":"No location."},"score":0.2}
		]}`))
	}))
	defer srv.Close()

	c := NewKBClient(KBConfig{BaseURL: srv.URL + "/", KnowledgeBaseID: "KB123", APIKey: "secret", Timeout: time.Second})
	ps, err := c.Retrieve(context.Background(), "how fast is shipping?", 4)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}

	if gotPath != "/knowledgebases/KB123/retrieve" {
		t.Errorf("path = %q", gotPath)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("auth = %q", gotAuth)
	}
	if gotBody.RetrievalQuery.Text != "how fast is shipping?" || gotBody.RetrievalConfiguration.VectorSearchConfiguration.NumberOfResults != 4 {
		t.Errorf("body = %+v", gotBody)
	}

	if len(ps) != 3 {
		t.Fatalf("got %d passages, want 3", len(ps))
	}
	if ps[0].SourceURL != "https://acme.test/shipping" || ps[0].Score != 0.91 {
		t.Errorf("passage 0 = %+v", ps[0])
	}
	if ps[1].SourceURL != "s3://acme/catalog.pdf" {
		t.Errorf("passage 1 url = %q", ps[1].SourceURL)
	}
	if ps[2].SourceURL != "" || ps[2].Text != "No location." {
		t.Errorf("passage 2 = %+v", ps[2])
	}
}

func TestKBClient_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "throttled", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewKBClient(KBConfig{BaseURL: srv.URL, KnowledgeBaseID: "KB"})
	_, err := c.Retrieve(context.Background(), "q", 4)
	if err == nil || !strings.Contains(err.Error(), "503") {
		t.Fatalf("err = %v, want status error", err)
	}
}
