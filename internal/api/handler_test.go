package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"

	"github.com/kalambet/kbchat/internal/catalog"
	"github.com/kalambet/kbchat/internal/composer"
	"github.com/kalambet/kbchat/internal/condenser"
	"github.com/kalambet/kbchat/internal/llm"
	"github.com/kalambet/kbchat/internal/llm/llmtest"
	"github.com/kalambet/kbchat/internal/pipeline"
	"github.com/kalambet/kbchat/internal/retrieval"
	"github.com/kalambet/kbchat/internal/storage"
	"github.com/kalambet/kbchat/internal/stream"
)

// --- mocks ---

type mockChat struct {
	got      pipeline.ChatRequest
	handleFn func(ctx context.Context, req pipeline.ChatRequest, sink stream.Sink) error
}

func (m *mockChat) Handle(ctx context.Context, req pipeline.ChatRequest, sink stream.Sink) error {
	m.got = req
	return m.handleFn(ctx, req, sink)
}

type mockDiscovery struct {
	products []catalog.Product
	err      error
	limit    int
}

func (m *mockDiscovery) Discover(_ context.Context, limit int, emit func(catalog.Product) error) error {
	m.limit = limit
	for _, p := range m.products {
		if err := emit(p); err != nil {
			return err
		}
	}
	return m.err
}

type mockDetails struct {
	name string
}

func (m *mockDetails) Details(_ context.Context, name string, sink stream.Sink) error {
	m.name = name
	for _, s := range catalog.SectionNames {
		if err := sink.Send(stream.SectionStart(s)); err != nil {
			return err
		}
		if err := sink.Send(stream.Content(s + " of " + name)); err != nil {
			return err
		}
		if err := sink.Send(stream.SectionEnd(s)); err != nil {
			return err
		}
	}
	return nil
}

type mockSuggestions []string

func (m mockSuggestions) Questions(context.Context) []string { return m }

type mockProductStore struct {
	products []storage.Product
	err      error
}

func (m *mockProductStore) PutProduct(_ context.Context, p storage.Product) error {
	if m.err != nil {
		return m.err
	}
	m.products = append(m.products, p)
	return nil
}

func (m *mockProductStore) ListProducts(_ context.Context, limit int) ([]storage.Product, error) {
	if limit > 0 && limit < len(m.products) {
		return m.products[:limit], m.err
	}
	return m.products, m.err
}

type fakeRetriever struct {
	passages []retrieval.Passage
	err      error
}

func (f *fakeRetriever) Retrieve(context.Context, string, int) ([]retrieval.Passage, error) {
	return f.passages, f.err
}

// --- helpers ---

func newTestServer(t *testing.T, deps Deps) *httptest.Server {
	t.Helper()
	if deps.Chat == nil {
		deps.Chat = &mockChat{handleFn: func(context.Context, pipeline.ChatRequest, stream.Sink) error { return nil }}
	}
	if deps.Discovery == nil {
		deps.Discovery = &mockDiscovery{}
	}
	if deps.Details == nil {
		deps.Details = &mockDetails{}
	}
	if deps.Suggestions == nil {
		deps.Suggestions = mockSuggestions{"What do you sell?"}
	}
	if deps.Products == nil {
		deps.Products = &mockProductStore{}
	}
	srv := httptest.NewServer(NewHandler(deps))
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func get(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func readEvents(t *testing.T, resp *http.Response) []stream.Event {
	t.Helper()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q, want text/event-stream", ct)
	}
	events, err := stream.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading events: %v", err)
	}
	return events
}

func types(events []stream.Event) []stream.Type {
	out := make([]stream.Type, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

func errorMessage(t *testing.T, resp *http.Response) string {
	t.Helper()
	var body struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decoding error body: %v", err)
	}
	return body.Error.Message
}

// --- tests ---

func TestHealth(t *testing.T) {
	srv := newTestServer(t, Deps{})
	resp := get(t, srv.URL+"/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]string
	json.NewDecoder(resp.Body).Decode(&body)
	if body["status"] != "ok" {
		t.Errorf("body = %v, want status=ok", body)
	}
}

func TestChat_StreamsAndStops(t *testing.T) {
	chat := &mockChat{handleFn: func(_ context.Context, _ pipeline.ChatRequest, sink stream.Sink) error {
		sink.Send(stream.Metadata([]string{"https://acme.test"}))
		sink.Send(stream.Content("Hello"))
		return nil
	}}
	srv := newTestServer(t, Deps{Chat: chat})

	resp := postJSON(t, srv.URL+"/chat", `{"question":" hi ","chat_history":[["u1","a1"],["u2","a2"]],"prompt_modifier":"Terse"}`)
	events := readEvents(t, resp)

	want := []stream.Type{stream.TypeMetadata, stream.TypeContent, stream.TypeStop}
	if got := types(events); !slices.Equal(got, want) {
		t.Fatalf("types = %v, want %v", got, want)
	}
	if chat.got.Question != "hi" || chat.got.Tone != "Terse" || len(chat.got.History) != 2 || chat.got.History[1].Assistant != "a2" {
		t.Errorf("request = %+v", chat.got)
	}
}

func TestChat_FlatHistory(t *testing.T) {
	chat := &mockChat{handleFn: func(context.Context, pipeline.ChatRequest, stream.Sink) error { return nil }}
	srv := newTestServer(t, Deps{Chat: chat})

	readEvents(t, postJSON(t, srv.URL+"/chat", `{"question":"q","chat_history":["u1","a1","u2","a2"]}`))
	if len(chat.got.History) != 2 || chat.got.History[0].User != "u1" {
		t.Errorf("history = %+v", chat.got.History)
	}
}

func TestChat_ErrorEndsStream(t *testing.T) {
	chat := &mockChat{handleFn: func(_ context.Context, _ pipeline.ChatRequest, sink stream.Sink) error {
		sink.Send(stream.Metadata(nil))
		return errors.New("model unavailable")
	}}
	srv := newTestServer(t, Deps{Chat: chat})

	events := readEvents(t, postJSON(t, srv.URL+"/chat", `{"question":"q"}`))
	want := []stream.Type{stream.TypeMetadata, stream.TypeError}
	if got := types(events); !slices.Equal(got, want) {
		t.Fatalf("types = %v, want %v", got, want)
	}
	if events[1].Message != "model unavailable" {
		t.Errorf("message = %q", events[1].Message)
	}
}

func TestChat_BadRequests(t *testing.T) {
	srv := newTestServer(t, Deps{})
	for _, body := range []string{`{}`, `{"question":"   "}`, `not json`, `{"question":"q","chat_history":"nope"}`} {
		resp := postJSON(t, srv.URL+"/chat", body)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("body %s: status = %d, want 400", body, resp.StatusCode)
		}
	}
}

// TestChat_EndToEnd runs the real answer pipeline behind the handler.
func TestChat_EndToEnd(t *testing.T) {
	p := &llmtest.Provider{StreamFn: func(context.Context, llm.Request) (llm.Stream, error) {
		return llmtest.Chunks("We sell ", "anvils."), nil
	}}
	r := &fakeRetriever{passages: []retrieval.Passage{
		{Text: "Anvils.", SourceURL: "https://acme.test/anvils"},
		{Text: "More anvils.", SourceURL: "https://acme.test/anvils"},
		{Text: "No url."},
	}}
	answerer := pipeline.NewAnswerer(condenser.New(p, 0), r, composer.New("Acme", 0), p, pipeline.AnswerConfig{TopK: 4, HistoryTurns: 2})
	router, err := pipeline.NewRouter(p, answerer, nil, "Acme", false)
	if err != nil {
		t.Fatal(err)
	}
	srv := newTestServer(t, Deps{Chat: router})

	events := readEvents(t, postJSON(t, srv.URL+"/chat", `{"question":"What do you sell?"}`))

	if len(events) < 3 || events[0].Type != stream.TypeMetadata || events[len(events)-1].Type != stream.TypeStop {
		t.Fatalf("types = %v", types(events))
	}
	if !slices.Equal(events[0].Sources, []string{"https://acme.test/anvils"}) {
		t.Errorf("sources = %v", events[0].Sources)
	}
	var answer strings.Builder
	for _, e := range events[1 : len(events)-1] {
		if e.Type != stream.TypeContent {
			t.Fatalf("unexpected %s event in body", e.Type)
		}
		answer.WriteString(e.Content)
	}
	if answer.String() != "We sell anvils." {
		t.Errorf("answer = %q", answer.String())
	}
}

func TestChat_EndToEndRetrievalFailure(t *testing.T) {
	p := &llmtest.Provider{}
	answerer := pipeline.NewAnswerer(condenser.New(p, 0), &fakeRetriever{err: errors.New("kb down")}, composer.New("Acme", 0), p, pipeline.AnswerConfig{})
	router, err := pipeline.NewRouter(p, answerer, nil, "Acme", false)
	if err != nil {
		t.Fatal(err)
	}
	srv := newTestServer(t, Deps{Chat: router})

	events := readEvents(t, postJSON(t, srv.URL+"/chat", `{"question":"q"}`))
	if got := types(events); !slices.Equal(got, []stream.Type{stream.TypeError}) {
		t.Fatalf("types = %v, want one error event", got)
	}
	if len(p.Streams()) != 0 {
		t.Error("generation started after retrieval failed")
	}
}

func TestListProducts_Streams(t *testing.T) {
	d := &mockDiscovery{products: []catalog.Product{
		catalog.Product{Name: "Anvil"}.Normalize(),
		catalog.Product{Name: "Rocket Skates"}.Normalize(),
	}}
	srv := newTestServer(t, Deps{Discovery: d})

	events := readEvents(t, get(t, srv.URL+"/products?limit=2"))
	want := []stream.Type{stream.TypeProduct, stream.TypeProduct, stream.TypeStop}
	if got := types(events); !slices.Equal(got, want) {
		t.Fatalf("types = %v", got)
	}
	if d.limit != 2 {
		t.Errorf("limit = %d, want 2", d.limit)
	}

	var p catalog.Product
	if err := json.Unmarshal(events[1].Data.(json.RawMessage), &p); err != nil {
		t.Fatal(err)
	}
	if p.Key != "rocket-skates" || p.InternalLink != "/product/rocket-skates" || p.Link != "#" || p.Icon != "cube" {
		t.Errorf("product = %+v", p)
	}
}

func TestListProducts_DefaultLimitAndFailure(t *testing.T) {
	d := &mockDiscovery{err: errors.New("retrieval failed")}
	srv := newTestServer(t, Deps{Discovery: d})

	events := readEvents(t, get(t, srv.URL+"/products"))
	if got := types(events); !slices.Equal(got, []stream.Type{stream.TypeError}) {
		t.Errorf("types = %v", got)
	}
	if d.limit != 0 {
		t.Errorf("limit = %d, want 0 (configured default)", d.limit)
	}
}

func TestListProducts_InvalidLimit(t *testing.T) {
	srv := newTestServer(t, Deps{})
	if resp := get(t, srv.URL+"/products?limit=abc"); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestProductDetails(t *testing.T) {
	d := &mockDetails{}
	srv := newTestServer(t, Deps{Details: d})

	events := readEvents(t, get(t, srv.URL+"/product-details/Rocket%20Skates"))
	if len(events) != 13 || events[12].Type != stream.TypeStop {
		t.Fatalf("types = %v", types(events))
	}
	if d.name != "Rocket Skates" {
		t.Errorf("name = %q", d.name)
	}
	if events[0].Section != "overview" || events[9].Section != "pricing" {
		t.Errorf("sections out of order: %v", types(events))
	}
}

func TestProductDetails_EscapedSlash(t *testing.T) {
	d := &mockDetails{}
	srv := newTestServer(t, Deps{Details: d})

	events := readEvents(t, get(t, srv.URL+"/product-details/CI%2FCD%20Pipelines"))
	if len(events) == 0 || events[len(events)-1].Type != stream.TypeStop {
		t.Fatalf("types = %v", types(events))
	}
	if d.name != "CI/CD Pipelines" {
		t.Errorf("name = %q, want %q", d.name, "CI/CD Pipelines")
	}
}

func TestAddProduct(t *testing.T) {
	store := &mockProductStore{}
	srv := newTestServer(t, Deps{Products: store})

	resp := postJSON(t, srv.URL+"/products", `{"name":"  Rocket   Skates ","description":"Fast."}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	var body map[string]string
	json.NewDecoder(resp.Body).Decode(&body)
	if body["key"] != "rocket-skates" {
		t.Errorf("key = %q", body["key"])
	}
	if len(store.products) != 1 || store.products[0].Name != "Rocket Skates" || store.products[0].Link != "#" {
		t.Errorf("stored = %+v", store.products)
	}
}

func TestAddProduct_Errors(t *testing.T) {
	srv := newTestServer(t, Deps{})
	for _, body := range []string{`{"name":""}`, `{"name":" / "}`, `{`} {
		if resp := postJSON(t, srv.URL+"/products", body); resp.StatusCode != http.StatusBadRequest {
			t.Errorf("body %s: status = %d, want 400", body, resp.StatusCode)
		}
	}

	failing := newTestServer(t, Deps{Products: &mockProductStore{err: errors.New("disk full")}})
	resp := postJSON(t, failing.URL+"/products", `{"name":"Anvil"}`)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
	if msg := errorMessage(t, resp); !strings.Contains(msg, "disk full") {
		t.Errorf("message = %q", msg)
	}
}

func TestSuggestedQuestions(t *testing.T) {
	srv := newTestServer(t, Deps{Suggestions: mockSuggestions{"A?", "B?"}})
	resp := get(t, srv.URL+"/chat-suggested-questions")
	var qs []string
	if err := json.NewDecoder(resp.Body).Decode(&qs); err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(qs, []string{"A?", "B?"}) {
		t.Errorf("questions = %v", qs)
	}
}
