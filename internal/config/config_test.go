package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// mapBackend is an in-memory ConfigBackend for tests.
type mapBackend struct {
	strs map[string]string
	ints map[string]int
}

func newMapBackend() *mapBackend {
	return &mapBackend{strs: map[string]string{}, ints: map[string]int{}}
}

func (m *mapBackend) GetString(key string) (string, bool, error) {
	v, ok := m.strs[key]
	return v, ok, nil
}

func (m *mapBackend) GetInt(key string) (int, bool, error) {
	v, ok := m.ints[key]
	return v, ok, nil
}

func (m *mapBackend) SetString(key, val string) error {
	m.strs[key] = val
	return nil
}

func (m *mapBackend) SetInt(key string, val int) error {
	m.ints[key] = val
	return nil
}

func (m *mapBackend) Delete(key string) error {
	delete(m.strs, key)
	delete(m.ints, key)
	return nil
}

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("KBCHAT_OPENROUTER_API_KEY", "test-key")
	t.Setenv("KBCHAT_RETRIEVAL_KNOWLEDGE_BASE_ID", "KB123")
}

func TestDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := loadWith(newMapBackend())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 5000 {
		t.Errorf("Server.Port = %d, want 5000", cfg.Server.Port)
	}
	if cfg.Retrieval.ChatTopK != 4 {
		t.Errorf("Retrieval.ChatTopK = %d, want 4", cfg.Retrieval.ChatTopK)
	}
	if cfg.Retrieval.DiscoveryTopK != 10 {
		t.Errorf("Retrieval.DiscoveryTopK = %d, want 10", cfg.Retrieval.DiscoveryTopK)
	}
	if cfg.Chat.DefaultTone != "Informative, empathetic, and friendly" {
		t.Errorf("Chat.DefaultTone = %q", cfg.Chat.DefaultTone)
	}
	if cfg.Chat.HistoryTurns != 2 {
		t.Errorf("Chat.HistoryTurns = %d, want 2", cfg.Chat.HistoryTurns)
	}
	if !cfg.Chat.ToolRouting {
		t.Error("Chat.ToolRouting = false, want true")
	}
	if cfg.Cache.Expiry != 24*time.Hour {
		t.Errorf("Cache.Expiry = %v, want 24h", cfg.Cache.Expiry)
	}
	if cfg.LLM.MaxTokens != 1000 {
		t.Errorf("LLM.MaxTokens = %d, want 1000", cfg.LLM.MaxTokens)
	}
}

func TestBackendValues(t *testing.T) {
	setRequired(t)

	b := newMapBackend()
	b.ints["server.port"] = 8080
	b.strs["customer.name"] = "Globex"
	b.strs["chat.tool_routing"] = "false"
	b.strs["cache.expiry"] = "90m"
	b.strs["llm.temperature"] = "0.2"

	cfg, err := loadWith(b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Customer.Name != "Globex" {
		t.Errorf("Customer.Name = %q, want Globex", cfg.Customer.Name)
	}
	if cfg.Chat.ToolRouting {
		t.Error("Chat.ToolRouting = true, want false")
	}
	if cfg.Cache.Expiry != 90*time.Minute {
		t.Errorf("Cache.Expiry = %v, want 90m", cfg.Cache.Expiry)
	}
	if cfg.LLM.Temperature != 0.2 {
		t.Errorf("LLM.Temperature = %v, want 0.2", cfg.LLM.Temperature)
	}
}

func TestEnvOverride(t *testing.T) {
	setRequired(t)
	t.Setenv("KBCHAT_SERVER_PORT", "9000")
	t.Setenv("KBCHAT_CUSTOMER_NAME", "Initech")

	b := newMapBackend()
	b.ints["server.port"] = 8080
	b.strs["customer.name"] = "Globex"

	cfg, err := loadWith(b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("Server.Port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.Customer.Name != "Initech" {
		t.Errorf("Customer.Name = %q, want Initech", cfg.Customer.Name)
	}
}

func TestEnvOverride_BadValueKeepsDefault(t *testing.T) {
	setRequired(t)
	t.Setenv("KBCHAT_RETRIEVAL_CHAT_TOP_K", "many")

	cfg, err := loadWith(newMapBackend())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Retrieval.ChatTopK != 4 {
		t.Errorf("Retrieval.ChatTopK = %d, want 4", cfg.Retrieval.ChatTopK)
	}
}

func TestDotEnvFile(t *testing.T) {
	setRequired(t)
	os.Unsetenv("KBCHAT_CUSTOMER_NAME")
	t.Cleanup(func() { os.Unsetenv("KBCHAT_CUSTOMER_NAME") })

	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("KBCHAT_CUSTOMER_NAME=Umbrella\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := loadWith(newMapBackend(), path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Customer.Name != "Umbrella" {
		t.Errorf("Customer.Name = %q, want Umbrella", cfg.Customer.Name)
	}
}

func TestMissingDotEnvIgnored(t *testing.T) {
	setRequired(t)

	if _, err := loadWith(newMapBackend(), filepath.Join(t.TempDir(), "absent.env")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{
			name: "missing openrouter key",
			env:  map[string]string{"KBCHAT_OPENROUTER_API_KEY": ""},
			want: "OpenRouter API key",
		},
		{
			name: "missing gemini key",
			env:  map[string]string{"KBCHAT_LLM_PROVIDER": "gemini"},
			want: "Gemini API key",
		},
		{
			name: "unknown provider",
			env:  map[string]string{"KBCHAT_LLM_PROVIDER": "bedrock"},
			want: "invalid llm.provider",
		},
		{
			name: "missing knowledge base",
			env:  map[string]string{"KBCHAT_RETRIEVAL_KNOWLEDGE_BASE_ID": ""},
			want: "knowledge_base_id",
		},
		{
			name: "redis without url",
			env:  map[string]string{"KBCHAT_CACHE_BACKEND": "redis"},
			want: "cache.redis_url",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequired(t)
			t.Setenv("KBCHAT_GEMINI_API_KEY", "")
			t.Setenv("KBCHAT_CACHE_REDIS_URL", "")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := loadWith(newMapBackend())
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want it to contain %q", err, tt.want)
			}
		})
	}
}

func TestLocalBackendNeedsNoKnowledgeBase(t *testing.T) {
	setRequired(t)
	t.Setenv("KBCHAT_RETRIEVAL_KNOWLEDGE_BASE_ID", "")
	t.Setenv("KBCHAT_RETRIEVAL_BACKEND", "local")

	if _, err := loadWith(newMapBackend()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRetrievalBaseURL(t *testing.T) {
	cfg := defaults()
	cfg.Customer.Region = "eu-west-1"
	if got := cfg.RetrievalBaseURL(); got != "https://bedrock-agent-runtime.eu-west-1.amazonaws.com" {
		t.Errorf("RetrievalBaseURL() = %q", got)
	}
	cfg.Retrieval.BaseURL = "http://localhost:9999"
	if got := cfg.RetrievalBaseURL(); got != "http://localhost:9999" {
		t.Errorf("RetrievalBaseURL() = %q", got)
	}
}

func TestSetKey(t *testing.T) {
	b := newMapBackend()

	if err := setKey(b, "server.port", "7000"); err != nil {
		t.Fatalf("setKey: %v", err)
	}
	if b.ints["server.port"] != 7000 {
		t.Errorf("server.port = %d, want 7000", b.ints["server.port"])
	}
	if err := setKey(b, "cache.expiry", "2h"); err != nil {
		t.Fatalf("setKey: %v", err)
	}
	if err := setKey(b, "cache.expiry", "soon"); err == nil {
		t.Error("expected error for invalid duration")
	}
	if err := setKey(b, "openrouter.api_key", "x"); err == nil {
		t.Error("expected error for secret key")
	}
	if err := setKey(b, "no.such.key", "x"); err == nil {
		t.Error("expected error for unknown key")
	}
}

func TestShowAllHidesSecrets(t *testing.T) {
	cfg := defaults()
	cfg.OpenRouter.APIKey = "sk-secret"
	for _, k := range ShowAll(cfg) {
		if k.Value == "sk-secret" {
			t.Errorf("ShowAll exposed secret under %s", k.Key)
		}
	}
}

func TestFileBackendRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kbchat", "config.json")
	b := newFileBackend(path)
	if err := b.SetInt("server.port", 6000); err != nil {
		t.Fatal(err)
	}
	if err := b.SetString("customer.name", "Hooli"); err != nil {
		t.Fatal(err)
	}

	reloaded := newFileBackend(path)
	if v, ok, err := reloaded.GetInt("server.port"); err != nil || !ok || v != 6000 {
		t.Errorf("GetInt = %d, %v, %v", v, ok, err)
	}
	if v, ok, _ := reloaded.GetString("customer.name"); !ok || v != "Hooli" {
		t.Errorf("GetString = %q, %v", v, ok)
	}
}
