package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server     ServerConfig
	Customer   CustomerConfig
	Retrieval  RetrievalConfig
	Chat       ChatConfig
	Products   ProductsConfig
	Cache      CacheConfig
	LLM        LLMConfig
	OpenRouter OpenRouterConfig
	Gemini     GeminiConfig
	Ollama     OllamaConfig
	Storage    StorageConfig
	Ingest     IngestConfig
	API        APIConfig
	Log        LogConfig
}

type ServerConfig struct {
	Port int
}

// CustomerConfig names the organisation the assistant speaks for.
type CustomerConfig struct {
	Name   string
	Region string
}

type RetrievalConfig struct {
	// Backend is "kb" for the managed knowledge base or "local" for the
	// SQLite vector index fed by the ingest worker.
	Backend         string
	KnowledgeBaseID string
	BaseURL         string
	APIKey          string
	ChatTopK        int
	DiscoveryTopK   int
	Timeout         time.Duration
}

type ChatConfig struct {
	DefaultTone  string
	ToolRouting  bool
	HistoryTurns int
}

type ProductsConfig struct {
	Limit int
}

type CacheConfig struct {
	// Backend is one of "memory", "sqlite" or "redis".
	Backend  string
	Expiry   time.Duration
	RedisURL string
}

type LLMConfig struct {
	// Provider is "openrouter" or "gemini".
	Provider        string
	Model           string
	MaxTokens       int
	Temperature     float64
	Timeout         time.Duration
	CondenseTimeout time.Duration
}

type OpenRouterConfig struct {
	APIKey  string
	BaseURL string
}

type GeminiConfig struct {
	APIKey string
}

type OllamaConfig struct {
	BaseURL    string
	EmbedModel string
}

type StorageConfig struct {
	DataDir string
}

type IngestConfig struct {
	WatchDir string
}

type APIConfig struct {
	Token string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 5000,
		},
		Customer: CustomerConfig{
			Name:   "Acme",
			Region: "us-east-1",
		},
		Retrieval: RetrievalConfig{
			Backend:       "kb",
			ChatTopK:      4,
			DiscoveryTopK: 10,
			Timeout:       30 * time.Second,
		},
		Chat: ChatConfig{
			DefaultTone:  "Informative, empathetic, and friendly",
			ToolRouting:  true,
			HistoryTurns: 2,
		},
		Products: ProductsConfig{
			Limit: 10,
		},
		Cache: CacheConfig{
			Backend: "sqlite",
			Expiry:  24 * time.Hour,
		},
		LLM: LLMConfig{
			Provider:        "openrouter",
			Model:           "anthropic/claude-3.5-sonnet",
			MaxTokens:       1000,
			Temperature:     0,
			Timeout:         60 * time.Second,
			CondenseTimeout: 10 * time.Second,
		},
		OpenRouter: OpenRouterConfig{
			BaseURL: "https://openrouter.ai/api/v1",
		},
		Ollama: OllamaConfig{
			BaseURL:    "http://localhost:11434",
			EmbedModel: "nomic-embed-text",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the JSON config file, a .env file in the
// working directory and environment variables, in that order of precedence
// (later wins). Secrets are only read from the environment.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()), ".env")
}

func loadWith(b ConfigBackend, envFiles ...string) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	for _, f := range envFiles {
		// godotenv never overrides variables already present in the process.
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "[WARN] could not load env file %s: %v\n", f, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(cfg Config) error {
	switch cfg.LLM.Provider {
	case "openrouter":
		if cfg.OpenRouter.APIKey == "" {
			return fmt.Errorf("missing required config: OpenRouter API key. Set it via environment variable KBCHAT_OPENROUTER_API_KEY")
		}
	case "gemini":
		if cfg.Gemini.APIKey == "" {
			return fmt.Errorf("missing required config: Gemini API key. Set it via environment variable KBCHAT_GEMINI_API_KEY")
		}
	default:
		return fmt.Errorf("invalid llm.provider %q: want openrouter or gemini", cfg.LLM.Provider)
	}

	switch cfg.Retrieval.Backend {
	case "kb":
		if cfg.Retrieval.KnowledgeBaseID == "" {
			return fmt.Errorf("missing required config: retrieval.knowledge_base_id (KBCHAT_RETRIEVAL_KNOWLEDGE_BASE_ID)")
		}
	case "local":
	default:
		return fmt.Errorf("invalid retrieval.backend %q: want kb or local", cfg.Retrieval.Backend)
	}

	switch cfg.Cache.Backend {
	case "memory", "sqlite":
	case "redis":
		if cfg.Cache.RedisURL == "" {
			return fmt.Errorf("missing required config: cache.redis_url (KBCHAT_CACHE_REDIS_URL)")
		}
	default:
		return fmt.Errorf("invalid cache.backend %q: want memory, sqlite or redis", cfg.Cache.Backend)
	}

	if cfg.Retrieval.ChatTopK <= 0 || cfg.Retrieval.DiscoveryTopK <= 0 {
		return fmt.Errorf("retrieval top_k values must be positive")
	}
	return nil
}

// RetrievalBaseURL returns the configured knowledge base endpoint, deriving
// the regional default when none is set.
func (c Config) RetrievalBaseURL() string {
	if c.Retrieval.BaseURL != "" {
		return c.Retrieval.BaseURL
	}
	return fmt.Sprintf("https://bedrock-agent-runtime.%s.amazonaws.com", c.Customer.Region)
}
