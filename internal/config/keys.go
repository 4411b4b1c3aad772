package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "KBCHAT_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "customer.name", typ: kString, env: "KBCHAT_CUSTOMER_NAME",
		apply:   func(cfg *Config, v any) { cfg.Customer.Name = v.(string) },
		extract: func(cfg Config) any { return cfg.Customer.Name },
	},
	{
		key: "customer.region", typ: kString, env: "KBCHAT_REGION",
		apply:   func(cfg *Config, v any) { cfg.Customer.Region = v.(string) },
		extract: func(cfg Config) any { return cfg.Customer.Region },
	},
	{
		key: "retrieval.backend", typ: kString, env: "KBCHAT_RETRIEVAL_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Retrieval.Backend },
	},
	{
		key: "retrieval.knowledge_base_id", typ: kString, env: "KBCHAT_RETRIEVAL_KNOWLEDGE_BASE_ID",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.KnowledgeBaseID = v.(string) },
		extract: func(cfg Config) any { return cfg.Retrieval.KnowledgeBaseID },
	},
	{
		key: "retrieval.base_url", typ: kString, env: "KBCHAT_RETRIEVAL_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Retrieval.BaseURL },
	},
	{
		key: "retrieval.api_key", typ: kString, env: "KBCHAT_RETRIEVAL_API_KEY", secret: true,
		apply:   func(cfg *Config, v any) { cfg.Retrieval.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Retrieval.APIKey },
	},
	{
		key: "retrieval.chat_top_k", typ: kInt, env: "KBCHAT_RETRIEVAL_CHAT_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.ChatTopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.ChatTopK },
	},
	{
		key: "retrieval.discovery_top_k", typ: kInt, env: "KBCHAT_RETRIEVAL_DISCOVERY_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.DiscoveryTopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.DiscoveryTopK },
	},
	{
		key: "retrieval.timeout", typ: kDuration, env: "KBCHAT_RETRIEVAL_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Retrieval.Timeout },
	},
	{
		key: "chat.default_tone", typ: kString, env: "KBCHAT_CHAT_DEFAULT_TONE",
		apply:   func(cfg *Config, v any) { cfg.Chat.DefaultTone = v.(string) },
		extract: func(cfg Config) any { return cfg.Chat.DefaultTone },
	},
	{
		key: "chat.tool_routing", typ: kBool, env: "KBCHAT_CHAT_TOOL_ROUTING",
		apply:   func(cfg *Config, v any) { cfg.Chat.ToolRouting = v.(bool) },
		extract: func(cfg Config) any { return cfg.Chat.ToolRouting },
	},
	{
		key: "chat.history_turns", typ: kInt, env: "KBCHAT_CHAT_HISTORY_TURNS",
		apply:   func(cfg *Config, v any) { cfg.Chat.HistoryTurns = v.(int) },
		extract: func(cfg Config) any { return cfg.Chat.HistoryTurns },
	},
	{
		key: "products.limit", typ: kInt, env: "KBCHAT_PRODUCTS_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Products.Limit = v.(int) },
		extract: func(cfg Config) any { return cfg.Products.Limit },
	},
	{
		key: "cache.backend", typ: kString, env: "KBCHAT_CACHE_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Cache.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Cache.Backend },
	},
	{
		key: "cache.expiry", typ: kDuration, env: "KBCHAT_CACHE_EXPIRY",
		apply:   func(cfg *Config, v any) { cfg.Cache.Expiry = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Cache.Expiry },
	},
	{
		key: "cache.redis_url", typ: kString, env: "KBCHAT_CACHE_REDIS_URL", secret: true,
		apply:   func(cfg *Config, v any) { cfg.Cache.RedisURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Cache.RedisURL },
	},
	{
		key: "llm.provider", typ: kString, env: "KBCHAT_LLM_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.LLM.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.Provider },
	},
	{
		key: "llm.model", typ: kString, env: "KBCHAT_LLM_MODEL",
		apply:   func(cfg *Config, v any) { cfg.LLM.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.Model },
	},
	{
		key: "llm.max_tokens", typ: kInt, env: "KBCHAT_LLM_MAX_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.LLM.MaxTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.LLM.MaxTokens },
	},
	{
		key: "llm.temperature", typ: kFloat, env: "KBCHAT_LLM_TEMPERATURE",
		apply:   func(cfg *Config, v any) { cfg.LLM.Temperature = v.(float64) },
		extract: func(cfg Config) any { return cfg.LLM.Temperature },
	},
	{
		key: "llm.timeout", typ: kDuration, env: "KBCHAT_LLM_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.LLM.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.LLM.Timeout },
	},
	{
		key: "llm.condense_timeout", typ: kDuration, env: "KBCHAT_LLM_CONDENSE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.LLM.CondenseTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.LLM.CondenseTimeout },
	},
	{
		key: "openrouter.api_key", typ: kString, env: "KBCHAT_OPENROUTER_API_KEY", secret: true,
		apply:   func(cfg *Config, v any) { cfg.OpenRouter.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenRouter.APIKey },
	},
	{
		key: "openrouter.base_url", typ: kString, env: "KBCHAT_OPENROUTER_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.OpenRouter.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenRouter.BaseURL },
	},
	{
		key: "gemini.api_key", typ: kString, env: "KBCHAT_GEMINI_API_KEY", secret: true,
		apply:   func(cfg *Config, v any) { cfg.Gemini.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Gemini.APIKey },
	},
	{
		key: "ollama.base_url", typ: kString, env: "KBCHAT_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.embed_model", typ: kString, env: "KBCHAT_OLLAMA_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.EmbedModel },
	},
	{
		key: "storage.data_dir", typ: kString, env: "KBCHAT_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "ingest.watch_dir", typ: kString, env: "KBCHAT_INGEST_WATCH_DIR",
		apply:   func(cfg *Config, v any) { cfg.Ingest.WatchDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Ingest.WatchDir },
	},
	{
		key: "api.token", typ: kString, env: "KBCHAT_API_TOKEN", secret: true,
		apply:   func(cfg *Config, v any) { cfg.API.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.API.Token },
	},
	{
		key: "log.level", typ: kString, env: "KBCHAT_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}

		v, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || (s.typ != kString && v == "") {
			continue
		}
		parsed, err := parseValue(s.typ, v)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, v, err)
			continue
		}
		s.apply(cfg, parsed)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}

func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
}
