package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
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
		key: "server.port", typ: kInt, env: "CTXD_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.log_level", typ: kString, env: "CTXD_SERVER_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Server.LogLevel = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.LogLevel },
	},
	{
		key: "server.api_token", typ: kString, env: "CTXD_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "upstream.base_url", typ: kString, env: "CTXD_UPSTREAM_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Upstream.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Upstream.BaseURL },
	},
	{
		key: "upstream.api_key", typ: kString, env: "CTXD_UPSTREAM_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Upstream.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Upstream.APIKey },
	},
	{
		key: "engine.base_url", typ: kString, env: "CTXD_ENGINE_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Engine.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Engine.BaseURL },
	},
	{
		key: "engine.chat_model", typ: kString, env: "CTXD_ENGINE_CHAT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Engine.ChatModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Engine.ChatModel },
	},
	{
		key: "engine.embed_model", typ: kString, env: "CTXD_ENGINE_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Engine.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Engine.EmbedModel },
	},
	{
		key: "data.dir", typ: kString, env: "CTXD_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Data.Dir = v.(string) },
		extract: func(cfg Config) any { return cfg.Data.Dir },
	},
	{
		key: "retrieval.top_k", typ: kInt, env: "CTXD_RETRIEVAL_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.TopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.TopK },
	},
	{
		key: "retrieval.min_score", typ: kFloat, env: "CTXD_RETRIEVAL_MIN_SCORE",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.MinScore = v.(float64) },
		extract: func(cfg Config) any { return cfg.Retrieval.MinScore },
	},
	{
		key: "retrieval.max_age_days", typ: kFloat, env: "CTXD_RETRIEVAL_MAX_AGE_DAYS",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.MaxAgeDays = v.(float64) },
		extract: func(cfg Config) any { return cfg.Retrieval.MaxAgeDays },
	},
	{
		key: "retrieval.query_expansion", typ: kBool, env: "CTXD_RETRIEVAL_QUERY_EXPANSION",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.QueryExpansion = v.(bool) },
		extract: func(cfg Config) any { return cfg.Retrieval.QueryExpansion },
	},
	{
		key: "retrieval.diversity", typ: kBool, env: "CTXD_RETRIEVAL_DIVERSITY",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.Diversity = v.(bool) },
		extract: func(cfg Config) any { return cfg.Retrieval.Diversity },
	},
	{
		key: "evolution.decay_rate", typ: kFloat, env: "CTXD_EVOLUTION_DECAY_RATE",
		apply:   func(cfg *Config, v any) { cfg.Evolution.DecayRate = v.(float64) },
		extract: func(cfg Config) any { return cfg.Evolution.DecayRate },
	},
	{
		key: "evolution.min_confidence", typ: kFloat, env: "CTXD_EVOLUTION_MIN_CONFIDENCE",
		apply:   func(cfg *Config, v any) { cfg.Evolution.MinConfidence = v.(float64) },
		extract: func(cfg Config) any { return cfg.Evolution.MinConfidence },
	},
	{
		key: "synthesis.total_budget", typ: kInt, env: "CTXD_SYNTHESIS_TOTAL_BUDGET",
		apply:   func(cfg *Config, v any) { cfg.Synthesis.TotalBudget = v.(int) },
		extract: func(cfg Config) any { return cfg.Synthesis.TotalBudget },
	},
	{
		key: "synthesis.response_reserve", typ: kInt, env: "CTXD_SYNTHESIS_RESPONSE_RESERVE",
		apply:   func(cfg *Config, v any) { cfg.Synthesis.ResponseReserve = v.(int) },
		extract: func(cfg Config) any { return cfg.Synthesis.ResponseReserve },
	},
	{
		key: "injection.strategy", typ: kString, env: "CTXD_INJECTION_STRATEGY",
		apply:   func(cfg *Config, v any) { cfg.Injection.Strategy = v.(string) },
		extract: func(cfg Config) any { return cfg.Injection.Strategy },
	},
	{
		key: "injection.max_tokens", typ: kInt, env: "CTXD_INJECTION_MAX_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Injection.MaxTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Injection.MaxTokens },
	},
	{
		key: "cache.backend", typ: kString, env: "CTXD_CACHE_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Cache.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Cache.Backend },
	},
	{
		key: "cache.redis_addr", typ: kString, env: "CTXD_CACHE_REDIS_ADDR",
		apply:   func(cfg *Config, v any) { cfg.Cache.RedisAddr = v.(string) },
		extract: func(cfg Config) any { return cfg.Cache.RedisAddr },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if bv, err := strconv.ParseBool(v); err == nil {
					s.apply(cfg, bv)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		case kFloat:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					s.apply(cfg, f)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse float from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
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
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kFloat:
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				s.apply(cfg, f)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse float from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
