// Package config loads daemon configuration from a JSON file backend with
// environment variable overrides. Every key is declared once in the key
// table in keys.go; the file lives at $XDG_CONFIG_HOME/ctxd/config.json.
package config

import (
	"os"
	"path/filepath"
)

type Config struct {
	Server    ServerConfig
	Upstream  UpstreamConfig
	Engine    EngineConfig
	Data      DataConfig
	Retrieval RetrievalConfig
	Evolution EvolutionConfig
	Synthesis SynthesisConfig
	Injection InjectionConfig
	Cache     CacheConfig
}

type ServerConfig struct {
	Port     int
	LogLevel string
	APIToken string
}

type UpstreamConfig struct {
	BaseURL string
	APIKey  string
}

type EngineConfig struct {
	BaseURL    string
	ChatModel  string
	EmbedModel string
}

type DataConfig struct {
	Dir string
}

type RetrievalConfig struct {
	TopK           int
	MinScore       float64
	MaxAgeDays     float64
	QueryExpansion bool
	Diversity      bool
}

type EvolutionConfig struct {
	DecayRate     float64
	MinConfidence float64
}

type SynthesisConfig struct {
	TotalBudget     int
	ResponseReserve int
}

type InjectionConfig struct {
	Strategy  string
	MaxTokens int
}

type CacheConfig struct {
	Backend   string
	RedisAddr string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:     4400,
			LogLevel: "info",
		},
		Upstream: UpstreamConfig{
			BaseURL: "https://api.openai.com/v1",
		},
		Engine: EngineConfig{
			BaseURL:    "http://localhost:11434",
			ChatModel:  "phi3.5",
			EmbedModel: "nomic-embed-text",
		},
		Data: DataConfig{
			Dir: defaultDataDir(),
		},
		Retrieval: RetrievalConfig{
			TopK:           10,
			MinScore:       0.0,
			MaxAgeDays:     365,
			QueryExpansion: true,
			Diversity:      true,
		},
		Evolution: EvolutionConfig{
			DecayRate:     0.01,
			MinConfidence: 0.3,
		},
		Synthesis: SynthesisConfig{
			TotalBudget:     8000,
			ResponseReserve: 2000,
		},
		Injection: InjectionConfig{
			Strategy:  "",
			MaxTokens: 16384,
		},
		Cache: CacheConfig{
			Backend:   "memory",
			RedisAddr: "localhost:6379",
		},
	}
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "ctxd-data"
		}
	}
	return filepath.Join(dir, "ctxd")
}

// Load reads configuration from the JSON file backend and applies CTXD_*
// environment overrides on top. Secrets (upstream.api_key, server.api_token)
// are never read from the file; they come from the environment only.
//
// Load never fails on missing values: ctxd runs fully local by default, and
// the upstream key is only needed once a proxy request actually reaches an
// upstream provider.
func Load() (Config, error) {
	return loadWith(newFileBackend())
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	return cfg, nil
}
