package portfoliopro

import (
	"os"
	"path/filepath"
)

// Config holds all configuration for the PortfolioPro engine.
type Config struct {
	// DBPath is the full path to the SQLite database file.
	// If empty, defaults to ~/.portfoliopro/<DBName>.db
	DBPath string `json:"db_path" yaml:"db_path"`

	// DBName is the name for the database (used when DBPath is empty).
	// Defaults to "portfoliopro". The file will be <DBName>.db inside the
	// storage directory (~/.portfoliopro/ or working dir).
	DBName string `json:"db_name" yaml:"db_name"`

	// StorageDir controls where the database is created when DBPath
	// is not explicitly set. Options: "home" (default) uses
	// ~/.portfoliopro/, "local" uses the current working directory.
	StorageDir string `json:"storage_dir" yaml:"storage_dir"`

	// LLM providers
	Chat      LLMConfig `json:"chat" yaml:"chat"`
	Embedding LLMConfig `json:"embedding" yaml:"embedding"`

	// EmbeddingDim must match the embedding model's output dimension.
	EmbeddingDim int `json:"embedding_dim" yaml:"embedding_dim"`

	// RetrievalThreshold is the minimum similarity for a context record to
	// count as a retrieval hit.
	RetrievalThreshold float64 `json:"retrieval_threshold" yaml:"retrieval_threshold"`

	// RetrievalLimit caps how many context records one query retrieves.
	RetrievalLimit int `json:"retrieval_limit" yaml:"retrieval_limit"`

	// CacheThreshold is the minimum similarity for a previously answered
	// question to be treated as a duplicate and served from the cache.
	CacheThreshold float64 `json:"cache_threshold" yaml:"cache_threshold"`

	// MarketData configures the external market-data API.
	MarketData MarketDataConfig `json:"market_data" yaml:"market_data"`
}

// LLMConfig configures a single LLM provider endpoint.
type LLMConfig struct {
	Provider string `json:"provider" yaml:"provider"` // ollama, lmstudio, openrouter, openai, groq, xai, tei, custom
	Model    string `json:"model" yaml:"model"`
	BaseURL  string `json:"base_url" yaml:"base_url"`
	APIKey   string `json:"api_key" yaml:"api_key"`
}

// MarketDataConfig configures the external market-data API client.
type MarketDataConfig struct {
	BaseURL string `json:"base_url" yaml:"base_url"`
	APIKey  string `json:"api_key" yaml:"api_key"`
}

// DefaultConfig returns a Config with sensible defaults for local inference.
// Database is stored in ~/.portfoliopro/portfoliopro.db by default.
func DefaultConfig() Config {
	return Config{
		DBName:     "portfoliopro",
		StorageDir: "home",
		Chat: LLMConfig{
			Provider: "ollama",
			Model:    "llama3.1:8b",
			BaseURL:  "http://localhost:11434",
		},
		Embedding: LLMConfig{
			Provider: "ollama",
			Model:    "mxbai-embed-large",
			BaseURL:  "http://localhost:11434",
		},
		EmbeddingDim:       1024,
		RetrievalThreshold: 0.65,
		RetrievalLimit:     5,
		CacheThreshold:     0.85,
		MarketData: MarketDataConfig{
			BaseURL: "https://www.alphavantage.co/query",
		},
	}
}

// resolveDBPath computes the final database path from config fields.
func (c *Config) resolveDBPath() string {
	if c.DBPath != "" {
		return c.DBPath
	}

	name := c.DBName
	if name == "" {
		name = "portfoliopro"
	}

	switch c.StorageDir {
	case "local", "cwd":
		return name + ".db"
	default: // "home" or empty
		home, err := os.UserHomeDir()
		if err != nil {
			return name + ".db" // fallback to cwd
		}
		dir := filepath.Join(home, ".portfoliopro")
		return filepath.Join(dir, name+".db")
	}
}
