// Package config handles SuplementDB configuration via environment
// variables and an optional YAML file.
//
// Configuration is loaded with Load(): defaults first, then the YAML
// file when one is given, then environment variables on top. All
// environment variables are prefixed with SUPLEMENTDB_. Every value has
// a sensible default, so Load("") works with nothing set.
//
// Example Usage:
//
//	cfg, err := config.Load(os.Getenv("SUPLEMENTDB_CONFIG"))
//	if err != nil {
//		log.Fatalf("Invalid config: %v", err)
//	}
//
//	fmt.Printf("HTTP server: %s:%d\n", cfg.Server.Address, cfg.Server.Port)
//
// Environment Variables:
//
//   - SUPLEMENTDB_DATA_DIR="./data"
//   - SUPLEMENTDB_DIMENSIONS=384
//   - SUPLEMENTDB_CACHE_TTL=168h
//   - SUPLEMENTDB_EMBEDDING_PROVIDER="ollama", "openai" or "local"
//   - SUPLEMENTDB_PUBMED_API_KEY="..."
//   - SUPLEMENTDB_DISCOVERY_SCAN_INTERVAL=30s
//
// For the complete list, see the Config struct field documentation.
package config

import (
	"fmt"
	"os"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all SuplementDB configuration.
//
// Configuration is organized into logical sections:
//   - Database: vector store location and dimensions
//   - Cache: tier capacities and TTL
//   - Embedding: provider selection and endpoint
//   - Evidence: PubMed validation settings
//   - Discovery: background worker tuning
//   - Resolver: similarity threshold and timeouts
//   - Server: HTTP API settings
//   - Runtime: Go runtime memory tuning
//
// Use Load() to create a Config from a YAML file plus environment
// variables.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Cache     CacheConfig     `yaml:"cache"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Evidence  EvidenceConfig  `yaml:"evidence"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Resolver  ResolverConfig  `yaml:"resolver"`
	Server    ServerConfig    `yaml:"server"`
	Runtime   RuntimeConfig   `yaml:"runtime"`
}

// DatabaseConfig holds vector store settings.
type DatabaseConfig struct {
	// DataDir is the root directory for persistent storage. The vector
	// store, the disk cache tier, and the discovery queue each use a
	// subdirectory of it.
	DataDir string `yaml:"data_dir"`
	// InMemory runs every store without touching disk. For tests and
	// ephemeral deployments.
	InMemory bool `yaml:"in_memory"`
	// SyncWrites makes every write durable before returning
	SyncWrites bool `yaml:"sync_writes"`
	// Dimensions is the embedding vector length. Every record and every
	// configured embedding provider must agree on it.
	Dimensions int `yaml:"dimensions"`
}

// CacheConfig holds tiered cache settings.
type CacheConfig struct {
	// MemoryCapacity is the entry limit of the in-process tier
	MemoryCapacity int `yaml:"memory_capacity"`
	// DiskEnabled adds a persistent cache tier behind the memory tier
	DiskEnabled bool `yaml:"disk_enabled"`
	// TTL applies to every tier
	TTL time.Duration `yaml:"ttl"`
}

// EmbeddingConfig holds embedding provider settings.
type EmbeddingConfig struct {
	// Provider is one of "ollama", "openai", "local"
	Provider string `yaml:"provider"`
	// Model name passed to the provider
	Model string `yaml:"model"`
	// APIURL is the provider endpoint
	APIURL string `yaml:"api_url"`
	// APIKey for providers that need one
	APIKey string `yaml:"api_key"`
	// CacheCapacity is the embedding memoization cache size
	CacheCapacity int `yaml:"cache_capacity"`
}

// EvidenceConfig holds evidence validation settings.
type EvidenceConfig struct {
	// PubMedBaseURL is the esearch endpoint. Empty uses the NCBI default.
	PubMedBaseURL string `yaml:"pubmed_base_url"`
	// PubMedAPIKey raises the NCBI rate limit from 3 to 10 requests/s
	PubMedAPIKey string `yaml:"pubmed_api_key"`
}

// DiscoveryConfig holds background worker settings.
type DiscoveryConfig struct {
	// Enabled controls whether the worker runs at all
	Enabled bool `yaml:"enabled"`
	// ScanInterval between queue drains
	ScanInterval time.Duration `yaml:"scan_interval"`
	// MaxRetries before an item fails terminally
	MaxRetries int `yaml:"max_retries"`
	// Retention keeps completed items around for inspection
	Retention time.Duration `yaml:"retention"`
	// GCInterval between retention sweeps
	GCInterval time.Duration `yaml:"gc_interval"`
	// OccurrenceWeight and AgeWeight tune claim priority:
	// occurrences*OccurrenceWeight - ageDays*AgeWeight
	OccurrenceWeight float64 `yaml:"occurrence_weight"`
	AgeWeight        float64 `yaml:"age_weight"`
}

// ResolverConfig holds resolution pipeline settings.
type ResolverConfig struct {
	// MinSimilarity is the default acceptance threshold in [0, 1]
	MinSimilarity float64 `yaml:"min_similarity"`
	// Limit is the default match count cap
	Limit int `yaml:"limit"`
	// StepTimeout bounds each embed and search call
	StepTimeout time.Duration `yaml:"step_timeout"`
}

// ServerConfig holds HTTP API settings.
type ServerConfig struct {
	// Address to bind to
	Address string `yaml:"address"`
	// Port for HTTP connections (default 8470)
	Port int `yaml:"port"`
	// ReadTimeout and WriteTimeout for the HTTP server
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// RuntimeConfig holds Go runtime memory tuning.
type RuntimeConfig struct {
	// MemoryLimit is the soft memory limit (GOMEMLIMIT) in bytes.
	// 0 = unlimited. Set to ~80% of container memory.
	MemoryLimit int64 `yaml:"-"`
	// MemoryLimitStr is the human-readable form (e.g. "2GB", "512MB")
	MemoryLimitStr string `yaml:"memory_limit"`
	// GCPercent controls GC aggressiveness (GOGC). 100 = default,
	// lower = more aggressive.
	GCPercent int `yaml:"gc_percent"`
}

// Default returns a Config with every field set to its default value.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			DataDir:    "./data",
			Dimensions: 384,
		},
		Cache: CacheConfig{
			MemoryCapacity: 10000,
			DiskEnabled:    true,
			TTL:            7 * 24 * time.Hour,
		},
		Embedding: EmbeddingConfig{
			Provider:      "ollama",
			Model:         "all-minilm",
			APIURL:        "http://localhost:11434",
			CacheCapacity: 1000,
		},
		Discovery: DiscoveryConfig{
			Enabled:          true,
			ScanInterval:     30 * time.Second,
			MaxRetries:       3,
			Retention:        30 * 24 * time.Hour,
			GCInterval:       time.Hour,
			OccurrenceWeight: 10.0,
			AgeWeight:        0.5,
		},
		Resolver: ResolverConfig{
			MinSimilarity: 0.85,
			Limit:         5,
			StepTimeout:   200 * time.Millisecond,
		},
		Server: ServerConfig{
			Address:      "0.0.0.0",
			Port:         8470,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Runtime: RuntimeConfig{
			GCPercent: 100,
		},
	}
}

// Load builds the effective configuration: defaults, then the YAML file
// at path (skipped when path is empty), then environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.Runtime.MemoryLimit = parseMemorySize(cfg.Runtime.MemoryLimitStr)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables only.
//
// All values have defaults, so LoadFromEnv() can be called with nothing
// set. Call Validate() before use.
//
// Environment Variables:
//
//	Storage:
//	- SUPLEMENTDB_DATA_DIR="./data"
//	- SUPLEMENTDB_IN_MEMORY=false
//	- SUPLEMENTDB_SYNC_WRITES=false
//	- SUPLEMENTDB_DIMENSIONS=384
//
//	Cache:
//	- SUPLEMENTDB_CACHE_MEMORY_CAPACITY=10000
//	- SUPLEMENTDB_CACHE_DISK_ENABLED=true
//	- SUPLEMENTDB_CACHE_TTL=168h
//
//	Embedding:
//	- SUPLEMENTDB_EMBEDDING_PROVIDER=ollama
//	- SUPLEMENTDB_EMBEDDING_MODEL=all-minilm
//	- SUPLEMENTDB_EMBEDDING_API_URL=http://localhost:11434
//	- SUPLEMENTDB_EMBEDDING_API_KEY=sk-...
//	- SUPLEMENTDB_EMBEDDING_CACHE_CAPACITY=1000
//
//	Evidence:
//	- SUPLEMENTDB_PUBMED_BASE_URL=...
//	- SUPLEMENTDB_PUBMED_API_KEY=...
//
//	Discovery:
//	- SUPLEMENTDB_DISCOVERY_ENABLED=true
//	- SUPLEMENTDB_DISCOVERY_SCAN_INTERVAL=30s
//	- SUPLEMENTDB_DISCOVERY_MAX_RETRIES=3
//	- SUPLEMENTDB_DISCOVERY_RETENTION=720h
//	- SUPLEMENTDB_DISCOVERY_GC_INTERVAL=1h
//	- SUPLEMENTDB_DISCOVERY_OCCURRENCE_WEIGHT=10
//	- SUPLEMENTDB_DISCOVERY_AGE_WEIGHT=0.5
//
//	Resolver:
//	- SUPLEMENTDB_MIN_SIMILARITY=0.85
//	- SUPLEMENTDB_LIMIT=5
//	- SUPLEMENTDB_STEP_TIMEOUT=200ms
//
//	Server:
//	- SUPLEMENTDB_HTTP_ADDRESS=0.0.0.0
//	- SUPLEMENTDB_HTTP_PORT=8470
//
//	Runtime:
//	- SUPLEMENTDB_MEMORY_LIMIT="2GB" (0 = unlimited)
//	- SUPLEMENTDB_GC_PERCENT=100
func LoadFromEnv() *Config {
	cfg := Default()
	cfg.applyEnv()
	cfg.Runtime.MemoryLimit = parseMemorySize(cfg.Runtime.MemoryLimitStr)
	return cfg
}

func (c *Config) applyEnv() {
	c.Database.DataDir = getEnv("SUPLEMENTDB_DATA_DIR", c.Database.DataDir)
	c.Database.InMemory = getEnvBool("SUPLEMENTDB_IN_MEMORY", c.Database.InMemory)
	c.Database.SyncWrites = getEnvBool("SUPLEMENTDB_SYNC_WRITES", c.Database.SyncWrites)
	c.Database.Dimensions = getEnvInt("SUPLEMENTDB_DIMENSIONS", c.Database.Dimensions)

	c.Cache.MemoryCapacity = getEnvInt("SUPLEMENTDB_CACHE_MEMORY_CAPACITY", c.Cache.MemoryCapacity)
	c.Cache.DiskEnabled = getEnvBool("SUPLEMENTDB_CACHE_DISK_ENABLED", c.Cache.DiskEnabled)
	c.Cache.TTL = getEnvDuration("SUPLEMENTDB_CACHE_TTL", c.Cache.TTL)

	c.Embedding.Provider = getEnv("SUPLEMENTDB_EMBEDDING_PROVIDER", c.Embedding.Provider)
	c.Embedding.Model = getEnv("SUPLEMENTDB_EMBEDDING_MODEL", c.Embedding.Model)
	c.Embedding.APIURL = getEnv("SUPLEMENTDB_EMBEDDING_API_URL", c.Embedding.APIURL)
	c.Embedding.APIKey = getEnv("SUPLEMENTDB_EMBEDDING_API_KEY", c.Embedding.APIKey)
	c.Embedding.CacheCapacity = getEnvInt("SUPLEMENTDB_EMBEDDING_CACHE_CAPACITY", c.Embedding.CacheCapacity)

	c.Evidence.PubMedBaseURL = getEnv("SUPLEMENTDB_PUBMED_BASE_URL", c.Evidence.PubMedBaseURL)
	c.Evidence.PubMedAPIKey = getEnv("SUPLEMENTDB_PUBMED_API_KEY", c.Evidence.PubMedAPIKey)

	c.Discovery.Enabled = getEnvBool("SUPLEMENTDB_DISCOVERY_ENABLED", c.Discovery.Enabled)
	c.Discovery.ScanInterval = getEnvDuration("SUPLEMENTDB_DISCOVERY_SCAN_INTERVAL", c.Discovery.ScanInterval)
	c.Discovery.MaxRetries = getEnvInt("SUPLEMENTDB_DISCOVERY_MAX_RETRIES", c.Discovery.MaxRetries)
	c.Discovery.Retention = getEnvDuration("SUPLEMENTDB_DISCOVERY_RETENTION", c.Discovery.Retention)
	c.Discovery.GCInterval = getEnvDuration("SUPLEMENTDB_DISCOVERY_GC_INTERVAL", c.Discovery.GCInterval)
	c.Discovery.OccurrenceWeight = getEnvFloat("SUPLEMENTDB_DISCOVERY_OCCURRENCE_WEIGHT", c.Discovery.OccurrenceWeight)
	c.Discovery.AgeWeight = getEnvFloat("SUPLEMENTDB_DISCOVERY_AGE_WEIGHT", c.Discovery.AgeWeight)

	c.Resolver.MinSimilarity = getEnvFloat("SUPLEMENTDB_MIN_SIMILARITY", c.Resolver.MinSimilarity)
	c.Resolver.Limit = getEnvInt("SUPLEMENTDB_LIMIT", c.Resolver.Limit)
	c.Resolver.StepTimeout = getEnvDuration("SUPLEMENTDB_STEP_TIMEOUT", c.Resolver.StepTimeout)

	c.Server.Address = getEnv("SUPLEMENTDB_HTTP_ADDRESS", c.Server.Address)
	c.Server.Port = getEnvInt("SUPLEMENTDB_HTTP_PORT", c.Server.Port)
	c.Server.ReadTimeout = getEnvDuration("SUPLEMENTDB_HTTP_READ_TIMEOUT", c.Server.ReadTimeout)
	c.Server.WriteTimeout = getEnvDuration("SUPLEMENTDB_HTTP_WRITE_TIMEOUT", c.Server.WriteTimeout)

	c.Runtime.MemoryLimitStr = getEnv("SUPLEMENTDB_MEMORY_LIMIT", c.Runtime.MemoryLimitStr)
	c.Runtime.GCPercent = getEnvInt("SUPLEMENTDB_GC_PERCENT", c.Runtime.GCPercent)
}

// Validate checks the configuration for logical errors and invalid
// values. Call it after Load()/LoadFromEnv() and before use.
func (c *Config) Validate() error {
	if c.Database.Dimensions <= 0 {
		return fmt.Errorf("invalid embedding dimensions: %d", c.Database.Dimensions)
	}
	if !c.Database.InMemory && c.Database.DataDir == "" {
		return fmt.Errorf("data_dir required when not running in memory")
	}

	if c.Cache.MemoryCapacity <= 0 {
		return fmt.Errorf("invalid cache memory capacity: %d", c.Cache.MemoryCapacity)
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("invalid cache TTL: %s", c.Cache.TTL)
	}

	switch c.Embedding.Provider {
	case "ollama", "local":
	case "openai":
		if c.Embedding.APIKey == "" {
			return fmt.Errorf("embedding provider %q requires an API key", c.Embedding.Provider)
		}
	default:
		return fmt.Errorf("unknown embedding provider: %q", c.Embedding.Provider)
	}

	if c.Resolver.MinSimilarity < 0 || c.Resolver.MinSimilarity > 1 {
		return fmt.Errorf("min similarity must be in [0, 1], got %v", c.Resolver.MinSimilarity)
	}
	if c.Resolver.Limit <= 0 {
		return fmt.Errorf("invalid result limit: %d", c.Resolver.Limit)
	}

	if c.Discovery.MaxRetries < 0 {
		return fmt.Errorf("invalid max retries: %d", c.Discovery.MaxRetries)
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid http port: %d", c.Server.Port)
	}

	return nil
}

// String returns a safe string representation of the Config.
//
// Sensitive values like API keys are NOT included, making this safe for
// logging.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{DataDir: %s, Dims: %d, Embedding: %s/%s, HTTP: %s:%d, Discovery: %v}",
		c.Database.DataDir,
		c.Database.Dimensions,
		c.Embedding.Provider, c.Embedding.Model,
		c.Server.Address, c.Server.Port,
		c.Discovery.Enabled,
	)
}

// Helper functions for environment variable parsing

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		val = strings.ToLower(val)
		return val == "true" || val == "1" || val == "yes" || val == "on"
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		// Try parsing as seconds
		if secs, err := strconv.Atoi(val); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultVal
}

// parseMemorySize parses a human-readable memory size string.
// Supports: "1024", "1KB", "1MB", "1GB", "1TB", "0", "unlimited"
func parseMemorySize(s string) int64 {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" || s == "0" || s == "UNLIMITED" {
		return 0
	}

	s = strings.TrimSuffix(s, "B")

	var multiplier int64 = 1
	switch {
	case strings.HasSuffix(s, "K"):
		multiplier = 1024
		s = strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		multiplier = 1024 * 1024
		s = strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "G"):
		multiplier = 1024 * 1024 * 1024
		s = strings.TrimSuffix(s, "G")
	case strings.HasSuffix(s, "T"):
		multiplier = 1024 * 1024 * 1024 * 1024
		s = strings.TrimSuffix(s, "T")
	}

	val, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return val * multiplier
}

// FormatMemorySize formats bytes as human-readable string.
func FormatMemorySize(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
		TB = GB * 1024
	)

	switch {
	case bytes >= TB:
		return fmt.Sprintf("%.2f TB", float64(bytes)/float64(TB))
	case bytes >= GB:
		return fmt.Sprintf("%.2f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.2f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.2f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

// ApplyRuntimeMemory applies the runtime memory settings to the Go
// runtime. Should be called early in main() before heavy allocations.
func (c *RuntimeConfig) ApplyRuntimeMemory() {
	if c.MemoryLimit > 0 {
		debug.SetMemoryLimit(c.MemoryLimit)
	}
	if c.GCPercent != 100 {
		debug.SetGCPercent(c.GCPercent)
	}
}
