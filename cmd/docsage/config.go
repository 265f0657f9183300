package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is read once at startup. Secrets are never re-read per request.
type Config struct {
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	Ingest    IngestConfig    `mapstructure:"ingest" yaml:"ingest"`
	Query     QueryConfig     `mapstructure:"query" yaml:"query"`
	Embed     EmbedConfig     `mapstructure:"embed" yaml:"embed"`
	Providers ProvidersConfig `mapstructure:"providers" yaml:"providers"`
	Qdrant    QdrantConfig    `mapstructure:"qdrant" yaml:"qdrant"`
	NATS      NATSConfig      `mapstructure:"nats" yaml:"nats"`
	Neo4j     Neo4jConfig     `mapstructure:"neo4j" yaml:"neo4j"`
}

type ServerConfig struct {
	Port        int      `mapstructure:"port" yaml:"port"`
	CORSOrigins []string `mapstructure:"cors_origins" yaml:"cors_origins"`
	UploadsDir  string   `mapstructure:"uploads_dir" yaml:"uploads_dir"`
	MaxUploadMB int64    `mapstructure:"max_upload_mb" yaml:"max_upload_mb"`
	// ProcessRate is /process and /upload requests per second; 0 disables admission control.
	ProcessRate  float64       `mapstructure:"process_rate" yaml:"process_rate"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"` // json or text; empty picks per command
}

type IngestConfig struct {
	ChunkSize      int    `mapstructure:"chunk_size" yaml:"chunk_size"`
	ChunkOverlap   int    `mapstructure:"chunk_overlap" yaml:"chunk_overlap"`
	EmbeddingModel string `mapstructure:"embedding_model" yaml:"embedding_model"`
	Strategy       string `mapstructure:"strategy" yaml:"strategy"`
	Backend        string `mapstructure:"backend" yaml:"backend"`
	Workers        int    `mapstructure:"workers" yaml:"workers"`
	BatchSize      int    `mapstructure:"batch_size" yaml:"batch_size"`
}

type QueryConfig struct {
	Model               string  `mapstructure:"model" yaml:"model"`
	TopK                int     `mapstructure:"top_k" yaml:"top_k"`
	MaxContextTokens    int     `mapstructure:"max_context_tokens" yaml:"max_context_tokens"`
	SimilarityThreshold float64 `mapstructure:"similarity_threshold" yaml:"similarity_threshold"`
}

type EmbedConfig struct {
	OllamaURL     string  `mapstructure:"ollama_url" yaml:"ollama_url"`
	OpenAIBaseURL string  `mapstructure:"openai_base_url" yaml:"openai_base_url"`
	OpenAIKey     string  `mapstructure:"openai_api_key" yaml:"openai_api_key"`
	CachePath     string  `mapstructure:"cache_path" yaml:"cache_path"`
	RateLimit     float64 `mapstructure:"rate_limit" yaml:"rate_limit"`
	Burst         int     `mapstructure:"burst" yaml:"burst"`
	RetryAttempts int     `mapstructure:"retry_attempts" yaml:"retry_attempts"`
}

type ProvidersConfig struct {
	GroqAPIKey        string        `mapstructure:"groq_api_key" yaml:"groq_api_key"`
	HFToken           string        `mapstructure:"hf_token" yaml:"hf_token"`
	OpenRouterAPIKey  string        `mapstructure:"openrouter_api_key" yaml:"openrouter_api_key"`
	GoogleAPIKey      string        `mapstructure:"google_api_key" yaml:"google_api_key"`
	GroqBaseURL       string        `mapstructure:"groq_base_url" yaml:"groq_base_url"`
	HFBaseURL         string        `mapstructure:"hf_base_url" yaml:"hf_base_url"`
	OpenRouterBaseURL string        `mapstructure:"openrouter_base_url" yaml:"openrouter_base_url"`
	GeminiBaseURL     string        `mapstructure:"gemini_base_url" yaml:"gemini_base_url"`
	RetryAttempts     int           `mapstructure:"retry_attempts" yaml:"retry_attempts"`
	Timeout           time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

type QdrantConfig struct {
	Addr   string `mapstructure:"addr" yaml:"addr"`
	Prefix string `mapstructure:"prefix" yaml:"prefix"`
}

type NATSConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
	// Consume makes serve answer ingest requests arriving over NATS.
	Consume bool `mapstructure:"consume" yaml:"consume"`
}

type Neo4jConfig struct {
	URL      string `mapstructure:"url" yaml:"url"`
	User     string `mapstructure:"user" yaml:"user"`
	Password string `mapstructure:"password" yaml:"password"`
	Database string `mapstructure:"database" yaml:"database"`
}

var defaults = map[string]any{
	"server.port":          8000,
	"server.cors_origins":  []string{"http://localhost:5173"},
	"server.uploads_dir":   "uploads",
	"server.max_upload_mb": 64,
	"server.process_rate":  2.0,
	"server.write_timeout": 5 * time.Minute,

	"log.level":  "info",
	"log.format": "",

	"ingest.chunk_size":      1000,
	"ingest.chunk_overlap":   200,
	"ingest.embedding_model": "BAAI/bge-small-en",
	"ingest.strategy":        "all-or-nothing",
	"ingest.backend":         "exact",
	"ingest.workers":         4,
	"ingest.batch_size":      64,

	"query.model":                "llama-3.1-8b-instant",
	"query.top_k":                4,
	"query.max_context_tokens":   3000,
	"query.similarity_threshold": 0.0,

	"embed.ollama_url":      "",
	"embed.openai_base_url": "",
	"embed.openai_api_key":  "",
	"embed.cache_path":      "",
	"embed.rate_limit":      0.0,
	"embed.burst":           1,
	"embed.retry_attempts":  3,

	"providers.groq_api_key":        "",
	"providers.hf_token":            "",
	"providers.openrouter_api_key":  "",
	"providers.google_api_key":      "",
	"providers.groq_base_url":       "",
	"providers.hf_base_url":         "",
	"providers.openrouter_base_url": "",
	"providers.gemini_base_url":     "",
	"providers.retry_attempts":      3,
	"providers.timeout":             120 * time.Second,

	"qdrant.addr":   "",
	"qdrant.prefix": "docsage",

	"nats.url":     "",
	"nats.consume": false,

	"neo4j.url":      "",
	"neo4j.user":     "neo4j",
	"neo4j.password": "",
	"neo4j.database": "",
}

// secretEnv maps config keys to the conventional provider env names, which
// are honoured alongside the DOCSAGE_ prefixed forms.
var secretEnv = map[string]string{
	"providers.groq_api_key":       "GROQ_API_KEY",
	"providers.hf_token":           "HF_TOKEN",
	"providers.openrouter_api_key": "OPENROUTER_API_KEY",
	"providers.google_api_key":     "GOOGLE_API_KEY",
	"embed.openai_api_key":         "OPENAI_API_KEY",
	"neo4j.password":               "NEO4J_PASSWORD",
}

const envPrefix = "DOCSAGE"

// newViper returns a viper instance with defaults and env bindings.
func newViper() *viper.Viper {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range secretEnv {
		_ = v.BindEnv(key, envPrefix+"_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env)
	}
	return v
}

// loadDotEnv loads path into the process environment. A missing file is fine.
func loadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("config: load %s: %w", path, err)
	}
	return nil
}

// loadConfig reads file (optional, YAML) on top of defaults and env.
func loadConfig(v *viper.Viper, file string) (Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", file, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return Config{}, fmt.Errorf("config: server.port %d out of range", cfg.Server.Port)
	}
	return cfg, nil
}

const redactedValue = "<redacted>"

// Redacted returns a copy with secrets masked, for display.
func (c Config) Redacted() Config {
	mask := func(s *string) {
		if *s != "" {
			*s = redactedValue
		}
	}
	mask(&c.Providers.GroqAPIKey)
	mask(&c.Providers.HFToken)
	mask(&c.Providers.OpenRouterAPIKey)
	mask(&c.Providers.GoogleAPIKey)
	mask(&c.Embed.OpenAIKey)
	mask(&c.Neo4j.Password)
	c.Server.CORSOrigins = append([]string(nil), c.Server.CORSOrigins...)
	return c
}

// newLogger builds the process logger. format "" falls back to def.
func newLogger(w io.Writer, cfg LogConfig, def string) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	format := cfg.Format
	if format == "" {
		format = def
	}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func stderrLogger(cfg LogConfig) *slog.Logger { return newLogger(os.Stderr, cfg, "text") }
