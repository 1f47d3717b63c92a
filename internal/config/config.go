// Package config loads docgen configuration from JSON, YAML or TOML files,
// fills unset values from built-in defaults and applies environment overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	. "github.com/roelfdiedericks/docgen/internal/logging"
	"github.com/roelfdiedericks/docgen/internal/paths"
)

// Environment variables read by Load.
const (
	EnvAPIKeys  = "DOCGEN_API_KEYS" // comma-separated backup credentials
	EnvProvider = "DOCGEN_PROVIDER"
	EnvModel    = "DOCGEN_MODEL"
	EnvBaseURL  = "DOCGEN_BASE_URL"
)

// Config represents the merged docgen configuration
type Config struct {
	Provider    ProviderConfig    `json:"provider" yaml:"provider" toml:"provider"`
	Models      []string          `json:"models" yaml:"models" toml:"models"`
	Preferred   string            `json:"preferredModel" yaml:"preferredModel" toml:"preferredModel"`
	Generation  GenerationConfig  `json:"generation" yaml:"generation" toml:"generation"`
	Credentials CredentialsConfig `json:"credentials" yaml:"credentials" toml:"credentials"`
	Storage     StorageConfig     `json:"storage" yaml:"storage" toml:"storage"`
	Failover    FailoverConfig    `json:"failover" yaml:"failover" toml:"failover"`
	Truncation  TruncationConfig  `json:"truncation" yaml:"truncation" toml:"truncation"`
	Pipeline    PipelineConfig    `json:"pipeline" yaml:"pipeline" toml:"pipeline"`
	Logging     LoggingConfig     `json:"logging" yaml:"logging" toml:"logging"`
	Metrics     MetricsConfig     `json:"metrics" yaml:"metrics" toml:"metrics"`
}

type ProviderConfig struct {
	Driver  string `json:"driver" yaml:"driver" toml:"driver"` // "gemini", "openai", "anthropic"
	BaseURL string `json:"baseURL,omitempty" yaml:"baseURL,omitempty" toml:"baseURL,omitempty"`
}

type GenerationConfig struct {
	SystemInstruction string  `json:"systemInstruction,omitempty" yaml:"systemInstruction,omitempty" toml:"systemInstruction,omitempty"`
	Temperature       float64 `json:"temperature" yaml:"temperature" toml:"temperature"`
	TopK              int     `json:"topK" yaml:"topK" toml:"topK"`
	TopP              float64 `json:"topP" yaml:"topP" toml:"topP"`
	MaxOutputTokens   int     `json:"maxOutputTokens" yaml:"maxOutputTokens" toml:"maxOutputTokens"`
	ThinkingBudget    int     `json:"thinkingBudget" yaml:"thinkingBudget" toml:"thinkingBudget"`
	UseSearch         *bool   `json:"useSearch,omitempty" yaml:"useSearch,omitempty" toml:"useSearch,omitempty"`
}

type CredentialsConfig struct {
	Preload               []string `json:"preload,omitempty" yaml:"preload,omitempty" toml:"preload,omitempty"`
	MaxCredentials        int      `json:"maxCredentials" yaml:"maxCredentials" toml:"maxCredentials"`
	Cooldown              Duration `json:"cooldown" yaml:"cooldown" toml:"cooldown"`
	UnknownErrorThreshold int      `json:"unknownErrorThreshold" yaml:"unknownErrorThreshold" toml:"unknownErrorThreshold"`
}

type StorageConfig struct {
	Backend       string `json:"backend" yaml:"backend" toml:"backend"` // "file", "sqlite", "redis", "memory"
	Path          string `json:"path,omitempty" yaml:"path,omitempty" toml:"path,omitempty"`
	RedisAddr     string `json:"redisAddr,omitempty" yaml:"redisAddr,omitempty" toml:"redisAddr,omitempty"`
	RedisPassword string `json:"redisPassword,omitempty" yaml:"redisPassword,omitempty" toml:"redisPassword,omitempty"`
	RedisDB       int    `json:"redisDB,omitempty" yaml:"redisDB,omitempty" toml:"redisDB,omitempty"`
	Prefix        string `json:"prefix,omitempty" yaml:"prefix,omitempty" toml:"prefix,omitempty"`
}

type FailoverConfig struct {
	AttemptTimeout Duration `json:"attemptTimeout" yaml:"attemptTimeout" toml:"attemptTimeout"`
}

type TruncationConfig struct {
	Enabled            *bool  `json:"enabled,omitempty" yaml:"enabled,omitempty" toml:"enabled,omitempty"`
	MinOpenLineLength  int    `json:"minOpenLineLength" yaml:"minOpenLineLength" toml:"minOpenLineLength"`
	ContinuationPrompt string `json:"continuationPrompt" yaml:"continuationPrompt" toml:"continuationPrompt"`
}

type PipelineConfig struct {
	Steps             []PipelineStep `json:"steps" yaml:"steps" toml:"steps"`
	Separator         string         `json:"separator" yaml:"separator" toml:"separator"`
	MaxReferenceChars int            `json:"maxReferenceChars" yaml:"maxReferenceChars" toml:"maxReferenceChars"`
	AppendOutline     *bool          `json:"appendOutline,omitempty" yaml:"appendOutline,omitempty" toml:"appendOutline,omitempty"`
}

type PipelineStep struct {
	Name   string `json:"name" yaml:"name" toml:"name"`
	Prompt string `json:"prompt" yaml:"prompt" toml:"prompt"`
}

type LoggingConfig struct {
	Level      string `json:"level" yaml:"level" toml:"level"`
	ShowCaller bool   `json:"showCaller,omitempty" yaml:"showCaller,omitempty" toml:"showCaller,omitempty"`
}

type MetricsConfig struct {
	TextfilePath string `json:"textfilePath,omitempty" yaml:"textfilePath,omitempty" toml:"textfilePath,omitempty"`
}

// Duration is a time.Duration that reads and writes as "5m", "90s", etc.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	*d = Duration(v)
	return nil
}

// Bool returns a pointer to b, for the optional flags above.
func Bool(b bool) *bool { return &b }

// Enabled reports whether an optional flag is set, using def when it is nil.
func Enabled(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Provider: ProviderConfig{Driver: "gemini"},
		Models: []string{
			"gemini-3-flash-preview",
			"gemini-3-pro-preview",
			"gemini-2.5-flash",
		},
		Generation: GenerationConfig{
			SystemInstruction: DefaultSystemInstruction,
			Temperature:       0.7,
			TopK:              64,
			TopP:              0.95,
			MaxOutputTokens:   65536,
			ThinkingBudget:    2048,
			UseSearch:         Bool(true),
		},
		Credentials: CredentialsConfig{
			MaxCredentials:        16,
			Cooldown:              Duration(5 * time.Minute),
			UnknownErrorThreshold: 3,
		},
		Storage: StorageConfig{
			Backend: "file",
			Prefix:  "docgen:",
		},
		Failover: FailoverConfig{
			AttemptTimeout: Duration(5 * time.Minute),
		},
		Truncation: TruncationConfig{
			Enabled:            Bool(true),
			MinOpenLineLength:  20,
			ContinuationPrompt: DefaultContinuationPrompt,
		},
		Pipeline: PipelineConfig{
			Steps:             DefaultPipelineSteps(),
			Separator:         "\n\n---\n\n",
			MaxReferenceChars: 80000,
			AppendOutline:     Bool(false),
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads the config file at path, or the first one found by
// paths.ConfigPath when path is empty. A missing config is not an error.
// Returns the config and the path it was read from ("" for defaults only).
func Load(path string) (*Config, string, error) {
	if path == "" {
		found, err := paths.ConfigPath()
		if err != nil {
			return nil, "", err
		}
		path = found
	} else {
		expanded, err := paths.ExpandTilde(path)
		if err != nil {
			return nil, "", err
		}
		path = expanded
	}

	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, "", fmt.Errorf("read config: %w", err)
		}
		if err := Decode(path, data, cfg); err != nil {
			return nil, "", err
		}
		L_debug("config: loaded", "path", path)
	}

	// WithoutDereference keeps an explicit *bool false from the file.
	if err := mergo.Merge(cfg, *Defaults(), mergo.WithoutDereference); err != nil {
		return nil, "", fmt.Errorf("merge defaults: %w", err)
	}

	cfg.applyEnv()

	if cfg.Storage.Path == "" && (cfg.Storage.Backend == "file" || cfg.Storage.Backend == "sqlite") {
		name := "store.json"
		if cfg.Storage.Backend == "sqlite" {
			name = "store.db"
		}
		p, err := paths.DataPath(name)
		if err != nil {
			return nil, "", err
		}
		cfg.Storage.Path = p
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

// Decode parses data according to the file extension of path.
func Decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse yaml config %s: %w", path, err)
		}
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return fmt.Errorf("parse toml config %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse json config %s: %w", path, err)
		}
	}
	return nil
}

// Encode serializes cfg in the format implied by the extension of path.
func Encode(path string, cfg *Config) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Marshal(cfg)
	case ".toml":
		var sb strings.Builder
		if err := toml.NewEncoder(&sb).Encode(cfg); err != nil {
			return nil, err
		}
		return []byte(sb.String()), nil
	default:
		return json.MarshalIndent(cfg, "", "  ")
	}
}

// Save writes cfg to path, keeping backups of the previous version.
func Save(path string, cfg *Config) error {
	data, err := Encode(path, cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return WriteWithBackup(path, data, DefaultBackupCount)
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvAPIKeys); v != "" {
		for _, tok := range strings.Split(v, ",") {
			if tok = strings.TrimSpace(tok); tok != "" {
				c.Credentials.Preload = append(c.Credentials.Preload, tok)
			}
		}
	}
	if v := os.Getenv(EnvProvider); v != "" {
		c.Provider.Driver = v
	}
	if v := os.Getenv(EnvModel); v != "" {
		c.Preferred = v
	}
	if v := os.Getenv(EnvBaseURL); v != "" {
		c.Provider.BaseURL = v
	}
}

// Validate checks values that defaults cannot repair.
func (c *Config) Validate() error {
	switch c.Provider.Driver {
	case "gemini", "openai", "anthropic":
	default:
		return fmt.Errorf("unknown provider driver %q", c.Provider.Driver)
	}
	switch c.Storage.Backend {
	case "file", "sqlite", "redis", "memory":
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.Storage.Backend == "redis" && c.Storage.RedisAddr == "" {
		return fmt.Errorf("storage backend redis requires redisAddr")
	}
	if len(c.Models) == 0 {
		return fmt.Errorf("at least one model must be configured")
	}
	for i, s := range c.Pipeline.Steps {
		if strings.TrimSpace(s.Prompt) == "" {
			return fmt.Errorf("pipeline step %d (%s) has an empty prompt", i+1, s.Name)
		}
	}
	return nil
}

// PreferredModel returns the configured preferred model, or the first model.
func (c *Config) PreferredModel() string {
	if c.Preferred != "" {
		return c.Preferred
	}
	return c.Models[0]
}
