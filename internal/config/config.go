package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"propgen/internal/domain"
)

type Config struct {
	Server    ServerConfig        `toml:"server"`
	Storage   StorageConfig       `toml:"storage"`
	Messaging MessagingConfig     `toml:"messaging"`
	Workflow  WorkflowConfig      `toml:"workflow"`
	Collab    CollaborationConfig `toml:"collaboration"`
	Raw       map[string]any      `toml:"-"`
	Path      string              `toml:"-"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

type StorageConfig struct {
	DBPath string `toml:"db_path"`
}

type MessagingConfig struct {
	Kind       string `toml:"kind"`
	NATSURL    string `toml:"nats_url"`
	BufferSize int    `toml:"buffer_size"`
}

// WorkflowConfig flags whose default is true are pointers so an
// explicit false in the file survives defaulting.
type WorkflowConfig struct {
	ConcurrentAnalysis   *bool              `toml:"concurrent_analysis"`
	MaxWorkers           int                `toml:"max_workers"`
	ComponentTimeoutSec  int                `toml:"component_timeout_sec"`
	CacheResults         *bool              `toml:"cache_results"`
	CacheTTLSec          int                `toml:"cache_ttl_sec"`
	IncludeMockups       *bool              `toml:"include_mockups"`
	IncludeSEO           *bool              `toml:"include_seo"`
	IncludeMarket        *bool              `toml:"include_market"`
	IncludeContent       *bool              `toml:"include_content"`
	ValidationRulesPath  string             `toml:"validation_rules"`
	ValidationLevel      string             `toml:"validation_level"`
	MaxRetries           int                `toml:"max_retries"`
	RetryDelaySec        int                `toml:"retry_delay_sec"`
	SkipFailedComponents bool               `toml:"skip_failed_components"`
	UseCachedResults     *bool              `toml:"use_cached_results"`
	StageWeights         map[string]float64 `toml:"stage_weights"`
}

type CollaborationConfig struct {
	ResponseTimeoutSec   int     `toml:"response_timeout_sec"`
	ConvergenceThreshold float64 `toml:"convergence_threshold"`
	MaxRounds            int     `toml:"max_rounds"`
	MemoryRetention      int     `toml:"memory_retention"`
}

func Default() Config {
	cfg := Config{}
	return cfg.WithDefaults()
}

func (c Config) WithDefaults() Config {
	if c.Server.Addr == "" {
		c.Server.Addr = "127.0.0.1:8732"
	}
	if c.Storage.DBPath == "" {
		c.Storage.DBPath = "~/.propgen/propgen.db"
	}
	if c.Messaging.Kind == "" {
		c.Messaging.Kind = "inproc"
	}
	if c.Messaging.NATSURL == "" {
		c.Messaging.NATSURL = "nats://127.0.0.1:4222"
	}
	if c.Messaging.BufferSize <= 0 {
		c.Messaging.BufferSize = 64
	}
	c.Workflow.ConcurrentAnalysis = defaultTrue(c.Workflow.ConcurrentAnalysis)
	c.Workflow.CacheResults = defaultTrue(c.Workflow.CacheResults)
	c.Workflow.IncludeMockups = defaultTrue(c.Workflow.IncludeMockups)
	c.Workflow.IncludeSEO = defaultTrue(c.Workflow.IncludeSEO)
	c.Workflow.IncludeMarket = defaultTrue(c.Workflow.IncludeMarket)
	c.Workflow.IncludeContent = defaultTrue(c.Workflow.IncludeContent)
	c.Workflow.UseCachedResults = defaultTrue(c.Workflow.UseCachedResults)
	if c.Workflow.MaxWorkers <= 0 {
		c.Workflow.MaxWorkers = 4
	}
	if c.Workflow.ComponentTimeoutSec <= 0 {
		c.Workflow.ComponentTimeoutSec = 300
	}
	if c.Workflow.CacheTTLSec <= 0 {
		c.Workflow.CacheTTLSec = 3600
	}
	if c.Workflow.ValidationLevel == "" {
		c.Workflow.ValidationLevel = string(domain.ValidationStrict)
	}
	if c.Workflow.MaxRetries <= 0 {
		c.Workflow.MaxRetries = 3
	}
	if c.Workflow.RetryDelaySec <= 0 {
		c.Workflow.RetryDelaySec = 5
	}
	if c.Collab.ResponseTimeoutSec <= 0 {
		c.Collab.ResponseTimeoutSec = 300
	}
	if c.Collab.ConvergenceThreshold <= 0 {
		c.Collab.ConvergenceThreshold = 0.8
	}
	if c.Collab.MaxRounds <= 0 {
		c.Collab.MaxRounds = 3
	}
	if c.Collab.MemoryRetention <= 0 {
		c.Collab.MemoryRetention = 200
	}
	return c
}

// StageWeights returns the configured overrides or the default table
// when none are set. Overrides must cover every stage and sum to 1.0.
func (c Config) StageWeights() (map[domain.Stage]float64, error) {
	if len(c.Workflow.StageWeights) == 0 {
		return domain.DefaultStageWeights(), nil
	}
	weights := make(map[domain.Stage]float64, len(c.Workflow.StageWeights))
	sum := 0.0
	for name, w := range c.Workflow.StageWeights {
		stage := domain.Stage(name)
		if !domain.ValidStage(stage) {
			return nil, fmt.Errorf("unknown stage %q in stage_weights", name)
		}
		if w <= 0 {
			return nil, fmt.Errorf("stage %q weight %f must be positive", name, w)
		}
		weights[stage] = w
		sum += w
	}
	if len(weights) != len(domain.Stages()) {
		return nil, fmt.Errorf("stage_weights must cover all %d stages, got %d", len(domain.Stages()), len(weights))
	}
	if math.Abs(sum-1.0) > 1e-6 {
		return nil, fmt.Errorf("stage_weights sum to %f, want 1.0", sum)
	}
	return weights, nil
}

// Resumption builds the resumption strategy from the workflow section.
func (c Config) Resumption() domain.ResumptionStrategy {
	strategy := domain.ResumptionStrategy{
		MaxRetries:           c.Workflow.MaxRetries,
		RetryDelay:           time.Duration(c.Workflow.RetryDelaySec) * time.Second,
		SkipFailedComponents: c.Workflow.SkipFailedComponents,
		UseCachedResults:     boolValue(c.Workflow.UseCachedResults, true),
		ValidationLevel:      domain.ValidationLevel(c.Workflow.ValidationLevel),
	}
	return strategy.WithDefaults()
}

func (c Config) ConcurrentAnalysis() bool { return boolValue(c.Workflow.ConcurrentAnalysis, true) }
func (c Config) CacheResults() bool       { return boolValue(c.Workflow.CacheResults, true) }
func (c Config) IncludeMockups() bool     { return boolValue(c.Workflow.IncludeMockups, true) }
func (c Config) IncludeSEO() bool         { return boolValue(c.Workflow.IncludeSEO, true) }
func (c Config) IncludeMarket() bool      { return boolValue(c.Workflow.IncludeMarket, true) }
func (c Config) IncludeContent() bool     { return boolValue(c.Workflow.IncludeContent, true) }

func (c Config) ComponentTimeout() time.Duration {
	return time.Duration(c.Workflow.ComponentTimeoutSec) * time.Second
}

func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.Workflow.CacheTTLSec) * time.Second
}

func Load(path string) (Config, error) {
	resolved := path
	if resolved == "" {
		resolved = defaultConfigPath()
	}
	resolved, err := ExpandPath(resolved)
	if err != nil {
		return Config{}, err
	}

	bytes, err := os.ReadFile(resolved)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %s: %w", resolved, err)
	}

	var cfg Config
	if _, err := toml.Decode(string(bytes), &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config file: %w", err)
	}
	var raw map[string]any
	if _, err := toml.Decode(string(bytes), &raw); err != nil {
		return Config{}, fmt.Errorf("decode raw config: %w", err)
	}
	cfg = cfg.WithDefaults()
	cfg.Raw = raw
	cfg.Path = resolved
	return cfg, nil
}

// ExpandPath resolves a leading ~ against the user home directory.
func ExpandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		trimmed := strings.TrimPrefix(path, "~")
		trimmed = strings.TrimPrefix(trimmed, "\\")
		trimmed = strings.TrimPrefix(trimmed, "/")
		path = filepath.Join(home, trimmed)
	}
	return filepath.Clean(path), nil
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".propgen/config.toml"
	}
	return filepath.Join(home, ".propgen", "config.toml")
}

func defaultTrue(v *bool) *bool {
	if v == nil {
		t := true
		return &t
	}
	return v
}

func boolValue(v *bool, fallback bool) bool {
	if v == nil {
		return fallback
	}
	return *v
}
