// Package config loads the kernel's repository-level tuning (YAML, layered
// user → project → env) and the global UserData/settings.json shape spec.md
// §6 describes, mirroring the teacher's internal/config layering approach.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the per-repository tuning surface: chunking, fusion weight,
// performance knobs, and server transport. It mirrors spec.md §5/§6.
type Config struct {
	Version     int               `yaml:"version" json:"version"`
	Paths       PathsConfig       `yaml:"paths" json:"paths"`
	Search      SearchConfig      `yaml:"search" json:"search"`
	Chunking    ChunkingConfig    `yaml:"chunking" json:"chunking"`
	Performance PerformanceConfig `yaml:"performance" json:"performance"`
	Server      ServerConfig      `yaml:"server" json:"server"`
}

// PathsConfig configures which paths the repository indexer includes.
type PathsConfig struct {
	Include []string `yaml:"include" json:"include"`
	Exclude []string `yaml:"exclude" json:"exclude"`
}

// SearchConfig configures hybrid fusion, matching spec §4.6's
// fused_score = alpha*(1-vector_distance) + (1-alpha)*lexical_similarity.
//
// Overridable via, in increasing precedence:
//  1. user config (~/.config/pocketrag-kernel/config.yaml)
//  2. project config (.pocketrag.yaml in the repository root)
//  3. env vars (POCKETRAG_FUSION_ALPHA, ...)
type SearchConfig struct {
	// FusionAlpha is the vector-score weight in fused_score (spec §4.6, default 0.6).
	FusionAlpha float64 `yaml:"fusion_alpha" json:"fusion_alpha"`
	// VectorOverfetch multiplies the requested limit for the vector-search leg
	// (spec §4.6 step 2: "vector-search with a moderate limit, e.g. 3xlimit").
	VectorOverfetch int `yaml:"vector_overfetch" json:"vector_overfetch"`
	MaxResults      int `yaml:"max_results" json:"max_results"`
}

// ChunkingConfig configures the Markdown chunker (spec §4.4).
type ChunkingConfig struct {
	MaxLength int `yaml:"max_length" json:"max_length"`
}

// PerformanceConfig configures performance-tuning knobs.
type PerformanceConfig struct {
	IndexWorkers  int    `yaml:"index_workers" json:"index_workers"`
	SQLiteCacheMB int    `yaml:"sqlite_cache_mb" json:"sqlite_cache_mb"`
	SweepInterval string `yaml:"sweep_interval" json:"sweep_interval"`
}

// ServerConfig configures the stdio server frontend (spec §6).
type ServerConfig struct {
	LogLevel string `yaml:"log_level" json:"log_level"`
}

var defaultExcludePatterns = []string{
	"**/.git/**",
	"**/node_modules/**",
	"**/.PocketRAG/**",
}

// NewConfig returns sensible defaults.
func NewConfig() *Config {
	return &Config{
		Version: 1,
		Paths: PathsConfig{
			Include: []string{},
			Exclude: defaultExcludePatterns,
		},
		Search: SearchConfig{
			FusionAlpha:     0.6,
			VectorOverfetch: 3,
			MaxResults:      20,
		},
		Chunking: ChunkingConfig{
			MaxLength: 1500,
		},
		Performance: PerformanceConfig{
			IndexWorkers:  runtime.NumCPU(),
			SQLiteCacheMB: 64,
			SweepInterval: "1s",
		},
		Server: ServerConfig{
			LogLevel: "info",
		},
	}
}

// GetUserConfigPath returns the path to the user/global configuration file,
// honoring XDG_CONFIG_HOME.
func GetUserConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "pocketrag-kernel", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".config", "pocketrag-kernel", "config.yaml")
	}
	return filepath.Join(home, ".config", "pocketrag-kernel", "config.yaml")
}

func loadUserConfig() (*Config, error) {
	path := GetUserConfigPath()
	if !fileExists(path) {
		return nil, nil
	}
	cfg := NewConfig()
	if err := cfg.loadYAML(path); err != nil {
		return nil, fmt.Errorf("failed to load user config from %s: %w", path, err)
	}
	return cfg, nil
}

// Load applies configuration in order of increasing precedence: hardcoded
// defaults, user config, project config (.pocketrag.yaml), env vars.
func Load(dir string) (*Config, error) {
	cfg := NewConfig()

	if userCfg, err := loadUserConfig(); err != nil {
		return nil, fmt.Errorf("failed to load user config: %w", err)
	} else if userCfg != nil {
		cfg.mergeWith(userCfg)
	}

	if err := cfg.loadFromFile(dir); err != nil {
		return nil, err
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) loadFromFile(dir string) error {
	for _, name := range []string{".pocketrag.yaml", ".pocketrag.yml"} {
		path := filepath.Join(dir, name)
		if fileExists(path) {
			return c.loadYAML(path)
		}
	}
	return nil
}

func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var parsed Config
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	c.mergeWith(&parsed)
	return nil
}

func (c *Config) mergeWith(other *Config) {
	if other.Version != 0 {
		c.Version = other.Version
	}
	if len(other.Paths.Include) > 0 {
		c.Paths.Include = other.Paths.Include
	}
	if len(other.Paths.Exclude) > 0 {
		c.Paths.Exclude = append(c.Paths.Exclude, other.Paths.Exclude...)
	}
	if other.Search.FusionAlpha != 0 {
		c.Search.FusionAlpha = other.Search.FusionAlpha
	}
	if other.Search.VectorOverfetch != 0 {
		c.Search.VectorOverfetch = other.Search.VectorOverfetch
	}
	if other.Search.MaxResults != 0 {
		c.Search.MaxResults = other.Search.MaxResults
	}
	if other.Chunking.MaxLength != 0 {
		c.Chunking.MaxLength = other.Chunking.MaxLength
	}
	if other.Performance.IndexWorkers != 0 {
		c.Performance.IndexWorkers = other.Performance.IndexWorkers
	}
	if other.Performance.SQLiteCacheMB != 0 {
		c.Performance.SQLiteCacheMB = other.Performance.SQLiteCacheMB
	}
	if other.Performance.SweepInterval != "" {
		c.Performance.SweepInterval = other.Performance.SweepInterval
	}
	if other.Server.LogLevel != "" {
		c.Server.LogLevel = other.Server.LogLevel
	}
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("POCKETRAG_FUSION_ALPHA"); v != "" {
		if a, err := parseFloat64(v); err == nil && a >= 0 && a <= 1 {
			c.Search.FusionAlpha = a
		}
	}
	if v := os.Getenv("POCKETRAG_MAX_RESULTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Search.MaxResults = n
		}
	}
	if v := os.Getenv("POCKETRAG_LOG_LEVEL"); v != "" {
		c.Server.LogLevel = v
	}
	if v := os.Getenv("POCKETRAG_CHUNK_MAX_LENGTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Chunking.MaxLength = n
		}
	}
}

func parseFloat64(s string) (float64, error) {
	var f float64
	_, err := fmt.Sscanf(strings.TrimSpace(s), "%f", &f)
	return f, err
}

// Validate checks the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Search.FusionAlpha < 0 || c.Search.FusionAlpha > 1 {
		return fmt.Errorf("search.fusion_alpha must be between 0 and 1, got %f", c.Search.FusionAlpha)
	}
	if c.Search.MaxResults < 0 {
		return fmt.Errorf("search.max_results must be non-negative, got %d", c.Search.MaxResults)
	}
	if c.Chunking.MaxLength <= 0 {
		return fmt.Errorf("chunking.max_length must be positive, got %d", c.Chunking.MaxLength)
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Server.LogLevel)] {
		return fmt.Errorf("server.log_level must be debug, info, warn, or error, got %s", c.Server.LogLevel)
	}
	return nil
}

// WriteYAML persists the configuration.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.IsDir()
}

// FindProjectRoot locates the repository root by walking up from startDir
// looking for a .git directory or a .pocketrag.yaml/.yml project config.
// Falls back to startDir itself if neither is found.
func FindProjectRoot(startDir string) (string, error) {
	absDir, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute path: %w", err)
	}

	currentDir := absDir
	for {
		if dirExists(filepath.Join(currentDir, ".git")) {
			return currentDir, nil
		}
		if fileExists(filepath.Join(currentDir, ".pocketrag.yaml")) ||
			fileExists(filepath.Join(currentDir, ".pocketrag.yml")) {
			return currentDir, nil
		}

		parentDir := filepath.Dir(currentDir)
		if parentDir == currentDir {
			return absDir, nil
		}
		currentDir = parentDir
	}
}
