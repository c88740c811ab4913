package main

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the spindle configuration file (~/.config/spindle/config.yaml).
// All fields are pointers so we can distinguish "not set" from zero values.
type Config struct {
	ModelConfig string `yaml:"model_config"`

	// Model
	CacheLength *int64 `yaml:"cache_length"`
	PromptWidth *int64 `yaml:"prompt_width"`
	CacheKind   string `yaml:"cache_kind"`

	// Sampling defaults
	Temperature *float64 `yaml:"temperature"`
	TopK        *int64   `yaml:"top_k"`
	TopP        *float64 `yaml:"top_p"`
	Steps       *int64   `yaml:"steps"`
	Seed        *int64   `yaml:"seed"`

	// Speculative and Medusa
	DraftLength *int64 `yaml:"draft_length"`
	TreeWidth   *int64 `yaml:"tree_width"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Server
	ServerAddress string `yaml:"server_address"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "spindle", "config.yaml")
}

func applyLogConfig(c *cli.Command, cfg Config) {
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

func applyModelConfig(c *cli.Command, cfg Config) {
	if cfg.ModelConfig != "" && !c.IsSet("model-config") {
		modelConfigPath = cfg.ModelConfig
	}
	if cfg.CacheLength != nil && !c.IsSet("cache-length") {
		cacheLength = *cfg.CacheLength
	}
	if cfg.PromptWidth != nil && !c.IsSet("prompt-width") {
		promptWidth = *cfg.PromptWidth
	}
	if cfg.CacheKind != "" && !c.IsSet("cache-kind") {
		cacheKind = cfg.CacheKind
	}
}

// applyRunConfig applies config file defaults to generation command
// variables when the corresponding CLI flag was not explicitly set.
func applyRunConfig(c *cli.Command, cfg Config, s *samplingOptions) {
	applyModelConfig(c, cfg)
	if cfg.Temperature != nil && !c.IsSet("temp") {
		s.temp = *cfg.Temperature
	}
	if cfg.TopK != nil && !c.IsSet("top-k") {
		s.topK = *cfg.TopK
	}
	if cfg.TopP != nil && !c.IsSet("top-p") {
		s.topP = *cfg.TopP
	}
	if cfg.Steps != nil && !c.IsSet("steps") {
		s.steps = *cfg.Steps
	}
	if cfg.Seed != nil && !c.IsSet("seed") {
		s.seed = *cfg.Seed
	}
	if cfg.DraftLength != nil && !c.IsSet("draft-length") {
		s.draftLength = *cfg.DraftLength
	}
	if cfg.TreeWidth != nil && !c.IsSet("tree-width") {
		s.treeWidth = *cfg.TreeWidth
	}
}

// applyServeConfig applies config file defaults to serve command variables.
func applyServeConfig(c *cli.Command, cfg Config, s *samplingOptions, addr *string) {
	applyRunConfig(c, cfg, s)
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
}

// LoadConfig reads the config file. Returns a zero Config if the file doesn't exist.
func LoadConfig() Config {
	path := configPath()
	if path == "" {
		return Config{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}
	}
	return cfg
}
