package main

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the kiln configuration file (~/.config/kiln/config.yaml).
// Sampling fields are pointers so "not set" is distinguishable from zero.
type Config struct {
	ModelPath string `yaml:"model_path"`
	Backend   string `yaml:"backend"`

	// Sampling defaults
	Temperature *float64 `yaml:"temperature"`
	TopP        *float64 `yaml:"top_p"`
	MaxTokens   *int64   `yaml:"max_tokens"`
	Seed        *int64   `yaml:"seed"`
	MaxContext  *int64   `yaml:"max_context"`

	Stop []string `yaml:"stop"`

	// Output
	StreamMode string `yaml:"stream_mode"`
	LogLevel   string `yaml:"log_level"`
	LogFormat  string `yaml:"log_format"`

	// Server
	ServerAddress string   `yaml:"server_address"`
	RateLimit     *float64 `yaml:"rate_limit"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "kiln", "config.yaml")
}

// applyRunConfig applies config file defaults to run command variables
// when the corresponding CLI flag was not explicitly set.
func applyRunConfig(c *cli.Command, cfg Config,
	temp *float64, topP *float64, maxTokens *int64, seed *int64,
	stop *[]string, streamMode *string,
) {
	if cfg.ModelPath != "" && !c.IsSet("model") {
		modelPath = cfg.ModelPath
	}
	if cfg.Backend != "" && !c.IsSet("backend") {
		backend = cfg.Backend
	}
	if cfg.MaxContext != nil && !c.IsSet("max-context") {
		maxContext = *cfg.MaxContext
	}
	if cfg.Temperature != nil && !c.IsSet("temp") && !c.IsSet("temperature") && !c.IsSet("t") {
		*temp = *cfg.Temperature
	}
	if cfg.TopP != nil && !c.IsSet("top-p") && !c.IsSet("top_p") && !c.IsSet("topp") {
		*topP = *cfg.TopP
	}
	if cfg.MaxTokens != nil && !c.IsSet("max-tokens") {
		*maxTokens = *cfg.MaxTokens
	}
	if cfg.Seed != nil && !c.IsSet("seed") {
		*seed = *cfg.Seed
	}
	if len(cfg.Stop) > 0 && !c.IsSet("stop") {
		*stop = cfg.Stop
	}
	if cfg.StreamMode != "" && !c.IsSet("stream-mode") {
		*streamMode = cfg.StreamMode
	}
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// applyServeConfig applies config file defaults to serve command variables.
func applyServeConfig(c *cli.Command, cfg Config, addr *string, rateLimit *float64) {
	if cfg.ModelPath != "" && !c.IsSet("model") {
		modelPath = cfg.ModelPath
	}
	if cfg.Backend != "" && !c.IsSet("backend") {
		backend = cfg.Backend
	}
	if cfg.MaxContext != nil && !c.IsSet("max-context") {
		maxContext = *cfg.MaxContext
	}
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
	if cfg.RateLimit != nil && !c.IsSet("rate-limit") {
		*rateLimit = *cfg.RateLimit
	}
}

// LoadConfig reads the config file. Returns a zero Config if the file
// doesn't exist or fails to parse.
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
