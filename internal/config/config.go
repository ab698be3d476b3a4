// Package config loads the settings the CLI and its backends need:
// store connection parameters, the target project, worker count, and
// log level. Layered the way the rest of the stack layers config: a
// defaults object, overridden by a YAML file, overridden by environment
// variables, overridden last by explicit CLI flags.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all settings for a deduplication run.
type Config struct {
	ProjectName string      `yaml:"project_name" mapstructure:"project_name"`
	Processes   int         `yaml:"processes" mapstructure:"processes"`
	TaskRate    float64     `yaml:"task_rate" mapstructure:"task_rate"` // task starts per second, 0 = unlimited
	LogLevel    string      `yaml:"log_level" mapstructure:"log_level"`
	Store       StoreConfig `yaml:"store" mapstructure:"store"`
}

// StoreConfig carries the connection parameters for both backing stores:
// the document/graph store holding Commit and CES records, and the
// control-plane registry holding Project/VCSSystem and the DLQ.
type StoreConfig struct {
	Hostname       string `yaml:"hostname" mapstructure:"hostname"`
	Port           int    `yaml:"port" mapstructure:"port"`
	User           string `yaml:"user" mapstructure:"user"`
	Password       string `yaml:"password" mapstructure:"password"`
	Database       string `yaml:"database" mapstructure:"database"`
	Authentication string `yaml:"authentication" mapstructure:"authentication"` // Neo4j auth realm, empty for default
	SSL            bool   `yaml:"ssl" mapstructure:"ssl"`

	RegistryDSN string `yaml:"registry_dsn" mapstructure:"registry_dsn"` // Postgres connection string for the control plane
}

// Default returns the baseline configuration before file/env/flag overrides.
func Default() *Config {
	return &Config{
		Processes: 1,
		LogLevel:  "DEBUG",
		Store: StoreConfig{
			Hostname: "localhost",
			Port:     7687,
			User:     "neo4j",
			Database: "neo4j",
			SSL:      false,
		},
	}
}

// Load builds a Config from defaults, an optional YAML file, and environment
// variables (CES_-prefixed). CLI flags are applied by the caller afterward,
// since cobra owns flag parsing and precedence over everything below.
func Load(path string) (*Config, error) {
	loadEnvFiles()

	v := viper.New()
	v.SetConfigType("yaml")

	cfg := Default()
	v.SetDefault("project_name", cfg.ProjectName)
	v.SetDefault("processes", cfg.Processes)
	v.SetDefault("task_rate", cfg.TaskRate)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("store", cfg.Store)

	v.SetEnvPrefix("CES")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.ces-compact")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// loadEnvFiles loads .env files in order of precedence, mirroring the
// layered CLI config pattern used elsewhere in this stack.
func loadEnvFiles() {
	for _, file := range []string{".env.local", ".env"} {
		if _, err := os.Stat(file); err == nil {
			_ = godotenv.Load(file)
		}
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CES_DB_HOSTNAME"); v != "" {
		cfg.Store.Hostname = v
	}
	if v := os.Getenv("CES_DB_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Store.Port = p
		}
	}
	if v := os.Getenv("CES_DB_USER"); v != "" {
		cfg.Store.User = v
	}
	if v := os.Getenv("CES_DB_PASSWORD"); v != "" {
		cfg.Store.Password = v
	}
	if v := os.Getenv("CES_DB_DATABASE"); v != "" {
		cfg.Store.Database = v
	}
	if v := os.Getenv("CES_DB_AUTHENTICATION"); v != "" {
		cfg.Store.Authentication = v
	}
	if v := os.Getenv("CES_REGISTRY_DSN"); v != "" {
		cfg.Store.RegistryDSN = v
	}
	if v := os.Getenv("CES_PROJECT_NAME"); v != "" {
		cfg.ProjectName = v
	}
	if v := os.Getenv("CES_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

// Validate checks that the fields required to start a run are present.
func (c *Config) Validate() error {
	if c.ProjectName == "" {
		return fmt.Errorf("project-name is required")
	}
	if c.Processes < 1 {
		return fmt.Errorf("processes must be >= 1, got %d", c.Processes)
	}
	if c.Store.Hostname == "" {
		return fmt.Errorf("store hostname is required")
	}
	return nil
}

// BoltURI builds the bolt:// connection URI for the Neo4j driver.
func (c *StoreConfig) BoltURI() string {
	scheme := "bolt"
	if c.SSL {
		scheme = "bolt+s"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.Hostname, c.Port)
}

// DefaultConfigPath returns the conventional per-user config file location.
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".ces-compact", "config.yaml")
}
