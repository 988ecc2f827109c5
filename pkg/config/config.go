package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration options for the ccbt client's persistence layer
type Config struct {
	// Checkpoint persistence settings
	Checkpoint CheckpointConfig `yaml:"checkpoint" json:"checkpoint"`

	// Logging configuration
	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// CheckpointConfig holds checkpoint and resume configuration
type CheckpointConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	// Directory is the checkpoint root. Empty means .ccbt/checkpoints under the working directory.
	Directory string `yaml:"directory" json:"directory"`
	// Format is one of json, binary, both
	Format string `yaml:"format" json:"format"`
	// Compression applies to binary records: none, gzip, zstd
	Compression   string `yaml:"compression" json:"compression"`
	Deduplication bool   `yaml:"deduplication" json:"deduplication"`

	CheckpointInterval time.Duration `yaml:"checkpoint_interval" json:"checkpoint_interval"`
	ResumeSaveInterval time.Duration `yaml:"resume_save_interval" json:"resume_save_interval"`
	BatchInterval      time.Duration `yaml:"batch_interval" json:"batch_interval"`
	BatchPieces        int           `yaml:"batch_pieces" json:"batch_pieces"`

	MaxAgeDays     int           `yaml:"max_age_days" json:"max_age_days"`
	VerifyAttempts int           `yaml:"verify_attempts" json:"verify_attempts"`
	VerifyDelay    time.Duration `yaml:"verify_delay" json:"verify_delay"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level string `yaml:"level" json:"level"`
	// Format is console or json
	Format string `yaml:"format" json:"format"`
	File   string `yaml:"file" json:"file"`
}

// DefaultCheckpointDir is used when no directory is configured
const DefaultCheckpointDir = ".ccbt/checkpoints"

// DefaultConfig returns a Config instance with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Checkpoint: CheckpointConfig{
			Enabled:            true,
			Directory:          DefaultCheckpointDir,
			Format:             "both",
			Compression:        "zstd",
			Deduplication:      true,
			CheckpointInterval: 30 * time.Second,
			ResumeSaveInterval: 30 * time.Second,
			BatchInterval:      5 * time.Second,
			BatchPieces:        10,
			MaxAgeDays:         30,
			VerifyAttempts:     5,
			VerifyDelay:        10 * time.Millisecond,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			File:   "",
		},
	}
}

// LoadFromEnv loads configuration from environment variables
func (c *Config) LoadFromEnv() error {
	var errs []error

	if enabled := os.Getenv("CCBT_CHECKPOINT_ENABLED"); enabled != "" {
		c.Checkpoint.Enabled = strings.ToLower(enabled) == "true"
	}
	if dir := os.Getenv("CCBT_CHECKPOINT_DIR"); dir != "" {
		c.Checkpoint.Directory = dir
	}
	if format := os.Getenv("CCBT_CHECKPOINT_FORMAT"); format != "" {
		c.Checkpoint.Format = format
	}
	if compression := os.Getenv("CCBT_CHECKPOINT_COMPRESSION"); compression != "" {
		c.Checkpoint.Compression = compression
	}
	if dedup := os.Getenv("CCBT_CHECKPOINT_DEDUPLICATION"); dedup != "" {
		c.Checkpoint.Deduplication = strings.ToLower(dedup) == "true"
	}

	durations := map[string]*time.Duration{
		"CCBT_CHECKPOINT_INTERVAL":  &c.Checkpoint.CheckpointInterval,
		"CCBT_RESUME_SAVE_INTERVAL": &c.Checkpoint.ResumeSaveInterval,
		"CCBT_BATCH_INTERVAL":       &c.Checkpoint.BatchInterval,
	}
	for name, target := range durations {
		raw := os.Getenv(name)
		if raw == "" {
			continue
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		*target = d
	}

	ints := map[string]*int{
		"CCBT_BATCH_PIECES":  &c.Checkpoint.BatchPieces,
		"CCBT_MAX_AGE_DAYS":  &c.Checkpoint.MaxAgeDays,
		"CCBT_VERIFY_TRIES":  &c.Checkpoint.VerifyAttempts,
	}
	for name, target := range ints {
		raw := os.Getenv(name)
		if raw == "" {
			continue
		}
		val, err := strconv.Atoi(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		*target = val
	}

	if logLevel := os.Getenv("CCBT_LOG_LEVEL"); logLevel != "" {
		c.Logging.Level = logLevel
	}
	if logFormat := os.Getenv("CCBT_LOG_FORMAT"); logFormat != "" {
		c.Logging.Format = logFormat
	}
	if logFile := os.Getenv("CCBT_LOG_FILE"); logFile != "" {
		c.Logging.File = logFile
	}

	return errors.Join(errs...)
}

// LoadFromFile loads configuration from a YAML file
func (c *Config) LoadFromFile(path string) error {
	// If path is empty, try default locations
	if path == "" {
		path = c.findConfigFile()
		if path == "" {
			return nil // No config file found, not an error
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// findConfigFile searches for config file in standard locations
func (c *Config) findConfigFile() string {
	home := os.Getenv("HOME")
	locations := []string{
		"ccbt.yaml",
		"ccbt.yml",
		filepath.Join(".ccbt", "config.yaml"),
		filepath.Join(home, ".config", "ccbt", "config.yaml"),
		filepath.Join(home, ".ccbt.yaml"),
	}

	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc
		}
	}

	return ""
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errs []error
	cp := c.Checkpoint

	validFormats := map[string]bool{"json": true, "binary": true, "both": true}
	if !validFormats[strings.ToLower(cp.Format)] {
		errs = append(errs, fmt.Errorf("invalid checkpoint format %q", cp.Format))
	}

	validCompression := map[string]bool{"none": true, "": true, "gzip": true, "zstd": true}
	if !validCompression[strings.ToLower(cp.Compression)] {
		errs = append(errs, fmt.Errorf("invalid checkpoint compression %q", cp.Compression))
	}

	if cp.CheckpointInterval < 0 || cp.ResumeSaveInterval < 0 || cp.BatchInterval < 0 {
		errs = append(errs, errors.New("checkpoint intervals cannot be negative"))
	}
	if cp.BatchPieces < 0 {
		errs = append(errs, errors.New("batch pieces cannot be negative"))
	}
	if cp.MaxAgeDays < 0 {
		errs = append(errs, errors.New("max age days cannot be negative"))
	}
	if cp.VerifyAttempts <= 0 {
		errs = append(errs, errors.New("verify attempts must be positive"))
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "disabled": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, errors.New("invalid log level"))
	}
	validLogFormats := map[string]bool{"console": true, "json": true, "": true}
	if !validLogFormats[strings.ToLower(c.Logging.Format)] {
		errs = append(errs, errors.New("invalid log format"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

// CheckpointDir returns the configured checkpoint directory, falling back to the default
func (c *Config) CheckpointDir() string {
	if c.Checkpoint.Directory == "" {
		return DefaultCheckpointDir
	}
	return c.Checkpoint.Directory
}

// Save writes the configuration to a YAML file
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// MergeCommandLineFlags merges command line flags into the configuration
func (c *Config) MergeCommandLineFlags(flags map[string]interface{}) {
	if dir, ok := flags["checkpoint-dir"].(string); ok && dir != "" {
		c.Checkpoint.Directory = dir
	}
	if format, ok := flags["format"].(string); ok && format != "" {
		c.Checkpoint.Format = format
	}
	if compression, ok := flags["compression"].(string); ok && compression != "" {
		c.Checkpoint.Compression = compression
	}
	if logLevel, ok := flags["log-level"].(string); ok && logLevel != "" {
		c.Logging.Level = logLevel
	}
}

// Load loads configuration from all sources with proper precedence
// Precedence order: Command line flags > Environment variables > .env file > Config file > Defaults
func Load(configPath string, flags map[string]interface{}) (*Config, error) {
	// .env files are optional
	_ = godotenv.Load(".env")
	_ = godotenv.Load(filepath.Join(os.Getenv("HOME"), ".ccbt.env"))

	config := DefaultConfig()

	if err := config.LoadFromFile(configPath); err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	if err := config.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	config.MergeCommandLineFlags(flags)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}
