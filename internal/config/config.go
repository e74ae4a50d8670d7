package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/rflorenc/org-migrator/internal/bundle"
	"github.com/rflorenc/org-migrator/internal/models"
	"github.com/rflorenc/org-migrator/internal/platform"
)

// Environment variables holding API tokens.
const (
	EnvToken       = "MIST_API_TOKEN"
	EnvSourceToken = "MIST_SRC_API_TOKEN"
	EnvDestToken   = "MIST_DST_API_TOKEN"
)

// ConnectionConfig represents a pre-configured connection in the config file.
type ConnectionConfig struct {
	Name     string `yaml:"name"`
	Role     string `yaml:"role"` // "source" or "destination"
	Scheme   string `yaml:"scheme"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	OrgID    string `yaml:"org_id"`
	Token    string `yaml:"token"`
	TokenEnv string `yaml:"token_env"` // variable holding the token
	Insecure bool   `yaml:"insecure"`
}

// RetryConfig bounds the retries of transient API failures.
type RetryConfig struct {
	Attempts int           `yaml:"attempts"`
	Delay    time.Duration `yaml:"delay"`
	MaxDelay time.Duration `yaml:"max_delay"`
}

// ScheduleConfig is a periodic backup of one connection's org.
type ScheduleConfig struct {
	Name       string `yaml:"name"`
	Connection string `yaml:"connection"`
	Cron       string `yaml:"cron"`
	Inventory  bool   `yaml:"inventory"` // also capture the device inventory
}

// Config holds all configuration (CLI flags + config file).
type Config struct {
	Listen         string             `yaml:"listen"`
	BackupDir      string             `yaml:"backup_dir"`
	LogFile        string             `yaml:"log_file"`
	LogLevel       string             `yaml:"log_level"`
	EnvFile        string             `yaml:"env_file"`
	Workers        int                `yaml:"workers"`
	ReplayPasses   int                `yaml:"replay_passes"`
	RateLimit      float64            `yaml:"rate_limit"`
	Burst          int                `yaml:"burst"`
	Retry          RetryConfig        `yaml:"retry"`
	ClaimBatchSize int                `yaml:"claim_batch_size"`
	Storage        bundle.Config      `yaml:"storage"`
	Schedules      []ScheduleConfig   `yaml:"schedules"`
	Connections    []ConnectionConfig `yaml:"connections"`
}

// Default returns a Config with every default applied.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// Load reads the YAML file at path, when path is set, loads the env file
// and applies defaults. Values already set on c take precedence over the
// file.
func (c *Config) Load(path string) error {
	if path != "" {
		if err := c.loadFile(path); err != nil {
			return err
		}
	}
	if err := c.loadEnv(); err != nil {
		return err
	}
	c.applyDefaults()
	return c.Validate()
}

// loadFile reads a YAML config file. Values from the file are only applied
// if the corresponding CLI flag was not explicitly set.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	var file Config
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	setString(&c.Listen, file.Listen)
	setString(&c.BackupDir, file.BackupDir)
	setString(&c.LogFile, file.LogFile)
	setString(&c.LogLevel, file.LogLevel)
	setString(&c.EnvFile, file.EnvFile)
	setInt(&c.Workers, file.Workers)
	setInt(&c.ReplayPasses, file.ReplayPasses)
	setInt(&c.Burst, file.Burst)
	setInt(&c.ClaimBatchSize, file.ClaimBatchSize)
	if c.RateLimit == 0 {
		c.RateLimit = file.RateLimit
	}
	setInt(&c.Retry.Attempts, file.Retry.Attempts)
	if c.Retry.Delay == 0 {
		c.Retry.Delay = file.Retry.Delay
	}
	if c.Retry.MaxDelay == 0 {
		c.Retry.MaxDelay = file.Retry.MaxDelay
	}
	if c.Storage.Driver == "" {
		c.Storage = file.Storage
	}

	// Connections and schedules always come from config file
	c.Connections = file.Connections
	c.Schedules = file.Schedules
	return nil
}

func setString(dst *string, v string) {
	if *dst == "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if *dst == 0 {
		*dst = v
	}
}

// loadEnv loads the env file into the process environment. A missing
// default ".env" is not an error.
func (c *Config) loadEnv() error {
	if c.EnvFile != "" {
		if err := godotenv.Load(c.EnvFile); err != nil {
			return fmt.Errorf("loading env file %s: %w", c.EnvFile, err)
		}
		return nil
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("loading .env: %w", err)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.BackupDir == "" {
		c.BackupDir = "./backups"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.ReplayPasses <= 0 {
		c.ReplayPasses = 2
	}
	if c.RateLimit == 0 {
		c.RateLimit = 10
	}
	if c.Burst <= 0 {
		c.Burst = 5
	}
	if c.Retry.Attempts <= 0 {
		c.Retry.Attempts = 3
	}
	if c.Retry.Delay <= 0 {
		c.Retry.Delay = time.Second
	}
	if c.Retry.MaxDelay <= 0 {
		c.Retry.MaxDelay = 30 * time.Second
	}
	if c.ClaimBatchSize <= 0 {
		c.ClaimBatchSize = 100
	}
	if c.Storage.Dir == "" {
		c.Storage.Dir = c.BackupDir
	}
}

// Validate checks references between sections.
func (c *Config) Validate() error {
	names := make(map[string]bool, len(c.Connections))
	for i, cc := range c.Connections {
		if cc.Name == "" {
			return fmt.Errorf("connection %d: name required", i)
		}
		if names[cc.Name] {
			return fmt.Errorf("connection %q defined twice", cc.Name)
		}
		names[cc.Name] = true
		if cc.Host == "" {
			return fmt.Errorf("connection %q: host required", cc.Name)
		}
		if cc.Role != "" && cc.Role != "source" && cc.Role != "destination" {
			return fmt.Errorf("connection %q: role must be source or destination", cc.Name)
		}
	}
	for _, s := range c.Schedules {
		if !names[s.Connection] {
			return fmt.Errorf("schedule %q: unknown connection %q", s.Name, s.Connection)
		}
		if s.Cron == "" {
			return fmt.Errorf("schedule %q: cron expression required", s.Name)
		}
	}
	return nil
}

// ResolveToken returns the API token of a connection: the inline value, the
// variable named by token_env, or the role default.
func (cc ConnectionConfig) ResolveToken() string {
	if cc.Token != "" {
		return cc.Token
	}
	if cc.TokenEnv != "" {
		return os.Getenv(cc.TokenEnv)
	}
	role := EnvDestToken
	if cc.Role == "source" {
		role = EnvSourceToken
	}
	if t := os.Getenv(role); t != "" {
		return t
	}
	return os.Getenv(EnvToken)
}

// Connection converts the file entry into a Connection.
func (cc ConnectionConfig) Connection() *models.Connection {
	conn := &models.Connection{
		Name:     cc.Name,
		Role:     cc.Role,
		Scheme:   cc.Scheme,
		Host:     platform.NormalizeHost(cc.Host),
		Port:     cc.Port,
		OrgID:    cc.OrgID,
		Token:    cc.ResolveToken(),
		Insecure: cc.Insecure,
	}
	if conn.Role == "" {
		conn.Role = "destination"
	}
	if conn.Scheme == "" {
		conn.Scheme = "https"
	}
	return conn
}

// PlatformOptions returns the API client options.
func (c *Config) PlatformOptions(logger *zap.Logger) platform.Options {
	return platform.Options{
		RateLimit: c.RateLimit,
		Burst:     c.Burst,
		Retry: platform.RetryPolicy{
			Attempts: c.Retry.Attempts,
			Delay:    c.Retry.Delay,
			MaxDelay: c.Retry.MaxDelay,
		},
		Logger: logger,
	}
}
