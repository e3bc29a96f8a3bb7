package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/sirupsen/logrus"
)

type Config struct {
	DataDir    string
	DBPath     string
	AgentsPath string
	VaultDir   string

	// Timezone is the default zone for agent schedules; empty means local.
	Timezone string
	Location *time.Location

	TickInterval time.Duration
	GracePeriod  time.Duration
	ListenAddr   string
	SearchURL    string

	LogLevel  logrus.Level
	LogFormat string
}

func New() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	dataDir := getEnv("RIG_DATA_DIR", filepath.Join(homeDir, ".rig"))

	c := &Config{
		DataDir:    dataDir,
		DBPath:     getEnv("RIG_DB", filepath.Join(dataDir, "rig.db")),
		AgentsPath: getEnv("RIG_AGENTS", "agents.yaml"),
		VaultDir:   getEnv("RIG_VAULT", filepath.Join(dataDir, "vault")),
		Timezone:   getEnv("RIG_TZ", ""),
		ListenAddr: getEnv("RIG_LISTEN", "127.0.0.1:8089"),
		SearchURL:  getEnv("RIG_SEARCH_URL", ""),
		LogFormat:  strings.ToLower(getEnv("RIG_LOG_FORMAT", "text")),
	}

	if c.TickInterval, err = getDuration("RIG_TICK", 15*time.Second); err != nil {
		return nil, err
	}
	if c.GracePeriod, err = getDuration("RIG_GRACE", 30*time.Second); err != nil {
		return nil, err
	}
	if err := c.SetTimezone(c.Timezone); err != nil {
		return nil, err
	}

	if c.LogLevel, err = logrus.ParseLevel(getEnv("RIG_LOG_LEVEL", "info")); err != nil {
		return nil, fmt.Errorf("invalid RIG_LOG_LEVEL: %w", err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return nil, fmt.Errorf("invalid RIG_LOG_FORMAT %q: want text or json", c.LogFormat)
	}

	return c, nil
}

// SetTimezone changes the default schedule zone, e.g. from a --timezone flag.
func (c *Config) SetTimezone(name string) error {
	if name == "" {
		c.Timezone = ""
		c.Location = time.Local
		return nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return fmt.Errorf("invalid timezone %q: %w", name, err)
	}
	c.Timezone = name
	c.Location = loc
	return nil
}

func (c *Config) EnsureDataDir() error {
	if err := os.MkdirAll(c.DataDir, 0755); err != nil {
		return err
	}
	if dir := filepath.Dir(c.DBPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	if err := os.MkdirAll(c.VaultDir, 0755); err != nil {
		return err
	}
	return nil
}

// NewLogger builds the process logger. Diagnostics go to stderr so command
// output on stdout stays clean.
func NewLogger(c *Config) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetLevel(c.LogLevel)

	if c.LogFormat == "json" {
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	} else {
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		})
	}
	return log
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}
	return d, nil
}
