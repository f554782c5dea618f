package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	NodeID   string
	HTTPPort int
	LogLevel string

	DBPath  string
	DataDir string

	RedisAddr    string
	RedisChannel string

	LeaseTTL        time.Duration
	SweepInterval   time.Duration
	MonitorInterval time.Duration
}

// Load reads configuration from the environment.
func Load() *Config {
	return &Config{
		NodeID:          getEnv("NODE_ID", "dispatcher-default"),
		HTTPPort:        getEnvInt("HTTP_PORT", 8000),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		DBPath:          getEnv("DB_PATH", "dispatcher.db"),
		DataDir:         getEnv("DATA_DIR", "data"),
		RedisAddr:       getEnv("REDIS_ADDR", ""),
		RedisChannel:    getEnv("REDIS_CHANNEL", "dispatcher.broadcast"),
		LeaseTTL:        time.Duration(getEnvInt("LEASE_TTL", 300)) * time.Second,
		SweepInterval:   time.Duration(getEnvInt("SWEEP_INTERVAL", 30)) * time.Second,
		MonitorInterval: time.Duration(getEnvInt("MONITOR_INTERVAL", 60)) * time.Second,
	}
}

// fileConfig mirrors Config for the YAML file, durations in seconds.
type fileConfig struct {
	NodeID          string `yaml:"node_id"`
	HTTPPort        int    `yaml:"http_port"`
	LogLevel        string `yaml:"log_level"`
	DBPath          string `yaml:"db_path"`
	DataDir         string `yaml:"data_dir"`
	RedisAddr       string `yaml:"redis_addr"`
	RedisChannel    string `yaml:"redis_channel"`
	LeaseTTL        int    `yaml:"lease_ttl_seconds"`
	SweepInterval   int    `yaml:"sweep_interval_seconds"`
	MonitorInterval int    `yaml:"monitor_interval_seconds"`
}

// ApplyFile overlays a YAML config file onto c. Unset file fields leave the
// existing values alone.
func (c *Config) ApplyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	if fc.NodeID != "" {
		c.NodeID = fc.NodeID
	}
	if fc.HTTPPort != 0 {
		c.HTTPPort = fc.HTTPPort
	}
	if fc.LogLevel != "" {
		c.LogLevel = fc.LogLevel
	}
	if fc.DBPath != "" {
		c.DBPath = fc.DBPath
	}
	if fc.DataDir != "" {
		c.DataDir = fc.DataDir
	}
	if fc.RedisAddr != "" {
		c.RedisAddr = fc.RedisAddr
	}
	if fc.RedisChannel != "" {
		c.RedisChannel = fc.RedisChannel
	}
	if fc.LeaseTTL != 0 {
		c.LeaseTTL = time.Duration(fc.LeaseTTL) * time.Second
	}
	if fc.SweepInterval != 0 {
		c.SweepInterval = time.Duration(fc.SweepInterval) * time.Second
	}
	if fc.MonitorInterval != 0 {
		c.MonitorInterval = time.Duration(fc.MonitorInterval) * time.Second
	}
	return nil
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}
