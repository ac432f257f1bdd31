package cfg

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Settings struct {
	Host          string
	Secure        bool
	Merchant      bool
	APIBase       string
	Heartbeat     time.Duration
	ReconnectBase time.Duration
	MaxReconnects int
	DataPath      string
	MetricsPort   int
	RESTTimeout   time.Duration
}

type ConfigFile struct {
	Server struct {
		Host    string `yaml:"host"`
		Secure  bool   `yaml:"secure"`
		APIBase string `yaml:"apiBase"`
	} `yaml:"server"`

	Feed struct {
		HeartbeatInterval string `yaml:"heartbeatInterval"`
		ReconnectBase     string `yaml:"reconnectBase"`
		MaxReconnects     int    `yaml:"maxReconnects"`
		Merchant          bool   `yaml:"merchant"`
	} `yaml:"feed"`

	System struct {
		DataPath    string `yaml:"dataPath"`
		MetricsPort int    `yaml:"metricsPort"`
		RESTTimeout string `yaml:"restTimeout"`
	} `yaml:"system"`
}

func Load() (Settings, error) {
	// Try to load from YAML file first
	if configPath := os.Getenv("CONFIG_FILE"); configPath != "" {
		return loadFromYAML(configPath)
	}

	// Fallback to environment variables
	return loadFromEnv()
}

func loadFromYAML(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config ConfigFile
	if err := yaml.Unmarshal(data, &config); err != nil {
		return Settings{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	heartbeat, err := time.ParseDuration(config.Feed.HeartbeatInterval)
	if err != nil {
		heartbeat = 30 * time.Second
	}

	reconnectBase, err := time.ParseDuration(config.Feed.ReconnectBase)
	if err != nil {
		reconnectBase = 3 * time.Second
	}

	restTimeout, err := time.ParseDuration(config.System.RESTTimeout)
	if err != nil {
		restTimeout = 5 * time.Second
	}

	settings := Settings{
		Host:          getEnvOrDefault("FEED_HOST", config.Server.Host),
		Secure:        getBoolFromEnvOrConfig("FEED_SECURE", config.Server.Secure),
		Merchant:      getBoolFromEnvOrConfig("FEED_MERCHANT", config.Feed.Merchant),
		APIBase:       getEnvOrDefault("API_BASE", config.Server.APIBase),
		Heartbeat:     heartbeat,
		ReconnectBase: reconnectBase,
		MaxReconnects: getIntFromEnvOrConfig("MAX_RECONNECTS", config.Feed.MaxReconnects),
		DataPath:      getEnvOrDefault("DATA_PATH", config.System.DataPath),
		MetricsPort:   getIntFromEnvOrConfig("METRICS_PORT", config.System.MetricsPort),
		RESTTimeout:   restTimeout,
	}

	if err := validateSettings(&settings); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}

	return settings, nil
}

func loadFromEnv() (Settings, error) {
	host, err := getEnvRequired("FEED_HOST")
	if err != nil {
		return Settings{}, err
	}

	settings := Settings{
		Host:          host,
		Secure:        getBoolOrDefault("FEED_SECURE", true),
		Merchant:      getBoolOrDefault("FEED_MERCHANT", false),
		APIBase:       getEnvOrDefault("API_BASE", defaultAPIBase(host, getBoolOrDefault("FEED_SECURE", true))),
		Heartbeat:     getDurationOrDefault("HEARTBEAT_INTERVAL", 30*time.Second),
		ReconnectBase: getDurationOrDefault("RECONNECT_BASE", 3*time.Second),
		MaxReconnects: getIntOrDefault("MAX_RECONNECTS", 5),
		DataPath:      os.Getenv("DATA_PATH"), // optional
		MetricsPort:   getIntOrDefault("METRICS_PORT", 8080),
		RESTTimeout:   getDurationOrDefault("REST_TIMEOUT", 5*time.Second),
	}

	if err := validateSettings(&settings); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}

	return settings, nil
}

func defaultAPIBase(host string, secure bool) string {
	if secure {
		return "https://" + host
	}
	return "http://" + host
}

func getEnvRequired(key string) (string, error) {
	v := os.Getenv(key)
	if v == "" {
		return "", fmt.Errorf("required environment variable %s is missing", key)
	}
	return v, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

func getIntFromEnvOrConfig(key string, configValue int) int {
	if env := os.Getenv(key); env != "" {
		if val, err := strconv.Atoi(env); err == nil {
			return val
		}
	}
	if configValue != 0 {
		return configValue
	}
	return getIntOrDefault(key, 0)
}

func getBoolFromEnvOrConfig(key string, configValue bool) bool {
	if env := os.Getenv(key); env != "" {
		if val, err := strconv.ParseBool(env); err == nil {
			return val
		}
	}
	return configValue
}

// validateSettings performs validation of configuration values
func validateSettings(settings *Settings) error {
	if settings.Host == "" {
		return fmt.Errorf("feed host is required")
	}
	if settings.APIBase == "" {
		settings.APIBase = defaultAPIBase(settings.Host, settings.Secure)
	}
	if settings.Heartbeat < time.Second || settings.Heartbeat > 5*time.Minute {
		return fmt.Errorf("heartbeat interval must be between 1s and 5m, got %v", settings.Heartbeat)
	}
	if settings.ReconnectBase < 100*time.Millisecond || settings.ReconnectBase > time.Minute {
		return fmt.Errorf("reconnect base delay must be between 100ms and 1m, got %v", settings.ReconnectBase)
	}
	if settings.MaxReconnects <= 0 {
		settings.MaxReconnects = 5
	}
	if settings.MaxReconnects > 100 {
		return fmt.Errorf("max reconnects must be at most 100, got %d", settings.MaxReconnects)
	}
	if settings.MetricsPort == 0 {
		settings.MetricsPort = 8080
	}
	if settings.MetricsPort < 1024 || settings.MetricsPort > 65535 {
		return fmt.Errorf("metrics port must be between 1024 and 65535, got %d", settings.MetricsPort)
	}
	if settings.RESTTimeout < time.Second || settings.RESTTimeout > time.Minute {
		return fmt.Errorf("REST timeout must be between 1s and 1m, got %v", settings.RESTTimeout)
	}
	return nil
}
