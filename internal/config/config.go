package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the tab bridge.
type Config struct {
	// CDP connection settings
	CDPAddress string
	CDPPort    int

	// HTTP API
	BindAddr         string
	PortCandidates   []string
	PortAutoFallback bool

	LogLevel string
	LogFile  string

	// Relay admission timing
	ConnectTimeoutMS  int
	IdleTimeoutMS     int
	ActivationPollMS  int
	DisallowedSchemes []string
	StatusURL         string
	BadgeWebhook      string

	// Binding history journal; empty disables it.
	HistoryDir string

	// Optional browser launch
	LaunchBrowser bool
	BrowserPath   string
	ProfileDir    string
}

// fileConfig is the optional YAML overlay.
type fileConfig struct {
	DisallowedSchemes []string `yaml:"disallowed_schemes"`
	StatusURL         string   `yaml:"status_url"`
	BadgeWebhook      string   `yaml:"badge_webhook"`
	HistoryDir        string   `yaml:"history_dir"`
}

// Load reads configuration from environment variables and an optional .env
// file. envFile may be empty to use ./.env.
func Load(envFile string) (*Config, error) {
	var err error
	if envFile != "" {
		err = godotenv.Load(envFile)
	} else {
		err = godotenv.Load()
	}
	if err != nil {
		slog.Debug("failed to load .env file", "path", envFile, "error", err)
	}

	cfg := &Config{
		CDPAddress:       getEnvOrDefault("CHROMIUM_CDP_ADDRESS", "127.0.0.1"),
		CDPPort:          getEnvIntOrDefault("CHROMIUM_CDP_PORT", 9220),
		BindAddr:         getEnvOrDefault("BRIDGE_BIND_ADDR", "127.0.0.1:8190"),
		PortAutoFallback: getEnvBoolOrDefault("BRIDGE_PORT_AUTO_FALLBACK", true),
		LogLevel:         strings.ToLower(getEnvOrDefault("BRIDGE_LOG_LEVEL", "info")),
		LogFile:          getEnvOrDefault("BRIDGE_LOG_FILE", "logs/tab_bridge.log"),
		ConnectTimeoutMS: getEnvIntOrDefault("BRIDGE_CONNECT_TIMEOUT_MS", 5000),
		IdleTimeoutMS:    getEnvIntOrDefault("BRIDGE_IDLE_TIMEOUT_MS", 5000),
		ActivationPollMS: getEnvIntOrDefault("BRIDGE_ACTIVATION_POLL_MS", 500),
		StatusURL:        os.Getenv("BRIDGE_STATUS_URL"),
		BadgeWebhook:     os.Getenv("BRIDGE_BADGE_WEBHOOK"),
		HistoryDir:       os.Getenv("BRIDGE_HISTORY_DIR"),
		LaunchBrowser:    getEnvBoolOrDefault("BRIDGE_LAUNCH_BROWSER", false),
		BrowserPath:      os.Getenv("BRIDGE_BROWSER_PATH"),
		ProfileDir:       getEnvOrDefault("BRIDGE_PROFILE_DIR", "./browser_profile"),
	}

	candidates, err := portCandidates(cfg.BindAddr, os.Getenv("BRIDGE_PORT_CANDIDATES"))
	if err != nil {
		return nil, err
	}
	cfg.PortCandidates = candidates

	if cfg.ConnectTimeoutMS < 100 {
		cfg.ConnectTimeoutMS = 100
	}
	if cfg.IdleTimeoutMS < 100 {
		cfg.IdleTimeoutMS = 100
	}
	return cfg, nil
}

// ApplyFile overlays settings from a YAML file onto c.
func (c *Config) ApplyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("bridge config: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("bridge config: %w", err)
	}
	if fc.DisallowedSchemes != nil {
		schemes := make([]string, 0, len(fc.DisallowedSchemes))
		for i, s := range fc.DisallowedSchemes {
			s = strings.ToLower(strings.TrimSpace(s))
			if s == "" || s == ":" {
				return fmt.Errorf("bridge config: disallowed_schemes[%d] is empty", i)
			}
			if !strings.HasSuffix(s, ":") {
				s += ":"
			}
			schemes = append(schemes, s)
		}
		c.DisallowedSchemes = schemes
	}
	if fc.StatusURL != "" {
		c.StatusURL = fc.StatusURL
	}
	if fc.BadgeWebhook != "" {
		c.BadgeWebhook = fc.BadgeWebhook
	}
	if fc.HistoryDir != "" {
		c.HistoryDir = fc.HistoryDir
	}
	return nil
}

// CDPURL returns the CDP HTTP endpoint.
func (c *Config) CDPURL() string {
	return "http://" + c.CDPAddress + ":" + strconv.Itoa(c.CDPPort)
}

func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutMS) * time.Millisecond
}

func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutMS) * time.Millisecond
}

func (c *Config) ActivationPoll() time.Duration {
	return time.Duration(c.ActivationPollMS) * time.Millisecond
}

// StatusPageURL returns the configured status page, or the bridge's own
// /status page on bindAddr.
func (c *Config) StatusPageURL(bindAddr string) string {
	if c.StatusURL != "" {
		return c.StatusURL
	}
	return "http://" + bindAddr + "/status"
}

// portCandidates expands a comma separated port list into addresses on the
// bind host.
func portCandidates(bindAddr, list string) ([]string, error) {
	if strings.TrimSpace(list) == "" {
		return nil, nil
	}
	host, _, err := net.SplitHostPort(bindAddr)
	if err != nil {
		return nil, fmt.Errorf("BRIDGE_BIND_ADDR: %w", err)
	}
	var out []string
	for _, p := range strings.Split(list, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		port, err := strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return nil, errors.New("BRIDGE_PORT_CANDIDATES: invalid port " + strconv.Quote(p))
		}
		out = append(out, net.JoinHostPort(host, p))
	}
	return out, nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvIntOrDefault(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBoolOrDefault(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}
