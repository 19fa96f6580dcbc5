// Package config handles Norsk configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/norsk/config.yaml, /etc/norsk/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "norsk", "config.yaml"))
	}

	paths = append(paths, "/etc/norsk/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Norsk configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Models    ModelsConfig    `yaml:"models"`
	Anthropic AnthropicConfig `yaml:"anthropic"`
	OpenAI    OpenAIConfig    `yaml:"openai"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Signal    SignalConfig    `yaml:"signal"`
	Schedule  ScheduleConfig  `yaml:"schedule"`
	Tutor     TutorConfig     `yaml:"tutor"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"` // text (default) or json
}

// ListenConfig defines the admin API server settings. A zero port
// means the default 8080; a negative port disables the server.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// Enabled reports whether the admin API should be served.
func (c ListenConfig) Enabled() bool { return c.Port > 0 }

// ModelsConfig defines model routing settings.
type ModelsConfig struct {
	Default   string        `yaml:"default"`
	OllamaURL string        `yaml:"ollama_url"`
	Available []ModelConfig `yaml:"available"`
	// Pricing maps model names to per-token costs for usage reports.
	// Models without an entry are treated as free.
	Pricing map[string]PricingEntry `yaml:"pricing"`
}

// PricingEntry is the USD cost per million tokens for one model.
type PricingEntry struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// ModelConfig maps a model name to the provider that serves it.
type ModelConfig struct {
	Name     string `yaml:"name"`
	Provider string `yaml:"provider"` // ollama, anthropic, openai
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
}

// Configured reports whether an Anthropic API key is present.
func (c AnthropicConfig) Configured() bool { return c.APIKey != "" }

// OpenAIConfig defines OpenAI API settings. BaseURL is optional and
// lets the provider point at any OpenAI-compatible endpoint.
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// Configured reports whether an OpenAI API key is present.
func (c OpenAIConfig) Configured() bool { return c.APIKey != "" }

// TelegramConfig defines the Telegram Bot API transport.
type TelegramConfig struct {
	Token          string `yaml:"token"`
	BaseURL        string `yaml:"base_url"`         // default https://api.telegram.org
	PollTimeoutSec int    `yaml:"poll_timeout_sec"` // long-poll timeout (default 30)
}

// Configured reports whether a bot token is present.
func (c TelegramConfig) Configured() bool { return c.Token != "" }

// SignalConfig defines the signal-cli transport.
type SignalConfig struct {
	// Command is the signal-cli executable (default "signal-cli").
	Command string `yaml:"command"`
	// Account is the registered phone number signal-cli runs as.
	Account string `yaml:"account"`
	// Args overrides the default jsonRpc arguments when set.
	Args []string `yaml:"args"`
	// RateLimitPerMinute limits inbound messages per sender; 0 = unlimited.
	RateLimitPerMinute int `yaml:"rate_limit_per_minute"`
	// HandleTimeoutSec bounds one inbound message (turn + reply).
	HandleTimeoutSec int `yaml:"handle_timeout_sec"`
}

// Configured reports whether a Signal account is present.
func (c SignalConfig) Configured() bool { return c.Account != "" }

// CommandArgs returns the signal-cli arguments for jsonRpc daemon mode.
func (c SignalConfig) CommandArgs() []string {
	if len(c.Args) > 0 {
		return c.Args
	}
	return []string{"-a", c.Account, "jsonRpc"}
}

// ScheduleConfig defines the proactive lesson schedule.
type ScheduleConfig struct {
	// Times are daily wall-clock triggers in "HH:MM" form.
	Times []string `yaml:"times"`
	// Timezone is an IANA zone name; empty means the local zone.
	Timezone string `yaml:"timezone"`
	// Concurrency bounds how many users one sweep processes at once.
	Concurrency int `yaml:"concurrency"`
	// CatchUpMinutes is how late a missed trigger may still be honored
	// after a restart. 0 disables catch-up.
	CatchUpMinutes int `yaml:"catch_up_minutes"`
	// Disabled turns off scheduled sweeps entirely.
	Disabled bool `yaml:"disabled"`
}

// Location resolves the configured timezone.
func (c ScheduleConfig) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Timezone)
}

// TutorConfig defines tutoring engine behavior.
type TutorConfig struct {
	// ModelTimeoutSec bounds a single model call.
	ModelTimeoutSec int `yaml:"model_timeout_sec"`
	// FallbackReply replaces the built-in fallback when non-empty.
	FallbackReply string `yaml:"fallback_reply"`
}

// ModelTimeout returns the configured model call timeout.
func (c TutorConfig) ModelTimeout() time.Duration {
	return time.Duration(c.ModelTimeoutSec) * time.Second
}

// MQTTConfig defines the optional MQTT telemetry publisher.
type MQTTConfig struct {
	Broker             string `yaml:"broker"` // e.g. mqtt://homeassistant.local:1883
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	DeviceName         string `yaml:"device_name"`
	DiscoveryPrefix    string `yaml:"discovery_prefix"`
	PublishIntervalSec int    `yaml:"publish_interval_sec"`
}

// Configured reports whether a broker URL is present.
func (c MQTTConfig) Configured() bool { return c.Broker != "" }

// Load reads configuration from a YAML file. A .env file next to the
// config (if any) is loaded into the environment first so that ${VAR}
// references resolve; variables already set in the environment win.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	envPath := filepath.Join(filepath.Dir(path), ".env")
	if _, statErr := os.Stat(envPath); statErr == nil {
		if err := godotenv.Load(envPath); err != nil {
			return nil, fmt.Errorf("load %s: %w", envPath, err)
		}
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// DefaultScheduleTimes are the daily lesson triggers used when none
// are configured.
var DefaultScheduleTimes = []string{"08:00", "12:00", "16:00", "19:00"}

// applyDefaults fills zero values. Credentials fall back to the
// TELEGRAM_TOKEN and OPENAI_API_KEY environment variables.
func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.Models.Default == "" {
		c.Models.Default = "gpt-4o-mini"
	}
	if c.Models.OllamaURL == "" {
		c.Models.OllamaURL = "http://localhost:11434"
	}
	for i := range c.Models.Available {
		if c.Models.Available[i].Provider == "" {
			c.Models.Available[i].Provider = "ollama"
		}
	}
	if !c.hasModel(c.Models.Default) && strings.HasPrefix(c.Models.Default, "gpt-") {
		c.Models.Available = append(c.Models.Available, ModelConfig{Name: c.Models.Default, Provider: "openai"})
	}

	if c.OpenAI.APIKey == "" {
		c.OpenAI.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if c.Telegram.Token == "" {
		c.Telegram.Token = os.Getenv("TELEGRAM_TOKEN")
	}
	if c.Telegram.BaseURL == "" {
		c.Telegram.BaseURL = "https://api.telegram.org"
	}
	if c.Telegram.PollTimeoutSec == 0 {
		c.Telegram.PollTimeoutSec = 30
	}

	if c.Signal.Command == "" {
		c.Signal.Command = "signal-cli"
	}
	if c.Signal.HandleTimeoutSec == 0 {
		c.Signal.HandleTimeoutSec = 300
	}

	if len(c.Schedule.Times) == 0 {
		c.Schedule.Times = append([]string(nil), DefaultScheduleTimes...)
	}
	if c.Schedule.Concurrency <= 0 {
		c.Schedule.Concurrency = 4
	}

	if c.Tutor.ModelTimeoutSec == 0 {
		c.Tutor.ModelTimeoutSec = 60
	}

	if c.MQTT.DeviceName == "" {
		c.MQTT.DeviceName = "norsk"
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = "homeassistant"
	}
	if c.MQTT.PublishIntervalSec == 0 {
		c.MQTT.PublishIntervalSec = 60
	}

	if c.DataDir == "" {
		c.DataDir = "./data"
	}
}

func (c *Config) hasModel(name string) bool {
	for _, m := range c.Models.Available {
		if m.Name == name {
			return true
		}
	}
	return false
}

// DefaultProvider returns the provider serving the default model.
func (c *Config) DefaultProvider() string {
	for _, m := range c.Models.Available {
		if m.Name == c.Models.Default {
			return m.Provider
		}
	}
	return "ollama"
}

// Validate reports configuration errors that would prevent startup.
// All problems are joined into a single error.
func (c *Config) Validate() error {
	var errs []error

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q must be text or json", c.LogFormat))
	}

	for _, m := range c.Models.Available {
		switch m.Provider {
		case "ollama", "anthropic", "openai":
		default:
			errs = append(errs, fmt.Errorf("model %q: unknown provider %q", m.Name, m.Provider))
		}
	}
	switch c.DefaultProvider() {
	case "anthropic":
		if !c.Anthropic.Configured() {
			errs = append(errs, errors.New("default model uses anthropic but anthropic.api_key is empty"))
		}
	case "openai":
		if !c.OpenAI.Configured() {
			errs = append(errs, errors.New("default model uses openai but openai.api_key (or OPENAI_API_KEY) is empty"))
		}
	}

	for _, t := range c.Schedule.Times {
		if _, err := time.Parse("15:04", t); err != nil {
			errs = append(errs, fmt.Errorf("schedule time %q: want HH:MM", t))
		}
	}
	if _, err := c.Schedule.Location(); err != nil {
		errs = append(errs, fmt.Errorf("schedule timezone %q: %w", c.Schedule.Timezone, err))
	}

	if c.Tutor.ModelTimeoutSec < 0 {
		errs = append(errs, errors.New("tutor.model_timeout_sec must not be negative"))
	}

	return errors.Join(errs...)
}
