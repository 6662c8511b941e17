package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type TelegramConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Token     string   `yaml:"token"`
	AllowFrom []string `yaml:"allowFrom"`
}

type DingTalkConfig struct {
	Enabled    bool     `yaml:"enabled"`
	ClientID   string   `yaml:"clientId"`
	AppSecret  string   `yaml:"appSecret"`
	RobotCode  string   `yaml:"robotCode"`
	TemplateID string   `yaml:"templateId"`
	AllowFrom  []string `yaml:"allowFrom"`
}

type FeishuConfig struct {
	Enabled           bool     `yaml:"enabled"`
	AppID             string   `yaml:"appId"`
	AppSecret         string   `yaml:"appSecret"`
	EncryptKey        string   `yaml:"encryptKey"`
	VerificationToken string   `yaml:"verificationToken"`
	AllowFrom         []string `yaml:"allowFrom"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	DingTalk DingTalkConfig `yaml:"dingtalk"`
	Feishu   FeishuConfig   `yaml:"feishu"`
}

type OpenAIConfig struct {
	APIKey  string `yaml:"apiKey"`
	APIBase string `yaml:"apiBase"`
}

type AssistantConfig struct {
	Model        string `yaml:"model"`
	Instructions string `yaml:"instructions"`
}

// Duration parses YAML values like "5m" or "90s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

type SessionsConfig struct {
	MaxIdle      Duration `yaml:"maxIdle"`
	ReapInterval Duration `yaml:"reapInterval"`
}

type WebSearchConfig struct {
	APIKey     string `yaml:"apiKey"`
	MaxResults int    `yaml:"maxResults"`
}

type WorkspaceConfig struct {
	Enabled bool   `yaml:"enabled"`
	Root    string `yaml:"root"`
}

type ToolsConfig struct {
	Search    WebSearchConfig `yaml:"search"`
	Workspace WorkspaceConfig `yaml:"workspace"`
}

type Config struct {
	Channels  ChannelsConfig  `yaml:"channels"`
	OpenAI    OpenAIConfig    `yaml:"openai"`
	Assistant AssistantConfig `yaml:"assistant"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Tools     ToolsConfig     `yaml:"tools"`
	LogDir    string          `yaml:"logDir"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		OpenAI: OpenAIConfig{
			APIBase: "https://api.openai.com/v1",
		},
		Assistant: AssistantConfig{
			Model: "gpt-4o",
		},
		Sessions: SessionsConfig{
			MaxIdle:      Duration(30 * time.Minute),
			ReapInterval: Duration(time.Minute),
		},
		Tools: ToolsConfig{
			Search:    WebSearchConfig{MaxResults: 5},
			Workspace: WorkspaceConfig{Root: filepath.Join(".threadrelay", "workspace")},
		},
		LogDir: filepath.Join(".threadrelay", "logs"),
	}
}

// LoadConfig loads the configuration from the given path. A missing file
// yields the defaults.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		path = filepath.Join(".threadrelay", "config.yaml")
	}

	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, err
	}

	return config, nil
}

// ResolveAPIKey returns the configured OpenAI API key, falling back to the
// OPENAI_API_KEY environment variable. Empty means no credential is available.
func (c *Config) ResolveAPIKey() string {
	if c.OpenAI.APIKey != "" {
		return c.OpenAI.APIKey
	}
	return os.Getenv("OPENAI_API_KEY")
}
