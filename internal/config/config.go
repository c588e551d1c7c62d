// Package config builds the process-wide configuration from the environment
// (and optional flags layered through viper). Values are read once at startup
// into an explicit struct that is passed to the gateway and front-ends.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const (
	DefaultModel      = "gpt-4-turbo-preview"
	DefaultMCPBaseURL = "https://cloud.tinybird.co/mcp"
	DefaultLogLevel   = "warn"
	DefaultLogFormat  = "text"
)

// envBindings maps viper keys to the canonical environment variable names.
var envBindings = map[string]string{
	"slack.bot_token": "SLACK_BOT_TOKEN",
	"slack.app_token": "SLACK_APP_TOKEN",
	"llm.api_key":     "OPENAI_API_KEY",
	"llm.base_url":    "OPENAI_BASE_URL",
	"tinybird.token":  "TINYBIRD_TOKEN",
}

type SlackConfig struct {
	BotToken string
	AppToken string
}

type LLMConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

type TinybirdConfig struct {
	Token      string
	MCPBaseURL string
}

type LogConfig struct {
	Level  string
	Format string
}

type Config struct {
	Slack    SlackConfig
	LLM      LLMConfig
	Tinybird TinybirdConfig
	Log      LogConfig
}

// Load reads configuration from v after applying defaults and env bindings.
func Load(v *viper.Viper) (Config, error) {
	if v == nil {
		return Config{}, fmt.Errorf("viper instance is required")
	}
	applyDefaults(v)
	if err := bindEnv(v); err != nil {
		return Config{}, err
	}

	cfg := Config{
		Slack: SlackConfig{
			BotToken: strings.TrimSpace(v.GetString("slack.bot_token")),
			AppToken: strings.TrimSpace(v.GetString("slack.app_token")),
		},
		LLM: LLMConfig{
			APIKey:  strings.TrimSpace(v.GetString("llm.api_key")),
			BaseURL: strings.TrimSpace(v.GetString("llm.base_url")),
			Model:   strings.TrimSpace(v.GetString("llm.model")),
		},
		Tinybird: TinybirdConfig{
			Token:      strings.TrimSpace(v.GetString("tinybird.token")),
			MCPBaseURL: strings.TrimSpace(v.GetString("tinybird.mcp_base_url")),
		},
		Log: LogConfig{
			Level:  strings.TrimSpace(v.GetString("log.level")),
			Format: strings.TrimSpace(v.GetString("log.format")),
		},
	}
	return cfg, nil
}

func applyDefaults(v *viper.Viper) {
	v.SetDefault("llm.model", DefaultModel)
	v.SetDefault("tinybird.mcp_base_url", DefaultMCPBaseURL)
	v.SetDefault("log.level", DefaultLogLevel)
	v.SetDefault("log.format", DefaultLogFormat)
}

func bindEnv(v *viper.Viper) error {
	v.SetEnvPrefix("ASKBIRD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return fmt.Errorf("bind %s: %w", env, err)
		}
	}
	return nil
}

// ValidateForMode checks that every credential the selected mode needs is
// present. It runs before any network dial so a partial startup never happens.
func (c Config) ValidateForMode(terminal bool) error {
	if c.LLM.APIKey == "" {
		return fmt.Errorf("missing llm.api_key (set OPENAI_API_KEY)")
	}
	if c.Tinybird.Token == "" {
		return fmt.Errorf("missing tinybird.token (set TINYBIRD_TOKEN)")
	}
	if terminal {
		return nil
	}
	if c.Slack.BotToken == "" {
		return fmt.Errorf("missing slack.bot_token (set SLACK_BOT_TOKEN)")
	}
	if c.Slack.AppToken == "" {
		return fmt.Errorf("missing slack.app_token (set SLACK_APP_TOKEN)")
	}
	return nil
}
