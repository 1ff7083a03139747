// Package config provides YAML-based configuration loading for snapline.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level snapline configuration, loaded from snapline.yaml.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Trello     TrelloConfig     `yaml:"trello"`
	Anthropic  AnthropicConfig  `yaml:"anthropic"`
	ElevenLabs ElevenLabsConfig `yaml:"elevenlabs"`
	Channels   ChannelsConfig   `yaml:"channels"`
	Labels     LabelsConfig     `yaml:"labels"`
	Worker     WorkerConfig     `yaml:"worker"`
	Notify     NotifyConfig     `yaml:"notify"`
}

// ServerConfig holds settings for the HTTP API.
type ServerConfig struct {
	Port int `yaml:"port"`
	// PublicURL is the externally reachable base URL, used for edit links.
	PublicURL string `yaml:"public_url"`
}

// DatabaseConfig selects the shared store backing the KV entries and job queue.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // "mysql" or "sqlite"
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	Path     string `yaml:"path"` // sqlite file
}

// TrelloConfig holds card-tracker credentials.
type TrelloConfig struct {
	APIKey        string `yaml:"api_key"`
	Token         string `yaml:"token"`
	BoardID       string `yaml:"board_id"`
	WebhookSecret string `yaml:"webhook_secret"`
}

// AnthropicConfig holds script-writer settings.
type AnthropicConfig struct {
	APIKey      string `yaml:"api_key"`
	ScriptModel string `yaml:"script_model"`
	ReviseModel string `yaml:"revise_model"`
}

// ElevenLabsConfig holds text-to-speech settings.
type ElevenLabsConfig struct {
	APIKey  string `yaml:"api_key"`
	ModelID string `yaml:"model_id"`
}

// ChannelsConfig selects where the channel registry is loaded from.
type ChannelsConfig struct {
	Source  string          `yaml:"source"` // "sheet", "github" or "static"
	SheetID string          `yaml:"sheet_id"`
	GitHub  GitHubConfig    `yaml:"github"`
	Refresh string          `yaml:"refresh"` // cron expression
	Static  []ChannelConfig `yaml:"static"`
}

// GitHubConfig points at a YAML channel list stored in a repository.
type GitHubConfig struct {
	Owner string `yaml:"owner"`
	Repo  string `yaml:"repo"`
	Path  string `yaml:"path"`
	Ref   string `yaml:"ref"`
	Token string `yaml:"token"`
}

// ChannelConfig is one statically configured channel.
type ChannelConfig struct {
	Name          string `yaml:"name"`
	Prompt        string `yaml:"prompt"`
	VoiceID       string `yaml:"voice_id"`
	Category      string `yaml:"category"`
	DiscordRoleID string `yaml:"discord_role_id"`
}

// LabelsConfig is the external label vocabulary of the card state machine.
type LabelsConfig struct {
	Trigger         string `yaml:"trigger"`
	Writing         string `yaml:"writing"`
	Review          string `yaml:"review"`
	Approved        string `yaml:"approved"`
	GeneratingVoice string `yaml:"generating_voice"`
	Done            string `yaml:"done"`
	Error           string `yaml:"error"`
	ReadyList       string `yaml:"ready_list"`
	ChannelSuffix   string `yaml:"channel_suffix"`
}

// WorkerConfig sizes the stage worker pool.
type WorkerConfig struct {
	Concurrency     int `yaml:"concurrency"`
	PollIntervalSec int `yaml:"poll_interval_sec"`
}

// PollInterval returns the queue poll interval as a duration.
func (w WorkerConfig) PollInterval() time.Duration {
	return time.Duration(w.PollIntervalSec) * time.Second
}

// NotifyConfig selects the chat platform for delivery and error notices.
type NotifyConfig struct {
	Platform string        `yaml:"platform"` // "discord", "slack", "command" or empty
	Discord  DiscordConfig `yaml:"discord"`
	Slack    SlackConfig   `yaml:"slack"`
	// Command is a shell template run per notice when platform is "command".
	Command string `yaml:"command"`
}

// DiscordConfig holds Discord bot settings.
type DiscordConfig struct {
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// SlackConfig holds Slack bot settings.
type SlackConfig struct {
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	cfg.applyEnv(os.Getenv)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Driver == "mysql" {
		if c.Database.Host == "" {
			c.Database.Host = "127.0.0.1"
		}
		if c.Database.Port == 0 {
			c.Database.Port = 3306
		}
		if c.Database.User == "" {
			c.Database.User = "root"
		}
		if c.Database.Name == "" {
			c.Database.Name = "snapline"
		}
	}
	if c.Database.Driver == "sqlite" && c.Database.Path == "" {
		c.Database.Path = "snapline.db"
	}
	if c.Anthropic.ScriptModel == "" {
		c.Anthropic.ScriptModel = "claude-opus-4-6"
	}
	if c.Anthropic.ReviseModel == "" {
		c.Anthropic.ReviseModel = "claude-sonnet-4-5-20250929"
	}
	if c.ElevenLabs.ModelID == "" {
		c.ElevenLabs.ModelID = "eleven_multilingual_v2"
	}
	if c.Channels.Source == "" {
		switch {
		case c.Channels.SheetID != "":
			c.Channels.Source = "sheet"
		case c.Channels.GitHub.Repo != "":
			c.Channels.Source = "github"
		default:
			c.Channels.Source = "static"
		}
	}
	if c.Channels.Refresh == "" {
		c.Channels.Refresh = "*/5 * * * *"
	}
	if c.Channels.GitHub.Path == "" {
		c.Channels.GitHub.Path = "channels.yaml"
	}
	c.Labels.applyDefaults()
	if c.Worker.Concurrency == 0 {
		c.Worker.Concurrency = 4
	}
	if c.Worker.PollIntervalSec == 0 {
		c.Worker.PollIntervalSec = 2
	}
}

func (l *LabelsConfig) applyDefaults() {
	set := func(field *string, def string) {
		if *field == "" {
			*field = def
		}
	}
	set(&l.Trigger, "Snap script")
	set(&l.Writing, "Snap: Writing Script")
	set(&l.Review, "Snap: Script Ready")
	set(&l.Approved, "Snap Approved")
	set(&l.GeneratingVoice, "Snap: Generating Voice")
	set(&l.Done, "Snap: Done")
	set(&l.Error, "Snap: Error")
	set(&l.ReadyList, "Videos in Edit")
	set(&l.ChannelSuffix, "(Snap)")
}

// applyEnv overlays secrets from the environment. Environment values win
// over the file so secrets can stay out of version control.
func (c *Config) applyEnv(getenv func(string) string) {
	overlay := func(field *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*field = v
		}
	}
	overlay(&c.Trello.APIKey, "SNAP_TRELLO_API_KEY")
	overlay(&c.Trello.Token, "SNAP_TRELLO_TOKEN")
	overlay(&c.Trello.WebhookSecret, "SNAP_TRELLO_WEBHOOK_SECRET")
	overlay(&c.Anthropic.APIKey, "SNAP_ANTHROPIC_API_KEY")
	overlay(&c.ElevenLabs.APIKey, "SNAP_ELEVENLABS_API_KEY")
	overlay(&c.Database.Password, "SNAP_DATABASE_PASSWORD")
	overlay(&c.Notify.Discord.BotToken, "SNAP_DISCORD_TOKEN")
	overlay(&c.Notify.Slack.BotToken, "SNAP_SLACK_TOKEN")
	overlay(&c.Channels.GitHub.Token, "SNAP_GITHUB_TOKEN")
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Database.Driver {
	case "mysql", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not supported (use mysql or sqlite)", c.Database.Driver))
	}
	if c.Trello.BoardID == "" {
		errs = append(errs, "trello.board_id is required")
	}
	switch c.Channels.Source {
	case "sheet":
		if c.Channels.SheetID == "" {
			errs = append(errs, "channels.sheet_id is required for source sheet")
		}
	case "github":
		if c.Channels.GitHub.Owner == "" || c.Channels.GitHub.Repo == "" {
			errs = append(errs, "channels.github.owner and channels.github.repo are required for source github")
		}
	case "static":
		for i, ch := range c.Channels.Static {
			if ch.Name == "" {
				errs = append(errs, fmt.Sprintf("channels.static[%d].name is required", i))
			}
			if ch.VoiceID == "" {
				errs = append(errs, fmt.Sprintf("channels.static[%d].voice_id is required", i))
			}
		}
	default:
		errs = append(errs, fmt.Sprintf("channels.source %q is not supported", c.Channels.Source))
	}
	if c.Worker.Concurrency < 0 {
		errs = append(errs, "worker.concurrency must not be negative")
	}
	switch c.Notify.Platform {
	case "":
	case "discord":
		if c.Notify.Discord.ChannelID == "" {
			errs = append(errs, "notify.discord.channel_id is required")
		}
	case "slack":
		if c.Notify.Slack.ChannelID == "" {
			errs = append(errs, "notify.slack.channel_id is required")
		}
	case "command":
		if c.Notify.Command == "" {
			errs = append(errs, "notify.command is required for platform command")
		}
	default:
		errs = append(errs, fmt.Sprintf("notify.platform %q is not supported", c.Notify.Platform))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
