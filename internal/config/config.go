package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

const (
	DefaultTimezone           = "America/Los_Angeles"
	DefaultHost               = "0.0.0.0"
	DefaultPort               = 3000
	DefaultBufSize            = 100
	DefaultCommandPrefix      = "!"
	DefaultDataFile           = "sales_data.json"
	DefaultMaxRecentEntries   = 50
	DefaultQuietUntilHour     = 8
	DefaultLargeSaleThreshold = 1000
	DefaultMultiSaleCount     = 3
	DefaultReactionBase       = "✅"
	DefaultReactionLargeSale  = "🔥"
	DefaultReactionMultiSale  = "🎉"
	DefaultGitHost            = "github.com"
	DefaultGitBranch          = "main"
	DefaultGitUserName        = "salesboard-bot"
	DefaultGitUserEmail       = "salesboard-bot@users.noreply.github.com"
	DefaultSyncTimeout        = 60
	DefaultServiceName        = "salesboard"
)

type Config struct {
	Discord   DiscordConfig   `json:"discord"`
	Data      DataConfig      `json:"data"`
	Schedule  ScheduleConfig  `json:"schedule"`
	Reactions ReactionsConfig `json:"reactions"`
	Mirror    MirrorConfig    `json:"mirror"`
	Gateway   GatewayConfig   `json:"gateway"`
	Telemetry TelemetryConfig `json:"telemetry"`
}

type DiscordConfig struct {
	Token            string `json:"token"`
	SalesChannelID   string `json:"salesChannelId"`
	ReportsChannelID string `json:"reportsChannelId"`
	BackupChannelID  string `json:"backupChannelId,omitempty"`
	// GuildID restricts the bot to one server when set.
	GuildID          string `json:"guildId,omitempty"`
	CommandPrefix    string `json:"commandPrefix,omitempty"`
}

type DataConfig struct {
	Dir              string `json:"dir"`
	FileName         string `json:"fileName,omitempty"`
	MaxRecentEntries int    `json:"maxRecentEntries"`
}

type ScheduleConfig struct {
	Timezone string `json:"timezone"`
	// QuietUntilHour: posting jobs never run from midnight until this hour.
	QuietUntilHour int `json:"quietUntilHour"`
	// Jobs overrides default cron expressions by job name.
	Jobs map[string]string `json:"jobs,omitempty"`
}

type ReactionsConfig struct {
	Base               string  `json:"base"`
	LargeSale          string  `json:"largeSale"`
	MultiSale          string  `json:"multiSale"`
	LargeSaleThreshold float64 `json:"largeSaleThreshold"`
	MultiSaleCount     int     `json:"multiSaleCount"`
}

type MirrorConfig struct {
	Host       string `json:"host,omitempty"`
	Repo       string `json:"repo,omitempty"` // "owner/name"
	Branch     string `json:"branch,omitempty"`
	Token      string `json:"token,omitempty"`
	UserName   string `json:"userName,omitempty"`
	UserEmail  string `json:"userEmail,omitempty"`
	TimeoutSec int    `json:"timeoutSec,omitempty"`
}

// Enabled reports whether a remote mirror is configured.
func (m MirrorConfig) Enabled() bool {
	return m.Repo != "" && m.Token != ""
}

type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type TelemetryConfig struct {
	Endpoint    string `json:"endpoint,omitempty"`
	Insecure    bool   `json:"insecure,omitempty"`
	ServiceName string `json:"serviceName,omitempty"`
}

func DefaultConfig() *Config {
	return &Config{
		Discord: DiscordConfig{
			CommandPrefix: DefaultCommandPrefix,
		},
		Data: DataConfig{
			Dir:              filepath.Join(ConfigDir(), "data"),
			FileName:         DefaultDataFile,
			MaxRecentEntries: DefaultMaxRecentEntries,
		},
		Schedule: ScheduleConfig{
			Timezone:       DefaultTimezone,
			QuietUntilHour: DefaultQuietUntilHour,
		},
		Reactions: ReactionsConfig{
			Base:               DefaultReactionBase,
			LargeSale:          DefaultReactionLargeSale,
			MultiSale:          DefaultReactionMultiSale,
			LargeSaleThreshold: DefaultLargeSaleThreshold,
			MultiSaleCount:     DefaultMultiSaleCount,
		},
		Mirror: MirrorConfig{
			Host:       DefaultGitHost,
			Branch:     DefaultGitBranch,
			UserName:   DefaultGitUserName,
			UserEmail:  DefaultGitUserEmail,
			TimeoutSec: DefaultSyncTimeout,
		},
		Gateway: GatewayConfig{
			Host: DefaultHost,
			Port: DefaultPort,
		},
		Telemetry: TelemetryConfig{
			ServiceName: DefaultServiceName,
		},
	}
}

func ConfigDir() string {
	if dir := os.Getenv("SALESBOARD_HOME"); dir != "" {
		return dir
	}
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".salesboard")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

// DataPath is the ledger document location.
func (c *Config) DataPath() string {
	return filepath.Join(c.Data.Dir, c.Data.FileName)
}

// LoadDotEnv loads ./.env into the process environment without overriding
// variables that are already set. A missing file is not an error.
func LoadDotEnv() {
	_ = godotenv.Load()
}

func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if token := os.Getenv("SALESBOARD_DISCORD_TOKEN"); token != "" {
		cfg.Discord.Token = token
	}
	if token := os.Getenv("DISCORD_TOKEN"); token != "" && cfg.Discord.Token == "" {
		cfg.Discord.Token = token
	}
	if id := os.Getenv("SALES_CHANNEL_ID"); id != "" {
		cfg.Discord.SalesChannelID = id
	}
	if id := os.Getenv("REPORTS_CHANNEL_ID"); id != "" {
		cfg.Discord.ReportsChannelID = id
	}
	if id := os.Getenv("BACKUP_CHANNEL_ID"); id != "" {
		cfg.Discord.BackupChannelID = id
	}
	if dir := os.Getenv("DATA_DIR"); dir != "" {
		cfg.Data.Dir = dir
	}
	if tz := os.Getenv("SALESBOARD_TIMEZONE"); tz != "" {
		cfg.Schedule.Timezone = tz
	}
	if threshold := os.Getenv("LARGE_SALE_THRESHOLD"); threshold != "" {
		if parsed, err := strconv.ParseFloat(threshold, 64); err == nil {
			cfg.Reactions.LargeSaleThreshold = parsed
		}
	}
	if token := os.Getenv("GITHUB_TOKEN"); token != "" {
		cfg.Mirror.Token = token
	}
	if repo := os.Getenv("GITHUB_REPO"); repo != "" {
		cfg.Mirror.Repo = repo
	}
	if branch := os.Getenv("GITHUB_BRANCH"); branch != "" {
		cfg.Mirror.Branch = branch
	}
	if host := os.Getenv("GIT_HOST"); host != "" {
		cfg.Mirror.Host = host
	}
	if port := os.Getenv("PORT"); port != "" {
		if parsed, err := strconv.Atoi(port); err == nil {
			cfg.Gateway.Port = parsed
		}
	}
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		cfg.Telemetry.Endpoint = endpoint
	}

	if cfg.Data.Dir == "" {
		cfg.Data.Dir = DefaultConfig().Data.Dir
	}
	if cfg.Data.FileName == "" {
		cfg.Data.FileName = DefaultDataFile
	}
	if cfg.Data.MaxRecentEntries < 0 {
		cfg.Data.MaxRecentEntries = DefaultMaxRecentEntries
	}
	if cfg.Schedule.Timezone == "" {
		cfg.Schedule.Timezone = DefaultTimezone
	}
	if cfg.Schedule.QuietUntilHour < 0 || cfg.Schedule.QuietUntilHour > 23 {
		cfg.Schedule.QuietUntilHour = DefaultQuietUntilHour
	}
	if cfg.Discord.CommandPrefix == "" {
		cfg.Discord.CommandPrefix = DefaultCommandPrefix
	}
	if cfg.Reactions.MultiSaleCount <= 0 {
		cfg.Reactions.MultiSaleCount = DefaultMultiSaleCount
	}
	if cfg.Mirror.Host == "" {
		cfg.Mirror.Host = DefaultGitHost
	}
	if cfg.Mirror.Branch == "" {
		cfg.Mirror.Branch = DefaultGitBranch
	}
	if cfg.Mirror.TimeoutSec <= 0 {
		cfg.Mirror.TimeoutSec = DefaultSyncTimeout
	}
	if cfg.Gateway.Port <= 0 {
		cfg.Gateway.Port = DefaultPort
	}

	return cfg, nil
}

// Validate checks what the gateway cannot start without.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Discord.Token) == "" {
		return fmt.Errorf("discord token not set. Set DISCORD_TOKEN or discord.token in %s", ConfigPath())
	}
	if strings.TrimSpace(c.Discord.SalesChannelID) == "" {
		return fmt.Errorf("sales channel not set. Set SALES_CHANNEL_ID or discord.salesChannelId")
	}
	if c.Mirror.Repo != "" && !strings.Contains(c.Mirror.Repo, "/") {
		return fmt.Errorf("mirror repo %q must be owner/name", c.Mirror.Repo)
	}
	return nil
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0644)
}

// Mask shows the first and last four characters of a secret.
func Mask(secret string) string {
	switch {
	case secret == "":
		return "not set"
	case len(secret) > 8:
		return secret[:4] + "..." + secret[len(secret)-4:]
	default:
		return "set"
	}
}
