package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

const (
	DefaultHost             = "0.0.0.0"
	DefaultPort             = 5000
	DefaultBufSize          = 100
	DefaultTimezone         = "UTC"
	DefaultSessionTTL       = "30m"
	DefaultAffirmationCron  = "0 0 9 * * *"
	DefaultMoodWindowDays   = 7
	DefaultReplyWaitSeconds = 10
)

type Config struct {
	Gateway  GatewayConfig  `json:"gateway"`
	Channels ChannelsConfig `json:"channels"`
	Store    StoreConfig    `json:"store"`
	Content  ContentConfig  `json:"content"`
	Admin    AdminConfig    `json:"admin"`
	Sched    SchedConfig    `json:"sched"`
}

type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type ChannelsConfig struct {
	Twilio   TwilioConfig   `json:"twilio"`
	Telegram TelegramConfig `json:"telegram"`
}

type TwilioConfig struct {
	Enabled          bool     `json:"enabled"`
	AccountSID       string   `json:"accountSid"`
	AuthToken        string   `json:"authToken"`
	PhoneNumber      string   `json:"phoneNumber"`
	BaseURL          string   `json:"baseUrl,omitempty"`
	AllowFrom        []string `json:"allowFrom"`
	ReplyWaitSeconds int      `json:"replyWaitSeconds,omitempty"`
}

type TelegramConfig struct {
	Enabled   bool     `json:"enabled"`
	Token     string   `json:"token"`
	AllowFrom []string `json:"allowFrom"`
	Proxy     string   `json:"proxy,omitempty"`
}

type StoreConfig struct {
	DBPath string `json:"dbPath,omitempty"`
}

type ContentConfig struct {
	Dir string `json:"dir,omitempty"`
}

type AdminConfig struct {
	Numbers  []string `json:"numbers"`
	Timezone string   `json:"timezone"`
}

type SchedConfig struct {
	AffirmationCron string `json:"affirmationCron,omitempty"`
	SessionTTL      string `json:"sessionTtl,omitempty"`
	JobsPath        string `json:"jobsPath,omitempty"`
}

func DefaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host: DefaultHost,
			Port: DefaultPort,
		},
		Channels: ChannelsConfig{},
		Store: StoreConfig{
			DBPath: filepath.Join(ConfigDir(), "data", "wellness.db"),
		},
		Content: ContentConfig{
			Dir: filepath.Join(ConfigDir(), "content"),
		},
		Admin: AdminConfig{
			Timezone: DefaultTimezone,
		},
		Sched: SchedConfig{
			AffirmationCron: DefaultAffirmationCron,
			SessionTTL:      DefaultSessionTTL,
			JobsPath:        filepath.Join(ConfigDir(), "data", "sched", "jobs.json"),
		},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".wellnest")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

func LoadConfig() (*Config, error) {
	// Twilio credentials commonly live in a .env next to the process.
	_ = godotenv.Load()

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

	applyEnvOverrides(cfg)

	if cfg.Store.DBPath == "" {
		cfg.Store.DBPath = DefaultConfig().Store.DBPath
	}
	if cfg.Content.Dir == "" {
		cfg.Content.Dir = DefaultConfig().Content.Dir
	}
	if cfg.Admin.Timezone == "" {
		cfg.Admin.Timezone = DefaultTimezone
	}
	if cfg.Sched.AffirmationCron == "" {
		cfg.Sched.AffirmationCron = DefaultAffirmationCron
	}
	if cfg.Sched.SessionTTL == "" {
		cfg.Sched.SessionTTL = DefaultSessionTTL
	}
	if cfg.Sched.JobsPath == "" {
		cfg.Sched.JobsPath = DefaultConfig().Sched.JobsPath
	}
	if cfg.Channels.Twilio.ReplyWaitSeconds <= 0 {
		cfg.Channels.Twilio.ReplyWaitSeconds = DefaultReplyWaitSeconds
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if sid := os.Getenv("TWILIO_ACCOUNT_SID"); sid != "" {
		cfg.Channels.Twilio.AccountSID = sid
	}
	if token := os.Getenv("TWILIO_AUTH_TOKEN"); token != "" {
		cfg.Channels.Twilio.AuthToken = token
	}
	if number := os.Getenv("TWILIO_PHONE_NUMBER"); number != "" {
		cfg.Channels.Twilio.PhoneNumber = number
	}
	if token := os.Getenv("WELLNEST_TELEGRAM_TOKEN"); token != "" {
		cfg.Channels.Telegram.Token = token
	}
	if dbPath := os.Getenv("WELLNEST_DB_PATH"); dbPath != "" {
		cfg.Store.DBPath = dbPath
	}
	if dir := os.Getenv("WELLNEST_CONTENT_DIR"); dir != "" {
		cfg.Content.Dir = dir
	}
	if port := os.Getenv("WELLNEST_PORT"); port != "" {
		if parsed, err := strconv.Atoi(port); err == nil {
			cfg.Gateway.Port = parsed
		}
	}
	if tz := os.Getenv("WELLNEST_TIMEZONE"); tz != "" {
		cfg.Admin.Timezone = tz
	}
}

// Validate enforces the startup contract: enabled channels must carry their
// credentials. A failure here is fatal, the process exits non-zero.
func Validate(cfg *Config) error {
	if cfg.Channels.Twilio.Enabled {
		tw := cfg.Channels.Twilio
		if tw.AccountSID == "" || tw.AuthToken == "" || tw.PhoneNumber == "" {
			return fmt.Errorf("missing Twilio configuration (TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN, TWILIO_PHONE_NUMBER)")
		}
	}
	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token == "" {
		return fmt.Errorf("missing telegram token (WELLNEST_TELEGRAM_TOKEN)")
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
