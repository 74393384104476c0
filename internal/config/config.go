package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
)

type GHLConfig struct {
	APIKey     string `json:"apiKey"`
	LocationID string `json:"locationId"`
	BaseURL    string `json:"baseUrl" validate:"required,url"`
}

type AirtableConfig struct {
	PAT        string `json:"pat"`
	BaseID     string `json:"baseId"`
	TasksTable string `json:"tasksTable" validate:"required"`
	BaseURL    string `json:"baseUrl" validate:"required,url"`
}

type GeminiConfig struct {
	APIKey  string `json:"apiKey"`
	Model   string `json:"model" validate:"required"`
	BaseURL string `json:"baseUrl" validate:"required,url"`
}

type IntegrationsConfig struct {
	GHL      GHLConfig      `json:"ghl"`
	Airtable AirtableConfig `json:"airtable"`
	Gemini   GeminiConfig   `json:"gemini"`
}

func (c IntegrationsConfig) GHLConfigured() bool {
	return c.GHL.APIKey != "" && c.GHL.LocationID != ""
}

func (c IntegrationsConfig) AirtableConfigured() bool {
	return c.Airtable.PAT != "" && c.Airtable.BaseID != ""
}

func (c IntegrationsConfig) GeminiConfigured() bool {
	return c.Gemini.APIKey != ""
}

// Flags returns the status flags sent to clients in session-init.
func (c IntegrationsConfig) Flags() map[string]bool {
	return map[string]bool{
		"ghlConfigured":      c.GHLConfigured(),
		"airtableConfigured": c.AirtableConfigured(),
		"geminiConfigured":   c.GeminiConfigured(),
	}
}

type ProberConfig struct {
	Interval       string `json:"interval" validate:"required,duration"`
	Timeout        string `json:"timeout" validate:"required,duration"`
	NotifyRecovery bool   `json:"notifyRecovery"`
}

func (c ProberConfig) IntervalDuration() time.Duration { return mustDuration(c.Interval) }
func (c ProberConfig) TimeoutDuration() time.Duration  { return mustDuration(c.Timeout) }

type HubConfig struct {
	QueueSize int    `json:"queueSize" validate:"gte=1,lte=65536"`
	Overflow  string `json:"overflow" validate:"oneof=drop-oldest disconnect"`
}

type WebhookConfig struct {
	TokenHash     string `json:"tokenHash"`     // bcrypt hash of the X-Webhook-Token value
	SigningSecret string `json:"signingSecret"` // HMAC-SHA256 key for X-Signature-256
	MaxBodyBytes  int64  `json:"maxBodyBytes" validate:"gte=1"`
}

type AuthConfig struct {
	JWTSecret string `json:"jwtSecret"`
	TokenTTL  string `json:"tokenTTL" validate:"required,duration"`
}

func (c AuthConfig) TokenTTLDuration() time.Duration { return mustDuration(c.TokenTTL) }

type WebserverConfig struct {
	Port           int        `json:"port" validate:"gte=0,lte=65535"`
	Host           string     `json:"host"`
	AllowedOrigins []string   `json:"allowedOrigins"`
	Auth           AuthConfig `json:"auth"`
}

type NotificationsConfig struct {
	Enabled        bool   `json:"enabled"`
	Webhook        string `json:"webhook" validate:"omitempty,url"`
	NtfyURL        string `json:"ntfy" validate:"omitempty,url"`
	DiscordWebhook string `json:"discordWebhook" validate:"omitempty,url"`
}

type Config struct {
	Webserver     WebserverConfig     `json:"webserver"`
	Webhook       WebhookConfig       `json:"webhook"`
	Integrations  IntegrationsConfig  `json:"integrations"`
	Prober        ProberConfig        `json:"prober"`
	Hub           HubConfig           `json:"hub"`
	Notifications NotificationsConfig `json:"notifications"`
	LogDir        string              `json:"logDir"`
	LogLevel      string              `json:"logLevel" validate:"omitempty,oneof=debug info warn warning error DEBUG INFO WARN WARNING ERROR"`
	DBPath        string              `json:"dbPath"`
}

func Defaults() Config {
	return Config{
		Webserver: WebserverConfig{
			Port: 3001,
			Host: "0.0.0.0",
			Auth: AuthConfig{TokenTTL: "720h"},
		},
		Webhook: WebhookConfig{MaxBodyBytes: 1 << 20},
		Integrations: IntegrationsConfig{
			GHL:      GHLConfig{BaseURL: "https://services.leadconnectorhq.com"},
			Airtable: AirtableConfig{TasksTable: "Tasks", BaseURL: "https://api.airtable.com"},
			Gemini:   GeminiConfig{Model: "gemini-2.0-flash", BaseURL: "https://generativelanguage.googleapis.com"},
		},
		Prober:   ProberConfig{Interval: "5m", Timeout: "5s"},
		Hub:      HubConfig{QueueSize: 64, Overflow: "drop-oldest"},
		LogLevel: "info",
		DBPath:   DBPath(),
	}
}

func DefaultPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".flowsight-relay", "config.json")
}

func DBPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".flowsight-relay", "state.db")
}

// Load reads the config file at path (a missing file yields defaults) and
// applies environment overrides on top.
func Load(path string) (Config, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, err
	}
	if err == nil {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := ApplyEnv(&cfg, os.Getenv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg with the environment variables the dashboard
// deployment already sets. Empty values leave cfg untouched. A PORT that is
// not a number is an error.
func ApplyEnv(cfg *Config, getenv func(string) string) error {
	set := func(dst *string, key string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	if v := getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PORT %q: not a number", v)
		}
		cfg.Webserver.Port = port
	}
	set(&cfg.Integrations.GHL.APIKey, "GHL_API_KEY")
	set(&cfg.Integrations.GHL.LocationID, "GHL_LOCATION_ID")
	set(&cfg.Integrations.Airtable.PAT, "AIRTABLE_PAT")
	set(&cfg.Integrations.Airtable.BaseID, "AIRTABLE_BASE_ID")
	set(&cfg.Integrations.Airtable.TasksTable, "AIRTABLE_TASKS_TABLE")
	set(&cfg.Integrations.Gemini.APIKey, "GEMINI_API_KEY")
	set(&cfg.Webserver.Auth.JWTSecret, "RELAY_JWT_SECRET")
	set(&cfg.Webhook.SigningSecret, "RELAY_WEBHOOK_SECRET")
	set(&cfg.LogLevel, "LOG_LEVEL")
	return nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
		d, err := time.ParseDuration(fl.Field().String())
		return err == nil && d > 0
	})
	return v
}

// Validate checks field constraints and cross-field rules.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Prober.TimeoutDuration() >= c.Prober.IntervalDuration() {
		return fmt.Errorf("invalid config: prober timeout %s must be shorter than interval %s", c.Prober.Timeout, c.Prober.Interval)
	}
	return nil
}

func mustDuration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}
