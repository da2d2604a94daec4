package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
)

// FlexibleStringSlice is a []string that also accepts JSON numbers, so
// self-identifier lists can contain both "123456" and 123456 (provider page
// ids are numeric in some backends).
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	// Try []string first
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}

	// Try []interface{} to handle mixed types
	var raw []any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

type Config struct {
	API      APIConfig      `json:"api"`
	Socket   SocketConfig   `json:"socket"`
	Identity IdentityConfig `json:"identity"`
	Refresh  RefreshConfig  `json:"refresh"`
	Backoff  BackoffConfig  `json:"backoff"`
	Suggest  SuggestConfig  `json:"suggest,omitzero"`
}

// APIConfig points at the conversation backend. Token is optional; without
// one, requests go out with no Authorization header.
type APIConfig struct {
	BaseURL string `env:"TINYINBOX_API_BASE_URL" json:"base_url"`
	Token   string `env:"TINYINBOX_API_TOKEN"    json:"token,omitempty"`
}

type SocketConfig struct {
	URL             string `env:"TINYINBOX_SOCKET_URL"               json:"url"`
	ReconnectBaseMS int    `env:"TINYINBOX_SOCKET_RECONNECT_BASE_MS" json:"reconnect_base_ms"`
}

// IdentityConfig holds the business's own provider identities, used to pick
// the non-self participant in social conversations. Never hardcoded.
type IdentityConfig struct {
	FacebookPageIDs     FlexibleStringSlice `env:"TINYINBOX_IDENTITY_FACEBOOK_PAGE_IDS"     json:"facebook_page_ids"`
	InstagramAccountIDs FlexibleStringSlice `env:"TINYINBOX_IDENTITY_INSTAGRAM_ACCOUNT_IDS" json:"instagram_account_ids"`
	WhatsAppNumberIDs   FlexibleStringSlice `env:"TINYINBOX_IDENTITY_WHATSAPP_NUMBER_IDS"   json:"whatsapp_number_ids"`
}

// RefreshConfig drives the fallback snapshot refresh. Cron wins over the
// interval when both are set.
type RefreshConfig struct {
	IntervalMinutes int    `env:"TINYINBOX_REFRESH_INTERVAL_MINUTES" json:"interval_minutes"`
	Cron            string `env:"TINYINBOX_REFRESH_CRON"             json:"cron,omitempty"`
}

type BackoffConfig struct {
	BaseMS      int `env:"TINYINBOX_BACKOFF_BASE_MS"      json:"base_ms"`
	MaxAttempts int `env:"TINYINBOX_BACKOFF_MAX_ATTEMPTS" json:"max_attempts"`
}

// SuggestConfig enables the AI reply draft collaborator.
type SuggestConfig struct {
	Enabled bool   `env:"TINYINBOX_SUGGEST_ENABLED" json:"enabled"`
	APIKey  string `env:"TINYINBOX_SUGGEST_API_KEY" json:"api_key,omitempty"`
	Model   string `env:"TINYINBOX_SUGGEST_MODEL"   json:"model,omitempty"`
}

// DefaultConfig returns the configuration template applied before the JSON
// file and env overlays.
func DefaultConfig() *Config {
	return &Config{
		API:    APIConfig{BaseURL: "http://localhost:8080"},
		Socket: SocketConfig{URL: "ws://localhost:8080/socket", ReconnectBaseMS: 1000},
		Refresh: RefreshConfig{
			IntervalMinutes: 5,
		},
		Backoff: BackoffConfig{
			BaseMS:      500,
			MaxAttempts: 5,
		},
		Suggest: SuggestConfig{
			Model: "claude-haiku-4-5",
		},
	}
}

// Validate checks the loaded configuration for required fields.
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return errors.New("api.base_url is required")
	}
	if c.Socket.URL == "" {
		return errors.New("socket.url is required")
	}
	if c.Backoff.MaxAttempts <= 0 {
		return errors.New("backoff.max_attempts must be positive")
	}
	return nil
}

// SelfIDs returns the configured self identifiers for a platform name.
func (c *Config) SelfIDs(platform string) []string {
	switch platform {
	case "facebook":
		return c.Identity.FacebookPageIDs
	case "instagram":
		return c.Identity.InstagramAccountIDs
	case "whatsapp":
		return c.Identity.WhatsAppNumberIDs
	}
	return nil
}

// LoadConfig reads the JSON config file (if present), then applies env
// overrides. A missing file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if err := env.Parse(cfg); err != nil {
				return nil, err
			}
			return cfg, cfg.Validate()
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, cfg.Validate()
}

// SaveConfig writes the configuration back to disk.
func SaveConfig(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}
