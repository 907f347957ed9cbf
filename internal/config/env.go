package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix namespaces every environment override, e.g. MSGRELAY_SERVER_PORT.
const EnvPrefix = "MSGRELAY"

type envBinding struct {
	key string
	str func(*Config) *string
	num func(*Config) *int
}

var envBindings = []envBinding{
	{key: "general.log_level", str: func(c *Config) *string { return &c.General.LogLevel }},
	{key: "general.log_format", str: func(c *Config) *string { return &c.General.LogFormat }},
	{key: "server.host", str: func(c *Config) *string { return &c.Server.Host }},
	{key: "server.port", num: func(c *Config) *int { return &c.Server.Port }},

	{key: "whatsapp.phone_number_id", str: func(c *Config) *string { return &c.Channels.WhatsApp.PhoneNumberID }},
	{key: "whatsapp.access_token", str: func(c *Config) *string { return &c.Channels.WhatsApp.AccessToken }},
	{key: "whatsapp.verify_token", str: func(c *Config) *string { return &c.Channels.WhatsApp.VerifyToken }},
	{key: "whatsapp.app_secret", str: func(c *Config) *string { return &c.Channels.WhatsApp.AppSecret }},
	{key: "whatsapp.policy", str: func(c *Config) *string { return &c.Channels.WhatsApp.Policy }},

	{key: "telegram.bot_token", str: func(c *Config) *string { return &c.Channels.Telegram.Token }},
	{key: "telegram.webhook_secret", str: func(c *Config) *string { return &c.Channels.Telegram.WebhookSecret }},
	{key: "telegram.policy", str: func(c *Config) *string { return &c.Channels.Telegram.Policy }},

	{key: "imessage.server_url", str: func(c *Config) *string { return &c.Channels.IMessage.ServerURL }},
	{key: "imessage.password", str: func(c *Config) *string { return &c.Channels.IMessage.Password }},
	{key: "imessage.webhook_secret", str: func(c *Config) *string { return &c.Channels.IMessage.WebhookSecret }},
	{key: "imessage.policy", str: func(c *Config) *string { return &c.Channels.IMessage.Policy }},

	{key: "pool.size", num: func(c *Config) *int { return &c.Pool.Size }},
	{key: "pool.acquire_timeout_ms", num: func(c *Config) *int { return &c.Pool.AcquireTimeoutMs }},
	{key: "dedup.ttl_seconds", num: func(c *Config) *int { return &c.Dedup.TTLSeconds }},
	{key: "dedup.max_entries", num: func(c *Config) *int { return &c.Dedup.MaxEntries }},
	{key: "processor.workers", num: func(c *Config) *int { return &c.Processor.Workers }},

	{key: "agent.api_base", str: func(c *Config) *string { return &c.Agent.APIBase }},
	{key: "agent.api_key", str: func(c *Config) *string { return &c.Agent.APIKey }},
	{key: "agent.model", str: func(c *Config) *string { return &c.Agent.Model }},
	{key: "agent.system_prompt", str: func(c *Config) *string { return &c.Agent.SystemPrompt }},

	{key: "security.db_path", str: func(c *Config) *string { return &c.Security.DBPath }},
}

// EnvKey returns the environment variable name for a binding key.
func EnvKey(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// ApplyEnv overlays MSGRELAY_* environment variables onto cfg. A channel whose
// credentials are complete after the overlay is enabled.
func ApplyEnv(cfg *Config) error {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for _, b := range envBindings {
		if !v.IsSet(b.key) {
			continue
		}
		raw := v.GetString(b.key)
		switch {
		case b.str != nil:
			*b.str(cfg) = raw
		case b.num != nil:
			n, err := strconv.Atoi(strings.TrimSpace(raw))
			if err != nil {
				return fmt.Errorf("%s: not an integer: %q", EnvKey(b.key), raw)
			}
			*b.num(cfg) = n
		}
	}

	ch := &cfg.Channels
	if v.IsSet("whatsapp.access_token") && ch.WhatsApp.PhoneNumberID != "" && ch.WhatsApp.AccessToken != "" {
		ch.WhatsApp.Enabled = true
	}
	if v.IsSet("telegram.bot_token") && ch.Telegram.Token != "" {
		ch.Telegram.Enabled = true
	}
	if v.IsSet("imessage.server_url") && ch.IMessage.ServerURL != "" && ch.IMessage.Password != "" {
		ch.IMessage.Enabled = true
	}
	return nil
}

// LoadWithEnv loads path (or defaults when path is empty), applies
// environment overrides and validates the result.
func LoadWithEnv(path string) (*Config, error) {
	cfg := Defaults()
	if path != "" {
		loaded, err := read(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, fmt.Errorf("env overrides: %w", err)
	}
	cfg.Security.DBPath = ExpandPath(cfg.Security.DBPath)
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}
