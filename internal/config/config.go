package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for msgrelay.
type Config struct {
	General   GeneralConfig   `json:"general" yaml:"general"`
	Server    ServerConfig    `json:"server" yaml:"server"`
	Channels  ChannelsConfig  `json:"channels" yaml:"channels"`
	Pool      PoolConfig      `json:"pool" yaml:"pool"`
	Dedup     DedupConfig     `json:"dedup" yaml:"dedup"`
	Processor ProcessorConfig `json:"processor" yaml:"processor"`
	Agent     AgentConfig     `json:"agent" yaml:"agent"`
	Security  SecurityConfig  `json:"security" yaml:"security"`
	Metrics   MetricsConfig   `json:"metrics" yaml:"metrics"`
}

type GeneralConfig struct {
	LogLevel  string `json:"logLevel" yaml:"logLevel"`
	LogFormat string `json:"logFormat" yaml:"logFormat"` // "text" | "json"
	LogFile   string `json:"logFile,omitempty" yaml:"logFile,omitempty"`
}

type ServerConfig struct {
	Host                   string `json:"host" yaml:"host"`
	Port                   int    `json:"port" yaml:"port"`
	MaxBodyBytes           int64  `json:"maxBodyBytes" yaml:"maxBodyBytes"`
	ShutdownTimeoutSeconds int    `json:"shutdownTimeoutSeconds" yaml:"shutdownTimeoutSeconds"`
}

// Addr returns host:port for net/http.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type ChannelsConfig struct {
	WhatsApp WhatsAppConfig `json:"whatsapp" yaml:"whatsapp"`
	Telegram TelegramConfig `json:"telegram" yaml:"telegram"`
	IMessage IMessageConfig `json:"imessage" yaml:"imessage"`
}

// SenderPolicy is shared by every channel: "open" admits everyone,
// "allowlist" admits only AllowFrom plus stored allow-list entries.
type SenderPolicy struct {
	Policy    string         `json:"policy,omitempty" yaml:"policy,omitempty"`
	AllowFrom FlexStringList `json:"allowFrom,omitempty" yaml:"allowFrom,omitempty"`
}

type WhatsAppConfig struct {
	Enabled       bool    `json:"enabled" yaml:"enabled"`
	PhoneNumberID string  `json:"phoneNumberId,omitempty" yaml:"phoneNumberId,omitempty"`
	AccessToken   string  `json:"accessToken,omitempty" yaml:"accessToken,omitempty"`
	VerifyToken   string  `json:"verifyToken,omitempty" yaml:"verifyToken,omitempty"`
	AppSecret     string  `json:"appSecret,omitempty" yaml:"appSecret,omitempty"`
	APIBase       string  `json:"apiBase,omitempty" yaml:"apiBase,omitempty"`
	SendRate      float64 `json:"sendRate,omitempty" yaml:"sendRate,omitempty"`
	SenderPolicy  `yaml:",inline"`
}

type TelegramConfig struct {
	Enabled       bool    `json:"enabled" yaml:"enabled"`
	Token         string  `json:"token" yaml:"token"`
	WebhookSecret string  `json:"webhookSecret,omitempty" yaml:"webhookSecret,omitempty"`
	ParseMode     string  `json:"parseMode" yaml:"parseMode"`
	APIEndpoint   string  `json:"apiEndpoint,omitempty" yaml:"apiEndpoint,omitempty"`
	SendRate      float64 `json:"sendRate,omitempty" yaml:"sendRate,omitempty"`
	SenderPolicy  `yaml:",inline"`
}

type IMessageConfig struct {
	Enabled       bool    `json:"enabled" yaml:"enabled"`
	ServerURL     string  `json:"serverUrl" yaml:"serverUrl"`
	Password      string  `json:"password" yaml:"password"`
	WebhookSecret string  `json:"webhookSecret,omitempty" yaml:"webhookSecret,omitempty"`
	SendRate      float64 `json:"sendRate,omitempty" yaml:"sendRate,omitempty"`
	SenderPolicy  `yaml:",inline"`
}

// FlexStringList is a []string that can unmarshal from JSON arrays containing
// both strings and numbers (e.g. ["123", 456] both become "123", "456").
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			result = append(result, s)
			continue
		}
		var n float64
		if err := json.Unmarshal(item, &n); err == nil {
			result = append(result, strconv.FormatInt(int64(n), 10))
			continue
		}
		result = append(result, string(item))
	}
	*f = result
	return nil
}

type PoolConfig struct {
	Size                  int `json:"size" yaml:"size"`
	AcquireTimeoutMs      int `json:"acquireTimeoutMs" yaml:"acquireTimeoutMs"`
	ConnectTimeoutSeconds int `json:"connectTimeoutSeconds" yaml:"connectTimeoutSeconds"`
}

func (p PoolConfig) AcquireTimeout() time.Duration {
	return time.Duration(p.AcquireTimeoutMs) * time.Millisecond
}

type DedupConfig struct {
	TTLSeconds int `json:"ttlSeconds" yaml:"ttlSeconds"`
	MaxEntries int `json:"maxEntries" yaml:"maxEntries"`
}

type ProcessorConfig struct {
	Workers     int    `json:"workers" yaml:"workers"`
	QueueSize   int    `json:"queueSize" yaml:"queueSize"`
	BusyMessage string `json:"busyMessage,omitempty" yaml:"busyMessage,omitempty"`
	ErrorReply  string `json:"errorReply,omitempty" yaml:"errorReply,omitempty"`
}

type AgentConfig struct {
	APIBase        string `json:"apiBase" yaml:"apiBase"`
	APIKey         string `json:"apiKey,omitempty" yaml:"apiKey,omitempty"`
	Model          string `json:"model" yaml:"model"`
	SystemPrompt   string `json:"systemPrompt,omitempty" yaml:"systemPrompt,omitempty"`
	MaxTokens      int    `json:"maxTokens,omitempty" yaml:"maxTokens,omitempty"`
	TimeoutSeconds int    `json:"timeoutSeconds" yaml:"timeoutSeconds"`
}

type SecurityConfig struct {
	DBPath string `json:"dbPath,omitempty" yaml:"dbPath,omitempty"` // empty = no stored allow-list
}

type MetricsConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Endpoint string `json:"endpoint" yaml:"endpoint"`
}

// Load reads a .json, .yaml or .yml config file, expands ${VAR} references
// and validates the result.
func Load(path string) (*Config, error) {
	cfg, err := read(path)
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

func read(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Security.DBPath = ExpandPath(cfg.Security.DBPath)
	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // Keep original if no env var and no default
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 0 and 65535")
	}
	if cfg.Server.MaxBodyBytes < 1024 {
		errs = append(errs, "server.maxBodyBytes must be >= 1024")
	}
	if cfg.Pool.Size < 1 || cfg.Pool.Size > 64 {
		errs = append(errs, "pool.size must be between 1 and 64")
	}
	if cfg.Pool.AcquireTimeoutMs < 1 {
		errs = append(errs, "pool.acquireTimeoutMs must be >= 1")
	}
	if cfg.Dedup.TTLSeconds < 1 {
		errs = append(errs, "dedup.ttlSeconds must be >= 1")
	}
	if cfg.Dedup.MaxEntries < 1 {
		errs = append(errs, "dedup.maxEntries must be >= 1")
	}
	if cfg.Processor.Workers < 1 || cfg.Processor.Workers > 256 {
		errs = append(errs, "processor.workers must be between 1 and 256")
	}
	if cfg.Processor.QueueSize < 1 {
		errs = append(errs, "processor.queueSize must be >= 1")
	}
	switch cfg.General.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, "general.logFormat must be one of: text, json")
	}

	policies := map[string]SenderPolicy{
		"whatsapp": cfg.Channels.WhatsApp.SenderPolicy,
		"telegram": cfg.Channels.Telegram.SenderPolicy,
		"imessage": cfg.Channels.IMessage.SenderPolicy,
	}
	for name, p := range policies {
		switch p.Policy {
		case "", "open", "allowlist":
		default:
			errs = append(errs, fmt.Sprintf("channels.%s.policy must be one of: open, allowlist", name))
		}
	}

	if wa := cfg.Channels.WhatsApp; wa.Enabled {
		if wa.PhoneNumberID == "" || wa.AccessToken == "" {
			errs = append(errs, "channels.whatsapp: phoneNumberId and accessToken are required")
		}
		if wa.VerifyToken == "" {
			errs = append(errs, "channels.whatsapp: verifyToken is required")
		}
	}
	if tg := cfg.Channels.Telegram; tg.Enabled && tg.Token == "" {
		errs = append(errs, "channels.telegram: token is required")
	}
	if im := cfg.Channels.IMessage; im.Enabled && (im.ServerURL == "" || im.Password == "") {
		errs = append(errs, "channels.imessage: serverUrl and password are required")
	}
	if cfg.Agent.APIBase == "" {
		errs = append(errs, "agent.apiBase is required")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
