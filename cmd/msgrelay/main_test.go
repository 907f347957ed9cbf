package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"msgrelay/internal/config"
	"msgrelay/internal/domain"
	"msgrelay/internal/security"
)

func TestSenderPolicies(t *testing.T) {
	cfg := config.ChannelsConfig{
		WhatsApp: config.WhatsAppConfig{SenderPolicy: config.SenderPolicy{Policy: "allowlist", AllowFrom: config.FlexStringList{"15551234567"}}},
		Telegram: config.TelegramConfig{SenderPolicy: config.SenderPolicy{Policy: "open"}},
	}

	got := senderPolicies(cfg)
	assert.Equal(t, security.PlatformPolicy{Mode: security.PolicyAllowlist, Static: []string{"15551234567"}}, got[domain.PlatformWhatsApp])
	assert.Equal(t, security.PolicyOpen, got[domain.PlatformTelegram].Mode)
	assert.Equal(t, security.PolicyOpen, got[domain.PlatformIMessage].Mode)
}

func TestNewLogger(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "logs", "relay.log")

	log, closeFn, err := newLogger(config.GeneralConfig{LogLevel: "debug", LogFormat: "json", LogFile: logFile})
	require.NoError(t, err)
	log.Debug("hello", "k", "v")
	closeFn()

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"hello"`)

	_, _, err = newLogger(config.GeneralConfig{LogLevel: "loud"})
	assert.Error(t, err)
}

func TestParsePlatformArg(t *testing.T) {
	p, err := parsePlatformArg("Telegram")
	require.NoError(t, err)
	assert.Equal(t, domain.PlatformTelegram, p)

	_, err = parsePlatformArg("signal")
	assert.Error(t, err)
}
