package channel

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"msgrelay/internal/config"
	"msgrelay/internal/domain"
)

func TestFromConfig(t *testing.T) {
	cfg := config.ChannelsConfig{
		WhatsApp: config.WhatsAppConfig{Enabled: true, PhoneNumberID: "p", AccessToken: "a", VerifyToken: "v"},
		Telegram: config.TelegramConfig{Enabled: false, Token: "t"},
		IMessage: config.IMessageConfig{Enabled: true, ServerURL: "http://bb", Password: "pw"},
	}

	adapters := FromConfig(cfg, discardLogger())
	var platforms []domain.Platform
	for _, a := range adapters {
		platforms = append(platforms, a.Platform())
	}
	assert.Equal(t, []domain.Platform{domain.PlatformWhatsApp, domain.PlatformIMessage}, platforms)

	_, isChallenger := adapters[0].(domain.ChallengeResponder)
	assert.True(t, isChallenger)
	_, isTyper := adapters[1].(domain.TypingIndicator)
	assert.True(t, isTyper)
}

func TestFromConfig_NoneEnabled(t *testing.T) {
	assert.Empty(t, FromConfig(config.ChannelsConfig{}, nil))
}
