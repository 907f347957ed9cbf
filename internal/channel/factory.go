package channel

import (
	"log/slog"

	"msgrelay/internal/config"
	"msgrelay/internal/domain"
)

// FromConfig builds an adapter for every enabled channel, in a fixed order.
func FromConfig(cfg config.ChannelsConfig, logger *slog.Logger) []domain.Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	var adapters []domain.Adapter

	if wa := cfg.WhatsApp; wa.Enabled {
		adapters = append(adapters, NewWhatsApp(WhatsAppConfig{
			PhoneNumberID: wa.PhoneNumberID,
			AccessToken:   wa.AccessToken,
			VerifyToken:   wa.VerifyToken,
			AppSecret:     wa.AppSecret,
			APIBase:       wa.APIBase,
			SendRate:      wa.SendRate,
			Logger:        logger,
		}))
	}
	if tg := cfg.Telegram; tg.Enabled {
		adapters = append(adapters, NewTelegram(TelegramConfig{
			Token:         tg.Token,
			WebhookSecret: tg.WebhookSecret,
			ParseMode:     tg.ParseMode,
			APIEndpoint:   tg.APIEndpoint,
			SendRate:      tg.SendRate,
			Logger:        logger,
		}))
	}
	if im := cfg.IMessage; im.Enabled {
		adapters = append(adapters, NewIMessage(IMessageConfig{
			ServerURL:     im.ServerURL,
			Password:      im.Password,
			WebhookSecret: im.WebhookSecret,
			SendRate:      im.SendRate,
			Logger:        logger,
		}))
	}

	for _, a := range adapters {
		logger.Info("channel enabled", "platform", a.Platform())
	}
	return adapters
}
