package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"

	"msgrelay/internal/domain"
	"msgrelay/internal/metrics"
)

const (
	telegramSecretHeader = "X-Telegram-Bot-Api-Secret-Token"

	// TelegramGreeting replaces a literal /start command.
	TelegramGreeting = "Hello! I just started a conversation with you. Please introduce yourself and tell me what you can help me with."
)

// Parse modes accepted in TelegramConfig.
const (
	TelegramParseHTML  = "html"
	TelegramParsePlain = "plain"
)

// Telegram implements domain.Adapter for a Telegram bot receiving updates
// through a webhook.
type Telegram struct {
	bot       *tgbotapi.BotAPI
	secret    string
	parseMode string
	limiter   *rate.Limiter
	logger    *slog.Logger
}

type TelegramConfig struct {
	Token         string
	WebhookSecret string
	ParseMode     string // html (default) | plain
	APIEndpoint   string // default: tgbotapi.APIEndpoint
	SendRate      float64
	HTTPClient    *http.Client
	Logger        *slog.Logger
}

// NewTelegram builds the adapter without contacting Telegram; the first API
// call happens on the first outbound message.
func NewTelegram(cfg TelegramConfig) *Telegram {
	if cfg.APIEndpoint == "" {
		cfg.APIEndpoint = tgbotapi.APIEndpoint
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.ParseMode == "" {
		cfg.ParseMode = TelegramParseHTML
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	bot := &tgbotapi.BotAPI{Token: cfg.Token, Client: cfg.HTTPClient, Buffer: 100}
	bot.SetAPIEndpoint(cfg.APIEndpoint)

	t := &Telegram{
		bot:       bot,
		secret:    cfg.WebhookSecret,
		parseMode: strings.ToLower(cfg.ParseMode),
		limiter:   newSendLimiter(cfg.SendRate),
		logger:    cfg.Logger.With("platform", domain.PlatformTelegram),
	}
	if t.secret == "" {
		t.logger.Warn("telegram webhook secret not configured, webhook requests will NOT be verified")
	}
	return t
}

func (t *Telegram) Platform() domain.Platform { return domain.PlatformTelegram }

// VerifySignature compares the secret_token Telegram echoes on every webhook.
func (t *Telegram) VerifySignature(_ []byte, header http.Header) bool {
	if t.secret == "" {
		return true
	}
	return tokensEqual(t.secret, header.Get(telegramSecretHeader))
}

// ParseInbound handles message updates only; edits, callbacks, reactions and
// messages sent by bots are ignored.
func (t *Telegram) ParseInbound(payload []byte) (*domain.NormalizedMessage, bool) {
	var update tgbotapi.Update
	if err := json.Unmarshal(payload, &update); err != nil {
		t.logger.Debug("telegram payload shape mismatch", "err", err)
		return nil, false
	}

	msg := update.Message
	if msg == nil || msg.From == nil || msg.Chat == nil || msg.From.IsBot {
		return nil, false
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		text = strings.TrimSpace(msg.Caption)
	}
	if isStartCommand(text) {
		text = TelegramGreeting
	}

	meta := map[string]string{
		domain.MetaMessageID: fmt.Sprintf("%d:%d", msg.Chat.ID, msg.MessageID),
		domain.MetaTimestamp: strconv.Itoa(msg.Date),
		domain.MetaIsGroup:   strconv.FormatBool(msg.Chat.IsGroup() || msg.Chat.IsSuperGroup()),
		"update_id":          strconv.Itoa(update.UpdateID),
	}
	if name := strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName); name != "" {
		meta[domain.MetaDisplayName] = name
	}
	if msg.From.UserName != "" {
		meta["username"] = msg.From.UserName
	}

	return domain.NewNormalizedMessage(
		domain.PlatformTelegram,
		strconv.FormatInt(msg.From.ID, 10),
		strconv.FormatInt(msg.Chat.ID, 10),
		text,
		telegramMedia(msg),
		meta,
	)
}

func isStartCommand(text string) bool {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return false
	}
	cmd := fields[0]
	return cmd == "/start" || strings.HasPrefix(cmd, "/start@")
}

func telegramMedia(msg *tgbotapi.Message) []domain.MediaRef {
	var media []domain.MediaRef
	if n := len(msg.Photo); n > 0 {
		// Sizes are ordered smallest first.
		p := msg.Photo[n-1]
		media = append(media, domain.MediaRef{Type: domain.MediaImage, Ref: p.FileID, MimeType: "image/jpeg", Size: int64(p.FileSize)})
	}
	if d := msg.Document; d != nil {
		media = append(media, domain.MediaRef{Type: domain.MediaDocument, Ref: d.FileID, Filename: d.FileName, MimeType: d.MimeType, Size: int64(d.FileSize)})
	}
	if v := msg.Voice; v != nil {
		media = append(media, domain.MediaRef{Type: domain.MediaVoice, Ref: v.FileID, MimeType: v.MimeType, Size: int64(v.FileSize)})
	}
	if a := msg.Audio; a != nil {
		media = append(media, domain.MediaRef{Type: domain.MediaAudio, Ref: a.FileID, Filename: a.FileName, MimeType: a.MimeType, Size: int64(a.FileSize)})
	}
	if v := msg.Video; v != nil {
		media = append(media, domain.MediaRef{Type: domain.MediaVideo, Ref: v.FileID, Filename: v.FileName, MimeType: v.MimeType, Size: int64(v.FileSize)})
	}
	if s := msg.Sticker; s != nil {
		media = append(media, domain.MediaRef{Type: domain.MediaSticker, Ref: s.FileID, Size: int64(s.FileSize)})
	}
	return media
}

// SendTyping shows the "typing..." chat action.
func (t *Telegram) SendTyping(ctx context.Context, chatID string) error {
	id, err := parseTelegramChatID(chatID)
	if err != nil {
		return err
	}
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err = t.bot.Request(tgbotapi.NewChatAction(id, tgbotapi.ChatTyping))
	return err
}

// SendResponse sends each chunk as HTML first and retries it as plain text
// when Telegram rejects the markup.
func (t *Telegram) SendResponse(ctx context.Context, chatID string, resp domain.NormalizedResponse) error {
	id, err := parseTelegramChatID(chatID)
	if err != nil {
		return err
	}

	var errs []error
	if strings.TrimSpace(resp.Text) != "" {
		for _, chunk := range splitMessage(resp.Text, telegramMaxMsgLen) {
			err := t.sendChunk(ctx, id, chunk)
			metrics.ObserveChunk(domain.PlatformTelegram, err)
			if err != nil {
				t.logger.Error("telegram send failed", "err", err, "chat", chatID)
				errs = append(errs, err)
			}
		}
	}
	for _, a := range resp.Attachments {
		if err := t.sendAttachment(ctx, id, a); err != nil {
			t.logger.Error("telegram attachment send failed", "err", err, "chat", chatID, "url", a.URL)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t *Telegram) sendChunk(ctx context.Context, chatID int64, text string) error {
	if t.parseMode == TelegramParseHTML {
		formatted := markdownToTelegramHTML(text)
		// Markup can push a chunk past the limit; send those as plain text.
		if len([]rune(formatted)) <= telegramMaxMsgLen {
			msg := tgbotapi.NewMessage(chatID, formatted)
			msg.ParseMode = tgbotapi.ModeHTML
			err := t.send(ctx, msg)
			if err == nil {
				return nil
			}
			t.logger.Warn("telegram HTML send failed, retrying as plain text", "err", err)
		}
	}
	return t.send(ctx, tgbotapi.NewMessage(chatID, text))
}

func (t *Telegram) sendAttachment(ctx context.Context, chatID int64, a domain.Attachment) error {
	file := tgbotapi.FileURL(a.URL)
	if strings.HasPrefix(a.MimeType, "image/") {
		return t.send(ctx, tgbotapi.NewPhoto(chatID, file))
	}
	return t.send(ctx, tgbotapi.NewDocument(chatID, file))
}

func (t *Telegram) send(ctx context.Context, c tgbotapi.Chattable) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := t.bot.Send(c)
	return err
}

func parseTelegramChatID(chatID string) (int64, error) {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid telegram chat ID %q: %w", chatID, err)
	}
	return id, nil
}
