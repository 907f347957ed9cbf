package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"msgrelay/internal/domain"
	"msgrelay/internal/metrics"
)

const (
	whatsappAPIBase       = "https://graph.facebook.com/v21.0"
	whatsappObject        = "whatsapp_business_account"
	whatsappSessionWindow = 24 * time.Hour
	whatsappTrackedChats  = 10000
)

// WhatsApp implements domain.Adapter for the WhatsApp Business Cloud API.
type WhatsApp struct {
	phoneNumberID string
	accessToken   string
	verifyToken   string
	appSecret     string
	apiBase       string

	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger

	// chats holds per-chat inbound state: last inbound time (24h session
	// window) and last inbound message id (marked read before replying).
	chatsMu sync.Mutex
	chats   *lru.Cache[string, waChatState]
	now     func() time.Time
}

type waChatState struct {
	lastInbound   time.Time
	lastMessageID string
}

type WhatsAppConfig struct {
	PhoneNumberID string
	AccessToken   string
	VerifyToken   string
	AppSecret     string
	APIBase       string  // default: Graph API v21.0
	SendRate      float64 // messages per second, 0 = default
	HTTPClient    *http.Client
	Logger        *slog.Logger
}

func NewWhatsApp(cfg WhatsAppConfig) *WhatsApp {
	if cfg.APIBase == "" {
		cfg.APIBase = whatsappAPIBase
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	chats, _ := lru.New[string, waChatState](whatsappTrackedChats)

	w := &WhatsApp{
		phoneNumberID: cfg.PhoneNumberID,
		accessToken:   cfg.AccessToken,
		verifyToken:   cfg.VerifyToken,
		appSecret:     cfg.AppSecret,
		apiBase:       strings.TrimRight(cfg.APIBase, "/"),
		client:        cfg.HTTPClient,
		limiter:       newSendLimiter(cfg.SendRate),
		logger:        cfg.Logger.With("platform", domain.PlatformWhatsApp),
		chats:         chats,
		now:           time.Now,
	}
	if w.appSecret == "" {
		w.logger.Warn("whatsapp app secret not configured, webhook signatures will NOT be verified")
	}
	return w
}

func (w *WhatsApp) Platform() domain.Platform { return domain.PlatformWhatsApp }

// VerifySignature checks the X-Hub-Signature-256 header.
func (w *WhatsApp) VerifySignature(body []byte, header http.Header) bool {
	if w.appSecret == "" {
		return true
	}
	return verifyPrefixedHMAC(body, w.appSecret, header.Get("X-Hub-Signature-256"))
}

// VerifyChallenge answers the hub.* subscription handshake.
func (w *WhatsApp) VerifyChallenge(query url.Values) (string, bool) {
	mode := query.Get("hub.mode")
	token := query.Get("hub.verify_token")
	challenge := query.Get("hub.challenge")

	if mode == "subscribe" && w.verifyToken != "" && tokensEqual(w.verifyToken, token) {
		w.logger.Info("whatsapp webhook verified")
		return challenge, true
	}
	w.logger.Warn("whatsapp webhook verification failed", "mode", mode)
	return "", false
}

// ParseInbound honours only the first message of the first change that
// carries messages. Status updates (sent/delivered/read) and reactions are
// ignored.
func (w *WhatsApp) ParseInbound(payload []byte) (*domain.NormalizedMessage, bool) {
	var p waPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		w.logger.Debug("whatsapp payload shape mismatch", "err", err)
		return nil, false
	}
	if p.Object != whatsappObject {
		return nil, false
	}

	for _, entry := range p.Entry {
		for _, change := range entry.Changes {
			if len(change.Value.Messages) == 0 {
				continue
			}
			if change.Field == "smb_message_echoes" {
				return nil, false
			}
			return w.normalize(change.Value, change.Value.Messages[0])
		}
	}
	return nil, false
}

func (w *WhatsApp) normalize(value waValue, msg waMessage) (*domain.NormalizedMessage, bool) {
	if msg.From == "" {
		return nil, false
	}
	if own := digitsOnly(value.Metadata.DisplayPhoneNumber); own != "" && digitsOnly(msg.From) == own {
		return nil, false
	}

	var (
		text  string
		media []domain.MediaRef
	)
	switch msg.Type {
	case "text":
		if msg.Text != nil {
			text = msg.Text.Body
		}
	case "image", "video", "audio", "voice", "document", "sticker":
		m := msg.media()
		if m == nil || m.ID == "" {
			return nil, false
		}
		text = m.Caption
		media = append(media, domain.MediaRef{
			Type:     waMediaType(msg.Type, m),
			Ref:      m.ID,
			Filename: m.Filename,
			MimeType: m.MimeType,
		})
	case "interactive":
		if msg.Interactive != nil {
			switch {
			case msg.Interactive.ButtonReply != nil:
				text = msg.Interactive.ButtonReply.Title
			case msg.Interactive.ListReply != nil:
				text = msg.Interactive.ListReply.Title
			}
		}
	case "button":
		if msg.Button != nil {
			text = msg.Button.Text
		}
	default:
		// reaction, unsupported, system, ...
		return nil, false
	}

	meta := map[string]string{
		domain.MetaMessageID: msg.ID,
		domain.MetaTimestamp: msg.Timestamp,
		domain.MetaIsGroup:   "false",
	}
	for _, c := range value.Contacts {
		if c.WaID == msg.From && c.Profile.Name != "" {
			meta[domain.MetaDisplayName] = c.Profile.Name
		}
	}

	return domain.NewNormalizedMessage(domain.PlatformWhatsApp, msg.From, msg.From, text, media, meta)
}

// RecordInbound opens the chat's 24h session window and remembers the
// message to mark read before the reply.
func (w *WhatsApp) RecordInbound(msg *domain.NormalizedMessage) {
	w.chatsMu.Lock()
	defer w.chatsMu.Unlock()
	w.chats.Add(msg.PlatformChatID, waChatState{lastInbound: w.now(), lastMessageID: msg.MessageID()})
}

// takeLastMessageID returns and clears the message id to mark read.
func (w *WhatsApp) takeLastMessageID(chatID string) string {
	w.chatsMu.Lock()
	defer w.chatsMu.Unlock()
	st, ok := w.chats.Get(chatID)
	if !ok || st.lastMessageID == "" {
		return ""
	}
	id := st.lastMessageID
	st.lastMessageID = ""
	w.chats.Add(chatID, st)
	return id
}

func (w *WhatsApp) withinSessionWindow(chatID string) bool {
	w.chatsMu.Lock()
	defer w.chatsMu.Unlock()
	st, ok := w.chats.Get(chatID)
	return ok && w.now().Sub(st.lastInbound) < whatsappSessionWindow
}

// SendTyping marks the last inbound message read and shows the typing
// indicator. It is a no-op when there is no inbound message to anchor it to.
// The message is not marked read again by SendResponse.
func (w *WhatsApp) SendTyping(ctx context.Context, chatID string) error {
	id := w.takeLastMessageID(chatID)
	if id == "" {
		return nil
	}
	return w.post(ctx, map[string]any{
		"messaging_product": "whatsapp",
		"status":            "read",
		"message_id":        id,
		"typing_indicator":  map[string]string{"type": "text"},
	})
}

// SendResponse marks the triggering message read, then sends the text in
// chunks followed by any attachments.
func (w *WhatsApp) SendResponse(ctx context.Context, chatID string, resp domain.NormalizedResponse) error {
	if id := w.takeLastMessageID(chatID); id != "" {
		if err := w.markRead(ctx, id); err != nil {
			w.logger.Debug("whatsapp mark read failed", "err", err, "chat", chatID)
		}
	}
	if !w.withinSessionWindow(chatID) {
		w.logger.Warn("whatsapp chat outside 24h session window, free-form message may be rejected", "chat", chatID)
	}

	var errs []error
	text := markdownToWhatsApp(resp.Text)
	if strings.TrimSpace(text) != "" {
		for _, chunk := range splitMessage(text, whatsappMaxMsgLen) {
			err := w.sendText(ctx, chatID, chunk)
			metrics.ObserveChunk(domain.PlatformWhatsApp, err)
			if err != nil {
				w.logger.Error("whatsapp send failed", "err", err, "chat", chatID)
				errs = append(errs, err)
			}
		}
	}
	for _, a := range resp.Attachments {
		if err := w.sendAttachment(ctx, chatID, a); err != nil {
			w.logger.Error("whatsapp attachment send failed", "err", err, "chat", chatID, "url", a.URL)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (w *WhatsApp) markRead(ctx context.Context, messageID string) error {
	return w.post(ctx, map[string]any{
		"messaging_product": "whatsapp",
		"status":            "read",
		"message_id":        messageID,
	})
}

func (w *WhatsApp) sendText(ctx context.Context, to, text string) error {
	return w.post(ctx, map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                to,
		"type":              "text",
		"text":              map[string]any{"preview_url": false, "body": text},
	})
}

func (w *WhatsApp) sendAttachment(ctx context.Context, to string, a domain.Attachment) error {
	kind := "document"
	switch {
	case strings.HasPrefix(a.MimeType, "image/"):
		kind = "image"
	case strings.HasPrefix(a.MimeType, "video/"):
		kind = "video"
	case strings.HasPrefix(a.MimeType, "audio/"):
		kind = "audio"
	}
	obj := map[string]string{"link": a.URL}
	if kind == "document" && a.Filename != "" {
		obj["filename"] = a.Filename
	}
	return w.post(ctx, map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                to,
		"type":              kind,
		kind:                obj,
	})
}

// post sends one request to the phone number's /messages endpoint.
func (w *WhatsApp) post(ctx context.Context, payload map[string]any) error {
	if err := w.limiter.Wait(ctx); err != nil {
		return err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	endpoint := fmt.Sprintf("%s/%s/messages", w.apiBase, w.phoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+w.accessToken)

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("whatsapp API %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

func digitsOnly(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
}

func waMediaType(msgType string, m *waMedia) domain.MediaType {
	switch msgType {
	case "image":
		return domain.MediaImage
	case "video":
		return domain.MediaVideo
	case "voice":
		return domain.MediaVoice
	case "audio":
		if m.Voice {
			return domain.MediaVoice
		}
		return domain.MediaAudio
	case "sticker":
		return domain.MediaSticker
	default:
		return domain.MediaDocument
	}
}

// --- WhatsApp webhook payload types ---

type waPayload struct {
	Object string    `json:"object"`
	Entry  []waEntry `json:"entry"`
}

type waEntry struct {
	ID      string     `json:"id"`
	Changes []waChange `json:"changes"`
}

type waChange struct {
	Value waValue `json:"value"`
	Field string  `json:"field"`
}

type waValue struct {
	MessagingProduct string      `json:"messaging_product"`
	Metadata         waMetadata  `json:"metadata"`
	Contacts         []waContact `json:"contacts"`
	Messages         []waMessage `json:"messages"`
	Statuses         []waStatus  `json:"statuses"`
}

type waMetadata struct {
	DisplayPhoneNumber string `json:"display_phone_number"`
	PhoneNumberID      string `json:"phone_number_id"`
}

type waContact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

type waStatus struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type waMessage struct {
	From        string         `json:"from"`
	ID          string         `json:"id"`
	Timestamp   string         `json:"timestamp"`
	Type        string         `json:"type"`
	Text        *waText        `json:"text,omitempty"`
	Image       *waMedia       `json:"image,omitempty"`
	Video       *waMedia       `json:"video,omitempty"`
	Audio       *waMedia       `json:"audio,omitempty"`
	Voice       *waMedia       `json:"voice,omitempty"`
	Document    *waMedia       `json:"document,omitempty"`
	Sticker     *waMedia       `json:"sticker,omitempty"`
	Interactive *waInteractive `json:"interactive,omitempty"`
	Button      *waButton      `json:"button,omitempty"`
}

func (m waMessage) media() *waMedia {
	switch m.Type {
	case "image":
		return m.Image
	case "video":
		return m.Video
	case "audio":
		return m.Audio
	case "voice":
		return m.Voice
	case "document":
		return m.Document
	case "sticker":
		return m.Sticker
	}
	return nil
}

type waText struct {
	Body string `json:"body"`
}

type waMedia struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	Caption  string `json:"caption,omitempty"`
	Filename string `json:"filename,omitempty"`
	Voice    bool   `json:"voice,omitempty"`
}

type waInteractive struct {
	Type        string `json:"type"`
	ButtonReply *struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	} `json:"button_reply,omitempty"`
	ListReply *struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	} `json:"list_reply,omitempty"`
}

type waButton struct {
	Text    string `json:"text"`
	Payload string `json:"payload"`
}
