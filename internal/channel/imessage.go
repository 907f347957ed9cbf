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
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"msgrelay/internal/domain"
	"msgrelay/internal/metrics"
)

const (
	imessageSignatureHeader = "X-BlueBubbles-Signature"
	imessageNewMessageEvent = "new-message"

	// BlueBubbles send methods, tried in order.
	imessageMethodPrivateAPI  = "private-api"
	imessageMethodAppleScript = "apple-script"
)

// IMessage implements domain.Adapter for a BlueBubbles server bridging
// iMessage.
type IMessage struct {
	serverURL string
	password  string
	secret    string

	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

type IMessageConfig struct {
	ServerURL     string
	Password      string
	WebhookSecret string
	SendRate      float64
	HTTPClient    *http.Client
	Logger        *slog.Logger
}

func NewIMessage(cfg IMessageConfig) *IMessage {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	m := &IMessage{
		serverURL: strings.TrimRight(cfg.ServerURL, "/"),
		password:  cfg.Password,
		secret:    cfg.WebhookSecret,
		client:    cfg.HTTPClient,
		limiter:   newSendLimiter(cfg.SendRate),
		logger:    cfg.Logger.With("platform", domain.PlatformIMessage),
	}
	if m.secret == "" {
		m.logger.Warn("imessage webhook secret not configured, webhook signatures will NOT be verified")
	}
	return m
}

func (m *IMessage) Platform() domain.Platform { return domain.PlatformIMessage }

func (m *IMessage) VerifySignature(body []byte, header http.Header) bool {
	if m.secret == "" {
		return true
	}
	return verifyHMAC(body, m.secret, header.Get(imessageSignatureHeader))
}

// ParseInbound accepts "new-message" events only. Messages from this account,
// tapbacks and group events (renames, member changes) are ignored.
func (m *IMessage) ParseInbound(payload []byte) (*domain.NormalizedMessage, bool) {
	var event bbEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		m.logger.Debug("imessage payload shape mismatch", "err", err)
		return nil, false
	}
	if event.Type != imessageNewMessageEvent || event.Data == nil {
		return nil, false
	}

	d := event.Data
	if d.IsFromMe || d.AssociatedMessageGUID != "" || isTapback(d.AssociatedMessageType) || d.ItemType != 0 {
		return nil, false
	}
	if d.Handle == nil || d.Handle.Address == "" {
		return nil, false
	}

	sender := d.Handle.Address
	chatID := "iMessage;-;" + sender
	isGroup := false
	if len(d.Chats) > 0 && d.Chats[0].GUID != "" {
		chatID = d.Chats[0].GUID
		isGroup = strings.Contains(chatID, ";+;")
	}

	var media []domain.MediaRef
	for _, a := range d.Attachments {
		if a.GUID == "" {
			continue
		}
		media = append(media, domain.MediaRef{
			Type:     mimeMediaType(a.MimeType),
			Ref:      a.GUID,
			Filename: a.TransferName,
			MimeType: a.MimeType,
			Size:     a.TotalBytes,
		})
	}

	meta := map[string]string{
		domain.MetaMessageID: d.GUID,
		domain.MetaIsGroup:   strconv.FormatBool(isGroup),
	}
	if d.DateCreated > 0 {
		meta[domain.MetaTimestamp] = strconv.FormatInt(d.DateCreated, 10)
	}

	return domain.NewNormalizedMessage(domain.PlatformIMessage, sender, chatID, strings.TrimSpace(d.Text), media, meta)
}

// SendTyping uses the private API typing endpoint.
func (m *IMessage) SendTyping(ctx context.Context, chatID string) error {
	if err := m.limiter.Wait(ctx); err != nil {
		return err
	}
	endpoint := m.endpoint("/api/v1/chat/" + url.PathEscape(chatID) + "/typing")
	return m.do(ctx, endpoint, nil)
}

// SendResponse sends each chunk through the private API and falls back to
// AppleScript delivery for that chunk when the first attempt fails.
// Attachment URLs are appended to the text as links.
func (m *IMessage) SendResponse(ctx context.Context, chatID string, resp domain.NormalizedResponse) error {
	text := resp.Text
	for _, a := range resp.Attachments {
		text = strings.TrimRight(text, "\n") + "\n" + a.URL
	}
	if strings.TrimSpace(text) == "" {
		return nil
	}

	var errs []error
	for _, chunk := range splitMessage(text, imessageMaxMsgLen) {
		err := m.sendChunk(ctx, chatID, chunk)
		metrics.ObserveChunk(domain.PlatformIMessage, err)
		if err != nil {
			m.logger.Error("imessage send failed on all transports", "err", err, "chat", chatID)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *IMessage) sendChunk(ctx context.Context, chatID, text string) error {
	err := m.sendText(ctx, chatID, text, imessageMethodPrivateAPI)
	if err == nil {
		return nil
	}
	m.logger.Warn("imessage private-api send failed, retrying via apple-script", "err", err, "chat", chatID)
	if err2 := m.sendText(ctx, chatID, text, imessageMethodAppleScript); err2 != nil {
		return errors.Join(err, err2)
	}
	return nil
}

func (m *IMessage) sendText(ctx context.Context, chatID, text, method string) error {
	if err := m.limiter.Wait(ctx); err != nil {
		return err
	}
	return m.do(ctx, m.endpoint("/api/v1/message/text"), map[string]any{
		"chatGuid": chatID,
		"tempGuid": uuid.NewString(),
		"message":  text,
		"method":   method,
	})
}

func (m *IMessage) endpoint(path string) string {
	return m.serverURL + path + "?password=" + url.QueryEscape(m.password)
}

func (m *IMessage) do(ctx context.Context, endpoint string, payload map[string]any) error {
	var body io.Reader = http.NoBody
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		// The URL carries the password; keep it out of logs.
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return fmt.Errorf("send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("bluebubbles API %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// isTapback reports whether associatedMessageType is set. Servers send it
// as a number (2000-3005) or a name ("love"), and null for plain messages.
func isTapback(raw json.RawMessage) bool {
	switch strings.TrimSpace(string(raw)) {
	case "", "null", "0", `""`:
		return false
	}
	return true
}

func mimeMediaType(mime string) domain.MediaType {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return domain.MediaImage
	case strings.HasPrefix(mime, "video/"):
		return domain.MediaVideo
	case strings.HasPrefix(mime, "audio/"):
		return domain.MediaAudio
	default:
		return domain.MediaDocument
	}
}

// --- BlueBubbles webhook payload types ---

type bbEvent struct {
	Type string     `json:"type"`
	Data *bbMessage `json:"data"`
}

type bbMessage struct {
	GUID                  string          `json:"guid"`
	Text                  string          `json:"text"`
	IsFromMe              bool            `json:"isFromMe"`
	DateCreated           int64           `json:"dateCreated"`
	ItemType              int             `json:"itemType"`
	AssociatedMessageGUID string          `json:"associatedMessageGuid"`
	AssociatedMessageType json.RawMessage `json:"associatedMessageType"`
	Handle                *bbHandle       `json:"handle"`
	Chats                 []bbChat        `json:"chats"`
	Attachments           []bbAttachment  `json:"attachments"`
}

type bbHandle struct {
	Address string `json:"address"`
}

type bbChat struct {
	GUID        string `json:"guid"`
	DisplayName string `json:"displayName"`
}

type bbAttachment struct {
	GUID         string `json:"guid"`
	MimeType     string `json:"mimeType"`
	TransferName string `json:"transferName"`
	TotalBytes   int64  `json:"totalBytes"`
}
