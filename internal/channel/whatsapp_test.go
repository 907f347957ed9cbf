package channel

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"msgrelay/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waBody(value string) []byte {
	return []byte(`{"object":"whatsapp_business_account","entry":[{"id":"WABA","changes":[{"field":"messages","value":` + value + `}]}]}`)
}

const waTextValue = `{
	"messaging_product": "whatsapp",
	"metadata": {"display_phone_number": "15550001111", "phone_number_id": "PNID"},
	"contacts": [{"wa_id": "15551234567", "profile": {"name": "Ada"}}],
	"messages": [{"from": "15551234567", "id": "wamid.1", "timestamp": "1700000000", "type": "text", "text": {"body": "Hello"}}]
}`

func newTestWhatsApp(apiBase string) *WhatsApp {
	return NewWhatsApp(WhatsAppConfig{
		PhoneNumberID: "PNID",
		AccessToken:   "access",
		VerifyToken:   "verify-me",
		AppSecret:     "app-secret",
		APIBase:       apiBase,
		SendRate:      1000,
		Logger:        discardLogger(),
	})
}

func TestWhatsApp_ParseText(t *testing.T) {
	w := newTestWhatsApp("")

	msg, ok := w.ParseInbound(waBody(waTextValue))
	require.True(t, ok)
	assert.Equal(t, domain.PlatformWhatsApp, msg.Platform)
	assert.Equal(t, "15551234567", msg.PlatformUserID)
	assert.Equal(t, "15551234567", msg.PlatformChatID)
	assert.Equal(t, "Hello", msg.Text)
	assert.Empty(t, msg.Media)
	assert.Equal(t, "wamid.1", msg.MessageID())
	assert.Equal(t, "Ada", msg.Metadata[domain.MetaDisplayName])
	assert.Equal(t, "1700000000", msg.Metadata[domain.MetaTimestamp])
	assert.Equal(t, "false", msg.Metadata[domain.MetaIsGroup])
}

func TestWhatsApp_ParseMediaAndReplies(t *testing.T) {
	w := newTestWhatsApp("")

	msg, ok := w.ParseInbound(waBody(`{"messages":[{"from":"1555","id":"wamid.2","type":"image",
		"image":{"id":"MEDIA1","mime_type":"image/jpeg","caption":"look"}}]}`))
	require.True(t, ok)
	assert.Equal(t, "look", msg.Text)
	require.Len(t, msg.Media, 1)
	assert.Equal(t, domain.MediaRef{Type: domain.MediaImage, Ref: "MEDIA1", MimeType: "image/jpeg"}, msg.Media[0])

	msg, ok = w.ParseInbound(waBody(`{"messages":[{"from":"1555","id":"wamid.3","type":"audio",
		"audio":{"id":"MEDIA2","mime_type":"audio/ogg","voice":true}}]}`))
	require.True(t, ok)
	assert.Equal(t, domain.MediaVoice, msg.Media[0].Type)

	msg, ok = w.ParseInbound(waBody(`{"messages":[{"from":"1555","id":"wamid.4","type":"interactive",
		"interactive":{"type":"button_reply","button_reply":{"id":"b1","title":"Yes"}}}]}`))
	require.True(t, ok)
	assert.Equal(t, "Yes", msg.Text)
}

func TestWhatsApp_IgnoredPayloads(t *testing.T) {
	w := newTestWhatsApp("")

	for name, body := range map[string][]byte{
		"status":       waBody(`{"statuses":[{"id":"wamid.0","status":"read"}]}`),
		"reaction":     waBody(`{"messages":[{"from":"1555","id":"wamid.5","type":"reaction","reaction":{"emoji":"👍"}}]}`),
		"empty text":   waBody(`{"messages":[{"from":"1555","id":"wamid.6","type":"text","text":{"body":""}}]}`),
		"own number":   waBody(`{"metadata":{"display_phone_number":"+1 555-000-1111"},"messages":[{"from":"15550001111","id":"wamid.7","type":"text","text":{"body":"echo"}}]}`),
		"media no id":  waBody(`{"messages":[{"from":"1555","id":"wamid.8","type":"image","image":{}}]}`),
		"wrong object": []byte(`{"object":"page","entry":[]}`),
		"not json":     []byte(`<xml/>`),
	} {
		_, ok := w.ParseInbound(body)
		assert.False(t, ok, name)
	}
}

func TestWhatsApp_VerifySignature(t *testing.T) {
	w := newTestWhatsApp("")
	body := waBody(waTextValue)

	header := http.Header{}
	header.Set("X-Hub-Signature-256", "sha256="+signHMAC(body, "app-secret"))
	assert.True(t, w.VerifySignature(body, header))

	tampered := []byte(strings.Replace(string(body), "Hello", "Hullo", 1))
	assert.False(t, w.VerifySignature(tampered, header))

	header.Set("X-Hub-Signature-256", signHMAC(body, "app-secret"))
	assert.False(t, w.VerifySignature(body, header), "missing sha256= prefix")

	assert.False(t, w.VerifySignature(body, http.Header{}))

	open := NewWhatsApp(WhatsAppConfig{Logger: discardLogger()})
	assert.True(t, open.VerifySignature(body, http.Header{}))
}

func TestWhatsApp_VerifyChallenge(t *testing.T) {
	w := newTestWhatsApp("")

	challenge, ok := w.VerifyChallenge(url.Values{
		"hub.mode":         {"subscribe"},
		"hub.verify_token": {"verify-me"},
		"hub.challenge":    {"abc123"},
	})
	assert.True(t, ok)
	assert.Equal(t, "abc123", challenge)

	_, ok = w.VerifyChallenge(url.Values{"hub.mode": {"subscribe"}, "hub.verify_token": {"nope"}, "hub.challenge": {"x"}})
	assert.False(t, ok)

	noToken := NewWhatsApp(WhatsAppConfig{Logger: discardLogger()})
	_, ok = noToken.VerifyChallenge(url.Values{"hub.mode": {"subscribe"}, "hub.verify_token": {""}, "hub.challenge": {"x"}})
	assert.False(t, ok)
}

type graphRecorder struct {
	mu       sync.Mutex
	payloads []map[string]any
	status   int
}

func (g *graphRecorder) handler(t *testing.T) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/PNID/messages", r.URL.Path)
		assert.Equal(t, "Bearer access", r.Header.Get("Authorization"))

		var p map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		g.mu.Lock()
		g.payloads = append(g.payloads, p)
		status := g.status
		g.mu.Unlock()

		if status == 0 {
			status = http.StatusOK
		}
		rw.WriteHeader(status)
		_, _ = rw.Write([]byte(`{"messages":[{"id":"wamid.out"}]}`))
	}
}

func TestWhatsApp_SendResponseMarksReadThenSends(t *testing.T) {
	rec := &graphRecorder{}
	srv := httptest.NewServer(rec.handler(t))
	defer srv.Close()

	w := newTestWhatsApp(srv.URL)
	msg, ok := w.ParseInbound(waBody(waTextValue))
	require.True(t, ok)
	w.RecordInbound(msg)

	err := w.SendResponse(context.Background(), "15551234567", domain.NormalizedResponse{
		Text:        "**Hi** there",
		Attachments: []domain.Attachment{{URL: "https://example.com/a.pdf", Filename: "a.pdf", MimeType: "application/pdf"}},
	})
	require.NoError(t, err)

	require.Len(t, rec.payloads, 3)
	assert.Equal(t, "read", rec.payloads[0]["status"])
	assert.Equal(t, "wamid.1", rec.payloads[0]["message_id"])

	assert.Equal(t, "text", rec.payloads[1]["type"])
	assert.Equal(t, "15551234567", rec.payloads[1]["to"])
	assert.Equal(t, "*Hi* there", rec.payloads[1]["text"].(map[string]any)["body"])

	assert.Equal(t, "document", rec.payloads[2]["type"])
	assert.Equal(t, map[string]any{"link": "https://example.com/a.pdf", "filename": "a.pdf"}, rec.payloads[2]["document"])

	// The inbound message is marked read only once.
	require.NoError(t, w.SendResponse(context.Background(), "15551234567", domain.NormalizedResponse{Text: "again"}))
	require.Len(t, rec.payloads, 4)
	assert.Equal(t, "text", rec.payloads[3]["type"])
}

func TestWhatsApp_SendResponseChunksAndJoinsErrors(t *testing.T) {
	rec := &graphRecorder{status: http.StatusBadRequest}
	srv := httptest.NewServer(rec.handler(t))
	defer srv.Close()

	w := newTestWhatsApp(srv.URL)
	long := strings.Repeat("word ", 1000) // 5000 characters

	err := w.SendResponse(context.Background(), "15551234567", domain.NormalizedResponse{Text: long})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "whatsapp API 400")

	// Every chunk is attempted even after a failure.
	require.Len(t, rec.payloads, 2)
	var sent strings.Builder
	for _, p := range rec.payloads {
		body := p["text"].(map[string]any)["body"].(string)
		assert.LessOrEqual(t, len([]rune(body)), whatsappMaxMsgLen)
		sent.WriteString(body)
	}
	assert.Equal(t, long, sent.String())
}

func TestWhatsApp_SendTypingNeedsInbound(t *testing.T) {
	rec := &graphRecorder{}
	srv := httptest.NewServer(rec.handler(t))
	defer srv.Close()

	w := newTestWhatsApp(srv.URL)
	require.NoError(t, w.SendTyping(context.Background(), "15551234567"))
	assert.Empty(t, rec.payloads)

	msg, ok := w.ParseInbound(waBody(waTextValue))
	require.True(t, ok)
	require.NoError(t, w.SendTyping(context.Background(), "15551234567"))
	assert.Empty(t, rec.payloads, "parsing alone records nothing")

	w.RecordInbound(msg)
	require.NoError(t, w.SendTyping(context.Background(), "15551234567"))
	require.Len(t, rec.payloads, 1)
	assert.Equal(t, "wamid.1", rec.payloads[0]["message_id"])
	assert.Equal(t, map[string]any{"type": "text"}, rec.payloads[0]["typing_indicator"])

	// Typing already marked the message read; the reply only sends text.
	require.NoError(t, w.SendResponse(context.Background(), "15551234567", domain.NormalizedResponse{Text: "hi"}))
	require.Len(t, rec.payloads, 2)
	assert.Equal(t, "text", rec.payloads[1]["type"])
}

func TestWhatsApp_SessionWindow(t *testing.T) {
	w := newTestWhatsApp("")
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return now }

	assert.False(t, w.withinSessionWindow("15551234567"), "unknown chat")

	msg, ok := w.ParseInbound(waBody(waTextValue))
	require.True(t, ok)
	assert.False(t, w.withinSessionWindow("15551234567"), "parsing alone does not open the window")

	w.RecordInbound(msg)
	assert.True(t, w.withinSessionWindow("15551234567"))

	now = now.Add(23*time.Hour + 59*time.Minute)
	assert.True(t, w.withinSessionWindow("15551234567"))

	now = now.Add(2 * time.Hour)
	assert.False(t, w.withinSessionWindow("15551234567"))
}
