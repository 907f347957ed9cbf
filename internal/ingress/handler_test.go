package ingress

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"msgrelay/internal/channel"
	"msgrelay/internal/dedup"
	"msgrelay/internal/domain"
	"msgrelay/internal/pool"
)

const testAppSecret = "test-app-secret"

const whatsappHello = `{
  "object": "whatsapp_business_account",
  "entry": [{
    "id": "WABA",
    "changes": [{
      "field": "messages",
      "value": {
        "messaging_product": "whatsapp",
        "metadata": {"display_phone_number": "15550001111", "phone_number_id": "PNID"},
        "contacts": [{"wa_id": "15551234567", "profile": {"name": "Ada"}}],
        "messages": [{"from": "15551234567", "id": "wamid.1", "timestamp": "1700000000", "type": "text", "text": {"body": "Hello"}}]
      }
    }]
  }]
}`

const whatsappStatus = `{
  "object": "whatsapp_business_account",
  "entry": [{"id": "WABA", "changes": [{"field": "messages", "value": {
    "messaging_product": "whatsapp",
    "statuses": [{"id": "wamid.0", "status": "delivered"}]
  }}]}]
}`

type recordingScheduler struct {
	mu   sync.Mutex
	msgs []*domain.NormalizedMessage
}

func (s *recordingScheduler) Schedule(msg *domain.NormalizedMessage, _ domain.Adapter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
}

func (s *recordingScheduler) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

type staticAllowList struct {
	allowed bool
	err     error
}

func (a staticAllowList) IsAllowed(context.Context, domain.Platform, string) (bool, error) {
	return a.allowed, a.err
}

// recordingWhatsApp counts the inbound messages ingress hands back to the
// adapter before scheduling.
type recordingWhatsApp struct {
	*channel.WhatsApp
	mu       sync.Mutex
	recorded []string
}

func (r *recordingWhatsApp) RecordInbound(msg *domain.NormalizedMessage) {
	r.mu.Lock()
	r.recorded = append(r.recorded, msg.MessageID())
	r.mu.Unlock()
	r.WhatsApp.RecordInbound(msg)
}

func (r *recordingWhatsApp) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.recorded)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	server    *httptest.Server
	scheduler *recordingScheduler
	whatsapp  *recordingWhatsApp
}

func newFixture(t *testing.T, allow domain.AllowList) *fixture {
	t.Helper()
	wa := &recordingWhatsApp{WhatsApp: channel.NewWhatsApp(channel.WhatsAppConfig{
		PhoneNumberID: "PNID",
		AccessToken:   "token",
		VerifyToken:   "verify-me",
		AppSecret:     testAppSecret,
		Logger:        quietLogger(),
	})}
	tg := channel.NewTelegram(channel.TelegramConfig{
		Token:         "123:abc",
		WebhookSecret: "tg-secret",
		Logger:        quietLogger(),
	})
	sched := &recordingScheduler{}
	router := NewRouter(Config{
		Adapters:     []domain.Adapter{wa, tg},
		Dedup:        dedup.New(time.Hour, 100),
		AllowList:    allow,
		Scheduler:    sched,
		MaxBodyBytes: 64 * 1024,
		PoolStats:    func() pool.Stats { return pool.Stats{Initialized: true, Size: 2, Available: 2} },
		Logger:       quietLogger(),
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &fixture{server: srv, scheduler: sched, whatsapp: wa}
}

func sign(body string) string {
	mac := hmac.New(sha256.New, []byte(testAppSecret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (f *fixture) post(t *testing.T, path, body string, header map[string]string) (int, map[string]string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, f.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func (f *fixture) postWhatsApp(t *testing.T, body string) (int, map[string]string) {
	return f.post(t, "/webhooks/whatsapp", body, map[string]string{"X-Hub-Signature-256": sign(body)})
}

func TestReceive_AcceptsAndDeduplicates(t *testing.T) {
	f := newFixture(t, nil)

	code, body := f.postWhatsApp(t, whatsappHello)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, StatusOK, body["status"])

	code, body = f.postWhatsApp(t, whatsappHello)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, StatusDuplicate, body["status"])

	require.Equal(t, 1, f.scheduler.count())
	assert.Equal(t, []string{"wamid.1"}, f.whatsapp.recorded)
	msg := f.scheduler.msgs[0]
	assert.Equal(t, "15551234567", msg.PlatformUserID)
	assert.Equal(t, "Hello", msg.Text)
	assert.Equal(t, "wamid.1", msg.MessageID())
}

func TestReceive_ConcurrentRedeliveriesScheduleOnce(t *testing.T) {
	f := newFixture(t, nil)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.postWhatsApp(t, whatsappHello)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, f.scheduler.count())
	assert.Equal(t, 1, f.whatsapp.count())
}

func TestReceive_PlatformCaseInsensitive(t *testing.T) {
	f := newFixture(t, nil)

	code, body := f.post(t, "/webhooks/WhatsApp", whatsappHello, map[string]string{"X-Hub-Signature-256": sign(whatsappHello)})
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, StatusOK, body["status"])
}

func TestReceive_UnknownPlatform(t *testing.T) {
	f := newFixture(t, nil)

	code, body := f.post(t, "/webhooks/imessage", `{}`, nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "Platform 'imessage' not configured", body["error"])

	code, body = f.post(t, "/webhooks/signal", `{}`, nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "Platform 'signal' not configured", body["error"])
}

func TestReceive_TamperedBodyRejected(t *testing.T) {
	f := newFixture(t, nil)

	tampered := strings.Replace(whatsappHello, "Hello", "Hacked", 1)
	code, body := f.post(t, "/webhooks/whatsapp", tampered, map[string]string{"X-Hub-Signature-256": sign(whatsappHello)})
	assert.Equal(t, http.StatusForbidden, code)
	assert.Contains(t, body, "error")

	code, _ = f.post(t, "/webhooks/whatsapp", whatsappHello, map[string]string{"X-Hub-Signature-256": "sha256=zz"})
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = f.post(t, "/webhooks/telegram", `{"update_id":1}`, map[string]string{"X-Telegram-Bot-Api-Secret-Token": "wrong"})
	assert.Equal(t, http.StatusForbidden, code)

	assert.Equal(t, 0, f.scheduler.count())
	assert.Equal(t, 0, f.whatsapp.count())
}

func TestReceive_MalformedJSON(t *testing.T) {
	f := newFixture(t, nil)

	code, body := f.postWhatsApp(t, `{"object": `)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "Invalid JSON", body["error"])
}

func TestReceive_StatusUpdateIgnored(t *testing.T) {
	f := newFixture(t, nil)

	code, body := f.postWhatsApp(t, whatsappStatus)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, StatusIgnored, body["status"])
	assert.Equal(t, 0, f.scheduler.count())
}

func TestReceive_DisallowedSenderLooksAccepted(t *testing.T) {
	for name, allow := range map[string]domain.AllowList{
		"denied":     staticAllowList{allowed: false},
		"store down": staticAllowList{err: errors.New("database is locked")},
	} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, allow)

			code, body := f.postWhatsApp(t, whatsappHello)
			assert.Equal(t, http.StatusOK, code)
			assert.Equal(t, StatusOK, body["status"])
			assert.Equal(t, 0, f.scheduler.count())
			assert.Equal(t, 0, f.whatsapp.count(), "rejected senders leave no chat state")
		})
	}
}

func TestReceive_TelegramStart(t *testing.T) {
	f := newFixture(t, staticAllowList{allowed: true})
	update := `{"update_id": 10, "message": {"message_id": 5, "date": 1700000000,
		"from": {"id": 42, "is_bot": false, "first_name": "Ada"},
		"chat": {"id": 42, "type": "private"}, "text": "/start"}}`

	code, body := f.post(t, "/webhooks/telegram", update, map[string]string{"X-Telegram-Bot-Api-Secret-Token": "tg-secret"})
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, StatusOK, body["status"])

	require.Equal(t, 1, f.scheduler.count())
	assert.Equal(t, channel.TelegramGreeting, f.scheduler.msgs[0].Text)
}

func TestVerify_Handshake(t *testing.T) {
	f := newFixture(t, nil)

	resp, err := http.Get(f.server.URL + "/webhooks/whatsapp?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=1158201444")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.HasPrefix(resp.Header.Get("Content-Type"), "text/plain"))
	got, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "1158201444", string(got))
}

func TestVerify_Failures(t *testing.T) {
	f := newFixture(t, nil)

	for _, path := range []string{
		"/webhooks/whatsapp?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=1",
		"/webhooks/whatsapp?hub.mode=unsubscribe&hub.verify_token=verify-me&hub.challenge=1",
		"/webhooks/telegram?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=1",
	} {
		resp, err := http.Get(f.server.URL + path)
		require.NoError(t, err)
		var body map[string]string
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		resp.Body.Close()

		assert.Equal(t, http.StatusForbidden, resp.StatusCode, path)
		assert.Equal(t, "Verification failed", body["error"], path)
	}
}

func TestVerify_DoesNotTouchDedup(t *testing.T) {
	f := newFixture(t, nil)

	for range 2 {
		resp, err := http.Get(f.server.URL + "/webhooks/whatsapp?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=7")
		require.NoError(t, err)
		resp.Body.Close()
	}

	code, body := f.postWhatsApp(t, whatsappHello)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, StatusOK, body["status"])
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil)

	resp, err := http.Get(f.server.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body struct {
		Status    string     `json:"status"`
		Platforms []string   `json:"platforms"`
		Pool      pool.Stats `json:"pool"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, []string{"telegram", "whatsapp"}, body.Platforms)
	assert.Equal(t, 2, body.Pool.Available)
}
