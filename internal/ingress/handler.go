package ingress

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"

	"github.com/go-chi/chi/v5"

	"msgrelay/internal/dedup"
	"msgrelay/internal/domain"
	"msgrelay/internal/metrics"
	"msgrelay/internal/pool"
)

// Response statuses for POST /webhooks/{platform}.
const (
	StatusOK        = "ok"
	StatusIgnored   = "ignored"
	StatusDuplicate = "duplicate"
)

// Handler serves the webhook endpoints. Every branch answers with a JSON
// body; nothing past signature verification reveals why a message was
// dropped.
type Handler struct {
	adapters  map[domain.Platform]domain.Adapter
	dedup     *dedup.Cache
	allow     domain.AllowList
	scheduler domain.Scheduler
	maxBody   int64
	poolStats func() pool.Stats
	logger    *slog.Logger
}

func NewHandler(cfg Config) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.Dedup == nil {
		cfg.Dedup = dedup.New(dedup.DefaultTTL, dedup.DefaultMaxEntries)
	}
	adapters := make(map[domain.Platform]domain.Adapter, len(cfg.Adapters))
	for _, a := range cfg.Adapters {
		adapters[a.Platform()] = a
	}
	return &Handler{
		adapters:  adapters,
		dedup:     cfg.Dedup,
		allow:     cfg.AllowList,
		scheduler: cfg.Scheduler,
		maxBody:   cfg.MaxBodyBytes,
		poolStats: cfg.PoolStats,
		logger:    cfg.Logger.With("component", "ingress"),
	}
}

func (h *Handler) resolve(w http.ResponseWriter, r *http.Request) (domain.Adapter, bool) {
	name := chi.URLParam(r, "platform")
	if p, ok := domain.ParsePlatform(name); ok {
		if a, ok := h.adapters[p]; ok {
			return a, true
		}
	}
	metrics.WebhookRequests.WithLabelValues("unknown", "unknown_platform").Inc()
	writeError(w, http.StatusNotFound, fmt.Sprintf("Platform '%s' not configured", name))
	return nil, false
}

// Verify answers the GET verification handshake. It never touches dedup state.
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	adapter, ok := h.resolve(w, r)
	if !ok {
		return
	}
	cr, ok := adapter.(domain.ChallengeResponder)
	if !ok {
		writeError(w, http.StatusForbidden, "Verification failed")
		return
	}
	challenge, ok := cr.VerifyChallenge(r.URL.Query())
	if !ok {
		h.logger.Warn("webhook verification failed", "platform", adapter.Platform())
		writeError(w, http.StatusForbidden, "Verification failed")
		return
	}
	h.logger.Info("webhook verified", "platform", adapter.Platform())
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, challenge)
}

// Receive handles an inbound delivery: verify, parse, filter, dedup, then
// schedule and acknowledge without waiting for the agent.
func (h *Handler) Receive(w http.ResponseWriter, r *http.Request) {
	adapter, ok := h.resolve(w, r)
	if !ok {
		return
	}
	platform := adapter.Platform()
	logger := h.logger.With("platform", platform)
	outcome := func(o string) { metrics.WebhookRequests.WithLabelValues(string(platform), o).Inc() }

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		logger.Warn("cannot read webhook body", "err", err)
		outcome("bad_payload")
		writeError(w, http.StatusBadRequest, "Could not read request body")
		return
	}

	if !adapter.VerifySignature(body, r.Header) {
		logger.Warn("webhook signature rejected", "remote_addr", r.RemoteAddr)
		outcome("bad_signature")
		writeError(w, http.StatusForbidden, "Invalid signature")
		return
	}

	if !json.Valid(body) {
		outcome("bad_payload")
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	msg, ok := adapter.ParseInbound(body)
	if !ok {
		outcome("ignored")
		writeStatus(w, StatusIgnored)
		return
	}

	if h.allow != nil {
		allowed, err := h.allow.IsAllowed(r.Context(), platform, msg.PlatformUserID)
		if err != nil {
			logger.Error("allow-list check failed, dropping message", "err", err, "user_id", msg.PlatformUserID)
			allowed = false
		}
		if !allowed {
			logger.Info("sender not allowed, dropping message", "user_id", msg.PlatformUserID)
			outcome("dropped")
			writeStatus(w, StatusOK)
			return
		}
	}

	if id := msg.MessageID(); id != "" {
		dup := h.dedup.IsDuplicate(platform, id)
		metrics.DedupEntries.Set(float64(h.dedup.Len()))
		if dup {
			logger.Info("duplicate delivery", "message_id", id)
			outcome("duplicate")
			writeStatus(w, StatusDuplicate)
			return
		}
	}

	if rec, ok := adapter.(domain.InboundRecorder); ok {
		rec.RecordInbound(msg)
	}
	h.scheduler.Schedule(msg, adapter)
	outcome("accepted")
	logger.Debug("message scheduled", "message_id", msg.MessageID(), "chat", msg.PlatformChatID)
	writeStatus(w, StatusOK)
}

// Health reports configured platforms and pool occupancy.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	platforms := make([]string, 0, len(h.adapters))
	for p := range h.adapters {
		platforms = append(platforms, string(p))
	}
	slices.Sort(platforms)

	resp := map[string]any{
		"status":        "ok",
		"platforms":     platforms,
		"dedup_entries": h.dedup.Len(),
	}
	if h.poolStats != nil {
		st := h.poolStats()
		resp["pool"] = st
		if !st.Initialized {
			resp["status"] = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeStatus(w http.ResponseWriter, status string) {
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
