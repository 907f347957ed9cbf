// Package processor runs agent turns for accepted webhook messages in the
// background and delivers the replies through the originating adapter.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"msgrelay/internal/agent"
	"msgrelay/internal/bus"
	"msgrelay/internal/domain"
	"msgrelay/internal/metrics"
	"msgrelay/internal/pool"
)

const (
	DefaultBusyMessage = "I'm handling a lot of conversations right now. Please try again in a moment."
	DefaultErrorReply  = "Sorry, something went wrong while processing your message."

	noticeTimeout = 30 * time.Second
)

// Task is one accepted inbound message and the adapter that answers it.
type Task struct {
	Message *domain.NormalizedMessage
	Adapter domain.Adapter
}

type Processor struct {
	queue    *bus.Queue[Task]
	pool     *pool.Pool[agent.Client]
	redactor domain.Redactor
	workers  int
	busyText string
	errText  string
	logger   *slog.Logger
}

type Config struct {
	Queue       *bus.Queue[Task]
	Pool        *pool.Pool[agent.Client]
	Redactor    domain.Redactor // nil: replies are sent unchanged
	Workers     int
	BusyMessage string
	ErrorReply  string
	Logger      *slog.Logger
}

func New(cfg Config) *Processor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.BusyMessage == "" {
		cfg.BusyMessage = DefaultBusyMessage
	}
	if cfg.ErrorReply == "" {
		cfg.ErrorReply = DefaultErrorReply
	}
	return &Processor{
		queue:    cfg.Queue,
		pool:     cfg.Pool,
		redactor: cfg.Redactor,
		workers:  cfg.Workers,
		busyText: cfg.BusyMessage,
		errText:  cfg.ErrorReply,
		logger:   cfg.Logger.With("component", "processor"),
	}
}

// Schedule queues msg for background handling and returns immediately.
func (p *Processor) Schedule(msg *domain.NormalizedMessage, adapter domain.Adapter) {
	p.queue.Publish(Task{Message: msg, Adapter: adapter})
}

// Run handles queued tasks until the queue is closed or ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	p.logger.Info("processor started", "workers", p.workers)
	p.queue.Run(ctx, p.workers, p.Handle)
	p.logger.Info("processor stopped")
	return nil
}

// Handle runs one agent turn: typing indicator, pool checkout, agent reply,
// redaction and delivery. Failures are logged and never retried.
func (p *Processor) Handle(ctx context.Context, task Task) {
	msg, adapter := task.Message, task.Adapter
	chatID := msg.PlatformChatID
	logger := p.logger.With("platform", msg.Platform, "chat", chatID, "message_id", msg.MessageID())

	if t, ok := adapter.(domain.TypingIndicator); ok {
		if err := t.SendTyping(ctx, chatID); err != nil {
			logger.Debug("typing indicator failed", "err", err)
		}
	}

	sessionID := fmt.Sprintf("%s:%s:%s", msg.Platform, chatID, uuid.NewString())
	pc, err := p.pool.GetClient(ctx, sessionID)
	defer p.pool.ReleaseClient(sessionID)
	if err != nil {
		if errors.Is(err, pool.ErrAcquireTimeout) {
			logger.Warn("no agent client free, sending busy notice", "err", err)
			p.notify(ctx, logger, adapter, chatID, p.busyText)
			metrics.BackgroundTasks.WithLabelValues("busy").Inc()
			return
		}
		logger.Error("acquire agent client", "err", err)
		metrics.BackgroundTasks.WithLabelValues("agent_error").Inc()
		return
	}

	resp, err := pc.Client.Respond(ctx, agent.Turn{SessionID: sessionID, Message: msg})
	p.pool.ReleaseClient(sessionID)
	if err != nil {
		logger.Error("agent turn failed", "err", err, "client", pc.Index)
		p.notify(ctx, logger, adapter, chatID, p.errText)
		metrics.BackgroundTasks.WithLabelValues("agent_error").Inc()
		return
	}

	if p.redactor != nil {
		resp.Text = p.redactor.Redact(resp.Text)
	}
	if err := adapter.SendResponse(ctx, chatID, *resp); err != nil {
		logger.Error("send response failed", "err", err)
		metrics.BackgroundTasks.WithLabelValues("send_error").Inc()
		return
	}
	metrics.BackgroundTasks.WithLabelValues("ok").Inc()
}

func (p *Processor) notify(ctx context.Context, logger *slog.Logger, adapter domain.Adapter, chatID, text string) {
	ctx, cancel := context.WithTimeout(ctx, noticeTimeout)
	defer cancel()
	if err := adapter.SendResponse(ctx, chatID, domain.NormalizedResponse{Text: text}); err != nil {
		logger.Error("send notice failed", "err", err)
	}
}
