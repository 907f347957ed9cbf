package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"msgrelay/internal/domain"
	"msgrelay/internal/metrics"
)

const defaultTimeout = 120 * time.Second

// HTTPClient is an agent connection speaking the OpenAI-compatible chat
// completions API. Every instance owns its own transport so a pool slot maps
// to one set of keep-alive connections.
type HTTPClient struct {
	apiBase      string
	apiKey       string
	model        string
	systemPrompt string
	maxTokens    int

	transport   *http.Transport
	client      *http.Client
	backoffUnit time.Duration
	connected   atomic.Bool
	logger      *slog.Logger
}

type HTTPConfig struct {
	APIBase      string
	APIKey       string
	Model        string
	SystemPrompt string
	MaxTokens    int
	Timeout      time.Duration
	Logger       *slog.Logger
}

func NewHTTPClient(cfg HTTPConfig) *HTTPClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	transport := &http.Transport{
		MaxIdleConns:        4,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.Timeout,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &HTTPClient{
		apiBase:      strings.TrimRight(cfg.APIBase, "/"),
		apiKey:       cfg.APIKey,
		model:        cfg.Model,
		systemPrompt: cfg.SystemPrompt,
		maxTokens:    cfg.MaxTokens,
		transport:    transport,
		client:       &http.Client{Timeout: cfg.Timeout, Transport: transport},
		backoffUnit:  time.Second,
		logger:       cfg.Logger.With("component", "agent"),
	}
}

// Connect checks that the backend answers GET /models.
func (c *HTTPClient) Connect(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiBase+"/models", nil)
	if err != nil {
		return err
	}
	c.authorize(req)
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("agent backend not reachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("agent backend: invalid API key")
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("agent backend returned %d", resp.StatusCode)
	}
	c.connected.Store(true)
	return nil
}

// Disconnect drops idle keep-alive connections.
func (c *HTTPClient) Disconnect(context.Context) error {
	c.connected.Store(false)
	c.transport.CloseIdleConnections()
	return nil
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
	User      string        `json:"user,omitempty"`
	Stream    bool          `json:"stream"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
}

func (c *HTTPClient) Respond(ctx context.Context, turn Turn) (*domain.NormalizedResponse, error) {
	if !c.connected.Load() {
		return nil, ErrNotConnected
	}
	if turn.Message == nil {
		return nil, fmt.Errorf("agent: turn has no message")
	}

	msgs := make([]chatMessage, 0, 2)
	if c.systemPrompt != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: c.systemPrompt})
	}
	msgs = append(msgs, chatMessage{Role: "user", Content: Prompt(turn.Message)})

	body, err := json.Marshal(chatRequest{
		Model:     c.model,
		Messages:  msgs,
		MaxTokens: c.maxTokens,
		User:      string(turn.Message.Platform) + ":" + turn.Message.PlatformUserID,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	start := time.Now()
	resp, err := doWithRetry(ctx, c.client, c.backoffUnit, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		c.authorize(req)
		return req, nil
	}, c.logger)
	if err != nil {
		return nil, fmt.Errorf("agent request: %w", err)
	}
	defer resp.Body.Close()
	metrics.AgentLatency.Observe(time.Since(start).Seconds())

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("agent %d: %s", resp.StatusCode, string(respBody))
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if len(out.Choices) == 0 || strings.TrimSpace(out.Choices[0].Message.Content) == "" {
		return nil, fmt.Errorf("agent returned an empty reply")
	}
	return &domain.NormalizedResponse{Text: out.Choices[0].Message.Content}, nil
}

func (c *HTTPClient) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}
