package llmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	kerrors "github.com/LKLLLLLLLLLL/pocketrag-kernel/internal/errors"
)

// Client is one OpenAI-compatible chat completions endpoint. One Client is
// shared by one session's conversation loop (spec §4.7); Abort is safe to
// call from any goroutine while a ChatStream call is in flight (spec §5
// "Cancellation": "the LLM client exposes a thread-safe abort").
type Client struct {
	cfg        Config
	httpClient *http.Client

	mu     sync.Mutex
	active map[uint64]context.CancelFunc
	nextID uint64
}

// New builds a Client with an HTTP transport whose dial timeout matches
// cfg.ConnectTimeout (spec §5: "HTTP connect timeout is configurable per LLM
// conversation, default 10s").
func New(cfg Config) *Client {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 2 * time.Second
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: cfg.ConnectTimeout}).DialContext,
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Transport: transport},
		active:     make(map[uint64]context.CancelFunc),
	}
}

type chatCompletionRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
}

// ChatStream sends messages as one chat completion request and streams the
// assistant's reply back through the returned channel, closing it once a
// StreamEvent with Done or Err arrives. The initial request (through
// receiving a response status) is retried per spec §6's retry set; once
// streaming has begun, a dropped connection surfaces as a final Err event
// rather than restarting the completion from scratch, since a partial
// answer can't be safely resumed mid-stream.
func (c *Client) ChatStream(ctx context.Context, messages []Message) (<-chan StreamEvent, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	id := c.registerAbort(cancel)

	body, err := json.Marshal(chatCompletionRequest{Model: c.cfg.Model, Messages: messages, Stream: true})
	if err != nil {
		cancel()
		c.unregisterAbort(id)
		return nil, kerrors.InvalidArgument("encode chat request", err)
	}

	resp, err := doWithRetry(streamCtx, c.cfg, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(streamCtx, http.MethodPost,
			c.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if c.cfg.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
		}
		return c.httpClient.Do(req)
	})
	if err != nil {
		cancel()
		c.unregisterAbort(id)
		return nil, kerrors.Wrap(kerrors.ErrNetworkTransport, err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		_ = resp.Body.Close()
		cancel()
		c.unregisterAbort(id)
		return nil, kerrors.New(kerrors.ErrRateLimited, "chat completion rate limited after retries", nil)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_ = resp.Body.Close()
		cancel()
		c.unregisterAbort(id)
		return nil, kerrors.New(kerrors.ErrNetworkStatus, fmt.Sprintf("chat completion returned status %d", resp.StatusCode), nil)
	}

	events := make(chan StreamEvent, 16)
	go func() {
		defer close(events)
		defer resp.Body.Close()
		defer cancel()
		defer c.unregisterAbort(id)
		decodeSSE(resp.Body, events)
	}()
	return events, nil
}

// Abort cancels every in-flight ChatStream call on this Client.
func (c *Client) Abort() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cancel := range c.active {
		cancel()
	}
}

func (c *Client) registerAbort(cancel context.CancelFunc) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	c.active[id] = cancel
	return id
}

func (c *Client) unregisterAbort(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.active, id)
}
