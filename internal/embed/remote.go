package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	kerrors "github.com/LKLLLLLLLLLL/pocketrag-kernel/internal/errors"
)

// RemoteConfig configures a RemoteEmbedder against an Ollama-compatible
// embeddings endpoint (the /api/embed shape: POST {model, input} ->
// {model, embeddings: [][]float64}).
type RemoteConfig struct {
	// Endpoint is the base URL, e.g. "http://localhost:11434".
	Endpoint string
	// Model is the embedding model name to request.
	Model string
	// Dimensions overrides auto-detection (0 = detect from the first call).
	Dimensions int
	// MaxLength is the model's maximum input length.
	MaxLength int
	// Timeout bounds a single embed/batch HTTP call.
	Timeout time.Duration
	// ConnectTimeout bounds the TCP handshake.
	ConnectTimeout time.Duration
	// MaxRetries bounds transient-failure retries.
	MaxRetries int
}

// DefaultRemoteConfig returns sensible defaults for a local Ollama instance.
func DefaultRemoteConfig() RemoteConfig {
	return RemoteConfig{
		Endpoint:       "http://localhost:11434",
		MaxLength:      8192,
		Timeout:        30 * time.Second,
		ConnectTimeout: 5 * time.Second,
		MaxRetries:     3,
	}
}

// RemoteEmbedder calls an Ollama-compatible HTTP embeddings API. This is the
// "remote embedding API" variant of the embed.Embedder capability trait
// (spec §9 "Polymorphism"), grounded on the teacher's OllamaEmbedder.
type RemoteEmbedder struct {
	client    *http.Client
	transport *http.Transport
	cfg       RemoteConfig

	mu     sync.Mutex
	closed bool
	dims   int
}

var _ Embedder = (*RemoteEmbedder)(nil)

type remoteEmbedRequest struct {
	Model string `json:"model"`
	Input any    `json:"input"`
}

type remoteEmbedResponse struct {
	Model      string      `json:"model"`
	Embeddings [][]float64 `json:"embeddings"`
}

// NewRemoteEmbedder dials the endpoint and, if Dimensions is unset, probes
// it once with a throwaway string to learn the output width.
func NewRemoteEmbedder(ctx context.Context, cfg RemoteConfig) (*RemoteEmbedder, error) {
	if cfg.Endpoint == "" {
		return nil, kerrors.InvalidArgument("remote embedder requires an endpoint", nil)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultRemoteConfig().Timeout
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultRemoteConfig().ConnectTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultRemoteConfig().MaxRetries
	}
	if cfg.MaxLength <= 0 {
		cfg.MaxLength = DefaultRemoteConfig().MaxLength
	}

	transport := &http.Transport{
		MaxIdleConns:        4,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     10 * time.Second,
	}
	e := &RemoteEmbedder{
		client:    &http.Client{Transport: transport},
		transport: transport,
		cfg:       cfg,
		dims:      cfg.Dimensions,
	}

	if e.dims == 0 {
		probeCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
		v, err := e.embedOnce(probeCtx, "dimension probe")
		if err != nil {
			transport.CloseIdleConnections()
			return nil, kerrors.Wrap(kerrors.ErrNetworkTransport, err)
		}
		e.dims = len(v)
	}

	return e, nil
}

func (e *RemoteEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	var out []float32
	err := kerrors.Retry(ctx, e.retryConfig(), func() error {
		v, err := e.embedOnce(ctx, text)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func (e *RemoteEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	var out [][]float32
	err := kerrors.Retry(ctx, e.retryConfig(), func() error {
		vs, err := e.embedBatchOnce(ctx, texts)
		if err != nil {
			return err
		}
		out = vs
		return nil
	})
	return out, err
}

func (e *RemoteEmbedder) retryConfig() kerrors.RetryConfig {
	cfg := kerrors.DefaultRetryConfig()
	cfg.MaxRetries = e.cfg.MaxRetries
	return cfg
}

func (e *RemoteEmbedder) embedOnce(ctx context.Context, text string) ([]float32, error) {
	vs, err := e.embedBatchOnce(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vs) == 0 {
		return nil, kerrors.Network("remote embedder returned no vectors", nil)
	}
	return vs[0], nil
}

func (e *RemoteEmbedder) embedBatchOnce(ctx context.Context, texts []string) ([][]float32, error) {
	reqBody, err := json.Marshal(remoteEmbedRequest{Model: e.cfg.Model, Input: texts})
	if err != nil {
		return nil, kerrors.Internal("failed to marshal embed request", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, e.cfg.Endpoint+"/api/embed", bytes.NewReader(reqBody))
	if err != nil {
		return nil, kerrors.Internal("failed to build embed request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, kerrors.Network("embed request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, kerrors.Network("failed to read embed response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, kerrors.New(kerrors.ErrNetworkStatus, fmt.Sprintf("embed endpoint returned %d: %s", resp.StatusCode, body), nil)
	}

	var parsed remoteEmbedResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, kerrors.Internal("failed to parse embed response", err)
	}

	out := make([][]float32, len(parsed.Embeddings))
	for i, v := range parsed.Embeddings {
		f := make([]float32, len(v))
		for j, x := range v {
			f[j] = float32(x)
		}
		out[i] = f
	}
	return out, nil
}

func (e *RemoteEmbedder) Dimensions() int { return e.dims }
func (e *RemoteEmbedder) MaxLength() int  { return e.cfg.MaxLength }
func (e *RemoteEmbedder) ModelName() string {
	return e.cfg.Model
}

func (e *RemoteEmbedder) Available(ctx context.Context) bool {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return false
	}
	checkCtx, cancel := context.WithTimeout(ctx, e.cfg.ConnectTimeout)
	defer cancel()
	_, err := e.embedOnce(checkCtx, "availability probe")
	return err == nil
}

func (e *RemoteEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	e.transport.CloseIdleConnections()
	return nil
}
