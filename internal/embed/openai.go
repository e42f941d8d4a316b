package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	dferrors "github.com/docfold/docfold/internal/errors"
)

// Config configures the HTTP embedder.
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	BatchSize   int
	Dimensions  int
	Timeout     time.Duration
	MaxInFlight int
}

// inCallRetry bounds the short in-request backoff on 429/5xx. Sustained
// failure surfaces to the caller, whose scheduler owns long retries.
var inCallRetry = dferrors.RetryStrategy{
	MaxRetries: 2,
	BaseDelay:  500 * time.Millisecond,
	MaxDelay:   5 * time.Second,
	Factor:     2.0,
	Jitter:     0.2,
}

// HTTPEmbedder calls an OpenAI-compatible POST /embeddings endpoint.
// Errors carry retry categories; beyond the short in-call backoff, the
// caller decides whether and how to retry.
type HTTPEmbedder struct {
	client *http.Client
	cfg    Config

	mu     sync.RWMutex
	closed bool
}

var _ Embedder = (*HTTPEmbedder)(nil)

// NewHTTPEmbedder creates an embedder, applying defaults for unset options.
func NewHTTPEmbedder(cfg Config) (*HTTPEmbedder, error) {
	if cfg.BaseURL == "" {
		return nil, dferrors.New(dferrors.ErrCodeConfigInvalid, "embedding base URL is required", nil)
	}
	if cfg.Model == "" {
		return nil, dferrors.New(dferrors.ErrCodeConfigInvalid, "embedding model is required", nil)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = DefaultDimensions
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = DefaultMaxInFlight
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")

	// Per-request timeouts come from context; the client itself only
	// bounds connection setup behavior through the transport.
	transport := &http.Transport{
		MaxIdleConns:        cfg.MaxInFlight * 2,
		MaxIdleConnsPerHost: cfg.MaxInFlight * 2,
		IdleConnTimeout:     30 * time.Second,
	}
	return &HTTPEmbedder{
		client: &http.Client{Transport: transport},
		cfg:    cfg,
	}, nil
}

type embedRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type embedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Embed generates an embedding for a single text. Whitespace-only
// input yields a zero vector without an API call.
func (e *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return make([]float32, e.cfg.Dimensions), nil
	}
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds texts in sub-batches of at most BatchSize, with at
// most MaxInFlight requests running concurrently. Whitespace-only
// inputs become zero vectors and are never sent to the API.
func (e *HTTPEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return nil, dferrors.InternalError("embedder is closed", nil)
	}
	e.mu.RUnlock()

	results := make([][]float32, len(texts))
	var idx []int
	var live []string
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			results[i] = make([]float32, e.cfg.Dimensions)
			continue
		}
		idx = append(idx, i)
		live = append(live, t)
	}
	if len(live) == 0 {
		return results, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.MaxInFlight)

	for start := 0; start < len(live); start += e.cfg.BatchSize {
		end := start + e.cfg.BatchSize
		if end > len(live) {
			end = len(live)
		}
		start, end := start, end
		g.Go(func() error {
			vecs, err := dferrors.RetryWithResult(gctx, inCallRetry, func() ([][]float32, error) {
				return e.doEmbed(gctx, live[start:end])
			})
			if err != nil {
				return err
			}
			for j, v := range vecs {
				results[idx[start+j]] = v
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// doEmbed performs one request and classifies failures into the retry
// taxonomy.
func (e *HTTPEmbedder) doEmbed(ctx context.Context, texts []string) ([][]float32, error) {
	reqCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	body, err := json.Marshal(embedRequest{
		Model:      e.cfg.Model,
		Input:      texts,
		Dimensions: e.cfg.Dimensions,
	})
	if err != nil {
		return nil, dferrors.InternalError("failed to marshal embedding request", err)
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, e.cfg.BaseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, dferrors.InternalError("failed to create embedding request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		if reqCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return nil, dferrors.New(dferrors.ErrCodeNetworkTimeout,
				fmt.Sprintf("embedding request timed out after %s", e.cfg.Timeout), err)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, dferrors.New(dferrors.ErrCodeNetworkUnavailable, "embedding endpoint unreachable", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, classifyStatus(resp.StatusCode, string(respBody))
	}

	var apiResp embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, dferrors.New(dferrors.ErrCodeEmbeddingFailed, "failed to decode embedding response", err)
	}
	if len(apiResp.Data) != len(texts) {
		return nil, dferrors.New(dferrors.ErrCodeEmbeddingFailed,
			fmt.Sprintf("expected %d embeddings, got %d", len(texts), len(apiResp.Data)), nil)
	}

	out := make([][]float32, len(texts))
	for _, d := range apiResp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, dferrors.New(dferrors.ErrCodeEmbeddingFailed,
				fmt.Sprintf("embedding index %d out of range", d.Index), nil)
		}
		if len(d.Embedding) != e.cfg.Dimensions {
			return nil, dferrors.New(dferrors.ErrCodeDimensionMismatch,
				fmt.Sprintf("expected %d dimensions, got %d", e.cfg.Dimensions, len(d.Embedding)), nil)
		}
		out[d.Index] = normalizeVector(d.Embedding)
	}

	slog.Debug("embed_batch_ok",
		slog.Int("texts", len(texts)),
		slog.String("model", e.cfg.Model))
	return out, nil
}

// classifyStatus maps HTTP status codes onto the retry taxonomy:
// 429 and 5xx are temporary, other 4xx are permanent.
func classifyStatus(status int, body string) error {
	msg := fmt.Sprintf("embedding request failed with status %d: %s", status, body)
	switch {
	case status == http.StatusTooManyRequests:
		return dferrors.New(dferrors.ErrCodeRateLimited, msg, nil)
	case status >= 500:
		return dferrors.New(dferrors.ErrCodeDependencyServer, msg, nil)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return dferrors.New(dferrors.ErrCodeUnauthorized, msg, nil)
	default:
		return dferrors.New(dferrors.ErrCodeDependencyRejected, msg, nil)
	}
}

// Dimensions returns the embedding dimension.
func (e *HTTPEmbedder) Dimensions() int {
	return e.cfg.Dimensions
}

// ModelName returns the model identifier.
func (e *HTTPEmbedder) ModelName() string {
	return e.cfg.Model
}

// Close releases idle connections.
func (e *HTTPEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	e.client.CloseIdleConnections()
	return nil
}
