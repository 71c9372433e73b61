package model

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"legalrag/types"
)

// EmbedderInterface turns text into vectors.
type EmbedderInterface interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string, maxConcurrent int) ([][]float32, error)
	Model() string
}

type EmbedderConfig struct {
	Model         string
	MaxTokens     int
	MaxConcurrent int
	// RateLimit caps requests per second; zero disables pacing.
	RateLimit float64
}

// Embedder creates embeddings through the Ollama embeddings endpoint.
type Embedder struct {
	client        *OllamaClient
	model         modelGuard
	maxTokens     int
	maxConcurrent int
	limiter       *rate.Limiter
	cache         EmbeddingCache
	logger        *slog.Logger
}

var _ EmbedderInterface = (*Embedder)(nil)

type embeddingRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embeddingResponse struct {
	Embedding []float64 `json:"embedding"`
}

type EmbedderOption func(*Embedder)

// WithCache makes the embedder consult cache before calling the server.
func WithCache(cache EmbeddingCache) EmbedderOption {
	return func(e *Embedder) { e.cache = cache }
}

func NewEmbedder(client *OllamaClient, cfg EmbedderConfig, opts ...EmbedderOption) *Embedder {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 512
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 5
	}
	e := &Embedder{
		client:        client,
		model:         modelGuard{name: cfg.Model},
		maxTokens:     cfg.MaxTokens,
		maxConcurrent: cfg.MaxConcurrent,
		logger:        slog.Default().With("component", "embedder"),
	}
	if cfg.RateLimit > 0 {
		burst := int(cfg.RateLimit)
		if burst < 1 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger.Info("uses local Ollama for embeddings", "model", cfg.Model)
	return e
}

func (e *Embedder) Model() string {
	return e.model.current()
}

// Embed returns the embedding of a single text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: text cannot be empty", types.ErrValidation)
	}
	vector, err := e.embed(ctx, Truncate(text, e.maxTokens))
	if err != nil {
		e.logger.Error("failed to embed text", "error", err)
		return nil, err
	}
	e.logger.Debug("generated embedding", "length", len(text), "dimension", len(vector))
	return vector, nil
}

type batchOutcome struct {
	index  int
	vector []float32
	err    error
}

// EmbedBatch embeds every non-blank text with at most maxConcurrent requests
// in flight. Blank entries are skipped; the result follows input order. Any
// failure fails the whole batch after all requests have completed.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string, maxConcurrent int) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if maxConcurrent <= 0 {
		maxConcurrent = e.maxConcurrent
	}

	valid := make([]int, 0, len(texts))
	for i, t := range texts {
		if strings.TrimSpace(t) != "" {
			valid = append(valid, i)
		}
	}
	if len(valid) == 0 {
		return nil, fmt.Errorf("%w: No valid texts provided for embedding", types.ErrValidation)
	}

	start := time.Now()
	sem := semaphore.NewWeighted(int64(maxConcurrent))
	outcomes := make([]batchOutcome, len(valid))
	var wg sync.WaitGroup

	for slot, index := range valid {
		if err := sem.Acquire(ctx, 1); err != nil {
			outcomes[slot] = batchOutcome{index: index, err: err}
			continue
		}
		wg.Add(1)
		go func(slot, index int) {
			defer wg.Done()
			defer sem.Release(1)
			vector, err := e.embed(ctx, Truncate(texts[index], e.maxTokens))
			if err != nil {
				e.logger.Error("failed to embed text", "index", index, "error", err)
			}
			outcomes[slot] = batchOutcome{index: index, vector: vector, err: err}
		}(slot, index)
	}
	wg.Wait()

	var errs []string
	vectors := make([][]float32, 0, len(valid))
	for _, o := range outcomes {
		if o.err != nil {
			errs = append(errs, fmt.Sprintf("Index %d: %v", o.index, o.err))
			continue
		}
		vectors = append(vectors, o.vector)
	}

	if len(errs) > 0 {
		summary := fmt.Sprintf("Failed to embed %d texts: %s", len(errs), strings.Join(errs[:min(3, len(errs))], "; "))
		if len(errs) > 3 {
			summary += fmt.Sprintf(" and %d more", len(errs)-3)
		}
		return nil, fmt.Errorf("%w: %s", types.ErrPartialFailure, summary)
	}

	e.logger.Info("generated embeddings", "count", len(vectors), "duration", time.Since(start))
	return vectors, nil
}

func (e *Embedder) embed(ctx context.Context, text string) ([]float32, error) {
	if err := e.model.verify(ctx, e.client); err != nil {
		return nil, err
	}
	model := e.model.current()

	if e.cache != nil {
		if vector, ok := e.cache.Get(ctx, model, text); ok {
			return vector, nil
		}
	}
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	req := embeddingRequest{Model: model, Prompt: strings.TrimSpace(text)}
	var resp embeddingResponse
	if err := e.client.post(ctx, "embed", "/api/embeddings", req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Embedding) == 0 {
		return nil, fmt.Errorf("%w: invalid embedding format", types.ErrUpstreamUnavailable)
	}

	vector := make([]float32, len(resp.Embedding))
	for i, v := range resp.Embedding {
		vector[i] = float32(v)
	}

	if e.cache != nil {
		e.cache.Set(ctx, model, text, vector)
	}
	return vector, nil
}

// Truncate cuts text to about maxTokens tokens, counting three characters
// per token, and marks the cut with an ellipsis.
func Truncate(text string, maxTokens int) string {
	maxChars := maxTokens * 3
	runes := []rune(text)
	if len(runes) <= maxChars {
		return text
	}
	if maxChars < 3 {
		return string(runes[:maxChars])
	}
	return string(runes[:maxChars-3]) + "..."
}

// Health checks reachability, model presence and one live embedding.
func (e *Embedder) Health(ctx context.Context) ModelHealth {
	var h ModelHealth
	start := time.Now()
	model := e.model.current()
	if !e.client.checkModel(ctx, model, &h) {
		return h
	}

	var resp embeddingResponse
	err := e.client.do(ctx, http.MethodPost, "/api/embeddings", embeddingRequest{Model: model, Prompt: "health check test"}, &resp)
	if err != nil {
		h.Error = fmt.Sprintf("embedding test failed: %v", err)
		return h
	}
	if len(resp.Embedding) == 0 {
		h.Error = "embedding test returned empty result"
		return h
	}

	h.LiveTest = true
	h.EmbeddingDimension = len(resp.Embedding)
	h.Healthy = true
	h.ResponseTime = roundTo(time.Since(start).Seconds(), 3)
	return h
}

func (e *Embedder) ListModels(ctx context.Context) ([]types.ModelInfo, error) {
	return e.client.ListModels(ctx)
}

// SwitchModel selects another embedding model; the previous one is kept if
// the server does not list the new one.
func (e *Embedder) SwitchModel(ctx context.Context, name string) error {
	return e.model.switchTo(ctx, e.client, name)
}

func (e *Embedder) Info() GatewayInfo {
	return GatewayInfo{
		Service:       "ollama",
		Model:         e.model.current(),
		BaseURL:       e.client.BaseURL(),
		Timeout:       e.client.timeout.Seconds(),
		MaxRetries:    e.client.retry.MaxRetries,
		RetryDelay:    e.client.retry.Delay.Seconds(),
		ModelVerified: e.model.isVerified(),
		Endpoints: map[string]string{
			"embeddings": e.client.BaseURL() + "/api/embeddings",
			"models":     e.client.BaseURL() + "/api/tags",
		},
	}
}
