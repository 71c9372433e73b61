package model

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"legalrag/metrics"
	"legalrag/types"
)

// OllamaClient talks to an Ollama server. It is shared by the embedding and
// generation gateways.
type OllamaClient struct {
	baseURL    string
	httpClient *http.Client
	retry      RetryPolicy
	timeout    time.Duration
	logger     *slog.Logger
}

type ollamaTagsResponse struct {
	Models []struct {
		Name       string `json:"name"`
		Size       int64  `json:"size"`
		ModifiedAt string `json:"modified_at"`
	} `json:"models"`
}

func NewOllamaClient(baseURL string, timeout time.Duration, retry RetryPolicy) *OllamaClient {
	return &OllamaClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		retry:      retry,
		timeout:    timeout,
		logger:     slog.Default().With("component", "ollama"),
	}
}

func (c *OllamaClient) BaseURL() string {
	return c.baseURL
}

// ListModels returns the models installed on the server.
func (c *OllamaClient) ListModels(ctx context.Context) ([]types.ModelInfo, error) {
	var tags ollamaTagsResponse
	if err := c.do(ctx, http.MethodGet, "/api/tags", nil, &tags); err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	models := make([]types.ModelInfo, 0, len(tags.Models))
	for _, m := range tags.Models {
		models = append(models, types.ModelInfo{Name: m.Name, Size: m.Size, ModifiedAt: m.ModifiedAt})
	}
	return models, nil
}

// post sends a JSON request with the client's retry policy. A server that
// still refuses connections once retries run out is reported unavailable.
func (c *OllamaClient) post(ctx context.Context, op, path string, req, resp any) error {
	err := Retry(ctx, c.retry, c.logger, op, func(ctx context.Context) error {
		return c.do(ctx, http.MethodPost, path, req, resp)
	})
	var urlErr *url.Error
	if err != nil && ctx.Err() == nil && errors.As(err, &urlErr) && !urlErr.Timeout() {
		err = fmt.Errorf("%w: cannot connect to Ollama at %s after %d attempts: %v",
			types.ErrUpstreamUnavailable, c.baseURL, c.retry.MaxRetries+1, urlErr)
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	metrics.UpstreamRequests.WithLabelValues(op, outcome).Inc()
	return err
}

// do performs one request and classifies failures: connection errors and 5xx
// are transient, 4xx and malformed payloads mean the upstream is unusable.
func (c *OllamaClient) do(ctx context.Context, method, path string, req, resp any) error {
	var body io.Reader
	if req != nil {
		data, err := json.Marshal(req)
		if err != nil {
			return fmt.Errorf("%w: failed to marshal request: %v", types.ErrInternal, err)
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%w: failed to create request: %v", types.ErrInternal, err)
	}
	if req != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ctx.Err()
		}
		return fmt.Errorf("%w: failed to connect to Ollama at %s: %w", types.ErrTransient, c.baseURL, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("%w: failed to read response: %v", types.ErrTransient, err)
	}

	if httpResp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("%w: HTTP error from Ollama: %d - %s", types.ErrTransient, httpResp.StatusCode, truncateBody(respBody))
	}
	if httpResp.StatusCode >= http.StatusBadRequest {
		msg := fmt.Sprintf("HTTP error from Ollama: %d", httpResp.StatusCode)
		if httpResp.StatusCode == http.StatusNotFound {
			msg += " - model not found"
		}
		return fmt.Errorf("%w: %s - %s", types.ErrUpstreamUnavailable, msg, truncateBody(respBody))
	}

	if resp != nil {
		if err := json.Unmarshal(respBody, resp); err != nil {
			return fmt.Errorf("%w: invalid response format from Ollama: %v", types.ErrUpstreamUnavailable, err)
		}
	}
	return nil
}

func truncateBody(b []byte) string {
	const limit = 200
	s := strings.TrimSpace(string(b))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}

// modelGuard remembers which model is selected and whether the server has it.
type modelGuard struct {
	mu       sync.Mutex
	name     string
	verified bool
}

func (g *modelGuard) current() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.name
}

func (g *modelGuard) isVerified() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.verified
}

// verify checks once per selected model that the server lists it.
func (g *modelGuard) verify(ctx context.Context, c *OllamaClient) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.verified {
		return nil
	}

	models, err := c.ListModels(ctx)
	if err != nil {
		if errors.Is(err, types.ErrTransient) {
			return fmt.Errorf("%w: cannot connect to Ollama at %s: %v", types.ErrUpstreamUnavailable, c.baseURL, err)
		}
		return err
	}
	names := make([]string, 0, len(models))
	for _, m := range models {
		if m.Name == g.name {
			g.verified = true
			c.logger.Info("model verified", "model", g.name)
			return nil
		}
		names = append(names, m.Name)
	}

	available := "None"
	if len(names) > 0 {
		available = strings.Join(names, ", ")
	}
	return fmt.Errorf("%w: model '%s' not available. Available models: %s", types.ErrUpstreamUnavailable, g.name, available)
}

// switchTo selects name and verifies it, restoring the previous model on failure.
func (g *modelGuard) switchTo(ctx context.Context, c *OllamaClient, name string) error {
	g.mu.Lock()
	old := g.name
	g.name = name
	g.verified = false
	g.mu.Unlock()

	if err := g.verify(ctx, c); err != nil {
		g.mu.Lock()
		g.name = old
		g.verified = false
		g.mu.Unlock()
		return fmt.Errorf("failed to switch to model '%s': %w", name, err)
	}
	c.logger.Info("switched model", "from", old, "to", name)
	return nil
}

// GatewayInfo describes a gateway's configuration.
type GatewayInfo struct {
	Service       string            `json:"service"`
	Model         string            `json:"model"`
	BaseURL       string            `json:"base_url"`
	Timeout       float64           `json:"timeout"`
	MaxRetries    int               `json:"max_retries"`
	RetryDelay    float64           `json:"retry_delay"`
	ModelVerified bool              `json:"model_verified"`
	Endpoints     map[string]string `json:"endpoints"`
}

// ModelHealth is the outcome of probing a model endpoint. It never carries a
// Go error; failures are reported in Error.
type ModelHealth struct {
	Healthy            bool             `json:"healthy"`
	Reachable          bool             `json:"ollama_running"`
	ModelAvailable     bool             `json:"model_available"`
	LiveTest           bool             `json:"live_test"`
	Error              string           `json:"error,omitempty"`
	ModelInfo          *types.ModelInfo `json:"model_info,omitempty"`
	EmbeddingDimension int              `json:"embedding_dimension,omitempty"`
	ResponseTime       float64          `json:"response_time,omitempty"`
}

// checkModel fills reachability and model presence; it reports whether the live
// test should run.
func (c *OllamaClient) checkModel(ctx context.Context, model string, h *ModelHealth) bool {
	models, err := c.ListModels(ctx)
	if err != nil {
		h.Error = fmt.Sprintf("cannot connect to Ollama at %s: %v", c.baseURL, err)
		return false
	}
	h.Reachable = true

	names := make([]string, 0, len(models))
	for _, m := range models {
		if m.Name == model {
			info := m
			h.ModelAvailable = true
			h.ModelInfo = &info
			return true
		}
		names = append(names, m.Name)
	}
	h.Error = fmt.Sprintf("model '%s' not found. Available: %s", model, strings.Join(names, ", "))
	return false
}

func roundTo(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
