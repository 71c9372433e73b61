package model

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pkoukk/tiktoken-go"
	"github.com/sony/gobreaker"

	"legalrag/types"
)

// GeneratorInterface answers a question from an assembled context.
type GeneratorInterface interface {
	Generate(ctx context.Context, question, context string) (string, error)
	PromptTokens(question, context string) int
	Model() string
}

// GenerationOptions are the decoding options sent to Ollama.
type GenerationOptions struct {
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
	TopK        int     `json:"top_k"`
	NumPredict  int     `json:"num_predict"`
}

// DefaultGenerationOptions keep answers near-deterministic and short.
var DefaultGenerationOptions = GenerationOptions{
	Temperature: 0.1,
	TopP:        0.9,
	TopK:        40,
	NumPredict:  512,
}

type GeneratorConfig struct {
	Model   string
	Options GenerationOptions
	// CountTokens enables tiktoken prompt accounting.
	CountTokens bool
	// BreakerFailures opens the circuit after this many consecutive
	// failures; zero disables the breaker.
	BreakerFailures int
}

type generateRequest struct {
	Model   string            `json:"model"`
	Prompt  string            `json:"prompt"`
	Stream  bool              `json:"stream"`
	Options GenerationOptions `json:"options"`
}

type generateResponse struct {
	Response *string `json:"response"`
}

const legalPrompt = `Assistant juridique marocain. Réponds en français basé sur ces sources:

%s

Question: %s

Réponds de façon concise avec citations d'articles.`

// Generator drives an Ollama text-generation model.
type Generator struct {
	client      *OllamaClient
	model       modelGuard
	options     GenerationOptions
	breaker     *gobreaker.CircuitBreaker
	countTokens bool
	logger      *slog.Logger
}

var _ GeneratorInterface = (*Generator)(nil)

func NewGenerator(client *OllamaClient, cfg GeneratorConfig) *Generator {
	if cfg.Options == (GenerationOptions{}) {
		cfg.Options = DefaultGenerationOptions
	}
	g := &Generator{
		client:      client,
		model:       modelGuard{name: cfg.Model},
		options:     cfg.Options,
		countTokens: cfg.CountTokens,
		logger:      slog.Default().With("component", "generator"),
	}
	if cfg.BreakerFailures > 0 {
		g.breaker = newBreaker("ollama-generate:"+cfg.Model, uint32(cfg.BreakerFailures), g.logger)
	}
	return g
}

func newBreaker(name string, failures uint32, logger *slog.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    name,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, types.ErrValidation) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
}

// guard runs fn behind the breaker, if any.
func guard(breaker *gobreaker.CircuitBreaker, fn func() (string, error)) (string, error) {
	if breaker == nil {
		return fn()
	}
	out, err := breaker.Execute(func() (interface{}, error) {
		return fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return "", fmt.Errorf("%w: %v", types.ErrUpstreamUnavailable, err)
	}
	if err != nil {
		return "", err
	}
	return out.(string), nil
}

func (g *Generator) Model() string {
	return g.model.current()
}

// BuildPrompt renders the legal question prompt.
func BuildPrompt(question, context string) string {
	return fmt.Sprintf(legalPrompt, context, question)
}

// Generate answers question using the retrieved context.
func (g *Generator) Generate(ctx context.Context, question, context string) (string, error) {
	start := time.Now()
	answer, err := g.Complete(ctx, BuildPrompt(question, context))
	if err != nil {
		g.logger.Error("failed to generate response", "error", err)
		return "", err
	}
	g.logger.Info("generated response", "duration", time.Since(start), "length", len(answer))
	return answer, nil
}

// Complete sends a raw prompt and returns the trimmed completion.
func (g *Generator) Complete(ctx context.Context, prompt string) (string, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", fmt.Errorf("%w: prompt cannot be empty", types.ErrValidation)
	}
	if err := g.model.verify(ctx, g.client); err != nil {
		return "", err
	}

	return guard(g.breaker, func() (string, error) {
		req := generateRequest{
			Model:   g.model.current(),
			Prompt:  prompt,
			Stream:  false,
			Options: g.options,
		}
		var resp generateResponse
		if err := g.client.post(ctx, "generate", "/api/generate", req, &resp); err != nil {
			return "", err
		}
		if resp.Response == nil {
			return "", fmt.Errorf("%w: invalid response format from Ollama", types.ErrUpstreamUnavailable)
		}
		text := strings.TrimSpace(*resp.Response)
		if text == "" {
			return "", fmt.Errorf("%w: empty response from Ollama", types.ErrUpstreamUnavailable)
		}
		return text, nil
	})
}

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
	encodingErr  error
)

// PromptTokens estimates the prompt size in tokens. It returns 0 when token
// counting is disabled or the encoding cannot be loaded.
func (g *Generator) PromptTokens(question, context string) int {
	if !g.countTokens {
		return 0
	}
	n, err := CountTokens(BuildPrompt(question, context))
	if err != nil {
		g.logger.Debug("token counting unavailable", "error", err)
		return 0
	}
	return n
}

// CountTokens counts tokens with the gpt-3.5-turbo encoding, a close enough
// proxy for local models.
func CountTokens(text string) (int, error) {
	encodingOnce.Do(func() {
		encoding, encodingErr = tiktoken.EncodingForModel("gpt-3.5-turbo")
	})
	if encodingErr != nil {
		return 0, encodingErr
	}
	return len(encoding.Encode(text, nil, nil)), nil
}

// Health checks reachability, model presence and one live generation.
func (g *Generator) Health(ctx context.Context) ModelHealth {
	var h ModelHealth
	start := time.Now()
	model := g.model.current()
	if !g.client.checkModel(ctx, model, &h) {
		return h
	}

	req := generateRequest{Model: model, Prompt: "Test de santé du service LLM", Options: g.options}
	var resp generateResponse
	if err := g.client.do(ctx, http.MethodPost, "/api/generate", req, &resp); err != nil {
		h.Error = fmt.Sprintf("generation test failed: %v", err)
		return h
	}
	if resp.Response == nil || strings.TrimSpace(*resp.Response) == "" {
		h.Error = "generation test returned empty result"
		return h
	}

	h.LiveTest = true
	h.Healthy = true
	h.ResponseTime = roundTo(time.Since(start).Seconds(), 3)
	return h
}

func (g *Generator) ListModels(ctx context.Context) ([]types.ModelInfo, error) {
	return g.client.ListModels(ctx)
}

func (g *Generator) SwitchModel(ctx context.Context, name string) error {
	return g.model.switchTo(ctx, g.client, name)
}

func (g *Generator) Info() GatewayInfo {
	return GatewayInfo{
		Service:       "ollama",
		Model:         g.model.current(),
		BaseURL:       g.client.BaseURL(),
		Timeout:       g.client.timeout.Seconds(),
		MaxRetries:    g.client.retry.MaxRetries,
		RetryDelay:    g.client.retry.Delay.Seconds(),
		ModelVerified: g.model.isVerified(),
		Endpoints: map[string]string{
			"generate": g.client.BaseURL() + "/api/generate",
			"models":   g.client.BaseURL() + "/api/tags",
		},
	}
}
