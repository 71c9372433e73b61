package model

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"legalrag/metrics"
	"legalrag/types"
)

// Validator reviews a generated answer with a second model. Implementations
// never return Go errors; failures are reported in the result.
type Validator interface {
	Name() string
	Configured() bool
	Validate(ctx context.Context, question, answer, context string) ValidationResult
	Health(ctx context.Context) ValidatorHealth
}

type ValidationResult struct {
	Validated bool     `json:"validated"`
	Score     *float64 `json:"score"`
	Feedback  string   `json:"feedback,omitempty"`
	Error     string   `json:"error,omitempty"`
	Duration  float64  `json:"validation_time"`
}

type ValidatorHealth struct {
	Healthy      bool    `json:"healthy"`
	Configured   bool    `json:"configured"`
	Backend      string  `json:"backend"`
	Error        string  `json:"error,omitempty"`
	ResponseTime float64 `json:"response_time,omitempty"`
}

const validationPrompt = `Évalue la qualité et la précision de cette réponse juridique:

QUESTION ORIGINALE:
%s

CONTEXTE JURIDIQUE FOURNI:
%s

RÉPONSE À ÉVALUER:
%s

CRITÈRES D'ÉVALUATION:
1. La réponse est-elle basée sur les sources fournies?
2. Les références juridiques sont-elles correctes?
3. La réponse est-elle complète et précise?
4. Le langage juridique est-il approprié?
5. Y a-t-il des erreurs factuelles ou des omissions importantes?

Fournis une évaluation concise (maximum 200 mots) avec:
- Note sur 10
- Points forts
- Points à améliorer (si applicable)
- Recommandations pour améliorer la réponse

ÉVALUATION:`

// BuildValidationPrompt renders the review prompt.
func BuildValidationPrompt(question, answer, context string) string {
	return fmt.Sprintf(validationPrompt, question, context, answer)
}

var scoreRe = regexp.MustCompile(`(?is)(?:note|score).*?(\d+(?:[.,]\d+)?)\s*/\s*10`)

// ExtractScore finds a "note ... X/10" mark in free text.
func ExtractScore(text string) *float64 {
	m := scoreRe.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	score, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", "."), 64)
	if err != nil {
		return nil
	}
	return &score
}

// completer produces free text for a prompt.
type completer func(ctx context.Context, prompt string) (string, error)

func runValidation(ctx context.Context, name string, complete completer, logger *slog.Logger, question, answer, context string) ValidationResult {
	start := time.Now()
	text, err := complete(ctx, BuildValidationPrompt(question, answer, context))
	if err != nil {
		logger.Error("validation failed", "backend", name, "error", err)
		metrics.UpstreamRequests.WithLabelValues("validate", "error").Inc()
		return ValidationResult{Error: err.Error()}
	}
	metrics.UpstreamRequests.WithLabelValues("validate", "success").Inc()

	text = strings.TrimSpace(text)
	result := ValidationResult{
		Validated: true,
		Score:     ExtractScore(text),
		Feedback:  text,
		Duration:  time.Since(start).Seconds(),
	}
	logger.Info("validation completed", "backend", name, "duration", time.Since(start), "score", result.Score)
	return result
}

func checkValidator(ctx context.Context, name string, complete completer, prompt string) ValidatorHealth {
	h := ValidatorHealth{Configured: true, Backend: name}
	start := time.Now()
	text, err := complete(ctx, prompt)
	if err != nil {
		h.Error = fmt.Sprintf("%s error: %v", name, err)
		return h
	}
	if strings.TrimSpace(text) == "" {
		h.Error = name + " test returned empty response"
		return h
	}
	h.Healthy = true
	h.ResponseTime = roundTo(time.Since(start).Seconds(), 3)
	return h
}

// NoopValidator reports validation as unavailable.
type NoopValidator struct{}

var _ Validator = NoopValidator{}

func (NoopValidator) Name() string     { return "none" }
func (NoopValidator) Configured() bool { return false }

func (NoopValidator) Validate(context.Context, string, string, string) ValidationResult {
	return ValidationResult{
		Feedback: "validation not available",
		Error:    "validator not configured",
	}
}

func (NoopValidator) Health(context.Context) ValidatorHealth {
	return ValidatorHealth{Backend: "none", Error: "validator not configured"}
}

// GeminiValidator reviews answers with the Gemini generateContent API.
type GeminiValidator struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	logger     *slog.Logger
}

var _ Validator = (*GeminiValidator)(nil)

type GeminiConfig struct {
	APIKey  string
	Model   string
	BaseURL string
	Timeout time.Duration
	// BreakerFailures opens the circuit after this many consecutive failures.
	BreakerFailures int
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	Contents []geminiContent `json:"contents"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func NewGeminiValidator(cfg GeminiConfig) *GeminiValidator {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://generativelanguage.googleapis.com"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	v := &GeminiValidator{
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     slog.Default().With("component", "gemini-validator"),
	}
	if cfg.BreakerFailures > 0 {
		v.breaker = newBreaker("gemini:"+cfg.Model, uint32(cfg.BreakerFailures), v.logger)
	}
	return v
}

func (v *GeminiValidator) Name() string     { return "gemini" }
func (v *GeminiValidator) Configured() bool { return v.apiKey != "" }

func (v *GeminiValidator) Validate(ctx context.Context, question, answer, context string) ValidationResult {
	if !v.Configured() {
		return NoopValidator{}.Validate(ctx, question, answer, context)
	}
	return runValidation(ctx, v.Name(), v.complete, v.logger, question, answer, context)
}

func (v *GeminiValidator) Health(ctx context.Context) ValidatorHealth {
	if !v.Configured() {
		return ValidatorHealth{Backend: v.Name(), Error: "Gemini API key not configured"}
	}
	return checkValidator(ctx, v.Name(), v.complete, "Test de santé de l'API Gemini. Réponds simplement 'OK'.")
}

func (v *GeminiValidator) complete(ctx context.Context, prompt string) (string, error) {
	return guard(v.breaker, func() (string, error) {
		body, err := json.Marshal(geminiRequest{
			Contents: []geminiContent{{Parts: []geminiPart{{Text: prompt}}}},
		})
		if err != nil {
			return "", fmt.Errorf("%w: %v", types.ErrInternal, err)
		}

		url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", v.baseURL, v.model)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return "", fmt.Errorf("%w: %v", types.ErrInternal, err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("x-goog-api-key", v.apiKey)

		resp, err := v.httpClient.Do(req)
		if err != nil {
			return "", fmt.Errorf("%w: failed to reach Gemini: %v", types.ErrTransient, err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return "", fmt.Errorf("%w: failed to read Gemini response: %v", types.ErrTransient, err)
		}

		if resp.StatusCode != http.StatusOK {
			msg := truncateBody(data)
			var apiErr geminiResponse
			if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != nil && apiErr.Error.Message != "" {
				msg = apiErr.Error.Message
			}
			return "", fmt.Errorf("%w: Gemini API error %d: %s", types.ErrUpstreamUnavailable, resp.StatusCode, msg)
		}

		var out geminiResponse
		if err := json.Unmarshal(data, &out); err != nil {
			return "", fmt.Errorf("%w: invalid response format from Gemini: %v", types.ErrUpstreamUnavailable, err)
		}

		var sb strings.Builder
		for _, c := range out.Candidates {
			for _, p := range c.Content.Parts {
				sb.WriteString(p.Text)
			}
			if sb.Len() > 0 {
				break
			}
		}
		if sb.Len() == 0 {
			return "", fmt.Errorf("%w: Gemini returned no candidates", types.ErrUpstreamUnavailable)
		}
		return sb.String(), nil
	})
}

// OllamaValidator reviews answers with a second Ollama model.
type OllamaValidator struct {
	generator *Generator
	logger    *slog.Logger
}

var _ Validator = (*OllamaValidator)(nil)

func NewOllamaValidator(generator *Generator) *OllamaValidator {
	return &OllamaValidator{
		generator: generator,
		logger:    slog.Default().With("component", "ollama-validator"),
	}
}

func (v *OllamaValidator) Name() string     { return "ollama" }
func (v *OllamaValidator) Configured() bool { return v.generator != nil }

func (v *OllamaValidator) Validate(ctx context.Context, question, answer, context string) ValidationResult {
	if !v.Configured() {
		return NoopValidator{}.Validate(ctx, question, answer, context)
	}
	return runValidation(ctx, v.Name(), v.generator.Complete, v.logger, question, answer, context)
}

func (v *OllamaValidator) Health(ctx context.Context) ValidatorHealth {
	if !v.Configured() {
		return NoopValidator{}.Health(ctx)
	}
	h := v.generator.Health(ctx)
	return ValidatorHealth{
		Healthy:      h.Healthy,
		Configured:   true,
		Backend:      v.Name(),
		Error:        h.Error,
		ResponseTime: h.ResponseTime,
	}
}
