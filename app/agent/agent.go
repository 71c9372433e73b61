package agent

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"legalrag/metrics"
	"legalrag/model"
	"legalrag/store"
	"legalrag/types"
)

const (
	PipelineVersion = "1.0.0"

	contentLimit     = 300
	contextLimit     = 1500
	fastContentLimit = 200
	fastContextLimit = 800
	fastMaxSources   = 2

	fallbackConfidence = 50.0
)

// Config holds the retrieval defaults applied when a question leaves them
// unset.
type Config struct {
	MaxSources          int
	SimilarityThreshold float64
	FastMode            bool
	ConfidenceBoost     float64
	ConfidenceTopK      int
	// Validate is the default for questions that do not ask either way.
	Validate bool
}

// Question is one request to the pipeline. Nil fields take the defaults.
type Question struct {
	Text                string
	MaxSources          *int
	SimilarityThreshold *float64
	Validate            *bool
}

// healthChecker is implemented by the Ollama gateways.
type healthChecker interface {
	Health(ctx context.Context) model.ModelHealth
}

// Agent answers legal questions: embed, retrieve, build context, generate,
// score and optionally validate.
type Agent struct {
	logger    *slog.Logger
	embedder  model.EmbedderInterface
	generator model.GeneratorInterface
	validator model.Validator
	store     store.VectorStore
	cfg       Config

	mu      sync.Mutex
	metrics types.PerformanceMetrics
}

func New(embedder model.EmbedderInterface, generator model.GeneratorInterface, validator model.Validator, vs store.VectorStore, cfg Config) *Agent {
	if validator == nil {
		validator = model.NoopValidator{}
	}
	if cfg.MaxSources <= 0 {
		cfg.MaxSources = 3
	}
	if cfg.FastMode {
		cfg.MaxSources = min(cfg.MaxSources, fastMaxSources)
	}
	if cfg.ConfidenceBoost <= 0 {
		cfg.ConfidenceBoost = 1.2
	}
	if cfg.ConfidenceTopK <= 0 {
		cfg.ConfidenceTopK = 3
	}
	return &Agent{
		logger:    slog.Default().With("component", "rag"),
		embedder:  embedder,
		generator: generator,
		validator: validator,
		store:     vs,
		cfg:       cfg,
	}
}

// ProcessQuestion runs the whole pipeline. Any failure before the answer is
// generated fails the request; validation problems only show in metadata.
func (a *Agent) ProcessQuestion(ctx context.Context, q Question) (*types.QueryResult, error) {
	start := time.Now()
	question := strings.TrimSpace(q.Text)
	if question == "" {
		return nil, fmt.Errorf("%w: question cannot be empty", types.ErrValidation)
	}

	maxSources := a.cfg.MaxSources
	if q.MaxSources != nil && *q.MaxSources > 0 {
		maxSources = *q.MaxSources
	}
	threshold := a.cfg.SimilarityThreshold
	if q.SimilarityThreshold != nil {
		threshold = *q.SimilarityThreshold
	}
	validate := a.cfg.Validate
	if q.Validate != nil {
		validate = *q.Validate
	}

	a.logger.Info("processing question", "question", preview(question, 100))

	t := time.Now()
	vector, err := a.embedder.Embed(ctx, question)
	embeddingTime := time.Since(t)
	if err != nil {
		return nil, a.fail("embed question", err)
	}
	metrics.ObserveStage("embedding", embeddingTime)

	t = time.Now()
	results, err := a.store.Query(ctx, vector, maxSources, threshold)
	searchTime := time.Since(t)
	if err != nil {
		return nil, a.fail("search documents", err)
	}
	metrics.ObserveStage("search", searchTime)
	a.logger.Info("found relevant documents", "count", len(results), "duration", searchTime)

	contextText := BuildContext(results, maxSources, a.cfg.FastMode)

	t = time.Now()
	answer, err := a.generator.Generate(ctx, question, contextText)
	generationTime := time.Since(t)
	if err != nil {
		return nil, a.fail("generate answer", err)
	}
	metrics.ObserveStage("generation", generationTime)

	confidence := Confidence(results, a.cfg.ConfidenceTopK, a.cfg.ConfidenceBoost)
	metrics.Confidence.Observe(confidence)

	meta := types.QueryMetadata{
		Question:               question,
		SourcesFound:           len(results),
		TotalDocumentsSearched: len(results),
		Confidence:             confidence,
		Timestamp:              time.Now(),
		ModelUsed:              a.generator.Model(),
		EmbeddingModel:         a.embedder.Model(),
		ContextLength:          len([]rune(contextText)),
		PromptTokens:           a.generator.PromptTokens(question, contextText),
	}

	var validationTime time.Duration
	if validate {
		v := a.validator.Validate(ctx, question, answer, contextText)
		validationTime = time.Duration(v.Duration * float64(time.Second))
		meta.Validated = v.Validated
		meta.ValidationScore = v.Score
		meta.ValidationFeedback = v.Feedback
		meta.ValidationError = v.Error
		metrics.ObserveStage("validation", validationTime)
	}

	total := time.Since(start)
	meta.ProcessingTime = total.Seconds()
	perf := types.Performance{
		TotalTime:      total.Seconds(),
		EmbeddingTime:  embeddingTime.Seconds(),
		SearchTime:     searchTime.Seconds(),
		GenerationTime: generationTime.Seconds(),
		ValidationTime: validationTime.Seconds(),
	}
	a.record(perf)
	metrics.Queries.WithLabelValues("success").Inc()
	a.logger.Info("RAG pipeline completed", "duration", total, "sources", len(results), "confidence", confidence)

	return &types.QueryResult{
		Response:    answer,
		Sources:     Sources(results),
		Metadata:    meta,
		Performance: perf,
	}, nil
}

func (a *Agent) fail(stage string, err error) error {
	metrics.Queries.WithLabelValues("error").Inc()
	a.logger.Error("RAG pipeline failed", "stage", stage, "error", err)
	return fmt.Errorf("%s: %w", stage, err)
}

// BuildContext formats up to maxSources results for the prompt. Each entry is
// cut to 300 characters (200 in fast mode) and entries stop before the joined
// context would exceed 1500 characters (800 in fast mode).
func BuildContext(results []types.SearchResult, maxSources int, fast bool) string {
	if len(results) == 0 {
		return ""
	}
	contentMax, contextMax := contentLimit, contextLimit
	if fast {
		contentMax, contextMax = fastContentLimit, fastContextLimit
	}
	if maxSources > 0 && len(results) > maxSources {
		results = results[:maxSources]
	}

	parts := make([]string, 0, len(results))
	length := 0
	for i, r := range results {
		content := r.Content
		if runes := []rune(content); len(runes) > contentMax {
			content = string(runes[:contentMax]) + "..."
		}
		entry := fmt.Sprintf("Source %d: %s - %s\n%s\n",
			i+1, metaOr(r.Metadata, types.MetaDocumentName, "Unknown"), metaOr(r.Metadata, types.MetaArticle, "N/A"), content)

		n := len([]rune(entry))
		if len(parts) > 0 {
			n++
		}
		if length+n > contextMax {
			break
		}
		parts = append(parts, entry)
		length += n
	}
	return strings.Join(parts, "\n")
}

// Confidence is the mean relevance of the top K results scaled to 0-100,
// boosted and capped at 100, with one decimal.
func Confidence(results []types.SearchResult, topK int, boost float64) float64 {
	if len(results) == 0 {
		return 0
	}
	if topK <= 0 {
		return fallbackConfidence
	}
	top := results[:min(topK, len(results))]
	var sum float64
	for _, r := range top {
		sum += r.RelevanceScore
	}
	c := math.Min(100, sum/float64(len(top))*100*boost)
	return math.Round(c*10) / 10
}

// Sources returns every ranked result in caller format.
func Sources(results []types.SearchResult) []types.Source {
	sources := make([]types.Source, len(results))
	for i, r := range results {
		sources[i] = types.Source{
			DocumentName:   r.Metadata[types.MetaDocumentName],
			Article:        r.Metadata[types.MetaArticle],
			Chapter:        r.Metadata[types.MetaChapter],
			Section:        r.Metadata[types.MetaSection],
			Pages:          r.Metadata[types.MetaPages],
			Content:        r.Content,
			RelevanceScore: r.RelevanceScore,
			Rank:           i + 1,
		}
	}
	return sources
}

func (a *Agent) record(p types.Performance) {
	a.mu.Lock()
	defer a.mu.Unlock()
	m := &a.metrics
	m.TotalQueries++
	n := float64(m.TotalQueries)
	avg := func(cur, v float64) float64 { return (cur*(n-1) + v) / n }
	m.AvgResponseTime = avg(m.AvgResponseTime, p.TotalTime)
	m.AvgEmbeddingTime = avg(m.AvgEmbeddingTime, p.EmbeddingTime)
	m.AvgSearchTime = avg(m.AvgSearchTime, p.SearchTime)
	m.AvgGenerationTime = avg(m.AvgGenerationTime, p.GenerationTime)
}

// Metrics returns a copy of the running averages.
func (a *Agent) Metrics() types.PerformanceMetrics {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.metrics
}

type ComponentHealth struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
	Detail any    `json:"detail,omitempty"`
}

type Health struct {
	Status     string                     `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	Timestamp  time.Time                  `json:"timestamp"`
}

// Health aggregates component health. The store and both Ollama models are
// required; the validator only degrades the pipeline.
func (a *Agent) Health(ctx context.Context) Health {
	h := Health{
		Status:     types.StatusHealthy,
		Components: map[string]ComponentHealth{},
		Timestamp:  time.Now(),
	}
	required := func(name string, ok bool, errMsg string, detail any) {
		c := ComponentHealth{Status: types.StatusHealthy, Detail: detail}
		if !ok {
			c.Status = types.StatusUnhealthy
			c.Error = errMsg
			h.Status = types.StatusUnhealthy
		}
		h.Components[name] = c
	}

	storeHealth := a.store.Health(ctx)
	required("vector_store", storeHealth.Status == types.StatusHealthy, storeHealth.Error, storeHealth)

	for name, gw := range map[string]any{"embedding": a.embedder, "generation": a.generator} {
		checker, ok := gw.(healthChecker)
		if !ok {
			h.Components[name] = ComponentHealth{Status: types.StatusHealthy}
			continue
		}
		mh := checker.Health(ctx)
		required(name, mh.Healthy, mh.Error, mh)
	}

	vh := a.validator.Health(ctx)
	vc := ComponentHealth{Status: types.StatusHealthy, Detail: vh}
	if vh.Configured && !vh.Healthy {
		vc.Status = types.StatusDegraded
		vc.Error = vh.Error
		if h.Status == types.StatusHealthy {
			h.Status = types.StatusDegraded
		}
	}
	h.Components["validation"] = vc
	return h
}

type Info struct {
	PipelineVersion string                   `json:"pipeline_version"`
	Configuration   map[string]any           `json:"configuration"`
	Models          map[string]string        `json:"models"`
	Metrics         types.PerformanceMetrics `json:"performance_metrics"`
}

func (a *Agent) Info() Info {
	return Info{
		PipelineVersion: PipelineVersion,
		Configuration: map[string]any{
			"max_sources":          a.cfg.MaxSources,
			"similarity_threshold": a.cfg.SimilarityThreshold,
			"fast_mode":            a.cfg.FastMode,
			"confidence_boost":     a.cfg.ConfidenceBoost,
			"confidence_top_k":     a.cfg.ConfidenceTopK,
			"validation":           a.cfg.Validate && a.validator.Configured(),
		},
		Models: map[string]string{
			"embedding":  a.embedder.Model(),
			"generation": a.generator.Model(),
			"validation": a.validator.Name(),
		},
		Metrics: a.Metrics(),
	}
}

func metaOr(meta map[string]string, key, fallback string) string {
	if v := meta[key]; v != "" {
		return v
	}
	return fallback
}

func preview(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
