package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bytedance/sonic"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"legalrag/app/agent"
	"legalrag/app/api"
	"legalrag/app/middleware"
	"legalrag/config"
	"legalrag/loader/service"
	"legalrag/model"
	"legalrag/store"
)

// Components are the services shared by the API and the command line.
type Components struct {
	Store     store.VectorStore
	Embedder  *model.Embedder
	Generator *model.Generator
	Validator model.Validator
	Pipeline  *service.Pipeline
	Agent     *agent.Agent

	cache *model.RedisCache
}

// Build wires every component from cfg. The caller owns the result and must
// Close it.
func Build(ctx context.Context, cfg *config.Config) (*Components, error) {
	vs, err := NewStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	c := &Components{Store: vs}

	client := model.NewOllamaClient(cfg.OllamaBaseURL, cfg.OllamaTimeout, model.RetryPolicy{
		MaxRetries: cfg.MaxRetries,
		Delay:      cfg.RetryDelay,
	})

	var opts []model.EmbedderOption
	if cfg.RedisAddr != "" {
		cache, err := model.NewRedisCache(ctx, model.RedisCacheConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			TTL:      cfg.CacheTTL,
		})
		if err != nil {
			slog.Warn("embedding cache disabled", "addr", cfg.RedisAddr, "error", err)
		} else {
			c.cache = cache
			opts = append(opts, model.WithCache(cache))
		}
	}

	c.Embedder = model.NewEmbedder(client, model.EmbedderConfig{
		Model:         cfg.EmbeddingModel,
		MaxTokens:     cfg.EmbeddingMaxTokens,
		MaxConcurrent: cfg.EmbeddingMaxConcurrent,
		RateLimit:     cfg.EmbeddingRateLimit,
	}, opts...)

	c.Generator = model.NewGenerator(client, model.GeneratorConfig{
		Model:           cfg.OllamaModel,
		Options:         model.DefaultGenerationOptions,
		CountTokens:     cfg.CountTokens,
		BreakerFailures: cfg.BreakerFailures,
	})

	c.Validator = NewValidator(cfg, client)

	c.Pipeline = service.New(vs, c.Embedder, service.Config{
		DataDirectory: cfg.DataPath,
		BackupDir:     cfg.BackupDir,
		BatchSize:     cfg.IndexBatchSize,
		BatchPause:    cfg.IndexBatchPause,
		MaxConcurrent: cfg.EmbeddingMaxConcurrent,
		PDFCropTop:    cfg.PDFCropTop,
		PDFCropBottom: cfg.PDFCropBottom,
	})

	c.Agent = agent.New(c.Embedder, c.Generator, c.Validator, vs, agent.Config{
		MaxSources:          cfg.MaxSources,
		SimilarityThreshold: cfg.SimilarityThreshold,
		FastMode:            cfg.FastMode,
		ConfidenceBoost:     cfg.ConfidenceBoost,
		ConfidenceTopK:      cfg.ConfidenceTopK,
		Validate:            cfg.UseValidation,
	})
	return c, nil
}

// NewStore opens and initializes the configured vector store backend.
func NewStore(ctx context.Context, cfg *config.Config) (store.VectorStore, error) {
	var vs store.VectorStore
	switch cfg.StoreBackend {
	case "memory":
		vs = store.NewMemoryStore(cfg.CollectionName, cfg.EmbeddingDimension)
	default:
		pg, err := store.NewPostgresStore(ctx, cfg.PostgresDSN(), cfg.CollectionName, cfg.EmbeddingDimension)
		if err != nil {
			return nil, fmt.Errorf("error to connect to Postgres database: %w", err)
		}
		vs = pg
	}
	if err := vs.Init(ctx); err != nil {
		vs.Close()
		return nil, fmt.Errorf("error to create tables: %w", err)
	}
	return vs, nil
}

// NewValidator selects the answer validator named by VALIDATOR_BACKEND.
func NewValidator(cfg *config.Config, client *model.OllamaClient) model.Validator {
	switch cfg.ValidatorBackend {
	case "gemini":
		return model.NewGeminiValidator(model.GeminiConfig{
			APIKey:          cfg.GeminiAPIKey,
			Model:           cfg.GeminiModel,
			BaseURL:         cfg.GeminiBaseURL,
			BreakerFailures: cfg.BreakerFailures,
		})
	case "ollama":
		name := cfg.ValidatorModel
		if name == "" {
			name = cfg.OllamaModel
		}
		return model.NewOllamaValidator(model.NewGenerator(client, model.GeneratorConfig{
			Model:           name,
			Options:         model.DefaultGenerationOptions,
			BreakerFailures: cfg.BreakerFailures,
		}))
	default:
		return model.NoopValidator{}
	}
}

func (c *Components) Close() error {
	var errs []error
	if c.cache != nil {
		errs = append(errs, c.cache.Close())
	}
	if c.Store != nil {
		errs = append(errs, c.Store.Close())
	}
	return errors.Join(errs...)
}

// NewApp registers every route on a fresh fiber app.
func NewApp(c *Components) *fiber.App {
	var (
		app = fiber.New(fiber.Config{
			ErrorHandler: api.ErrorHandler,
			JSONEncoder:  sonic.Marshal,
			JSONDecoder:  sonic.Unmarshal,
			BodyLimit:    64 << 20,
		})
		checkHandler = api.NewCheckHandler()
		askHandler   = api.NewAskHandler(c.Agent)
		dataHandler  = api.NewDataHandler(c.Pipeline, c.Store)
		modelHandler = api.NewModelHandler(c.Embedder, c.Generator)
		check        = app.Group("/check")
		apiv1        = app.Group("/api/v1")
	)

	app.Use(middleware.Observe("/metrics"))
	app.Use(recover.New())

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))
	check.Get("/healthy", checkHandler.HandleHealthy)

	apiv1.Post("/ask", askHandler.HandleAsk)
	apiv1.Get("/ask/health", askHandler.HandleHealth)
	apiv1.Get("/ask/info", askHandler.HandleInfo)

	apiv1.Get("/models", modelHandler.HandleListModels)
	apiv1.Post("/models/switch", modelHandler.HandleSwitchModel)

	apiv1.Post("/reload-data", dataHandler.HandleReload)
	apiv1.Get("/reload-data/status", dataHandler.HandleReloadStatus)
	apiv1.Post("/data/upload", dataHandler.HandleUpload)
	apiv1.Get("/collection/stats", dataHandler.HandleCollectionStats)
	apiv1.Get("/collection/health", dataHandler.HandleCollectionHealth)
	apiv1.Get("/collection/info", dataHandler.HandleCollectionInfo)
	apiv1.Post("/collection/backup", dataHandler.HandleBackup)

	return app
}

type Server struct {
	listenAddr string
	app        *fiber.App
	logger     *slog.Logger
}

func NewServer(addr string, c *Components) *Server {
	return &Server{
		listenAddr: addr,
		app:        NewApp(c),
		logger:     slog.Default().With("component", "server"),
	}
}

// Run serves until Stop is called.
func (s *Server) Run() error {
	s.logger.Info("server listening", "addr", s.listenAddr)
	if err := s.app.Listen(s.listenAddr); err != nil {
		s.logger.Error("error to start server", "error", err.Error())
		return err
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	err := s.app.ShutdownWithContext(ctx)
	s.logger.Info("server stopped")
	return err
}
