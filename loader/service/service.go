package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"path/filepath"
	"sync"
	"time"

	"legalrag/loader/internal"
	"legalrag/loader/types"
	"legalrag/metrics"
	"legalrag/model"
	"legalrag/store"
	rtypes "legalrag/types"
)

const (
	DefaultBatchSize  = 50
	DefaultBatchPause = 100 * time.Millisecond
)

type Config struct {
	DataDirectory string
	BackupDir     string
	BatchSize     int
	BatchPause    time.Duration
	// MaxConcurrent bounds embedding requests per batch; zero keeps the
	// embedder default.
	MaxConcurrent int
	// PDFCropTop and PDFCropBottom are the PDF margins, in points, dropped
	// before text extraction.
	PDFCropTop    float64
	PDFCropBottom float64
}

type RunOptions struct {
	Directory string
	Reset     bool
	Progress  types.Progress
}

// Pipeline loads legal sources from disk, cleans them, embeds them and
// writes them to the vector store. One run executes at a time.
type Pipeline struct {
	logger   *slog.Logger
	store    store.VectorStore
	embedder model.EmbedderInterface
	loaders  []internal.Loader
	cfg      Config

	mu     sync.Mutex
	record types.RunRecord
	ran    bool
}

func New(vs store.VectorStore, embedder model.EmbedderInterface, cfg Config) *Pipeline {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.BatchPause < 0 {
		cfg.BatchPause = 0
	}
	return &Pipeline{
		logger:   slog.Default().With("component", "indexer"),
		store:    vs,
		embedder: embedder,
		loaders: []internal.Loader{
			internal.NewCSVLoader(),
			internal.NewPDFLoader(internal.WithMarginCrop(cfg.PDFCropTop, cfg.PDFCropBottom)),
		},
		cfg:    cfg,
		record: types.RunRecord{Status: types.StatusIdle, Errors: []string{}},
	}
}

// DataDirectory is the directory indexed when a run names none.
func (p *Pipeline) DataDirectory() string {
	return p.cfg.DataDirectory
}

// Accepts reports whether a file with this name can be indexed.
func (p *Pipeline) Accepts(name string) bool {
	return internal.LoaderFor(name, p.loaders...) != nil
}

// Run indexes every supported file of the directory. A failure that stops
// the run is returned together with the summary of the failed run.
func (p *Pipeline) Run(ctx context.Context, opts RunOptions) (*types.Summary, error) {
	dir := opts.Directory
	if dir == "" {
		dir = p.cfg.DataDirectory
	}

	p.mu.Lock()
	if p.record.Status == types.StatusRunning {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: indexing already running", rtypes.ErrValidation)
	}
	p.record = types.RunRecord{
		Status:    types.StatusRunning,
		Directory: dir,
		Errors:    []string{},
		StartTime: time.Now(),
	}
	p.ran = true
	p.mu.Unlock()

	p.logger.Info("starting document indexing", "directory", dir, "reset", opts.Reset)
	err := p.run(ctx, dir, opts)
	summary := p.finish(err)
	if err != nil {
		p.logger.Error("indexing failed", "directory", dir, "error", err)
		return summary, err
	}
	p.logger.Info("indexing completed", "summary", summary.Message, "duration", summary.Duration)
	return summary, nil
}

func (p *Pipeline) run(ctx context.Context, dir string, opts RunOptions) error {
	if err := p.store.Init(ctx); err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	if opts.Reset {
		if err := p.store.Reset(ctx); err != nil {
			return fmt.Errorf("reset collection: %w", err)
		}
		p.logger.Info("collection reset")
	}

	docs, err := p.load(ctx, dir, opts.Progress)
	if err != nil {
		return err
	}
	if len(docs) == 0 {
		p.logger.Warn("no documents found to index", "directory", dir)
		return nil
	}

	for start := 0; start < len(docs); start += p.cfg.BatchSize {
		if start > 0 && p.cfg.BatchPause > 0 {
			if err := sleep(ctx, p.cfg.BatchPause); err != nil {
				return err
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(start+p.cfg.BatchSize, len(docs))
		p.indexBatch(ctx, start/p.cfg.BatchSize+1, docs[start:end])
		p.notify(opts.Progress)
	}
	return nil
}

func (p *Pipeline) load(ctx context.Context, dir string, progress types.Progress) ([]rtypes.Document, error) {
	files, err := internal.ListFiles(dir, p.loaders...)
	if err != nil {
		return nil, err
	}
	p.update(func(r *types.RunRecord) { r.TotalFiles = len(files) })
	p.logger.Info("found source files", "count", len(files))

	var docs []rtypes.Document
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		loaded, err := internal.LoaderFor(file, p.loaders...).Load(file)
		p.update(func(r *types.RunRecord) {
			r.ProcessedFiles++
			if err != nil {
				r.Errors = append(r.Errors, fmt.Sprintf("Failed to load %s: %v", filepath.Base(file), err))
			}
		})
		if err != nil {
			p.logger.Error("failed to load file", "file", file, "error", err)
		} else {
			docs = append(docs, loaded...)
		}
		p.notify(progress)
	}

	p.update(func(r *types.RunRecord) { r.TotalDocuments = len(docs) })
	p.logger.Info("loaded documents for indexing", "count", len(docs))
	return docs, nil
}

// indexBatch cleans, embeds and stores one batch. A failed clean fails that
// document only; a failed embed or write fails every cleaned document.
func (p *Pipeline) indexBatch(ctx context.Context, number int, batch []rtypes.Document) {
	cleaned := make([]rtypes.Document, 0, len(batch))
	var cleanErrs []string
	for _, doc := range batch {
		if err := internal.CleanDocument(&doc); err != nil {
			cleanErrs = append(cleanErrs, fmt.Sprintf("Failed to process document %s %s: %v", doc.DocumentName, doc.Article, err))
			continue
		}
		cleaned = append(cleaned, doc)
	}

	var batchErr error
	if len(cleaned) > 0 {
		batchErr = p.embedAndStore(ctx, cleaned)
	}

	indexed, failed := len(cleaned), len(cleanErrs)
	if batchErr != nil {
		indexed, failed = 0, len(batch)
		p.logger.Error("failed to process batch", "batch", number, "error", batchErr)
	}
	metrics.IndexedDocuments.WithLabelValues("indexed").Add(float64(indexed))
	metrics.IndexedDocuments.WithLabelValues("failed").Add(float64(failed))

	p.update(func(r *types.RunRecord) {
		r.ProcessedDocuments += len(batch)
		r.IndexedDocuments += indexed
		r.FailedDocuments += failed
		r.Errors = append(r.Errors, cleanErrs...)
		if batchErr != nil {
			r.Errors = append(r.Errors, fmt.Sprintf("Failed to process batch %d: %v", number, batchErr))
		}
	})
	p.logger.Debug("processed batch", "batch", number, "indexed", indexed, "failed", failed)
}

func (p *Pipeline) embedAndStore(ctx context.Context, docs []rtypes.Document) error {
	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Content
	}
	vectors, err := p.embedder.EmbedBatch(ctx, texts, p.cfg.MaxConcurrent)
	if err != nil {
		return fmt.Errorf("embedding failed: %w", err)
	}
	if len(vectors) != len(docs) {
		return fmt.Errorf("%w: got %d embeddings for %d documents", rtypes.ErrInternal, len(vectors), len(docs))
	}
	if err := p.store.Add(ctx, docs, vectors); err != nil {
		return fmt.Errorf("store failed: %w", err)
	}
	return nil
}

func (p *Pipeline) update(fn func(*types.RunRecord)) {
	p.mu.Lock()
	fn(&p.record)
	p.mu.Unlock()
}

func (p *Pipeline) notify(progress types.Progress) {
	if progress == nil {
		return
	}
	p.mu.Lock()
	snapshot := p.record.Clone()
	p.mu.Unlock()
	progress(snapshot)
}

func (p *Pipeline) finish(runErr error) *types.Summary {
	p.mu.Lock()
	defer p.mu.Unlock()

	end := time.Now()
	p.record.EndTime = &end
	p.record.Status = types.StatusCompleted
	if runErr != nil {
		p.record.Status = types.StatusFailed
		p.record.Errors = append(p.record.Errors, runErr.Error())
	}
	metrics.IndexRuns.WithLabelValues(string(p.record.Status)).Inc()
	return summarize(p.record)
}

// Status returns the summary of the running or most recent run.
func (p *Pipeline) Status() *types.Summary {
	p.mu.Lock()
	defer p.mu.Unlock()
	return summarize(p.record)
}

// LastRun returns the most recent summary, or nil before the first run.
func (p *Pipeline) LastRun() *types.Summary {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.ran {
		return nil
	}
	return summarize(p.record)
}

func summarize(r types.RunRecord) *types.Summary {
	rate := r.SuccessRate()
	message := fmt.Sprintf("Indexed %d/%d documents (%.1f%% success rate)", r.IndexedDocuments, r.TotalDocuments, rate)
	if r.FailedDocuments > 0 {
		message += fmt.Sprintf(", %d failed", r.FailedDocuments)
	}

	end := time.Now()
	if r.EndTime != nil {
		end = *r.EndTime
	}
	var duration float64
	if !r.StartTime.IsZero() {
		duration = end.Sub(r.StartTime).Seconds()
	}

	errs := r.Errors
	if len(errs) > types.MaxSummaryErrors {
		errs = errs[:types.MaxSummaryErrors]
	}
	var endTime *time.Time
	if r.EndTime != nil {
		endTime = &end
	}
	return &types.Summary{
		Status:             r.Status,
		Message:            message,
		Directory:          r.Directory,
		TotalFiles:         r.TotalFiles,
		ProcessedFiles:     r.ProcessedFiles,
		TotalDocuments:     r.TotalDocuments,
		ProcessedDocuments: r.ProcessedDocuments,
		IndexedDocuments:   r.IndexedDocuments,
		FailedDocuments:    r.FailedDocuments,
		SuccessRate:        math.Round(rate*100) / 100,
		Errors:             append([]string{}, errs...),
		ErrorCount:         len(r.Errors),
		StartTime:          r.StartTime,
		EndTime:            endTime,
		Duration:           duration,
	}
}

// Incremental reindexes the directory without resetting the collection and
// reports how the collection size changed.
func (p *Pipeline) Incremental(ctx context.Context, dir string, progress types.Progress) (*types.IncrementalReport, error) {
	if err := p.store.Init(ctx); err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	before, err := p.store.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("count documents: %w", err)
	}

	summary, runErr := p.Run(ctx, RunOptions{Directory: dir, Progress: progress})
	if summary == nil {
		return nil, runErr
	}

	after, err := p.store.Count(ctx)
	if err != nil {
		return nil, errors.Join(runErr, fmt.Errorf("count documents: %w", err))
	}
	return &types.IncrementalReport{
		Summary:         *summary,
		DocumentsBefore: before,
		DocumentsAfter:  after,
		DocumentsAdded:  after - before,
	}, runErr
}

// Statistics gathers collection diagnostics with the pipeline settings.
func (p *Pipeline) Statistics(ctx context.Context) (*types.Statistics, error) {
	stats, err := p.store.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("collection stats: %w", err)
	}
	info, err := p.store.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("collection info: %w", err)
	}
	return &types.Statistics{
		Collection: stats,
		Info:       info,
		Health:     p.store.Health(ctx),
		Settings: types.Settings{
			DataDirectory: p.cfg.DataDirectory,
			BatchSize:     p.cfg.BatchSize,
			BatchPause:    p.cfg.BatchPause.Seconds(),
			MaxConcurrent: p.cfg.MaxConcurrent,
			BackupDir:     p.cfg.BackupDir,
		},
		LastRun: p.LastRun(),
	}, nil
}

// Backup writes the collection to backup_YYYYmmdd_HHMMSS.json in the backup
// directory.
func (p *Pipeline) Backup(ctx context.Context) (*types.BackupResult, error) {
	path := filepath.Join(p.cfg.BackupDir, "backup_"+time.Now().Format("20060102_150405")+".json")
	n, err := p.store.Backup(ctx, path)
	if err != nil {
		p.logger.Error("index backup failed", "path", path, "error", err)
		return nil, fmt.Errorf("backup collection: %w", err)
	}
	p.logger.Info("index backup completed", "path", path, "documents", n)
	return &types.BackupResult{Path: path, Documents: n}, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
