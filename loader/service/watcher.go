package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"legalrag/loader/types"
)

const DefaultDebounce = 2 * time.Second

// Watcher reindexes the data directory when a source file is created or
// written. Bursts of events collapse into one incremental run.
type Watcher struct {
	logger   *slog.Logger
	pipeline *Pipeline
	dir      string
	debounce time.Duration
	fs       *fsnotify.Watcher

	// OnReindex, when set, receives the outcome of each triggered run.
	OnReindex func(*types.IncrementalReport, error)

	mu      sync.Mutex
	timer   *time.Timer
	trigger chan struct{}
}

func NewWatcher(pipeline *Pipeline, dir string, debounce time.Duration) (*Watcher, error) {
	if dir == "" {
		dir = pipeline.DataDirectory()
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := fs.Add(dir); err != nil {
		fs.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	return &Watcher{
		logger:   slog.Default().With("component", "watcher", "directory", dir),
		pipeline: pipeline,
		dir:      dir,
		debounce: debounce,
		fs:       fs,
		trigger:  make(chan struct{}, 1),
	}, nil
}

// Run blocks until ctx is cancelled. Runs triggered while another run is in
// progress are queued once.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fs.Close()
	defer w.stopTimer()
	w.logger.Info("start monitoring folder")

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("file watcher stopped")
			return nil

		case event, ok := <-w.fs.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 && w.pipeline.Accepts(event.Name) {
				w.logger.Debug("source file changed", "file", event.Name, "op", event.Op.String())
				w.schedule()
			}

		case err, ok := <-w.fs.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			w.logger.Warn("watcher error", "error", err)

		case <-w.trigger:
			w.reindex(ctx)
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		select {
		case w.trigger <- struct{}{}:
		default:
		}
	})
}

func (w *Watcher) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
}

func (w *Watcher) reindex(ctx context.Context) {
	report, err := w.pipeline.Incremental(ctx, w.dir, nil)
	if err != nil {
		w.logger.Error("incremental update failed", "error", err)
	} else {
		w.logger.Info("incremental update completed",
			"summary", report.Message, "documents_added", report.DocumentsAdded)
	}
	if w.OnReindex != nil {
		w.OnReindex(report, err)
	}
}
