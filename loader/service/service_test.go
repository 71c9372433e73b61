package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"legalrag/loader/types"
	"legalrag/store"
	rtypes "legalrag/types"
)

type mockEmbedder struct {
	mu      sync.Mutex
	calls   int
	failOn  string
	started chan struct{}
	release chan struct{}
}

func (m *mockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := m.EmbedBatch(ctx, []string{text}, 1)
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (m *mockEmbedder) EmbedBatch(_ context.Context, texts []string, _ int) ([][]float32, error) {
	m.mu.Lock()
	m.calls++
	first := m.calls == 1
	m.mu.Unlock()

	if first && m.started != nil {
		close(m.started)
	}
	if m.release != nil {
		<-m.release
	}

	vectors := make([][]float32, 0, len(texts))
	for _, t := range texts {
		if m.failOn != "" && strings.Contains(t, m.failOn) {
			return nil, fmt.Errorf("%w: Failed to embed 1 texts", rtypes.ErrPartialFailure)
		}
		vectors = append(vectors, []float32{float32(len([]rune(t))), 1})
	}
	return vectors, nil
}

func (m *mockEmbedder) Model() string { return "mock-embed" }

func (m *mockEmbedder) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

const lawCSV = "contenu,article,doc\n" +
	"La société anonyme est une société commerciale.,Article 1,Loi n° 17-95\n" +
	"Le capital social minimum est fixé par la loi.,Article 2,Loi n° 17-95\n" +
	"[ ],Article 3,Loi n° 17-95\n"

func writeCSV(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func newPipeline(t *testing.T, embedder *mockEmbedder, batchSize int) (*Pipeline, *store.MemoryStore, string) {
	t.Helper()
	dir := t.TempDir()
	vs := store.NewMemoryStore("legal_documents", 0)
	p := New(vs, embedder, Config{
		DataDirectory: dir,
		BackupDir:     filepath.Join(t.TempDir(), "backups"),
		BatchSize:     batchSize,
	})
	return p, vs, dir
}

func TestPipeline_RunIndexesAndCountsFailures(t *testing.T) {
	p, vs, dir := newPipeline(t, &mockEmbedder{}, 50)
	writeCSV(t, dir, "lois.csv", lawCSV)

	var snapshots []types.RunRecord
	summary, err := p.Run(context.Background(), RunOptions{
		Progress: func(r types.RunRecord) { snapshots = append(snapshots, r) },
	})
	require.NoError(t, err)

	assert.Equal(t, types.StatusCompleted, summary.Status)
	assert.Equal(t, 1, summary.TotalFiles)
	assert.Equal(t, 1, summary.ProcessedFiles)
	assert.Equal(t, 3, summary.TotalDocuments)
	assert.Equal(t, 3, summary.ProcessedDocuments)
	assert.Equal(t, 2, summary.IndexedDocuments)
	assert.Equal(t, 1, summary.FailedDocuments)
	assert.Equal(t, summary.TotalDocuments, summary.IndexedDocuments+summary.FailedDocuments)
	assert.Equal(t, 66.67, summary.SuccessRate)
	assert.Equal(t, "Indexed 2/3 documents (66.7% success rate), 1 failed", summary.Message)
	require.Len(t, summary.Errors, 1)
	assert.Contains(t, summary.Errors[0], "empty content after cleaning")
	assert.NotNil(t, summary.EndTime)

	count, err := vs.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	require.Len(t, snapshots, 2)
	assert.Equal(t, 1, snapshots[0].ProcessedFiles)
	assert.Equal(t, 0, snapshots[0].ProcessedDocuments)
	assert.Equal(t, 3, snapshots[1].ProcessedDocuments)
	assert.Equal(t, types.StatusRunning, snapshots[1].Status)

	assert.Equal(t, summary.Message, p.Status().Message)
}

func TestPipeline_RunMissingDirectory(t *testing.T) {
	p, _, dir := newPipeline(t, &mockEmbedder{}, 50)

	summary, err := p.Run(context.Background(), RunOptions{Directory: filepath.Join(dir, "absent")})
	require.ErrorIs(t, err, rtypes.ErrValidation)
	require.NotNil(t, summary)
	assert.Equal(t, types.StatusFailed, summary.Status)
	require.NotEmpty(t, summary.Errors)
	assert.Contains(t, summary.Errors[0], "data directory not found")
	assert.Equal(t, types.StatusFailed, p.Status().Status)
}

func TestPipeline_RunEmptyDirectory(t *testing.T) {
	embedder := &mockEmbedder{}
	p, _, _ := newPipeline(t, embedder, 50)

	summary, err := p.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, summary.Status)
	assert.Zero(t, summary.TotalDocuments)
	assert.Zero(t, summary.SuccessRate)
	assert.Equal(t, "Indexed 0/0 documents (0.0% success rate)", summary.Message)
	assert.Zero(t, embedder.callCount())
}

func TestPipeline_EmbeddingFailureFailsWholeBatch(t *testing.T) {
	embedder := &mockEmbedder{failOn: "capital"}
	p, vs, dir := newPipeline(t, embedder, 1)
	writeCSV(t, dir, "lois.csv", lawCSV)

	summary, err := p.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.IndexedDocuments)
	assert.Equal(t, 2, summary.FailedDocuments)
	assert.Equal(t, 2, embedder.callCount())

	var batchErr string
	for _, e := range summary.Errors {
		if strings.HasPrefix(e, "Failed to process batch 2") {
			batchErr = e
		}
	}
	assert.Contains(t, batchErr, "partial failure")

	count, err := vs.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestPipeline_UnreadableFileIsRecorded(t *testing.T) {
	p, _, dir := newPipeline(t, &mockEmbedder{}, 50)
	writeCSV(t, dir, "a_broken.csv", "article\nArticle 1\n")
	writeCSV(t, dir, "b_lois.csv", lawCSV)

	summary, err := p.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, summary.ProcessedFiles)
	assert.Equal(t, 3, summary.TotalDocuments)
	assert.Contains(t, summary.Errors[0], "Failed to load a_broken.csv")
}

func TestPipeline_ErrorsAreCapped(t *testing.T) {
	p, _, dir := newPipeline(t, &mockEmbedder{}, 50)
	writeCSV(t, dir, "bad.csv", "contenu\n"+strings.Repeat("( )\n", 12))

	summary, err := p.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 12, summary.FailedDocuments)
	assert.Len(t, summary.Errors, types.MaxSummaryErrors)
	assert.Equal(t, 12, summary.ErrorCount)
}

func TestPipeline_RejectsConcurrentRun(t *testing.T) {
	embedder := &mockEmbedder{started: make(chan struct{}), release: make(chan struct{})}
	p, _, dir := newPipeline(t, embedder, 50)
	writeCSV(t, dir, "lois.csv", lawCSV)

	done := make(chan error, 1)
	go func() {
		_, err := p.Run(context.Background(), RunOptions{})
		done <- err
	}()

	<-embedder.started
	assert.Equal(t, types.StatusRunning, p.Status().Status)
	_, err := p.Run(context.Background(), RunOptions{})
	require.ErrorIs(t, err, rtypes.ErrValidation)
	assert.Contains(t, err.Error(), "indexing already running")

	close(embedder.release)
	require.NoError(t, <-done)
	assert.Equal(t, types.StatusCompleted, p.Status().Status)
}

func TestPipeline_ResetClearsCollection(t *testing.T) {
	p, vs, dir := newPipeline(t, &mockEmbedder{}, 50)
	writeCSV(t, dir, "lois.csv", lawCSV)
	ctx := context.Background()

	_, err := p.Run(ctx, RunOptions{})
	require.NoError(t, err)
	_, err = p.Run(ctx, RunOptions{Reset: true})
	require.NoError(t, err)

	count, err := vs.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestPipeline_Incremental(t *testing.T) {
	p, _, dir := newPipeline(t, &mockEmbedder{}, 50)
	writeCSV(t, dir, "lois.csv", lawCSV)
	ctx := context.Background()

	report, err := p.Incremental(ctx, "", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, report.DocumentsBefore)
	assert.Equal(t, 2, report.DocumentsAfter)
	assert.Equal(t, 2, report.DocumentsAdded)
	assert.Equal(t, types.StatusCompleted, report.Status)

	report, err = p.Incremental(ctx, dir, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, report.DocumentsBefore)
	assert.Equal(t, 4, report.DocumentsAfter)
}

func TestPipeline_StatisticsAndBackup(t *testing.T) {
	p, _, dir := newPipeline(t, &mockEmbedder{}, 25)
	writeCSV(t, dir, "lois.csv", lawCSV)
	ctx := context.Background()

	stats, err := p.Statistics(ctx)
	require.NoError(t, err)
	assert.Nil(t, stats.LastRun)

	_, err = p.Run(ctx, RunOptions{})
	require.NoError(t, err)

	stats, err = p.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Collection.TotalDocuments)
	assert.Equal(t, 2, stats.Collection.DocumentSources["Loi n° 17-95"])
	assert.Equal(t, rtypes.StatusHealthy, stats.Health.Status)
	assert.Equal(t, 25, stats.Settings.BatchSize)
	assert.Equal(t, dir, stats.Settings.DataDirectory)
	require.NotNil(t, stats.LastRun)
	assert.Equal(t, 2, stats.LastRun.IndexedDocuments)

	backup, err := p.Backup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, backup.Documents)
	assert.Regexp(t, `backup_\d{8}_\d{6}\.json$`, backup.Path)
	assert.FileExists(t, backup.Path)
}

func TestWatcher_ReindexesOnNewFile(t *testing.T) {
	p, _, dir := newPipeline(t, &mockEmbedder{}, 50)

	w, err := NewWatcher(p, dir, 20*time.Millisecond)
	require.NoError(t, err)
	reports := make(chan *types.IncrementalReport, 8)
	w.OnReindex = func(r *types.IncrementalReport, err error) {
		if err == nil {
			reports <- r
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	tmp := filepath.Join(dir, "lois.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte(lawCSV), 0o644))
	require.NoError(t, os.Rename(tmp, filepath.Join(dir, "lois.csv")))

	select {
	case r := <-reports:
		assert.Equal(t, 2, r.DocumentsAdded)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not reindex")
	}

	cancel()
	require.NoError(t, <-done)
}

func TestWatcher_MissingDirectory(t *testing.T) {
	p, _, dir := newPipeline(t, &mockEmbedder{}, 50)
	_, err := NewWatcher(p, filepath.Join(dir, "absent"), 0)
	assert.Error(t, err)
}
