package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"legalrag/types"
)

func newTestStore(t *testing.T) *MemoryStore {
	t.Helper()
	s := NewMemoryStore("moroccan_law", 2)
	require.NoError(t, s.Init(context.Background()))
	return s
}

func seed(t *testing.T, s *MemoryStore) {
	t.Helper()
	docs := []types.Document{
		{ID: "a", Content: "La société anonyme est une société commerciale.", DocumentName: "Loi n° 17-95", Article: "Article 1", Chapter: "Titre I"},
		{ID: "b", Content: "Le capital social ne peut être inférieur à 300.000 dirhams.", DocumentName: "Loi n° 17-95", Article: "Article 6"},
		{ID: "c", Content: "Le contrat de travail est conclu librement.", DocumentName: "Code du travail", Article: "Article 15", Metadata: map[string]string{"livre": "I"}},
	}
	vectors := [][]float32{{0, 0}, {3, 4}, {30, 40}}
	require.NoError(t, s.Add(context.Background(), docs, vectors))
}

func TestScore(t *testing.T) {
	assert.Equal(t, 1.0, Score(0))
	assert.Equal(t, 0.5, Score(1))
	assert.Greater(t, Score(0.5), Score(2))
}

func TestMemoryStore_QueryOrdersAndFilters(t *testing.T) {
	s := newTestStore(t)
	seed(t, s)

	results, err := s.Query(context.Background(), []float32{0, 0}, 10, 0.002)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{results[0].ID, results[1].ID, results[2].ID})
	for i, r := range results {
		assert.Equal(t, i+1, r.Rank)
		assert.InDelta(t, Score(r.Distance), r.RelevanceScore, 1e-12)
		assert.GreaterOrEqual(t, r.RelevanceScore, 0.002)
	}
	assert.InDelta(t, 5.0, results[1].Distance, 1e-9)

	results, err = s.Query(context.Background(), []float32{0, 0}, 10, 0.1)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "b", results[1].ID)
	assert.Equal(t, 2, results[1].Rank)
}

func TestMemoryStore_QueryUnreachableThreshold(t *testing.T) {
	s := newTestStore(t)
	seed(t, s)

	results, err := s.Query(context.Background(), []float32{100, 100}, 3, 1.0)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestMemoryStore_QueryRespectsLimit(t *testing.T) {
	s := newTestStore(t)
	seed(t, s)

	results, err := s.Query(context.Background(), []float32{0, 0}, 1, 0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "a", results[0].ID)
}

func TestMemoryStore_AddValidates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.Add(ctx, []types.Document{{Content: "x"}}, nil)
	assert.ErrorIs(t, err, types.ErrValidation)

	err = s.Add(ctx, []types.Document{{Content: "x"}}, [][]float32{{1, 2, 3}})
	assert.ErrorIs(t, err, types.ErrValidation)

	err = s.Add(ctx, []types.Document{{Content: "x"}}, [][]float32{{}})
	assert.ErrorIs(t, err, types.ErrValidation)

	n, _ := s.Count(ctx)
	assert.Zero(t, n)
}

func TestMemoryStore_AddPersistsMetadata(t *testing.T) {
	s := newTestStore(t)
	seed(t, s)

	doc, err := s.Get(context.Background(), "c")
	require.NoError(t, err)
	assert.Equal(t, "Code du travail", doc.Metadata[types.MetaDocumentName])
	assert.Equal(t, "Article 15", doc.Metadata[types.MetaArticle])
	assert.Equal(t, "43", doc.Metadata[types.MetaContentLength])
	assert.Equal(t, "I", doc.Metadata["livre"])
	assert.NotEmpty(t, doc.Metadata[types.MetaIndexedAt])
	assert.Equal(t, []float32{30, 40}, doc.Embedding)
}

func TestMemoryStore_AddAssignsIDs(t *testing.T) {
	s := newTestStore(t)
	err := s.Add(context.Background(), []types.Document{{Content: "x"}, {Content: "y"}}, [][]float32{{1, 1}, {2, 2}})
	require.NoError(t, err)

	docs, err := s.Peek(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.NotEmpty(t, docs[0].ID)
	assert.NotEqual(t, docs[0].ID, docs[1].ID)
}

func TestMemoryStore_UpdateAndDelete(t *testing.T) {
	s := newTestStore(t)
	seed(t, s)
	ctx := context.Background()

	require.NoError(t, s.Update(ctx, types.Document{ID: "b", Content: "modifié", DocumentName: "Loi n° 17-95"}, []float32{1, 1}))
	doc, err := s.Get(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, "modifié", doc.Content)

	assert.ErrorIs(t, s.Update(ctx, types.Document{ID: "zz"}, []float32{1, 1}), types.ErrNotFound)

	require.NoError(t, s.Delete(ctx, "a"))
	_, err = s.Get(ctx, "a")
	assert.ErrorIs(t, err, types.ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, "a"), types.ErrNotFound)

	n, err := s.DeleteByFilter(ctx, types.MetaDocumentName, "Loi n° 17-95")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	count, _ := s.Count(ctx)
	assert.Equal(t, 1, count)
}

func TestMemoryStore_StatsAndInfo(t *testing.T) {
	s := newTestStore(t)
	seed(t, s)
	ctx := context.Background()

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalDocuments)
	assert.Equal(t, 3, stats.SampleSize)
	assert.Equal(t, 2, stats.DocumentSources["Loi n° 17-95"])
	assert.Greater(t, stats.AvgContentLength, 0.0)

	info, err := s.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, "memory", info.Backend)
	assert.Equal(t, 1, info.SourcesByChapter["Titre I"])
	assert.Equal(t, 2, info.SourcesByChapter["Unknown"])
	assert.False(t, info.CreatedAt.IsZero())
}

func TestMemoryStore_ResetAndHealth(t *testing.T) {
	uninitialized := NewMemoryStore("moroccan_law", 2)
	assert.Equal(t, types.StatusUnhealthy, uninitialized.Health(context.Background()).Status)

	s := newTestStore(t)
	seed(t, s)
	h := s.Health(context.Background())
	assert.Equal(t, types.StatusHealthy, h.Status)
	assert.Equal(t, 3, h.DocumentCount)

	require.NoError(t, s.Reset(context.Background()))
	n, _ := s.Count(context.Background())
	assert.Zero(t, n)
}

func TestMemoryStore_Backup(t *testing.T) {
	s := newTestStore(t)
	seed(t, s)
	path := filepath.Join(t.TempDir(), "backups", "backup.json")

	n, err := s.Backup(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var out backupFile
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, "moroccan_law", out.CollectionName)
	assert.Equal(t, 3, out.TotalDocuments)
	require.Len(t, out.Data, 3)
	assert.Equal(t, []float32{0, 0}, out.Data[0].Embedding)
}
