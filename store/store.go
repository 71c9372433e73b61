package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"legalrag/types"
)

const (
	// AddBatchSize bounds the documents written per round-trip.
	AddBatchSize = 100

	statsSampleSize = 100
	infoSampleSize  = 50
)

// VectorStore persists documents with their embeddings and answers
// nearest-neighbour queries.
type VectorStore interface {
	Init(ctx context.Context) error
	Add(ctx context.Context, docs []types.Document, vectors [][]float32) error
	Query(ctx context.Context, vector []float32, limit int, threshold float64) ([]types.SearchResult, error)
	Get(ctx context.Context, id string) (*types.Document, error)
	Update(ctx context.Context, doc types.Document, vector []float32) error
	Delete(ctx context.Context, id string) error
	DeleteByFilter(ctx context.Context, field, value string) (int, error)
	Count(ctx context.Context) (int, error)
	Peek(ctx context.Context, n int) ([]types.Document, error)
	Reset(ctx context.Context) error
	Stats(ctx context.Context) (*CollectionStats, error)
	Info(ctx context.Context) (*CollectionInfo, error)
	Backup(ctx context.Context, path string) (int, error)
	Health(ctx context.Context) Health
	Close() error
}

type CollectionStats struct {
	CollectionName   string         `json:"collection_name"`
	TotalDocuments   int            `json:"total_documents"`
	DocumentSources  map[string]int `json:"document_sources"`
	AvgContentLength float64        `json:"avg_content_length"`
	SampleSize       int            `json:"sample_size"`
}

type CollectionInfo struct {
	CollectionName   string         `json:"collection_name"`
	TotalDocuments   int            `json:"total_documents"`
	DocumentTypes    map[string]int `json:"document_types"`
	SourcesByChapter map[string]int `json:"sources_by_chapter"`
	AvgContentLength float64        `json:"avg_content_length"`
	SampleSize       int            `json:"sample_size"`
	Dimension        int            `json:"embedding_dimension"`
	Backend          string         `json:"backend"`
	CreatedAt        time.Time      `json:"created_at"`
}

type Health struct {
	Status         string `json:"status"`
	Initialized    bool   `json:"initialized"`
	CollectionName string `json:"collection_name"`
	DocumentCount  int    `json:"document_count"`
	Error          string `json:"error,omitempty"`
}

// Score converts an L2 distance into a relevance in (0, 1].
func Score(distance float64) float64 {
	return 1 / (1 + distance)
}

type candidate struct {
	doc      types.Document
	distance float64
}

// rank turns candidates ordered by distance into results above threshold.
func rank(candidates []candidate, threshold float64) []types.SearchResult {
	results := make([]types.SearchResult, 0, len(candidates))
	for _, c := range candidates {
		score := Score(c.distance)
		if score < threshold {
			continue
		}
		results = append(results, types.SearchResult{
			ID:             c.doc.ID,
			Content:        c.doc.Content,
			Metadata:       c.doc.Metadata,
			Distance:       c.distance,
			RelevanceScore: score,
			Rank:           len(results) + 1,
		})
	}
	return results
}

func checkAdd(docs []types.Document, vectors [][]float32, dimension int) error {
	if len(docs) != len(vectors) {
		return fmt.Errorf("%w: %d documents but %d embeddings", types.ErrValidation, len(docs), len(vectors))
	}
	for i, v := range vectors {
		if err := checkVector(v, dimension); err != nil {
			return fmt.Errorf("document %d: %w", i, err)
		}
	}
	return nil
}

func checkVector(v []float32, dimension int) error {
	if len(v) == 0 {
		return fmt.Errorf("%w: empty embedding", types.ErrValidation)
	}
	if dimension > 0 && len(v) != dimension {
		return fmt.Errorf("%w: embedding dimension %d, collection expects %d", types.ErrValidation, len(v), dimension)
	}
	return nil
}

// buildMetadata merges the fixed document fields over the caller's extras.
func buildMetadata(doc types.Document, now time.Time) map[string]string {
	meta := make(map[string]string, len(doc.Metadata)+7)
	for k, v := range doc.Metadata {
		meta[k] = v
	}
	meta[types.MetaDocumentName] = doc.DocumentName
	meta[types.MetaArticle] = doc.Article
	meta[types.MetaChapter] = doc.Chapter
	meta[types.MetaSection] = doc.Section
	meta[types.MetaPages] = doc.Pages
	meta[types.MetaContentLength] = strconv.Itoa(len([]rune(doc.Content)))
	meta[types.MetaIndexedAt] = now.UTC().Format(time.RFC3339)
	return meta
}

func ensureID(doc *types.Document) {
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
}

// documentFrom rebuilds a document from its stored columns.
func documentFrom(id, content string, meta map[string]string, vector []float32) types.Document {
	if meta == nil {
		meta = map[string]string{}
	}
	return types.Document{
		ID:           id,
		Content:      content,
		DocumentName: meta[types.MetaDocumentName],
		Article:      meta[types.MetaArticle],
		Chapter:      meta[types.MetaChapter],
		Section:      meta[types.MetaSection],
		Pages:        meta[types.MetaPages],
		Metadata:     meta,
		Embedding:    vector,
	}
}

func statsFromSample(collection string, total int, sample []types.Document) *CollectionStats {
	stats := &CollectionStats{
		CollectionName:  collection,
		TotalDocuments:  total,
		DocumentSources: map[string]int{},
		SampleSize:      len(sample),
	}
	for _, doc := range sample {
		stats.DocumentSources[labelOr(doc.DocumentName, "Unknown")]++
	}
	stats.AvgContentLength = avgContentLength(sample)
	return stats
}

func infoFromSample(collection string, total int, sample []types.Document) *CollectionInfo {
	info := &CollectionInfo{
		CollectionName:   collection,
		TotalDocuments:   total,
		DocumentTypes:    map[string]int{},
		SourcesByChapter: map[string]int{},
		SampleSize:       len(sample),
	}
	for _, doc := range sample {
		info.DocumentTypes[labelOr(doc.DocumentName, "Unknown")]++
		info.SourcesByChapter[labelOr(doc.Chapter, "Unknown")]++
	}
	info.AvgContentLength = avgContentLength(sample)
	return info
}

func avgContentLength(sample []types.Document) float64 {
	if len(sample) == 0 {
		return 0
	}
	total := 0
	for _, doc := range sample {
		total += len([]rune(doc.Content))
	}
	avg := float64(total) / float64(len(sample))
	return float64(int(avg*100+0.5)) / 100
}

func labelOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

type backupRecord struct {
	ID        string            `json:"id"`
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata"`
	Embedding []float32         `json:"embedding"`
}

type backupFile struct {
	CollectionName  string         `json:"collection_name"`
	BackupTimestamp string         `json:"backup_timestamp"`
	TotalDocuments  int            `json:"total_documents"`
	Data            []backupRecord `json:"data"`
}

// writeBackup dumps docs as a JSON file at path.
func writeBackup(path, collection string, docs []types.Document) (int, error) {
	out := backupFile{
		CollectionName:  collection,
		BackupTimestamp: time.Now().UTC().Format(time.RFC3339),
		TotalDocuments:  len(docs),
		Data:            make([]backupRecord, 0, len(docs)),
	}
	sort.SliceStable(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	for _, doc := range docs {
		out.Data = append(out.Data, backupRecord{
			ID:        doc.ID,
			Content:   doc.Content,
			Metadata:  doc.Metadata,
			Embedding: doc.Embedding,
		})
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("create backup directory: %w", err)
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return 0, fmt.Errorf("%w: encode backup: %v", types.ErrInternal, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return 0, fmt.Errorf("write backup: %w", err)
	}
	return len(docs), nil
}
