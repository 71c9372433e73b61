package store

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"legalrag/types"
)

// MemoryStore is an in-process VectorStore with exhaustive L2 search.
type MemoryStore struct {
	collection string
	dimension  int
	logger     *slog.Logger

	initOnce sync.Once
	mu       sync.RWMutex
	ready    bool
	order    []string
	docs     map[string]types.Document
	created  time.Time
}

var _ VectorStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty collection; dimension 0 accepts any size.
func NewMemoryStore(collection string, dimension int) *MemoryStore {
	return &MemoryStore{
		collection: collection,
		dimension:  dimension,
		docs:       map[string]types.Document{},
		logger:     slog.Default().With("component", "memory-store", "collection", collection),
	}
}

func (m *MemoryStore) Init(context.Context) error {
	m.initOnce.Do(func() {
		m.mu.Lock()
		m.ready = true
		m.created = time.Now().UTC()
		m.mu.Unlock()
		m.logger.Info("collection initialized")
	})
	return nil
}

func (m *MemoryStore) Add(_ context.Context, docs []types.Document, vectors [][]float32) error {
	if err := checkAdd(docs, vectors, m.dimension); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for i, doc := range docs {
		ensureID(&doc)
		m.put(documentFrom(doc.ID, doc.Content, buildMetadata(doc, now), cloneVector(vectors[i])))
	}
	return nil
}

func (m *MemoryStore) put(doc types.Document) {
	if _, ok := m.docs[doc.ID]; !ok {
		m.order = append(m.order, doc.ID)
	}
	m.docs[doc.ID] = doc
}

func (m *MemoryStore) Query(_ context.Context, vector []float32, limit int, threshold float64) ([]types.SearchResult, error) {
	if err := checkVector(vector, m.dimension); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive", types.ErrValidation)
	}

	m.mu.RLock()
	candidates := make([]candidate, 0, len(m.docs))
	for _, id := range m.order {
		doc := m.docs[id]
		if len(doc.Embedding) != len(vector) {
			continue
		}
		candidates = append(candidates, candidate{doc: doc, distance: l2(doc.Embedding, vector)})
	}
	m.mu.RUnlock()

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].distance < candidates[j].distance
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return rank(candidates, threshold), nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*types.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.docs[id]
	if !ok {
		return nil, fmt.Errorf("%w: document %s", types.ErrNotFound, id)
	}
	return &doc, nil
}

func (m *MemoryStore) Update(_ context.Context, doc types.Document, vector []float32) error {
	if doc.ID == "" {
		return fmt.Errorf("%w: document id is required", types.ErrValidation)
	}
	if err := checkVector(vector, m.dimension); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[doc.ID]; !ok {
		return fmt.Errorf("%w: document %s", types.ErrNotFound, doc.ID)
	}
	m.docs[doc.ID] = documentFrom(doc.ID, doc.Content, buildMetadata(doc, time.Now()), cloneVector(vector))
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[id]; !ok {
		return fmt.Errorf("%w: document %s", types.ErrNotFound, id)
	}
	m.remove(id)
	return nil
}

func (m *MemoryStore) DeleteByFilter(_ context.Context, field, value string) (int, error) {
	if field == "" {
		return 0, fmt.Errorf("%w: filter field is required", types.ErrValidation)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []string
	for _, id := range m.order {
		if v, ok := m.docs[id].Metadata[field]; ok && v == value {
			matched = append(matched, id)
		}
	}
	for _, id := range matched {
		m.remove(id)
	}
	return len(matched), nil
}

func (m *MemoryStore) remove(id string) {
	delete(m.docs, id)
	for i, o := range m.order {
		if o == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			return
		}
	}
}

func (m *MemoryStore) Count(context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs), nil
}

func (m *MemoryStore) Peek(_ context.Context, n int) ([]types.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n = min(n, len(m.order))
	if n <= 0 {
		return nil, nil
	}
	docs := make([]types.Document, 0, n)
	for _, id := range m.order[:n] {
		docs = append(docs, m.docs[id])
	}
	return docs, nil
}

func (m *MemoryStore) Reset(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs = map[string]types.Document{}
	m.order = nil
	m.created = time.Now().UTC()
	m.logger.Warn("collection reset")
	return nil
}

func (m *MemoryStore) Stats(ctx context.Context) (*CollectionStats, error) {
	total, _ := m.Count(ctx)
	sample, _ := m.Peek(ctx, statsSampleSize)
	return statsFromSample(m.collection, total, sample), nil
}

func (m *MemoryStore) Info(ctx context.Context) (*CollectionInfo, error) {
	total, _ := m.Count(ctx)
	sample, _ := m.Peek(ctx, infoSampleSize)
	info := infoFromSample(m.collection, total, sample)
	info.Dimension = m.dimension
	info.Backend = "memory"
	m.mu.RLock()
	info.CreatedAt = m.created
	m.mu.RUnlock()
	return info, nil
}

func (m *MemoryStore) Backup(ctx context.Context, path string) (int, error) {
	total, _ := m.Count(ctx)
	docs, _ := m.Peek(ctx, total)
	return writeBackup(path, m.collection, docs)
}

func (m *MemoryStore) Health(context.Context) Health {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.ready {
		return Health{
			Status:         types.StatusUnhealthy,
			CollectionName: m.collection,
			Error:          "collection not initialized",
		}
	}
	return Health{
		Status:         types.StatusHealthy,
		Initialized:    true,
		CollectionName: m.collection,
		DocumentCount:  len(m.docs),
	}
}

func (m *MemoryStore) Close() error {
	return nil
}

func l2(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

func cloneVector(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	return out
}
