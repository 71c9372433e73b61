package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"legalrag/types"
)

// PostgresStore keeps one collection in a pgvector table.
type PostgresStore struct {
	pool       *pgxpool.Pool
	collection string
	table      string
	dimension  int
	logger     *slog.Logger

	initOnce sync.Once
	initErr  error
	ready    bool
	mu       sync.RWMutex
}

var _ VectorStore = (*PostgresStore)(nil)

func NewPostgresStore(ctx context.Context, connStr, collection string, dimension int) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrUpstreamUnavailable, err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: cannot reach postgres: %v", types.ErrUpstreamUnavailable, err)
	}

	return &PostgresStore{
		pool:       pool,
		collection: collection,
		table:      pgx.Identifier{collection}.Sanitize(),
		dimension:  dimension,
		logger:     slog.Default().With("component", "pgvector", "collection", collection),
	}, nil
}

// Init creates the collection table once; later calls return the first outcome.
func (p *PostgresStore) Init(ctx context.Context) error {
	p.initOnce.Do(func() {
		err := p.createTables(ctx)
		p.mu.Lock()
		p.initErr = err
		p.ready = err == nil
		p.mu.Unlock()
		if err != nil {
			p.logger.Error("failed to initialize collection", "error", err)
			return
		}
		p.logger.Info("collection initialized", "dimension", p.dimension)
	})
	return p.initErr
}

func (p *PostgresStore) createTables(ctx context.Context) error {
	query := fmt.Sprintf(`
	CREATE EXTENSION IF NOT EXISTS vector;

	CREATE TABLE IF NOT EXISTS %[1]s (
		id TEXT PRIMARY KEY,
		content TEXT NOT NULL,
		metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
		embedding vector(%[2]d) NOT NULL,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now()
	);

	CREATE INDEX IF NOT EXISTS %[3]s ON %[1]s USING hnsw (embedding vector_l2_ops)
	WITH (m = 16, ef_construction = 64);

	CREATE INDEX IF NOT EXISTS %[4]s ON %[1]s ((metadata->>'document_name'));
	`,
		p.table,
		p.dimension,
		pgx.Identifier{p.collection + "_embedding_idx"}.Sanitize(),
		pgx.Identifier{p.collection + "_document_name_idx"}.Sanitize(),
	)
	if _, err := p.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("%w: create collection: %v", types.ErrUpstreamUnavailable, err)
	}
	return nil
}

func (p *PostgresStore) Add(ctx context.Context, docs []types.Document, vectors [][]float32) error {
	if err := checkAdd(docs, vectors, p.dimension); err != nil {
		return err
	}

	query := fmt.Sprintf(`INSERT INTO %s (id, content, metadata, embedding)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			content = EXCLUDED.content,
			metadata = EXCLUDED.metadata,
			embedding = EXCLUDED.embedding`, p.table)

	now := time.Now()
	for start := 0; start < len(docs); start += AddBatchSize {
		end := min(start+AddBatchSize, len(docs))
		batch := &pgx.Batch{}
		for i := start; i < end; i++ {
			doc := docs[i]
			ensureID(&doc)
			batch.Queue(query, doc.ID, doc.Content, buildMetadata(doc, now), pgvector.NewVector(vectors[i]))
		}
		if err := p.pool.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("%w: add documents %d-%d: %v", types.ErrUpstreamUnavailable, start, end-1, err)
		}
		p.logger.Debug("added batch", "from", start, "to", end-1)
	}
	p.logger.Info("added documents", "count", len(docs))
	return nil
}

func (p *PostgresStore) Query(ctx context.Context, vector []float32, limit int, threshold float64) ([]types.SearchResult, error) {
	if err := checkVector(vector, p.dimension); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive", types.ErrValidation)
	}

	query := fmt.Sprintf(`
		SELECT id, content, metadata, embedding <-> $1 AS distance
		FROM %s
		ORDER BY embedding <-> $1
		LIMIT $2`, p.table)
	rows, err := p.pool.Query(ctx, query, pgvector.NewVector(vector), limit)
	if err != nil {
		return nil, fmt.Errorf("%w: query collection: %v", types.ErrUpstreamUnavailable, err)
	}
	defer rows.Close()

	var candidates []candidate
	for rows.Next() {
		var (
			id, content string
			meta        map[string]string
			distance    float64
		)
		if err := rows.Scan(&id, &content, &meta, &distance); err != nil {
			return nil, fmt.Errorf("%w: scan result: %v", types.ErrInternal, err)
		}
		candidates = append(candidates, candidate{doc: documentFrom(id, content, meta, nil), distance: distance})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: query collection: %v", types.ErrUpstreamUnavailable, err)
	}

	results := rank(candidates, threshold)
	p.logger.Debug("query completed", "candidates", len(candidates), "results", len(results), "threshold", threshold)
	return results, nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*types.Document, error) {
	query := fmt.Sprintf("SELECT id, content, metadata, embedding FROM %s WHERE id = $1", p.table)
	docs, err := p.scanDocuments(ctx, query, id)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("%w: document %s", types.ErrNotFound, id)
	}
	return &docs[0], nil
}

func (p *PostgresStore) Update(ctx context.Context, doc types.Document, vector []float32) error {
	if doc.ID == "" {
		return fmt.Errorf("%w: document id is required", types.ErrValidation)
	}
	if err := checkVector(vector, p.dimension); err != nil {
		return err
	}

	query := fmt.Sprintf("UPDATE %s SET content = $2, metadata = $3, embedding = $4 WHERE id = $1", p.table)
	tag, err := p.pool.Exec(ctx, query, doc.ID, doc.Content, buildMetadata(doc, time.Now()), pgvector.NewVector(vector))
	if err != nil {
		return fmt.Errorf("%w: update document: %v", types.ErrUpstreamUnavailable, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: document %s", types.ErrNotFound, doc.ID)
	}
	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	tag, err := p.pool.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = $1", p.table), id)
	if err != nil {
		return fmt.Errorf("%w: delete document: %v", types.ErrUpstreamUnavailable, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: document %s", types.ErrNotFound, id)
	}
	return nil
}

func (p *PostgresStore) DeleteByFilter(ctx context.Context, field, value string) (int, error) {
	if field == "" {
		return 0, fmt.Errorf("%w: filter field is required", types.ErrValidation)
	}
	tag, err := p.pool.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE metadata->>$1 = $2", p.table), field, value)
	if err != nil {
		return 0, fmt.Errorf("%w: delete documents: %v", types.ErrUpstreamUnavailable, err)
	}
	p.logger.Info("deleted documents by filter", "field", field, "value", value, "count", tag.RowsAffected())
	return int(tag.RowsAffected()), nil
}

func (p *PostgresStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := p.pool.QueryRow(ctx, fmt.Sprintf("SELECT count(*) FROM %s", p.table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: count documents: %v", types.ErrUpstreamUnavailable, err)
	}
	return n, nil
}

func (p *PostgresStore) Peek(ctx context.Context, n int) ([]types.Document, error) {
	if n <= 0 {
		return nil, nil
	}
	query := fmt.Sprintf("SELECT id, content, metadata, embedding FROM %s ORDER BY created_at, id LIMIT $1", p.table)
	return p.scanDocuments(ctx, query, n)
}

// Reset drops the collection table and creates it again.
func (p *PostgresStore) Reset(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", p.table)); err != nil {
		return fmt.Errorf("%w: drop collection: %v", types.ErrUpstreamUnavailable, err)
	}
	if err := p.createTables(ctx); err != nil {
		return err
	}
	p.logger.Warn("collection reset")
	return nil
}

func (p *PostgresStore) Stats(ctx context.Context) (*CollectionStats, error) {
	total, err := p.Count(ctx)
	if err != nil {
		return nil, err
	}
	sample, err := p.Peek(ctx, statsSampleSize)
	if err != nil {
		return nil, err
	}
	return statsFromSample(p.collection, total, sample), nil
}

func (p *PostgresStore) Info(ctx context.Context) (*CollectionInfo, error) {
	total, err := p.Count(ctx)
	if err != nil {
		return nil, err
	}
	sample, err := p.Peek(ctx, infoSampleSize)
	if err != nil {
		return nil, err
	}
	info := infoFromSample(p.collection, total, sample)
	info.Dimension = p.dimension
	info.Backend = "pgvector"

	var created *time.Time
	err = p.pool.QueryRow(ctx, fmt.Sprintf("SELECT min(created_at) FROM %s", p.table)).Scan(&created)
	if err == nil && created != nil {
		info.CreatedAt = *created
	}
	return info, nil
}

func (p *PostgresStore) Backup(ctx context.Context, path string) (int, error) {
	query := fmt.Sprintf("SELECT id, content, metadata, embedding FROM %s", p.table)
	docs, err := p.scanDocuments(ctx, query)
	if err != nil {
		return 0, err
	}
	n, err := writeBackup(path, p.collection, docs)
	if err != nil {
		return 0, err
	}
	p.logger.Info("collection backed up", "path", path, "documents", n)
	return n, nil
}

func (p *PostgresStore) Health(ctx context.Context) Health {
	h := Health{CollectionName: p.collection}
	p.mu.RLock()
	h.Initialized = p.ready
	initErr := p.initErr
	p.mu.RUnlock()

	if !h.Initialized {
		h.Status = types.StatusUnhealthy
		h.Error = "collection not initialized"
		if initErr != nil {
			h.Error = initErr.Error()
		}
		return h
	}

	n, err := p.Count(ctx)
	if err != nil {
		h.Status = types.StatusDegraded
		h.Error = err.Error()
		return h
	}
	h.Status = types.StatusHealthy
	h.DocumentCount = n
	return h
}

func (p *PostgresStore) scanDocuments(ctx context.Context, query string, args ...any) ([]types.Document, error) {
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: read documents: %v", types.ErrUpstreamUnavailable, err)
	}
	defer rows.Close()

	var docs []types.Document
	for rows.Next() {
		var (
			id, content string
			meta        map[string]string
			vector      pgvector.Vector
		)
		if err := rows.Scan(&id, &content, &meta, &vector); err != nil {
			return nil, fmt.Errorf("%w: scan document: %v", types.ErrInternal, err)
		}
		docs = append(docs, documentFrom(id, content, meta, vector.Slice()))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: read documents: %v", types.ErrUpstreamUnavailable, err)
	}
	return docs, nil
}

// Close closes the connection pool.
func (p *PostgresStore) Close() error {
	if p.pool != nil {
		p.pool.Close()
		p.logger.Info("postgres connection pool is closed")
	}
	return nil
}
