package types

import (
	"time"
)

// Metadata keys persisted with every document.
const (
	MetaDocumentName  = "document_name"
	MetaArticle       = "article"
	MetaChapter       = "chapter"
	MetaSection       = "section"
	MetaPages         = "pages"
	MetaContentLength = "content_length"
	MetaIndexedAt     = "indexed_at"
	MetaSourceFile    = "source_file"
	MetaRowIndex      = "row_index"
)

// Document is a unit of retrievable legal text.
type Document struct {
	ID           string            `json:"id"`
	Content      string            `json:"content"`
	DocumentName string            `json:"document_name"`
	Article      string            `json:"article,omitempty"`
	Chapter      string            `json:"chapter,omitempty"`
	Section      string            `json:"section,omitempty"`
	Pages        string            `json:"pages,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Embedding    []float32         `json:"embedding,omitempty"`
}

// SearchResult is a document projected by one query, with its relevance.
type SearchResult struct {
	ID             string            `json:"id"`
	Content        string            `json:"content"`
	Metadata       map[string]string `json:"metadata"`
	Distance       float64           `json:"distance"`
	RelevanceScore float64           `json:"relevance_score"`
	Rank           int               `json:"rank"`
}

// Source is a search result formatted for the caller.
type Source struct {
	DocumentName   string  `json:"document_name"`
	Article        string  `json:"article"`
	Chapter        string  `json:"chapter"`
	Section        string  `json:"section"`
	Pages          string  `json:"pages"`
	Content        string  `json:"content"`
	RelevanceScore float64 `json:"relevance_score"`
	Rank           int     `json:"rank"`
}

type QueryMetadata struct {
	Question               string    `json:"question"`
	SourcesFound           int       `json:"sources_found"`
	Confidence             float64   `json:"confidence"`
	Validated              bool      `json:"validated"`
	ValidationScore        *float64  `json:"validation_score"`
	ValidationFeedback     string    `json:"validation_feedback,omitempty"`
	ValidationError        string    `json:"validation_error,omitempty"`
	Timestamp              time.Time `json:"timestamp"`
	ProcessingTime         float64   `json:"processing_time"`
	ModelUsed              string    `json:"model_used"`
	EmbeddingModel         string    `json:"embedding_model"`
	TotalDocumentsSearched int       `json:"total_documents_searched"`
	ContextLength          int       `json:"context_length"`
	PromptTokens           int       `json:"prompt_tokens,omitempty"`
}

// Performance is the per-stage timing breakdown of one query, in seconds.
type Performance struct {
	TotalTime      float64 `json:"total_time"`
	EmbeddingTime  float64 `json:"embedding_time"`
	SearchTime     float64 `json:"search_time"`
	GenerationTime float64 `json:"generation_time"`
	ValidationTime float64 `json:"validation_time"`
}

// QueryResult is the answer to one question.
type QueryResult struct {
	Response    string        `json:"response"`
	Sources     []Source      `json:"sources"`
	Metadata    QueryMetadata `json:"metadata"`
	Performance Performance   `json:"performance"`
}

// PerformanceMetrics are process-wide running averages over answered questions.
type PerformanceMetrics struct {
	TotalQueries      int64   `json:"total_queries"`
	AvgResponseTime   float64 `json:"avg_response_time"`
	AvgEmbeddingTime  float64 `json:"avg_embedding_time"`
	AvgSearchTime     float64 `json:"avg_search_time"`
	AvgGenerationTime float64 `json:"avg_generation_time"`
}

// ModelInfo describes a model listed by a remote endpoint.
type ModelInfo struct {
	Name       string `json:"name"`
	Size       int64  `json:"size"`
	ModifiedAt string `json:"modified_at"`
}

// Health statuses.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)
