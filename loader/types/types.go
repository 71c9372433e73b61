package types

import (
	"time"

	"legalrag/store"
)

type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// MaxSummaryErrors caps the errors echoed in a Summary.
const MaxSummaryErrors = 10

// RunRecord tracks one indexing run.
type RunRecord struct {
	Status             Status     `json:"status"`
	Directory          string     `json:"directory"`
	TotalFiles         int        `json:"total_files"`
	ProcessedFiles     int        `json:"processed_files"`
	TotalDocuments     int        `json:"total_documents"`
	ProcessedDocuments int        `json:"processed_documents"`
	IndexedDocuments   int        `json:"indexed_documents"`
	FailedDocuments    int        `json:"failed_documents"`
	Errors             []string   `json:"errors"`
	StartTime          time.Time  `json:"start_time"`
	EndTime            *time.Time `json:"end_time,omitempty"`
}

// Clone returns a deep copy safe to hand to other goroutines.
func (r RunRecord) Clone() RunRecord {
	out := r
	out.Errors = append([]string(nil), r.Errors...)
	if r.EndTime != nil {
		end := *r.EndTime
		out.EndTime = &end
	}
	return out
}

// SuccessRate is indexed/total as a percentage, 0 for an empty run.
func (r RunRecord) SuccessRate() float64 {
	if r.TotalDocuments == 0 {
		return 0
	}
	return float64(r.IndexedDocuments) / float64(r.TotalDocuments) * 100
}

// Summary is the caller-facing view of a run.
type Summary struct {
	Status             Status     `json:"status"`
	Message            string     `json:"message"`
	Directory          string     `json:"directory"`
	TotalFiles         int        `json:"total_files"`
	ProcessedFiles     int        `json:"processed_files"`
	TotalDocuments     int        `json:"total_documents"`
	ProcessedDocuments int        `json:"processed_documents"`
	IndexedDocuments   int        `json:"indexed_documents"`
	FailedDocuments    int        `json:"failed_documents"`
	SuccessRate        float64    `json:"success_rate"`
	Errors             []string   `json:"errors"`
	ErrorCount         int        `json:"error_count"`
	StartTime          time.Time  `json:"start_time"`
	EndTime            *time.Time `json:"end_time,omitempty"`
	Duration           float64    `json:"duration"`
}

// Progress receives a snapshot after each loaded file and each batch.
type Progress func(RunRecord)

// IncrementalReport extends a summary with collection size deltas.
type IncrementalReport struct {
	Summary
	DocumentsBefore int `json:"documents_before"`
	DocumentsAfter  int `json:"documents_after"`
	DocumentsAdded  int `json:"documents_added"`
}

// Settings describes how the pipeline batches work.
type Settings struct {
	DataDirectory string  `json:"data_directory"`
	BatchSize     int     `json:"batch_size"`
	BatchPause    float64 `json:"batch_pause"`
	MaxConcurrent int     `json:"max_concurrent"`
	BackupDir     string  `json:"backup_dir"`
}

// Statistics aggregates collection and pipeline diagnostics.
type Statistics struct {
	Collection *store.CollectionStats `json:"collection"`
	Info       *store.CollectionInfo  `json:"info"`
	Health     store.Health           `json:"health"`
	Settings   Settings               `json:"settings"`
	LastRun    *Summary               `json:"last_run,omitempty"`
}

// BackupResult reports a written collection backup.
type BackupResult struct {
	Path      string `json:"path"`
	Documents int    `json:"documents"`
}
