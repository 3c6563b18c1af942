// Package docs protects document corpora in bulk before they are indexed
// or sent to a model.
package docs

import (
	"path/filepath"
	"strings"
	"time"
)

// Record is one input document.
type Record struct {
	ID   string `csv:"id" parquet:"id" json:"id"`
	Text string `csv:"text" parquet:"text" json:"text"`
}

// ProtectedRecord is one output document. Only kinds and counts of the
// protected entities are kept next to the text.
type ProtectedRecord struct {
	ID       string `parquet:"id" json:"id"`
	Text     string `parquet:"text" json:"text"`
	Entities int    `parquet:"entities" json:"entities"`
	Failed   int    `parquet:"failed" json:"failed,omitempty"`
	Kinds    string `parquet:"kinds" json:"kinds,omitempty"` // comma separated, sorted
}

// ProcessingResult represents the result of processing a corpus. Every record
// lands in exactly one of ProcessedOK, ProcessedFailed or Skipped.
type ProcessingResult struct {
	TotalRecords    int64            `json:"total_records"`
	ProcessedOK     int64            `json:"processed_ok"`
	ProcessedFailed int64            `json:"processed_failed"`
	Skipped         int64            `json:"skipped"`
	Entities        int64            `json:"entities"`
	ByKind          map[string]int64 `json:"by_kind"`
	Duration        time.Duration    `json:"duration"`
	ProtectTime     time.Duration    `json:"protect_time"`
	WriteTime       time.Duration    `json:"write_time"`
	Errors          []string         `json:"errors,omitempty"`
}

// Config contains pipeline configuration
type Config struct {
	BatchSize      int `yaml:"batch_size" mapstructure:"batch_size"`           // 500
	WorkerCount    int `yaml:"worker_count" mapstructure:"worker_count"`       // 4
	MaxTextLength  int `yaml:"max_text_length" mapstructure:"max_text_length"` // 0 means unlimited
	ProgressReport int `yaml:"progress_report" mapstructure:"progress_report"` // 1000
}

// DefaultConfig returns the settings used by cmd/docprotect.
func DefaultConfig() *Config {
	return &Config{
		BatchSize:      500,
		WorkerCount:    4,
		ProgressReport: 1000,
	}
}

// ProcessingStats tracks real-time processing statistics
type ProcessingStats struct {
	StartTime      time.Time `json:"start_time"`
	RecordsRead    int64     `json:"records_read"`
	RecordsWritten int64     `json:"records_written"`
	CurrentBatch   int64     `json:"current_batch"`
	ProcessingRate float64   `json:"processing_rate"` // records per second
}

// FileFormat represents supported file formats
type FileFormat string

const (
	FormatCSV     FileFormat = "csv"
	FormatParquet FileFormat = "parquet"
	FormatJSONL   FileFormat = "jsonl"
)

// DetectFileFormat detects file format from extension. Unknown
// extensions are read as JSON lines.
func DetectFileFormat(filename string) FileFormat {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".csv":
		return FormatCSV
	case ".parquet":
		return FormatParquet
	default:
		return FormatJSONL
	}
}
