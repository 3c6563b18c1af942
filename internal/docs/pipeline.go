package docs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/raaihank/phi-sentinel/internal/logger"
	"github.com/raaihank/phi-sentinel/internal/protect"
)

// maxReportedErrors bounds ProcessingResult.Errors.
const maxReportedErrors = 100

// Pipeline protects every document of a corpus in one session, so a value
// gets the same replacement in every document and in later queries.
type Pipeline struct {
	session *protect.Session
	config  *Config
	logger  *logger.Logger
	stats   *ProcessingStats
	mu      sync.RWMutex
}

// NewPipeline creates a pipeline over session. The session should be in
// Reversible mode for the mapping to restore anything.
func NewPipeline(session *protect.Session, config *Config, log *logger.Logger) *Pipeline {
	if config == nil {
		config = DefaultConfig()
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultConfig().BatchSize
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = 1
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Pipeline{
		session: session,
		config:  config,
		logger:  log.WithComponent("docs"),
		stats:   &ProcessingStats{StartTime: time.Now()},
	}
}

// ProcessFile protects inputPath into outputPath. Formats follow the file
// extensions.
func (p *Pipeline) ProcessFile(ctx context.Context, inputPath, outputPath string) (*ProcessingResult, error) {
	p.logger.Info("Starting document pipeline",
		zap.String("input", inputPath),
		zap.String("output", outputPath),
		zap.String("input_format", string(DetectFileFormat(inputPath))),
		zap.String("output_format", string(DetectFileFormat(outputPath))),
		zap.Int("batch_size", p.config.BatchSize),
		zap.Int("workers", p.config.WorkerCount))

	src, err := OpenReader(inputPath)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	dst, err := CreateWriter(outputPath)
	if err != nil {
		return nil, err
	}

	result, err := p.Process(ctx, src, dst)
	if cerr := dst.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("failed to finish output file: %w", cerr)
	}
	return result, err
}

// Process reads every record of src, protects it and writes it to dst.
// Records that cannot be read or protected are counted and left out of
// the output; a write error or cancellation stops processing.
func (p *Pipeline) Process(ctx context.Context, src RecordReader, dst RecordWriter) (*ProcessingResult, error) {
	start := time.Now()
	result := &ProcessingResult{ByKind: make(map[string]int64)}
	p.resetStats()

	for {
		select {
		case <-ctx.Done():
			result.Duration = time.Since(start)
			return result, ctx.Err()
		default:
		}

		batch, eof, err := p.readBatch(src, result)
		if err != nil {
			result.Duration = time.Since(start)
			return result, err
		}

		if len(batch) > 0 {
			if err := p.processBatch(ctx, batch, dst, result); err != nil {
				result.Duration = time.Since(start)
				return result, err
			}
		}

		if eof {
			break
		}
	}

	result.Duration = time.Since(start)
	p.logger.Info("Document pipeline completed",
		zap.Int64("total_records", result.TotalRecords),
		zap.Int64("processed_ok", result.ProcessedOK),
		zap.Int64("processed_failed", result.ProcessedFailed),
		zap.Int64("skipped", result.Skipped),
		zap.Int64("entities", result.Entities),
		zap.Int("mapping_entries", p.session.Len()),
		zap.Duration("total_duration", result.Duration),
		zap.Duration("protect_time", result.ProtectTime),
		zap.Duration("write_time", result.WriteTime))

	return result, nil
}

// readBatch reads up to BatchSize records. Unreadable records are counted
// as failed.
func (p *Pipeline) readBatch(src RecordReader, result *ProcessingResult) ([]*Record, bool, error) {
	batch := make([]*Record, 0, p.config.BatchSize)
	for len(batch) < p.config.BatchSize {
		rec, err := src.Read()
		if err == io.EOF {
			return batch, true, nil
		}

		var recErr *RecordError
		if errors.As(err, &recErr) {
			result.TotalRecords++
			p.fail(result, recErr.Error())
			continue
		}
		if err != nil {
			return batch, false, err
		}

		batch = append(batch, rec)
	}
	return batch, false, nil
}

// processBatch protects batch with the worker pool and writes the records
// that succeeded, keeping input order.
func (p *Pipeline) processBatch(ctx context.Context, batch []*Record, dst RecordWriter, result *ProcessingResult) error {
	p.mu.Lock()
	p.stats.CurrentBatch++
	p.stats.RecordsRead += int64(len(batch))
	p.mu.Unlock()

	outs := make([]outcome, len(batch))

	protectStart := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.config.WorkerCount)
	for i, rec := range batch {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			outs[i] = p.protectRecord(gctx, rec)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	result.ProtectTime += time.Since(protectStart)

	written := make([]ProtectedRecord, 0, len(batch))
	for i, out := range outs {
		result.TotalRecords++
		if out.err != nil {
			p.fail(result, fmt.Sprintf("record %s: %v", batch[i].ID, out.err))
			continue
		}
		if out.record.Entities == 0 && strings.TrimSpace(out.record.Text) == "" {
			result.Skipped++
			written = append(written, *out.record)
			continue
		}
		result.ProcessedOK++
		result.Entities += int64(out.record.Entities)
		for kind, n := range out.counts {
			result.ByKind[kind] += int64(n)
		}
		written = append(written, *out.record)
	}

	writeStart := time.Now()
	if err := dst.Write(written); err != nil {
		return err
	}
	result.WriteTime += time.Since(writeStart)

	p.mu.Lock()
	p.stats.RecordsWritten += int64(len(written))
	p.mu.Unlock()

	if p.config.ProgressReport > 0 {
		before := (result.TotalRecords - int64(len(batch))) / int64(p.config.ProgressReport)
		if result.TotalRecords/int64(p.config.ProgressReport) > before {
			p.reportProgress(result)
		}
	}
	return nil
}

type outcome struct {
	record *ProtectedRecord
	counts map[string]int
	err    error
}

func (p *Pipeline) protectRecord(ctx context.Context, rec *Record) outcome {
	if p.config.MaxTextLength > 0 && len(rec.Text) > p.config.MaxTextLength {
		return outcome{err: fmt.Errorf("text exceeds %d bytes", p.config.MaxTextLength)}
	}

	res, err := p.session.ProtectContext(ctx, rec.Text)
	if err != nil {
		return outcome{err: err}
	}

	out := outcome{
		record: &ProtectedRecord{ID: rec.ID, Text: res.Text, Entities: len(res.Entities)},
		counts: make(map[string]int),
	}
	for _, e := range res.Entities {
		if e.Failed {
			out.record.Failed++
		}
		out.counts[e.Kind.String()]++
	}
	kinds := make([]string, 0, len(out.counts))
	for k := range out.counts {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	out.record.Kinds = strings.Join(kinds, ",")
	return out
}

func (p *Pipeline) fail(result *ProcessingResult, msg string) {
	result.ProcessedFailed++
	if len(result.Errors) < maxReportedErrors {
		result.Errors = append(result.Errors, msg)
	}
	p.logger.Warn("Record failed", zap.String("reason", msg))
}

// ProtectQuery protects a query with the corpus session, so entities that
// also occur in the corpus get the same replacement.
func (p *Pipeline) ProtectQuery(ctx context.Context, query string) (*protect.Result, error) {
	return p.session.ProtectContext(ctx, query)
}

// Restore puts original values back into text produced from protected
// documents or queries.
func (p *Pipeline) Restore(text string) string {
	return p.session.Restore(text)
}

// ExportMapping writes the session mapping as a JSON object. The file
// holds original values and is created owner-readable only.
func (p *Pipeline) ExportMapping(path string) (int, error) {
	m := p.session.Mapping()
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return 0, fmt.Errorf("failed to encode mapping: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return 0, fmt.Errorf("failed to write mapping: %w", err)
	}
	p.logger.Info("Mapping exported", zap.String("path", path), zap.Int("entries", len(m)))
	return len(m), nil
}

// LoadMapping reads a mapping written by ExportMapping.
func LoadMapping(path string) (protect.Mapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read mapping: %w", err)
	}
	var m protect.Mapping
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode mapping: %w", err)
	}
	return m, nil
}

// reportProgress reports current processing progress
func (p *Pipeline) reportProgress(result *ProcessingResult) {
	p.mu.Lock()
	elapsed := time.Since(p.stats.StartTime)
	rate := 0.0
	if s := elapsed.Seconds(); s > 0 {
		rate = float64(result.TotalRecords) / s
	}
	p.stats.ProcessingRate = rate
	p.mu.Unlock()

	p.logger.Info("Processing progress",
		zap.Int64("records_processed", result.TotalRecords),
		zap.Int64("records_ok", result.ProcessedOK),
		zap.Int64("records_failed", result.ProcessedFailed),
		zap.Float64("rate_per_sec", rate),
		zap.Duration("elapsed", elapsed))
}

// resetStats resets processing statistics
func (p *Pipeline) resetStats() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stats = &ProcessingStats{
		StartTime: time.Now(),
	}
}

// GetStats returns current processing statistics
func (p *Pipeline) GetStats() *ProcessingStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := *p.stats
	return &stats
}
