package docs

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/segmentio/parquet-go"
)

// RecordWriter receives protected records in input order.
type RecordWriter interface {
	Write(records []ProtectedRecord) error
	Close() error
}

// CreateWriter creates path with the writer for its extension.
func CreateWriter(path string) (RecordWriter, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create output file: %w", err)
	}

	switch DetectFileFormat(path) {
	case FormatCSV:
		return NewCSVWriter(file), nil
	case FormatParquet:
		return NewParquetWriter(file), nil
	default:
		return NewJSONLWriter(file), nil
	}
}

type jsonlWriter struct {
	buf    *bufio.Writer
	enc    *json.Encoder
	closer io.Closer
}

// NewJSONLWriter writes one JSON object per line.
func NewJSONLWriter(w io.Writer) RecordWriter {
	buf := bufio.NewWriter(w)
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	jw := &jsonlWriter{buf: buf, enc: enc}
	if c, ok := w.(io.Closer); ok {
		jw.closer = c
	}
	return jw
}

func (w *jsonlWriter) Write(records []ProtectedRecord) error {
	for i := range records {
		if err := w.enc.Encode(&records[i]); err != nil {
			return fmt.Errorf("failed to write JSON record: %w", err)
		}
	}
	return nil
}

func (w *jsonlWriter) Close() error {
	err := w.buf.Flush()
	if w.closer != nil {
		if cerr := w.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

type csvWriter struct {
	writer *csv.Writer
	closer io.Closer
	header bool
}

// NewCSVWriter writes id, text, entities, failed and kinds columns.
func NewCSVWriter(w io.Writer) RecordWriter {
	cw := &csvWriter{writer: csv.NewWriter(w)}
	if c, ok := w.(io.Closer); ok {
		cw.closer = c
	}
	return cw
}

func (w *csvWriter) Write(records []ProtectedRecord) error {
	if !w.header {
		if err := w.writer.Write([]string{"id", "text", "entities", "failed", "kinds"}); err != nil {
			return err
		}
		w.header = true
	}
	for _, r := range records {
		row := []string{r.ID, r.Text, strconv.Itoa(r.Entities), strconv.Itoa(r.Failed), r.Kinds}
		if err := w.writer.Write(row); err != nil {
			return fmt.Errorf("failed to write CSV record: %w", err)
		}
	}
	return nil
}

func (w *csvWriter) Close() error {
	w.writer.Flush()
	err := w.writer.Error()
	if w.closer != nil {
		if cerr := w.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

type parquetWriter struct {
	writer *parquet.GenericWriter[ProtectedRecord]
	closer io.Closer
}

// NewParquetWriter writes records with the ProtectedRecord schema.
func NewParquetWriter(w io.Writer) RecordWriter {
	pw := &parquetWriter{writer: parquet.NewGenericWriter[ProtectedRecord](w)}
	if c, ok := w.(io.Closer); ok {
		pw.closer = c
	}
	return pw
}

func (w *parquetWriter) Write(records []ProtectedRecord) error {
	if _, err := w.writer.Write(records); err != nil {
		return fmt.Errorf("failed to write Parquet records: %w", err)
	}
	return nil
}

func (w *parquetWriter) Close() error {
	err := w.writer.Close()
	if w.closer != nil {
		if cerr := w.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
