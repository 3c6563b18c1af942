package docs

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/segmentio/parquet-go"
)

const maxLineSize = 16 << 20

// RecordError reports one unreadable record. Reading can continue after it.
type RecordError struct {
	Line int
	Err  error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e *RecordError) Unwrap() error { return e.Err }

// RecordReader yields records until io.EOF.
type RecordReader interface {
	Read() (*Record, error)
	Close() error
}

// OpenReader opens path with the reader for its extension.
func OpenReader(path string) (RecordReader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open input file: %w", err)
	}

	var r RecordReader
	switch DetectFileFormat(path) {
	case FormatCSV:
		r, err = NewCSVReader(file)
	case FormatParquet:
		r, err = NewParquetReader(file)
	default:
		r = NewJSONLReader(file)
	}
	if err != nil {
		file.Close()
		return nil, err
	}
	return r, nil
}

type csvReader struct {
	reader *csv.Reader
	closer io.Closer
	idCol  int
	text   int
	line   int
}

// NewCSVReader reads a CSV file with a header row. A "text" column is
// required; without an "id" column records are numbered from 1.
func NewCSVReader(r io.Reader) (RecordReader, error) {
	reader := csv.NewReader(r)
	reader.ReuseRecord = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}

	cr := &csvReader{reader: reader, idCol: -1, text: -1}
	for i, col := range header {
		switch strings.ToLower(strings.TrimSpace(col)) {
		case "id":
			cr.idCol = i
		case "text":
			cr.text = i
		}
	}
	if cr.text < 0 {
		return nil, errors.New(`CSV header has no "text" column`)
	}
	if c, ok := r.(io.Closer); ok {
		cr.closer = c
	}
	return cr, nil
}

func (r *csvReader) Read() (*Record, error) {
	row, err := r.reader.Read()
	if err == io.EOF {
		return nil, io.EOF
	}
	r.line++
	if err != nil {
		var perr *csv.ParseError
		if errors.As(err, &perr) {
			return nil, &RecordError{Line: perr.Line, Err: perr.Err}
		}
		return nil, err
	}

	rec := &Record{ID: strconv.Itoa(r.line), Text: row[r.text]}
	if r.idCol >= 0 && row[r.idCol] != "" {
		rec.ID = row[r.idCol]
	}
	return rec, nil
}

func (r *csvReader) Close() error {
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}

type jsonlReader struct {
	scanner *bufio.Scanner
	closer  io.Closer
	line    int
}

// NewJSONLReader reads one JSON object per line. Blank lines are skipped.
func NewJSONLReader(r io.Reader) RecordReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	jr := &jsonlReader{scanner: scanner}
	if c, ok := r.(io.Closer); ok {
		jr.closer = c
	}
	return jr
}

func (r *jsonlReader) Read() (*Record, error) {
	for r.scanner.Scan() {
		r.line++
		line := strings.TrimSpace(r.scanner.Text())
		if line == "" {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			return nil, &RecordError{Line: r.line, Err: err}
		}
		if rec.ID == "" {
			rec.ID = strconv.Itoa(r.line)
		}
		return &rec, nil
	}
	if err := r.scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read JSON lines: %w", err)
	}
	return nil, io.EOF
}

func (r *jsonlReader) Close() error {
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}

type parquetReader struct {
	reader *parquet.Reader
	file   *os.File
	row    int
}

// NewParquetReader reads records from the id and text columns of file.
func NewParquetReader(file *os.File) (RecordReader, error) {
	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat Parquet file: %w", err)
	}
	// parquet.NewReader panics on invalid input; open the file first.
	pf, err := parquet.OpenFile(file, info.Size())
	if err != nil {
		return nil, fmt.Errorf("failed to open Parquet file: %w", err)
	}
	return &parquetReader{reader: parquet.NewReader(pf), file: file}, nil
}

func (r *parquetReader) Read() (*Record, error) {
	var rec Record
	if err := r.reader.Read(&rec); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("failed to read Parquet record: %w", err)
	}
	r.row++
	if rec.ID == "" {
		rec.ID = strconv.Itoa(r.row)
	}
	return &rec, nil
}

func (r *parquetReader) Close() error {
	err := r.reader.Close()
	if cerr := r.file.Close(); err == nil {
		err = cerr
	}
	return err
}
