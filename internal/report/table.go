// Package report streams model and agent tables to CSV files, optionally
// zstd-compressed, and spools per-iteration rows for ensemble runs.
package report

import (
	"bufio"
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// Table is a CSV file written row by row. A header row is written whenever
// the column set changes, so agent tables of a growing population stay
// readable.
type Table struct {
	path   string
	f      *os.File
	enc    *zstd.Encoder
	bw     *bufio.Writer
	w      *csv.Writer
	header []string
	rows   int
}

// Create opens a table at path. Paths ending in ".zst" are always compressed.
func Create(path string, compress bool) (*Table, error) {
	if compress && !strings.HasSuffix(path, ".zst") {
		path += ".zst"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	t := &Table{path: path, f: f}
	var out io.Writer = f
	if strings.HasSuffix(path, ".zst") {
		enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			_ = f.Close()
			return nil, err
		}
		t.enc = enc
		out = enc
	}
	t.bw = bufio.NewWriterSize(out, 256*1024)
	t.w = csv.NewWriter(t.bw)
	return t, nil
}

// Path returns the file the table writes to.
func (t *Table) Path() string { return t.path }

// Rows returns the number of data rows written.
func (t *Table) Rows() int { return t.rows }

// SetHeader writes cols as a header row unless it matches the current one.
func (t *Table) SetHeader(cols []string) error {
	if slices.Equal(cols, t.header) {
		return nil
	}
	t.header = slices.Clone(cols)
	return t.w.Write(cols)
}

// Write appends one data row.
func (t *Table) Write(record []string) error {
	if err := t.w.Write(record); err != nil {
		return err
	}
	t.rows++
	return nil
}

// Flush pushes buffered rows to the file.
func (t *Table) Flush() error {
	t.w.Flush()
	if err := t.w.Error(); err != nil {
		return err
	}
	if err := t.bw.Flush(); err != nil {
		return err
	}
	if t.enc != nil {
		return t.enc.Flush()
	}
	return nil
}

// Close flushes and closes the file.
func (t *Table) Close() error {
	err := t.Flush()
	if t.enc != nil {
		if cerr := t.enc.Close(); err == nil {
			err = cerr
		}
	}
	if cerr := t.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// readRecords streams every record of a table written by Table.
func readRecords(path string, fn func(record []string) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var in io.Reader = f
	if strings.HasSuffix(path, ".zst") {
		dec, err := zstd.NewReader(f)
		if err != nil {
			return err
		}
		defer dec.Close()
		in = dec
	}
	r := csv.NewReader(bufio.NewReaderSize(in, 256*1024))
	r.FieldsPerRecord = -1
	r.ReuseRecord = true
	for {
		rec, err := r.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}

// ReadAll loads a table into memory, header rows included. Meant for tests
// and small tables.
func ReadAll(path string) ([][]string, error) {
	var out [][]string
	err := readRecords(path, func(rec []string) error {
		out = append(out, slices.Clone(rec))
		return nil
	})
	return out, err
}
