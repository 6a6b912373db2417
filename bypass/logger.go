package bypass

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/grailbio/hdfbypass/errors"
	"github.com/klauspost/compress/gzip"
)

// Record is one row of the append-only domain log: either a non-boundary
// record describing one emitted Task, or a boundary record marking the
// end of a top-level bypassable read.
type Record struct {
	Boundary       bool
	FileName       string
	DatasetName    string
	DatasetBase    int64
	FileElemOffset int64
	ElemCount      int64
	MemElemOffset  int64
}

// Logger is an append-only, auto-growing in-memory table of Records,
// flushed to a fixed-format info.log only on process terminate.
type Logger struct {
	mu      sync.Mutex
	path    string
	records []Record

	// RotateBytes, if nonzero, is the size above which an existing info.log
	// is first copied into a gzip-compressed file beside it before a new one
	// is written over it, rather than being overwritten outright.
	RotateBytes int64
}

// NewLogger returns a Logger that will flush to path on Flush.
func NewLogger(path string) (*Logger, error) {
	return &Logger{path: path, records: make([]Record, 0, 64)}, nil
}

// LogRead appends one non-boundary record for a task the SelectionEngine
// emitted.
func (l *Logger) LogRead(fileName, datasetName string, base, fileOff, count, memOff int64) {
	l.mu.Lock()
	l.records = append(l.records, Record{
		FileName:       fileName,
		DatasetName:    datasetName,
		DatasetBase:    base,
		FileElemOffset: fileOff,
		ElemCount:      count,
		MemElemOffset:  memOff,
	})
	l.mu.Unlock()
}

// LogBoundary appends one boundary record, marking the end of one
// completed bypassable top-level read.
func (l *Logger) LogBoundary() {
	l.mu.Lock()
	l.records = append(l.records, Record{Boundary: true})
	l.mu.Unlock()
}

// render serializes the Logger's records in a fixed format: six
// space-separated fields per data row, a literal "###" per boundary.
func (l *Logger) render() []byte {
	var b bytes.Buffer
	for _, r := range l.records {
		if r.Boundary {
			b.WriteString("###\n")
			continue
		}
		fmt.Fprintf(&b, "%s %s %d %d %d %d\n",
			r.FileName, r.DatasetName, r.DatasetBase, r.FileElemOffset, r.ElemCount, r.MemElemOffset)
	}
	return b.Bytes()
}

// Flush writes every accumulated record to l.path, rotating and
// compressing a prior generation first if it exceeds RotateBytes.
func (l *Logger) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.RotateBytes > 0 {
		if info, err := os.Stat(l.path); err == nil && info.Size() > l.RotateBytes {
			if err := l.rotateLocked(); err != nil {
				return err
			}
		}
	}

	if err := os.WriteFile(l.path, l.render(), 0644); err != nil {
		return errors.E(errors.BypassIO, "writing "+l.path, err)
	}
	return nil
}

// rotateLocked copies the current log generation into a gzip-compressed
// file named after l.path and the current time; l.path itself is left in
// place for Flush to overwrite. The caller must already hold l.mu.
func (l *Logger) rotateLocked() error {
	rotated := fmt.Sprintf("%s.%d.gz", l.path, time.Now().UnixNano())
	src, err := os.Open(l.path)
	if err != nil {
		return errors.E(errors.BypassIO, "opening prior log generation", err)
	}
	defer src.Close()

	dst, err := os.Create(rotated)
	if err != nil {
		return errors.E(errors.BypassIO, "creating rotated log "+rotated, err)
	}
	gz := gzip.NewWriter(dst)
	if _, err := io.Copy(gz, src); err != nil {
		gz.Close()
		dst.Close()
		return errors.E(errors.BypassIO, "compressing rotated log "+rotated, err)
	}
	if err := gz.Close(); err != nil {
		dst.Close()
		return errors.E(errors.BypassIO, "closing gzip writer for "+rotated, err)
	}
	return dst.Close()
}
