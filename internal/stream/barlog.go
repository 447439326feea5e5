// Package stream records live bars to a flat append-only CSV log. The log
// uses the cache column layout but is not partitioned by timeframe and
// holds any number of symbols.
package stream

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/johnayoung/crypto-barcache/internal/cache"
	"github.com/johnayoung/crypto-barcache/internal/models"
)

// BarLog appends bars to a CSV file. The header is written once, when the
// file is created or found empty. Safe for concurrent use.
type BarLog struct {
	path string
	mu   sync.Mutex
	file *os.File
	w    *csv.Writer
}

// OpenBarLog opens path for appending, creating it and its parent
// directories if needed.
func OpenBarLog(path string) (*BarLog, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create bar log directory: %w", err)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open bar log: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat bar log: %w", err)
	}

	l := &BarLog{path: path, file: f, w: csv.NewWriter(f)}
	if info.Size() == 0 {
		if err := l.write(cache.Header); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to write bar log header: %w", err)
		}
	}
	return l, nil
}

// Path returns the log file path.
func (l *BarLog) Path() string {
	return l.path
}

// Append writes one bar and flushes it to the file.
func (l *BarLog) Append(b models.Bar) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return fmt.Errorf("bar log %s is closed", l.path)
	}
	if err := l.write(cache.EncodeBar(b)); err != nil {
		return fmt.Errorf("failed to append bar: %w", err)
	}
	return nil
}

func (l *BarLog) write(record []string) error {
	if err := l.w.Write(record); err != nil {
		return err
	}
	l.w.Flush()
	return l.w.Error()
}

// Close closes the underlying file. Closing twice is a no-op.
func (l *BarLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// LastTimestamps scans a bar log and returns the latest timestamp recorded
// per symbol. A missing file yields an empty map.
func LastTimestamps(path string) (map[string]time.Time, error) {
	last := make(map[string]time.Time)

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return last, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open bar log: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.ReuseRecord = true

	header := true
	for {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read bar log: %w", err)
		}
		if header {
			header = false
			continue
		}
		if len(record) < 2 {
			continue
		}

		ts, err := cache.ParseTimestamp(record[0])
		if err != nil {
			line, _ := r.FieldPos(0)
			return nil, fmt.Errorf("bar log line %d: %w", line, err)
		}
		if prev, ok := last[record[1]]; !ok || ts.After(prev) {
			last[record[1]] = ts
		}
	}
	return last, nil
}
