package export

import (
	"bufio"
	"context"

	"github.com/johnayoung/crypto-barcache/internal/cache"
)

// CSVExporter writes bars with the cache file layout.
type CSVExporter struct{}

func (CSVExporter) Extension() string { return "csv" }

func (CSVExporter) Export(ctx context.Context, ds Dataset, path string) error {
	if err := ctx.Err(); err != nil {
		return &ExportError{Format: "csv", Path: path, Err: err}
	}

	f, err := createFile(path)
	if err != nil {
		return &ExportError{Format: "csv", Path: path, Err: err}
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if err := cache.WriteBars(w, ds.Bars); err != nil {
		return &ExportError{Format: "csv", Path: path, Err: err}
	}
	if err := w.Flush(); err != nil {
		return &ExportError{Format: "csv", Path: path, Err: err}
	}
	if err := f.Close(); err != nil {
		return &ExportError{Format: "csv", Path: path, Err: err}
	}
	return nil
}
