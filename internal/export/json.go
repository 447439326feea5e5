package export

import (
	"context"
	"encoding/json"
)

// JSONExporter writes an indented JSON array of bars. Decimals are encoded
// as strings to keep full precision.
type JSONExporter struct{}

func (JSONExporter) Extension() string { return "json" }

func (JSONExporter) Export(ctx context.Context, ds Dataset, path string) error {
	if err := ctx.Err(); err != nil {
		return &ExportError{Format: "json", Path: path, Err: err}
	}

	f, err := createFile(path)
	if err != nil {
		return &ExportError{Format: "json", Path: path, Err: err}
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(ds.Bars); err != nil {
		return &ExportError{Format: "json", Path: path, Err: err}
	}
	if err := f.Close(); err != nil {
		return &ExportError{Format: "json", Path: path, Err: err}
	}
	return nil
}
