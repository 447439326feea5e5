// Package catalog holds the snapshot of tradable crypto assets taken once at
// startup. A Catalog is immutable after construction and safe for concurrent
// reads.
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/johnayoung/crypto-barcache/internal/models"
	"github.com/johnayoung/crypto-barcache/internal/provider"
)

// Catalog maps tradable symbols to their asset metadata.
type Catalog struct {
	assets  map[string]models.AssetInfo
	symbols []string
}

// Load lists assets from the trading API and keeps the tradable ones.
func Load(ctx context.Context, lister provider.AssetLister, logger *slog.Logger) (*Catalog, error) {
	if logger == nil {
		logger = slog.Default()
	}

	assets, err := lister.ListAssets(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load asset catalog: %w", err)
	}

	c := New(assets)
	logger.InfoContext(ctx, "asset catalog loaded",
		"listed", len(assets),
		"tradable", c.Len())

	return c, nil
}

// New builds a catalog from assets, dropping anything not tradable.
func New(assets []models.AssetInfo) *Catalog {
	c := &Catalog{assets: make(map[string]models.AssetInfo, len(assets))}
	for _, a := range assets {
		if !a.Tradable || a.Symbol == "" {
			continue
		}
		c.assets[a.Symbol] = a
	}

	c.symbols = make([]string, 0, len(c.assets))
	for symbol := range c.assets {
		c.symbols = append(c.symbols, symbol)
	}
	sort.Strings(c.symbols)

	return c
}

// Lookup returns the metadata for a tradable symbol.
func (c *Catalog) Lookup(symbol string) (models.AssetInfo, bool) {
	a, ok := c.assets[symbol]
	return a, ok
}

// Symbols returns the tradable symbols in lexical order.
func (c *Catalog) Symbols() []string {
	out := make([]string, len(c.symbols))
	copy(out, c.symbols)
	return out
}

// Len returns the number of tradable symbols.
func (c *Catalog) Len() int {
	return len(c.assets)
}
