package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	apperrors "github.com/johnayoung/crypto-barcache/internal/errors"
	"github.com/johnayoung/crypto-barcache/internal/logger"
	"github.com/johnayoung/crypto-barcache/internal/models"
	"github.com/johnayoung/crypto-barcache/internal/provider"
)

// Appender receives bars from a Watcher.
type Appender interface {
	Append(b models.Bar) error
}

// Watcher polls the latest bar of each symbol and appends it to a log when
// its timestamp advances past the last one recorded.
type Watcher struct {
	fetcher  provider.LatestBarFetcher
	sink     Appender
	interval time.Duration
	logger   *slog.Logger

	last     map[string]time.Time
	appended int
}

// NewWatcher creates a watcher. seen seeds the last recorded timestamp per
// symbol, typically from LastTimestamps on an existing log.
func NewWatcher(fetcher provider.LatestBarFetcher, sink Appender, interval time.Duration, seen map[string]time.Time, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	last := make(map[string]time.Time, len(seen))
	for symbol, ts := range seen {
		last[symbol] = ts
	}
	return &Watcher{
		fetcher:  fetcher,
		sink:     sink,
		interval: interval,
		logger:   logger,
		last:     last,
	}
}

// Appended returns the number of bars written since the watcher was created.
func (w *Watcher) Appended() int {
	return w.appended
}

// Run polls immediately and then on every interval until ctx is done, at
// which point it returns ctx.Err(). Transient provider failures are logged
// and retried on the next tick; authentication failures and sink errors
// stop the watcher.
func (w *Watcher) Run(ctx context.Context, symbols ...string) error {
	if len(symbols) == 0 {
		return fmt.Errorf("watch requires at least one symbol")
	}
	if w.interval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", w.interval)
	}

	ctx = logger.WithOperation(logger.EnsureTraceID(ctx), "watch")
	w.logger.InfoContext(ctx, "watching latest bars",
		"symbols", symbols,
		"interval", w.interval)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if err := w.poll(ctx, symbols); err != nil {
			return err
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			w.logger.InfoContext(ctx, "watcher stopped", "appended", w.appended)
			return ctx.Err()
		}
	}
}

func (w *Watcher) poll(ctx context.Context, symbols []string) error {
	for _, symbol := range symbols {
		if err := ctx.Err(); err != nil {
			return err
		}

		bar, err := w.fetcher.LatestBar(ctx, symbol)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, provider.ErrNoData):
			w.logger.DebugContext(ctx, "no latest bar", "symbol", symbol)
			continue
		case apperrors.GetErrorType(err) == apperrors.ErrorTypeAuthentication:
			return fmt.Errorf("latest bar for %s: %w", symbol, err)
		default:
			w.logger.WarnContext(ctx, "latest bar fetch failed",
				"symbol", symbol,
				"retryable", apperrors.IsRetryable(err),
				"error", err)
			continue
		}

		if prev, ok := w.last[symbol]; ok && !bar.Timestamp.After(prev) {
			continue
		}

		bar.Symbol = symbol
		bar.Timestamp = bar.Timestamp.UTC()
		if err := w.sink.Append(bar); err != nil {
			return err
		}
		w.last[symbol] = bar.Timestamp
		w.appended++

		w.logger.InfoContext(ctx, "bar appended",
			"symbol", symbol,
			"timestamp", bar.Timestamp.Format(time.RFC3339),
			"close", bar.Close.String())
	}
	return nil
}
