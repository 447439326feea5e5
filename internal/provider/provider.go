// Package provider defines the market-data and trading API contracts the bar
// cache depends on, along with the Alpaca implementation.
//
// The interfaces are deliberately small so tests can substitute a fake for
// exactly the capability under test.
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/johnayoung/crypto-barcache/internal/errors"
	"github.com/johnayoung/crypto-barcache/internal/models"
)

// ErrNoData is returned when the provider has no bar for the requested symbol.
var ErrNoData = errors.New("no data returned by provider")

// BarsRequest describes one historical bar query. Start and End are
// inclusive instants.
type BarsRequest struct {
	Symbol    string
	Timeframe models.Timeframe
	Start     time.Time
	End       time.Time
}

// Validate checks that the request can be sent to a provider.
func (r BarsRequest) Validate() error {
	if r.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if r.Timeframe.Token == "" {
		return fmt.Errorf("timeframe is required")
	}
	if r.Start.IsZero() || r.End.IsZero() {
		return fmt.Errorf("start and end are required")
	}
	if r.Start.After(r.End) {
		return fmt.Errorf("start %s is after end %s", r.Start.Format(time.RFC3339), r.End.Format(time.RFC3339))
	}
	return nil
}

// BarFetcher retrieves historical bars.
//
// Implementations return every bar in [Start, End] in the order the backend
// sends them, following pagination until the range is exhausted. Callers
// own ordering and deduplication. An empty slice with a nil error means the
// provider had no data.
type BarFetcher interface {
	FetchBars(ctx context.Context, req BarsRequest) ([]models.Bar, error)
}

// AssetLister retrieves the crypto asset catalog of the trading account.
type AssetLister interface {
	ListAssets(ctx context.Context) ([]models.AssetInfo, error)
}

// LatestBarFetcher retrieves the most recent completed bar for a symbol.
// It returns ErrNoData when the provider has none.
type LatestBarFetcher interface {
	LatestBar(ctx context.Context, symbol string) (models.Bar, error)
}

// Provider is the full capability set of a market-data backend, plus the
// per-type counts of the errors its calls have hit so far.
type Provider interface {
	BarFetcher
	AssetLister
	LatestBarFetcher
	ErrorStats() map[apperrors.ErrorType]apperrors.ErrorStats
}

// ProviderError reports a failed provider call. StatusCode is zero when the
// request never produced an HTTP response. RetryAfter is the delay the
// server asked for on a 429, if any.
type ProviderError struct {
	Op         string
	StatusCode int
	Body       string
	RetryAfter time.Duration
	Err        error
}

// Error implements the error interface
func (e *ProviderError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Body != "":
		return fmt.Sprintf("provider %s: status %d: %s", e.Op, e.StatusCode, e.Body)
	case e.StatusCode != 0:
		return fmt.Sprintf("provider %s: status %d", e.Op, e.StatusCode)
	default:
		return fmt.Sprintf("provider %s: %v", e.Op, e.Err)
	}
}

// Unwrap returns the underlying error
func (e *ProviderError) Unwrap() error {
	return e.Err
}

// HTTPStatus exposes the status code to the retry classifier.
func (e *ProviderError) HTTPStatus() int {
	return e.StatusCode
}

// RetryDelay exposes Retry-After to the retry loop, which waits at least
// this long before the next attempt.
func (e *ProviderError) RetryDelay() time.Duration {
	return e.RetryAfter
}
