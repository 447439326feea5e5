package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/johnayoung/crypto-barcache/internal/config"
	apperrors "github.com/johnayoung/crypto-barcache/internal/errors"
	"github.com/johnayoung/crypto-barcache/internal/models"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

const (
	// API endpoints
	barsEndpoint       = "/v1beta3/crypto/us/bars"
	latestBarsEndpoint = "/v1beta3/crypto/us/latest/bars"
	assetsEndpoint     = "/v2/assets"

	// Rate limiting configuration
	defaultRequestsPerMinute = 200
	rateLimitBurst           = 5

	// Request configuration
	defaultPageLimit = 10000
	requestTimeout   = 30 * time.Second
	maxPages         = 10000
	maxResponseBytes = 64 << 20
	maxErrorBody     = 512
	maxRetryAfter    = time.Minute

	userAgent = "crypto-barcache/1.0"
)

var _ Provider = (*AlpacaClient)(nil)

// AlpacaClient implements Provider against the Alpaca market-data and
// trading REST APIs.
type AlpacaClient struct {
	httpClient  *http.Client
	rateLimiter *rate.Limiter
	classifier  *apperrors.ErrorClassifier
	dataURL     string
	tradingURL  string
	apiKey      string
	apiSecret   string
	pageLimit   int
	logger      *slog.Logger
}

// NewAlpacaClient creates a client from the provider configuration.
func NewAlpacaClient(cfg config.ProviderConfig, logger *slog.Logger) *AlpacaClient {
	if logger == nil {
		logger = slog.Default()
	}

	timeout, err := time.ParseDuration(cfg.Timeout)
	if err != nil || timeout <= 0 {
		timeout = requestTimeout
	}

	perMinute := cfg.RateLimit
	if perMinute <= 0 {
		perMinute = defaultRequestsPerMinute
	}

	pageLimit := cfg.PageLimit
	if pageLimit <= 0 {
		pageLimit = defaultPageLimit
	}

	return &AlpacaClient{
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		rateLimiter: rate.NewLimiter(rate.Limit(float64(perMinute)/60), rateLimitBurst),
		classifier:  apperrors.NewErrorClassifier(cfg.RetryPolicy, logger),
		dataURL:     strings.TrimRight(cfg.DataURL, "/"),
		tradingURL:  strings.TrimRight(cfg.TradingBaseURL(), "/"),
		apiKey:      cfg.APIKey,
		apiSecret:   cfg.APISecret,
		pageLimit:   pageLimit,
		logger:      logger,
	}
}

// FetchBars implements BarFetcher, following next_page_token until the
// provider reports no further pages.
func (c *AlpacaClient) FetchBars(ctx context.Context, req BarsRequest) ([]models.Bar, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}

	c.logger.DebugContext(ctx, "fetching bars",
		"symbol", req.Symbol,
		"timeframe", req.Timeframe.Descriptor(),
		"start", req.Start,
		"end", req.End)

	params := url.Values{}
	params.Set("symbols", req.Symbol)
	params.Set("timeframe", req.Timeframe.Descriptor())
	params.Set("start", req.Start.UTC().Format(time.RFC3339Nano))
	params.Set("end", req.End.UTC().Format(time.RFC3339Nano))
	params.Set("limit", strconv.Itoa(c.pageLimit))
	params.Set("sort", "asc")

	var bars []models.Bar
	seenTokens := make(map[string]bool)

	for page := 1; ; page++ {
		var resp barsResponse
		if err := c.getJSON(ctx, "fetch_bars", c.dataURL+barsEndpoint, params, &resp); err != nil {
			return nil, fmt.Errorf("failed to fetch page %d: %w", page, err)
		}

		for _, raw := range resp.Bars[req.Symbol] {
			bars = append(bars, raw.toModel(req.Symbol))
		}

		if resp.NextPageToken == nil || *resp.NextPageToken == "" {
			break
		}
		token := *resp.NextPageToken
		if seenTokens[token] || page >= maxPages {
			return nil, &ProviderError{Op: "fetch_bars", Err: fmt.Errorf("pagination did not terminate after %d pages", page)}
		}
		seenTokens[token] = true
		params.Set("page_token", token)
	}

	bars = withinRange(bars, req.Start, req.End)

	c.logger.DebugContext(ctx, "successfully fetched bars",
		"symbol", req.Symbol,
		"count", len(bars))

	return bars, nil
}

// LatestBar implements LatestBarFetcher.
func (c *AlpacaClient) LatestBar(ctx context.Context, symbol string) (models.Bar, error) {
	params := url.Values{}
	params.Set("symbols", symbol)

	var resp latestBarsResponse
	if err := c.getJSON(ctx, "latest_bar", c.dataURL+latestBarsEndpoint, params, &resp); err != nil {
		return models.Bar{}, err
	}

	raw, ok := resp.Bars[symbol]
	if !ok {
		return models.Bar{}, &ProviderError{Op: "latest_bar", Err: fmt.Errorf("%w for %s", ErrNoData, symbol)}
	}
	return raw.toModel(symbol), nil
}

// ListAssets implements AssetLister, returning active crypto assets.
func (c *AlpacaClient) ListAssets(ctx context.Context) ([]models.AssetInfo, error) {
	params := url.Values{}
	params.Set("asset_class", "crypto")
	params.Set("status", "active")

	var resp []alpacaAsset
	if err := c.getJSON(ctx, "list_assets", c.tradingURL+assetsEndpoint, params, &resp); err != nil {
		return nil, fmt.Errorf("failed to fetch assets: %w", err)
	}

	assets := make([]models.AssetInfo, 0, len(resp))
	for _, a := range resp {
		assets = append(assets, a.toModel())
	}

	c.logger.DebugContext(ctx, "fetched assets", "count", len(assets))
	return assets, nil
}

// ErrorStats returns the classified errors seen by this client, by type.
func (c *AlpacaClient) ErrorStats() map[apperrors.ErrorType]apperrors.ErrorStats {
	return c.classifier.GetStats()
}

// WaitForLimit blocks until the rate limiter admits another request.
func (c *AlpacaClient) WaitForLimit(ctx context.Context) error {
	return c.rateLimiter.Wait(ctx)
}

// getJSON performs a rate-limited GET with retries and decodes the body into out.
func (c *AlpacaClient) getJSON(ctx context.Context, op, endpoint string, params url.Values, out any) error {
	requestURL := endpoint
	if len(params) > 0 {
		requestURL += "?" + params.Encode()
	}

	return c.classifier.Retry(ctx, "provider", op, func() error {
		if err := c.WaitForLimit(ctx); err != nil {
			return &ProviderError{Op: op, Err: fmt.Errorf("rate limit wait failed: %w", err)}
		}
		return c.doRequest(ctx, op, requestURL, out)
	})
}

func (c *AlpacaClient) doRequest(ctx context.Context, op, requestURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return &ProviderError{Op: op, Err: fmt.Errorf("failed to create request: %w", err)}
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("APCA-API-KEY-ID", c.apiKey)
	req.Header.Set("APCA-API-SECRET-KEY", c.apiSecret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &ProviderError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &ProviderError{Op: op, Err: fmt.Errorf("failed to read response body: %w", err)}
	}

	if resp.StatusCode >= 400 {
		perr := &ProviderError{Op: op, StatusCode: resp.StatusCode, Body: truncate(string(body), maxErrorBody)}
		if resp.StatusCode == http.StatusTooManyRequests {
			perr.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
		}
		return perr
	}

	if err := json.Unmarshal(body, out); err != nil {
		return &ProviderError{Op: op, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	return nil
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}

	var d time.Duration
	if seconds, err := strconv.Atoi(header); err == nil {
		d = time.Duration(seconds) * time.Second
	} else if t, err := http.ParseTime(header); err == nil {
		d = time.Until(t)
	}

	if d > maxRetryAfter {
		d = maxRetryAfter
	}
	return d
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// withinRange drops bars outside [start, end] in place.
func withinRange(bars []models.Bar, start, end time.Time) []models.Bar {
	kept := bars[:0]
	for _, b := range bars {
		if b.Timestamp.Before(start) || b.Timestamp.After(end) {
			continue
		}
		kept = append(kept, b)
	}
	return kept
}

// API response structures

type alpacaBar struct {
	Timestamp  time.Time       `json:"t"`
	Open       decimal.Decimal `json:"o"`
	High       decimal.Decimal `json:"h"`
	Low        decimal.Decimal `json:"l"`
	Close      decimal.Decimal `json:"c"`
	Volume     decimal.Decimal `json:"v"`
	TradeCount int64           `json:"n"`
	VWAP       decimal.Decimal `json:"vw"`
}

func (b alpacaBar) toModel(symbol string) models.Bar {
	return models.Bar{
		Timestamp:  b.Timestamp.UTC(),
		Symbol:     symbol,
		Open:       b.Open,
		High:       b.High,
		Low:        b.Low,
		Close:      b.Close,
		Volume:     b.Volume,
		TradeCount: b.TradeCount,
		VWAP:       b.VWAP,
	}
}

type barsResponse struct {
	Bars          map[string][]alpacaBar `json:"bars"`
	NextPageToken *string                `json:"next_page_token"`
}

type latestBarsResponse struct {
	Bars map[string]alpacaBar `json:"bars"`
}

type alpacaAsset struct {
	ID                string          `json:"id"`
	Class             string          `json:"class"`
	Exchange          string          `json:"exchange"`
	Symbol            string          `json:"symbol"`
	Name              string          `json:"name"`
	Status            string          `json:"status"`
	Tradable          bool            `json:"tradable"`
	Marginable        bool            `json:"marginable"`
	Shortable         bool            `json:"shortable"`
	Fractionable      bool            `json:"fractionable"`
	MinOrderSize      decimal.Decimal `json:"min_order_size"`
	MinTradeIncrement decimal.Decimal `json:"min_trade_increment"`
	PriceIncrement    decimal.Decimal `json:"price_increment"`
}

func (a alpacaAsset) toModel() models.AssetInfo {
	return models.AssetInfo{
		ID:                a.ID,
		Symbol:            a.Symbol,
		Name:              a.Name,
		Class:             a.Class,
		Exchange:          a.Exchange,
		Status:            a.Status,
		Tradable:          a.Tradable,
		Marginable:        a.Marginable,
		Shortable:         a.Shortable,
		Fractionable:      a.Fractionable,
		MinOrderSize:      a.MinOrderSize,
		MinTradeIncrement: a.MinTradeIncrement,
		PriceIncrement:    a.PriceIncrement,
	}
}
