package cache

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/johnayoung/crypto-barcache/internal/catalog"
	"github.com/johnayoung/crypto-barcache/internal/logger"
	"github.com/johnayoung/crypto-barcache/internal/models"
	"github.com/johnayoung/crypto-barcache/internal/provider"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

const (
	btcUSD = "BTC/USD"
	ethUSD = "ETH/USD"
)

var jan1 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type mockFetcher struct {
	mock.Mock
}

func (m *mockFetcher) FetchBars(ctx context.Context, req provider.BarsRequest) ([]models.Bar, error) {
	args := m.Called(ctx, req)
	bars, _ := args.Get(0).([]models.Bar)
	return bars, args.Error(1)
}

func makeBar(ts time.Time, price int64) models.Bar {
	p := decimal.NewFromInt(price)
	return models.Bar{
		Timestamp:  ts,
		Symbol:     btcUSD,
		Open:       p,
		High:       p.Add(decimal.NewFromInt(10)),
		Low:        p.Sub(decimal.NewFromInt(10)),
		Close:      p.Add(decimal.RequireFromString("2.5")),
		Volume:     decimal.RequireFromString("1.23456789"),
		TradeCount: price,
		VWAP:       p.Add(decimal.RequireFromString("0.75")),
	}
}

// dailyBars returns n consecutive daily bars starting at from.
func dailyBars(from time.Time, n int) []models.Bar {
	bars := make([]models.Bar, n)
	for i := range bars {
		bars[i] = makeBar(from.AddDate(0, 0, i), int64(40000+i))
	}
	return bars
}

func assertBarsEqual(t *testing.T, expected, actual []models.Bar) {
	t.Helper()
	require.Len(t, actual, len(expected))
	for i := range expected {
		assert.True(t, expected[i].Equal(actual[i]), "bar %d: expected %s, got %s", i, expected[i], actual[i])
	}
}

type BarCacheSuite struct {
	suite.Suite
	ctx     context.Context
	baseDir string
	fetcher *mockFetcher
	cache   *BarCache
	cat     *catalog.Catalog
}

func TestBarCacheSuite(t *testing.T) {
	suite.Run(t, new(BarCacheSuite))
}

func (s *BarCacheSuite) SetupTest() {
	s.ctx = context.Background()
	s.baseDir = filepath.Join(s.T().TempDir(), "data")
	s.fetcher = &mockFetcher{}
	s.cat = catalog.New([]models.AssetInfo{
		{Symbol: btcUSD, Name: "Bitcoin / US Dollar", Class: "crypto", Tradable: true, MinOrderSize: decimal.RequireFromString("0.0001")},
		{Symbol: ethUSD, Name: "Ethereum / US Dollar", Class: "crypto", Tradable: true},
		{Symbol: "LUNA/USD", Class: "crypto", Tradable: false},
	})
	s.cache = New(s.baseDir, s.fetcher, s.cat, logger.Discard())
}

// seed downloads bars for BTC/USD 1d covering exactly their own span.
func (s *BarCacheSuite) seed(bars []models.Bar) {
	start, end := bars[0].Timestamp, bars[len(bars)-1].Timestamp
	s.fetcher.On("FetchBars", mock.Anything, mock.MatchedBy(func(req provider.BarsRequest) bool {
		return req.Symbol == btcUSD && req.Start.Equal(start) && req.End.Equal(end)
	})).Return(bars, nil).Once()
	s.Require().NoError(s.cache.Download(s.ctx, btcUSD, "1d", start, end))
}

func (s *BarCacheSuite) TestRoundTrip() {
	bars := dailyBars(jan1, 101)
	s.seed(bars)

	loaded, err := s.cache.Load(s.ctx, LoadRequest{Symbol: btcUSD, Timeframe: "1d"})
	s.Require().NoError(err)
	assertBarsEqual(s.T(), bars, loaded)
	s.fetcher.AssertExpectations(s.T())
}

func (s *BarCacheSuite) TestDownloadPassesTimeframeDescriptor() {
	start, end := jan1, jan1.Add(2*time.Hour)
	s.fetcher.On("FetchBars", mock.Anything, mock.MatchedBy(func(req provider.BarsRequest) bool {
		return req.Timeframe.Descriptor() == "1Hour"
	})).Return([]models.Bar{makeBar(start, 40000)}, nil).Once()

	s.Require().NoError(s.cache.Download(s.ctx, btcUSD, "1h", start, end))
	s.FileExists(filepath.Join(s.baseDir, "1h", "BTC-USD.csv"))
	s.fetcher.AssertExpectations(s.T())
}

func (s *BarCacheSuite) TestIdempotence() {
	bars := dailyBars(jan1, 10)
	s.seed(bars)
	path := s.cache.Path(btcUSD, "1d")
	first, err := os.ReadFile(path)
	s.Require().NoError(err)

	s.seed(bars)
	second, err := os.ReadFile(path)
	s.Require().NoError(err)

	s.Equal(string(first), string(second))
}

func (s *BarCacheSuite) TestBoundsEnforcement() {
	bars := dailyBars(jan1, 101)
	s.seed(bars)
	t0, t100 := bars[0].Timestamp, bars[100].Timestamp

	_, err := s.cache.Load(s.ctx, LoadRequest{Symbol: btcUSD, Timeframe: "1d", Start: t0.Add(-time.Second)})
	s.Require().ErrorIs(err, ErrRangeOutOfBounds)

	_, err = s.cache.Load(s.ctx, LoadRequest{Symbol: btcUSD, Timeframe: "1d", Start: t0, End: t100.AddDate(0, 0, 1)})
	s.Require().ErrorIs(err, ErrRangeOutOfBounds)

	var rangeErr *RangeError
	s.Require().ErrorAs(err, &rangeErr)
	s.True(rangeErr.AvailableStart.Equal(t0))
	s.True(rangeErr.AvailableEnd.Equal(t100))
	s.True(rangeErr.RequestedEnd.Equal(t100.AddDate(0, 0, 1)))
	s.Contains(err.Error(), "available [2024-01-01T00:00:00Z")

	loaded, err := s.cache.Load(s.ctx, LoadRequest{Symbol: btcUSD, Timeframe: "1d", Start: t0, End: t100})
	s.Require().NoError(err)
	assertBarsEqual(s.T(), bars, loaded)
}

func (s *BarCacheSuite) TestRangeEntirelyOutsideCache() {
	bars := dailyBars(jan1, 5)
	s.seed(bars)

	_, err := s.cache.Load(s.ctx, LoadRequest{Symbol: btcUSD, Timeframe: "1d", End: jan1.Add(-time.Hour)})
	s.ErrorIs(err, ErrRangeOutOfBounds)

	_, err = s.cache.Load(s.ctx, LoadRequest{Symbol: btcUSD, Timeframe: "1d", Start: jan1.AddDate(0, 0, 10)})
	s.ErrorIs(err, ErrRangeOutOfBounds)
}

func (s *BarCacheSuite) TestDefaulting() {
	bars := dailyBars(jan1, 101)
	s.seed(bars)

	all, err := s.cache.Load(s.ctx, LoadRequest{Symbol: btcUSD, Timeframe: "1d"})
	s.Require().NoError(err)

	explicit, err := s.cache.Load(s.ctx, LoadRequest{Symbol: btcUSD, Timeframe: "1d", Start: bars[0].Timestamp, End: bars[100].Timestamp})
	s.Require().NoError(err)
	assertBarsEqual(s.T(), explicit, all)

	tail, err := s.cache.Load(s.ctx, LoadRequest{Symbol: btcUSD, Timeframe: "1d", Start: bars[90].Timestamp})
	s.Require().NoError(err)
	assertBarsEqual(s.T(), bars[90:], tail)

	head, err := s.cache.Load(s.ctx, LoadRequest{Symbol: btcUSD, Timeframe: "1d", End: bars[9].Timestamp})
	s.Require().NoError(err)
	assertBarsEqual(s.T(), bars[:10], head)
}

func (s *BarCacheSuite) TestSubRangeIsInclusive() {
	bars := dailyBars(jan1, 20)
	s.seed(bars)

	got, err := s.cache.Load(s.ctx, LoadRequest{Symbol: btcUSD, Timeframe: "1d", Start: bars[5].Timestamp, End: bars[7].Timestamp})
	s.Require().NoError(err)
	assertBarsEqual(s.T(), bars[5:8], got)

	// bounds between bars select only the bars strictly inside
	got, err = s.cache.Load(s.ctx, LoadRequest{Symbol: btcUSD, Timeframe: "1d", Start: bars[5].Timestamp.Add(time.Hour), End: bars[7].Timestamp.Add(time.Hour)})
	s.Require().NoError(err)
	assertBarsEqual(s.T(), bars[6:8], got)
}

func (s *BarCacheSuite) TestBoundsNormalizedToUTC() {
	bars := dailyBars(jan1, 10)
	s.seed(bars)

	tokyo := time.FixedZone("JST", 9*60*60)
	got, err := s.cache.Load(s.ctx, LoadRequest{
		Symbol:    btcUSD,
		Timeframe: "1d",
		Start:     bars[2].Timestamp.In(tokyo),
		End:       bars[4].Timestamp.In(tokyo),
	})
	s.Require().NoError(err)
	assertBarsEqual(s.T(), bars[2:5], got)
	s.Equal(time.UTC, got[0].Timestamp.Location())
}

func (s *BarCacheSuite) TestUnknownSymbolDoesNotTouchFilesystem() {
	err := s.cache.Download(s.ctx, "FAKE/USD", "1d", jan1, jan1.AddDate(0, 0, 5))
	s.Require().ErrorIs(err, ErrUnknownSymbol)

	var cacheErr *CacheError
	s.Require().ErrorAs(err, &cacheErr)
	s.Equal("download", cacheErr.Op)
	s.Equal("FAKE/USD", cacheErr.Symbol)

	_, statErr := os.Stat(s.baseDir)
	s.True(os.IsNotExist(statErr), "base directory must not be created")
	s.fetcher.AssertNotCalled(s.T(), "FetchBars", mock.Anything, mock.Anything)

	_, err = s.cache.Load(s.ctx, LoadRequest{Symbol: "FAKE/USD", Timeframe: "1d"})
	s.ErrorIs(err, ErrUnknownSymbol)

	_, err = s.cache.Load(s.ctx, LoadRequest{Symbol: "LUNA/USD", Timeframe: "1d"})
	s.ErrorIs(err, ErrUnknownSymbol, "non-tradable symbols are unknown")
}

func (s *BarCacheSuite) TestUnsupportedTimeframe() {
	err := s.cache.Download(s.ctx, btcUSD, "3d", jan1, jan1.AddDate(0, 0, 5))
	s.Require().ErrorIs(err, models.ErrUnsupportedTimeframe)
	s.fetcher.AssertNotCalled(s.T(), "FetchBars", mock.Anything, mock.Anything)

	_, err = s.cache.Load(s.ctx, LoadRequest{Symbol: btcUSD, Timeframe: "3d"})
	s.ErrorIs(err, models.ErrUnsupportedTimeframe)
}

func (s *BarCacheSuite) TestEmptyRange() {
	bars := append(dailyBars(jan1, 2), dailyBars(jan1.AddDate(0, 0, 4), 6)...)
	s.seed(bars)

	_, err := s.cache.Load(s.ctx, LoadRequest{
		Symbol:    btcUSD,
		Timeframe: "1d",
		Start:     time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC),
		End:       time.Date(2024, 1, 4, 0, 0, 0, 0, time.UTC),
	})
	s.ErrorIs(err, ErrEmptyRange)
	s.NotErrorIs(err, ErrRangeOutOfBounds)
}

func (s *BarCacheSuite) TestStartAfterEnd() {
	err := s.cache.Download(s.ctx, btcUSD, "1d", jan1.AddDate(0, 0, 5), jan1)
	s.Require().ErrorIs(err, ErrInvalidRange)
	s.fetcher.AssertNotCalled(s.T(), "FetchBars", mock.Anything, mock.Anything)

	err = s.cache.Download(s.ctx, btcUSD, "1d", time.Time{}, jan1)
	s.ErrorIs(err, ErrInvalidRange)

	s.seed(dailyBars(jan1, 10))
	_, err = s.cache.Load(s.ctx, LoadRequest{Symbol: btcUSD, Timeframe: "1d", Start: jan1.AddDate(0, 0, 5), End: jan1})
	s.ErrorIs(err, ErrInvalidRange)
}

func (s *BarCacheSuite) TestCacheMiss() {
	_, err := s.cache.Load(s.ctx, LoadRequest{Symbol: ethUSD, Timeframe: "1d"})
	s.Require().ErrorIs(err, ErrCacheMiss)
	s.Contains(err.Error(), "use download first")

	var cacheErr *CacheError
	s.Require().ErrorAs(err, &cacheErr)
	s.Equal(s.cache.Path(ethUSD, "1d"), cacheErr.Path)
}

func (s *BarCacheSuite) TestEmptyDownloadThenLoad() {
	s.fetcher.On("FetchBars", mock.Anything, mock.Anything).Return([]models.Bar{}, nil).Once()
	s.Require().NoError(s.cache.Download(s.ctx, btcUSD, "1d", jan1, jan1.AddDate(0, 0, 3)))

	content, err := os.ReadFile(s.cache.Path(btcUSD, "1d"))
	s.Require().NoError(err)
	s.Equal(strings.Join(Header, ",")+"\n", string(content))

	_, err = s.cache.Load(s.ctx, LoadRequest{Symbol: btcUSD, Timeframe: "1d"})
	s.ErrorIs(err, ErrEmptyCache)
}

func (s *BarCacheSuite) TestZeroByteFileIsEmptyCache() {
	path := s.cache.Path(btcUSD, "1d")
	s.Require().NoError(os.MkdirAll(filepath.Dir(path), 0755))
	s.Require().NoError(os.WriteFile(path, nil, 0644))

	_, err := s.cache.Load(s.ctx, LoadRequest{Symbol: btcUSD, Timeframe: "1d"})
	s.ErrorIs(err, ErrEmptyCache)
}

func (s *BarCacheSuite) TestCorruptRow() {
	s.seed(dailyBars(jan1, 3))
	path := s.cache.Path(btcUSD, "1d")

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	s.Require().NoError(err)
	_, err = f.WriteString("2024-01-04T00:00:00Z,BTC/USD,not-a-price,1,1,1,1,1,1\n")
	s.Require().NoError(err)
	s.Require().NoError(f.Close())

	_, err = s.cache.Load(s.ctx, LoadRequest{Symbol: btcUSD, Timeframe: "1d"})
	s.Require().ErrorIs(err, ErrCorruptCache)

	var rowErr *CorruptRowError
	s.Require().ErrorAs(err, &rowErr)
	s.Equal(5, rowErr.Line)
}

func (s *BarCacheSuite) TestRedownloadReplacesFile() {
	s.seed(dailyBars(jan1, 30))

	narrower := dailyBars(jan1.AddDate(0, 0, 10), 5)
	s.seed(narrower)

	loaded, err := s.cache.Load(s.ctx, LoadRequest{Symbol: btcUSD, Timeframe: "1d"})
	s.Require().NoError(err)
	assertBarsEqual(s.T(), narrower, loaded)

	_, err = s.cache.Load(s.ctx, LoadRequest{Symbol: btcUSD, Timeframe: "1d", Start: jan1})
	s.ErrorIs(err, ErrRangeOutOfBounds, "previously cached bars are gone")
}

func (s *BarCacheSuite) TestDownloadNormalizesProviderOutput() {
	tokyo := time.FixedZone("JST", 9*60*60)
	b0 := makeBar(jan1, 100)
	b1 := makeBar(jan1.AddDate(0, 0, 1), 200)
	b1dup := makeBar(jan1.AddDate(0, 0, 1), 250)
	b2 := makeBar(jan1.AddDate(0, 0, 2).In(tokyo), 300)
	b0.Symbol = ""

	s.fetcher.On("FetchBars", mock.Anything, mock.Anything).Return([]models.Bar{b2, b1, b0, b1dup}, nil).Once()
	s.Require().NoError(s.cache.Download(s.ctx, btcUSD, "1d", jan1, jan1.AddDate(0, 0, 2)))

	loaded, err := s.cache.Load(s.ctx, LoadRequest{Symbol: btcUSD, Timeframe: "1d"})
	s.Require().NoError(err)
	s.Require().Len(loaded, 3)
	s.Equal(btcUSD, loaded[0].Symbol)
	s.True(loaded[1].Open.Equal(decimal.NewFromInt(250)), "last duplicate wins")
	s.Equal(time.UTC, loaded[2].Timestamp.Location())
}

func (s *BarCacheSuite) TestInvalidProviderBarIsCachedAsReceived() {
	var logs bytes.Buffer
	c := New(s.baseDir, s.fetcher, s.cat, slog.New(slog.NewTextHandler(&logs, nil)))

	bars := dailyBars(jan1, 3)
	bars[1].Low = bars[1].Open.Add(decimal.NewFromInt(1))
	s.fetcher.On("FetchBars", mock.Anything, mock.Anything).Return(bars, nil).Once()

	s.Require().NoError(c.Download(s.ctx, btcUSD, "1d", jan1, jan1.AddDate(0, 0, 2)))

	loaded, err := c.Load(s.ctx, LoadRequest{Symbol: btcUSD, Timeframe: "1d"})
	s.Require().NoError(err)
	assertBarsEqual(s.T(), bars, loaded)
	s.Contains(logs.String(), "provider returned invalid bar")
	s.Contains(logs.String(), "invalid=1")
}

func (s *BarCacheSuite) TestProviderErrorIsSurfaced() {
	perr := &provider.ProviderError{Op: "fetch_bars", StatusCode: 403}
	s.fetcher.On("FetchBars", mock.Anything, mock.Anything).Return(nil, perr).Once()

	err := s.cache.Download(s.ctx, btcUSD, "1d", jan1, jan1.AddDate(0, 0, 1))
	s.Require().Error(err)

	var got *provider.ProviderError
	s.Require().ErrorAs(err, &got)
	s.Equal(403, got.StatusCode)

	_, statErr := os.Stat(s.cache.Path(btcUSD, "1d"))
	s.True(os.IsNotExist(statErr))
}

func (s *BarCacheSuite) TestNoTempFilesLeftBehind() {
	s.seed(dailyBars(jan1, 3))

	entries, err := os.ReadDir(filepath.Join(s.baseDir, "1d"))
	s.Require().NoError(err)
	s.Require().Len(entries, 1)
	s.Equal("BTC-USD.csv", entries[0].Name())
}

func (s *BarCacheSuite) TestBounds() {
	bars := dailyBars(jan1, 7)
	s.seed(bars)

	first, last, count, err := s.cache.Bounds(s.ctx, btcUSD, "1d")
	s.Require().NoError(err)
	s.True(first.Equal(bars[0].Timestamp))
	s.True(last.Equal(bars[6].Timestamp))
	s.Equal(7, count)

	_, _, _, err = s.cache.Bounds(s.ctx, ethUSD, "1d")
	s.ErrorIs(err, ErrCacheMiss)
}

func (s *BarCacheSuite) TestFetchSymbolAssetInfo() {
	info, err := s.cache.FetchSymbolAssetInfo(btcUSD)
	s.Require().NoError(err)
	s.Equal("Bitcoin / US Dollar", info.Name)
	s.True(info.MinOrderSize.Equal(decimal.RequireFromString("0.0001")))

	_, err = s.cache.FetchSymbolAssetInfo("FAKE/USD")
	s.ErrorIs(err, ErrUnknownSymbol)
}

func (s *BarCacheSuite) TestLoadHonorsCanceledContext() {
	s.seed(dailyBars(jan1, 3))

	ctx, cancel := context.WithCancel(s.ctx)
	cancel()
	_, err := s.cache.Load(ctx, LoadRequest{Symbol: btcUSD, Timeframe: "1d"})
	s.ErrorIs(err, context.Canceled)
}

func TestPathSanitization(t *testing.T) {
	c := New("/var/cache/bars", nil, catalog.New(nil), logger.Discard())

	tests := []struct {
		symbol   string
		expected string
	}{
		{"BTC/USD", "BTC-USD.csv"},
		{"ETH:USD", "ETH-USD.csv"},
		{`SOL\USDT`, "SOL-USDT.csv"},
		{"DOGEUSD", "DOGEUSD.csv"},
	}

	for _, tt := range tests {
		t.Run(tt.symbol, func(t *testing.T) {
			path := c.Path(tt.symbol, "1h")
			assert.Equal(t, filepath.Join("/var/cache/bars", "1h", tt.expected), path)
			assert.NotContains(t, filepath.Base(path), "/")
			assert.NotContains(t, filepath.Base(path), ":")
		})
	}
}

func TestCacheErrorMessage(t *testing.T) {
	err := &CacheError{Op: "load", Symbol: btcUSD, Timeframe: "1d", Path: "/x/1d/BTC-USD.csv", Err: ErrCacheMiss}
	assert.Equal(t, "cache load BTC/USD 1d (/x/1d/BTC-USD.csv): no cached data, use download first", err.Error())
	assert.True(t, errors.Is(err, ErrCacheMiss))

	err = &CacheError{Op: "download", Symbol: "FAKE/USD", Timeframe: "1d", Err: ErrUnknownSymbol}
	assert.Equal(t, "cache download FAKE/USD 1d: symbol is not a known tradable asset", err.Error())
}
