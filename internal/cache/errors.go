package cache

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors returned by BarCache, matched with errors.Is.
var (
	ErrUnknownSymbol    = errors.New("symbol is not a known tradable asset")
	ErrCacheMiss        = errors.New("no cached data, use download first")
	ErrEmptyCache       = errors.New("cache file contains no bars")
	ErrRangeOutOfBounds = errors.New("requested range is outside cached data")
	ErrEmptyRange       = errors.New("no cached bars in requested range")
	ErrInvalidRange     = errors.New("start is after end")
	ErrCorruptCache     = errors.New("cache file is corrupt")
)

// CacheError carries the operation and cache entry that failed.
type CacheError struct {
	// Op is the cache operation, e.g. "download" or "load"
	Op        string
	Symbol    string
	Timeframe string
	// Path is the cache file involved (may be empty)
	Path string
	Err  error
}

// Error implements the error interface for CacheError.
func (e *CacheError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("cache %s %s %s (%s): %v", e.Op, e.Symbol, e.Timeframe, e.Path, e.Err)
	}
	return fmt.Sprintf("cache %s %s %s: %v", e.Op, e.Symbol, e.Timeframe, e.Err)
}

// Unwrap returns the underlying error for error chain support.
func (e *CacheError) Unwrap() error {
	return e.Err
}

// RangeError reports a requested range that is not covered by the cache
// file. It matches ErrRangeOutOfBounds.
type RangeError struct {
	RequestedStart time.Time
	RequestedEnd   time.Time
	AvailableStart time.Time
	AvailableEnd   time.Time
}

// Error implements the error interface for RangeError.
func (e *RangeError) Error() string {
	return fmt.Sprintf("%v: requested [%s, %s], available [%s, %s]",
		ErrRangeOutOfBounds,
		e.RequestedStart.Format(time.RFC3339),
		e.RequestedEnd.Format(time.RFC3339),
		e.AvailableStart.Format(time.RFC3339),
		e.AvailableEnd.Format(time.RFC3339))
}

// Unwrap returns ErrRangeOutOfBounds.
func (e *RangeError) Unwrap() error {
	return ErrRangeOutOfBounds
}

// CorruptRowError identifies the first unreadable row of a cache file. It
// matches ErrCorruptCache.
type CorruptRowError struct {
	Line   int
	Reason string
}

// Error implements the error interface for CorruptRowError.
func (e *CorruptRowError) Error() string {
	return fmt.Sprintf("%v: line %d: %s", ErrCorruptCache, e.Line, e.Reason)
}

// Unwrap returns ErrCorruptCache.
func (e *CorruptRowError) Unwrap() error {
	return ErrCorruptCache
}
