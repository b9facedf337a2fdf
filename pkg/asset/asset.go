// Package asset defines the value types that identify market data requests:
// tradable instruments, data types, and the deterministic cache keys derived
// from them.
package asset

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
)

// Class categorizes a tradable instrument.
type Class string

const (
	ClassEquity    Class = "equity"
	ClassCrypto    Class = "crypto"
	ClassForex     Class = "forex"
	ClassCommodity Class = "commodity"
	ClassIndex     Class = "index"
	ClassETF       Class = "etf"
	ClassOption    Class = "option"
	ClassFuture    Class = "future"
)

// Valid reports whether the class is one of the known asset classes.
func (c Class) Valid() bool {
	switch c {
	case ClassEquity, ClassCrypto, ClassForex, ClassCommodity,
		ClassIndex, ClassETF, ClassOption, ClassFuture:
		return true
	}
	return false
}

// DataType categorizes the kind of data requested for an asset.
type DataType string

const (
	TypePrice        DataType = "price"
	TypeOHLCV        DataType = "ohlcv"
	TypeFundamentals DataType = "fundamentals"
	TypeTechnical    DataType = "technical"
	TypeSentiment    DataType = "sentiment"
	TypeNews         DataType = "news"
	TypeMacro        DataType = "macro"
	TypeCorrelation  DataType = "correlation"
	TypeRisk         DataType = "risk"
)

// Valid reports whether the data type is one of the known types.
func (d DataType) Valid() bool {
	switch d {
	case TypePrice, TypeOHLCV, TypeFundamentals, TypeTechnical,
		TypeSentiment, TypeNews, TypeMacro, TypeCorrelation, TypeRisk:
		return true
	}
	return false
}

// Asset identifies a tradable instrument. Immutable value object;
// equality is by (Symbol, Class, Market, Exchange).
type Asset struct {
	// Symbol is the instrument ticker, normalized to uppercase.
	Symbol string

	// Class is the asset class (equity, crypto, ...).
	Class Class

	// Market is the market or region (e.g., "US", "EU").
	Market string

	// Exchange is the optional listing exchange.
	Exchange string

	// Currency is the quote currency (e.g., "USD").
	Currency string
}

// New constructs an Asset with the symbol normalized to uppercase.
func New(symbol string, class Class) Asset {
	return Asset{
		Symbol: strings.ToUpper(strings.TrimSpace(symbol)),
		Class:  class,
	}
}

// Equal reports identity by (symbol, class, market, exchange).
// Currency is descriptive and does not participate in identity.
func (a Asset) Equal(other Asset) bool {
	return a.Symbol == other.Symbol &&
		a.Class == other.Class &&
		a.Market == other.Market &&
		a.Exchange == other.Exchange
}

// String returns a compact representation for logging.
func (a Asset) String() string {
	if a.Exchange != "" {
		return fmt.Sprintf("%s.%s (%s)", a.Symbol, a.Exchange, a.Class)
	}
	return fmt.Sprintf("%s (%s)", a.Symbol, a.Class)
}

// Request is an (Asset, DataType) pair plus optional request parameters
// such as timeframe or lookback. Requests are constructed per call and
// never persisted.
type Request struct {
	Asset    Asset
	DataType DataType

	// Params holds optional request parameters (e.g., "timeframe": "1d").
	Params map[string]string
}

// NewRequest constructs a Request for the given asset and data type.
func NewRequest(a Asset, dt DataType) Request {
	return Request{Asset: a, DataType: dt}
}

// WithParam returns a copy of the request with the parameter set.
func (r Request) WithParam(key, value string) Request {
	params := make(map[string]string, len(r.Params)+1)
	for k, v := range r.Params {
		params[k] = v
	}
	params[key] = value
	r.Params = params
	return r
}

// CacheKey derives the provider-agnostic cache key for this request.
// Format: {symbol}:{data_type}:{params-hash}
//
// The params hash is deterministic: parameters are sorted by name before
// hashing so that equivalent requests always produce the same key.
func (r Request) CacheKey() string {
	return fmt.Sprintf("%s:%s:%s", r.Asset.Symbol, r.DataType, r.paramsHash())
}

// ProviderCacheKey derives the provider-scoped cache key used when storing
// a fetched value, enabling provider-attributed history alongside the
// provider-agnostic alias key.
// Format: {provider}:{symbol}:{data_type}:{params-hash}
func (r Request) ProviderCacheKey(provider string) string {
	return fmt.Sprintf("%s:%s", provider, r.CacheKey())
}

func (r Request) paramsHash() string {
	h := fnv.New64a()

	if len(r.Params) > 0 {
		keys := make([]string, 0, len(r.Params))
		for k := range r.Params {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		for _, k := range keys {
			h.Write([]byte(k))
			h.Write([]byte{'='})
			h.Write([]byte(r.Params[k]))
			h.Write([]byte{';'})
		}
	}

	return fmt.Sprintf("%016x", h.Sum64())
}
