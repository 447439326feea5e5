package models

import "github.com/shopspring/decimal"

// AssetInfo is the trading-account metadata for one symbol.
type AssetInfo struct {
	ID                string          `json:"id"`
	Symbol            string          `json:"symbol"`
	Name              string          `json:"name"`
	Class             string          `json:"class"`
	Exchange          string          `json:"exchange"`
	Status            string          `json:"status"`
	Tradable          bool            `json:"tradable"`
	Marginable        bool            `json:"marginable"`
	Shortable         bool            `json:"shortable"`
	Fractionable      bool            `json:"fractionable"`
	MinOrderSize      decimal.Decimal `json:"min_order_size"`
	MinTradeIncrement decimal.Decimal `json:"min_trade_increment"`
	PriceIncrement    decimal.Decimal `json:"price_increment"`
}
