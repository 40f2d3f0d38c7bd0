package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Quote is what the external quote provider resolves a symbol to.
type Quote struct {
	Symbol string          `json:"symbol"`
	Name   string          `json:"name"`
	Price  decimal.Decimal `json:"price"`
}

// TradeResult is returned by a committed buy or sell.
type TradeResult struct {
	CashBalance decimal.Decimal `json:"cashBalance"`
	Transaction *Transaction    `json:"transaction"`
}

type HoldingView struct {
	Symbol      string          `json:"symbol"`
	CompanyName string          `json:"companyName"`
	Quantity    int64           `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	MarketValue decimal.Decimal `json:"marketValue"`
}

type PortfolioView struct {
	UserID     string          `json:"userID"`
	Holdings   []HoldingView   `json:"holdings"`
	Cash       decimal.Decimal `json:"cash"`
	TotalValue decimal.Decimal `json:"totalValue"`
}

type HistoryEntry struct {
	Symbol      string          `json:"symbol"`
	CompanyName string          `json:"companyName"`
	Type        string          `json:"type"`
	Shares      int64           `json:"shares"`
	Price       decimal.Decimal `json:"pricePerShare"`
	Timestamp   time.Time       `json:"timestamp"`
}

// PriceUpdate is the payload published on the quotes pub/sub channel.
type PriceUpdate struct {
	Symbol string  `json:"s"`
	Price  float64 `json:"p"`
}
