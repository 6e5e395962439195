package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PerformanceSnapshot aggregates realized results over settled executions.
type PerformanceSnapshot struct {
	TotalTrades   int                        `json:"total_trades"`
	Wins          int                        `json:"wins"`
	Losses        int                        `json:"losses"`
	WinRate       float64                    `json:"win_rate"`
	GrossProfit   decimal.Decimal            `json:"gross_profit"`
	GrossLoss     decimal.Decimal            `json:"gross_loss"`
	TotalFees     decimal.Decimal            `json:"total_fees"`
	NetProfit     decimal.Decimal            `json:"net_profit"`
	AvgPerTrade   decimal.Decimal            `json:"avg_per_trade"`
	MaxProfit     decimal.Decimal            `json:"max_profit"`
	MaxLoss       decimal.Decimal            `json:"max_loss"`
	ProfitFactor  decimal.Decimal            `json:"profit_factor"`
	MaxDrawdown   decimal.Decimal            `json:"max_drawdown"`
	Unwound       int                        `json:"unwound"`
	DailyPnL      map[string]decimal.Decimal `json:"daily_pnl"`
	TakenAt       time.Time                  `json:"taken_at"`
}

// PaperFill is one simulated fill recorded by the paper gateway.
type PaperFill struct {
	OrderID  string          `json:"order_id"`
	Exchange string          `json:"exchange"`
	Symbol   string          `json:"symbol"`
	Side     OrderSide       `json:"side"`
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Fee      decimal.Decimal `json:"fee"`
	At       time.Time       `json:"at"`
}
