// Package broker encapsulates order placement behind a small provider
// interface. Concrete providers (coinbase, paper, replay) are selected by
// execution mode at construction time; callers never branch on mode.
package broker

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// OrderRequest describes one market-IOC order to place.
type OrderRequest struct {
	RunID         string
	TenantID      string
	Symbol        string // product id, e.g. "BTC-USD"
	Side          string // BUY | SELL
	NotionalUSD   decimal.Decimal
	Qty           decimal.Decimal // base quantity; overrides USD conversion for SELL when positive
	ClientOrderID string
	ParentOrderID string // "auto_sell" links a recycling SELL to its BUY
}

// Balance is one currency's executable balance at the broker.
type Balance struct {
	Currency    string
	Available   decimal.Decimal
	Hold        decimal.Decimal
	AccountUUID string
	UpdatedAt   time.Time
}

// FillData is a single execution report from the venue.
type FillData struct {
	ProductID string
	Price     decimal.Decimal
	Size      decimal.Decimal
	Fee       decimal.Decimal
	TradeID   string
	Liquidity string
	FilledAt  time.Time
}

// OrderStatus is the venue-side view of an order.
type OrderStatus struct {
	OrderID      string
	Status       string
	RejectReason string
}

// PreviewResult is the outcome of the broker's pre-submission dry run.
type PreviewResult struct {
	Available bool // false when the preview endpoint could not be consulted
	Accepted  bool
	Errors    []string
}

// Provider is the capability surface the execution node depends on. Every
// implementation persists orders and fills to the database so the DB remains
// the authoritative record regardless of venue behaviour.
type Provider interface {
	Name() string
	PlaceOrder(ctx context.Context, req OrderRequest) (string, error)
	PreviewOrder(ctx context.Context, req OrderRequest) PreviewResult
	GetBalances(ctx context.Context) (map[string]Balance, error)
	GetFills(ctx context.Context, orderID string) ([]FillData, error)
	GetOrderHistory(ctx context.Context, orderID string) (*OrderStatus, error)
}

// Terminal order states at the venue.
func isTerminal(status string) bool {
	switch status {
	case "FILLED", "CANCELED", "REJECTED", "EXPIRED":
		return true
	}
	return false
}
