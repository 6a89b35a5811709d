package broker

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/execdesk/execdesk/internal/database"
	"github.com/execdesk/execdesk/internal/errs"
	"github.com/execdesk/execdesk/internal/ids"
	"github.com/execdesk/execdesk/internal/telemetry"
)

// paperFeeRate mirrors the venue's taker fee so simulated receipts look like
// real ones.
var paperFeeRate = decimal.RequireFromString("0.006")

// Paper simulates immediate fills at the current market price. Orders and
// fills are persisted exactly like real ones so downstream reconciliation is
// identical across modes.
type Paper struct {
	db      *database.Database
	priceOf PriceFunc
}

func NewPaper(db *database.Database, priceOf PriceFunc) *Paper {
	return &Paper{db: db, priceOf: priceOf}
}

func (p *Paper) Name() string { return "PAPER" }

func (p *Paper) PlaceOrder(ctx context.Context, req OrderRequest) (string, error) {
	if req.ClientOrderID == "" {
		req.ClientOrderID = ids.NewClientOrder()
	}
	if existing, err := p.db.FindOrderByClientID(req.TenantID, p.Name(), req.ClientOrderID); err == nil && existing != nil {
		return existing.OrderID, nil
	}

	price := p.priceOf(req.Symbol)
	if !price.IsPositive() {
		return "", errs.Newf(errs.ExecutionFailed, "no price available for %s", req.Symbol)
	}

	qty := req.Qty
	if !qty.IsPositive() {
		qty = req.NotionalUSD.Div(price)
	}
	notional := req.NotionalUSD
	if !notional.IsPositive() {
		notional = qty.Mul(price)
	}
	fee := notional.Mul(paperFeeRate)

	orderID := ids.NewOrder()
	now := time.Now().UTC()
	if err := p.db.InsertOrder(&database.Order{
		OrderID:         orderID,
		RunID:           req.RunID,
		TenantID:        req.TenantID,
		Provider:        p.Name(),
		Symbol:          req.Symbol,
		Side:            req.Side,
		OrderType:       "MARKET",
		Qty:             qty,
		NotionalUSD:     notional,
		Status:          "FILLED",
		ClientOrderID:   req.ClientOrderID,
		ParentOrderID:   req.ParentOrderID,
		FilledQty:       qty,
		AvgFillPrice:    price,
		TotalFees:       fee,
		StatusUpdatedAt: &now,
	}); err != nil {
		return "", err
	}

	if err := p.db.InsertFill(&database.Fill{
		FillID:             ids.NewFill(),
		OrderID:            orderID,
		RunID:              req.RunID,
		TenantID:           req.TenantID,
		ProductID:          req.Symbol,
		Price:              price,
		Size:               qty,
		Fee:                fee,
		TradeID:            ids.New("sim_"),
		LiquidityIndicator: "TAKER",
		FilledAt:           now,
	}); err != nil {
		return "", err
	}

	telemetry.Orders.WithLabelValues("PAPER", req.Side).Inc()
	log.Info().Str("order_id", orderID).Str("symbol", req.Symbol).Str("side", req.Side).
		Str("price", price.StringFixed(2)).Msg("Paper order filled")
	return orderID, nil
}

func (p *Paper) PreviewOrder(ctx context.Context, req OrderRequest) PreviewResult {
	return PreviewResult{Available: false}
}

// GetBalances in paper mode defers to the snapshot fallback in the executable
// state fetcher.
func (p *Paper) GetBalances(ctx context.Context) (map[string]Balance, error) {
	return nil, errs.New(errs.CredentialsMissing, "paper provider has no live balances")
}

func (p *Paper) GetFills(ctx context.Context, orderID string) ([]FillData, error) {
	rows, err := p.db.ListFillsByOrder(orderID)
	if err != nil {
		return nil, err
	}
	out := make([]FillData, 0, len(rows))
	for _, r := range rows {
		out = append(out, FillData{
			ProductID: r.ProductID,
			Price:     r.Price,
			Size:      r.Size,
			Fee:       r.Fee,
			TradeID:   r.TradeID,
			Liquidity: r.LiquidityIndicator,
			FilledAt:  r.FilledAt,
		})
	}
	return out, nil
}

func (p *Paper) GetOrderHistory(ctx context.Context, orderID string) (*OrderStatus, error) {
	o, err := p.db.GetOrderAnyTenant(orderID)
	if err != nil || o == nil {
		return nil, err
	}
	return &OrderStatus{OrderID: o.OrderID, Status: o.Status}, nil
}
