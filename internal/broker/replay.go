package broker

import (
	"context"
	"time"

	"github.com/execdesk/execdesk/internal/database"
	"github.com/execdesk/execdesk/internal/errs"
	"github.com/execdesk/execdesk/internal/ids"
)

// Replay re-records the orders of a prior run without touching any venue.
// Each placed order copies the matching source order's observed outcome.
type Replay struct {
	db          *database.Database
	sourceRunID string
}

func NewReplay(db *database.Database, sourceRunID string) *Replay {
	return &Replay{db: db, sourceRunID: sourceRunID}
}

func (r *Replay) Name() string { return "REPLAY" }

func (r *Replay) PlaceOrder(ctx context.Context, req OrderRequest) (string, error) {
	if req.ClientOrderID == "" {
		req.ClientOrderID = ids.NewClientOrder()
	}
	if existing, err := r.db.FindOrderByClientID(req.TenantID, r.Name(), req.ClientOrderID); err == nil && existing != nil {
		return existing.OrderID, nil
	}

	source, err := r.findSourceOrder(req.Symbol, req.Side)
	if err != nil {
		return "", err
	}

	orderID := ids.NewOrder()
	now := time.Now().UTC()
	order := &database.Order{
		OrderID:         orderID,
		RunID:           req.RunID,
		TenantID:        req.TenantID,
		Provider:        r.Name(),
		Symbol:          req.Symbol,
		Side:            req.Side,
		OrderType:       "MARKET",
		NotionalUSD:     req.NotionalUSD,
		Status:          "FILLED",
		ClientOrderID:   req.ClientOrderID,
		ParentOrderID:   req.ParentOrderID,
		StatusUpdatedAt: &now,
	}
	if source != nil {
		order.Qty = source.Qty
		order.FilledQty = source.FilledQty
		order.AvgFillPrice = source.AvgFillPrice
		order.TotalFees = source.TotalFees
		order.Status = source.Status
	}
	if err := r.db.InsertOrder(order); err != nil {
		return "", err
	}
	return orderID, nil
}

func (r *Replay) findSourceOrder(symbol, side string) (*database.Order, error) {
	orders, err := r.db.ListOrdersByRun(r.sourceRunID)
	if err != nil {
		return nil, err
	}
	for i := range orders {
		if orders[i].Symbol == symbol && orders[i].Side == side {
			return &orders[i], nil
		}
	}
	return nil, nil
}

func (r *Replay) PreviewOrder(ctx context.Context, req OrderRequest) PreviewResult {
	return PreviewResult{Available: false}
}

func (r *Replay) GetBalances(ctx context.Context) (map[string]Balance, error) {
	return nil, errs.New(errs.CredentialsMissing, "replay provider has no live balances")
}

func (r *Replay) GetFills(ctx context.Context, orderID string) ([]FillData, error) {
	return nil, nil
}

func (r *Replay) GetOrderHistory(ctx context.Context, orderID string) (*OrderStatus, error) {
	o, err := r.db.GetOrderAnyTenant(orderID)
	if err != nil || o == nil {
		return nil, err
	}
	return &OrderStatus{OrderID: o.OrderID, Status: o.Status}, nil
}
