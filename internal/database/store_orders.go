package database

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Order operations

// InsertOrder stores a new order row. The unique index on
// (tenant_id, provider, client_order_id) makes re-submission a no-op; callers
// should check FindOrderByClientID first for the idempotent return path.
func (d *Database) InsertOrder(o *Order) error {
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	return d.db.Clauses(clause.OnConflict{DoNothing: true}).Create(o).Error
}

func (d *Database) FindOrderByClientID(tenantID, provider, clientOrderID string) (*Order, error) {
	var o Order
	err := d.db.Where("tenant_id = ? AND provider = ? AND client_order_id = ?",
		tenantID, provider, clientOrderID).First(&o).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	return &o, err
}

func (d *Database) GetOrder(orderID, tenantID string) (*Order, error) {
	var o Order
	err := d.db.First(&o, "order_id = ? AND tenant_id = ?", orderID, tenantID).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	return &o, err
}

func (d *Database) GetOrderAnyTenant(orderID string) (*Order, error) {
	var o Order
	err := d.db.First(&o, "order_id = ?", orderID).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	return &o, err
}

func (d *Database) ListOrdersByRun(runID string) ([]Order, error) {
	var orders []Order
	err := d.db.Where("run_id = ?", runID).Order("created_at ASC").Find(&orders).Error
	return orders, err
}

func (d *Database) UpdateOrderStatus(orderID, status, reason string) error {
	now := time.Now().UTC()
	return d.db.Model(&Order{}).Where("order_id = ?", orderID).Updates(map[string]any{
		"status":            status,
		"status_reason":     reason,
		"status_updated_at": &now,
	}).Error
}

// TouchOrderStatusReason updates the reason without overriding the status, for
// the polling-ended path where the last observed status must be preserved.
func (d *Database) TouchOrderStatusReason(orderID, reason string) error {
	now := time.Now().UTC()
	return d.db.Model(&Order{}).Where("order_id = ?", orderID).Updates(map[string]any{
		"status_reason":     reason,
		"status_updated_at": &now,
	}).Error
}

func (d *Database) SetOrderFillAggregates(orderID string, filledQty, avgFillPrice, totalFees decimal.Decimal) error {
	return d.db.Model(&Order{}).Where("order_id = ?", orderID).Updates(map[string]any{
		"filled_qty":     filledQty,
		"avg_fill_price": avgFillPrice,
		"total_fees":     totalFees,
	}).Error
}

// RecentBuySymbols returns product symbols from the tenant's most recent BUY
// orders, newest first. Used by the funds recycler's recency preference.
func (d *Database) RecentBuySymbols(tenantID string, limit int) ([]string, error) {
	var symbols []string
	err := d.db.Model(&Order{}).
		Where("tenant_id = ? AND side = 'BUY'", tenantID).
		Order("created_at DESC").Limit(limit).
		Pluck("symbol", &symbols).Error
	return symbols, err
}

// Order event operations

func (d *Database) AppendOrderEvent(ev *OrderEvent) error {
	if ev.TS.IsZero() {
		ev.TS = time.Now().UTC()
	}
	return d.db.Create(ev).Error
}

// Fill operations

func (d *Database) InsertFill(f *Fill) error {
	return d.db.Clauses(clause.OnConflict{DoNothing: true}).Create(f).Error
}

func (d *Database) ListFillsByOrder(orderID string) ([]Fill, error) {
	var fills []Fill
	err := d.db.Where("order_id = ?", orderID).Order("filled_at ASC").Find(&fills).Error
	return fills, err
}

func (d *Database) ListFillsByRun(runID string) ([]Fill, error) {
	var fills []Fill
	err := d.db.Where("run_id = ?", runID).Order("filled_at ASC").Find(&fills).Error
	return fills, err
}

// Snapshot operations

// SaveSnapshotIgnore writes a portfolio snapshot, ignoring duplicates by
// snapshot_id (the pre-trade snapshot is written idempotently).
func (d *Database) SaveSnapshotIgnore(s *PortfolioSnapshot) error {
	if s.TS.IsZero() {
		s.TS = time.Now().UTC()
	}
	return d.db.Clauses(clause.OnConflict{DoNothing: true}).Create(s).Error
}

func (d *Database) LatestSnapshot(tenantID string) (*PortfolioSnapshot, error) {
	var s PortfolioSnapshot
	err := d.db.Where("tenant_id = ?", tenantID).Order("ts DESC").First(&s).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	return &s, err
}

func (d *Database) ListSnapshotsByRun(runID string) ([]PortfolioSnapshot, error) {
	var rows []PortfolioSnapshot
	err := d.db.Where("run_id = ?", runID).Order("ts ASC").Find(&rows).Error
	return rows, err
}

// Trade ticket operations

func (d *Database) CreateTicket(t *TradeTicket) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	return d.db.Create(t).Error
}

func (d *Database) ListTicketsByRun(runID string) ([]TradeTicket, error) {
	var rows []TradeTicket
	err := d.db.Where("run_id = ?", runID).Order("created_at ASC").Find(&rows).Error
	return rows, err
}
