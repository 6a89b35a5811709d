// Package executable provides the single authoritative read of live balances
// used for every balance-based trading decision. Portfolio snapshots are a
// display/fallback source only.
package executable

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/execdesk/execdesk/internal/broker"
	"github.com/execdesk/execdesk/internal/database"
)

const (
	SourceLiveAccounts     = "coinbase_list_accounts"
	SourceSnapshotFallback = "portfolio_snapshot_fallback"
)

// Balance is one currency's executable quantity.
type Balance struct {
	Currency    string
	AvailableQty decimal.Decimal
	HoldQty     decimal.Decimal
	AccountUUID string
	UpdatedAt   time.Time
}

// State is the per-intent balance snapshot.
type State struct {
	Balances  map[string]Balance
	FetchedAt time.Time
	Source    string
}

// Fetcher reads live balances from the broker in LIVE mode and degrades to the
// latest persisted snapshot otherwise.
type Fetcher struct {
	db       *database.Database
	provider broker.Provider // nil ⇒ snapshot-only
	liveMode bool
}

func NewFetcher(db *database.Database, provider broker.Provider, liveMode bool) *Fetcher {
	return &Fetcher{db: db, provider: provider, liveMode: liveMode}
}

// Fetch returns the executable state for a tenant. Exactly one fetch happens
// per trade intent; the context builder owns the call.
func (f *Fetcher) Fetch(ctx context.Context, tenantID string) State {
	fetchedAt := time.Now().UTC()

	if f.liveMode && f.provider != nil {
		raw, err := f.provider.GetBalances(ctx)
		if err == nil {
			balances := make(map[string]Balance, len(raw))
			for ccy, b := range raw {
				balances[strings.ToUpper(ccy)] = Balance{
					Currency:    strings.ToUpper(ccy),
					AvailableQty: b.Available,
					HoldQty:     b.Hold,
					AccountUUID: b.AccountUUID,
					UpdatedAt:   b.UpdatedAt,
				}
			}
			return State{Balances: balances, FetchedAt: fetchedAt, Source: SourceLiveAccounts}
		}
		log.Warn().Err(err).Msg("Live balance fetch failed; using snapshot fallback")
	}

	return f.snapshotFallback(tenantID, fetchedAt)
}

func (f *Fetcher) snapshotFallback(tenantID string, fetchedAt time.Time) State {
	balances := map[string]Balance{}
	snap, err := f.db.LatestSnapshot(tenantID)
	if err != nil {
		log.Warn().Err(err).Msg("Snapshot fallback read failed")
	} else if snap != nil {
		var raw map[string]float64
		if err := json.Unmarshal([]byte(snap.BalancesJSON), &raw); err == nil {
			for ccy, qty := range raw {
				upper := strings.ToUpper(strings.TrimSpace(ccy))
				balances[upper] = Balance{
					Currency:    upper,
					AvailableQty: decimal.NewFromFloat(qty),
					HoldQty:     decimal.Zero,
					UpdatedAt:   snap.TS,
				}
			}
		}
	}
	return State{Balances: balances, FetchedAt: fetchedAt, Source: SourceSnapshotFallback}
}
