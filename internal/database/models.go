package database

import (
	"time"

	"github.com/shopspring/decimal"
)

// Models. Column layout mirrors the SQL migrations in migrations/; gorm tags
// exist so the stores can use the struct API against both SQLite and Postgres.

type Tenant struct {
	TenantID  string `gorm:"primaryKey"`
	Name      string
	CreatedAt time.Time
}

type Conversation struct {
	ConversationID string `gorm:"primaryKey"`
	TenantID       string `gorm:"index"`
	Title          string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Run is one execution of the trade DAG. Runs survive conversation deletion
// for audit.
type Run struct {
	RunID             string `gorm:"primaryKey"`
	TenantID          string `gorm:"index"`
	Status            string `gorm:"index"` // QUEUED, RUNNING, PAUSED, COMPLETED, FAILED, REJECTED
	ExecutionMode     string // PAPER, LIVE, ASSISTED_LIVE, REPLAY
	AssetClass        string // CRYPTO, STOCK
	TradeProposalJSON string
	SourceRunID       string
	LockedProductID   string
	MetadataJSON      string
	StartedAt         time.Time
	CompletedAt       *time.Time
}

type DagNode struct {
	NodeID      string `gorm:"primaryKey"`
	RunID       string `gorm:"index"`
	Name        string
	Status      string // PENDING, RUNNING, COMPLETED, FAILED
	InputsJSON  string
	OutputsJSON string
	ErrorJSON   string
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// RunEvent rows are append-only; SSE streams replay them in insertion order.
type RunEvent struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	RunID       string `gorm:"index"`
	TenantID    string `gorm:"index"`
	EventType   string
	PayloadJSON string
	TS          time.Time `gorm:"index"`
}

// RunArtifact rows are append-only JSON evidence blobs.
type RunArtifact struct {
	ID           uint   `gorm:"primaryKey;autoIncrement"`
	RunID        string `gorm:"index"`
	StepName     string
	ArtifactType string `gorm:"index"`
	ArtifactJSON string
	CreatedAt    time.Time
}

type Order struct {
	OrderID         string `gorm:"primaryKey"`
	RunID           string `gorm:"index"`
	TenantID        string `gorm:"index"`
	Provider        string
	Symbol          string
	Side            string
	OrderType       string
	Qty             decimal.Decimal `gorm:"type:decimal(20,8)"`
	NotionalUSD     decimal.Decimal `gorm:"type:decimal(20,2)"`
	Status          string          `gorm:"index"`
	ClientOrderID   string          `gorm:"index"`
	ParentOrderID   string
	FilledQty       decimal.Decimal `gorm:"type:decimal(20,8)"`
	AvgFillPrice    decimal.Decimal `gorm:"type:decimal(20,8)"`
	TotalFees       decimal.Decimal `gorm:"type:decimal(20,8)"`
	StatusReason    string
	StatusUpdatedAt *time.Time
	CreatedAt       time.Time
}

type OrderEvent struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	OrderID     string `gorm:"index"`
	EventType   string
	PayloadJSON string
	TS          time.Time
}

type Fill struct {
	FillID             string `gorm:"primaryKey"`
	OrderID            string `gorm:"index"`
	RunID              string `gorm:"index"`
	TenantID           string
	ProductID          string
	Price              decimal.Decimal `gorm:"type:decimal(20,8)"`
	Size               decimal.Decimal `gorm:"type:decimal(20,8)"`
	Fee                decimal.Decimal `gorm:"type:decimal(20,8)"`
	TradeID            string
	LiquidityIndicator string
	FilledAt           time.Time
}

type PortfolioSnapshot struct {
	SnapshotID    string `gorm:"primaryKey"`
	RunID         string `gorm:"index"`
	TenantID      string `gorm:"index"`
	BalancesJSON  string
	PositionsJSON string
	TotalValueUSD decimal.Decimal `gorm:"type:decimal(20,2)"`
	TS            time.Time       `gorm:"index"`
}

type Approval struct {
	ApprovalID string `gorm:"primaryKey"`
	RunID      string `gorm:"index"`
	TenantID   string
	Status     string // PENDING, COMPLETED
	Decision   string // APPROVED, REJECTED, or empty
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type PolicyEvent struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	RunID       string `gorm:"index"`
	TenantID    string
	Decision    string // ALLOWED, REQUIRES_APPROVAL, DENIED
	RuleName    string
	PayloadJSON string
	TS          time.Time
}

// TradeConfirmation is the TTL-bounded pending trade handle.
type TradeConfirmation struct {
	ConfirmationID  string `gorm:"primaryKey"`
	TenantID        string `gorm:"index"`
	ConversationID  string
	Status          string `gorm:"index"` // PENDING, CONFIRMED, CANCELLED, EXPIRED, REJECTED
	Mode            string // PAPER, LIVE, ASSISTED_LIVE
	ProposalJSON    string
	InsightJSON     string
	LockedProductID string
	RunID           string
	CreatedAt       time.Time
	ExpiresAt       time.Time `gorm:"index"`
}

type TradeTicket struct {
	TicketID       string `gorm:"primaryKey"`
	TenantID       string `gorm:"index"`
	RunID          string `gorm:"index"`
	Symbol         string
	Side           string
	NotionalUSD    decimal.Decimal `gorm:"type:decimal(20,2)"`
	EstQty         decimal.Decimal `gorm:"type:decimal(20,8)"`
	SuggestedLimit decimal.Decimal `gorm:"type:decimal(20,8)"`
	TIF            string
	AssetClass     string
	Status         string // OPEN, EXECUTED, EXPIRED, CANCELLED
	CreatedAt      time.Time
	ExpiresAt      time.Time
}

// CatalogProduct is one row of the persistent product catalog, refreshed from
// the exchange public listing.
type CatalogProduct struct {
	ProductID       string `gorm:"primaryKey"`
	BaseCurrency    string
	QuoteCurrency   string `gorm:"index"`
	BaseMinSize     string
	BaseMaxSize     string
	QuoteIncrement  string
	BaseIncrement   string
	MinMarketFunds  string
	MaxMarketFunds  string
	Status          string
	TradingDisabled bool
	UpdatedAt       time.Time
}

func (CatalogProduct) TableName() string { return "product_catalog" }

// ProductDetail is the brokerage metadata cache consulted by the metadata
// service before hitting the live API.
type ProductDetail struct {
	ProductID      string `gorm:"primaryKey"`
	BaseCurrency   string
	QuoteCurrency  string
	BaseMinSize    string
	BaseIncrement  string
	QuoteIncrement string
	MinMarketFunds string
	Status         string
	TradingDisabled bool
	UpdatedAt      time.Time
}

func (ProductDetail) TableName() string { return "product_details" }

type SchemaMigration struct {
	Filename  string `gorm:"primaryKey"`
	AppliedAt time.Time
}
