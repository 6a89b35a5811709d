package database

import (
	"time"

	"gorm.io/gorm"
)

// Confirmation operations. Lifecycle rules live in internal/confirm; this
// layer provides tenant-scoped reads and the atomic check-and-set primitive.

func (d *Database) CreateConfirmation(c *TradeConfirmation) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	return d.db.Create(c).Error
}

// GetConfirmation is tenant-scoped: a confirmation belonging to another tenant
// reads as not found.
func (d *Database) GetConfirmation(confID, tenantID string) (*TradeConfirmation, error) {
	var c TradeConfirmation
	err := d.db.First(&c, "confirmation_id = ? AND tenant_id = ?", confID, tenantID).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	return &c, err
}

// TransitionConfirmation moves a PENDING, unexpired confirmation to a terminal
// status. The WHERE clause is the only concurrency control: at most one caller
// wins; everyone else sees RowsAffected == 0.
func (d *Database) TransitionConfirmation(confID, tenantID, targetStatus, runID string, now time.Time) (bool, error) {
	updates := map[string]any{"status": targetStatus}
	if runID != "" {
		updates["run_id"] = runID
	}
	res := d.db.Model(&TradeConfirmation{}).
		Where("confirmation_id = ? AND tenant_id = ? AND status = 'PENDING' AND expires_at > ?",
			confID, tenantID, now).
		Updates(updates)
	return res.RowsAffected > 0, res.Error
}

// MarkConfirmationExpired records the EXPIRED terminal state for a PENDING row
// whose TTL has elapsed. Used lazily on read; no background sweeper exists.
func (d *Database) MarkConfirmationExpired(confID, tenantID string, now time.Time) error {
	return d.db.Model(&TradeConfirmation{}).
		Where("confirmation_id = ? AND tenant_id = ? AND status = 'PENDING' AND expires_at <= ?",
			confID, tenantID, now).
		Update("status", "EXPIRED").Error
}
