package database

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Product catalog operations

// UpsertCatalogProducts replaces rows by product_id; re-running with the same
// list leaves the table identical.
func (d *Database) UpsertCatalogProducts(products []CatalogProduct) (int, error) {
	stored := 0
	now := time.Now().UTC()
	for i := range products {
		products[i].UpdatedAt = now
		err := d.db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "product_id"}},
			UpdateAll: true,
		}).Create(&products[i]).Error
		if err != nil {
			return stored, err
		}
		stored++
	}
	return stored, nil
}

func (d *Database) GetCatalogProduct(productID string) (*CatalogProduct, error) {
	var p CatalogProduct
	err := d.db.First(&p, "product_id = ?", productID).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	return &p, err
}

func (d *Database) ListTradeableProducts(quote string) ([]string, error) {
	var ids []string
	err := d.db.Model(&CatalogProduct{}).
		Where("quote_currency = ? AND status = 'online' AND trading_disabled = ?", quote, false).
		Pluck("product_id", &ids).Error
	return ids, err
}

func (d *Database) CountCatalogProducts() (int64, error) {
	var n int64
	err := d.db.Model(&CatalogProduct{}).Count(&n).Error
	return n, err
}

func (d *Database) LastCatalogRefresh() (time.Time, error) {
	var p CatalogProduct
	err := d.db.Order("updated_at DESC").First(&p).Error
	if err == gorm.ErrRecordNotFound {
		return time.Time{}, nil
	}
	return p.UpdatedAt, err
}

// Product details cache (brokerage metadata)

// GetProductDetail returns the cached row if it is younger than maxAge.
// maxAge <= 0 means any age is acceptable.
func (d *Database) GetProductDetail(productID string, maxAge time.Duration) (*ProductDetail, error) {
	var p ProductDetail
	q := d.db.Where("product_id = ?", productID)
	if maxAge > 0 {
		q = q.Where("updated_at > ?", time.Now().UTC().Add(-maxAge))
	}
	err := q.First(&p).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	return &p, err
}

func (d *Database) SaveProductDetail(p *ProductDetail) error {
	p.UpdatedAt = time.Now().UTC()
	return d.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "product_id"}},
		UpdateAll: true,
	}).Create(p).Error
}
