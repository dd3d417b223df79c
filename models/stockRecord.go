package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/branchstock_backend/config"
	"bitbucket.org/mmdatafocus/branchstock_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// StockRecord is the single point of truth for "how much of a product is
// physically at a branch". Key: (business_id, product_id, variation_id,
// branch_id). variation_id = 0 means the product itself, not a variant.
// Mutated only through the ledger functions in stockLedger.go.
type StockRecord struct {
	ID                int             `gorm:"primary_key" json:"id"`
	BusinessId        string          `gorm:"size:64;not null;index:uniq_stock,unique" json:"business_id"`
	ProductId         int             `gorm:"not null;index:uniq_stock,unique;index" json:"product_id"`
	VariationId       int             `gorm:"not null;default:0;index:uniq_stock,unique" json:"variation_id"`
	BranchId          int             `gorm:"not null;index:uniq_stock,unique;index" json:"branch_id"`
	Quantity          decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"quantity"`
	StockStatus       StockStatus     `gorm:"type:enum('in_stock','out_of_stock','backordered');default:'out_of_stock'" json:"stock_status"`
	LowStockThreshold decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"low_stock_threshold"`
	ShelfLocation     string          `gorm:"size:100" json:"shelf_location"`
	CreatedAt         time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// EffectiveThreshold resolves the record's own threshold, falling back to
// the supplied global default when the record's is zero.
func (r *StockRecord) EffectiveThreshold(globalDefault decimal.Decimal) decimal.Decimal {
	if r.LowStockThreshold.IsPositive() {
		return r.LowStockThreshold
	}
	return globalDefault
}

func deriveStockStatus(qty decimal.Decimal) StockStatus {
	if qty.IsPositive() {
		return StockStatusInStock
	}
	return StockStatusOutOfStock
}

// FirstOrCreateStockRecord loads the record for a key under FOR UPDATE,
// creating a zero-quantity row on first touch.
func FirstOrCreateStockRecord(tx *gorm.DB, businessId string, productId int, variationId int, branchId int) (*StockRecord, bool, error) {
	isNew := false
	stockRecord := StockRecord{
		BusinessId:  businessId,
		ProductId:   productId,
		VariationId: variationId,
		BranchId:    branchId,
		StockStatus: StockStatusOutOfStock,
	}
	// FirstOrCreate will try to find a record matching the conditions, and if it doesn't find one, it will create a new record
	result := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("business_id = ? AND product_id = ? AND variation_id = ? AND branch_id = ?",
			businessId, productId, variationId, branchId).
		FirstOrCreate(&stockRecord)
	if result.Error != nil {
		return nil, isNew, result.Error
	}
	if result.RowsAffected == 1 {
		isNew = true
	}

	return &stockRecord, isNew, nil
}

// LockStockRecord is FirstOrCreateStockRecord for callers that already hold
// the advisory lock and only need the row lock, without create-on-miss.
func LockStockRecord(tx *gorm.DB, businessId string, productId int, variationId int, branchId int) (*StockRecord, error) {
	var stockRecord StockRecord
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("business_id = ? AND product_id = ? AND variation_id = ? AND branch_id = ?",
			businessId, productId, variationId, branchId).
		First(&stockRecord).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &stockRecord, nil
}

// GetStockRecord returns the record for a key, or ErrNotFound.
func GetStockRecord(ctx context.Context, productId int, variationId int, branchId int) (*StockRecord, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	var stockRecord StockRecord
	db := config.GetDB()
	err := db.WithContext(ctx).
		Where("business_id = ? AND product_id = ? AND variation_id = ? AND branch_id = ?",
			businessId, productId, variationId, branchId).
		First(&stockRecord).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &stockRecord, nil
}

// GetStockQuantity is a read helper for selection strategies; missing
// records count as zero stock.
func GetStockQuantity(ctx context.Context, businessId string, productId int, variationId int, branchId int) (decimal.Decimal, error) {
	var qty decimal.Decimal
	db := config.GetDB()
	err := db.WithContext(ctx).Model(&StockRecord{}).
		Select("COALESCE(SUM(quantity), 0)").
		Where("business_id = ? AND product_id = ? AND variation_id = ? AND branch_id = ?",
			businessId, productId, variationId, branchId).
		Scan(&qty).Error
	if err != nil {
		return decimal.Zero, err
	}
	return qty, nil
}

// GetTotalStock sums quantity across all branches for a product/variation.
func GetTotalStock(ctx context.Context, productId int, variationId int) (decimal.Decimal, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return decimal.Zero, errors.New("business id is required")
	}

	var total decimal.Decimal
	db := config.GetDB()
	err := db.WithContext(ctx).Model(&StockRecord{}).
		Select("COALESCE(SUM(quantity), 0)").
		Where("business_id = ? AND product_id = ? AND variation_id = ?", businessId, productId, variationId).
		Scan(&total).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return decimal.Zero, nil
		}
		return decimal.Zero, err
	}
	return total, nil
}

// GetBranchStocks lists records for one branch (branchId = 0 lists all).
func GetBranchStocks(ctx context.Context, branchId int) ([]*StockRecord, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Where("business_id = ?", businessId)
	if branchId > 0 {
		if err := utils.ValidateResourceId[Branch](ctx, businessId, branchId); err != nil {
			return nil, errors.New("branch not found")
		}
		dbCtx = dbCtx.Where("branch_id = ?", branchId)
	}

	var records []*StockRecord
	if err := dbCtx.Order("product_id, variation_id, branch_id").Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

// ListLowStockRecords returns records at or under their effective low-stock
// threshold. globalDefault applies where the record's own threshold is 0.
func ListLowStockRecords(ctx context.Context, branchId int, globalDefault decimal.Decimal) ([]*StockRecord, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	db := config.GetDB()
	dbCtx := db.WithContext(ctx).
		Where("business_id = ?", businessId).
		Where("quantity <= CASE WHEN low_stock_threshold > 0 THEN low_stock_threshold ELSE ? END", globalDefault)
	if branchId > 0 {
		dbCtx = dbCtx.Where("branch_id = ?", branchId)
	}

	var records []*StockRecord
	if err := dbCtx.Order("branch_id, product_id, variation_id").Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}
