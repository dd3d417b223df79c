package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/branchstock_backend/config"
	"bitbucket.org/mmdatafocus/branchstock_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// StockMovement is the append-only journal of every quantity change.
// Rows are never updated or deleted; replaying a key's movements in id
// order must reproduce the stock record's current quantity.
type StockMovement struct {
	ID             int                `gorm:"primary_key" json:"id"`
	BusinessId     string             `gorm:"size:64;not null;index:idx_movement_key,priority:1" json:"business_id"`
	ProductId      int                `gorm:"not null;index:idx_movement_key,priority:2" json:"product_id"`
	VariationId    int                `gorm:"not null;default:0;index:idx_movement_key,priority:3" json:"variation_id"`
	BranchId       int                `gorm:"not null;index:idx_movement_key,priority:4;index" json:"branch_id"`
	Delta          decimal.Decimal    `gorm:"type:decimal(20,4);default:0" json:"delta"`
	QuantityBefore decimal.Decimal    `gorm:"type:decimal(20,4);default:0" json:"quantity_before"`
	QuantityAfter  decimal.Decimal    `gorm:"type:decimal(20,4);default:0" json:"quantity_after"`
	ActionType     StockActionType    `gorm:"type:enum('sale','restock','transfer_in','transfer_out','adjustment','return');not null;index" json:"action_type"`
	ReferenceId    int                `gorm:"index" json:"reference_id"`
	ReferenceType  StockReferenceType `gorm:"type:enum('OR','TR','ADJ','IMP')" json:"reference_type"`
	Note           string             `gorm:"type:text" json:"note"`
	ActorId        int                `gorm:"index" json:"actor_id"`
	CorrelationId  string             `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt      time.Time          `gorm:"autoCreateTime;index" json:"created_at"`
}

// BeforeSave enforces the journal invariant: QuantityAfter must equal
// QuantityBefore + Delta. A row that fails this would make the log
// irreconcilable with its stock record, so the write is rejected.
func (m *StockMovement) BeforeSave(tx *gorm.DB) error {
	_ = tx // signature required by gorm; tx may be nil in tests
	if m == nil {
		return nil
	}
	if !m.QuantityAfter.Equal(m.QuantityBefore.Add(m.Delta)) {
		return fmt.Errorf("movement does not reconcile: before=%s delta=%s after=%s",
			m.QuantityBefore.String(), m.Delta.String(), m.QuantityAfter.String())
	}
	return nil
}

// ReplayMovements folds deltas onto zero in order, verifying each entry's
// before/after chain. Returns the reconstructed quantity.
func ReplayMovements(movements []*StockMovement) (decimal.Decimal, error) {
	qty := decimal.Zero
	for _, m := range movements {
		if !m.QuantityBefore.Equal(qty) {
			return decimal.Zero, fmt.Errorf("movement %d does not chain: expected before=%s got=%s",
				m.ID, qty.String(), m.QuantityBefore.String())
		}
		if !m.QuantityAfter.Equal(m.QuantityBefore.Add(m.Delta)) {
			return decimal.Zero, fmt.Errorf("movement %d does not reconcile: before=%s delta=%s after=%s",
				m.ID, m.QuantityBefore.String(), m.Delta.String(), m.QuantityAfter.String())
		}
		qty = m.QuantityAfter
	}
	return qty, nil
}

// MovementFilter narrows GetMovements; zero values mean "no filter".
type MovementFilter struct {
	ProductId   int
	VariationId *int
	BranchId    int
	ActionType  StockActionType
	ReferenceId int
	From        *time.Time
	To          *time.Time
	Limit       int
}

func GetMovements(ctx context.Context, filter MovementFilter) ([]*StockMovement, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Where("business_id = ?", businessId)
	if filter.ProductId > 0 {
		dbCtx = dbCtx.Where("product_id = ?", filter.ProductId)
	}
	if filter.VariationId != nil {
		dbCtx = dbCtx.Where("variation_id = ?", *filter.VariationId)
	}
	if filter.BranchId > 0 {
		dbCtx = dbCtx.Where("branch_id = ?", filter.BranchId)
	}
	if filter.ActionType != "" {
		dbCtx = dbCtx.Where("action_type = ?", filter.ActionType)
	}
	if filter.ReferenceId > 0 {
		dbCtx = dbCtx.Where("reference_id = ?", filter.ReferenceId)
	}
	if filter.From != nil {
		dbCtx = dbCtx.Where("created_at >= ?", *filter.From)
	}
	if filter.To != nil {
		dbCtx = dbCtx.Where("created_at < ?", *filter.To)
	}
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 200
	}

	var movements []*StockMovement
	if err := dbCtx.Order("id DESC").Limit(limit).Find(&movements).Error; err != nil {
		return nil, err
	}
	return movements, nil
}

// GetMovementsForKey returns a key's full journal in append order, for
// audit replay.
func GetMovementsForKey(ctx context.Context, businessId string, productId int, variationId int, branchId int) ([]*StockMovement, error) {
	db := config.GetDB()
	var movements []*StockMovement
	err := db.WithContext(ctx).
		Where("business_id = ? AND product_id = ? AND variation_id = ? AND branch_id = ?",
			businessId, productId, variationId, branchId).
		Order("id ASC").
		Find(&movements).Error
	if err != nil {
		return nil, err
	}
	return movements, nil
}
