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

// OrderStockState tracks the per-order idempotency flag. The flag, not the
// presence of allocation rows, is authoritative: an order may legitimately
// have zero stock-managed lines and still count as deducted.
type OrderStockState struct {
	ID             int       `gorm:"primary_key" json:"id"`
	BusinessId     string    `gorm:"size:64;not null;index:uniq_order_state,unique" json:"business_id"`
	OrderId        int       `gorm:"not null;index:uniq_order_state,unique" json:"order_id"`
	StockDeducted  bool      `gorm:"not null;default:false;index" json:"stock_deducted"`
	ChosenBranchId int       `gorm:"not null;default:0" json:"chosen_branch_id"`
	LastStatus     string    `gorm:"size:50" json:"last_status"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// OrderAllocation records which branch fulfilled an order line and how
// much. Key: (business_id, order_item_id).
type OrderAllocation struct {
	ID          int             `gorm:"primary_key" json:"id"`
	BusinessId  string          `gorm:"size:64;not null;index:uniq_order_item,unique" json:"business_id"`
	OrderId     int             `gorm:"not null;index" json:"order_id"`
	OrderItemId int             `gorm:"not null;index:uniq_order_item,unique" json:"order_item_id"`
	ProductId   int             `gorm:"not null;index" json:"product_id"`
	VariationId int             `gorm:"not null;default:0" json:"variation_id"`
	BranchId    int             `gorm:"not null;index" json:"branch_id"`
	Quantity    decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"quantity"`
	CreatedAt   time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// FirstOrCreateOrderStockState loads the order's state row under FOR
// UPDATE. Holding the row lock makes the read-check-then-set of
// StockDeducted atomic per order.
func FirstOrCreateOrderStockState(tx *gorm.DB, businessId string, orderId int) (*OrderStockState, error) {
	state := OrderStockState{
		BusinessId: businessId,
		OrderId:    orderId,
	}
	result := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("business_id = ? AND order_id = ?", businessId, orderId).
		FirstOrCreate(&state)
	if result.Error != nil {
		return nil, result.Error
	}
	return &state, nil
}

func SetOrderStockDeducted(tx *gorm.DB, businessId string, orderId int, deducted bool, lastStatus string) error {
	updates := map[string]interface{}{"stock_deducted": deducted}
	if lastStatus != "" {
		updates["last_status"] = lastStatus
	}
	return tx.Model(&OrderStockState{}).
		Where("business_id = ? AND order_id = ?", businessId, orderId).
		Updates(updates).Error
}

func SetOrderChosenBranch(tx *gorm.DB, businessId string, orderId int, branchId int) error {
	return tx.Model(&OrderStockState{}).
		Where("business_id = ? AND order_id = ?", businessId, orderId).
		Update("chosen_branch_id", branchId).Error
}

// UpsertOrderAllocation creates or updates the allocation row for an order
// line inside the caller's transaction.
func UpsertOrderAllocation(tx *gorm.DB, businessId string, orderId int, orderItemId int,
	productId int, variationId int, branchId int, quantity decimal.Decimal) error {

	allocation := OrderAllocation{
		BusinessId:  businessId,
		OrderId:     orderId,
		OrderItemId: orderItemId,
	}
	result := tx.Where("business_id = ? AND order_item_id = ?", businessId, orderItemId).
		FirstOrCreate(&allocation)
	if result.Error != nil {
		return result.Error
	}
	return tx.Model(&OrderAllocation{}).Where("id = ?", allocation.ID).Updates(map[string]interface{}{
		"order_id":     orderId,
		"product_id":   productId,
		"variation_id": variationId,
		"branch_id":    branchId,
		"quantity":     quantity,
	}).Error
}

// GetOrderAllocationsTx lists allocations for an order inside a transaction.
func GetOrderAllocationsTx(tx *gorm.DB, businessId string, orderId int) ([]*OrderAllocation, error) {
	var allocations []*OrderAllocation
	err := tx.Where("business_id = ? AND order_id = ?", businessId, orderId).
		Order("order_item_id").
		Find(&allocations).Error
	if err != nil {
		return nil, err
	}
	return allocations, nil
}

// GetAllocationByOrderItemTx loads one allocation row under FOR UPDATE.
func GetAllocationByOrderItemTx(tx *gorm.DB, businessId string, orderItemId int) (*OrderAllocation, error) {
	var allocation OrderAllocation
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("business_id = ? AND order_item_id = ?", businessId, orderItemId).
		First(&allocation).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &allocation, nil
}

func DeleteOrderAllocationsTx(tx *gorm.DB, businessId string, orderId int) error {
	return tx.Where("business_id = ? AND order_id = ?", businessId, orderId).
		Delete(&OrderAllocation{}).Error
}

// Read-side queries for the admin/reporting API.

func GetOrderStockState(ctx context.Context, orderId int) (*OrderStockState, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	var state OrderStockState
	db := config.GetDB()
	err := db.WithContext(ctx).
		Where("business_id = ? AND order_id = ?", businessId, orderId).
		First(&state).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &state, nil
}

func GetOrderAllocations(ctx context.Context, orderId int) ([]*OrderAllocation, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	db := config.GetDB()
	return GetOrderAllocationsTx(db.WithContext(ctx), businessId, orderId)
}
