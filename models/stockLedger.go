package models

import (
	"context"
	"errors"

	"bitbucket.org/mmdatafocus/branchstock_backend/config"
	"bitbucket.org/mmdatafocus/branchstock_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// The ledger is the only writer of StockRecord and StockMovement. Every
// quantity change goes through applyStockDelta inside a DB transaction:
// the row is locked FOR UPDATE, the new quantity is validated (never
// negative), the record is updated and exactly one movement row is
// appended. Two keys never block each other; two writers on the same key
// serialize on the row lock.

const stockLedgerModule = "StockLedger"

// StockAdjustment is the input for the core atomic primitive.
type StockAdjustment struct {
	ProductId     int                `json:"product_id" binding:"required"`
	VariationId   int                `json:"variation_id"`
	BranchId      int                `json:"branch_id" binding:"required"`
	Delta         decimal.Decimal    `json:"delta"`
	ActionType    StockActionType    `json:"action_type" binding:"required"`
	ReferenceId   int                `json:"reference_id"`
	ReferenceType StockReferenceType `json:"reference_type"`
	Note          string             `json:"note"`
}

func (input *StockAdjustment) validate(ctx context.Context, businessId string) error {
	if input.ProductId <= 0 {
		return ErrInvalidArgument
	}
	switch input.ActionType {
	case StockActionTypeSale, StockActionTypeRestock, StockActionTypeTransferIn,
		StockActionTypeTransferOut, StockActionTypeAdjustment, StockActionTypeReturn:
	default:
		return ErrInvalidArgument
	}
	if err := utils.ValidateResourceId[Branch](ctx, businessId, input.BranchId); err != nil {
		return errors.New("branch not found")
	}
	return nil
}

type lowStockPayload struct {
	ProductId   int             `json:"product_id"`
	VariationId int             `json:"variation_id"`
	BranchId    int             `json:"branch_id"`
	Quantity    decimal.Decimal `json:"quantity"`
	Threshold   decimal.Decimal `json:"threshold"`
}

// applyStockDelta mutates one key inside the caller's transaction. It locks
// the row, rejects any change that would take the quantity negative, writes
// the new quantity and appends the movement. A downward crossing of the
// low-stock threshold queues an outbox event; an outbox write failure is
// logged but never fails the ledger operation.
func applyStockDelta(ctx context.Context, tx *gorm.DB, businessId string, productId int, variationId int, branchId int,
	delta decimal.Decimal, actionType StockActionType, referenceId int, referenceType StockReferenceType, note string) (*StockRecord, error) {

	stockRecord, _, err := FirstOrCreateStockRecord(tx, businessId, productId, variationId, branchId)
	if err != nil {
		return nil, err
	}

	oldQty := stockRecord.Quantity
	newQty := oldQty.Add(delta)
	if newQty.IsNegative() {
		return nil, &InsufficientStockError{Shortfalls: []StockShortfall{{
			ProductId:   productId,
			VariationId: variationId,
			BranchId:    branchId,
			Requested:   delta.Neg(),
			Available:   oldQty,
		}}}
	}

	if err := tx.Model(&StockRecord{}).Where("id = ?", stockRecord.ID).Updates(map[string]interface{}{
		"quantity":     newQty,
		"stock_status": deriveStockStatus(newQty),
	}).Error; err != nil {
		return nil, err
	}
	stockRecord.Quantity = newQty
	stockRecord.StockStatus = deriveStockStatus(newQty)

	movement := StockMovement{
		BusinessId:     businessId,
		ProductId:      productId,
		VariationId:    variationId,
		BranchId:       branchId,
		Delta:          delta,
		QuantityBefore: oldQty,
		QuantityAfter:  newQty,
		ActionType:     actionType,
		ReferenceId:    referenceId,
		ReferenceType:  referenceType,
		Note:           note,
		ActorId:        actorIdFromContext(ctx),
		CorrelationId:  correlationIdFromContextOrNew(ctx),
	}
	if err := tx.Create(&movement).Error; err != nil {
		return nil, err
	}

	// Low-stock notification only on a downward crossing, so repeated sales
	// under the threshold do not spam the notifier.
	threshold := stockRecord.EffectiveThreshold(globalLowStockDefault())
	if threshold.IsPositive() && oldQty.GreaterThan(threshold) && newQty.LessThanOrEqual(threshold) {
		payload := lowStockPayload{
			ProductId:   productId,
			VariationId: variationId,
			BranchId:    branchId,
			Quantity:    newQty,
			Threshold:   threshold,
		}
		if err := PublishStockEvent(ctx, tx, businessId, StockEventTypeLowStock, stockRecord.ID, StockReferenceTypeAdjustment, payload); err != nil {
			logger := config.GetLogger()
			config.LogError(logger, stockLedgerModule, "applyStockDelta", "failed to queue low stock event", stockRecord.ID, err)
		}
	}

	return stockRecord, nil
}

// AdjustStockTx applies one delta inside the caller's transaction; used by
// the order stock coordinator, which batches several ledger writes with its
// own bookkeeping in a single transaction.
func AdjustStockTx(ctx context.Context, tx *gorm.DB, businessId string, productId int, variationId int, branchId int,
	delta decimal.Decimal, actionType StockActionType, referenceId int, referenceType StockReferenceType, note string) (*StockRecord, error) {
	return applyStockDelta(ctx, tx, businessId, productId, variationId, branchId, delta, actionType, referenceId, referenceType, note)
}

func globalLowStockDefault() decimal.Decimal {
	return decimal.NewFromInt(int64(config.LoadStockSettings().LowStockThreshold))
}

// AdjustStock is the public atomic adjust: rejects (no mutation, no
// movement) when the delta would take the quantity negative.
func AdjustStock(ctx context.Context, input *StockAdjustment) (*StockRecord, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	if err := input.validate(ctx, businessId); err != nil {
		return nil, err
	}

	db := config.GetDB()
	var stockRecord *StockRecord
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		stockRecord, err = applyStockDelta(ctx, tx, businessId, input.ProductId, input.VariationId, input.BranchId,
			input.Delta, input.ActionType, input.ReferenceId, input.ReferenceType, input.Note)
		return err
	})
	if err != nil {
		return nil, err
	}
	return stockRecord, nil
}

// SetStockInput upserts non-quantity fields and/or an absolute quantity
// (used for corrections and bulk imports). Nil pointers leave the field
// untouched.
type SetStockInput struct {
	ProductId         int              `json:"product_id" binding:"required"`
	VariationId       int              `json:"variation_id"`
	BranchId          int              `json:"branch_id" binding:"required"`
	Quantity          *decimal.Decimal `json:"quantity"`
	LowStockThreshold *decimal.Decimal `json:"low_stock_threshold"`
	ShelfLocation     *string          `json:"shelf_location"`
	StockStatus       *StockStatus     `json:"stock_status"`
	Note              string           `json:"note"`
}

func (input *SetStockInput) validate(ctx context.Context, businessId string) error {
	if input.ProductId <= 0 {
		return ErrInvalidArgument
	}
	if input.Quantity != nil && input.Quantity.IsNegative() {
		return ErrInvalidArgument
	}
	if input.LowStockThreshold != nil && input.LowStockThreshold.IsNegative() {
		return ErrInvalidArgument
	}
	if input.StockStatus != nil {
		switch *input.StockStatus {
		case StockStatusInStock, StockStatusOutOfStock, StockStatusBackordered:
		default:
			return ErrInvalidArgument
		}
	}
	if err := utils.ValidateResourceId[Branch](ctx, businessId, input.BranchId); err != nil {
		return errors.New("branch not found")
	}
	return nil
}

// SetStock upserts a stock record. A supplied quantity is applied as an
// absolute correction and journaled as one adjustment movement with
// delta = newQty - oldQty.
func SetStock(ctx context.Context, input *SetStockInput) (*StockRecord, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	if err := input.validate(ctx, businessId); err != nil {
		return nil, err
	}

	db := config.GetDB()
	var stockRecord *StockRecord
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {

		record, _, err := FirstOrCreateStockRecord(tx, businessId, input.ProductId, input.VariationId, input.BranchId)
		if err != nil {
			return err
		}

		updates := map[string]interface{}{}
		if input.LowStockThreshold != nil {
			updates["low_stock_threshold"] = *input.LowStockThreshold
			record.LowStockThreshold = *input.LowStockThreshold
		}
		if input.ShelfLocation != nil {
			updates["shelf_location"] = *input.ShelfLocation
			record.ShelfLocation = *input.ShelfLocation
		}
		if input.StockStatus != nil {
			updates["stock_status"] = *input.StockStatus
			record.StockStatus = *input.StockStatus
		}
		if len(updates) > 0 {
			if err := tx.Model(&StockRecord{}).Where("id = ?", record.ID).Updates(updates).Error; err != nil {
				return err
			}
		}

		if input.Quantity != nil {
			delta := input.Quantity.Sub(record.Quantity)
			record, err = applyStockDelta(ctx, tx, businessId, input.ProductId, input.VariationId, input.BranchId,
				delta, StockActionTypeAdjustment, 0, StockReferenceTypeAdjustment, input.Note)
			if err != nil {
				return err
			}
		}

		stockRecord = record
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stockRecord, nil
}
