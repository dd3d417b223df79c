package workflow

import (
	"context"
	"errors"
	"fmt"

	"bitbucket.org/mmdatafocus/branchstock_backend/config"
	"bitbucket.org/mmdatafocus/branchstock_backend/models"
	"bitbucket.org/mmdatafocus/branchstock_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// The order stock coordinator reacts to order lifecycle events: statuses
// mapped to deduction take stock out of a branch, statuses mapped to
// return put it back. The per-order StockDeducted flag is the idempotency
// guard; it is read and set under the state row's FOR UPDATE lock so
// repeated or concurrent events for the same order cannot double-apply.

const orderStockModule = "OrderStockWorkflow"
const orderLifecycleHandler = "OrderLifecycleHandler"

// OrderLine is one order position as supplied by the order system.
// Lines not flagged stock-managed are ignored by the coordinator.
type OrderLine struct {
	OrderItemId  int             `json:"order_item_id" binding:"required"`
	ProductId    int             `json:"product_id" binding:"required"`
	VariationId  int             `json:"variation_id"`
	Quantity     decimal.Decimal `json:"quantity"`
	StockManaged bool            `json:"stock_managed"`
}

// OrderLifecycleEvent is the inbound message from the order system.
// MessageId, when set, enables durable dedup across redeliveries.
type OrderLifecycleEvent struct {
	MessageId        string           `json:"message_id"`
	OrderId          int              `json:"order_id" binding:"required"`
	Status           string           `json:"status" binding:"required"`
	ChosenBranchId   int              `json:"chosen_branch_id"`
	CustomerLocation *models.GeoPoint `json:"customer_location"`
	Lines            []OrderLine      `json:"lines"`
}

// LineError is a non-fatal per-line failure (no branch resolvable, or
// insufficient stock at the resolved branch).
type LineError struct {
	OrderItemId int    `json:"order_item_id"`
	ProductId   int    `json:"product_id"`
	BranchId    int    `json:"branch_id,omitempty"`
	Reason      string `json:"reason"`
}

// OrderStockResult is the aggregate outcome of one event.
type OrderStockResult struct {
	OrderId    int         `json:"order_id"`
	Action     string      `json:"action"` // deducted | returned | none
	Skipped    bool        `json:"skipped"`
	LineErrors []LineError `json:"line_errors,omitempty"`
}

type orderStockEventPayload struct {
	OrderId    int         `json:"order_id"`
	Status     string      `json:"status"`
	LineErrors []LineError `json:"line_errors,omitempty"`
}

// ProcessOrderLifecycleEvent is the single entry point for lifecycle
// events (push subscription and manual replays). Statuses outside both
// configured sets are acknowledged without touching stock.
func ProcessOrderLifecycleEvent(ctx context.Context, settings config.StockSettings, event *OrderLifecycleEvent) (*OrderStockResult, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	if event.OrderId <= 0 {
		return nil, models.ErrInvalidArgument
	}

	// Cross-instance serialization per order; the DB row lock below is the
	// real guard, this keeps competing workers from burning retries.
	release, err := utils.KeyedLock(ctx, "orderStock", fmt.Sprintf("%s:%d", businessId, event.OrderId), orderStockModule, "ProcessOrderLifecycleEvent")
	if err != nil {
		return nil, err
	}
	defer release()

	var result *OrderStockResult
	db := config.GetDB()
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {

		if event.MessageId != "" {
			skip, err := BeginIdempotency(tx, businessId, orderLifecycleHandler, event.MessageId)
			if err != nil {
				return err
			}
			if skip {
				result = &OrderStockResult{OrderId: event.OrderId, Action: "none", Skipped: true}
				return nil
			}
		}

		var err error
		switch {
		case settings.IsDeductionStatus(event.Status):
			result, err = deductOrderStockTx(ctx, tx, settings, businessId, event)
		case settings.IsReturnStatus(event.Status):
			result, err = returnOrderStockTx(ctx, tx, businessId, event)
		default:
			result = &OrderStockResult{OrderId: event.OrderId, Action: "none"}
		}
		if err != nil {
			if event.MessageId != "" {
				_ = MarkIdempotencyFailed(tx, businessId, orderLifecycleHandler, event.MessageId, err)
			}
			return err
		}

		if event.MessageId != "" {
			return MarkIdempotencySucceeded(tx, businessId, orderLifecycleHandler, event.MessageId)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// DeductOrderStock is the manual trigger (admin API); it bypasses the
// status mapping but keeps every guard.
func DeductOrderStock(ctx context.Context, settings config.StockSettings, event *OrderLifecycleEvent) (*OrderStockResult, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	var result *OrderStockResult
	db := config.GetDB()
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		result, err = deductOrderStockTx(ctx, tx, settings, businessId, event)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ReturnOrderStock is the manual trigger for returning an order's stock.
func ReturnOrderStock(ctx context.Context, event *OrderLifecycleEvent) (*OrderStockResult, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	var result *OrderStockResult
	db := config.GetDB()
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		result, err = returnOrderStockTx(ctx, tx, businessId, event)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// deductOrderStockTx processes every stock-managed line. A line that
// cannot resolve a branch or cannot be covered is recorded as an error
// and does not block the rest; the order is marked deducted regardless,
// so a human reconciles instead of the order being stuck.
func deductOrderStockTx(ctx context.Context, tx *gorm.DB, settings config.StockSettings, businessId string, event *OrderLifecycleEvent) (*OrderStockResult, error) {

	if err := AcquireOrderStockLock(tx, businessId, event.OrderId); err != nil {
		return nil, err
	}
	defer ReleaseOrderStockLock(tx, businessId, event.OrderId)

	state, err := models.FirstOrCreateOrderStockState(tx, businessId, event.OrderId)
	if err != nil {
		return nil, err
	}
	if state.StockDeducted {
		return &OrderStockResult{OrderId: event.OrderId, Action: "deducted", Skipped: true}, nil
	}

	if event.ChosenBranchId > 0 && event.ChosenBranchId != state.ChosenBranchId {
		if err := models.SetOrderChosenBranch(tx, businessId, event.OrderId, event.ChosenBranchId); err != nil {
			return nil, err
		}
		state.ChosenBranchId = event.ChosenBranchId
	}

	result := &OrderStockResult{OrderId: event.OrderId, Action: "deducted"}
	for _, line := range event.Lines {
		if !line.StockManaged {
			continue
		}
		if !line.Quantity.IsPositive() {
			result.LineErrors = append(result.LineErrors, LineError{
				OrderItemId: line.OrderItemId, ProductId: line.ProductId, Reason: "quantity must be positive",
			})
			continue
		}

		branchId, err := resolveLineBranch(ctx, tx, settings, businessId, event, line)
		if err != nil {
			return nil, err
		}
		if branchId == 0 {
			result.LineErrors = append(result.LineErrors, LineError{
				OrderItemId: line.OrderItemId, ProductId: line.ProductId, Reason: "no branch can cover this line",
			})
			continue
		}

		_, err = models.AdjustStockTx(ctx, tx, businessId, line.ProductId, line.VariationId, branchId,
			line.Quantity.Neg(), models.StockActionTypeSale, event.OrderId, models.StockReferenceTypeOrder,
			fmt.Sprintf("order %d item %d", event.OrderId, line.OrderItemId))
		if err != nil {
			if errors.Is(err, models.ErrInsufficientStock) {
				result.LineErrors = append(result.LineErrors, LineError{
					OrderItemId: line.OrderItemId, ProductId: line.ProductId, BranchId: branchId, Reason: err.Error(),
				})
				continue
			}
			return nil, err
		}

		if err := models.UpsertOrderAllocation(tx, businessId, event.OrderId, line.OrderItemId,
			line.ProductId, line.VariationId, branchId, line.Quantity); err != nil {
			return nil, err
		}
	}

	if err := models.SetOrderStockDeducted(tx, businessId, event.OrderId, true, event.Status); err != nil {
		return nil, err
	}

	payload := orderStockEventPayload{OrderId: event.OrderId, Status: event.Status, LineErrors: result.LineErrors}
	if err := models.PublishStockEvent(ctx, tx, businessId, models.StockEventTypeOrderStockDeducted,
		event.OrderId, models.StockReferenceTypeOrder, payload); err != nil {
		config.LogError(config.GetLogger(), orderStockModule, "deductOrderStockTx", "failed to queue deducted event", event.OrderId, err)
	}

	return result, nil
}

// resolveLineBranch: existing allocation wins, then the order-level chosen
// branch, then the configured auto-selection strategy.
func resolveLineBranch(ctx context.Context, tx *gorm.DB, settings config.StockSettings, businessId string,
	event *OrderLifecycleEvent, line OrderLine) (int, error) {

	allocation, err := models.GetAllocationByOrderItemTx(tx, businessId, line.OrderItemId)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return 0, err
	}
	if allocation != nil && allocation.BranchId > 0 {
		return allocation.BranchId, nil
	}
	if event.ChosenBranchId > 0 {
		return event.ChosenBranchId, nil
	}
	return models.SelectBranchForDemand(ctx, settings, line.ProductId, line.VariationId, line.Quantity, event.CustomerLocation)
}

// returnOrderStockTx reverses a deduction. When allocation rows are absent
// (earlier partial failure) but the order carried a chosen branch, a
// best-effort fallback returns every stock-managed line to that branch.
func returnOrderStockTx(ctx context.Context, tx *gorm.DB, businessId string, event *OrderLifecycleEvent) (*OrderStockResult, error) {

	if err := AcquireOrderStockLock(tx, businessId, event.OrderId); err != nil {
		return nil, err
	}
	defer ReleaseOrderStockLock(tx, businessId, event.OrderId)

	state, err := models.FirstOrCreateOrderStockState(tx, businessId, event.OrderId)
	if err != nil {
		return nil, err
	}
	if !state.StockDeducted {
		return &OrderStockResult{OrderId: event.OrderId, Action: "returned", Skipped: true}, nil
	}

	allocations, err := models.GetOrderAllocationsTx(tx, businessId, event.OrderId)
	if err != nil {
		return nil, err
	}

	result := &OrderStockResult{OrderId: event.OrderId, Action: "returned"}
	if len(allocations) > 0 {
		for _, allocation := range allocations {
			_, err := models.AdjustStockTx(ctx, tx, businessId, allocation.ProductId, allocation.VariationId, allocation.BranchId,
				allocation.Quantity, models.StockActionTypeReturn, event.OrderId, models.StockReferenceTypeOrder,
				fmt.Sprintf("order %d item %d returned", event.OrderId, allocation.OrderItemId))
			if err != nil {
				return nil, err
			}
		}
	} else if state.ChosenBranchId > 0 {
		for _, line := range event.Lines {
			if !line.StockManaged || !line.Quantity.IsPositive() {
				continue
			}
			_, err := models.AdjustStockTx(ctx, tx, businessId, line.ProductId, line.VariationId, state.ChosenBranchId,
				line.Quantity, models.StockActionTypeReturn, event.OrderId, models.StockReferenceTypeOrder,
				fmt.Sprintf("order %d item %d returned (fallback)", event.OrderId, line.OrderItemId))
			if err != nil {
				return nil, err
			}
		}
	}

	if err := models.SetOrderStockDeducted(tx, businessId, event.OrderId, false, event.Status); err != nil {
		return nil, err
	}

	payload := orderStockEventPayload{OrderId: event.OrderId, Status: event.Status}
	if err := models.PublishStockEvent(ctx, tx, businessId, models.StockEventTypeOrderStockReturned,
		event.OrderId, models.StockReferenceTypeOrder, payload); err != nil {
		config.LogError(config.GetLogger(), orderStockModule, "returnOrderStockTx", "failed to queue returned event", event.OrderId, err)
	}

	return result, nil
}

// ReassignOrderItemBranch moves an allocation to another branch. If stock
// was already deducted, the move is atomic: deduct the new branch (reject
// on shortfall, leaving everything unchanged) and return the old one.
func ReassignOrderItemBranch(ctx context.Context, orderItemId int, newBranchId int) (*models.OrderAllocation, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	if err := utils.ValidateResourceId[models.Branch](ctx, businessId, newBranchId); err != nil {
		return nil, errors.New("branch not found")
	}

	var allocation *models.OrderAllocation
	db := config.GetDB()
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {

		var err error
		allocation, err = models.GetAllocationByOrderItemTx(tx, businessId, orderItemId)
		if err != nil {
			return err
		}
		if allocation.BranchId == newBranchId {
			return nil
		}

		if err := AcquireOrderStockLock(tx, businessId, allocation.OrderId); err != nil {
			return err
		}
		defer ReleaseOrderStockLock(tx, businessId, allocation.OrderId)

		state, err := models.FirstOrCreateOrderStockState(tx, businessId, allocation.OrderId)
		if err != nil {
			return err
		}

		if state.StockDeducted {
			oldBranchId := allocation.BranchId
			// Lock both keys in branch-id order so two opposite reassignments
			// cannot deadlock.
			branchIds := []int{oldBranchId, newBranchId}
			if branchIds[0] > branchIds[1] {
				branchIds[0], branchIds[1] = branchIds[1], branchIds[0]
			}
			for _, branchId := range branchIds {
				if _, _, err := models.FirstOrCreateStockRecord(tx, businessId, allocation.ProductId, allocation.VariationId, branchId); err != nil {
					return err
				}
			}

			// Deduct the new branch first; a shortfall aborts the whole
			// transaction and the old allocation stays untouched.
			if _, err := models.AdjustStockTx(ctx, tx, businessId, allocation.ProductId, allocation.VariationId, newBranchId,
				allocation.Quantity.Neg(), models.StockActionTypeSale, allocation.OrderId, models.StockReferenceTypeOrder,
				fmt.Sprintf("order %d item %d reassigned in", allocation.OrderId, orderItemId)); err != nil {
				return err
			}
			if _, err := models.AdjustStockTx(ctx, tx, businessId, allocation.ProductId, allocation.VariationId, oldBranchId,
				allocation.Quantity, models.StockActionTypeReturn, allocation.OrderId, models.StockReferenceTypeOrder,
				fmt.Sprintf("order %d item %d reassigned out", allocation.OrderId, orderItemId)); err != nil {
				return err
			}
		}

		if err := tx.Model(&models.OrderAllocation{}).Where("id = ?", allocation.ID).
			Update("branch_id", newBranchId).Error; err != nil {
			return err
		}
		allocation.BranchId = newBranchId
		return nil
	})
	if err != nil {
		return nil, err
	}
	return allocation, nil
}
