package models

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"bitbucket.org/mmdatafocus/branchstock_backend/config"
	"bitbucket.org/mmdatafocus/branchstock_backend/utils"
	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Transfer moves stock between two branches through a fixed lifecycle:
// draft -> pending -> in_transit -> completed, with cancellation allowed
// from any non-terminal state. Stock side-effects are applied exactly once
// per transition, through the ledger.
type Transfer struct {
	ID                  int            `gorm:"primary_key" json:"id"`
	BusinessId          string         `gorm:"size:64;not null;index:uniq_transfer_number,unique" json:"business_id"`
	TransferNumber      string         `gorm:"size:50;not null;index:uniq_transfer_number,unique" json:"transfer_number"`
	SourceBranchId      int            `gorm:"not null;index" json:"source_branch_id"`
	DestinationBranchId int            `gorm:"not null;index" json:"destination_branch_id"`
	Status              TransferStatus `gorm:"type:enum('draft','pending','in_transit','completed','cancelled');default:'draft';index" json:"status"`
	Notes               string         `gorm:"type:text" json:"notes"`
	CreatedBy           int            `json:"created_by"`
	SentBy              int            `json:"sent_by"`
	ReceivedBy          int            `json:"received_by"`
	SentAt              *time.Time     `json:"sent_at"`
	ReceivedAt          *time.Time     `json:"received_at"`
	Items               []TransferItem `gorm:"foreignKey:TransferId" json:"items"`
	CreatedAt           time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

// TransferItem snapshots product name and SKU at the time the line is
// added, so the document stays readable after catalog edits.
type TransferItem struct {
	ID          int             `gorm:"primary_key" json:"id"`
	TransferId  int             `gorm:"not null;index" json:"transfer_id"`
	ProductId   int             `gorm:"not null;index" json:"product_id"`
	VariationId int             `gorm:"not null;default:0" json:"variation_id"`
	ProductName string          `gorm:"size:255" json:"product_name"`
	Sku         string          `gorm:"size:100" json:"sku"`
	Quantity    decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"quantity"`
	CreatedAt   time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewTransfer struct {
	SourceBranchId      int               `json:"source_branch_id" binding:"required"`
	DestinationBranchId int               `json:"destination_branch_id" binding:"required"`
	Notes               string            `json:"notes"`
	Items               []NewTransferItem `json:"items"`
}

type NewTransferItem struct {
	ProductId   int             `json:"product_id" binding:"required"`
	VariationId int             `json:"variation_id"`
	ProductName string          `json:"product_name"`
	Sku         string          `json:"sku"`
	Quantity    decimal.Decimal `json:"quantity"`
}

func (input *NewTransferItem) validate() error {
	if input.ProductId <= 0 {
		return ErrInvalidArgument
	}
	if !input.Quantity.IsPositive() {
		return errors.New("transfer quantity must be positive")
	}
	return nil
}

func (input *NewTransfer) validate(ctx context.Context, businessId string) error {
	if input.SourceBranchId == input.DestinationBranchId {
		return errors.New("source and destination branches must differ")
	}
	sourceBranch, err := utils.FetchModel[Branch](ctx, businessId, input.SourceBranchId)
	if err != nil {
		return errors.New("source branch not found")
	}
	destinationBranch, err := utils.FetchModel[Branch](ctx, businessId, input.DestinationBranchId)
	if err != nil {
		return errors.New("destination branch not found")
	}
	if sourceBranch.IsActive == nil || !*sourceBranch.IsActive {
		return errors.New("source branch is inactive")
	}
	if destinationBranch.IsActive == nil || !*destinationBranch.IsActive {
		return errors.New("destination branch is inactive")
	}
	for _, item := range input.Items {
		if err := item.validate(); err != nil {
			return err
		}
	}
	return nil
}

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}

// nextTransferNumber derives the next human-readable number per business.
// Concurrent creates can collide on the unique index; CreateTransfer
// retries on duplicates.
func nextTransferNumber(tx *gorm.DB, businessId string) (string, error) {
	var count int64
	if err := tx.Model(&Transfer{}).Where("business_id = ?", businessId).Count(&count).Error; err != nil {
		return "", err
	}
	return fmt.Sprintf("TRF-%06d", count+1), nil
}

func CreateTransfer(ctx context.Context, input *NewTransfer) (*Transfer, error) {
	db := config.GetDB()

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	if err := input.validate(ctx, businessId); err != nil {
		return nil, err
	}

	var transferItems []TransferItem
	for _, item := range input.Items {
		transferItems = append(transferItems, TransferItem{
			ProductId:   item.ProductId,
			VariationId: item.VariationId,
			ProductName: item.ProductName,
			Sku:         item.Sku,
			Quantity:    item.Quantity,
		})
	}

	var transfer Transfer
	// Retry a few times: the transfer number is derived from a count and
	// two concurrent creates can race into the unique index.
	for attempt := 0; attempt < 3; attempt++ {
		transfer = Transfer{
			BusinessId:          businessId,
			SourceBranchId:      input.SourceBranchId,
			DestinationBranchId: input.DestinationBranchId,
			Status:              TransferStatusDraft,
			Notes:               input.Notes,
			CreatedBy:           actorIdFromContext(ctx),
			Items:               transferItems,
		}

		err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			number, err := nextTransferNumber(tx, businessId)
			if err != nil {
				return err
			}
			transfer.TransferNumber = number
			return tx.Create(&transfer).Error
		})
		if err == nil {
			return &transfer, nil
		}
		if !isDuplicateKeyErr(err) {
			return nil, err
		}
	}
	return nil, errors.New("could not allocate a transfer number")
}

// UpdateTransferNotes edits the free-text notes; allowed in any
// non-terminal state.
func UpdateTransferNotes(ctx context.Context, id int, notes string) (*Transfer, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	transfer, err := utils.FetchModel[Transfer](ctx, businessId, id, "Items")
	if err != nil {
		return nil, err
	}
	if transfer.Status.IsTerminal() {
		return nil, &InvalidStateError{From: transfer.Status, To: transfer.Status}
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Model(&Transfer{}).Where("id = ?", transfer.ID).
		Update("notes", notes).Error; err != nil {
		return nil, err
	}
	transfer.Notes = notes
	return transfer, nil
}

// Item mutation is permitted only while the transfer is a draft.

func AddTransferItem(ctx context.Context, transferId int, input *NewTransferItem) (*Transfer, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	if err := input.validate(); err != nil {
		return nil, err
	}

	transfer, err := utils.FetchModel[Transfer](ctx, businessId, transferId)
	if err != nil {
		return nil, err
	}
	if transfer.Status != TransferStatusDraft {
		return nil, &InvalidStateError{From: transfer.Status, To: transfer.Status}
	}

	item := TransferItem{
		TransferId:  transfer.ID,
		ProductId:   input.ProductId,
		VariationId: input.VariationId,
		ProductName: input.ProductName,
		Sku:         input.Sku,
		Quantity:    input.Quantity,
	}
	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&item).Error; err != nil {
		return nil, err
	}
	return utils.FetchModel[Transfer](ctx, businessId, transferId, "Items")
}

func UpdateTransferItemQuantity(ctx context.Context, transferId int, itemId int, quantity decimal.Decimal) (*Transfer, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	if !quantity.IsPositive() {
		return nil, errors.New("transfer quantity must be positive")
	}

	transfer, err := utils.FetchModel[Transfer](ctx, businessId, transferId)
	if err != nil {
		return nil, err
	}
	if transfer.Status != TransferStatusDraft {
		return nil, &InvalidStateError{From: transfer.Status, To: transfer.Status}
	}

	db := config.GetDB()
	result := db.WithContext(ctx).Model(&TransferItem{}).
		Where("id = ? AND transfer_id = ?", itemId, transfer.ID).
		Update("quantity", quantity)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return utils.FetchModel[Transfer](ctx, businessId, transferId, "Items")
}

func RemoveTransferItem(ctx context.Context, transferId int, itemId int) (*Transfer, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	transfer, err := utils.FetchModel[Transfer](ctx, businessId, transferId)
	if err != nil {
		return nil, err
	}
	if transfer.Status != TransferStatusDraft {
		return nil, &InvalidStateError{From: transfer.Status, To: transfer.Status}
	}

	db := config.GetDB()
	result := db.WithContext(ctx).
		Where("id = ? AND transfer_id = ?", itemId, transfer.ID).
		Delete(&TransferItem{})
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return utils.FetchModel[Transfer](ctx, businessId, transferId, "Items")
}

// ValidateTransferTransition is the pure state machine check.
func ValidateTransferTransition(from TransferStatus, to TransferStatus) error {
	allowed := map[TransferStatus][]TransferStatus{
		TransferStatusDraft:     {TransferStatusPending, TransferStatusCancelled},
		TransferStatusPending:   {TransferStatusInTransit, TransferStatusCancelled},
		TransferStatusInTransit: {TransferStatusCompleted, TransferStatusCancelled},
	}
	for _, next := range allowed[from] {
		if next == to {
			return nil
		}
	}
	return &InvalidStateError{From: from, To: to}
}

// stockKey orders the (product, variation, branch) tuples touched by a
// transition so every transition locks rows in the same global order.
type stockKey struct {
	ProductId   int
	VariationId int
	BranchId    int
}

func sortedTransferKeys(items []TransferItem, branchId int) []stockKey {
	keys := make([]stockKey, 0, len(items))
	seen := make(map[stockKey]bool, len(items))
	for _, item := range items {
		key := stockKey{ProductId: item.ProductId, VariationId: item.VariationId, BranchId: branchId}
		if !seen[key] {
			seen[key] = true
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].ProductId != keys[j].ProductId {
			return keys[i].ProductId < keys[j].ProductId
		}
		if keys[i].VariationId != keys[j].VariationId {
			return keys[i].VariationId < keys[j].VariationId
		}
		return keys[i].BranchId < keys[j].BranchId
	})
	return keys
}

// lockAndValidateSourceStock locks all source rows in key order and
// reports every shortfall in one pass; any shortfall blocks the whole
// transition.
func lockAndValidateSourceStock(tx *gorm.DB, businessId string, transfer *Transfer) error {
	locked := make(map[stockKey]*StockRecord)
	for _, key := range sortedTransferKeys(transfer.Items, transfer.SourceBranchId) {
		record, _, err := FirstOrCreateStockRecord(tx, businessId, key.ProductId, key.VariationId, key.BranchId)
		if err != nil {
			return err
		}
		locked[key] = record
	}

	var shortfalls []StockShortfall
	needed := make(map[stockKey]decimal.Decimal)
	for _, item := range transfer.Items {
		key := stockKey{ProductId: item.ProductId, VariationId: item.VariationId, BranchId: transfer.SourceBranchId}
		needed[key] = needed[key].Add(item.Quantity)
	}
	for key, requested := range needed {
		record := locked[key]
		if record.Quantity.LessThan(requested) {
			shortfalls = append(shortfalls, StockShortfall{
				ProductId:   key.ProductId,
				VariationId: key.VariationId,
				BranchId:    key.BranchId,
				Requested:   requested,
				Available:   record.Quantity,
			})
		}
	}
	if len(shortfalls) > 0 {
		sort.Slice(shortfalls, func(i, j int) bool {
			if shortfalls[i].ProductId != shortfalls[j].ProductId {
				return shortfalls[i].ProductId < shortfalls[j].ProductId
			}
			return shortfalls[i].VariationId < shortfalls[j].VariationId
		})
		return &InsufficientStockError{Shortfalls: shortfalls}
	}
	return nil
}

type transferStatusPayload struct {
	TransferId     int            `json:"transfer_id"`
	TransferNumber string         `json:"transfer_number"`
	FromStatus     TransferStatus `json:"from_status"`
	ToStatus       TransferStatus `json:"to_status"`
}

// UpdateTransferStatus drives the state machine. The transfer row is
// locked FOR UPDATE so concurrent transitions on the same transfer
// serialize; stock rows are locked in global key order so two transfers
// moving stock in opposite directions cannot deadlock.
func UpdateTransferStatus(ctx context.Context, id int, to TransferStatus) (*Transfer, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	db := config.GetDB()
	var transfer Transfer
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {

		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("business_id = ?", businessId).
			First(&transfer, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if err := tx.Where("transfer_id = ?", transfer.ID).Order("id").Find(&transfer.Items).Error; err != nil {
			return err
		}

		from := transfer.Status
		if err := ValidateTransferTransition(from, to); err != nil {
			return err
		}

		now := time.Now().UTC()
		updates := map[string]interface{}{"status": to}

		switch {
		case from == TransferStatusDraft && to == TransferStatusPending:
			if len(transfer.Items) == 0 {
				return errors.New("transfer has no items")
			}
			// Validation only; nothing moves until the goods leave.
			if err := lockAndValidateSourceStock(tx, businessId, &transfer); err != nil {
				return err
			}

		case from == TransferStatusPending && to == TransferStatusInTransit:
			// Stock may have changed since the pending validation; re-check
			// under the same locks, then deduct the source per item.
			if err := lockAndValidateSourceStock(tx, businessId, &transfer); err != nil {
				return err
			}
			for _, item := range transfer.Items {
				if _, err := applyStockDelta(ctx, tx, businessId, item.ProductId, item.VariationId, transfer.SourceBranchId,
					item.Quantity.Neg(), StockActionTypeTransferOut, transfer.ID, StockReferenceTypeTransfer,
					"transfer "+transfer.TransferNumber+" dispatched"); err != nil {
					return err
				}
			}
			updates["sent_by"] = actorIdFromContext(ctx)
			updates["sent_at"] = &now

		case from == TransferStatusInTransit && to == TransferStatusCompleted:
			// Lock destination rows in key order before applying.
			for _, key := range sortedTransferKeys(transfer.Items, transfer.DestinationBranchId) {
				if _, _, err := FirstOrCreateStockRecord(tx, businessId, key.ProductId, key.VariationId, key.BranchId); err != nil {
					return err
				}
			}
			for _, item := range transfer.Items {
				if _, err := applyStockDelta(ctx, tx, businessId, item.ProductId, item.VariationId, transfer.DestinationBranchId,
					item.Quantity, StockActionTypeTransferIn, transfer.ID, StockReferenceTypeTransfer,
					"transfer "+transfer.TransferNumber+" received"); err != nil {
					return err
				}
			}
			updates["received_by"] = actorIdFromContext(ctx)
			updates["received_at"] = &now

		case to == TransferStatusCancelled:
			if from == TransferStatusInTransit {
				// Goods already left the source; reverse the deduction there.
				for _, key := range sortedTransferKeys(transfer.Items, transfer.SourceBranchId) {
					if _, _, err := FirstOrCreateStockRecord(tx, businessId, key.ProductId, key.VariationId, key.BranchId); err != nil {
						return err
					}
				}
				for _, item := range transfer.Items {
					if _, err := applyStockDelta(ctx, tx, businessId, item.ProductId, item.VariationId, transfer.SourceBranchId,
						item.Quantity, StockActionTypeTransferIn, transfer.ID, StockReferenceTypeTransfer,
						"transfer "+transfer.TransferNumber+" cancelled in transit"); err != nil {
						return err
					}
				}
			}
			// draft/pending cancel moves nothing.
		}

		if err := tx.Model(&Transfer{}).Where("id = ?", transfer.ID).Updates(updates).Error; err != nil {
			return err
		}
		transfer.Status = to

		payload := transferStatusPayload{
			TransferId:     transfer.ID,
			TransferNumber: transfer.TransferNumber,
			FromStatus:     from,
			ToStatus:       to,
		}
		if err := PublishStockEvent(ctx, tx, businessId, StockEventTypeTransferStatusChanged, transfer.ID, StockReferenceTypeTransfer, payload); err != nil {
			logger := config.GetLogger()
			config.LogError(logger, "TransferEngine", "UpdateTransferStatus", "failed to queue transfer event", transfer.ID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	InvalidateResourceCache[Transfer](id)
	return &transfer, nil
}

// DeleteTransfer removes a transfer and its items; drafts only.
func DeleteTransfer(ctx context.Context, id int) (*Transfer, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	transfer, err := utils.FetchModel[Transfer](ctx, businessId, id, "Items")
	if err != nil {
		return nil, err
	}
	if transfer.Status != TransferStatusDraft {
		return nil, &InvalidStateError{From: transfer.Status, To: transfer.Status}
	}

	db := config.GetDB()
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("transfer_id = ?", transfer.ID).Delete(&TransferItem{}).Error; err != nil {
			return err
		}
		return tx.Delete(&Transfer{}, transfer.ID).Error
	})
	if err != nil {
		return nil, err
	}

	InvalidateResourceCache[Transfer](id)
	return transfer, nil
}

func GetTransfer(ctx context.Context, id int) (*Transfer, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	return utils.FetchModel[Transfer](ctx, businessId, id, "Items")
}

func GetTransfers(ctx context.Context, status *TransferStatus, branchId int) ([]*Transfer, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Where("business_id = ?", businessId)
	if status != nil && *status != "" {
		dbCtx = dbCtx.Where("status = ?", *status)
	}
	if branchId > 0 {
		dbCtx = dbCtx.Where("source_branch_id = ? OR destination_branch_id = ?", branchId, branchId)
	}

	var transfers []*Transfer
	if err := dbCtx.Preload("Items").Order("id DESC").Find(&transfers).Error; err != nil {
		return nil, err
	}
	return transfers, nil
}
