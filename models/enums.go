package models

type StockActionType string

const (
	StockActionTypeSale        StockActionType = "sale"
	StockActionTypeRestock     StockActionType = "restock"
	StockActionTypeTransferIn  StockActionType = "transfer_in"
	StockActionTypeTransferOut StockActionType = "transfer_out"
	StockActionTypeAdjustment  StockActionType = "adjustment"
	StockActionTypeReturn      StockActionType = "return"
)

type StockStatus string

const (
	StockStatusInStock     StockStatus = "in_stock"
	StockStatusOutOfStock  StockStatus = "out_of_stock"
	StockStatusBackordered StockStatus = "backordered"
)

type TransferStatus string

const (
	TransferStatusDraft     TransferStatus = "draft"
	TransferStatusPending   TransferStatus = "pending"
	TransferStatusInTransit TransferStatus = "in_transit"
	TransferStatusCompleted TransferStatus = "completed"
	TransferStatusCancelled TransferStatus = "cancelled"
)

// IsTerminal reports whether no further transition is allowed.
func (s TransferStatus) IsTerminal() bool {
	return s == TransferStatusCompleted || s == TransferStatusCancelled
}

type BranchSelectionStrategy string

const (
	StrategyMostStock      BranchSelectionStrategy = "most_stock"
	StrategyFirstAvailable BranchSelectionStrategy = "first_available"
	StrategyDefault        BranchSelectionStrategy = "default"
	StrategyNearest        BranchSelectionStrategy = "nearest"
)

// StockReferenceType tags what a movement or outbound event refers to.
type StockReferenceType string

const (
	StockReferenceTypeOrder      StockReferenceType = "OR"
	StockReferenceTypeTransfer   StockReferenceType = "TR"
	StockReferenceTypeAdjustment StockReferenceType = "ADJ"
	StockReferenceTypeImport     StockReferenceType = "IMP"
)

// Outbound stock event types written to the outbox.
const (
	StockEventTypeLowStock              = "stock.low_stock_crossed"
	StockEventTypeOrderStockDeducted    = "order.stock_deducted"
	StockEventTypeOrderStockReturned    = "order.stock_returned"
	StockEventTypeTransferStatusChanged = "transfer.status_changed"
)

// Outbox publish statuses for StockEventRecord.PublishStatus.
// Keep these as strings (DB values) for backwards compatibility.
const (
	OutboxPublishStatusPending    = "PENDING"
	OutboxPublishStatusProcessing = "PROCESSING"
	OutboxPublishStatusSent       = "SENT"
	OutboxPublishStatusFailed     = "FAILED"
	OutboxPublishStatusDead       = "DEAD"
)
