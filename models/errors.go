package models

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound          = errors.New("record not found")
	ErrInvalidState      = errors.New("operation not allowed in current state")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrInsufficientStock = errors.New("insufficient stock")
)

// StockShortfall describes one key that cannot cover a requested quantity.
type StockShortfall struct {
	ProductId   int             `json:"product_id"`
	VariationId int             `json:"variation_id"`
	BranchId    int             `json:"branch_id"`
	Requested   decimal.Decimal `json:"requested"`
	Available   decimal.Decimal `json:"available"`
}

// InsufficientStockError reports every shortfall found during a validation
// pass (transfers validate all items before mutating anything).
type InsufficientStockError struct {
	Shortfalls []StockShortfall
}

func (e *InsufficientStockError) Error() string {
	if len(e.Shortfalls) == 1 {
		s := e.Shortfalls[0]
		return fmt.Sprintf("insufficient stock: product=%d variation=%d branch=%d requested=%s available=%s",
			s.ProductId, s.VariationId, s.BranchId, s.Requested.String(), s.Available.String())
	}
	return fmt.Sprintf("insufficient stock for %d items", len(e.Shortfalls))
}

func (e *InsufficientStockError) Unwrap() error {
	return ErrInsufficientStock
}

// InvalidStateError carries the rejected transition for API error payloads.
type InvalidStateError struct {
	From TransferStatus
	To   TransferStatus
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("invalid transfer transition: %s -> %s", e.From, e.To)
}

func (e *InvalidStateError) Unwrap() error {
	return ErrInvalidState
}
