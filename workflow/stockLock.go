package workflow

import (
	"fmt"

	"gorm.io/gorm"
)

// AcquireOrderStockLock serializes order stock handling per (business, order)
// across instances using MySQL advisory locks.
// NOTE: GET_LOCK is connection-scoped, so this must be called on the same
// *gorm.DB transaction that will do the stock writes.
func AcquireOrderStockLock(tx *gorm.DB, businessId string, orderId int) error {
	lockName := fmt.Sprintf("orderstock:%s:%d", businessId, orderId)
	var ok int
	if err := tx.Raw("SELECT GET_LOCK(?, 30)", lockName).Scan(&ok).Error; err != nil {
		return err
	}
	if ok != 1 {
		return fmt.Errorf("could not acquire order stock lock for business_id=%s order_id=%d", businessId, orderId)
	}
	return nil
}

func ReleaseOrderStockLock(tx *gorm.DB, businessId string, orderId int) {
	lockName := fmt.Sprintf("orderstock:%s:%d", businessId, orderId)
	var _ok int
	_ = tx.Raw("SELECT RELEASE_LOCK(?)", lockName).Scan(&_ok).Error
}
