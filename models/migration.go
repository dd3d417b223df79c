package models

import (
	"gorm.io/gorm"
)

// MigrateTable creates/updates every table this service owns.
func MigrateTable(db *gorm.DB) error {
	return db.AutoMigrate(
		&Branch{},
		&StockRecord{},
		&StockMovement{},
		&OrderStockState{},
		&OrderAllocation{},
		&Transfer{},
		&TransferItem{},
		&StockEventRecord{},
		&IdempotencyKey{},
	)
}
