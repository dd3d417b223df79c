package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"bitbucket.org/mmdatafocus/branchstock_backend/config"
	"bitbucket.org/mmdatafocus/branchstock_backend/models"
	"bitbucket.org/mmdatafocus/branchstock_backend/utils"
	"gorm.io/gorm"
)

// Replays the movement journal for every stock record and reports rows
// whose stored quantity drifted from what the chain reconstructs.
func main() {
	businessID := flag.String("business-id", "", "Optional: audit only one business. If empty, audits all.")
	branchID := flag.Int("branch-id", 0, "Optional: audit only one branch.")
	productID := flag.Int("product-id", 0, "Optional: audit only one product.")
	fix := flag.Bool("fix", false, "Write an adjustment movement that realigns each drifted record to its replayed quantity.")
	flag.Parse()

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil)")
		os.Exit(1)
	}

	ctx := context.Background()
	ctx = utils.SetActorNameInContext(ctx, "MovementAudit")

	var records []models.StockRecord
	q := db.WithContext(ctx).Model(&models.StockRecord{})
	if strings.TrimSpace(*businessID) != "" {
		q = q.Where("business_id = ?", strings.TrimSpace(*businessID))
	}
	if *branchID > 0 {
		q = q.Where("branch_id = ?", *branchID)
	}
	if *productID > 0 {
		q = q.Where("product_id = ?", *productID)
	}
	if err := q.Order("business_id, product_id, variation_id, branch_id").Find(&records).Error; err != nil {
		fmt.Fprintf(os.Stderr, "failed to list stock records: %v\n", err)
		os.Exit(1)
	}
	if len(records) == 0 {
		fmt.Println("no stock records to audit")
		return
	}

	var audited, broken, drifted, fixed int
	for _, rec := range records {
		audited++
		recCtx := utils.SetBusinessIdInContext(ctx, rec.BusinessId)

		movements, err := models.GetMovementsForKey(recCtx, rec.BusinessId, rec.ProductId, rec.VariationId, rec.BranchId)
		if err != nil {
			fmt.Fprintf(os.Stderr, "business %s key (%d,%d,%d): failed to load movements: %v\n",
				rec.BusinessId, rec.ProductId, rec.VariationId, rec.BranchId, err)
			continue
		}

		replayed, err := models.ReplayMovements(movements)
		if err != nil {
			broken++
			fmt.Printf("BROKEN CHAIN business=%s product=%d variation=%d branch=%d: %v\n",
				rec.BusinessId, rec.ProductId, rec.VariationId, rec.BranchId, err)
			continue
		}

		if replayed.Equal(rec.Quantity) {
			continue
		}
		drifted++
		fmt.Printf("DRIFT business=%s product=%d variation=%d branch=%d stored=%s replayed=%s diff=%s\n",
			rec.BusinessId, rec.ProductId, rec.VariationId, rec.BranchId,
			rec.Quantity.String(), replayed.String(), rec.Quantity.Sub(replayed).String())

		if !*fix {
			continue
		}
		// The stored row is treated as the operational truth; the journal
		// is realigned with an explicit adjustment so the chain reconciles
		// again. Everything is recomputed under the row lock in case the
		// key moved since the dry-run read.
		err = db.WithContext(recCtx).Transaction(func(tx *gorm.DB) error {
			locked, err := models.LockStockRecord(tx, rec.BusinessId, rec.ProductId, rec.VariationId, rec.BranchId)
			if err != nil {
				return err
			}
			current, err := models.GetMovementsForKey(recCtx, rec.BusinessId, rec.ProductId, rec.VariationId, rec.BranchId)
			if err != nil {
				return err
			}
			chained, err := models.ReplayMovements(current)
			if err != nil {
				return err
			}
			if chained.Equal(locked.Quantity) {
				return nil
			}
			movement := models.StockMovement{
				BusinessId:     rec.BusinessId,
				ProductId:      rec.ProductId,
				VariationId:    rec.VariationId,
				BranchId:       rec.BranchId,
				ActionType:     models.StockActionTypeAdjustment,
				Delta:          locked.Quantity.Sub(chained),
				QuantityBefore: chained,
				QuantityAfter:  locked.Quantity,
				ReferenceType:  models.StockReferenceTypeAdjustment,
				Note:           "movement audit realignment",
			}
			return tx.Create(&movement).Error
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "business %s key (%d,%d,%d): fix failed: %v\n",
				rec.BusinessId, rec.ProductId, rec.VariationId, rec.BranchId, err)
			continue
		}
		fixed++
	}

	fmt.Printf("audited=%d drifted=%d broken=%d fixed=%d\n", audited, drifted, broken, fixed)
	if drifted > 0 || broken > 0 {
		os.Exit(1)
	}
}
