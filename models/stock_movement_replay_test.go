package models_test

import (
	"strings"
	"testing"

	"bitbucket.org/mmdatafocus/branchstock_backend/models"
	"github.com/shopspring/decimal"
)

func movement(id int, before, delta string) *models.StockMovement {
	b := dec(before)
	d := dec(delta)
	return &models.StockMovement{
		ID:             id,
		Delta:          d,
		QuantityBefore: b,
		QuantityAfter:  b.Add(d),
	}
}

func TestReplayMovementsReconstructsQuantity(t *testing.T) {
	chain := []*models.StockMovement{
		movement(1, "0", "20"),    // restock
		movement(2, "20", "-5"),   // sale
		movement(3, "15", "-5"),   // transfer out
		movement(4, "10", "2.5"),  // return
		movement(5, "12.5", "-1"), // adjustment
	}
	got, err := models.ReplayMovements(chain)
	if err != nil {
		t.Fatalf("ReplayMovements: %v", err)
	}
	if !got.Equal(dec("11.5")) {
		t.Fatalf("expected 11.5, got %s", got.String())
	}
}

func TestReplayMovementsEmptyChainIsZero(t *testing.T) {
	got, err := models.ReplayMovements(nil)
	if err != nil {
		t.Fatalf("ReplayMovements: %v", err)
	}
	if !got.Equal(decimal.Zero) {
		t.Fatalf("expected 0, got %s", got.String())
	}
}

func TestReplayMovementsDetectsBrokenChain(t *testing.T) {
	chain := []*models.StockMovement{
		movement(1, "0", "20"),
		movement(2, "18", "-5"), // before does not match previous after
	}
	if _, err := models.ReplayMovements(chain); err == nil {
		t.Fatal("expected chain error, got nil")
	} else if !strings.Contains(err.Error(), "does not chain") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestReplayMovementsDetectsUnreconciledEntry(t *testing.T) {
	bad := movement(2, "20", "-5")
	bad.QuantityAfter = dec("16") // should be 15
	chain := []*models.StockMovement{movement(1, "0", "20"), bad}
	if _, err := models.ReplayMovements(chain); err == nil {
		t.Fatal("expected reconcile error, got nil")
	} else if !strings.Contains(err.Error(), "does not reconcile") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestMovementBeforeSaveRejectsUnreconciledRow(t *testing.T) {
	m := &models.StockMovement{
		Delta:          dec("-5"),
		QuantityBefore: dec("20"),
		QuantityAfter:  dec("14"),
	}
	if err := m.BeforeSave(nil); err == nil {
		t.Fatal("expected BeforeSave to reject unreconciled movement")
	}

	m.QuantityAfter = dec("15")
	if err := m.BeforeSave(nil); err != nil {
		t.Fatalf("BeforeSave rejected a valid movement: %v", err)
	}
}
