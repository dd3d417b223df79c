package models_test

import (
	"math"
	"testing"

	"bitbucket.org/mmdatafocus/branchstock_backend/models"
	"github.com/shopspring/decimal"
)

func ptrFloat(v float64) *float64 { return &v }

func dec(v string) decimal.Decimal {
	d, err := decimal.NewFromString(v)
	if err != nil {
		panic(err)
	}
	return d
}

// directoryBranches builds branches in directory order with optional
// coordinates.
func directoryBranches() []*models.Branch {
	return []*models.Branch{
		{ID: 1, Name: "Downtown", Lat: ptrFloat(41.7), Lng: ptrFloat(44.8)},
		{ID: 2, Name: "Uptown", Lat: ptrFloat(41.8), Lng: ptrFloat(44.9)},
		{ID: 3, Name: "Warehouse"},
	}
}

func stockLookup(stocks map[int]decimal.Decimal) models.BranchStockLookup {
	return func(branchId int) (decimal.Decimal, error) {
		return stocks[branchId], nil
	}
}

func TestSelectBranchMostStock(t *testing.T) {
	branches := directoryBranches()

	t.Run("strictly greater wins", func(t *testing.T) {
		lookup := stockLookup(map[int]decimal.Decimal{1: dec("5"), 2: dec("12"), 3: dec("8")})
		got, err := models.SelectBranch(models.StrategyMostStock, branches, lookup, dec("3"), 0, nil)
		if err != nil {
			t.Fatalf("SelectBranch: %v", err)
		}
		if got != 2 {
			t.Fatalf("expected branch 2, got %d", got)
		}
	})

	t.Run("tie keeps directory order", func(t *testing.T) {
		lookup := stockLookup(map[int]decimal.Decimal{1: dec("10"), 2: dec("10"), 3: dec("10")})
		got, err := models.SelectBranch(models.StrategyMostStock, branches, lookup, dec("3"), 0, nil)
		if err != nil {
			t.Fatalf("SelectBranch: %v", err)
		}
		if got != 1 {
			t.Fatalf("expected branch 1 on tie, got %d", got)
		}
	})

	t.Run("branches below demand are skipped", func(t *testing.T) {
		lookup := stockLookup(map[int]decimal.Decimal{1: dec("2"), 2: dec("4"), 3: dec("1")})
		got, err := models.SelectBranch(models.StrategyMostStock, branches, lookup, dec("3"), 0, nil)
		if err != nil {
			t.Fatalf("SelectBranch: %v", err)
		}
		if got != 2 {
			t.Fatalf("expected branch 2, got %d", got)
		}
	})

	t.Run("none cover returns zero", func(t *testing.T) {
		lookup := stockLookup(map[int]decimal.Decimal{1: dec("1"), 2: dec("2"), 3: dec("0")})
		got, err := models.SelectBranch(models.StrategyMostStock, branches, lookup, dec("5"), 0, nil)
		if err != nil {
			t.Fatalf("SelectBranch: %v", err)
		}
		if got != 0 {
			t.Fatalf("expected 0, got %d", got)
		}
	})

	t.Run("unknown strategy behaves like most_stock", func(t *testing.T) {
		lookup := stockLookup(map[int]decimal.Decimal{1: dec("5"), 2: dec("12")})
		got, err := models.SelectBranch(models.BranchSelectionStrategy("round_robin"), branches, lookup, dec("3"), 0, nil)
		if err != nil {
			t.Fatalf("SelectBranch: %v", err)
		}
		if got != 2 {
			t.Fatalf("expected branch 2, got %d", got)
		}
	})
}

func TestSelectBranchFirstAvailable(t *testing.T) {
	branches := directoryBranches()
	lookup := stockLookup(map[int]decimal.Decimal{1: dec("2"), 2: dec("7"), 3: dec("100")})

	got, err := models.SelectBranch(models.StrategyFirstAvailable, branches, lookup, dec("5"), 0, nil)
	if err != nil {
		t.Fatalf("SelectBranch: %v", err)
	}
	if got != 2 {
		t.Fatalf("expected first covering branch 2, got %d", got)
	}
}

func TestSelectBranchDefault(t *testing.T) {
	branches := directoryBranches()

	t.Run("default branch covers", func(t *testing.T) {
		lookup := stockLookup(map[int]decimal.Decimal{1: dec("50"), 2: dec("50"), 3: dec("10")})
		got, err := models.SelectBranch(models.StrategyDefault, branches, lookup, dec("5"), 3, nil)
		if err != nil {
			t.Fatalf("SelectBranch: %v", err)
		}
		if got != 3 {
			t.Fatalf("expected default branch 3, got %d", got)
		}
	})

	t.Run("default branch short falls back to first_available", func(t *testing.T) {
		lookup := stockLookup(map[int]decimal.Decimal{1: dec("1"), 2: dec("9"), 3: dec("2")})
		got, err := models.SelectBranch(models.StrategyDefault, branches, lookup, dec("5"), 3, nil)
		if err != nil {
			t.Fatalf("SelectBranch: %v", err)
		}
		if got != 2 {
			t.Fatalf("expected fallback branch 2, got %d", got)
		}
	})

	t.Run("no default configured falls back to first_available", func(t *testing.T) {
		lookup := stockLookup(map[int]decimal.Decimal{1: dec("9"), 2: dec("9")})
		got, err := models.SelectBranch(models.StrategyDefault, branches, lookup, dec("5"), 0, nil)
		if err != nil {
			t.Fatalf("SelectBranch: %v", err)
		}
		if got != 1 {
			t.Fatalf("expected branch 1, got %d", got)
		}
	})
}

func TestSelectBranchNearest(t *testing.T) {
	branches := directoryBranches()

	t.Run("closest covering branch wins", func(t *testing.T) {
		lookup := stockLookup(map[int]decimal.Decimal{1: dec("10"), 2: dec("10"), 3: dec("10")})
		customer := &models.GeoPoint{Lat: 41.71, Lng: 44.82}
		got, err := models.SelectBranch(models.StrategyNearest, branches, lookup, dec("5"), 0, customer)
		if err != nil {
			t.Fatalf("SelectBranch: %v", err)
		}
		if got != 1 {
			t.Fatalf("expected branch 1 (closest), got %d", got)
		}
	})

	t.Run("closer branch without stock loses to farther one with stock", func(t *testing.T) {
		lookup := stockLookup(map[int]decimal.Decimal{1: dec("1"), 2: dec("10")})
		customer := &models.GeoPoint{Lat: 41.71, Lng: 44.82}
		got, err := models.SelectBranch(models.StrategyNearest, branches, lookup, dec("5"), 0, customer)
		if err != nil {
			t.Fatalf("SelectBranch: %v", err)
		}
		if got != 2 {
			t.Fatalf("expected branch 2, got %d", got)
		}
	})

	t.Run("branches without coordinates never qualify", func(t *testing.T) {
		// Only the coordinate-free warehouse has stock.
		lookup := stockLookup(map[int]decimal.Decimal{3: dec("100")})
		customer := &models.GeoPoint{Lat: 41.71, Lng: 44.82}
		got, err := models.SelectBranch(models.StrategyNearest, branches, lookup, dec("5"), 0, customer)
		if err != nil {
			t.Fatalf("SelectBranch: %v", err)
		}
		if got != 0 {
			t.Fatalf("expected 0, got %d", got)
		}
	})

	t.Run("missing customer location falls back to most_stock", func(t *testing.T) {
		lookup := stockLookup(map[int]decimal.Decimal{1: dec("5"), 2: dec("8"), 3: dec("100")})
		got, err := models.SelectBranch(models.StrategyNearest, branches, lookup, dec("5"), 0, nil)
		if err != nil {
			t.Fatalf("SelectBranch: %v", err)
		}
		if got != 3 {
			t.Fatalf("expected branch 3 via most_stock fallback, got %d", got)
		}
	})
}

func TestHaversine(t *testing.T) {
	// Tbilisi to Yerevan is roughly 175 km great-circle.
	tbilisi := models.GeoPoint{Lat: 41.7151, Lng: 44.8271}
	yerevan := models.GeoPoint{Lat: 40.1792, Lng: 44.4991}

	d := models.Haversine(tbilisi, yerevan)
	if d < 160 || d > 190 {
		t.Fatalf("unexpected distance: %f km", d)
	}

	if z := models.Haversine(tbilisi, tbilisi); math.Abs(z) > 1e-9 {
		t.Fatalf("distance to self should be 0, got %f", z)
	}

	// Symmetry.
	if back := models.Haversine(yerevan, tbilisi); math.Abs(back-d) > 1e-9 {
		t.Fatalf("asymmetric distance: %f vs %f", d, back)
	}
}
