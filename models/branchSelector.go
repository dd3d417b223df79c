package models

import (
	"context"
	"errors"
	"math"

	"bitbucket.org/mmdatafocus/branchstock_backend/config"
	"bitbucket.org/mmdatafocus/branchstock_backend/utils"
	"github.com/shopspring/decimal"
)

// Branch auto-selection used when an order carries no explicit branch.
// The strategy functions are pure: they operate on an ordered branch
// slice and a stock lookup, so they are testable without a database.
// Branch order is directory order (sort_order, id) as returned by
// GetActiveBranches; tie-breaks below depend on it.

// GeoPoint is a customer location for the nearest strategy.
type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// BranchStockLookup resolves current quantity at a branch for the demand's
// product/variation. Missing records count as zero.
type BranchStockLookup func(branchId int) (decimal.Decimal, error)

const earthRadiusKm = 6371.0

// Haversine returns the great-circle distance between two points in km.
func Haversine(a GeoPoint, b GeoPoint) float64 {
	latA := a.Lat * math.Pi / 180
	latB := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(latA)*math.Cos(latB)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(h))
}

// SelectBranch picks a branch for a demand, or 0 when none qualifies.
// Fallbacks: default -> first_available, nearest without a customer
// location -> most_stock. An unknown strategy behaves like most_stock.
func SelectBranch(strategy BranchSelectionStrategy, branches []*Branch, lookup BranchStockLookup,
	quantity decimal.Decimal, defaultBranchId int, customerLocation *GeoPoint) (int, error) {

	switch strategy {
	case StrategyFirstAvailable:
		return selectFirstAvailable(branches, lookup, quantity)
	case StrategyDefault:
		return selectDefault(branches, lookup, quantity, defaultBranchId)
	case StrategyNearest:
		if customerLocation == nil {
			return selectMostStock(branches, lookup, quantity)
		}
		return selectNearest(branches, lookup, quantity, *customerLocation)
	default:
		return selectMostStock(branches, lookup, quantity)
	}
}

// most_stock: among branches that can cover the demand, the strictly
// greatest quantity wins; ties keep the earlier branch.
func selectMostStock(branches []*Branch, lookup BranchStockLookup, quantity decimal.Decimal) (int, error) {
	bestId := 0
	bestQty := decimal.Zero
	for _, branch := range branches {
		qty, err := lookup(branch.ID)
		if err != nil {
			return 0, err
		}
		if qty.LessThan(quantity) {
			continue
		}
		if bestId == 0 || qty.GreaterThan(bestQty) {
			bestId = branch.ID
			bestQty = qty
		}
	}
	return bestId, nil
}

func selectFirstAvailable(branches []*Branch, lookup BranchStockLookup, quantity decimal.Decimal) (int, error) {
	for _, branch := range branches {
		qty, err := lookup(branch.ID)
		if err != nil {
			return 0, err
		}
		if qty.GreaterThanOrEqual(quantity) {
			return branch.ID, nil
		}
	}
	return 0, nil
}

// default: the configured branch if it alone can cover the demand,
// otherwise first_available.
func selectDefault(branches []*Branch, lookup BranchStockLookup, quantity decimal.Decimal, defaultBranchId int) (int, error) {
	if defaultBranchId > 0 {
		for _, branch := range branches {
			if branch.ID != defaultBranchId {
				continue
			}
			qty, err := lookup(branch.ID)
			if err != nil {
				return 0, err
			}
			if qty.GreaterThanOrEqual(quantity) {
				return branch.ID, nil
			}
			break
		}
	}
	return selectFirstAvailable(branches, lookup, quantity)
}

// nearest: minimum great-circle distance among branches with known
// coordinates that can cover the demand; ties keep the earlier branch.
// Branches without coordinates never qualify here.
func selectNearest(branches []*Branch, lookup BranchStockLookup, quantity decimal.Decimal, location GeoPoint) (int, error) {
	bestId := 0
	bestDistance := 0.0
	for _, branch := range branches {
		if !branch.HasCoordinates() {
			continue
		}
		qty, err := lookup(branch.ID)
		if err != nil {
			return 0, err
		}
		if qty.LessThan(quantity) {
			continue
		}
		distance := Haversine(location, GeoPoint{Lat: *branch.Lat, Lng: *branch.Lng})
		if bestId == 0 || distance < bestDistance {
			bestId = branch.ID
			bestDistance = distance
		}
	}
	return bestId, nil
}

// SelectBranchForDemand is the DB-backed wrapper used by the order stock
// coordinator and the admin API.
func SelectBranchForDemand(ctx context.Context, settings config.StockSettings, productId int, variationId int,
	quantity decimal.Decimal, customerLocation *GeoPoint) (int, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return 0, errors.New("business id is required")
	}

	branches, err := GetActiveBranches(ctx, businessId)
	if err != nil {
		return 0, err
	}

	lookup := func(branchId int) (decimal.Decimal, error) {
		return GetStockQuantity(ctx, businessId, productId, variationId, branchId)
	}

	return SelectBranch(BranchSelectionStrategy(settings.AutoSelectStrategy), branches, lookup,
		quantity, settings.DefaultBranchId, customerLocation)
}
