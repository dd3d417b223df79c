package config

import (
	"os"
	"strings"
)

// StockSettings carries the runtime policy for order stock handling.
// It is built once at startup and passed explicitly to the order stock
// coordinator; nothing in the ledger reads these as ambient globals.
type StockSettings struct {
	// Order statuses that trigger stock deduction / return.
	// Env: ORDER_DEDUCTION_STATUSES / ORDER_RETURN_STATUSES (comma separated).
	DeductionStatuses []string
	ReturnStatuses    []string

	// Branch auto-selection strategy used when an order carries no branch:
	// most_stock | first_available | default | nearest.
	AutoSelectStrategy string

	// Branch used by the "default" strategy.
	DefaultBranchId int

	// Global low-stock threshold applied when a stock record's own
	// threshold is 0.
	LowStockThreshold int
}

func LoadStockSettings() StockSettings {
	return StockSettings{
		DeductionStatuses:  splitStatuses(os.Getenv("ORDER_DEDUCTION_STATUSES"), []string{"processing", "completed"}),
		ReturnStatuses:     splitStatuses(os.Getenv("ORDER_RETURN_STATUSES"), []string{"cancelled", "refunded", "failed"}),
		AutoSelectStrategy: strategyFromEnv(),
		DefaultBranchId:    intFromEnv("DEFAULT_BRANCH_ID", 0),
		LowStockThreshold:  intFromEnv("LOW_STOCK_THRESHOLD", 5),
	}
}

func (s StockSettings) IsDeductionStatus(status string) bool {
	return containsStatus(s.DeductionStatuses, status)
}

func (s StockSettings) IsReturnStatus(status string) bool {
	return containsStatus(s.ReturnStatuses, status)
}

func containsStatus(list []string, status string) bool {
	status = strings.ToLower(strings.TrimSpace(status))
	for _, v := range list {
		if v == status {
			return true
		}
	}
	return false
}

func splitStatuses(raw string, def []string) []string {
	if strings.TrimSpace(raw) == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}

func strategyFromEnv() string {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("AUTO_SELECT_STRATEGY")))
	switch v {
	case "most_stock", "first_available", "default", "nearest":
		return v
	}
	return "most_stock"
}
