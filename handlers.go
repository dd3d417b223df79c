package main

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"bitbucket.org/mmdatafocus/branchstock_backend/config"
	"bitbucket.org/mmdatafocus/branchstock_backend/models"
	"bitbucket.org/mmdatafocus/branchstock_backend/utils"
	"bitbucket.org/mmdatafocus/branchstock_backend/workflow"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// statusFromErr maps the typed model errors onto HTTP statuses.
func statusFromErr(err error) int {
	switch {
	case errors.Is(err, models.ErrNotFound), errors.Is(err, utils.ErrorRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, models.ErrInsufficientStock):
		return http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrInvalidArgument):
		return http.StatusBadRequest
	default:
		return http.StatusBadRequest
	}
}

func respondErr(c *gin.Context, err error) {
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) {
		c.JSON(http.StatusBadRequest, gin.H{"errors": utils.ProcessValidationErrors(err)})
		return
	}
	var insufficient *models.InsufficientStockError
	if errors.As(err, &insufficient) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":      insufficient.Error(),
			"shortfalls": insufficient.Shortfalls,
		})
		return
	}
	c.JSON(statusFromErr(err), gin.H{"error": err.Error()})
}

func pathId(c *gin.Context, name string) (int, bool) {
	id, err := strconv.Atoi(c.Param(name))
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": name + " must be a positive integer"})
		return 0, false
	}
	return id, true
}

func queryInt(c *gin.Context, name string) int {
	v, _ := strconv.Atoi(c.Query(name))
	return v
}

/* branches */

func createBranchHandler(c *gin.Context) {
	var input models.NewBranch
	if err := c.ShouldBindJSON(&input); err != nil {
		respondErr(c, err)
		return
	}
	branch, err := models.CreateBranch(c.Request.Context(), &input)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, branch)
}

func updateBranchHandler(c *gin.Context) {
	id, ok := pathId(c, "id")
	if !ok {
		return
	}
	var input models.NewBranch
	if err := c.ShouldBindJSON(&input); err != nil {
		respondErr(c, err)
		return
	}
	branch, err := models.UpdateBranch(c.Request.Context(), id, &input)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, branch)
}

func deleteBranchHandler(c *gin.Context) {
	id, ok := pathId(c, "id")
	if !ok {
		return
	}
	branch, err := models.DeleteBranch(c.Request.Context(), id)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, branch)
}

func getBranchHandler(c *gin.Context) {
	id, ok := pathId(c, "id")
	if !ok {
		return
	}
	branch, err := models.GetBranch(c.Request.Context(), id)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, branch)
}

func listBranchesHandler(c *gin.Context) {
	var name *string
	if v := c.Query("name"); v != "" {
		name = &v
	}
	branches, err := models.GetBranches(c.Request.Context(), name)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, branches)
}

func toggleBranchHandler(c *gin.Context) {
	id, ok := pathId(c, "id")
	if !ok {
		return
	}
	var req struct {
		IsActive *bool `json:"is_active" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, err)
		return
	}
	branch, err := models.ToggleActiveBranch(c.Request.Context(), id, *req.IsActive)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, branch)
}

/* stock ledger */

func adjustStockHandler(c *gin.Context) {
	var input models.StockAdjustment
	if err := c.ShouldBindJSON(&input); err != nil {
		respondErr(c, err)
		return
	}
	record, err := models.AdjustStock(c.Request.Context(), &input)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

func setStockHandler(c *gin.Context) {
	var input models.SetStockInput
	if err := c.ShouldBindJSON(&input); err != nil {
		respondErr(c, err)
		return
	}
	record, err := models.SetStock(c.Request.Context(), &input)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

func getStockRecordHandler(c *gin.Context) {
	record, err := models.GetStockRecord(c.Request.Context(),
		queryInt(c, "product_id"), queryInt(c, "variation_id"), queryInt(c, "branch_id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

func listStockHandler(c *gin.Context) {
	records, err := models.GetBranchStocks(c.Request.Context(), queryInt(c, "branch_id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, records)
}

func totalStockHandler(c *gin.Context) {
	total, err := models.GetTotalStock(c.Request.Context(), queryInt(c, "product_id"), queryInt(c, "variation_id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"product_id":   queryInt(c, "product_id"),
		"variation_id": queryInt(c, "variation_id"),
		"total":        total,
	})
}

func lowStockHandler(c *gin.Context) {
	settings := config.LoadStockSettings()
	globalDefault := decimal.NewFromInt(int64(settings.LowStockThreshold))
	if v := c.Query("threshold"); v != "" {
		parsed, err := utils.ParseDecimal(v)
		if err != nil {
			respondErr(c, err)
			return
		}
		globalDefault = parsed
	}
	records, err := models.ListLowStockRecords(c.Request.Context(), queryInt(c, "branch_id"), globalDefault)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, records)
}

func selectBranchHandler(c *gin.Context) {
	var req struct {
		ProductId        int              `json:"product_id" binding:"required"`
		VariationId      int              `json:"variation_id"`
		Quantity         decimal.Decimal  `json:"quantity"`
		Strategy         string           `json:"strategy"`
		CustomerLocation *models.GeoPoint `json:"customer_location"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, err)
		return
	}
	settings := config.LoadStockSettings()
	if req.Strategy != "" {
		settings.AutoSelectStrategy = req.Strategy
	}
	branchId, err := models.SelectBranchForDemand(c.Request.Context(), settings,
		req.ProductId, req.VariationId, req.Quantity, req.CustomerLocation)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"branch_id": branchId})
}

/* movements */

func listMovementsHandler(c *gin.Context) {
	filter := models.MovementFilter{
		ProductId:   queryInt(c, "product_id"),
		BranchId:    queryInt(c, "branch_id"),
		ReferenceId: queryInt(c, "reference_id"),
		ActionType:  models.StockActionType(c.Query("action_type")),
		Limit:       queryInt(c, "limit"),
	}
	if v := c.Query("variation_id"); v != "" {
		variationId, err := strconv.Atoi(v)
		if err != nil {
			respondErr(c, models.ErrInvalidArgument)
			return
		}
		filter.VariationId = &variationId
	}
	movements, err := models.GetMovements(c.Request.Context(), filter)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, movements)
}

// movementsForKeyHandler returns the full append-only journal for one
// (product, variation, branch) key plus the quantity the chain replays to.
func movementsForKeyHandler(c *gin.Context) {
	businessId, ok := utils.GetBusinessIdFromContext(c.Request.Context())
	if !ok || businessId == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	movements, err := models.GetMovementsForKey(c.Request.Context(), businessId,
		queryInt(c, "product_id"), queryInt(c, "variation_id"), queryInt(c, "branch_id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	replayed, err := models.ReplayMovements(movements)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "movements": movements})
		return
	}
	c.JSON(http.StatusOK, gin.H{"movements": movements, "replayed_quantity": replayed})
}

/* transfers */

func createTransferHandler(c *gin.Context) {
	var input models.NewTransfer
	if err := c.ShouldBindJSON(&input); err != nil {
		respondErr(c, err)
		return
	}
	transfer, err := models.CreateTransfer(c.Request.Context(), &input)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, transfer)
}

func listTransfersHandler(c *gin.Context) {
	var status *models.TransferStatus
	if v := c.Query("status"); v != "" {
		s := models.TransferStatus(v)
		status = &s
	}
	transfers, err := models.GetTransfers(c.Request.Context(), status, queryInt(c, "branch_id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, transfers)
}

func getTransferHandler(c *gin.Context) {
	id, ok := pathId(c, "id")
	if !ok {
		return
	}
	transfer, err := models.GetTransfer(c.Request.Context(), id)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, transfer)
}

func deleteTransferHandler(c *gin.Context) {
	id, ok := pathId(c, "id")
	if !ok {
		return
	}
	transfer, err := models.DeleteTransfer(c.Request.Context(), id)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, transfer)
}

func updateTransferNotesHandler(c *gin.Context) {
	id, ok := pathId(c, "id")
	if !ok {
		return
	}
	var req struct {
		Notes string `json:"notes"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, err)
		return
	}
	transfer, err := models.UpdateTransferNotes(c.Request.Context(), id, req.Notes)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, transfer)
}

func addTransferItemHandler(c *gin.Context) {
	id, ok := pathId(c, "id")
	if !ok {
		return
	}
	var input models.NewTransferItem
	if err := c.ShouldBindJSON(&input); err != nil {
		respondErr(c, err)
		return
	}
	transfer, err := models.AddTransferItem(c.Request.Context(), id, &input)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, transfer)
}

func updateTransferItemHandler(c *gin.Context) {
	id, ok := pathId(c, "id")
	if !ok {
		return
	}
	itemId, ok := pathId(c, "itemId")
	if !ok {
		return
	}
	var req struct {
		Quantity decimal.Decimal `json:"quantity"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, err)
		return
	}
	transfer, err := models.UpdateTransferItemQuantity(c.Request.Context(), id, itemId, req.Quantity)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, transfer)
}

func removeTransferItemHandler(c *gin.Context) {
	id, ok := pathId(c, "id")
	if !ok {
		return
	}
	itemId, ok := pathId(c, "itemId")
	if !ok {
		return
	}
	transfer, err := models.RemoveTransferItem(c.Request.Context(), id, itemId)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, transfer)
}

func updateTransferStatusHandler(c *gin.Context) {
	id, ok := pathId(c, "id")
	if !ok {
		return
	}
	var req struct {
		Status models.TransferStatus `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, err)
		return
	}
	transfer, err := models.UpdateTransferStatus(c.Request.Context(), id, req.Status)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, transfer)
}

/* order stock */

func deductOrderStockHandler(c *gin.Context) {
	var event workflow.OrderLifecycleEvent
	if err := c.ShouldBindJSON(&event); err != nil {
		respondErr(c, err)
		return
	}
	result, err := workflow.DeductOrderStock(c.Request.Context(), config.LoadStockSettings(), &event)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func returnOrderStockHandler(c *gin.Context) {
	var event workflow.OrderLifecycleEvent
	if err := c.ShouldBindJSON(&event); err != nil {
		respondErr(c, err)
		return
	}
	result, err := workflow.ReturnOrderStock(c.Request.Context(), &event)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func reassignOrderItemHandler(c *gin.Context) {
	var req struct {
		OrderItemId int `json:"order_item_id" binding:"required"`
		NewBranchId int `json:"new_branch_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, err)
		return
	}
	allocation, err := workflow.ReassignOrderItemBranch(c.Request.Context(), req.OrderItemId, req.NewBranchId)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, allocation)
}

func orderAllocationsHandler(c *gin.Context) {
	id, ok := pathId(c, "id")
	if !ok {
		return
	}
	allocations, err := models.GetOrderAllocations(c.Request.Context(), id)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, allocations)
}

func orderStockStateHandler(c *gin.Context) {
	id, ok := pathId(c, "id")
	if !ok {
		return
	}
	state, err := models.GetOrderStockState(c.Request.Context(), id)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

/* ops */

type outboxReplayRequest struct {
	RecordId int `json:"record_id"`
}

// outboxReplayHandler re-arms a FAILED/DEAD outbox record for the
// dispatcher to pick up again.
func outboxReplayHandler(c *gin.Context) {
	businessId, ok := utils.GetBusinessIdFromContext(c.Request.Context())
	if !ok || businessId == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var req outboxReplayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if req.RecordId <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "record_id is required"})
		return
	}

	db := config.GetDB()
	if db == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "db is nil"})
		return
	}
	now := time.Now().UTC()
	if err := db.WithContext(c.Request.Context()).
		Model(&models.StockEventRecord{}).
		Where("id = ? AND business_id = ?", req.RecordId, businessId).
		Updates(map[string]interface{}{
			"publish_status":     models.OutboxPublishStatusFailed,
			"next_attempt_at":    &now,
			"locked_at":          nil,
			"locked_by":          nil,
			"last_publish_error": nil,
		}).Error; err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"business_id":     businessId,
		"record_id":       req.RecordId,
		"publish_status":  models.OutboxPublishStatusFailed,
		"next_attempt_at": now.Format(time.RFC3339Nano),
	})
}
