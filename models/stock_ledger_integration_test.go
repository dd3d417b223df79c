package models_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/branchstock_backend/config"
	"bitbucket.org/mmdatafocus/branchstock_backend/models"
	"bitbucket.org/mmdatafocus/branchstock_backend/utils"
	"bitbucket.org/mmdatafocus/branchstock_backend/workflow"
	"github.com/google/uuid"
)

// End-to-end ledger behavior against real MySQL + Redis. Covers the
// oversell guard, movement/record reconciliation, the transfer lifecycle
// including in-transit cancellation, and idempotent order deduction.
func TestStockLedgerIntegration(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "branchstock_test")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	db := config.GetDB()
	if db == nil {
		t.Fatalf("db is nil after ConnectDatabaseWithRetry")
	}
	if err := models.MigrateTable(db); err != nil {
		t.Fatalf("MigrateTable: %v", err)
	}

	businessID := uuid.NewString()
	ctx := context.Background()
	ctx = utils.SetBusinessIdInContext(ctx, businessID)
	ctx = utils.SetActorIdInContext(ctx, 1)
	ctx = utils.SetActorNameInContext(ctx, "Test")
	ctx = utils.SetCorrelationIdInContext(ctx, uuid.NewString())

	downtown, err := models.CreateBranch(ctx, &models.NewBranch{Name: "Downtown", SortOrder: 1})
	if err != nil {
		t.Fatalf("CreateBranch downtown: %v", err)
	}
	uptown, err := models.CreateBranch(ctx, &models.NewBranch{Name: "Uptown", SortOrder: 2})
	if err != nil {
		t.Fatalf("CreateBranch uptown: %v", err)
	}

	const productID = 1001

	mustQty := func(t *testing.T, branchId int, want string) {
		t.Helper()
		record, err := models.GetStockRecord(ctx, productID, 0, branchId)
		if err != nil {
			t.Fatalf("GetStockRecord branch=%d: %v", branchId, err)
		}
		if !record.Quantity.Equal(dec(want)) {
			t.Fatalf("branch=%d quantity = %s, want %s", branchId, record.Quantity.String(), want)
		}
	}

	mustReplay := func(t *testing.T, branchId int) {
		t.Helper()
		movements, err := models.GetMovementsForKey(ctx, businessID, productID, 0, branchId)
		if err != nil {
			t.Fatalf("GetMovementsForKey branch=%d: %v", branchId, err)
		}
		replayed, err := models.ReplayMovements(movements)
		if err != nil {
			t.Fatalf("ReplayMovements branch=%d: %v", branchId, err)
		}
		record, err := models.GetStockRecord(ctx, productID, 0, branchId)
		if err != nil {
			t.Fatalf("GetStockRecord branch=%d: %v", branchId, err)
		}
		if !replayed.Equal(record.Quantity) {
			t.Fatalf("branch=%d journal replays to %s but record holds %s", branchId, replayed.String(), record.Quantity.String())
		}
	}

	t.Run("restock and oversell guard", func(t *testing.T) {
		_, err := models.AdjustStock(ctx, &models.StockAdjustment{
			ProductId:  productID,
			BranchId:   downtown.ID,
			Delta:      dec("20"),
			ActionType: models.StockActionTypeRestock,
			Note:       "initial delivery",
		})
		if err != nil {
			t.Fatalf("restock: %v", err)
		}
		mustQty(t, downtown.ID, "20")

		_, err = models.AdjustStock(ctx, &models.StockAdjustment{
			ProductId:  productID,
			BranchId:   downtown.ID,
			Delta:      dec("-25"),
			ActionType: models.StockActionTypeSale,
		})
		if err == nil {
			t.Fatal("expected oversell to be rejected")
		}
		var insufficient *models.InsufficientStockError
		if !errors.As(err, &insufficient) {
			t.Fatalf("expected InsufficientStockError, got %v", err)
		}
		if len(insufficient.Shortfalls) != 1 || !insufficient.Shortfalls[0].Available.Equal(dec("20")) {
			t.Fatalf("unexpected shortfalls: %+v", insufficient.Shortfalls)
		}

		// Rejected operation leaves no trace: quantity and journal untouched.
		mustQty(t, downtown.ID, "20")
		movements, err := models.GetMovementsForKey(ctx, businessID, productID, 0, downtown.ID)
		if err != nil {
			t.Fatalf("GetMovementsForKey: %v", err)
		}
		if len(movements) != 1 {
			t.Fatalf("expected 1 movement after rejected oversell, got %d", len(movements))
		}
		mustReplay(t, downtown.ID)
	})

	t.Run("transfer lifecycle", func(t *testing.T) {
		transfer, err := models.CreateTransfer(ctx, &models.NewTransfer{
			SourceBranchId:      downtown.ID,
			DestinationBranchId: uptown.ID,
			Items: []models.NewTransferItem{
				{ProductId: productID, ProductName: "Stapler", Sku: "STP-1", Quantity: dec("5")},
			},
		})
		if err != nil {
			t.Fatalf("CreateTransfer: %v", err)
		}
		if transfer.Status != models.TransferStatusDraft {
			t.Fatalf("new transfer status = %s, want draft", transfer.Status)
		}
		if !strings.HasPrefix(transfer.TransferNumber, "TRF-") {
			t.Fatalf("unexpected transfer number %q", transfer.TransferNumber)
		}

		if _, err := models.UpdateTransferStatus(ctx, transfer.ID, models.TransferStatusPending); err != nil {
			t.Fatalf("draft->pending: %v", err)
		}
		// Validation alone must not move stock.
		mustQty(t, downtown.ID, "20")

		if _, err := models.UpdateTransferStatus(ctx, transfer.ID, models.TransferStatusInTransit); err != nil {
			t.Fatalf("pending->in_transit: %v", err)
		}
		mustQty(t, downtown.ID, "15")

		if _, err := models.UpdateTransferStatus(ctx, transfer.ID, models.TransferStatusCompleted); err != nil {
			t.Fatalf("in_transit->completed: %v", err)
		}
		mustQty(t, downtown.ID, "15")
		mustQty(t, uptown.ID, "5")
		mustReplay(t, downtown.ID)
		mustReplay(t, uptown.ID)

		// Terminal state refuses further transitions.
		if _, err := models.UpdateTransferStatus(ctx, transfer.ID, models.TransferStatusCancelled); !errors.Is(err, models.ErrInvalidState) {
			t.Fatalf("expected ErrInvalidState from completed transfer, got %v", err)
		}
	})

	t.Run("in-transit cancellation restores source", func(t *testing.T) {
		transfer, err := models.CreateTransfer(ctx, &models.NewTransfer{
			SourceBranchId:      downtown.ID,
			DestinationBranchId: uptown.ID,
			Items: []models.NewTransferItem{
				{ProductId: productID, Quantity: dec("5")},
			},
		})
		if err != nil {
			t.Fatalf("CreateTransfer: %v", err)
		}
		if _, err := models.UpdateTransferStatus(ctx, transfer.ID, models.TransferStatusPending); err != nil {
			t.Fatalf("draft->pending: %v", err)
		}
		if _, err := models.UpdateTransferStatus(ctx, transfer.ID, models.TransferStatusInTransit); err != nil {
			t.Fatalf("pending->in_transit: %v", err)
		}
		mustQty(t, downtown.ID, "10")

		if _, err := models.UpdateTransferStatus(ctx, transfer.ID, models.TransferStatusCancelled); err != nil {
			t.Fatalf("in_transit->cancelled: %v", err)
		}
		mustQty(t, downtown.ID, "15")
		mustQty(t, uptown.ID, "5")
		mustReplay(t, downtown.ID)
	})

	t.Run("transfer validation reports shortfalls", func(t *testing.T) {
		transfer, err := models.CreateTransfer(ctx, &models.NewTransfer{
			SourceBranchId:      downtown.ID,
			DestinationBranchId: uptown.ID,
			Items: []models.NewTransferItem{
				{ProductId: productID, Quantity: dec("999")},
			},
		})
		if err != nil {
			t.Fatalf("CreateTransfer: %v", err)
		}
		_, err = models.UpdateTransferStatus(ctx, transfer.ID, models.TransferStatusPending)
		var insufficient *models.InsufficientStockError
		if !errors.As(err, &insufficient) {
			t.Fatalf("expected InsufficientStockError, got %v", err)
		}
		mustQty(t, downtown.ID, "15")
	})

	settings := config.LoadStockSettings()

	t.Run("order deduction is idempotent", func(t *testing.T) {
		event := &workflow.OrderLifecycleEvent{
			MessageId:      "msg-deduct-1",
			OrderId:        101,
			Status:         "processing",
			ChosenBranchId: downtown.ID,
			Lines: []workflow.OrderLine{
				{OrderItemId: 1, ProductId: productID, Quantity: dec("4"), StockManaged: true},
			},
		}
		result, err := workflow.ProcessOrderLifecycleEvent(ctx, settings, event)
		if err != nil {
			t.Fatalf("deduct: %v", err)
		}
		if result.Action != "deducted" || result.Skipped || len(result.LineErrors) != 0 {
			t.Fatalf("unexpected result: %+v", result)
		}
		mustQty(t, downtown.ID, "11")

		// Same message redelivered: durable idempotency short-circuits.
		result, err = workflow.ProcessOrderLifecycleEvent(ctx, settings, event)
		if err != nil {
			t.Fatalf("redelivery: %v", err)
		}
		if !result.Skipped {
			t.Fatalf("expected redelivery to be skipped, got %+v", result)
		}
		mustQty(t, downtown.ID, "11")

		// Fresh message id for the same order: the StockDeducted flag holds.
		event.MessageId = "msg-deduct-2"
		result, err = workflow.ProcessOrderLifecycleEvent(ctx, settings, event)
		if err != nil {
			t.Fatalf("duplicate with fresh id: %v", err)
		}
		if !result.Skipped {
			t.Fatalf("expected flag to skip duplicate, got %+v", result)
		}
		mustQty(t, downtown.ID, "11")

		allocations, err := models.GetOrderAllocations(ctx, 101)
		if err != nil {
			t.Fatalf("GetOrderAllocations: %v", err)
		}
		if len(allocations) != 1 || allocations[0].BranchId != downtown.ID || !allocations[0].Quantity.Equal(dec("4")) {
			t.Fatalf("unexpected allocations: %+v", allocations)
		}
	})

	t.Run("order return restores allocated branches", func(t *testing.T) {
		result, err := workflow.ProcessOrderLifecycleEvent(ctx, settings, &workflow.OrderLifecycleEvent{
			MessageId: "msg-return-1",
			OrderId:   101,
			Status:    "cancelled",
			Lines: []workflow.OrderLine{
				{OrderItemId: 1, ProductId: productID, Quantity: dec("4"), StockManaged: true},
			},
		})
		if err != nil {
			t.Fatalf("return: %v", err)
		}
		if result.Action != "returned" || result.Skipped {
			t.Fatalf("unexpected result: %+v", result)
		}
		mustQty(t, downtown.ID, "15")
		mustReplay(t, downtown.ID)

		state, err := models.GetOrderStockState(ctx, 101)
		if err != nil {
			t.Fatalf("GetOrderStockState: %v", err)
		}
		if state.StockDeducted {
			t.Fatal("expected StockDeducted to reset after return")
		}
	})

	t.Run("concurrent deductions never oversell", func(t *testing.T) {
		const concurrentProductID = 2002
		if _, err := models.AdjustStock(ctx, &models.StockAdjustment{
			ProductId:  concurrentProductID,
			BranchId:   downtown.ID,
			Delta:      dec("10"),
			ActionType: models.StockActionTypeRestock,
		}); err != nil {
			t.Fatalf("restock: %v", err)
		}

		results := make([]*workflow.OrderStockResult, 2)
		errs := make([]error, 2)
		var wg sync.WaitGroup
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i], errs[i] = workflow.DeductOrderStock(ctx, settings, &workflow.OrderLifecycleEvent{
					OrderId:        201 + i,
					Status:         "processing",
					ChosenBranchId: downtown.ID,
					Lines: []workflow.OrderLine{
						{OrderItemId: 10 + i, ProductId: concurrentProductID, Quantity: dec("6"), StockManaged: true},
					},
				})
			}(i)
		}
		wg.Wait()

		clean := 0
		for i := 0; i < 2; i++ {
			if errs[i] != nil {
				t.Fatalf("deduct %d: %v", i, errs[i])
			}
			if len(results[i].LineErrors) == 0 {
				clean++
			}
		}
		if clean != 1 {
			t.Fatalf("expected exactly one clean deduction, got %d", clean)
		}

		record, err := models.GetStockRecord(ctx, concurrentProductID, 0, downtown.ID)
		if err != nil {
			t.Fatalf("GetStockRecord: %v", err)
		}
		if !record.Quantity.Equal(dec("4")) {
			t.Fatalf("expected 4 left, got %s", record.Quantity.String())
		}
		if record.Quantity.IsNegative() {
			t.Fatal("stock went negative under concurrency")
		}
	})
}

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("branchstock-test-redis-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-p", "127.0.0.1:0:6379",
		"redis:7-alpine",
	)
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v", err)
	}
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "redis-cli", "ping")
		if err == nil {
			return name, port
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return "", ""
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("branchstock-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=branchstock_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
