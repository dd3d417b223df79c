package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/branchstock_backend/config"
	"bitbucket.org/mmdatafocus/branchstock_backend/middlewares"
	"bitbucket.org/mmdatafocus/branchstock_backend/models"
	"bitbucket.org/mmdatafocus/branchstock_backend/utils"
	"bitbucket.org/mmdatafocus/branchstock_backend/workflow"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const defaultPort = "8080"

var tracer = otel.Tracer("branchstock-server")

// depsReady flips to true once MySQL and Redis are connected. Until then
// the readiness gate answers 503 so Cloud Run keeps traffic away.
var depsReady atomic.Bool

func readinessGate() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/healthz" {
			c.Next()
			return
		}
		if !depsReady.Load() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "starting up"})
			c.Abort()
			return
		}
		c.Next()
	}
}

func corsConfig() cors.Config {
	corsCfg := cors.DefaultConfig()
	corsCfg.AllowHeaders = append(corsCfg.AllowHeaders, "Authorization", "X-Correlation-Id")
	corsCfg.ExposeHeaders = append(corsCfg.ExposeHeaders, "X-Correlation-Id")

	allowed := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if allowed != "" {
		corsCfg.AllowOrigins = strings.Split(allowed, ",")
		for i := range corsCfg.AllowOrigins {
			corsCfg.AllowOrigins[i] = strings.TrimSpace(corsCfg.AllowOrigins[i])
		}
	} else if os.Getenv("GO_ENV") == "production" {
		// No wildcard in production.
		corsCfg.AllowOrigins = []string{}
	} else {
		corsCfg.AllowAllOrigins = true
	}
	return corsCfg
}

// rateLimiter is a fixed-window limiter on Redis INCR, keyed per client IP.
// Enabled with RATE_LIMIT_ENABLED=true; fails open when Redis is down.
func rateLimiter(limit int, window time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		rdb := config.GetRedisDB()
		if rdb == nil {
			c.Next()
			return
		}
		key := fmt.Sprintf("ratelimit:%s:%d", c.ClientIP(), time.Now().Unix()/int64(window.Seconds()))
		count, err := rdb.Incr(c.Request.Context(), key).Result()
		if err != nil {
			c.Next()
			return
		}
		if count == 1 {
			rdb.Expire(c.Request.Context(), key, window)
		}
		if count > int64(limit) {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			c.Abort()
			return
		}
		c.Next()
	}
}

// pubSubPushMessage is the push-subscription envelope Google delivers.
// Data is base64 in transit; encoding/json decodes it into []byte.
type pubSubPushMessage struct {
	Message struct {
		Data       []byte            `json:"data"`
		ID         string            `json:"messageId"`
		Attributes map[string]string `json:"attributes"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

type orderLifecycleEnvelope struct {
	BusinessId string `json:"business_id"`
	workflow.OrderLifecycleEvent
}

// orderEventsPushHandler receives order lifecycle events from the commerce
// service via a Pub/Sub push subscription. Malformed messages are acked with
// 204 so they do not redeliver forever; transient failures return 500 so
// Pub/Sub retries.
func orderEventsPushHandler(settings config.StockSettings) gin.HandlerFunc {
	logger := config.GetLogger()
	return func(c *gin.Context) {
		var push pubSubPushMessage
		if err := c.ShouldBindJSON(&push); err != nil {
			config.LogError(logger, "Server", "orderEventsPushHandler", "bad push envelope", nil, err)
			c.Status(http.StatusNoContent)
			return
		}

		var envelope orderLifecycleEnvelope
		if err := json.Unmarshal(push.Message.Data, &envelope); err != nil {
			config.LogError(logger, "Server", "orderEventsPushHandler", "bad event payload", string(push.Message.Data), err)
			c.Status(http.StatusNoContent)
			return
		}
		if envelope.BusinessId == "" || envelope.OrderId <= 0 {
			config.LogError(logger, "Server", "orderEventsPushHandler", "missing business_id or order_id", envelope, nil)
			c.Status(http.StatusNoContent)
			return
		}

		event := envelope.OrderLifecycleEvent
		if event.MessageId == "" {
			event.MessageId = push.Message.ID
		}

		ctx := c.Request.Context()
		ctx = utils.SetBusinessIdInContext(ctx, envelope.BusinessId)
		if cid := push.Message.Attributes["correlation_id"]; cid != "" {
			ctx = utils.SetCorrelationIdInContext(ctx, cid)
		} else {
			ctx = utils.SetCorrelationIdInContext(ctx, uuid.NewString())
		}

		ctx, span := tracer.Start(ctx, "order-lifecycle-event")
		span.SetAttributes(
			attribute.String("business_id", envelope.BusinessId),
			attribute.Int("order_id", event.OrderId),
			attribute.String("order_status", event.Status),
		)
		defer span.End()

		result, err := workflow.ProcessOrderLifecycleEvent(ctx, settings, &event)
		if err != nil {
			if errors.Is(err, workflow.ErrIdempotencyInProgress) {
				c.Status(http.StatusInternalServerError)
				return
			}
			config.LogError(logger, "Server", "orderEventsPushHandler", "processing failed", event, err)
			c.Status(http.StatusInternalServerError)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

func setupRouter(settings config.StockSettings) *gin.Engine {
	if os.Getenv("GO_ENV") == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(readinessGate())
	r.Use(cors.New(corsConfig()))

	if os.Getenv("RATE_LIMIT_ENABLED") == "true" {
		r.Use(rateLimiter(intFromEnv("RATE_LIMIT_PER_MINUTE", 300), time.Minute))
	}

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	// Pub/Sub push endpoint; protected by the push subscription's OIDC
	// token at the infra level, not by the app JWT.
	r.POST("/events/order", orderEventsPushHandler(settings))

	api := r.Group("/api/v1", middlewares.AuthMiddleware(), middlewares.RequireBusiness())
	{
		api.GET("/branches", listBranchesHandler)
		api.POST("/branches", createBranchHandler)
		api.GET("/branches/:id", getBranchHandler)
		api.PUT("/branches/:id", updateBranchHandler)
		api.DELETE("/branches/:id", deleteBranchHandler)
		api.POST("/branches/:id/toggle-active", toggleBranchHandler)

		api.GET("/stock", listStockHandler)
		api.GET("/stock/record", getStockRecordHandler)
		api.PUT("/stock", setStockHandler)
		api.POST("/stock/adjust", adjustStockHandler)
		api.GET("/stock/total", totalStockHandler)
		api.GET("/stock/low", lowStockHandler)
		api.POST("/stock/select-branch", selectBranchHandler)

		api.GET("/movements", listMovementsHandler)
		api.GET("/movements/key", movementsForKeyHandler)

		api.POST("/transfers", createTransferHandler)
		api.GET("/transfers", listTransfersHandler)
		api.GET("/transfers/:id", getTransferHandler)
		api.DELETE("/transfers/:id", deleteTransferHandler)
		api.PUT("/transfers/:id/notes", updateTransferNotesHandler)
		api.POST("/transfers/:id/items", addTransferItemHandler)
		api.PUT("/transfers/:id/items/:itemId", updateTransferItemHandler)
		api.DELETE("/transfers/:id/items/:itemId", removeTransferItemHandler)
		api.POST("/transfers/:id/status", updateTransferStatusHandler)

		api.POST("/orders/deduct", deductOrderStockHandler)
		api.POST("/orders/return", returnOrderStockHandler)
		api.POST("/orders/reassign", reassignOrderItemHandler)
		api.GET("/orders/:id/state", orderStockStateHandler)
		api.GET("/orders/:id/allocations", orderAllocationsHandler)

		api.POST("/ops/outbox/replay", outboxReplayHandler)
	}

	return r
}

func intFromEnv(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil || n <= 0 {
		return def
	}
	return n
}

func main() {
	logger := config.GetLogger()
	settings := config.LoadStockSettings()

	port := os.Getenv("PORT")
	if port == "" {
		port = defaultPort
	}

	router := setupRouter(settings)
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Listen before connecting dependencies so Cloud Run sees the port
	// open immediately; the readiness gate rejects traffic until deps
	// are actually up.
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		logger.Fatalf("failed to listen on %s: %v", srv.Addr, err)
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("server error: %v", err)
		}
	}()
	logger.Infof("listening on :%s", port)

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	db := config.GetDB()
	if os.Getenv("SKIP_MIGRATIONS") != "true" {
		if err := models.MigrateTable(db); err != nil {
			logger.Fatalf("migration failed: %v", err)
		}
	}

	// Ledger reads under FOR UPDATE must not see snapshots taken before
	// the lock; run every pooled connection at READ COMMITTED.
	if sqlDB, err := db.DB(); err == nil {
		for i := 0; i < sqlDB.Stats().MaxOpenConnections; i++ {
			if _, err := sqlDB.Exec("SET SESSION TRANSACTION ISOLATION LEVEL READ COMMITTED"); err != nil {
				logger.Warnf("failed to set isolation level: %v", err)
				break
			}
		}
	}

	dispatcherCtx, stopDispatcher := context.WithCancel(context.Background())
	go workflow.NewOutboxDispatcher(db, logger).Run(dispatcherCtx)

	depsReady.Store(true)
	logger.Info("dependencies ready, serving traffic")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	logger.Info("shutdown signal received, draining")

	stopDispatcher()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("graceful shutdown failed: %v", err)
	}

	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
	logger.Info("shutdown complete")
}
