// cmd/promotion-service/main.go
package main

import (
	"context"
	"log"
	"net/http"

	"hanghae/internal/pkg/bootstrap"
	"hanghae/internal/pkg/mysql"
	"hanghae/internal/pkg/redis"
	"hanghae/internal/service/promotion/application"
	"hanghae/internal/service/promotion/infrastructure"
	"hanghae/internal/service/promotion/infrastructure/rule"
	"hanghae/internal/service/promotion/interfaces"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
)

const serviceName = "promotion-service"

// main 函数是应用的"组装根" (Composition Root)
// 它的核心职责是：创建并组装所有依赖项，然后启动应用。
func main() {
	bootstrap.Init()
	cfg := bootstrap.GetCurrentConfig()

	db, err := mysql.Open(cfg.Infra.Mysql.DSN)
	if err != nil {
		log.Fatalf("failed to open mysql: %v", err)
	}
	if err := db.AutoMigrate(
		&infrastructure.CouponModel{},
		&infrastructure.AllocationRecordModel{},
		&infrastructure.IssuanceRecordModel{},
	); err != nil {
		log.Fatalf("failed to migrate promotion tables: %v", err)
	}

	redisClient := redis.NewClient(cfg.Infra.Redis.Addr)

	couponRepo := infrastructure.NewGormCouponRepository(db)
	allocRepo := infrastructure.NewGormAllocationRecordRepository(db)
	issuanceRepo := infrastructure.NewGormIssuanceRepository(db)

	store, err := infrastructure.NewRedisAllocationStore(redisClient, couponRepo)
	if err != nil {
		log.Fatalf("failed to create allocation store: %v", err)
	}
	ruleEngine, err := rule.NewCELRuleEngineAdapter()
	if err != nil {
		log.Fatalf("failed to create rule engine: %v", err)
	}

	tracer := otel.Tracer(serviceName)
	allocator := application.NewCouponAllocator(couponRepo, allocRepo, store, ruleEngine, tracer)
	queueWorker := application.NewCouponQueueWorker(allocator, issuanceRepo, int64(cfg.Promotion.QueueSlack))

	handler := interfaces.NewHTTPHandler(allocator, queueWorker, tracer)

	bootstrap.StartService(bootstrap.AppInfo{
		ServiceName: serviceName,
		Port:        8083,
		RegisterHandlers: func(appCtx bootstrap.AppCtx) {
			appCtx.Mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
			appCtx.Mux.Handle("/metrics", promhttp.Handler())
			handler.Register(appCtx.Mux)
		},
		OnShutdown: func(ctx context.Context) {
			queueWorker.Stop()
			allocator.Wait()
			if err := redisClient.Close(); err != nil {
				log.Printf("Error closing redis client: %v", err)
			}
		},
	})
}
