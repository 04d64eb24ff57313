// cmd/inventory-service/main.go
package main

import (
	"context"
	"log"
	"net/http"

	"hanghae/internal/pkg/bootstrap"
	"hanghae/internal/pkg/mysql"
	"hanghae/internal/pkg/zookeeper"
	"hanghae/internal/service/inventory/application"
	"hanghae/internal/service/inventory/infrastructure"
	"hanghae/internal/service/inventory/interfaces"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
)

const serviceName = "inventory-service"

// main 函数是应用的"组装根" (Composition Root)
func main() {
	bootstrap.Init()
	cfg := bootstrap.GetCurrentConfig()

	db, err := mysql.Open(cfg.Infra.Mysql.DSN)
	if err != nil {
		log.Fatalf("failed to open mysql: %v", err)
	}
	if err := db.AutoMigrate(
		&infrastructure.StockUnitModel{},
		&infrastructure.ReservationModel{},
	); err != nil {
		log.Fatalf("failed to migrate inventory tables: %v", err)
	}

	tracer := otel.Tracer(serviceName)
	repo := infrastructure.NewGormStockRepository(db)
	ledger := application.NewInventoryLedger(repo, cfg.Inventory.ReservationTTL, tracer)

	// 清扫选主锁：多实例部署时只有拿到锁的实例执行过期清扫
	var sweepLock application.DistLock
	var zkConn *zookeeper.Conn
	if servers := cfg.Infra.Zookeeper.Servers; len(servers) > 0 {
		zkConn, err = zookeeper.Connect(servers)
		if err != nil {
			log.Printf("WARN: zookeeper unavailable, sweeper runs unguarded: %v", err)
		} else {
			sweepLock, err = zookeeper.NewDistributedLock(zkConn, "inventory-sweep")
			if err != nil {
				log.Printf("WARN: failed to create sweep lock, sweeper runs unguarded: %v", err)
				sweepLock = nil
			}
		}
	}

	sweeper := application.NewExpirySweeper(ledger, sweepLock, cfg.Inventory.SweepInterval)
	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	go sweeper.Run(sweepCtx)

	handler := interfaces.NewHTTPHandler(ledger, tracer)

	bootstrap.StartService(bootstrap.AppInfo{
		ServiceName: serviceName,
		Port:        8082,
		RegisterHandlers: func(appCtx bootstrap.AppCtx) {
			appCtx.Mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
			appCtx.Mux.Handle("/metrics", promhttp.Handler())
			handler.Register(appCtx.Mux)
		},
		OnShutdown: func(ctx context.Context) {
			stopSweeper()
			if zkConn != nil {
				zkConn.Close()
			}
		},
	})
}
