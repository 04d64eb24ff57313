// cmd/order-service/main.go
package main

import (
	"context"
	"log"
	"net/http"

	"hanghae/internal/pkg/bootstrap"
	"hanghae/internal/pkg/mq"
	"hanghae/internal/pkg/mysql"
	"hanghae/internal/pkg/outbox"
	"hanghae/internal/service/order/application"
	"hanghae/internal/service/order/infrastructure"
	"hanghae/internal/service/order/interfaces"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
)

const serviceName = "order-service"

// main 函数是应用的"组装根" (Composition Root)
// 订单状态变更与领域事件在同一事务中写入 outbox 表，
// 实际投递由独立的 outbox-relay 进程完成。
func main() {
	bootstrap.Init()
	cfg := bootstrap.GetCurrentConfig()

	db, err := mysql.Open(cfg.Infra.Mysql.DSN)
	if err != nil {
		log.Fatalf("failed to open mysql: %v", err)
	}
	if err := db.AutoMigrate(
		&infrastructure.OrderModel{},
		&outbox.OutboxEventModel{},
	); err != nil {
		log.Fatalf("failed to migrate order tables: %v", err)
	}

	tracer := otel.Tracer(serviceName)
	orderRepo := infrastructure.NewGormOrderRepository(db)
	orderService := application.NewOrderService(orderRepo, tracer)
	handler := interfaces.NewHTTPHandler(orderService, tracer)

	// 死信监听：outbox relay 放弃的事件最终在这里留痕
	dltReader := mq.NewKafkaReader(cfg.Infra.Kafka.Brokers, cfg.Infra.Kafka.Topics.DeadLetter, serviceName+"-dlt")
	dltConsumer := interfaces.NewDltConsumerAdapter(dltReader)
	dltCtx, stopDlt := context.WithCancel(context.Background())
	if err := dltConsumer.Start(dltCtx); err != nil {
		log.Fatalf("failed to start dlt consumer: %v", err)
	}

	bootstrap.StartService(bootstrap.AppInfo{
		ServiceName: serviceName,
		Port:        8081,
		RegisterHandlers: func(appCtx bootstrap.AppCtx) {
			appCtx.Mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
			appCtx.Mux.Handle("/metrics", promhttp.Handler())
			handler.Register(appCtx.Mux)
		},
		OnShutdown: func(ctx context.Context) {
			stopDlt()
			dltConsumer.Stop(ctx)
		},
	})
}
