// cmd/outbox-relay/main.go
package main

import (
	"context"
	"log"
	"net/http"

	"hanghae/internal/pkg/bootstrap"
	"hanghae/internal/pkg/idempotency"
	"hanghae/internal/pkg/mq"
	"hanghae/internal/pkg/mysql"
	"hanghae/internal/pkg/opshub"
	"hanghae/internal/pkg/outbox"
	"hanghae/internal/pkg/redis"
	"hanghae/internal/pkg/zookeeper"
	invapp "hanghae/internal/service/inventory/application"
	invinfra "hanghae/internal/service/inventory/infrastructure"
	"hanghae/internal/service/order/application/saga"
	orderdomain "hanghae/internal/service/order/domain"
	orderinfra "hanghae/internal/service/order/infrastructure"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
)

const serviceName = "outbox-relay"

// main 组装 outbox relay 进程：扫描 outbox 表，驱动订单 saga，
// 并把所有事件镜像到 Kafka 集成 topic。
// 集群内通过 zookeeper 锁选主，同一时刻只有一个 relay 实例在轮询。
func main() {
	bootstrap.Init()
	cfg := bootstrap.GetCurrentConfig()

	db, err := mysql.Open(cfg.Infra.Mysql.DSN)
	if err != nil {
		log.Fatalf("failed to open mysql: %v", err)
	}
	redisClient := redis.NewClient(cfg.Infra.Redis.Addr)
	tracer := otel.Tracer(serviceName)

	// saga 依赖：库存账本（直连库存库）+ 订单仓储 + 幂等守卫
	ledger := invapp.NewInventoryLedger(invinfra.NewGormStockRepository(db), cfg.Inventory.ReservationTTL, tracer)
	inventory := orderinfra.NewLedgerInventoryAdapter(ledger)
	orderRepo := orderinfra.NewGormOrderRepository(db)
	guard := idempotency.NewGuard(redisClient.GetClient(), cfg.Saga.IdempotencyTTL)
	publisher := outbox.NewGormPublisher(db)

	registry := outbox.NewRegistry()
	registry.Register(orderdomain.EventTypePaymentCompleted,
		saga.NewPaymentCompletedHandler(guard, inventory, publisher, tracer))
	registry.Register(orderdomain.EventTypeOrderCancelled,
		saga.NewOrderCancelledHandler(guard, inventory, tracer))
	registry.Register(orderdomain.EventTypeInventoryInsufficient,
		saga.NewInventoryInsufficientHandler(guard, orderRepo, tracer))

	// 所有事件额外镜像到集成 topic，供模块外的消费者订阅
	eventsWriter := mq.NewKafkaWriter(cfg.Infra.Kafka.Brokers, cfg.Infra.Kafka.Topics.Events)
	mirror := outbox.NewKafkaMirrorHandler(eventsWriter)
	registry.Register(orderdomain.EventTypePaymentCompleted, mirror)
	registry.Register(orderdomain.EventTypeOrderCancelled, mirror)
	registry.Register(orderdomain.EventTypeInventoryInsufficient, mirror)

	// 死信与运维告警
	dltWriter := mq.NewKafkaWriter(cfg.Infra.Kafka.Brokers, cfg.Infra.Kafka.Topics.DeadLetter)
	dlt := outbox.NewKafkaDeadLetterSink(dltWriter)
	hub := opshub.NewHub()

	relay := outbox.NewRelay(outbox.NewGormStore(db), registry, dlt, hub, outbox.RelayOptions{
		PollInterval: cfg.Outbox.PollInterval,
		BatchSize:    cfg.Outbox.BatchSize,
		MaxRetries:   cfg.Outbox.MaxRetries,
		StaleAfter:   cfg.Outbox.StaleAfter,
	})

	runCtx, stop := context.WithCancel(context.Background())
	go hub.Run(runCtx)
	go runRelay(runCtx, relay, cfg.Infra.Zookeeper.Servers)

	bootstrap.StartService(bootstrap.AppInfo{
		ServiceName: serviceName,
		Port:        8084,
		RegisterHandlers: func(appCtx bootstrap.AppCtx) {
			appCtx.Mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
			appCtx.Mux.Handle("/metrics", promhttp.Handler())
			appCtx.Mux.HandleFunc("/ws/alerts", hub.ServeWS)
		},
		OnShutdown: func(ctx context.Context) {
			stop()
			if err := eventsWriter.Close(); err != nil {
				log.Printf("Error closing events writer: %v", err)
			}
			if err := dltWriter.Close(); err != nil {
				log.Printf("Error closing dlt writer: %v", err)
			}
			if err := redisClient.Close(); err != nil {
				log.Printf("Error closing redis client: %v", err)
			}
		},
	})
}

// runRelay 先通过 zookeeper 锁完成选主，再启动轮询循环。
// 拿不到锁的实例阻塞等待，当前主实例退出后自动接替。
func runRelay(ctx context.Context, relay *outbox.Relay, zkServers []string) {
	if len(zkServers) > 0 {
		conn, err := zookeeper.Connect(zkServers)
		if err != nil {
			log.Printf("WARN: zookeeper unavailable, relay runs without leader election: %v", err)
		} else {
			defer conn.Close()
			lock, err := zookeeper.NewDistributedLock(conn, "outbox-relay")
			if err != nil {
				log.Printf("WARN: failed to create relay lock, running without leader election: %v", err)
			} else {
				for {
					if err := lock.Lock(); err == nil {
						defer lock.Unlock()
						break
					}
					if ctx.Err() != nil {
						return
					}
				}
			}
		}
	}
	relay.Start(ctx)
}
