// internal/pkg/bootstrap/config.go
package bootstrap

import (
	"log"
	"os"
	"sync/atomic"
	"time"

	"github.com/nacos-group/nacos-sdk-go/v2/clients"
	"github.com/nacos-group/nacos-sdk-go/v2/clients/config_client"
	"github.com/nacos-group/nacos-sdk-go/v2/common/constant"
	"github.com/nacos-group/nacos-sdk-go/v2/vo"
	"gopkg.in/yaml.v3"
)

// Config 是所有服务共享的配置结构。
// 配置来源优先级: Nacos 配置中心 > 本地 yaml 文件 > 默认值。
type Config struct {
	Infra struct {
		Mysql struct {
			DSN string `yaml:"dsn"`
		} `yaml:"mysql"`
		Redis struct {
			Addr string `yaml:"addr"`
		} `yaml:"redis"`
		Kafka struct {
			Brokers []string `yaml:"brokers"`
			Topics  struct {
				Events     string `yaml:"events"`
				DeadLetter string `yaml:"deadLetter"`
			} `yaml:"topics"`
		} `yaml:"kafka"`
		Jaeger struct {
			Endpoint string `yaml:"endpoint"`
		} `yaml:"jaeger"`
		Zookeeper struct {
			Servers []string `yaml:"servers"`
		} `yaml:"zookeeper"`
	} `yaml:"infra"`

	Outbox struct {
		PollInterval time.Duration `yaml:"pollInterval"`
		BatchSize    int           `yaml:"batchSize"`
		MaxRetries   int           `yaml:"maxRetries"`
		StaleAfter   time.Duration `yaml:"staleAfter"`
	} `yaml:"outbox"`

	Inventory struct {
		ReservationTTL time.Duration `yaml:"reservationTTL"`
		SweepInterval  time.Duration `yaml:"sweepInterval"`
	} `yaml:"inventory"`

	Promotion struct {
		QueueSlack int `yaml:"queueSlack"`
	} `yaml:"promotion"`

	Saga struct {
		IdempotencyTTL time.Duration `yaml:"idempotencyTTL"`
	} `yaml:"saga"`
}

var (
	currentConfig     atomic.Value // *Config
	nacosConfigClient config_client.IConfigClient
)

// GetCurrentConfig 返回当前生效的配置快照。
// 配置可能被 Nacos 热更新，调用方不应长期持有返回值。
func GetCurrentConfig() *Config {
	if c, ok := currentConfig.Load().(*Config); ok {
		return c
	}
	c := defaultConfig()
	currentConfig.Store(c)
	return c
}

func defaultConfig() *Config {
	c := &Config{}
	c.Infra.Mysql.DSN = getEnv("MYSQL_DSN", "root:root@tcp(localhost:3306)/hanghae?charset=utf8mb4&parseTime=True&loc=Local")
	c.Infra.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	c.Infra.Kafka.Brokers = []string{getEnv("KAFKA_BROKERS", "localhost:9092")}
	c.Infra.Kafka.Topics.Events = getEnv("KAFKA_EVENTS_TOPIC", "hanghae.domain-events")
	c.Infra.Kafka.Topics.DeadLetter = getEnv("KAFKA_DLT_TOPIC", "hanghae.domain-events.dlt")
	c.Infra.Jaeger.Endpoint = getEnv("JAEGER_ENDPOINT", "http://localhost:14268/api/traces")
	c.Infra.Zookeeper.Servers = []string{getEnv("ZOOKEEPER_SERVERS", "localhost:2181")}
	c.Outbox.PollInterval = 500 * time.Millisecond
	c.Outbox.BatchSize = 100
	c.Outbox.MaxRetries = 5
	c.Outbox.StaleAfter = 30 * time.Second
	c.Inventory.ReservationTTL = 15 * time.Minute
	c.Inventory.SweepInterval = time.Minute
	c.Promotion.QueueSlack = 5
	c.Saga.IdempotencyTTL = 24 * time.Hour
	return c
}

// Init 加载配置。必须在 StartService 之前调用。
func Init() {
	cfg := defaultConfig()

	// 1. 本地 yaml 文件覆盖默认值
	if path := os.Getenv("CONFIG_PATH"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			log.Fatalf("FATAL: cannot read config file %s: %v", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			log.Fatalf("FATAL: cannot parse config file %s: %v", path, err)
		}
	}
	currentConfig.Store(cfg)

	// 2. 可选的 Nacos 配置中心，支持热更新
	if addrs := os.Getenv("NACOS_SERVER_ADDRS"); addrs != "" {
		initNacosConfig(addrs)
	}
}

func initNacosConfig(addrs string) {
	serverConfigs, err := createNacosServerConfigs(addrs)
	if err != nil {
		log.Printf("WARN: invalid nacos address %q, config center disabled: %v", addrs, err)
		return
	}
	clientConfig := createNacosClientConfig(os.Getenv("NACOS_NAMESPACE"))

	client, err := clients.NewConfigClient(vo.NacosClientParam{
		ClientConfig:  &clientConfig,
		ServerConfigs: serverConfigs,
	})
	if err != nil {
		log.Printf("WARN: failed to create nacos config client, config center disabled: %v", err)
		return
	}
	nacosConfigClient = client

	group := getEnv("NACOS_GROUP", "DEFAULT_GROUP")
	dataID := getEnv("NACOS_CONFIG_DATA_ID", "hanghae-commerce.yaml")

	if content, err := client.GetConfig(vo.ConfigParam{DataId: dataID, Group: group}); err == nil && content != "" {
		applyRemoteConfig(content)
	}

	// 监听配置变更，原子替换当前快照
	err = client.ListenConfig(vo.ConfigParam{
		DataId: dataID,
		Group:  group,
		OnChange: func(namespace, group, dataId, data string) {
			applyRemoteConfig(data)
			log.Printf("✅ config reloaded from nacos (dataId=%s)", dataId)
		},
	})
	if err != nil {
		log.Printf("WARN: failed to listen nacos config: %v", err)
	}
}

func applyRemoteConfig(content string) {
	cfg := defaultConfig()
	if err := yaml.Unmarshal([]byte(content), cfg); err != nil {
		log.Printf("ERROR: invalid remote config ignored: %v", err)
		return
	}
	currentConfig.Store(cfg)
}

func createNacosServerConfigs(addrs string) ([]constant.ServerConfig, error) {
	return parseNacosAddrs(addrs)
}

func createNacosClientConfig(namespaceID string) constant.ClientConfig {
	return *constant.NewClientConfig(
		constant.WithNotLoadCacheAtStart(true),
		constant.WithLogDir("/tmp/nacos/log"),
		constant.WithCacheDir("/tmp/nacos/cache"),
		constant.WithLogLevel("warn"),
		constant.WithNamespaceId(namespaceID),
	)
}
