package config

import (
	"os"
	"strconv"

	"vigil-engine/pkg/config"
)

// Config 监控引擎服务配置
type Config struct {
	Database config.DatabaseConfig
	Redis    config.RedisConfig
	MQTT     config.MQTTConfig

	// 引擎特定配置
	Engine struct {
		// Agent 类型定义文件路径
		DefinitionPath string

		// 摄取配置
		Ingest struct {
			Stream        string // 指标读数所在的 Redis Stream
			ConsumerGroup string
			ConsumerName  string
			Workers       int // 摄取 worker 数，默认 8
			QueueSize     int // 每 worker 队列长度，默认 256
		}

		// 失联清扫间隔（秒），默认 10
		StaleSweepInterval int

		// 广播调度 worker 数，默认 4
		BroadcastWorkers int

		// 升级定时器 worker 数，默认 2
		EscalationWorkers int

		// 路由器配置
		Router struct {
			QueueSize   int // 每订阅者队列上限，默认 64
			MaxAttempts int // 投递重试上限，默认 5
		}

		// 实时快照缓存配置
		Cache struct {
			RealtimeKeyPrefix string // 实时快照缓存键前缀，如 "vigil:agent:"
			RealtimeSuffix    string // 实时快照缓存键后缀，如 ":realtime"
			RealtimeTTL       int    // 快照 TTL（秒），默认 60
		}
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置
func Load() (*Config, error) {
	cfg := &Config{}

	// 从环境变量加载（默认值）
	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = 5432
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "vigil")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")
	cfg.Database.LoadFromEnv("DB")

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = 0

	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "tcp://localhost:1883")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "vigil-engine")
	cfg.MQTT.LoadFromEnv("MQTT")

	// 引擎配置
	cfg.Engine.DefinitionPath = getEnv("DEFINITION_PATH", "configs/agent_types.yaml")

	cfg.Engine.Ingest.Stream = getEnv("VIGIL_INGEST_STREAM", "vigil:ingest:metrics")
	cfg.Engine.Ingest.ConsumerGroup = getEnv("INGEST_CONSUMER_GROUP", "vigil-engine")
	cfg.Engine.Ingest.ConsumerName = getEnv("INGEST_CONSUMER_NAME", hostnameOr("vigil-engine-1"))
	cfg.Engine.Ingest.Workers = getEnvInt("INGEST_WORKERS", 8)
	cfg.Engine.Ingest.QueueSize = getEnvInt("INGEST_QUEUE_SIZE", 256)

	cfg.Engine.StaleSweepInterval = getEnvInt("STALE_SWEEP_INTERVAL", 10)
	cfg.Engine.BroadcastWorkers = getEnvInt("BROADCAST_WORKERS", 4)
	cfg.Engine.EscalationWorkers = getEnvInt("ESCALATION_WORKERS", 2)

	cfg.Engine.Router.QueueSize = getEnvInt("ROUTER_QUEUE_SIZE", 64)
	cfg.Engine.Router.MaxAttempts = getEnvInt("ROUTER_MAX_ATTEMPTS", 5)

	cfg.Engine.Cache.RealtimeKeyPrefix = getEnv("CACHE_REALTIME_PREFIX", "vigil:agent:")
	cfg.Engine.Cache.RealtimeSuffix = ":realtime"
	cfg.Engine.Cache.RealtimeTTL = getEnvInt("CACHE_REALTIME_TTL", 60)

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func hostnameOr(defaultValue string) string {
	if name, err := os.Hostname(); err == nil && name != "" {
		return name
	}
	return defaultValue
}
