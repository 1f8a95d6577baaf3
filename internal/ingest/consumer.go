package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"vigil-engine/internal/definition"
	"vigil-engine/internal/models"
	"vigil-engine/pkg/redis"

	"go.uber.org/zap"
)

// Applier 指标应用接口（由状态机引擎实现）
type Applier interface {
	ApplyMetric(r models.MetricReading) (string, bool, error)
}

// Config 摄取消费者配置
type Config struct {
	Stream        string
	ConsumerGroup string
	ConsumerName  string
	Workers       int
	QueueSize     int
	BatchCount    int64
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.BatchCount <= 0 {
		c.BatchCount = 10
	}
}

// Consumer Redis Streams 指标摄取消费者
// 同一 Agent 的读数按 FNV 哈希固定分配到同一个 worker，
// 保证单 Agent 串行应用（引擎无需跨分片写锁竞争）
type Consumer struct {
	redisClient *redis.Client
	engine      Applier
	defs        *definition.Store
	config      Config
	logger      *zap.Logger

	queues []chan models.MetricReading
	wg     sync.WaitGroup
}

// NewConsumer 创建摄取消费者
func NewConsumer(redisClient *redis.Client, engine Applier, defs *definition.Store, config Config, logger *zap.Logger) *Consumer {
	config.applyDefaults()
	c := &Consumer{
		redisClient: redisClient,
		engine:      engine,
		defs:        defs,
		config:      config,
		logger:      logger,
	}
	c.queues = make([]chan models.MetricReading, config.Workers)
	for i := range c.queues {
		c.queues[i] = make(chan models.MetricReading, config.QueueSize)
	}
	return c
}

// Start 启动消费循环（阻塞直到 ctx 取消）
func (c *Consumer) Start(ctx context.Context) error {
	// 1. 确保消费者组存在
	if err := redis.CreateConsumerGroup(ctx, c.redisClient, c.config.Stream, c.config.ConsumerGroup); err != nil {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	c.logger.Info("Ingest consumer started",
		zap.String("stream", c.config.Stream),
		zap.String("group", c.config.ConsumerGroup),
		zap.String("consumer", c.config.ConsumerName),
		zap.Int("workers", c.config.Workers),
	)

	// 2. 启动 worker 池
	for i := 0; i < c.config.Workers; i++ {
		c.wg.Add(1)
		go c.runWorker(ctx, i)
	}

	// 3. 主读取循环，带指数退避
	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Ingest consumer stopping")
			for _, q := range c.queues {
				close(q)
			}
			c.wg.Wait()
			return nil
		default:
		}

		messages, err := redis.ReadFromStream(ctx, c.redisClient, c.config.Stream,
			c.config.ConsumerGroup, c.config.ConsumerName, c.config.BatchCount)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			c.logger.Error("Failed to read from stream",
				zap.String("stream", c.config.Stream),
				zap.Error(err),
			)
			time.Sleep(backoff)
			if backoff < 30*time.Second {
				backoff *= 2
				if backoff > 30*time.Second {
					backoff = 30 * time.Second
				}
			}
			continue
		}
		backoff = time.Second

		for _, msg := range messages {
			c.handleMessage(ctx, msg)
		}
	}
}

// handleMessage 解析并分发单条消息
// 无论解析成功与否都 ACK：畸形读数重投也不会变得合法，
// 记日志后丢弃，绝不让单条坏消息卡住整条流
func (c *Consumer) handleMessage(ctx context.Context, msg redis.StreamMessage) {
	reading, err := c.parse(msg)
	if err != nil {
		c.logger.Warn("Dropping malformed metric reading",
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
	} else {
		c.dispatch(reading)
	}

	if err := redis.AckMessage(ctx, c.redisClient, c.config.Stream, c.config.ConsumerGroup, msg.ID); err != nil {
		c.logger.Error("Failed to ack message",
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
	}
}

// parse 从流消息中提取指标读数并校验
func (c *Consumer) parse(msg redis.StreamMessage) (models.MetricReading, error) {
	var reading models.MetricReading

	data, ok := msg.Values["data"].(string)
	if !ok {
		return reading, &models.IngestError{Reason: "missing data field"}
	}
	if err := json.Unmarshal([]byte(data), &reading); err != nil {
		return reading, &models.IngestError{Reason: "invalid json payload", Err: err}
	}

	if reading.AgentID == "" {
		return reading, &models.IngestError{Reason: "empty agent_id"}
	}
	if reading.Metric == "" {
		return reading, &models.IngestError{Reason: "empty metric name"}
	}
	if reading.Timestamp <= 0 {
		return reading, &models.IngestError{Reason: "missing timestamp"}
	}
	if _, ok := c.defs.Current().Type(reading.AgentType); !ok {
		return reading, &models.IngestError{Reason: fmt.Sprintf("unknown agent type: %s", reading.AgentType)}
	}

	return reading, nil
}

// dispatch 按 AgentID 哈希选 worker，保证同一 Agent 串行处理
func (c *Consumer) dispatch(reading models.MetricReading) {
	h := fnv.New32a()
	h.Write([]byte(reading.AgentID))
	idx := h.Sum32() % uint32(len(c.queues))
	c.queues[idx] <- reading
}

func (c *Consumer) runWorker(ctx context.Context, id int) {
	defer c.wg.Done()

	for reading := range c.queues[id] {
		if _, _, err := c.engine.ApplyMetric(reading); err != nil {
			// 单条读数失败只记日志，不影响后续处理
			c.logger.Warn("Failed to apply metric reading",
				zap.String("agent_id", reading.AgentID),
				zap.String("metric", reading.Metric),
				zap.Error(err),
			)
		}
	}
}
