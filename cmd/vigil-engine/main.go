package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"vigil-engine/internal/config"
	"vigil-engine/internal/repository"
	"vigil-engine/internal/router"
	"vigil-engine/internal/service"
	"vigil-engine/pkg/database"
	"vigil-engine/pkg/logger"
	"vigil-engine/pkg/mqtt"
	"vigil-engine/pkg/redis"

	"go.uber.org/zap"
)

func main() {
	// 1. 加载配置
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	// 2. 初始化日志
	log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "vigil-engine")
	if err != nil {
		panic(fmt.Sprintf("Failed to init logger: %v", err))
	}
	defer log.Sync()

	// 3. 连接数据库
	db, err := database.NewPostgresDB(&cfg.Database)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	// 4. 连接 Redis
	redisClient := redis.NewRedisClient(&cfg.Redis)
	defer redisClient.Close()

	// 5. 连接 MQTT（失败不致命，仅 MQTT 通道不可用）
	var channels []router.Channel
	mqttClient, err := mqtt.NewClient(&cfg.MQTT, log)
	if err != nil {
		log.Warn("MQTT broker unavailable, mqtt channel disabled", zap.Error(err))
	} else {
		defer mqttClient.Disconnect()
		channels = append(channels, router.NewMQTTChannel(mqttClient, cfg.MQTT.QoS, log))
	}
	channels = append(channels, router.NewWebhookChannel(10*time.Second, log))
	wsHub := router.NewWebSocketHub(log)
	channels = append(channels, wsHub)

	// 6. 创建仓库
	alertRepo := repository.NewAlertRepository(db, log)
	subRepo := repository.NewSubscriptionRepository(db, log)

	// 7. 创建引擎服务
	engineService, err := service.NewEngineService(cfg, redisClient, alertRepo, subRepo, channels, log)
	if err != nil {
		log.Fatal("Failed to create engine service", zap.Error(err))
	}
	defer engineService.Stop()

	// 8. 创建上下文（支持优雅关闭）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 9. WebSocket 接入点
	httpServer := &http.Server{
		Addr: getEnv("WS_LISTEN_ADDR", ":8090"),
	}
	http.HandleFunc("/ws", wsHub.HandleConnection)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("WebSocket server error", zap.Error(err))
		}
	}()

	// 10. 启动服务
	if err := engineService.Start(ctx); err != nil {
		log.Fatal("Failed to start engine service", zap.Error(err))
	}

	// 11. 等待信号（优雅关闭）
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Info("Received signal, shutting down", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)
	cancel()

	log.Info("Engine service stopped")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
