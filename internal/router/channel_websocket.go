package router

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"vigil-engine/internal/models"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// WebSocketHub 仪表盘 WebSocket 通道
// 浏览器端以 ?client_id=xxx 连入；订阅的 Endpoint 对应 client_id
type WebSocketHub struct {
	upgrader websocket.Upgrader
	logger   *zap.Logger

	mu      sync.RWMutex
	clients map[string]*wsClient
}

type wsClient struct {
	key  string
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

// NewWebSocketHub 创建 WebSocket 集线器
func NewWebSocketHub(logger *zap.Logger) *WebSocketHub {
	return &WebSocketHub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// 仪表盘部署在网关之后，这里不做同源校验
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger:  logger,
		clients: make(map[string]*wsClient),
	}
}

func (h *WebSocketHub) Name() string {
	return "websocket"
}

// HandleConnection 处理仪表盘连接（HTTP upgrade）
func (h *WebSocketHub) HandleConnection(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		http.Error(w, "client_id is required", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade websocket", zap.Error(err))
		return
	}

	client := &wsClient{
		key:  clientID,
		conn: conn,
		send: make(chan []byte, 32),
	}

	h.mu.Lock()
	if old, exists := h.clients[clientID]; exists {
		old.shutdown()
	}
	h.clients[clientID] = client
	h.mu.Unlock()

	h.logger.Info("Dashboard client connected", zap.String("client_id", clientID))

	go h.writePump(client)
	go h.readPump(client)
}

// Send 投递信封给已连接的仪表盘客户端；客户端不在线视为 nack
func (h *WebSocketHub) Send(ctx context.Context, sub Subscription, env models.Envelope) error {
	h.mu.RLock()
	client, ok := h.clients[sub.Endpoint]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("websocket client %s not connected", sub.Endpoint)
	}

	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	select {
	case client.send <- payload:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *WebSocketHub) writePump(client *wsClient) {
	defer client.conn.Close()
	for msg := range client.send {
		if err := client.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			h.logger.Debug("Websocket write failed",
				zap.String("client_id", client.key),
				zap.Error(err),
			)
			h.unregister(client)
			return
		}
	}
}

func (h *WebSocketHub) readPump(client *wsClient) {
	// 只消费控制帧和客户端关闭；出错即注销
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			h.unregister(client)
			return
		}
	}
}

func (h *WebSocketHub) unregister(client *wsClient) {
	h.mu.Lock()
	if h.clients[client.key] == client {
		delete(h.clients, client.key)
	}
	h.mu.Unlock()
	client.shutdown()
	h.logger.Info("Dashboard client disconnected", zap.String("client_id", client.key))
}

func (c *wsClient) shutdown() {
	c.once.Do(func() {
		close(c.send)
		c.conn.Close()
	})
}
