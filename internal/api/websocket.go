package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aiwuxian/cross-realm-atlas/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 32
)

// wsClient 一个 websocket 连接
type wsClient struct {
	conn   *websocket.Conn
	send   chan []byte
	closed int32
}

func (c *wsClient) close() {
	if atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		c.conn.Close()
	}
}

// Hub 把每次世界更新广播给所有已连接的客户端
type Hub struct {
	upgrader   websocket.Upgrader
	clients    map[*wsClient]struct{}
	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan []byte
	mu         sync.RWMutex
	logger     *zap.Logger
}

// wsEvent 推送给客户端的消息
type wsEvent struct {
	Type      string             `json:"type"`
	World     *models.WorldState `json:"world,omitempty"`
	Timestamp int64              `json:"timestamp"`
}

func NewHub(checkOrigin func(r *http.Request) bool, logger *zap.Logger) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		clients:    make(map[*wsClient]struct{}),
		register:   make(chan *wsClient, 16),
		unregister: make(chan *wsClient, 16),
		broadcast:  make(chan []byte, 256),
		logger:     logger.Named("ws"),
	}
}

// Run 主循环，ctx 结束时关闭所有连接
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			h.mu.Unlock()
			h.logger.Debug("client connected", zap.Int("clients", h.ClientCount()))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					// 慢客户端直接断开
					delete(h.clients, c)
					close(c.send)
					c.close()
				}
			}
			h.mu.Unlock()

		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
				c.close()
			}
			h.mu.Unlock()
			return
		}
	}
}

// ClientCount 当前连接数
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// WorldUpdated 实现 services.WorldObserver
func (h *Hub) WorldUpdated(world *models.WorldState) {
	msg, err := json.Marshal(wsEvent{Type: "world_updated", World: world, Timestamp: time.Now().UnixMilli()})
	if err != nil {
		h.logger.Error("encode world update", zap.Error(err))
		return
	}
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("broadcast queue full, dropping update", zap.String("world_id", world.ID))
	}
}

// Serve GET /api/ws
func (h *Hub) Serve(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	client := &wsClient{conn: conn, send: make(chan []byte, sendBuffer)}
	h.register <- client

	go h.writePump(client)
	h.readPump(client)
}

// readPump 只处理 pong 和关闭
func (h *Hub) readPump(c *wsClient) {
	defer func() {
		h.unregister <- c
		c.close()
	}()
	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
