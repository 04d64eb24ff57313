// internal/pkg/opshub/hub.go
package opshub

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"hanghae/internal/pkg/logger"
	"hanghae/internal/pkg/outbox"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool { // 内部运维面板，允许跨域
		return true
	},
}

// Alert 是推送给运维面板的告警消息。
type Alert struct {
	EventID       uint64    `json:"eventId"`
	AggregateType string    `json:"aggregateType"`
	AggregateID   string    `json:"aggregateId"`
	EventType     string    `json:"eventType"`
	Reason        string    `json:"reason"`
	At            time.Time `json:"at"`
}

// Hub 维护所有活跃的运维连接，并负责告警广播。
// 实现 outbox.Alerter：relay 把耗尽重试的事件交到这里。
type Hub struct {
	clients    map[*client]bool
	register   chan *client
	unregister chan *client
	broadcast  chan []byte
	lock       sync.RWMutex
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, 64),
	}
}

// Run 是 Hub 的事件循环，应在独立 goroutine 中运行。
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.lock.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.lock.Unlock()
			return
		case c := <-h.register:
			h.lock.Lock()
			h.clients[c] = true
			h.lock.Unlock()
			logger.Ctx(ctx).Info().Str("remote", c.conn.RemoteAddr().String()).Msg("ops client connected")
		case c := <-h.unregister:
			h.lock.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.lock.Unlock()
		case msg := <-h.broadcast:
			h.lock.RLock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default: // 慢客户端直接丢弃本条，不阻塞广播
				}
			}
			h.lock.RUnlock()
		}
	}
}

// Alert 实现 outbox.Alerter。
func (h *Hub) Alert(ctx context.Context, event *outbox.OutboxEvent, reason string) {
	data, err := json.Marshal(Alert{
		EventID:       event.ID,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		EventType:     event.EventType,
		Reason:        reason,
		At:            time.Now(),
	})
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Msg("failed to marshal ops alert")
		return
	}
	select {
	case h.broadcast <- data:
	default:
		logger.Ctx(ctx).Warn().Msg("ops alert channel full, alert dropped")
	}
}

// ServeWS 升级一个 HTTP 连接为告警推送的 websocket 连接。
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Ctx(r.Context()).Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	c := &client{hub: h, conn: conn, send: make(chan []byte, 16)}
	h.register <- c
	go c.writePump()
	go c.readPump()
}

// client 是一个 websocket 连接的代表。
type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	for {
		// 只消费心跳，运维端不需要上行消息
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
