package server

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// 事件类型
const (
	EventConnected = "connected"
	EventCommand   = "command"
	EventStatus    = "status"
	EventHeartbeat = "heartbeat"
	EventPing      = "ping"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024
	sendBuffer     = 64
)

// Event 推送给观察端的设备事件
type Event struct {
	Type      string          `json:"type"`
	DeviceID  string          `json:"device_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Client 观察某台设备事件的WebSocket连接
type Client struct {
	ID       string
	DeviceID string
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
}

// Hub 设备事件分发中心
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client

	broadcast  chan *Event
	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	log *zap.Logger
}

// NewHub 创建Hub
func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		broadcast:  make(chan *Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		log:        log,
	}
}

// Run 运行Hub直到 ctx 取消
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.ID] = c
			h.mu.Unlock()
			h.log.Info("event client connected",
				zap.String("client_id", c.ID),
				zap.String("device_id", c.DeviceID))
			h.deliver(&Event{Type: EventConnected, DeviceID: c.DeviceID, Timestamp: time.Now().Unix()}, c)
		case c := <-h.unregister:
			h.remove(c)
		case ev := <-h.broadcast:
			h.fanout(ev)
		case <-ticker.C:
			h.fanout(&Event{Type: EventPing, Timestamp: time.Now().Unix()})
		}
	}
}

// Publish 发布设备事件，缓冲区满时丢弃
func (h *Hub) Publish(eventType, deviceID string, data interface{}) {
	raw, err := json.Marshal(data)
	if err != nil {
		h.log.Error("encode event failed", zap.String("type", eventType), zap.Error(err))
		return
	}
	ev := &Event{Type: eventType, DeviceID: deviceID, Data: raw, Timestamp: time.Now().Unix()}
	select {
	case h.broadcast <- ev:
	default:
		h.log.Warn("event dropped, broadcast queue full", zap.String("type", eventType))
	}
}

// ClientCount 当前连接数
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// fanout 发送给订阅该设备的客户端，ping 发给所有人
func (h *Hub) fanout(ev *Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if ev.DeviceID == "" || c.DeviceID == ev.DeviceID {
			h.deliver(ev, c)
		}
	}
}

func (h *Hub) deliver(ev *Event, c *Client) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
		h.log.Warn("client send buffer full", zap.String("client_id", c.ID))
	}
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.ID]; ok {
		delete(h.clients, c.ID)
		close(c.send)
		h.log.Info("event client disconnected", zap.String("client_id", c.ID))
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		delete(h.clients, id)
		close(c.send)
	}
}

// Attach 注册连接并启动读写协程
func (h *Hub) Attach(conn *websocket.Conn, deviceID string) *Client {
	c := &Client{
		ID:       uuid.New().String(),
		DeviceID: deviceID,
		hub:      h,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
	}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return c
	}
	go c.writePump()
	go c.readPump()
	return c
}

// readPump 观察端只读，读取仅用于处理 pong 和关闭
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Warn("event client read error", zap.String("client_id", c.ID), zap.Error(err))
			}
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
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
