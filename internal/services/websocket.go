package services

import (
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// NotificationMessage 推送给前端的通知消息
type NotificationMessage struct {
	Type      string      `json:"type"`
	UserID    uint        `json:"user_id"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

type NotificationClient struct {
	ID     string
	UserID uint
	Conn   *websocket.Conn
	Send   chan NotificationMessage
	Hub    *NotificationHub
}

// NotificationHub fans notification pushes out to connected clients,
// filtered by user id.
type NotificationHub struct {
	clients    map[string]*NotificationClient
	broadcast  chan NotificationMessage
	register   chan *NotificationClient
	unregister chan *NotificationClient
	mutex      sync.RWMutex
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // 生产环境需要验证源
	},
}

func NewNotificationHub() *NotificationHub {
	return &NotificationHub{
		clients:    make(map[string]*NotificationClient),
		broadcast:  make(chan NotificationMessage, 64),
		register:   make(chan *NotificationClient),
		unregister: make(chan *NotificationClient),
	}
}

func (h *NotificationHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client.ID] = client
			h.mutex.Unlock()
			logrus.Infof("Notification client %s connected", client.ID)

		case client := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[client.ID]; ok {
				delete(h.clients, client.ID)
				close(client.Send)
				logrus.Infof("Notification client %s disconnected", client.ID)
			}
			h.mutex.Unlock()

		case message := <-h.broadcast:
			h.mutex.Lock()
			for id, client := range h.clients {
				if message.UserID != 0 && client.UserID != message.UserID {
					continue
				}
				select {
				case client.Send <- message:
				default:
					close(client.Send)
					delete(h.clients, id)
				}
			}
			h.mutex.Unlock()
		}
	}
}

// Push queues a notification for the user's connected clients. Non-blocking:
// if the hub is saturated the push is dropped (the row is already persisted).
func (h *NotificationHub) Push(userID uint, data interface{}) {
	msg := NotificationMessage{
		Type:      "notification",
		UserID:    userID,
		Data:      data,
		Timestamp: time.Now(),
	}
	select {
	case h.broadcast <- msg:
	default:
		logrus.Warn("Notification hub saturated, dropping push")
	}
}

// GetClientCount 当前连接数
func (h *NotificationHub) GetClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

func (h *NotificationHub) HandleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logrus.Error("WebSocket upgrade failed:", err)
		return
	}

	userID, _ := strconv.ParseUint(c.Query("user_id"), 10, 32)

	client := &NotificationClient{
		ID:     fmt.Sprintf("client_%d", time.Now().UnixNano()),
		UserID: uint(userID),
		Conn:   conn,
		Send:   make(chan NotificationMessage, 256),
		Hub:    h,
	}

	h.register <- client

	go client.writePump()
	go client.readPump()
}

// readPump drains inbound frames to keep the connection's control messages
// flowing; clients have nothing to send.
func (c *NotificationClient) readPump() {
	defer func() {
		c.Hub.unregister <- c
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(512)
	c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logrus.Errorf("WebSocket error: %v", err)
			}
			break
		}
	}
}

func (c *NotificationClient) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteJSON(message); err != nil {
				return
			}
		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
