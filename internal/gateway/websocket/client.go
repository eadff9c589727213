package websocket

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/herdctl/herdctl/internal/common/logger"
	"github.com/herdctl/herdctl/internal/events"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024
)

// filter narrows which events a client receives. Zero value matches
// everything.
type filter struct {
	SessionID   string   `json:"session_id"`
	ProjectID   string   `json:"project_id"`
	TypePrefix  string   `json:"type_prefix"`
	MinPriority string   `json:"min_priority"`
	Types       []string `json:"types"`
}

var priorityRank = map[events.Priority]int{
	events.PriorityInfo:    0,
	events.PriorityWarning: 1,
	events.PriorityAction:  2,
	events.PriorityUrgent:  3,
}

func (f *filter) matches(e *events.Event) bool {
	if f.SessionID != "" && e.SessionID != f.SessionID {
		return false
	}
	if f.ProjectID != "" && e.ProjectID != f.ProjectID {
		return false
	}
	if f.TypePrefix != "" && !strings.HasPrefix(e.Type, f.TypePrefix) {
		return false
	}
	if f.MinPriority != "" {
		if priorityRank[e.Priority] < priorityRank[events.Priority(f.MinPriority)] {
			return false
		}
	}
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if t == e.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Client is one connected event feed consumer.
type Client struct {
	ID   string
	conn *websocket.Conn
	hub  *Hub
	send chan []byte

	mu     sync.RWMutex
	filter filter

	logger *logger.Logger
}

// NewClient wraps an upgraded connection.
func NewClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:     id,
		conn:   conn,
		hub:    hub,
		send:   make(chan []byte, 256),
		logger: log.WithFields(zap.String("client_id", id)),
	}
}

func (c *Client) wants(e *events.Event) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.filter.matches(e)
}

// ReadPump consumes filter updates from the peer and keeps the connection
// alive. The only inbound message shape is a filter document.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Debug("read error", zap.Error(err))
			}
			return
		}

		var f filter
		if err := json.Unmarshal(message, &f); err != nil {
			c.logger.Debug("ignoring undecodable filter", zap.Error(err))
			continue
		}
		c.mu.Lock()
		c.filter = f
		c.mu.Unlock()
	}
}

// WritePump pushes events and pings to the peer.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
