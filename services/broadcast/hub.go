package broadcastsvc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/trezcool/uwepo/core"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 << 10

	publishBuffer = 256
	clientBuffer  = 32
)

// Envelope is the wire frame for every published event.
type Envelope struct {
	Topic string      `json:"topic"`
	Event string      `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}

// control messages sent by clients
type clientCommand struct {
	Action string `json:"action"` // subscribe | unsubscribe
	Topic  string `json:"topic"`
}

type message struct {
	topic string
	data  []byte
}

// Hub fans published events out to websocket clients by topic. Publish never
// blocks: when the hub or a client cannot keep up, frames are dropped and
// counted, not queued unboundedly.
type Hub struct {
	logger core.Logger

	register   chan *client
	unregister chan *client
	publish    chan message
	done       chan struct{} // closed when Run exits

	mu      sync.Mutex
	dropped uint64
}

var _ core.Broadcaster = (*Hub)(nil)

func NewHub(logger core.Logger) *Hub {
	return &Hub{
		logger:     logger,
		register:   make(chan *client),
		unregister: make(chan *client),
		publish:    make(chan message, publishBuffer),
		done:       make(chan struct{}),
	}
}

// Publish implements core.Broadcaster. Best effort: a full hub queue drops
// the frame.
func (h *Hub) Publish(topic, event string, payload interface{}) {
	data, err := json.Marshal(Envelope{Topic: topic, Event: event, Data: payload})
	if err != nil {
		h.logger.Error(fmt.Sprintf("marshaling %s event: %v", event, err), err)
		return
	}
	select {
	case h.publish <- message{topic: topic, data: data}:
	default:
		h.countDrop()
	}
}

func (h *Hub) countDrop() {
	h.mu.Lock()
	h.dropped++
	n := h.dropped
	h.mu.Unlock()
	if n%100 == 1 {
		h.logger.Warn(fmt.Sprintf("broadcast queue full, %d frames dropped", n))
	}
}

// Dropped returns the number of frames dropped since start.
func (h *Hub) Dropped() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

// Run owns the client set; it returns when ctx is done, closing all clients.
func (h *Hub) Run(ctx context.Context) {
	clients := make(map[*client]struct{})
	defer func() {
		close(h.done)
		for c := range clients {
			close(c.send)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case c := <-h.register:
			clients[c] = struct{}{}
		case c := <-h.unregister:
			if _, ok := clients[c]; ok {
				delete(clients, c)
				close(c.send)
			}
		case msg := <-h.publish:
			for c := range clients {
				if !c.subscribed(msg.topic) {
					continue
				}
				select {
				case c.send <- msg.data:
				default:
					// slow consumer, disconnect
					delete(clients, c)
					close(c.send)
				}
			}
		}
	}
}

// HandleConn runs the read/write pumps for an upgraded connection until it
// drops. initialTopics are subscribed before the first frame is delivered.
func (h *Hub) HandleConn(conn *websocket.Conn, initialTopics ...string) {
	c := &client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, clientBuffer),
		topics: make(map[string]struct{}, len(initialTopics)),
	}
	for _, topic := range initialTopics {
		c.topics[topic] = struct{}{}
	}
	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go c.writePump()
	c.readPump()
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	topics map[string]struct{}
}

func (c *client) subscribed(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.topics[topic]
	return ok
}

func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd clientCommand
		if err = json.Unmarshal(data, &cmd); err != nil || cmd.Topic == "" {
			continue
		}
		c.mu.Lock()
		switch cmd.Action {
		case "subscribe":
			c.topics[cmd.Topic] = struct{}{}
		case "unsubscribe":
			delete(c.topics, cmd.Topic)
		}
		c.mu.Unlock()
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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
