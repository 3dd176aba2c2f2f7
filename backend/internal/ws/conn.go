package ws

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

const (
	sendQueueSize  = 256
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 8 << 20
)

// Conn 是一个 WebSocket 连接。读循环把帧交给 Gateway，写循环消费 send 队列。
type Conn struct {
	id  string
	ws  *websocket.Conn
	gw  *Gateway
	log *logrus.Entry

	mu     sync.Mutex
	closed bool
	send   chan outbound
}

func NewConn(ws *websocket.Conn, gw *Gateway, log *logrus.Entry) *Conn {
	id := ulid.Make().String()
	return &Conn{
		id:   id,
		ws:   ws,
		gw:   gw,
		log:  log.WithField("conn", id),
		send: make(chan outbound, sendQueueSize),
	}
}

func (c *Conn) ID() string { return c.id }

// Send 入队一条消息；队列满时丢弃，慢连接不会拖住广播方
func (c *Conn) Send(event string, data any) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- outbound{Event: event, Data: data}:
		return true
	default:
		c.log.WithField("event", event).Warn("send queue full, dropping message")
		return false
	}
}

func (c *Conn) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// Serve 阻塞直到连接断开，返回前完成 Disconnect
func (c *Conn) Serve(ctx context.Context) {
	go c.writeLoop()
	c.readLoop(ctx)
	c.closeSend()
	c.gw.Disconnect(context.Background(), c)
}

func (c *Conn) readLoop(ctx context.Context) {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, frame, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.WithError(err).Warn("read error")
			}
			return
		}
		c.gw.HandleMessage(ctx, c, frame)
	}
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteJSON(msg); err != nil {
				c.log.WithError(err).Debug("write failed")
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
