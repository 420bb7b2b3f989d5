package presence

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// Envelope is the frame shape for every event in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// WSConn is a websocket-backed connection handle. gorilla connections
// allow one concurrent writer, so writes are serialized.
type WSConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// NewWSConn wraps conn and arms the read deadline that pongs extend.
func NewWSConn(conn *websocket.Conn) *WSConn {
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	return &WSConn{conn: conn}
}

func (c *WSConn) Send(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(Envelope{Event: event, Data: data})
}

// Read blocks for the next inbound frame. Only one goroutine may read.
func (c *WSConn) Read() (Envelope, error) {
	var env Envelope
	err := c.conn.ReadJSON(&env)
	return env, err
}

// KeepAlive pings the peer until ctx ends or a ping fails.
func (c *WSConn) KeepAlive(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.mu.Unlock()
			if err != nil {
				_ = c.conn.Close()
				return
			}
		}
	}
}

func (c *WSConn) Close() error { return c.conn.Close() }
