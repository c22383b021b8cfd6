package handlers

import (
	"time"

	"github.com/gorilla/websocket"
)

const wsWriteWait = 5 * time.Second

type WSClient struct {
	UserID int64
	Conn   *websocket.Conn
	SendCh chan []byte
}

func NewWSClient(userID int64, conn *websocket.Conn) *WSClient {
	return &WSClient{
		UserID: userID,
		Conn:   conn,
		SendCh: make(chan []byte, 64),
	}
}

// Send never blocks the envelope handlers; a slow reader loses updates.
func (c *WSClient) Send(payload []byte) {
	select {
	case c.SendCh <- payload:
	default:
	}
}

func (c *WSClient) WritePump() {
	for msg := range c.SendCh {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := c.Conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}
