// Package client is the participant side: the signaling connection and the
// session controller that drives one negotiation machine per remote.
package client

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meshroom/meshroom/internal/signaling"
)

const connWriteWait = 5 * time.Second

// Conn is a signaling connection to the relay. Sends are safe for
// concurrent use; Receive must be called from a single goroutine.
type Conn struct {
	ws *websocket.Conn

	writeMu sync.Mutex
}

func Dial(ctx context.Context, url string) (*Conn, error) {
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return &Conn{ws: ws}, nil
}

func (c *Conn) Send(env signaling.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(connWriteWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *Conn) Receive() (signaling.Envelope, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return signaling.Envelope{}, err
	}
	return signaling.Parse(data)
}

func (c *Conn) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(connWriteWait))
	c.writeMu.Unlock()
	return c.ws.Close()
}
