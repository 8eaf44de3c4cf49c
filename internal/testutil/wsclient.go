package testutil

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// Frame is a decoded server frame.
type Frame struct {
	Type string         `json:"type"`
	Body map[string]any `json:"body"`
}

// WSClient is a WebSocket test client speaking the lobby frame format.
type WSClient struct {
	conn *websocket.Conn
	t    *testing.T
}

// NewWSClient dials url and returns a test client.
//
// Precondition: url must be a ws:// URL of a listening server.
// Postcondition: Returns a connected WSClient or fails the test.
func NewWSClient(t *testing.T, url string) *WSClient {
	t.Helper()
	start := time.Now()

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("connecting to %s: %v [%s]", url, err, time.Since(start))
	}
	t.Cleanup(func() {
		conn.Close()
	})

	t.Logf("websocket client connected to %s [%s]", url, time.Since(start))
	return &WSClient{conn: conn, t: t}
}

// Conn returns the underlying connection.
func (c *WSClient) Conn() *websocket.Conn {
	return c.conn
}

// Send writes one frame.
//
// Postcondition: {"type": msgType, "body": body} is written to the connection.
func (c *WSClient) Send(msgType string, body map[string]any) {
	c.t.Helper()
	if body == nil {
		body = map[string]any{}
	}
	data, err := json.Marshal(Frame{Type: msgType, Body: body})
	if err != nil {
		c.t.Fatalf("encoding %s frame: %v", msgType, err)
	}
	c.SendRaw(data)
}

// SendRaw writes an arbitrary text frame.
func (c *WSClient) SendRaw(data []byte) {
	c.t.Helper()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.t.Fatalf("sending frame: %v", err)
	}
}

// ReadUntil reads frames until one of type msgType arrives or timeout occurs.
//
// Postcondition: Returns the matching frame, or fails on timeout.
func (c *WSClient) ReadUntil(msgType string, timeout time.Duration) Frame {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))

	var seen []string
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.t.Fatalf("reading until %q: saw %v, error: %v", msgType, seen, err)
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.t.Fatalf("decoding frame %s: %v", data, err)
		}
		if f.Type == msgType {
			return f
		}
		seen = append(seen, f.Type)
	}
}

// ExpectClosed reads until the server closes the connection.
func (c *WSClient) ExpectClosed(timeout time.Duration) error {
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				return nil
			}
			return fmt.Errorf("connection not closed cleanly: %w", err)
		}
	}
}
