package websocket

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/structpb"
)

// Conn is one client WebSocket. Outbound frames are queued in a bounded
// outbox drained by a writer goroutine, so SendMessage never blocks.
type Conn struct {
	id           string
	ws           *websocket.Conn
	writeTimeout time.Duration
	pingInterval time.Duration
	logger       *zap.Logger

	mu     sync.Mutex
	outbox chan []byte
	closed bool
	done   chan struct{}
}

func newConn(id string, ws *websocket.Conn, outboxSize int, writeTimeout, pingInterval time.Duration, logger *zap.Logger) *Conn {
	if outboxSize <= 0 {
		outboxSize = 64
	}
	return &Conn{
		id:           id,
		ws:           ws,
		writeTimeout: writeTimeout,
		pingInterval: pingInterval,
		logger:       logger,
		outbox:       make(chan []byte, outboxSize),
		done:         make(chan struct{}),
	}
}

// SendMessage queues a frame for the client.
//
// Postcondition: Returns an error if the connection is closed or its outbox is full.
func (c *Conn) SendMessage(msgType string, body *structpb.Struct) error {
	data, err := EncodeFrame(msgType, body)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("connection %s is closed", c.id)
	}
	select {
	case c.outbox <- data:
		return nil
	default:
		return fmt.Errorf("connection %s outbox full", c.id)
	}
}

// Close stops the writer, which sends a close frame and closes the socket.
// Safe to call more than once.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.outbox)
	}
	return nil
}

// writeLoop drains the outbox and sends keep-alive pings until Close.
func (c *Conn) writeLoop() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
		close(c.done)
	}()

	for {
		select {
		case data, ok := <-c.outbox:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug("websocket write failed", zap.String("session", c.id), zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("websocket ping failed", zap.String("session", c.id), zap.Error(err))
				return
			}
		}
	}
}
