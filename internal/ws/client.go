package ws

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/manpreetbhatti/coderoom/internal/metrics"
	"github.com/manpreetbhatti/coderoom/internal/protocol"
	"github.com/manpreetbhatti/coderoom/internal/ratelimit"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 1024 * 1024
	maxViolations  = 1000
)

// Client is one websocket connection acting as a broker gateway.
type Client struct {
	id      string
	server  *Server
	conn    *websocket.Conn
	send    chan []byte
	limiter *ratelimit.Limiter
	log     *zap.Logger

	done      chan struct{}
	closeOnce sync.Once
}

func newClient(s *Server, conn *websocket.Conn) *Client {
	id := uuid.NewString()
	return &Client{
		id:      id,
		server:  s,
		conn:    conn,
		send:    make(chan []byte, s.opts.SendBuffer),
		limiter: s.limiters.Get(id),
		log:     s.log.With(zap.String("gateway", id)),
		done:    make(chan struct{}),
	}
}

func (c *Client) ID() string { return c.id }

// Deliver queues ev without blocking. A client whose queue is full is too
// slow to keep up and gets disconnected.
func (c *Client) Deliver(ev protocol.Event) {
	data, err := protocol.Encode(ev)
	if err != nil {
		c.log.Error("encode event", zap.String("kind", string(ev.Kind())), zap.Error(err))
		return
	}

	select {
	case <-c.done:
		return
	default:
	}

	select {
	case c.send <- data:
	default:
		metrics.DeliveryDropped()
		c.log.Warn("send queue full, dropping gateway", zap.String("kind", string(ev.Kind())))
		c.close()
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.server.broker.Disconnect(c)
		c.server.limiters.Remove(c.id)
		c.close()
		c.conn.Close()
		c.log.Debug("gateway disconnected")
	}()

	pongWait := c.server.opts.PongWait
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	violations := 0
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			switch {
			case isTimeout(err):
				c.log.Info("gateway missed heartbeat, declaring stale")
			case websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure):
				c.log.Warn("websocket read failed", zap.Error(err))
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		if !c.limiter.Allow() {
			violations++
			if violations%100 == 1 {
				c.log.Warn("rate limit exceeded", zap.Int("violations", violations))
			}
			if violations > maxViolations {
				c.log.Warn("disconnecting gateway for excessive rate limit violations")
				return
			}
			continue
		}

		c.server.broker.HandleFrame(ctx, c, message)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.server.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.close()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
