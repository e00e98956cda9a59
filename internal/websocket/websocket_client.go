package websocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/rplacetk/canvasd"
)

// DefaultSendBuffer is the number of frames queued per client before Send
// starts failing.
const DefaultSendBuffer = 256

var (
	ErrConnectionClosed = errors.New(canvasd.ErrConnectionClosed)
	ErrContextCancelled = errors.New(canvasd.ErrContextCancelled)
	ErrSendBufferFull   = errors.New("send buffer full")
)

// Client implements canvasd.Client on top of a gorilla connection.
type Client struct {
	id          string
	conn        *websocket.Conn
	remoteAddr  string
	ctx         context.Context
	cancel      context.CancelFunc
	sendCh      chan []byte
	done        chan struct{}
	mu          sync.RWMutex
	closed      bool
	closeCode   int
	closeReason string
	rateLimiter *rate.Limiter // Rate limiter for incoming frames
	timeouts    Timeouts
	logger      *slog.Logger
}

// NewClient wraps conn and starts its write pump.
func NewClient(conn *websocket.Conn, remoteAddr string, rateLimitConfig *RateLimitConfig, timeouts Timeouts, logger *slog.Logger) *Client {
	ctx, cancel := context.WithCancel(context.Background())

	var limiter *rate.Limiter
	if rateLimitConfig != nil && rateLimitConfig.Enabled {
		limiter = rate.NewLimiter(rateLimitConfig.MessagesPerSecond, rateLimitConfig.Burst)
	}
	if logger == nil {
		logger = slog.Default()
	}

	client := &Client{
		id:          uuid.New().String(),
		conn:        conn,
		remoteAddr:  remoteAddr,
		ctx:         ctx,
		cancel:      cancel,
		sendCh:      make(chan []byte, DefaultSendBuffer),
		done:        make(chan struct{}),
		rateLimiter: limiter,
		timeouts:    timeouts.withDefaults(),
	}
	client.logger = logger.With("client_id", client.id, "remote_addr", remoteAddr)

	go client.writePump()

	return client
}

func (c *Client) ID() string {
	return c.id
}

func (c *Client) RemoteAddr() string {
	return c.remoteAddr
}

func (c *Client) Context() context.Context {
	return c.ctx
}

// Send queues frame without waiting. A slow reader gets ErrSendBufferFull
// instead of stalling the caller.
func (c *Client) Send(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrContextCancelled, err)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnectionClosed
	}

	select {
	case c.sendCh <- frame:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close closes the client connection
func (c *Client) Close(ctx context.Context) error {
	return c.CloseWithCode(ctx, websocket.CloseNormalClosure, "")
}

// CloseWithCode stops accepting frames, lets the write pump flush what is
// already queued, sends the close frame and closes the connection. The
// flush is abandoned when ctx expires.
func (c *Client) CloseWithCode(ctx context.Context, code int, reason string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.closeCode = code
	c.closeReason = reason
	close(c.sendCh)
	c.mu.Unlock()

	select {
	case <-c.done:
	case <-ctx.Done():
	case <-time.After(c.timeouts.Write):
	}

	c.cancel()
	c.conn.Close()
	return nil
}

// IsAlive returns true if the connection is still active
func (c *Client) IsAlive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.closed
}

// CheckRateLimit reports whether another inbound frame is allowed.
func (c *Client) CheckRateLimit() bool {
	if c.rateLimiter == nil {
		return true
	}
	return c.rateLimiter.Allow()
}

// writePump pumps frames from the send channel to the websocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(c.timeouts.pingPeriod())
	defer func() {
		ticker.Stop()
		c.conn.Close()
		close(c.done)
	}()

	for {
		select {
		case frame, ok := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(c.timeouts.Write))
			if !ok {
				c.mu.RLock()
				msg := websocket.FormatCloseMessage(c.closeCode, c.closeReason)
				c.mu.RUnlock()
				c.conn.WriteMessage(websocket.CloseMessage, msg)
				return
			}

			if err := c.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				c.logger.Debug("write failed", "error", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.timeouts.Write))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}
