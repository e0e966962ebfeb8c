package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	commonlog "rtc_server/server/common/log"
	"rtc_server/server/signal/domain"
)

const (
	writeWait      = 5 * time.Second
	pongWait       = 90 * time.Second
	pingPeriod     = 30 * time.Second
	maxFrameBytes  = 64 << 10
	DefaultWSQueue = 256
)

var errClientClosed = errors.New("client closed")

type WSClientConfig struct {
	SendBuffer int
	RateLimit  float64
	RateBurst  int
}

// WSClient adapts a websocket connection to Conn. Outbound events go through
// a bounded queue drained by WritePump; Send fails fast when it is full.
type WSClient struct {
	id      string
	userID  string
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	once    sync.Once
	limiter *rate.Limiter
}

func NewWSClient(conn *websocket.Conn, userID string, cfg WSClientConfig) *WSClient {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = DefaultWSQueue
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 1
	}
	return &WSClient{
		id:      uuid.NewString(),
		userID:  userID,
		conn:    conn,
		send:    make(chan []byte, cfg.SendBuffer),
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(limit, cfg.RateBurst),
	}
}

func (c *WSClient) ID() string     { return c.id }
func (c *WSClient) UserID() string { return c.userID }

func (c *WSClient) Send(event domain.Event) error {
	b, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event.Type, err)
	}
	select {
	case <-c.done:
		return fmt.Errorf("%w: %v", domain.ErrTransport, errClientClosed)
	default:
	}
	select {
	case c.send <- b:
		return nil
	default:
		return fmt.Errorf("%w: send buffer full", domain.ErrTransport)
	}
}

func (c *WSClient) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// Done is closed once the client has been closed.
func (c *WSClient) Done() <-chan struct{} {
	return c.done
}

// WritePump drains the send queue and keeps the connection alive with pings.
func (c *WSClient) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.Close()
	}()
	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case b := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				commonlog.Debugf("event=ws_client action=write status=failed user_id=%s conn_id=%s error=%v", c.userID, c.id, err)
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

// ReadPump reads frames until the peer goes away and hands each to handle.
// Frames over the rate limit are answered with a rate_limited error.
func (c *WSClient) ReadPump(ctx context.Context, handle func(ctx context.Context, raw []byte)) error {
	c.conn.SetReadLimit(maxFrameBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return fmt.Errorf("%w: %v", domain.ErrTransport, err)
			}
			return nil
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if !c.limiter.Allow() {
			_ = c.Send(errorEvent("", domain.ErrRateLimited))
			continue
		}
		handle(ctx, raw)
	}
}
