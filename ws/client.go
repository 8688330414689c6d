package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"broker_datafeed/utils"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	HeartbeatInterval = 10 * time.Second
	HandshakeTimeout  = 5 * time.Second
)

var ErrNotConnected = errors.New("websocket is not connected")

type WebSocketClient struct {
	url     string
	headers http.Header
	logger  *zap.SugaredLogger

	// OnMessage receives every binary or text frame except the "pong" keepalive reply.
	OnMessage func([]byte)
	// OnReconnect runs after a dropped connection is re-established, before reading resumes.
	OnReconnect func() error

	HeartbeatInterval time.Duration

	mu        sync.Mutex // guards conn and writes
	conn      *websocket.Conn
	connected bool
	closed    chan struct{}
	closeOnce sync.Once
}

func NewWebSocketClient(url string, headers map[string]string, logger *zap.SugaredLogger) *WebSocketClient {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	h := http.Header{}
	for key, value := range headers {
		h.Set(key, value)
	}
	return &WebSocketClient{
		url:               url,
		headers:           h,
		logger:            logger,
		HeartbeatInterval: HeartbeatInterval,
		closed:            make(chan struct{}),
	}
}

func (c *WebSocketClient) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: HandshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, c.url, c.headers)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %s: %w", c.url, resp.Status, err)
		}
		return fmt.Errorf("dial %s: %w", c.url, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()
	return nil
}

func (c *WebSocketClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Listen reads frames until ctx is done or Close is called. A read error drops the
// connection and redials with exponential backoff, then calls OnReconnect.
func (c *WebSocketClient) Listen(ctx context.Context) {
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go c.heartbeat(hbCtx)

	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			if !c.reconnect(ctx) {
				return
			}
			continue
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			if c.isClosed() || ctx.Err() != nil {
				return
			}
			c.logger.Warnw("Websocket read failed", "url", c.url, "error", err)
			c.drop(conn)
			if !c.reconnect(ctx) {
				return
			}
			continue
		}
		if string(message) == "pong" {
			continue
		}
		if c.OnMessage != nil {
			c.OnMessage(message)
		}
	}
}

func (c *WebSocketClient) reconnect(ctx context.Context) bool {
	stop, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.closed:
			cancel()
		case <-stop.Done():
		}
	}()

	operation := func() error {
		if err := c.Connect(stop); err != nil {
			return err
		}
		if c.isClosed() {
			c.drop(c.current())
			return backoff.Permanent(ErrNotConnected)
		}
		if c.OnReconnect != nil {
			if err := c.OnReconnect(); err != nil {
				c.drop(c.current())
				return err
			}
		}
		return nil
	}
	err := backoff.RetryNotify(operation, backoff.WithContext(utils.NewExponentialBackoff(0), stop),
		func(err error, d time.Duration) {
			c.logger.Warnw("Websocket reconnect failed", "url", c.url, "retry_in", d, "error", err)
		})
	if err != nil {
		return false
	}
	c.logger.Infow("Websocket reconnected", "url", c.url)
	return true
}

func (c *WebSocketClient) current() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *WebSocketClient) drop(conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	if c.conn == conn {
		c.conn = nil
		c.connected = false
	}
}

func (c *WebSocketClient) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(c.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		case <-ticker.C:
		}
		if err := c.write(websocket.TextMessage, []byte("ping")); err != nil && !errors.Is(err, ErrNotConnected) {
			c.logger.Warnw("Failed to send heartbeat", "error", err)
		}
	}
}

func (c *WebSocketClient) write(kind int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	return c.conn.WriteMessage(kind, data)
}

func (c *WebSocketClient) SendJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	return c.conn.WriteJSON(v)
}

func (c *WebSocketClient) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Close stops Listen and closes the connection. It is safe to call more than once.
func (c *WebSocketClient) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })

	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	if c.conn == nil {
		return nil
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	err := c.conn.Close()
	c.conn = nil
	return err
}
