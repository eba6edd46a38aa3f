package feed

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jstrand/chainprice/internal/model"
)

// Dialer dials websocket feed clients.
type Dialer struct {
	cfg    Config
	logger *slog.Logger
}

// NewDialer creates a feed Source.
func NewDialer(cfg Config, logger *slog.Logger) *Dialer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dialer{cfg: cfg, logger: logger}
}

// Dial establishes one connection and starts its read loop.
func (d *Dialer) Dial(ctx context.Context) (Client, error) {
	c := &client{
		cfg:    d.cfg,
		logger: d.logger,
		events: make(chan model.ValueEvent, d.cfg.BufferSize),
		errors: make(chan error, 1),
		done:   make(chan struct{}),
	}
	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// client implements Client over a single gorilla websocket connection.
type client struct {
	cfg    Config
	logger *slog.Logger

	conn *websocket.Conn

	events chan model.ValueEvent
	errors chan error
	done   chan struct{}

	writeMu sync.Mutex

	mu        sync.RWMutex
	connected bool
	closed    bool
	stats     Stats
}

func (c *client) connect(ctx context.Context) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: c.cfg.HandshakeTimeout,
	}

	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return err
	}
	if c.cfg.ReadLimit > 0 {
		conn.SetReadLimit(c.cfg.ReadLimit)
	}

	conn.SetPingHandler(func(data string) error {
		return conn.WriteControl(
			websocket.PongMessage,
			[]byte(data),
			time.Now().Add(time.Second),
		)
	})

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	go c.readLoop()
	go c.heartbeatLoop()

	c.logger.Debug("feed connected", "url", c.cfg.URL)
	return nil
}

// Close gracefully closes the connection.
func (c *client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.connected = false
	c.mu.Unlock()

	close(c.done)

	if c.conn != nil {
		c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		return c.conn.Close()
	}
	return nil
}

// Events returns the decoded event channel.
func (c *client) Events() <-chan model.ValueEvent {
	return c.events
}

// Errors returns the terminal error channel.
func (c *client) Errors() <-chan error {
	return c.errors
}

// IsConnected reports current connection state.
func (c *client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Stats returns decode counters.
func (c *client) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

// readLoop reads, decodes, and forwards events until the connection fails or
// the client closes.
func (c *client) readLoop() {
	defer func() {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
	}()

	for {
		select {
		case <-c.done:
			return
		default:
		}

		_, data, err := c.conn.ReadMessage()
		receivedAt := time.Now()

		if err != nil {
			select {
			case <-c.done:
				return
			default:
				select {
				case c.errors <- err:
				default:
				}
				return
			}
		}

		c.mu.Lock()
		c.stats.Received++
		c.mu.Unlock()

		ev, perr := ParseEvent(data, receivedAt)
		if perr != nil {
			c.mu.Lock()
			c.stats.Malformed++
			c.mu.Unlock()
			c.logger.Warn("dropping malformed event", "error", perr)
			continue
		}

		select {
		case c.events <- ev:
			c.mu.Lock()
			c.stats.Decoded++
			c.mu.Unlock()
		case <-c.done:
			return
		default:
			c.mu.Lock()
			c.stats.Dropped++
			c.mu.Unlock()
			c.logger.Warn("event buffer full, dropping event", "txid", ev.TxID)
		}
	}
}

// heartbeatLoop keeps the connection alive.
func (c *client) heartbeatLoop() {
	interval := c.cfg.PingInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.mu.RLock()
			conn := c.conn
			c.mu.RUnlock()

			if conn != nil {
				deadline := time.Now().Add(c.cfg.WriteTimeout)
				c.writeMu.Lock()
				err := conn.WriteControl(websocket.PingMessage, []byte("keepalive"), deadline)
				c.writeMu.Unlock()
				if err != nil {
					c.logger.Debug("failed to send ping", "error", err)
				}
			}
		}
	}
}
