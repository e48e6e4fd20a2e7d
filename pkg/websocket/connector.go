// Package websocket manages the long-lived streaming connections used by
// exchange adapters. One connector owns one socket; incoming messages
// are routed to per-topic handlers, outgoing control frames are paced,
// and dropped connections reconnect with backoff and resubscribe.
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go"
	"github.com/gorilla/websocket"
	uberratelimit "go.uber.org/ratelimit"

	"github.com/veiloq/exchange-gateway/pkg/logging"
)

// MessageHandler consumes one raw message for a subscribed topic.
type MessageHandler func(message []byte)

// TopicFunc extracts the routing topic from a raw message. Exchanges
// wrap stream payloads differently (Binance combined streams use a
// "stream" field, Bybit a "topic" field), so the extraction is
// configurable per connector.
type TopicFunc func(message []byte) string

// WSConnector is the interface adapters use for streaming.
type WSConnector interface {
	// Connect establishes the socket. Safe to call on an already
	// connected instance.
	Connect(ctx context.Context) error

	// Close terminates the socket and all background routines.
	Close() error

	// Subscribe registers a handler for a topic.
	Subscribe(topic string, handler MessageHandler) error

	// Unsubscribe removes the handler for a topic.
	Unsubscribe(topic string) error

	// Topics returns the currently subscribed topics.
	Topics() []string

	// Send writes a message to the socket. []byte payloads are sent
	// verbatim, everything else is JSON-encoded. Outgoing frames are
	// paced: exchanges throttle control operations separately from REST
	// calls.
	Send(message interface{}) error

	// IsConnected reports the connection state.
	IsConnected() bool
}

// Config holds connector settings.
type Config struct {
	URL               string
	HeartbeatInterval time.Duration
	ReconnectInterval time.Duration
	MaxRetries        int

	// Topic extracts the routing key from incoming messages. Defaults
	// to reading a top-level "topic" JSON field.
	Topic TopicFunc

	// SendsPerSecond caps outgoing frames. Defaults to 5.
	SendsPerSecond int

	// OnReconnect runs after a successful reconnect, before handlers
	// resume. Adapters use it to replay subscription frames.
	OnReconnect func()

	Logger logging.Logger
}

type connector struct {
	config Config
	conn   *websocket.Conn

	handlers   map[string]MessageHandler
	handlersMu sync.RWMutex

	writeMu   sync.Mutex
	sendPacer uberratelimit.Limiter

	connected atomic.Bool

	// done is nil until the first successful Connect.
	done   chan struct{}
	doneMu sync.Mutex
	closed bool

	reconnectMu  sync.Mutex
	reconnecting bool

	logger logging.Logger
}

// NewConnector creates a connector for the given configuration.
func NewConnector(config Config) WSConnector {
	if config.Topic == nil {
		config.Topic = TopicField("topic")
	}
	if config.SendsPerSecond <= 0 {
		config.SendsPerSecond = 5
	}
	logger := config.Logger
	if logger == nil {
		logger = logging.NewLogger()
	}
	return &connector{
		config:    config,
		handlers:  make(map[string]MessageHandler),
		sendPacer: uberratelimit.New(config.SendsPerSecond),
		logger:    logger,
	}
}

// TopicField returns a TopicFunc reading a top-level string field from
// the message JSON.
func TopicField(field string) TopicFunc {
	return func(message []byte) string {
		var envelope map[string]json.RawMessage
		if err := json.Unmarshal(message, &envelope); err != nil {
			return ""
		}
		raw, ok := envelope[field]
		if !ok {
			return ""
		}
		var topic string
		if err := json.Unmarshal(raw, &topic); err != nil {
			return ""
		}
		return topic
	}
}

func (c *connector) Connect(ctx context.Context) error {
	c.reconnectMu.Lock()
	defer c.reconnectMu.Unlock()

	if c.connected.Load() {
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("context already cancelled: %w", ctx.Err())
	}

	c.logger.Debug("attempting websocket connection",
		logging.String("url", c.config.URL),
	)

	var lastErr error
	for attempt := 1; attempt <= c.config.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
		conn, _, err := dialer.DialContext(ctx, c.config.URL, nil)
		if err != nil {
			lastErr = err
			c.logger.Warn("connection attempt failed",
				logging.Int("attempt", attempt),
				logging.Error(err),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.config.ReconnectInterval):
				continue
			}
		}

		c.conn = conn
		c.connected.Store(true)

		c.doneMu.Lock()
		c.done = make(chan struct{})
		c.closed = false
		c.doneMu.Unlock()

		go c.readPump(ctx)
		go c.heartbeat()
		go func() {
			select {
			case <-ctx.Done():
				c.logger.Info("context cancelled, closing connection")
				_ = c.Close()
			case <-c.done:
			}
		}()

		c.logger.Info("websocket connected", logging.String("url", c.config.URL))
		if c.config.OnReconnect != nil {
			c.config.OnReconnect()
		}
		return nil
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (c *connector) readPump(ctx context.Context) {
	defer func() {
		c.connected.Store(false)
		if c.conn != nil {
			_ = c.conn.Close()
		}

		c.doneMu.Lock()
		if !c.closed {
			close(c.done)
			c.closed = true
		}
		c.doneMu.Unlock()

		c.reconnectMu.Lock()
		suppress := c.reconnecting
		c.reconnectMu.Unlock()
		if !suppress && ctx.Err() == nil {
			go c.reconnect()
		}
	}()

	deadline := c.config.HeartbeatInterval * 3
	_ = c.conn.SetReadDeadline(time.Now().Add(deadline))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(deadline))
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_ = c.conn.SetReadDeadline(time.Now().Add(deadline))
			_, message, err := c.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					c.logger.Warn("read error", logging.Error(err))
				}
				return
			}
			c.dispatch(message)
		}
	}
}

// dispatch routes a raw message to its topic handler. Handlers run on
// their own goroutine so a slow consumer cannot stall the read pump.
func (c *connector) dispatch(message []byte) {
	topic := c.config.Topic(message)
	if topic == "" {
		return
	}

	c.handlersMu.RLock()
	handler, exists := c.handlers[topic]
	c.handlersMu.RUnlock()
	if !exists {
		return
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("handler panic recovered",
					logging.String("topic", topic),
					logging.String("panic", fmt.Sprintf("%v", r)),
				)
			}
		}()
		handler(message)
	}()
}

func (c *connector) heartbeat() {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			if !c.connected.Load() {
				c.writeMu.Unlock()
				return
			}
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *connector) reconnect() {
	c.reconnectMu.Lock()
	if c.reconnecting {
		c.reconnectMu.Unlock()
		return
	}
	c.reconnecting = true
	c.reconnectMu.Unlock()

	defer func() {
		c.reconnectMu.Lock()
		c.reconnecting = false
		c.reconnectMu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	err := retry.Do(
		func() error {
			if ctx.Err() != nil {
				return retry.Unrecoverable(ctx.Err())
			}
			return c.Connect(ctx)
		},
		retry.Attempts(uint(c.config.MaxRetries)),
		retry.Delay(c.config.ReconnectInterval),
		retry.DelayType(retry.BackOffDelay),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Warn("reconnection attempt failed",
				logging.Int("attempt", int(n+1)),
				logging.Error(err),
			)
		}),
	)
	if err != nil {
		c.logger.Error("reconnection failed", logging.Error(err))
		return
	}
	c.logger.Info("reconnection successful")
}

func (c *connector) Subscribe(topic string, handler MessageHandler) error {
	if !c.IsConnected() {
		return fmt.Errorf("websocket not connected")
	}
	c.handlersMu.Lock()
	c.handlers[topic] = handler
	c.handlersMu.Unlock()
	return nil
}

func (c *connector) Unsubscribe(topic string) error {
	c.handlersMu.Lock()
	delete(c.handlers, topic)
	c.handlersMu.Unlock()
	return nil
}

func (c *connector) Topics() []string {
	c.handlersMu.RLock()
	defer c.handlersMu.RUnlock()
	topics := make([]string, 0, len(c.handlers))
	for topic := range c.handlers {
		topics = append(topics, topic)
	}
	return topics
}

func (c *connector) Send(message interface{}) error {
	if !c.connected.Load() {
		return fmt.Errorf("websocket not connected")
	}

	c.sendPacer.Take()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if data, ok := message.([]byte); ok {
		return c.conn.WriteMessage(websocket.TextMessage, data)
	}
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *connector) IsConnected() bool {
	return c.connected.Load()
}

func (c *connector) Close() error {
	c.reconnectMu.Lock()
	c.reconnecting = true // suppress auto-reconnect from the read pump
	c.reconnectMu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.doneMu.Lock()
	wasClosed := c.closed || c.done == nil
	if !wasClosed {
		close(c.done)
		c.closed = true
	}
	c.doneMu.Unlock()

	if wasClosed {
		return nil
	}

	c.connected.Store(false)
	if c.conn != nil {
		_ = c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closed connection"))
		time.Sleep(100 * time.Millisecond)
		err := c.conn.Close()
		if err != nil && !strings.Contains(err.Error(), "use of closed network connection") {
			return err
		}
	}

	c.handlersMu.Lock()
	c.handlers = make(map[string]MessageHandler)
	c.handlersMu.Unlock()

	return nil
}
