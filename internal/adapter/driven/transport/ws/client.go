package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/Wyydra/chatfusion/internal/core/domain"
	"github.com/Wyydra/chatfusion/internal/core/port"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	sendBufferSize       = 256
	writeDeadline        = 5 * time.Second
	closeWriteDeadline   = 2 * time.Second
	maxMessageSize       = 64 * 1024
	defaultReconnectWait = 5 * time.Second
)

var ErrSendBufferFull = errors.New("send buffer full")

type Config struct {
	URL            string
	Token          string
	ReconnectDelay time.Duration
	Logger         *zerolog.Logger
}

// Client is a port.Transport speaking the relay frame protocol. It redials
// after ReconnectDelay whenever the connection drops and restores every
// subscription on the new connection.
type Client struct {
	url            string
	header         http.Header
	reconnectDelay time.Duration
	dialer         *websocket.Dialer
	logger         zerolog.Logger

	mu        sync.Mutex
	send      chan []byte
	handlers  map[string]port.MessageHandler
	connected chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func NewClient(cfg Config) *Client {
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	delay := cfg.ReconnectDelay
	if delay <= 0 {
		delay = defaultReconnectWait
	}
	header := http.Header{}
	if cfg.Token != "" {
		header.Set("Authorization", "Bearer "+cfg.Token)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		url:            cfg.URL,
		header:         header,
		reconnectDelay: delay,
		dialer:         &websocket.Dialer{HandshakeTimeout: 3 * time.Second},
		logger:         logger.With().Str("component", "ws-transport").Logger(),
		handlers:       make(map[string]port.MessageHandler),
		connected:      make(chan struct{}),
		ctx:            ctx,
		cancel:         cancel,
		done:           make(chan struct{}),
	}
}

// Start runs the connection loop until Close.
func (c *Client) Start() {
	go c.run()
}

// WaitConnected blocks until a connection is up or ctx is done.
func (c *Client) WaitConnected(ctx context.Context) error {
	c.mu.Lock()
	ch := c.connected
	c.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) Subscribe(ctx context.Context, topic string, handler port.MessageHandler) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[topic] = handler
	if c.send != nil {
		return c.enqueueLocked(domain.RelayFrame{Op: domain.OpSubscribe, Topic: topic})
	}
	c.logger.Debug().Str("topic", topic).Msg("Disconnected, subscription deferred")
	return nil
}

func (c *Client) Unsubscribe(topic string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, topic)
	if c.send == nil {
		return nil
	}
	return c.enqueueLocked(domain.RelayFrame{Op: domain.OpUnsubscribe, Topic: topic})
}

func (c *Client) Publish(destination string, body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.send == nil {
		return domain.ErrTransportUnavailable
	}
	return c.enqueueLocked(domain.RelayFrame{Op: domain.OpPublish, Destination: destination, Body: raw})
}

func (c *Client) Close() error {
	c.cancel()
	<-c.done
	return nil
}

func (c *Client) enqueueLocked(f domain.RelayFrame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	select {
	case c.send <- b:
		return nil
	default:
		return errors.Join(domain.ErrTransportUnavailable, ErrSendBufferFull)
	}
}

func (c *Client) run() {
	defer close(c.done)
	for {
		conn, _, err := c.dialer.DialContext(c.ctx, c.url, c.header)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.logger.Warn().Err(err).Dur("retry_in", c.reconnectDelay).Msg("Relay dial failed")
		} else {
			c.serve(conn)
			if c.ctx.Err() != nil {
				return
			}
			c.logger.Warn().Dur("retry_in", c.reconnectDelay).Msg("Relay connection lost")
		}

		select {
		case <-c.ctx.Done():
			return
		case <-time.After(c.reconnectDelay):
		}
	}
}

func (c *Client) serve(conn *websocket.Conn) {
	send := c.attach()
	c.logger.Info().Str("url", c.url).Msg("Connected to relay")

	ctx, cancel := context.WithCancel(c.ctx)
	writerDone := make(chan struct{})
	readerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writePump(ctx, conn, send)
		cancel()
	}()
	go func() {
		defer close(readerDone)
		c.readPump(conn)
		cancel()
	}()

	<-ctx.Done()
	c.detach()
	<-writerDone
	if c.ctx.Err() != nil {
		c.flush(conn, send)
	}
	closeConn(conn, &c.logger)
	<-readerDone
}

// attach opens a fresh send queue and replays every subscription into it.
func (c *Client) attach() chan []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.send = make(chan []byte, sendBufferSize)
	for topic := range c.handlers {
		if err := c.enqueueLocked(domain.RelayFrame{Op: domain.OpSubscribe, Topic: topic}); err != nil {
			c.logger.Error().Err(err).Str("topic", topic).Msg("Failed to restore subscription")
		}
	}
	close(c.connected)
	return c.send
}

func (c *Client) detach() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.send = nil
	c.connected = make(chan struct{})
}

func (c *Client) writePump(ctx context.Context, conn *websocket.Conn, send <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case b := <-send:
			if err := conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
				c.logger.Error().Err(err).Msg("Failed to set write deadline")
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				c.logger.Error().Err(err).Msg("Failed to write frame")
				return
			}
		}
	}
}

// flush writes frames accepted before Close, such as a final leave
// announcement. It runs after detach, so send no longer grows.
func (c *Client) flush(conn *websocket.Conn, send <-chan []byte) {
	if err := conn.SetWriteDeadline(time.Now().Add(closeWriteDeadline)); err != nil {
		return
	}
	for {
		select {
		case b := <-send:
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				c.logger.Debug().Err(err).Int("pending", len(send)).Msg("Dropping unsent frames on close")
				return
			}
		default:
			return
		}
	}
}

func (c *Client) readPump(conn *websocket.Conn) {
	conn.SetReadLimit(maxMessageSize)
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug().Err(err).Msg("Relay read stopped")
			}
			return
		}

		var d domain.RelayDelivery
		if err := json.Unmarshal(msg, &d); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to decode delivery")
			continue
		}
		c.mu.Lock()
		h := c.handlers[d.Topic]
		c.mu.Unlock()
		if h != nil {
			h(d.Body)
		}
	}
}

func closeConn(conn *websocket.Conn, logger *zerolog.Logger) {
	if err := conn.SetWriteDeadline(time.Now().Add(closeWriteDeadline)); err == nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if err := conn.WriteMessage(websocket.CloseMessage, msg); err != nil {
			logger.Debug().Err(err).Msg("Failed to send close frame")
		}
	}
	if err := conn.Close(); err != nil {
		logger.Debug().Err(err).Msg("Failed to close connection")
	}
}
