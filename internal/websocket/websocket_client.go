// Package websocket provides the WebSocket transport used by market data streams.
//
// A Client owns exactly one connection. It dials, sends subscription frames,
// keeps the connection alive with either protocol pings or venue-specific
// text pings, and hands every inbound frame to a caller-supplied handler.
// Reconnection is deliberately not handled here: when the connection drops the
// client closes its disconnect channel and the owner decides what to do next.
package websocket

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	// defaultPingPeriod defines the default interval for sending keepalive pings.
	defaultPingPeriod = 25 * time.Second

	// defaultSendTimeout defines the default timeout for WebSocket write operations.
	defaultSendTimeout = 5 * time.Second

	// defaultReadLimit defines the maximum size of incoming WebSocket messages.
	defaultReadLimit = 1 << 20 // 1MB

	// defaultHandshakeTimeout defines the maximum time allowed for WebSocket handshake.
	defaultHandshakeTimeout = 10 * time.Second
)

var (
	// ErrClientShuttingDown indicates that the client is in the process of shutting down.
	ErrClientShuttingDown = errors.New("client is shutting down")

	// ErrIdleTimeout indicates that no frame arrived within the configured idle timeout.
	ErrIdleTimeout = errors.New("no message received within idle timeout")
)

// Config defines settings for the WebSocket client.
type Config struct {
	// Endpoint is the WebSocket URL to connect to.
	// Required: This field must be provided and non-empty.
	Endpoint string

	// Handler is called for each incoming data frame.
	// Required: This field must be provided and non-nil.
	// Returned errors are logged and never terminate the connection.
	Handler func([]byte) error

	// TLSInsecureSkip disables TLS certificate verification.
	TLSInsecureSkip bool

	// PingPeriod is the interval between keepalive pings.
	PingPeriod time.Duration

	// PingMessage, when set, is sent as a text frame instead of a protocol ping.
	// Some venues (Bitget) expect a literal "ping" and answer with "pong".
	PingMessage []byte

	// SendTimeout is the maximum time allowed for WebSocket write operations.
	SendTimeout time.Duration

	// IdleTimeout closes the connection when no frame arrives for this long.
	// Zero disables the watchdog.
	IdleTimeout time.Duration

	// SubscriptionMessages contains messages to send immediately after connection.
	SubscriptionMessages [][]byte
}

// Client wraps a websocket.Conn with lifecycle and message handling logic.
type Client struct {
	// conn stores the active WebSocket connection using atomic operations.
	conn atomic.Value // stores *websocket.Conn

	// writeMu serializes writers; gorilla allows only one concurrent writer.
	writeMu sync.Mutex

	// lastMessage holds the unix nano time of the last received frame.
	lastMessage atomic.Int64

	// received counts inbound data frames.
	received atomic.Int64

	// disconnect is closed when the connection is lost.
	disconnect chan struct{}

	// errChan reports the error that terminated the connection.
	errChan chan error

	cfg    *Config
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
	wg     sync.WaitGroup
}

// NewWebsocketClient dials the endpoint, sends subscriptions and starts the
// background loops. The returned client is connected.
func NewWebsocketClient(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("endpoint URL is required")
	}
	if cfg.Handler == nil {
		return nil, errors.New("message handler is required")
	}

	if cfg.SubscriptionMessages == nil {
		cfg.SubscriptionMessages = [][]byte{}
	}
	if cfg.PingPeriod == 0 {
		cfg.PingPeriod = defaultPingPeriod
	}
	if cfg.SendTimeout == 0 {
		cfg.SendTimeout = defaultSendTimeout
	}

	ctx, cancel := context.WithCancel(ctx)

	client := &Client{
		cfg:        &cfg,
		ctx:        ctx,
		cancel:     cancel,
		disconnect: make(chan struct{}),
		errChan:    make(chan error, 1),
	}

	if err := client.run(cfg.SubscriptionMessages); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start client: %w", err)
	}

	return client, nil
}

// run establishes the connection, subscribes and starts the goroutines.
func (c *Client) run(subMsgs [][]byte) (err error) {
	logger := log.With().
		Str("endpoint", c.cfg.Endpoint).
		Str("component", "run").
		Logger()

	conn, err := c.dial(c.ctx)
	if err != nil {
		return fmt.Errorf("initial dial failed: %w", err)
	}

	defer func() {
		if err != nil {
			if closeErr := conn.Close(); closeErr != nil {
				logger.Warn().Err(closeErr).Msg("error closing connection during cleanup")
			}
		}
	}()

	c.conn.Store(conn)
	c.lastMessage.Store(time.Now().UnixNano())

	conn.SetReadLimit(defaultReadLimit)
	if err = c.extendReadDeadline(conn); err != nil {
		return fmt.Errorf("set read deadline: %w", err)
	}
	conn.SetPongHandler(func(string) error {
		c.lastMessage.Store(time.Now().UnixNano())
		if err := c.extendReadDeadline(conn); err != nil {
			logger.Warn().Err(err).Msg("failed to set read deadline in pong handler")
		}
		return nil
	})

	for _, msg := range subMsgs {
		if err = c.write(websocket.TextMessage, msg); err != nil {
			logger.Error().Err(err).Msg("subscription error")
			return err
		}
	}

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.readLoop()
	}()
	go func() {
		defer c.wg.Done()
		c.pingLoop()
	}()
	go c.shutdownListener()

	return nil
}

// extendReadDeadline pushes the read deadline forward by the idle timeout.
func (c *Client) extendReadDeadline(conn *websocket.Conn) error {
	if c.cfg.IdleTimeout <= 0 {
		return nil
	}
	return conn.SetReadDeadline(time.Now().Add(c.cfg.IdleTimeout))
}

// readLoop reads frames until the connection fails or the client closes.
func (c *Client) readLoop() {
	conn := c.conn.Load().(*websocket.Conn)
	logger := log.With().
		Str("endpoint", c.cfg.Endpoint).
		Str("component", "readLoop").
		Logger()

	defer func() {
		close(c.disconnect)

		select {
		case c.errChan <- ErrClientShuttingDown:
		default:
		}
	}()

	for {
		if c.ctx.Err() != nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			var netErr interface{ Timeout() bool }
			switch {
			case errors.As(err, &netErr) && netErr.Timeout():
				logger.Warn().Dur("idleTimeout", c.cfg.IdleTimeout).Msg("idle timeout, dropping connection")
				err = ErrIdleTimeout
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				logger.Info().Err(err).Msg("websocket closed normally")
			case websocket.IsUnexpectedCloseError(err):
				logger.Warn().Err(err).Msg("unexpected websocket closure")
			default:
				logger.Error().Err(err).Msg("read error")
			}

			select {
			case c.errChan <- err:
			default:
				logger.Warn().Err(err).Msg("error channel full, dropping error")
			}
			return
		}

		c.lastMessage.Store(time.Now().UnixNano())
		c.received.Add(1)
		if err := c.extendReadDeadline(conn); err != nil {
			logger.Warn().Err(err).Msg("failed to extend read deadline")
		}

		c.handle(data)
	}
}

// handle invokes the handler, recovering from panics so one bad frame
// cannot take the connection down.
func (c *Client) handle(data []byte) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("endpoint", c.cfg.Endpoint).Any("recover", r).Msg("panic in message handler")
		}
	}()

	if err := c.cfg.Handler(data); err != nil {
		log.Debug().Str("endpoint", c.cfg.Endpoint).Err(err).Msg("handler rejected message")
	}
}

// pingLoop sends keepalive pings until the client closes.
func (c *Client) pingLoop() {
	ticker := time.NewTicker(c.cfg.PingPeriod)
	defer ticker.Stop()

	logger := log.With().
		Str("endpoint", c.cfg.Endpoint).
		Str("component", "pingLoop").
		Logger()

	for {
		select {
		case <-ticker.C:
			var err error
			if len(c.cfg.PingMessage) > 0 {
				err = c.write(websocket.TextMessage, c.cfg.PingMessage)
			} else {
				err = c.write(websocket.PingMessage, nil)
			}
			if err != nil {
				logger.Warn().Err(err).Msg("ping error")
			}
		case <-c.ctx.Done():
			return
		case <-c.disconnect:
			return
		}
	}
}

// Send writes a text frame to the connection.
func (c *Client) Send(msg []byte) error {
	if c.ctx.Err() != nil {
		return ErrClientShuttingDown
	}
	return c.write(websocket.TextMessage, msg)
}

func (c *Client) write(messageType int, data []byte) error {
	connVal := c.conn.Load()
	if connVal == nil {
		return errors.New("connection not available")
	}
	conn := connVal.(*websocket.Conn)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.SendTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	return conn.WriteMessage(messageType, data)
}

// shutdownListener tears the connection down once the context is cancelled
// or the read loop has exited.
func (c *Client) shutdownListener() {
	select {
	case <-c.ctx.Done():
	case <-c.disconnect:
	}
	c.shutdown()
}

// shutdown cancels the context and closes the connection exactly once.
func (c *Client) shutdown() {
	c.once.Do(func() {
		c.cancel()

		conn := c.conn.Load()
		if conn == nil {
			return
		}
		ws, ok := conn.(*websocket.Conn)
		if !ok {
			return
		}

		c.writeMu.Lock()
		if err := ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		); err != nil {
			log.Debug().Str("endpoint", c.cfg.Endpoint).Err(err).Msg("failed to send close frame")
		}
		c.writeMu.Unlock()

		if err := ws.Close(); err != nil {
			log.Debug().Str("endpoint", c.cfg.Endpoint).Err(err).Msg("error closing websocket connection")
		}
	})
}

// Close shuts the client down and waits for its goroutines.
// It is safe to call more than once.
func (c *Client) Close() {
	c.shutdown()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		log.Warn().Str("endpoint", c.cfg.Endpoint).Msg("timeout waiting for goroutines to complete")
	}
}

// dial opens the WebSocket connection honouring proxy and TLS settings.
func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	logger := log.With().
		Str("endpoint", c.cfg.Endpoint).
		Bool("tlsInsecureSkip", c.cfg.TLSInsecureSkip).
		Logger()

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: c.cfg.TLSInsecureSkip},
		HandshakeTimeout: defaultHandshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, c.cfg.Endpoint, make(http.Header))
	if err != nil {
		if resp != nil {
			logger.Error().
				Err(err).
				Int("statusCode", resp.StatusCode).
				Str("status", resp.Status).
				Msg("connection failed")
		} else {
			logger.Error().Err(err).Msg("connection failed")
		}
		return nil, err
	}

	logger.Debug().Msg("websocket connection established")
	return conn, nil
}

// DisconnectChan returns a channel that is closed when the client disconnects.
func (c *Client) DisconnectChan() <-chan struct{} {
	return c.disconnect
}

// ErrChan returns a channel that emits the terminal read error.
func (c *Client) ErrChan() <-chan error {
	return c.errChan
}

// LastMessageAt returns the time of the last received frame or pong.
func (c *Client) LastMessageAt() time.Time {
	return time.Unix(0, c.lastMessage.Load())
}

// Received returns the number of data frames read so far.
func (c *Client) Received() int64 {
	return c.received.Load()
}
