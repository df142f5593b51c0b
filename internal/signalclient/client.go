// Package signalclient is the participant side of the relay websocket.
// Inbound envelopes are decoded on a single read goroutine and published to
// an events.Bus in arrival order.
package signalclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mossy-p/webrtc-meet/internal/events"
	"github.com/mossy-p/webrtc-meet/internal/models"
)

var ErrClosed = errors.New("signaling connection closed")

const (
	defaultWriteTimeout = 10 * time.Second
	defaultPongWait     = 60 * time.Second
)

type Config struct {
	URL          string
	Token        string
	WriteTimeout time.Duration
	// PongWait bounds the silence tolerated from the relay. Every relay ping
	// extends it.
	PongWait time.Duration
	Logger   *zap.Logger
}

type Client struct {
	conn   *websocket.Conn
	bus    *events.Bus
	logger *zap.Logger

	writeTimeout time.Duration
	pongWait     time.Duration

	writeMu sync.Mutex

	done      chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

// Dial connects to the relay and starts the read loop. Subscribe to bus
// before dialing so no envelope is missed.
func Dial(ctx context.Context, cfg Config, bus *events.Bus) (*Client, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = defaultPongWait
	}

	header := http.Header{}
	if cfg.Token != "" {
		header.Set("Authorization", "Bearer "+cfg.Token)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, cfg.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial relay: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial relay: %w", err)
	}

	c := &Client{
		conn:         conn,
		bus:          bus,
		logger:       logger.With(zap.String("relay", cfg.URL)),
		writeTimeout: cfg.WriteTimeout,
		pongWait:     cfg.PongWait,
		done:         make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	defer c.finish(nil)

	c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	c.conn.SetPingHandler(func(data string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
		err := c.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(c.writeTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("relay connection lost", zap.Error(err))
			}
			c.finish(err)
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(c.pongWait))

		env, err := models.Decode(data)
		if err != nil {
			c.logger.Warn("dropping undecodable envelope", zap.Error(err))
			continue
		}
		if n := c.bus.Publish(env); n == 0 {
			c.logger.Debug("no subscriber for envelope", zap.String("type", string(env.Type)))
		}
	}
}

// Send writes one envelope. It is safe for concurrent use.
func (c *Client) Send(env models.Envelope) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %s: %w", env.Type, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write %s: %w", env.Type, err)
	}
	return nil
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err reports why the connection ended, nil after a local Close.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Close sends a close frame and drops the connection. Done is closed on return.
func (c *Client) Close() error {
	c.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	werr := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.writeTimeout))
	c.writeMu.Unlock()

	c.finish(nil)
	err := c.conn.Close()
	if werr != nil && !errors.Is(werr, websocket.ErrCloseSent) {
		return werr
	}
	return err
}

func (c *Client) finish(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()
		close(c.done)
	})
}
