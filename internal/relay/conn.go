package relay

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mossy-p/webrtc-meet/internal/metrics"
	"github.com/mossy-p/webrtc-meet/internal/models"
)

const (
	closeNormal          = websocket.CloseNormalClosure
	closeGoingAway       = websocket.CloseGoingAway
	closePolicyViolation = websocket.ClosePolicyViolation

	defaultDisplayName = "Guest"
)

// Identity is who the websocket authenticated as. UserID is never empty;
// anonymous connections get a random one.
type Identity struct {
	UserID        string
	Authenticated bool
}

// AnonymousIdentity returns a fresh unauthenticated identity.
func AnonymousIdentity() Identity {
	return Identity{UserID: "anon-" + uuid.NewString()}
}

// conn is one websocket between join and teardown. The read goroutine owns
// participant; the write goroutine owns the websocket close.
type conn struct {
	reg       *Registry
	ws        *websocket.Conn
	identity  Identity
	boundRoom string
	logger    *zap.Logger

	send    chan []byte
	limiter *rate.Limiter

	participant *Participant

	done        chan struct{}
	closeOnce   sync.Once
	closeCode   int
	closeReason string
}

// Serve runs the relay protocol on an upgraded websocket. boundRoom, when not
// empty, is the room the connection URL named; a join for any other room is
// rejected. Serve returns immediately; the pumps run until the connection ends.
func (r *Registry) Serve(ws *websocket.Conn, id Identity, boundRoom string) {
	c := &conn{
		reg:       r,
		ws:        ws,
		identity:  id,
		boundRoom: boundRoom,
		logger:    r.logger.With(zap.String("user_id", id.UserID)),
		send:      make(chan []byte, r.cfg.SendBuffer),
		limiter:   newRateLimiter(r.cfg.MaxMessagesPerSecond),
		done:      make(chan struct{}),
	}
	if !r.track(c) {
		msg := websocket.FormatCloseMessage(closeGoingAway, "server shutting down")
		_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(r.cfg.WriteTimeout))
		_ = ws.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

func (c *conn) readPump() {
	defer c.teardown()

	cfg := c.reg.cfg
	c.ws.SetReadLimit(cfg.MaxMessageBytes)
	c.ws.SetReadDeadline(time.Now().Add(cfg.JoinTimeout))
	c.ws.SetPongHandler(func(string) error {
		// before join the join deadline stands
		if c.participant != nil {
			c.ws.SetReadDeadline(time.Now().Add(cfg.PongWait))
		}
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read failed", zap.Error(err))
			}
			if c.participant == nil && isTimeout(err) {
				c.logger.Info("no join before deadline")
			}
			return
		}

		if !c.limiter.Allow() {
			c.reg.metrics.Inc(metrics.EventRateLimited)
			c.logger.Warn("rate limit exceeded, closing")
			c.closeWith(closePolicyViolation, "rate limit exceeded")
			return
		}

		env, err := models.Decode(data)
		if err != nil {
			c.reg.metrics.Inc(metrics.EventBadMessage)
			c.logger.Debug("undecodable message", zap.Error(err))
			c.sendError(models.ErrorCodeBadMessage, err.Error())
			continue
		}

		if !c.handle(env) {
			return
		}
	}
}

// handle processes one decoded envelope and reports whether the connection
// stays open.
func (c *conn) handle(env models.Envelope) bool {
	switch p := env.Payload.(type) {
	case *models.Join:
		if c.participant != nil {
			c.reject(ErrAlreadyJoined)
			return false
		}
		if err := c.join(p); err != nil {
			c.reject(err)
			return false
		}
		c.ws.SetReadDeadline(time.Now().Add(c.reg.cfg.PongWait))
		return true

	case *models.Leave:
		return false

	default:
		if c.participant == nil {
			c.sendError(models.ErrorCodeJoinRequired, "send join before "+string(env.Type))
			return true
		}
		c.reg.route(c.participant, env)
		return true
	}
}

func (c *conn) join(j *models.Join) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.reg.cfg.WriteTimeout)
	defer cancel()

	if c.boundRoom != "" && j.RoomID != c.boundRoom {
		bound, err := c.reg.dir.Lookup(ctx, c.boundRoom)
		if err != nil {
			return err
		}
		requested, err := c.reg.dir.Lookup(ctx, j.RoomID)
		if err != nil {
			return err
		}
		if bound.ID != requested.ID {
			return ErrRoomMismatch
		}
	}

	p := &Participant{
		ID:          uuid.NewString(),
		UserID:      c.identity.UserID,
		DisplayName: c.displayName(ctx, j.DisplayName),
		JoinedAt:    time.Now(),
		send:        c.send,
	}
	if _, err := c.reg.Join(ctx, j.RoomID, p); err != nil {
		return err
	}
	c.participant = p
	return nil
}

// displayName prefers the name registered for an authenticated user, then
// the name the client asked for.
func (c *conn) displayName(ctx context.Context, requested string) string {
	if c.identity.Authenticated && c.reg.identity != nil {
		name, err := c.reg.identity.DisplayName(ctx, c.identity.UserID)
		if err != nil {
			c.logger.Warn("display name lookup failed", zap.Error(err))
		} else if name != "" {
			return name
		}
	}
	if name := strings.TrimSpace(requested); name != "" {
		return name
	}
	return defaultDisplayName
}

func (c *conn) reject(err error) {
	c.reg.metrics.Inc(metrics.EventAdmissionRejected)
	code := errorCode(err)
	c.logger.Info("join rejected", zap.String("code", code), zap.Error(err))
	c.sendError(code, err.Error())
	c.closeWith(closePolicyViolation, code)
}

func (c *conn) sendError(code, message string) {
	data, err := json.Marshal(models.New(&models.Error{Code: code, Message: message}))
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
		c.reg.metrics.Inc(metrics.EventQueueFull)
	}
}

func (c *conn) teardown() {
	if c.participant != nil {
		ctx, cancel := context.WithTimeout(context.Background(), c.reg.cfg.WriteTimeout)
		c.reg.Leave(ctx, c.participant)
		cancel()
	}
	c.closeWith(closeNormal, "")
	c.reg.untrack(c)
}

// closeWith asks the write pump to flush, send a close frame and drop the
// socket. Only the first call counts.
func (c *conn) closeWith(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		close(c.done)
	})
}

func (c *conn) writePump() {
	cfg := c.reg.cfg
	ticker := time.NewTicker(cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug("websocket write failed", zap.Error(err))
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.flush()
			msg := websocket.FormatCloseMessage(c.closeCode, c.closeReason)
			_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(cfg.WriteTimeout))
			return
		}
	}
}

// flush writes whatever is already queued.
func (c *conn) flush() {
	for {
		select {
		case message := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(c.reg.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			return
		}
	}
}

func isTimeout(err error) bool {
	var ne interface{ Timeout() bool }
	return errors.As(err, &ne) && ne.Timeout()
}
