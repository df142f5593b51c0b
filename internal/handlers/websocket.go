package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mossy-p/webrtc-meet/internal/middleware"
	"github.com/mossy-p/webrtc-meet/internal/relay"
)

type SignalingConfig struct {
	JWTSecret      string
	RequireAuth    bool
	AllowedOrigins []string
}

// SignalingHandler upgrades websockets and hands them to the relay.
type SignalingHandler struct {
	reg      *relay.Registry
	dir      relay.Directory
	cfg      SignalingConfig
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewSignalingHandler builds the websocket endpoint. dir resolves the room
// named in /ws/signal/:roomId before the upgrade.
func NewSignalingHandler(reg *relay.Registry, dir relay.Directory, cfg SignalingConfig, logger *zap.Logger) *SignalingHandler {
	return &SignalingHandler{
		reg: reg,
		dir: dir,
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     CheckOrigin(cfg.AllowedOrigins),
		},
		logger: logger,
	}
}

// Handle serves both /ws and /ws/signal/:roomId. The latter binds the
// connection to that room.
func (h *SignalingHandler) Handle(c *gin.Context) {
	identity, err := h.authenticate(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	var boundRoom string
	if ident := c.Param("roomId"); ident != "" {
		info, err := h.dir.Lookup(c.Request.Context(), ident)
		if errors.Is(err, relay.ErrRoomNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
			return
		}
		if err != nil {
			h.logger.Error("lookup room", zap.String("room", ident), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load room"})
			return
		}
		boundRoom = info.ID
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	h.logger.Debug("websocket connected",
		zap.String("user_id", identity.UserID),
		zap.Bool("authenticated", identity.Authenticated),
		zap.String("room_id", boundRoom),
	)
	h.reg.Serve(conn, identity, boundRoom)
}

var (
	errTokenRequired = errors.New("authentication required")
	errTokenInvalid  = errors.New("invalid token")
)

// authenticate reads ?token= or an Authorization bearer header. Without a
// token the caller is anonymous unless auth is required.
func (h *SignalingHandler) authenticate(c *gin.Context) (relay.Identity, error) {
	token := c.Query("token")
	if token == "" {
		if header := c.GetHeader("Authorization"); header != "" {
			var ok bool
			if token, ok = middleware.BearerToken(header); !ok {
				return relay.Identity{}, errTokenInvalid
			}
		}
	}
	if token == "" {
		if h.cfg.RequireAuth {
			return relay.Identity{}, errTokenRequired
		}
		return relay.AnonymousIdentity(), nil
	}

	claims, err := middleware.ParseToken(h.cfg.JWTSecret, token)
	if err != nil {
		h.logger.Debug("rejecting websocket token", zap.Error(err))
		return relay.Identity{}, errTokenInvalid
	}
	return relay.Identity{UserID: claims.UserID, Authenticated: true}, nil
}
