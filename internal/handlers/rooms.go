package handlers

import (
	"context"
	"crypto/rand"
	"errors"
	"math/big"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mossy-p/webrtc-meet/internal/middleware"
	"github.com/mossy-p/webrtc-meet/internal/models"
	"github.com/mossy-p/webrtc-meet/internal/redis"
	"github.com/mossy-p/webrtc-meet/internal/relay"
)

const (
	codeChars        = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789" // Removed ambiguous chars
	codeAttempts     = 5
	defaultRoomLimit = 8
)

// RoomStore persists room metadata. *redis.Store implements it.
type RoomStore interface {
	CreateRoom(ctx context.Context, room models.RoomMetadata) error
	GetRoom(ctx context.Context, identifier string) (*models.RoomMetadata, error)
	DeleteRoom(ctx context.Context, room *models.RoomMetadata) error
	ListPublicRooms(ctx context.Context) ([]models.RoomMetadata, error)
}

type RoomHandler struct {
	store           RoomStore
	defaultCapacity int
	logger          *zap.Logger
}

func NewRoomHandler(store RoomStore, defaultCapacity int, logger *zap.Logger) *RoomHandler {
	if defaultCapacity <= 0 {
		defaultCapacity = defaultRoomLimit
	}
	return &RoomHandler{store: store, defaultCapacity: defaultCapacity, logger: logger}
}

// Create creates a new room (requires authentication)
func (h *RoomHandler) Create(c *gin.Context) {
	userID := c.GetString(middleware.UserIDKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	var req models.CreateRoomRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if req.MaxParticipants == 0 {
		req.MaxParticipants = h.defaultCapacity
	}

	room := models.RoomMetadata{
		ID:              uuid.New().String(),
		CreatorID:       userID,
		CreatedAt:       time.Now().UTC(),
		MaxParticipants: req.MaxParticipants,
		IsPublic:        req.IsPublic,
	}

	var err error
	for attempt := 0; attempt < codeAttempts; attempt++ {
		room.Code = generateRoomCode()
		err = h.store.CreateRoom(c.Request.Context(), room)
		if !errors.Is(err, redis.ErrCodeTaken) {
			break
		}
	}
	if err != nil {
		h.logger.Error("create room", zap.String("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create room"})
		return
	}

	h.logger.Info("room created",
		zap.String("room_id", room.ID),
		zap.String("code", room.Code),
		zap.String("user_id", userID),
	)
	c.JSON(http.StatusCreated, models.CreateRoomResponse{
		RoomID: room.ID,
		Code:   room.Code,
	})
}

// List returns every public room (requires authentication)
func (h *RoomHandler) List(c *gin.Context) {
	rooms, err := h.store.ListPublicRooms(c.Request.Context())
	if err != nil {
		h.logger.Error("list rooms", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list rooms"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rooms": rooms})
}

// Get returns room information by code or ID (public)
func (h *RoomHandler) Get(c *gin.Context) {
	room, ok := h.load(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, room)
}

// Delete deletes a room (requires authentication and creator)
func (h *RoomHandler) Delete(c *gin.Context) {
	userID := c.GetString(middleware.UserIDKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	room, ok := h.load(c)
	if !ok {
		return
	}
	if room.CreatorID != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "Only the room creator can delete the room"})
		return
	}

	if err := h.store.DeleteRoom(c.Request.Context(), room); err != nil {
		h.logger.Error("delete room", zap.String("room_id", room.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete room"})
		return
	}

	h.logger.Info("room deleted", zap.String("room_id", room.ID), zap.String("user_id", userID))
	c.JSON(http.StatusOK, gin.H{"message": "Room deleted"})
}

func (h *RoomHandler) load(c *gin.Context) (*models.RoomMetadata, bool) {
	room, err := h.store.GetRoom(c.Request.Context(), c.Param("roomId"))
	switch {
	case errors.Is(err, relay.ErrRoomNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
		return nil, false
	case err != nil:
		h.logger.Error("load room", zap.String("room", c.Param("roomId")), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load room"})
		return nil, false
	}
	return room, true
}

// generateRoomCode generates a random room code
func generateRoomCode() string {
	code := make([]byte, redis.CodeLength)
	for i := range code {
		n, _ := rand.Int(rand.Reader, big.NewInt(int64(len(codeChars))))
		code[i] = codeChars[n.Int64()]
	}
	return string(code)
}
