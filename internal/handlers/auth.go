package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mossy-p/webrtc-meet/internal/middleware"
)

// TokenTTL is how long issued tokens stay valid.
const TokenTTL = 24 * time.Hour

// LoginRequest represents the login request body
type LoginRequest struct {
	Username    string `json:"username" binding:"required"`
	Password    string `json:"password" binding:"required"`
	DisplayName string `json:"displayName"`
}

// LoginResponse represents the login response
type LoginResponse struct {
	Token  string `json:"token"`
	UserID string `json:"user_id"`
}

// NameStore remembers the display name a user logged in with.
type NameStore interface {
	SetDisplayName(ctx context.Context, userID, name string) error
}

// Login handles user login and JWT generation.
// For demo purposes, accepts any username/password combination. names may be
// nil.
func Login(jwtSecret string, names NameStore, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req LoginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid request body",
			})
			return
		}

		// In production, validate against a user database
		userID := req.Username

		tokenString, err := middleware.IssueToken(jwtSecret, userID, TokenTTL)
		if err != nil {
			logger.Error("sign token", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to generate token",
			})
			return
		}

		if name := strings.TrimSpace(req.DisplayName); name != "" && names != nil {
			if err := names.SetDisplayName(c.Request.Context(), userID, name); err != nil {
				logger.Warn("store display name", zap.String("user_id", userID), zap.Error(err))
			}
		}

		c.JSON(http.StatusOK, LoginResponse{
			Token:  tokenString,
			UserID: userID,
		})
	}
}
