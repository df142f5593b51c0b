package relay

import (
	"errors"

	"github.com/mossy-p/webrtc-meet/internal/models"
)

var (
	ErrRoomFull      = errors.New("room is full")
	ErrRoomNotFound  = errors.New("room not found")
	ErrAlreadyJoined = errors.New("already joined a room")
	ErrRoomMismatch  = errors.New("join does not match the connection's room")
	ErrShuttingDown  = errors.New("relay is shutting down")
)

// errorCode maps an admission error to its wire code.
func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrRoomFull):
		return models.ErrorCodeRoomFull
	case errors.Is(err, ErrRoomNotFound):
		return models.ErrorCodeRoomNotFound
	case errors.Is(err, ErrAlreadyJoined):
		return models.ErrorCodeAlreadyJoined
	case errors.Is(err, ErrRoomMismatch):
		return models.ErrorCodeRoomMismatch
	default:
		return models.ErrorCodeBadMessage
	}
}
