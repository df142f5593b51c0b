package peer

import "errors"

var (
	ErrClosed          = errors.New("peer link closed")
	ErrInvalidState    = errors.New("invalid negotiation state")
	ErrAnswerTimeout   = errors.New("timed out waiting for answer")
	ErrTransportFailed = errors.New("peer transport failed")
	ErrNoVideoSender   = errors.New("peer connection has no video sender")
	ErrNoAudioSender   = errors.New("peer connection has no audio sender")
)
