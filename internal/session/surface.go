package session

import (
	"github.com/mossy-p/webrtc-meet/internal/models"
	"github.com/mossy-p/webrtc-meet/internal/peer"
	"github.com/mossy-p/webrtc-meet/internal/quality"
)

// Surface is whatever presents the session to a user. Methods are called
// from signaling and media goroutines and must not block.
type Surface interface {
	ParticipantJoined(p models.ParticipantInfo)
	ParticipantLeft(id string)
	LinkStateChanged(remoteID string, s peer.State)
	PresentingChanged(remoteID string, presenting bool)
	ActiveSpeakerChanged(previous, current string)
	QualityChanged(remoteID string, s quality.Sample)
	ChatReceived(msg models.ChatMessage)
	TypingChanged(remoteID, username string, typing bool)
	Notice(err error)
}

// NopSurface ignores everything.
type NopSurface struct{}

func (NopSurface) ParticipantJoined(models.ParticipantInfo) {}
func (NopSurface) ParticipantLeft(string)                   {}
func (NopSurface) LinkStateChanged(string, peer.State)      {}
func (NopSurface) PresentingChanged(string, bool)           {}
func (NopSurface) ActiveSpeakerChanged(string, string)      {}
func (NopSurface) QualityChanged(string, quality.Sample)    {}
func (NopSurface) ChatReceived(models.ChatMessage)          {}
func (NopSurface) TypingChanged(string, string, bool)       {}
func (NopSurface) Notice(error)                             {}
