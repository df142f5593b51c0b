package main

import (
	"go.uber.org/zap"

	"github.com/mossy-p/webrtc-meet/internal/models"
	"github.com/mossy-p/webrtc-meet/internal/peer"
	"github.com/mossy-p/webrtc-meet/internal/quality"
)

// logSurface reports session activity to the process log.
type logSurface struct {
	logger *zap.Logger
}

func (s logSurface) ParticipantJoined(p models.ParticipantInfo) {
	s.logger.Info("participant joined", zap.String("participant_id", p.UserID), zap.String("name", p.Username))
}

func (s logSurface) ParticipantLeft(id string) {
	s.logger.Info("participant left", zap.String("participant_id", id))
}

func (s logSurface) LinkStateChanged(remoteID string, st peer.State) {
	s.logger.Info("link state", zap.String("remote_id", remoteID), zap.Stringer("state", st))
}

func (s logSurface) PresentingChanged(remoteID string, presenting bool) {
	s.logger.Info("presenting", zap.String("remote_id", remoteID), zap.Bool("presenting", presenting))
}

func (s logSurface) ActiveSpeakerChanged(previous, current string) {
	s.logger.Info("active speaker", zap.String("previous", previous), zap.String("current", current))
}

func (s logSurface) QualityChanged(remoteID string, q quality.Sample) {
	s.logger.Info("quality",
		zap.String("remote_id", remoteID),
		zap.Stringer("tier", q.Tier),
		zap.Duration("rtt", q.AvgRoundTripTime),
		zap.Duration("jitter", q.AvgJitter),
		zap.Int64("lost", q.PacketLoss),
		zap.Int("bitrate_kbps", q.RecommendedBitrate),
	)
}

func (s logSurface) ChatReceived(msg models.ChatMessage) {
	s.logger.Info("chat", zap.String("from", msg.FromUsername), zap.String("text", msg.Text))
}

func (s logSurface) TypingChanged(remoteID, username string, typing bool) {
	s.logger.Debug("typing", zap.String("remote_id", remoteID), zap.String("name", username), zap.Bool("typing", typing))
}

func (s logSurface) Notice(err error) {
	s.logger.Warn("session notice", zap.Error(err))
}
