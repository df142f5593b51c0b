package relay

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mossy-p/webrtc-meet/internal/metrics"
	"github.com/mossy-p/webrtc-meet/internal/models"
)

// route handles one envelope from an admitted participant. Identity fields
// are always overwritten from the sender's connection.
func (r *Registry) route(from *Participant, env models.Envelope) {
	room := from.room
	env.From = from.ID
	env.FromName = from.DisplayName

	switch p := env.Payload.(type) {
	case *models.Offer:
		r.forward(room, from, p.TargetUserID, env)
	case *models.Answer:
		r.forward(room, from, p.TargetUserID, env)
	case *models.ICECandidate:
		r.forward(room, from, p.TargetUserID, env)

	case *models.ChatMessage:
		p.FromUserID = from.ID
		p.FromUsername = from.DisplayName
		if p.MessageID == "" {
			p.MessageID = uuid.NewString()
		}
		p.Timestamp = time.Now().UnixMilli()
		r.broadcast(room, from, env)

	case *models.Typing:
		p.Username = from.DisplayName
		r.broadcast(room, from, env)

	case *models.ScreenShareStarted:
		p.ParticipantInfo = from.Info()
		r.setScreenSharing(room, from, true)
		r.broadcast(room, from, env)
	case *models.ScreenShareStopped:
		p.ParticipantInfo = from.Info()
		r.setScreenSharing(room, from, false)
		r.broadcast(room, from, env)

	case *models.Join, *models.Leave:
		// handled by the connection before routing
	case *models.RoomJoined, *models.UserJoined, *models.UserLeft, *models.Error:
		r.metrics.Inc(metrics.EventBadMessage)
		r.logger.Warn("client sent relay-only message",
			zap.String("participant_id", from.ID),
			zap.String("type", string(env.Type)),
		)
		r.reply(from, models.ErrorCodeBadMessage, "message type is reserved for the relay")
	}
}

func (r *Registry) forward(room *Room, from *Participant, target string, env models.Envelope) {
	room.mu.Lock()
	to := room.memberLocked(target)
	if to != nil {
		r.send(to, env)
	}
	room.mu.Unlock()

	if to == nil {
		r.metrics.Inc(metrics.EventRoutingMiss)
		r.logger.Warn("routing target not in room",
			zap.String("room_id", room.ID),
			zap.String("participant_id", from.ID),
			zap.String("target_id", target),
			zap.String("type", string(env.Type)),
		)
		return
	}
	r.metrics.Inc(metrics.EventRouted)
}

func (r *Registry) broadcast(room *Room, from *Participant, env models.Envelope) {
	room.mu.Lock()
	r.broadcastLocked(room, from, env)
	room.mu.Unlock()
	r.metrics.Inc(metrics.EventBroadcast)
}

func (r *Registry) setScreenSharing(room *Room, p *Participant, on bool) {
	room.mu.Lock()
	p.screenSharing = on
	room.mu.Unlock()
}

func (r *Registry) reply(to *Participant, code, message string) {
	r.send(to, models.New(&models.Error{Code: code, Message: message}))
}
