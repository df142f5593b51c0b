package models

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// SignalType represents the type of signaling message
type SignalType string

const (
	SignalTypeJoin               SignalType = "join"
	SignalTypeLeave              SignalType = "leave"
	SignalTypeRoomJoined         SignalType = "room-joined"
	SignalTypeUserJoined         SignalType = "user-joined"
	SignalTypeUserLeft           SignalType = "user-left"
	SignalTypeOffer              SignalType = "offer"
	SignalTypeAnswer             SignalType = "answer"
	SignalTypeCandidate          SignalType = "ice-candidate"
	SignalTypeChatMessage        SignalType = "chat-message"
	SignalTypeTyping             SignalType = "typing"
	SignalTypeScreenShareStarted SignalType = "screen-share-started"
	SignalTypeScreenShareStopped SignalType = "screen-share-stopped"
	SignalTypeError              SignalType = "error"
)

// Error codes carried by SignalTypeError envelopes.
const (
	ErrorCodeRoomFull      = "room-full"
	ErrorCodeRoomNotFound  = "room-not-found"
	ErrorCodeRoomMismatch  = "room-mismatch"
	ErrorCodeAlreadyJoined = "already-joined"
	ErrorCodeJoinRequired  = "join-required"
	ErrorCodeBadMessage    = "bad-message"
	ErrorCodeUnauthorized  = "unauthorized"
)

var ErrUnknownType = errors.New("unknown signal type")

// Payload is implemented by every message body. The set of implementations is
// closed: one struct per SignalType.
type Payload interface {
	SignalType() SignalType
	validate() error
}

// Envelope is a signaling message. From and FromName are stamped by the relay
// and never taken from the client.
type Envelope struct {
	Type     SignalType
	From     string
	FromName string
	Payload  Payload
}

// New wraps a payload in an envelope of the matching type.
func New(p Payload) Envelope {
	return Envelope{Type: p.SignalType(), Payload: p}
}

// Target returns the addressed participant for point-to-point messages.
func (e Envelope) Target() (string, bool) {
	switch p := e.Payload.(type) {
	case *Offer:
		return p.TargetUserID, true
	case *Answer:
		return p.TargetUserID, true
	case *ICECandidate:
		return p.TargetUserID, true
	default:
		return "", false
	}
}

type wireEnvelope struct {
	Type     SignalType      `json:"type"`
	From     string          `json:"from,omitempty"`
	FromName string          `json:"fromName,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	w := wireEnvelope{Type: e.Type, From: e.From, FromName: e.FromName}
	if e.Payload != nil {
		if e.Payload.SignalType() != e.Type {
			return nil, fmt.Errorf("payload type %q does not match envelope type %q", e.Payload.SignalType(), e.Type)
		}
		raw, err := json.Marshal(e.Payload)
		if err != nil {
			return nil, err
		}
		w.Payload = raw
	}
	return json.Marshal(w)
}

func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	p, err := newPayload(w.Type)
	if err != nil {
		return err
	}
	if len(w.Payload) > 0 && string(w.Payload) != "null" {
		if err := json.Unmarshal(w.Payload, p); err != nil {
			return fmt.Errorf("decode %s payload: %w", w.Type, err)
		}
	}
	*e = Envelope{Type: w.Type, From: w.From, FromName: w.FromName, Payload: p}
	return nil
}

// Decode parses and validates a wire message.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, err
	}
	if err := env.Payload.validate(); err != nil {
		return Envelope{}, fmt.Errorf("invalid %s message: %w", env.Type, err)
	}
	return env, nil
}

func newPayload(t SignalType) (Payload, error) {
	switch t {
	case SignalTypeJoin:
		return &Join{}, nil
	case SignalTypeLeave:
		return &Leave{}, nil
	case SignalTypeRoomJoined:
		return &RoomJoined{}, nil
	case SignalTypeUserJoined:
		return &UserJoined{}, nil
	case SignalTypeUserLeft:
		return &UserLeft{}, nil
	case SignalTypeOffer:
		return &Offer{}, nil
	case SignalTypeAnswer:
		return &Answer{}, nil
	case SignalTypeCandidate:
		return &ICECandidate{}, nil
	case SignalTypeChatMessage:
		return &ChatMessage{}, nil
	case SignalTypeTyping:
		return &Typing{}, nil
	case SignalTypeScreenShareStarted:
		return &ScreenShareStarted{}, nil
	case SignalTypeScreenShareStopped:
		return &ScreenShareStopped{}, nil
	case SignalTypeError:
		return &Error{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
}

// ParticipantInfo is the public view of a room member.
type ParticipantInfo struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

type Join struct {
	RoomID      string `json:"roomId"`
	DisplayName string `json:"displayName,omitempty"`
}

func (*Join) SignalType() SignalType { return SignalTypeJoin }

func (p *Join) validate() error {
	if p.RoomID == "" {
		return errors.New("missing roomId")
	}
	return nil
}

type Leave struct{}

func (*Leave) SignalType() SignalType { return SignalTypeLeave }
func (*Leave) validate() error        { return nil }

// RoomJoined answers a successful join. UserID is the joiner's own
// participant id; Participants lists the other members in join order.
type RoomJoined struct {
	RoomID       string            `json:"roomId"`
	UserID       string            `json:"userId"`
	Participants []ParticipantInfo `json:"participants"`
}

func (*RoomJoined) SignalType() SignalType { return SignalTypeRoomJoined }

func (p *RoomJoined) validate() error {
	if p.UserID == "" {
		return errors.New("missing userId")
	}
	return nil
}

type UserJoined struct{ ParticipantInfo }

func (*UserJoined) SignalType() SignalType { return SignalTypeUserJoined }
func (p *UserJoined) validate() error      { return requireUser(p.UserID) }

type UserLeft struct{ ParticipantInfo }

func (*UserLeft) SignalType() SignalType { return SignalTypeUserLeft }
func (p *UserLeft) validate() error      { return requireUser(p.UserID) }

type Offer struct {
	SDP          string `json:"sdp"`
	TargetUserID string `json:"targetUserId"`
}

func (*Offer) SignalType() SignalType { return SignalTypeOffer }
func (p *Offer) validate() error      { return requireSDP(p.SDP, p.TargetUserID) }

// Description returns the pion form of the offer.
func (p *Offer) Description() webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: p.SDP}
}

type Answer struct {
	SDP          string `json:"sdp"`
	TargetUserID string `json:"targetUserId"`
}

func (*Answer) SignalType() SignalType { return SignalTypeAnswer }
func (p *Answer) validate() error      { return requireSDP(p.SDP, p.TargetUserID) }

// Description returns the pion form of the answer.
func (p *Answer) Description() webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: p.SDP}
}

type ICECandidate struct {
	Candidate    webrtc.ICECandidateInit `json:"candidate"`
	TargetUserID string                  `json:"targetUserId"`
}

func (*ICECandidate) SignalType() SignalType { return SignalTypeCandidate }

func (p *ICECandidate) validate() error {
	if p.TargetUserID == "" {
		return errors.New("missing targetUserId")
	}
	if p.Candidate.Candidate == "" {
		return errors.New("missing candidate")
	}
	return nil
}

type ChatMessage struct {
	MessageID    string `json:"messageId"`
	Text         string `json:"text"`
	FromUserID   string `json:"fromUserId"`
	FromUsername string `json:"fromUsername"`
	Timestamp    int64  `json:"timestamp"`
}

func (*ChatMessage) SignalType() SignalType { return SignalTypeChatMessage }

func (p *ChatMessage) validate() error {
	if p.Text == "" {
		return errors.New("empty text")
	}
	return nil
}

type Typing struct {
	IsTyping bool   `json:"isTyping"`
	Username string `json:"username"`
}

func (*Typing) SignalType() SignalType { return SignalTypeTyping }
func (*Typing) validate() error        { return nil }

// ScreenShareStarted and ScreenShareStopped identity fields are filled in by
// the relay; clients may leave them empty.
type ScreenShareStarted struct{ ParticipantInfo }

func (*ScreenShareStarted) SignalType() SignalType { return SignalTypeScreenShareStarted }
func (*ScreenShareStarted) validate() error        { return nil }

type ScreenShareStopped struct{ ParticipantInfo }

func (*ScreenShareStopped) SignalType() SignalType { return SignalTypeScreenShareStopped }
func (*ScreenShareStopped) validate() error        { return nil }

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (*Error) SignalType() SignalType { return SignalTypeError }

func (p *Error) validate() error {
	if p.Code == "" {
		return errors.New("missing code")
	}
	return nil
}

func requireUser(id string) error {
	if id == "" {
		return errors.New("missing userId")
	}
	return nil
}

func requireSDP(sdp, target string) error {
	if sdp == "" {
		return errors.New("missing sdp")
	}
	if target == "" {
		return errors.New("missing targetUserId")
	}
	return nil
}
