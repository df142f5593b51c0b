// Package peer drives offer/answer/ICE negotiation with one remote
// participant and swaps outgoing tracks on the established connection.
package peer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/mossy-p/webrtc-meet/internal/models"
	"github.com/mossy-p/webrtc-meet/internal/quality"
)

// State is the negotiation state of a Link.
type State int

const (
	StateIdle State = iota
	StateOffering
	StateAwaitingAnswer
	StateAnswering
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOffering:
		return "offering"
	case StateAwaitingAnswer:
		return "awaiting-answer"
	case StateAnswering:
		return "answering"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// TrackSender is the part of *webrtc.RTPSender a link needs.
type TrackSender interface {
	ReplaceTrack(track webrtc.TrackLocal) error
	Track() webrtc.TrackLocal
}

// Conn is the peer connection underneath a Link. *PionConn implements it.
type Conn interface {
	quality.StatsSource

	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(c webrtc.ICECandidateInit) error
	OnICECandidate(fn func(webrtc.ICECandidateInit))
	OnConnectionStateChange(fn func(webrtc.PeerConnectionState))
	// VideoSender and AudioSender return nil when the connection has no
	// sender of that kind.
	VideoSender() TrackSender
	AudioSender() TrackSender
	Close() error
}

// Sender delivers envelopes to the relay.
type Sender interface {
	Send(env models.Envelope) error
}

type LinkConfig struct {
	RemoteID      string
	RemoteName    string
	Conn          Conn
	Out           Sender
	Logger        *zap.Logger
	AnswerTimeout time.Duration
	OnStateChange func(remoteID string, s State)
	OnFailure     func(remoteID string, err error)

	// DisconnectGrace is how long a disconnected transport may take to
	// recover before the link closes. Zero means DefaultDisconnectGrace.
	DisconnectGrace time.Duration
}

const DefaultDisconnectGrace = 5 * time.Second

// Link is the negotiation state for one remote participant.
type Link struct {
	remoteID   string
	remoteName string
	conn       Conn
	out        Sender
	logger     *zap.Logger

	answerTimeout   time.Duration
	disconnectGrace time.Duration
	onState         func(string, State)
	onFailure       func(string, error)

	mu          sync.Mutex
	state       State
	closed      bool
	remoteSet   bool
	pending     []webrtc.ICECandidateInit
	descSent    bool
	outgoing    []webrtc.ICECandidateInit
	videoTrack  webrtc.TrackLocal
	answerTimer *time.Timer
	graceTimer  *time.Timer
}

func NewLink(cfg LinkConfig) *Link {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Link{
		remoteID:      cfg.RemoteID,
		remoteName:    cfg.RemoteName,
		conn:          cfg.Conn,
		out:           cfg.Out,
		logger:        logger.With(zap.String("remote_id", cfg.RemoteID)),
		answerTimeout:   cfg.AnswerTimeout,
		disconnectGrace: cfg.DisconnectGrace,
		onState:         cfg.OnStateChange,
		onFailure:       cfg.OnFailure,
	}
	if l.disconnectGrace <= 0 {
		l.disconnectGrace = DefaultDisconnectGrace
	}
	if s := cfg.Conn.VideoSender(); s != nil {
		l.videoTrack = s.Track()
	}

	cfg.Conn.OnICECandidate(l.trickle)
	cfg.Conn.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		l.logger.Debug("transport state changed", zap.Stringer("transport_state", s))
		switch s {
		case webrtc.PeerConnectionStateDisconnected:
			l.armGraceTimer()
		case webrtc.PeerConnectionStateConnected:
			l.stopGraceTimer()
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			l.fail(fmt.Errorf("%w: %s", ErrTransportFailed, s))
		}
	})
	return l
}

func (l *Link) RemoteID() string   { return l.remoteID }
func (l *Link) RemoteName() string { return l.remoteName }

func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// VideoTrack is the video track most recently set on the sender.
func (l *Link) VideoTrack() webrtc.TrackLocal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.videoTrack
}

// PendingCandidates reports how many early candidates are buffered.
func (l *Link) PendingCandidates() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// Stats exposes the connection's transport statistics.
func (l *Link) Stats() (quality.Stats, bool) {
	if l.isClosed() {
		return quality.Stats{}, false
	}
	return l.conn.Stats()
}

// StartOffer runs the initiator side: idle -> offering -> awaiting-answer.
func (l *Link) StartOffer(ctx context.Context) error {
	if err := l.enter(StateOffering, StateIdle); err != nil {
		return err
	}

	offer, err := l.conn.CreateOffer()
	if err != nil {
		return l.fail(fmt.Errorf("create offer: %w", err))
	}
	if err := ctx.Err(); err != nil {
		return l.fail(err)
	}
	if err := l.conn.SetLocalDescription(offer); err != nil {
		return l.fail(fmt.Errorf("set local offer: %w", err))
	}

	env := models.New(&models.Offer{SDP: offer.SDP, TargetUserID: l.remoteID})
	return l.sendOffer(env)
}

// sendOffer sends the offer and enters awaiting-answer under one lock hold,
// so an answer that races back is never seen in offering.
func (l *Link) sendOffer(env models.Envelope) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	if err := l.out.Send(env); err != nil {
		l.mu.Unlock()
		return l.fail(fmt.Errorf("send offer: %w", err))
	}
	l.state = StateAwaitingAnswer
	if l.answerTimeout > 0 {
		l.answerTimer = time.AfterFunc(l.answerTimeout, func() {
			if l.State() == StateAwaitingAnswer {
				l.fail(ErrAnswerTimeout)
			}
		})
	}
	l.mu.Unlock()

	l.logger.Debug("offer sent")
	l.notify(StateAwaitingAnswer)
	l.releaseCandidates()
	return nil
}

// HandleOffer runs the responder side: idle -> answering -> connected.
func (l *Link) HandleOffer(ctx context.Context, offer webrtc.SessionDescription) error {
	if err := l.enter(StateAnswering, StateIdle); err != nil {
		return err
	}

	if err := l.conn.SetRemoteDescription(offer); err != nil {
		return l.fail(fmt.Errorf("set remote offer: %w", err))
	}
	answer, err := l.conn.CreateAnswer()
	if err != nil {
		return l.fail(fmt.Errorf("create answer: %w", err))
	}
	if err := ctx.Err(); err != nil {
		return l.fail(err)
	}
	if err := l.conn.SetLocalDescription(answer); err != nil {
		return l.fail(fmt.Errorf("set local answer: %w", err))
	}
	if l.isClosed() {
		return ErrClosed
	}

	env := models.New(&models.Answer{SDP: answer.SDP, TargetUserID: l.remoteID})
	if err := l.out.Send(env); err != nil {
		return l.fail(fmt.Errorf("send answer: %w", err))
	}
	l.releaseCandidates()

	return l.complete(StateAnswering)
}

// HandleAnswer applies the answer to an outstanding offer.
func (l *Link) HandleAnswer(answer webrtc.SessionDescription) error {
	l.mu.Lock()
	switch {
	case l.closed:
		l.mu.Unlock()
		return ErrClosed
	case l.state != StateAwaitingAnswer:
		st := l.state
		l.mu.Unlock()
		return fmt.Errorf("%w: answer received in %s", ErrInvalidState, st)
	}
	if l.answerTimer != nil {
		l.answerTimer.Stop()
		l.answerTimer = nil
	}
	l.mu.Unlock()

	if err := l.conn.SetRemoteDescription(answer); err != nil {
		return l.fail(fmt.Errorf("set remote answer: %w", err))
	}
	return l.complete(StateAwaitingAnswer)
}

// HandleCandidate applies c, or buffers it until a remote description exists.
func (l *Link) HandleCandidate(c webrtc.ICECandidateInit) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}
	if !l.remoteSet {
		l.pending = append(l.pending, c)
		return nil
	}
	if err := l.conn.AddICECandidate(c); err != nil {
		l.logger.Warn("add ice candidate failed", zap.Error(err))
		return fmt.Errorf("add candidate: %w", err)
	}
	return nil
}

// ReplaceVideoTrack swaps the outgoing video without renegotiating.
func (l *Link) ReplaceVideoTrack(track webrtc.TrackLocal) error {
	if l.isClosed() {
		return ErrClosed
	}
	sender := l.conn.VideoSender()
	if sender == nil {
		return ErrNoVideoSender
	}
	if err := sender.ReplaceTrack(track); err != nil {
		return fmt.Errorf("replace video track: %w", err)
	}
	l.mu.Lock()
	l.videoTrack = track
	l.mu.Unlock()
	return nil
}

// SetAudioTrack swaps the outgoing audio; nil mutes.
func (l *Link) SetAudioTrack(track webrtc.TrackLocal) error {
	if l.isClosed() {
		return ErrClosed
	}
	sender := l.conn.AudioSender()
	if sender == nil {
		return ErrNoAudioSender
	}
	if err := sender.ReplaceTrack(track); err != nil {
		return fmt.Errorf("replace audio track: %w", err)
	}
	return nil
}

// Close tears the link down. Only the first call has any effect.
func (l *Link) Close() {
	l.shutdown(nil)
}

func (l *Link) enter(to State, from State) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	if l.state != from {
		st := l.state
		l.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidState, st, to)
	}
	l.state = to
	l.mu.Unlock()

	l.notify(to)
	return nil
}

// complete marks the remote description applied, flushes early candidates in
// receipt order and moves to connected.
func (l *Link) complete(from State) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	if l.state != from {
		st := l.state
		l.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidState, st, StateConnected)
	}
	l.remoteSet = true
	for _, c := range l.pending {
		if err := l.conn.AddICECandidate(c); err != nil {
			l.logger.Warn("add buffered ice candidate failed", zap.Error(err))
		}
	}
	flushed := len(l.pending)
	l.pending = nil
	l.state = StateConnected
	l.mu.Unlock()

	l.logger.Debug("negotiation complete", zap.Int("flushed_candidates", flushed))
	l.notify(StateConnected)
	return nil
}

func (l *Link) armGraceTimer() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || l.graceTimer != nil {
		return
	}
	l.graceTimer = time.AfterFunc(l.disconnectGrace, func() {
		l.fail(fmt.Errorf("%w: disconnected for %s", ErrTransportFailed, l.disconnectGrace))
	})
}

func (l *Link) stopGraceTimer() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.graceTimer != nil {
		l.graceTimer.Stop()
		l.graceTimer = nil
	}
}

// trickle sends a local candidate, holding it until our description has gone
// out so the remote never sees a candidate before the offer or answer.
func (l *Link) trickle(c webrtc.ICECandidateInit) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	if !l.descSent {
		l.outgoing = append(l.outgoing, c)
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()
	l.sendCandidate(c)
}

func (l *Link) releaseCandidates() {
	l.mu.Lock()
	l.descSent = true
	held := l.outgoing
	l.outgoing = nil
	l.mu.Unlock()

	for _, c := range held {
		l.sendCandidate(c)
	}
}

func (l *Link) sendCandidate(c webrtc.ICECandidateInit) {
	env := models.New(&models.ICECandidate{Candidate: c, TargetUserID: l.remoteID})
	if err := l.out.Send(env); err != nil {
		l.logger.Warn("send ice candidate failed", zap.Error(err))
	}
}

func (l *Link) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// fail closes the link and reports err upward. It returns err, or ErrClosed
// when the link was already closed.
func (l *Link) fail(err error) error {
	if !l.shutdown(err) {
		return ErrClosed
	}
	return err
}

func (l *Link) shutdown(cause error) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.closed = true
	l.state = StateClosed
	l.pending = nil
	l.outgoing = nil
	if l.answerTimer != nil {
		l.answerTimer.Stop()
		l.answerTimer = nil
	}
	if l.graceTimer != nil {
		l.graceTimer.Stop()
		l.graceTimer = nil
	}
	l.mu.Unlock()

	if err := l.conn.Close(); err != nil {
		l.logger.Debug("close peer connection", zap.Error(err))
	}
	if cause != nil {
		l.logger.Warn("peer link failed", zap.Error(cause))
	}
	l.notify(StateClosed)
	if cause != nil && l.onFailure != nil {
		l.onFailure(l.remoteID, cause)
	}
	return true
}

func (l *Link) notify(s State) {
	if l.onState != nil {
		l.onState(l.remoteID, s)
	}
}
