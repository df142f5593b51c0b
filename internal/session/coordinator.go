// Package session ties the signaling client, one peer link per remote
// participant and the local media together for a single room.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/mossy-p/webrtc-meet/internal/events"
	"github.com/mossy-p/webrtc-meet/internal/media"
	"github.com/mossy-p/webrtc-meet/internal/models"
	"github.com/mossy-p/webrtc-meet/internal/peer"
	"github.com/mossy-p/webrtc-meet/internal/quality"
	"github.com/mossy-p/webrtc-meet/internal/speaker"
)

var (
	ErrClosed        = errors.New("session closed")
	ErrNotJoined     = errors.New("not in a room")
	ErrAlreadyJoined = errors.New("already joined")
	ErrSignalingLost = errors.New("signaling connection lost")
	ErrUnknownPeer   = errors.New("unknown participant")
	ErrNotPresenting = errors.New("not presenting")
)

// RelayError is an error envelope received from the relay.
type RelayError struct {
	Code    string
	Message string
}

func (e *RelayError) Error() string {
	return fmt.Sprintf("relay error %s: %s", e.Code, e.Message)
}

// Signaler is the connection to the relay. *signalclient.Client implements it.
type Signaler interface {
	Send(env models.Envelope) error
	Done() <-chan struct{}
}

// ConnFactory opens the peer connection for a new link.
type ConnFactory func(remoteID string) (peer.Conn, error)

type Config struct {
	RoomID          string
	DisplayName     string
	AnswerTimeout   time.Duration
	DisconnectGrace time.Duration

	NewConn  ConnFactory
	Media    *media.Source
	Provider media.Provider

	// Optional.
	Detector *speaker.Detector
	Sampler  *quality.Sampler
	Surface  Surface
	Logger   *zap.Logger
}

// ShouldInitiate reports whether the local side makes the offer when it
// learns of a peer through event. Members already in the room offer to a
// newcomer; the newcomer waits.
func ShouldInitiate(event models.SignalType) bool {
	return event == models.SignalTypeUserJoined
}

// Coordinator owns the link map. It is the only thing that creates or
// discards links.
type Coordinator struct {
	cfg     Config
	bus     *events.Bus
	surface Surface
	logger  *zap.Logger
	subs    []*events.Subscription

	mu         sync.Mutex
	out        Signaler
	ctx        context.Context
	cancel     context.CancelFunc
	selfID     string
	roomID     string
	links      map[string]*peer.Link
	names      map[string]string
	pending    map[string]struct{}
	presenting map[string]bool
	closed     bool
}

// New subscribes the coordinator to every inbound message type on bus.
func New(cfg Config, bus *events.Bus) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	surface := cfg.Surface
	if surface == nil {
		surface = NopSurface{}
	}
	c := &Coordinator{
		cfg:        cfg,
		bus:        bus,
		surface:    surface,
		logger:     logger.Named("session"),
		links:      make(map[string]*peer.Link),
		names:      make(map[string]string),
		pending:    make(map[string]struct{}),
		presenting: make(map[string]bool),
	}

	for _, t := range []models.SignalType{
		models.SignalTypeRoomJoined,
		models.SignalTypeUserJoined,
		models.SignalTypeUserLeft,
		models.SignalTypeOffer,
		models.SignalTypeAnswer,
		models.SignalTypeCandidate,
		models.SignalTypeChatMessage,
		models.SignalTypeTyping,
		models.SignalTypeScreenShareStarted,
		models.SignalTypeScreenShareStopped,
		models.SignalTypeError,
	} {
		c.subs = append(c.subs, bus.Subscribe(t, c.dispatch))
	}

	if cfg.Detector != nil {
		cfg.Detector.OnChange(surface.ActiveSpeakerChanged)
	}
	if cfg.Sampler != nil {
		cfg.Sampler.OnTierChange(surface.QualityChanged)
	}
	return c
}

// Join sends a join for the configured room over out. ctx bounds every
// negotiation of this membership. Losing out tears every link down; joining
// again needs a new Signaler.
func (c *Coordinator) Join(ctx context.Context, out Signaler) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.out != nil {
		c.mu.Unlock()
		return ErrAlreadyJoined
	}
	jctx, cancel := context.WithCancel(ctx)
	c.out, c.ctx, c.cancel = out, jctx, cancel
	c.mu.Unlock()

	err := out.Send(models.New(&models.Join{RoomID: c.cfg.RoomID, DisplayName: c.cfg.DisplayName}))
	if err != nil {
		c.detach(out)
		return fmt.Errorf("send join: %w", err)
	}

	go func() {
		select {
		case <-out.Done():
			if c.detach(out) {
				c.logger.Warn("signaling lost, closing links")
				c.surface.Notice(ErrSignalingLost)
			}
		case <-jctx.Done():
		}
	}()
	return nil
}

// Run drives the speaker detector and quality sampler until ctx ends.
func (c *Coordinator) Run(ctx context.Context) {
	var wg sync.WaitGroup
	if d := c.cfg.Detector; d != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Run(ctx)
		}()
	}
	if s := c.cfg.Sampler; s != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Run(ctx)
		}()
	}
	wg.Wait()
}

func (c *Coordinator) SelfID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selfID
}

func (c *Coordinator) RoomID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID
}

// Link returns the current link to remoteID.
func (c *Coordinator) Link(remoteID string) (*peer.Link, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.links[remoteID]
	return l, ok
}

// Peers lists the known remote participant ids.
func (c *Coordinator) Peers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.names))
	for id := range c.names {
		out = append(out, id)
	}
	return out
}

// Pending reports whether an offer is expected from remoteID.
func (c *Coordinator) Pending(remoteID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[remoteID]
	return ok
}

// Presenting reports whether remoteID is sharing their screen.
func (c *Coordinator) Presenting(remoteID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.presenting[remoteID]
}

func (c *Coordinator) dispatch(env models.Envelope) {
	switch p := env.Payload.(type) {
	case *models.RoomJoined:
		c.onRoomJoined(p)
	case *models.UserJoined:
		c.onUserJoined(p.ParticipantInfo)
	case *models.UserLeft:
		c.removePeer(p.UserID)
	case *models.Offer:
		c.onOffer(env.From, env.FromName, p)
	case *models.Answer:
		c.onAnswer(env.From, p)
	case *models.ICECandidate:
		c.onCandidate(env.From, p)
	case *models.ChatMessage:
		c.surface.ChatReceived(*p)
	case *models.Typing:
		c.surface.TypingChanged(env.From, p.Username, p.IsTyping)
	case *models.ScreenShareStarted:
		c.setPresenting(sender(env, p.UserID), true)
	case *models.ScreenShareStopped:
		c.setPresenting(sender(env, p.UserID), false)
	case *models.Error:
		c.logger.Warn("relay error", zap.String("code", p.Code), zap.String("message", p.Message))
		c.surface.Notice(&RelayError{Code: p.Code, Message: p.Message})
	case *models.Join, *models.Leave:
		c.logger.Debug("ignoring client-only message", zap.String("type", string(env.Type)))
	}
}

func sender(env models.Envelope, id string) string {
	if id != "" {
		return id
	}
	return env.From
}

func (c *Coordinator) onRoomJoined(p *models.RoomJoined) {
	c.mu.Lock()
	c.selfID = p.UserID
	c.roomID = p.RoomID
	for _, info := range p.Participants {
		c.names[info.UserID] = info.Username
		if !ShouldInitiate(models.SignalTypeRoomJoined) {
			c.pending[info.UserID] = struct{}{}
		}
	}
	c.mu.Unlock()

	c.logger.Info("joined room",
		zap.String("room_id", p.RoomID),
		zap.String("participant_id", p.UserID),
		zap.Int("participants", len(p.Participants)),
	)
	for _, info := range p.Participants {
		c.surface.ParticipantJoined(info)
	}
}

func (c *Coordinator) onUserJoined(info models.ParticipantInfo) {
	c.mu.Lock()
	if info.UserID == c.selfID {
		c.mu.Unlock()
		return
	}
	c.names[info.UserID] = info.Username
	c.mu.Unlock()

	c.surface.ParticipantJoined(info)
	if !ShouldInitiate(models.SignalTypeUserJoined) {
		return
	}
	if err := c.offer(info.UserID, info.Username); err != nil {
		c.notice(info.UserID, err)
	}
}

// offer replaces any link to remoteID with a new one and starts the offer.
func (c *Coordinator) offer(remoteID, name string) error {
	link, ctx, err := c.replaceLink(remoteID, name)
	if err != nil {
		return err
	}
	return link.StartOffer(ctx)
}

func (c *Coordinator) onOffer(from, fromName string, p *models.Offer) {
	c.mu.Lock()
	existing := c.links[from]
	self := c.selfID
	if fromName == "" {
		fromName = c.names[from]
	}
	c.mu.Unlock()

	if existing != nil {
		switch existing.State() {
		case peer.StateOffering, peer.StateAwaitingAnswer:
			if self < from {
				c.logger.Info("glare: keeping local offer", zap.String("remote_id", from))
				return
			}
			c.logger.Info("glare: yielding to remote offer", zap.String("remote_id", from))
		}
	}

	link, ctx, err := c.replaceLink(from, fromName)
	if err != nil {
		c.notice(from, err)
		return
	}
	if err := link.HandleOffer(ctx, p.Description()); err != nil {
		c.notice(from, err)
	}
}

func (c *Coordinator) onAnswer(from string, p *models.Answer) {
	link, ok := c.Link(from)
	if !ok {
		c.logger.Debug("answer for unknown link", zap.String("remote_id", from))
		return
	}
	if err := link.HandleAnswer(p.Description()); err != nil {
		c.logger.Warn("answer rejected", zap.String("remote_id", from), zap.Error(err))
	}
}

func (c *Coordinator) onCandidate(from string, p *models.ICECandidate) {
	link, ok := c.Link(from)
	if !ok {
		c.logger.Debug("candidate for unknown link", zap.String("remote_id", from))
		return
	}
	if err := link.HandleCandidate(p.Candidate); err != nil {
		c.logger.Debug("candidate dropped", zap.String("remote_id", from), zap.Error(err))
	}
}

func (c *Coordinator) setPresenting(id string, on bool) {
	c.mu.Lock()
	if on {
		c.presenting[id] = true
	} else {
		delete(c.presenting, id)
	}
	c.mu.Unlock()
	c.surface.PresentingChanged(id, on)
}

// replaceLink closes any link to remoteID and installs a fresh idle one.
func (c *Coordinator) replaceLink(remoteID, name string) (*peer.Link, context.Context, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, nil, ErrClosed
	}
	if c.out == nil {
		c.mu.Unlock()
		return nil, nil, ErrNotJoined
	}
	out, ctx := c.out, c.ctx
	old := c.links[remoteID]
	delete(c.links, remoteID)
	c.mu.Unlock()

	if old != nil {
		old.Close()
	}

	conn, err := c.cfg.NewConn(remoteID)
	if err != nil {
		return nil, nil, fmt.Errorf("open peer connection: %w", err)
	}
	link := peer.NewLink(peer.LinkConfig{
		RemoteID:      remoteID,
		RemoteName:    name,
		Conn:          conn,
		Out:           out,
		Logger:        c.logger,
		AnswerTimeout: c.cfg.AnswerTimeout,
		OnStateChange: c.surface.LinkStateChanged,
		OnFailure:     c.onLinkFailure,

		DisconnectGrace: c.cfg.DisconnectGrace,
	})

	c.mu.Lock()
	if c.closed || c.out != out {
		c.mu.Unlock()
		link.Close()
		return nil, nil, ErrClosed
	}
	c.links[remoteID] = link
	delete(c.pending, remoteID)
	c.mu.Unlock()

	if c.cfg.Sampler != nil {
		c.cfg.Sampler.Watch(remoteID, link)
	}
	return link, ctx, nil
}

func (c *Coordinator) onLinkFailure(remoteID string, err error) {
	c.mu.Lock()
	l, ok := c.links[remoteID]
	dropped := ok && l.State() == peer.StateClosed
	if dropped {
		delete(c.links, remoteID)
	}
	c.mu.Unlock()

	if dropped && c.cfg.Sampler != nil {
		c.cfg.Sampler.Unwatch(remoteID)
	}
	c.notice(remoteID, err)
}

func (c *Coordinator) notice(remoteID string, err error) {
	if errors.Is(err, peer.ErrClosed) {
		return
	}
	c.surface.Notice(fmt.Errorf("peer %s: %w", remoteID, err))
}

func (c *Coordinator) removePeer(id string) {
	c.mu.Lock()
	link := c.links[id]
	delete(c.links, id)
	delete(c.names, id)
	delete(c.pending, id)
	delete(c.presenting, id)
	c.mu.Unlock()

	if link != nil {
		link.Close()
	}
	c.forget(id)
	c.surface.ParticipantLeft(id)
}

func (c *Coordinator) forget(id string) {
	if c.cfg.Detector != nil {
		c.cfg.Detector.Remove(id)
	}
	if c.cfg.Sampler != nil {
		c.cfg.Sampler.Unwatch(id)
	}
}

// detach drops out and every link. It reports false when out was no longer
// the active signaler.
func (c *Coordinator) detach(out Signaler) bool {
	c.mu.Lock()
	if c.out != out {
		c.mu.Unlock()
		return false
	}
	links := c.links
	c.links = make(map[string]*peer.Link)
	c.names = make(map[string]string)
	c.pending = make(map[string]struct{})
	c.presenting = make(map[string]bool)
	c.out = nil
	c.selfID = ""
	c.roomID = ""
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()

	for id, link := range links {
		link.Close()
		c.forget(id)
	}
	return true
}

func (c *Coordinator) snapshot() []*peer.Link {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*peer.Link, 0, len(c.links))
	for _, l := range c.links {
		out = append(out, l)
	}
	return out
}

func (c *Coordinator) send(p models.Payload) error {
	c.mu.Lock()
	out := c.out
	c.mu.Unlock()
	if out == nil {
		return ErrNotJoined
	}
	return out.Send(models.New(p))
}

// StartScreenShare swaps every link's outgoing video to a display capture
// and tells the room. No renegotiation takes place.
func (c *Coordinator) StartScreenShare(ctx context.Context) error {
	stream, err := c.cfg.Provider.AcquireDisplay(ctx)
	if err != nil {
		return fmt.Errorf("acquire display: %w", err)
	}
	if err := c.cfg.Media.StartScreen(stream); err != nil {
		return err
	}
	c.replaceVideo(stream.Video)
	return c.send(&models.ScreenShareStarted{})
}

// StopScreenShare reverts every link to the camera track.
func (c *Coordinator) StopScreenShare() error {
	if c.cfg.Media.StopScreen() == nil {
		return ErrNotPresenting
	}
	c.replaceVideo(c.cfg.Media.OutgoingVideo())
	return c.send(&models.ScreenShareStopped{})
}

func (c *Coordinator) replaceVideo(track webrtc.TrackLocal) {
	for _, l := range c.snapshot() {
		if err := l.ReplaceVideoTrack(track); err != nil {
			c.notice(l.RemoteID(), err)
		}
	}
}

// SetAudioEnabled mutes or unmutes the microphone on every link.
func (c *Coordinator) SetAudioEnabled(enabled bool) {
	c.cfg.Media.SetAudioEnabled(enabled)
	track := c.cfg.Media.OutgoingAudio()
	for _, l := range c.snapshot() {
		if err := l.SetAudioTrack(track); err != nil {
			c.notice(l.RemoteID(), err)
		}
	}
}

func (c *Coordinator) SendChat(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return errors.New("empty chat message")
	}
	return c.send(&models.ChatMessage{
		MessageID: uuid.NewString(),
		Text:      text,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (c *Coordinator) SetTyping(typing bool) error {
	return c.send(&models.Typing{IsTyping: typing, Username: c.cfg.DisplayName})
}

// Renegotiate restarts negotiation with remoteID from a fresh link, with the
// local side offering.
func (c *Coordinator) Renegotiate(remoteID string) error {
	c.mu.Lock()
	name, ok := c.names[remoteID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, remoteID)
	}
	return c.offer(remoteID, name)
}

// Leave tells the relay and drops every link. The signaler stays open.
func (c *Coordinator) Leave() error {
	c.mu.Lock()
	out := c.out
	c.mu.Unlock()
	if out == nil {
		return ErrNotJoined
	}
	err := out.Send(models.New(&models.Leave{}))
	c.detach(out)
	return err
}

// Close unsubscribes from the bus and drops every link.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	out := c.out
	c.mu.Unlock()

	for _, s := range c.subs {
		s.Unsubscribe()
	}
	if out != nil {
		c.detach(out)
	}
}
