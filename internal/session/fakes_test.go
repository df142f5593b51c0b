package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mossy-p/webrtc-meet/internal/events"
	"github.com/mossy-p/webrtc-meet/internal/media"
	"github.com/mossy-p/webrtc-meet/internal/models"
	"github.com/mossy-p/webrtc-meet/internal/peer"
	"github.com/mossy-p/webrtc-meet/internal/quality"
	"github.com/mossy-p/webrtc-meet/internal/speaker"
)

type fakeSender struct {
	mu    sync.Mutex
	track webrtc.TrackLocal
}

func (s *fakeSender) ReplaceTrack(t webrtc.TrackLocal) error {
	s.mu.Lock()
	s.track = t
	s.mu.Unlock()
	return nil
}

func (s *fakeSender) Track() webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

// fakeConn negotiates instantly and never gathers candidates.
type fakeConn struct {
	mu        sync.Mutex
	offers    int
	answers   int
	remoteSet bool
	closed    bool
	video     *fakeSender
	audio     *fakeSender
}

func (c *fakeConn) CreateOffer() (webrtc.SessionDescription, error) {
	c.mu.Lock()
	c.offers++
	c.mu.Unlock()
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}, nil
}

func (c *fakeConn) CreateAnswer() (webrtc.SessionDescription, error) {
	c.mu.Lock()
	c.answers++
	c.mu.Unlock()
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

func (c *fakeConn) SetLocalDescription(webrtc.SessionDescription) error { return nil }

func (c *fakeConn) SetRemoteDescription(webrtc.SessionDescription) error {
	c.mu.Lock()
	c.remoteSet = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) AddICECandidate(webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.remoteSet {
		return errors.New("no remote description")
	}
	return nil
}

func (c *fakeConn) OnICECandidate(func(webrtc.ICECandidateInit))             {}
func (c *fakeConn) OnConnectionStateChange(func(webrtc.PeerConnectionState)) {}
func (c *fakeConn) VideoSender() peer.TrackSender                            { return c.video }
func (c *fakeConn) AudioSender() peer.TrackSender                            { return c.audio }
func (c *fakeConn) Stats() (quality.Stats, bool)                             { return quality.Stats{}, false }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) offerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offers
}

// connFactory hands out fakeConns seeded with the current outgoing tracks.
type connFactory struct {
	src *media.Source

	mu    sync.Mutex
	conns map[string][]*fakeConn
}

func (f *connFactory) New(remoteID string) (peer.Conn, error) {
	c := &fakeConn{
		video: &fakeSender{track: f.src.OutgoingVideo()},
		audio: &fakeSender{track: f.src.OutgoingAudio()},
	}
	f.mu.Lock()
	f.conns[remoteID] = append(f.conns[remoteID], c)
	f.mu.Unlock()
	return c, nil
}

func (f *connFactory) all(remoteID string) []*fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeConn(nil), f.conns[remoteID]...)
}

func (f *connFactory) last(remoteID string) *fakeConn {
	conns := f.all(remoteID)
	if len(conns) == 0 {
		return nil
	}
	return conns[len(conns)-1]
}

// outbox is a Signaler that records what the coordinator sends.
type outbox struct {
	mu   sync.Mutex
	sent []models.Envelope
	done chan struct{}
}

func newOutbox() *outbox { return &outbox{done: make(chan struct{})} }

func (o *outbox) Send(env models.Envelope) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sent = append(o.sent, env)
	return nil
}

func (o *outbox) Done() <-chan struct{} { return o.done }

func (o *outbox) ofType(t models.SignalType) []models.Envelope {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []models.Envelope
	for _, env := range o.sent {
		if env.Type == t {
			out = append(out, env)
		}
	}
	return out
}

type presentingChange struct {
	id string
	on bool
}

// recorder is a Surface that keeps everything it is told.
type recorder struct {
	NopSurface

	mu         sync.Mutex
	joined     []models.ParticipantInfo
	left       []string
	presenting []presentingChange
	chats      []models.ChatMessage
	typing     []string
	notices    []error
	speakers   []string
}

func (r *recorder) ParticipantJoined(p models.ParticipantInfo) {
	r.mu.Lock()
	r.joined = append(r.joined, p)
	r.mu.Unlock()
}

func (r *recorder) ParticipantLeft(id string) {
	r.mu.Lock()
	r.left = append(r.left, id)
	r.mu.Unlock()
}

func (r *recorder) PresentingChanged(id string, on bool) {
	r.mu.Lock()
	r.presenting = append(r.presenting, presentingChange{id, on})
	r.mu.Unlock()
}

func (r *recorder) ChatReceived(msg models.ChatMessage) {
	r.mu.Lock()
	r.chats = append(r.chats, msg)
	r.mu.Unlock()
}

func (r *recorder) TypingChanged(_, username string, typing bool) {
	r.mu.Lock()
	if typing {
		r.typing = append(r.typing, username)
	}
	r.mu.Unlock()
}

func (r *recorder) ActiveSpeakerChanged(_, current string) {
	r.mu.Lock()
	r.speakers = append(r.speakers, current)
	r.mu.Unlock()
}

func (r *recorder) Notice(err error) {
	r.mu.Lock()
	r.notices = append(r.notices, err)
	r.mu.Unlock()
}

func (r *recorder) joinedIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for _, p := range r.joined {
		ids = append(ids, p.UserID)
	}
	return ids
}

func (r *recorder) presentingChanges() []presentingChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]presentingChange(nil), r.presenting...)
}

func (r *recorder) noticeList() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.notices...)
}

func (r *recorder) hasNotice(target error) bool {
	for _, err := range r.noticeList() {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func (r *recorder) relayCodes() []string {
	var codes []string
	for _, err := range r.noticeList() {
		var re *RelayError
		if errors.As(err, &re) {
			codes = append(codes, re.Code)
		}
	}
	return codes
}

type fixture struct {
	bus      *events.Bus
	coord    *Coordinator
	conns    *connFactory
	surface  *recorder
	media    *media.Source
	detector *speaker.Detector
	sampler  *quality.Sampler
}

func newFixture(t *testing.T, name string) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	provider := media.SyntheticProvider{Label: name}
	camera, err := provider.AcquireLocal(context.Background())
	require.NoError(t, err)

	f := &fixture{
		bus:      events.NewBus(),
		media:    media.NewSource(camera),
		surface:  &recorder{},
		detector: speaker.NewDetector(speaker.Config{}, logger),
		sampler:  quality.NewSampler(quality.Config{}, logger),
	}
	f.conns = &connFactory{src: f.media, conns: make(map[string][]*fakeConn)}
	f.coord = New(Config{
		RoomID:        "r1",
		DisplayName:   name,
		AnswerTimeout: 5 * time.Second,
		NewConn:       f.conns.New,
		Media:         f.media,
		Provider:      provider,
		Detector:      f.detector,
		Sampler:       f.sampler,
		Surface:       f.surface,
		Logger:        logger,
	}, f.bus)
	t.Cleanup(f.coord.Close)
	return f
}

func envelope(from string, p models.Payload) models.Envelope {
	env := models.New(p)
	env.From = from
	return env
}

func (f *fixture) linkState(t *testing.T, remoteID string) peer.State {
	t.Helper()
	l, ok := f.coord.Link(remoteID)
	if !ok {
		return peer.StateClosed
	}
	return l.State()
}

func cand(s string) webrtc.ICECandidateInit { return webrtc.ICECandidateInit{Candidate: s} }
