package peer

import (
	"fmt"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/rtp"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/mossy-p/webrtc-meet/internal/media"
	"github.com/mossy-p/webrtc-meet/internal/quality"
	"github.com/mossy-p/webrtc-meet/internal/speaker"
)

const DefaultPLIInterval = 3 * time.Second

// NewAPI builds a pion API with the default codecs and interceptors, the
// audio-level header extension and a periodic keyframe request.
func NewAPI(logger *zap.Logger) (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register default codecs: %w", err)
	}
	if err := mediaEngine.RegisterHeaderExtension(
		webrtc.RTPHeaderExtensionCapability{URI: sdp.AudioLevelURI},
		webrtc.RTPCodecTypeAudio,
	); err != nil {
		return nil, fmt.Errorf("register audio level extension: %w", err)
	}

	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, i); err != nil {
		return nil, fmt.Errorf("register default interceptors: %w", err)
	}
	intervalPli, err := intervalpli.NewReceiverInterceptor(
		intervalpli.GeneratorInterval(DefaultPLIInterval),
	)
	if err != nil {
		return nil, fmt.Errorf("new interval pli: %w", err)
	}
	i.Add(intervalPli)

	settings := webrtc.SettingEngine{LoggerFactory: NewLoggerFactory(logger)}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(i),
		webrtc.WithSettingEngine(settings),
	), nil
}

// ICEServers turns a list of STUN/TURN urls into a pion configuration.
func ICEServers(urls []string) webrtc.Configuration {
	cfg := webrtc.Configuration{}
	for _, u := range urls {
		cfg.ICEServers = append(cfg.ICEServers, webrtc.ICEServer{URLs: []string{u}})
	}
	return cfg
}

// LevelObserver receives per-source audio energy. *speaker.Detector
// implements it.
type LevelObserver interface {
	Observe(source string, energy float64)
}

// Factory creates pion-backed connections that send the shared local media.
type Factory struct {
	API    *webrtc.API
	Config webrtc.Configuration
	Media  *media.Source
	Levels LevelObserver
	Logger *zap.Logger
}

// NewConn opens a peer connection towards remoteID with one sendrecv
// transceiver per media kind.
func (f *Factory) NewConn(remoteID string) (*PionConn, error) {
	logger := f.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("remote_id", remoteID))

	pc, err := f.API.NewPeerConnection(f.Config)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	c := &PionConn{pc: pc, logger: logger}
	var audio, video webrtc.TrackLocal
	if f.Media != nil {
		audio = f.Media.OutgoingAudio()
		video = f.Media.OutgoingVideo()
	}
	if c.audio, err = addTransceiver(pc, webrtc.RTPCodecTypeAudio, audio); err != nil {
		_ = pc.Close()
		return nil, err
	}
	if c.video, err = addTransceiver(pc, webrtc.RTPCodecTypeVideo, video); err != nil {
		_ = pc.Close()
		return nil, err
	}
	go drainRTCP(c.audio)
	go drainRTCP(c.video)

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		logger.Debug("remote track",
			zap.String("kind", track.Kind().String()),
			zap.String("codec", track.Codec().MimeType),
		)
		if track.Kind() == webrtc.RTPCodecTypeAudio {
			go readAudioLevels(remoteID, track, receiver, f.Levels)
			return
		}
		go drainRTP(track)
	})
	return c, nil
}

func addTransceiver(pc *webrtc.PeerConnection, kind webrtc.RTPCodecType, track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	opts := webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionSendrecv}
	var (
		tr  *webrtc.RTPTransceiver
		err error
	)
	if track != nil {
		tr, err = pc.AddTransceiverFromTrack(track, opts)
	} else {
		tr, err = pc.AddTransceiverFromKind(kind, opts)
	}
	if err != nil {
		return nil, fmt.Errorf("add %s transceiver: %w", kind, err)
	}
	return tr.Sender(), nil
}

func drainRTCP(sender *webrtc.RTPSender) {
	if sender == nil {
		return
	}
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func drainRTP(track *webrtc.TrackRemote) {
	for {
		if _, _, err := track.ReadRTP(); err != nil {
			return
		}
	}
}

func readAudioLevels(remoteID string, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver, levels LevelObserver) {
	var extID uint8
	for _, ext := range receiver.GetParameters().HeaderExtensions {
		if ext.URI == sdp.AudioLevelURI {
			extID = uint8(ext.ID)
		}
	}
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		if energy, ok := packetEnergy(pkt, extID); ok && levels != nil {
			levels.Observe(remoteID, energy)
		}
	}
}

func packetEnergy(pkt *rtp.Packet, extID uint8) (float64, bool) {
	if extID == 0 {
		return 0, false
	}
	raw := pkt.GetExtension(extID)
	if raw == nil {
		return 0, false
	}
	var lvl rtp.AudioLevelExtension
	if err := lvl.Unmarshal(raw); err != nil {
		return 0, false
	}
	return speaker.EnergyFromAudioLevel(lvl.Level), true
}

// PionConn adapts *webrtc.PeerConnection to Conn.
type PionConn struct {
	pc     *webrtc.PeerConnection
	audio  *webrtc.RTPSender
	video  *webrtc.RTPSender
	logger *zap.Logger
}

func (c *PionConn) CreateOffer() (webrtc.SessionDescription, error) {
	return c.pc.CreateOffer(nil)
}

func (c *PionConn) CreateAnswer() (webrtc.SessionDescription, error) {
	return c.pc.CreateAnswer(nil)
}

func (c *PionConn) SetLocalDescription(desc webrtc.SessionDescription) error {
	return c.pc.SetLocalDescription(desc)
}

func (c *PionConn) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(desc)
}

func (c *PionConn) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(candidate)
}

func (c *PionConn) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		// nil marks end of gathering
		if candidate == nil {
			return
		}
		fn(candidate.ToJSON())
	})
}

func (c *PionConn) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	c.pc.OnConnectionStateChange(fn)
}

func (c *PionConn) VideoSender() TrackSender {
	if c.video == nil {
		return nil
	}
	return c.video
}

func (c *PionConn) AudioSender() TrackSender {
	if c.audio == nil {
		return nil
	}
	return c.audio
}

// Stats reads round-trip time from the nominated candidate pair and jitter
// and cumulative loss from the inbound RTP streams.
func (c *PionConn) Stats() (quality.Stats, bool) {
	var (
		out   quality.Stats
		found bool
	)
	for _, s := range c.pc.GetStats() {
		switch st := s.(type) {
		case webrtc.ICECandidatePairStats:
			if st.Nominated && st.CurrentRoundTripTime > 0 {
				out.RoundTripTime = seconds(st.CurrentRoundTripTime)
				found = true
			}
		case webrtc.InboundRTPStreamStats:
			if j := seconds(st.Jitter); j > out.Jitter {
				out.Jitter = j
			}
			out.PacketsLost += int64(st.PacketsLost)
			found = true
		}
	}
	return out, found
}

func (c *PionConn) Close() error {
	return c.pc.Close()
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}
