// Package media holds the local media shared by every peer link: microphone,
// camera and, while presenting, the screen-capture track.
package media

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

var ErrNoVideoTrack = errors.New("stream has no video track")

// Stream is a set of local tracks acquired together.
type Stream struct {
	ID    string
	Audio webrtc.TrackLocal
	Video webrtc.TrackLocal
}

type DeviceKind string

const (
	DeviceAudioInput  DeviceKind = "audioinput"
	DeviceVideoInput  DeviceKind = "videoinput"
	DeviceAudioOutput DeviceKind = "audiooutput"
)

type Device struct {
	ID    string
	Kind  DeviceKind
	Label string
}

// Provider acquires capture streams.
type Provider interface {
	AcquireLocal(ctx context.Context) (*Stream, error)
	AcquireDisplay(ctx context.Context) (*Stream, error)
	EnumerateDevices(ctx context.Context) ([]Device, error)
}

// SyntheticProvider hands out sample-based tracks with no capture device
// behind them. Callers write media into the tracks themselves.
type SyntheticProvider struct {
	Label string
}

func (p SyntheticProvider) AcquireLocal(ctx context.Context) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id := p.streamID("camera")
	audio, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}, "audio", id)
	if err != nil {
		return nil, fmt.Errorf("create audio track: %w", err)
	}
	video, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}, "camera", id)
	if err != nil {
		return nil, fmt.Errorf("create camera track: %w", err)
	}
	return &Stream{ID: id, Audio: audio, Video: video}, nil
}

func (p SyntheticProvider) AcquireDisplay(ctx context.Context) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id := p.streamID("screen")
	video, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}, "screen", id)
	if err != nil {
		return nil, fmt.Errorf("create screen track: %w", err)
	}
	return &Stream{ID: id, Video: video}, nil
}

func (p SyntheticProvider) EnumerateDevices(context.Context) ([]Device, error) {
	return []Device{
		{ID: "synthetic-mic", Kind: DeviceAudioInput, Label: "Synthetic microphone"},
		{ID: "synthetic-cam", Kind: DeviceVideoInput, Label: "Synthetic camera"},
	}, nil
}

func (p SyntheticProvider) streamID(kind string) string {
	label := p.Label
	if label == "" {
		label = "go"
	}
	return fmt.Sprintf("%s-%s-%s", label, kind, uuid.NewString()[:8])
}

// Source is the local media state shared read-only by all links.
type Source struct {
	mu           sync.RWMutex
	camera       *Stream
	screen       *Stream
	audioEnabled bool
}

func NewSource(camera *Stream) *Source {
	return &Source{camera: camera, audioEnabled: true}
}

// OutgoingVideo is the track every link should currently send.
func (s *Source) OutgoingVideo() webrtc.TrackLocal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.screen != nil && s.screen.Video != nil {
		return s.screen.Video
	}
	if s.camera == nil {
		return nil
	}
	return s.camera.Video
}

// OutgoingAudio is nil while muted.
func (s *Source) OutgoingAudio() webrtc.TrackLocal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.audioEnabled || s.camera == nil {
		return nil
	}
	return s.camera.Audio
}

func (s *Source) Camera() *Stream {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.camera
}

// StartScreen makes the display stream the outgoing video.
func (s *Source) StartScreen(screen *Stream) error {
	if screen == nil || screen.Video == nil {
		return ErrNoVideoTrack
	}
	s.mu.Lock()
	s.screen = screen
	s.mu.Unlock()
	return nil
}

// StopScreen reverts to the camera and returns the stream that was shared.
func (s *Source) StopScreen() *Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.screen
	s.screen = nil
	return prev
}

func (s *Source) Presenting() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.screen != nil
}

func (s *Source) SetAudioEnabled(enabled bool) {
	s.mu.Lock()
	s.audioEnabled = enabled
	s.mu.Unlock()
}

func (s *Source) AudioEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.audioEnabled
}
