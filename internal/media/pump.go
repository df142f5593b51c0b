package media

import (
	"context"
	"time"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

// opusSilence is a single Opus frame encoding 20ms of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// LevelFunc reports the microphone energy in [0, 1] at a point in time.
type LevelFunc func(time.Time) float64

// TalkPattern speaks at level for talk, then stays quiet for quiet, repeating
// from start.
func TalkPattern(start time.Time, talk, quiet time.Duration, level float64) LevelFunc {
	period := talk + quiet
	return func(now time.Time) float64 {
		if period <= 0 {
			return 0
		}
		if now.Sub(start)%period < talk {
			return level
		}
		return 0
	}
}

// AudioPump feeds the local microphone track and reports its energy.
type AudioPump struct {
	Frame   time.Duration
	Level   LevelFunc
	Observe func(energy float64)
}

// Step writes one frame and reports the energy at now. A muted source
// reports zero and writes nothing.
func (p AudioPump) Step(src *Source, now time.Time) error {
	energy := 0.0
	if src.AudioEnabled() && p.Level != nil {
		energy = p.Level(now)
	}
	if p.Observe != nil {
		p.Observe(energy)
	}

	track, ok := src.OutgoingAudio().(*webrtc.TrackLocalStaticSample)
	if !ok {
		return nil
	}
	return track.WriteSample(pionmedia.Sample{Data: opusSilence, Duration: p.frame()})
}

// Run steps once per frame until ctx is done.
func (p AudioPump) Run(ctx context.Context, src *Source) error {
	ticker := time.NewTicker(p.frame())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			if err := p.Step(src, now); err != nil {
				return err
			}
		}
	}
}

func (p AudioPump) frame() time.Duration {
	if p.Frame <= 0 {
		return 20 * time.Millisecond
	}
	return p.Frame
}
