// Package speaker selects the active speaker from per-source audio energy.
package speaker

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
)

// LocalSource is the source id used for the local microphone.
const LocalSource = "local"

type Config struct {
	Interval  time.Duration
	Alpha     float64
	Threshold float64
	Dwell     time.Duration
	Hold      time.Duration
	// StaleAfter is how long a source may go without a reading before it is
	// treated as silent. It is counted in ticks of Interval.
	StaleAfter time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 100 * time.Millisecond
	}
	if c.Alpha <= 0 || c.Alpha > 1 {
		c.Alpha = 0.3
	}
	if c.Threshold <= 0 {
		c.Threshold = 0.02
	}
	if c.Dwell <= 0 {
		c.Dwell = 250 * time.Millisecond
	}
	if c.Hold <= 0 {
		c.Hold = time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 3 * c.Interval
	}
	return c
}

// Level is the latest view of one source.
type Level struct {
	Source   string
	Raw      float64
	Smoothed float64
	Speaking bool

	idle       int // ticks since the last reading
	aboveSince time.Time
	primed     bool
}

type ChangeFunc func(previous, current string)

// Detector smooths per-source energy and picks one speaker.
type Detector struct {
	cfg    Config
	logger *zap.Logger

	mu         sync.Mutex
	levels     map[string]*Level
	active     string
	lastSwitch time.Time
	onChange   ChangeFunc
}

func NewDetector(cfg Config, logger *zap.Logger) *Detector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{
		cfg:    cfg.withDefaults(),
		logger: logger.Named("speaker"),
		levels: make(map[string]*Level),
	}
}

func (d *Detector) OnChange(fn ChangeFunc) {
	d.mu.Lock()
	d.onChange = fn
	d.mu.Unlock()
}

// Observe records the latest instantaneous energy for source. A source with
// no reading for StaleAfter is treated as silent.
func (d *Detector) Observe(source string, energy float64) {
	if energy < 0 || math.IsNaN(energy) {
		energy = 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	lvl, ok := d.levels[source]
	if !ok {
		lvl = &Level{Source: source}
		d.levels[source] = lvl
	}
	lvl.Raw = energy
	lvl.idle = 0
}

// Remove forgets source, clearing it if it was the active speaker.
func (d *Detector) Remove(source string) {
	d.mu.Lock()
	delete(d.levels, source)
	var prev string
	changed := d.active == source && source != ""
	if changed {
		prev = d.active
		d.active = ""
	}
	fn := d.onChange
	d.mu.Unlock()

	if changed && fn != nil {
		fn(prev, "")
	}
}

// Active returns the current speaker, or "" when nobody is speaking.
func (d *Detector) Active() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

// Levels returns a copy of every source's latest level.
func (d *Detector) Levels() map[string]Level {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]Level, len(d.levels))
	for id, lvl := range d.levels {
		out[id] = *lvl
	}
	return out
}

// Tick advances smoothing by one sampling step and updates the selection.
func (d *Detector) Tick(now time.Time) {
	d.mu.Lock()
	prev := d.active
	next := d.selectLocked(now)
	if next != prev {
		d.active = next
		d.lastSwitch = now
	}
	fn := d.onChange
	d.mu.Unlock()

	if next != prev {
		d.logger.Debug("active speaker changed", zap.String("previous", prev), zap.String("current", next))
		if fn != nil {
			fn(prev, next)
		}
	}
}

func (d *Detector) selectLocked(now time.Time) string {
	var best *Level
	for id, lvl := range d.levels {
		raw := lvl.Raw
		stale := lvl.idle > d.staleTicks()
		lvl.idle++
		if stale {
			raw = 0
		}
		if !lvl.primed {
			lvl.Smoothed = raw
			lvl.primed = true
		} else {
			lvl.Smoothed = d.cfg.Alpha*raw + (1-d.cfg.Alpha)*lvl.Smoothed
		}

		if lvl.Smoothed >= d.cfg.Threshold {
			if lvl.aboveSince.IsZero() {
				lvl.aboveSince = now
			}
			lvl.Speaking = now.Sub(lvl.aboveSince) >= d.cfg.Dwell
		} else {
			lvl.aboveSince = time.Time{}
			lvl.Speaking = false
			// a source that stopped reporting drops out once it decays
			if stale {
				delete(d.levels, id)
			}
		}

		if !lvl.Speaking {
			continue
		}
		if best == nil || lvl.Smoothed > best.Smoothed ||
			(lvl.Smoothed == best.Smoothed && lvl.Source < best.Source) {
			best = lvl
		}
	}

	incumbent, ok := d.levels[d.active]
	incumbentValid := ok && incumbent.Speaking
	switch {
	case best == nil:
		return ""
	case !incumbentValid:
		return best.Source
	case best.Source == d.active:
		return d.active
	case now.Sub(d.lastSwitch) < d.cfg.Hold:
		return d.active
	case best.Smoothed > incumbent.Smoothed:
		return best.Source
	default:
		return d.active
	}
}

func (d *Detector) staleTicks() int {
	return int(d.cfg.StaleAfter / d.cfg.Interval)
}

// Run ticks on the configured interval until ctx is done.
func (d *Detector) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			d.Tick(now)
		}
	}
}

// EnergyFromAudioLevel converts an RFC 6464 audio level (0 loudest, 127
// silent, in -dBov) to linear energy in [0, 1].
func EnergyFromAudioLevel(level uint8) float64 {
	if level >= 127 {
		return 0
	}
	return math.Pow(10, -float64(level)/20)
}
