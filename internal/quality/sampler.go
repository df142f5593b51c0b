package quality

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// StatsSource yields the current transport statistics for one peer. ok is
// false while no stats are available yet.
type StatsSource interface {
	Stats() (s Stats, ok bool)
}

// StatsFunc adapts a function to StatsSource.
type StatsFunc func() (Stats, bool)

func (f StatsFunc) Stats() (Stats, bool) { return f() }

type ChangeFunc func(peerID string, s Sample)

type Config struct {
	Interval   time.Duration
	WindowSize int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 3 * time.Second
	}
	if c.WindowSize <= 0 {
		c.WindowSize = 10
	}
	return c
}

type monitored struct {
	src    StatsSource
	win    window
	latest Sample
}

// Sampler keeps a rolling window per monitored peer and reports tier changes.
type Sampler struct {
	cfg    Config
	logger *zap.Logger

	mu       sync.Mutex
	peers    map[string]*monitored
	onChange ChangeFunc
}

func NewSampler(cfg Config, logger *zap.Logger) *Sampler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sampler{
		cfg:    cfg.withDefaults(),
		logger: logger.Named("quality"),
		peers:  make(map[string]*monitored),
	}
}

// OnTierChange registers the callback invoked when a peer's tier changes.
func (s *Sampler) OnTierChange(fn ChangeFunc) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

func (s *Sampler) Watch(peerID string, src StatsSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers[peerID] = &monitored{src: src, win: window{size: s.cfg.WindowSize}}
}

func (s *Sampler) Unwatch(peerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.peers, peerID)
}

// Latest returns the most recent sample for peerID.
func (s *Sampler) Latest(peerID string) (Sample, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.peers[peerID]
	if !ok || m.latest.Tier == TierUnknown {
		return Sample{}, false
	}
	return m.latest, true
}

type change struct {
	peerID string
	sample Sample
}

// SampleOnce reads every monitored peer once.
func (s *Sampler) SampleOnce(now time.Time) {
	s.mu.Lock()
	var changes []change
	for id, m := range s.peers {
		raw, ok := m.src.Stats()
		if !ok {
			continue
		}
		m.win.push(raw)
		next := m.win.sample(now)
		if next.Tier != m.latest.Tier {
			changes = append(changes, change{peerID: id, sample: next})
		}
		m.latest = next
	}
	fn := s.onChange
	s.mu.Unlock()

	for _, c := range changes {
		s.logger.Debug("quality tier changed",
			zap.String("remote_id", c.peerID),
			zap.Stringer("tier", c.sample.Tier),
			zap.Duration("rtt", c.sample.AvgRoundTripTime),
			zap.Duration("jitter", c.sample.AvgJitter),
			zap.Int64("packet_loss", c.sample.PacketLoss),
		)
		if fn != nil {
			fn(c.peerID, c.sample)
		}
	}
}

// Run samples on the configured interval until ctx is done.
func (s *Sampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.SampleOnce(now)
		}
	}
}
