// Package quality samples per-peer transport statistics and classifies them
// into a quality tier with a recommended bitrate ceiling.
package quality

import (
	"time"
)

// Tier is a discrete classification of network conditions. Higher is worse.
type Tier int

const (
	TierUnknown Tier = iota
	TierExcellent
	TierGood
	TierFair
	TierPoor
)

func (t Tier) String() string {
	switch t {
	case TierExcellent:
		return "excellent"
	case TierGood:
		return "good"
	case TierFair:
		return "fair"
	case TierPoor:
		return "poor"
	default:
		return "unknown"
	}
}

// Stats is one raw reading from a peer connection. PacketsLost is the
// transport's cumulative counter.
type Stats struct {
	RoundTripTime time.Duration
	Jitter        time.Duration
	PacketsLost   int64
}

// Sample is the derived view over a peer's window.
type Sample struct {
	Timestamp          time.Time
	AvgRoundTripTime   time.Duration
	AvgJitter          time.Duration
	PacketLoss         int64
	RecommendedBitrate int // kbps
	Tier               Tier
}

type threshold struct {
	tier    Tier
	rtt     time.Duration
	jitter  time.Duration
	loss    int64
	bitrate int
}

var thresholds = []threshold{
	{TierExcellent, 100 * time.Millisecond, 30 * time.Millisecond, 5, 2500},
	{TierGood, 200 * time.Millisecond, 50 * time.Millisecond, 20, 1500},
	{TierFair, 400 * time.Millisecond, 100 * time.Millisecond, 50, 800},
}

const poorBitrate = 300

// Classify returns the worst tier across RTT, jitter and loss.
func Classify(rtt, jitter time.Duration, loss int64) Tier {
	return worst(tierFor(func(th threshold) bool { return rtt < th.rtt }),
		tierFor(func(th threshold) bool { return jitter < th.jitter }),
		tierFor(func(th threshold) bool { return loss < th.loss }))
}

// RecommendedBitrate is the ceiling in kbps for a tier.
func RecommendedBitrate(t Tier) int {
	for _, th := range thresholds {
		if th.tier == t {
			return th.bitrate
		}
	}
	return poorBitrate
}

func tierFor(within func(threshold) bool) Tier {
	for _, th := range thresholds {
		if within(th) {
			return th.tier
		}
	}
	return TierPoor
}

func worst(tiers ...Tier) Tier {
	w := TierExcellent
	for _, t := range tiers {
		if t > w {
			w = t
		}
	}
	return w
}

// window is a bounded FIFO of raw readings.
type window struct {
	size  int
	stats []Stats
}

func (w *window) push(s Stats) {
	w.stats = append(w.stats, s)
	if len(w.stats) > w.size {
		w.stats = w.stats[len(w.stats)-w.size:]
	}
}

func (w *window) sample(now time.Time) Sample {
	var rtt, jitter time.Duration
	for _, s := range w.stats {
		rtt += s.RoundTripTime
		jitter += s.Jitter
	}
	n := time.Duration(len(w.stats))
	if n > 0 {
		rtt /= n
		jitter /= n
	}

	var loss int64
	if len(w.stats) > 1 {
		loss = w.stats[len(w.stats)-1].PacketsLost - w.stats[0].PacketsLost
		if loss < 0 {
			loss = 0
		}
	}

	tier := Classify(rtt, jitter, loss)
	return Sample{
		Timestamp:          now,
		AvgRoundTripTime:   rtt,
		AvgJitter:          jitter,
		PacketLoss:         loss,
		RecommendedBitrate: RecommendedBitrate(tier),
		Tier:               tier,
	}
}
