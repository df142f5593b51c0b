package relay

import "golang.org/x/time/rate"

// newRateLimiter allows messagesPerSecond with an equal burst. A non-positive
// rate disables limiting.
func newRateLimiter(messagesPerSecond int) *rate.Limiter {
	if messagesPerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Limit(messagesPerSecond), messagesPerSecond)
}
