package channel

import "golang.org/x/time/rate"

const (
	defaultSendRate  = 20 // messages per second
	defaultSendBurst = 5
)

// newSendLimiter paces outbound API calls for one adapter.
func newSendLimiter(perSecond float64) *rate.Limiter {
	if perSecond <= 0 {
		perSecond = defaultSendRate
	}
	return rate.NewLimiter(rate.Limit(perSecond), defaultSendBurst)
}
