package bloomd

import (
	"time"

	"github.com/sony/gobreaker/v2"
)

const (
	breakerMinRequests  = 3
	breakerFailureRatio = 0.6
)

// NewCircuitBreakerConfig returns a constructor of per-server circuit breakers, to be
// used as Config.NewCircuitBreaker.
// The breaker opens once at least 3 round trips were seen in the interval and 60% of
// them failed. Only network failures count: a server answering with an error reply is up.
func NewCircuitBreakerConfig(maxRequests uint32, interval, timeout time.Duration) func(string) *gobreaker.CircuitBreaker[bool] {
	return func(server string) *gobreaker.CircuitBreaker[bool] {
		return gobreaker.NewCircuitBreaker[bool](gobreaker.Settings{
			Name:         server,
			MaxRequests:  maxRequests,
			Interval:     interval,
			Timeout:      timeout,
			ReadyToTrip:  tripOnFailureRatio,
			IsSuccessful: serverAnswered,
		})
	}
}

func tripOnFailureRatio(counts gobreaker.Counts) bool {
	if counts.Requests < breakerMinRequests {
		return false
	}
	return float64(counts.TotalFailures)/float64(counts.Requests) >= breakerFailureRatio
}

func serverAnswered(err error) bool {
	return err == nil || !isTransportFailure(err)
}
