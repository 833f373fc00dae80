package chatsync

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// reconnector yields reconnect delays base*2^attempt and stops after
// maxAttempts delays have been handed out.
type reconnector struct {
	policy  backoff.BackOff
	attempt int
}

func newReconnector(base, max time.Duration, maxAttempts int) *reconnector {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = base
	exp.RandomizationFactor = 0
	exp.Multiplier = 2
	exp.MaxInterval = max
	exp.MaxElapsedTime = 0
	exp.Reset()

	return &reconnector{policy: backoff.WithMaxRetries(exp, uint64(maxAttempts))}
}

// next returns the delay before the next attempt, or false once the budget is spent.
func (r *reconnector) next() (time.Duration, bool) {
	d := r.policy.NextBackOff()
	if d == backoff.Stop {
		return 0, false
	}
	r.attempt++
	return d, true
}

func (r *reconnector) reset() {
	r.policy.Reset()
	r.attempt = 0
}
