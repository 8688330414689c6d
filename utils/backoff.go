package utils

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// NewExponentialBackoff returns the retry schedule used for logins and reconnects.
// maxElapsed of zero retries forever.
func NewExponentialBackoff(maxElapsed time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 1 * time.Second
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = maxElapsed
	b.Multiplier = 2.0
	b.RandomizationFactor = 0.1
	b.Reset()
	return b
}
