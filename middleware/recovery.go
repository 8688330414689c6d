package middleware

import (
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// ErrPanic is returned by Recover when fn panicked.
var ErrPanic = errors.New("recovered panic")

// BreakerSettings are the trip thresholds for a sink breaker.
type BreakerSettings struct {
	Name        string
	MaxRequests uint32
	Interval    time.Duration
	Timeout     time.Duration
	MinRequests uint32
	FailureRate float64
}

func DefaultBreakerSettings(name string) BreakerSettings {
	return BreakerSettings{
		Name:        name,
		MaxRequests: 3,
		Interval:    10 * time.Second,
		Timeout:     60 * time.Second,
		MinRequests: 3,
		FailureRate: 0.6,
	}
}

// Breaker guards calls to an external dependency so that a dead one fails fast.
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

func NewBreaker(s BreakerSettings, logger *zap.SugaredLogger) *Breaker {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Breaker{cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: s.MaxRequests,
		Interval:    s.Interval,
		Timeout:     s.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= s.MinRequests && failureRatio >= s.FailureRate
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warnw("Circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String())
		},
	})}
}

// Execute runs fn through the breaker. When the breaker is open the call is refused with
// gobreaker.ErrOpenState without invoking fn.
func (b *Breaker) Execute(fn func() error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	return err
}

func (b *Breaker) State() string {
	return b.cb.State().String()
}

// IsOpen reports whether err came from a refused call rather than from fn itself.
func IsOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// Recover runs fn, converting a panic into an ErrPanic error after logging its stack.
func Recover(logger *zap.SugaredLogger, name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			if logger != nil {
				logger.Errorw("Panic recovered",
					"component", name,
					"error", r,
					"stack", string(stack))
			}
			err = fmt.Errorf("%w in %s: %v", ErrPanic, name, r)
		}
	}()
	return fn()
}
