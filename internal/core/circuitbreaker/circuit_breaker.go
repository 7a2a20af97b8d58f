package circuitbreaker

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"agentfleet.manager/internal/core/logger"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

type Settings struct {
	MaxRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
	MinRequests  uint32
	FailureRatio float64
}

func DefaultSettings() Settings {
	return Settings{
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  3,
		FailureRatio: 0.6,
	}
}

type CircuitBreaker struct {
	cb *gobreaker.CircuitBreaker
}

// New creates a breaker with DefaultSettings.
func New(name string) *CircuitBreaker {
	return NewWithSettings(name, DefaultSettings())
}

func NewWithSettings(name string, s Settings) *CircuitBreaker {
	log := logger.For("circuitbreaker")
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: s.MaxRequests,
		Interval:    s.Interval,
		Timeout:     s.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < s.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= s.FailureRatio
		},
		IsSuccessful: func(err error) bool {
			// A cancelled caller says nothing about the dependency.
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn("circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
	}

	return &CircuitBreaker{
		cb: gobreaker.NewCircuitBreaker(settings),
	}
}

// Execute runs fn unless the breaker is open. A ctx that is already done is
// returned without calling fn.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := cb.cb.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrCircuitOpen
	}

	return err
}

// ExecuteWithFallback runs fn and falls back when the breaker is open.
func (cb *CircuitBreaker) ExecuteWithFallback(ctx context.Context, fn func(context.Context) error, fallback func() error) error {
	err := cb.Execute(ctx, fn)
	if errors.Is(err, ErrCircuitOpen) && fallback != nil {
		return fallback()
	}
	return err
}

func (cb *CircuitBreaker) State() gobreaker.State {
	return cb.cb.State()
}
