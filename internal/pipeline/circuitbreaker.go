package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"go.corebus.dev/internal/errs"
	"go.corebus.dev/internal/message"
	"go.corebus.dev/internal/metrics"
)

// CircuitBreakerConfig mirrors the teacher's HTTPMediatorConfig breaker
// knobs (internal/router/mediator.HTTPMediatorConfig). Each CircuitBreaker
// decorator owns a single breaker named cfg.Name, shared by every message
// type that passes through that decorator instance.
type CircuitBreakerConfig struct {
	Name                  string
	MaxRequestsHalfOpen   uint32
	Interval              time.Duration
	FailureRatio          float64
	OpenStateTimeout      time.Duration
	MinRequestsToEvaluate uint32
}

// DefaultCircuitBreakerConfig mirrors the teacher's
// DefaultHTTPMediatorConfig breaker defaults.
func DefaultCircuitBreakerConfig(name string) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:                  name,
		MaxRequestsHalfOpen:   10,
		Interval:              60 * time.Second,
		FailureRatio:          0.5,
		OpenStateTimeout:      5 * time.Second,
		MinRequestsToEvaluate: 10,
	}
}

// CircuitBreaker returns a decorator wrapping next in a sony/gobreaker
// instance, tripping to Open when the failure ratio within the interval
// reaches cfg.FailureRatio after at least cfg.MinRequestsToEvaluate
// requests, and rejecting calls with ErrCircuitOpen while Open.
func CircuitBreaker(cfg CircuitBreakerConfig) Decorator {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequestsHalfOpen,
		Interval:    cfg.Interval,
		Timeout:     cfg.OpenStateTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequestsToEvaluate {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= cfg.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Info().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
			var stateValue float64
			switch to {
			case gobreaker.StateClosed:
				stateValue = metrics.CircuitBreakerClosed
			case gobreaker.StateOpen:
				stateValue = metrics.CircuitBreakerOpen
				metrics.CircuitBreakerTrips.WithLabelValues(name).Inc()
			case gobreaker.StateHalfOpen:
				stateValue = metrics.CircuitBreakerHalfOpen
			}
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateValue)
		},
	})

	return func(next Handler) Handler {
		return func(ctx context.Context, msg message.Message) message.Result {
			out, err := cb.Execute(func() (interface{}, error) {
				result := next(ctx, msg)
				if !result.IsSuccess() {
					return result, errors.New(result.Message())
				}
				return result, nil
			})

			if err != nil {
				if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
					return message.Failure(errs.ErrCircuitOpen, "circuit breaker open")
				}
				if result, ok := out.(message.Result); ok {
					return result
				}
				return message.Failure(errs.ErrInternal, err.Error())
			}

			result, _ := out.(message.Result)
			return result
		}
	}
}
