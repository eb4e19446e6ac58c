package converter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/sony/gobreaker/v2"

	"github.com/markgate/markgate/internal/config"
)

// Breaker guards a Converter with a circuit breaker. Once the backend fails
// MaxFailures times in a row, calls fail fast with ErrUnavailable until the
// open period elapses.
type Breaker struct {
	next Converter
	cb   *gobreaker.CircuitBreaker[string]
}

// NewBreaker wraps next.
func NewBreaker(name string, next Converter, cfg config.BreakerConfig, logger *slog.Logger) *Breaker {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		IsSuccessful: func(err error) bool {
			// Caller-side problems say nothing about backend health.
			return err == nil ||
				errors.Is(err, ErrUnsupported) ||
				errors.Is(err, ErrEmpty) ||
				errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	}
	return &Breaker{next: next, cb: gobreaker.NewCircuitBreaker[string](settings)}
}

// State returns the breaker state: "closed", "half-open" or "open".
func (b *Breaker) State() string {
	return b.cb.State().String()
}

// Convert implements Converter.
func (b *Breaker) Convert(ctx context.Context, r io.Reader, typeHint, sourceURL string) (string, error) {
	out, err := b.cb.Execute(func() (string, error) {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		return b.next.Convert(ctx, r, typeHint, sourceURL)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return out, err
}
