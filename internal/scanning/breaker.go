package scanning

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// Guarded stops calling a recognition service that keeps failing and
// fails fast until it has had time to recover.
type Guarded struct {
	next Scanner
	cb   *gobreaker.CircuitBreaker
}

// NewGuarded wraps next in a circuit breaker named name.
func NewGuarded(name string, next Scanner) *Guarded {
	return &Guarded{
		next: next,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,                // half-open: one trial document
			Interval:    time.Minute,      // closed: reset counters every minute
			Timeout:     30 * time.Second, // open -> half-open after 30s
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			IsSuccessful: func(err error) bool {
				// A blank document is the document's fault, not the service's
				return err == nil || errors.Is(err, ErrNoText)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				slog.Warn("Recognizer circuit breaker changed state", "name", name, "from", from.String(), "to", to.String())
			},
		}),
	}
}

// RecognizeText calls the wrapped scanner unless the breaker is open
func (g *Guarded) RecognizeText(data []byte, contentType string) (string, error) {
	result, err := g.cb.Execute(func() (interface{}, error) {
		return g.next.RecognizeText(data, contentType)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", fmt.Errorf("recognizer unavailable: %w", err)
		}
		return "", err
	}
	return result.(string), nil
}

// Close closes the wrapped scanner
func (g *Guarded) Close() error {
	return g.next.Close()
}
