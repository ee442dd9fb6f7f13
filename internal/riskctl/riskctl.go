// Package riskctl implements a risk-control circuit breaker: a single
// anti-abuse response from the upstream should halt the current cycle
// immediately rather than wait for a failure ratio to accumulate, since by
// the time a ratio threshold is reached the account may already be
// throttled or banned.
//
// Grounded on the teacher pack's circuit-breaker usage
// (tomtom215-cartographus/internal/sync/circuit_breaker.go): same
// sony/gobreaker/v2 generic CircuitBreaker, same Settings/OnStateChange
// metrics-update shape, same ErrOpenState/ErrTooManyRequests error
// classification in the caller. What differs is ReadyToTrip: the teacher
// trips at a 60%-over-10-requests failure ratio because a flaky analytics
// API is expected to have routine failures; here IsSuccessful reclassifies
// every error except syncerr.RiskControl as a breaker-success, so
// ConsecutiveFailures only ever counts risk-control hits and ReadyToTrip
// can fire at count 1.
package riskctl

import (
	"context"
	"errors"
	"log"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/arrenxxxxx/bili-sync/internal/syncerr"
)

var logger = log.New(log.Writer(), "riskctl: ", log.LstdFlags)

// State mirrors gobreaker.State for callers that don't want to import
// gobreaker directly.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	case gobreaker.StateOpen:
		return StateOpen
	default:
		return StateClosed
	}
}

// StateChangeFunc is invoked on every breaker transition, for metrics.
type StateChangeFunc func(from, to State)

// Breaker wraps one sony/gobreaker/v2 instance per subscription source.
// A single risk-control error aborts the cycle that triggered it, and the
// Timeout/cooldown set at construction keeps the breaker Open across
// whatever cycles follow until it elapses; callers should keep one
// Breaker per subscription for the life of the process rather than
// building a new one per cycle, or the cooldown never outlives the cycle
// that caused it.
type Breaker struct {
	cb *gobreaker.CircuitBreaker[any]
}

// New constructs a Breaker with the given name (used in logs/metrics) and
// cooldown (gobreaker's Timeout: how long it stays open before probing
// half-open again).
func New(name string, cooldown time.Duration, onStateChange StateChangeFunc) *Breaker {
	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    0, // never reset closed-state counts on a timer; only a trip resets them
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 1
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var rc *syncerr.RiskControl
			return !errors.As(err, &rc)
		},
		OnStateChange: func(bname string, from, to gobreaker.State) {
			logger.Printf("%s: %s -> %s", bname, fromGobreaker(from), fromGobreaker(to))
			if onStateChange != nil {
				onStateChange(fromGobreaker(from), fromGobreaker(to))
			}
		},
	})
	return &Breaker{cb: cb}
}

func (s State) String() string {
	switch s {
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "closed"
	}
}

// Tripped reports whether the breaker is currently open (cycle should stop
// issuing new upstream calls).
func (b *Breaker) Tripped() bool {
	return fromGobreaker(b.cb.State()) == StateOpen
}

// Do runs fn through the breaker. If the breaker is open (or half-open
// with its one probe already in flight), fn is never called and Do
// returns a *syncerr.Cancelled in place of gobreaker's ErrOpenState /
// ErrTooManyRequests, so status writes treat it as never attempted.
func Do(ctx context.Context, b *Breaker, fn func(ctx context.Context) error) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, fn(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &syncerr.Cancelled{Reason: "risk control circuit breaker open"}
	}
	return err
}
