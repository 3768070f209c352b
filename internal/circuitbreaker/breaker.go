package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"secgate/gateway/internal/metrics"

	"github.com/rs/zerolog/log"
)

// ErrOpen is returned by Allow while the breaker rejects calls.
var ErrOpen = errors.New("circuit breaker open")

// State represents the circuit breaker state
type State int32

const (
	// StateClosed - calls flow through to the backend
	StateClosed State = iota
	// StateOpen - calls fail fast without touching the backend
	StateOpen
	// StateHalfOpen - a few probes test whether the backend recovered
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds circuit breaker configuration
type Config struct {
	// FailureThreshold is the number of consecutive failures before opening
	FailureThreshold int
	// SuccessThreshold is the number of probe successes in half-open before closing
	SuccessThreshold int
	// Cooldown is how long to stay open before letting probes through
	Cooldown time.Duration
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Cooldown:         5 * time.Second,
	}
}

// Breaker guards one backend. Reads of the state are lock free; transitions
// take mu and re-check the state.
type Breaker struct {
	name   string
	config Config

	state     atomic.Int32
	failures  atomic.Int64 // consecutive failures while closed
	successes atomic.Int64 // probe successes while half-open
	inflight  atomic.Int64 // probes in flight while half-open
	openedAt  atomic.Int64 // unix nano

	mu      sync.Mutex
	nowFunc func() time.Time
}

func New(name string, config Config) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = DefaultConfig().SuccessThreshold
	}
	b := &Breaker{name: name, config: config, nowFunc: time.Now}
	b.state.Store(int32(StateClosed))
	metrics.StoreCircuitState.WithLabelValues(name).Set(float64(StateClosed))
	return b
}

// Allow reports whether a call may proceed. When probe is true the caller
// must call Done once the call completes.
func (b *Breaker) Allow() (probe bool, err error) {
	switch State(b.state.Load()) {
	case StateClosed:
		return false, nil

	case StateOpen:
		elapsed := b.nowFunc().Sub(time.Unix(0, b.openedAt.Load()))
		if elapsed < b.config.Cooldown {
			return false, fmt.Errorf("%w: %s (retry in %v)", ErrOpen, b.name, (b.config.Cooldown - elapsed).Round(time.Millisecond))
		}
		b.mu.Lock()
		if State(b.state.Load()) == StateOpen {
			b.transitionTo(StateHalfOpen)
		}
		b.mu.Unlock()
		return b.Allow()

	case StateHalfOpen:
		if int(b.inflight.Add(1)) > b.config.SuccessThreshold {
			b.inflight.Add(-1)
			return false, fmt.Errorf("%w: %s probe limit reached", ErrOpen, b.name)
		}
		return true, nil
	}
	return false, fmt.Errorf("circuit breaker %s in unknown state", b.name)
}

// Done releases a half-open probe slot.
func (b *Breaker) Done() {
	if b.inflight.Add(-1) < 0 {
		b.inflight.Store(0)
	}
}

func (b *Breaker) RecordSuccess() {
	switch State(b.state.Load()) {
	case StateClosed:
		b.failures.Store(0)
	case StateHalfOpen:
		if int(b.successes.Add(1)) >= b.config.SuccessThreshold {
			b.mu.Lock()
			if State(b.state.Load()) == StateHalfOpen {
				b.transitionTo(StateClosed)
				log.Info().Str("breaker", b.name).Msg("store recovered")
			}
			b.mu.Unlock()
		}
	}
}

func (b *Breaker) RecordFailure() {
	switch State(b.state.Load()) {
	case StateClosed:
		failures := b.failures.Add(1)
		if int(failures) >= b.config.FailureThreshold {
			b.mu.Lock()
			if State(b.state.Load()) == StateClosed {
				b.transitionTo(StateOpen)
				log.Error().
					Str("breaker", b.name).
					Int64("failures", failures).
					Msg("circuit breaker opened")
			}
			b.mu.Unlock()
		}
	case StateHalfOpen:
		b.mu.Lock()
		if State(b.state.Load()) == StateHalfOpen {
			b.transitionTo(StateOpen)
			log.Warn().Str("breaker", b.name).Msg("circuit breaker reopened after probe failure")
		}
		b.mu.Unlock()
	}
}

// transitionTo changes state (caller holds mu).
func (b *Breaker) transitionTo(next State) {
	prev := State(b.state.Load())
	b.state.Store(int32(next))
	b.failures.Store(0)
	b.successes.Store(0)
	b.inflight.Store(0)
	if next == StateOpen {
		b.openedAt.Store(b.nowFunc().UnixNano())
		metrics.StoreCircuitOpens.WithLabelValues(b.name).Inc()
	}
	metrics.StoreCircuitState.WithLabelValues(b.name).Set(float64(next))
	metrics.StoreCircuitTransitions.WithLabelValues(b.name, prev.String(), next.String()).Inc()

	log.Info().
		Str("breaker", b.name).
		Str("old_state", prev.String()).
		Str("new_state", next.String()).
		Msg("circuit breaker state transition")
}

func (b *Breaker) State() State {
	return State(b.state.Load())
}

// Reset forces the breaker closed (admin/tests).
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if State(b.state.Load()) != StateClosed {
		b.transitionTo(StateClosed)
	}
	b.failures.Store(0)
}
