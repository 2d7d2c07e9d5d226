// breaker.go implements a breaker that trips against a single guard or
// relay address after repeated connect failures, so a dead relay doesn't
// get redialed on every circuit build. Named BreakerState/ConnectBreaker,
// not CircuitBreaker, to avoid colliding with this module's own Circuit
// type.
package errors

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// BreakerState is where a ConnectBreaker currently sits.
type BreakerState int

const (
	// BreakerClosed means dials are allowed through normally.
	BreakerClosed BreakerState = iota
	// BreakerOpen means recent dials failed enough that new ones fail fast.
	BreakerOpen
	// BreakerHalfOpen means the cooldown elapsed and one probe dial is
	// allowed to test whether the peer recovered.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a ConnectBreaker.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive dial failures before the
	// breaker opens.
	MaxFailures int

	// Timeout is how long the breaker stays open before allowing a probe.
	Timeout time.Duration

	// HalfOpenMaxRequests caps how many probe dials run concurrently
	// while half-open.
	HalfOpenMaxRequests int

	// FailureThreshold is the error rate (0.0-1.0) that opens the breaker
	// once MinRequests have been observed.
	FailureThreshold float64

	// MinRequests is the sample size needed before FailureThreshold applies.
	MinRequests int

	// OnStateChange, if set, is notified of every transition.
	OnStateChange func(from, to BreakerState)
}

// DefaultBreakerConfig matches the guard dial retry budget in
// errors.DefaultRetryPolicy: a relay that fails a handful of dials in a
// row is given a cooldown before the next circuit build tries it again.
func DefaultBreakerConfig() *BreakerConfig {
	return &BreakerConfig{
		MaxFailures:         3,
		Timeout:             30 * time.Second,
		HalfOpenMaxRequests: 1,
		FailureThreshold:    0.5,
		MinRequests:         5,
		OnStateChange:       nil,
	}
}

// ConnectBreaker short-circuits repeated dials to a relay that has
// recently refused or timed out, instead of retrying it on every call.
type ConnectBreaker struct {
	config *BreakerConfig
	mu     sync.RWMutex
	state  BreakerState

	// Counters for closed state
	failures        int
	successes       int
	totalRequests   int
	lastFailureTime time.Time

	// Counters for half-open state
	halfOpenRequests int
	halfOpenFailures int

	// Timestamp when circuit was opened
	openedAt time.Time
}

// NewConnectBreaker creates a breaker in the closed state.
func NewConnectBreaker(config *BreakerConfig) *ConnectBreaker {
	if config == nil {
		config = DefaultBreakerConfig()
	}

	return &ConnectBreaker{
		config: config,
		state:  BreakerClosed,
	}
}

// Dial runs fn (a relay/guard dial) under the breaker's protection: it
// fails fast with a ConnectFailed error while open, and records the
// outcome to decide whether to open, half-open, or stay closed.
func (cb *ConnectBreaker) Dial(ctx context.Context, fn RetryableFunc) error {
	if err := cb.beforeDial(); err != nil {
		return err
	}

	err := fn()
	cb.afterDial(err)
	return err
}

func (cb *ConnectBreaker) beforeDial() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		return nil

	case BreakerOpen:
		if time.Since(cb.openedAt) >= cb.config.Timeout {
			cb.changeState(BreakerHalfOpen)
			// This dial is the first probe.
			cb.halfOpenRequests = 1
			cb.halfOpenFailures = 0
			return nil
		}
		return ConnectFailedErr(
			fmt.Sprintf("breaker open, retry in %v", cb.config.Timeout-time.Since(cb.openedAt)), nil)

	case BreakerHalfOpen:
		if cb.halfOpenRequests >= cb.config.HalfOpenMaxRequests {
			return ConnectFailedErr("breaker half-open, probe already in flight", nil)
		}
		cb.halfOpenRequests++
		return nil

	default:
		return fmt.Errorf("unknown breaker state: %v", cb.state)
	}
}

func (cb *ConnectBreaker) afterDial(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		cb.totalRequests++
		if err != nil {
			cb.failures++
			cb.lastFailureTime = time.Now()
			if cb.shouldOpen() {
				cb.changeState(BreakerOpen)
				cb.openedAt = time.Now()
			}
		} else {
			cb.successes++
		}

	case BreakerHalfOpen:
		if err != nil {
			cb.halfOpenFailures++
			cb.changeState(BreakerOpen)
			cb.openedAt = time.Now()
		} else {
			cb.changeState(BreakerClosed)
			cb.reset()
		}
	}
}

func (cb *ConnectBreaker) shouldOpen() bool {
	if cb.failures >= cb.config.MaxFailures {
		return true
	}
	if cb.totalRequests >= cb.config.MinRequests {
		errorRate := float64(cb.failures) / float64(cb.totalRequests)
		if errorRate >= cb.config.FailureThreshold {
			return true
		}
	}
	return false
}

func (cb *ConnectBreaker) changeState(newState BreakerState) {
	oldState := cb.state
	cb.state = newState

	if cb.config.OnStateChange != nil {
		go cb.config.OnStateChange(oldState, newState)
	}
}

func (cb *ConnectBreaker) reset() {
	cb.failures = 0
	cb.successes = 0
	cb.totalRequests = 0
	cb.halfOpenRequests = 0
	cb.halfOpenFailures = 0
}

// State reports the breaker's current state.
func (cb *ConnectBreaker) State() BreakerState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Reset manually returns the breaker to the closed state, used when a
// relay is known-good again (e.g. it reappears in a fresh consensus).
func (cb *ConnectBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	oldState := cb.state
	cb.state = BreakerClosed
	cb.reset()

	if oldState != BreakerClosed && cb.config.OnStateChange != nil {
		go cb.config.OnStateChange(oldState, BreakerClosed)
	}
}
