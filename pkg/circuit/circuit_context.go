// Package circuit provides context-aware operations for circuit management.
package circuit

import (
	"context"
	"fmt"
	"time"

	torerr "github.com/opd-ai/go-tor/pkg/errors"
)

// pollInterval is how often the poll loops below re-check their condition.
// Circuit state transitions aren't signaled through a channel, so these
// loops trade a little latency for not needing one.
const pollInterval = 50 * time.Millisecond

// pollUntil re-checks cond every pollInterval until it reports true or ctx
// is done, returning a TimedOut error built from timeoutMsg in the latter
// case. Every context-aware wait below is a thin wrapper around this.
func pollUntil(ctx context.Context, timeoutMsg func() string, cond func() bool) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if cond() {
			return nil
		}
		select {
		case <-ctx.Done():
			return torerr.TimedOutErr(timeoutMsg(), ctx.Err())
		case <-ticker.C:
		}
	}
}

// WaitForState blocks until the circuit reaches state, or ctx is done.
//
//	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
//	defer cancel()
//	err := circuit.WaitForState(ctx, StateOpen)
func (c *Circuit) WaitForState(ctx context.Context, state State) error {
	return pollUntil(ctx, func() string {
		return fmt.Sprintf("waiting for state %s (current: %s)", state, c.GetState())
	}, func() bool {
		return c.GetState() == state
	})
}

// WaitUntilReady blocks until the circuit reaches StateOpen, or ctx is done.
func (c *Circuit) WaitUntilReady(ctx context.Context) error {
	return c.WaitForState(ctx, StateOpen)
}

// AgeWithContext returns the circuit's age, failing early if ctx is
// already done rather than returning a stale-looking duration.
func (c *Circuit) AgeWithContext(ctx context.Context) (time.Duration, error) {
	select {
	case <-ctx.Done():
		return 0, torerr.TimedOutErr("age lookup cancelled", ctx.Err())
	default:
		return c.Age(), nil
	}
}

// IsOlderThan reports whether the circuit has existed longer than d, for
// rotation policies that retire circuits past a maximum lifetime.
func (c *Circuit) IsOlderThan(d time.Duration) bool {
	return c.Age() > d
}

// SetStateWithContext sets the circuit's state unless ctx is already done.
func (c *Circuit) SetStateWithContext(ctx context.Context, state State) error {
	select {
	case <-ctx.Done():
		return torerr.TimedOutErr("state change cancelled", ctx.Err())
	default:
		c.SetState(state)
		return nil
	}
}

// CloseWithDeadline closes every circuit the manager holds within timeout.
//
//	err := manager.CloseWithDeadline(5 * time.Second)
func (m *Manager) CloseWithDeadline(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return m.Close(ctx)
}

// circuitsInState returns the manager's circuits currently in state,
// shared by GetCircuitsByState, CountByState, and WaitForCircuitCount so
// they don't each re-walk the table with slightly different logic.
func (m *Manager) circuitsInState(state State) []*Circuit {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*Circuit
	for _, circ := range m.circuits {
		if circ.GetState() == state {
			matched = append(matched, circ)
		}
	}
	return matched
}

// WaitForCircuitCount blocks until at least minCount circuits are in
// state, or ctx is done.
//
//	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
//	defer cancel()
//	err := manager.WaitForCircuitCount(ctx, StateOpen, 3)
func (m *Manager) WaitForCircuitCount(ctx context.Context, state State, minCount int) error {
	var lastCount int
	return pollUntil(ctx, func() string {
		return fmt.Sprintf("waiting for %d circuits in state %s (current: %d)", minCount, state, lastCount)
	}, func() bool {
		lastCount = len(m.circuitsInState(state))
		return lastCount >= minCount
	})
}

// GetCircuitsByState returns every circuit currently in state.
func (m *Manager) GetCircuitsByState(state State) []*Circuit {
	return m.circuitsInState(state)
}

// CountByState returns how many circuits are currently in state.
func (m *Manager) CountByState(state State) int {
	return len(m.circuitsInState(state))
}

// CloseCircuitWithContext closes a circuit, forcing the close through even
// if ctx expires first so the circuit doesn't outlive its caller's wait.
//
//	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
//	defer cancel()
//	err := manager.CloseCircuitWithContext(ctx, circuitID)
func (m *Manager) CloseCircuitWithContext(ctx context.Context, id uint32) error {
	done := make(chan error, 1)
	go func() { done <- m.CloseCircuit(id) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		_ = m.CloseCircuit(id)
		return torerr.TimedOutErr(fmt.Sprintf("close circuit %d", id), ctx.Err())
	}
}

// CreateCircuitWithContext creates a circuit, abandoning the wait (not the
// underlying CreateCircuit call) if ctx is done first.
func (m *Manager) CreateCircuitWithContext(ctx context.Context) (*Circuit, error) {
	type result struct {
		circuit *Circuit
		err     error
	}
	done := make(chan result, 1)

	go func() {
		circ, err := m.CreateCircuit()
		done <- result{circ, err}
	}()

	select {
	case r := <-done:
		return r.circuit, r.err
	case <-ctx.Done():
		return nil, torerr.TimedOutErr("create circuit cancelled", ctx.Err())
	}
}
