package stream

import (
	"context"
	"fmt"
	"time"
)

// WaitForState waits for the stream to reach a specific state or until the
// context is done.
func (s *Stream) WaitForState(ctx context.Context, state State) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if s.GetState() == state {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for state %s (current: %s): %w", state, s.GetState(), ctx.Err())
		case <-ticker.C:
		case <-s.closedCh:
			if state == StateClosed {
				return nil
			}
			return fmt.Errorf("stream closed while waiting for state %s", state)
		}
	}
}

// CloseWithContext closes the stream, forcing the close through even if the
// context expires before RELAY_END is sent.
func (s *Stream) CloseWithContext(ctx context.Context) error {
	closeErr := make(chan error, 1)
	go func() {
		closeErr <- s.Close()
	}()

	select {
	case err := <-closeErr:
		return err
	case <-ctx.Done():
		_ = s.Close()
		return fmt.Errorf("close timeout: %w", ctx.Err())
	}
}

// IsActive reports whether the stream is connecting or connected.
func (s *Stream) IsActive() bool {
	state := s.GetState()
	return state == StateConnecting || state == StateConnected
}

// IsClosed reports whether the stream has ended, successfully or not.
func (s *Stream) IsClosed() bool {
	state := s.GetState()
	return state == StateClosed || state == StateFailed
}
