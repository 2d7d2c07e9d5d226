// Package stream multiplexes application-level byte streams inside a
// circuit (C7): each Stream carries one RELAY_BEGIN..RELAY_END conversation,
// with its own end-to-end SENDME flow-control window layered under the
// circuit's aggregate window.
//
// Grounded on the teacher's original pkg/stream/stream.go (Stream/Manager
// shape, buffered channels, close-once) generalized to carry the
// package/deliver windows and relay-cell wiring a real stream model
// requires; the teacher's version had neither.
package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/go-tor/pkg/cell"
	"github.com/opd-ai/go-tor/pkg/logger"
)

// Stream-level flow control: a 500-cell window, replenished 50 cells at a
// time by a RELAY_SENDME once the window drops to threshold.
const (
	windowStart     = 500
	windowIncrement = 50
	windowThreshold = windowStart - windowIncrement
)

// State is the lifecycle state of a Stream.
type State int

const (
	StateNew State = iota
	StateConnecting
	StateConnected
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateClosed:
		return "CLOSED"
	case StateFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// Sender is the circuit-side hook a Stream uses to emit relay cells; the
// circuit package implements this so stream need not import circuit,
// avoiding an import cycle between the relay router and the stream layer.
type Sender interface {
	SendRelay(streamID uint16, cmd byte, data []byte) error
}

// Stream is one end-to-end conversation carried inside a circuit.
type Stream struct {
	ID        uint16
	CircuitID uint32
	Target    string
	Port      uint16
	CreatedAt time.Time

	sender Sender
	logger *logger.Logger

	mu            sync.Mutex
	state         State
	packageWindow int
	deliverWindow int
	endReason     cell.EndReason

	recvCh      chan []byte
	connectedCh chan struct{}
	closedCh    chan struct{}
	closeOnce   sync.Once
}

// NewStream creates a stream bound to the given circuit; sender delivers
// its relay cells onward.
func NewStream(id uint16, circuitID uint32, target string, port uint16, sender Sender, log *logger.Logger) *Stream {
	if log == nil {
		log = logger.NewDefault()
	}
	return &Stream{
		ID:            id,
		CircuitID:     circuitID,
		Target:        target,
		Port:          port,
		CreatedAt:     time.Now(),
		sender:        sender,
		logger:        log.Component("stream"),
		state:         StateNew,
		packageWindow: windowStart,
		deliverWindow: windowStart,
		recvCh:        make(chan []byte, 64),
		connectedCh:   make(chan struct{}),
		closedCh:      make(chan struct{}),
	}
}

// SetState updates the stream state.
func (s *Stream) SetState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.state
	s.state = state
	s.logger.Debug("stream state transition", "stream_id", s.ID, "old_state", old, "new_state", state)
}

// GetState returns the current stream state.
func (s *Stream) GetState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Open sends RELAY_BEGIN and waits for RELAY_CONNECTED, RELAY_END, or
// context cancellation.
func (s *Stream) Open(ctx context.Context) error {
	s.SetState(StateConnecting)
	payload := []byte(fmt.Sprintf("%s:%d\x00", s.Target, s.Port))
	if err := s.sender.SendRelay(s.ID, cell.RelayBegin, payload); err != nil {
		s.SetState(StateFailed)
		return fmt.Errorf("send RELAY_BEGIN: %w", err)
	}

	select {
	case <-s.connectedCh:
		s.SetState(StateConnected)
		return nil
	case <-s.closedCh:
		return fmt.Errorf("stream closed while connecting: %s", s.EndReason())
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Write sends data as one or more RELAY_DATA cells, blocking while the
// stream's package window is exhausted.
func (s *Stream) Write(ctx context.Context, data []byte) (int, error) {
	written := 0
	for len(data) > 0 {
		chunk := data
		if len(chunk) > cell.MaxRelayDataLen {
			chunk = chunk[:cell.MaxRelayDataLen]
		}

		if err := s.waitPackageWindow(ctx); err != nil {
			return written, err
		}
		if err := s.sender.SendRelay(s.ID, cell.RelayData, chunk); err != nil {
			return written, fmt.Errorf("send RELAY_DATA: %w", err)
		}

		s.mu.Lock()
		s.packageWindow--
		s.mu.Unlock()

		written += len(chunk)
		data = data[len(chunk):]
	}
	return written, nil
}

func (s *Stream) waitPackageWindow(ctx context.Context) error {
	for {
		s.mu.Lock()
		ok := s.packageWindow > 0
		s.mu.Unlock()
		if ok {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.closedCh:
			return fmt.Errorf("stream closed: %s", s.EndReason())
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// Read blocks for the next chunk of RELAY_DATA payload, or returns an error
// once the stream has ended.
func (s *Stream) Read(ctx context.Context) ([]byte, error) {
	select {
	case data, ok := <-s.recvCh:
		if !ok {
			return nil, fmt.Errorf("stream closed: %s", s.EndReason())
		}
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// HandleConnected processes an inbound RELAY_CONNECTED cell.
func (s *Stream) HandleConnected() {
	s.mu.Lock()
	if s.state == StateNew || s.state == StateConnecting {
		s.state = StateConnected
	}
	s.mu.Unlock()
	select {
	case <-s.connectedCh:
	default:
		close(s.connectedCh)
	}
}

// HandleData processes an inbound RELAY_DATA cell, queuing its payload and
// issuing a RELAY_SENDME once the deliver window crosses its threshold. A
// peer pushing DATA past an exhausted window is violating flow control:
// the stream closes with TORPROTOCOL and the cell is dropped.
func (s *Stream) HandleData(data []byte) {
	s.mu.Lock()
	if s.deliverWindow <= 0 {
		s.mu.Unlock()
		s.logger.Warn("data past exhausted deliver window", "stream_id", s.ID)
		s.protocolViolation()
		return
	}
	s.deliverWindow--
	needSendme := s.deliverWindow <= windowThreshold
	if needSendme {
		s.deliverWindow += windowIncrement
	}
	s.mu.Unlock()

	select {
	case s.recvCh <- data:
	case <-s.closedCh:
		return
	}

	if needSendme {
		_ = s.sender.SendRelay(s.ID, cell.RelaySendme, nil)
	}
}

// protocolViolation tears the stream down with TORPROTOCOL, telling the
// peer once.
func (s *Stream) protocolViolation() {
	s.mu.Lock()
	alreadyClosed := s.state == StateClosed
	s.state = StateClosed
	s.endReason = cell.EndTorProtocol
	s.mu.Unlock()

	if !alreadyClosed {
		_ = s.sender.SendRelay(s.ID, cell.RelayEnd, []byte{byte(cell.EndTorProtocol)})
	}
	s.closeOnce.Do(func() {
		close(s.closedCh)
		close(s.recvCh)
	})
}

// HandleSendme processes an inbound stream-level RELAY_SENDME, replenishing
// the package window.
func (s *Stream) HandleSendme() {
	s.mu.Lock()
	s.packageWindow += windowIncrement
	s.mu.Unlock()
}

// HandleEnd processes an inbound RELAY_END, terminating the stream.
func (s *Stream) HandleEnd(reason cell.EndReason) {
	s.mu.Lock()
	s.endReason = reason
	s.state = StateClosed
	s.mu.Unlock()
	s.closeOnce.Do(func() {
		close(s.closedCh)
		close(s.recvCh)
	})
}

// EndReason returns the reason the stream ended, valid once closed.
func (s *Stream) EndReason() cell.EndReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endReason
}

// Close ends the stream locally, sending RELAY_END if it hasn't already
// ended from the remote side.
func (s *Stream) Close() error {
	s.mu.Lock()
	alreadyClosed := s.state == StateClosed
	s.state = StateClosed
	s.mu.Unlock()

	if alreadyClosed {
		return nil
	}
	err := s.sender.SendRelay(s.ID, cell.RelayEnd, []byte{byte(cell.EndDone)})
	s.closeOnce.Do(func() {
		close(s.closedCh)
		close(s.recvCh)
	})
	return err
}

// Manager allocates and tracks streams for one circuit.
type Manager struct {
	mu      sync.Mutex
	streams map[uint16]*Stream
	nextID  uint16
	logger  *logger.Logger
}

// NewManager creates an empty stream table.
func NewManager(log *logger.Logger) *Manager {
	if log == nil {
		log = logger.NewDefault()
	}
	return &Manager{
		streams: make(map[uint16]*Stream),
		nextID:  1,
		logger:  log.Component("stream-manager"),
	}
}

// CreateStream allocates a new stream ID and registers it.
func (m *Manager) CreateStream(circuitID uint32, target string, port uint16, sender Sender) (*Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := 0; i < 1<<16; i++ {
		id := m.nextID
		m.nextID++
		if m.nextID == 0 {
			m.nextID = 1
		}
		if _, exists := m.streams[id]; !exists {
			s := NewStream(id, circuitID, target, port, sender, m.logger)
			m.streams[id] = s
			m.logger.Info("stream created", "stream_id", id, "circuit_id", circuitID, "target", target, "port", port)
			return s, nil
		}
	}
	return nil, fmt.Errorf("no free stream ids")
}

// GetStream looks up a stream by ID.
func (m *Manager) GetStream(id uint16) (*Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[id]
	if !ok {
		return nil, fmt.Errorf("stream not found: %d", id)
	}
	return s, nil
}

// RemoveStream drops a stream from the table, closing it first.
func (m *Manager) RemoveStream(id uint16) error {
	m.mu.Lock()
	s, ok := m.streams[id]
	delete(m.streams, id)
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("stream not found: %d", id)
	}
	return s.Close()
}

// GetStreamsForCircuit returns every stream registered against circuitID.
func (m *Manager) GetStreamsForCircuit(circuitID uint32) []*Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Stream
	for _, s := range m.streams {
		if s.CircuitID == circuitID {
			out = append(out, s)
		}
	}
	return out
}

// Close ends every stream in the table, e.g. when the owning circuit closes.
func (m *Manager) Close() error {
	m.mu.Lock()
	streams := make([]*Stream, 0, len(m.streams))
	for _, s := range m.streams {
		streams = append(streams, s)
	}
	m.streams = make(map[uint16]*Stream)
	m.mu.Unlock()

	for _, s := range streams {
		s.HandleEnd(cell.EndDestroy)
	}
	return nil
}

// Count returns the number of live streams.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.streams)
}
