// Package circuit provides circuit management for the Tor protocol.
// Circuits are paths through the Tor network used to route traffic.
package circuit

import (
	"context"
	"crypto/cipher"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"hash"
	"net"
	"sync"
	"time"

	"github.com/opd-ai/go-tor/pkg/cell"
	"github.com/opd-ai/go-tor/pkg/cryptopath"
	torerr "github.com/opd-ai/go-tor/pkg/errors"
	"github.com/opd-ai/go-tor/pkg/link"
	"github.com/opd-ai/go-tor/pkg/policy"
	"github.com/opd-ai/go-tor/pkg/stream"
)

// cellConn is the minimal surface a Circuit needs from the link carrying
// its first hop. *link.Link is the only production implementation; the
// interface exists so circuit-layer tests can substitute a fake sender
// instead of dialing a real TLS connection, not because of any import
// constraint between this package and pkg/link.
type cellConn interface {
	SendCell(*cell.Cell) error
}

// State represents the current state of a circuit
type State int

const (
	// StateBuilding indicates the circuit is being built
	StateBuilding State = iota
	// StateOpen indicates the circuit is ready for use
	StateOpen
	// StateClosed indicates the circuit has been closed
	StateClosed
	// StateFailed indicates the circuit failed to build or operate
	StateFailed
	// StateAwaitingLink indicates a relay-side circuit holding a buffered
	// CREATE while its next-hop link is still being opened
	StateAwaitingLink
)

// String returns a string representation of the state
func (s State) String() string {
	switch s {
	case StateBuilding:
		return "BUILDING"
	case StateOpen:
		return "OPEN"
	case StateClosed:
		return "CLOSED"
	case StateFailed:
		return "FAILED"
	case StateAwaitingLink:
		return "AWAITING_LINK"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// Circuit represents a Tor circuit
type Circuit struct {
	ID               uint32
	State            State
	CreatedAt        time.Time
	Hops             []*Hop
	IsolationKey     *IsolationKey // Isolation key for circuit isolation
	conn             cellConn      // Link carrying this circuit's first hop
	mu               sync.RWMutex
	paddingEnabled   bool          // SPEC-002: Enable/disable circuit padding
	paddingInterval  time.Duration // SPEC-002: Interval for padding cells
	lastPaddingTime  time.Time     // SPEC-002: Last time a padding cell was sent
	lastActivityTime time.Time     // SPEC-002: Last time any cell was sent/received
	// dirtySince is when the first stream was attached; circuits past the
	// reuse window measured from this point take no new streams.
	dirtySince time.Time
	// exitPolicy is the chosen exit's policy, consulted when attaching
	// streams; nil means unknown (treated as a maybe-accept).
	exitPolicy *policy.Policy
	// Stream protocol support
	relayReceiveChan chan *cell.RelayCell // RESOLVED and other non-stream relay cells
	streamManager    *stream.Manager      // Dispatch table for stream-addressed relay cells
	// Flow control per tor-spec.txt §7.4
	packageWindow  int // Circuit-level package window (cells we can send)
	deliverWindow  int // Circuit-level deliver window (cells we can receive)
	sendmeReceived int // Count of DATA cells received (for sending SENDME)
	sendmeSent     int // Count of SENDME cells sent

	// WireCircID is the 16-bit circuit id this circuit is known by on its
	// link, per spec.md §3 (distinct from Manager's internal ID, which has
	// no relation to any wire value). Set once the first hop's link has
	// allocated an id for this circuit.
	WireCircID uint16
	// handshakeCh carries CREATED/CREATED_FAST cells from HandleCell to
	// whichever goroutine is driving the builder's per-hop handshake
	// (spec.md §4.5); buffered so dispatch never blocks on the builder.
	handshakeCh chan *cell.Cell
}

// Hop represents a single hop in a circuit (one relay)
type Hop struct {
	Fingerprint string // Router fingerprint
	Address     string // Router address (IP:port)
	IsGuard     bool   // Whether this is a guard node
	IsExit      bool   // Whether this is an exit node

	// Cryptographic state for this hop (per tor-spec.txt §5.2)
	// These are derived from the key material during circuit extension
	ForwardCipher  cipher.Stream // AES-CTR cipher for encrypting cells (client→relay)
	BackwardCipher cipher.Stream // AES-CTR cipher for decrypting cells (relay→client)
	ForwardDigest  hash.Hash     // SHA-1 running digest for forward direction
	BackwardDigest hash.Hash     // SHA-1 running digest for backward direction

	// Per-hop flow control, regulated like the circuit-wide windows:
	// 1000 to start, SENDME credit in units of 100.
	PackageWindow int
	DeliverWindow int
}

// NewHop creates a new hop with the given parameters
func NewHop(fingerprint, address string, isGuard, isExit bool) *Hop {
	return &Hop{
		Fingerprint:   fingerprint,
		Address:       address,
		IsGuard:       isGuard,
		IsExit:        isExit,
		PackageWindow: 1000,
		DeliverWindow: 1000,
	}
}

// recognizeBackward checks whether a backward cell, after this hop's cipher
// pass, is consumed at this hop: the recognized field must be zero and the
// digest prefix must match the running backward digest after absorbing the
// zeroed payload. A mismatch restores the digest so further peeling does
// not desynchronize this hop.
func (h *Hop) recognizeBackward(payload []byte) bool {
	if h.BackwardDigest == nil {
		return false
	}
	if len(payload) < cell.RelayCellHeaderLen || binary.BigEndian.Uint16(payload[1:3]) != 0 {
		return false
	}

	saved, err := cryptopath.SnapshotDigest(h.BackwardDigest)
	if err != nil {
		return false
	}
	zeroed := cell.ZeroDigestField(payload)
	h.BackwardDigest.Write(zeroed) //nolint:errcheck // hash.Hash.Write never errors
	sum := h.BackwardDigest.Sum(nil)
	if subtle.ConstantTimeCompare(sum[:4], payload[5:9]) == 1 {
		return true
	}
	cryptopath.RestoreDigest(h.BackwardDigest, saved) //nolint:errcheck
	return false
}

// SetCryptoState sets the cryptographic state for this hop
// This should be called after circuit extension when key material is derived
func (h *Hop) SetCryptoState(forwardCipher, backwardCipher cipher.Stream, forwardDigest, backwardDigest hash.Hash) {
	h.ForwardCipher = forwardCipher
	h.BackwardCipher = backwardCipher
	h.ForwardDigest = forwardDigest
	h.BackwardDigest = backwardDigest
}

// NewCircuit creates a new circuit with the given ID
func NewCircuit(id uint32) *Circuit {
	now := time.Now()
	return &Circuit{
		ID:               id,
		State:            StateBuilding,
		CreatedAt:        now,
		Hops:             make([]*Hop, 0, 3),             // Typical circuit has 3 hops
		IsolationKey:     nil,                            // No isolation by default (backward compatible)
		conn:             nil,                            // Connection set later
		paddingEnabled:   true,                           // SPEC-002: Enable padding by default
		paddingInterval:  5 * time.Second,                // SPEC-002: Default 5-second padding interval
		lastPaddingTime:  now,                            // SPEC-002: Initialize padding timer
		lastActivityTime: now,                            // SPEC-002: Initialize activity timer
		relayReceiveChan: make(chan *cell.RelayCell, 32), // Buffer for incoming relay cells
		streamManager:    nil,                            // Stream manager set later
		packageWindow:    1000,                           // tor-spec.txt §7.4: Initial circuit window is 1000
		deliverWindow:    1000,                           // tor-spec.txt §7.4: Initial circuit window is 1000
		sendmeReceived:   0,                              // No DATA cells received yet
		sendmeSent:       0,                              // No SENDME cells sent yet
		handshakeCh:      make(chan *cell.Cell, 1),
	}
}

// AddHop adds a hop to the circuit
func (c *Circuit) AddHop(hop *Hop) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.State != StateBuilding {
		return torerr.ProtocolErr(fmt.Sprintf("cannot add hop to circuit in state %s", c.State), nil)
	}

	c.Hops = append(c.Hops, hop)
	return nil
}

// SetState sets the circuit state
func (c *Circuit) SetState(state State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.State = state
}

// GetState returns the current circuit state
func (c *Circuit) GetState() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.State
}

// Length returns the number of hops in the circuit
func (c *Circuit) Length() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.Hops)
}

// IsReady returns true if the circuit is ready for use
func (c *Circuit) IsReady() bool {
	return c.GetState() == StateOpen
}

// Age returns how long the circuit has existed
func (c *Circuit) Age() time.Duration {
	return time.Since(c.CreatedAt)
}

// Manager manages a collection of circuits
type Manager struct {
	circuits map[uint32]*Circuit
	nextID   uint32
	mu       sync.RWMutex
	closed   bool
}

// NewManager creates a new circuit manager
func NewManager() *Manager {
	return &Manager{
		circuits: make(map[uint32]*Circuit),
		nextID:   1, // Circuit ID 0 is reserved
	}
}

// CreateCircuit creates a new circuit and returns its ID
func (m *Manager) CreateCircuit() (*Circuit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, torerr.InternalErr("manager is closed", nil)
	}

	// Find an unused circuit ID
	id := m.nextID
	for {
		if _, exists := m.circuits[id]; !exists {
			break
		}
		id++
		if id == 0 {
			id = 1 // Skip 0
		}
		if id == m.nextID {
			return nil, torerr.ResourceErr("no available circuit IDs", nil)
		}
	}

	m.nextID = id + 1
	if m.nextID == 0 {
		m.nextID = 1
	}

	circuit := NewCircuit(id)
	m.circuits[id] = circuit
	return circuit, nil
}

// GetCircuit returns a circuit by ID
func (m *Manager) GetCircuit(id uint32) (*Circuit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	circuit, exists := m.circuits[id]
	if !exists {
		return nil, torerr.ResourceErr(fmt.Sprintf("circuit %d not found", id), nil)
	}
	return circuit, nil
}

// CloseCircuit closes a circuit
func (m *Manager) CloseCircuit(id uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	circuit, exists := m.circuits[id]
	if !exists {
		return torerr.ResourceErr(fmt.Sprintf("circuit %d not found", id), nil)
	}

	circuit.SetState(StateClosed)
	delete(m.circuits, id)
	return nil
}

// ListCircuits returns a list of all circuit IDs
func (m *Manager) ListCircuits() []uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]uint32, 0, len(m.circuits))
	for id := range m.circuits {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of active circuits
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.circuits)
}

// Close closes all circuits and shuts down the manager gracefully
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return torerr.InternalErr("manager already closed", nil)
	}

	// Mark as closed to prevent new circuits
	m.closed = true

	// Close all circuits
	for id, circuit := range m.circuits {
		circuit.SetState(StateClosed)
		delete(m.circuits, id)
	}

	return nil
}

// IsClosed returns true if the manager has been closed
func (m *Manager) IsClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// SPEC-002: Circuit padding configuration and control
// These methods provide infrastructure for enhanced circuit padding per padding-spec.txt
// Current implementation provides basic padding support with hooks for future adaptive padding

// SetPaddingEnabled enables or disables circuit padding (SPEC-002)
// When enabled, circuits will send PADDING cells according to padding policy
func (c *Circuit) SetPaddingEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paddingEnabled = enabled
}

// IsPaddingEnabled returns whether padding is enabled for this circuit (SPEC-002)
func (c *Circuit) IsPaddingEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.paddingEnabled
}

// SetPaddingInterval sets the interval for padding cells (SPEC-002)
// interval: time between padding cells (0 = adaptive/traffic-based)
// This provides infrastructure for implementing adaptive padding per padding-spec.txt
func (c *Circuit) SetPaddingInterval(interval time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paddingInterval = interval
}

// GetPaddingInterval returns the current padding interval (SPEC-002)
func (c *Circuit) GetPaddingInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.paddingInterval
}

// ShouldSendPadding determines if a padding cell should be sent (SPEC-002)
// Implements basic time-based padding to improve traffic analysis resistance
// per tor-spec.txt §7.1 and padding-spec.txt
//
// Basic policy: Send padding if:
// 1. Padding is enabled
// 2. Circuit is open
// 3. paddingInterval has elapsed since last padding cell
// 4. No recent activity (prevents redundant padding during active use)
func (c *Circuit) ShouldSendPadding() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	// Basic policy: padding enabled and circuit is open
	if !c.paddingEnabled || c.State != StateOpen {
		return false
	}

	// If no interval configured (0), padding is disabled
	if c.paddingInterval == 0 {
		return false
	}

	now := time.Now()

	// Check if padding interval has elapsed since last padding
	timeSinceLastPadding := now.Sub(c.lastPaddingTime)
	if timeSinceLastPadding < c.paddingInterval {
		return false
	}

	// Don't send padding if there's been recent activity (within 80% of padding interval)
	// This prevents redundant padding when circuit is actively used
	activityThreshold := time.Duration(float64(c.paddingInterval) * 0.8)
	timeSinceActivity := now.Sub(c.lastActivityTime)
	if timeSinceActivity < activityThreshold {
		return false
	}

	return true
}

// RecordPaddingSent updates the last padding time (SPEC-002)
// Should be called after successfully sending a padding cell
func (c *Circuit) RecordPaddingSent() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastPaddingTime = time.Now()
}

// RecordActivity updates the last activity time (SPEC-002)
// Should be called when sending or receiving non-padding cells
func (c *Circuit) RecordActivity() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivityTime = time.Now()
}

// Direction represents the direction of relay cell flow
type Direction int

const (
	// DirectionForward is client → exit
	DirectionForward Direction = iota
	// DirectionBackward is exit → client
	DirectionBackward
)

// SetIsolationKey sets the isolation key for this circuit
func (c *Circuit) SetIsolationKey(key *IsolationKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.IsolationKey = key
}

// GetIsolationKey returns the isolation key for this circuit
func (c *Circuit) GetIsolationKey() *IsolationKey {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.IsolationKey
}

// SetConnection sets the link this circuit sends cells on.
func (c *Circuit) SetConnection(conn *link.Link) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
}

// SetStreamManager attaches the stream table this circuit dispatches
// stream-addressed relay cells (RELAY_DATA, RELAY_CONNECTED, RELAY_END, and
// stream-level RELAY_SENDME) into. A circuit with no stream manager attached
// still answers DNS-over-Tor (RESOLVED arrives on relayReceiveChan, stream ID
// 0) but cannot carry application streams.
func (c *Circuit) SetStreamManager(mgr *stream.Manager) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.streamManager = mgr
}

// SendRelay implements stream.Sender: it lets a Stream push its own relay
// cells (RELAY_BEGIN, RELAY_DATA, RELAY_END, stream-level RELAY_SENDME)
// through this circuit's onion-encryption and digest machinery without the
// stream package needing to import circuit.
func (c *Circuit) SendRelay(streamID uint16, cmd byte, data []byte) error {
	return c.SendRelayCell(cell.NewRelayCell(streamID, cmd, data))
}

// peelBackward removes onion layers from an inbound cell one hop at a time,
// in cpath order, stopping at the first hop that recognizes the cell (per
// the relay-cell router's peel-and-check rule). It returns the decrypted
// payload and the index of the recognizing hop, or -1 when no hop
// recognized it. Only the ciphers of hops up to and including the
// recognizing one advance; hops beyond it never saw the cell.
func (c *Circuit) peelBackward(payload []byte) ([]byte, int) {
	c.mu.RLock()
	hops := c.Hops
	c.mu.RUnlock()

	decrypted := make([]byte, len(payload))
	copy(decrypted, payload)

	for i, hop := range hops {
		if hop.BackwardCipher != nil {
			hop.BackwardCipher.XORKeyStream(decrypted, decrypted)
		}
		if hop.recognizeBackward(decrypted) {
			return decrypted, i
		}
	}
	return decrypted, -1
}

// decrementPackageWindow decrements the circuit-level package window
// Returns an error if the window is exhausted
func (c *Circuit) decrementPackageWindow() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.packageWindow <= 0 {
		return torerr.ResourceErr("package window exhausted: cannot send more cells until SENDME received", nil)
	}

	c.packageWindow--
	return nil
}

// incrementPackageWindow increments the circuit-level package window
// This is called when we receive a SENDME cell
func (c *Circuit) incrementPackageWindow() {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Per tor-spec.txt §7.4, each SENDME increments the window by 100
	c.packageWindow += 100
}

// decrementDeliverWindow decrements the circuit-level deliver window
// Returns an error if the window is exhausted
func (c *Circuit) decrementDeliverWindow() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.deliverWindow <= 0 {
		return torerr.ResourceErr("deliver window exhausted: cannot receive more cells until SENDME sent", nil)
	}

	c.deliverWindow--
	c.sendmeReceived++

	return nil
}

// shouldSendCircuitSendme checks if we should send a circuit-level SENDME
// Per tor-spec.txt §7.4, send SENDME every 100 cells received
func (c *Circuit) shouldSendCircuitSendme() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.sendmeReceived >= 100
}

// sendCircuitSendme sends a circuit-level SENDME cell
func (c *Circuit) sendCircuitSendme() error {
	c.mu.Lock()
	c.sendmeReceived = 0
	c.sendmeSent++
	c.deliverWindow += 100 // Increment our deliver window
	c.mu.Unlock()

	// Send SENDME cell (stream ID 0 indicates circuit-level)
	sendmeCell := cell.NewRelayCell(0, cell.RelaySendme, []byte{})
	return c.SendRelayCell(sendmeCell)
}

// truncateHopsBeyond drops every hop after index keep, releasing their
// cipher and digest state. Used when the circuit is truncated at that layer
// (RELAY_TRUNCATED from the hop at keep).
func (c *Circuit) truncateHopsBeyond(keep int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if keep >= 0 && keep < len(c.Hops)-1 {
		c.Hops = c.Hops[:keep+1]
	}
}

// Truncate asks the circuit's last remaining target layer to drop the hops
// beyond hop index keep, sending RELAY_TRUNCATE addressed to that hop. The
// local cpath is trimmed when the matching RELAY_TRUNCATED arrives.
func (c *Circuit) Truncate(keep int) error {
	c.mu.RLock()
	n := len(c.Hops)
	c.mu.RUnlock()
	if keep < 0 || keep >= n-1 {
		return torerr.InternalErr(fmt.Sprintf("truncate at hop %d of %d", keep, n), nil)
	}
	rc := cell.NewRelayCell(0, cell.RelayTruncate, []byte{byte(cell.DestroyRequested)})
	return c.sendRelayCellToHop(rc, cell.CmdRelay, keep)
}

// MarkDirty records the first stream attachment; the reuse window for new
// streams is measured from this instant.
func (c *Circuit) MarkDirty() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dirtySince.IsZero() {
		c.dirtySince = time.Now()
	}
}

// DirtySince returns when the first stream was attached; zero means the
// circuit is still clean.
func (c *Circuit) DirtySince() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dirtySince
}

// SetExitPolicy records the chosen exit's policy for stream attachment.
func (c *Circuit) SetExitPolicy(p *policy.Policy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exitPolicy = p
}

// AllowsTarget reports whether this circuit's exit would plausibly accept a
// stream to addr:port (a definite or probable accept). The address may be
// nil when only a hostname is known; an unknown exit policy is a
// maybe-accept, leaving the decision to the exit's own BEGIN handling.
func (c *Circuit) AllowsTarget(addr net.IP, port uint16) bool {
	c.mu.RLock()
	p := c.exitPolicy
	c.mu.RUnlock()
	if p == nil {
		return true
	}
	v := policy.Evaluate(addr, &port, p)
	return v == policy.Accepted || v == policy.ProbablyAccepted
}

// SendRelayCell sends a relay cell through the circuit
// This encrypts the relay cell with per-hop cryptography and sends it through the connection
func (c *Circuit) SendRelayCell(relayCell *cell.RelayCell) error {
	return c.sendRelayCellWithCommand(relayCell, cell.CmdRelay)
}

// sendRelayCellWithCommand is SendRelayCell generalized over the outer cell
// command, so EXTEND cells can be sent as RELAY_EARLY (see handshake.go's
// sendRelayCellEarly) while everything else uses plain RELAY. The cell is
// addressed to the last hop.
func (c *Circuit) sendRelayCellWithCommand(relayCell *cell.RelayCell, outerCmd cell.Command) error {
	c.mu.RLock()
	target := len(c.Hops) - 1
	c.mu.RUnlock()
	return c.sendRelayCellToHop(relayCell, outerCmd, target)
}

// sendRelayCellToHop stamps the digest of the hop at index target and onion-
// encrypts through layers 0..target only, so circuit-control cells (e.g.
// RELAY_TRUNCATE) can address an intermediate hop.
func (c *Circuit) sendRelayCellToHop(relayCell *cell.RelayCell, outerCmd cell.Command, target int) error {
	// Check flow control for DATA cells
	// Per tor-spec.txt §7.4, only DATA cells count against the package window
	if relayCell.Command == cell.RelayData {
		if err := c.decrementPackageWindow(); err != nil {
			return err
		}
	}

	c.mu.Lock()
	conn := c.conn
	state := c.State
	hops := c.Hops
	if relayCell.Command == cell.RelayData && len(hops) > 0 {
		// The exit hop's window is regulated alongside the circuit-wide one.
		exitHop := hops[len(hops)-1]
		if exitHop.PackageWindow <= 0 {
			c.mu.Unlock()
			return torerr.ResourceErr("hop package window exhausted: cannot send more cells until SENDME received", nil)
		}
		exitHop.PackageWindow--
	}
	c.mu.Unlock()

	// EXTEND cells are sent while the circuit is still being built (spec.md
	// §4.5's "h[i] await keys" state, which this core folds into
	// StateBuilding rather than a separate enum value); everything else
	// requires the circuit to have reached StateOpen.
	if state != StateOpen && !(state == StateBuilding && outerCmd == cell.CmdRelayEarly) {
		return torerr.ProtocolErr(fmt.Sprintf("circuit not open: state=%s", state), nil)
	}

	if conn == nil {
		return torerr.InternalErr("circuit has no connection", nil)
	}

	if len(hops) > 0 && (target < 0 || target >= len(hops)) {
		return torerr.InternalErr(fmt.Sprintf("relay cell target hop %d of %d", target, len(hops)), nil)
	}

	// Encode the relay cell (digest field will be zeroed initially)
	payload, err := relayCell.Encode()
	if err != nil {
		return torerr.ProtocolErr("encode relay cell", err)
	}

	encryptedPayload := payload
	if len(hops) > 0 {
		// Stamp the target hop's running forward digest per tor-spec.txt
		// §6.1: absorb the zeroed payload, then write the 4-byte prefix back.
		targetHop := hops[target]
		if targetHop.ForwardDigest != nil {
			zeroed := cell.ZeroDigestField(payload)
			if _, err := targetHop.ForwardDigest.Write(zeroed); err != nil {
				return torerr.InternalErr("update forward digest", err)
			}
			digestSum := targetHop.ForwardDigest.Sum(nil)
			copy(payload[5:9], digestSum[:4])
		}

		// Onion-encrypt through layers 0..target, innermost first; each hop
		// on the way out peels one layer.
		encryptedPayload = make([]byte, len(payload))
		copy(encryptedPayload, payload)
		for i := target; i >= 0; i-- {
			if hops[i].ForwardCipher != nil {
				hops[i].ForwardCipher.XORKeyStream(encryptedPayload, encryptedPayload)
			}
		}
	}

	// Create a RELAY cell with the encrypted payload, addressed by this
	// circuit's wire id (distinct from the Manager's internal c.ID).
	cellToSend := &cell.Cell{
		CircID:  c.WireCircID,
		Command: outerCmd,
		Payload: encryptedPayload,
	}

	if err := conn.SendCell(cellToSend); err != nil {
		return torerr.ConnectFailedErr("send cell on link", err)
	}

	// Record activity
	c.RecordActivity()

	return nil
}

// ReceiveRelayCell receives a relay cell from the circuit
// This blocks until a relay cell is received or the context is cancelled
func (c *Circuit) ReceiveRelayCell(ctx context.Context) (*cell.RelayCell, error) {
	select {
	case relayCell := <-c.relayReceiveChan:
		return relayCell, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ReceiveRelayCellTimeout receives a relay cell with a timeout
func (c *Circuit) ReceiveRelayCellTimeout(timeout time.Duration) (*cell.RelayCell, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return c.ReceiveRelayCell(ctx)
}

// DeliverRelayCell delivers a relay cell to this circuit (called by connection layer)
// This decrypts the cell, verifies the digest, handles flow control, and pushes it to the receive channel
func (c *Circuit) DeliverRelayCell(cellData *cell.Cell) error {
	if cellData.CircID != c.WireCircID {
		return torerr.ProtocolErr(fmt.Sprintf("circuit ID mismatch: expected %d, got %d", c.WireCircID, cellData.CircID), nil)
	}

	// Peel onion layers in cpath order, stopping at the hop that
	// recognizes the cell.
	decryptedPayload, hopIdx := c.peelBackward(cellData.Payload)
	if hopIdx < 0 {
		// Cell not recognized by any hop
		// This might be a cell for a different stream or an error
		// Per tor-spec.txt §6.1, unrecognized cells should be dropped
		// Silently drop unrecognized cells
		return nil
	}

	// Decode the relay cell
	relayCell, err := cell.DecodeRelayCell(decryptedPayload)
	if err != nil {
		return torerr.ProtocolErr("decode relay cell", err)
	}

	// Handle flow control per tor-spec.txt §7.4
	switch relayCell.Command {
	case cell.RelayData:
		// DATA cells count against our deliver window
		if err := c.decrementDeliverWindow(); err != nil {
			return err
		}
		c.mu.Lock()
		if hopIdx < len(c.Hops) {
			c.Hops[hopIdx].DeliverWindow--
		}
		c.mu.Unlock()

		// Check if we should send a SENDME
		if c.shouldSendCircuitSendme() {
			// Send SENDME in background to avoid blocking
			go func() {
				if err := c.sendCircuitSendme(); err != nil {
					// Log error but don't fail the delivery
					// (in production, should have proper logging)
				}
			}()
		}

	case cell.RelaySendme:
		if relayCell.StreamID == 0 {
			// Circuit-level SENDME: credit the circuit and the hop that
			// sent it.
			c.incrementPackageWindow()
			c.mu.Lock()
			if hopIdx < len(c.Hops) {
				c.Hops[hopIdx].PackageWindow += 100
			}
			c.mu.Unlock()
			return nil
		}
		// Stream-level SENDME, dispatched below like RELAY_DATA/CONNECTED/END.

	case cell.RelayTruncated:
		// The hop that recognized the cell truncated the circuit there:
		// every hop beyond it is gone.
		c.truncateHopsBeyond(hopIdx)
		c.RecordActivity()
		return nil
	}

	// Cells addressed to a stream (RELAY_DATA, RELAY_CONNECTED, RELAY_END,
	// and the stream-level RELAY_SENDME that fell through above) go straight
	// to the owning Stream rather than onto relayReceiveChan, which DNS
	// lookups and any future circuit-level-only command still use.
	if relayCell.StreamID != 0 && c.dispatchToStream(relayCell) {
		c.RecordActivity()
		return nil
	}

	// Record activity
	c.RecordActivity()

	// Deliver to receive channel (non-blocking with timeout)
	select {
	case c.relayReceiveChan <- relayCell:
		return nil
	case <-time.After(100 * time.Millisecond):
		return torerr.ResourceErr("relay receive channel full or blocked", nil)
	}
}

// dispatchToStream hands a stream-addressed relay cell to its Stream via the
// attached stream.Manager. It reports false (so the caller falls back to
// relayReceiveChan) when no stream manager is attached or the stream isn't
// found, e.g. because it was already closed.
func (c *Circuit) dispatchToStream(relayCell *cell.RelayCell) bool {
	c.mu.RLock()
	mgr := c.streamManager
	c.mu.RUnlock()
	if mgr == nil {
		return false
	}

	st, err := mgr.GetStream(relayCell.StreamID)
	if err != nil {
		return false
	}

	switch relayCell.Command {
	case cell.RelayConnected:
		st.HandleConnected()
	case cell.RelayData:
		st.HandleData(relayCell.Data)
	case cell.RelaySendme:
		st.HandleSendme()
	case cell.RelayEnd:
		reason := cell.EndMisc
		if len(relayCell.Data) > 0 {
			reason = cell.EndReason(relayCell.Data[0])
		}
		st.HandleEnd(reason)
	default:
		return false
	}
	return true
}

// OpenStream allocates a stream on this circuit's attached stream manager
// and drives its RELAY_BEGIN/RELAY_CONNECTED handshake to completion,
// mirroring the onion-routing streams-over-circuits model (spec.md §2's "C6
// uses C7 / C7 uses C6").
func (c *Circuit) OpenStream(ctx context.Context, target string, port uint16) (*stream.Stream, error) {
	c.mu.RLock()
	mgr := c.streamManager
	c.mu.RUnlock()
	if mgr == nil {
		return nil, torerr.InternalErr("circuit has no stream manager attached", nil)
	}

	st, err := mgr.CreateStream(c.ID, target, port, c)
	if err != nil {
		return nil, torerr.ResourceErr("allocate stream", err)
	}
	c.MarkDirty()

	if err := st.Open(ctx); err != nil {
		_ = mgr.RemoveStream(st.ID)
		return nil, err
	}
	return st, nil
}

// CloseStream ends and unregisters one of this circuit's streams.
func (c *Circuit) CloseStream(streamID uint16) error {
	c.mu.RLock()
	mgr := c.streamManager
	c.mu.RUnlock()
	if mgr == nil {
		return torerr.InternalErr("circuit has no stream manager attached", nil)
	}
	return mgr.RemoveStream(streamID)
}

