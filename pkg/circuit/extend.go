// Relay-side circuit machinery: answering CREATE/CREATE_FAST as a hop,
// extending circuits onward on EXTEND, and forwarding relay cells between
// the two links a mid-path circuit straddles.
package circuit

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/opd-ai/go-tor/pkg/cell"
	"github.com/opd-ai/go-tor/pkg/cryptopath"
	torerr "github.com/opd-ai/go-tor/pkg/errors"
	"github.com/opd-ai/go-tor/pkg/link"
	"github.com/opd-ai/go-tor/pkg/logger"
	"github.com/opd-ai/go-tor/pkg/policy"
)

// onionKeyBits sizes the relay's RSA onion key, matching the TAP
// handshake's hybrid-RSA onionskin.
const onionKeyBits = 1024

// OnionKeyStore holds a relay's primary onion key and at most one previous
// key. Rotation replaces previous with primary and primary with a fresh
// key; the previous key stays usable for decrypting CREATE payloads sealed
// before the rotation propagated through the directory.
type OnionKeyStore struct {
	mu       sync.RWMutex
	primary  *rsa.PrivateKey
	previous *rsa.PrivateKey
}

// NewOnionKeyStore generates the initial primary onion key.
func NewOnionKeyStore() (*OnionKeyStore, error) {
	key, err := rsa.GenerateKey(rand.Reader, onionKeyBits)
	if err != nil {
		return nil, torerr.InternalErr("generate onion key", err)
	}
	return &OnionKeyStore{primary: key}, nil
}

// Rotate installs a freshly generated primary key, demoting the current
// primary to previous. The displaced previous key is discarded.
func (s *OnionKeyStore) Rotate() error {
	fresh, err := rsa.GenerateKey(rand.Reader, onionKeyBits)
	if err != nil {
		return torerr.InternalErr("rotate onion key", err)
	}
	s.mu.Lock()
	s.previous = s.primary
	s.primary = fresh
	s.mu.Unlock()
	return nil
}

// Snapshot returns a consistent (primary, previous) pair; previous may be
// nil before the first rotation.
func (s *OnionKeyStore) Snapshot() (*rsa.PrivateKey, *rsa.PrivateKey) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.primary, s.previous
}

// Public returns the current primary public key, for descriptor publication.
func (s *OnionKeyStore) Public() *rsa.PublicKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &s.primary.PublicKey
}

// RelayLink is the surface the relay-side engine needs from the link that
// delivered or will carry its cells. *link.Link satisfies it; tests
// substitute in-memory fakes.
type RelayLink interface {
	SendCell(*cell.Cell) error
	RegisterCircuit(id uint16, sink link.CircuitSink) error
	UnregisterCircuit(id uint16)
	AllocateCircID() (uint16, error)
	Close(reason link.Reason) error
}

// NextDialer opens a link to the relay named in an EXTEND cell.
type NextDialer func(ctx context.Context, addr string, identity []byte) (RelayLink, error)

// RelayCircuit is a circuit seen from a relay: cells arrive from prev (the
// neighbor closer to the origin), are decrypted one layer, and are either
// consumed here or forwarded to next. One RelayCircuit spans both links.
type RelayCircuit struct {
	keys   *OnionKeyStore
	dial   NextDialer
	logger *logger.Logger

	// exitPolicy gates BEGIN targets when this relay is the last hop; nil
	// rejects everything, the stance of a non-exit relay.
	exitPolicy *policy.Policy

	mu            sync.Mutex
	state         State
	prevLink      RelayLink
	prevID        uint16
	nextLink      RelayLink
	nextID        uint16
	hop           *cryptopath.HopKeys
	packageWindow int
	deliverWindow int
	sendmeOwed    int
	exitStreams   map[uint16]net.Conn
	endSent       map[uint16]bool

	closeOnce sync.Once
	dialTO    time.Duration
}

// NewRelayCircuit wires a relay-side circuit to the link and wire id its
// CREATE arrived on. The circuit registers itself as the link's sink for
// that id.
func NewRelayCircuit(prev RelayLink, prevID uint16, keys *OnionKeyStore, dial NextDialer, exitPolicy *policy.Policy, log *logger.Logger) (*RelayCircuit, error) {
	if log == nil {
		log = logger.NewDefault()
	}
	r := &RelayCircuit{
		keys:          keys,
		dial:          dial,
		logger:        log.Component("relay-circuit").With("prev_circ_id", prevID),
		exitPolicy:    exitPolicy,
		state:         StateBuilding,
		prevLink:      prev,
		prevID:        prevID,
		packageWindow: 1000,
		deliverWindow: 1000,
		exitStreams:   make(map[uint16]net.Conn),
		endSent:       make(map[uint16]bool),
		dialTO:        30 * time.Second,
	}
	if err := prev.RegisterCircuit(prevID, r); err != nil {
		return nil, err
	}
	return r, nil
}

// GetState returns the relay circuit's state.
func (r *RelayCircuit) GetState() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// HandleCell implements link.CircuitSink for cells arriving from prev.
func (r *RelayCircuit) HandleCell(c *cell.Cell) {
	switch c.Command {
	case cell.CmdCreate:
		r.handleCreate(c)
	case cell.CmdCreateFast:
		r.handleCreateFast(c)
	case cell.CmdRelay, cell.CmdRelayEarly:
		r.handleFromPrev(c)
	case cell.CmdDestroy:
		r.teardown(cell.DestroyDestroyed, false, true)
	default:
		r.logger.Debug("unexpected cell from prev", "command", c.Command)
	}
}

// HandleClosed implements link.CircuitSink: losing the prev link destroys
// the circuit toward next.
func (r *RelayCircuit) HandleClosed(reason link.Reason) {
	r.teardown(cell.DestroyOrConnClosed, true, true)
}

// nextSink is the CircuitSink registered on the next-hop link; it routes
// that link's cells back into the RelayCircuit.
type nextSink struct{ r *RelayCircuit }

func (s *nextSink) HandleCell(c *cell.Cell) {
	switch c.Command {
	case cell.CmdCreated:
		s.r.handleCreatedFromNext(c)
	case cell.CmdRelay, cell.CmdRelayEarly:
		s.r.handleFromNext(c)
	case cell.CmdDestroy:
		s.r.teardown(cell.DestroyDestroyed, true, false)
	default:
		s.r.logger.Debug("unexpected cell from next", "command", c.Command)
	}
}

func (s *nextSink) HandleClosed(reason link.Reason) {
	s.r.teardown(cell.DestroyOrConnClosed, true, true)
}

// handleCreate answers a TAP CREATE: the onionskin is tried against the
// primary onion key, then the previous one (spec's onion-key lifecycle
// keeps the displaced key usable until the next rotation).
func (r *RelayCircuit) handleCreate(c *cell.Cell) {
	primary, previous := r.keys.Snapshot()

	created, hk, err := cryptopath.TAPServerHandshake(primary, &cryptopath.CreatePayload{Onionskin: trimOnionskin(c.Payload, primary.Size())})
	if err != nil && previous != nil {
		created, hk, err = cryptopath.TAPServerHandshake(previous, &cryptopath.CreatePayload{Onionskin: trimOnionskin(c.Payload, previous.Size())})
	}
	if err != nil {
		r.logger.Warn("CREATE handshake failed", "error", err)
		r.teardown(cell.DestroyProtocol, true, false)
		return
	}

	payload := make([]byte, 0, len(created.ServerPublic)+len(created.KH))
	payload = append(payload, created.ServerPublic[:]...)
	payload = append(payload, created.KH[:]...)

	r.mu.Lock()
	r.hop = hk
	r.state = StateOpen
	prev := r.prevLink
	prevID := r.prevID
	r.mu.Unlock()

	if err := prev.SendCell(&cell.Cell{CircID: prevID, Command: cell.CmdCreated, Payload: payload}); err != nil {
		r.teardown(cell.DestroyConnectFailed, false, true)
	}
}

// handleCreateFast answers CREATE_FAST, valid only as the first hop of a
// circuit whose client already trusts this relay's TLS identity.
func (r *RelayCircuit) handleCreateFast(c *cell.Cell) {
	if len(c.Payload) < 20 {
		r.teardown(cell.DestroyProtocol, true, true)
		return
	}
	create := &cryptopath.CreateFastPayload{}
	copy(create.X[:], c.Payload[:20])

	createdFast, hk, err := cryptopath.FastServerHandshake(create)
	if err != nil {
		r.teardown(cell.DestroyInternal, true, false)
		return
	}

	payload := make([]byte, 0, 40)
	payload = append(payload, createdFast.Y[:]...)
	payload = append(payload, createdFast.KH[:]...)

	r.mu.Lock()
	r.hop = hk
	r.state = StateOpen
	prev := r.prevLink
	prevID := r.prevID
	r.mu.Unlock()

	if err := prev.SendCell(&cell.Cell{CircID: prevID, Command: cell.CmdCreatedFast, Payload: payload}); err != nil {
		r.teardown(cell.DestroyConnectFailed, false, true)
	}
}

// trimOnionskin strips the zero padding a fixed cell carries after the
// onionskin. A direct-RSA onionskin is exactly one modulus worth of bytes;
// a hybrid one leads with a 2-byte length equal to the modulus size,
// followed by the encrypted key and a 32-byte AES-CTR body.
func trimOnionskin(payload []byte, keySize int) []byte {
	if len(payload) <= keySize {
		return payload
	}
	if keyLen := int(payload[0])<<8 | int(payload[1]); keyLen == keySize && 2+keyLen+32 <= len(payload) {
		return payload[:2+keyLen+32]
	}
	return payload[:keySize]
}

// handleFromPrev applies this hop's forward cipher pass and either
// consumes the cell (recognized here) or forwards it to next.
func (r *RelayCircuit) handleFromPrev(c *cell.Cell) {
	r.mu.Lock()
	hop := r.hop
	next := r.nextLink
	nextID := r.nextID
	r.mu.Unlock()

	if hop == nil {
		r.teardown(cell.DestroyProtocol, true, true)
		return
	}

	payload := make([]byte, len(c.Payload))
	copy(payload, c.Payload)
	hop.ForwardCipher.XORKeyStream(payload, payload)

	if hop.Recognize(cryptopath.Forward, payload) {
		rc, err := cell.DecodeRelayCell(payload)
		if err != nil {
			r.logger.Warn("bad relay cell recognized here", "error", err)
			r.teardown(cell.DestroyProtocol, true, true)
			return
		}
		r.dispatchLocal(rc)
		return
	}

	if next == nil {
		// Not recognized and nowhere further to go: invalid.
		r.teardown(cell.DestroyProtocol, true, true)
		return
	}
	if err := next.SendCell(&cell.Cell{CircID: nextID, Command: c.Command, Payload: payload}); err != nil {
		r.teardown(cell.DestroyConnectFailed, true, false)
	}
}

// handleFromNext adds this hop's backward layer and forwards toward the
// origin.
func (r *RelayCircuit) handleFromNext(c *cell.Cell) {
	r.mu.Lock()
	hop := r.hop
	prev := r.prevLink
	prevID := r.prevID
	r.mu.Unlock()

	if hop == nil {
		r.teardown(cell.DestroyProtocol, true, true)
		return
	}

	payload := make([]byte, len(c.Payload))
	copy(payload, c.Payload)
	hop.BackwardCipher.XORKeyStream(payload, payload)

	if err := prev.SendCell(&cell.Cell{CircID: prevID, Command: c.Command, Payload: payload}); err != nil {
		r.teardown(cell.DestroyConnectFailed, false, true)
	}
}

// dispatchLocal handles a relay cell consumed at this hop.
func (r *RelayCircuit) dispatchLocal(rc *cell.RelayCell) {
	switch rc.Command {
	case cell.RelayExtend:
		r.handleExtend(rc)
	case cell.RelayTruncate:
		r.handleTruncate()
	case cell.RelayBegin:
		go r.handleBegin(rc)
	case cell.RelayData:
		r.handleData(rc)
	case cell.RelayEnd:
		r.closeExitStream(rc.StreamID, false)
	case cell.RelaySendme:
		if rc.StreamID == 0 {
			r.mu.Lock()
			r.packageWindow += 100
			r.mu.Unlock()
		}
	case cell.RelayDrop:
		// Long-range padding; discard.
	default:
		r.logger.Debug("unhandled relay command", "command", cell.RelayCmdString(rc.Command))
	}
}

// handleExtend opens a link to the named next hop, buffering the CREATE
// payload until the link is up (AWAITING_LINK), then splices the two
// circuits into one.
func (r *RelayCircuit) handleExtend(rc *cell.RelayCell) {
	r.mu.Lock()
	if r.state != StateOpen || r.nextLink != nil {
		r.mu.Unlock()
		r.teardown(cell.DestroyProtocol, true, true)
		return
	}
	r.state = StateAwaitingLink
	r.mu.Unlock()

	ep, err := cell.DecodeExtendPayload(rc.Data)
	if err != nil {
		r.logger.Warn("bad EXTEND payload", "error", err)
		r.teardown(cell.DestroyProtocol, true, false)
		return
	}

	// The dial blocks; run it off the link's dispatch goroutine.
	go r.dialAndCreate(ep)
}

func (r *RelayCircuit) dialAndCreate(ep *cell.ExtendPayload) {
	ctx, cancel := context.WithTimeout(context.Background(), r.dialTO)
	defer cancel()

	addr := fmt.Sprintf("%s:%d", ep.IPString(), ep.Port)
	next, err := r.dial(ctx, addr, ep.Identity[:])
	if err != nil {
		r.logger.Info("next-hop dial failed", "addr", addr, "error", err)
		r.sendEndOrDestroy(cell.DestroyConnectFailed)
		return
	}

	nextID, err := next.AllocateCircID()
	if err != nil {
		next.Close(link.ReasonRequested)
		r.sendEndOrDestroy(cell.DestroyResourceLimit)
		return
	}
	if err := next.RegisterCircuit(nextID, &nextSink{r: r}); err != nil {
		next.Close(link.ReasonRequested)
		r.sendEndOrDestroy(cell.DestroyResourceLimit)
		return
	}

	r.mu.Lock()
	r.nextLink = next
	r.nextID = nextID
	r.mu.Unlock()

	if err := next.SendCell(&cell.Cell{CircID: nextID, Command: cell.CmdCreate, Payload: ep.Onionskin}); err != nil {
		r.teardown(cell.DestroyConnectFailed, true, true)
	}
}

// handleCreatedFromNext forwards the next hop's CREATED back to the origin
// as RELAY_EXTENDED, completing the splice.
func (r *RelayCircuit) handleCreatedFromNext(c *cell.Cell) {
	r.mu.Lock()
	if r.state != StateAwaitingLink {
		r.mu.Unlock()
		r.teardown(cell.DestroyProtocol, true, true)
		return
	}
	r.state = StateOpen
	r.mu.Unlock()

	// CREATED carries serverPublic(32) || KH(20).
	if len(c.Payload) < 52 {
		r.teardown(cell.DestroyProtocol, true, true)
		return
	}
	extended := &cell.ExtendedPayload{
		ServerPublic: c.Payload[:32],
		KH:           c.Payload[32:52],
	}
	if err := r.sendRelayToPrev(cell.NewRelayCell(0, cell.RelayExtended, extended.Encode())); err != nil {
		r.teardown(cell.DestroyConnectFailed, false, true)
	}
}

// handleTruncate drops the next hop (DESTROY toward next) and acknowledges
// with RELAY_TRUNCATED toward the origin.
func (r *RelayCircuit) handleTruncate() {
	r.mu.Lock()
	next := r.nextLink
	nextID := r.nextID
	r.nextLink = nil
	r.nextID = 0
	r.mu.Unlock()

	if next != nil {
		next.SendCell(&cell.Cell{CircID: nextID, Command: cell.CmdDestroy, Payload: []byte{byte(cell.DestroyRequested)}}) //nolint:errcheck
		next.UnregisterCircuit(nextID)
	}
	if err := r.sendRelayToPrev(cell.NewRelayCell(0, cell.RelayTruncated, []byte{byte(cell.DestroyRequested)})); err != nil {
		r.teardown(cell.DestroyConnectFailed, false, false)
	}
}

// handleBegin is the exit side of a stream: parse host:port, check the
// exit policy, resolve, connect, then CONNECTED or END.
func (r *RelayCircuit) handleBegin(rc *cell.RelayCell) {
	target, port, err := parseBeginTarget(rc.Data)
	if err != nil {
		r.sendEnd(rc.StreamID, cell.EndTorProtocol, nil)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.dialTO)
	defer cancel()

	ips, err := net.DefaultResolver.LookupIP(ctx, "ip4", target)
	if err != nil || len(ips) == 0 {
		r.sendEnd(rc.StreamID, cell.EndResolveFailed, nil)
		return
	}
	addr := ips[0].To4()

	if !r.policyAllows(addr, port) {
		// Include the resolved address so the origin can retry on a
		// circuit whose exit permits it.
		r.sendEnd(rc.StreamID, cell.EndExitPolicy, addr)
		return
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(addr.String(), fmt.Sprintf("%d", port)))
	if err != nil {
		r.sendEnd(rc.StreamID, cell.EndConnectFailed, nil)
		return
	}

	r.mu.Lock()
	if r.exitStreams == nil || r.endSent[rc.StreamID] {
		r.mu.Unlock()
		conn.Close()
		return
	}
	r.exitStreams[rc.StreamID] = conn
	r.mu.Unlock()

	if err := r.sendRelayToPrev(cell.NewRelayCell(rc.StreamID, cell.RelayConnected, addr)); err != nil {
		r.closeExitStream(rc.StreamID, false)
		return
	}
	go r.pumpExitStream(rc.StreamID, conn)
}

func (r *RelayCircuit) policyAllows(addr net.IP, port uint16) bool {
	if r.exitPolicy == nil {
		return false
	}
	v := policy.Evaluate(addr, &port, r.exitPolicy)
	return v == policy.Accepted || v == policy.ProbablyAccepted
}

// pumpExitStream reads from the exit TCP connection and packages the bytes
// as RELAY_DATA toward the origin, pausing while the circuit's package
// window is exhausted (reads resume on SENDME receipt).
func (r *RelayCircuit) pumpExitStream(streamID uint16, conn net.Conn) {
	buf := make([]byte, cell.MaxRelayDataLen)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if !r.waitPackageWindow() {
				conn.Close()
				return
			}
			data := make([]byte, n)
			copy(data, buf[:n])
			if sendErr := r.sendRelayToPrev(cell.NewRelayCell(streamID, cell.RelayData, data)); sendErr != nil {
				conn.Close()
				return
			}
		}
		if err != nil {
			r.closeExitStream(streamID, true)
			return
		}
	}
}

// waitPackageWindow blocks until a DATA cell may be packaged toward the
// origin, decrementing the window; false means the circuit closed while
// waiting.
func (r *RelayCircuit) waitPackageWindow() bool {
	for {
		r.mu.Lock()
		if r.state == StateClosed {
			r.mu.Unlock()
			return false
		}
		if r.packageWindow > 0 {
			r.packageWindow--
			r.mu.Unlock()
			return true
		}
		r.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
}

// handleData writes origin-sent bytes into the exit TCP connection.
func (r *RelayCircuit) handleData(rc *cell.RelayCell) {
	r.mu.Lock()
	r.deliverWindow--
	r.sendmeOwed++
	owed := r.sendmeOwed >= 100
	if owed {
		r.sendmeOwed = 0
		r.deliverWindow += 100
	}
	conn := r.exitStreams[rc.StreamID]
	r.mu.Unlock()

	if owed {
		r.sendRelayToPrev(cell.NewRelayCell(0, cell.RelaySendme, nil)) //nolint:errcheck
	}

	if conn == nil {
		return
	}
	if _, err := conn.Write(rc.Data); err != nil {
		r.closeExitStream(rc.StreamID, true)
	}
}

// closeExitStream tears down one exit-side stream; sendEnd controls
// whether the origin is told with RELAY_END (DONE).
func (r *RelayCircuit) closeExitStream(streamID uint16, notify bool) {
	r.mu.Lock()
	conn := r.exitStreams[streamID]
	delete(r.exitStreams, streamID)
	r.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if notify {
		r.sendEnd(streamID, cell.EndDone, nil)
	}
}

// sendEnd emits RELAY_END at most once per stream.
func (r *RelayCircuit) sendEnd(streamID uint16, reason cell.EndReason, addr net.IP) {
	r.mu.Lock()
	if r.endSent[streamID] {
		r.mu.Unlock()
		return
	}
	r.endSent[streamID] = true
	r.mu.Unlock()

	data := []byte{byte(reason)}
	if reason == cell.EndExitPolicy && addr != nil {
		data = append(data, addr.To4()...)
	}
	r.sendRelayToPrev(cell.NewRelayCell(streamID, cell.RelayEnd, data)) //nolint:errcheck
}

// sendRelayToPrev stamps this hop's backward digest and applies its
// backward cipher layer before sending toward the origin.
func (r *RelayCircuit) sendRelayToPrev(rc *cell.RelayCell) error {
	r.mu.Lock()
	hop := r.hop
	prev := r.prevLink
	prevID := r.prevID
	r.mu.Unlock()

	if hop == nil || prev == nil {
		return torerr.InternalErr("relay circuit has no hop keys or prev link", nil)
	}

	payload, err := rc.Encode()
	if err != nil {
		return torerr.ProtocolErr("encode relay cell", err)
	}
	hop.StampDigest(cryptopath.Backward, payload)
	hop.BackwardCipher.XORKeyStream(payload, payload)

	return prev.SendCell(&cell.Cell{CircID: prevID, Command: cell.CmdRelay, Payload: payload})
}

// sendEndOrDestroy reports a failed extend attempt back to the origin; the
// circuit itself stays usable as a final hop, matching the "extend failed,
// circuit truncated at us" behavior.
func (r *RelayCircuit) sendEndOrDestroy(reason cell.DestroyReason) {
	r.mu.Lock()
	r.state = StateOpen
	r.mu.Unlock()
	if err := r.sendRelayToPrev(cell.NewRelayCell(0, cell.RelayTruncated, []byte{byte(reason)})); err != nil {
		r.teardown(reason, true, false)
	}
}

// teardown closes the circuit once, propagating DESTROY to the neighbors
// that did not initiate the close and releasing exit streams.
func (r *RelayCircuit) teardown(reason cell.DestroyReason, notifyPrev, notifyNext bool) {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.state = StateClosed
		prev, prevID := r.prevLink, r.prevID
		next, nextID := r.nextLink, r.nextID
		streams := r.exitStreams
		r.exitStreams = nil
		r.mu.Unlock()

		for _, conn := range streams {
			conn.Close()
		}

		if notifyPrev && prev != nil {
			prev.SendCell(&cell.Cell{CircID: prevID, Command: cell.CmdDestroy, Payload: []byte{byte(reason)}}) //nolint:errcheck
		}
		if notifyNext && next != nil {
			next.SendCell(&cell.Cell{CircID: nextID, Command: cell.CmdDestroy, Payload: []byte{byte(reason)}}) //nolint:errcheck
		}
		if prev != nil {
			prev.UnregisterCircuit(prevID)
		}
		if next != nil {
			next.UnregisterCircuit(nextID)
		}
		r.logger.Info("relay circuit closed", "reason", reason)
	})
}

// parseBeginTarget parses a RELAY_BEGIN body of the form "host:port\x00".
func parseBeginTarget(data []byte) (string, uint16, error) {
	end := len(data)
	for i, b := range data {
		if b == 0 {
			end = i
			break
		}
	}
	host, portStr, err := net.SplitHostPort(string(data[:end]))
	if err != nil {
		return "", 0, torerr.ProtocolErr("malformed BEGIN target", err)
	}
	var port uint64
	for _, ch := range portStr {
		if ch < '0' || ch > '9' {
			return "", 0, torerr.ProtocolErr(fmt.Sprintf("malformed BEGIN port %q", portStr), nil)
		}
		port = port*10 + uint64(ch-'0')
		if port > 65535 {
			return "", 0, torerr.ProtocolErr(fmt.Sprintf("BEGIN port out of range %q", portStr), nil)
		}
	}
	if port == 0 {
		return "", 0, torerr.ProtocolErr("BEGIN port is zero", nil)
	}
	return host, uint16(port), nil
}

// DialNextHop is the production NextDialer: it opens a TLS link to the
// named relay, pinning its identity digest.
func DialNextHop(ourIdentity []byte, log *logger.Logger) NextDialer {
	return func(ctx context.Context, addr string, identity []byte) (RelayLink, error) {
		l, err := link.Open(ctx, link.Config{
			Address:          addr,
			OurIdentity:      ourIdentity,
			ExpectedIdentity: identity,
		}, log)
		if err != nil {
			return nil, err
		}
		return l, nil
	}
}

var _ link.CircuitSink = (*RelayCircuit)(nil)
var _ link.CircuitSink = (*nextSink)(nil)
