// Package link provides the per-peer TLS connection abstraction that
// multiplexes cells for many circuits over one authenticated session.
//
// Grounded on the teacher's pkg/connection/connection.go (TLS dial, state
// machine, SendCell/ReceiveCell, close-once) merged with pkg/protocol's
// VERSIONS/NETINFO handshake, per DESIGN.md's C2 entry. The circ_id_type
// assignment and per-link circuit table are new: spec.md §4.2/§4.3 make
// both part of the link, not a separate layer, and the teacher had no
// such concept (it used a single global circuit-id space).
package link

import (
	"context"
	"crypto/sha1" // #nosec G505 - identity digest uses the spec's SHA-1-equivalent contract.
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/opd-ai/go-tor/pkg/cell"
	torerr "github.com/opd-ai/go-tor/pkg/errors"
	"github.com/opd-ai/go-tor/pkg/logger"
	"github.com/opd-ai/go-tor/pkg/security"
)

// CircIDType classifies which half of the 16-bit circuit-id space a link
// allocates from, per spec.md §3 "Link": comparing our identity digest to
// the peer's.
type CircIDType int

const (
	// CircIDNeither means our own identity is absent; allocation must fail.
	CircIDNeither CircIDType = iota
	// CircIDLower means our identity digest is numerically smaller than the
	// peer's; we allocate ids with the high bit clear.
	CircIDLower
	// CircIDHigher means our identity digest is numerically larger; we
	// allocate ids with the high bit set.
	CircIDHigher
)

func (t CircIDType) String() string {
	switch t {
	case CircIDLower:
		return "LOWER"
	case CircIDHigher:
		return "HIGHER"
	default:
		return "NEITHER"
	}
}

// ComputeCircIDType implements spec.md §3's rule: smaller digest -> LOWER,
// larger -> HIGHER, NEITHER if our identity is absent.
func ComputeCircIDType(ourIdentity, peerIdentity []byte) CircIDType {
	if len(ourIdentity) == 0 {
		return CircIDNeither
	}
	switch bytesCompare(ourIdentity, peerIdentity) {
	case -1:
		return CircIDLower
	case 1:
		return CircIDHigher
	default:
		// Identical identities can't happen for a real peer; treat as
		// NEITHER rather than silently picking a side.
		return CircIDNeither
	}
}

func bytesCompare(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

// State is the lifecycle state of a Link.
type State int

const (
	StateConnecting State = iota
	StateHandshaking
	StateOpen
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateHandshaking:
		return "HANDSHAKING"
	case StateOpen:
		return "OPEN"
	case StateClosed:
		return "CLOSED"
	case StateFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// Reason identifies why a link or the circuits on it were torn down.
type Reason string

const (
	ReasonIdentity   Reason = "OR_IDENTITY"
	ReasonTimeout    Reason = "TIMEOUT"
	ReasonProtocol   Reason = "TORPROTOCOL"
	ReasonConnClosed Reason = "CONNECTION_CLOSED"
	ReasonRequested  Reason = "REQUESTED"
)

// CircuitSink receives cells dispatched for one circuit id. circuit.Circuit
// implements this; pkg/link never imports pkg/circuit, which keeps C2 below
// C3/C5/C6 in the dependency order spec.md §2 specifies.
type CircuitSink interface {
	HandleCell(c *cell.Cell)
	// HandleClosed is invoked when the link itself is going away so the
	// circuit can propagate DESTROY to its other neighbor.
	HandleClosed(reason Reason)
}

// ObsoletePredicate decides whether an open link should be treated as too
// old to extend further circuits over, triggering a parallel dial rather
// than reuse. spec.md §9 calls the source's version-string heuristic
// unreliable and asks that this be pluggable rather than hardcoded; the
// default never considers a link obsolete.
type ObsoletePredicate func(*Link) bool

func defaultObsoletePredicate(*Link) bool { return false }

// Link is one authenticated TLS session to one peer, per spec.md §3.
type Link struct {
	address      string
	ourIdentity  []byte
	peerIdentity []byte
	circIDType   CircIDType

	conn    net.Conn
	reader  *cell.Reader
	logger  *logger.Logger
	timeout time.Duration

	mu           sync.Mutex
	state        State
	nextCircID   uint16
	circuits     map[uint16]CircuitSink
	lastActivity time.Time

	closeOnce sync.Once
	closeCh   chan struct{}

	// ObsoletePredicate is exposed per spec.md §9's open question;
	// defaults to "never obsolete".
	ObsoletePredicate ObsoletePredicate

	// NewCircuitFunc, when set, is consulted for a CREATE or CREATE_FAST
	// arriving on a circuit id with no registered sink: it returns the
	// sink for the new relay-side circuit, or nil to refuse. The returned
	// sink is expected to have registered itself for the id. Only a relay
	// sets this; client links leave it nil and drop such cells.
	NewCircuitFunc func(circID uint16, c *cell.Cell) CircuitSink
}

// Config configures Open.
type Config struct {
	Address          string
	Timeout          time.Duration
	TLSConfig        *tls.Config
	OurIdentity      []byte // our own identity digest, for circ_id_type
	ExpectedIdentity []byte // optional: require the peer to present this digest
}

// Open dials, completes the TLS handshake, derives the peer identity
// digest, and runs the VERSIONS/NETINFO link handshake (spec.md §4.2).
func Open(ctx context.Context, cfg Config, log *logger.Logger) (*Link, error) {
	if log == nil {
		log = logger.NewDefault()
	}
	l := &Link{
		address:           cfg.Address,
		ourIdentity:       cfg.OurIdentity,
		logger:            log.Component("link").Link(cfg.Address),
		timeout:           cfg.Timeout,
		state:             StateConnecting,
		circuits:          make(map[uint16]CircuitSink),
		closeCh:           make(chan struct{}),
		lastActivity:      time.Now(),
		ObsoletePredicate: defaultObsoletePredicate,
	}
	if l.timeout == 0 {
		l.timeout = 30 * time.Second
	}

	dialer := &net.Dialer{Timeout: l.timeout}
	raw, err := dialer.DialContext(ctx, "tcp", cfg.Address)
	if err != nil {
		l.setState(StateFailed)
		return nil, torerr.ConnectFailedErr(fmt.Sprintf("dial %s", cfg.Address), err)
	}

	l.setState(StateHandshaking)
	tlsConf := cfg.TLSConfig
	if tlsConf == nil {
		tlsConf = torTLSConfig()
	}
	tlsConn := tls.Client(raw, tlsConf)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		raw.Close()
		l.setState(StateFailed)
		return nil, torerr.ConnectFailedErr("TLS handshake", err)
	}
	l.conn = tlsConn
	l.reader = cell.NewReader(tlsConn)

	identity, err := peerIdentityDigest(tlsConn)
	if err != nil {
		tlsConn.Close()
		l.setState(StateFailed)
		return nil, torerr.ProtocolErr("derive peer identity", err)
	}
	l.peerIdentity = identity

	if len(cfg.ExpectedIdentity) > 0 && bytesCompare(cfg.ExpectedIdentity, identity) != 0 {
		tlsConn.Close()
		l.setState(StateFailed)
		return nil, torerr.ProtocolErr("peer identity mismatch", &IdentityMismatchError{Expected: cfg.ExpectedIdentity, Got: identity})
	}

	l.circIDType = ComputeCircIDType(l.ourIdentity, l.peerIdentity)

	if err := l.handshakeVersions(ctx); err != nil {
		tlsConn.Close()
		l.setState(StateFailed)
		return nil, torerr.ProtocolErr("link handshake", err)
	}

	l.setState(StateOpen)
	l.logger.Info("link open", "circ_id_type", l.circIDType, "peer_identity", fmt.Sprintf("%x", identity))
	return l, nil
}

// IdentityMismatchError is returned when Open's ExpectedIdentity does not
// match the peer's TLS-derived digest.
type IdentityMismatchError struct {
	Expected, Got []byte
}

func (e *IdentityMismatchError) Error() string {
	return fmt.Sprintf("peer identity %x does not match expected %x", e.Got, e.Expected)
}

// torTLSConfig builds the TLS config for dialing a relay: the baseline
// cipher policy from pkg/security, with chain verification disabled —
// relay certificates are self-signed and full verification is delegated to
// the directory/consensus layer, which is out of scope here (spec.md §1).
func torTLSConfig() *tls.Config {
	conf := security.RecommendedTLSConfig()
	conf.InsecureSkipVerify = true // #nosec G402 - relay certs are self-signed; identity is pinned post-handshake.
	return conf
}

// peerIdentityDigest derives a 20-byte identity digest from the peer's leaf
// certificate public key. spec.md §1 treats "peer-identity digest available
// after handshake" as provided by the (out-of-scope) TLS transport; this is
// our concrete realization of that contract.
func peerIdentityDigest(conn *tls.Conn) ([]byte, error) {
	state := conn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return nil, torerr.ProtocolErr("no peer certificate presented", nil)
	}
	cert := state.PeerCertificates[0]
	digest := sha1.Sum(cert.RawSubjectPublicKeyInfo) // #nosec G401 - spec-mandated SHA-1-equivalent digest.
	return digest[:], nil
}

// handshakeVersions runs the VERSIONS/NETINFO exchange per spec.md §4.2.
// Fixed vs variable framing of each received cell is decided by its
// command byte alone; the negotiated version does not gate it.
func (l *Link) handshakeVersions(ctx context.Context) error {
	versions := []uint16{3, 4, 5}
	payload := make([]byte, len(versions)*2)
	for i, v := range versions {
		binary.BigEndian.PutUint16(payload[i*2:], v)
	}
	if err := l.rawSend(&cell.Cell{CircID: 0, Command: cell.CmdVersions, Payload: payload}); err != nil {
		return torerr.ConnectFailedErr("send VERSIONS", err)
	}

	deadline := time.Now().Add(l.timeout)
	resp, err := l.rawReceiveVar(deadline)
	if err != nil {
		return torerr.TimedOutErr("receive VERSIONS", err)
	}
	if resp.Command != cell.CmdVersions {
		return torerr.ProtocolErr(fmt.Sprintf("expected VERSIONS, got %s", resp.Command), nil)
	}
	if len(resp.Payload)%2 != 0 {
		return torerr.ProtocolErr("malformed VERSIONS payload", nil)
	}

	now, err := security.SafeUnixToUint32(time.Now())
	if err != nil {
		return torerr.InternalErr("NETINFO timestamp", err)
	}
	netinfo := &cell.Cell{CircID: 0, Command: cell.CmdNetinfo, Payload: make([]byte, 4)}
	binary.BigEndian.PutUint32(netinfo.Payload, now)
	if err := l.rawSend(netinfo); err != nil {
		return torerr.ConnectFailedErr("send NETINFO", err)
	}

	niResp, err := l.rawReceiveFixed(deadline)
	if err != nil {
		return torerr.TimedOutErr("receive NETINFO", err)
	}
	if niResp.Command != cell.CmdNetinfo {
		return torerr.ProtocolErr(fmt.Sprintf("expected NETINFO, got %s", niResp.Command), nil)
	}
	return nil
}

func (l *Link) rawSend(c *cell.Cell) error {
	return c.Encode(l.conn)
}

func (l *Link) rawReceiveVar(deadline time.Time) (*cell.Cell, error) {
	l.conn.SetReadDeadline(deadline)
	return l.reader.Next()
}

func (l *Link) rawReceiveFixed(deadline time.Time) (*cell.Cell, error) {
	l.conn.SetReadDeadline(deadline)
	return l.reader.Next()
}

// AllocateCircID implements spec.md §4.3's allocation algorithm.
func (l *Link) AllocateCircID() (uint16, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.circIDType == CircIDNeither {
		return 0, torerr.InternalErr("link has no circ_id_type, cannot allocate", nil)
	}
	var highBit uint16
	if l.circIDType == CircIDHigher {
		highBit = 1 << 15
	}

	for attempts := 0; attempts < (1 << 15); attempts++ {
		candidate := l.nextCircID
		l.nextCircID++
		if candidate == 0 || candidate >= (1<<15) {
			candidate = 1
			l.nextCircID = 2
		}
		id := candidate | highBit
		if _, used := l.circuits[id]; !used {
			return id, nil
		}
	}
	return 0, torerr.ResourceErr(fmt.Sprintf("no available circuit ids on link %s", l.address), nil)
}

// RegisterCircuit installs a sink for a circuit id this link now carries.
func (l *Link) RegisterCircuit(id uint16, sink CircuitSink) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.circuits[id]; exists {
		return torerr.ResourceErr(fmt.Sprintf("circuit id %d already in use on link %s", id, l.address), nil)
	}
	l.circuits[id] = sink
	return nil
}

// UnregisterCircuit removes a circuit id from the table, e.g. on close.
func (l *Link) UnregisterCircuit(id uint16) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.circuits, id)
}

// CircuitCount reports how many circuits this link currently carries.
func (l *Link) CircuitCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.circuits)
}

// PeerIdentity returns the peer's identity digest.
func (l *Link) PeerIdentity() []byte { return l.peerIdentity }

// CircIDType returns the link's allocation half.
func (l *Link) CircIDType() CircIDType { return l.circIDType }

// Address returns the dialed peer address.
func (l *Link) Address() string { return l.address }

func (l *Link) setState(s State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = s
}

// GetState returns the current link state.
func (l *Link) GetState() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// EnqueueCell packs and writes a cell. Per spec.md §4.2, fair scheduling
// across circuits is the caller's (C3/C6) responsibility; sequential
// dispatch within one link means a direct synchronous write here is
// sufficient and matches the single-threaded event-loop model of §5.
func (l *Link) EnqueueCell(c *cell.Cell) error {
	if l.GetState() != StateOpen {
		return torerr.ProtocolErr(fmt.Sprintf("link not open: %s", l.GetState()), nil)
	}
	l.mu.Lock()
	l.lastActivity = time.Now()
	l.mu.Unlock()
	return l.rawSend(c)
}

// SendCell is an alias for EnqueueCell matching the cellConn interface
// pkg/circuit uses to decouple itself from a concrete transport type.
func (l *Link) SendCell(c *cell.Cell) error {
	return l.EnqueueCell(c)
}

// Serve runs the inbound dispatch loop until the link is closed or the
// connection errors. Cells within one link are delivered to dispatch in
// reception order (spec.md §5); callers normally run this in its own
// goroutine, one per link, to satisfy "multiple links may be serviced in
// parallel".
func (l *Link) Serve(ctx context.Context) error {
	for {
		select {
		case <-l.closeCh:
			return nil
		case <-ctx.Done():
			l.Close(ReasonRequested)
			return ctx.Err()
		default:
		}

		l.conn.SetReadDeadline(time.Now().Add(2 * time.Minute))
		c, err := l.decodeNext()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			l.Close(ReasonConnClosed)
			return err
		}
		l.dispatch(c)
	}
}

func (l *Link) decodeNext() (*cell.Cell, error) {
	// The incremental reader carries any partial cell across short TLS
	// record reads; fixed vs variable framing is decided per cell by the
	// command byte.
	return l.reader.Next()
}

func (l *Link) dispatch(c *cell.Cell) {
	switch c.Command {
	case cell.CmdPadding:
		return
	case cell.CmdVersions, cell.CmdNetinfo:
		// Renegotiation mid-session is not part of this core; discard.
		return
	case cell.CmdCreate, cell.CmdCreateFast, cell.CmdCreated, cell.CmdCreatedFast,
		cell.CmdRelay, cell.CmdRelayEarly, cell.CmdDestroy:
		l.mu.Lock()
		sink, ok := l.circuits[c.CircID]
		newCircuit := l.NewCircuitFunc
		l.lastActivity = time.Now()
		l.mu.Unlock()
		if !ok {
			if newCircuit != nil && (c.Command == cell.CmdCreate || c.Command == cell.CmdCreateFast) && c.CircID != 0 {
				if sink = newCircuit(c.CircID, c); sink != nil {
					sink.HandleCell(c)
					return
				}
			}
			l.logger.Debug("cell for unknown circuit", "circ_id", c.CircID, "command", c.Command)
			return
		}
		sink.HandleCell(c)
	default:
		l.logger.Debug("unknown cell command", "command", c.Command)
	}
}

// Close notifies every registered circuit and tears
// down the TLS session. Per spec.md §4.2, closing a link propagates DESTROY
// to all circuits it carries.
func (l *Link) Close(reason Reason) error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closeCh)
		l.setState(StateClosed)

		l.mu.Lock()
		sinks := make([]CircuitSink, 0, len(l.circuits))
		for _, s := range l.circuits {
			sinks = append(sinks, s)
		}
		l.circuits = make(map[uint16]CircuitSink)
		l.mu.Unlock()

		for _, s := range sinks {
			s.HandleClosed(reason)
		}

		if l.conn != nil {
			err = l.conn.Close()
		}
	})
	return err
}
