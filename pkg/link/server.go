package link

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/opd-ai/go-tor/pkg/cell"
	torerr "github.com/opd-ai/go-tor/pkg/errors"
	"github.com/opd-ai/go-tor/pkg/logger"
	"github.com/opd-ai/go-tor/pkg/security"
)

// Accept wraps an inbound connection as the responder side of a link: it
// completes the TLS handshake when conn is a *tls.Conn, answers the
// initiator's VERSIONS, and exchanges NETINFO. The peer identity digest is
// taken from the client certificate when one was presented; initiators
// that present none (ordinary clients) leave the link with circ_id_type
// NEITHER, which is fine for a responder — it never allocates circuit ids
// on an inbound link.
func Accept(ctx context.Context, conn net.Conn, ourIdentity []byte, timeout time.Duration, log *logger.Logger) (*Link, error) {
	if log == nil {
		log = logger.NewDefault()
	}
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	l := &Link{
		address:           conn.RemoteAddr().String(),
		ourIdentity:       ourIdentity,
		logger:            log.Component("link").Link(conn.RemoteAddr().String()).With("side", "responder"),
		timeout:           timeout,
		state:             StateHandshaking,
		circuits:          make(map[uint16]CircuitSink),
		closeCh:           make(chan struct{}),
		lastActivity:      time.Now(),
		ObsoletePredicate: defaultObsoletePredicate,
		conn:              conn,
	}
	l.reader = cell.NewReader(conn)

	if tlsConn, ok := conn.(*tls.Conn); ok {
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			l.setState(StateFailed)
			return nil, torerr.ConnectFailedErr("TLS handshake", err)
		}
		if identity, err := peerIdentityDigest(tlsConn); err == nil {
			l.peerIdentity = identity
		}
	}
	if l.peerIdentity != nil {
		l.circIDType = ComputeCircIDType(l.ourIdentity, l.peerIdentity)
	}

	if err := l.respondVersions(); err != nil {
		conn.Close()
		l.setState(StateFailed)
		return nil, torerr.ProtocolErr("link handshake", err)
	}

	l.setState(StateOpen)
	l.logger.Info("inbound link open", "circ_id_type", l.circIDType)
	return l, nil
}

// respondVersions runs the responder half of the VERSIONS/NETINFO exchange:
// the initiator speaks first.
func (l *Link) respondVersions() error {
	deadline := time.Now().Add(l.timeout)

	v, err := l.rawReceiveVar(deadline)
	if err != nil {
		return torerr.TimedOutErr("receive VERSIONS", err)
	}
	if v.Command != cell.CmdVersions {
		return torerr.ProtocolErr(fmt.Sprintf("expected VERSIONS, got %s", v.Command), nil)
	}
	if len(v.Payload)%2 != 0 {
		return torerr.ProtocolErr("malformed VERSIONS payload", nil)
	}

	versions := []uint16{3, 4, 5}
	payload := make([]byte, len(versions)*2)
	for i, ver := range versions {
		binary.BigEndian.PutUint16(payload[i*2:], ver)
	}
	if err := l.rawSend(&cell.Cell{CircID: 0, Command: cell.CmdVersions, Payload: payload}); err != nil {
		return torerr.ConnectFailedErr("send VERSIONS", err)
	}

	ni, err := l.rawReceiveFixed(deadline)
	if err != nil {
		return torerr.TimedOutErr("receive NETINFO", err)
	}
	if ni.Command != cell.CmdNetinfo {
		return torerr.ProtocolErr(fmt.Sprintf("expected NETINFO, got %s", ni.Command), nil)
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
	return nil
}
