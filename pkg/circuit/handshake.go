package circuit

import (
	"context"
	"fmt"
	"time"

	"github.com/opd-ai/go-tor/pkg/cell"
	torerr "github.com/opd-ai/go-tor/pkg/errors"
	"github.com/opd-ai/go-tor/pkg/link"
)

// HandleCell implements link.CircuitSink. It is invoked by the link's
// dispatch loop (one goroutine per link, sequential within that link, per
// spec.md §4.2/§5) for every cell addressed to this circuit's wire id.
func (c *Circuit) HandleCell(cl *cell.Cell) {
	switch cl.Command {
	case cell.CmdCreated, cell.CmdCreatedFast:
		select {
		case c.handshakeCh <- cl:
		default:
			// A handshake cell arrived with nobody waiting for it: the
			// circuit isn't mid-build. Drop it rather than block the
			// link's dispatch loop.
		}
	case cell.CmdRelay, cell.CmdRelayEarly:
		if err := c.DeliverRelayCell(cl); err != nil {
			c.SetState(StateFailed)
		}
	case cell.CmdDestroy:
		c.SetState(StateClosed)
	}
}

// HandleClosed implements link.CircuitSink. Per spec.md §5, losing the link
// this circuit's first hop rides on closes the circuit; any goroutine
// blocked waiting on handshakeCh or the relay-receive channel is released
// by the state flip rather than by a direct cell delivery.
func (c *Circuit) HandleClosed(reason link.Reason) {
	c.SetState(StateFailed)
	select {
	case c.handshakeCh <- nil:
	default:
	}
}

// SetLink installs the link this circuit's first hop rides on and registers
// the circuit as that link's sink for WireCircID. The link is also set as
// the circuit's cell-sending connection (spec.md §3's "prev_link").
func (c *Circuit) SetLink(l *link.Link, wireCircID uint16) error {
	if err := l.RegisterCircuit(wireCircID, c); err != nil {
		return torerr.ConnectFailedErr("register circuit on link", err)
	}
	c.mu.Lock()
	c.WireCircID = wireCircID
	c.mu.Unlock()
	c.SetConnection(l)
	return nil
}

// awaitHandshakeCell blocks for the CREATED or CREATED_FAST cell answering
// a CREATE/CREATE_FAST this circuit just sent, per spec.md §4.5's "h[i]
// await keys" state. Any other cell type or a nil (link-closed) delivery is
// a protocol error per spec.md §4.5 ("An unexpected cell type in 'h[i]
// await keys' closes the circuit with reason TORPROTOCOL").
func (c *Circuit) awaitHandshakeCell(ctx context.Context, want cell.Command) (*cell.Cell, error) {
	select {
	case cl := <-c.handshakeCh:
		if cl == nil {
			return nil, torerr.RemoteClosedErr(fmt.Sprintf("link closed while awaiting %s", want))
		}
		if cl.Command != want {
			return nil, torerr.ProtocolErr(fmt.Sprintf("unexpected cell %s while awaiting %s", cl.Command, want), nil)
		}
		return cl, nil
	case <-ctx.Done():
		return nil, torerr.TimedOutErr(fmt.Sprintf("awaiting %s", want), ctx.Err())
	}
}

// sendRawCell sends a non-relay cell (CREATE/CREATE_FAST) directly on this
// circuit's link, addressed with WireCircID.
func (c *Circuit) sendRawCell(cmd cell.Command, payload []byte) error {
	c.mu.RLock()
	conn := c.conn
	circID := c.WireCircID
	c.mu.RUnlock()

	if conn == nil {
		return torerr.InternalErr("circuit has no link to send on", nil)
	}
	return conn.SendCell(&cell.Cell{CircID: circID, Command: cmd, Payload: payload})
}

// sendRelayCellEarly sends a relay cell as RELAY_EARLY, the command EXTEND
// cells must use while extending a circuit (tor-spec.txt §5.6 reserves
// RELAY_EARLY for the extend handshake so relays can bound how many hops a
// client has asked to extend through).
func (c *Circuit) sendRelayCellEarly(relayCell *cell.RelayCell) error {
	return c.sendRelayCellWithCommand(relayCell, cell.CmdRelayEarly)
}

// awaitExtended blocks for the RELAY_EXTENDED response to an EXTEND this
// circuit just sent, per spec.md §4.5 step 4.
func (c *Circuit) awaitExtended(ctx context.Context) (*cell.RelayCell, error) {
	for {
		rc, err := c.ReceiveRelayCell(ctx)
		if err != nil {
			return nil, err
		}
		switch rc.Command {
		case cell.RelayExtended:
			return rc, nil
		case cell.RelayEnd:
			return nil, torerr.PolicyRejectedErr(fmt.Sprintf("extend rejected: %s", cell.EndReason(firstByte(rc.Data))))
		default:
			// Not the cell we're waiting for (e.g. a stray SENDME already
			// filtered out by DeliverRelayCell); keep waiting.
			continue
		}
	}
}

func firstByte(b []byte) byte {
	if len(b) == 0 {
		return 0
	}
	return b[0]
}

// waitOpenOrFailed blocks until the circuit reaches StateOpen or StateFailed,
// used by builder tests and callers that only care about the terminal
// outcome of a build.
func (c *Circuit) waitOpenOrFailed(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		switch c.GetState() {
		case StateOpen:
			return nil
		case StateFailed, StateClosed:
			return torerr.ProtocolErr(fmt.Sprintf("circuit did not open: state=%s", c.GetState()), nil)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
