// Package circuit provides circuit building functionality for the Tor protocol.
package circuit

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/go-tor/pkg/cell"
	"github.com/opd-ai/go-tor/pkg/cryptopath"
	"github.com/opd-ai/go-tor/pkg/directory"
	torerr "github.com/opd-ai/go-tor/pkg/errors"
	"github.com/opd-ai/go-tor/pkg/link"
	"github.com/opd-ai/go-tor/pkg/logger"
	"github.com/opd-ai/go-tor/pkg/path"
)

// Builder constructs Tor circuits through the network, driving the §4.5
// state machine hop by hop: CREATE_FAST against the entry guard (trusted
// via TLS, per spec.md §4.4), then RELAY_EXTEND/RELAY_EXTENDED with a TAP
// onionskin for every hop beyond it.
type Builder struct {
	logger  *logger.Logger
	manager *Manager
	mu      sync.Mutex

	// OurIdentity is this client's own identity digest, used only to derive
	// each link's circ_id_type (spec.md §3). A client with no stable
	// published identity still needs one for this comparison, so NewBuilder
	// generates a random one when the caller doesn't supply one.
	OurIdentity []byte

	// Notify, when set, receives a circuit-lifecycle status at each build
	// milestone (LAUNCHED, EXTENDED per hop installed beyond the first,
	// BUILT); the client layer maps these onto controller CIRC events.
	Notify func(circuitID uint32, status string)
}

func (b *Builder) notify(circuitID uint32, status string) {
	if b.Notify != nil {
		b.Notify(circuitID, status)
	}
}

// NewBuilder creates a new circuit builder
func NewBuilder(manager *Manager, log *logger.Logger) *Builder {
	if log == nil {
		log = logger.NewDefault()
	}

	identity := make([]byte, 20)
	if _, err := rand.Read(identity); err != nil {
		// crypto/rand failing is unrecoverable for any TLS use in this
		// process; a nil identity just pushes the failure into
		// link.ComputeCircIDType's NEITHER path instead of panicking here.
		identity = nil
	}

	return &Builder{
		logger:      log.Component("builder"),
		manager:     manager,
		OurIdentity: identity,
	}
}

// BuildCircuit builds a complete circuit through the provided path,
// following the origin-side state machine of spec.md §4.5.
func (b *Builder) BuildCircuit(ctx context.Context, p *path.Path, timeout time.Duration) (*Circuit, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.logger.Info("Building circuit",
		"guard", p.Guard.Nickname,
		"middle", p.Middle.Nickname,
		"exit", p.Exit.Nickname)

	circ, err := b.manager.CreateCircuit()
	if err != nil {
		return nil, torerr.ResourceErr("create circuit", err)
	}
	b.notify(circ.ID, "LAUNCHED")

	buildCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	guardLink, err := b.dialRelay(buildCtx, p.Guard)
	if err != nil {
		circ.SetState(StateFailed)
		return nil, torerr.ConnectFailedErr(fmt.Sprintf("connect to guard %s", p.Guard.Nickname), err)
	}

	wireID, err := guardLink.AllocateCircID()
	if err != nil {
		circ.SetState(StateFailed)
		guardLink.Close(link.ReasonRequested)
		return nil, torerr.ResourceErr("allocate circ id", err)
	}
	if err := circ.SetLink(guardLink, wireID); err != nil {
		circ.SetState(StateFailed)
		guardLink.Close(link.ReasonRequested)
		return nil, err
	}

	b.logger.Info("Connected to guard", "guard", p.Guard.Nickname, "circ_id", wireID)

	hopKeys, err := b.createFastHop(buildCtx, circ)
	if err != nil {
		circ.SetState(StateFailed)
		guardLink.Close(link.ReasonRequested)
		return nil, torerr.ProtocolErr(fmt.Sprintf("CREATE_FAST with guard %s", p.Guard.Nickname), err)
	}
	if err := circ.AddHop(hopFromKeys(p.Guard, hopKeys, true, false)); err != nil {
		circ.SetState(StateFailed)
		guardLink.Close(link.ReasonRequested)
		return nil, err
	}

	b.logger.Info("Installed guard hop keys", "guard", p.Guard.Nickname)

	remaining := []struct {
		relay  *directory.Relay
		isExit bool
	}{
		{p.Middle, false},
		{p.Exit, true},
	}

	for _, hop := range remaining {
		hk, err := b.extendTAP(buildCtx, circ, hop.relay)
		if err != nil {
			circ.SetState(StateFailed)
			guardLink.Close(link.ReasonRequested)
			return nil, torerr.ProtocolErr(fmt.Sprintf("extend to %s", hop.relay.Nickname), err)
		}
		if err := circ.AddHop(hopFromKeys(hop.relay, hk, false, hop.isExit)); err != nil {
			circ.SetState(StateFailed)
			guardLink.Close(link.ReasonRequested)
			return nil, err
		}
		b.logger.Info("Extended circuit", "hop", hop.relay.Nickname)
		b.notify(circ.ID, "EXTENDED")
	}

	circ.SetState(StateOpen)
	b.notify(circ.ID, "BUILT")
	b.logger.Info("Circuit built successfully", "circuit_id", circ.ID, "wire_circ_id", wireID, "hops", circ.Length())

	return circ, nil
}

// dialRelay opens a link to a relay, per spec.md §4.2's open(). The peer's
// identity digest is pinned when the relay's fingerprint decodes cleanly;
// an undecodable fingerprint (e.g. a test double using a placeholder
// nickname) degrades to an unpinned dial rather than aborting before the
// TCP attempt even starts.
func (b *Builder) dialRelay(ctx context.Context, r *directory.Relay) (*link.Link, error) {
	expected, _ := r.IdentityDigest()
	cfg := link.Config{
		Address:          fmt.Sprintf("%s:%d", r.Address, r.ORPort),
		OurIdentity:      b.OurIdentity,
		ExpectedIdentity: expected,
	}
	return link.Open(ctx, cfg, b.logger)
}

// createFastHop drives the CREATE_FAST / CREATED_FAST exchange against the
// circuit's first hop (spec.md §4.4's Fast variant).
func (b *Builder) createFastHop(ctx context.Context, c *Circuit) (*cryptopath.HopKeys, error) {
	create, err := cryptopath.FastClientCreate()
	if err != nil {
		return nil, err
	}
	if err := c.sendRawCell(cell.CmdCreateFast, create.X[:]); err != nil {
		return nil, err
	}

	resp, err := c.awaitHandshakeCell(ctx, cell.CmdCreatedFast)
	if err != nil {
		return nil, err
	}
	if len(resp.Payload) < 40 {
		return nil, torerr.ProtocolErr(fmt.Sprintf("CREATED_FAST payload too short: %d", len(resp.Payload)), nil)
	}
	created := &cryptopath.CreatedFastPayload{}
	copy(created.Y[:], resp.Payload[0:20])
	copy(created.KH[:], resp.Payload[20:40])

	return cryptopath.FastClientFinish(create, created)
}

// extendTAP drives the RELAY_EXTEND / RELAY_EXTENDED exchange that installs
// the next hop's keys (spec.md §4.5 steps 3-4), onion-encrypting the EXTEND
// cell through every hop already installed and sending it RELAY_EARLY.
func (b *Builder) extendTAP(ctx context.Context, c *Circuit, target *directory.Relay) (*cryptopath.HopKeys, error) {
	if target.OnionKey == nil {
		return nil, torerr.ProtocolErr(fmt.Sprintf("relay %s has no onion key for a TAP handshake", target.Nickname), nil)
	}

	createPayload, pending, err := cryptopath.TAPClientCreate(target.OnionKey)
	if err != nil {
		return nil, torerr.InternalErr("prepare TAP onionskin", err)
	}

	identity, err := target.IdentityDigest()
	if err != nil {
		return nil, torerr.ProtocolErr(fmt.Sprintf("decode %s identity", target.Nickname), err)
	}

	ep, err := cell.NewExtendPayload(target.Address, uint16(target.ORPort), createPayload.Onionskin, identity)
	if err != nil {
		return nil, torerr.ProtocolErr("build EXTEND payload", err)
	}

	extendCell := cell.NewRelayCell(0, cell.RelayExtend, ep.Encode())
	if err := c.sendRelayCellEarly(extendCell); err != nil {
		return nil, err
	}

	rc, err := c.awaitExtended(ctx)
	if err != nil {
		return nil, err
	}

	extended, err := cell.DecodeExtendedPayload(rc.Data)
	if err != nil {
		return nil, torerr.ProtocolErr("decode EXTENDED", err)
	}
	if len(extended.ServerPublic) != 32 {
		return nil, torerr.ProtocolErr(fmt.Sprintf("EXTENDED server public value length = %d, want 32", len(extended.ServerPublic)), nil)
	}

	created := &cryptopath.CreatedPayload{}
	copy(created.ServerPublic[:], extended.ServerPublic)
	copy(created.KH[:], extended.KH)

	return cryptopath.TAPClientFinish(pending, created)
}

// hopFromKeys builds a cpath Hop from a completed handshake's key schedule.
func hopFromKeys(r *directory.Relay, hk *cryptopath.HopKeys, isGuard, isExit bool) *Hop {
	h := NewHop(r.Fingerprint, fmt.Sprintf("%s:%d", r.Address, r.ORPort), isGuard, isExit)
	h.SetCryptoState(hk.ForwardCipher, hk.BackwardCipher, hk.ForwardDigest, hk.BackwardDigest)
	return h
}
