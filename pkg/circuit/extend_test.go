package circuit

import (
	"context"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/go-tor/pkg/cell"
	"github.com/opd-ai/go-tor/pkg/cryptopath"
	"github.com/opd-ai/go-tor/pkg/link"
	"github.com/opd-ai/go-tor/pkg/logger"
	"github.com/opd-ai/go-tor/pkg/policy"
)

type fakeRelayLink struct {
	mu     sync.Mutex
	sent   []*cell.Cell
	sinks  map[uint16]link.CircuitSink
	nextID uint16
	closed bool
}

func newFakeRelayLink() *fakeRelayLink {
	return &fakeRelayLink{sinks: make(map[uint16]link.CircuitSink), nextID: 1}
}

func (f *fakeRelayLink) SendCell(c *cell.Cell) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, c)
	return nil
}

func (f *fakeRelayLink) RegisterCircuit(id uint16, sink link.CircuitSink) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinks[id] = sink
	return nil
}

func (f *fakeRelayLink) UnregisterCircuit(id uint16) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sinks, id)
}

func (f *fakeRelayLink) AllocateCircID() (uint16, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	return id, nil
}

func (f *fakeRelayLink) Close(link.Reason) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeRelayLink) sentCells() []*cell.Cell {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*cell.Cell, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeRelayLink) waitSent(t *testing.T, n int) []*cell.Cell {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cells := f.sentCells(); len(cells) >= n {
			return cells
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d sent cells, have %d", n, len(f.sentCells()))
	return nil
}

func (f *fakeRelayLink) sinkFor(t *testing.T, id uint16) link.CircuitSink {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		sink := f.sinks[id]
		f.mu.Unlock()
		if sink != nil {
			return sink
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for sink on circ id %d", id)
	return nil
}

// sharedOnionKeys is generated once: RSA keygen dominates these tests
// otherwise.
var (
	sharedKeysOnce sync.Once
	sharedKeys     *OnionKeyStore
)

func testOnionKeys(t *testing.T) *OnionKeyStore {
	t.Helper()
	sharedKeysOnce.Do(func() {
		var err error
		sharedKeys, err = NewOnionKeyStore()
		if err != nil {
			t.Fatalf("NewOnionKeyStore() error = %v", err)
		}
	})
	return sharedKeys
}

func acceptAllPolicy(t *testing.T) *policy.Policy {
	t.Helper()
	p, err := policy.New("accept *:*")
	if err != nil {
		t.Fatalf("policy.New() error = %v", err)
	}
	return p
}

// establishFast runs CREATE_FAST against a fresh relay circuit, returning
// the origin's view of the hop keys.
func establishFast(t *testing.T, r *RelayCircuit, prev *fakeRelayLink, prevID uint16) *cryptopath.HopKeys {
	t.Helper()

	create, err := cryptopath.FastClientCreate()
	if err != nil {
		t.Fatalf("FastClientCreate() error = %v", err)
	}
	r.HandleCell(&cell.Cell{CircID: prevID, Command: cell.CmdCreateFast, Payload: create.X[:]})

	cells := prev.waitSent(t, 1)
	resp := cells[0]
	if resp.Command != cell.CmdCreatedFast {
		t.Fatalf("relay answered %s, want CREATED_FAST", resp.Command)
	}
	createdFast := &cryptopath.CreatedFastPayload{}
	copy(createdFast.Y[:], resp.Payload[0:20])
	copy(createdFast.KH[:], resp.Payload[20:40])

	hk, err := cryptopath.FastClientFinish(create, createdFast)
	if err != nil {
		t.Fatalf("FastClientFinish() error = %v", err)
	}
	return hk
}

// originSend stamps and single-layer-encrypts a relay cell the way the
// origin would for its first hop, returning the wire cell.
func originSend(t *testing.T, hk *cryptopath.HopKeys, circID uint16, cmd cell.Command, rc *cell.RelayCell) *cell.Cell {
	t.Helper()
	payload, err := rc.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	hk.StampDigest(cryptopath.Forward, payload)
	hk.ForwardCipher.XORKeyStream(payload, payload)
	return &cell.Cell{CircID: circID, Command: cmd, Payload: payload}
}

// originReceive peels the relay's single backward layer and decodes.
func originReceive(t *testing.T, hk *cryptopath.HopKeys, c *cell.Cell) *cell.RelayCell {
	t.Helper()
	payload := make([]byte, len(c.Payload))
	copy(payload, c.Payload)
	hk.BackwardCipher.XORKeyStream(payload, payload)
	if !hk.Recognize(cryptopath.Backward, payload) {
		t.Fatal("origin did not recognize backward cell")
	}
	rc, err := cell.DecodeRelayCell(payload)
	if err != nil {
		t.Fatalf("DecodeRelayCell() error = %v", err)
	}
	return rc
}

func TestRelayCreateFastEstablishesHop(t *testing.T) {
	prev := newFakeRelayLink()
	r, err := NewRelayCircuit(prev, 5, testOnionKeys(t), nil, nil, logger.NewDefault())
	if err != nil {
		t.Fatalf("NewRelayCircuit() error = %v", err)
	}

	establishFast(t, r, prev, 5)
	if r.GetState() != StateOpen {
		t.Errorf("state = %s, want OPEN", r.GetState())
	}
}

func TestRelayExtendSplicesCircuits(t *testing.T) {
	prev := newFakeRelayLink()
	next := newFakeRelayLink()
	dial := func(ctx context.Context, addr string, identity []byte) (RelayLink, error) {
		return next, nil
	}

	r, err := NewRelayCircuit(prev, 7, testOnionKeys(t), dial, nil, logger.NewDefault())
	if err != nil {
		t.Fatalf("NewRelayCircuit() error = %v", err)
	}
	hk := establishFast(t, r, prev, 7)

	onionskin := []byte("opaque onionskin bytes for the next hop")
	ep, err := cell.NewExtendPayload("192.0.2.10", 9001, onionskin, make([]byte, 20))
	if err != nil {
		t.Fatalf("NewExtendPayload() error = %v", err)
	}
	r.HandleCell(originSend(t, hk, 7, cell.CmdRelayEarly, cell.NewRelayCell(0, cell.RelayExtend, ep.Encode())))

	// The relay must dial, allocate an id, and forward the onionskin as a
	// CREATE on the next link.
	created := next.waitSent(t, 1)[0]
	if created.Command != cell.CmdCreate {
		t.Fatalf("next link saw %s, want CREATE", created.Command)
	}
	if string(created.Payload) != string(onionskin) {
		t.Error("CREATE payload does not match the EXTEND onionskin")
	}
	if r.GetState() != StateAwaitingLink {
		t.Errorf("state = %s, want AWAITING_LINK while CREATE is outstanding", r.GetState())
	}

	// Answer with CREATED: serverPublic(32) || KH(20).
	sink := next.sinkFor(t, created.CircID)
	createdPayload := make([]byte, 52)
	for i := range createdPayload {
		createdPayload[i] = byte(i)
	}
	sink.HandleCell(&cell.Cell{CircID: created.CircID, Command: cell.CmdCreated, Payload: createdPayload})

	// Expect RELAY_EXTENDED back toward the origin (sent cell #2 on prev).
	out := prev.waitSent(t, 2)[1]
	if out.Command != cell.CmdRelay {
		t.Fatalf("prev link saw %s, want RELAY", out.Command)
	}
	rc := originReceive(t, hk, out)
	if rc.Command != cell.RelayExtended {
		t.Fatalf("relay command = %s, want RELAY_EXTENDED", cell.RelayCmdString(rc.Command))
	}
	extended, err := cell.DecodeExtendedPayload(rc.Data)
	if err != nil {
		t.Fatalf("DecodeExtendedPayload() error = %v", err)
	}
	if string(extended.ServerPublic) != string(createdPayload[:32]) {
		t.Error("EXTENDED server public does not match the CREATED payload")
	}
	if r.GetState() != StateOpen {
		t.Errorf("state = %s, want OPEN after splice", r.GetState())
	}
}

func TestRelayForwardsUnrecognizedCells(t *testing.T) {
	prev := newFakeRelayLink()
	next := newFakeRelayLink()
	dial := func(ctx context.Context, addr string, identity []byte) (RelayLink, error) {
		return next, nil
	}

	r, err := NewRelayCircuit(prev, 9, testOnionKeys(t), dial, nil, logger.NewDefault())
	if err != nil {
		t.Fatalf("NewRelayCircuit() error = %v", err)
	}
	hk := establishFast(t, r, prev, 9)

	ep, _ := cell.NewExtendPayload("192.0.2.10", 9001, []byte("skin"), make([]byte, 20))
	r.HandleCell(originSend(t, hk, 9, cell.CmdRelayEarly, cell.NewRelayCell(0, cell.RelayExtend, ep.Encode())))
	created := next.waitSent(t, 1)[0]
	sink := next.sinkFor(t, created.CircID)
	sink.HandleCell(&cell.Cell{CircID: created.CircID, Command: cell.CmdCreated, Payload: make([]byte, 52)})
	prev.waitSent(t, 2) // EXTENDED delivered; splice complete

	// A cell stamped for a hop beyond this relay: encrypt with a second
	// layer the relay does not hold, so recognition must fail and the cell
	// must be forwarded on the next link.
	beyond, err := cryptopath.DeriveHopKeys([]byte("keys of the hop beyond"))
	if err != nil {
		t.Fatal(err)
	}
	rc := cell.NewRelayCell(1, cell.RelayData, []byte("for the exit"))
	payload, _ := rc.Encode()
	beyond.StampDigest(cryptopath.Forward, payload)
	beyond.ForwardCipher.XORKeyStream(payload, payload)
	hk.ForwardCipher.XORKeyStream(payload, payload) // origin's layer for this relay

	r.HandleCell(&cell.Cell{CircID: 9, Command: cell.CmdRelay, Payload: payload})

	forwarded := next.waitSent(t, 2)[1]
	if forwarded.Command != cell.CmdRelay {
		t.Fatalf("next link saw %s, want RELAY", forwarded.Command)
	}
	// After the relay's forward pass, exactly the beyond-hop layer remains.
	check := make([]byte, len(forwarded.Payload))
	copy(check, forwarded.Payload)
	verify, _ := cryptopath.DeriveHopKeys([]byte("keys of the hop beyond"))
	verify.ForwardCipher.XORKeyStream(check, check)
	if !verify.Recognize(cryptopath.Forward, check) {
		t.Error("forwarded cell does not carry exactly the next hop's layer")
	}
}

func TestRelayUnrecognizedWithoutNextTearsDown(t *testing.T) {
	prev := newFakeRelayLink()
	r, err := NewRelayCircuit(prev, 11, testOnionKeys(t), nil, nil, logger.NewDefault())
	if err != nil {
		t.Fatalf("NewRelayCircuit() error = %v", err)
	}
	hk := establishFast(t, r, prev, 11)

	// Garbage that no hop can recognize, with no next hop to forward to.
	rc := cell.NewRelayCell(1, cell.RelayData, []byte("junk"))
	payload, _ := rc.Encode()
	stranger, _ := cryptopath.DeriveHopKeys([]byte("nobody's keys"))
	stranger.StampDigest(cryptopath.Forward, payload)
	hk.ForwardCipher.XORKeyStream(payload, payload)

	r.HandleCell(&cell.Cell{CircID: 11, Command: cell.CmdRelay, Payload: payload})

	cells := prev.waitSent(t, 2)
	destroy := cells[len(cells)-1]
	if destroy.Command != cell.CmdDestroy {
		t.Fatalf("prev link saw %s, want DESTROY", destroy.Command)
	}
	if r.GetState() != StateClosed {
		t.Errorf("state = %s, want CLOSED", r.GetState())
	}
}

func TestRelayTruncateDropsNextHop(t *testing.T) {
	prev := newFakeRelayLink()
	next := newFakeRelayLink()
	dial := func(ctx context.Context, addr string, identity []byte) (RelayLink, error) {
		return next, nil
	}

	r, err := NewRelayCircuit(prev, 13, testOnionKeys(t), dial, nil, logger.NewDefault())
	if err != nil {
		t.Fatalf("NewRelayCircuit() error = %v", err)
	}
	hk := establishFast(t, r, prev, 13)

	ep, _ := cell.NewExtendPayload("192.0.2.10", 9001, []byte("skin"), make([]byte, 20))
	r.HandleCell(originSend(t, hk, 13, cell.CmdRelayEarly, cell.NewRelayCell(0, cell.RelayExtend, ep.Encode())))
	created := next.waitSent(t, 1)[0]
	next.sinkFor(t, created.CircID).HandleCell(&cell.Cell{CircID: created.CircID, Command: cell.CmdCreated, Payload: make([]byte, 52)})
	// Peel EXTENDED so the origin's backward cipher and digest stay in step.
	originReceive(t, hk, prev.waitSent(t, 2)[1])

	r.HandleCell(originSend(t, hk, 13, cell.CmdRelay, cell.NewRelayCell(0, cell.RelayTruncate, []byte{byte(cell.DestroyRequested)})))

	nextCells := next.waitSent(t, 2)
	if nextCells[1].Command != cell.CmdDestroy {
		t.Fatalf("next link saw %s, want DESTROY", nextCells[1].Command)
	}
	out := prev.waitSent(t, 3)[2]
	rc := originReceive(t, hk, out)
	if rc.Command != cell.RelayTruncated {
		t.Fatalf("relay command = %s, want RELAY_TRUNCATED", cell.RelayCmdString(rc.Command))
	}
	if r.GetState() != StateOpen {
		t.Errorf("state = %s, want OPEN (truncated circuit stays usable)", r.GetState())
	}
}

func TestRelayDestroyFromPrevPropagatesToNext(t *testing.T) {
	prev := newFakeRelayLink()
	next := newFakeRelayLink()
	dial := func(ctx context.Context, addr string, identity []byte) (RelayLink, error) {
		return next, nil
	}

	r, err := NewRelayCircuit(prev, 15, testOnionKeys(t), dial, nil, logger.NewDefault())
	if err != nil {
		t.Fatalf("NewRelayCircuit() error = %v", err)
	}
	hk := establishFast(t, r, prev, 15)

	ep, _ := cell.NewExtendPayload("192.0.2.10", 9001, []byte("skin"), make([]byte, 20))
	r.HandleCell(originSend(t, hk, 15, cell.CmdRelayEarly, cell.NewRelayCell(0, cell.RelayExtend, ep.Encode())))
	created := next.waitSent(t, 1)[0]
	next.sinkFor(t, created.CircID).HandleCell(&cell.Cell{CircID: created.CircID, Command: cell.CmdCreated, Payload: make([]byte, 52)})
	prev.waitSent(t, 2)

	r.HandleCell(&cell.Cell{CircID: 15, Command: cell.CmdDestroy, Payload: []byte{byte(cell.DestroyRequested)}})

	nextCells := next.waitSent(t, 2)
	if nextCells[1].Command != cell.CmdDestroy {
		t.Fatalf("next link saw %s, want propagated DESTROY", nextCells[1].Command)
	}
	if r.GetState() != StateClosed {
		t.Errorf("state = %s, want CLOSED", r.GetState())
	}
}

func TestRelayBeginConnectsAndPumps(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer ln.Close()

	echoReady := make(chan struct{})
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		close(echoReady)
		buf := make([]byte, 64)
		n, _ := conn.Read(buf)
		conn.Write(buf[:n]) //nolint:errcheck
		conn.Close()
	}()

	prev := newFakeRelayLink()
	r, err := NewRelayCircuit(prev, 17, testOnionKeys(t), nil, acceptAllPolicy(t), logger.NewDefault())
	if err != nil {
		t.Fatalf("NewRelayCircuit() error = %v", err)
	}
	hk := establishFast(t, r, prev, 17)

	port := ln.Addr().(*net.TCPAddr).Port
	begin := []byte(net.JoinHostPort("127.0.0.1", strconv.Itoa(port)) + "\x00")
	r.HandleCell(originSend(t, hk, 17, cell.CmdRelay, cell.NewRelayCell(1, cell.RelayBegin, begin)))

	connected := originReceive(t, hk, prev.waitSent(t, 2)[1])
	if connected.Command != cell.RelayConnected {
		t.Fatalf("relay command = %s, want RELAY_CONNECTED", cell.RelayCmdString(connected.Command))
	}
	if connected.StreamID != 1 {
		t.Errorf("stream id = %d, want 1", connected.StreamID)
	}
	if len(connected.Data) != 4 {
		t.Errorf("CONNECTED payload = %d bytes, want 4-byte IPv4", len(connected.Data))
	}

	<-echoReady
	r.HandleCell(originSend(t, hk, 17, cell.CmdRelay, cell.NewRelayCell(1, cell.RelayData, []byte("ping"))))

	data := originReceive(t, hk, prev.waitSent(t, 3)[2])
	if data.Command != cell.RelayData || string(data.Data) != "ping" {
		t.Errorf("echoed cell = %s %q, want DATA \"ping\"", cell.RelayCmdString(data.Command), data.Data)
	}
}

func TestRelayBeginPolicyRejectSendsEndExitPolicy(t *testing.T) {
	prev := newFakeRelayLink()
	rejectAll, err := policy.New("reject *:*")
	if err != nil {
		t.Fatal(err)
	}
	r, err := NewRelayCircuit(prev, 19, testOnionKeys(t), nil, rejectAll, logger.NewDefault())
	if err != nil {
		t.Fatalf("NewRelayCircuit() error = %v", err)
	}
	hk := establishFast(t, r, prev, 19)

	r.HandleCell(originSend(t, hk, 19, cell.CmdRelay, cell.NewRelayCell(1, cell.RelayBegin, []byte("127.0.0.1:80\x00"))))

	end := originReceive(t, hk, prev.waitSent(t, 2)[1])
	if end.Command != cell.RelayEnd {
		t.Fatalf("relay command = %s, want RELAY_END", cell.RelayCmdString(end.Command))
	}
	if len(end.Data) < 1 || cell.EndReason(end.Data[0]) != cell.EndExitPolicy {
		t.Fatalf("END reason = %v, want EXITPOLICY", end.Data)
	}
	if len(end.Data) != 5 {
		t.Errorf("END payload = %d bytes, want reason + resolved IPv4", len(end.Data))
	}
}

func TestOnionKeyRotationKeepsPreviousUsable(t *testing.T) {
	keys, err := NewOnionKeyStore()
	if err != nil {
		t.Fatalf("NewOnionKeyStore() error = %v", err)
	}
	oldPub := keys.Public()

	create, _, err := cryptopath.TAPClientCreate(oldPub)
	if err != nil {
		t.Fatalf("TAPClientCreate() error = %v", err)
	}

	if err := keys.Rotate(); err != nil {
		t.Fatalf("Rotate() error = %v", err)
	}
	primary, previous := keys.Snapshot()
	if previous == nil {
		t.Fatal("previous key missing after rotation")
	}

	// The onionskin sealed to the pre-rotation key must fail against the
	// new primary and succeed against previous.
	if _, _, err := cryptopath.TAPServerHandshake(primary, create); err == nil {
		t.Error("new primary key decrypted an onionskin sealed to the old key")
	}
	if _, _, err := cryptopath.TAPServerHandshake(previous, create); err != nil {
		t.Errorf("previous key failed to decrypt a pre-rotation onionskin: %v", err)
	}
}

func TestTrimOnionskin(t *testing.T) {
	keySize := 128

	direct := make([]byte, 509)
	direct[0] = 0xDE // not a hybrid length marker
	if got := trimOnionskin(direct, keySize); len(got) != keySize {
		t.Errorf("direct onionskin trimmed to %d, want %d", len(got), keySize)
	}

	hybrid := make([]byte, 509)
	hybrid[0] = byte(keySize >> 8)
	hybrid[1] = byte(keySize)
	if got := trimOnionskin(hybrid, keySize); len(got) != 2+keySize+32 {
		t.Errorf("hybrid onionskin trimmed to %d, want %d", len(got), 2+keySize+32)
	}

	short := make([]byte, 100)
	if got := trimOnionskin(short, keySize); len(got) != 100 {
		t.Errorf("short payload trimmed to %d, want untouched", len(got))
	}
}

func TestParseBeginTarget(t *testing.T) {
	tests := []struct {
		in       string
		wantHost string
		wantPort uint16
		wantErr  bool
	}{
		{"example.com:80\x00", "example.com", 80, false},
		{"192.0.2.7:443\x00", "192.0.2.7", 443, false},
		{"example.com:0\x00", "", 0, true},
		{"example.com:70000\x00", "", 0, true},
		{"noport\x00", "", 0, true},
		{"host:notanumber\x00", "", 0, true},
	}
	for _, tt := range tests {
		host, port, err := parseBeginTarget([]byte(tt.in))
		if (err != nil) != tt.wantErr {
			t.Errorf("parseBeginTarget(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if err == nil && (host != tt.wantHost || port != tt.wantPort) {
			t.Errorf("parseBeginTarget(%q) = %s:%d, want %s:%d", tt.in, host, port, tt.wantHost, tt.wantPort)
		}
	}
}
