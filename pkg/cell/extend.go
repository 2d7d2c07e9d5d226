package cell

import (
	"encoding/binary"
	"fmt"
	"net"
)

// identityDigestLen is the length of the SHA-1-equivalent identity digest
// carried in an EXTEND payload, per spec.md §3/§6.
const identityDigestLen = 20

// ExtendPayload is the body of a RELAY_EXTEND cell: the next hop's address,
// port, a CREATE onionskin to forward, and the next hop's identity digest.
// spec.md §6 fixes this at 4+2+186+20 = 212 bytes for the classical TAP
// onionskin; this core's TAP step uses a hybrid-RSA scheme over a
// Curve25519 DH value (see DESIGN.md's Open Question decision) whose
// encoded length varies, so the onionskin is length-prefixed rather than
// padded to a fixed 186 bytes.
type ExtendPayload struct {
	Addr      [4]byte
	Port      uint16
	Onionskin []byte
	Identity  [identityDigestLen]byte
}

// NewExtendPayload builds an ExtendPayload from a dotted-quad IPv4 address.
func NewExtendPayload(addr string, port uint16, onionskin []byte, identity []byte) (*ExtendPayload, error) {
	ip := net.ParseIP(addr)
	if ip == nil {
		return nil, fmt.Errorf("invalid IPv4 address: %q", addr)
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return nil, fmt.Errorf("not an IPv4 address: %q", addr)
	}
	if len(identity) != identityDigestLen {
		return nil, fmt.Errorf("identity digest length = %d, want %d", len(identity), identityDigestLen)
	}
	ep := &ExtendPayload{Port: port, Onionskin: onionskin}
	copy(ep.Addr[:], ip4)
	copy(ep.Identity[:], identity)
	return ep, nil
}

// IPString returns the dotted-quad form of Addr.
func (e *ExtendPayload) IPString() string {
	return net.IP(e.Addr[:]).String()
}

// Encode serializes the EXTEND payload: addr(4) || port(2) || len(2) ||
// onionskin || identity(20).
func (e *ExtendPayload) Encode() []byte {
	out := make([]byte, 0, 4+2+2+len(e.Onionskin)+identityDigestLen)
	out = append(out, e.Addr[:]...)
	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], e.Port)
	out = append(out, portBuf[:]...)
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(e.Onionskin)))
	out = append(out, lenBuf[:]...)
	out = append(out, e.Onionskin...)
	out = append(out, e.Identity[:]...)
	return out
}

// DecodeExtendPayload parses an EXTEND relay-cell body.
func DecodeExtendPayload(data []byte) (*ExtendPayload, error) {
	const headerLen = 4 + 2 + 2
	if len(data) < headerLen+identityDigestLen {
		return nil, fmt.Errorf("EXTEND payload too short: %d", len(data))
	}
	ep := &ExtendPayload{}
	copy(ep.Addr[:], data[0:4])
	ep.Port = binary.BigEndian.Uint16(data[4:6])
	onionskinLen := int(binary.BigEndian.Uint16(data[6:8]))
	if len(data) < headerLen+onionskinLen+identityDigestLen {
		return nil, fmt.Errorf("EXTEND payload truncated: want %d onionskin bytes, have %d", onionskinLen, len(data)-headerLen-identityDigestLen)
	}
	ep.Onionskin = make([]byte, onionskinLen)
	copy(ep.Onionskin, data[headerLen:headerLen+onionskinLen])
	copy(ep.Identity[:], data[headerLen+onionskinLen:headerLen+onionskinLen+identityDigestLen])
	return ep, nil
}

// ExtendedPayload is the body of a RELAY_EXTENDED cell: identical in shape
// to a CREATED payload (DH public value plus KH), per spec.md §6.
type ExtendedPayload struct {
	ServerPublic []byte
	KH           []byte
}

// Encode serializes the EXTENDED payload as len(pub) || pub || KH(20).
func (e *ExtendedPayload) Encode() []byte {
	out := make([]byte, 0, 2+len(e.ServerPublic)+len(e.KH))
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(e.ServerPublic)))
	out = append(out, lenBuf[:]...)
	out = append(out, e.ServerPublic...)
	out = append(out, e.KH...)
	return out
}

// DecodeExtendedPayload parses an EXTENDED relay-cell body.
func DecodeExtendedPayload(data []byte) (*ExtendedPayload, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("EXTENDED payload too short: %d", len(data))
	}
	pubLen := int(binary.BigEndian.Uint16(data[0:2]))
	if len(data) < 2+pubLen+identityDigestLen {
		return nil, fmt.Errorf("EXTENDED payload truncated")
	}
	ep := &ExtendedPayload{
		ServerPublic: append([]byte(nil), data[2:2+pubLen]...),
		KH:           append([]byte(nil), data[2+pubLen:2+pubLen+identityDigestLen]...),
	}
	return ep, nil
}
