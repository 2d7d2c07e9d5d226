// Package cell provides relay cell functionality for Tor protocol
package cell

import (
	"encoding/binary"
	"fmt"

	"github.com/opd-ai/go-tor/pkg/pool"
	"github.com/opd-ai/go-tor/pkg/security"
)

// Relay commands from tor-spec.txt section 6.1, restricted to the set this
// core's circuit/stream machinery dispatches (§4.6 of the relay-cell router).
const (
	RelayBegin     byte = 1
	RelayData      byte = 2
	RelayEnd       byte = 3
	RelayConnected byte = 4
	RelaySendme    byte = 5
	RelayExtend    byte = 6
	RelayExtended  byte = 7
	RelayTruncate  byte = 8
	RelayTruncated byte = 9
	RelayDrop      byte = 10
	RelayResolve   byte = 11
	RelayResolved  byte = 12
)

// RelayCell represents the payload of a RELAY or RELAY_EARLY cell.
type RelayCell struct {
	Command    byte    // Relay command
	Recognized uint16  // Must be zero
	StreamID   uint16  // Stream ID; 0 means circuit-control
	Digest     [4]byte // Running digest prefix
	Length     uint16  // Length of data
	Data       []byte  // Relay data
}

// RelayCellHeaderLen is the relay-cell header size: Command(1) +
// Recognized(2) + StreamID(2) + Digest(4) + Length(2) = 11 bytes.
const RelayCellHeaderLen = 11

// MaxRelayDataLen is the largest body a relay cell can carry once the
// header and trailing padding are accounted for.
const MaxRelayDataLen = PayloadLen - RelayCellHeaderLen

// NewRelayCell creates a new relay cell. The digest field is left zero;
// the crypt-path layer (pkg/cryptopath) stamps it during onion-encryption
// per the digest update rule.
func NewRelayCell(streamID uint16, cmd byte, data []byte) *RelayCell {
	length, err := security.SafeLenToUint16(data)
	if err != nil {
		length = 65535
	}

	return &RelayCell{
		Command:    cmd,
		Recognized: 0,
		StreamID:   streamID,
		Digest:     [4]byte{0, 0, 0, 0},
		Length:     length,
		Data:       data,
	}
}

// Encode encodes the relay cell into a 509-byte payload, zero-padded.
func (rc *RelayCell) Encode() ([]byte, error) {
	if len(rc.Data) > MaxRelayDataLen {
		return nil, fmt.Errorf("relay cell data too large: %d > %d", len(rc.Data), MaxRelayDataLen)
	}

	payload := pool.PayloadBufferPool.Get()
	for i := range payload {
		payload[i] = 0
	}

	payload[0] = rc.Command
	binary.BigEndian.PutUint16(payload[1:3], rc.Recognized)
	binary.BigEndian.PutUint16(payload[3:5], rc.StreamID)
	copy(payload[5:9], rc.Digest[:])
	binary.BigEndian.PutUint16(payload[9:11], rc.Length)
	copy(payload[11:], rc.Data)

	return payload, nil
}

// DecodeRelayCell decodes a relay cell from a 509-byte payload.
func DecodeRelayCell(payload []byte) (*RelayCell, error) {
	if len(payload) < RelayCellHeaderLen {
		return nil, fmt.Errorf("payload too short for relay cell: %d < %d", len(payload), RelayCellHeaderLen)
	}

	rc := &RelayCell{
		Command:    payload[0],
		Recognized: binary.BigEndian.Uint16(payload[1:3]),
		StreamID:   binary.BigEndian.Uint16(payload[3:5]),
		Length:     binary.BigEndian.Uint16(payload[9:11]),
	}
	copy(rc.Digest[:], payload[5:9])

	if int(rc.Length) > MaxRelayDataLen {
		return nil, fmt.Errorf("relay cell length exceeds maximum: %d > %d", rc.Length, MaxRelayDataLen)
	}
	if int(rc.Length) > len(payload)-RelayCellHeaderLen {
		return nil, fmt.Errorf("relay cell data length exceeds payload: %d > %d", rc.Length, len(payload)-RelayCellHeaderLen)
	}

	if rc.Length > 0 {
		rc.Data = make([]byte, rc.Length)
		copy(rc.Data, payload[11:11+rc.Length])
	}

	return rc, nil
}

// ZeroDigestField returns a copy of payload with the digest field (bytes
// 5:9) zeroed, as required before hashing it into a running digest.
func ZeroDigestField(payload []byte) []byte {
	out := make([]byte, len(payload))
	copy(out, payload)
	for i := 5; i < 9 && i < len(out); i++ {
		out[i] = 0
	}
	return out
}

// RelayCmdString returns a human-readable string for a relay command.
func RelayCmdString(cmd byte) string {
	switch cmd {
	case RelayBegin:
		return "RELAY_BEGIN"
	case RelayData:
		return "RELAY_DATA"
	case RelayEnd:
		return "RELAY_END"
	case RelayConnected:
		return "RELAY_CONNECTED"
	case RelaySendme:
		return "RELAY_SENDME"
	case RelayExtend:
		return "RELAY_EXTEND"
	case RelayExtended:
		return "RELAY_EXTENDED"
	case RelayTruncate:
		return "RELAY_TRUNCATE"
	case RelayTruncated:
		return "RELAY_TRUNCATED"
	case RelayDrop:
		return "RELAY_DROP"
	case RelayResolve:
		return "RELAY_RESOLVE"
	case RelayResolved:
		return "RELAY_RESOLVED"
	default:
		return fmt.Sprintf("RELAY_UNKNOWN(%d)", cmd)
	}
}

// EndReason enumerates the END relay cell reason codes (§4.7, §6).
type EndReason byte

const (
	EndMisc            EndReason = 1
	EndResolveFailed   EndReason = 2
	EndConnectFailed   EndReason = 3
	EndExitPolicy      EndReason = 4
	EndDestroy         EndReason = 5
	EndDone            EndReason = 6
	EndTimeout         EndReason = 7
	EndNoRoute         EndReason = 8
	EndHibernating     EndReason = 9
	EndInternal        EndReason = 10
	EndResourceLimit   EndReason = 11
	EndConnReset       EndReason = 12
	EndTorProtocol     EndReason = 13
	EndNotDirectory    EndReason = 14
)

// String returns the Tor control-protocol name of the END reason.
func (r EndReason) String() string {
	switch r {
	case EndMisc:
		return "MISC"
	case EndResolveFailed:
		return "RESOLVEFAILED"
	case EndConnectFailed:
		return "CONNECTFAILED"
	case EndExitPolicy:
		return "EXITPOLICY"
	case EndDestroy:
		return "DESTROY"
	case EndDone:
		return "DONE"
	case EndTimeout:
		return "TIMEOUT"
	case EndNoRoute:
		return "NOROUTE"
	case EndHibernating:
		return "HIBERNATING"
	case EndInternal:
		return "INTERNAL"
	case EndResourceLimit:
		return "RESOURCELIMIT"
	case EndConnReset:
		return "CONNRESET"
	case EndTorProtocol:
		return "TORPROTOCOL"
	case EndNotDirectory:
		return "NOTDIRECTORY"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", byte(r))
	}
}

// DestroyReason enumerates the DESTROY cell reason codes.
type DestroyReason byte

const (
	DestroyNone           DestroyReason = 0
	DestroyProtocol       DestroyReason = 1
	DestroyInternal       DestroyReason = 2
	DestroyRequested      DestroyReason = 3
	DestroyHibernating    DestroyReason = 4
	DestroyResourceLimit  DestroyReason = 5
	DestroyConnectFailed  DestroyReason = 6
	DestroyOrIdentity     DestroyReason = 7
	DestroyOrConnClosed   DestroyReason = 8
	DestroyTimeout        DestroyReason = 9
	DestroyNoSpace        DestroyReason = 10
	DestroyDestroyed      DestroyReason = 11
)
