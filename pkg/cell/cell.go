// Package cell provides types and functions for encoding and decoding Tor
// protocol cells. Tor uses fixed-size (512 bytes) and variable-size cells
// for communication over a link.
package cell

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/opd-ai/go-tor/pkg/pool"
)

// Cell size constants from tor-spec.txt section 3. Link protocol versions
// this core speaks use a 16-bit circuit id.
const (
	// CircIDLen is the length of circuit IDs in bytes.
	CircIDLen = 2
	// CmdLen is the length of the command field.
	CmdLen = 1
	// PayloadLen is the length of the payload in fixed-size cells.
	PayloadLen = 509
	// CellLen is the total length of a fixed-size cell on the wire.
	CellLen = CircIDLen + CmdLen + PayloadLen // 512 bytes
	// VarCellHeaderLen is the length of a variable-length cell header
	// (circ_id + command + payload_len), before the payload itself.
	VarCellHeaderLen = CircIDLen + CmdLen + 2
)

// Command represents a cell command type.
type Command byte

// Cell commands used by the core (tor-spec.txt section 3). This core does
// not speak the ntor/CREATE2 wire commands or the link-certificate cells;
// handshakes are TAP-style (CREATE/CREATED) or Fast (CREATE_FAST/CREATED_FAST).
const (
	CmdPadding     Command = 0
	CmdCreate      Command = 1
	CmdCreated     Command = 2
	CmdRelay       Command = 3
	CmdDestroy     Command = 4
	CmdCreateFast  Command = 5
	CmdCreatedFast Command = 6
	CmdVersions    Command = 7
	CmdNetinfo     Command = 8
	CmdRelayEarly  Command = 9

	// CmdVPadding is the lowest variable-length command; the range above it
	// is reserved the way tor-spec.txt reserves it so an unrecognized
	// variable-length command still classifies correctly.
	CmdVPadding Command = 128
)

// Cell represents a Tor protocol cell.
type Cell struct {
	CircID  uint16
	Command Command
	Payload []byte
}

// IsVariableLength returns true if the command indicates a variable-length
// cell. VERSIONS is variable-length despite its low command number (it is
// negotiated before either side knows the other's cell-framing version);
// everything at or above CmdVPadding is variable-length by convention.
// spec.md §3 restricts variable-length cells to negotiation commands only.
func (c Command) IsVariableLength() bool {
	return c == CmdVersions || c >= CmdVPadding
}

// String returns a human-readable representation of the command.
func (c Command) String() string {
	switch c {
	case CmdPadding:
		return "PADDING"
	case CmdCreate:
		return "CREATE"
	case CmdCreated:
		return "CREATED"
	case CmdRelay:
		return "RELAY"
	case CmdDestroy:
		return "DESTROY"
	case CmdCreateFast:
		return "CREATE_FAST"
	case CmdCreatedFast:
		return "CREATED_FAST"
	case CmdVersions:
		return "VERSIONS"
	case CmdNetinfo:
		return "NETINFO"
	case CmdRelayEarly:
		return "RELAY_EARLY"
	case CmdVPadding:
		return "VPADDING"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", c)
	}
}

// NewCell creates a new fixed-length cell with the given circuit ID and command.
func NewCell(circID uint16, cmd Command) *Cell {
	return &Cell{
		CircID:  circID,
		Command: cmd,
		Payload: make([]byte, 0),
	}
}

// Encode writes the cell to the provided writer, padding fixed-length
// cells to exactly PayloadLen bytes and framing variable-length cells
// with an explicit length prefix.
func (c *Cell) Encode(w io.Writer) error {
	if !c.Command.IsVariableLength() && len(c.Payload) > PayloadLen {
		return fmt.Errorf("fixed cell payload too large: %d > %d", len(c.Payload), PayloadLen)
	}

	if c.Command.IsVariableLength() {
		hdr := make([]byte, VarCellHeaderLen)
		binary.BigEndian.PutUint16(hdr[0:2], c.CircID)
		hdr[2] = byte(c.Command)
		binary.BigEndian.PutUint16(hdr[3:5], uint16(len(c.Payload)))
		if _, err := w.Write(hdr); err != nil {
			return fmt.Errorf("write variable cell header: %w", err)
		}
		if _, err := w.Write(c.Payload); err != nil {
			return fmt.Errorf("write variable cell payload: %w", err)
		}
		return nil
	}

	frame := pool.CellBufferPool.Get()[:CellLen]
	defer pool.CellBufferPool.Put(frame)

	binary.BigEndian.PutUint16(frame[0:2], c.CircID)
	frame[2] = byte(c.Command)
	n := copy(frame[3:], c.Payload)
	for i := 3 + n; i < CellLen; i++ {
		frame[i] = 0
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write fixed cell: %w", err)
	}
	return nil
}

// DecodeCell reads one cell from the provided reader. A truncated fixed
// cell surfaces as the underlying io error from io.ReadFull (typically
// io.ErrUnexpectedEOF); decoding never allocates beyond the one cell being read.
func DecodeCell(r io.Reader) (*Cell, error) {
	var hdr [CircIDLen + CmdLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("read cell header: %w", err)
	}

	c := &Cell{
		CircID:  binary.BigEndian.Uint16(hdr[0:2]),
		Command: Command(hdr[2]),
	}

	if c.Command.IsVariableLength() {
		var lenBuf [2]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return nil, fmt.Errorf("read variable cell length: %w", err)
		}
		payloadLen := binary.BigEndian.Uint16(lenBuf[:])
		c.Payload = make([]byte, payloadLen)
		if _, err := io.ReadFull(r, c.Payload); err != nil {
			return nil, fmt.Errorf("read variable cell payload: %w", err)
		}
		return c, nil
	}

	c.Payload = make([]byte, PayloadLen)
	if _, err := io.ReadFull(r, c.Payload); err != nil {
		return nil, fmt.Errorf("read fixed cell payload: %w", err)
	}
	return c, nil
}
