package cryptopath

import (
	"crypto/subtle"
	"encoding"
	"encoding/binary"
	"hash"

	"github.com/opd-ai/go-tor/pkg/cell"
	torerr "github.com/opd-ai/go-tor/pkg/errors"
)

// Direction identifies which of a hop's two running digests and stream
// ciphers applies to a relay cell: Forward cells travel away from the
// circuit's origin (client toward exit), Backward cells travel toward it.
// The origin and the hop derive identical key material from the same
// handshake, so both sides advance the same digest for a given direction
// in lockstep — one stamping on send, the other checking on receive.
type Direction int

const (
	Forward Direction = iota
	Backward
)

func (hk *HopKeys) digestFor(dir Direction) hash.Hash {
	if dir == Forward {
		return hk.ForwardDigest
	}
	return hk.BackwardDigest
}

// StampDigest implements spec.md §4.4's digest update rule for a relay cell
// being sent through a hop in direction dir: the header digest field is
// zeroed, the hop's running digest for dir is updated with the full
// payload, and the first four bytes of the new digest are written back
// into the header.
func (hk *HopKeys) StampDigest(dir Direction, payload []byte) {
	zeroed := cell.ZeroDigestField(payload)
	d := hk.digestFor(dir)
	d.Write(zeroed) //nolint:errcheck // hash.Hash.Write never errors
	sum := d.Sum(nil)
	copy(payload[5:9], sum[:4])
}

// Recognize implements the receive side of the digest update rule: the
// header's recognized field must be zero and its digest field must equal
// the first four bytes of the running digest after absorbing the
// payload-with-digest-zeroed. A match means "recognized here, consume" and
// commits the update; a mismatch means the cell belongs to a hop further
// along the path — the running digest is restored so the cell can be
// forwarded without desynchronizing this hop.
func (hk *HopKeys) Recognize(dir Direction, payload []byte) bool {
	if len(payload) < 11 || binary.BigEndian.Uint16(payload[1:3]) != 0 {
		return false
	}
	zeroed := cell.ZeroDigestField(payload)
	d := hk.digestFor(dir)

	saved, err := SnapshotDigest(d)
	if err != nil {
		return false
	}
	d.Write(zeroed) //nolint:errcheck // hash.Hash.Write never errors
	sum := d.Sum(nil)
	if subtle.ConstantTimeCompare(sum[:4], payload[5:9]) == 1 {
		return true
	}
	RestoreDigest(d, saved) //nolint:errcheck // state came from SnapshotDigest
	return false
}

// SnapshotDigest captures a running digest's internal state so a candidate
// cell can be hashed speculatively and the state rolled back when the cell
// turns out to belong to a different hop.
func SnapshotDigest(h hash.Hash) ([]byte, error) {
	m, ok := h.(encoding.BinaryMarshaler)
	if !ok {
		return nil, torerr.InternalErr("digest does not support state snapshot", nil)
	}
	return m.MarshalBinary()
}

// RestoreDigest rewinds a running digest to a state captured by
// SnapshotDigest.
func RestoreDigest(h hash.Hash, state []byte) error {
	u, ok := h.(encoding.BinaryUnmarshaler)
	if !ok {
		return torerr.InternalErr("digest does not support state restore", nil)
	}
	return u.UnmarshalBinary(state)
}
