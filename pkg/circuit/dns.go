// Package circuit provides DNS resolution through Tor circuits.
package circuit

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/opd-ai/go-tor/pkg/cell"
	torerr "github.com/opd-ai/go-tor/pkg/errors"
)

// DNS record and error codes carried in RELAY_RESOLVE/RELAY_RESOLVED,
// tor-spec.txt §6.4.
const (
	dnsTypeHostname = 0x00
	dnsTypeIPv4     = 0x04
	dnsTypeIPv6     = 0x06
	dnsTypeError    = 0xF0
	dnsTypeErrorTTL = 0xF1
)

// exported aliases, kept under their original names for callers that
// referenced the pre-adaptation constant spelling.
const (
	DNSTypeHostname = dnsTypeHostname
	DNSTypeIPv4     = dnsTypeIPv4
	DNSTypeIPv6     = dnsTypeIPv6
	DNSTypeError    = dnsTypeError
	DNSTypeErrorTTL = dnsTypeErrorTTL
)

// DNS error codes carried in a RELAY_RESOLVED error record, tor-spec.txt
// §6.4.
const (
	DNSErrorNone                = 0x00
	DNSErrorFormat              = 0x01
	DNSErrorServerFailure       = 0x02
	DNSErrorNotExist            = 0x03
	DNSErrorNotImplemented      = 0x04
	DNSErrorRefused             = 0x05
	DNSErrorTransientFailure    = 0xF0
	DNSErrorNonTransientFailure = 0xF1
)

const resolveTimeout = 30 * time.Second

// DNSResult is one answer out of a RELAY_RESOLVED response: either a
// hostname (PTR query), one or more addresses (forward query), or an
// error code when Type is DNSTypeError/DNSTypeErrorTTL.
type DNSResult struct {
	Type      byte
	TTL       uint32
	Addresses []net.IP
	Hostname  string
	Error     byte
}

// ResolveHostname resolves hostname to an address through the circuit's
// exit, so the lookup never touches the client's local resolver (DNS leak
// prevention, spec.md §6).
func (c *Circuit) ResolveHostname(ctx context.Context, hostname string) (*DNSResult, error) {
	if hostname == "" {
		return nil, torerr.ProtocolErr("hostname cannot be empty", nil)
	}
	return c.resolve(ctx, append([]byte(hostname), 0x00))
}

// ResolveIP performs a PTR lookup for ipAddr through the circuit's exit.
func (c *Circuit) ResolveIP(ctx context.Context, ipAddr net.IP) (*DNSResult, error) {
	payload, err := ptrQueryPayload(ipAddr)
	if err != nil {
		return nil, err
	}
	return c.resolve(ctx, payload)
}

// ptrQueryPayload builds the RELAY_RESOLVE payload for a reverse lookup:
// TYPE (1 byte) | LENGTH (1 byte) | ADDRESS.
func ptrQueryPayload(ipAddr net.IP) ([]byte, error) {
	if ipAddr == nil {
		return nil, torerr.ProtocolErr("IP address cannot be nil", nil)
	}
	if ipv4 := ipAddr.To4(); ipv4 != nil {
		payload := make([]byte, 2+len(ipv4))
		payload[0] = dnsTypeIPv4
		payload[1] = byte(len(ipv4))
		copy(payload[2:], ipv4)
		return payload, nil
	}
	if ipv6 := ipAddr.To16(); ipv6 != nil {
		payload := make([]byte, 2+len(ipv6))
		payload[0] = dnsTypeIPv6
		payload[1] = byte(len(ipv6))
		copy(payload[2:], ipv6)
		return payload, nil
	}
	return nil, torerr.ProtocolErr("invalid IP address", nil)
}

// resolve sends a RELAY_RESOLVE carrying payload over stream 0 (DNS
// queries need no stream of their own) and waits up to resolveTimeout for
// the matching RELAY_RESOLVED.
func (c *Circuit) resolve(ctx context.Context, payload []byte) (*DNSResult, error) {
	if err := c.SendRelayCell(cell.NewRelayCell(0, cell.RelayResolve, payload)); err != nil {
		return nil, err
	}

	resolveCtx, cancel := context.WithTimeout(ctx, resolveTimeout)
	defer cancel()

	resolvedCell, err := c.ReceiveRelayCell(resolveCtx)
	if err != nil {
		return nil, torerr.TimedOutErr("awaiting RELAY_RESOLVED", err)
	}
	if resolvedCell.Command != cell.RelayResolved {
		return nil, torerr.ProtocolErr(fmt.Sprintf("expected RELAY_RESOLVED, got %s", cell.RelayCmdString(resolvedCell.Command)), nil)
	}

	result, err := parseResolvedCell(resolvedCell.Data)
	if err != nil {
		return nil, err
	}
	if result.Type == dnsTypeError || result.Type == dnsTypeErrorTTL {
		return result, torerr.RemoteClosedErr(fmt.Sprintf("DNS resolution failed: error code %d", result.Error))
	}
	return result, nil
}

// parseResolvedCell decodes one RELAY_RESOLVED answer (tor-spec.txt §6.4):
// TYPE (1) | LENGTH (1) | VALUE (LENGTH) | TTL (4), repeated. Only the
// first answer is returned, matching typical resolver behavior; a caller
// needing every answer must issue its own RELAY_RESOLVE and parse the
// stream directly.
func parseResolvedCell(data []byte) (*DNSResult, error) {
	if len(data) == 0 {
		return nil, torerr.ProtocolErr("empty RELAY_RESOLVED data", nil)
	}

	offset := 0
	for offset+2 <= len(data) {
		recordType := data[offset]
		length := int(data[offset+1])
		offset += 2

		if offset+length+4 > len(data) {
			return nil, torerr.ProtocolErr("RELAY_RESOLVED record truncated", nil)
		}
		value := data[offset : offset+length]
		offset += length
		ttl := binary.BigEndian.Uint32(data[offset : offset+4])
		offset += 4

		result, err := decodeRecord(recordType, value, ttl)
		if err != nil {
			return nil, err
		}
		if result != nil {
			return result, nil
		}
		// unknown record type: skip and keep scanning
	}

	return nil, torerr.ProtocolErr("no valid DNS records found in RELAY_RESOLVED", nil)
}

// decodeRecord turns one (type, value, ttl) triple into a DNSResult, or
// returns (nil, nil) for a record type this module doesn't recognize.
func decodeRecord(recordType byte, value []byte, ttl uint32) (*DNSResult, error) {
	switch recordType {
	case dnsTypeHostname:
		hostname := string(value)
		if len(hostname) > 0 && hostname[len(hostname)-1] == 0 {
			hostname = hostname[:len(hostname)-1]
		}
		return &DNSResult{Type: dnsTypeHostname, Hostname: hostname, TTL: ttl}, nil

	case dnsTypeIPv4:
		if len(value) != 4 {
			return nil, torerr.ProtocolErr(fmt.Sprintf("invalid IPv4 address length: %d", len(value)), nil)
		}
		return &DNSResult{
			Type:      dnsTypeIPv4,
			Addresses: []net.IP{net.IPv4(value[0], value[1], value[2], value[3])},
			TTL:       ttl,
		}, nil

	case dnsTypeIPv6:
		if len(value) != 16 {
			return nil, torerr.ProtocolErr(fmt.Sprintf("invalid IPv6 address length: %d", len(value)), nil)
		}
		ip := make(net.IP, 16)
		copy(ip, value)
		return &DNSResult{Type: dnsTypeIPv6, Addresses: []net.IP{ip}, TTL: ttl}, nil

	case dnsTypeError, dnsTypeErrorTTL:
		if len(value) < 1 {
			return nil, torerr.ProtocolErr(fmt.Sprintf("invalid error record length: %d", len(value)), nil)
		}
		return &DNSResult{Type: recordType, Error: value[0], TTL: ttl}, nil

	default:
		return nil, nil
	}
}
