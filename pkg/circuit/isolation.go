// Package circuit provides circuit isolation functionality.
package circuit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	torerr "github.com/opd-ai/go-tor/pkg/errors"
)

// IsolationLevel selects the dimension two streams are compared on before
// they're allowed to share a circuit. A SOCKS5 listener picks one per
// configuration (or per connection, via username/password) so unrelated
// activity never lands on the same circuit.
type IsolationLevel int

const (
	// IsolationNone disables isolation: any stream may share any circuit.
	IsolationNone IsolationLevel = iota
	// IsolationDestination isolates by the stream's target host:port.
	IsolationDestination
	// IsolationCredential isolates by the SOCKS5 username supplied at connect.
	IsolationCredential
	// IsolationPort isolates by the client's local source port.
	IsolationPort
	// IsolationSession isolates by an explicit caller-supplied token.
	IsolationSession
)

func (l IsolationLevel) String() string {
	switch l {
	case IsolationNone:
		return "none"
	case IsolationDestination:
		return "destination"
	case IsolationCredential:
		return "credential"
	case IsolationPort:
		return "port"
	case IsolationSession:
		return "session"
	default:
		return fmt.Sprintf("unknown(%d)", int(l))
	}
}

// ParseIsolationLevel parses a torrc-style isolation setting.
func ParseIsolationLevel(s string) (IsolationLevel, error) {
	switch strings.ToLower(s) {
	case "none":
		return IsolationNone, nil
	case "destination":
		return IsolationDestination, nil
	case "credential", "credentials":
		return IsolationCredential, nil
	case "port":
		return IsolationPort, nil
	case "session":
		return IsolationSession, nil
	default:
		return IsolationNone, torerr.ProtocolErr(fmt.Sprintf("unknown isolation level %q", s), nil)
	}
}

// hashSecret collapses an arbitrary credential string to a fixed-length
// SHA-256 hex digest, so a crash dump or log line never carries the raw
// SOCKS5 username or session token a caller supplied.
func hashSecret(raw string) string {
	if raw == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// IsolationKey identifies the isolation bucket a stream belongs to. Two
// streams only share a circuit when their keys compare Equal; the circuit
// pool uses Key() as its lookup key and logs use String() to avoid
// leaking the raw field.
type IsolationKey struct {
	Level        IsolationLevel
	Destination  string // host:port, Level == IsolationDestination
	Credentials  string // hashed SOCKS5 username, Level == IsolationCredential
	SourcePort   uint16 // Level == IsolationPort
	SessionToken string // hashed caller token, Level == IsolationSession
}

// NewIsolationKey starts an isolation key at the given level; the With*
// setters below fill in the field that level actually compares on.
func NewIsolationKey(level IsolationLevel) *IsolationKey {
	return &IsolationKey{Level: level}
}

func (k *IsolationKey) WithDestination(dest string) *IsolationKey {
	k.Destination = dest
	return k
}

func (k *IsolationKey) WithCredentials(username string) *IsolationKey {
	k.Credentials = hashSecret(username)
	return k
}

func (k *IsolationKey) WithSourcePort(port uint16) *IsolationKey {
	k.SourcePort = port
	return k
}

func (k *IsolationKey) WithSessionToken(token string) *IsolationKey {
	k.SessionToken = hashSecret(token)
	return k
}

// comparable returns the single field this key's level actually compares
// on, and a short form of it safe to log (hashes truncated to 8 hex
// characters so a log line never reveals the full digest).
func (k *IsolationKey) comparable() (full, short string) {
	switch k.Level {
	case IsolationDestination:
		return k.Destination, k.Destination
	case IsolationCredential:
		return k.Credentials, truncateHash(k.Credentials)
	case IsolationPort:
		p := fmt.Sprintf("%d", k.SourcePort)
		return p, p
	case IsolationSession:
		return k.SessionToken, truncateHash(k.SessionToken)
	default:
		return "", ""
	}
}

func truncateHash(s string) string {
	const shown = 8
	if len(s) <= shown {
		return s
	}
	return s[:shown] + "..."
}

// String renders the key for logging: the level plus a truncated view of
// whichever field that level compares on.
func (k *IsolationKey) String() string {
	if k == nil || k.Level == IsolationNone {
		return "none"
	}
	_, short := k.comparable()
	if short == "" {
		return fmt.Sprintf("level=%s", k.Level)
	}
	return fmt.Sprintf("level=%s,%s=%s", k.Level, fieldName(k.Level), short)
}

func fieldName(l IsolationLevel) string {
	switch l {
	case IsolationDestination:
		return "dest"
	case IsolationCredential:
		return "creds"
	case IsolationPort:
		return "port"
	case IsolationSession:
		return "session"
	default:
		return "value"
	}
}

// Key returns the exact (unredacted) string used as a circuit pool map
// key, so two streams in the same bucket produce identical keys.
func (k *IsolationKey) Key() string {
	if k == nil || k.Level == IsolationNone {
		return ""
	}
	full, _ := k.comparable()
	return fmt.Sprintf("%s:%s", fieldName(k.Level), full)
}

// Equals reports whether two streams belong in the same isolation bucket.
func (k *IsolationKey) Equals(other *IsolationKey) bool {
	if k == nil && other == nil {
		return true
	}
	if k == nil || other == nil {
		return false
	}
	if k.Level != other.Level {
		return false
	}
	if k.Level == IsolationNone {
		return true
	}
	kv, _ := k.comparable()
	ov, _ := other.comparable()
	return kv == ov
}

// Validate checks that the key carries the field its level requires, so a
// misconfigured SOCKS5 listener fails at connect time rather than silently
// isolating nothing.
func (k *IsolationKey) Validate() error {
	if k == nil {
		return torerr.ProtocolErr("isolation key is nil", nil)
	}

	switch k.Level {
	case IsolationNone:
		return nil
	case IsolationDestination:
		if k.Destination == "" {
			return torerr.ProtocolErr("destination isolation requires a destination", nil)
		}
		if !strings.Contains(k.Destination, ":") {
			return torerr.ProtocolErr(fmt.Sprintf("invalid destination %q, want host:port", k.Destination), nil)
		}
	case IsolationCredential:
		if k.Credentials == "" {
			return torerr.ProtocolErr("credential isolation requires credentials", nil)
		}
	case IsolationPort:
		if k.SourcePort == 0 {
			return torerr.ProtocolErr("port isolation requires a non-zero source port", nil)
		}
	case IsolationSession:
		if k.SessionToken == "" {
			return torerr.ProtocolErr("session isolation requires a session token", nil)
		}
	default:
		return torerr.ProtocolErr(fmt.Sprintf("unknown isolation level %d", int(k.Level)), nil)
	}

	return nil
}

// Clone returns an independent copy of the key.
func (k *IsolationKey) Clone() *IsolationKey {
	if k == nil {
		return nil
	}
	cloned := *k
	return &cloned
}
