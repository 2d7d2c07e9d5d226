// Package policy implements the exit-policy engine (C10): canonicalizing
// accept/reject address-port rule lists and answering whether a policy
// allows a given addr:port with definite or probable verdicts.
//
// New package; no teacher file implements this end to end. Grounded on the
// well-known address-policy rule shape referenced throughout the example
// pack (route-prefix/mask matching idioms shared with longest-prefix BGP
// code) and built directly from spec.md §4.10, since nothing in the pack
// implements canonicalization + PROBABLY/DEFINITE verdicts together.
package policy

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Verdict is the answer Evaluate returns.
type Verdict int

const (
	Rejected Verdict = iota
	ProbablyRejected
	Accepted
	ProbablyAccepted
)

func (v Verdict) String() string {
	switch v {
	case Rejected:
		return "REJECTED"
	case ProbablyRejected:
		return "PROBABLY_REJECTED"
	case Accepted:
		return "ACCEPTED"
	case ProbablyAccepted:
		return "PROBABLY_ACCEPTED"
	default:
		return "UNKNOWN"
	}
}

// Action is the rule's verdict contribution.
type Action int

const (
	Accept Action = iota
	Reject
)

// Family distinguishes IPv4 and IPv6 rules. spec.md §9 leaves this an open
// question ("fork the evaluator, or make it address-family polymorphic");
// DESIGN.md records the decision to fork: a rule only ever matches queries
// of its own family, and an address of the "wrong" family for a rule is
// treated as unknown (maybe-match), never a hard reject.
type Family int

const (
	FamilyIPv4 Family = iota
	FamilyIPv6
)

// Rule is one canonical accept/reject entry: an address mask plus a port
// range.
type Rule struct {
	Action   Action
	Family   Family
	Net      *net.IPNet // nil means "any address" for this family
	PortLow  uint16
	PortHigh uint16
}

func (r *Rule) matchesAddrDefinitely(addr net.IP) bool {
	if r.Net == nil {
		return true
	}
	return r.Net.Contains(addr)
}

func (r *Rule) family(addr net.IP) Family {
	if addr.To4() != nil {
		return FamilyIPv4
	}
	return FamilyIPv6
}

func (r *Rule) key() string {
	net := "*"
	if r.Net != nil {
		net = r.Net.String()
	}
	return fmt.Sprintf("%d:%d:%s:%d-%d", r.Action, r.Family, net, r.PortLow, r.PortHigh)
}

// Policy is an ordered list of rules.
type Policy struct {
	Rules []*Rule
}

// interner shares identical canonical rules by reference, per spec.md
// §4.10's "Canonical interning: identical rules are shared by reference
// count to reduce memory across relay exit policies."
type interner struct {
	entries map[string]*internedRule
}

type internedRule struct {
	rule  *Rule
	count int
}

func newInterner() *interner {
	return &interner{entries: make(map[string]*internedRule)}
}

func (in *interner) intern(r *Rule) *Rule {
	k := r.key()
	if e, ok := in.entries[k]; ok {
		e.count++
		return e.rule
	}
	in.entries[k] = &internedRule{rule: r, count: 1}
	return r
}

// defaultInterner is process-wide: relay exit policies parsed from the same
// consensus snapshot tend to repeat identical rules verbatim.
var defaultInterner = newInterner()

// privatePrefixes is the fixed RFC1918/loopback/link-local expansion of the
// "private" policy shorthand, per spec.md §4.10.
var privatePrefixes = []string{
	"0.0.0.0/8",
	"10.0.0.0/8",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"::1/128",
	"fe80::/10",
	"fc00::/7",
}

// ParseRule parses one textual rule of the form "accept|reject ADDR:PORT",
// where ADDR is "*", "private", a bare address, or a CIDR, and PORT is "*",
// a single port, or "low-high". This is a convenience for tests and for
// relay descriptors that carry exit-policy lines in this form; spec.md
// itself only specifies the in-memory Rule shape.
func ParseRule(line string) ([]*Rule, error) {
	fields := strings.Fields(strings.TrimSpace(line))
	if len(fields) != 2 {
		return nil, fmt.Errorf("malformed policy rule %q", line)
	}

	var action Action
	switch strings.ToLower(fields[0]) {
	case "accept":
		action = Accept
	case "reject":
		action = Reject
	default:
		return nil, fmt.Errorf("unknown action %q", fields[0])
	}

	addrPort := fields[1]
	idx := strings.LastIndex(addrPort, ":")
	if idx < 0 {
		return nil, fmt.Errorf("malformed addr:port %q", addrPort)
	}
	addrPart, portPart := addrPort[:idx], addrPort[idx+1:]

	low, high, err := parsePortRange(portPart)
	if err != nil {
		return nil, err
	}

	if strings.EqualFold(addrPart, "private") {
		rules := make([]*Rule, 0, len(privatePrefixes))
		for _, p := range privatePrefixes {
			r, err := newAddrRule(action, p, low, high)
			if err != nil {
				return nil, err
			}
			rules = append(rules, r)
		}
		return rules, nil
	}

	r, err := newAddrRule(action, addrPart, low, high)
	if err != nil {
		return nil, err
	}
	return []*Rule{r}, nil
}

func parsePortRange(s string) (uint16, uint16, error) {
	if s == "*" {
		return 0, 65535, nil
	}
	if dash := strings.Index(s, "-"); dash >= 0 {
		lo, err := strconv.ParseUint(s[:dash], 10, 16)
		if err != nil {
			return 0, 0, fmt.Errorf("bad port range %q: %w", s, err)
		}
		hi, err := strconv.ParseUint(s[dash+1:], 10, 16)
		if err != nil {
			return 0, 0, fmt.Errorf("bad port range %q: %w", s, err)
		}
		return uint16(lo), uint16(hi), nil
	}
	p, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("bad port %q: %w", s, err)
	}
	return uint16(p), uint16(p), nil
}

func newAddrRule(action Action, addr string, low, high uint16) (*Rule, error) {
	if addr == "*" {
		return &Rule{Action: action, Family: FamilyIPv4, Net: nil, PortLow: low, PortHigh: high}, nil
	}

	var ipnet *net.IPNet
	if strings.Contains(addr, "/") {
		_, n, err := net.ParseCIDR(addr)
		if err != nil {
			return nil, fmt.Errorf("bad CIDR %q: %w", addr, err)
		}
		ipnet = n
	} else {
		ip := net.ParseIP(addr)
		if ip == nil {
			return nil, fmt.Errorf("bad address %q", addr)
		}
		bits := 32
		if ip.To4() == nil {
			bits = 128
		}
		ipnet = &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}
	}

	fam := FamilyIPv4
	if ipnet.IP.To4() == nil {
		fam = FamilyIPv6
	}
	return &Rule{Action: action, Family: fam, Net: ipnet, PortLow: low, PortHigh: high}, nil
}

// New builds a Policy from a sequence of textual rules, in order.
func New(lines ...string) (*Policy, error) {
	p := &Policy{}
	for _, line := range lines {
		rules, err := ParseRule(line)
		if err != nil {
			return nil, err
		}
		p.Rules = append(p.Rules, rules...)
	}
	return p, nil
}

// Canonicalize interns each rule, truncates anything after a catch-all
// rule ("private" is already expanded by ParseRule), and drops entries made unreachable by an earlier rule whose
// address+port range already covers them. Canonicalize is idempotent:
// Canonicalize(Canonicalize(p)) == Canonicalize(p).
func Canonicalize(p *Policy) *Policy {
	out := &Policy{}

	for _, r := range p.Rules {
		out.Rules = append(out.Rules, defaultInterner.intern(r))
		if isCatchAll(r) {
			break
		}
	}

	out.Rules = dropRedundant(out.Rules)
	return out
}

func isCatchAll(r *Rule) bool {
	return r.Net == nil && r.PortLow == 0 && r.PortHigh == 65535
}

// dropRedundant removes a rule that can never be reached because an
// earlier rule's address+port range already covers it entirely: since
// rules are matched in order and the first definite match decides, any
// traffic matching the later rule already matched the earlier one, making
// the later rule dead regardless of whether the two verdicts agree.
func dropRedundant(rules []*Rule) []*Rule {
	out := make([]*Rule, 0, len(rules))
	for i, r := range rules {
		redundant := false
		for j := 0; j < i; j++ {
			if rules[j].Family == r.Family && covers(rules[j], r) {
				redundant = true
				break
			}
		}
		if !redundant {
			out = append(out, r)
		}
	}
	return out
}

// covers reports whether a fully contains b's address range and port range.
func covers(a, b *Rule) bool {
	if a.PortLow > b.PortLow || a.PortHigh < b.PortHigh {
		return false
	}
	if a.Net == nil {
		return true
	}
	if b.Net == nil {
		return false
	}
	aOnes, aBits := a.Net.Mask.Size()
	bOnes, bBits := b.Net.Mask.Size()
	if aBits != bBits || aOnes > bOnes {
		return false
	}
	return a.Net.Contains(b.Net.IP)
}

// Evaluate answers whether policy p allows addr:port, per spec.md §4.10.
// Either addr or port may be nil/unknown, yielding maybe-matches; the
// first definite match decides, tainted to PROBABLY if an earlier
// opposite-verdict maybe-match was seen. Falling through to the implicit
// default is ACCEPTED (or PROBABLY_ACCEPTED if tainted).
func Evaluate(addr net.IP, port *uint16, p *Policy) Verdict {
	taintedReject := false
	taintedAccept := false

	for _, r := range p.Rules {
		addrKnown := addr != nil
		portKnown := port != nil

		addrCompatible := !addrKnown || (sameFamily(r, addr) && r.matchesAddrDefinitely(addr))
		addrMaybeOnly := addrKnown && !sameFamily(r, addr)
		portCompatible := !portKnown || (*port >= r.PortLow && *port <= r.PortHigh)

		definite := addrKnown && portKnown && !addrMaybeOnly && addrCompatible && portCompatible
		maybe := !definite && ((addrCompatible || addrMaybeOnly) && portCompatible)

		if definite {
			if r.Action == Accept {
				if taintedReject {
					return ProbablyAccepted
				}
				return Accepted
			}
			if taintedAccept {
				return ProbablyRejected
			}
			return Rejected
		}

		if maybe {
			if r.Action == Accept {
				taintedAccept = true
			} else {
				taintedReject = true
			}
		}
	}

	if taintedReject {
		return ProbablyAccepted
	}
	return Accepted
}

func sameFamily(r *Rule, addr net.IP) bool {
	fam := FamilyIPv4
	if addr.To4() == nil {
		fam = FamilyIPv6
	}
	return r.Family == fam
}
