// Package path selects relays for circuit construction: guard, middle, and
// exit hops under exit-policy, bandwidth-weighted, and family-diversity
// constraints, plus persistent entry-guard management.
//
// Grounded on the teacher's original pkg/path/path.go selection flow
// (selectGuard/selectExit/selectMiddle/randomIndex kept as the shape of the
// API) generalized to spec.md §4.8's capped-bandwidth, per-position-weighted
// sampling instead of uniform random choice.
package path

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"sync"

	"github.com/opd-ai/go-tor/pkg/directory"
	"github.com/opd-ai/go-tor/pkg/logger"
	"github.com/opd-ai/go-tor/pkg/policy"
)

// Path is one complete three-hop route.
type Path struct {
	Guard  *directory.Relay
	Middle *directory.Relay
	Exit   *directory.Relay
}

// maxBandwidthWeight caps any single relay's contribution to the sampling
// pool, per spec.md §4.8 "sample proportional to a capped advertised
// bandwidth" — a handful of very large relays must not dominate every path.
const maxBandwidthWeight = 2_000_000

// Position-specific weight multipliers compensating for role scarcity:
// exits and guards are a minority of the network, so exit slots weight
// exits down relative to the general pool and guard slots weight guards up.
const (
	exitPositionWeight  = 0.5
	guardPositionWeight = 3.0
)

// Selector picks paths from a directory consensus snapshot.
type Selector struct {
	dir      *directory.Client
	guardMgr *GuardManager
	logger   *logger.Logger

	mu     sync.RWMutex
	guards []*directory.Relay
	relays []*directory.Relay
}

// NewSelector builds a Selector with no persistent guard manager; entry-hop
// selection falls back to a one-off weighted C8 pick every time.
func NewSelector(dir *directory.Client, log *logger.Logger) *Selector {
	if log == nil {
		log = logger.NewDefault()
	}
	return &Selector{dir: dir, logger: log.Component("path")}
}

// NewSelectorWithGuards builds a Selector that delegates entry-hop choice
// to a persistent GuardManager (C9), per spec.md §4.8's dependency on C9.
func NewSelectorWithGuards(dir *directory.Client, guardMgr *GuardManager, log *logger.Logger) *Selector {
	s := NewSelector(dir, log)
	s.guardMgr = guardMgr
	return s
}

// UpdateConsensus refreshes the relay snapshot used for selection.
func (s *Selector) UpdateConsensus(ctx context.Context) error {
	relays, err := s.dir.FetchConsensus(ctx)
	if err != nil {
		return fmt.Errorf("fetch consensus: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.relays = nil
	s.guards = nil
	for _, r := range relays {
		if !r.HasFlag("Running") || !r.HasFlag("Valid") {
			continue
		}
		s.relays = append(s.relays, r)
		if r.HasFlag("Guard") {
			s.guards = append(s.guards, r)
		}
	}

	if s.guardMgr != nil {
		s.guardMgr.UpdateStatusFromDirectory(s.guards)
	}

	s.logger.Info("updated consensus", "relays", len(s.relays), "guards", len(s.guards))
	return nil
}

// GetRelays returns the current relay snapshot.
func (s *Selector) GetRelays() []*directory.Relay {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*directory.Relay, len(s.relays))
	copy(out, s.relays)
	return out
}

// ConfirmGuard records a successful circuit build through the named guard.
func (s *Selector) ConfirmGuard(fingerprint string) {
	if s.guardMgr != nil {
		s.guardMgr.RegisterConnectStatus(fingerprint, true)
	}
}

// SelectPath picks a complete path for a circuit exiting to the given port:
// the entry first, then an exit avoiding the entry and its family, then a
// middle avoiding both and their families.
func (s *Selector) SelectPath(port int) (*Path, error) {
	s.mu.RLock()
	relayCount := len(s.relays)
	s.mu.RUnlock()
	if relayCount < 2 {
		return nil, fmt.Errorf("insufficient relays for path selection: have %d, need at least 2", relayCount)
	}

	guard, err := s.selectGuard()
	if err != nil {
		return nil, fmt.Errorf("select guard: %w", err)
	}

	exit, err := s.selectExit(port, guard)
	if err != nil {
		return nil, fmt.Errorf("select exit: %w", err)
	}

	middle, err := s.selectMiddle(guard, exit)
	if err != nil {
		return nil, fmt.Errorf("select middle: %w", err)
	}

	return &Path{Guard: guard, Middle: middle, Exit: exit}, nil
}

// selectGuard chooses the entry hop: delegated to the guard manager when
// one is configured, else a one-off weighted pick from the guard pool.
func (s *Selector) selectGuard() (*directory.Relay, error) {
	s.mu.RLock()
	guards := append([]*directory.Relay(nil), s.guards...)
	s.mu.RUnlock()

	if len(guards) == 0 {
		return nil, fmt.Errorf("no guard relays available")
	}

	if s.guardMgr != nil {
		g, err := s.guardMgr.ChooseEntry(guards, nil)
		if err == nil && g != nil {
			return g, nil
		}
	}

	return weightedPick(guards, guardPositionWeight)
}

// selectExit chooses the exit hop: must accept the requested port and must
// not be the guard or in the guard's family.
func (s *Selector) selectExit(port int, guard *directory.Relay) (*directory.Relay, error) {
	s.mu.RLock()
	relays := s.relays
	s.mu.RUnlock()

	candidates := make([]*directory.Relay, 0, len(relays))
	for _, r := range relays {
		if !r.HasFlag("Exit") {
			continue
		}
		if guard != nil && (r.Fingerprint == guard.Fingerprint || r.SameFamily(guard)) {
			continue
		}
		if !exitAllowsPort(r, port) {
			continue
		}
		candidates = append(candidates, r)
	}

	if len(candidates) == 0 {
		return nil, fmt.Errorf("no exit relay available for port %d", port)
	}
	return weightedPick(candidates, exitPositionWeight)
}

// selectMiddle chooses a hop distinct from (and not family with) both the
// guard and the exit.
func (s *Selector) selectMiddle(guard, exit *directory.Relay) (*directory.Relay, error) {
	s.mu.RLock()
	relays := s.relays
	s.mu.RUnlock()

	excluded := func(r *directory.Relay) bool {
		if guard != nil && (r.Fingerprint == guard.Fingerprint || r.SameFamily(guard)) {
			return true
		}
		if exit != nil && (r.Fingerprint == exit.Fingerprint || r.SameFamily(exit)) {
			return true
		}
		return false
	}

	candidates := make([]*directory.Relay, 0, len(relays))
	for _, r := range relays {
		if excluded(r) {
			continue
		}
		candidates = append(candidates, r)
	}

	if len(candidates) == 0 {
		return nil, fmt.Errorf("no middle relay candidates available")
	}
	return weightedPick(candidates, 1.0)
}

// exitAllowsPort reports whether r's exit policy permits the given port for
// an unknown destination address (the common case when selecting a path
// before DNS resolution has happened). A relay with no declared policy is
// treated as a universal exit for selection purposes; per-connection exit
// behavior is still governed by the relay's real policy at BEGIN time.
func exitAllowsPort(r *directory.Relay, port int) bool {
	if r.ExitPolicy == nil {
		return true
	}
	p := uint16(port)
	switch policy.Evaluate(nil, &p, r.ExitPolicy) {
	case policy.Accepted, policy.ProbablyAccepted:
		return true
	default:
		return false
	}
}

// randomIndex returns a uniformly distributed index in [0, n).
func randomIndex(n int) (int, error) {
	if n <= 0 {
		return 0, fmt.Errorf("randomIndex: n must be positive, got %d", n)
	}
	if n == 1 {
		return 0, nil
	}
	idx, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, fmt.Errorf("randomIndex: %w", err)
	}
	return int(idx.Int64()), nil
}

// weightedPick samples a relay proportional to capped bandwidth times the
// position weight, falling back to uniform choice when no relay carries
// bandwidth data. Candidates are sorted by fingerprint first so that equal
// weights resolve deterministically relative to test fixtures.
func weightedPick(candidates []*directory.Relay, positionWeight float64) (*directory.Relay, error) {
	if len(candidates) == 0 {
		return nil, fmt.Errorf("weightedPick: no candidates")
	}

	sorted := append([]*directory.Relay(nil), candidates...)
	sortRelaysByFingerprint(sorted)

	weights := make([]float64, len(sorted))
	var total float64
	for i, r := range sorted {
		bw := r.Bandwidth
		if bw > maxBandwidthWeight {
			bw = maxBandwidthWeight
		}
		if bw <= 0 {
			bw = 1
		}
		w := float64(bw) * positionWeight
		weights[i] = w
		total += w
	}

	if total <= 0 {
		idx, err := randomIndex(len(sorted))
		if err != nil {
			return nil, err
		}
		return sorted[idx], nil
	}

	target, err := randomFloat(total)
	if err != nil {
		return nil, err
	}
	var cum float64
	for i, w := range weights {
		cum += w
		if target < cum {
			return sorted[i], nil
		}
	}
	return sorted[len(sorted)-1], nil
}

func randomFloat(max float64) (float64, error) {
	const precision = 1 << 30
	n, err := rand.Int(rand.Reader, big.NewInt(precision))
	if err != nil {
		return 0, fmt.Errorf("randomFloat: %w", err)
	}
	return max * float64(n.Int64()) / precision, nil
}

func sortRelaysByFingerprint(r []*directory.Relay) {
	for i := 1; i < len(r); i++ {
		for j := i; j > 0 && r[j-1].Fingerprint > r[j].Fingerprint; j-- {
			r[j-1], r[j] = r[j], r[j-1]
		}
	}
}
