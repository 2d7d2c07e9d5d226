// Package path: entry-guard persistence and selection (C9).
package path

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/opd-ai/go-tor/pkg/directory"
	"github.com/opd-ai/go-tor/pkg/logger"
)

// maxGuards is the default target size of the guard list.
const maxGuards = 3

// badSinceExpiry is how long a guard may sit in the bad_since state before
// it is dropped from the list entirely.
const badSinceExpiry = 30 * 24 * time.Hour

// ClientVersion identifies this implementation in persisted chosen_by_version
// records; it has no protocol meaning beyond that.
const ClientVersion = "go-tor-core/1"

// saveInterval bounds how often a dirty guard list is actually rewritten to
// disk, per the persistence model's dirty-flag-plus-timer requirement.
const saveInterval = 10 * time.Minute

// guardTimeLayout is the timestamp format used in the guard state file.
const guardTimeLayout = "2006-01-02 15:04:05"

// GuardState is the persistent guard list.
type GuardState struct {
	Guards      []GuardEntry
	LastUpdated time.Time
}

// GuardEntry is one persisted entry-guard record. MadeContact and CanRetry
// are runtime state: they are not written to the state file and reset on
// load.
type GuardEntry struct {
	Fingerprint      string
	Nickname         string
	ChosenOnDate     time.Time
	ChosenByVersion  string
	MadeContact      bool
	CanRetry         bool
	BadSince         *time.Time
	UnreachableSince *time.Time
	LastAttempted    *time.Time
}

// GuardStats summarizes the guard list for reporting.
type GuardStats struct {
	TotalGuards     int
	ConfirmedGuards int
	LastUpdated     time.Time
}

// GuardManager maintains the ordered, persistent entry-guard list.
type GuardManager struct {
	logger    *logger.Logger
	stateFile string

	mu    sync.Mutex
	state GuardState
	dirty bool
	lastSaved time.Time
}

// NewGuardManager creates a guard manager rooted at dataDir, loading any
// existing persisted list.
func NewGuardManager(dataDir string, log *logger.Logger) (*GuardManager, error) {
	if log == nil {
		log = logger.NewDefault()
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create guard data directory: %w", err)
	}

	gm := &GuardManager{
		logger:    log.Component("guards"),
		stateFile: filepath.Join(dataDir, "guard_state"),
	}
	if err := gm.load(); err != nil && !os.IsNotExist(err) {
		gm.logger.Warn("failed to load guard state", "error", err)
	}
	return gm, nil
}

func (gm *GuardManager) load() error {
	gm.mu.Lock()
	defer gm.mu.Unlock()

	data, err := os.ReadFile(gm.stateFile)
	if err != nil {
		return err
	}
	guards, err := parseGuardState(string(data), gm.logger)
	if err != nil {
		// An unparseable value aborts the load of the entire section; the
		// in-memory list stays empty and a fresh list will be built.
		return fmt.Errorf("parse guard state: %w", err)
	}
	gm.state.Guards = guards
	gm.logger.Info("loaded guard state", "guards", len(gm.state.Guards))
	return nil
}

// parseGuardState reads the one-directive-per-line guard state format.
// Directive keys are case-insensitive. Each guard's EntryGuardDownSince /
// EntryGuardUnlistedSince / EntryGuardAddedBy lines must follow its
// EntryGuard line. Unknown keys are warned and skipped; a malformed value
// fails the whole parse.
func parseGuardState(data string, log *logger.Logger) ([]GuardEntry, error) {
	var guards []GuardEntry
	current := -1

	for lineNo, raw := range strings.Split(data, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		key := strings.ToLower(fields[0])

		switch key {
		case "entryguard":
			if len(fields) != 3 {
				return nil, fmt.Errorf("line %d: EntryGuard wants <nickname> <hex-identity>, got %d fields", lineNo+1, len(fields)-1)
			}
			guards = append(guards, GuardEntry{
				Nickname:    fields[1],
				Fingerprint: strings.ToUpper(fields[2]),
				CanRetry:    true,
			})
			current = len(guards) - 1

		case "entryguarddownsince":
			if current < 0 {
				return nil, fmt.Errorf("line %d: EntryGuardDownSince before any EntryGuard", lineNo+1)
			}
			if len(fields) != 3 && len(fields) != 5 {
				return nil, fmt.Errorf("line %d: EntryGuardDownSince wants one or two timestamps", lineNo+1)
			}
			down, err := time.Parse(guardTimeLayout, fields[1]+" "+fields[2])
			if err != nil {
				return nil, fmt.Errorf("line %d: bad down-since time: %w", lineNo+1, err)
			}
			guards[current].UnreachableSince = &down
			if len(fields) == 5 {
				attempted, err := time.Parse(guardTimeLayout, fields[3]+" "+fields[4])
				if err != nil {
					return nil, fmt.Errorf("line %d: bad last-attempted time: %w", lineNo+1, err)
				}
				guards[current].LastAttempted = &attempted
			}

		case "entryguardunlistedsince":
			if current < 0 {
				return nil, fmt.Errorf("line %d: EntryGuardUnlistedSince before any EntryGuard", lineNo+1)
			}
			if len(fields) != 3 {
				return nil, fmt.Errorf("line %d: EntryGuardUnlistedSince wants one timestamp", lineNo+1)
			}
			bad, err := time.Parse(guardTimeLayout, fields[1]+" "+fields[2])
			if err != nil {
				return nil, fmt.Errorf("line %d: bad unlisted-since time: %w", lineNo+1, err)
			}
			guards[current].BadSince = &bad

		case "entryguardaddedby":
			if current < 0 {
				return nil, fmt.Errorf("line %d: EntryGuardAddedBy before any EntryGuard", lineNo+1)
			}
			if len(fields) != 5 {
				return nil, fmt.Errorf("line %d: EntryGuardAddedBy wants <hex-identity> <version> <time>", lineNo+1)
			}
			chosen, err := time.Parse(guardTimeLayout, fields[3]+" "+fields[4])
			if err != nil {
				return nil, fmt.Errorf("line %d: bad added-by time: %w", lineNo+1, err)
			}
			guards[current].ChosenByVersion = fields[2]
			guards[current].ChosenOnDate = chosen

		default:
			log.Warn("unknown guard state directive", "key", fields[0], "line", lineNo+1)
		}
	}
	return guards, nil
}

// Save rewrites the state file unconditionally.
func (gm *GuardManager) Save() error {
	gm.mu.Lock()
	defer gm.mu.Unlock()
	return gm.saveLocked()
}

func (gm *GuardManager) saveLocked() error {
	gm.state.LastUpdated = time.Now()

	var b strings.Builder
	for _, e := range gm.state.Guards {
		fmt.Fprintf(&b, "EntryGuard %s %s\n", e.Nickname, e.Fingerprint)
		if e.UnreachableSince != nil {
			fmt.Fprintf(&b, "EntryGuardDownSince %s", e.UnreachableSince.UTC().Format(guardTimeLayout))
			if e.LastAttempted != nil {
				fmt.Fprintf(&b, " %s", e.LastAttempted.UTC().Format(guardTimeLayout))
			}
			b.WriteString("\n")
		}
		if e.BadSince != nil {
			fmt.Fprintf(&b, "EntryGuardUnlistedSince %s\n", e.BadSince.UTC().Format(guardTimeLayout))
		}
		fmt.Fprintf(&b, "EntryGuardAddedBy %s %s %s\n",
			e.Fingerprint, e.ChosenByVersion, e.ChosenOnDate.UTC().Format(guardTimeLayout))
	}

	tmp := gm.stateFile + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0o600); err != nil {
		return fmt.Errorf("write guard state: %w", err)
	}
	if err := os.Rename(tmp, gm.stateFile); err != nil {
		return fmt.Errorf("rename guard state: %w", err)
	}
	gm.dirty = false
	gm.lastSaved = time.Now()
	return nil
}

// maybeSaveLocked rewrites the state file only if dirty and the save
// interval has elapsed, per the "dirty flag triggers a rewrite at most
// every 10 minutes" persistence model.
func (gm *GuardManager) maybeSaveLocked() {
	if !gm.dirty {
		return
	}
	if time.Since(gm.lastSaved) < saveInterval {
		return
	}
	if err := gm.saveLocked(); err != nil {
		gm.logger.Warn("failed to save guard state", "error", err)
	}
}

func retryAfter(diff time.Duration) time.Duration {
	switch {
	case diff < 6*time.Hour:
		return 1 * time.Hour
	case diff < 3*24*time.Hour:
		return 4 * time.Hour
	case diff < 7*24*time.Hour:
		return 18 * time.Hour
	default:
		return 36 * time.Hour
	}
}

// isLiveAndUsable reports whether entry is currently eligible for use: not
// marked bad, and — if unreachable — past its retry window.
func isLiveAndUsable(entry GuardEntry, now time.Time) bool {
	if entry.BadSince != nil {
		return false
	}
	if entry.UnreachableSince == nil {
		return true
	}
	diff := now.Sub(*entry.UnreachableSince)
	wait := retryAfter(diff)
	if entry.LastAttempted != nil && now.Sub(*entry.LastAttempted) < wait {
		return false
	}
	return true
}

func (gm *GuardManager) findLocked(fingerprint string) int {
	for i := range gm.state.Guards {
		if gm.state.Guards[i].Fingerprint == fingerprint {
			return i
		}
	}
	return -1
}

// ChooseEntry implements choose_entry: it returns the first live, usable
// guard, growing the persisted list from candidates (already filtered to
// the Guard-flagged relay pool by the caller) when fewer than maxGuards
// live entries exist. excludeFamily, when non-nil, is the already-chosen
// exit whose family a guard must not share.
func (gm *GuardManager) ChooseEntry(candidates []*directory.Relay, excludeFamily *directory.Relay) (*directory.Relay, error) {
	gm.mu.Lock()
	defer func() {
		gm.maybeSaveLocked()
		gm.mu.Unlock()
	}()

	now := time.Now()
	byFingerprint := make(map[string]*directory.Relay, len(candidates))
	for _, c := range candidates {
		byFingerprint[c.Fingerprint] = c
	}

	liveCount := 0
	for _, e := range gm.state.Guards {
		if isLiveAndUsable(e, now) {
			liveCount++
		}
	}

	if liveCount < maxGuards && len(gm.state.Guards) < maxGuards {
		gm.appendCandidateLocked(candidates, byFingerprint)
	}

	for _, e := range gm.state.Guards {
		if !isLiveAndUsable(e, now) {
			continue
		}
		relay, ok := byFingerprint[e.Fingerprint]
		if !ok {
			continue
		}
		if excludeFamily != nil && relay.SameFamily(excludeFamily) {
			continue
		}
		return relay, nil
	}

	// No persisted guard is usable right now; fall through to a one-off
	// pick so circuit building isn't blocked on persistence state alone.
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no guard candidates available")
	}
	return weightedPick(candidates, guardPositionWeight)
}

func (gm *GuardManager) appendCandidateLocked(candidates []*directory.Relay, existing map[string]*directory.Relay) (*directory.Relay, error) {
	fresh := make([]*directory.Relay, 0, len(candidates))
	for _, c := range candidates {
		if gm.findLocked(c.Fingerprint) < 0 {
			fresh = append(fresh, c)
		}
	}
	if len(fresh) == 0 {
		return nil, fmt.Errorf("no fresh guard candidates")
	}
	pick, err := weightedPick(fresh, guardPositionWeight)
	if err != nil {
		return nil, err
	}
	gm.state.Guards = append(gm.state.Guards, GuardEntry{
		Fingerprint:     pick.Fingerprint,
		Nickname:        pick.Nickname,
		ChosenOnDate:    time.Now(),
		ChosenByVersion: ClientVersion,
		CanRetry:        true,
	})
	gm.dirty = true
	gm.logger.Info("added guard", "nickname", pick.Nickname, "fingerprint", pick.Fingerprint)
	existing[pick.Fingerprint] = pick
	return pick, nil
}

// RegisterConnectStatus implements register_connect_status: it updates
// made_contact, unreachable_since, and last_attempted for the named guard.
// On a guard's first-ever successful contact, every other guard's
// can_retry is set so earlier, preferred guards get another chance.
func (gm *GuardManager) RegisterConnectStatus(fingerprint string, succeeded bool) {
	gm.mu.Lock()
	defer func() {
		gm.maybeSaveLocked()
		gm.mu.Unlock()
	}()

	i := gm.findLocked(fingerprint)
	if i < 0 {
		return
	}
	now := time.Now()
	gm.state.Guards[i].LastAttempted = &now
	gm.dirty = true

	if succeeded {
		firstContact := !gm.state.Guards[i].MadeContact
		gm.state.Guards[i].MadeContact = true
		gm.state.Guards[i].UnreachableSince = nil
		if firstContact {
			for j := range gm.state.Guards {
				if j != i {
					gm.state.Guards[j].CanRetry = true
				}
			}
		}
		gm.logger.Info("guard connect succeeded", "fingerprint", fingerprint)
		return
	}

	if gm.state.Guards[i].UnreachableSince == nil {
		gm.state.Guards[i].UnreachableSince = &now
	}
	gm.logger.Info("guard connect failed", "fingerprint", fingerprint)
}

// UpdateStatusFromDirectory implements update_status_from_directory: it
// marks bad_since for guards absent from the current consensus snapshot
// and clears it for guards present again, then drops guards whose
// bad_since is older than 30 days.
func (gm *GuardManager) UpdateStatusFromDirectory(present []*directory.Relay) {
	gm.mu.Lock()
	defer func() {
		gm.maybeSaveLocked()
		gm.mu.Unlock()
	}()

	now := time.Now()
	byFingerprint := make(map[string]bool, len(present))
	for _, r := range present {
		byFingerprint[r.Fingerprint] = true
	}

	kept := gm.state.Guards[:0]
	for _, e := range gm.state.Guards {
		if byFingerprint[e.Fingerprint] {
			if e.BadSince != nil {
				e.BadSince = nil
				gm.dirty = true
				gm.logger.Info("guard listed again", "fingerprint", e.Fingerprint)
			}
		} else if e.BadSince == nil {
			bad := now
			e.BadSince = &bad
			gm.dirty = true
			gm.logger.Info("guard unlisted", "fingerprint", e.Fingerprint)
		}

		if e.BadSince != nil && now.Sub(*e.BadSince) > badSinceExpiry {
			gm.dirty = true
			gm.logger.Info("dropping expired-bad guard", "fingerprint", e.Fingerprint)
			continue
		}
		kept = append(kept, e)
	}
	gm.state.Guards = kept
}

// CleanupExpired drops guards whose bad_since has exceeded the retention
// window, independent of a fresh directory fetch.
func (gm *GuardManager) CleanupExpired() {
	gm.mu.Lock()
	defer func() {
		gm.maybeSaveLocked()
		gm.mu.Unlock()
	}()

	now := time.Now()
	kept := gm.state.Guards[:0]
	for _, e := range gm.state.Guards {
		if e.BadSince != nil && now.Sub(*e.BadSince) > badSinceExpiry {
			gm.dirty = true
			gm.logger.Info("removed expired guard", "fingerprint", e.Fingerprint)
			continue
		}
		kept = append(kept, e)
	}
	gm.state.Guards = kept
}

// GetStats summarizes the guard list.
func (gm *GuardManager) GetStats() GuardStats {
	gm.mu.Lock()
	defer gm.mu.Unlock()

	confirmed := 0
	for _, e := range gm.state.Guards {
		if e.MadeContact {
			confirmed++
		}
	}
	return GuardStats{
		TotalGuards:     len(gm.state.Guards),
		ConfirmedGuards: confirmed,
		LastUpdated:     gm.state.LastUpdated,
	}
}

// GetGuards returns a snapshot of the persisted guard list.
func (gm *GuardManager) GetGuards() []GuardEntry {
	gm.mu.Lock()
	defer gm.mu.Unlock()
	out := make([]GuardEntry, len(gm.state.Guards))
	copy(out, gm.state.Guards)
	return out
}

// RemoveGuard drops a guard from the persisted list by fingerprint.
func (gm *GuardManager) RemoveGuard(fingerprint string) error {
	gm.mu.Lock()
	defer func() {
		gm.maybeSaveLocked()
		gm.mu.Unlock()
	}()

	i := gm.findLocked(fingerprint)
	if i < 0 {
		return fmt.Errorf("guard not found: %s", fingerprint)
	}
	gm.state.Guards = append(gm.state.Guards[:i], gm.state.Guards[i+1:]...)
	gm.dirty = true
	return nil
}
