// Package client provides the high-level Tor client orchestration.
// This package integrates the directory, path selection, guard management,
// and circuit machinery into a functional client. The SOCKS5 proxy frontend
// is out of scope here (see spec non-goals); callers drive circuits directly
// through GetCircuit/ReturnCircuit.
package client

import (
	"context"
	"fmt"
	"net"
	"runtime/debug"
	"sync"
	"time"

	"github.com/opd-ai/go-tor/pkg/autoconfig"
	"github.com/opd-ai/go-tor/pkg/circuit"
	"github.com/opd-ai/go-tor/pkg/config"
	"github.com/opd-ai/go-tor/pkg/control"
	"github.com/opd-ai/go-tor/pkg/directory"
	torerr "github.com/opd-ai/go-tor/pkg/errors"
	"github.com/opd-ai/go-tor/pkg/logger"
	"github.com/opd-ai/go-tor/pkg/metrics"
	"github.com/opd-ai/go-tor/pkg/path"
	"github.com/opd-ai/go-tor/pkg/stream"
)

// parseIsolationLevel converts a string isolation level to circuit.IsolationLevel,
// falling back to IsolationNone on an unrecognized value.
func parseIsolationLevel(level string) circuit.IsolationLevel {
	parsed, err := circuit.ParseIsolationLevel(level)
	if err != nil {
		return circuit.IsolationNone
	}
	return parsed
}

// Client represents a Tor client instance
type Client struct {
	config       *config.Config
	logger       *logger.Logger
	directory    *directory.Client
	circuitMgr   *circuit.Manager
	events       *control.EventDispatcher
	pathSelector *path.Selector
	guardManager *path.GuardManager
	metrics      *metrics.Metrics
	streams      *stream.Manager

	circuits   []*circuit.Circuit
	circuitsMu sync.RWMutex

	// Bandwidth tracking (for BW events)
	bytesRead    uint64
	bytesWritten uint64
	bwMu         sync.Mutex

	// Lifecycle management
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// New creates a new Tor client
func New(cfg *config.Config, log *logger.Logger) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if log == nil {
		log = logger.NewDefault()
	}

	// Ensure data directory exists with proper permissions
	if err := autoconfig.EnsureDataDir(cfg.DataDirectory); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	// Cleanup any temporary files from previous runs
	if err := autoconfig.CleanupTempFiles(cfg.DataDirectory); err != nil {
		log.Warn("Failed to cleanup temporary files", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	dirClient := directory.NewClient(log)
	circuitMgr := circuit.NewManager()

	guardMgr, err := path.NewGuardManager(cfg.DataDirectory, log)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create guard manager: %w", err)
	}

	client := &Client{
		config:       cfg,
		logger:       log.Component("client"),
		directory:    dirClient,
		circuitMgr:   circuitMgr,
		guardManager: guardMgr,
		metrics:      metrics.New(),
		streams:      stream.NewManager(log),
		circuits:     make([]*circuit.Circuit, 0),
		ctx:          ctx,
		cancel:       cancel,
		shutdown:     make(chan struct{}),
	}

	client.events = control.NewEventDispatcher()

	return client, nil
}

// Events returns the controller event dispatcher; callers subscribe to
// CIRC/STREAM/ORCONN/GUARD (and companion) events through it.
func (c *Client) Events() *control.EventDispatcher {
	return c.events
}

// Start starts the Tor client and all its components
func (c *Client) Start(ctx context.Context) error {
	c.logger.Info("Starting Tor client")

	ctx = c.mergeContexts(ctx, c.ctx)

	c.logger.Info("Initializing path selector...")
	c.pathSelector = path.NewSelectorWithGuards(c.directory, c.guardManager, c.logger)
	if err := c.pathSelector.UpdateConsensus(ctx); err != nil {
		return fmt.Errorf("failed to update consensus: %w", err)
	}
	c.logger.Info("Path selector initialized")

	if relays := c.pathSelector.GetRelays(); len(relays) > 0 {
		c.publishNewDescEvents(relays)
		c.publishConsensusEvents(relays)
	}

	c.guardManager.CleanupExpired()

	guardStats := c.guardManager.GetStats()
	c.metrics.GuardsActive.Set(int64(guardStats.TotalGuards))
	c.metrics.GuardsConfirmed.Set(int64(guardStats.ConfirmedGuards))

	c.logger.Info("Building initial circuits...")
	if err := c.buildInitialCircuits(ctx); err != nil {
		return fmt.Errorf("failed to build initial circuits: %w", err)
	}
	c.logger.Info("Initial circuits built successfully")

	c.wg.Add(1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("Circuit maintenance goroutine panic recovered",
					"panic", r,
					"stack", string(debug.Stack()))
			}
		}()
		defer c.wg.Done()
		c.maintainCircuits(ctx)
	}()

	c.wg.Add(1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("Bandwidth monitoring goroutine panic recovered",
					"panic", r,
					"stack", string(debug.Stack()))
			}
		}()
		defer c.wg.Done()
		c.monitorBandwidth(ctx)
	}()

	c.logger.Info("Tor client started successfully")
	return nil
}

// Stop gracefully stops the Tor client
func (c *Client) Stop() error {
	c.shutdownOnce.Do(func() {
		c.logger.Info("Stopping Tor client...")
		close(c.shutdown)
		c.cancel()
	})

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.logger.Info("Tor client stopped successfully")
	case <-time.After(30 * time.Second):
		c.logger.Warn("Shutdown timeout exceeded")
	}

	if err := c.streams.Close(); err != nil {
		c.logger.Warn("Failed to close streams", "error", err)
	}

	c.circuitsMu.Lock()
	for _, circ := range c.circuits {
		if err := c.circuitMgr.CloseCircuit(circ.ID); err != nil {
			c.logger.Warn("Failed to close circuit", "circuit_id", circ.ID, "error", err)
		}
	}
	c.circuitsMu.Unlock()

	return nil
}

// buildInitialCircuits builds a small pool of circuits for use
func (c *Client) buildInitialCircuits(ctx context.Context) error {
	const initialCircuitCount = 3

	for i := 0; i < initialCircuitCount; i++ {
		if _, err := c.buildCircuit(ctx); err != nil {
			c.logger.Warn("Failed to build circuit", "attempt", i+1, "error", err)
			if i == initialCircuitCount-1 {
				return fmt.Errorf("failed to build any circuits")
			}
		}
	}

	return nil
}

// buildCircuit selects a path and builds a single circuit, publishing the
// corresponding control-protocol events along the way.
func (c *Client) buildCircuit(ctx context.Context) (*circuit.Circuit, error) {
	if c.pathSelector == nil {
		return nil, fmt.Errorf("client not started: no path selector")
	}
	selectedPath, err := c.pathSelector.SelectPath(80)
	if err != nil {
		return nil, fmt.Errorf("failed to select path: %w", err)
	}

	c.logger.Info("Building circuit",
		"guard", selectedPath.Guard.Nickname,
		"middle", selectedPath.Middle.Nickname,
		"exit", selectedPath.Exit.Nickname)

	builder := circuit.NewBuilder(c.circuitMgr, c.logger)
	builder.Notify = func(circuitID uint32, status string) {
		c.PublishEvent(&control.CircuitEvent{
			CircuitID: circuitID,
			Status:    status,
			Purpose:   "GENERAL",
		})
	}

	guardAddr := fmt.Sprintf("%s:%d", selectedPath.Guard.Address, selectedPath.Guard.ORPort)
	c.PublishEvent(&control.ORConnEvent{Target: guardAddr, Status: "LAUNCHED"})

	startTime := time.Now()
	circ, err := builder.BuildCircuit(ctx, selectedPath, c.config.CircuitBuildTimeout)
	buildDuration := time.Since(startTime)

	c.metrics.RecordCircuitBuild(err == nil, buildDuration)
	if err == nil {
		c.guardManager.RegisterConnectStatus(selectedPath.Guard.Fingerprint, true)
		c.PublishEvent(&control.ORConnEvent{Target: guardAddr, Status: "CONNECTED"})
	} else {
		// Only a failed first-hop connect counts against the guard's
		// reachability; a later hop failing says nothing about the guard.
		if torerr.Is(err, torerr.ConnectFailed) {
			c.guardManager.RegisterConnectStatus(selectedPath.Guard.Fingerprint, false)
		}
		c.PublishEvent(&control.ORConnEvent{Target: guardAddr, Status: "FAILED", Reason: "CONNECTFAILED"})
	}

	if err != nil {
		if circ != nil {
			c.PublishEvent(&control.CircuitEvent{
				CircuitID:   circ.ID,
				Status:      "FAILED",
				Purpose:     "GENERAL",
				TimeCreated: startTime,
			})
		}
		return nil, fmt.Errorf("failed to build circuit: %w", err)
	}

	pathStr := fmt.Sprintf("%s~%s,%s~%s,%s~%s",
		selectedPath.Guard.Fingerprint, selectedPath.Guard.Nickname,
		selectedPath.Middle.Fingerprint, selectedPath.Middle.Nickname,
		selectedPath.Exit.Fingerprint, selectedPath.Exit.Nickname)

	c.PublishEvent(&control.CircuitEvent{
		CircuitID:   circ.ID,
		Status:      "BUILT",
		Path:        pathStr,
		Purpose:     "GENERAL",
		TimeCreated: startTime,
	})

	circ.SetStreamManager(c.streams)
	circ.SetExitPolicy(selectedPath.Exit.ExitPolicy)

	c.pathSelector.ConfirmGuard(selectedPath.Guard.Fingerprint)

	c.PublishEvent(&control.GuardEvent{
		GuardType: "ENTRY",
		Name:      fmt.Sprintf("$%s~%s", selectedPath.Guard.Fingerprint, selectedPath.Guard.Nickname),
		Status:    "GOOD",
	})

	c.circuitsMu.Lock()
	c.circuits = append(c.circuits, circ)
	c.metrics.ActiveCircuits.Set(int64(len(c.circuits)))
	c.circuitsMu.Unlock()

	c.logger.Info("Circuit built successfully", "circuit_id", circ.ID, "duration", buildDuration)
	return circ, nil
}

// maintainCircuits periodically prunes stale circuits and rebuilds the pool.
func (c *Client) maintainCircuits(ctx context.Context) {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdown:
			return
		case <-ticker.C:
			c.checkAndRebuildCircuits(ctx)
		}
	}
}

// checkAndRebuildCircuits checks circuit health and rebuilds if needed.
// Enforces MaxCircuitDirtiness to prevent long-lived circuits that increase
// linkability risk per tor-spec.txt section 6.1.
func (c *Client) checkAndRebuildCircuits(ctx context.Context) {
	c.circuitsMu.Lock()

	activeCircuits := make([]*circuit.Circuit, 0)
	maxAge := c.config.MaxCircuitDirtiness
	for _, circ := range c.circuits {
		state := circ.GetState()
		age := circ.Age()

		if state != circuit.StateOpen {
			c.logger.Info("Removing inactive circuit", "circuit_id", circ.ID, "state", state.String())
			continue
		}

		if age > maxAge {
			c.logger.Info("Removing old circuit", "circuit_id", circ.ID, "age", age, "max_age", maxAge)
			circ.SetState(circuit.StateClosed)
			if err := c.circuitMgr.CloseCircuit(circ.ID); err != nil {
				c.logger.Warn("Failed to close old circuit", "circuit_id", circ.ID, "error", err)
			}
			c.PublishEvent(&control.CircuitEvent{
				CircuitID:   circ.ID,
				Status:      "CLOSED",
				Purpose:     "GENERAL",
				TimeCreated: circ.CreatedAt,
			})
			continue
		}

		activeCircuits = append(activeCircuits, circ)
	}
	c.circuits = activeCircuits
	c.metrics.ActiveCircuits.Set(int64(len(c.circuits)))

	const minCircuitCount = 2
	if len(c.circuits) < minCircuitCount {
		c.logger.Info("Circuit pool low, rebuilding", "current", len(c.circuits), "min", minCircuitCount)
		c.circuitsMu.Unlock()

		needed := minCircuitCount - len(c.circuits)
		for i := 0; i < needed; i++ {
			if _, err := c.buildCircuit(ctx); err != nil {
				c.logger.Warn("Failed to rebuild circuit", "error", err)
			}
		}

		c.circuitsMu.Lock()
	}

	c.circuitsMu.Unlock()
}

// GetCircuit returns the youngest open circuit from the pool.
func (c *Client) GetCircuit(ctx context.Context) (*circuit.Circuit, error) {
	c.circuitsMu.RLock()
	defer c.circuitsMu.RUnlock()

	if len(c.circuits) == 0 {
		return nil, fmt.Errorf("no circuits available")
	}

	var bestCircuit *circuit.Circuit
	var bestAge time.Duration = 1<<63 - 1

	for _, circ := range c.circuits {
		if circ.GetState() == circuit.StateOpen {
			age := circ.Age()
			if age < bestAge {
				bestCircuit = circ
				bestAge = age
			}
		}
	}

	if bestCircuit == nil {
		return nil, fmt.Errorf("no healthy circuits available")
	}

	c.logger.Debug("Selected circuit from pool", "circuit_id", bestCircuit.ID, "age", bestAge)
	return bestCircuit, nil
}

// ReturnCircuit is a no-op placeholder for callers that borrow circuits via
// GetCircuit; circuits stay in the pool and are managed by maintainCircuits.
func (c *Client) ReturnCircuit(circ *circuit.Circuit) {}

// GetCircuitForTarget returns the youngest open circuit whose exit policy
// plausibly accepts target:port and whose dirty window still permits new
// streams. When every candidate's policy definitively rejects the target,
// the stream fails fast with PolicyRejected instead of launching a doomed
// BEGIN; when no circuit qualifies for other reasons, a fresh one is built.
func (c *Client) GetCircuitForTarget(ctx context.Context, target string, port uint16) (*circuit.Circuit, error) {
	addr := net.ParseIP(target)

	c.circuitsMu.RLock()
	var best *circuit.Circuit
	var bestAge time.Duration = 1<<63 - 1
	open := 0
	for _, circ := range c.circuits {
		if circ.GetState() != circuit.StateOpen {
			continue
		}
		open++
		if !circ.AllowsTarget(addr, port) {
			continue
		}
		if dirty := circ.DirtySince(); !dirty.IsZero() && time.Since(dirty) > c.config.MaxCircuitDirtiness {
			continue
		}
		if age := circ.Age(); age < bestAge {
			best = circ
			bestAge = age
		}
	}
	c.circuitsMu.RUnlock()

	if best != nil {
		return best, nil
	}
	if open > 0 && addr != nil {
		// Candidates existed and the target address is fully known, so the
		// rejections above were definitive.
		return nil, torerr.PolicyRejectedErr(fmt.Sprintf("no circuit whose exit permits %s:%d", target, port))
	}
	circ, err := c.buildCircuit(ctx)
	if err != nil {
		return nil, fmt.Errorf("build circuit for stream: %w", err)
	}
	if !circ.AllowsTarget(addr, port) {
		return nil, torerr.PolicyRejectedErr(fmt.Sprintf("fresh circuit's exit rejects %s:%d", target, port))
	}
	return circ, nil
}

// OpenStream attaches an application stream to a policy-compatible circuit
// and completes the RELAY_BEGIN/RELAY_CONNECTED handshake before returning.
func (c *Client) OpenStream(ctx context.Context, target string, port uint16) (*stream.Stream, error) {
	targetStr := fmt.Sprintf("%s:%d", target, port)
	circ, err := c.GetCircuitForTarget(ctx, target, port)
	if err != nil {
		c.PublishEvent(&control.StreamEvent{Status: "FAILED", Target: targetStr, Reason: "EXITPOLICY"})
		return nil, fmt.Errorf("get circuit for stream: %w", err)
	}

	c.PublishEvent(&control.StreamEvent{Status: "NEW", CircuitID: circ.ID, Target: targetStr})
	st, err := circ.OpenStream(ctx, target, port)
	if err != nil {
		c.PublishEvent(&control.StreamEvent{Status: "FAILED", CircuitID: circ.ID, Target: targetStr, Reason: "CONNECTFAILED"})
		return nil, err
	}
	c.PublishEvent(&control.StreamEvent{StreamID: st.ID, Status: "SUCCEEDED", CircuitID: circ.ID, Target: targetStr})
	return st, nil
}

// StreamCount returns the number of streams open across every circuit in
// the pool.
func (c *Client) StreamCount() int {
	return c.streams.Count()
}

// GetStats returns client statistics
func (c *Client) GetStats() Stats {
	c.circuitsMu.RLock()
	defer c.circuitsMu.RUnlock()

	guardStats := c.guardManager.GetStats()
	metricsSnap := c.metrics.Snapshot()

	return Stats{
		ActiveCircuits:      len(c.circuits),
		SocksPort:           c.config.SocksPort,
		ControlPort:         c.config.ControlPort,
		CircuitBuilds:       metricsSnap.CircuitBuilds,
		CircuitBuildSuccess: metricsSnap.CircuitBuildSuccess,
		CircuitBuildFailure: metricsSnap.CircuitBuildFailure,
		CircuitBuildTimeAvg: metricsSnap.CircuitBuildTimeAvg,
		CircuitBuildTimeP95: metricsSnap.CircuitBuildTimeP95,
		GuardsActive:        guardStats.TotalGuards,
		GuardsConfirmed:     guardStats.ConfirmedGuards,
		ConnectionAttempts:  metricsSnap.ConnectionAttempts,
		ConnectionRetries:   metricsSnap.ConnectionRetries,
		UptimeSeconds:       metricsSnap.UptimeSeconds,
	}
}

// Stats represents client statistics. SocksPort and ControlPort report the
// configured values only: no SOCKS frontend or control-port listener runs
// in this core (both are out-of-scope surfaces).
type Stats struct {
	ActiveCircuits int
	SocksPort      int
	ControlPort    int

	CircuitBuilds       int64
	CircuitBuildSuccess int64
	CircuitBuildFailure int64
	CircuitBuildTimeAvg time.Duration
	CircuitBuildTimeP95 time.Duration

	GuardsActive    int
	GuardsConfirmed int

	ConnectionAttempts int64
	ConnectionRetries  int64

	UptimeSeconds int64
}

// PublishEvent fans an event out to every subscribed consumer.
func (c *Client) PublishEvent(event control.Event) {
	if c.events != nil {
		c.events.Dispatch(event)
	}
}

// publishConsensusEvents publishes NS events for relays in the consensus
func (c *Client) publishConsensusEvents(relays []*directory.Relay) {
	count := 0
	maxEvents := 50

	for _, relay := range relays {
		if count >= maxEvents {
			break
		}

		if !(relay.IsGuard() || relay.IsExit()) {
			continue
		}

		c.PublishEvent(&control.NSEvent{
			LongName:    fmt.Sprintf("$%s~%s", relay.Fingerprint, relay.Nickname),
			Fingerprint: fmt.Sprintf("$%s", relay.Fingerprint),
			Published:   relay.Published.Format(time.RFC3339),
			IP:          relay.Address,
			ORPort:      relay.ORPort,
			DirPort:     relay.DirPort,
			Flags:       relay.Flags,
		})
		count++
	}

	c.logger.Debug("Published NS events", "count", count)
}

// publishNewDescEvents publishes NEWDESC events for new relay descriptors
func (c *Client) publishNewDescEvents(relays []*directory.Relay) {
	descriptors := make([]string, 0, len(relays))

	maxDescriptors := 100
	for i, relay := range relays {
		if i >= maxDescriptors {
			break
		}
		descriptors = append(descriptors, fmt.Sprintf("$%s~%s", relay.Fingerprint, relay.Nickname))
	}

	if len(descriptors) > 0 {
		c.PublishEvent(&control.NewDescEvent{
			Descriptors: descriptors,
		})
		c.logger.Debug("Published NEWDESC event", "count", len(descriptors))
	}
}

// monitorBandwidth periodically publishes BW events
func (c *Client) monitorBandwidth(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdown:
			return
		case <-ticker.C:
			c.publishBandwidthEvent()
		}
	}
}

// publishBandwidthEvent publishes a bandwidth usage event
func (c *Client) publishBandwidthEvent() {
	c.bwMu.Lock()
	bytesRead := c.bytesRead
	bytesWritten := c.bytesWritten
	c.bwMu.Unlock()

	c.PublishEvent(&control.BWEvent{
		BytesRead:    bytesRead,
		BytesWritten: bytesWritten,
	})
}

// RecordBytesRead records bytes read (called by stream/circuit layers)
func (c *Client) RecordBytesRead(n uint64) {
	c.bwMu.Lock()
	c.bytesRead += n
	c.bwMu.Unlock()
}

// RecordBytesWritten records bytes written (called by stream/circuit layers)
func (c *Client) RecordBytesWritten(n uint64) {
	c.bwMu.Lock()
	c.bytesWritten += n
	c.bwMu.Unlock()
}

// mergeContexts creates a context that respects both parent and child cancellation
func (c *Client) mergeContexts(parent, child context.Context) context.Context {
	ctx, cancel := context.WithCancel(parent)

	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-child.Done():
			cancel()
		}
	}()

	return ctx
}
