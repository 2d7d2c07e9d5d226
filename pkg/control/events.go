// Package control emits controller events for circuit, stream, OR
// connection, and guard lifecycle transitions. Only the event side of the
// control protocol lives here: consumers subscribe through an
// EventDispatcher and receive formatted 650-series events. The command
// surface of the protocol (AUTHENTICATE, GETINFO, ...) is a management
// interface this core does not provide.
package control

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// EventType represents the type of event
type EventType string

const (
	// EventCirc indicates circuit status changes
	EventCirc EventType = "CIRC"
	// EventStream indicates stream status changes
	EventStream EventType = "STREAM"
	// EventBW indicates bandwidth usage updates
	EventBW EventType = "BW"
	// EventORConn indicates OR connection status changes
	EventORConn EventType = "ORCONN"
	// EventNewDesc indicates new descriptor availability
	EventNewDesc EventType = "NEWDESC"
	// EventGuard indicates guard status changes
	EventGuard EventType = "GUARD"
	// EventNS indicates network status updates for individual relays
	EventNS EventType = "NS"
)

// Event represents a control protocol event
type Event interface {
	Type() EventType
	Format() string
}

// CircuitEvent represents a circuit status change event
// Format: 650 CIRC <CircuitID> <Status> [<Path>] [BUILD_FLAGS=<Flags>] [PURPOSE=<Purpose>] [HS_STATE=<State>] [REND_QUERY=<Query>] [TIME_CREATED=<Time>]
type CircuitEvent struct {
	CircuitID   uint32
	Status      string // LAUNCHED, BUILT, EXTENDED, FAILED, CLOSED
	Path        string // $fingerprint1~nickname1,$fingerprint2~nickname2,...
	BuildFlags  string
	Purpose     string
	TimeCreated time.Time
}

// Type returns the event type
func (e *CircuitEvent) Type() EventType {
	return EventCirc
}

// Format formats the event for transmission
func (e *CircuitEvent) Format() string {
	parts := []string{
		fmt.Sprintf("650 CIRC %d %s", e.CircuitID, e.Status),
	}
	
	if e.Path != "" {
		parts = append(parts, e.Path)
	}
	
	if e.BuildFlags != "" {
		parts = append(parts, fmt.Sprintf("BUILD_FLAGS=%s", e.BuildFlags))
	}
	
	if e.Purpose != "" {
		parts = append(parts, fmt.Sprintf("PURPOSE=%s", e.Purpose))
	}
	
	if !e.TimeCreated.IsZero() {
		parts = append(parts, fmt.Sprintf("TIME_CREATED=%s", e.TimeCreated.Format(time.RFC3339)))
	}
	
	return strings.Join(parts, " ")
}

// StreamEvent represents a stream status change event
// Format: 650 STREAM <StreamID> <Status> <CircuitID> <Target>
type StreamEvent struct {
	StreamID  uint16
	Status    string // NEW, NEWRESOLVE, REMAP, SENTCONNECT, SENTRESOLVE, SUCCEEDED, FAILED, CLOSED, DETACHED
	CircuitID uint32
	Target    string // host:port
	Reason    string // Optional reason for FAILED/CLOSED
}

// Type returns the event type
func (e *StreamEvent) Type() EventType {
	return EventStream
}

// Format formats the event for transmission
func (e *StreamEvent) Format() string {
	parts := []string{
		fmt.Sprintf("650 STREAM %d %s %d %s", e.StreamID, e.Status, e.CircuitID, e.Target),
	}
	
	if e.Reason != "" {
		parts = append(parts, fmt.Sprintf("REASON=%s", e.Reason))
	}
	
	return strings.Join(parts, " ")
}

// BWEvent represents a bandwidth usage event
// Format: 650 BW <BytesRead> <BytesWritten>
type BWEvent struct {
	BytesRead    uint64
	BytesWritten uint64
}

// Type returns the event type
func (e *BWEvent) Type() EventType {
	return EventBW
}

// Format formats the event for transmission
func (e *BWEvent) Format() string {
	return fmt.Sprintf("650 BW %d %d", e.BytesRead, e.BytesWritten)
}

// ORConnEvent represents an OR connection status change event
// Format: 650 ORCONN <Target> <Status> [REASON=<Reason>] [NCIRCS=<NumCircuits>] [ID=<ID>]
type ORConnEvent struct {
	Target    string // address:port
	Status    string // NEW, LAUNCHED, CONNECTED, FAILED, CLOSED
	Reason    string // Optional reason
	NumCircs  int    // Number of circuits on this connection
	ID        uint64 // Connection ID
}

// Type returns the event type
func (e *ORConnEvent) Type() EventType {
	return EventORConn
}

// Format formats the event for transmission
func (e *ORConnEvent) Format() string {
	parts := []string{
		fmt.Sprintf("650 ORCONN %s %s", e.Target, e.Status),
	}
	
	if e.Reason != "" {
		parts = append(parts, fmt.Sprintf("REASON=%s", e.Reason))
	}
	
	if e.NumCircs > 0 {
		parts = append(parts, fmt.Sprintf("NCIRCS=%d", e.NumCircs))
	}
	
	if e.ID > 0 {
		parts = append(parts, fmt.Sprintf("ID=%d", e.ID))
	}
	
	return strings.Join(parts, " ")
}

// NewDescEvent announces freshly learned relay descriptors
// Format: 650 NEWDESC <$fingerprint~nickname> ...
type NewDescEvent struct {
	Descriptors []string
}

// Type returns the event type
func (e *NewDescEvent) Type() EventType {
	return EventNewDesc
}

// Format formats the event for transmission
func (e *NewDescEvent) Format() string {
	if len(e.Descriptors) == 0 {
		return "650 NEWDESC"
	}
	return "650 NEWDESC " + strings.Join(e.Descriptors, " ")
}

// GuardEvent represents an entry-guard status change event
// Format: 650 GUARD <Type> <Name> <Status>
type GuardEvent struct {
	GuardType string // ENTRY
	Name      string // $fingerprint~nickname
	Status    string // NEW, UP, DOWN, DROPPED, BAD, GOOD
}

// Type returns the event type
func (e *GuardEvent) Type() EventType {
	return EventGuard
}

// Format formats the event for transmission
func (e *GuardEvent) Format() string {
	return fmt.Sprintf("650 GUARD %s %s %s", e.GuardType, e.Name, e.Status)
}

// NSEvent carries one relay's network-status entry
// Format: 650 NS <LongName> <Fingerprint> <Published> <IP> <ORPort> <DirPort> <Flags>
type NSEvent struct {
	LongName    string
	Fingerprint string
	Published   string
	IP          string
	ORPort      int
	DirPort     int
	Flags       []string
}

// Type returns the event type
func (e *NSEvent) Type() EventType {
	return EventNS
}

// Format formats the event for transmission
func (e *NSEvent) Format() string {
	return fmt.Sprintf("650 NS %s %s %s %s %d %d %s",
		e.LongName, e.Fingerprint, e.Published, e.IP, e.ORPort, e.DirPort,
		strings.Join(e.Flags, " "))
}

// Subscription is one consumer's registration for a set of event types.
// Matching events arrive on C. A consumer that falls behind loses events
// rather than stalling the emitting core, matching how the control
// protocol treats slow event listeners.
type Subscription struct {
	C <-chan Event

	ch    chan Event
	types map[EventType]bool
	d     *EventDispatcher
	once  sync.Once
}

// subscriptionBuffer bounds how many undelivered events a subscription may
// hold before further events are dropped for it.
const subscriptionBuffer = 64

// EventDispatcher fans events out to subscriptions.
type EventDispatcher struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

// NewEventDispatcher creates a new event dispatcher
func NewEventDispatcher() *EventDispatcher {
	return &EventDispatcher{
		subs: make(map[*Subscription]struct{}),
	}
}

// Subscribe registers for the given event types. With no types, every
// event is delivered. Callers must Close the subscription when done.
func (d *EventDispatcher) Subscribe(events ...EventType) *Subscription {
	s := &Subscription{
		ch:    make(chan Event, subscriptionBuffer),
		types: make(map[EventType]bool, len(events)),
		d:     d,
	}
	s.C = s.ch
	for _, e := range events {
		s.types[e] = true
	}

	d.mu.Lock()
	d.subs[s] = struct{}{}
	d.mu.Unlock()
	return s
}

// Close unregisters the subscription and closes its channel. Safe to call
// more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.d.mu.Lock()
		delete(s.d.subs, s)
		s.d.mu.Unlock()
		// No Dispatch can hold a reference past the delete above: senders
		// run under the dispatcher's read lock.
		close(s.ch)
	})
}

func (s *Subscription) wants(t EventType) bool {
	return len(s.types) == 0 || s.types[t]
}

// Dispatch sends an event to every matching subscription, dropping it for
// subscriptions whose buffer is full.
func (d *EventDispatcher) Dispatch(event Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	t := event.Type()
	for s := range d.subs {
		if !s.wants(t) {
			continue
		}
		select {
		case s.ch <- event:
		default:
		}
	}
}

// GetSubscriberCount returns the number of subscriptions matching an event type
func (d *EventDispatcher) GetSubscriberCount(eventType EventType) int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	count := 0
	for s := range d.subs {
		if s.wants(eventType) {
			count++
		}
	}
	return count
}
