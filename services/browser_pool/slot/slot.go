// Package slot defines the per-position record the pool lifecycle
// engine mutates and the indexed table that holds them.
package slot

import "time"

// State is a position in the per-slot lifecycle.
type State string

const (
	Empty     State = "empty"
	Creating  State = "creating"
	Ready     State = "ready"
	Leased    State = "leased"
	Expiring  State = "expiring"
)

// PortSet is the three fixed external ports bound to one slot.
type PortSet struct {
	App      int
	Debugger int
	VNC      int
}

// Viewport is a browser window size in pixels.
type Viewport struct {
	Width  int
	Height int
}

// Session is the caller-supplied identity of an active lease. Every
// field is zero-valued when the slot is not Leased.
type Session struct {
	SessionID     string
	ClientID      string
	FingerprintID string
	Driver        string
	Webhook       string
	ReportKey     string
	SessionUUID   string
}

// IsZero reports whether no lease has been recorded.
func (s Session) IsZero() bool {
	return s == Session{}
}

// Slot is one pool position: one container, leased to at most one
// client at a time.
type Slot struct {
	Name  string
	Index int
	Ports PortSet

	State State

	CreatedAt     time.Time
	LastUsed      time.Time
	LeaseDeadline time.Time

	Viewport    Viewport
	Labels      map[string]string
	Session     Session
	VNCPassword string
	Debug       bool

	// IsRemoving marks a slot mid-release so concurrent observers can
	// skip it without waiting on the table lock.
	IsRemoving bool

	// leaseTimer is the single outstanding lease timer. Arming a new
	// lease replaces it; at most one is live.
	leaseTimer *time.Timer
}

// New returns a Slot in the Empty state for the given pool position.
func New(name string, index int, ports PortSet, defaultViewport Viewport) *Slot {
	return &Slot{
		Name:     name,
		Index:    index,
		Ports:    ports,
		State:    Empty,
		Viewport: defaultViewport,
		Labels:   map[string]string{},
	}
}

// Available reports whether the slot may be handed out by reserve.
func (s *Slot) Available() bool {
	return s.State == Ready
}

// ArmLease stops any existing lease timer and starts a new single-shot
// timer that invokes fire exactly once when the deadline lapses
// without being cancelled first. fire runs on its own goroutine
// (time.AfterFunc semantics), never under the table's lock.
func (s *Slot) ArmLease(deadline time.Time, fire func()) {
	s.CancelLease()
	s.LeaseDeadline = deadline
	s.leaseTimer = time.AfterFunc(time.Until(deadline), fire)
}

// CancelLease stops the outstanding lease timer, if any, without
// invoking it. Idempotent.
func (s *Slot) CancelLease() {
	if s.leaseTimer != nil {
		s.leaseTimer.Stop()
		s.leaseTimer = nil
	}
}

// ClearSession resets lease/session/label state for a full-lifecycle
// release. CreatedAt and State are left to the caller.
func (s *Slot) ClearSession() {
	s.Session = Session{}
	s.Labels = map[string]string{}
	s.LeaseDeadline = time.Time{}
	s.LastUsed = time.Time{}
	s.VNCPassword = ""
}

// ClearLeaseOnly resets lease/session state but preserves labels and
// CreatedAt, used by manage-only mode release.
func (s *Slot) ClearLeaseOnly() {
	s.Session = Session{}
	s.LeaseDeadline = time.Time{}
}

// SetLabel upserts a single label.
func (s *Slot) SetLabel(key, value string) {
	if s.Labels == nil {
		s.Labels = map[string]string{}
	}
	s.Labels[key] = value
}

// Snapshot returns a deep-enough copy for external consumers: the
// Facade must never hand out a Slot an in-flight mutation can still
// reach.
func (s *Slot) Snapshot() Slot {
	cp := *s
	cp.leaseTimer = nil
	cp.Labels = make(map[string]string, len(s.Labels))
	for k, v := range s.Labels {
		cp.Labels[k] = v
	}
	return cp
}
