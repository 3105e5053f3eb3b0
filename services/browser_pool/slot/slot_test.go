package slot

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSlotIsEmpty(t *testing.T) {
	s := New("bx-10222", 0, PortSet{App: 10222, Debugger: 7070, VNC: 15900}, Viewport{1280, 720})
	assert.Equal(t, Empty, s.State)
	assert.False(t, s.Available())
	assert.True(t, s.Session.IsZero())
}

func TestArmLeaseReplacesPrior(t *testing.T) {
	s := New("bx-10222", 0, PortSet{}, Viewport{})
	firstFired := false
	s.ArmLease(time.Now().Add(time.Minute), func() { firstFired = true })
	s.ArmLease(time.Now().Add(2*time.Minute), func() {})
	assert.False(t, firstFired, "arming a new lease must stop the prior timer without firing it")
}

func TestCancelLeaseIdempotent(t *testing.T) {
	s := New("bx-10222", 0, PortSet{}, Viewport{})
	calls := 0
	s.ArmLease(time.Now().Add(time.Minute), func() { calls++ })
	s.CancelLease()
	s.CancelLease()
	assert.Equal(t, 0, calls, "cancelling must stop the timer, never invoke its callback")
}

func TestArmLeaseFiresOnDeadline(t *testing.T) {
	s := New("bx-10222", 0, PortSet{}, Viewport{})
	fired := make(chan struct{})
	s.ArmLease(time.Now().Add(10*time.Millisecond), func() { close(fired) })
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("lease timer did not fire by its deadline")
	}
}

func TestClearSessionEmptiesEverything(t *testing.T) {
	s := New("bx-10222", 0, PortSet{}, Viewport{})
	s.Session = Session{SessionID: "s1", ClientID: "c1"}
	s.SetLabel("id", "abc")
	s.ClearSession()
	assert.True(t, s.Session.IsZero())
	assert.NotContains(t, s.Labels, "id")
}

func TestClearLeaseOnlyPreservesLabelsAndCreatedAt(t *testing.T) {
	created := time.Now().Add(-time.Hour)
	s := New("bx-10222", 0, PortSet{}, Viewport{})
	s.CreatedAt = created
	s.Session = Session{SessionID: "s1"}
	s.SetLabel("id", "abc")
	s.ClearLeaseOnly()
	assert.True(t, s.Session.IsZero())
	assert.Equal(t, "abc", s.Labels["id"])
	assert.Equal(t, created, s.CreatedAt)
}

func TestSnapshotIsIndependentCopy(t *testing.T) {
	s := New("bx-10222", 0, PortSet{}, Viewport{})
	s.SetLabel("id", "abc")
	snap := s.Snapshot()
	s.SetLabel("id", "xyz")
	require.Equal(t, "abc", snap.Labels["id"], "mutating the original must not affect a prior snapshot")
}
