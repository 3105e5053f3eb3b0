package slot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildTable(n int) *Table {
	tbl := NewTable(n)
	for i := 0; i < n; i++ {
		ports := PortSet{App: 10222 + i, Debugger: 7070 + i, VNC: 15900 + i}
		tbl.Add(New(portsName(i), i, ports, Viewport{1280, 720}))
	}
	return tbl
}

func portsName(i int) string {
	names := []string{"bx-10222", "bx-10223", "bx-10224"}
	return names[i]
}

func TestPortsDisjointAcrossSlots(t *testing.T) {
	tbl := buildTable(3)
	seen := map[int]string{}
	for _, s := range tbl.All() {
		for _, p := range []int{s.Ports.App, s.Ports.Debugger, s.Ports.VNC} {
			if owner, ok := seen[p]; ok {
				t.Fatalf("port %d reused by %s and %s", p, owner, s.Name)
			}
			seen[p] = s.Name
		}
	}
}

func TestFindReadyPicksIndexOrder(t *testing.T) {
	tbl := buildTable(3)
	require.NoError(t, tbl.Mutate("bx-10224", func(s *Slot) { s.State = Ready }))
	require.NoError(t, tbl.Mutate("bx-10222", func(s *Slot) { s.State = Ready }))

	name, ok := tbl.FindReady()
	require.True(t, ok)
	assert.Equal(t, "bx-10222", name, "index order must be used to break ties reproducibly")
}

func TestFindReadySkipsRemoving(t *testing.T) {
	tbl := buildTable(2)
	require.NoError(t, tbl.Mutate("bx-10222", func(s *Slot) {
		s.State = Ready
		s.IsRemoving = true
	}))
	require.NoError(t, tbl.Mutate("bx-10223", func(s *Slot) { s.State = Ready }))

	name, ok := tbl.FindReady()
	require.True(t, ok)
	assert.Equal(t, "bx-10223", name)
}

func TestFindReadyNoneWhenNoneReady(t *testing.T) {
	tbl := buildTable(2)
	_, ok := tbl.FindReady()
	assert.False(t, ok)
}

func TestFindByLabelIDUniqueLookup(t *testing.T) {
	tbl := buildTable(2)
	require.NoError(t, tbl.Mutate("bx-10223", func(s *Slot) { s.SetLabel("id", "agent-42") }))

	found, ok := tbl.FindByLabelID("agent-42")
	require.True(t, ok)
	assert.Equal(t, "bx-10223", found.Name)

	_, ok = tbl.FindByLabelID("missing")
	assert.False(t, ok)
}

func TestFindBySessionID(t *testing.T) {
	tbl := buildTable(2)
	require.NoError(t, tbl.Mutate("bx-10222", func(s *Slot) {
		s.Session = Session{SessionID: "sess-1"}
	}))

	found, ok := tbl.FindBySessionID("sess-1")
	require.True(t, ok)
	assert.Equal(t, "bx-10222", found.Name)
}

func TestMutateUnknownSlotErrors(t *testing.T) {
	tbl := buildTable(1)
	err := tbl.Mutate("nope", func(s *Slot) {})
	assert.Error(t, err)
}
