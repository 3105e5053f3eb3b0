package slot

import (
	"fmt"
	"sort"
	"sync"

	"github.com/samber/lo"
)

// Table is the indexed, keyed set of slot records. All mutations must
// go through Mutate, the table's single serialization point; readers
// use All/Get for a point-in-time copy.
type Table struct {
	mu    sync.Mutex
	byIdx []*Slot
}

// NewTable builds an empty table with capacity for n slots.
func NewTable(n int) *Table {
	return &Table{byIdx: make([]*Slot, 0, n)}
}

// Add inserts a slot at table-construction time. Not safe to call
// after init; slots are never reparented.
func (t *Table) Add(s *Slot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byIdx = append(t.byIdx, s)
}

// Mutate runs fn with exclusive access to the named slot, the only
// sanctioned way to change its fields. Returns an error if no slot by
// that name exists.
func (t *Table) Mutate(name string, fn func(*Slot)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.find(name)
	if !ok {
		return fmt.Errorf("slot %s: not found", name)
	}
	fn(s)
	return nil
}

// Get returns a snapshot of the named slot.
func (t *Table) Get(name string) (Slot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.find(name)
	if !ok {
		return Slot{}, false
	}
	return s.Snapshot(), true
}

// All returns a snapshot of every slot, ordered by index.
func (t *Table) All() []Slot {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Slot, 0, len(t.byIdx))
	for _, s := range t.byIdx {
		out = append(out, s.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// FindReady returns the name of the first Ready slot in index order,
// and false if none is available. Index order is an arbitrary but
// deterministic and reproducible tie-break (see spec design notes);
// it does not starve any slot, since every Ready slot is equally
// eligible and none is skipped.
func (t *Table) FindReady() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ordered := make([]*Slot, len(t.byIdx))
	copy(ordered, t.byIdx)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Index < ordered[j].Index })
	found, ok := lo.Find(ordered, func(s *Slot) bool {
		return s.State == Ready && !s.IsRemoving
	})
	if !ok {
		return "", false
	}
	return found.Name, true
}

// FindByLabelID returns the slot whose labels["id"] matches id.
func (t *Table) FindByLabelID(id string) (Slot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	found, ok := lo.Find(t.byIdx, func(s *Slot) bool {
		return s.Labels["id"] == id
	})
	if !ok {
		return Slot{}, false
	}
	return found.Snapshot(), true
}

// FindBySessionID returns the slot whose session ID matches id.
func (t *Table) FindBySessionID(id string) (Slot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	found, ok := lo.Find(t.byIdx, func(s *Slot) bool {
		return s.Session.SessionID == id
	})
	if !ok {
		return Slot{}, false
	}
	return found.Snapshot(), true
}

// NameByIndex returns the slot name assigned to an index, used when
// discovering containers in manage-only mode.
func (t *Table) NameByIndex(index int) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	found, ok := lo.Find(t.byIdx, func(s *Slot) bool { return s.Index == index })
	if !ok {
		return "", false
	}
	return found.Name, true
}

// Len returns the number of slots in the table.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byIdx)
}

func (t *Table) find(name string) (*Slot, bool) {
	return lo.Find(t.byIdx, func(s *Slot) bool { return s.Name == name })
}
