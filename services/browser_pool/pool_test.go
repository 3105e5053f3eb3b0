package browser_pool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agent/services/browser_pool/driver"
	"agent/services/browser_pool/slot"
)

func newTestPool(size int) *Pool {
	return New(Config{
		Size:                  size,
		NamePrefix:            "bx",
		Image:                 "agent/browser:latest",
		ManageOnly:            true, // avoids touching a real container runtime in unit tests
		DefaultViewport:       slot.Viewport{Width: 1280, Height: 720},
		ReservationsPerSecond: 1000,
		ReservationBurst:      1000,
	}, driver.New(""))
}

func TestNewPoolCreatesDisjointSlots(t *testing.T) {
	p := newTestPool(2)
	browsers := p.Browsers()
	require.Len(t, browsers, 2)
	assert.NotEqual(t, browsers[0].Ports.App, browsers[1].Ports.App)
}

func TestReserveFailsWhenNoSlotReady(t *testing.T) {
	p := newTestPool(1)
	_, err := p.Reserve(context.Background(), time.Minute, slot.Session{SessionID: "s1"})
	assert.Error(t, err, "no slot has been marked Ready yet")
}

func TestReserveRateLimited(t *testing.T) {
	p := New(Config{
		Size:                  1,
		NamePrefix:            "bx",
		Image:                 "agent/browser:latest",
		ManageOnly:            true,
		ReservationsPerSecond: 1,
		ReservationBurst:      1,
	}, driver.New(""))

	// force the single slot Ready without a real container
	browsers := p.Browsers()
	require.Len(t, browsers, 1)
	require.NoError(t, p.table.Mutate(browsers[0].Name, func(s *slot.Slot) { s.State = slot.Ready }))

	_, err := p.Reserve(context.Background(), time.Minute, slot.Session{SessionID: "s1"})
	require.NoError(t, err)

	_, err = p.Reserve(context.Background(), time.Minute, slot.Session{SessionID: "s2"})
	assert.Error(t, err, "burst of 1 exhausted by the first reservation")
}

func TestSetVncPasswordUnknownSlot(t *testing.T) {
	p := newTestPool(1)
	err := p.SetVncPassword("does-not-exist", "secret")
	assert.Error(t, err)
}

func TestFindBySessionAfterManualLease(t *testing.T) {
	p := newTestPool(1)
	browsers := p.Browsers()
	name := browsers[0].Name
	require.NoError(t, p.table.Mutate(name, func(s *slot.Slot) {
		s.State = slot.Leased
		s.Session = slot.Session{SessionID: "sess-99"}
	}))

	found, ok := p.FindBySession("sess-99")
	require.True(t, ok)
	assert.Equal(t, name, found.Name)
}
