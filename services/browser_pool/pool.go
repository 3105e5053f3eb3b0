// Package browser_pool exposes the Pool Facade: the single entry
// point callers use to reserve, extend, and release leases on a fixed
// set of browser-container slots.
package browser_pool

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"golang.org/x/time/rate"

	apxerrors "agent/errors"
	"agent/services/browser_pool/driver"
	"agent/services/browser_pool/slot"
	"agent/services/browser_pool/supervisor"
)

// Config configures pool construction.
type Config struct {
	Size            int
	NamePrefix      string
	Image           string
	ManageOnly      bool
	DefaultViewport slot.Viewport
	DockerPath      string

	ReservationsPerSecond float64
	ReservationBurst      int

	LaunchArgs           map[string]string
	AdditionalDockerArgs []string

	LifecycleBus supervisor.LifecycleBus
	AuditLog     *mongo.Collection
}

// Pool is the Facade: the one type callers outside this package hold
// on to.
type Pool struct {
	table      *slot.Table
	supervisor *supervisor.Supervisor
	limiter    *rate.Limiter
	diag       *DiagnosticsExporter
}

// New constructs a Pool with cfg.Size slots at fixed, disjoint port
// ranges starting at 10222 (app), 7070 (debugger), 15900 (vnc).
func New(cfg Config, d *driver.Driver) *Pool {
	table := slot.NewTable(cfg.Size)
	for i := 0; i < cfg.Size; i++ {
		name := fmt.Sprintf("%s-%d", cfg.NamePrefix, 10222+i)
		ports := slot.PortSet{App: 10222 + i, Debugger: 7070 + i, VNC: 15900 + i}
		table.Add(slot.New(name, i, ports, cfg.DefaultViewport))
	}

	sv := supervisor.New(table, d, supervisor.Options{
		NamePrefix:           cfg.NamePrefix,
		Image:                cfg.Image,
		ManageOnly:           cfg.ManageOnly,
		LaunchArgs:           cfg.LaunchArgs,
		AdditionalDockerArgs: cfg.AdditionalDockerArgs,
		LifecycleBus:         cfg.LifecycleBus,
		AuditLog:             cfg.AuditLog,
	})

	burst := cfg.ReservationBurst
	if burst <= 0 {
		burst = 1
	}
	rps := cfg.ReservationsPerSecond
	if rps <= 0 {
		rps = rate.Inf
	}

	return &Pool{
		table:      table,
		supervisor: sv,
		limiter:    rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// SetDiagnosticsExporter wires a best-effort S3 export used by
// Shutdown. Optional; a Pool with none configured simply skips it.
func (p *Pool) SetDiagnosticsExporter(e *DiagnosticsExporter) {
	p.diag = e
}

// Init brings the pool up: full-lifecycle creation of every slot, or
// manage-only discovery of already-running containers.
func (p *Pool) Init(ctx context.Context) error {
	return p.supervisor.Init(ctx)
}

// Browsers returns a snapshot of every slot.
func (p *Pool) Browsers() []slot.Slot {
	return p.table.All()
}

// FindById returns the slot whose agent reported this id label.
func (p *Pool) FindById(id string) (slot.Slot, bool) {
	return p.table.FindByLabelID(id)
}

// FindBySession returns the slot currently leased under sessionID.
func (p *Pool) FindBySession(sessionID string) (slot.Slot, bool) {
	return p.table.FindBySessionID(sessionID)
}

// Reserve throttles through a token-bucket limiter (a caller-facing
// guard against noisy-neighbor reservation storms, not an
// authentication mechanism — see Non-goals) and then hands out the
// first Ready slot in index order.
func (p *Pool) Reserve(ctx context.Context, leaseDuration time.Duration, session slot.Session) (slot.Slot, error) {
	if !p.limiter.Allow() {
		return slot.Slot{}, apxerrors.New("reserve_out_of_capacity", "reservation rate limit exceeded")
	}

	name, ok := p.supervisor.Reserve(ctx, leaseDuration, session)
	if !ok {
		return slot.Slot{}, apxerrors.New("reserve_out_of_capacity", "no ready slot available")
	}

	s, _ := p.table.Get(name)
	return s, nil
}

// Extend pushes back a leased slot's deadline.
func (p *Pool) Extend(name string, leaseDuration time.Duration) error {
	return p.supervisor.Extend(name, leaseDuration)
}

// Release ends a lease, per the configured mode's teardown semantics.
func (p *Pool) Release(ctx context.Context, name string) error {
	return p.supervisor.Release(ctx, name)
}

// SetVncPassword stamps the VNC password a client should use to
// connect to a leased slot's remote desktop.
func (p *Pool) SetVncPassword(name, password string) error {
	return p.table.Mutate(name, func(s *slot.Slot) { s.VNCPassword = password })
}

// SetDebug toggles a slot's debug flag.
func (p *Pool) SetDebug(name string, debug bool) error {
	return p.table.Mutate(name, func(s *slot.Slot) { s.Debug = debug })
}

// SetViewport reinitializes a slot's container at a new resolution.
func (p *Pool) SetViewport(ctx context.Context, name string, width, height int) error {
	return p.supervisor.ReInitWithResolution(ctx, name, width, height)
}

// BrowsersFromRuntime builds a read-only view of slots directly from
// the container runtime (`ps` + `inspect`), independent of in-memory
// state. Used for diagnostics; never mutates the Slot Table and never
// launches a container.
func (p *Pool) BrowsersFromRuntime(ctx context.Context) ([]slot.Slot, error) {
	return p.supervisor.InspectRuntime(ctx)
}

// Shutdown sets the pool's shutting-down flag (suppressing
// re-creation from agent disconnects and lease-timer fallout before
// any slot is touched), releases every leased slot, and, if a
// diagnostics exporter is configured, uploads a final snapshot.
func (p *Pool) Shutdown(ctx context.Context) {
	p.supervisor.BeginShutdown()
	for _, s := range p.table.All() {
		if s.State == slot.Leased || s.State == slot.Expiring {
			_ = p.supervisor.Release(ctx, s.Name)
		}
	}
	if p.diag != nil {
		p.diag.Export(p.table.All())
	}
}
