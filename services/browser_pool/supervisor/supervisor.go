// Package supervisor drives the per-slot lifecycle state machine:
// creating containers, tracking their agent-link events, dispatching
// webhooks, and tearing them down on release.
package supervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"

	apxerrors "agent/errors"
	"agent/logger"
	"agent/services/browser_pool/agentlink"
	"agent/services/browser_pool/driver"
	"agent/services/browser_pool/slot"
)

// allowedResolutions is the whitelist reInitWithResolution checks
// against; anything else is rejected rather than silently clamped.
var allowedResolutions = map[[2]int]bool{
	{1280, 1024}: true,
	{1920, 1080}: true,
	{1366, 768}:  true,
	{1536, 864}:  true,
	{1280, 720}:  true,
	{1440, 900}:  true,
	{1280, 2400}: true,
}

const (
	maxRetries             = 3
	killWaitTime           = 100 * time.Millisecond
	webhookTimeout         = 10 * time.Second
	disconnectRecreateWait = 2 * time.Second
	manageOnlyRestartWait  = 2 * time.Second
)

// Options configures a Supervisor.
type Options struct {
	NamePrefix string
	Image      string
	ManageOnly bool

	// LaunchArgs are extra environment variables merged into every
	// container run, alongside XVFB_RESOLUTION.
	LaunchArgs map[string]string
	// AdditionalDockerArgs are extra --k=v flags passed verbatim to
	// `docker run`.
	AdditionalDockerArgs []string

	// LifecycleBus, if non-nil, receives a best-effort event per state
	// transition. A publish failure is logged and otherwise ignored:
	// it is observability, never authoritative pool state.
	LifecycleBus LifecycleBus

	// AuditLog, if non-nil, records lease start/end for historical
	// reporting. Never read back by the pool itself.
	AuditLog *mongo.Collection
}

// LifecycleBus is the narrow interface the Kafka-backed publisher
// satisfies; kept narrow so tests can fake it trivially.
type LifecycleBus interface {
	Publish(ctx context.Context, slotName string, from, to slot.State)
}

// Supervisor owns the Slot Table and the goroutines that keep each
// slot's agent-link event stream flowing into it.
type Supervisor struct {
	table  *slot.Table
	driver *driver.Driver
	opts   Options

	linksMu sync.Mutex
	links   map[string]*agentlink.Link
	cancels map[string]context.CancelFunc

	// shuttingDown suppresses container re-creation once Shutdown has
	// begun, even in response to agent disconnects (spec invariant
	// §8.6).
	shuttingDown atomic.Bool
}

// BeginShutdown marks the pool as shutting down. Once set, agent
// disconnects and lease expiry no longer trigger re-creation.
func (sv *Supervisor) BeginShutdown() {
	sv.shuttingDown.Store(true)
}

func (sv *Supervisor) isShuttingDown() bool {
	return sv.shuttingDown.Load()
}

// New builds a Supervisor over an already-sized Table.
func New(table *slot.Table, d *driver.Driver, opts Options) *Supervisor {
	return &Supervisor{
		table:   table,
		driver:  d,
		opts:    opts,
		links:   map[string]*agentlink.Link{},
		cancels: map[string]context.CancelFunc{},
	}
}

// Init starts a container for every slot in the table (full mode; each
// slot becomes Ready once its agent reports node:setState) or
// discovers already-running containers (manage-only mode). In full
// mode, a failure to create the FIRST slot is fatal; failures on
// later slots are logged and that slot is left Empty for a later
// retry by the caller.
func (sv *Supervisor) Init(ctx context.Context) error {
	if sv.opts.ManageOnly {
		return sv.discover(ctx)
	}

	for _, s := range sv.table.All() {
		if err := sv.createSlot(ctx, s.Name); err != nil {
			if s.Index == 0 {
				return fmt.Errorf("slot %s: %w", s.Name, err)
			}
			logger.Error("slot init failed, leaving empty for later retry",
				zap.String("slot", s.Name), zap.Error(err))
			continue
		}
	}
	return nil
}

// createSlot runs the container for a slot with up to maxRetries
// attempts, waiting killWaitTime between attempts so a prior failed
// run's name collision has time to clear. On success the slot is left
// in Creating: it only becomes Ready once the agent's node:setState
// event arrives on the freshly opened Agent Link (see consumeEvents),
// guaranteeing the agent is actually live.
func (sv *Supervisor) createSlot(ctx context.Context, name string) error {
	s, ok := sv.table.Get(name)
	if !ok {
		return apxerrors.NotFoundErr(name)
	}

	sv.transition(ctx, name, s.State, slot.Creating)
	_ = sv.table.Mutate(name, func(sl *slot.Slot) { sl.State = slot.Creating })

	envs := map[string]string{}
	for k, v := range sv.opts.LaunchArgs {
		envs[k] = v
	}
	envs["XVFB_RESOLUTION"] = fmt.Sprintf("%dx%d", s.Viewport.Width, s.Viewport.Height)

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		sv.driver.Kill(ctx, name)
		time.Sleep(killWaitTime)

		err := sv.driver.Run(ctx, driver.RunOptions{
			Name:      name,
			Image:     sv.opts.Image,
			Envs:      envs,
			PortMap:   driver.DefaultPortMap(s.Ports.App, s.Ports.Debugger, s.Ports.VNC),
			ExtraArgs: sv.opts.AdditionalDockerArgs,
		})
		if err == nil {
			lastErr = nil
			break
		}
		lastErr = err
		logger.Warn("container run attempt failed",
			zap.String("slot", name), zap.Int("attempt", attempt), zap.Error(err))
	}
	if lastErr != nil {
		_ = sv.table.Mutate(name, func(sl *slot.Slot) { sl.State = slot.Empty })
		return lastErr
	}

	_ = sv.table.Mutate(name, func(sl *slot.Slot) { sl.CreatedAt = time.Now() })
	sv.startLink(ctx, name, s.Ports.App)
	return nil
}

// discover populates the table from already-running containers that
// match the configured name prefix, used in manage-only mode.
func (sv *Supervisor) discover(ctx context.Context) error {
	names, err := sv.driver.ListByPrefix(ctx, sv.opts.NamePrefix)
	if err != nil {
		return apxerrors.Wrap("runtime_unavailable", err)
	}

	for _, name := range names {
		inspected, err := sv.driver.Inspect(ctx, name)
		if err != nil {
			logger.Warn("manage-only discovery: inspect failed, skipping", zap.String("name", name), zap.Error(err))
			continue
		}
		if !inspected.Running {
			continue
		}
		if _, ok := sv.table.Get(name); !ok {
			continue // not one of ours: name matched prefix but isn't in the table
		}
		_ = sv.table.Mutate(name, func(sl *slot.Slot) {
			sl.State = slot.Ready
			sl.CreatedAt = inspected.CreatedAt
			for k, v := range inspected.Labels {
				sl.SetLabel(k, v)
			}
		})
	}
	return nil
}

// InspectRuntime builds a read-only view of slots directly from the
// container runtime (`ps` + `inspect`), independent of in-memory
// state. Never mutates the Slot Table and never launches a container.
// A container that doesn't match one of ours is skipped; one that
// fails to inspect is logged and skipped.
func (sv *Supervisor) InspectRuntime(ctx context.Context) ([]slot.Slot, error) {
	names, err := sv.driver.ListByPrefix(ctx, sv.opts.NamePrefix)
	if err != nil {
		return nil, apxerrors.Wrap("runtime_unavailable", err)
	}

	out := make([]slot.Slot, 0, len(names))
	for _, name := range names {
		known, ok := sv.table.Get(name)
		if !ok {
			continue // not one of ours: name matched prefix but isn't in the table
		}
		inspected, err := sv.driver.Inspect(ctx, name)
		if err != nil {
			logger.Warn("inspect-from-runtime: inspect failed, skipping", zap.String("name", name), zap.Error(err))
			continue
		}

		known.State = slot.Empty
		if inspected.Running {
			known.State = slot.Ready
		}
		known.CreatedAt = inspected.CreatedAt
		for k, v := range inspected.Labels {
			known.SetLabel(k, v)
		}
		out = append(out, known)
	}
	return out, nil
}

// Reserve finds a Ready slot and arms a lease for leaseDuration,
// returning its name. Returns false if none is available.
func (sv *Supervisor) Reserve(ctx context.Context, leaseDuration time.Duration, session slot.Session) (string, bool) {
	name, ok := sv.table.FindReady()
	if !ok {
		return "", false
	}

	deadline := time.Now().Add(leaseDuration)
	_ = sv.table.Mutate(name, func(sl *slot.Slot) {
		sl.State = slot.Leased
		sl.Session = session
		sl.LastUsed = time.Now()
		sl.ArmLease(deadline, func() { sv.expire(name) })
	})
	sv.transition(ctx, name, slot.Ready, slot.Leased)
	sv.auditLeaseStart(ctx, name, session, deadline)
	return name, true
}

// Extend re-arms a slot's lease timer with a new deadline. Errors if
// the slot is not currently Leased.
func (sv *Supervisor) Extend(name string, leaseDuration time.Duration) error {
	deadline := time.Now().Add(leaseDuration)
	var notLeased error
	if err := sv.table.Mutate(name, func(sl *slot.Slot) {
		if sl.State != slot.Leased {
			notLeased = fmt.Errorf("slot %s: not leased", name)
			return
		}
		sl.ArmLease(deadline, func() { sv.expire(name) })
	}); err != nil {
		return err
	}
	return notLeased
}

// expire fires when a lease's deadline lapses without an explicit
// Release. It behaves like a caller-initiated release.
func (sv *Supervisor) expire(name string) {
	ctx := context.Background()
	logger.Info("lease expired, releasing", zap.String("slot", name))
	if err := sv.Release(ctx, name); err != nil {
		logger.Error("release on expiry failed", zap.String("slot", name), zap.Error(err))
	}
}

// Release ends a slot's lease. In full-lifecycle mode the container
// is stopped (with retry) and, on success, recreated so the slot
// returns to the pool; once shutdown has begun it is not recreated and
// the slot is left Empty. In manage-only mode the container is merely
// restarted in place and CreatedAt/labels survive.
func (sv *Supervisor) Release(ctx context.Context, name string) error {
	s, ok := sv.table.Get(name)
	if !ok {
		return apxerrors.NotFoundErr(name)
	}
	if s.State != slot.Leased && s.State != slot.Expiring {
		return nil
	}

	sv.auditLeaseEnd(ctx, name)

	_ = sv.table.Mutate(name, func(sl *slot.Slot) {
		sl.State = slot.Expiring
		sl.IsRemoving = true
		sl.CancelLease()
	})
	sv.transition(ctx, name, slot.Leased, slot.Expiring)

	if sv.opts.ManageOnly {
		if err := sv.driver.Restart(ctx, name); err != nil {
			return err
		}
		time.Sleep(manageOnlyRestartWait)
		_ = sv.table.Mutate(name, func(sl *slot.Slot) {
			sl.ClearLeaseOnly()
			sl.IsRemoving = false
			sl.State = slot.Creating
		})
		sv.stopLink(name)
		sv.startLink(ctx, name, s.Ports.App)
		return nil
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if attempt > 1 {
			time.Sleep(killWaitTime)
		}
		if err := sv.driver.Stop(ctx, name); err == nil {
			lastErr = nil
			break
		} else {
			lastErr = err
		}
	}
	if lastErr != nil {
		return lastErr
	}

	_ = sv.table.Mutate(name, func(sl *slot.Slot) {
		sl.ClearSession()
		sl.IsRemoving = false
	})
	sv.stopLink(name)
	if sv.isShuttingDown() {
		_ = sv.table.Mutate(name, func(sl *slot.Slot) { sl.State = slot.Empty })
		return nil
	}
	return sv.createSlot(ctx, name)
}

// ReInitWithResolution tears down and recreates a slot's container
// bound to a new viewport size. Rejects sizes outside the whitelist
// instead of clamping, so callers see the failure immediately.
func (sv *Supervisor) ReInitWithResolution(ctx context.Context, name string, width, height int) error {
	if !allowedResolutions[[2]int{width, height}] {
		return apxerrors.New("invalid_resolution", fmt.Sprintf("%dx%d is not an allowed resolution", width, height))
	}

	sv.stopLink(name)
	if err := sv.driver.Stop(ctx, name); err != nil {
		return err
	}
	_ = sv.table.Mutate(name, func(sl *slot.Slot) {
		sl.Viewport = slot.Viewport{Width: width, Height: height}
		sl.ClearSession()
	})
	return sv.createSlot(ctx, name)
}

func (sv *Supervisor) transition(ctx context.Context, name string, from, to slot.State) {
	if sv.opts.LifecycleBus == nil {
		return
	}
	sv.opts.LifecycleBus.Publish(ctx, name, from, to)
}

func (sv *Supervisor) auditLeaseStart(ctx context.Context, name string, session slot.Session, deadline time.Time) {
	if sv.opts.AuditLog == nil {
		return
	}
	doc := bson.M{
		"slot":       name,
		"session_id": session.SessionID,
		"client_id":  session.ClientID,
		"started_at": time.Now(),
		"deadline":   deadline,
	}
	if _, err := sv.opts.AuditLog.InsertOne(ctx, doc); err != nil {
		logger.Warn("lease audit insert failed", zap.String("slot", name), zap.Error(err))
	}
}

func (sv *Supervisor) auditLeaseEnd(ctx context.Context, name string) {
	if sv.opts.AuditLog == nil {
		return
	}
	_, err := sv.opts.AuditLog.UpdateOne(ctx,
		bson.M{"slot": name, "ended_at": bson.M{"$exists": false}},
		bson.M{"$set": bson.M{"ended_at": time.Now()}},
	)
	if err != nil {
		logger.Warn("lease audit update failed", zap.String("slot", name), zap.Error(err))
	}
}

// dispatchWebhook POSTs a completion notice on node:deleted when the
// slot's session carries a webhook URL, a report key, and a session
// UUID. Any other combination is skipped silently; delivery failures
// are logged and swallowed, never surfaced to the caller.
func (sv *Supervisor) dispatchWebhook(ctx context.Context, s slot.Slot, ev agentlink.Event) {
	sess := s.Session
	if sess.Webhook == "" || sess.ReportKey == "" || sess.SessionUUID == "" {
		return
	}

	sessionData := ""
	if sess.FingerprintID != "" {
		sessionData = ev.SessionData
	}

	payload, _ := json.Marshal(map[string]any{
		"clientID":    sess.ClientID,
		"sessionUUID": sess.SessionUUID,
		"sessionData": sessionData,
		"isError":     ev.IsError,
		"error":       ev.Message,
		"reportKey":   sess.ReportKey,
	})

	reqCtx, cancel := context.WithTimeout(ctx, webhookTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, sess.Webhook, bytes.NewReader(payload))
	if err != nil {
		logger.Warn("webhook request build failed", zap.String("slot", s.Name), zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		logger.Warn("webhook delivery failed", zap.String("slot", s.Name), zap.Error(err))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		logger.Warn("webhook rejected", zap.String("slot", s.Name), zap.Int("status", resp.StatusCode))
	}
}

func (sv *Supervisor) startLink(ctx context.Context, name string, appPort int) {
	sv.linksMu.Lock()
	defer sv.linksMu.Unlock()

	linkCtx, cancel := context.WithCancel(ctx)
	link := agentlink.New(name)
	sv.links[name] = link
	sv.cancels[name] = cancel

	go func() {
		if err := link.Run(linkCtx, fmt.Sprintf("localhost:%d", appPort)); err != nil {
			logger.Debug("agent link exited", zap.String("slot", name), zap.Error(err))
		}
	}()
	go sv.consumeEvents(name, link)
	go sv.consumeDisconnects(name, link)
}

func (sv *Supervisor) stopLink(name string) {
	sv.linksMu.Lock()
	defer sv.linksMu.Unlock()
	if cancel, ok := sv.cancels[name]; ok {
		cancel()
		delete(sv.cancels, name)
	}
	if link, ok := sv.links[name]; ok {
		link.Close()
		delete(sv.links, name)
	}
}

// consumeEvents processes one slot's agent-link events in arrival
// order for as long as the link is open.
func (sv *Supervisor) consumeEvents(name string, link *agentlink.Link) {
	for ev := range link.Events() {
		switch ev.Kind {
		case agentlink.SetState:
			wasReady := false
			_ = sv.table.Mutate(name, func(sl *slot.Slot) {
				wasReady = sl.State == slot.Ready
				sl.State = slot.Ready
				sl.SetLabel("id", ev.ID)
				sl.SetLabel("ip", ev.IP)
			})
			if !wasReady {
				sv.transition(context.Background(), name, slot.Creating, slot.Ready)
			}
		case agentlink.SetLabel:
			_ = sv.table.Mutate(name, func(sl *slot.Slot) {
				sl.SetLabel(ev.LabelName, ev.LabelValue)
			})
		case agentlink.SetParam:
			_ = sv.table.Mutate(name, func(sl *slot.Slot) {
				sl.SetLabel("param."+ev.Param, ev.Value)
			})
		case agentlink.Deleted:
			logger.Info("agent reported deleted",
				zap.String("slot", name), zap.Bool("isError", ev.IsError), zap.String("message", ev.Message))
			ctx := context.Background()
			if s, ok := sv.table.Get(name); ok {
				sv.dispatchWebhook(ctx, s, ev)
			}
			if err := sv.Release(ctx, name); err != nil {
				logger.Error("release on agent deleted failed", zap.String("slot", name), zap.Error(err))
			}
		}
	}
}

// consumeDisconnects reacts to the Agent Link reporting a dropped
// connection, for as long as the link is open.
func (sv *Supervisor) consumeDisconnects(name string, link *agentlink.Link) {
	for range link.Disconnected() {
		sv.handleDisconnect(name)
	}
}

// handleDisconnect implements spec §4.2's connection lifecycle: cancel
// any pending lease timer, mark the slot non-Ready, and in
// full-lifecycle mode only, schedule container re-creation after a
// fixed delay. Skipped entirely once shutdown has begun.
func (sv *Supervisor) handleDisconnect(name string) {
	if sv.isShuttingDown() {
		return
	}

	_ = sv.table.Mutate(name, func(sl *slot.Slot) {
		sl.CancelLease()
		sl.State = slot.Creating
	})

	if sv.opts.ManageOnly {
		return
	}

	logger.Info("agent link disconnected, scheduling re-creation",
		zap.String("slot", name), zap.Duration("after", disconnectRecreateWait))
	time.AfterFunc(disconnectRecreateWait, func() {
		if sv.isShuttingDown() {
			return
		}
		sv.stopLink(name)
		if err := sv.createSlot(context.Background(), name); err != nil {
			logger.Error("disconnect re-creation failed", zap.String("slot", name), zap.Error(err))
		}
	})
}
