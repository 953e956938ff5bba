package lockdown

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/custodia-app/custodia/pkg/device"
)

// DefaultInterval is how often an armed enforcer re-asserts that the lock
// surface is still the foreground surface.
const DefaultInterval = 2 * time.Second

// Phase is the enforcer's position in the Idle -> Armed -> Released cycle.
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseArmed    Phase = "armed"
	PhaseReleased Phase = "released"
)

var (
	// ErrNotArmed rejects a release when no lock is held.
	ErrNotArmed = errors.New("no active lock to release")

	// ErrWrongIncident rejects a release for an incident other than the
	// one the lock is bound to.
	ErrWrongIncident = errors.New("lock bound to a different incident")
)

// LockState is the readable snapshot of the device lock. At most one
// LockState is active per device.
type LockState struct {
	Active          bool       `json:"active"`
	BoundIncidentID string     `json:"bound_incident_id,omitempty"`
	Since           *time.Time `json:"since,omitempty"`
}

// BindingStore persists the bound incident ID across process restarts.
// Losing the binding would silently drop the lock, which is treated as a
// security defect, so the binding is written before the surface goes up.
type BindingStore interface {
	BoundIncident(ctx context.Context) (string, error)
	BindIncident(ctx context.Context, incidentID string) error
	ClearBinding(ctx context.Context) error
}

type cmdKind int

const (
	cmdArm cmdKind = iota
	cmdRelease
)

type command struct {
	kind       cmdKind
	incidentID string
	reply      chan error
}

// Enforcer holds the device in a persistent locked state bound to one
// incident. All state transitions happen on the Run goroutine; Arm and
// Release are requests to it, and readers poll State freely.
type Enforcer struct {
	surface  device.LockSurface
	store    BindingStore
	interval time.Duration
	logger   zerolog.Logger

	commands chan command

	mu    sync.RWMutex
	phase Phase
	bound string
	since time.Time
}

func New(surface device.LockSurface, store BindingStore, logger zerolog.Logger) *Enforcer {
	return &Enforcer{
		surface:  surface,
		store:    store,
		interval: DefaultInterval,
		logger:   logger.With().Str("component", "lockdown").Logger(),
		commands: make(chan command),
		phase:    PhaseIdle,
	}
}

// WithInterval overrides the re-assertion interval, for tests.
func (e *Enforcer) WithInterval(d time.Duration) *Enforcer {
	e.interval = d
	return e
}

// State returns the current lock snapshot.
func (e *Enforcer) State() LockState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	state := LockState{
		Active:          e.phase == PhaseArmed,
		BoundIncidentID: e.bound,
	}
	if state.Active {
		since := e.since
		state.Since = &since
	}
	return state
}

// Arm transitions Idle -> Armed for the given incident. Arming twice for
// the same incident is a no-op; arming for a different incident while
// armed is ignored (first-incident-wins) so the in-progress unlock flow is
// never orphaned. Returns once the binding is persisted and the surface
// presented. Run must be active.
func (e *Enforcer) Arm(ctx context.Context, incidentID string) error {
	return e.send(ctx, command{kind: cmdArm, incidentID: incidentID})
}

// Release transitions Armed -> Released. Only the incident the lock is
// bound to may release it; anything else is rejected.
func (e *Enforcer) Release(ctx context.Context, incidentID string) error {
	return e.send(ctx, command{kind: cmdRelease, incidentID: incidentID})
}

func (e *Enforcer) send(ctx context.Context, cmd command) error {
	cmd.reply = make(chan error, 1)
	select {
	case e.commands <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run restores any persisted binding, then processes arm/release requests
// and re-asserts the lock surface on a fixed interval until ctx ends.
func (e *Enforcer) Run(ctx context.Context) error {
	if err := e.restore(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd := <-e.commands:
			switch cmd.kind {
			case cmdArm:
				cmd.reply <- e.arm(ctx, cmd.incidentID)
			case cmdRelease:
				cmd.reply <- e.release(ctx, cmd.incidentID)
			}
		case <-ticker.C:
			e.reassert(ctx)
		}
	}
}

// restore re-arms for a binding persisted by a previous process. An OS
// teardown must not drop the lock.
func (e *Enforcer) restore(ctx context.Context) error {
	bound, err := e.store.BoundIncident(ctx)
	if err != nil {
		return err
	}
	if bound == "" {
		return nil
	}
	e.logger.Warn().Str("incident_id", bound).Msg("Restoring lock after process restart")
	e.setPhase(PhaseArmed, bound)
	if err := e.surface.Present(ctx, bound); err != nil {
		// Still armed; the re-assert loop keeps trying.
		e.logger.Error().Err(err).Msg("Lock surface present failed during restore")
	}
	return nil
}

func (e *Enforcer) arm(ctx context.Context, incidentID string) error {
	e.mu.RLock()
	phase, bound := e.phase, e.bound
	e.mu.RUnlock()

	if phase == PhaseArmed {
		if bound == incidentID {
			return nil
		}
		e.logger.Warn().
			Str("bound_incident_id", bound).
			Str("ignored_incident_id", incidentID).
			Msg("Arm ignored while locked for another incident")
		return nil
	}

	// Persist the binding first: a crash after this point re-arms on the
	// next launch instead of losing the lock.
	if err := e.store.BindIncident(ctx, incidentID); err != nil {
		return err
	}
	e.setPhase(PhaseArmed, incidentID)

	if err := e.surface.Present(ctx, incidentID); err != nil {
		e.logger.Error().Err(err).Str("incident_id", incidentID).Msg("Lock surface present failed, will re-assert")
	} else {
		e.logger.Info().Str("incident_id", incidentID).Msg("Device locked")
	}
	return nil
}

func (e *Enforcer) release(ctx context.Context, incidentID string) error {
	e.mu.RLock()
	phase, bound := e.phase, e.bound
	e.mu.RUnlock()

	if phase != PhaseArmed {
		return ErrNotArmed
	}
	if bound != incidentID {
		return ErrWrongIncident
	}

	if err := e.store.ClearBinding(ctx); err != nil {
		return err
	}
	if err := e.surface.Dismiss(ctx); err != nil {
		e.logger.Warn().Err(err).Msg("Lock surface dismiss failed")
	}
	// Released is terminal for this incident; the next detection starts a
	// fresh cycle from here exactly as it would from Idle.
	e.setPhase(PhaseReleased, "")
	e.logger.Info().Str("incident_id", incidentID).Msg("Device unlocked")
	return nil
}

// reassert puts the lock surface back on top if other OS activity has
// displaced it. Self-healing poll, not a one-shot action.
func (e *Enforcer) reassert(ctx context.Context) {
	e.mu.RLock()
	phase, bound := e.phase, e.bound
	e.mu.RUnlock()
	if phase != PhaseArmed {
		return
	}

	foreground, err := e.surface.IsForeground(ctx)
	if err != nil {
		e.logger.Warn().Err(err).Msg("Foreground check failed")
	}
	if foreground {
		return
	}
	if err := e.surface.Present(ctx, bound); err != nil {
		e.logger.Error().Err(err).Str("incident_id", bound).Msg("Lock surface re-present failed")
		return
	}
	e.logger.Debug().Str("incident_id", bound).Msg("Lock surface re-asserted")
}

func (e *Enforcer) setPhase(phase Phase, bound string) {
	e.mu.Lock()
	e.phase = phase
	e.bound = bound
	if phase == PhaseArmed {
		e.since = time.Now().UTC()
	} else {
		e.since = time.Time{}
	}
	e.mu.Unlock()
}
