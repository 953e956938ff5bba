package unlock

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/custodia-app/custodia/pkg/incident"
	"github.com/custodia-app/custodia/pkg/lockdown"
	"github.com/custodia-app/custodia/pkg/otc"
)

// ErrBadFormat rejects input locally, before any stored code state is
// consulted. The user-facing format is exactly six ASCII digits.
var ErrBadFormat = errors.New("code must be exactly 6 digits")

// IncidentSource is the locally persisted incident currently enforcing
// the lock, surviving process restarts.
type IncidentSource interface {
	CurrentIncident(ctx context.Context) (*incident.Incident, error)
	SaveIncident(ctx context.Context, inc *incident.Incident) error
}

// Releaser releases the lockdown enforcer for a specific incident.
type Releaser interface {
	Release(ctx context.Context, incidentID string) error
}

// Reporter propagates the resolution to the remote store. Best-effort:
// the local resolution is authoritative and the sync pass reconciles.
type Reporter interface {
	MarkIncidentResolved(ctx context.Context, incidentID string, at time.Time) error
}

// Verifier validates candidate unlock codes against the armed incident's
// code and releases the lock on success. Incident unlock codes never
// expire; the code is consumed on first successful validation.
type Verifier struct {
	source   IncidentSource
	releaser Releaser
	reporter Reporter
	logger   zerolog.Logger
	now      func() time.Time
}

func New(source IncidentSource, releaser Releaser, reporter Reporter, logger zerolog.Logger) *Verifier {
	return &Verifier{
		source:   source,
		releaser: releaser,
		reporter: reporter,
		logger:   logger.With().Str("component", "unlock").Logger(),
		now:      time.Now,
	}
}

// WithClock overrides the time source, for tests.
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	v.now = now
	return v
}

// Unlock validates candidate and, on success, consumes the code, marks
// the incident resolved, and releases the lock. Rejections come back as
// typed code errors suitable for direct display.
func (v *Verifier) Unlock(ctx context.Context, candidate string) error {
	if !otc.ValidFormat(candidate) {
		return ErrBadFormat
	}

	inc, err := v.source.CurrentIncident(ctx)
	if err != nil {
		return err
	}
	if inc == nil || inc.Resolved {
		return otc.ErrNotIssued
	}

	if err := otc.Check(inc.UnlockCode, candidate, otc.NoExpiry, v.now()); err != nil {
		v.logger.Info().Err(err).Str("incident_id", inc.ID).Msg("Unlock attempt rejected")
		return err
	}

	// Consume the code before dropping the lock so a crash in between can
	// never leave a replayable code behind.
	resolvedAt := v.now()
	inc.Resolve(resolvedAt)
	if err := v.source.SaveIncident(ctx, inc); err != nil {
		return err
	}

	if err := v.releaser.Release(ctx, inc.ID); err != nil {
		return err
	}

	if err := v.reporter.MarkIncidentResolved(ctx, inc.ID, resolvedAt); err != nil {
		v.logger.Warn().Err(err).Str("incident_id", inc.ID).Msg("Resolution not yet reported, sync will retry")
	}

	v.logger.Info().Str("incident_id", inc.ID).Msg("Incident resolved and device unlocked")
	return nil
}

// Reconcile releases a lock left bound to an already-resolved incident.
// This covers a crash after the code was consumed but before the release
// went through: on restart the enforcer re-arms, and the device would
// otherwise be locked with no valid code.
func (v *Verifier) Reconcile(ctx context.Context) error {
	inc, err := v.source.CurrentIncident(ctx)
	if err != nil {
		return err
	}
	if inc == nil || !inc.Resolved {
		return nil
	}
	if err := v.releaser.Release(ctx, inc.ID); err != nil {
		if errors.Is(err, lockdown.ErrNotArmed) {
			return nil
		}
		return err
	}
	v.logger.Warn().Str("incident_id", inc.ID).Msg("Released stale lock for resolved incident")
	return nil
}
