package remote

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/custodia-app/custodia/pkg/incident"
	"github.com/custodia-app/custodia/pkg/otc"
)

// SpoolStore is the local state the sync pass drains and refreshes.
type SpoolStore interface {
	UnsyncedIncidents(ctx context.Context) ([]*incident.Incident, error)
	MarkIncidentSynced(ctx context.Context, incidentID string) error
	UnsyncedResolutions(ctx context.Context) ([]*incident.Incident, error)
	MarkResolutionSynced(ctx context.Context, incidentID string) error
	PendingCodeClears(ctx context.Context) (map[otc.Flow]string, error)
	MarkCodeClearSynced(ctx context.Context, flow otc.Flow) error
	otc.Store
}

// Remote is the subset of Client the syncer needs, split out for tests.
type Remote interface {
	PutIncident(ctx context.Context, inc *incident.Incident) error
	MarkIncidentResolved(ctx context.Context, incidentID string, at time.Time) error
	FetchCode(ctx context.Context, flow otc.Flow) (otc.State, error)
	ClearCode(ctx context.Context, flow otc.Flow) error
}

// Syncer reconciles local state with the server on a fixed interval:
// spooled incidents and resolutions go up, guardian-issued logout codes
// come down. Incidents created while the server was unreachable are never
// lost and never duplicated; PutIncident is idempotent by incident ID.
type Syncer struct {
	remote   Remote
	spool    SpoolStore
	retrier  *Retrier
	interval time.Duration
	logger   zerolog.Logger
}

func NewSyncer(remote Remote, spool SpoolStore, retrier *Retrier, interval time.Duration, logger zerolog.Logger) *Syncer {
	return &Syncer{
		remote:   remote,
		spool:    spool,
		retrier:  retrier,
		interval: interval,
		logger:   logger.With().Str("component", "sync").Logger(),
	}
}

// Run syncs immediately, then on every tick until ctx ends.
func (s *Syncer) Run(ctx context.Context) error {
	s.Sync(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Sync(ctx)
		}
	}
}

// Sync performs one reconciliation pass. Failures are logged and left for
// the next pass; nothing is dropped. Code clears push before the pull so a
// consumed code is gone from the server before the mirror refreshes.
func (s *Syncer) Sync(ctx context.Context) {
	s.pushIncidents(ctx)
	s.pushResolutions(ctx)
	s.pushCodeClears(ctx)
	s.pullLogoutCode(ctx)
}

func (s *Syncer) pushIncidents(ctx context.Context) {
	pending, err := s.spool.UnsyncedIncidents(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Reading incident spool failed")
		return
	}
	for _, inc := range pending {
		inc := inc
		err := s.retrier.Do(func() error {
			return s.remote.PutIncident(ctx, inc)
		}, IsRetryable)
		if err != nil {
			s.logger.Warn().Err(err).Str("incident_id", inc.ID).Msg("Incident sync failed, will retry next pass")
			continue
		}
		if err := s.spool.MarkIncidentSynced(ctx, inc.ID); err != nil {
			s.logger.Error().Err(err).Str("incident_id", inc.ID).Msg("Marking incident synced failed")
			continue
		}
		s.logger.Info().Str("incident_id", inc.ID).Msg("Incident synced")
	}
}

func (s *Syncer) pushResolutions(ctx context.Context) {
	pending, err := s.spool.UnsyncedResolutions(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Reading resolution spool failed")
		return
	}
	for _, inc := range pending {
		if inc.ResolvedAt == nil {
			continue
		}
		inc := inc
		err := s.retrier.Do(func() error {
			return s.remote.MarkIncidentResolved(ctx, inc.ID, *inc.ResolvedAt)
		}, IsRetryable)
		if err != nil {
			s.logger.Warn().Err(err).Str("incident_id", inc.ID).Msg("Resolution sync failed, will retry next pass")
			continue
		}
		if err := s.spool.MarkResolutionSynced(ctx, inc.ID); err != nil {
			s.logger.Error().Err(err).Str("incident_id", inc.ID).Msg("Marking resolution synced failed")
		}
	}
}

// pushCodeClears tells the server about codes consumed on-device. The
// server copy is deleted only while it still holds the consumed digits; a
// code the guardian reissued in the meantime is left alone.
func (s *Syncer) pushCodeClears(ctx context.Context) {
	pending, err := s.spool.PendingCodeClears(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Reading code clear spool failed")
		return
	}
	for flow, consumed := range pending {
		fetched, err := s.remote.FetchCode(ctx, flow)
		if err != nil {
			s.logger.Warn().Err(err).Str("flow", string(flow)).Msg("Code clear sync failed, will retry next pass")
			continue
		}
		if fetched.Issued() && fetched.Code == consumed {
			err := s.retrier.Do(func() error {
				return s.remote.ClearCode(ctx, flow)
			}, IsRetryable)
			if err != nil {
				s.logger.Warn().Err(err).Str("flow", string(flow)).Msg("Code clear sync failed, will retry next pass")
				continue
			}
		}
		if err := s.spool.MarkCodeClearSynced(ctx, flow); err != nil {
			s.logger.Error().Err(err).Str("flow", string(flow)).Msg("Marking code clear synced failed")
		}
	}
}

// pullLogoutCode mirrors the guardian-issued logout code into local state
// so the device can validate it without a round trip.
func (s *Syncer) pullLogoutCode(ctx context.Context) {
	fetched, err := s.remote.FetchCode(ctx, otc.FlowLogout)
	if err != nil {
		s.logger.Debug().Err(err).Msg("Logout code fetch failed")
		return
	}

	local, err := s.spool.GetCode(ctx, otc.FlowLogout)
	if err != nil {
		s.logger.Error().Err(err).Msg("Reading local logout code failed")
		return
	}

	switch {
	case fetched.Issued() && !sameState(fetched, local):
		// A code consumed here but not yet cleared server-side must not
		// come back through the mirror.
		if pending, err := s.spool.PendingCodeClears(ctx); err == nil && pending[otc.FlowLogout] == fetched.Code {
			return
		}
		if err := s.spool.PutCode(ctx, otc.FlowLogout, fetched); err != nil {
			s.logger.Error().Err(err).Msg("Storing logout code failed")
		}
	case !fetched.Issued() && local.Issued():
		// Guardian revoked or the code was consumed elsewhere.
		if err := s.spool.ClearCode(ctx, otc.FlowLogout); err != nil {
			s.logger.Error().Err(err).Msg("Clearing logout code failed")
		}
	}
}

// sameState compares code pairs by instant rather than struct equality, so
// a timestamp that round-tripped through JSON or sqlite still matches.
func sameState(a, b otc.State) bool {
	return a.Code == b.Code && a.IssuedAt.Equal(b.IssuedAt)
}
