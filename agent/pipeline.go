package main

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/custodia-app/custodia/pkg/device"
	"github.com/custodia-app/custodia/pkg/incident"
	"github.com/custodia-app/custodia/pkg/lockdown"
	"github.com/custodia-app/custodia/pkg/monitor"
)

// IncidentSaver persists a new incident locally before anything else
// happens with it.
type IncidentSaver interface {
	SaveIncident(ctx context.Context, inc *incident.Incident) error
}

// Capturer runs the evidence flow and arms the lock.
type Capturer interface {
	Capture(ctx context.Context, inc *incident.Incident) error
}

// LockReader exposes the current lock snapshot.
type LockReader interface {
	State() lockdown.LockState
}

// Pipeline runs detection to lockdown: it consumes text fragments, turns
// the first flagged one into an incident, and hands it to capture, which
// signals the enforcer. Detections arriving while the device is already
// locked are dropped; the bound incident keeps the lock.
type Pipeline struct {
	monitor  *monitor.Monitor
	saver    IncidentSaver
	capturer Capturer
	lock     LockReader
	notify   func()
	logger   zerolog.Logger
}

func NewPipeline(mon *monitor.Monitor, saver IncidentSaver, capturer Capturer, lock LockReader, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		monitor:  mon,
		saver:    saver,
		capturer: capturer,
		lock:     lock,
		notify:   func() {},
		logger:   logger.With().Str("component", "pipeline").Logger(),
	}
}

// WithNotify registers a callback fired after each new incident, used to
// kick an immediate sync pass.
func (p *Pipeline) WithNotify(fn func()) *Pipeline {
	p.notify = fn
	return p
}

// Run consumes fragments until the channel closes or ctx ends.
func (p *Pipeline) Run(ctx context.Context, fragments <-chan device.Fragment) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frag, ok := <-fragments:
			if !ok {
				return nil
			}
			p.handle(ctx, frag)
		}
	}
}

func (p *Pipeline) handle(ctx context.Context, frag device.Fragment) {
	event := p.monitor.Observe(frag.Text, frag.SourceApp)
	if event == nil {
		return
	}

	if state := p.lock.State(); state.Active {
		p.logger.Debug().
			Str("bound_incident_id", state.BoundIncidentID).
			Str("word", event.MatchedWord).
			Msg("Detection while locked, keeping bound incident")
		return
	}

	inc, err := incident.New(event.SubjectID, event.MatchedWord, event.MatchedText, event.Category, event.SourceApp)
	if err != nil {
		p.logger.Error().Err(err).Msg("Incident creation failed")
		return
	}
	inc.CreatedAt = event.ObservedAt

	// Durable before visible: the incident and its unlock code must
	// survive a crash that happens mid-lockdown.
	if err := p.saver.SaveIncident(ctx, inc); err != nil {
		p.logger.Error().Err(err).Str("incident_id", inc.ID).Msg("Incident persistence failed")
		return
	}

	if err := p.capturer.Capture(ctx, inc); err != nil {
		p.logger.Error().Err(err).Str("incident_id", inc.ID).Msg("Lockdown signal failed")
		return
	}

	p.logger.Info().
		Str("incident_id", inc.ID).
		Str("word", inc.MatchedWord).
		Str("source_app", inc.SourceApp).
		Msg("Incident created and lockdown signalled")

	p.notify()
}
